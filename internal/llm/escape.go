package llm

import "strings"

// escapeRepairThreshold is the number of literal \n sequences above
// which single-line content is treated as double-escaped.
const escapeRepairThreshold = 10

// RepairEscapes fixes content whose line breaks arrived as the
// two-character sequence \n: more than escapeRepairThreshold of those
// and no real newline. Such content has \n and \t replaced by newline and
// tab. Anything else, including all content with a real newline, is
// returned unchanged. The boolean reports whether a repair happened.
func RepairEscapes(s string) (string, bool) {
	if strings.Contains(s, "\n") || strings.Count(s, `\n`) <= escapeRepairThreshold {
		return s, false
	}
	return strings.NewReplacer(`\n`, "\n", `\t`, "\t").Replace(s), true
}

// repairArguments applies RepairEscapes to every string argument,
// descending into nested objects and arrays.
func repairArguments(args map[string]any) {
	for k, v := range args {
		args[k] = repairValue(v)
	}
}

func repairValue(v any) any {
	switch val := v.(type) {
	case string:
		fixed, _ := RepairEscapes(val)
		return fixed
	case map[string]any:
		repairArguments(val)
		return val
	case []any:
		for i := range val {
			val[i] = repairValue(val[i])
		}
		return val
	default:
		return v
	}
}
