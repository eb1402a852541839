// Steward is an AI site builder for community websites.
//
// It edits the community's site repository on an operator's behalf,
// records every change with enough state to undo it, and serves the
// admin API the community dashboard calls. Configuration is loaded from
// a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]); without one Steward runs in local mode
// against an in-memory repository and a SQLite ledger.
//
// Usage:
//
//	steward serve                  Start the API server
//	steward ask <message>          Run one agent invocation
//	steward build <proposal-id>    Build an approved proposal
//	steward rollback <change-id>   Undo a change record
//	steward usage [days]           Summarize token spend (sqlite ledger)
//	steward version                Print version and build information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/meitheal/steward/internal/agent"
	"github.com/meitheal/steward/internal/api"
	"github.com/meitheal/steward/internal/buildinfo"
	"github.com/meitheal/steward/internal/config"
	"github.com/meitheal/steward/internal/usage"
)

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand so tests
// can drive it concurrently without the flag package's globals.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: steward ask <message>")
		}
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, &agent.Request{Message: strings.Join(cmdArgs, " ")})
	case "build":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: steward build <proposal-id>")
		}
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, &agent.Request{ProposalID: cmdArgs[0]})
	case "rollback":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: steward rollback <change-id>")
		}
		return runRollback(ctx, stdout, stderr, configPath, outputFmt, cmdArgs[0])
	case "usage":
		days := 30
		if len(cmdArgs) > 0 {
			n, err := strconv.Atoi(cmdArgs[0])
			if err != nil || n <= 0 {
				return fmt.Errorf("usage: steward usage [days]")
			}
			days = n
		}
		return runUsage(ctx, stdout, stderr, configPath, outputFmt, days)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Steward - AI site builder for community websites")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: steward [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                 Start the API server")
	fmt.Fprintln(w, "  ask <message>         Run one agent invocation")
	fmt.Fprintln(w, "  build <proposal-id>   Build an approved proposal")
	fmt.Fprintln(w, "  rollback <change-id>  Undo a change record")
	fmt.Fprintln(w, "  usage [days]          Summarize token spend (default: 30 days)")
	fmt.Fprintln(w, "  version               Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	for _, p := range config.DefaultSearchPaths() {
		fmt.Fprintf(w, "  %s\n", p)
	}
	fmt.Fprintln(w, "With no config file Steward runs locally with an in-memory site.")
	return nil
}

func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, stdout, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	server := api.NewServer(a.cfg.Listen.Address, a.cfg.Listen.Port, api.Deps{
		Agent:       a.loop,
		Rollback:    a.rollback,
		Memory:      a.memory,
		Auth:        a.auth,
		CORSOrigins: a.cfg.CORS.AllowedOrigins,
		Logger:      a.logger,
	})

	go func() {
		<-ctx.Done()
		a.logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("server failed: %w", err)
	}
	a.logger.Info("Steward stopped")
	return nil
}

func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, req *agent.Request) error {
	a, err := newApp(ctx, stderr, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	resp, err := a.loop.Run(ctx, req)
	if err != nil {
		return err
	}
	if outputFmt == "json" {
		return writeJSON(stdout, resp)
	}
	fmt.Fprintln(stdout, resp.Text)
	fmt.Fprintf(stdout, "\nconversation %s, %d turn(s), %d+%d tokens, $%.4f\n",
		resp.ConversationID, resp.Turns, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Usage.CostUSD)
	if resp.ChangeID != "" {
		fmt.Fprintf(stdout, "change %s (%d file(s))\n", resp.ChangeID, len(resp.Snapshots))
	}
	return nil
}

func runRollback(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, id string) error {
	a, err := newApp(ctx, stderr, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.rollback.Rollback(ctx, id)
	if err != nil {
		return err
	}
	if outputFmt == "json" {
		return writeJSON(stdout, report)
	}
	for _, r := range report.Results {
		line := fmt.Sprintf("  %-15s %s", r.Action, r.Path)
		if r.Reason != "" {
			line += " (" + r.Reason + ")"
		}
		fmt.Fprintln(stdout, line)
	}
	fmt.Fprintln(stdout, report.Message)
	if !report.OK {
		return errors.New("rollback incomplete")
	}
	return nil
}

func runUsage(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, days int) error {
	a, err := newApp(ctx, stderr, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.usageStore == nil {
		return errors.New("usage summaries need the sqlite ledger; query ai_usage in the data store instead")
	}
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -days)
	total, err := a.usageStore.Summary(ctx, start, end)
	if err != nil {
		return err
	}
	byModel, err := a.usageStore.SummaryByModel(ctx, start, end)
	if err != nil {
		return err
	}
	byProvider, err := a.usageStore.SummaryByProvider(ctx, start, end)
	if err != nil {
		return err
	}
	if outputFmt == "json" {
		return writeJSON(stdout, map[string]any{
			"days":        days,
			"total":       total,
			"by_model":    byModel,
			"by_provider": byProvider,
		})
	}

	fmt.Fprintf(stdout, "Last %d day(s): %d invocation(s), %d in / %d out tokens, $%.4f\n",
		days, total.TotalRecords, total.TotalInputTokens, total.TotalOutputTokens, total.TotalCostUSD)
	writeUsageGroups(stdout, "By provider", byProvider)
	writeUsageGroups(stdout, "By model", byModel)
	return nil
}

func writeUsageGroups(w io.Writer, title string, groups map[string]*usage.Summary) {
	if len(groups) == 0 {
		return
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(w, "%s:\n", title)
	for _, k := range keys {
		s := groups[k]
		fmt.Fprintf(w, "  %-28s %5d  $%.4f\n", k, s.TotalRecords, s.TotalCostUSD)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
