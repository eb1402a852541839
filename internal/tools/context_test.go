package tools

import (
	"context"
	"testing"
)

func TestConversationIDContext(t *testing.T) {
	if got := ConversationIDFromContext(context.Background()); got != "" {
		t.Errorf("empty context = %q, want empty", got)
	}
	ctx := WithConversationID(context.Background(), "conv-3")
	if got := ConversationIDFromContext(ctx); got != "conv-3" {
		t.Errorf("ConversationIDFromContext = %q, want conv-3", got)
	}
}
