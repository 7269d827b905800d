package budget

import (
	"context"
	"fmt"
	"strings"

	"goa.design/parley/runtime/interaction/model"
)

// SummarizeFunc produces a summary of a rendered conversation.
type SummarizeFunc func(ctx context.Context, text string) (string, error)

// Compact keeps the keepRecent most recent messages verbatim and replaces
// the older ones with a single summary message produced by summarize.
// Conversations of keepRecent messages or fewer are returned unchanged.
func Compact(ctx context.Context, msgs []model.Message, keepRecent int, summarize SummarizeFunc) ([]model.Message, error) {
	if keepRecent < 0 {
		keepRecent = 0
	}
	if len(msgs) <= keepRecent {
		return msgs, nil
	}
	split := len(msgs) - keepRecent
	older, recent := msgs[:split], msgs[split:]

	var b strings.Builder
	for i, m := range older {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	summary, err := summarize(ctx, b.String())
	if err != nil {
		return nil, fmt.Errorf("compact %d messages: %w", len(older), err)
	}
	out := make([]model.Message, 0, keepRecent+1)
	out = append(out, model.UserMessage(fmt.Sprintf("[Previous conversation summary: %s]", summary)))
	return append(out, recent...), nil
}
