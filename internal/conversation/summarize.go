package conversation

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/tsangh5/BacktestGPT/internal/domain"
)

// Summarizer compresses older turns into a running summary. Structured
// strategy fields are never passed through it.
type Summarizer interface {
	Summarize(ctx context.Context, previous string, turns []domain.Turn) (string, error)
}

// TruncatingSummarizer keeps a bounded, deterministic digest of older turns:
// each turn is clipped, and the digest keeps its most recent MaxChars.
type TruncatingSummarizer struct {
	TurnChars int
	MaxChars  int
}

// NewTruncatingSummarizer creates a summarizer with sensible bounds.
func NewTruncatingSummarizer() *TruncatingSummarizer {
	return &TruncatingSummarizer{TurnChars: 200, MaxChars: 2000}
}

// Summarize implements Summarizer.
func (s *TruncatingSummarizer) Summarize(_ context.Context, previous string, turns []domain.Turn) (string, error) {
	lines := make([]string, 0, len(turns)+1)
	if previous != "" {
		lines = append(lines, previous)
	}
	for _, t := range turns {
		lines = append(lines, t.Role+": "+clip(strings.Join(strings.Fields(t.Text), " "), s.TurnChars))
	}
	out := strings.Join(lines, "\n")
	if s.MaxChars > 0 && utf8.RuneCountInString(out) > s.MaxChars {
		r := []rune(out)
		out = "..." + string(r[len(r)-s.MaxChars:])
	}
	return out, nil
}

func clip(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
