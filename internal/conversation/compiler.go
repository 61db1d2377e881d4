// Package conversation turns a multi-turn natural-language dialogue into a
// candidate strategy. State is immutable: each step returns a new state.
package conversation

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/tsangh5/BacktestGPT/internal/domain"
)

// ExtractionRequest is everything the extractor sees for one turn.
type ExtractionRequest struct {
	Current domain.CandidateStrategy
	Summary string
	Turns   []domain.Turn
	Text    string
	Missing []string
	// FromTranscript is set when no prior state exists and the fields must
	// be read from the whole conversation, not just the latest message.
	FromTranscript bool
}

// Extractor maps one user turn to the strategy fields it addresses.
type Extractor interface {
	Extract(ctx context.Context, req ExtractionRequest) (domain.Extraction, error)
}

// Config bounds the conversation memory.
type Config struct {
	// MaxTurns is the number of raw turns kept before older ones are
	// folded into the summary. Zero disables summarization.
	MaxTurns int
	// KeepRecent is how many recent turns survive a summarization.
	KeepRecent int
}

// DefaultConfig returns the default conversation bounds.
func DefaultConfig() Config {
	return Config{MaxTurns: 20, KeepRecent: 6}
}

// Outcome is the result of compiling one turn.
type Outcome struct {
	State              domain.ConversationState
	NeedsClarification bool
	Message            string
	Missing            []string
}

// Candidate returns the accumulated fields once the state is ready.
func (o Outcome) Candidate() (domain.CandidateStrategy, bool) {
	if o.State.Phase != domain.PhaseReady {
		return domain.CandidateStrategy{}, false
	}
	return o.State.Fields.Clone(), true
}

// Compiler drives the Gathering → Ready state machine.
type Compiler struct {
	extractor  Extractor
	summarizer Summarizer
	cfg        Config
	logger     *zap.Logger
}

// NewCompiler creates a compiler. A nil summarizer uses TruncatingSummarizer.
func NewCompiler(extractor Extractor, summarizer Summarizer, cfg Config, logger *zap.Logger) *Compiler {
	if summarizer == nil {
		summarizer = NewTruncatingSummarizer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.KeepRecent <= 0 || (cfg.MaxTurns > 0 && cfg.KeepRecent > cfg.MaxTurns) {
		cfg.KeepRecent = cfg.MaxTurns / 2
	}
	return &Compiler{
		extractor:  extractor,
		summarizer: summarizer,
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "conversation_compiler")),
	}
}

// Step processes one user turn against the given state. The input state is
// never modified; on error it is still the caller's latest valid state.
func (c *Compiler) Step(ctx context.Context, state domain.ConversationState, text string) (Outcome, error) {
	return c.step(ctx, state, text, false)
}

func (c *Compiler) step(ctx context.Context, state domain.ConversationState, text string, fromTranscript bool) (Outcome, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Outcome{}, fmt.Errorf("%w: empty message", domain.ErrInvalidInput)
	}
	if state.Phase == "" {
		state.Phase = domain.PhaseGathering
	}

	// The extractor never sees more than MaxTurns raw turns.
	if err := c.compact(ctx, &state); err != nil {
		c.logger.Warn("Failed to summarize conversation", zap.Error(err))
	}

	ext, err := c.extractor.Extract(ctx, ExtractionRequest{
		Current: state.Fields.Clone(),
		Summary: state.Summary,
		Turns:   append([]domain.Turn(nil), state.Turns...),
		Text:    text,
		Missing: Missing(state.Fields),

		FromTranscript: fromTranscript,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("extract turn: %w", err)
	}

	if ext.Fields.IsEmpty() {
		c.logger.Debug("Extraction added no fields", zap.Bool("asked_clarification", ext.Clarification != ""))
	}

	next := Merge(state, ext)
	missing := Missing(next.Fields)

	out := Outcome{State: next, Missing: missing}
	if next.Phase == domain.PhaseReady {
		out.Message = readyMessage(next.Fields)
	} else {
		out.NeedsClarification = true
		out.Message = strings.TrimSpace(ext.Clarification)
		if out.Message == "" {
			out.Message = ClarificationQuestion(missing)
		}
	}

	out.State.Turns = append(out.State.Turns,
		domain.Turn{Role: domain.RoleUser, Text: text},
		domain.Turn{Role: domain.RoleAssistant, Text: out.Message},
	)

	if err := c.compact(ctx, &out.State); err != nil {
		// Summary failures only cost memory, not correctness.
		c.logger.Warn("Failed to summarize conversation", zap.Error(err))
	}

	c.logger.Debug("Conversation step",
		zap.String("phase", string(out.State.Phase)),
		zap.Strings("missing", missing),
		zap.Int("turns", len(out.State.Turns)),
	)
	return out, nil
}

// Replay rebuilds a state from a transcript that arrived without one. The
// prior turns become context and the extractor sees them in a single call,
// summarized first when there are more than MaxTurns of them.
func (c *Compiler) Replay(ctx context.Context, history []domain.Turn, text string) (Outcome, error) {
	state := domain.NewConversationState()
	for _, t := range history {
		if strings.TrimSpace(t.Text) == "" {
			continue
		}
		state.Turns = append(state.Turns, t)
	}
	return c.step(ctx, state, text, true)
}

func (c *Compiler) compact(ctx context.Context, s *domain.ConversationState) error {
	if c.cfg.MaxTurns <= 0 || len(s.Turns) <= c.cfg.MaxTurns {
		return nil
	}
	cut := len(s.Turns) - c.cfg.KeepRecent
	summary, err := c.summarizer.Summarize(ctx, s.Summary, s.Turns[:cut])
	if err != nil {
		return err
	}
	s.Summary = summary
	s.Turns = append([]domain.Turn(nil), s.Turns[cut:]...)
	return nil
}

func readyMessage(f domain.CandidateStrategy) string {
	ticker := ""
	if f.Ticker != nil {
		ticker = strings.ToUpper(strings.TrimSpace(*f.Ticker))
	}
	return fmt.Sprintf("Got it. Running the backtest for %s with %d indicator(s).", ticker, len(f.Indicators))
}
