package pipeline

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tsangh5/BacktestGPT/internal/conversation"
	"github.com/tsangh5/BacktestGPT/internal/domain"
	"github.com/tsangh5/BacktestGPT/internal/metrics"
)

// ConversationRequest is one conversational turn. State, when present, is
// the state returned by the previous turn; otherwise it is rebuilt from
// History.
type ConversationRequest struct {
	Input   string                    `json:"input"`
	History []domain.Turn             `json:"history,omitempty"`
	State   *domain.ConversationState `json:"state,omitempty"`
}

// ConversationResponse is the outcome of one turn. Result is set when the
// turn completed the strategy and the backtest ran.
type ConversationResponse struct {
	NeedsClarification bool                     `json:"needs_clarification"`
	Message            string                   `json:"message"`
	Missing            []string                 `json:"missing,omitempty"`
	State              domain.ConversationState `json:"state"`
	Result             *domain.BacktestResult   `json:"result,omitempty"`
}

// RunConversational compiles one turn and, once the strategy is complete,
// runs it exactly like a structured request. When the backtest itself fails
// the response still carries the updated state alongside the error.
func (s *Service) RunConversational(ctx context.Context, req ConversationRequest) (*ConversationResponse, error) {
	if s.compiler == nil {
		return nil, ErrConversationDisabled
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	outcome, err := s.compile(ctx, req)
	if err != nil {
		s.metrics.ObserveBacktest(domain.RunModeConversational, metrics.OutcomeFailed, 0, err)
		return nil, err
	}
	s.metrics.ObserveTurn(outcome.State.Phase)

	resp := &ConversationResponse{
		NeedsClarification: outcome.NeedsClarification,
		Message:            outcome.Message,
		Missing:            outcome.Missing,
		State:              outcome.State,
	}

	candidate, ready := outcome.Candidate()
	if !ready {
		s.metrics.ObserveBacktest(domain.RunModeConversational, metrics.OutcomeClarification, 0, nil)
		s.logger.Debug("Conversation needs clarification", zap.Strings("missing", outcome.Missing))
		return resp, nil
	}

	result, err := s.runCandidate(ctx, domain.RunModeConversational, candidate)
	if err != nil {
		return resp, err
	}
	resp.Result = result
	return resp, nil
}

func (s *Service) compile(ctx context.Context, req ConversationRequest) (conversation.Outcome, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Compile",
		trace.WithAttributes(
			attribute.Bool("conversation.has_state", req.State != nil),
			attribute.Int("conversation.history", len(req.History)),
		),
	)
	defer span.End()

	var (
		outcome conversation.Outcome
		err     error
	)
	switch {
	case req.State != nil:
		outcome, err = s.compiler.Step(ctx, *req.State, req.Input)
	case len(req.History) > 0:
		outcome, err = s.compiler.Replay(ctx, req.History, req.Input)
	default:
		outcome, err = s.compiler.Step(ctx, domain.NewConversationState(), req.Input)
	}
	if err != nil {
		span.RecordError(err)
		return conversation.Outcome{}, fmt.Errorf("compile turn: %w", err)
	}
	span.SetAttributes(attribute.String("conversation.phase", string(outcome.State.Phase)))
	return outcome, nil
}
