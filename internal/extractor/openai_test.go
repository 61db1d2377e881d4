package extractor

import (
	"context"
	"errors"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tsangh5/BacktestGPT/internal/conversation"
	"github.com/tsangh5/BacktestGPT/internal/domain"
	"github.com/tsangh5/BacktestGPT/internal/registry"
)

type fakeChat struct {
	content string
	err     error
	last    openai.ChatCompletionRequest
}

func (f *fakeChat) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.last = req
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{
		{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: f.content}},
	}}, nil
}

func TestExtract_GoldenCross(t *testing.T) {
	chat := &fakeChat{content: `{
		"fields": {
			"indicators": [
				{"id": "SMA50", "name": "SMA", "params": {"period": 50}},
				{"id": "SMA200", "type": "SMA", "params": {"window": 200}}
			],
			"entry_rule": {"left": "SMA50", "operator": "cross_above", "right": "SMA200"},
			"exit_rule": {"op": "cross_below", "args": ["SMA50", "SMA200"]}
		}
	}`}
	e := New(chat, registry.Default(), Config{}, zap.NewNop())

	cur := domain.CandidateStrategy{Ticker: domain.StringPtr("AAPL")}
	ext, err := e.Extract(context.Background(), conversation.ExtractionRequest{
		Current: cur,
		Text:    "golden cross with the 50 and 200 day averages",
		Missing: conversation.Missing(cur),
	})
	require.NoError(t, err)

	require.Len(t, ext.Fields.Indicators, 2)
	assert.Equal(t, "SMA", ext.Fields.Indicators[1].Name)
	require.NotNil(t, ext.Fields.EntryRule)
	assert.Equal(t, "cross_above", ext.Fields.EntryRule.Operator)
	require.NotNil(t, ext.Fields.ExitRule)
	assert.Equal(t, "cross_below", ext.Fields.ExitRule.Operator)
	assert.Nil(t, ext.Fields.Ticker)

	assert.Equal(t, openai.GPT4oMini, chat.last.Model)
	require.Len(t, chat.last.Messages, 2)
	assert.Contains(t, chat.last.Messages[0].Content, "BBANDS")
	assert.Contains(t, chat.last.Messages[0].Content, "cross_above")
	assert.Contains(t, chat.last.Messages[1].Content, `"ticker":"AAPL"`)
	assert.Contains(t, chat.last.Messages[1].Content, "Still missing: indicators, entry_rule, exit_rule")
	assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, chat.last.ResponseFormat.Type)
}

func TestExtract_APIFailureIsExternal(t *testing.T) {
	chat := &fakeChat{err: &openai.APIError{HTTPStatusCode: 503, Message: "overloaded"}}
	e := New(chat, registry.Default(), Config{Model: "gpt-4o"}, zap.NewNop())

	_, err := e.Extract(context.Background(), conversation.ExtractionRequest{Text: "hi"})
	require.Error(t, err)
	assert.True(t, domain.IsExternalServiceError(err))

	var svcErr *domain.ExternalServiceError
	require.True(t, errors.As(err, &svcErr))
	assert.Equal(t, "llm", svcErr.Service)
	assert.Contains(t, err.Error(), "status 503")
}

func TestExtract_GarbageIsExternal(t *testing.T) {
	e := New(&fakeChat{content: "sorry, I can't help"}, registry.Default(), Config{}, zap.NewNop())

	_, err := e.Extract(context.Background(), conversation.ExtractionRequest{Text: "hi"})
	assert.True(t, domain.IsExternalServiceError(err))
}

func TestParseResponse(t *testing.T) {
	ext, err := ParseResponse("```json\n{\"fields\": {\"ticker\": \"MSFT\"}, \"clarification\": \" Which indicators? \"}\n```")
	require.NoError(t, err)
	assert.Equal(t, "MSFT", *ext.Fields.Ticker)
	assert.Equal(t, "Which indicators?", ext.Clarification)

	_, err = ParseResponse("{not json}")
	assert.Error(t, err)

	_, err = ParseResponse("")
	assert.Error(t, err)
}

func TestUserPrompt_IncludesSummaryAndTurns(t *testing.T) {
	p := UserPrompt(conversation.ExtractionRequest{
		Summary: "user wanted tech stocks",
		Turns:   []domain.Turn{{Role: domain.RoleUser, Text: "try NVDA"}},
		Text:    "add RSI 14",
	}, "{}")

	assert.Contains(t, p, "user wanted tech stocks")
	assert.Contains(t, p, "user: try NVDA")
	assert.Contains(t, p, "Latest message:\nadd RSI 14")
}

func TestPrompts_TranscriptRebuildReadsWholeConversation(t *testing.T) {
	assert.Contains(t, SystemPrompt(registry.Default()), "extract every field stated anywhere in the conversation")

	replayed := UserPrompt(conversation.ExtractionRequest{
		Turns:          []domain.Turn{{Role: domain.RoleUser, Text: "test Apple"}},
		Text:           "SMA 50/200 golden cross",
		FromTranscript: true,
	}, "{}")
	assert.Contains(t, replayed, "Extract every field stated anywhere in the conversation")

	live := UserPrompt(conversation.ExtractionRequest{Text: "SMA 50/200 golden cross"}, "{}")
	assert.NotContains(t, live, "rebuilt from the transcript")
}
