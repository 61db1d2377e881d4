package domain

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one message of a conversation.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Required conversation fields. Dates, cash and fees have defaults.
const (
	FieldTicker     = "ticker"
	FieldIndicators = "indicators"
	FieldEntryRule  = "entry_rule"
	FieldExitRule   = "exit_rule"
)

// RequiredFields lists the slots a conversation must fill, in asking order.
var RequiredFields = []string{FieldTicker, FieldIndicators, FieldEntryRule, FieldExitRule}

// ConversationState is the accumulated context of one conversation. It is a
// value: every compiler step returns a new state and never mutates its input.
type ConversationState struct {
	Turns    []Turn            `json:"turns"`
	Summary  string            `json:"summary,omitempty"`
	Fields   CandidateStrategy `json:"fields"`
	Phase    Phase             `json:"phase"`
	Complete bool              `json:"complete"`
}

// NewConversationState creates an empty state in the Gathering phase.
func NewConversationState() ConversationState {
	return ConversationState{Phase: PhaseGathering}
}

// Clone returns a deep copy of the state.
func (s ConversationState) Clone() ConversationState {
	out := s
	out.Turns = append([]Turn(nil), s.Turns...)
	out.Fields = s.Fields.Clone()
	return out
}

// Extraction is what the NL extractor returns for one turn: the fields the
// turn addressed, and optionally a clarification question.
type Extraction struct {
	Fields        CandidateStrategy `json:"fields"`
	Clarification string            `json:"clarification,omitempty"`
	Missing       []string          `json:"missing,omitempty"`
}
