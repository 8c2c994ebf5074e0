package model

// Role identifies who produced a transcript turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleCritic    Role = "critic"
	RoleJudge     Role = "judge"
)

// Turn is a single typed entry in an adjudication transcript.
type Turn struct {
	Role    Role
	ModelID string
	Content string
	Round   int
}

// Transcript is the append-only record of one adjudication. Turns are
// appended in generation order; that order is the input to the certification
// hash and must not be reordered by parallel sub-steps. A transcript exists
// only for the duration of a request; only its hash survives in the ledger.
type Transcript struct {
	turns []Turn
}

// Append adds a turn to the transcript.
func (t *Transcript) Append(role Role, modelID, content string, round int) {
	t.turns = append(t.turns, Turn{Role: role, ModelID: modelID, Content: content, Round: round})
}

// Turns returns the recorded turns in order.
func (t *Transcript) Turns() []Turn {
	return t.turns
}

// Len returns the number of recorded turns.
func (t *Transcript) Len() int {
	return len(t.turns)
}
