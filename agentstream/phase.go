package agentstream

// Phase is the lifecycle phase of a streamed turn.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseThinking     Phase = "thinking"
	PhaseToolUse      Phase = "tool_use"
	PhaseResponse     Phase = "response"
	PhaseConfirmation Phase = "confirmation"
	PhaseComplete     Phase = "complete"
	PhaseError        Phase = "error"
)

// IsTerminal returns true for complete and error.
func (p Phase) IsTerminal() bool {
	return p == PhaseComplete || p == PhaseError
}

// IsActive returns true while a turn is in flight.
func (p Phase) IsActive() bool {
	switch p {
	case PhaseThinking, PhaseToolUse, PhaseResponse, PhaseConfirmation:
		return true
	}
	return false
}
