// Package streamstate tracks the lifecycle phase of each conversation's
// in-flight turn and renders it as a short status line.
package streamstate

import (
	"errors"
	"time"

	"github.com/bazelment/yoloswe/switchboard/agentstream"
)

// Sentinel errors returned by Apply and friends.
var (
	ErrNoSession            = errors.New("no stream session for conversation")
	ErrTerminal             = errors.New("stream session already finished")
	ErrAwaitingConfirmation = errors.New("tool outcome arrived while awaiting confirmation")
	ErrInvalidTransition    = errors.New("invalid phase transition")
)

// Session is the state of one conversation's turn.
type Session struct {
	StartedAt             time.Time
	LastUpdateAt          time.Time
	PhaseStartedAt        time.Time
	ConversationID        string
	BackendID             string
	Phase                 agentstream.Phase
	Text                  string
	PendingConfirmationID string
	ErrorMessage          string
	ToolHistory           []agentstream.ToolInvocation
	InputTokens           int
	OutputTokens          int
	// outcomeSeen is set once a tool outcome arrives for the latest
	// invocation; only then may content move tool_use to response.
	outcomeSeen bool
}

var transitions = map[agentstream.Phase][]agentstream.Phase{
	agentstream.PhaseIdle:         {agentstream.PhaseThinking},
	agentstream.PhaseThinking:     {agentstream.PhaseToolUse, agentstream.PhaseResponse, agentstream.PhaseConfirmation, agentstream.PhaseComplete, agentstream.PhaseError},
	agentstream.PhaseToolUse:      {agentstream.PhaseToolUse, agentstream.PhaseResponse, agentstream.PhaseConfirmation, agentstream.PhaseComplete, agentstream.PhaseError},
	agentstream.PhaseResponse:     {agentstream.PhaseToolUse, agentstream.PhaseResponse, agentstream.PhaseConfirmation, agentstream.PhaseComplete, agentstream.PhaseError},
	agentstream.PhaseConfirmation: {agentstream.PhaseToolUse, agentstream.PhaseComplete, agentstream.PhaseError},
}

// CanTransition reports whether from -> to is a legal phase change.
func CanTransition(from, to agentstream.Phase) bool {
	if from == to && from != agentstream.PhaseConfirmation {
		return !from.IsTerminal()
	}
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

func (s *Session) setPhase(p agentstream.Phase, now time.Time) error {
	if s.Phase.IsTerminal() {
		return ErrTerminal
	}
	if !CanTransition(s.Phase, p) {
		return ErrInvalidTransition
	}
	if s.Phase != p {
		s.Phase = p
		s.PhaseStartedAt = now
	}
	s.LastUpdateAt = now
	return nil
}

// apply advances the session for one event.
func (s *Session) apply(ev agentstream.Event, now time.Time) error {
	if s.Phase.IsTerminal() {
		return ErrTerminal
	}
	switch e := ev.(type) {
	case agentstream.ContentDelta:
		if s.Phase == agentstream.PhaseConfirmation {
			return ErrAwaitingConfirmation
		}
		s.Text = e.FullText
		s.LastUpdateAt = now
		if s.Phase == agentstream.PhaseThinking || (s.Phase == agentstream.PhaseToolUse && s.outcomeSeen) {
			return s.setPhase(agentstream.PhaseResponse, now)
		}
		return nil
	case agentstream.ToolInvocation:
		if s.Phase == agentstream.PhaseConfirmation {
			return ErrInvalidTransition
		}
		s.ToolHistory = append(s.ToolHistory, e)
		s.outcomeSeen = false
		return s.setPhase(agentstream.PhaseToolUse, now)
	case agentstream.ToolOutcome:
		if s.Phase == agentstream.PhaseConfirmation {
			return ErrAwaitingConfirmation
		}
		s.outcomeSeen = true
		s.LastUpdateAt = now
		return nil
	case agentstream.PhaseChange:
		if e.Phase == s.Phase {
			return nil
		}
		return s.setPhase(e.Phase, now)
	case agentstream.TurnComplete:
		s.Text = e.Outcome.Text
		s.InputTokens = e.Outcome.InputTokens
		s.OutputTokens = e.Outcome.OutputTokens
		if e.Outcome.BackendID != "" {
			s.BackendID = e.Outcome.BackendID
		}
		s.PendingConfirmationID = ""
		return s.setPhase(agentstream.PhaseComplete, now)
	case agentstream.StreamError:
		s.fail(e.Err, now)
		return nil
	}
	return nil
}

func (s *Session) fail(err error, now time.Time) {
	if err != nil {
		s.ErrorMessage = err.Error()
	} else {
		s.ErrorMessage = "unknown error"
	}
	s.PendingConfirmationID = ""
	s.Phase = agentstream.PhaseError
	s.PhaseStartedAt = now
	s.LastUpdateAt = now
}

func (s *Session) clone() *Session {
	c := *s
	c.ToolHistory = append([]agentstream.ToolInvocation(nil), s.ToolHistory...)
	return &c
}

// LastTool returns the most recent tool invocation, if any.
func (s *Session) LastTool() (agentstream.ToolInvocation, bool) {
	if len(s.ToolHistory) == 0 {
		return agentstream.ToolInvocation{}, false
	}
	return s.ToolHistory[len(s.ToolHistory)-1], true
}
