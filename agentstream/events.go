package agentstream

import "time"

// EventKind identifies the event category.
type EventKind int

const (
	// KindUnknown is the zero value and is never emitted.
	KindUnknown EventKind = iota
	KindContentDelta
	KindToolInvocation
	KindToolOutcome
	KindPhaseChange
	KindTurnComplete
	KindError
)

func (k EventKind) String() string {
	switch k {
	case KindContentDelta:
		return "content_delta"
	case KindToolInvocation:
		return "tool_invocation"
	case KindToolOutcome:
		return "tool_outcome"
	case KindPhaseChange:
		return "phase_change"
	case KindTurnComplete:
		return "turn_complete"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is the closed set of streamed turn events.
type Event interface {
	StreamEventKind() EventKind
	isEvent()
}

// Sink receives events in emission order. A Sink may block; the producer
// does not read further backend output until it returns.
type Sink func(Event)

// Discard is a Sink that drops every event.
func Discard(Event) {}

// ContentDelta carries newly generated text.
type ContentDelta struct {
	Text string
	// FullText is the accumulated text of the current attempt, including Text.
	FullText string
}

func (ContentDelta) StreamEventKind() EventKind { return KindContentDelta }
func (ContentDelta) isEvent()                   {}

// ToolInvocation is a backend request to run a tool. It is immutable once
// emitted.
type ToolInvocation struct {
	Timestamp time.Time
	Input     map[string]interface{}
	ID        string
	Name      string
}

func (ToolInvocation) StreamEventKind() EventKind { return KindToolInvocation }
func (ToolInvocation) isEvent()                   {}

// ToolOutcome is the result of a previously emitted ToolInvocation.
type ToolOutcome struct {
	Timestamp        time.Time
	ToolInvocationID string
	Content          string
	IsError          bool
}

func (ToolOutcome) StreamEventKind() EventKind { return KindToolOutcome }
func (ToolOutcome) isEvent()                   {}

// PhaseChange is a backend hint that it entered a new phase.
type PhaseChange struct {
	Phase Phase
}

func (PhaseChange) StreamEventKind() EventKind { return KindPhaseChange }
func (PhaseChange) isEvent()                   {}

// TurnComplete is the terminal success event.
type TurnComplete struct {
	Outcome StreamOutcome
}

func (TurnComplete) StreamEventKind() EventKind { return KindTurnComplete }
func (TurnComplete) isEvent()                   {}

// StreamError is the terminal failure event.
type StreamError struct {
	Err     error
	Context string
}

func (StreamError) StreamEventKind() EventKind { return KindError }
func (StreamError) isEvent()                   {}

// IsTerminal reports whether ev ends a stream.
func IsTerminal(ev Event) bool {
	switch ev.(type) {
	case TurnComplete, StreamError:
		return true
	}
	return false
}

// StreamOutcome is the result of one turn.
type StreamOutcome struct {
	Text         string `json:"text"`
	BackendID    string `json:"backend_id"`
	SessionRef   string `json:"session_ref,omitempty"` // backend session id usable to resume the conversation
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	DurationMs   int64  `json:"duration_ms"`
	WasFallback  bool   `json:"was_fallback"`
}
