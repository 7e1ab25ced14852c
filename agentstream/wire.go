package agentstream

import "time"

// Envelope is the JSON encoding of an Event used by the HTTP event stream
// and the message bus.
type Envelope struct {
	Timestamp      time.Time              `json:"ts"`
	Input          map[string]interface{} `json:"input,omitempty"`
	Outcome        *StreamOutcome         `json:"outcome,omitempty"`
	ConversationID string                 `json:"conversation_id"`
	Kind           string                 `json:"kind"`
	Text           string                 `json:"text,omitempty"`
	ToolID         string                 `json:"tool_id,omitempty"`
	ToolName       string                 `json:"tool_name,omitempty"`
	Phase          Phase                  `json:"phase,omitempty"`
	Error          string                 `json:"error,omitempty"`
	ErrorKind      ErrorKind              `json:"error_kind,omitempty"`
	IsError        bool                   `json:"is_error,omitempty"`
}

// NewEnvelope encodes ev for conversationID.
func NewEnvelope(conversationID string, ev Event) Envelope {
	env := Envelope{
		Timestamp:      time.Now().UTC(),
		ConversationID: conversationID,
		Kind:           ev.StreamEventKind().String(),
	}
	switch e := ev.(type) {
	case ContentDelta:
		env.Text = e.Text
	case ToolInvocation:
		env.ToolID = e.ID
		env.ToolName = e.Name
		env.Input = e.Input
	case ToolOutcome:
		env.ToolID = e.ToolInvocationID
		env.Text = e.Content
		env.IsError = e.IsError
	case PhaseChange:
		env.Phase = e.Phase
	case TurnComplete:
		out := e.Outcome
		env.Outcome = &out
	case StreamError:
		if e.Err != nil {
			env.Error = e.Err.Error()
		}
		env.ErrorKind = KindOf(e.Err)
	}
	return env
}
