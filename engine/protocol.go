package engine

import (
	"encoding/json"
	"strings"
)

// RecordKind tags a structured stdout record.
type RecordKind int

const (
	RecordUnknown RecordKind = iota
	RecordAssistant
	RecordToolUse
	RecordToolResult
	RecordResult
	RecordSystem
)

func (k RecordKind) String() string {
	switch k {
	case RecordAssistant:
		return "assistant"
	case RecordToolUse:
		return "tool_use"
	case RecordToolResult:
		return "tool_result"
	case RecordResult:
		return "result"
	case RecordSystem:
		return "system"
	default:
		return "unknown"
	}
}

// Line is the parse result of one stdout line: either Structured or Raw.
type Line interface {
	isLine()
}

// Structured is a line that decoded as a JSON object.
type Structured struct {
	Record *Record
	Kind   RecordKind
}

// Raw is a line that is not a JSON object. It is treated as text content.
type Raw struct {
	Text string
}

func (Structured) isLine() {}
func (Raw) isLine()        {}

// Record is the union of the fields the parser recognises across record
// kinds. Anything else in a record is ignored.
type Record struct {
	Message   *RecordMessage         `json:"message,omitempty"`
	Usage     *Usage                 `json:"usage,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
	Type      string                 `json:"type"`
	Subtype   string                 `json:"subtype,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	Result    string                 `json:"result,omitempty"`
	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name,omitempty"`
	ToolUseID string                 `json:"tool_use_id,omitempty"`
	Content   json.RawMessage        `json:"content,omitempty"`
	IsError   bool                   `json:"is_error,omitempty"`
}

// RecordMessage is the message body of assistant and user records.
type RecordMessage struct {
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content"`
}

// Usage is token accounting reported on result records.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ContentBlock is one element of a message content array.
type ContentBlock struct {
	Input     map[string]interface{} `json:"input,omitempty"`
	Type      string                 `json:"type"`
	Text      string                 `json:"text,omitempty"`
	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name,omitempty"`
	ToolUseID string                 `json:"tool_use_id,omitempty"`
	Content   json.RawMessage        `json:"content,omitempty"`
	IsError   bool                   `json:"is_error,omitempty"`
}

// ParseLine classifies one stdout line. It never fails: anything that is not
// a JSON object becomes Raw.
func ParseLine(line []byte) Line {
	trimmed := strings.TrimSpace(string(line))
	if !strings.HasPrefix(trimmed, "{") {
		return Raw{Text: trimmed}
	}
	var rec Record
	if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
		return Raw{Text: trimmed}
	}
	return Structured{Kind: kindOf(rec.Type), Record: &rec}
}

func kindOf(t string) RecordKind {
	switch t {
	case "assistant":
		return RecordAssistant
	case "tool_use":
		return RecordToolUse
	case "user", "tool_result":
		return RecordToolResult
	case "result":
		return RecordResult
	case "system":
		return RecordSystem
	default:
		return RecordUnknown
	}
}

// Blocks returns the message content blocks of an assistant or user record.
// A plain string body is returned as a single text block.
func (r *Record) Blocks() []ContentBlock {
	if r.Message == nil {
		return nil
	}
	return decodeBlocks(r.Message.Content)
}

func decodeBlocks(raw json.RawMessage) []ContentBlock {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil
		}
		return []ContentBlock{{Type: "text", Text: s}}
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil
	}
	return blocks
}

// flattenContent renders a tool result body, which may be a string or an
// array of text blocks, as plain text.
func flattenContent(raw json.RawMessage) string {
	var parts []string
	for _, b := range decodeBlocks(raw) {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
