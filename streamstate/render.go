package streamstate

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bazelment/yoloswe/switchboard/agentstream"
)

const (
	// elapsedThreshold is how long a phase runs before the status shows its
	// elapsed time.
	elapsedThreshold = 10 * time.Second
	maxErrorLen      = 200
)

type remediation struct {
	pattern *regexp.Regexp
	hint    string
}

var remediations = []remediation{
	{regexp.MustCompile(`(?i)permission denied|not permitted|access denied|forbidden|EACCES`),
		"check file permissions or the backend's allowed tool list"},
	{regexp.MustCompile(`(?i)not found|no such file|ENOENT|not installed|unknown command`),
		"verify the path exists or that the backend binary is installed"},
	{regexp.MustCompile(`(?i)timed? ?out|deadline exceeded|TIMEOUT`),
		"retry with a smaller request, or check whether the backend is logged in"},
	{regexp.MustCompile(`(?i)connection (refused|reset)|network|dial tcp|no such host|unreachable|ECONN`),
		"check network connectivity to the backend"},
	{regexp.MustCompile(`(?i)syntax error|unexpected token|parse error|invalid json`),
		"the backend produced malformed input or output; rephrase and retry"},
	{regexp.MustCompile(`(?i)out of memory|\bOOM\b|cannot allocate|signal: killed`),
		"the process ran out of memory; try a smaller task"},
}

// RemediationHint returns a suggestion for the first failure category msg
// matches, or "".
func RemediationHint(msg string) string {
	for _, r := range remediations {
		if r.pattern.MatchString(msg) {
			return r.hint
		}
	}
	return ""
}

// RenderSession formats s as a status line at time now. It has no side
// effects; a nil session renders as idle.
func RenderSession(s *Session, now time.Time) string {
	if s == nil {
		return "Idle"
	}
	var label string
	switch s.Phase {
	case agentstream.PhaseIdle:
		return "Idle"
	case agentstream.PhaseThinking:
		label = "Thinking"
	case agentstream.PhaseToolUse:
		label = "Running tool"
		if tool, ok := s.LastTool(); ok && tool.Name != "" {
			label = "Running " + tool.Name
		}
	case agentstream.PhaseResponse:
		label = "Responding"
	case agentstream.PhaseConfirmation:
		label = "Waiting for approval"
		if tool, ok := s.LastTool(); ok && tool.Name != "" {
			label = "Waiting for approval to run " + tool.Name
		}
	case agentstream.PhaseComplete:
		return renderComplete(s)
	case agentstream.PhaseError:
		return renderError(s)
	default:
		label = string(s.Phase)
	}
	if elapsed := now.Sub(s.PhaseStartedAt); elapsed >= elapsedThreshold {
		label += fmt.Sprintf(" (%s)", elapsed.Truncate(time.Second))
	}
	return label + "…"
}

func renderComplete(s *Session) string {
	var b strings.Builder
	b.WriteString("Done")
	if s.BackendID != "" {
		b.WriteString(" via " + s.BackendID)
	}
	if s.InputTokens > 0 || s.OutputTokens > 0 {
		fmt.Fprintf(&b, " · %d in / %d out tokens", s.InputTokens, s.OutputTokens)
	}
	return b.String()
}

func renderError(s *Session) string {
	msg := s.ErrorMessage
	if msg == "" {
		msg = "unknown error"
	}
	text := truncate(msg, maxErrorLen)
	if hint := RemediationHint(msg); hint != "" {
		return "Error: " + text + "\nHint: " + hint
	}
	return "Error: " + text
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
