// Package confirm gates dangerous tool invocations behind a human
// approve/reject decision.
package confirm

import (
	"fmt"
	"strings"

	"github.com/bazelment/yoloswe/switchboard/agentstream"
)

// DefaultDangerousTools are always gated: they write, modify or delete.
var DefaultDangerousTools = []string{
	"Write", "Edit", "MultiEdit", "NotebookEdit", "Delete",
	"write_file", "edit_file", "delete_file", "move_file", "apply_patch",
}

// DefaultShellTools run arbitrary commands; they are gated only when the
// command matches a destructive pattern.
var DefaultShellTools = []string{"Bash", "shell", "run_command", "exec"}

// DefaultDestructivePatterns are matched case-insensitively as substrings
// of a shell command.
var DefaultDestructivePatterns = []string{
	"rm -rf", "rm -fr", "rm -r /",
	"mkfs", "dd if=", "> /dev/sd", "of=/dev/",
	"git push --force", "git push -f", "git reset --hard", "git clean -fd",
	"chmod 000", "chmod -r 000", "chown -r",
}

// Classifier decides statically whether a tool invocation needs approval.
type Classifier struct {
	dangerous map[string]struct{}
	shell     map[string]struct{}
	patterns  []string
}

// NewClassifier builds a Classifier. Tool names compare case-insensitively.
func NewClassifier(dangerousTools, shellTools, patterns []string) *Classifier {
	c := &Classifier{
		dangerous: make(map[string]struct{}, len(dangerousTools)),
		shell:     make(map[string]struct{}, len(shellTools)),
	}
	for _, name := range dangerousTools {
		c.dangerous[strings.ToLower(name)] = struct{}{}
	}
	for _, name := range shellTools {
		c.shell[strings.ToLower(name)] = struct{}{}
	}
	for _, p := range patterns {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			c.patterns = append(c.patterns, p)
		}
	}
	return c
}

// DefaultClassifier uses the Default* lists.
func DefaultClassifier() *Classifier {
	return NewClassifier(DefaultDangerousTools, DefaultShellTools, DefaultDestructivePatterns)
}

// IsDangerous reports whether inv must be approved before it runs.
func (c *Classifier) IsDangerous(inv agentstream.ToolInvocation) bool {
	return c.Reason(inv) != ""
}

// Reason explains why inv is dangerous, or returns "" if it is not.
func (c *Classifier) Reason(inv agentstream.ToolInvocation) string {
	name := strings.ToLower(inv.Name)
	if _, ok := c.dangerous[name]; ok {
		return fmt.Sprintf("%s modifies files", inv.Name)
	}
	if _, ok := c.shell[name]; !ok {
		return ""
	}
	cmd := strings.ToLower(shellCommand(inv.Input))
	for _, p := range c.patterns {
		if strings.Contains(cmd, p) {
			return fmt.Sprintf("command contains %q", p)
		}
	}
	return ""
}

// shellCommand extracts the command text from a shell tool's input.
func shellCommand(input map[string]interface{}) string {
	for _, key := range []string{"command", "cmd", "script"} {
		switch v := input[key].(type) {
		case string:
			return v
		case []interface{}:
			parts := make([]string, 0, len(v))
			for _, p := range v {
				parts = append(parts, fmt.Sprint(p))
			}
			return strings.Join(parts, " ")
		}
	}
	return ""
}
