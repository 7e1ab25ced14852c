// Package engine runs one external agent CLI process per request and turns
// its newline-delimited JSON stdout into agentstream events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bazelment/yoloswe/switchboard/agentstream"
	"github.com/bazelment/yoloswe/switchboard/internal/ndjson"
	"github.com/bazelment/yoloswe/switchboard/internal/procattr"
)

var errBudgetExpired = errors.New("wall-clock budget expired")

var authPattern = regexp.MustCompile(`(?i)\b(auth\w*|log ?in|token|unauthori[sz]ed|credentials?|api[ _-]?key)\b`)

// Request is one call to the agent.
type Request struct {
	ConversationID string
	Prompt         string
	// SessionRef resumes a prior backend session when set.
	SessionRef string
	// Model and SystemPrompt override the engine defaults when set.
	Model        string
	SystemPrompt string
}

// Engine launches the agent CLI. At most one call per conversation runs at a
// time. Engine is safe for concurrent use.
type Engine struct {
	active map[string]struct{}
	logger *slog.Logger
	config Config
	mu     sync.Mutex
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		config: config,
		logger: logger.With("backend", config.BackendID),
		active: make(map[string]struct{}),
	}
}

// BackendID returns the id this engine reports.
func (e *Engine) BackendID() string {
	return e.config.BackendID
}

// CLIPath returns the configured binary.
func (e *Engine) CLIPath() string {
	return e.config.CLIPath
}

// Active reports whether a call is in flight for conversationID.
func (e *Engine) Active(conversationID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[conversationID]
	return ok
}

func (e *Engine) acquire(conversationID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.active[conversationID]; ok {
		return false
	}
	e.active[conversationID] = struct{}{}
	return true
}

func (e *Engine) release(conversationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, conversationID)
}

// BuildArgs returns the CLI argument list for req.
//
// The agent CLI is invoked as:
// <binary> --output-format json [--resume id] [--model m] [--allowedTools t...] [--disallowedTools t...] [--system-prompt p] -- <prompt>
func (e *Engine) BuildArgs(req Request) []string {
	args := []string{"--output-format", "json"}

	if req.SessionRef != "" {
		args = append(args, "--resume", req.SessionRef)
	}

	model := req.Model
	if model == "" {
		model = e.config.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}

	if len(e.config.AllowedTools) > 0 {
		args = append(args, "--allowedTools")
		args = append(args, e.config.AllowedTools...)
	}
	if len(e.config.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools")
		args = append(args, e.config.DisallowedTools...)
	}

	system := req.SystemPrompt
	if system == "" {
		system = e.config.SystemPrompt
	}
	if system != "" {
		args = append(args, "--system-prompt", system)
	}

	args = append(args, e.config.ExtraArgs...)
	return append(args, "--", req.Prompt)
}

// Execute runs req to completion, delivering events to sink in the order the
// backend emitted them. The final event is always TurnComplete or
// StreamError. The process is never left running after Execute returns.
func (e *Engine) Execute(ctx context.Context, req Request, sink agentstream.Sink) (*agentstream.StreamOutcome, error) {
	if sink == nil {
		sink = agentstream.Discard
	}
	if !e.acquire(req.ConversationID) {
		err := agentstream.Errorf(agentstream.KindBusy, e.config.BackendID,
			"a turn is already running for conversation %s", req.ConversationID)
		sink(agentstream.StreamError{Err: err, Context: "busy"})
		return nil, err
	}
	defer e.release(req.ConversationID)

	r := &run{engine: e, req: req, sink: sink, logger: e.logger.With("conversation", req.ConversationID)}
	out, err := r.execute(ctx)
	if err != nil {
		sink(agentstream.StreamError{Err: err, Context: "execute"})
		return nil, err
	}
	sink(agentstream.TurnComplete{Outcome: *out})
	return out, nil
}

// run is the state of one Execute call.
type run struct {
	engine    *Engine
	logger    *slog.Logger
	budget    *budget
	result    *Record
	sink      agentstream.Sink
	req       Request
	sessionID string
	text      strings.Builder
	lines     int
	lastRaw   bool
}

func (r *run) emit(ev agentstream.Event) {
	r.budget.pause()
	defer r.budget.resume()
	r.sink(ev)
}

func (r *run) execute(ctx context.Context) (*agentstream.StreamOutcome, error) {
	cfg := r.engine.config
	start := time.Now()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	cmd := exec.Command(cfg.CLIPath, r.engine.BuildArgs(r.req)...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if cfg.WorkDir != "" {
		cmd.Dir = cfg.WorkDir
	}
	procattr.Set(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, r.fail(agentstream.KindBackend, err, "failed to create stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, r.fail(agentstream.KindBackend, err, "failed to create stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, r.fail(agentstream.KindUnavailable, err, "backend not installed: %s", cfg.CLIPath)
		}
		return nil, r.fail(agentstream.KindBackend, err, "failed to start %s", cfg.CLIPath)
	}
	r.logger.Debug("backend started", "pid", cmd.Process.Pid, "resume", r.req.SessionRef != "")

	exited := make(chan struct{})
	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			killed, err := procattr.Terminate(cmd.Process, cfg.GracePeriod, exited)
			if err != nil {
				r.logger.Warn("failed to signal backend process group", "error", err)
			}
			if killed {
				r.logger.Warn("backend ignored SIGTERM, killed process group", "grace", cfg.GracePeriod)
			}
		})
	}
	stopAfter := context.AfterFunc(runCtx, stop)
	defer stopAfter()

	r.budget = newBudget(cfg.Timeout, func() { cancel(errBudgetExpired) })
	defer r.budget.stop()

	tail := &tailBuffer{max: stderrTailSize}
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		drainStderr(stderr, tail, r.logger)
	}()

	r.emit(agentstream.PhaseChange{Phase: agentstream.PhaseThinking})

	reader := ndjson.NewReader(stdout)
	for {
		line, err := reader.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.logger.Warn("stdout read failed", "error", err)
			}
			break
		}
		if runCtx.Err() != nil {
			// Draining a process that is being stopped.
			continue
		}
		r.lines++
		r.handle(ParseLine(line))
	}
	<-stderrDone
	waitErr := cmd.Wait()
	close(exited)
	r.budget.stop()

	if stopAfter() {
		// Not stopped by cancellation; sweep anything the agent left behind
		// in its group.
		_ = procattr.SignalGroup(cmd.Process, syscall.SIGKILL)
	}

	if runCtx.Err() != nil {
		if errors.Is(context.Cause(runCtx), errBudgetExpired) {
			return nil, r.timeoutError()
		}
		return nil, &agentstream.BackendError{
			Kind:    agentstream.KindCancelled,
			Backend: cfg.BackendID,
			Message: "turn cancelled",
			Cause:   ctx.Err(),
		}
	}

	if r.result != nil && r.result.IsError {
		msg := r.result.Result
		if msg == "" {
			msg = "backend reported an error result"
		}
		return nil, r.withAuthHint(&agentstream.BackendError{
			Kind:     agentstream.KindBackend,
			Category: agentstream.CategoryCLI,
			Backend:  cfg.BackendID,
			Message:  msg,
			Cause:    waitErr,
		}, msg+"\n"+tail.String())
	}

	if waitErr != nil && r.result == nil {
		msg := fmt.Sprintf("%v", waitErr)
		if last := tail.lastLine(); last != "" {
			msg += ": " + last
		}
		if r.lines > 0 {
			msg += " (after partial output)"
		}
		return nil, r.withAuthHint(&agentstream.BackendError{
			Kind:     agentstream.KindBackend,
			Category: agentstream.CategoryCLI,
			Backend:  cfg.BackendID,
			Message:  msg,
			Cause:    waitErr,
		}, tail.String())
	}
	if waitErr != nil {
		r.logger.Warn("backend exited non-zero after a result record", "error", waitErr)
	}

	text := r.text.String()
	if r.result != nil && r.result.Result != "" {
		text = r.result.Result
	}
	if r.lines == 0 || (text == "" && r.result == nil) {
		return nil, r.withAuthHint(&agentstream.BackendError{
			Kind:     agentstream.KindBackend,
			Category: agentstream.CategoryCLI,
			Backend:  cfg.BackendID,
			Message:  "backend exited without output",
		}, tail.String())
	}

	out := &agentstream.StreamOutcome{
		Text:       text,
		BackendID:  cfg.BackendID,
		SessionRef: r.sessionID,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if r.result != nil && r.result.Usage != nil {
		out.InputTokens = r.result.Usage.InputTokens
		out.OutputTokens = r.result.Usage.OutputTokens
	}
	r.logger.Info("backend turn complete",
		"duration_ms", out.DurationMs,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens)
	return out, nil
}

func (r *run) handle(line Line) {
	switch l := line.(type) {
	case Raw:
		r.appendText(l.Text, true)
	case Structured:
		rec := l.Record
		if rec.SessionID != "" {
			r.sessionID = rec.SessionID
		}
		switch l.Kind {
		case RecordAssistant:
			for _, b := range rec.Blocks() {
				switch b.Type {
				case "text":
					r.appendText(b.Text, false)
				case "tool_use":
					r.emit(agentstream.ToolInvocation{
						ID:        b.ID,
						Name:      b.Name,
						Input:     b.Input,
						Timestamp: time.Now(),
					})
				}
			}
		case RecordToolUse:
			r.emit(agentstream.ToolInvocation{
				ID:        rec.ID,
				Name:      rec.Name,
				Input:     rec.Input,
				Timestamp: time.Now(),
			})
		case RecordToolResult:
			if rec.Type == "tool_result" {
				r.emitOutcome(rec.ToolUseID, rec.Content, rec.IsError)
				return
			}
			for _, b := range rec.Blocks() {
				if b.Type == "tool_result" {
					r.emitOutcome(b.ToolUseID, b.Content, b.IsError)
				}
			}
		case RecordResult:
			r.result = rec
			if r.text.Len() == 0 && rec.Result != "" && !rec.IsError {
				r.appendText(rec.Result, false)
			}
		case RecordSystem:
			r.logger.Debug("backend system record", "subtype", rec.Subtype)
		default:
			r.logger.Debug("ignoring unknown record", "type", rec.Type)
		}
	}
}

func (r *run) appendText(text string, raw bool) {
	if text == "" {
		return
	}
	delta := text
	if raw && r.lastRaw && r.text.Len() > 0 {
		delta = "\n" + text
	}
	r.lastRaw = raw
	r.text.WriteString(delta)
	r.emit(agentstream.ContentDelta{Text: delta, FullText: r.text.String()})
}

func (r *run) emitOutcome(id string, content []byte, isError bool) {
	r.emit(agentstream.ToolOutcome{
		ToolInvocationID: id,
		Content:          flattenContent(content),
		IsError:          isError,
		Timestamp:        time.Now(),
	})
}

func (r *run) fail(kind agentstream.ErrorKind, cause error, format string, args ...interface{}) error {
	err := agentstream.Errorf(kind, r.engine.config.BackendID, format, args...)
	err.Cause = cause
	return err
}

func (r *run) timeoutError() error {
	timeout := r.engine.config.Timeout
	if r.lines == 0 {
		return &agentstream.BackendError{
			Kind:    agentstream.KindTimeout,
			Backend: r.engine.config.BackendID,
			Message: fmt.Sprintf("no output within %s; the backend is probably not authenticated or misconfigured", timeout),
			Hint:    fmt.Sprintf("check authentication by running `%s` interactively", r.engine.config.CLIPath),
			Cause:   context.DeadlineExceeded,
		}
	}
	return &agentstream.BackendError{
		Kind:    agentstream.KindTimeout,
		Backend: r.engine.config.BackendID,
		Message: fmt.Sprintf("timed out after %s with partial output", timeout),
		Cause:   context.DeadlineExceeded,
	}
}

func (r *run) withAuthHint(err *agentstream.BackendError, diagnostics string) *agentstream.BackendError {
	if authPattern.MatchString(diagnostics) {
		err.Hint = fmt.Sprintf("looks like an authentication problem; log in with `%s` and retry", r.engine.config.CLIPath)
	}
	return err
}
