// Package router selects which backend serves a conversation turn and falls
// back through a fixed candidate order when a backend is unavailable or
// fails.
package router

import (
	"context"
	"errors"
	"time"

	"github.com/bazelment/yoloswe/switchboard/agentstream"
	"github.com/bazelment/yoloswe/switchboard/engine"
)

// Kind distinguishes subprocess backends from HTTP completion backends.
type Kind string

const (
	KindProcess Kind = "process"
	KindHTTP    Kind = "http"
)

// Descriptor is the static description of a backend.
type Descriptor struct {
	// Available is consulted at attempt time. Nil means always available.
	Available    func() bool
	// Version reports the backend's version for status listings; optional.
	Version      func() string
	ID           string
	Label        string
	DefaultModel string
	Kind         Kind
	// SupportsDeveloperMode is true for backends that accept a distinct
	// developer system prompt.
	SupportsDeveloperMode bool
}

func (d Descriptor) available() bool {
	return d.Available == nil || d.Available()
}

func (d Descriptor) version() string {
	if d.Version == nil {
		return ""
	}
	return d.Version()
}

// Request is what a Backend receives for one attempt.
type Request struct {
	ConversationID string
	Message        string
	SessionRef     string
	Model          string
	SystemPrompt   string
	// History holds prior turns for backends without their own session.
	History []agentstream.Message
}

// Backend streams one attempt. It must return a *agentstream.BackendError
// for every failure and must not leave work running after it returns.
type Backend interface {
	Stream(ctx context.Context, req Request, sink agentstream.Sink) (*agentstream.StreamOutcome, error)
}

// Provider pairs a Descriptor with the Backend that serves it.
type Provider struct {
	Backend Backend
	Descriptor
}

// ProcessBackend adapts the subprocess engine.
type ProcessBackend struct {
	Engine *engine.Engine
}

// Stream implements Backend.
func (b ProcessBackend) Stream(ctx context.Context, req Request, sink agentstream.Sink) (*agentstream.StreamOutcome, error) {
	return b.Engine.Execute(ctx, engine.Request{
		ConversationID: req.ConversationID,
		Prompt:         req.Message,
		SessionRef:     req.SessionRef,
		Model:          req.Model,
		SystemPrompt:   req.SystemPrompt,
	}, sink)
}

// CompletionBackend adapts a single-shot HTTP Completer to the streaming
// surface: one ContentDelta followed by TurnComplete.
type CompletionBackend struct {
	Completer agentstream.Completer
	ID        string
}

// Stream implements Backend.
func (b CompletionBackend) Stream(ctx context.Context, req Request, sink agentstream.Sink) (*agentstream.StreamOutcome, error) {
	if sink == nil {
		sink = agentstream.Discard
	}
	start := time.Now()
	sink(agentstream.PhaseChange{Phase: agentstream.PhaseThinking})

	messages := make([]agentstream.Message, 0, len(req.History)+1)
	messages = append(messages, req.History...)
	messages = append(messages, agentstream.Message{Role: agentstream.RoleUser, Content: req.Message})

	comp, err := b.Completer.Complete(ctx, req.SystemPrompt, messages, req.Model)
	if err != nil {
		err = b.classify(ctx, err)
		sink(agentstream.StreamError{Err: err, Context: "complete"})
		return nil, err
	}
	if comp.Text == "" {
		err := agentstream.Errorf(agentstream.KindBackend, b.ID, "empty completion")
		sink(agentstream.StreamError{Err: err, Context: "complete"})
		return nil, err
	}
	sink(agentstream.ContentDelta{Text: comp.Text, FullText: comp.Text})
	out := &agentstream.StreamOutcome{
		Text:         comp.Text,
		BackendID:    b.ID,
		InputTokens:  comp.InputTokens,
		OutputTokens: comp.OutputTokens,
		DurationMs:   time.Since(start).Milliseconds(),
	}
	sink(agentstream.TurnComplete{Outcome: *out})
	return out, nil
}

func (b CompletionBackend) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return &agentstream.BackendError{Kind: agentstream.KindCancelled, Backend: b.ID, Message: "turn cancelled", Cause: err}
	}
	var be *agentstream.BackendError
	if errors.As(err, &be) {
		return err
	}
	return &agentstream.BackendError{Kind: agentstream.KindBackend, Backend: b.ID, Message: err.Error(), Cause: err}
}
