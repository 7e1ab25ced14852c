// Package store persists backend session references and the confirmation
// audit trail.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bazelment/yoloswe/switchboard/confirm"
)

// Decision is one audited confirmation.
type Decision struct {
	CreatedAt      time.Time `json:"created_at"`
	ResolvedAt     time.Time `json:"resolved_at"`
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	ToolName       string    `json:"tool_name"`
	Reason         string    `json:"reason"`
	Decision       string    `json:"decision"`
}

func decisionFrom(req confirm.Request) Decision {
	return Decision{
		ID:             req.ID,
		ConversationID: req.ConversationID,
		ToolName:       req.Invocation.Name,
		Reason:         req.Reason,
		Decision:       req.Decision.String(),
		CreatedAt:      req.CreatedAt,
		ResolvedAt:     req.ResolvedAt,
	}
}

// Store is implemented by Memory and Postgres. It satisfies both
// router.SessionRefs and confirm.Auditor.
type Store interface {
	SessionRef(ctx context.Context, convID, backendID string) (string, error)
	SaveSessionRef(ctx context.Context, convID, backendID, ref string) error
	RecordDecision(ctx context.Context, req confirm.Request) error
	RecentDecisions(ctx context.Context, convID string, limit int) ([]Decision, error)
	Close()
}

type refKey struct {
	conv    string
	backend string
}

// Memory is a process-local Store.
type Memory struct {
	refs      map[refKey]string
	decisions []Decision
	mu        sync.RWMutex
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{refs: make(map[refKey]string)}
}

// SessionRef returns the stored resume id, or "".
func (m *Memory) SessionRef(_ context.Context, convID, backendID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refs[refKey{convID, backendID}], nil
}

// SaveSessionRef stores ref; an empty ref deletes the entry.
func (m *Memory) SaveSessionRef(_ context.Context, convID, backendID, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ref == "" {
		delete(m.refs, refKey{convID, backendID})
		return nil
	}
	m.refs[refKey{convID, backendID}] = ref
	return nil
}

// RecordDecision appends a resolved confirmation.
func (m *Memory) RecordDecision(_ context.Context, req confirm.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, decisionFrom(req))
	return nil
}

// RecentDecisions returns up to limit decisions, newest first. An empty
// convID matches every conversation.
func (m *Memory) RecentDecisions(_ context.Context, convID string, limit int) ([]Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Decision
	for _, d := range m.decisions {
		if convID == "" || d.ConversationID == convID {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ResolvedAt.After(out[j].ResolvedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op.
func (m *Memory) Close() {}
