package router

import (
	"context"
	"sync"
)

// SessionRefs persists backend session ids so a conversation can resume the
// same backend session on its next turn.
type SessionRefs interface {
	SessionRef(ctx context.Context, convID, backendID string) (string, error)
	SaveSessionRef(ctx context.Context, convID, backendID, ref string) error
}

// MemorySessionRefs is an in-process SessionRefs.
type MemorySessionRefs struct {
	refs map[string]string
	mu   sync.RWMutex
}

// NewMemorySessionRefs creates an empty MemorySessionRefs.
func NewMemorySessionRefs() *MemorySessionRefs {
	return &MemorySessionRefs{refs: make(map[string]string)}
}

// SessionRef implements SessionRefs.
func (m *MemorySessionRefs) SessionRef(_ context.Context, convID, backendID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refs[convID+"\x00"+backendID], nil
}

// SaveSessionRef implements SessionRefs. An empty ref deletes the entry.
func (m *MemorySessionRefs) SaveSessionRef(_ context.Context, convID, backendID, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := convID + "\x00" + backendID
	if ref == "" {
		delete(m.refs, key)
		return nil
	}
	m.refs[key] = ref
	return nil
}
