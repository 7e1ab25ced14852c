package engine

import (
	"sync"
	"time"
)

// budget is a wall-clock timer that can be paused while the caller's sink is
// blocked, e.g. waiting for a human to approve a tool call.
type budget struct {
	timer     *time.Timer
	started   time.Time
	remaining time.Duration
	mu        sync.Mutex
	paused    bool
	done      bool
}

func newBudget(d time.Duration, expire func()) *budget {
	b := &budget{remaining: d, started: time.Now()}
	b.timer = time.AfterFunc(d, func() {
		b.mu.Lock()
		if b.done || b.paused {
			b.mu.Unlock()
			return
		}
		b.done = true
		b.mu.Unlock()
		expire()
	})
	return b
}

func (b *budget) pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done || b.paused {
		return
	}
	if !b.timer.Stop() {
		// Already firing.
		return
	}
	b.remaining -= time.Since(b.started)
	b.paused = true
}

func (b *budget) resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done || !b.paused {
		return
	}
	b.paused = false
	b.started = time.Now()
	if b.remaining < 0 {
		b.remaining = 0
	}
	b.timer.Reset(b.remaining)
}

func (b *budget) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.done = true
	b.timer.Stop()
}
