package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultInterval is the minimum time between two flushes of one
	// conversation.
	DefaultInterval = 500 * time.Millisecond
	// EmptyResponseText replaces an empty final text.
	EmptyResponseText = "(empty response)"
)

// Messenger is the chat transport boundary.
type Messenger interface {
	SendMessage(ctx context.Context, convID, text string) (messageID string, err error)
	EditMessage(ctx context.Context, convID, messageID, text string) error
	DeleteMessage(ctx context.Context, convID, messageID string) error
}

// beforeFlushSend, when set, runs after a flush has taken its text and
// before it waits for the send lock. Tests use it to order a flush against
// Finish.
var beforeFlushSend func()

// stream is the outbound state of one conversation.
type stream struct {
	lastFlush time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	timer     *time.Timer
	latest    string
	ids       []string // transport message ids, by chunk index
	sent      []string // content last delivered, by chunk index
	sendMu    sync.Mutex
	dirty     bool
	flushing  bool
	stopped   bool
}

// Throttler coalesces Push calls into at most one flush per interval per
// conversation. Only the latest text is ever sent; intermediate texts may be
// skipped. Flush failures are logged and dropped.
type Throttler struct {
	messenger Messenger
	logger    *slog.Logger
	streams   map[string]*stream
	marker    string
	interval  time.Duration
	maxLen    int
	mu        sync.Mutex
}

// Option configures a Throttler.
type Option func(*Throttler)

// WithInterval overrides DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(t *Throttler) {
		t.interval = d
	}
}

// WithMaxLen overrides DefaultMaxLen.
func WithMaxLen(n int) Option {
	return func(t *Throttler) {
		t.maxLen = n
	}
}

// WithMarker overrides DefaultMarker.
func WithMarker(m string) Option {
	return func(t *Throttler) {
		t.marker = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Throttler) {
		t.logger = l
	}
}

// NewThrottler creates a Throttler delivering through m.
func NewThrottler(m Messenger, opts ...Option) *Throttler {
	t := &Throttler{
		messenger: m,
		logger:    slog.Default(),
		streams:   make(map[string]*stream),
		marker:    DefaultMarker,
		interval:  DefaultInterval,
		maxLen:    DefaultMaxLen,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// streamLocked returns convID's stream, creating it if needed.
func (t *Throttler) streamLocked(convID string) *stream {
	s, ok := t.streams[convID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		s = &stream{ctx: ctx, cancel: cancel}
		t.streams[convID] = s
	}
	return s
}

// Push records the full text so far. The first push of a stream is flushed
// immediately; later pushes are coalesced until interval has passed since
// the previous flush.
func (t *Throttler) Push(convID, fullText string) {
	if fullText == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.streamLocked(convID)
	if s.stopped {
		return
	}
	s.latest = fullText
	s.dirty = true
	if s.timer != nil || s.flushing {
		// The pending or in-flight flush picks up latest.
		return
	}
	t.scheduleLocked(convID, s)
}

func (t *Throttler) scheduleLocked(convID string, s *stream) {
	wait := t.interval - time.Since(s.lastFlush)
	if s.lastFlush.IsZero() || wait < 0 {
		wait = 0
	}
	s.timer = time.AfterFunc(wait, func() { t.flush(convID, s) })
}

func (t *Throttler) flush(convID string, s *stream) {
	t.mu.Lock()
	s.timer = nil
	if s.stopped || !s.dirty {
		t.mu.Unlock()
		return
	}
	text := s.latest
	s.dirty = false
	s.flushing = true
	t.mu.Unlock()

	if beforeFlushSend != nil {
		beforeFlushSend()
	}
	s.sendMu.Lock()
	t.mu.Lock()
	stopped := s.stopped
	t.mu.Unlock()
	// Finish may have delivered the final text while this flush waited for
	// sendMu; an intermediate text must not overwrite it.
	if !stopped {
		if err := t.sync(s.ctx, convID, s, text); err != nil {
			t.logger.Warn("outbound update failed", "conversation", convID, "error", err)
		}
	}
	s.sendMu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	s.flushing = false
	s.lastFlush = time.Now()
	if s.dirty && !s.stopped {
		t.scheduleLocked(convID, s)
	}
}

// Finish delivers finalText immediately, ignoring the throttle window, after
// any in-flight flush completes. Messages left over from a longer earlier
// text are deleted. The stream is closed afterwards; a later Push starts a
// new one. The returned error joins every transport failure; callers
// normally just log it.
func (t *Throttler) Finish(ctx context.Context, convID, finalText string) error {
	t.mu.Lock()
	s := t.streamLocked(convID)
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	delete(t.streams, convID)
	t.mu.Unlock()
	defer s.cancel()

	if finalText == "" {
		finalText = EmptyResponseText
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return t.sync(ctx, convID, s, finalText)
}

// Stop abandons convID's stream without a final flush and aborts an
// in-flight transport call. It reports whether a stream existed.
func (t *Throttler) Stop(convID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[convID]
	if !ok {
		return false
	}
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.cancel()
	delete(t.streams, convID)
	return true
}

// Active reports whether convID has an open stream.
func (t *Throttler) Active(convID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.streams[convID]
	return ok
}

// sync makes the conversation's messages mirror the chunks of text: edits
// changed chunks, sends new ones in order, deletes surplus messages. The
// caller holds s.sendMu.
func (t *Throttler) sync(ctx context.Context, convID string, s *stream, text string) error {
	chunks := Split(text, t.maxLen, t.marker)
	var errs []error
	for i, c := range chunks {
		if i < len(s.ids) {
			if s.sent[i] == c.Content {
				continue
			}
			if err := t.messenger.EditMessage(ctx, convID, s.ids[i], c.Content); err != nil {
				errs = append(errs, fmt.Errorf("edit chunk %d: %w", i, err))
				continue
			}
			s.sent[i] = c.Content
			continue
		}
		id, err := t.messenger.SendMessage(ctx, convID, c.Content)
		if err != nil {
			// Later chunks would arrive out of order.
			errs = append(errs, fmt.Errorf("send chunk %d: %w", i, err))
			break
		}
		s.ids = append(s.ids, id)
		s.sent = append(s.sent, c.Content)
	}
	if len(s.ids) > len(chunks) {
		for i := len(chunks); i < len(s.ids); i++ {
			if err := t.messenger.DeleteMessage(ctx, convID, s.ids[i]); err != nil {
				errs = append(errs, fmt.Errorf("delete chunk %d: %w", i, err))
			}
		}
		s.ids = s.ids[:len(chunks)]
		s.sent = s.sent[:len(chunks)]
	}
	return errors.Join(errs...)
}
