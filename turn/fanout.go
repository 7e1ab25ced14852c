package turn

import (
	"log/slog"
	"sync"

	"github.com/bazelment/yoloswe/switchboard/agentstream"
)

const subscriberBuffer = 64

type subscriber struct {
	ch     chan agentstream.Envelope
	convID string
}

// fanout delivers envelopes to subscribers without blocking the publisher.
type fanout struct {
	logger *slog.Logger
	subs   map[*subscriber]struct{}
	mu     sync.Mutex
}

func newFanout(logger *slog.Logger) *fanout {
	return &fanout{logger: logger, subs: make(map[*subscriber]struct{})}
}

func (f *fanout) subscribe(convID string) (<-chan agentstream.Envelope, func()) {
	sub := &subscriber{convID: convID, ch: make(chan agentstream.Envelope, subscriberBuffer)}
	f.mu.Lock()
	f.subs[sub] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, sub)
			f.mu.Unlock()
			close(sub.ch)
		})
	}
}

func (f *fanout) publish(env agentstream.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs {
		if sub.convID != "" && sub.convID != env.ConversationID {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			f.logger.Debug("dropping event for slow subscriber", "conversation", env.ConversationID, "kind", env.Kind)
		}
	}
}
