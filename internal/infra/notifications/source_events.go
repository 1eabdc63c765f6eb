package notifications

import (
	"context"
	"sync"

	"unimcp/internal/domain"
)

const defaultSourceEventBuffer = 8

// SourceEventHub fans source events out to subscribers. Slow subscribers drop
// events rather than block the publisher.
type SourceEventHub struct {
	mu   sync.RWMutex
	subs map[chan domain.SourceEvent]struct{}
}

func NewSourceEventHub() *SourceEventHub {
	return &SourceEventHub{
		subs: make(map[chan domain.SourceEvent]struct{}),
	}
}

func (h *SourceEventHub) EmitSourceEvent(event domain.SourceEvent) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe returns a channel that is closed once ctx is done.
func (h *SourceEventHub) Subscribe(ctx context.Context) <-chan domain.SourceEvent {
	ch := make(chan domain.SourceEvent, defaultSourceEventBuffer)
	if h == nil {
		close(ch)
		return ch
	}

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, ch)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Subscribers reports the current subscriber count.
func (h *SourceEventHub) Subscribers() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

var _ domain.SourceEventEmitter = (*SourceEventHub)(nil)
