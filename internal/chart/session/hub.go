package session

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

const updateBuffer = 128

// updateHub fans SeriesUpdates out to consumers. Subscribers whose buffer is
// full are disconnected rather than stalling the reconciler.
type updateHub struct {
	mu     sync.RWMutex
	subs   map[int64]chan SeriesUpdate
	seq    atomic.Int64
	logger *zap.Logger
}

func newUpdateHub(logger *zap.Logger) *updateHub {
	return &updateHub{
		subs:   make(map[int64]chan SeriesUpdate),
		logger: logger,
	}
}

func (h *updateHub) Subscribe() (int64, <-chan SeriesUpdate) {
	id := h.seq.Add(1)
	ch := make(chan SeriesUpdate, updateBuffer)

	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()

	return id, ch
}

func (h *updateHub) Unsubscribe(id int64) {
	h.mu.Lock()
	ch, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
		close(ch)
	}
	h.mu.Unlock()
}

func (h *updateHub) Broadcast(u SeriesUpdate) {
	var lagging []int64

	h.mu.RLock()
	for id, ch := range h.subs {
		select {
		case ch <- u:
		default:
			lagging = append(lagging, id)
		}
	}
	h.mu.RUnlock()

	if len(lagging) == 0 {
		return
	}
	h.mu.Lock()
	for _, id := range lagging {
		if ch, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
			h.logger.Warn("disconnected lagging update subscriber", zap.Int64("id", id))
		}
	}
	h.mu.Unlock()
}

// closeAll ends every subscription.
func (h *updateHub) closeAll() {
	h.mu.Lock()
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
	h.mu.Unlock()
}
