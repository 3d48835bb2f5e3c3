package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
)

const defaultBuffer = 64

type subscription struct {
	ch     chan RunEvent
	filter Filter
}

// MemoryHub is an in-process Hub. A subscriber whose buffer is full misses
// events rather than blocking publishers.
type MemoryHub struct {
	buffer  int
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	seq     atomic.Uint64
	dropped atomic.Int64
}

// NewMemoryHub creates a hub whose subscriber channels hold buffer events
// (64 when buffer <= 0).
func NewMemoryHub(buffer int) *MemoryHub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &MemoryHub{buffer: buffer, subs: make(map[uint64]*subscription)}
}

func (h *MemoryHub) Publish(ctx context.Context, event RunEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !sub.filter.matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

func (h *MemoryHub) Subscribe(ctx context.Context, filter Filter) (<-chan RunEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	id := h.seq.Add(1)
	sub := &subscription{ch: make(chan RunEvent, h.buffer), filter: filter}

	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel, nil
}

// Subscribers returns the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (h *MemoryHub) Dropped() int64 { return h.dropped.Load() }

func (f Filter) matches(e RunEvent) bool {
	if f.RunID != "" && f.RunID != e.RunID {
		return false
	}
	if f.OrganizationID != "" && f.OrganizationID != e.OrganizationID {
		return false
	}
	return len(f.Types) == 0 || slices.Contains(f.Types, e.Type)
}

var _ Hub = (*MemoryHub)(nil)
