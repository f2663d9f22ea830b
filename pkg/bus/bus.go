package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// FragmentNotice tells the fusion layer that a fragment's observations
// are believed complete and its window is ready to fuse.
type FragmentNotice struct {
	FragmentID string
	Stream     string
	Start      time.Time
	End        time.Time
}

const publishTimeout = 100 * time.Millisecond

// FragmentBus decouples the ingest surface from the fusion workers. It
// is bounded and lossy under sustained backpressure: dropped notices
// are counted, and the durable fusion-window ledger requeues any
// window the bus dropped.
type FragmentBus struct {
	notices chan FragmentNotice
	closed  bool
	dropped atomic.Uint64
	mu      sync.RWMutex
}

func NewFragmentBus(capacity int) *FragmentBus {
	if capacity <= 0 {
		capacity = 100
	}
	return &FragmentBus{notices: make(chan FragmentNotice, capacity)}
}

func (b *FragmentBus) Publish(notice FragmentNotice) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	select {
	case b.notices <- notice:
	default:
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case b.notices <- notice:
		case <-timer.C:
			b.dropped.Add(1)
		}
	}
}

func (b *FragmentBus) Consume(ctx context.Context) (FragmentNotice, bool) {
	select {
	case notice, ok := <-b.notices:
		if !ok {
			return FragmentNotice{}, false
		}
		return notice, true
	case <-ctx.Done():
		return FragmentNotice{}, false
	}
}

func (b *FragmentBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.notices)
}

func (b *FragmentBus) Dropped() uint64 {
	return b.dropped.Load()
}
