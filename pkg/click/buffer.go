package click

import (
	"context"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// DefaultDetailCapacity bounds the detail channel when no explicit
// capacity is configured.
const DefaultDetailCapacity = 10000

// Buffer accumulates clicks between flushes. Counter increments are
// lock-free so the redirect path never blocks; details ride a bounded
// channel and are dropped when it is full.
type Buffer struct {
	counters  atomic.Pointer[xsync.MapOf[string, *atomic.Int64]]
	details   chan Detail
	dropped   atomic.Int64
	threshold atomic.Int64
	notify    chan struct{}
}

// NewBuffer returns a buffer whose detail channel holds up to
// detailCapacity events.
func NewBuffer(detailCapacity int) *Buffer {
	if detailCapacity <= 0 {
		detailCapacity = DefaultDetailCapacity
	}

	b := &Buffer{
		details: make(chan Detail, detailCapacity),
		notify:  make(chan struct{}, 1),
	}

	b.counters.Store(xsync.NewMapOf[string, *atomic.Int64]())

	return b
}

// Record counts one click for the code. It never blocks.
func (b *Buffer) Record(code string) {
	m := b.counters.Load()

	c, _ := m.LoadOrCompute(code, func() *atomic.Int64 { return new(atomic.Int64) })
	c.Add(1)

	recordClick(context.Background())

	if t := b.threshold.Load(); t > 0 && int64(m.Size()) >= t {
		select {
		case b.notify <- struct{}{}:
		default:
		}
	}
}

// RecordDetail enqueues a detailed event. On a full channel the event is
// dropped and the dropped counter incremented; the caller is never
// blocked.
func (b *Buffer) RecordDetail(d Detail) bool {
	select {
	case b.details <- d:
		return true
	default:
		b.dropped.Add(1)
		recordDetailDropped(context.Background(), "channel_full")

		return false
	}
}

// SwapCounters atomically installs a fresh counter map and materializes
// the previous one. Only the flusher calls this.
func (b *Buffer) SwapCounters() map[string]int64 {
	old := b.counters.Swap(xsync.NewMapOf[string, *atomic.Int64]())

	out := make(map[string]int64, old.Size())

	old.Range(func(code string, c *atomic.Int64) bool {
		if n := c.Load(); n > 0 {
			out[code] = n
		}

		return true
	})

	return out
}

// DrainDetails removes up to max buffered events without blocking.
func (b *Buffer) DrainDetails(max int) []Detail {
	if max <= 0 {
		return nil
	}

	out := make([]Detail, 0, min(max, len(b.details)))

	for len(out) < max {
		select {
		case d := <-b.details:
			out = append(out, d)
		default:
			return out
		}
	}

	return out
}

// UniqueCodes reports how many distinct codes have pending counts.
func (b *Buffer) UniqueCodes() int { return b.counters.Load().Size() }

// PendingDetails reports how many events sit in the detail channel.
func (b *Buffer) PendingDetails() int { return len(b.details) }

// Dropped reports how many details have been dropped since startup.
func (b *Buffer) Dropped() int64 { return b.dropped.Load() }

// SetThreshold arms the notify channel to fire once the counter map holds
// at least n distinct codes. Zero disables threshold notifications.
func (b *Buffer) SetThreshold(n int) { b.threshold.Store(int64(n)) }

// Notify returns the channel pulsed when the threshold is crossed.
func (b *Buffer) Notify() <-chan struct{} { return b.notify }
