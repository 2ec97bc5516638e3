package click

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Storage is the slice of the storage backend the flusher writes to.
type Storage interface {
	FlushClicks(ctx context.Context, counts map[string]int64) error
	InsertClickDetails(ctx context.Context, details []Detail) error
	UpsertHourlyCounts(ctx context.Context, counts map[string]int64, at time.Time, opPrefix string) error
	UpsertHourlyDetails(ctx context.Context, agg *Aggregate, opPrefix string) error
	UpsertGlobalHourly(ctx context.Context, hourBucket string, clicks, uniqueLinks int64, opPrefix string) error
}

// Flush triggers, recorded on the flush metric.
const (
	TriggerInterval  = "interval"
	TriggerThreshold = "threshold"
	TriggerShutdown  = "shutdown"
	TriggerManual    = "manual"
)

const (
	// DefaultFlushInterval is the time-based flush trigger.
	DefaultFlushInterval = 30 * time.Second

	// DefaultFlushThreshold flushes early once this many distinct codes
	// have pending counts.
	DefaultFlushThreshold = 100

	// DefaultDetailBatch bounds how many detail events one flush drains.
	DefaultDetailBatch = 5000

	// finalFlushTimeout bounds the shutdown flush.
	finalFlushTimeout = 5 * time.Second

	// opPrefix derives the storage op names for flush writes.
	opPrefix = "sink"
)

// Settings carries the hot-reloadable flush knobs. The flusher re-reads
// them on every cycle.
type Settings struct {
	Interval    time.Duration
	Threshold   int
	DetailBatch int
}

// Flusher drains the click buffer into storage. A single CAS guard keeps
// flushes from overlapping; concurrent triggers coalesce into a no-op.
type Flusher struct {
	buffer   *Buffer
	store    Storage
	settings func() Settings
	clock    clockwork.Clock
	flushing atomic.Bool
}

// NewFlusher wires a flusher to its buffer and storage. settings is
// consulted before every cycle so config reloads take effect without a
// restart; a nil settings uses the defaults.
func NewFlusher(buffer *Buffer, store Storage, settings func() Settings, clock clockwork.Clock) *Flusher {
	if settings == nil {
		settings = func() Settings { return Settings{} }
	}

	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Flusher{
		buffer:   buffer,
		store:    store,
		settings: settings,
		clock:    clock,
	}
}

func (f *Flusher) currentSettings() Settings {
	s := f.settings()

	if s.Interval <= 0 {
		s.Interval = DefaultFlushInterval
	}

	if s.Threshold <= 0 {
		s.Threshold = DefaultFlushThreshold
	}

	if s.DetailBatch <= 0 {
		s.DetailBatch = DefaultDetailBatch
	}

	return s
}

// Run drains the buffer until ctx is canceled, then performs one final
// flush on a fresh timeout so buffered clicks survive shutdown.
func (f *Flusher) Run(ctx context.Context) error {
	log := zerolog.Ctx(ctx)

	for {
		s := f.currentSettings()
		f.buffer.SetThreshold(s.Threshold)

		timer := f.clock.NewTimer(s.Interval)

		select {
		case <-ctx.Done():
			timer.Stop()

			return f.finalFlush(ctx)
		case <-timer.Chan():
			if err := f.Flush(ctx, TriggerInterval); err != nil {
				log.Error().Err(err).Msg("click flush failed")
			}
		case <-f.buffer.Notify():
			timer.Stop()

			if err := f.Flush(ctx, TriggerThreshold); err != nil {
				log.Error().Err(err).Msg("click flush failed")
			}
		}
	}
}

func (f *Flusher) finalFlush(ctx context.Context) error {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
	defer cancel()

	return f.Flush(flushCtx, TriggerShutdown)
}

// Flush swaps the buffer out and writes one cycle. If a flush is already
// in progress the call returns immediately; the in-flight flush covers the
// trigger. A failed cycle drops the swapped snapshot: clicks are
// recorded at most once, never twice.
func (f *Flusher) Flush(ctx context.Context, trigger string) error {
	if !f.flushing.CompareAndSwap(false, true) {
		return nil
	}
	defer f.flushing.Store(false)

	s := f.currentSettings()

	counts := f.buffer.SwapCounters()
	details := f.buffer.DrainDetails(s.DetailBatch)

	if len(counts) == 0 && len(details) == 0 {
		return nil
	}

	start := f.clock.Now()
	err := f.flushOnce(ctx, counts, details, start)
	took := f.clock.Since(start)

	status := "success"
	if err != nil {
		status = "failure"
	}

	recordFlush(ctx, trigger, status, took)

	log := zerolog.Ctx(ctx)

	if err != nil {
		log.Error().
			Err(err).
			Str("trigger", trigger).
			Int("codes", len(counts)).
			Int("details", len(details)).
			Msg("click flush failed, dropping the swapped snapshot")

		return err
	}

	log.Debug().
		Str("trigger", trigger).
		Int("codes", len(counts)).
		Int("details", len(details)).
		Dur("took", took).
		Msg("flushed clicks")

	return nil
}

func (f *Flusher) flushOnce(ctx context.Context, counts map[string]int64, details []Detail, now time.Time) error {
	if len(counts) > 0 {
		if err := f.store.FlushClicks(ctx, counts); err != nil {
			return fmt.Errorf("error flushing click counts: %w", err)
		}
	}

	if len(details) > 0 {
		if err := f.store.InsertClickDetails(ctx, details); err != nil {
			return fmt.Errorf("error inserting click details: %w", err)
		}
	}

	if len(counts) > 0 {
		if err := f.store.UpsertHourlyCounts(ctx, counts, now, opPrefix); err != nil {
			return fmt.Errorf("error upserting hourly counts: %w", err)
		}
	}

	if len(details) > 0 {
		if err := f.store.UpsertHourlyDetails(ctx, BuildAggregate(details), opPrefix); err != nil {
			return fmt.Errorf("error upserting hourly details: %w", err)
		}
	}

	if len(counts) > 0 {
		var total int64

		for _, n := range counts {
			total += n
		}

		if err := f.store.UpsertGlobalHourly(ctx, HourBucket(now), total, int64(len(counts)), opPrefix); err != nil {
			return fmt.Errorf("error upserting global hourly row: %w", err)
		}
	}

	return nil
}
