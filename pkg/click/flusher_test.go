package click_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortlinker/shortlinker/pkg/click"
)

var errStore = errors.New("store is down")

type globalRow struct {
	hour        string
	clicks      int64
	uniqueLinks int64
}

type fakeStore struct {
	mu sync.Mutex

	flushErr error
	block    chan struct{}

	flushed     []map[string]int64
	details     [][]click.Detail
	hourly      []map[string]int64
	hourlyAt    []time.Time
	aggregates  []*click.Aggregate
	globals     []globalRow
	lastOpNames []string
}

func (s *fakeStore) FlushClicks(_ context.Context, counts map[string]int64) error {
	if s.block != nil {
		<-s.block
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.flushErr != nil {
		return s.flushErr
	}

	s.flushed = append(s.flushed, counts)

	return nil
}

func (s *fakeStore) InsertClickDetails(_ context.Context, details []click.Detail) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.details = append(s.details, details)

	return nil
}

func (s *fakeStore) UpsertHourlyCounts(_ context.Context, counts map[string]int64, at time.Time, opPrefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hourly = append(s.hourly, counts)
	s.hourlyAt = append(s.hourlyAt, at)
	s.lastOpNames = append(s.lastOpNames, opPrefix)

	return nil
}

func (s *fakeStore) UpsertHourlyDetails(_ context.Context, agg *click.Aggregate, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.aggregates = append(s.aggregates, agg)

	return nil
}

func (s *fakeStore) UpsertGlobalHourly(_ context.Context, hourBucket string, clicks, uniqueLinks int64, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.globals = append(s.globals, globalRow{hour: hourBucket, clicks: clicks, uniqueLinks: uniqueLinks})

	return nil
}

func (s *fakeStore) flushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.flushed)
}

func TestFlusherFlushWritesEverything(t *testing.T) {
	t.Parallel()

	buffer := click.NewBuffer(10)
	store := &fakeStore{}
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 7, 13, 30, 0, 0, time.UTC))

	f := click.NewFlusher(buffer, store, nil, clock)

	buffer.Record("abc")
	buffer.Record("abc")
	buffer.Record("xyz")
	buffer.RecordDetail(click.Detail{Code: "abc", At: clock.Now(), Source: "direct"})

	require.NoError(t, f.Flush(context.Background(), click.TriggerManual))

	require.Len(t, store.flushed, 1)
	assert.Equal(t, map[string]int64{"abc": 2, "xyz": 1}, store.flushed[0])

	require.Len(t, store.details, 1)
	require.Len(t, store.details[0], 1)
	assert.Equal(t, "abc", store.details[0][0].Code)

	require.Len(t, store.hourly, 1)
	assert.Equal(t, map[string]int64{"abc": 2, "xyz": 1}, store.hourly[0])
	assert.Equal(t, []string{"sink"}, store.lastOpNames)

	require.Len(t, store.aggregates, 1)
	assert.Equal(t, 1, store.aggregates[0].Details)

	require.Len(t, store.globals, 1)
	assert.Equal(t, globalRow{hour: "2024-03-07 13:00", clicks: 3, uniqueLinks: 2}, store.globals[0])

	assert.Zero(t, buffer.UniqueCodes())
	assert.Zero(t, buffer.PendingDetails())
}

func TestFlusherEmptyFlushWritesNothing(t *testing.T) {
	t.Parallel()

	buffer := click.NewBuffer(10)
	store := &fakeStore{}

	f := click.NewFlusher(buffer, store, nil, clockwork.NewFakeClock())

	require.NoError(t, f.Flush(context.Background(), click.TriggerManual))

	assert.Empty(t, store.flushed)
	assert.Empty(t, store.details)
	assert.Empty(t, store.globals)
}

func TestFlusherCoalescesOverlappingFlushes(t *testing.T) {
	t.Parallel()

	buffer := click.NewBuffer(10)
	store := &fakeStore{block: make(chan struct{})}

	f := click.NewFlusher(buffer, store, nil, clockwork.NewFakeClock())

	buffer.Record("abc")

	done := make(chan error, 1)

	go func() {
		done <- f.Flush(context.Background(), click.TriggerInterval)
	}()

	// Wait until the first flush is inside the blocked store call.
	require.Eventually(t, func() bool {
		return buffer.UniqueCodes() == 0
	}, time.Second, time.Millisecond)

	buffer.Record("xyz")
	require.NoError(t, f.Flush(context.Background(), click.TriggerThreshold))

	// The coalesced flush must not have touched the buffer.
	assert.Equal(t, 1, buffer.UniqueCodes())

	close(store.block)
	require.NoError(t, <-done)

	assert.Equal(t, 1, store.flushCount())
}

func TestFlusherFailureDropsSnapshot(t *testing.T) {
	t.Parallel()

	buffer := click.NewBuffer(10)
	store := &fakeStore{flushErr: errStore}

	f := click.NewFlusher(buffer, store, nil, clockwork.NewFakeClock())

	buffer.Record("abc")

	err := f.Flush(context.Background(), click.TriggerManual)
	require.ErrorIs(t, err, errStore)

	// The snapshot is gone; the next flush starts from empty.
	store.mu.Lock()
	store.flushErr = nil
	store.mu.Unlock()

	require.NoError(t, f.Flush(context.Background(), click.TriggerManual))
	assert.Zero(t, store.flushCount())
}

func TestFlusherRunFlushesOnInterval(t *testing.T) {
	t.Parallel()

	buffer := click.NewBuffer(10)
	store := &fakeStore{}
	clock := clockwork.NewFakeClock()

	settings := func() click.Settings {
		return click.Settings{Interval: 30 * time.Second, Threshold: 1000}
	}

	f := click.NewFlusher(buffer, store, settings, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- f.Run(ctx)
	}()

	buffer.Record("abc")

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(30 * time.Second)

	require.Eventually(t, func() bool {
		return store.flushCount() == 1
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestFlusherRunFlushesOnThreshold(t *testing.T) {
	t.Parallel()

	buffer := click.NewBuffer(10)
	store := &fakeStore{}
	clock := clockwork.NewFakeClock()

	settings := func() click.Settings {
		return click.Settings{Interval: time.Hour, Threshold: 2}
	}

	f := click.NewFlusher(buffer, store, settings, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- f.Run(ctx)
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	buffer.Record("abc")
	buffer.Record("xyz")

	require.Eventually(t, func() bool {
		return store.flushCount() == 1
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestFlusherFinalFlushOnShutdown(t *testing.T) {
	t.Parallel()

	buffer := click.NewBuffer(10)
	store := &fakeStore{}
	clock := clockwork.NewFakeClock()

	f := click.NewFlusher(buffer, store, nil, clock)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() {
		done <- f.Run(ctx)
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	buffer.Record("abc")
	cancel()

	require.NoError(t, <-done)

	require.Equal(t, 1, store.flushCount())
	assert.Equal(t, map[string]int64{"abc": 1}, store.flushed[0])
}
