package click_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortlinker/shortlinker/pkg/click"
)

func TestBufferRecord(t *testing.T) {
	t.Parallel()

	b := click.NewBuffer(10)

	b.Record("abc")
	b.Record("abc")
	b.Record("abc")
	b.Record("xyz")

	assert.Equal(t, 2, b.UniqueCodes())

	counts := b.SwapCounters()
	assert.Equal(t, map[string]int64{"abc": 3, "xyz": 1}, counts)

	assert.Empty(t, b.SwapCounters())
	assert.Equal(t, 0, b.UniqueCodes())
}

func TestBufferRecordConcurrent(t *testing.T) {
	t.Parallel()

	b := click.NewBuffer(10)

	var wg sync.WaitGroup

	for range 10 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range 100 {
				b.Record("abc")
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, map[string]int64{"abc": 1000}, b.SwapCounters())
}

func TestBufferDetailDropNewest(t *testing.T) {
	t.Parallel()

	b := click.NewBuffer(2)

	now := time.Now()

	assert.True(t, b.RecordDetail(click.Detail{Code: "a", At: now}))
	assert.True(t, b.RecordDetail(click.Detail{Code: "b", At: now}))
	assert.False(t, b.RecordDetail(click.Detail{Code: "c", At: now}))

	assert.Equal(t, int64(1), b.Dropped())

	details := b.DrainDetails(10)
	require.Len(t, details, 2)
	assert.Equal(t, "a", details[0].Code)
	assert.Equal(t, "b", details[1].Code)
}

func TestBufferDrainDetailsBounded(t *testing.T) {
	t.Parallel()

	b := click.NewBuffer(10)

	for range 5 {
		b.RecordDetail(click.Detail{Code: "a", At: time.Now()})
	}

	assert.Len(t, b.DrainDetails(3), 3)
	assert.Equal(t, 2, b.PendingDetails())
	assert.Len(t, b.DrainDetails(3), 2)
	assert.Empty(t, b.DrainDetails(3))
}

func TestBufferThresholdNotify(t *testing.T) {
	t.Parallel()

	b := click.NewBuffer(10)
	b.SetThreshold(2)

	b.Record("a")

	select {
	case <-b.Notify():
		t.Fatal("notify fired below the threshold")
	default:
	}

	b.Record("b")

	select {
	case <-b.Notify():
	default:
		t.Fatal("notify did not fire at the threshold")
	}
}
