package click_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortlinker/shortlinker/pkg/click"
)

func TestBuildAggregate(t *testing.T) {
	t.Parallel()

	hourOne := time.Date(2024, 3, 7, 13, 10, 0, 0, time.UTC)
	hourTwo := time.Date(2024, 3, 7, 14, 1, 0, 0, time.UTC)

	details := []click.Detail{
		{Code: "abc", At: hourOne, Referrer: "https://news.ycombinator.com/item", Source: "ref:ycombinator.com", Country: "us"},
		{Code: "abc", At: hourOne.Add(5 * time.Minute), Source: "direct", Country: "US"},
		{Code: "abc", At: hourTwo, Source: "direct"},
		{Code: "xyz", At: hourOne, Referrer: "https://t.co/abc", Source: "newsletter", Country: "de"},
	}

	agg := click.BuildAggregate(details)

	assert.Equal(t, 4, agg.Details)
	require.Len(t, agg.Buckets, 3)

	byKey := make(map[click.BucketKey]*click.BucketStat, len(agg.Buckets))
	for _, b := range agg.Buckets {
		byKey[click.BucketKey{Code: b.Code, Hour: b.Hour}] = b
	}

	abcOne := byKey[click.BucketKey{Code: "abc", Hour: "2024-03-07 13:00"}]
	require.NotNil(t, abcOne)
	assert.Equal(t, int64(2), abcOne.Count)
	assert.Equal(t, map[string]int64{"ycombinator.com": 1}, abcOne.Referrers)
	assert.Equal(t, map[string]int64{"US": 2}, abcOne.Countries)
	assert.Equal(t, map[string]int64{"ref:ycombinator.com": 1, "direct": 1}, abcOne.Sources)

	abcTwo := byKey[click.BucketKey{Code: "abc", Hour: "2024-03-07 14:00"}]
	require.NotNil(t, abcTwo)
	assert.Equal(t, int64(1), abcTwo.Count)
	assert.Empty(t, abcTwo.Referrers)

	xyz := byKey[click.BucketKey{Code: "xyz", Hour: "2024-03-07 13:00"}]
	require.NotNil(t, xyz)
	assert.Equal(t, map[string]int64{"t.co": 1}, xyz.Referrers)
	assert.Equal(t, map[string]int64{"newsletter": 1}, xyz.Sources)
}

func TestBuildAggregateEmpty(t *testing.T) {
	t.Parallel()

	agg := click.BuildAggregate(nil)

	assert.Zero(t, agg.Details)
	assert.Empty(t, agg.Buckets)
}
