package click

import (
	"strings"

	"github.com/shortlinker/shortlinker/pkg/helper"
)

// BucketKey identifies one (code, hour) rollup row.
type BucketKey struct {
	Code string
	Hour string
}

// BucketStat accumulates one flush cycle's details for a single (code,
// hour) pair.
type BucketStat struct {
	Code      string
	Hour      string
	Count     int64
	Referrers map[string]int64
	Countries map[string]int64
	Sources   map[string]int64
}

// Aggregate is the per-bucket aggregation of one drained detail batch.
type Aggregate struct {
	Buckets []*BucketStat
	Details int
}

// BuildAggregate folds drained details into per (code, hour) stats.
// Referrers are keyed by registrable domain, countries by upper-cased
// country code, sources by the derived source.
func BuildAggregate(details []Detail) *Aggregate {
	byBucket := make(map[BucketKey]*BucketStat)

	for _, d := range details {
		key := BucketKey{Code: d.Code, Hour: HourBucket(d.At)}

		stat := byBucket[key]
		if stat == nil {
			stat = &BucketStat{
				Code:      key.Code,
				Hour:      key.Hour,
				Referrers: make(map[string]int64),
				Countries: make(map[string]int64),
				Sources:   make(map[string]int64),
			}
			byBucket[key] = stat
		}

		stat.Count++

		if d.Referrer != "" {
			if domain := helper.RegistrableDomain(d.Referrer); domain != "" {
				stat.Referrers[domain]++
			}
		}

		if d.Country != "" {
			stat.Countries[strings.ToUpper(d.Country)]++
		}

		if d.Source != "" {
			stat.Sources[d.Source]++
		}
	}

	agg := &Aggregate{
		Buckets: make([]*BucketStat, 0, len(byBucket)),
		Details: len(details),
	}

	for _, stat := range byBucket {
		agg.Buckets = append(agg.Buckets, stat)
	}

	return agg
}
