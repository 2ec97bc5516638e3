package cache

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	// MinFilterCapacity is the smallest filter the cache will size.
	MinFilterCapacity = 1024

	// DefaultFalsePositiveRate is the target false-positive rate for the
	// existence filter.
	DefaultFalsePositiveRate = 0.001

	// partitionGrowth doubles each partition added when the filter fills.
	partitionGrowth = 2

	// fpTightening halves the per-partition false-positive budget so the
	// compound rate converges below the target.
	fpTightening = 0.5
)

// existenceFilter is a scalable Bloom filter: when the current partition
// reaches its sizing capacity a new, larger partition with a tighter
// false-positive budget is appended. Lookups OR across partitions, so the
// filter keeps its no-false-negative guarantee while growing.
type existenceFilter struct {
	mu sync.RWMutex

	partitions []*bloom.BloomFilter

	fpRate float64

	// capacity and count track the newest partition only.
	capacity uint
	count    uint
}

func newExistenceFilter(capacity uint, fpRate float64) *existenceFilter {
	if capacity < MinFilterCapacity {
		capacity = MinFilterCapacity
	}

	if fpRate <= 0 || fpRate >= 1 {
		fpRate = DefaultFalsePositiveRate
	}

	f := &existenceFilter{fpRate: fpRate}
	f.grow(capacity)

	return f
}

// grow appends a partition sized for capacity. Callers hold the write
// lock except during construction.
func (f *existenceFilter) grow(capacity uint) {
	partitionFP := f.fpRate * fpTightening

	for range f.partitions {
		partitionFP *= fpTightening
	}

	f.partitions = append(f.partitions, bloom.NewWithEstimates(capacity, partitionFP))
	f.capacity = capacity
	f.count = 0
}

// Add records one code.
func (f *existenceFilter) Add(code string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.addLocked(code)
}

func (f *existenceFilter) addLocked(code string) {
	if f.count >= f.capacity {
		f.grow(f.capacity * partitionGrowth)
	}

	f.partitions[len(f.partitions)-1].AddString(code)
	f.count++
}

// AddBatch records many codes under a single lock acquisition.
func (f *existenceFilter) AddBatch(codes []string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, code := range codes {
		f.addLocked(code)
	}
}

// Test reports whether the code may have been added. False means
// definitely absent.
func (f *existenceFilter) Test(code string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, p := range f.partitions {
		if p.TestString(code) {
			return true
		}
	}

	return false
}

// Reset clears the filter and resizes it for the given capacity in one
// atomic step.
func (f *existenceFilter) Reset(capacity uint, fpRate float64) {
	if capacity < MinFilterCapacity {
		capacity = MinFilterCapacity
	}

	if fpRate <= 0 || fpRate >= 1 {
		fpRate = DefaultFalsePositiveRate
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.partitions = nil
	f.fpRate = fpRate
	f.grow(capacity)
}

// Partitions reports how many partitions back the filter, for stats.
func (f *existenceFilter) Partitions() int {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return len(f.partitions)
}

// ApproxItems reports roughly how many codes the filter holds.
func (f *existenceFilter) ApproxItems() uint {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var total uint

	for _, p := range f.partitions {
		total += uint(p.ApproximatedSize())
	}

	return total
}
