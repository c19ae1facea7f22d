package state

import (
	"sort"
	"sync"

	"github.com/researchaccelerator-hub/parcel-harvester/model"
)

// FailureTracker counts failed passes per query point. A point whose count
// reaches the threshold is permanently failed until Reset.
type FailureTracker struct {
	mutex     sync.RWMutex
	threshold int
	counts    map[int64]int
}

// NewFailureTracker creates a tracker. A threshold below 1 is treated as 1.
func NewFailureTracker(threshold int) *FailureTracker {
	if threshold < 1 {
		threshold = 1
	}
	return &FailureTracker{
		threshold: threshold,
		counts:    make(map[int64]int),
	}
}

// Threshold returns the configured permanent-failure threshold.
func (f *FailureTracker) Threshold() int {
	return f.threshold
}

// RecordOutcome removes the entry on success and increments it on failure.
// It returns the count after the update.
func (f *FailureTracker) RecordOutcome(outcome model.Outcome) int {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if outcome.Succeeded() {
		delete(f.counts, outcome.Index)
		return 0
	}
	f.counts[outcome.Index]++
	return f.counts[outcome.Index]
}

// MarkPermanent raises the count straight to the threshold. Used for points
// that can never be dispatched.
func (f *FailureTracker) MarkPermanent(index int64) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.counts[index] < f.threshold {
		f.counts[index] = f.threshold
	}
}

// IsPermanentlyFailed reports count >= threshold.
func (f *FailureTracker) IsPermanentlyFailed(index int64) bool {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	return f.counts[index] >= f.threshold
}

// Count returns the current failure count, 0 when absent.
func (f *FailureTracker) Count(index int64) int {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	return f.counts[index]
}

// Permanent returns the permanently failed indices in ascending order.
func (f *FailureTracker) Permanent() []int64 {
	f.mutex.RLock()
	defer f.mutex.RUnlock()

	var out []int64
	for idx, n := range f.counts {
		if n >= f.threshold {
			out = append(out, idx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Failing returns every index with a non-zero count in ascending order.
func (f *FailureTracker) Failing() []int64 {
	f.mutex.RLock()
	defer f.mutex.RUnlock()

	out := make([]int64, 0, len(f.counts))
	for idx := range f.counts {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Reset sets the given counts back to zero.
func (f *FailureTracker) Reset(indices []int64) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	for _, idx := range indices {
		delete(f.counts, idx)
	}
}

// Snapshot returns a copy of every non-zero count.
func (f *FailureTracker) Snapshot() map[int64]int {
	f.mutex.RLock()
	defer f.mutex.RUnlock()

	out := make(map[int64]int, len(f.counts))
	for idx, n := range f.counts {
		out[idx] = n
	}
	return out
}

// Restore loads counts saved by an earlier run. Non-positive counts are
// ignored; an index already tracked keeps the larger count.
func (f *FailureTracker) Restore(counts map[int64]int) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	for idx, n := range counts {
		if n > 0 && n > f.counts[idx] {
			f.counts[idx] = n
		}
	}
}

// Len returns how many indices currently have a failure count.
func (f *FailureTracker) Len() int {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	return len(f.counts)
}
