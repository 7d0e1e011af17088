package dose

import (
	"slices"
	"sync"
	"time"
)

// compactThreshold is the number of evicted slots kept at the head of the
// record slice before it is compacted.
const compactThreshold = 1024

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock sets the time source used for window eviction.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		a.now = now
	}
}

// Aggregator stores timestamped exposure records and maintains the current
// dose over a trailing window. It is safe for concurrent use.
type Aggregator struct {
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	records []Record // sorted by Timestamp; records[head:] are live
	head    int
	dose    float64
}

// NewAggregator returns an Aggregator keeping records for window.
func NewAggregator(window time.Duration, opts ...Option) *Aggregator {
	if window <= 0 {
		window = DefaultWindow
	}
	a := &Aggregator{
		window: window,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Window returns the trailing window length.
func (a *Aggregator) Window() time.Duration {
	return a.window
}

// AddRecord inserts r in timestamp order and adds its dose. Records already
// outside the window are ignored.
func (a *Aggregator) AddRecord(r Record) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if r.Timestamp.Before(now.Add(-a.window)) {
		return
	}

	live := a.records[a.head:]
	if n := len(live); n == 0 || !r.Timestamp.Before(live[n-1].Timestamp) {
		a.records = append(a.records, r)
	} else {
		// Insert after any records sharing the timestamp.
		i, _ := slices.BinarySearchFunc(live, r.Timestamp, func(e Record, t time.Time) int {
			if e.Timestamp.After(t) {
				return 1
			}
			return -1
		})
		a.records = slices.Insert(a.records, a.head+i, r)
	}
	a.dose += r.Dose

	a.evictLocked(now)
}

// CurrentDose returns the dose in percent of all records inside the window.
func (a *Aggregator) CurrentDose() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.evictLocked(a.now())
	return a.dose
}

// SetRecordsWithDose atomically replaces all records and sets the current
// dose to dose. The dose then changes only by later additions and evictions.
// Records already outside the window are dropped without affecting dose.
func (a *Aggregator) SetRecordsWithDose(records []Record, dose float64) {
	sorted := slices.Clone(records)
	slices.SortStableFunc(sorted, func(x, y Record) int {
		return x.Timestamp.Compare(y.Timestamp)
	})

	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().Add(-a.window)
	first := 0
	for first < len(sorted) && sorted[first].Timestamp.Before(cutoff) {
		first++
	}

	a.records = sorted[first:]
	a.head = 0
	a.dose = max(dose, 0)
}

// RecordsSince returns a copy of the live records starting at or after t.
func (a *Aggregator) RecordsSince(t time.Time) []Record {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.evictLocked(a.now())
	live := a.records[a.head:]
	i, _ := slices.BinarySearchFunc(live, t, func(e Record, t time.Time) int {
		return e.Timestamp.Compare(t)
	})
	return slices.Clone(live[i:])
}

// Len returns the number of records inside the window.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.evictLocked(a.now())
	return len(a.records) - a.head
}

// evictLocked drops records older than the window. Caller must hold a.mu.
func (a *Aggregator) evictLocked(now time.Time) {
	cutoff := now.Add(-a.window)
	evicted := 0
	for a.head < len(a.records) && a.records[a.head].Timestamp.Before(cutoff) {
		a.dose -= a.records[a.head].Dose
		a.records[a.head] = Record{}
		a.head++
		evicted++
	}
	if evicted == 0 {
		return
	}

	if a.head == len(a.records) {
		// An empty window carries no dose.
		a.records = a.records[:0]
		a.head = 0
		a.dose = 0
		return
	}
	if a.dose < 0 {
		a.dose = 0
	}
	if a.head >= compactThreshold && a.head*2 >= len(a.records) {
		a.records = slices.Delete(a.records, 0, a.head)
		a.head = 0
	}
}
