package perfstats

import (
	"sync"
	"time"
)

// Accumulate samples of how long something took
type TimeAccumulator struct {
	Samples int64
	Total   time.Duration
}

func (a *TimeAccumulator) Reset() {
	a.Samples = 0
	a.Total = 0
}

func (a *TimeAccumulator) AddSample(v time.Duration) {
	a.Samples++
	a.Total += v
}

func (a *TimeAccumulator) Average() time.Duration {
	if a.Samples == 0 {
		return 0
	}
	return time.Duration(a.Total.Nanoseconds() / a.Samples)
}

// Timer is a TimeAccumulator that may be shared between goroutines.
// In addition to the all-time average, it tracks an exponential moving average of recent samples.
type Timer struct {
	lock   sync.Mutex
	all    TimeAccumulator
	recent float64 // nanoseconds
}

// Weight of a new sample in the moving average
const recentWeight = 0.1

func (t *Timer) AddSample(v time.Duration) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.all.Samples == 0 {
		t.recent = float64(v)
	} else {
		t.recent = t.recent*(1-recentWeight) + float64(v)*recentWeight
	}
	t.all.AddSample(v)
}

func (t *Timer) Samples() int64 {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.all.Samples
}

func (t *Timer) Average() time.Duration {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.all.Average()
}

// Recent returns the moving average
func (t *Timer) Recent() time.Duration {
	t.lock.Lock()
	defer t.lock.Unlock()
	return time.Duration(t.recent)
}

func (t *Timer) Reset() {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.all.Reset()
	t.recent = 0
}
