package metrics

import (
	"sync"
	"time"
)

type entry struct {
	time  time.Time
	value float64
}

// Readings keeps timestamped samples for a sliding window. Samples older
// than the window are dropped as new ones arrive.
type Readings struct {
	window     time.Duration
	values     []*entry
	valuesLock sync.Mutex
}

func NewReadings(window time.Duration) *Readings {
	return &Readings{window: window}
}

func (r *Readings) Add(v float64) {
	r.AddAt(time.Now(), v)
}

func (r *Readings) AddAt(t time.Time, v float64) {
	r.valuesLock.Lock()
	defer r.valuesLock.Unlock()
	r.values = append(r.values, &entry{
		time:  t,
		value: v,
	})
	r.prune(t)
}

func (r *Readings) prune(now time.Time) {
	cutoff := now.Add(-r.window)
	n := 0
	for n < len(r.values) && r.values[n].time.Before(cutoff) {
		n++
	}
	if n > 0 {
		r.values = append(r.values[:0], r.values[n:]...)
	}
}

// GetAverage averages the samples newer than d.
func (r *Readings) GetAverage(d time.Duration) float64 {
	r.valuesLock.Lock()
	defer r.valuesLock.Unlock()
	ctime := time.Now().Add(-d)
	num := 0
	total := float64(0)
	for _, e := range r.values {
		if e.time.After(ctime) {
			total += e.value
			num++
		}
	}
	if num == 0 {
		return 0
	}
	return total / float64(num)
}

func (r *Readings) Len() int {
	r.valuesLock.Lock()
	defer r.valuesLock.Unlock()
	return len(r.values)
}
