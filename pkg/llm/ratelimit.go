package llm

import (
	"sync"
	"time"
)

// slidingWindow is a bucketed sliding-window counter. RPM uses 60 buckets of
// one second; TPD uses 24 buckets of one hour. Buckets older than the window
// are zeroed lazily as the clock advances.
type slidingWindow struct {
	mu         sync.Mutex
	buckets    []int64
	bucketSize time.Duration
	lastTick   int64
	now        func() time.Time
}

func newSlidingWindow(buckets int, bucketSize time.Duration, now func() time.Time) *slidingWindow {
	if now == nil {
		now = time.Now
	}
	w := &slidingWindow{
		buckets:    make([]int64, buckets),
		bucketSize: bucketSize,
		now:        now,
	}
	w.lastTick = w.tick()
	return w
}

func (w *slidingWindow) tick() int64 {
	return w.now().UnixNano() / int64(w.bucketSize)
}

// advance zeroes buckets the clock has passed since the last observation.
// Caller holds the lock.
func (w *slidingWindow) advance() {
	current := w.tick()
	elapsed := current - w.lastTick
	if elapsed <= 0 {
		return
	}
	n := int64(len(w.buckets))
	if elapsed >= n {
		for i := range w.buckets {
			w.buckets[i] = 0
		}
	} else {
		for i := int64(1); i <= elapsed; i++ {
			w.buckets[(w.lastTick+i)%n] = 0
		}
	}
	w.lastTick = current
}

// Add records n units in the current bucket.
func (w *slidingWindow) Add(n int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.advance()
	w.buckets[w.lastTick%int64(len(w.buckets))] += n
}

// Sum returns the total across the window.
func (w *slidingWindow) Sum() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.advance()
	var total int64
	for _, b := range w.buckets {
		total += b
	}
	return total
}

// WouldExceed reports whether adding n units would cross the limit.
func (w *slidingWindow) WouldExceed(n, limit int64) bool {
	return w.Sum()+n > limit
}
