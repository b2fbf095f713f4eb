package metrics

import (
	"sync"
	"time"
)

const DefaultWindow = 60

// TPSWindow keeps the last N throughput samples. Each sample is derived from
// a monotonically growing transaction counter.
type TPSWindow struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
	peak    float64

	lastCount uint64
	lastAt    time.Time
}

func NewTPSWindow(size int) *TPSWindow {
	if size <= 0 {
		size = DefaultWindow
	}
	return &TPSWindow{samples: make([]float64, size)}
}

// Observe records total, the cumulative transaction count at now, and
// returns the rate since the previous observation. The first call only sets
// the baseline.
func (w *TPSWindow) Observe(total uint64, now time.Time) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastAt.IsZero() {
		w.lastCount, w.lastAt = total, now
		return 0
	}
	elapsed := now.Sub(w.lastAt).Seconds()
	if elapsed <= 0 {
		return w.currentLocked()
	}
	var tps float64
	if total > w.lastCount {
		tps = float64(total-w.lastCount) / elapsed
	}
	w.lastCount, w.lastAt = total, now
	w.addLocked(tps)
	return tps
}

func (w *TPSWindow) addLocked(v float64) {
	w.samples[w.next] = v
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.full = true
	}
	if v > w.peak {
		w.peak = v
	}
}

func (w *TPSWindow) lenLocked() int {
	if w.full {
		return len(w.samples)
	}
	return w.next
}

func (w *TPSWindow) currentLocked() float64 {
	if w.lenLocked() == 0 {
		return 0
	}
	return w.samples[(w.next-1+len(w.samples))%len(w.samples)]
}

func (w *TPSWindow) Current() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentLocked()
}

func (w *TPSWindow) Average() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.lenLocked()
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += w.samples[i]
	}
	return sum / float64(n)
}

// Peak is the highest sample ever observed, not only those in the window.
func (w *TPSWindow) Peak() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.peak
}

func (w *TPSWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lenLocked()
}
