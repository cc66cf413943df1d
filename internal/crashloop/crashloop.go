// Package crashloop detects crash loops with a re-arming window: N crashes
// before the window elapses trip the breaker, while a window that elapses
// first silently resets the count.
package crashloop

import "time"

// Timer accumulates elapsed time against a fixed duration. It becomes ready
// once the accumulated time reaches the duration and stays ready until Reset.
type Timer struct {
	Duration time.Duration
	elapsed  time.Duration
}

func (t *Timer) Reset() { t.elapsed = 0 }

func (t *Timer) Tick(d time.Duration) {
	if d > 0 {
		t.elapsed += d
	}
}

func (t *Timer) Ready() bool { return t.elapsed >= t.Duration }

// Breaker counts spontaneous child exits inside one window.
// The zero value is not usable; use New.
type Breaker struct {
	max    int
	count  int
	window Timer
}

// New returns a breaker that trips on the maxCount-th crash inside window.
func New(maxCount int, window time.Duration) *Breaker {
	if maxCount < 1 {
		maxCount = 1
	}
	b := &Breaker{max: maxCount, window: Timer{Duration: window}}
	// Nothing has crashed yet, so start in the ready (expired) state.
	b.window.elapsed = window
	return b
}

// Update feeds one orchestrator tick into the breaker. elapsed is the time
// since the previous tick and stopped reports whether the child exited on its
// own since then. It returns true when the crash count reached the limit
// before the window elapsed.
func (b *Breaker) Update(elapsed time.Duration, stopped bool) bool {
	if stopped {
		if b.count == 0 {
			b.window.Reset()
		}
		b.count++
	}
	b.window.Tick(elapsed)

	if !b.window.Ready() && b.count >= b.max {
		return true
	}
	if b.window.Ready() {
		b.count = 0
	}
	return false
}

// Count returns the crashes counted in the current window.
func (b *Breaker) Count() int { return b.count }

// Max returns the configured trip threshold.
func (b *Breaker) Max() int { return b.max }

// Reset clears the count and expires the window, as after a successful
// protective reset. The next crash opens a fresh window.
func (b *Breaker) Reset() {
	b.count = 0
	b.window.elapsed = b.window.Duration
}
