package crashloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const second = time.Second

// run feeds one tick per second from 0 to end (inclusive) and reports the
// ticks at which the breaker tripped. crashes holds the seconds with a crash.
func run(b *Breaker, end int, crashes ...int) []int {
	crashAt := make(map[int]bool, len(crashes))
	for _, c := range crashes {
		crashAt[c] = true
	}
	var tripped []int
	for s := 0; s <= end; s++ {
		elapsed := second
		if s == 0 {
			elapsed = 0
		}
		if b.Update(elapsed, crashAt[s]) {
			tripped = append(tripped, s)
		}
	}
	return tripped
}

func TestBreaker_TripsOnThirdCrashInsideWindow(t *testing.T) {
	b := New(3, 5000*time.Millisecond)

	require.False(t, b.Update(0, true), "first crash must not trip")
	require.False(t, b.Update(time.Second, true), "second crash must not trip")
	require.True(t, b.Update(time.Second, true), "third crash inside the window must trip")
	assert.Equal(t, 3, b.Count())
}

func TestBreaker_WindowElapsedResetsCount(t *testing.T) {
	b := New(3, 5000*time.Millisecond)

	tripped := run(b, 6, 0, 6)
	assert.Empty(t, tripped)
	assert.Equal(t, 1, b.Count(), "count must restart at 1 after the window elapsed")
}

func TestBreaker_NeverTripsWhenCrashesAreFarApart(t *testing.T) {
	b := New(2, 3*time.Second)

	// Ten crashes, each four seconds apart, window three seconds.
	var crashes []int
	for i := 0; i < 10; i++ {
		crashes = append(crashes, i*4)
	}
	assert.Empty(t, run(b, 40, crashes...))
}

func TestBreaker_TripsExactlyOnNthEvent(t *testing.T) {
	for n := 1; n <= 5; n++ {
		b := New(n, time.Minute)
		for i := 1; i <= n; i++ {
			got := b.Update(time.Second, true)
			if i < n {
				require.False(t, got, "n=%d tripped early at event %d", n, i)
			} else {
				require.True(t, got, "n=%d did not trip at event %d", n, i)
			}
		}
	}
}

func TestBreaker_ResetClearsState(t *testing.T) {
	b := New(2, time.Minute)
	b.Update(0, true)
	require.True(t, b.Update(time.Second, true))

	b.Reset()
	assert.Equal(t, 0, b.Count())
	assert.False(t, b.Update(time.Second, false))
	assert.False(t, b.Update(time.Second, true), "first crash after reset opens a new window")
	assert.Equal(t, 1, b.Count())
}

func TestBreaker_StaysTrippedUntilWindowOrReset(t *testing.T) {
	b := New(2, 3*time.Second)
	b.Update(0, true)
	require.True(t, b.Update(time.Second, true))
	// No further crashes, window still open: still above threshold.
	assert.True(t, b.Update(time.Second, false))
	// Window elapses: silently re-arms.
	assert.False(t, b.Update(time.Second, false))
	assert.Equal(t, 0, b.Count())
}

func TestTimer(t *testing.T) {
	tm := Timer{Duration: 2 * time.Second}
	assert.False(t, tm.Ready())
	tm.Tick(time.Second)
	tm.Tick(-time.Hour)
	assert.False(t, tm.Ready())
	tm.Tick(time.Second)
	assert.True(t, tm.Ready())
	tm.Reset()
	assert.False(t, tm.Ready())
}
