package checkout

import (
	"testing"
	"time"
)

func TestCodelMeasureOpensWindowAndSetsSlow(t *testing.T) {
	t0 := time.Now()
	c := newCodelState(t0, 50*time.Millisecond, time.Second, time.Second)

	// Inside the first window nothing changes.
	c.measure(t0.Add(100*time.Millisecond), t0.Add(10*time.Millisecond).UnixNano())
	if c.slow {
		t.Fatal("slow mode set before the first window closed")
	}

	// At the window boundary a 90ms head delay exceeds the 50ms target.
	c.measure(t0.Add(time.Second), t0.Add(910*time.Millisecond).UnixNano())
	if !c.slow {
		t.Fatal("expected slow mode after an over-target first-of-interval sample")
	}
	if got := c.nextCheck; !got.Equal(t0.Add(2 * time.Second)) {
		t.Fatalf("nextCheck not advanced by one interval: %v", got)
	}

	// The following window's sample is under target, so slow clears.
	c.measure(t0.Add(2*time.Second), t0.Add(1990*time.Millisecond).UnixNano())
	if c.slow {
		t.Fatal("expected slow mode to clear on an under-target sample")
	}
}

func TestCodelPollNeedsTwoStalledWindows(t *testing.T) {
	t0 := time.Now()
	c := newCodelState(t0, 50*time.Millisecond, time.Second, time.Second)
	submitted := t0.UnixNano()

	// First stalled poll records the delay but must not shed yet.
	if c.pollMeasure(t0.Add(time.Second), submitted) {
		t.Fatal("first stalled poll must not authorize shedding")
	}
	if c.slow {
		t.Fatal("slow mode set after a single stalled window")
	}
	if c.delay != time.Second {
		t.Fatalf("stalled poll did not record the head delay: %v", c.delay)
	}

	// Second stalled poll sees both the recorded and the fresh delay over
	// target and starts shedding.
	if !c.pollMeasure(t0.Add(2*time.Second), submitted) {
		t.Fatal("second stalled poll should authorize shedding")
	}
	if !c.slow {
		t.Fatal("expected slow mode after two stalled windows")
	}
}

func TestCodelPollIgnoredBeforeWindowBoundary(t *testing.T) {
	t0 := time.Now()
	c := newCodelState(t0, 50*time.Millisecond, time.Second, time.Second)

	if c.pollMeasure(t0.Add(500*time.Millisecond), t0.UnixNano()) {
		t.Fatal("poll inside the first window must be a no-op")
	}
	if c.delay != 0 {
		t.Fatalf("delay recorded before the window closed: %v", c.delay)
	}
}

func TestCodelObserveTracksMinimum(t *testing.T) {
	t0 := time.Now()
	c := newCodelState(t0, 50*time.Millisecond, time.Second, time.Second)
	c.delay = 80 * time.Millisecond

	c.observe(100 * time.Millisecond)
	if c.delay != 80*time.Millisecond {
		t.Fatalf("a larger observation replaced the minimum: %v", c.delay)
	}
	c.observe(30 * time.Millisecond)
	if c.delay != 30*time.Millisecond {
		t.Fatalf("a smaller observation was not folded in: %v", c.delay)
	}
}

func TestCodelResetOnReady(t *testing.T) {
	t0 := time.Now()
	c := newCodelState(t0, 50*time.Millisecond, time.Second, time.Second)
	c.delay = 200 * time.Millisecond

	c.resetOnReady()
	if c.delay != 0 {
		t.Fatalf("delay not cleared on ready transition: %v", c.delay)
	}
}

func TestCodelDefaultsApplied(t *testing.T) {
	c := newCodelState(time.Now(), 0, 0, 0)
	if c.target != 50*time.Millisecond || c.interval != time.Second || c.idleInterval != time.Second {
		t.Fatalf("defaults not applied: target=%v interval=%v idle=%v", c.target, c.interval, c.idleInterval)
	}
}
