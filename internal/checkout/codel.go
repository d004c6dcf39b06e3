package checkout

import (
	"time"

	"github.com/go-dbpool/codel/internal/metrics"
)

// codelState holds one pool's CoDel controller state. It is mutated only
// from the Broker goroutine.
type codelState struct {
	target       time.Duration
	interval     time.Duration
	idleInterval time.Duration

	// delay is the tracked minimum head-of-line delay in the current
	// measurement window.
	delay time.Duration
	slow  bool

	// nextCheck is the monotonic instant after which the next CoDel
	// decision may be taken.
	nextCheck time.Time

	// pollID/idleID are the identities of the currently-armed poll/idle
	// timers; a fire whose id doesn't match is a late, harmless no-op.
	pollID uint64
	idleID uint64

	// pollCursor/idleCursor are the head keys captured when each timer
	// was armed, so the handler can distinguish "no movement since
	// arming" from "a new entry arrived after arming".
	pollCursor int64
	idleCursor int64
}

func newCodelState(now time.Time, target, interval, idleInterval time.Duration) *codelState {
	if target <= 0 {
		target = 50 * time.Millisecond
	}
	if interval <= 0 {
		interval = time.Second
	}
	if idleInterval <= 0 {
		idleInterval = time.Second
	}
	return &codelState{
		target:       target,
		interval:     interval,
		idleInterval: idleInterval,
		nextCheck:    now.Add(interval),
	}
}

// measure is the first-of-interval rule applied on every Busy-mode
// dequeue: once now reaches nextCheck, take a fresh head-of-line delay
// sample, update slow mode from it, and open the next window.
func (c *codelState) measure(now time.Time, headSubmittedAt int64) {
	if now.Before(c.nextCheck) {
		return
	}
	delay := now.Sub(time.Unix(0, headSubmittedAt))
	c.slow = delay > c.target
	c.nextCheck = now.Add(c.interval)
}

// pollMeasure runs the poll-timer decision for a head entry that has not
// moved since the timer was armed. It reports whether drop-slow should
// run now. Entering slow mode takes two consecutive over-target windows:
// the first stalled poll records the head delay and opens a new window,
// and only a later poll that finds both that recorded delay and the
// fresh sample over target starts shedding. The window advances on every
// sample regardless.
func (c *codelState) pollMeasure(now time.Time, headSubmittedAt int64) bool {
	if now.Before(c.nextCheck) {
		return false
	}
	delay := now.Sub(time.Unix(0, headSubmittedAt))
	shed := delay > c.target && c.delay > c.target
	if shed {
		c.slow = true
	}
	c.delay = delay
	c.nextCheck = now.Add(c.interval)
	return shed
}

// observe folds a just-completed dequeue's observed delay into the
// tracked minimum: only a strictly smaller value replaces the current
// one, so the window tracks the best case, not the latest.
func (c *codelState) observe(delay time.Duration) {
	if delay < c.delay {
		c.delay = delay
	}
}

// resetOnReady clears the tracked delay when a Holder enters the Ready
// Queue with nobody waiting.
func (c *codelState) resetOnReady() {
	c.delay = 0
}

func (c *codelState) updateMetrics(pool string) {
	slowVal := 0.0
	if c.slow {
		slowVal = 1.0
	}
	metrics.CodelSlowMode.WithLabelValues(pool).Set(slowVal)
	metrics.CodelDelay.WithLabelValues(pool).Set(c.delay.Seconds())
}
