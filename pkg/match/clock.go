package match

import "time"

// TimeControl is a side's configured budget. A zero value is untimed.
type TimeControl struct {
	MainMs    int64
	ByoyomiMs int64
}

// Untimed reports whether the side has no clock at all.
func (tc TimeControl) Untimed() bool {
	return tc.MainMs <= 0 && tc.ByoyomiMs <= 0
}

// ClockState is what remains of a side's time.
type ClockState struct {
	MainMs    int64
	ByoyomiMs int64
}

// Clock counts down main time then byoyomi for whichever side is ticking.
// It is not safe for concurrent use; the Controller loop owns it.
type Clock struct {
	controls    [2]TimeControl
	state       [2]ClockState
	ticking     Side
	lastSampled time.Time
	expired     bool
}

func NewClock(sente, gote TimeControl) *Clock {
	c := &Clock{}
	c.Reset(sente, gote)
	return c
}

// Reset restores both sides to their full budgets and stops the clock.
func (c *Clock) Reset(sente, gote TimeControl) {
	c.controls = [2]TimeControl{sente, gote}
	for i, tc := range c.controls {
		c.state[i] = ClockState{MainMs: max(tc.MainMs, 0), ByoyomiMs: max(tc.ByoyomiMs, 0)}
	}
	c.ticking = NoSide
	c.lastSampled = time.Time{}
	c.expired = false
}

// Start begins ticking for side with a fresh byoyomi.
func (c *Clock) Start(side Side, now time.Time) {
	if !side.valid() {
		return
	}
	c.state[side].ByoyomiMs = max(c.controls[side].ByoyomiMs, 0)
	c.Resume(side, now)
}

// Resume begins ticking for side without touching its byoyomi.
func (c *Clock) Resume(side Side, now time.Time) {
	if !side.valid() || c.expired {
		return
	}
	c.ticking = side
	c.lastSampled = now
}

// Switch charges the outgoing side up to now, then starts the other side.
// It reports an expiry of the outgoing side the same way Sample does.
func (c *Clock) Switch(to Side, now time.Time) (Side, bool) {
	if side, expired := c.Sample(now); expired {
		return side, true
	}
	c.Start(to, now)
	return NoSide, false
}

// Pause charges the ticking side up to now and stops the clock.
func (c *Clock) Pause(now time.Time) (Side, bool) {
	side, expired := c.Sample(now)
	c.ticking = NoSide
	return side, expired
}

// Sample deducts the time elapsed since the last sample from the ticking
// side. It returns that side and true the first time its main time and
// byoyomi are both exhausted; later calls never report it again.
func (c *Clock) Sample(now time.Time) (Side, bool) {
	side := c.ticking
	if !side.valid() {
		return NoSide, false
	}
	elapsed := now.Sub(c.lastSampled).Milliseconds()
	if elapsed <= 0 {
		return NoSide, false
	}
	// Carry the sub-millisecond remainder into the next sample.
	c.lastSampled = c.lastSampled.Add(time.Duration(elapsed) * time.Millisecond)
	if c.controls[side].Untimed() || c.expired {
		return NoSide, false
	}
	st := &c.state[side]
	st.MainMs -= elapsed
	if st.MainMs < 0 {
		st.ByoyomiMs += st.MainMs
		st.MainMs = 0
	}
	if st.ByoyomiMs < 0 {
		st.ByoyomiMs = 0
	}
	if st.MainMs == 0 && st.ByoyomiMs == 0 {
		c.expired = true
		c.ticking = NoSide
		return side, true
	}
	return NoSide, false
}

// Remaining returns the side's current state.
func (c *Clock) Remaining(side Side) ClockState {
	if !side.valid() {
		return ClockState{}
	}
	return c.state[side]
}

// Ticking returns the side being charged, or NoSide.
func (c *Clock) Ticking() Side {
	return c.ticking
}

// Control returns the side's configured budget.
func (c *Clock) Control(side Side) TimeControl {
	if !side.valid() {
		return TimeControl{}
	}
	return c.controls[side]
}
