package app

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Unarmed is the remaining-time display while no countdown is armed.
const Unarmed = "--:--:--"

type countdownState int

const (
	countdownIdle countdownState = iota
	countdownRunning
	countdownExpired
)

// Countdown turns an absolute deadline into periodic ticks and one expiry
// notification. Ticks are delivered while the countdown lock is held, so
// callbacks must not call back into the Countdown. OnExpire runs outside the
// lock and may race with a re-arm; receivers compare the deadline they get.
type Countdown struct {
	interval time.Duration
	now      func() time.Time
	onTick   func(remaining time.Duration)
	onExpire func(deadline time.Time)

	mu        sync.Mutex
	gen       uint64
	cancel    context.CancelFunc
	state     countdownState
	deadline  time.Time
	remaining time.Duration
}

// NewCountdown builds an unarmed countdown ticking every interval.
func NewCountdown(interval time.Duration, onTick func(time.Duration), onExpire func(time.Time)) *Countdown {
	return NewCountdownWithClock(interval, time.Now, onTick, onExpire)
}

// NewCountdownWithClock is NewCountdown with an injectable clock.
func NewCountdownWithClock(interval time.Duration, now func() time.Time, onTick func(time.Duration), onExpire func(time.Time)) *Countdown {
	if interval <= 0 {
		interval = time.Second
	}
	return &Countdown{
		interval: interval,
		now:      now,
		onTick:   onTick,
		onExpire: onExpire,
	}
}

// Arm cancels any running countdown and starts a new one towards deadline.
func (c *Countdown) Arm(deadline time.Time) {
	c.mu.Lock()
	c.stopLocked()
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.state = countdownRunning
	c.deadline = deadline
	c.remaining = clampRemaining(deadline.Sub(c.now()))
	c.mu.Unlock()

	go c.run(ctx, gen, deadline)
}

// Disarm stops the countdown; no notification is delivered after it returns.
func (c *Countdown) Disarm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	c.gen++
	c.state = countdownIdle
	c.deadline = time.Time{}
	c.remaining = 0
}

// Armed reports whether a countdown is running.
func (c *Countdown) Armed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == countdownRunning
}

// Deadline returns the armed deadline, zero when idle.
func (c *Countdown) Deadline() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadline
}

// Display renders the last computed remaining time.
func (c *Countdown) Display() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == countdownIdle {
		return Unarmed
	}
	return FormatRemaining(c.remaining)
}

func (c *Countdown) run(ctx context.Context, gen uint64, deadline time.Time) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		remaining := clampRemaining(deadline.Sub(c.now()))

		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		c.remaining = remaining
		expired := remaining == 0
		if expired {
			c.state = countdownExpired
			c.stopLocked()
		}
		if c.onTick != nil {
			c.onTick(remaining)
		}
		c.mu.Unlock()

		if expired {
			if c.onExpire != nil {
				c.onExpire(deadline)
			}
			return
		}
	}
}

func (c *Countdown) stopLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func clampRemaining(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

// FormatRemaining renders a duration as hh:mm:ss, truncated to whole seconds.
func FormatRemaining(d time.Duration) string {
	total := int64(clampRemaining(d) / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}
