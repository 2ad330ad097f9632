package session

import "time"

// clock measures streaming time. Paused spans are not counted.
type clock struct {
	now         func() time.Time
	started     time.Time
	running     bool
	accumulated time.Duration
}

func (c *clock) start() {
	c.accumulated = 0
	c.started = c.now()
	c.running = true
}

func (c *clock) resume() {
	if c.running {
		return
	}
	c.started = c.now()
	c.running = true
}

func (c *clock) stop() {
	if !c.running {
		return
	}
	c.accumulated += c.now().Sub(c.started)
	c.running = false
}

func (c *clock) reset() {
	c.accumulated = 0
	c.running = false
}

func (c *clock) elapsed() time.Duration {
	if c.running {
		return c.accumulated + c.now().Sub(c.started)
	}
	return c.accumulated
}
