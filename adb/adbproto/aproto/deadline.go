package aproto

import (
	"sync"
	"time"
)

// deadline is a resettable timeout exposed as a channel, like the one backing
// [net.Pipe]. The zero value has no deadline. It is safe for concurrent use.
type deadline struct {
	mu    sync.Mutex
	timer *time.Timer
	ch    chan struct{} // closed once the deadline passes
}

// Done returns a channel which is closed when the deadline passes. A new
// channel is returned once the deadline is moved into the future again.
func (d *deadline) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ch == nil {
		d.ch = make(chan struct{})
	}
	return d.ch
}

// Set moves the deadline to t, or removes it if t is zero.
func (d *deadline) Set(t time.Time) {
	if t.IsZero() {
		d.SetTimeout(-1)
	} else {
		d.SetTimeout(max(0, time.Until(t)))
	}
}

// SetTimeout moves the deadline to timeout from now, or removes it if timeout
// is negative.
func (d *deadline) SetTimeout(timeout time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ch == nil {
		d.ch = make(chan struct{})
	}
	if d.timer != nil && !d.timer.Stop() {
		<-d.ch // the timer fired, wait for it to finish closing
	}
	d.timer = nil

	passed := isClosed(d.ch)
	if timeout == 0 {
		if !passed {
			close(d.ch)
		}
		return
	}
	if passed {
		d.ch = make(chan struct{})
	}
	if timeout > 0 {
		ch := d.ch
		d.timer = time.AfterFunc(timeout, func() { close(ch) })
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// closer runs a close function once and lets others observe that it has
// started. The zero value is ready to use.
type closer struct {
	chOnce    sync.Once
	ch        chan struct{}
	closeOnce sync.Once
	err       error
}

// Closed returns a channel which is closed as soon as Close is first called,
// before the close function runs.
func (c *closer) Closed() <-chan struct{} {
	c.chOnce.Do(func() { c.ch = make(chan struct{}) })
	return c.ch
}

// IsClosed reports whether Close has been called.
func (c *closer) IsClosed() bool {
	return isClosed(c.Closed())
}

// Close calls fn the first time it is called. Every call waits for fn and
// returns its error.
func (c *closer) Close(fn func() error) error {
	c.closeOnce.Do(func() {
		c.Closed()
		close(c.ch)
		if fn != nil {
			c.err = fn()
		}
	})
	return c.err
}
