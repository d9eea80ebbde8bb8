package controller

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rigado/ll"
	"github.com/rigado/ll/regio"
)

// Deferred work armed by the interrupt top half.
const (
	kevRx uint32 = 1 << iota
	kevEnd
	kevWake
	kevError
)

const taskDepth = 16

// Interrupt is the top half: it acknowledges what the baseband raised and
// arms the matching bottom halves. It may be called from any goroutine.
func (c *Controller) Interrupt() {
	st, err := c.io.ReadField(regio.IntStat)
	if err != nil {
		c.log.Errorf("can't read interrupt status: %v", err)
		return
	}
	if st == 0 {
		return
	}
	if err := c.io.WriteField(regio.IntAck, st); err != nil {
		c.log.Errorf("can't acknowledge interrupts: %v", err)
	}

	var k uint32
	if st&regio.IntRx != 0 {
		k |= kevRx
	}
	if st&regio.IntEnd != 0 {
		k |= kevEnd
	}
	if st&regio.IntWake != 0 {
		k |= kevWake
	}
	if st&regio.IntError != 0 {
		k |= kevError
	}
	if k == 0 {
		return
	}
	for {
		old := atomic.LoadUint32(&c.pending)
		if atomic.CompareAndSwapUint32(&c.pending, old, old|k) {
			break
		}
	}
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// bottomHalves runs the armed deferred work: received PDUs before the end
// of event, the end of event before a wake up.
func (c *Controller) bottomHalves() {
	k := atomic.SwapUint32(&c.pending, 0)
	if k == 0 {
		return
	}
	if k&kevRx != 0 {
		if err := c.s.OnReceive(); err != nil {
			c.fault(err)
		}
	}
	if k&kevEnd != 0 {
		if err := c.s.EndOfEvent(); err != nil {
			c.fault(err)
		}
	}
	if k&kevWake != 0 {
		if err := c.s.Schedule(); err != nil {
			c.fault(err)
		}
	}
	if k&kevError != 0 {
		c.hardwareError()
	}
	c.reap()
}

func (c *Controller) fault(err error) {
	c.log.Errorf("deferred processing: %v", err)
}

func (c *Controller) hardwareError() {
	code, err := c.io.ReadField(regio.ErrorStat)
	if err != nil {
		c.log.Errorf("can't read error status: %v", err)
	}
	c.log.Errorf("hardware error 0x%02X", code)
	c.up(ll.HardwareError{Code: uint8(code)})
}

// Start runs the controller loop in its own goroutine, and the handler in
// another.
func (c *Controller) Start() error {
	if err := c.q.start(taskDepth); err != nil {
		return err
	}
	actCh, stopCh := c.q.actCh, c.q.stopCh
	loopDone := make(chan struct{})

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		defer close(loopDone)
		for {
			select {
			case <-c.kick:
				c.bottomHalves()
				c.out.signal()

			case act, ok := <-actCh:
				if !ok {
					return
				}
				c.bottomHalves()
				err := act.fn()
				c.reap()
				c.out.signal()
				act.ch <- err
				close(act.ch)

			case <-stopCh:
				return
			}
		}
	}()

	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.out.kick:
				c.out.deliver(c.notify)
			case <-loopDone:
				c.out.deliver(c.notify)
				return
			}
		}
	}()
	return nil
}

// Stop ends the loop; queued requests fail. Pending notifications are
// delivered before it returns.
func (c *Controller) Stop() error {
	if err := c.q.stop(errors.Wrap(errInactive, "stopped")); err != nil {
		return err
	}
	c.wg.Wait()
	return nil
}

// Sync returns once every interrupt taken so far has been processed and its
// notifications delivered.
func (c *Controller) Sync() {
	if c.q.isActive() {
		if err := c.q.run(func() error { return nil }); err != nil {
			c.log.Debugf("sync: %v", err)
		}
		c.out.wait()
		return
	}
	c.bottomHalves()
	c.out.deliver(c.notify)
}

// do runs fn in the controller loop, or inline when there is none.
func (c *Controller) do(fn func() error) error {
	if c.q.isActive() {
		return c.q.run(fn)
	}
	c.bottomHalves()
	err := fn()
	c.reap()
	c.out.deliver(c.notify)
	return err
}
