package controller

import (
	"sync"

	"github.com/rigado/ll"
)

// outbox holds the notifications raised by the link layer until they are
// handed to the host handler, once the loop is done with the work that
// raised them.
type outbox struct {
	mtx       sync.Mutex
	cond      *sync.Cond
	queue     []ll.Notification
	posted    uint64
	delivered uint64
	kick      chan struct{}
}

func newOutbox() *outbox {
	o := &outbox{kick: make(chan struct{}, 1)}
	o.cond = sync.NewCond(&o.mtx)
	return o
}

func (o *outbox) post(n ll.Notification) {
	o.mtx.Lock()
	o.queue = append(o.queue, n)
	o.posted++
	o.mtx.Unlock()
}

// signal wakes the dispatcher.
func (o *outbox) signal() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

func (o *outbox) next() (ll.Notification, bool) {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	if len(o.queue) == 0 {
		return nil, false
	}
	n := o.queue[0]
	o.queue[0] = nil
	o.queue = o.queue[1:]
	return n, true
}

func (o *outbox) done() {
	o.mtx.Lock()
	o.delivered++
	o.cond.Broadcast()
	o.mtx.Unlock()
}

// deliver hands every queued notification to h, oldest first, including
// the ones h itself causes.
func (o *outbox) deliver(h ll.Handler) {
	for {
		n, ok := o.next()
		if !ok {
			return
		}
		h(n)
		o.done()
	}
}

// wait returns once everything posted so far has been delivered.
func (o *outbox) wait() {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	for target := o.posted; o.delivered < target; {
		o.cond.Wait()
	}
}
