package controller

import (
	"sync"

	"github.com/pkg/errors"
)

// errInactive is returned for requests made while the loop isn't running.
var errInactive = errors.New("controller loop not running")

type action struct {
	fn func() error
	ch chan error
}

// taskQueue hands requests to the controller loop, which runs them between
// bottom halves.
type taskQueue struct {
	mtx    sync.Mutex
	actCh  chan action
	stopCh chan struct{}
	active bool
}

func (q *taskQueue) start(depth int) error {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	if q.active {
		return errors.New("controller loop started twice")
	}
	q.active = true
	q.actCh = make(chan action, depth)
	q.stopCh = make(chan struct{})
	return nil
}

func (q *taskQueue) isActive() bool {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return q.active
}

// enqueue pushes fn; its result comes back on the returned channel.
func (q *taskQueue) enqueue(fn func() error) chan error {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	act := action{fn: fn, ch: make(chan error, 1)}
	if !q.active {
		act.ch <- errInactive
		close(act.ch)
	} else {
		q.actCh <- act
	}
	return act.ch
}

// run enqueues fn and waits for it.
func (q *taskQueue) run(fn func() error) error {
	return <-q.enqueue(fn)
}

// stop fails every queued action with cause.
func (q *taskQueue) stop(cause error) error {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	if !q.active {
		return errors.New("controller loop stopped twice")
	}
	close(q.stopCh)
	close(q.actCh)
	for next := range q.actCh {
		next.ch <- cause
		close(next.ch)
	}
	q.active = false
	return nil
}
