// Package dx is the data exchange driver: it moves TX descriptors from
// "requested" to "programmed" and reconciles hardware completion with the
// per-event queues.
package dx

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/rigado/ll"
	"github.com/rigado/ll/exch"
)

// Queues is the per-event pair of TX lists.
type Queues struct {
	id     int
	ready  []int
	prog   []int
	looped bool
}

// NewQueues returns empty queues identified by id, unique among live events.
func NewQueues(id int) Queues {
	return Queues{id: id}
}

func (q *Queues) ID() int          { return q.id }
func (q *Queues) Ready() int       { return len(q.ready) }
func (q *Queues) Programmed() int  { return len(q.prog) }
func (q *Queues) Looped() bool     { return q.looped }
func (q *Queues) Pending() int     { return len(q.ready) + len(q.prog) }
func (q *Queues) ReadyList() []int { return append([]int(nil), q.ready...) }
func (q *Queues) ProgList() []int  { return append([]int(nil), q.prog...) }

// Head returns the first programmed descriptor, -1 if none.
func (q *Queues) Head() int {
	if len(q.prog) == 0 {
		return -1
	}
	return q.prog[0]
}

// TxConfirm is a descriptor acknowledged by hardware and returned to the pool.
type TxConfirm struct {
	Desc int
	exch.Buffer
}

// Driver reconciles queues with the shared pool and ring.
type Driver struct {
	pool *exch.TxPool
	ring *exch.RxRing
	log  ll.Logger
}

func New(pool *exch.TxPool, ring *exch.RxRing) *Driver {
	return &Driver{
		pool: pool,
		ring: ring,
		log:  ll.Component("dx"),
	}
}

func (d *Driver) Pool() *exch.TxPool { return d.pool }
func (d *Driver) Ring() *exch.RxRing { return d.ring }

// TxPush appends a buffer to the event's ready list. Nothing is handed to
// hardware until TxProg.
func (d *Driver) TxPush(q *Queues, buf exch.Buffer) error {
	i, err := d.pool.Alloc(q.id, buf)
	if err != nil {
		return err
	}
	q.ready = append(q.ready, i)
	return nil
}

// TxLoop chains the last programmed descriptor back to the first, so hardware
// repeats the chain every event until new data is pushed.
func (d *Driver) TxLoop(q *Queues) error {
	if len(q.prog) == 0 {
		return fmt.Errorf("queue %d: nothing programmed to loop", q.id)
	}
	if err := d.pool.Chain(q.prog[len(q.prog)-1], q.prog[0]); err != nil {
		return err
	}
	q.looped = true
	return nil
}

// TxProg moves every ready descriptor onto the programmed chain. A looped
// chain is replaced when new data is ready.
func (d *Driver) TxProg(q *Queues) error {
	if len(q.ready) == 0 {
		return nil
	}

	if q.looped {
		for _, i := range q.prog {
			if err := d.pool.Transfer(i, q.id, exch.Programmed, exch.Free); err != nil {
				return err
			}
		}
		q.prog = nil
		q.looped = false
	}

	if len(q.prog) > 0 {
		if err := d.pool.Chain(q.prog[len(q.prog)-1], q.ready[0]); err != nil {
			return err
		}
	}
	for n, i := range q.ready {
		next := -1
		if n+1 < len(q.ready) {
			next = q.ready[n+1]
		}
		if err := d.pool.Chain(i, next); err != nil {
			return err
		}
		if err := d.pool.Transfer(i, q.id, exch.Ready, exch.Programmed); err != nil {
			return err
		}
	}
	q.prog = append(q.prog, q.ready...)
	q.ready = nil
	return nil
}

// Check runs after an event or a receive interrupt. Unless rxOnly, programmed
// descriptors acknowledged by hardware go back to the pool first; then rxCount
// descriptors are taken from the RX ring and handed to rx in order.
func (d *Driver) Check(q *Queues, rxCount int, rxOnly bool, rx func(exch.RxDesc)) ([]TxConfirm, error) {
	var confirmed []TxConfirm

	if !rxOnly && !q.looped {
		for len(q.prog) > 0 {
			i := q.prog[0]
			done, err := d.pool.Done(i)
			if err != nil {
				return confirmed, err
			}
			if !done {
				break
			}
			buf := d.pool.Desc(i).Buffer
			if err := d.pool.Transfer(i, q.id, exch.Programmed, exch.Free); err != nil {
				return confirmed, err
			}
			q.prog = q.prog[1:]
			confirmed = append(confirmed, TxConfirm{Desc: i, Buffer: buf})
		}
	}

	for n := 0; n < rxCount; n++ {
		desc, err := d.ring.Read(d.ring.Current())
		if err != nil {
			return confirmed, err
		}
		if err := d.ring.Advance(); err != nil {
			return confirmed, err
		}
		if rx != nil {
			rx(desc)
		}
	}
	return confirmed, nil
}

// TxFlush returns every descriptor held by q to the pool.
func (d *Driver) TxFlush(q *Queues) (int, error) {
	n := 0
	for _, i := range q.ready {
		if err := d.pool.Transfer(i, q.id, exch.Ready, exch.Free); err != nil {
			return n, err
		}
		n++
	}
	for _, i := range q.prog {
		if err := d.pool.Transfer(i, q.id, exch.Programmed, exch.Free); err != nil {
			return n, err
		}
		n++
	}
	q.ready = nil
	q.prog = nil
	q.looped = false
	return n, nil
}

// Conserved checks that every descriptor is in exactly one of the free list
// and the given queues, and that the pool agrees on where it is.
func (d *Driver) Conserved(qs ...*Queues) error {
	if err := d.pool.Check(); err != nil {
		return err
	}

	seen := make(map[int]string)
	mark := func(i int, where string) error {
		if w, ok := seen[i]; ok {
			return fmt.Errorf("tx descriptor %d in %s and %s", i, w, where)
		}
		seen[i] = where
		return nil
	}
	for _, q := range qs {
		for _, i := range q.ready {
			if err := mark(i, fmt.Sprintf("ready/%d", q.id)); err != nil {
				return err
			}
			if o := d.pool.Desc(i).Owner(); o != exch.Ready {
				return fmt.Errorf("tx descriptor %d in ready/%d but pool says %v", i, q.id, o)
			}
		}
		for _, i := range q.prog {
			if err := mark(i, fmt.Sprintf("programmed/%d", q.id)); err != nil {
				return err
			}
			if o := d.pool.Desc(i).Owner(); o != exch.Programmed {
				return fmt.Errorf("tx descriptor %d in programmed/%d but pool says %v", i, q.id, o)
			}
		}
	}

	if total := len(seen) + d.pool.Available(); total != d.pool.Size() {
		return errors.Errorf("descriptor count %d != pool size %d", total, d.pool.Size())
	}
	return nil
}
