// Package controller ties the link layer together: it takes the baseband
// interrupts, runs the scheduler's deferred processing, serialises host
// requests with it and routes what the scheduler reports to the link
// manager or to the link concerned.
package controller

import (
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/ll"
	"github.com/rigado/ll/config"
	"github.com/rigado/ll/dx"
	"github.com/rigado/ll/exch"
	"github.com/rigado/ll/llc"
	"github.com/rigado/ll/lm"
	"github.com/rigado/ll/regio"
	"github.com/rigado/ll/sched"
)

// maxHandle bounds connection handles [Vol 2, Part E, 5.3.1].
const maxHandle = 0x0EFF

type Option func(*Controller)

// WithClock replaces the hardware time counter.
func WithClock(c sched.Clock) Option {
	return func(ctl *Controller) {
		ctl.clock = c
	}
}

// WithRand seeds every random choice the link layer makes.
func WithRand(r *rand.Rand) Option {
	return func(ctl *Controller) {
		ctl.rand = r
	}
}

func WithLogger(l ll.Logger) Option {
	return func(ctl *Controller) {
		ctl.log = l
	}
}

// Controller is the link layer. Requests may come from any goroutine,
// including the handler, which is called once the work that raised a
// notification is over: from the caller of Sync or of the request without a
// loop, from a dispatch goroutine after Start. The handler must not call
// Start, Stop or Sync.
type Controller struct {
	cfg    config.Config
	io     regio.RegisterIO
	clock  sched.Clock
	rand   *rand.Rand
	log    ll.Logger
	notify ll.Handler
	out    *outbox

	s     *sched.Scheduler
	lm    *lm.Manager
	links map[uint16]*llc.Link
	// reserved handles belong to connections being established
	reserved map[uint16]bool

	pending uint32
	kick    chan struct{}
	q       taskQueue
	wg      sync.WaitGroup
}

// New builds the link layer on io. Nothing runs until Start, or until the
// caller drives it with Interrupt and Sync.
func New(c config.Config, io regio.RegisterIO, radio sched.Radio, h ll.Handler, opts ...Option) (*Controller, error) {
	if err := c.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	ctl := &Controller{
		cfg:      c,
		io:       io,
		notify:   h,
		links:    make(map[uint16]*llc.Link),
		reserved: make(map[uint16]bool),
		kick:     make(chan struct{}, 1),
		out:      newOutbox(),
	}
	for _, o := range opts {
		o(ctl)
	}
	if ctl.clock == nil {
		ctl.clock = sched.NewRegClock(io)
	}
	if ctl.rand == nil {
		ctl.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if ctl.log == nil {
		ctl.log = ll.Component("controller")
	}
	if ctl.notify == nil {
		ctl.notify = func(ll.Notification) {}
	}

	pool, err := exch.NewTxPool(io, c.TxDescCount)
	if err != nil {
		return nil, err
	}
	ring, err := exch.NewRxRing(io, c.RxDescCount)
	if err != nil {
		return nil, err
	}
	ctl.s = sched.New(sched.ConfigFrom(c), io, ctl.clock, radio, dx.New(pool, ring), ctl,
		sched.WithRand(ctl.rand))
	ctl.lm = lm.New(c, ctl.s, ctl, ctl.up, lm.WithRand(ctl.rand))

	if err := io.WriteField(regio.IntCntl, regio.IntCntl.Mask()); err != nil {
		return nil, errors.Wrap(err, "can't enable interrupts")
	}
	return ctl, nil
}

// Config returns the configuration the controller was built with.
func (c *Controller) Config() config.Config { return c.cfg }

func (c *Controller) up(n ll.Notification) {
	c.log.Debugf("%T %+v", n, n)
	c.out.post(n)
}

// link returns the live link carried by ev.
func (c *Controller) link(ev *sched.Event) *llc.Link {
	if ev == nil || !ev.Role.Connected() {
		return nil
	}
	l := c.links[ev.Link]
	if l == nil || l.Closed() {
		return nil
	}
	return l
}

// reap forgets the links that closed.
func (c *Controller) reap() {
	for h, l := range c.links {
		if l.Closed() {
			delete(c.links, h)
			c.log.Debugf("link %#04x released", h)
		}
	}
}

// Rx routes a received PDU. What arrives on an event nobody owns any more is
// a leftover of a cancelled event and is dropped.
func (c *Controller) Rx(ev *sched.Event, d exch.RxDesc) {
	if c.lm.Owns(ev) {
		c.lm.Rx(ev, d)
		return
	}
	if l := c.link(ev); l != nil {
		l.Rx(ev, d)
		return
	}
	c.log.Debugf("%v: rx after cancellation dropped", ev)
}

func (c *Controller) TxConfirmed(ev *sched.Event, done []dx.TxConfirm) {
	if c.lm.Owns(ev) {
		c.lm.TxConfirmed(ev, done)
		return
	}
	if l := c.link(ev); l != nil {
		l.TxConfirmed(ev, done)
	}
}

func (c *Controller) Acked(ev *sched.Event) {
	if l := c.link(ev); l != nil {
		l.Acked(ev)
	}
}

func (c *Controller) InstantReached(ev, prev *sched.Event) {
	if l := c.link(ev); l != nil {
		l.InstantReached(ev, prev)
	}
}

func (c *Controller) Completed(ev *sched.Event, st ll.Status) {
	if c.lm.Owns(ev) {
		c.lm.Completed(ev, st)
	}
}

func (c *Controller) Timeout(ev *sched.Event, st ll.Status) {
	if l := c.link(ev); l != nil {
		l.Timeout(ev, st)
	}
}

// AllocLink reserves the lowest free connection handle.
func (c *Controller) AllocLink() (uint16, error) {
	if len(c.links)+len(c.reserved) >= c.cfg.MaxConnections {
		return 0, errors.Wrapf(ll.StatusConnLimitExceeded, "%d links", c.cfg.MaxConnections)
	}
	for h := uint16(0); h <= maxHandle; h++ {
		if _, ok := c.links[h]; ok || c.reserved[h] {
			continue
		}
		c.reserved[h] = true
		return h, nil
	}
	return 0, errors.Wrap(ll.StatusConnLimitExceeded, "no free handle")
}

func (c *Controller) ReleaseLink(h uint16) {
	delete(c.reserved, h)
}

// Connected starts the link the link manager just established.
func (c *Controller) Connected(ev *sched.Event, role ll.Role, peer ll.DeviceAddr, ind sched.ConnInd) {
	delete(c.reserved, ev.Link)
	l := llc.New(c.cfg, c.s, ev, role, peer, ind, c.up,
		llc.WithRand(c.rand),
		llc.WithLogger(c.log.ChildLogger(map[string]interface{}{"handle": ev.Link})))
	c.links[ev.Link] = l
	l.Start()
}
