// Package lm is the link manager: it runs the advertiser, scanner, initiator
// and RF test roles, filters what they receive, and hands new connections
// over to the controller.
package lm

import (
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/ll"
	"github.com/rigado/ll/config"
	"github.com/rigado/ll/dx"
	"github.com/rigado/ll/exch"
	"github.com/rigado/ll/sched"
)

// Connector is the controller side of connection establishment.
type Connector interface {
	// AllocLink reserves a connection handle.
	AllocLink() (uint16, error)
	// ReleaseLink gives back a handle whose connection never came up.
	ReleaseLink(h uint16)
	// Connected hands over ev, which now carries link ev.Link.
	Connected(ev *sched.Event, role ll.Role, peer ll.DeviceAddr, ind sched.ConnInd)
}

type Option func(*Manager)

func WithRand(r *rand.Rand) Option {
	return func(m *Manager) {
		m.rand = r
	}
}

func WithLogger(l ll.Logger) Option {
	return func(m *Manager) {
		m.log = l
	}
}

// Manager owns the non-connected roles. It is driven from the controller
// loop only.
type Manager struct {
	cfg    config.Config
	s      *sched.Scheduler
	conn   Connector
	notify ll.Handler
	rand   *rand.Rand
	log    ll.Logger

	whitelist *Whitelist
	dup       *DupFilter
	aa        *AccessAddrGen
	chmap     sched.ChannelMap

	adv  advertiser
	scan scanner
	init initiator
	test rfTest
}

func New(c config.Config, s *sched.Scheduler, conn Connector, h ll.Handler, opts ...Option) *Manager {
	m := &Manager{
		cfg:       c,
		s:         s,
		conn:      conn,
		notify:    h,
		whitelist: NewWhitelist(c.WhitelistSize),
		dup:       NewDupFilter(c.DupFilterSize),
		chmap:     sched.ChannelMapAll,
		adv:       advertiser{params: ll.DefaultAdvParams()},
		scan:      scanner{params: ll.DefaultScanParams()},
	}
	for _, o := range opts {
		o(m)
	}
	if m.rand == nil {
		m.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if m.log == nil {
		m.log = ll.Component("lm")
	}
	m.aa = NewAccessAddrGen(m.rand)
	return m
}

func (m *Manager) push(ev *sched.Event, bufs ...exch.Buffer) error {
	for _, b := range bufs {
		if err := m.s.Driver().TxPush(&ev.Queues, b); err != nil {
			return errors.Wrapf(err, "can't queue %s", PDUName(b.Type))
		}
	}
	return nil
}

// drop deletes an event the manager no longer wants.
func (m *Manager) drop(ev *sched.Event) {
	if err := m.s.Delete(ev, true); err != nil {
		m.log.Errorf("can't delete %v: %v", ev, err)
	}
}

// Owns reports whether ev is one of the manager's live events.
func (m *Manager) Owns(ev *sched.Event) bool {
	return ev != nil && (ev == m.adv.ev || ev == m.scan.ev || ev == m.init.ev || ev == m.test.ev)
}

// Rx dispatches a PDU received by one of the manager's events.
func (m *Manager) Rx(ev *sched.Event, d exch.RxDesc) {
	switch ev {
	case m.adv.ev:
		m.advRx(ev, d)
	case m.scan.ev:
		m.scanRx(ev, d)
	case m.init.ev:
		m.initRx(ev, d)
	case m.test.ev:
		m.testRx(ev, d)
	default:
		m.log.Debugf("%v: dropping %s received after stop", ev, PDUName(d.Type))
	}
}

// TxConfirmed handles buffers hardware reports as sent.
func (m *Manager) TxConfirmed(ev *sched.Event, done []dx.TxConfirm) {
	for _, c := range done {
		if c.Tag == tagConnectReq && ev == m.init.ev {
			m.connectSent(ev)
			return
		}
	}
}

// Completed handles the end of a non-periodic role.
func (m *Manager) Completed(ev *sched.Event, st ll.Status) {
	if ev == m.adv.ev {
		m.advCompleted(st)
	}
}

// SetChannelMap sets the data channels used by new connections.
func (m *Manager) SetChannelMap(cm sched.ChannelMap) error {
	if !cm.Valid() {
		return errors.Wrapf(ll.StatusInvalidParams, "channel map %v", cm)
	}
	m.chmap = cm
	return nil
}

func (m *Manager) ChannelMap() sched.ChannelMap { return m.chmap }

func (m *Manager) whitelistInUse() bool {
	return m.adv.ev != nil && m.adv.params.FilterPolicy != ll.FilterPolicyAcceptAll ||
		m.scan.ev != nil && m.scan.params.FilterPolicy != ll.FilterPolicyAcceptAll ||
		m.init.ev != nil && m.init.params.FilterPolicy != ll.FilterPolicyAcceptAll
}

// WhitelistAdd adds a device; the list can't change while a role filters on
// it.
func (m *Manager) WhitelistAdd(a ll.DeviceAddr) error {
	if m.whitelistInUse() {
		return errors.Wrap(ll.ErrBusy, "whitelist in use")
	}
	return m.whitelist.Add(a)
}

func (m *Manager) WhitelistRemove(a ll.DeviceAddr) error {
	if m.whitelistInUse() {
		return errors.Wrap(ll.ErrBusy, "whitelist in use")
	}
	return m.whitelist.Remove(a)
}

func (m *Manager) WhitelistClear() error {
	if m.whitelistInUse() {
		return errors.Wrap(ll.ErrBusy, "whitelist in use")
	}
	m.whitelist.Clear()
	return nil
}

func (m *Manager) Whitelist() *Whitelist { return m.whitelist }
