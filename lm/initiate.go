package lm

import (
	"github.com/pkg/errors"
	"github.com/rigado/ll"
	"github.com/rigado/ll/exch"
	"github.com/rigado/ll/sched"
)

// transmit window offered in every CONNECT_REQ, 1.25ms units
const connWinSize = 2

type initiator struct {
	params  ll.ConnParams
	ev      *sched.Event
	link    uint16
	req     ConnectReq
	lastAdv ll.DeviceAddr
}

func (m *Manager) Initiating() bool { return m.init.ev != nil }

// CreateConnection starts initiating. The link handle is reserved now and
// given back if the attempt is cancelled.
func (m *Manager) CreateConnection(p ll.ConnParams) error {
	if m.init.ev != nil {
		return errors.Wrap(ll.ErrBusy, "connection attempt in progress")
	}
	if m.test.ev != nil {
		return errors.Wrap(ll.ErrBusy, "rf test running")
	}
	if err := ll.ValidateConnParams(p); err != nil {
		return errors.Wrap(ll.StatusInvalidParams, err.Error())
	}

	aa, err := m.aa.Next()
	if err != nil {
		return err
	}
	ind := sched.ConnInd{
		AccessAddr: aa,
		CRCInit:    uint32(m.rand.Intn(1 << 24)),
		WinSize:    connWinSize,
		Interval:   p.IntervalMin,
		Latency:    p.Latency,
		Timeout:    p.SupervisionTimeout,
		ChMap:      m.chmap,
		Hop:        uint8(sched.HopMin + m.rand.Intn(sched.HopMax-sched.HopMin+1)),
		SCA:        sched.SCACode(m.cfg.SleepClockAccuracy),
	}
	if err := ind.Validate(); err != nil {
		return errors.Wrap(ll.StatusInvalidParams, err.Error())
	}

	link, err := m.conn.AllocLink()
	if err != nil {
		return err
	}
	ev, err := m.s.Create(sched.RoleInitiator, link, uint32(p.ScanWindow), uint32(p.ScanInterval), uint32(p.ScanInterval), 0)
	if err != nil {
		m.conn.ReleaseLink(link)
		return errors.Wrap(err, "can't start initiating")
	}
	ev.TxPower = m.cfg.TxPower

	req := ConnectReq{InitA: p.OwnAddr, AdvA: p.Peer, Ind: ind}
	if err := m.push(ev, req.Buffer()); err != nil {
		m.drop(ev)
		m.conn.ReleaseLink(link)
		return err
	}
	m.init = initiator{params: p, ev: ev, link: link, req: req}
	m.log.Infof("connecting to %v, link %#04x aa %08x", p.Peer, link, aa)
	return nil
}

// CancelConnection stops initiating and reports the attempt as failed.
func (m *Manager) CancelConnection() error {
	ev := m.init.ev
	if ev == nil {
		return errors.Wrap(ll.ErrBusy, "no connection attempt")
	}
	m.init.ev = nil
	m.drop(ev)
	m.conn.ReleaseLink(m.init.link)
	m.notify(ll.ConnectionComplete{
		Status:     ll.StatusUnknownConnID,
		ConnHandle: ll.NoHandle,
		Role:       ll.RoleMaster,
		Peer:       m.init.params.Peer,
	})
	return nil
}

// initRx remembers the last advertiser the hardware may have answered; with
// the whitelist policy it is the only way to learn the peer.
func (m *Manager) initRx(ev *sched.Event, d exch.RxDesc) {
	if !d.Valid() || (d.Type != PDUAdvInd && d.Type != PDUAdvDirectInd) {
		return
	}
	addr, err := AdvAddr(d)
	if err != nil {
		return
	}
	if m.init.params.FilterPolicy == ll.FilterPolicyAcceptWhitelist {
		if m.whitelist.Contains(addr) {
			m.init.lastAdv = addr
		}
		return
	}
	if addr == m.init.params.Peer {
		m.init.lastAdv = addr
	}
}

// connectSent runs once the CONNECT_REQ is on air: the initiating event
// becomes the master event of the link.
func (m *Manager) connectSent(ev *sched.Event) {
	in := m.init
	m.init.ev = nil

	peer := in.req.AdvA
	if in.params.FilterPolicy == ll.FilterPolicyAcceptWhitelist {
		peer = in.lastAdv
	}
	ref := sched.Add(ev.RxTime, sched.TransmitWindowDelay)
	if err := m.s.MoveToMaster(ev, in.link, in.req.Ind, ref); err != nil {
		m.log.Errorf("can't become master of %v: %v", peer, err)
		m.drop(ev)
		m.conn.ReleaseLink(in.link)
		m.notify(ll.ConnectionComplete{
			Status:     ll.StatusOf(err),
			ConnHandle: ll.NoHandle,
			Role:       ll.RoleMaster,
			Peer:       peer,
		})
		return
	}
	m.log.Infof("connection request sent to %v, link %#04x", peer, in.link)
	m.conn.Connected(ev, ll.RoleMaster, peer, in.req.Ind)
}
