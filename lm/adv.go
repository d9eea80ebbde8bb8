package lm

import (
	"github.com/pkg/errors"
	"github.com/rigado/ll"
	"github.com/rigado/ll/exch"
	"github.com/rigado/ll/sched"
)

const (
	// radio time of one advertising event on up to three channels, slots
	advDuration = 2
	// high duty cycle directed advertising interval, slots
	directInterval = 6
)

type advertiser struct {
	params ll.AdvParams
	ev     *sched.Event
}

func advPDUType(t ll.AdvType) uint8 {
	switch t {
	case ll.AdvDirectIndHigh, ll.AdvDirectIndLow:
		return PDUAdvDirectInd
	case ll.AdvScanInd:
		return PDUAdvScanInd
	case ll.AdvNonconnInd:
		return PDUAdvNonconnInd
	}
	return PDUAdvInd
}

func scannable(t ll.AdvType) bool {
	return t == ll.AdvInd || t == ll.AdvScanInd
}

func connectable(t ll.AdvType) bool {
	return t == ll.AdvInd || t == ll.AdvDirectIndHigh || t == ll.AdvDirectIndLow
}

func directed(t ll.AdvType) bool {
	return t == ll.AdvDirectIndHigh || t == ll.AdvDirectIndLow
}

// SetAdvParams replaces the advertising parameters, keeping the current data.
func (m *Manager) SetAdvParams(p ll.AdvParams) error {
	if m.adv.ev != nil {
		return errors.Wrap(ll.ErrBusy, "advertising")
	}
	if p.Data == nil {
		p.Data = m.adv.params.Data
	}
	if p.ScanResp == nil {
		p.ScanResp = m.adv.params.ScanResp
	}
	if err := ll.ValidateAdvParams(p); err != nil {
		return errors.Wrap(ll.StatusInvalidParams, err.Error())
	}
	m.adv.params = p
	return nil
}

func (m *Manager) AdvParams() ll.AdvParams { return m.adv.params }

// SetAdvData replaces the advertising data; a running advertiser sends it
// from its next event on.
func (m *Manager) SetAdvData(data []byte) error {
	p := m.adv.params
	p.Data = append([]byte{}, data...)
	return m.updateAdv(p)
}

func (m *Manager) SetScanResp(data []byte) error {
	p := m.adv.params
	p.ScanResp = append([]byte{}, data...)
	return m.updateAdv(p)
}

func (m *Manager) updateAdv(p ll.AdvParams) error {
	if err := ll.ValidateAdvParams(p); err != nil {
		return errors.Wrap(ll.StatusInvalidParams, err.Error())
	}
	m.adv.params = p
	if m.adv.ev == nil {
		return nil
	}
	return m.push(m.adv.ev, m.advBuffers()...)
}

func (m *Manager) advBuffers() []exch.Buffer {
	p := m.adv.params
	if directed(p.Type) {
		return []exch.Buffer{twoAddrBuffer(PDUAdvDirectInd, p.OwnAddr, p.DirectAddr, tagAdv)}
	}
	bufs := []exch.Buffer{advBuffer(advPDUType(p.Type), p.OwnAddr, p.Data, tagAdv)}
	if scannable(p.Type) {
		bufs = append(bufs, advBuffer(PDUScanRsp, p.OwnAddr, p.ScanResp, tagScanRsp))
	}
	return bufs
}

func (m *Manager) Advertising() bool { return m.adv.ev != nil }

func (m *Manager) StartAdvertising() error {
	if m.adv.ev != nil {
		return errors.Wrap(ll.ErrBusy, "already advertising")
	}
	if m.test.ev != nil {
		return errors.Wrap(ll.ErrBusy, "rf test running")
	}
	p := m.adv.params

	role := sched.RoleAdvertiser
	min, max := uint32(p.IntervalMin), uint32(p.IntervalMax)
	if p.Type == ll.AdvDirectIndHigh {
		role = sched.RoleDirectAdvertiser
		min, max = directInterval, directInterval
	}
	ev, err := m.s.Create(role, ll.NoHandle, advDuration, min, max, 0)
	if err != nil {
		return errors.Wrap(err, "can't start advertising")
	}
	ev.AdvChannels = p.ChannelMap
	ev.TxPower = m.cfg.TxPower
	if p.Type == ll.AdvDirectIndHigh {
		m.s.SetDeadline(ev, sched.DirectedAdvTimeout)
	}
	m.adv.ev = ev
	if err := m.push(ev, m.advBuffers()...); err != nil {
		m.adv.ev = nil
		m.drop(ev)
		return err
	}
	m.log.Infof("advertising %s as %v every %d slots", PDUName(advPDUType(p.Type)), p.OwnAddr, ev.Interval)
	return nil
}

// StopAdvertising is a no-op when not advertising.
func (m *Manager) StopAdvertising() error {
	ev := m.adv.ev
	if ev == nil {
		return nil
	}
	m.adv.ev = nil
	m.drop(ev)
	m.log.Info("advertising stopped")
	return nil
}

func (m *Manager) advCompleted(st ll.Status) {
	p := m.adv.params
	m.adv.ev = nil
	if st != ll.StatusDirectedAdvTimeout {
		return
	}
	m.log.Info("directed advertising timed out")
	m.notify(ll.ConnectionComplete{
		Status:     st,
		ConnHandle: ll.NoHandle,
		Role:       ll.RoleSlave,
		Peer:       p.DirectAddr,
	})
}

// accepts applies the advertising filter policy; bit 0 covers scan
// requests, bit 1 connection requests.
func (m *Manager) accepts(peer ll.DeviceAddr, connect bool) bool {
	bit := uint8(0x01)
	if connect {
		bit = 0x02
	}
	if m.adv.params.FilterPolicy&bit == 0 {
		return true
	}
	return m.whitelist.Contains(peer)
}

func (m *Manager) advRx(ev *sched.Event, d exch.RxDesc) {
	if !d.Valid() {
		return
	}
	p := m.adv.params
	adva, err := AdvAddr(d)
	if err != nil || adva != p.OwnAddr {
		return
	}
	peer, err := PeerAddr(d)
	if err != nil {
		m.log.Debugf("advertiser: %v", err)
		return
	}

	switch d.Type {
	case PDUScanReq:
		if scannable(p.Type) && m.accepts(peer, false) {
			m.notify(ll.ScanRequestReceived{Scanner: peer})
		}
	case PDUConnectReq:
		if !connectable(p.Type) {
			return
		}
		if directed(p.Type) {
			if peer != p.DirectAddr {
				return
			}
		} else if !m.accepts(peer, true) {
			return
		}
		m.acceptConnection(ev, d)
	}
}

// acceptConnection turns the advertising event into the slave event of a
// new link. A request that can't be honoured is ignored and advertising
// goes on.
func (m *Manager) acceptConnection(ev *sched.Event, d exch.RxDesc) {
	req, err := ParseConnectReq(d)
	if err == nil {
		err = req.Ind.Validate()
	}
	if err != nil {
		m.log.Warnf("ignoring connection request: %v", err)
		return
	}
	link, err := m.conn.AllocLink()
	if err != nil {
		m.log.Warnf("ignoring connection request from %v: %v", req.InitA, err)
		return
	}
	ref := sched.Add(d.Time, sched.TransmitWindowDelay)
	if err := m.s.MoveToSlave(ev, link, req.Ind, ref); err != nil {
		m.conn.ReleaseLink(link)
		m.log.Warnf("can't connect to %v: %v", req.InitA, err)
		return
	}
	m.adv.ev = nil
	m.log.Infof("connection request from %v, link %#04x", req.InitA, link)
	m.conn.Connected(ev, ll.RoleSlave, req.InitA, req.Ind)
}
