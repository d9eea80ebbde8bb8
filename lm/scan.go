package lm

import (
	"github.com/pkg/errors"
	"github.com/rigado/ll"
	"github.com/rigado/ll/exch"
	"github.com/rigado/ll/sched"
)

type scanner struct {
	params ll.ScanParams
	ev     *sched.Event
	// reports the duplicate filter could not record
	overflow int
}

func (m *Manager) SetScanParams(p ll.ScanParams) error {
	if m.scan.ev != nil {
		return errors.Wrap(ll.ErrBusy, "scanning")
	}
	if err := ll.ValidateScanParams(p); err != nil {
		return errors.Wrap(ll.StatusInvalidParams, err.Error())
	}
	m.scan.params = p
	return nil
}

func (m *Manager) ScanParams() ll.ScanParams { return m.scan.params }

func (m *Manager) Scanning() bool { return m.scan.ev != nil }

// StartScanning listens for one window every interval. Duplicate filtering,
// when asked for, starts empty.
func (m *Manager) StartScanning(filterDuplicates bool) error {
	if m.scan.ev != nil {
		return errors.Wrap(ll.ErrBusy, "already scanning")
	}
	if m.test.ev != nil {
		return errors.Wrap(ll.ErrBusy, "rf test running")
	}
	p := m.scan.params
	p.FilterDuplicates = filterDuplicates

	role := sched.RolePassiveScanner
	if p.Active {
		role = sched.RoleActiveScanner
	}
	ev, err := m.s.Create(role, ll.NoHandle, uint32(p.Window), uint32(p.Interval), uint32(p.Interval), 0)
	if err != nil {
		return errors.Wrap(err, "can't start scanning")
	}
	ev.TxPower = m.cfg.TxPower
	if p.Active {
		// the advertiser address is filled in by hardware
		req := twoAddrBuffer(PDUScanReq, p.OwnAddr, ll.DeviceAddr{}, tagScanReq)
		if err := m.push(ev, req); err != nil {
			m.drop(ev)
			return err
		}
	}
	m.dup.Reset()
	m.scan.overflow = 0
	m.scan.params = p
	m.scan.ev = ev
	m.log.Infof("%v: window %d every %d slots", role, p.Window, p.Interval)
	return nil
}

// DupOverflows counts the reports of the current scan that the duplicate
// filter had no room for.
func (m *Manager) DupOverflows() int { return m.scan.overflow }

func (m *Manager) StopScanning() error {
	ev := m.scan.ev
	if ev == nil {
		return nil
	}
	m.scan.ev = nil
	m.drop(ev)
	m.log.Info("scanning stopped")
	return nil
}

func (m *Manager) scanRx(ev *sched.Event, d exch.RxDesc) {
	if !d.Valid() {
		return
	}
	p := m.scan.params

	switch d.Type {
	case PDUAdvInd, PDUAdvNonconnInd, PDUAdvScanInd, PDUScanRsp:
	case PDUAdvDirectInd:
		target, err := PeerAddr(d)
		if err != nil || target != p.OwnAddr {
			return
		}
	default:
		return
	}

	addr, err := AdvAddr(d)
	if err != nil {
		m.log.Debugf("scanner: %v", err)
		return
	}
	if p.FilterPolicy == ll.FilterPolicyAcceptWhitelist && !m.whitelist.Contains(addr) {
		return
	}
	if p.FilterDuplicates {
		report, err := m.dup.Check(addr, d.Type)
		if err != nil {
			if m.scan.overflow == 0 {
				m.log.Warnf("scanner: %v", err)
				m.notify(ll.ScanFilterFull{Status: ll.StatusOf(err), Size: m.cfg.DupFilterSize})
			}
			m.scan.overflow++
		}
		if !report {
			return
		}
	}
	m.notify(ll.AdvertisingReport{
		EventType: d.Type,
		Addr:      addr,
		Data:      AdvData(d),
		RSSI:      d.RSSI,
	})
}
