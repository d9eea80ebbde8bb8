package llc

import (
	"github.com/pkg/errors"
	"github.com/rigado/ll"
	"github.com/rigado/ll/sched"
)

func (l *Link) instantPending() bool {
	return l.env.Update == UpdateInstant || l.env.Map != MapNone
}

// Update changes the connection parameters. The master schedules the update
// itself; the slave asks the master with LL_CONNECTION_PARAM_REQ.
func (l *Link) Update(p ll.UpdateParams) error {
	if err := l.usable(); err != nil {
		return err
	}
	if err := ll.ValidateUpdateParams(p); err != nil {
		return errors.Wrap(ll.StatusInvalidParams, err.Error())
	}
	if l.env.Update != UpdateNone || l.instantPending() {
		return errors.Wrap(ll.ErrBusy, "update in progress")
	}

	if l.env.Role == ll.RoleMaster {
		l.env.Update = UpdateHost
		if err := l.masterUpdate(p.IntervalMin, p.IntervalMax, p.Latency, p.SupervisionTimeout); err != nil {
			l.env.Update = UpdateNone
			return err
		}
		return nil
	}

	req := ConnParamReq{ConnParams{
		IntervalMin: p.IntervalMin,
		IntervalMax: p.IntervalMax,
		Latency:     p.Latency,
		Timeout:     p.SupervisionTimeout,
		RefCounter:  l.ev.Counter,
	}}
	for i := range req.Offsets {
		req.Offsets[i] = 0xFFFF
	}
	if err := l.sendCtrl(req, tagCtrl); err != nil {
		return err
	}
	l.env.Update = UpdateHost
	l.env.updateEvtSent = false
	l.startProc()
	return nil
}

// masterUpdate builds the replacement event and announces it.
func (l *Link) masterUpdate(min, max, latency, timeout uint16) error {
	if err := l.hasBuffer(); err != nil {
		return err
	}
	nw, ind, err := l.s.UpdateCreate(l.ev, min, max, latency)
	if err != nil {
		return err
	}
	ind.Timeout = timeout
	l.s.SetSupervision(nw, timeout+l.s.TimeoutCompensation(latency))
	if err := l.sendCtrl(ConnUpdateReq{ind}, tagCtrl); err != nil {
		return err
	}
	l.env.Update = UpdateInstant
	l.env.updateEvtSent = false
	l.env.next = Params{Interval: ind.Interval, Latency: latency, Timeout: timeout}
	return nil
}

func (l *Link) peerUpdate(v ConnUpdateReq) {
	if l.env.Role != ll.RoleSlave {
		l.reply(UnknownRsp{Type: OpConnUpdateReq})
		return
	}
	if _, err := l.s.UpdateFromPeer(l.ev, v.UpdateInd); err != nil {
		if errors.Cause(err) == ll.StatusInstantPassed {
			l.log.Warn(err)
			l.close(ll.StatusInstantPassed)
			return
		}
		l.log.Warnf("update ignored: %v", err)
		return
	}
	if l.env.Update != UpdateHost {
		l.env.updateEvtSent = false
	}
	l.env.Update = UpdateInstant
	l.env.next = Params{Interval: v.Interval, Latency: v.Latency, Timeout: v.Timeout}
	if v.Timeout == 0 {
		l.env.next.Timeout = l.env.Params.Timeout
	}
	l.endProc()
}

// peerParamReq answers a slave's request on the master.
func (l *Link) peerParamReq(v ConnParamReq) {
	if l.env.Role != ll.RoleMaster {
		l.reply(UnknownRsp{Type: OpConnParamReq})
		return
	}
	if l.env.Update != UpdateNone || l.instantPending() {
		l.reply(RejectInd{Reason: ll.StatusTransactionCollision})
		return
	}
	p := ll.UpdateParams{
		IntervalMin:        v.IntervalMin,
		IntervalMax:        v.IntervalMax,
		Latency:            v.Latency,
		SupervisionTimeout: v.Timeout,
	}
	if err := ll.ValidateUpdateParams(p); err != nil {
		l.log.Warnf("peer parameters rejected: %v", err)
		l.reply(RejectInd{Reason: ll.StatusUnacceptableConnParams})
		return
	}
	l.env.Update = UpdatePeer
	l.env.updateEvtSent = false
	if err := l.masterUpdate(p.IntervalMin, p.IntervalMax, p.Latency, p.SupervisionTimeout); err != nil {
		l.log.Warnf("peer parameters rejected: %v", err)
		l.env.Update = UpdateNone
		l.reply(RejectInd{Reason: ll.StatusUnacceptableConnParams})
	}
}

// InstantReached follows the scheduler applying a pending change: a new
// event when prev is set, otherwise a channel map.
func (l *Link) InstantReached(ev, prev *sched.Event) {
	if prev == nil {
		l.env.Map = MapNone
		l.log.Debugf("channel map %v in use", ev.Hop.Map)
		return
	}
	l.ev = ev
	l.env.Params = l.env.next
	l.env.Update = UpdateNone
	l.endProc()
	if l.env.updateEvtSent {
		return
	}
	l.env.updateEvtSent = true
	p := l.env.Params
	l.log.Infof("updated: interval %d latency %d timeout %d", p.Interval, p.Latency, p.Timeout)
	l.notify(ll.ConnectionUpdateComplete{
		Status:             ll.StatusSuccess,
		ConnHandle:         l.h,
		Interval:           p.Interval,
		Latency:            p.Latency,
		SupervisionTimeout: p.Timeout,
	})
}

// SetChannelMap switches the data channels at the next instant; master only.
func (l *Link) SetChannelMap(m sched.ChannelMap) error {
	if err := l.usable(); err != nil {
		return err
	}
	if l.env.Role != ll.RoleMaster {
		return errors.Wrap(ll.StatusCommandDisallowed, "channel map update on a slave")
	}
	if !m.Valid() {
		return errors.Wrapf(ll.StatusInvalidParams, "channel map %v", m)
	}
	if l.instantPending() {
		return errors.Wrap(ll.ErrBusy, "instant pending")
	}
	if err := l.hasBuffer(); err != nil {
		return err
	}
	instant := l.s.NextInstant(l.ev)
	if err := l.s.MapAtInstant(l.ev, m, instant); err != nil {
		return err
	}
	if err := l.sendCtrl(ChannelMapReq{Map: m, Instant: instant}, tagCtrl); err != nil {
		return err
	}
	l.env.Map = MapPending
	return nil
}

// ChannelMap returns the map in use.
func (l *Link) ChannelMap() sched.ChannelMap { return l.ev.Hop.Map }

func (l *Link) peerMap(v ChannelMapReq) {
	if l.env.Role != ll.RoleSlave {
		l.reply(UnknownRsp{Type: OpChannelMapReq})
		return
	}
	err := l.s.MapAtInstant(l.ev, v.Map, v.Instant)
	switch errors.Cause(err) {
	case nil:
		l.env.Map = MapPending
	case ll.StatusInstantPassed:
		l.log.Warn(err)
		l.close(ll.StatusInstantPassed)
	case ll.StatusInvalidLLParams:
		l.log.Warn(err)
		l.reply(RejectInd{Reason: ll.StatusInvalidLLParams})
	default:
		l.log.Warnf("channel map ignored: %v", err)
	}
}
