package sched

import (
	"github.com/pkg/errors"
	"github.com/rigado/ll"
)

// Connection parameter limits in their air units.
const (
	ConnIntervalMin = 6
	ConnIntervalMax = 3200
	ConnLatencyMax  = 499
	ConnTimeoutMin  = 10
	ConnTimeoutMax  = 3200
	HopMin          = 5
	HopMax          = 16

	// InstantDelay is the minimum number of connection events between
	// announcing a procedure and its instant.
	InstantDelay = 6
)

// ConnInd is the LLData carried by a CONNECT_REQ.
type ConnInd struct {
	AccessAddr uint32
	CRCInit    uint32
	WinSize    uint8  // 1.25ms
	WinOffset  uint16 // 1.25ms
	Interval   uint16 // 1.25ms
	Latency    uint16
	Timeout    uint16 // 10ms
	ChMap      ChannelMap
	Hop        uint8
	SCA        uint8
}

// Validate checks the connection parameters a link can be built from.
func (c ConnInd) Validate() error {
	switch {
	case c.Interval < ConnIntervalMin || c.Interval > ConnIntervalMax:
		return errors.Wrapf(ll.StatusInvalidLLParams, "interval %d", c.Interval)
	case c.Latency > ConnLatencyMax:
		return errors.Wrapf(ll.StatusInvalidLLParams, "latency %d", c.Latency)
	case c.Timeout < ConnTimeoutMin || c.Timeout > ConnTimeoutMax:
		return errors.Wrapf(ll.StatusInvalidLLParams, "timeout %d", c.Timeout)
	case uint32(c.Timeout)*4 <= (1+uint32(c.Latency))*uint32(c.Interval):
		return errors.Wrapf(ll.StatusInvalidLLParams, "timeout %d too short for interval %d latency %d", c.Timeout, c.Interval, c.Latency)
	case c.WinSize < 1 || c.WinSize > 8 || uint16(c.WinSize) >= c.Interval:
		return errors.Wrapf(ll.StatusInvalidLLParams, "window size %d", c.WinSize)
	case c.WinOffset > c.Interval:
		return errors.Wrapf(ll.StatusInvalidLLParams, "window offset %d", c.WinOffset)
	case c.Hop < HopMin || c.Hop > HopMax:
		return errors.Wrapf(ll.StatusInvalidLLParams, "hop %d", c.Hop)
	case !c.ChMap.Valid():
		return errors.Wrapf(ll.StatusInvalidLLParams, "channel map %v", c.ChMap)
	}
	return nil
}

// UpdateInd carries the parameters of a connection update procedure.
type UpdateInd struct {
	WinSize   uint8  // 1.25ms
	WinOffset uint16 // 1.25ms
	Interval  uint16 // 1.25ms
	Latency   uint16
	Timeout   uint16 // 10ms
	Instant   uint16
}

// NextInstant returns the earliest instant a procedure started now on ev may
// use.
func (s *Scheduler) NextInstant(ev *Event) uint16 {
	return ev.Counter + ev.Latency + InstantDelay
}

// connect turns ev into the first event of a link.
func (s *Scheduler) connect(ev *Event, role Role, link uint16, ind ConnInd) {
	s.unlist(ev)
	s.leave(ev)
	if n, err := s.dx.TxFlush(&ev.Queues); err != nil {
		s.log.Errorf("connect: %v", err)
	} else if n > 0 {
		s.log.Debugf("%v: %d advertising buffers flushed", ev, n)
	}

	ev.Role = role
	ev.Link = link
	ev.Interval = uint32(ind.Interval) * SlotsPerUnit
	ev.Duration = s.cfg.ConnDuration
	ev.Latency = ind.Latency
	ev.AccessAddr = ind.AccessAddr
	ev.CRCInit = ind.CRCInit
	ev.Hop = NewHop(ind.ChMap, ind.Hop)
	ev.Counter = 0
	ev.started = 0
	ev.Hop.Next()
	ev.Restart = RestartPeriodic
	ev.Flags = ev.Flags&FlagProgrammed | FlagWaitSync
	ev.Missed = 0
	ev.elapsed = 0
	ev.synced = false
	ev.hasDead = false
	ev.Alt = nil
	ev.pendMap = nil
	ev.winSize = uint32(ind.WinSize) * SlotsPerUnit
	ev.DriftBase = windowJitterUs
	ev.DriftCurrent = 0
	ev.timeout = uint32(ind.Timeout+s.TimeoutCompensation(ind.Latency)) * SlotsPerTimeoutUnit
	ev.gen++
}

// clamp moves the first occurrence of a new link out of the past: the
// transmit window is shortened while part of it remains, otherwise whole
// connection events are skipped.
func (s *Scheduler) clamp(ev *Event) error {
	now, err := s.clock.Now()
	if err != nil {
		return errors.Wrap(err, "can't read time")
	}
	earliest := Add(now, int32(s.cfg.ProgLatency))
	if !Before(ev.Time, earliest) {
		return nil
	}

	end := Add(ev.Time, int32(ev.winSize))
	if Before(earliest, end) {
		ev.winSize -= uint32(Diff(earliest, ev.Time))
		ev.Time = earliest
		ev.Anchor = Anchor{Coarse: earliest}
		return nil
	}
	for Before(ev.Time, earliest) {
		ev.Counter++
		ev.elapsed++
		ev.Hop.Next()
		ev.Time = Add(ev.Anchor.Coarse, int32(ev.elapsed*ev.Interval))
	}
	return nil
}

// MoveToSlave converts the advertising event that received a CONNECT_REQ
// into the slave event of link. ref is the start of the transmit window
// reference, i.e. the end of the CONNECT_REQ plus TransmitWindowDelay; the
// first anchor is expected WinOffset after it.
func (s *Scheduler) MoveToSlave(ev *Event, link uint16, ind ConnInd, ref uint32) error {
	if !ev.Role.Advertising() {
		return errors.Errorf("move to slave: %v is not advertising", ev)
	}
	if err := ind.Validate(); err != nil {
		return err
	}
	s.connect(ev, RoleSlave, link, ind)
	ev.PeerSCA = SCAPPM(ind.SCA)
	ev.Time = Add(ref, int32(ind.WinOffset)*SlotsPerUnit)
	ev.Anchor = Anchor{Coarse: ev.Time}
	if err := s.clamp(ev); err != nil {
		return err
	}

	s.join(ev)
	if !ev.Programmed() {
		s.insert(ev)
	}
	s.log.Infof("slave %v", ev)
	return nil
}

// MoveToMaster converts the initiating event that sent a CONNECT_REQ into
// the master event of link. The first anchor is the earliest point of the
// transmit window clear of every other connection.
func (s *Scheduler) MoveToMaster(ev *Event, link uint16, ind ConnInd, ref uint32) error {
	if ev.Role != RoleInitiator {
		return errors.Errorf("move to master: %v is not initiating", ev)
	}
	if err := ind.Validate(); err != nil {
		return err
	}
	s.connect(ev, RoleMaster, link, ind)
	ev.PeerSCA = s.cfg.SCA

	start := Add(ref, int32(ind.WinOffset)*SlotsPerUnit)
	ev.Time = start
	for off := uint32(0); off+ev.Duration <= ev.winSize; off++ {
		t := Add(start, int32(off))
		if s.clear(t, ev.Duration, ev.Interval, true, ev) {
			ev.Time = t
			break
		}
	}
	ev.Anchor = Anchor{Coarse: ev.Time}
	ev.winSize = 0
	if err := s.clamp(ev); err != nil {
		return err
	}

	s.join(ev)
	if !ev.Programmed() {
		s.insert(ev)
	}
	s.log.Infof("master %v", ev)
	return nil
}

// UpdateCreate builds the event replacing the master event old after a
// connection update. The instant is NextInstant(old); the interval is the
// first in [minInterval, maxInterval] (1.25ms units) with a window offset
// whose occurrences stay clear of every other connection.
func (s *Scheduler) UpdateCreate(old *Event, minInterval, maxInterval, latency uint16) (*Event, UpdateInd, error) {
	if old.Role != RoleMaster {
		return nil, UpdateInd{}, errors.Errorf("update: %v is not a master", old)
	}
	if old.Alt != nil || old.pendMap != nil {
		return nil, UpdateInd{}, errors.Wrapf(ll.ErrBusy, "update: %v has a pending instant", old)
	}
	if minInterval < ConnIntervalMin || maxInterval > ConnIntervalMax || minInterval > maxInterval {
		return nil, UpdateInd{}, errors.Wrapf(ll.StatusInvalidParams, "update: interval [%d, %d]", minInterval, maxInterval)
	}

	instant := s.NextInstant(old)
	at := Add(old.Time, int32(uint32(uint16(instant-old.Counter))*old.Interval))
	dur := s.cfg.ConnDuration

	for iv := uint32(minInterval) * SlotsPerUnit; iv <= uint32(maxInterval)*SlotsPerUnit; iv += SlotsPerUnit {
		if !s.fits(iv, dur, old) {
			continue
		}
		for off := uint32(0); off < iv; off += SlotsPerUnit {
			t := Add(at, int32(off))
			if !s.clear(t, dur, iv, true, old) {
				continue
			}
			nw, err := s.newEvent(RoleMaster, old.Link)
			if err != nil {
				return nil, UpdateInd{}, err
			}
			nw.Time = t
			nw.Anchor = Anchor{Coarse: t}
			nw.Duration = dur
			nw.Interval = iv
			nw.Latency = latency
			nw.Counter = instant
			nw.Flags = FlagWaitInstant
			nw.winOffset = off
			nw.winSize = SlotsPerUnit
			s.join(nw)

			old.Alt = nw
			old.Instant = instant
			old.Flags |= FlagWaitInstant
			ind := UpdateInd{
				WinSize:   1,
				WinOffset: uint16(off / SlotsPerUnit),
				Interval:  uint16(iv / SlotsPerUnit),
				Latency:   latency,
				Instant:   instant,
			}
			s.log.Debugf("update %v -> %v at %d", old, nw, instant)
			return nw, ind, nil
		}
	}
	return nil, UpdateInd{}, errors.Wrapf(ll.ErrNoSlot, "update: interval [%d, %d]", minInterval, maxInterval)
}

// UpdateFromPeer builds the event replacing the slave event old as
// announced by the master.
func (s *Scheduler) UpdateFromPeer(old *Event, ind UpdateInd) (*Event, error) {
	if old.Role != RoleSlave {
		return nil, errors.Errorf("update: %v is not a slave", old)
	}
	if old.Alt != nil || old.pendMap != nil {
		return nil, errors.Wrapf(ll.ErrBusy, "update: %v has a pending instant", old)
	}
	if CounterDiff(ind.Instant, old.Counter) <= 0 {
		return nil, errors.Wrapf(ll.StatusInstantPassed, "update: instant %d at event %d", ind.Instant, old.Counter)
	}
	if ind.Interval < ConnIntervalMin || ind.Interval > ConnIntervalMax || ind.Latency > ConnLatencyMax ||
		ind.WinSize < 1 || uint16(ind.WinSize) >= ind.Interval || ind.WinOffset > ind.Interval {
		return nil, errors.Wrapf(ll.StatusInvalidLLParams, "update: %+v", ind)
	}

	nw, err := s.newEvent(RoleSlave, old.Link)
	if err != nil {
		return nil, err
	}
	nw.Interval = uint32(ind.Interval) * SlotsPerUnit
	nw.Duration = s.cfg.ConnDuration
	nw.Latency = ind.Latency
	nw.Counter = ind.Instant
	nw.Flags = FlagWaitInstant
	nw.winOffset = uint32(ind.WinOffset) * SlotsPerUnit
	nw.winSize = uint32(ind.WinSize) * SlotsPerUnit
	nw.Time = Add(old.Time, int32(uint32(uint16(ind.Instant-old.Counter))*old.Interval+nw.winOffset))
	nw.Anchor = Anchor{Coarse: nw.Time}
	if ind.Timeout > 0 {
		nw.timeout = uint32(ind.Timeout+s.TimeoutCompensation(ind.Latency)) * SlotsPerTimeoutUnit
	}
	s.join(nw)

	old.Alt = nw
	old.Instant = ind.Instant
	old.Flags |= FlagWaitInstant
	s.log.Debugf("peer update %v -> %v at %d", old, nw, ind.Instant)
	return nw, nil
}

// MapAtInstant switches the channel map of ev when its counter reaches
// instant.
func (s *Scheduler) MapAtInstant(ev *Event, m ChannelMap, instant uint16) error {
	if !ev.Role.Connected() {
		return errors.Errorf("channel map: %v is not connected", ev)
	}
	if !m.Valid() {
		return errors.Wrapf(ll.StatusInvalidLLParams, "channel map %v", m)
	}
	if ev.Alt != nil || ev.pendMap != nil {
		return errors.Wrapf(ll.ErrBusy, "channel map: %v has a pending instant", ev)
	}
	if CounterDiff(instant, ev.Counter) <= 0 {
		return errors.Wrapf(ll.StatusInstantPassed, "channel map: instant %d at event %d", instant, ev.Counter)
	}
	ev.pendMap = &m
	ev.Instant = instant
	ev.Flags |= FlagWaitInstant
	return nil
}
