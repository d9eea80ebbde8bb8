// Package sched is the event scheduler: it owns every pending radio
// activity, decides which one the hardware runs next, and keeps connection
// anchors, drift and supervision up to date as events complete.
package sched

import (
	"math/rand"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/ll"
	"github.com/rigado/ll/config"
	"github.com/rigado/ll/dx"
	"github.com/rigado/ll/exch"
	"github.com/rigado/ll/regio"
)

// AdvAccessAddr is the access address of every advertising channel PDU.
const AdvAccessAddr uint32 = 0x8E89BED6

// AdvCRCInit is the CRC seed on advertising channels.
const AdvCRCInit uint32 = 0x555555

// Clock is the hardware base time counter and its wake-up target.
type Clock interface {
	Now() (uint32, error)
	ArmWake(t uint32) error
}

// Radio is called around every event.
type Radio interface {
	SetChannel(ch uint8)
	SetTxPower(level int8)
	Sleep()
	Wake()
}

type regClock struct {
	io regio.RegisterIO
}

// NewRegClock returns a Clock reading BASETIMECNT and arming GROSSTARGET.
func NewRegClock(io regio.RegisterIO) Clock {
	return regClock{io: io}
}

func (c regClock) Now() (uint32, error) {
	return c.io.ReadField(regio.BaseTimeCnt)
}

func (c regClock) ArmWake(t uint32) error {
	b := regio.NewBatch(c.io)
	b.Set(regio.GrossTarget, t&TimeMask)
	b.Set(regio.GrossArmed, 1)
	return b.Err()
}

// Config sizes and times the scheduler.
type Config struct {
	// ProgLatency is the minimum distance in slots between programming an
	// event and its start.
	ProgLatency uint32
	// SCA is the local sleep clock accuracy in ppm.
	SCA uint16
	// MaxEvents bounds the number of live events.
	MaxEvents int
	// ConnDuration is the radio time reserved per connection event, slots.
	ConnDuration uint32
}

// ConfigFrom derives the scheduler configuration from the controller's.
func ConfigFrom(c config.Config) Config {
	return Config{
		ProgLatency:  c.ProgLatency,
		SCA:          c.SleepClockAccuracy,
		MaxEvents:    c.MaxEvents(),
		ConnDuration: 2,
	}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRand sets the source of the advertising delay.
func WithRand(r *rand.Rand) Option {
	return func(s *Scheduler) {
		s.rand = r
	}
}

// WithLogger sets the logger.
func WithLogger(l ll.Logger) Option {
	return func(s *Scheduler) {
		s.log = l
	}
}

// Scheduler is not safe for concurrent use; every call must come from the
// controller's deferred processing context.
type Scheduler struct {
	cfg    Config
	io     regio.RegisterIO
	clock  Clock
	radio  Radio
	dx     *dx.Driver
	client Client
	rand   *rand.Rand
	log    ll.Logger

	events  map[EventID]*Event
	list    []*Event
	buckets map[uint32]*bucket
	prog    *Event
	queueID int
}

func New(c Config, io regio.RegisterIO, clock Clock, radio Radio, drv *dx.Driver, client Client, opts ...Option) *Scheduler {
	if c.MaxEvents <= 0 {
		c.MaxEvents = 1
	}
	if c.ConnDuration == 0 {
		c.ConnDuration = 2
	}
	s := &Scheduler{
		cfg:     c,
		io:      io,
		clock:   clock,
		radio:   radio,
		dx:      drv,
		client:  client,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
		log:     ll.Component("sched"),
		events:  make(map[EventID]*Event),
		buckets: make(map[uint32]*bucket),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Scheduler) Config() Config { return s.cfg }

// Driver returns the data exchange driver the scheduler programs through.
func (s *Scheduler) Driver() *dx.Driver { return s.dx }

// Now reads the hardware time counter.
func (s *Scheduler) Now() (uint32, error) { return s.clock.Now() }

// Programmed returns the event currently handed to hardware, or nil.
func (s *Scheduler) Programmed() *Event { return s.prog }

func (s *Scheduler) Get(id EventID) *Event { return s.events[id] }

// Events returns the live events ordered by id.
func (s *Scheduler) Events() []*Event {
	out := make([]*Event, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Pending returns the scheduling list in due order.
func (s *Scheduler) Pending() []*Event {
	return append([]*Event(nil), s.list...)
}

func (s *Scheduler) newEvent(role Role, link uint16) (*Event, error) {
	for id := EventID(0); int(id) < s.cfg.MaxEvents; id++ {
		if _, ok := s.events[id]; ok {
			continue
		}
		s.queueID++
		ev := &Event{
			ID:      id,
			Role:    role,
			Link:    link,
			Restart: RestartPeriodic,
			Queues:  dx.NewQueues(s.queueID),
		}
		s.events[id] = ev
		return ev, nil
	}
	return nil, errors.Wrapf(ll.ErrNoSlot, "%d events live", len(s.events))
}

// Create schedules a non-connected activity. The first interval in
// [minInterval, maxInterval] with room for duration wins; ErrNoSlot when none
// has.
func (s *Scheduler) Create(role Role, link uint16, duration, minInterval, maxInterval uint32, latency uint16) (*Event, error) {
	if role.Connected() {
		return nil, errors.Errorf("create: %v events are made by moving an existing event", role)
	}
	if duration == 0 || minInterval == 0 || minInterval > maxInterval {
		return nil, errors.Wrapf(ll.StatusInvalidParams, "create: duration %d interval [%d, %d]", duration, minInterval, maxInterval)
	}
	now, err := s.clock.Now()
	if err != nil {
		return nil, errors.Wrap(err, "can't read time")
	}
	start := Add(now, int32(2*s.cfg.ProgLatency))

	for iv := minInterval; iv <= maxInterval; iv++ {
		if !s.fits(iv, duration) {
			continue
		}
		for off := uint32(0); off < iv; off++ {
			t := Add(start, int32(off))
			if !s.clear(t, duration, iv, role == RoleInitiator) {
				continue
			}
			ev, err := s.newEvent(role, link)
			if err != nil {
				return nil, err
			}
			ev.Time = t
			ev.Anchor = Anchor{Coarse: t}
			ev.Duration = duration
			ev.Interval = iv
			ev.Latency = latency
			ev.AccessAddr = AdvAccessAddr
			ev.CRCInit = AdvCRCInit
			ev.AdvChannels = 0x07
			s.join(ev)
			s.insert(ev)
			s.log.Debugf("created %v", ev)
			return ev, nil
		}
	}
	return nil, errors.Wrapf(ll.ErrNoSlot, "%v: %d slots in [%d, %d]", role, duration, minInterval, maxInterval)
}

// SetDeadline stops ev with StatusDirectedAdvTimeout once slots have passed.
func (s *Scheduler) SetDeadline(ev *Event, slots uint32) {
	ev.deadline = Add(ev.Time, int32(slots))
	ev.hasDead = true
}

// SetSupervision sets the effective supervision timeout of ev in 10ms units.
func (s *Scheduler) SetSupervision(ev *Event, timeout uint16) {
	ev.timeout = uint32(timeout) * SlotsPerTimeoutUnit
}

// TimeoutCompensation is the margin, in 10ms units, added to a supervision
// timeout for the given slave latency.
func (s *Scheduler) TimeoutCompensation(latency uint16) uint16 {
	return uint16(uint32(s.cfg.SCA)*uint32(latency)/10000 + 1)
}

// SetEncryption selects the directions the hardware encrypts and the key
// material it uses from the next occurrence on.
func (s *Scheduler) SetEncryption(ev *Event, tx, rx bool, sk [16]byte, iv [8]byte) {
	ev.txCrypt, ev.rxCrypt = tx, rx
	ev.sk, ev.iv = sk, iv
}

// Delete removes ev. A programmed event is aborted in hardware when abort is
// set and freed once its end of event has been processed; anything else is
// flushed and freed now.
func (s *Scheduler) Delete(ev *Event, abort bool) error {
	if ev == nil || ev.deleted {
		return nil
	}
	ev.deleted = true
	ev.gen++
	s.unlist(ev)
	s.leave(ev)

	if alt := ev.Alt; alt != nil {
		ev.Alt = nil
		alt.deleted = true
		s.leave(alt)
		if err := s.free(alt); err != nil {
			return err
		}
	}

	if ev.Programmed() {
		if abort && ev == s.prog {
			b := regio.NewBatch(s.io)
			b.Set(regio.CsDnAbort.At(regio.CsBase), 1)
			b.Set(ev.Role.abortField(), 1)
			return errors.Wrapf(b.Err(), "can't abort %v", ev)
		}
		return nil
	}
	return s.free(ev)
}

// free flushes and forgets ev unless it is still programmed.
func (s *Scheduler) free(ev *Event) error {
	if ev.Programmed() || s.events[ev.ID] != ev {
		return nil
	}
	n, err := s.dx.TxFlush(&ev.Queues)
	delete(s.events, ev.ID)
	s.log.Debugf("freed %v, %d buffers flushed", ev, n)
	return errors.Wrapf(err, "can't flush %v", ev)
}

func (s *Scheduler) insert(ev *Event) {
	if ev.inList || ev.deleted {
		return
	}
	i := sort.Search(len(s.list), func(i int) bool {
		return Before(ev.Time, s.list[i].Time)
	})
	s.list = append(s.list, nil)
	copy(s.list[i+1:], s.list[i:])
	s.list[i] = ev
	ev.inList = true
}

func (s *Scheduler) unlist(ev *Event) {
	if !ev.inList {
		return
	}
	for i, e := range s.list {
		if e == ev {
			s.list = append(s.list[:i], s.list[i+1:]...)
			break
		}
	}
	ev.inList = false
}

// Schedule programs the earliest due event if nothing is programmed,
// otherwise arms the wake-up for it. Events too close to program in time are
// treated as missed and moved to their next occurrence.
func (s *Scheduler) Schedule() error {
	if s.prog != nil {
		return nil
	}
	now, err := s.clock.Now()
	if err != nil {
		return errors.Wrap(err, "can't read time")
	}
	lead := int32(2 * s.cfg.ProgLatency)

	for len(s.list) > 0 {
		ev := s.list[0]
		d := Diff(ev.Time, now)
		if d <= 0 || d < int32(s.cfg.ProgLatency) {
			s.log.Debugf("%v past due by %d", ev, -d)
			s.unlist(ev)
			s.skip(ev)
			continue
		}
		if d > lead {
			return s.clock.ArmWake(Add(ev.Time, -lead))
		}
		if w := s.winner(ev); w != ev {
			s.log.Debugf("%v yields to %v", ev, w)
			s.unlist(ev)
			s.skip(ev)
			continue
		}
		return s.program(ev)
	}
	s.radio.Sleep()
	return nil
}

// winner returns the highest priority event starting before head ends.
func (s *Scheduler) winner(head *Event) *Event {
	w := head
	end := Add(head.Time, int32(head.Duration))
	for _, e := range s.list[1:] {
		if !Before(e.Time, end) {
			break
		}
		if e.Role.priority() > w.Role.priority() {
			w = e
		}
	}
	return w
}

// skip accounts an occurrence that will not run.
func (s *Scheduler) skip(ev *Event) {
	if ev.Role.Connected() {
		s.advanceConn(ev, false)
		return
	}
	ev.Missed++
	s.advanceOther(ev)
}

func (s *Scheduler) channel(ev *Event) uint8 {
	switch {
	case ev.Role.Advertising() || ev.Role.Scanning():
		for i := uint8(0); i < 3; i++ {
			if ev.AdvChannels&(1<<i) != 0 {
				return AdvChannel37 + i
			}
		}
		return AdvChannel37
	}
	return ev.Hop.Channel
}

// widening returns the receive window widening of a slave event in us.
func (s *Scheduler) widening(ev *Event) uint32 {
	if ev.Role != RoleSlave {
		return 0
	}
	ev.DriftCurrent = s.drift(ev, Diff(ev.Time, ev.Anchor.Coarse))
	w := ev.DriftBase + ev.DriftCurrent
	if w > maxWideningUs {
		w = maxWideningUs
	}
	return w
}

// drift is the worst case clock drift in us of both sleep clocks over
// slots.
func (s *Scheduler) drift(ev *Event, slots int32) uint32 {
	if slots < 0 {
		return 0
	}
	return uint32(uint64(slots) * SlotUs * uint64(s.cfg.SCA+ev.PeerSCA) / 1000000)
}

func (s *Scheduler) program(ev *Event) error {
	s.unlist(ev)
	if err := s.dx.TxProg(&ev.Queues); err != nil {
		return errors.Wrapf(err, "can't program tx of %v", ev)
	}
	if ev.Role.loops() && ev.Queues.Programmed() > 0 && !ev.Queues.Looped() {
		if err := s.dx.TxLoop(&ev.Queues); err != nil {
			return errors.Wrapf(err, "can't loop tx of %v", ev)
		}
	}

	ch := s.channel(ev)
	m := uint64(ev.Hop.Map)
	if !ev.Role.Connected() {
		m = uint64(ev.AdvChannels)
	}
	win := uint32(0)
	if ev.Role == RoleSlave && (!ev.synced || ev.inWindow) {
		win = ev.winSize * SlotUs
	}
	head := uint32(0)
	if h := ev.Queues.Head(); h >= 0 {
		head = uint32(s.dx.Pool().Addr(h))
	}

	s.radio.Wake()
	s.radio.SetChannel(ch)
	s.radio.SetTxPower(ev.TxPower)

	cs := regio.CsBase
	b := regio.NewBatch(s.io)
	b.Set(regio.CsFormat.At(cs), ev.Role.format())
	b.Set(regio.CsDnAbort.At(cs), 0)
	b.Set(regio.CsTxCryptEn.At(cs), regio.Bool(ev.txCrypt))
	b.Set(regio.CsRxCryptEn.At(cs), regio.Bool(ev.rxCrypt))
	b.Set(regio.CsSyncLo.At(cs), ev.AccessAddr&0xFFFF)
	b.Set(regio.CsSyncHi.At(cs), ev.AccessAddr>>16)
	b.Set(regio.CsCrcLo.At(cs), ev.CRCInit&0xFFFF)
	b.Set(regio.CsCrcHi.At(cs), (ev.CRCInit>>16)&0xFF)
	b.Set(regio.CsChIdx.At(cs), uint32(ch))
	b.Set(regio.CsTxPwr.At(cs), uint32(uint8(ev.TxPower)))
	b.Set(regio.CsRxWide.At(cs), s.widening(ev))
	b.Set(regio.CsRxWinSz.At(cs), win&0xFFFF)
	b.Set(regio.CsTxPtr.At(cs), head)
	b.Set(regio.CsDuration.At(cs), ev.Duration&0xFFFF)
	b.Set(regio.CsInterval.At(cs), ev.Interval&0xFFFF)
	b.Set(regio.CsChMap0.At(cs), uint32(m&0xFFFF))
	b.Set(regio.CsChMap1.At(cs), uint32(m>>16)&0xFFFF)
	b.Set(regio.CsChMap2.At(cs), uint32(m>>32)&0x1F)
	b.Set(regio.CsHopInt.At(cs), uint32(ev.Hop.Inc))
	b.Set(regio.CsEvtCnt.At(cs), uint32(ev.Counter))
	b.Set(regio.CsRxCnt.At(cs), 0)
	b.Set(regio.CsSyncErr.At(cs), 0)
	b.Set(regio.CsCrcErr.At(cs), 0)
	b.Set(regio.CsTxCnt.At(cs), 0)
	if ev.txCrypt || ev.rxCrypt {
		b.Write(cs+regio.CsSKBase, ev.sk[:])
		b.Write(cs+regio.CsIVBase, ev.iv[:])
	}
	b.Set(regio.FineTarget, ev.Time&TimeMask)
	b.Set(regio.EtCsPtr, uint32(cs))
	b.Set(regio.EtProg, 1)
	if err := b.Err(); err != nil {
		return errors.Wrapf(err, "can't program %v", ev)
	}

	ev.Flags |= FlagProgrammed
	ev.rxDone = 0
	ev.progGen = ev.gen
	s.prog = ev
	return nil
}

// OnReceive delivers the descriptors hardware has filled so far during the
// programmed event.
func (s *Scheduler) OnReceive() error {
	ev := s.prog
	if ev == nil {
		return nil
	}
	n, err := s.dx.Ring().Pending()
	if err != nil {
		return errors.Wrap(err, "can't read rx ring")
	}
	if n == 0 {
		return nil
	}
	ev.rxDone += n
	_, err = s.dx.Check(&ev.Queues, n, true, func(d exch.RxDesc) {
		s.client.Rx(ev, d)
	})
	return err
}

// EndOfEvent reconciles the programmed event with what hardware reports,
// moves it to its next occurrence and programs the next event.
func (s *Scheduler) EndOfEvent() error {
	ev := s.prog
	if ev == nil {
		s.log.Debug("end of event with nothing programmed")
		return s.Schedule()
	}
	s.prog = nil

	cs := regio.CsBase
	b := regio.NewBatch(s.io)
	rxCnt := int(b.Get(regio.CsRxCnt.At(cs)))
	syncErr := b.Flag(regio.CsSyncErr.At(cs))
	crcErr := b.Flag(regio.CsCrcErr.At(cs))
	rxTime := regio.JoinTime(b, regio.CsRxTimeLo.At(cs), regio.CsRxTimeHi.At(cs))
	rxFine := uint16(b.Get(regio.CsRxFine.At(cs)))
	b.Set(ev.Role.abortField(), 0)
	if err := b.Err(); err != nil {
		ev.Flags &^= FlagProgrammed
		return errors.Wrapf(err, "can't read status of %v", ev)
	}

	ev.RxSyncErr = syncErr
	if rxCnt > 0 && !syncErr {
		ev.RxTime, ev.RxFine = rxTime, rxFine
	}
	remaining := rxCnt - ev.rxDone
	if remaining < 0 {
		remaining = 0
	}
	rx := func(d exch.RxDesc) {
		s.client.Rx(ev, d)
	}

	if !ev.deleted {
		conf, err := s.dx.Check(&ev.Queues, 0, false, nil)
		if err != nil {
			ev.Flags &^= FlagProgrammed
			return err
		}
		if len(conf) > 0 {
			s.client.TxConfirmed(ev, conf)
		}
		if ev.Flags&FlagWaitAck != 0 && ev.Queues.Pending() == 0 && !ev.deleted {
			ev.Flags &^= FlagWaitAck
			s.client.Acked(ev)
		}
	}
	_, err := s.dx.Check(&ev.Queues, remaining, true, rx)
	ev.Flags &^= FlagProgrammed
	if err != nil {
		return err
	}

	switch {
	case ev.deleted:
		if err := s.free(ev); err != nil {
			return err
		}
	case ev.gen != ev.progGen:
		s.insert(ev)
	default:
		if ev.Role.Connected() {
			s.advanceConn(ev, rxCnt > 0 && !syncErr && !crcErr)
		} else {
			s.advanceOther(ev)
		}
	}
	return s.Schedule()
}

func (s *Scheduler) advanceOther(ev *Event) {
	if ev.Restart == RestartNone || ev.Interval == 0 {
		s.complete(ev, ll.StatusSuccess)
		return
	}
	next := Add(ev.Time, int32(ev.Interval))
	if ev.Role.Advertising() {
		next = Add(next, int32(s.rand.Intn(AdvDelayMax+1)))
	}
	if ev.hasDead && !Before(next, ev.deadline) {
		s.complete(ev, ll.StatusDirectedAdvTimeout)
		return
	}
	ev.Counter++
	ev.Anchor = Anchor{Coarse: ev.Time}
	ev.Time = next
	s.insert(ev)
}

func (s *Scheduler) complete(ev *Event, st ll.Status) {
	s.client.Completed(ev, st)
	if err := s.Delete(ev, false); err != nil {
		s.log.Errorf("complete: %v", err)
	}
}

// lost reports whether ev, having missed the occurrence at occ, must be
// dropped.
func (s *Scheduler) lost(ev *Event, occ uint32) (ll.Status, bool) {
	if !ev.synced {
		if CounterDiff(ev.Counter, ev.started) >= establishEvents-1 {
			return ll.StatusConnFailedToEstablish, true
		}
		return ll.StatusSuccess, false
	}
	if ev.timeout > 0 && Diff(occ, ev.lastSync) >= int32(ev.timeout) {
		return ll.StatusConnTimeout, true
	}
	return ll.StatusSuccess, false
}

// advanceConn moves a connected event past the occurrence just run (or
// skipped). The master owns the timing and re-anchors on every occurrence;
// the slave re-anchors only when it synchronized, otherwise the next
// expected time stays a whole number of intervals after the last anchor.
func (s *Scheduler) advanceConn(ev *Event, synced bool) {
	occ := ev.Time
	if synced {
		ev.Missed = 0
		ev.synced = true
		ev.lastSync = occ
		ev.Flags &^= FlagWaitSync
		ev.DriftBase = windowJitterUs
		ev.DriftCurrent = 0
		ev.elapsed = 0
		ev.inWindow = false
		if ev.Role == RoleSlave {
			ev.lastSync = ev.RxTime
			ev.Anchor = Anchor{Coarse: ev.RxTime, Fine: ev.RxFine}
		} else {
			ev.Anchor = Anchor{Coarse: occ}
		}
	} else {
		ev.Missed++
		if ev.Role == RoleMaster {
			ev.Anchor = Anchor{Coarse: occ}
			ev.elapsed = 0
		}
		if st, lost := s.lost(ev, occ); lost {
			s.log.Infof("%v lost after %d missed: %v", ev, ev.Missed, st)
			s.client.Timeout(ev, st)
			if err := s.Delete(ev, false); err != nil {
				s.log.Errorf("timeout: %v", err)
			}
			return
		}
	}

	steps := uint16(1)
	if ev.Role == RoleSlave && synced && ev.Latency > 0 && ev.Queues.Pending() == 0 &&
		ev.Flags&(FlagWaitAck|FlagWaitInstant) == 0 && ev.Alt == nil && ev.pendMap == nil {
		steps = ev.Latency + 1
	}

	mapped := false
	for i := uint16(0); i < steps; i++ {
		ev.Counter++
		ev.elapsed++
		if ev.pendMap != nil && ev.Counter == ev.Instant {
			ev.Hop.Map = *ev.pendMap
			ev.pendMap = nil
			ev.Flags &^= FlagWaitInstant
			mapped = true
		}
		ev.Hop.Next()
	}
	ev.Time = Add(ev.Anchor.Coarse, int32(ev.elapsed*ev.Interval))

	if ev.Alt != nil && ev.Counter == ev.Instant {
		s.swap(ev)
		return
	}
	s.insert(ev)
	if mapped {
		s.client.InstantReached(ev, nil)
	}
}

// swap replaces old by its alternate at the instant.
func (s *Scheduler) swap(old *Event) {
	nw := old.Alt
	old.Alt = nil

	nw.Counter = old.Counter
	nw.Hop = old.Hop
	nw.Time = Add(old.Time, int32(nw.winOffset))
	nw.Anchor = Anchor{Coarse: nw.Time}
	nw.elapsed = 0
	nw.Queues, old.Queues = old.Queues, nw.Queues
	nw.lastSync, nw.synced, nw.started = old.lastSync, old.synced, old.started
	if nw.timeout == 0 {
		nw.timeout = old.timeout
	}
	nw.txCrypt, nw.rxCrypt, nw.sk, nw.iv = old.txCrypt, old.rxCrypt, old.sk, old.iv
	nw.AccessAddr, nw.CRCInit = old.AccessAddr, old.CRCInit
	nw.TxPower, nw.PeerSCA = old.TxPower, old.PeerSCA
	nw.DriftBase = windowJitterUs
	nw.Flags = old.Flags & FlagWaitAck
	if nw.Role == RoleSlave {
		// the master may send anywhere in the new transmit window; the drift
		// since the last anchor received still applies
		nw.inWindow = true
		nw.Flags |= FlagWaitSync
		nw.DriftBase += s.drift(nw, Diff(nw.Time, old.Anchor.Coarse))
	}

	old.deleted = true
	old.gen++
	s.leave(old)
	if err := s.free(old); err != nil {
		s.log.Errorf("swap: %v", err)
	}
	s.insert(nw)
	s.log.Debugf("instant %d: %v replaced by %v", nw.Counter, old, nw)
	s.client.InstantReached(nw, old)
}
