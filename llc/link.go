// Package llc is the connection controller: one Link per connection runs the
// LL control procedures on top of the scheduler event carrying it.
package llc

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/ll"
	"github.com/rigado/ll/config"
	"github.com/rigado/ll/dx"
	"github.com/rigado/ll/exch"
	"github.com/rigado/ll/sched"
)

// Tags of the buffers a Link queues.
const (
	tagData uint8 = iota + 1
	tagCtrl
	tagTerminate
	tagPauseRsp
)

const (
	// MaxPayload is the largest data PDU payload.
	MaxPayload = 27
	// responseTimeout bounds a procedure waiting on the peer, 40s in slots.
	responseTimeout = 40 * 1600
)

// EncState is the encryption sub-state of a link.
type EncState uint8

const (
	EncTx EncState = 1 << iota
	EncRx
	// EncFlowOff suspends the data path while keys change.
	EncFlowOff
	// EncRefreshPending holds a key refresh requested during a running
	// procedure.
	EncRefreshPending
)

func (s EncState) String() string {
	return fmt.Sprintf("enc[tx=%t rx=%t flow-off=%t refresh=%t]",
		s&EncTx != 0, s&EncRx != 0, s&EncFlowOff != 0, s&EncRefreshPending != 0)
}

type UpdateState uint8

const (
	UpdateNone UpdateState = iota
	UpdateHost
	UpdatePeer
	UpdateInstant
)

var updateName = [...]string{"none", "host-requested", "peer-requested", "instant-pending"}

func (s UpdateState) String() string {
	if int(s) < len(updateName) {
		return updateName[s]
	}
	return fmt.Sprintf("update(%d)", uint8(s))
}

type MapState uint8

const (
	MapNone MapState = iota
	MapPending
)

// Params are the connection parameters in force.
type Params struct {
	Interval uint16 // 1.25ms
	Latency  uint16
	Timeout  uint16 // 10ms
}

// Env is the state of one connection.
type Env struct {
	Role      ll.Role
	Peer      ll.DeviceAddr
	Params    Params
	MasterSCA uint8

	Enc    EncState
	Update UpdateState
	Map    MapState

	LocalFeatures uint64
	PeerFeatures  uint64
	PeerVersion   *ll.VersionInfo

	next          Params
	updateEvtSent bool
	discard       bool

	featuresKnown bool
	featureReq    bool
	versionSent   bool
	versionReq    bool

	procActive bool
	procStart  uint32

	key        encKey
	pendingKey encKey
	refreshing bool
	waitLTK    bool
	skdm, skds uint64
	ivm, ivs   uint32
	sk         [16]byte
	iv         [8]byte
}

type encKey struct {
	rand uint64
	ediv uint16
	ltk  [16]byte
}

type Option func(*Link)

func WithRand(r *rand.Rand) Option {
	return func(l *Link) {
		l.rand = r
	}
}

func WithLogger(lg ll.Logger) Option {
	return func(l *Link) {
		l.log = lg
	}
}

// Link drives one connection. It is used from the controller loop only.
type Link struct {
	h      uint16
	s      *sched.Scheduler
	ev     *sched.Event
	cfg    config.Config
	notify ll.Handler
	rand   *rand.Rand
	log    ll.Logger

	env    Env
	held   []exch.Buffer
	closed bool
}

// New builds the link carried by ev, which the scheduler has just moved to a
// connected role.
func New(c config.Config, s *sched.Scheduler, ev *sched.Event, role ll.Role, peer ll.DeviceAddr, ind sched.ConnInd, h ll.Handler, opts ...Option) *Link {
	l := &Link{
		h:      ev.Link,
		s:      s,
		ev:     ev,
		cfg:    c,
		notify: h,
		env: Env{
			Role:          role,
			Peer:          peer,
			Params:        Params{Interval: ind.Interval, Latency: ind.Latency, Timeout: ind.Timeout},
			MasterSCA:     ind.SCA,
			LocalFeatures: c.Features,
		},
	}
	for _, o := range opts {
		o(l)
	}
	if l.rand == nil {
		l.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if l.log == nil {
		l.log = ll.Component("llc").ChildLogger(map[string]interface{}{"handle": l.h})
	}
	return l
}

// Start applies the supervision timeout and reports the connection.
func (l *Link) Start() {
	p := l.env.Params
	l.s.SetSupervision(l.ev, p.Timeout+l.s.TimeoutCompensation(p.Latency))
	l.log.Infof("%v link to %v up: interval %d latency %d timeout %d", l.env.Role, l.env.Peer, p.Interval, p.Latency, p.Timeout)
	l.notify(ll.ConnectionComplete{
		Status:             ll.StatusSuccess,
		ConnHandle:         l.h,
		Role:               l.env.Role,
		Peer:               l.env.Peer,
		Interval:           p.Interval,
		Latency:            p.Latency,
		SupervisionTimeout: p.Timeout,
		MasterClockAcc:     l.env.MasterSCA,
	})
}

func (l *Link) Handle() uint16 { return l.h }

// Event returns the scheduler event currently carrying the link.
func (l *Link) Event() *sched.Event { return l.ev }

// Env returns a copy of the connection state.
func (l *Link) Env() Env { return l.env }

// Closed reports whether the link is gone; the controller forgets it then.
func (l *Link) Closed() bool { return l.closed }

func (l *Link) usable() error {
	if l.closed || l.env.discard {
		return errors.Wrapf(ll.ErrUnknownLink, "link %#04x is closing", l.h)
	}
	return nil
}

func (l *Link) sendCtrl(p PDU, tag uint8) error {
	b := exch.Buffer{Type: LLIDControl, Payload: Marshal(p), Tag: tag}
	if err := l.s.Driver().TxPush(&l.ev.Queues, b); err != nil {
		return errors.Wrapf(err, "can't send %v", p.Opcode())
	}
	l.log.Debugf("tx %v", p.Opcode())
	return nil
}

// reply sends a response the peer is waiting on; failing that, the peer's
// procedure times out.
func (l *Link) reply(p PDU) {
	if err := l.sendCtrl(p, tagCtrl); err != nil {
		l.log.Warn(err)
	}
}

func (l *Link) hasBuffer() error {
	if l.s.Driver().Pool().Available() == 0 {
		return errors.Wrap(ll.ErrNoBuffer, "no room for a control PDU")
	}
	return nil
}

func (l *Link) startProc() {
	if !l.env.procActive {
		l.env.procActive = true
		l.env.procStart = l.ev.Time
	}
}

func (l *Link) endProc() {
	if !l.env.featureReq && !l.env.versionReq && l.env.Update != UpdateHost &&
		l.env.Enc&EncFlowOff == 0 && !l.env.discard {
		l.env.procActive = false
	}
}

// Send queues an L2CAP fragment. While keys change the data path is
// suspended and fragments wait in the link, up to the pool size.
func (l *Link) Send(llid uint8, data []byte) error {
	if err := l.usable(); err != nil {
		return err
	}
	if llid != LLIDStart && llid != LLIDContinue {
		return errors.Wrapf(ll.StatusInvalidParams, "llid %d", llid)
	}
	if len(data) > MaxPayload {
		return errors.Wrapf(ll.StatusInvalidParams, "payload %d > %d", len(data), MaxPayload)
	}
	b := exch.Buffer{Type: llid, Payload: append([]byte(nil), data...), Tag: tagData}

	if l.env.Enc&EncFlowOff != 0 || len(l.held) > 0 {
		if len(l.held) >= l.s.Driver().Pool().Size() {
			return errors.Wrap(ll.ErrNoBuffer, "data path suspended")
		}
		l.held = append(l.held, b)
		return nil
	}
	return errors.Wrap(l.s.Driver().TxPush(&l.ev.Queues, b), "can't send data")
}

// release moves the fragments held during a key change to the event queue.
func (l *Link) release() {
	if l.env.Enc&EncFlowOff != 0 || l.closed {
		return
	}
	for len(l.held) > 0 {
		if err := l.s.Driver().TxPush(&l.ev.Queues, l.held[0]); err != nil {
			return
		}
		l.held = l.held[1:]
	}
}

// Rx handles a PDU received on the link's event.
func (l *Link) Rx(ev *sched.Event, d exch.RxDesc) {
	if l.closed {
		return
	}
	if d.MicErr {
		l.log.Warnf("MIC failure on %v", ev)
		l.close(ll.StatusMICFailure)
		return
	}
	if !d.Valid() {
		return
	}
	if l.env.procActive && sched.Diff(d.Time, l.env.procStart) > responseTimeout {
		l.log.Warn("procedure response timeout")
		l.close(ll.StatusLLResponseTimeout)
		return
	}

	switch d.Type {
	case LLIDControl:
		l.control(d.Payload)
	case LLIDStart, LLIDContinue:
		if len(d.Payload) == 0 {
			return
		}
		l.notify(ll.DataReceived{ConnHandle: l.h, LLID: d.Type, Data: d.Payload})
	}
}

func (l *Link) control(b []byte) {
	if l.env.discard {
		l.log.Debug("teardown in progress, control PDU discarded")
		return
	}
	p, err := Unmarshal(b)
	if e, ok := err.(UnknownOpcodeError); ok {
		l.log.Debug(e)
		l.reply(UnknownRsp{Type: e.Op})
		return
	}
	if err != nil {
		l.log.Warn(err)
		return
	}
	l.log.Debugf("rx %v", p.Opcode())

	switch v := p.(type) {
	case ConnUpdateReq:
		l.peerUpdate(v)
	case ConnParamReq:
		l.peerParamReq(v)
	case ConnParamRsp:
		l.peerParamReq(ConnParamReq(v))
	case ChannelMapReq:
		l.peerMap(v)
	case TerminateInd:
		l.log.Infof("peer terminated: %v", v.Reason)
		l.close(v.Reason)
	case EncReq:
		l.encReqRx(v)
	case EncRsp:
		l.encRspRx(v)
	case StartEncReq:
		l.startEncReqRx()
	case StartEncRsp:
		l.startEncRspRx()
	case PauseEncReq:
		l.pauseEncReqRx()
	case PauseEncRsp:
		l.pauseEncRspRx()
	case FeatureReq:
		l.featureReqRx(v.Features, ll.RoleSlave)
	case SlaveFeatureReq:
		l.featureReqRx(v.Features, ll.RoleMaster)
	case FeatureRsp:
		l.featureRspRx(v.Features)
	case VersionInd:
		l.versionRx(v.VersionInfo)
	case UnknownRsp:
		l.unknownRx(v.Type)
	case RejectInd:
		l.rejectRx(v.Reason)
	}
}

// TxConfirmed counts the data fragments the peer acknowledged.
func (l *Link) TxConfirmed(ev *sched.Event, done []dx.TxConfirm) {
	n := 0
	for _, c := range done {
		switch c.Tag {
		case tagData:
			n++
		case tagPauseRsp:
			l.s.SetEncryption(ev, false, false, [16]byte{}, [8]byte{})
		}
	}
	if n > 0 && !l.closed {
		l.notify(ll.NumberOfCompletedPackets{ConnHandle: l.h, Count: n})
	}
	l.release()
}

// Acked follows the acknowledgment of LL_TERMINATE_IND.
func (l *Link) Acked(ev *sched.Event) {
	if l.env.discard && !l.closed {
		l.close(ll.StatusLocalHostTerminated)
	}
}

// Timeout reports the link lost by the scheduler.
func (l *Link) Timeout(ev *sched.Event, st ll.Status) {
	l.close(st)
}

// Disconnect starts the termination procedure; the link closes once the
// peer acknowledges LL_TERMINATE_IND or supervision gives up.
func (l *Link) Disconnect(reason ll.Status) error {
	if err := l.usable(); err != nil {
		return err
	}
	if err := l.sendCtrl(TerminateInd{Reason: reason}, tagTerminate); err != nil {
		return err
	}
	l.env.discard = true
	l.held = nil
	l.ev.Flags |= sched.FlagWaitAck
	l.startProc()
	return nil
}

// close deletes the event and reports the disconnection, once.
func (l *Link) close(reason ll.Status) {
	if l.closed {
		return
	}
	l.closed = true
	l.env.discard = true
	l.held = nil
	if err := l.s.Delete(l.ev, true); err != nil {
		l.log.Errorf("can't delete %v: %v", l.ev, err)
	}
	l.log.Infof("link down: %v", reason)
	l.notify(ll.DisconnectionComplete{Status: ll.StatusSuccess, ConnHandle: l.h, Reason: reason})
}

// Drop deletes the link without reporting it, as on reset.
func (l *Link) Drop() {
	if l.closed {
		return
	}
	l.closed = true
	if err := l.s.Delete(l.ev, true); err != nil {
		l.log.Errorf("can't delete %v: %v", l.ev, err)
	}
}
