package llc

import (
	"bytes"
	"encoding/hex"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/rigado/ll"
	"github.com/rigado/ll/config"
	"github.com/rigado/ll/dx"
	"github.com/rigado/ll/exch"
	"github.com/rigado/ll/regio"
	"github.com/rigado/ll/sched"
	"github.com/rigado/ll/sliceops"
)

type clock struct{ now uint32 }

func (c *clock) Now() (uint32, error)   { return c.now, nil }
func (c *clock) ArmWake(t uint32) error { return nil }

type radio struct{}

func (radio) SetChannel(ch uint8)   {}
func (radio) SetTxPower(level int8) {}
func (radio) Sleep()                {}
func (radio) Wake()                 {}

type nopClient struct{}

func (nopClient) Rx(ev *sched.Event, d exch.RxDesc)             {}
func (nopClient) TxConfirmed(ev *sched.Event, d []dx.TxConfirm) {}
func (nopClient) Acked(ev *sched.Event)                         {}
func (nopClient) InstantReached(ev, prev *sched.Event)          {}
func (nopClient) Completed(ev *sched.Event, st ll.Status)       {}
func (nopClient) Timeout(ev *sched.Event, st ll.Status)         {}

var peer = ll.DeviceAddr{Type: ll.AddrPublic, Addr: ll.MustParseAddr("00:11:22:33:44:55")}

func testInd() sched.ConnInd {
	return sched.ConnInd{
		AccessAddr: 0x71764129,
		CRCInit:    0xABCDEF,
		WinSize:    3,
		WinOffset:  2,
		Interval:   40,
		Timeout:    200,
		ChMap:      sched.ChannelMapAll,
		Hop:        5,
		SCA:        5,
	}
}

type fixture struct {
	t     *testing.T
	s     *sched.Scheduler
	l     *Link
	notes []ll.Notification
}

func newLink(t *testing.T, role ll.Role) *fixture {
	mem := regio.NewMem()
	pool, err := exch.NewTxPool(mem, 8)
	if err != nil {
		t.Fatal(err)
	}
	ring, err := exch.NewRxRing(mem, 4)
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{t: t}
	sc := sched.Config{ProgLatency: 2, SCA: 50, MaxEvents: 5, ConnDuration: 2}
	f.s = sched.New(sc, mem, &clock{now: 1000}, radio{}, dx.New(pool, ring), nopClient{})

	ind := testInd()
	var ev *sched.Event
	if role == ll.RoleMaster {
		if ev, err = f.s.Create(sched.RoleInitiator, 1, 2, 4, 4, 0); err == nil {
			err = f.s.MoveToMaster(ev, 1, ind, 1010)
		}
	} else {
		if ev, err = f.s.Create(sched.RoleAdvertiser, ll.NoHandle, 1, 4, 4, 0); err == nil {
			err = f.s.MoveToSlave(ev, 1, ind, 1010)
		}
	}
	if err != nil {
		t.Fatal(err)
	}

	f.l = New(config.Default(), f.s, ev, role, peer, ind, func(n ll.Notification) {
		f.notes = append(f.notes, n)
	}, WithRand(rand.New(rand.NewSource(7))))
	f.l.Start()
	return f
}

// sent returns and flushes what the link queued.
func (f *fixture) sent() []exch.Buffer {
	q := &f.l.Event().Queues
	var out []exch.Buffer
	for _, i := range q.ReadyList() {
		out = append(out, f.s.Driver().Pool().Desc(i).Buffer)
	}
	if _, err := f.s.Driver().TxFlush(q); err != nil {
		f.t.Fatal(err)
	}
	return out
}

func (f *fixture) sentPDUs() []PDU {
	var out []PDU
	for _, b := range f.sent() {
		if b.Type != LLIDControl {
			continue
		}
		p, err := Unmarshal(b.Payload)
		if err != nil {
			f.t.Fatal(err)
		}
		out = append(out, p)
	}
	return out
}

func (f *fixture) rx(p PDU) {
	f.l.Rx(f.l.Event(), exch.RxDesc{Type: LLIDControl, Payload: Marshal(p), Time: f.l.Event().Time})
}

// shuttle delivers what from queued to to.
func shuttle(from, to *fixture) []PDU {
	ps := from.sentPDUs()
	for _, p := range ps {
		to.rx(p)
	}
	return ps
}

func (f *fixture) last() ll.Notification {
	if len(f.notes) == 0 {
		f.t.Fatalf("nothing notified")
	}
	return f.notes[len(f.notes)-1]
}

func count(notes []ll.Notification, match func(ll.Notification) bool) int {
	n := 0
	for _, x := range notes {
		if match(x) {
			n++
		}
	}
	return n
}

func TestSessionKey(t *testing.T) {
	ltkMSB, _ := hex.DecodeString("4C68384139F574D836BCF34E9DFB01BF")
	skMSB, _ := hex.DecodeString("99ad1b5226a37e3e058e3b8e27c2c666")

	var ltk [16]byte
	copy(ltk[:], sliceops.Reversed(ltkMSB))
	sk, err := SessionKey(ltk, 0xACBDCEDFE0F10213, 0x0213243546576879)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(sk[:], sliceops.Reversed(skMSB)) {
		t.Fatalf("unexpected session key %x", sk)
	}

	iv := SessionIV(0xBADCAB24, 0xDEAFBABE)
	if want := []byte{0x24, 0xAB, 0xDC, 0xBA, 0xBE, 0xBA, 0xAF, 0xDE}; !bytes.Equal(iv[:], want) {
		t.Fatalf("unexpected IV %x", iv)
	}
}

func TestControlEncoding(t *testing.T) {
	b := Marshal(ConnUpdateReq{sched.UpdateInd{WinSize: 1, WinOffset: 2, Interval: 0x50, Latency: 3, Timeout: 0x12C, Instant: 0x0106}})
	want := []byte{0x00, 0x01, 0x02, 0x00, 0x50, 0x00, 0x03, 0x00, 0x2C, 0x01, 0x06, 0x01}
	if !bytes.Equal(b, want) {
		t.Fatalf("LL_CONNECTION_UPDATE_REQ encoded as %x", b)
	}

	b = Marshal(ChannelMapReq{Map: 0x1F00000003, Instant: 7})
	want = []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x1F, 0x07, 0x00}
	if !bytes.Equal(b, want) {
		t.Fatalf("LL_CHANNEL_MAP_REQ encoded as %x", b)
	}

	if _, err := Unmarshal([]byte{uint8(OpTerminateInd)}); errors.Cause(err) != ll.StatusInvalidLLParams {
		t.Fatalf("expected a length error, got %v", err)
	}
	if _, err := Unmarshal([]byte{0xFE}); err == nil {
		t.Fatalf("unknown opcode decoded")
	} else if e, ok := err.(UnknownOpcodeError); !ok || e.Op != 0xFE {
		t.Fatalf("unexpected error %v", err)
	}
	p, err := Unmarshal([]byte{uint8(OpVersionInd), 0x06, 0x60, 0x00, 0x01, 0x00})
	if err != nil {
		t.Fatal(err)
	}
	if v := p.(VersionInd); v.Version != 6 || v.CompanyID != 0x60 || v.SubVersion != 1 {
		t.Fatalf("unexpected %+v", v)
	}
}

func TestStartReportsConnection(t *testing.T) {
	f := newLink(t, ll.RoleSlave)
	if len(f.notes) != 1 {
		t.Fatalf("expected one notification, got %+v", f.notes)
	}
	cc := f.notes[0].(ll.ConnectionComplete)
	if cc.Status != ll.StatusSuccess || cc.ConnHandle != 1 || cc.Role != ll.RoleSlave || cc.Peer != peer ||
		cc.Interval != 40 || cc.SupervisionTimeout != 200 || cc.MasterClockAcc != 5 {
		t.Fatalf("unexpected %+v", cc)
	}
	// 200 plus one unit of compensation at zero latency
	if got := f.l.Event().SupervisionTimeout(); got != 201*sched.SlotsPerTimeoutUnit {
		t.Fatalf("unexpected supervision timeout %d", got)
	}
}

func TestMasterUpdate(t *testing.T) {
	f := newLink(t, ll.RoleMaster)
	old := f.l.Event()
	p := ll.UpdateParams{IntervalMin: 80, IntervalMax: 80, Latency: 0, SupervisionTimeout: 300}
	if err := f.l.Update(p); err != nil {
		t.Fatal(err)
	}
	if err := f.l.Update(p); errors.Cause(err) != ll.ErrBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	ps := f.sentPDUs()
	if len(ps) != 1 {
		t.Fatalf("expected one PDU, got %+v", ps)
	}
	req := ps[0].(ConnUpdateReq)
	if req.Interval != 80 || req.Timeout != 300 || req.Instant != sched.InstantDelay {
		t.Fatalf("unexpected %+v", req)
	}
	nw := old.Alt
	if nw == nil || f.l.Env().Update != UpdateInstant {
		t.Fatalf("no update pending")
	}

	f.notes = nil
	f.l.InstantReached(nw, old)
	if f.l.Event() != nw || f.l.Env().Update != UpdateNone || f.l.Env().Params.Interval != 80 {
		t.Fatalf("update not applied: %+v", f.l.Env())
	}
	uc := f.last().(ll.ConnectionUpdateComplete)
	if uc.Status != ll.StatusSuccess || uc.Interval != 80 || uc.SupervisionTimeout != 300 {
		t.Fatalf("unexpected %+v", uc)
	}
}

func TestUpdateReportedOnce(t *testing.T) {
	f := newLink(t, ll.RoleSlave)
	f.notes = nil
	p := ll.UpdateParams{IntervalMin: 60, IntervalMax: 100, Latency: 0, SupervisionTimeout: 300}
	if err := f.l.Update(p); err != nil {
		t.Fatal(err)
	}
	if ps := f.sentPDUs(); len(ps) != 1 || ps[0].Opcode() != OpConnParamReq {
		t.Fatalf("expected LL_CONNECTION_PARAM_REQ, got %+v", ps)
	}
	if f.l.Env().Update != UpdateHost {
		t.Fatalf("unexpected state %v", f.l.Env().Update)
	}

	old := f.l.Event()
	f.rx(ConnUpdateReq{sched.UpdateInd{WinSize: 1, Interval: 80, Timeout: 300, Instant: old.Counter + 6}})
	if f.l.Env().Update != UpdateInstant || old.Alt == nil {
		t.Fatalf("peer update not scheduled")
	}
	nw := old.Alt
	f.l.InstantReached(nw, old)
	f.l.InstantReached(nw, old)

	n := count(f.notes, func(x ll.Notification) bool {
		_, ok := x.(ll.ConnectionUpdateComplete)
		return ok
	})
	if n != 1 {
		t.Fatalf("update reported %d times", n)
	}
	if f.l.Event() != nw {
		t.Fatalf("event not switched")
	}
}

func TestMasterRejectsCollidingParamReq(t *testing.T) {
	f := newLink(t, ll.RoleMaster)
	if err := f.l.Update(ll.UpdateParams{IntervalMin: 80, IntervalMax: 80, SupervisionTimeout: 300}); err != nil {
		t.Fatal(err)
	}
	f.sent()
	f.rx(ConnParamReq{ConnParams{IntervalMin: 60, IntervalMax: 60, Timeout: 300}})
	ps := f.sentPDUs()
	if len(ps) != 1 || ps[0].(RejectInd).Reason != ll.StatusTransactionCollision {
		t.Fatalf("expected a collision reject, got %+v", ps)
	}
}

func TestInstantPassedDisconnects(t *testing.T) {
	f := newLink(t, ll.RoleSlave)
	f.rx(ConnUpdateReq{sched.UpdateInd{WinSize: 1, Interval: 80, Timeout: 300, Instant: f.l.Event().Counter}})
	dc, ok := f.last().(ll.DisconnectionComplete)
	if !ok || dc.Reason != ll.StatusInstantPassed {
		t.Fatalf("unexpected %+v", f.last())
	}
	if !f.l.Closed() || !f.l.Event().Deleted() {
		t.Fatalf("link still up")
	}
}

func TestPeerChannelMap(t *testing.T) {
	f := newLink(t, ll.RoleSlave)
	ev := f.l.Event()

	f.rx(ChannelMapReq{Map: 0x01, Instant: ev.Counter + 6})
	ps := f.sentPDUs()
	if len(ps) != 1 || ps[0].(RejectInd).Reason != ll.StatusInvalidLLParams {
		t.Fatalf("expected a reject, got %+v", ps)
	}
	if _, ok := ev.PendingMap(); ok {
		t.Fatalf("invalid map applied")
	}

	f.rx(ChannelMapReq{Map: 0xFF, Instant: ev.Counter + 6})
	if m, ok := ev.PendingMap(); !ok || m != 0xFF || f.l.Env().Map != MapPending {
		t.Fatalf("map not pending")
	}
	f.l.InstantReached(ev, nil)
	if f.l.Env().Map != MapNone {
		t.Fatalf("map still pending")
	}
}

func TestSetChannelMap(t *testing.T) {
	s := newLink(t, ll.RoleSlave)
	if err := s.l.SetChannelMap(0xFF); errors.Cause(err) != ll.StatusCommandDisallowed {
		t.Fatalf("slave allowed to set the map: %v", err)
	}

	f := newLink(t, ll.RoleMaster)
	if err := f.l.SetChannelMap(0x01); errors.Cause(err) != ll.StatusInvalidParams {
		t.Fatalf("expected invalid params, got %v", err)
	}
	if err := f.l.SetChannelMap(0xFF); err != nil {
		t.Fatal(err)
	}
	if err := f.l.SetChannelMap(0xF0); errors.Cause(err) != ll.ErrBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	ps := f.sentPDUs()
	if len(ps) != 1 {
		t.Fatalf("expected one PDU, got %+v", ps)
	}
	if r := ps[0].(ChannelMapReq); r.Map != 0xFF || r.Instant != f.l.Event().Counter+sched.InstantDelay {
		t.Fatalf("unexpected %+v", r)
	}
}

func TestEncryption(t *testing.T) {
	m := newLink(t, ll.RoleMaster)
	s := newLink(t, ll.RoleSlave)
	m.notes, s.notes = nil, nil
	ltk := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

	if err := s.l.StartEncryption(1, 2, ltk); errors.Cause(err) != ll.StatusCommandDisallowed {
		t.Fatalf("slave started encryption: %v", err)
	}
	if err := m.l.StartEncryption(0x1122, 0x33, ltk); err != nil {
		t.Fatal(err)
	}
	if err := m.l.Send(LLIDStart, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if m.l.Event().Queues.Ready() != 1 {
		t.Fatalf("data sent while keys change")
	}

	shuttle(m, s) // LL_ENC_REQ
	req := s.last().(ll.LongTermKeyRequest)
	if req.Rand != 0x1122 || req.EDIV != 0x33 {
		t.Fatalf("unexpected %+v", req)
	}
	shuttle(s, m) // LL_ENC_RSP
	if tx, rx := m.l.Event().Encrypted(); tx || !rx {
		t.Fatalf("master should decrypt only, tx=%t rx=%t", tx, rx)
	}
	if err := s.l.LTKReply(ltk); err != nil {
		t.Fatal(err)
	}
	shuttle(s, m) // LL_START_ENC_REQ
	shuttle(m, s) // LL_START_ENC_RSP
	shuttle(s, m) // LL_START_ENC_RSP

	for _, f := range []*fixture{m, s} {
		ec, ok := f.last().(ll.EncryptionChange)
		if !ok || ec.Status != ll.StatusSuccess || !ec.Enabled {
			t.Fatalf("%v: unexpected %+v", f.l.Env().Role, f.last())
		}
		if tx, rx := f.l.Event().Encrypted(); !tx || !rx {
			t.Fatalf("%v: not encrypted", f.l.Env().Role)
		}
		if f.l.Env().Enc != EncTx|EncRx {
			t.Fatalf("%v: unexpected %v", f.l.Env().Role, f.l.Env().Enc)
		}
	}
	if m.l.Env().sk != s.l.Env().sk || m.l.Env().sk == [16]byte{} {
		t.Fatalf("session keys differ")
	}
	if b := m.sent(); len(b) != 1 || b[0].Type != LLIDStart {
		t.Fatalf("held data not released: %+v", b)
	}

	// key refresh, with a second one queued behind it
	if err := m.l.StartEncryption(0x1122, 0x33, ltk); err != nil {
		t.Fatal(err)
	}
	if err := m.l.StartEncryption(0x1122, 0x33, ltk); err != nil {
		t.Fatal(err)
	}
	if err := m.l.StartEncryption(0x1122, 0x33, ltk); errors.Cause(err) != ll.ErrBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	shuttle(m, s) // LL_PAUSE_ENC_REQ
	ps := s.sentPDUs()
	if len(ps) != 1 || ps[0].Opcode() != OpPauseEncRsp {
		t.Fatalf("expected LL_PAUSE_ENC_RSP, got %+v", ps)
	}
	s.l.TxConfirmed(s.l.Event(), []dx.TxConfirm{{Buffer: exch.Buffer{Tag: tagPauseRsp}}})
	if tx, rx := s.l.Event().Encrypted(); tx || rx {
		t.Fatalf("slave still encrypting")
	}
	m.rx(ps[0])
	shuttle(m, s) // LL_ENC_REQ
	if err := s.l.LTKReply(ltk); err != nil {
		t.Fatal(err)
	}
	shuttle(s, m) // LL_ENC_RSP, LL_START_ENC_REQ
	shuttle(m, s)
	shuttle(s, m)

	for _, f := range []*fixture{m, s} {
		if _, ok := f.last().(ll.EncryptionKeyRefreshComplete); !ok {
			t.Fatalf("%v: unexpected %+v", f.l.Env().Role, f.last())
		}
	}
	if ps := m.sentPDUs(); len(ps) != 1 || ps[0].Opcode() != OpPauseEncReq {
		t.Fatalf("queued refresh not started: %+v", ps)
	}
}

func TestEncryptionRejected(t *testing.T) {
	m := newLink(t, ll.RoleMaster)
	s := newLink(t, ll.RoleSlave)
	if err := m.l.StartEncryption(1, 2, [16]byte{}); err != nil {
		t.Fatal(err)
	}
	shuttle(m, s)
	if err := s.l.LTKNegativeReply(); err != nil {
		t.Fatal(err)
	}
	if err := s.l.LTKNegativeReply(); errors.Cause(err) != ll.StatusCommandDisallowed {
		t.Fatalf("expected command disallowed, got %v", err)
	}
	shuttle(s, m) // LL_ENC_RSP, LL_REJECT_IND

	ec := m.last().(ll.EncryptionChange)
	if ec.Status != ll.StatusPinOrKeyMissing || ec.Enabled {
		t.Fatalf("unexpected %+v", ec)
	}
	if m.l.Env().Enc != 0 || s.l.Env().Enc != 0 {
		t.Fatalf("encryption state left behind")
	}
}

func TestDisconnect(t *testing.T) {
	f := newLink(t, ll.RoleMaster)
	if err := f.l.Disconnect(ll.StatusRemoteUserTerminated); err != nil {
		t.Fatal(err)
	}
	if f.l.Event().Flags&sched.FlagWaitAck == 0 {
		t.Fatalf("not waiting for the acknowledgment")
	}
	ps := f.sentPDUs()
	if len(ps) != 1 || ps[0].(TerminateInd).Reason != ll.StatusRemoteUserTerminated {
		t.Fatalf("expected LL_TERMINATE_IND, got %+v", ps)
	}

	f.rx(FeatureReq{Features: 1})
	if ps := f.sentPDUs(); len(ps) != 0 {
		t.Fatalf("answered during teardown: %+v", ps)
	}
	if err := f.l.Send(LLIDStart, []byte{1}); errors.Cause(err) != ll.ErrUnknownLink {
		t.Fatalf("expected ErrUnknownLink, got %v", err)
	}

	f.l.Acked(f.l.Event())
	f.l.Timeout(f.l.Event(), ll.StatusConnTimeout)
	n := count(f.notes, func(x ll.Notification) bool {
		dc, ok := x.(ll.DisconnectionComplete)
		return ok && dc.Reason == ll.StatusLocalHostTerminated
	})
	if n != 1 || len(f.notes) != 2 {
		t.Fatalf("unexpected notifications %+v", f.notes)
	}
	if !f.l.Closed() || !f.l.Event().Deleted() {
		t.Fatalf("link still up")
	}
}

func TestPeerTerminates(t *testing.T) {
	f := newLink(t, ll.RoleSlave)
	f.rx(TerminateInd{Reason: ll.StatusRemoteUserTerminated})
	dc := f.last().(ll.DisconnectionComplete)
	if dc.ConnHandle != 1 || dc.Reason != ll.StatusRemoteUserTerminated {
		t.Fatalf("unexpected %+v", dc)
	}
}

func TestMICFailure(t *testing.T) {
	f := newLink(t, ll.RoleSlave)
	f.l.Rx(f.l.Event(), exch.RxDesc{Type: LLIDStart, MicErr: true, Payload: []byte{1}})
	if dc := f.last().(ll.DisconnectionComplete); dc.Reason != ll.StatusMICFailure {
		t.Fatalf("unexpected %+v", dc)
	}
}

func TestUnknownOpcode(t *testing.T) {
	f := newLink(t, ll.RoleSlave)
	f.l.Rx(f.l.Event(), exch.RxDesc{Type: LLIDControl, Payload: []byte{0xFE}})
	ps := f.sentPDUs()
	if len(ps) != 1 || ps[0].(UnknownRsp).Type != 0xFE {
		t.Fatalf("expected LL_UNKNOWN_RSP, got %+v", ps)
	}
}

func TestFeatureExchange(t *testing.T) {
	f := newLink(t, ll.RoleMaster)
	f.notes = nil
	if err := f.l.ReadRemoteFeatures(); err != nil {
		t.Fatal(err)
	}
	if err := f.l.ReadRemoteFeatures(); errors.Cause(err) != ll.ErrBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	ps := f.sentPDUs()
	if len(ps) != 1 || ps[0].(FeatureReq).Features != config.Default().Features {
		t.Fatalf("expected LL_FEATURE_REQ, got %+v", ps)
	}
	f.rx(FeatureRsp{Features: 0x21})
	if rc := f.last().(ll.ReadRemoteFeaturesComplete); rc.Status != ll.StatusSuccess || rc.Features != 0x21 {
		t.Fatalf("unexpected %+v", rc)
	}

	if err := f.l.ReadRemoteFeatures(); err != nil {
		t.Fatal(err)
	}
	if len(f.notes) != 2 || len(f.sentPDUs()) != 0 {
		t.Fatalf("features asked twice")
	}
}

func TestSlaveFeatureReqUnsupported(t *testing.T) {
	f := newLink(t, ll.RoleSlave)
	if err := f.l.ReadRemoteFeatures(); err != nil {
		t.Fatal(err)
	}
	if ps := f.sentPDUs(); len(ps) != 1 || ps[0].Opcode() != OpSlaveFeatureReq {
		t.Fatalf("expected LL_SLAVE_FEATURE_REQ, got %+v", ps)
	}
	f.rx(UnknownRsp{Type: OpSlaveFeatureReq})
	if rc := f.last().(ll.ReadRemoteFeaturesComplete); rc.Status != ll.StatusUnsupportedRemoteFeature {
		t.Fatalf("unexpected %+v", rc)
	}
}

func TestVersionExchangedOnce(t *testing.T) {
	f := newLink(t, ll.RoleSlave)
	pv := ll.VersionInfo{Version: 8, CompanyID: 0x0059, SubVersion: 2}
	f.rx(VersionInd{pv})
	ps := f.sentPDUs()
	if len(ps) != 1 || ps[0].(VersionInd).CompanyID != config.Default().Version.CompanyID {
		t.Fatalf("expected our LL_VERSION_IND, got %+v", ps)
	}

	if err := f.l.ReadRemoteVersion(); err != nil {
		t.Fatal(err)
	}
	if len(f.sentPDUs()) != 0 {
		t.Fatalf("version sent twice")
	}
	rv := f.last().(ll.ReadRemoteVersionComplete)
	if rv.Status != ll.StatusSuccess || rv.VersionInfo != pv {
		t.Fatalf("unexpected %+v", rv)
	}
}

func TestDataPath(t *testing.T) {
	f := newLink(t, ll.RoleMaster)
	f.notes = nil
	if err := f.l.Send(LLIDControl, []byte{1}); errors.Cause(err) != ll.StatusInvalidParams {
		t.Fatalf("expected invalid params, got %v", err)
	}
	if err := f.l.Send(LLIDStart, make([]byte, MaxPayload+1)); errors.Cause(err) != ll.StatusInvalidParams {
		t.Fatalf("expected invalid params, got %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := f.l.Send(LLIDStart, []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	done := []dx.TxConfirm{
		{Buffer: exch.Buffer{Type: LLIDStart, Tag: tagData}},
		{Buffer: exch.Buffer{Type: LLIDControl, Tag: tagCtrl}},
		{Buffer: exch.Buffer{Type: LLIDStart, Tag: tagData}},
	}
	f.l.TxConfirmed(f.l.Event(), done)
	if nc := f.last().(ll.NumberOfCompletedPackets); nc.Count != 2 || nc.ConnHandle != 1 {
		t.Fatalf("unexpected %+v", nc)
	}

	f.l.Rx(f.l.Event(), exch.RxDesc{Type: LLIDContinue})
	f.l.Rx(f.l.Event(), exch.RxDesc{Type: LLIDStart, Payload: []byte{9, 8}, CrcErr: true})
	f.l.Rx(f.l.Event(), exch.RxDesc{Type: LLIDStart, Payload: []byte{9, 8}})
	if len(f.notes) != 2 {
		t.Fatalf("unexpected notifications %+v", f.notes)
	}
	if dr := f.last().(ll.DataReceived); dr.LLID != LLIDStart || !bytes.Equal(dr.Data, []byte{9, 8}) {
		t.Fatalf("unexpected %+v", dr)
	}
}
