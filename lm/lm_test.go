package lm

import (
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/rigado/ll"
	"github.com/rigado/ll/config"
	"github.com/rigado/ll/dx"
	"github.com/rigado/ll/exch"
	"github.com/rigado/ll/regio"
	"github.com/rigado/ll/sched"
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

type connection struct {
	ev   *sched.Event
	role ll.Role
	peer ll.DeviceAddr
	ind  sched.ConnInd
}

type connector struct {
	next      uint16
	full      bool
	released  []uint16
	connected []connection
}

func (c *connector) AllocLink() (uint16, error) {
	if c.full {
		return 0, ll.StatusConnLimitExceeded
	}
	c.next++
	return c.next, nil
}

func (c *connector) ReleaseLink(h uint16) { c.released = append(c.released, h) }

func (c *connector) Connected(ev *sched.Event, role ll.Role, peer ll.DeviceAddr, ind sched.ConnInd) {
	c.connected = append(c.connected, connection{ev, role, peer, ind})
}

type fixture struct {
	t     *testing.T
	clk   *clock
	conn  *connector
	s     *sched.Scheduler
	m     *Manager
	notes []ll.Notification
}

var (
	own   = ll.DeviceAddr{Type: ll.AddrRandom, Addr: ll.MustParseAddr("c0:00:00:00:00:01")}
	peerA = ll.DeviceAddr{Type: ll.AddrPublic, Addr: ll.MustParseAddr("00:11:22:33:44:55")}
	peerB = ll.DeviceAddr{Type: ll.AddrPublic, Addr: ll.MustParseAddr("00:11:22:33:44:66")}
)

func newFixture(t *testing.T) *fixture {
	mem := regio.NewMem()
	pool, err := exch.NewTxPool(mem, 8)
	if err != nil {
		t.Fatal(err)
	}
	ring, err := exch.NewRxRing(mem, 4)
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{t: t, clk: &clock{now: 1000}, conn: &connector{}}
	sc := sched.Config{ProgLatency: 2, SCA: 50, MaxEvents: 9, ConnDuration: 2}
	f.s = sched.New(sc, mem, f.clk, radio{}, dx.New(pool, ring), nopClient{})

	c := config.Default()
	c.WhitelistSize = 2
	c.DupFilterSize = 4
	f.m = New(c, f.s, f.conn, func(n ll.Notification) {
		f.notes = append(f.notes, n)
	}, WithRand(rand.New(rand.NewSource(3))))
	return f
}

func advPDU(typ uint8, from ll.DeviceAddr, data ...byte) exch.RxDesc {
	b := advBuffer(typ, from, data, tagNone)
	return exch.RxDesc{Type: b.Type, TxAdd: b.TxAdd, Payload: b.Payload, RSSI: -40}
}

func connectPDU(req ConnectReq, at uint32) exch.RxDesc {
	b := req.Buffer()
	return exch.RxDesc{Type: b.Type, TxAdd: b.TxAdd, RxAdd: b.RxAdd, Payload: b.Payload, Time: at}
}

func testInd() sched.ConnInd {
	return sched.ConnInd{
		AccessAddr: 0x12345678,
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

func TestAccessAddrGenerated(t *testing.T) {
	g := NewAccessAddrGen(rand.New(rand.NewSource(11)))
	for i := 0; i < 5000; i++ {
		aa, err := g.Next()
		if err != nil {
			t.Fatal(err)
		}
		if aa == sched.AdvAccessAddr {
			t.Fatalf("generated the advertising access address")
		}
		b := [4]uint8{uint8(aa), uint8(aa >> 8), uint8(aa >> 16), uint8(aa >> 24)}
		for x := 0; x < 4; x++ {
			for y := x + 1; y < 4; y++ {
				if b[x] == b[y] {
					t.Fatalf("%08x: bytes %d and %d are equal", aa, x, y)
				}
			}
		}
		run := 1
		for bit := uint(1); bit < 32; bit++ {
			if (aa>>bit)&1 == (aa>>(bit-1))&1 {
				run++
			} else {
				run = 1
			}
			if run > 6 {
				t.Fatalf("%08x: run of %d at bit %d", aa, run, bit)
			}
		}
	}
}

func TestValidAccessAddrRejects(t *testing.T) {
	for _, aa := range []uint32{
		sched.AdvAccessAddr,
		sched.AdvAccessAddr ^ 0x00010000,
		0x00000000,
		0x5A5A5A5A,
		0x3F80C1A5, // seven ones
		0x55AA5AA5, // more than 24 transitions
		0x03C5A96E, // single transition in the top six bits
	} {
		if ValidAccessAddr(aa) {
			t.Fatalf("%08x accepted", aa)
		}
	}
	if !ValidAccessAddr(0x71764129) {
		t.Fatalf("71764129 rejected")
	}
}

func TestDuplicateFiltering(t *testing.T) {
	f := newFixture(t)
	if err := f.m.StartScanning(true); err != nil {
		t.Fatal(err)
	}
	ev := f.m.scan.ev
	f.m.Rx(ev, advPDU(PDUAdvInd, peerA, 0x02, 0x01, 0x06))
	f.m.Rx(ev, advPDU(PDUAdvInd, peerA, 0x02, 0x01, 0x06))
	f.m.Rx(ev, advPDU(PDUScanRsp, peerA, 0x03, 0x09, 'h', 'i'))

	if len(f.notes) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(f.notes))
	}
	want := []uint8{PDUAdvInd, PDUScanRsp}
	for i, n := range f.notes {
		r, ok := n.(ll.AdvertisingReport)
		if !ok {
			t.Fatalf("unexpected %T", n)
		}
		if r.EventType != want[i] || r.Addr != peerA {
			t.Fatalf("report %d: %s from %v", i, PDUName(r.EventType), r.Addr)
		}
	}
	if r := f.notes[1].(ll.AdvertisingReport); string(r.Data) != "\x03\x09hi" {
		t.Fatalf("unexpected scan response data %x", r.Data)
	}
}

func TestScanWithoutFilteringReportsAll(t *testing.T) {
	f := newFixture(t)
	if err := f.m.StartScanning(false); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		f.m.Rx(f.m.scan.ev, advPDU(PDUAdvInd, peerA))
	}
	bad := advPDU(PDUAdvInd, peerB)
	bad.CrcErr = true
	f.m.Rx(f.m.scan.ev, bad)
	if len(f.notes) != 3 {
		t.Fatalf("expected 3 reports, got %d", len(f.notes))
	}
}

func TestDupFilterFull(t *testing.T) {
	d := NewDupFilter(1)
	if ok, err := d.Check(peerA, PDUAdvInd); !ok || err != nil {
		t.Fatalf("first report: %v %v", ok, err)
	}
	for i := 0; i < 2; i++ {
		ok, err := d.Check(peerB, PDUAdvInd)
		if !ok {
			t.Fatalf("device not remembered must be reported")
		}
		if errors.Cause(err) != ll.ErrListFull {
			t.Fatalf("expected ErrListFull, got %v", err)
		}
	}
	if ok, _ := d.Check(peerA, PDUAdvInd); ok {
		t.Fatalf("recorded device reported twice")
	}
	d.Reset()
	if ok, _ := d.Check(peerA, PDUAdvInd); !ok {
		t.Fatalf("reset filter suppressed a report")
	}
}

func TestScanFilterFullReported(t *testing.T) {
	f := newFixture(t)
	if err := f.m.StartScanning(true); err != nil {
		t.Fatal(err)
	}
	ev := f.m.scan.ev
	// the fixture's filter holds 4 devices
	for i := 0; i < 6; i++ {
		a := peerA
		a.Addr[0] = byte(i)
		f.m.Rx(ev, advPDU(PDUAdvInd, a))
	}

	var full []ll.ScanFilterFull
	reports := 0
	for _, n := range f.notes {
		switch n := n.(type) {
		case ll.ScanFilterFull:
			full = append(full, n)
		case ll.AdvertisingReport:
			reports++
		}
	}
	if reports != 6 {
		t.Fatalf("expected every device reported, got %d", reports)
	}
	if len(full) != 1 || full[0].Status != ll.StatusMemCapExceeded || full[0].Size != 4 {
		t.Fatalf("unexpected filter full notifications %+v", full)
	}
	if f.m.DupOverflows() != 2 {
		t.Fatalf("expected 2 overflows, got %d", f.m.DupOverflows())
	}

	if err := f.m.StopScanning(); err != nil {
		t.Fatal(err)
	}
	if err := f.m.StartScanning(true); err != nil {
		t.Fatal(err)
	}
	if f.m.DupOverflows() != 0 {
		t.Fatalf("overflow count survived a new scan")
	}
}

func TestWhitelist(t *testing.T) {
	f := newFixture(t)
	for _, a := range []ll.DeviceAddr{peerA, peerB, peerA} {
		if err := f.m.WhitelistAdd(a); err != nil {
			t.Fatal(err)
		}
	}
	err := f.m.WhitelistAdd(own)
	if errors.Cause(err) != ll.ErrListFull {
		t.Fatalf("expected ErrListFull, got %v", err)
	}
	if ll.StatusOf(err) != ll.StatusMemCapExceeded {
		t.Fatalf("unexpected status %v", ll.StatusOf(err))
	}
	if err := f.m.WhitelistRemove(own); ll.StatusOf(err) != ll.StatusInvalidParams {
		t.Fatalf("removing a missing device: %v", err)
	}

	p := f.m.ScanParams()
	p.FilterPolicy = ll.FilterPolicyAcceptWhitelist
	if err := f.m.SetScanParams(p); err != nil {
		t.Fatal(err)
	}
	if err := f.m.StartScanning(false); err != nil {
		t.Fatal(err)
	}
	if err := f.m.WhitelistRemove(peerA); errors.Cause(err) != ll.ErrBusy {
		t.Fatalf("expected ErrBusy while scanning, got %v", err)
	}
	f.m.Rx(f.m.scan.ev, advPDU(PDUAdvInd, peerB))
	f.m.Rx(f.m.scan.ev, advPDU(PDUAdvInd, own))
	if len(f.notes) != 1 {
		t.Fatalf("expected only the whitelisted device, got %d reports", len(f.notes))
	}
}

func TestConnectReqEncoding(t *testing.T) {
	req := ConnectReq{InitA: peerA, AdvA: own, Ind: testInd()}
	b := req.Buffer()
	if len(b.Payload) != 34 || b.Type != PDUConnectReq || b.TxAdd || !b.RxAdd {
		t.Fatalf("unexpected buffer %+v", b)
	}
	if b.Payload[12] != 0x78 || b.Payload[33] != 5|5<<5 {
		t.Fatalf("unexpected LLData % x", b.Payload[12:])
	}
	got, err := ParseConnectReq(connectPDU(req, 0))
	if err != nil {
		t.Fatal(err)
	}
	if got != req {
		t.Fatalf("expected %+v, got %+v", req, got)
	}

	short := connectPDU(req, 0)
	short.Payload = short.Payload[:30]
	if _, err := ParseConnectReq(short); ll.StatusOf(err) != ll.StatusInvalidLLParams {
		t.Fatalf("short request: %v", err)
	}
}

func (f *fixture) advertise(p ll.AdvParams) *sched.Event {
	if err := f.m.SetAdvParams(p); err != nil {
		f.t.Fatal(err)
	}
	if err := f.m.StartAdvertising(); err != nil {
		f.t.Fatal(err)
	}
	return f.m.adv.ev
}

func TestAdvertiserBecomesSlave(t *testing.T) {
	f := newFixture(t)
	p := ll.DefaultAdvParams()
	p.OwnAddr = own
	p.Data = []byte{0x02, 0x01, 0x06}
	ev := f.advertise(p)
	if ev.Queues.Pending() != 2 {
		t.Fatalf("expected ADV_IND and SCAN_RSP queued, got %d", ev.Queues.Pending())
	}

	f.m.Rx(ev, advPDU(PDUScanReq, peerA))
	scanReq := twoAddrBuffer(PDUScanReq, peerA, own, tagNone)
	f.m.Rx(ev, exch.RxDesc{Type: scanReq.Type, TxAdd: scanReq.TxAdd, RxAdd: scanReq.RxAdd, Payload: scanReq.Payload})
	if len(f.notes) != 1 || f.notes[0].(ll.ScanRequestReceived).Scanner != peerA {
		t.Fatalf("unexpected notifications %+v", f.notes)
	}

	other := connectPDU(ConnectReq{InitA: peerA, AdvA: peerB, Ind: testInd()}, 1000)
	f.m.Rx(ev, other)
	if len(f.conn.connected) != 0 {
		t.Fatalf("accepted a request for another advertiser")
	}

	f.m.Rx(ev, connectPDU(ConnectReq{InitA: peerA, AdvA: own, Ind: testInd()}, 1000))
	if len(f.conn.connected) != 1 {
		t.Fatalf("connection not established")
	}
	c := f.conn.connected[0]
	if c.ev != ev || c.role != ll.RoleSlave || c.peer != peerA || c.ind != testInd() {
		t.Fatalf("unexpected connection %+v", c)
	}
	if ev.Role != sched.RoleSlave || ev.Link != 1 {
		t.Fatalf("unexpected event %v", ev)
	}
	if want := uint32(1000 + sched.TransmitWindowDelay + 2*sched.SlotsPerUnit); ev.Time != want {
		t.Fatalf("expected first anchor at %d, got %d", want, ev.Time)
	}
	if ev.Queues.Pending() != 0 {
		t.Fatalf("advertising buffers left on the link")
	}
	if f.m.Advertising() {
		t.Fatalf("still advertising")
	}
}

// A CONNECT_REQ received at slot 1000 with window offset 2, window size 3,
// interval 40, timeout 200, all channels and hop 5.
func TestConnectRequestFirstAnchor(t *testing.T) {
	f := newFixture(t)
	p := ll.DefaultAdvParams()
	p.OwnAddr = own
	ev := f.advertise(p)

	const rxTime = 1000
	f.m.Rx(ev, connectPDU(ConnectReq{InitA: peerA, AdvA: own, Ind: testInd()}, rxTime))
	if ev.Role != sched.RoleSlave {
		t.Fatalf("not connected: %v", ev)
	}
	// the transmit window opens 1.25ms after the request, then the offset
	if want := uint32(rxTime + 2 + 2*2); ev.Time != want || ev.Anchor.Coarse != want {
		t.Fatalf("expected first anchor at %d, got %d", want, ev.Time)
	}
	if ev.Interval != 80 {
		t.Fatalf("expected interval 80 slots, got %d", ev.Interval)
	}
	if ev.Hop.Channel != 5 {
		t.Fatalf("expected first channel 5, got %d", ev.Hop.Channel)
	}
	if ev.SupervisionTimeout() != (200+1)*sched.SlotsPerTimeoutUnit {
		t.Fatalf("unexpected supervision timeout %d", ev.SupervisionTimeout())
	}
}

func TestAdvertiserIgnoresInvalidRequest(t *testing.T) {
	f := newFixture(t)
	p := ll.DefaultAdvParams()
	p.OwnAddr = own
	ev := f.advertise(p)

	ind := testInd()
	ind.ChMap = 0x01
	f.m.Rx(ev, connectPDU(ConnectReq{InitA: peerA, AdvA: own, Ind: ind}, 1000))

	f.conn.full = true
	f.m.Rx(ev, connectPDU(ConnectReq{InitA: peerA, AdvA: own, Ind: testInd()}, 1000))

	if len(f.conn.connected) != 0 || !f.m.Advertising() || ev.Role != sched.RoleAdvertiser {
		t.Fatalf("invalid request accepted")
	}
}

func TestDirectedAdvertising(t *testing.T) {
	f := newFixture(t)
	p := ll.DefaultAdvParams()
	p.Type = ll.AdvDirectIndHigh
	p.OwnAddr = own
	p.DirectAddr = peerB
	ev := f.advertise(p)
	if ev.Role != sched.RoleDirectAdvertiser || ev.Interval != directInterval {
		t.Fatalf("unexpected event %v", ev)
	}

	f.m.Rx(ev, connectPDU(ConnectReq{InitA: peerA, AdvA: own, Ind: testInd()}, 1000))
	if len(f.conn.connected) != 0 {
		t.Fatalf("accepted a request from an undirected peer")
	}

	f.m.Completed(ev, ll.StatusDirectedAdvTimeout)
	if f.m.Advertising() || len(f.notes) != 1 {
		t.Fatalf("timeout not reported")
	}
	cc := f.notes[0].(ll.ConnectionComplete)
	if cc.Status != ll.StatusDirectedAdvTimeout || cc.Peer != peerB {
		t.Fatalf("unexpected %+v", cc)
	}
}

func (f *fixture) initiate() *sched.Event {
	p := ll.DefaultConnParams()
	p.OwnAddr = own
	p.Peer = peerA
	if err := f.m.CreateConnection(p); err != nil {
		f.t.Fatal(err)
	}
	return f.m.init.ev
}

func TestInitiatorBecomesMaster(t *testing.T) {
	f := newFixture(t)
	ev := f.initiate()
	if err := f.m.CreateConnection(ll.DefaultConnParams()); errors.Cause(err) != ll.ErrBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	req := f.m.init.req
	if !ValidAccessAddr(req.Ind.AccessAddr) || req.Ind.Hop < sched.HopMin || req.Ind.Hop > sched.HopMax {
		t.Fatalf("unexpected request %+v", req.Ind)
	}

	f.m.Rx(ev, advPDU(PDUAdvInd, peerA))
	ev.RxTime = 1010
	f.m.TxConfirmed(ev, []dx.TxConfirm{{Buffer: exch.Buffer{Type: PDUConnectReq, Tag: tagConnectReq}}})

	if len(f.conn.connected) != 1 {
		t.Fatalf("connection not established")
	}
	c := f.conn.connected[0]
	if c.role != ll.RoleMaster || c.peer != peerA || c.ind != req.Ind {
		t.Fatalf("unexpected connection %+v", c)
	}
	if ev.Role != sched.RoleMaster || ev.Link != 1 || ev.Interval != uint32(req.Ind.Interval)*sched.SlotsPerUnit {
		t.Fatalf("unexpected event %v", ev)
	}
	if ev.Time != 1010+sched.TransmitWindowDelay {
		t.Fatalf("expected first anchor at %d, got %d", 1010+sched.TransmitWindowDelay, ev.Time)
	}
	if f.m.Initiating() {
		t.Fatalf("still initiating")
	}
}

func TestCancelConnection(t *testing.T) {
	f := newFixture(t)
	if err := f.m.CancelConnection(); errors.Cause(err) != ll.ErrBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	ev := f.initiate()
	if err := f.m.CancelConnection(); err != nil {
		t.Fatal(err)
	}
	if !ev.Deleted() || len(f.conn.released) != 1 || f.conn.released[0] != 1 {
		t.Fatalf("link not released")
	}
	cc := f.notes[0].(ll.ConnectionComplete)
	if cc.Status != ll.StatusUnknownConnID || cc.Role != ll.RoleMaster {
		t.Fatalf("unexpected %+v", cc)
	}
}

func TestConnectionLimit(t *testing.T) {
	f := newFixture(t)
	f.conn.full = true
	p := ll.DefaultConnParams()
	p.Peer = peerA
	if err := f.m.CreateConnection(p); ll.StatusOf(err) != ll.StatusConnLimitExceeded {
		t.Fatalf("expected connection limit, got %v", err)
	}
	if f.m.Initiating() || len(f.s.Events()) != 0 {
		t.Fatalf("failed attempt left state behind")
	}
}

func TestPRBS9(t *testing.T) {
	b, err := TestPayload(PatternPRBS9, 37)
	if err != nil {
		t.Fatal(err)
	}
	if b[0] != 0xFF {
		t.Fatalf("expected the register seed first, got %02x", b[0])
	}
	long := prbs(160, 9, 4)
	bit := func(i int) byte { return long[i/8] >> uint(i%8) & 1 }
	for i := 0; i+511 < len(long)*8; i++ {
		if bit(i) != bit(i+511) {
			t.Fatalf("sequence not periodic over 511 bits at %d", i)
		}
	}
	ones := 0
	for i := 0; i < 511; i++ {
		ones += int(bit(i))
	}
	if ones != 256 {
		t.Fatalf("expected 256 ones per period, got %d", ones)
	}
}

func TestRxTestCounts(t *testing.T) {
	f := newFixture(t)
	if err := f.m.StartRxTest(40); ll.StatusOf(err) != ll.StatusInvalidParams {
		t.Fatalf("expected invalid channel, got %v", err)
	}
	if err := f.m.StartRxTest(13); err != nil {
		t.Fatal(err)
	}
	ev := f.m.test.ev
	if ev.Hop.Channel != 11 {
		t.Fatalf("rf channel 13 is data channel 11, got %d", ev.Hop.Channel)
	}
	if err := f.m.StartAdvertising(); errors.Cause(err) != ll.ErrBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	for i := 0; i < 4; i++ {
		f.m.Rx(ev, exch.RxDesc{CrcErr: i == 2})
	}
	n, err := f.m.EndTest()
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 || f.notes[0].(ll.TestEnd).Packets != 3 {
		t.Fatalf("expected 3 packets, got %d", n)
	}
	if !ev.Deleted() {
		t.Fatalf("test event left running")
	}
}

func TestRFChannelIndex(t *testing.T) {
	for rf, idx := range map[uint8]uint8{0: 37, 1: 0, 11: 10, 12: 38, 13: 11, 38: 36, 39: 39} {
		if got := rfChannelIndex(rf); got != idx {
			t.Fatalf("rf %d: expected %d, got %d", rf, idx, got)
		}
	}
}
