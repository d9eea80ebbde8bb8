package controller

import (
	"bytes"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rigado/ll"
	"github.com/rigado/ll/config"
	"github.com/rigado/ll/llc"
	"github.com/rigado/ll/lm"
	"github.com/rigado/ll/sched"
	"github.com/rigado/ll/sim"
)

var (
	local  = ll.DeviceAddr{Type: ll.AddrPublic, Addr: ll.MustParseAddr("c0:ff:ee:00:00:01")}
	remote = ll.DeviceAddr{Type: ll.AddrPublic, Addr: ll.MustParseAddr("c0:ff:ee:00:00:02")}
)

type recorder struct {
	mu    sync.Mutex
	notes []ll.Notification
}

func (r *recorder) add(n ll.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

// find returns the first notification match accepts.
func (r *recorder) find(match func(ll.Notification) bool) (ll.Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.notes {
		if match(n) {
			return n, true
		}
	}
	return nil, false
}

func (r *recorder) count(match func(ll.Notification) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := 0
	for _, n := range r.notes {
		if match(n) {
			c++
		}
	}
	return c
}

func isConnComplete(n ll.Notification) bool {
	_, ok := n.(ll.ConnectionComplete)
	return ok
}

func isDisconnect(n ll.Notification) bool {
	_, ok := n.(ll.DisconnectionComplete)
	return ok
}

type bench struct {
	t   *testing.T
	hw  *sim.Hardware
	dev *sim.Device
	ctl *Controller
	rec *recorder
}

func newBench(t *testing.T, c config.Config) *bench {
	dev := sim.NewDevice(remote, 1)
	hw := sim.New(c.RxDescCount, dev)
	rec := &recorder{}
	ctl, err := New(c, hw, hw.Radio(), rec.add, WithRand(rand.New(rand.NewSource(1))))
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	hw.SetInterrupt(ctl.Interrupt)
	return &bench{t: t, hw: hw, dev: dev, ctl: ctl, rec: rec}
}

// runUntil steps the hardware for at most slots slots, or until cond holds.
func (b *bench) runUntil(slots int32, cond func() bool) bool {
	end := sched.Add(b.hw.Now(), slots)
	for !cond() {
		if !b.hw.Step(end) {
			return cond()
		}
		b.ctl.Sync()
	}
	return true
}

func (b *bench) run(slots int32) {
	b.runUntil(slots, func() bool { return false })
}

func (b *bench) connectAsSlave() ll.ConnectionComplete {
	p := ll.DefaultAdvParams()
	p.IntervalMin, p.IntervalMax = 0x20, 0x20
	p.OwnAddr = local
	if err := b.ctl.SetAdvParams(p); err != nil {
		b.t.Fatalf("set adv params: %v", err)
	}
	if err := b.ctl.SetAdvEnable(true); err != nil {
		b.t.Fatalf("advertise: %v", err)
	}
	b.dev.ConnectTo(local)
	if !b.runUntil(1000, func() bool { return b.rec.count(isConnComplete) > 0 }) {
		b.t.Fatalf("no connection")
	}
	n, _ := b.rec.find(isConnComplete)
	return n.(ll.ConnectionComplete)
}

func (b *bench) connectAsMaster() ll.ConnectionComplete {
	b.dev.AdvData = []byte{0x02, 0x01, 0x06}
	b.dev.Advertise(true)
	p := ll.DefaultConnParams()
	p.ScanInterval, p.ScanWindow = 0x20, 0x10
	p.Peer = remote
	p.OwnAddr = local
	if err := b.ctl.CreateConnection(p); err != nil {
		b.t.Fatalf("create connection: %v", err)
	}
	if !b.runUntil(1000, func() bool { return b.rec.count(isConnComplete) > 0 }) {
		b.t.Fatalf("no connection")
	}
	n, _ := b.rec.find(isConnComplete)
	return n.(ll.ConnectionComplete)
}

func TestSlaveConnection(t *testing.T) {
	b := newBench(t, config.Default())
	cc := b.connectAsSlave()

	if cc.Status != ll.StatusSuccess || cc.Role != ll.RoleSlave || cc.Peer != remote {
		t.Fatalf("connection complete %+v", cc)
	}
	if cc.Interval != sim.DefaultConnInd.Interval || cc.SupervisionTimeout != sim.DefaultConnInd.Timeout {
		t.Fatalf("connection parameters %+v", cc)
	}
	if !b.dev.Connected() {
		t.Fatalf("device not connected")
	}
	if hs, err := b.ctl.Handles(); err != nil || len(hs) != 1 || hs[0] != cc.ConnHandle {
		t.Fatalf("handles %v (%v), want [%d]", hs, err, cc.ConnHandle)
	}

	b.run(400)
	if b.dev.ConnEvents() < 3 {
		t.Fatalf("%d connection events", b.dev.ConnEvents())
	}

	if err := b.ctl.ReadRemoteFeatures(cc.ConnHandle); err != nil {
		t.Fatalf("read features: %v", err)
	}
	isFeatures := func(n ll.Notification) bool {
		_, ok := n.(ll.ReadRemoteFeaturesComplete)
		return ok
	}
	if !b.runUntil(400, func() bool { return b.rec.count(isFeatures) > 0 }) {
		t.Fatalf("no features")
	}
	n, _ := b.rec.find(isFeatures)
	if f := n.(ll.ReadRemoteFeaturesComplete); f.Status != ll.StatusSuccess || f.Features != b.dev.Features {
		t.Fatalf("features %+v", f)
	}

	if err := b.ctl.SendData(cc.ConnHandle, llc.LLIDStart, []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	isCompleted := func(n ll.Notification) bool {
		_, ok := n.(ll.NumberOfCompletedPackets)
		return ok
	}
	if !b.runUntil(400, func() bool { return b.rec.count(isCompleted) > 0 }) {
		t.Fatalf("data not acknowledged")
	}
	found := false
	for _, buf := range b.dev.Received() {
		if buf.Type == llc.LLIDStart && bytes.Equal(buf.Payload, []byte("hello")) {
			found = true
		}
	}
	if !found {
		t.Fatalf("device received %v", b.dev.Received())
	}

	b.dev.Queue(llc.LLIDStart, []byte{1, 2, 3})
	isData := func(n ll.Notification) bool {
		_, ok := n.(ll.DataReceived)
		return ok
	}
	if !b.runUntil(400, func() bool { return b.rec.count(isData) > 0 }) {
		t.Fatalf("no data received")
	}
	n, _ = b.rec.find(isData)
	if d := n.(ll.DataReceived); d.ConnHandle != cc.ConnHandle || !bytes.Equal(d.Data, []byte{1, 2, 3}) {
		t.Fatalf("data %+v", d)
	}
}

func TestPeerTerminates(t *testing.T) {
	b := newBench(t, config.Default())
	cc := b.connectAsSlave()
	b.run(200)

	b.dev.Terminate(ll.StatusRemoteUserTerminated)
	if !b.runUntil(400, func() bool { return b.rec.count(isDisconnect) > 0 }) {
		t.Fatalf("no disconnection")
	}
	n, _ := b.rec.find(isDisconnect)
	if d := n.(ll.DisconnectionComplete); d.ConnHandle != cc.ConnHandle || d.Reason != ll.StatusRemoteUserTerminated {
		t.Fatalf("disconnection %+v", d)
	}
	if hs, err := b.ctl.Handles(); err != nil || len(hs) != 0 {
		t.Fatalf("handles %v (%v) after disconnection", hs, err)
	}
	if err := b.ctl.SendData(cc.ConnHandle, llc.LLIDStart, []byte{1}); ll.StatusOf(err) != ll.StatusUnknownConnID {
		t.Fatalf("send on closed link: %v", err)
	}
}

func TestMasterConnection(t *testing.T) {
	b := newBench(t, config.Default())
	cc := b.connectAsMaster()

	if cc.Status != ll.StatusSuccess || cc.Role != ll.RoleMaster || cc.Peer != remote {
		t.Fatalf("connection complete %+v", cc)
	}
	if !b.dev.Connected() {
		t.Fatalf("device not connected")
	}

	if err := b.ctl.ReadRemoteVersion(cc.ConnHandle); err != nil {
		t.Fatalf("read version: %v", err)
	}
	isVersion := func(n ll.Notification) bool {
		_, ok := n.(ll.ReadRemoteVersionComplete)
		return ok
	}
	if !b.runUntil(400, func() bool { return b.rec.count(isVersion) > 0 }) {
		t.Fatalf("no version")
	}
	n, _ := b.rec.find(isVersion)
	if v := n.(ll.ReadRemoteVersionComplete); v.VersionInfo != b.dev.Version {
		t.Fatalf("version %+v, want %+v", v.VersionInfo, b.dev.Version)
	}

	if err := b.ctl.Disconnect(cc.ConnHandle, ll.StatusRemoteUserTerminated); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if !b.runUntil(400, func() bool { return b.rec.count(isDisconnect) > 0 }) {
		t.Fatalf("no disconnection")
	}
	n, _ = b.rec.find(isDisconnect)
	if d := n.(ll.DisconnectionComplete); d.Reason != ll.StatusLocalHostTerminated {
		t.Fatalf("disconnection %+v", d)
	}
	if b.dev.Connected() {
		t.Fatalf("device still connected")
	}
}

func TestSupervisionTimeout(t *testing.T) {
	b := newBench(t, config.Default())
	cc := b.connectAsMaster()
	b.run(200)

	b.dev.SetSilent(true)
	// 2s plus compensation, in slots, with a margin
	if !b.runUntil(4000, func() bool { return b.rec.count(isDisconnect) > 0 }) {
		t.Fatalf("link not lost")
	}
	n, _ := b.rec.find(isDisconnect)
	if d := n.(ll.DisconnectionComplete); d.ConnHandle != cc.ConnHandle || d.Reason != ll.StatusConnTimeout {
		t.Fatalf("disconnection %+v", d)
	}
	if b.rec.count(isDisconnect) != 1 {
		t.Fatalf("disconnection reported %d times", b.rec.count(isDisconnect))
	}
}

func TestEncryptionUnsupportedByPeer(t *testing.T) {
	b := newBench(t, config.Default())
	cc := b.connectAsMaster()

	if err := b.ctl.StartEncryption(cc.ConnHandle, 1, 2, [16]byte{1}); err != nil {
		t.Fatalf("start encryption: %v", err)
	}
	isEnc := func(n ll.Notification) bool {
		_, ok := n.(ll.EncryptionChange)
		return ok
	}
	if !b.runUntil(400, func() bool { return b.rec.count(isEnc) > 0 }) {
		t.Fatalf("no encryption change")
	}
	n, _ := b.rec.find(isEnc)
	if e := n.(ll.EncryptionChange); e.Status != ll.StatusUnsupportedRemoteFeature || e.Enabled {
		t.Fatalf("encryption change %+v", e)
	}
}

func TestHostChannelMap(t *testing.T) {
	b := newBench(t, config.Default())
	cc := b.connectAsMaster()

	const m = 0x00000000FF
	if err := b.ctl.SetHostChannelMap(m); err != nil {
		t.Fatalf("set channel map: %v", err)
	}
	// the instant is at most latency + 6 events away
	b.run(12 * 80)

	if err := b.ctl.ReadChannelMap(cc.ConnHandle); err != nil {
		t.Fatalf("read channel map: %v", err)
	}
	n, ok := b.rec.find(func(n ll.Notification) bool {
		_, ok := n.(ll.ReadChannelMapComplete)
		return ok
	})
	if !ok {
		t.Fatalf("no channel map")
	}
	if r := n.(ll.ReadChannelMapComplete); r.ChannelMap != m {
		t.Fatalf("channel map %010X, want %010X", r.ChannelMap, uint64(m))
	}
	for _, ch := range b.hw.Radio().Channels()[len(b.hw.Radio().Channels())-3:] {
		if ch >= 8 {
			t.Fatalf("channel %d used after the map change", ch)
		}
	}
}

func TestScanReports(t *testing.T) {
	b := newBench(t, config.Default())
	b.dev.AdvData = []byte{0x02, 0x01, 0x06}
	b.dev.Advertise(true)

	p := ll.DefaultScanParams()
	p.Active = false
	p.Interval, p.Window = 0x20, 0x10
	p.OwnAddr = local
	if err := b.ctl.SetScanParams(p); err != nil {
		t.Fatalf("scan params: %v", err)
	}
	if err := b.ctl.SetScanEnable(true, true); err != nil {
		t.Fatalf("scan: %v", err)
	}
	b.run(400)

	isReport := func(n ll.Notification) bool {
		_, ok := n.(ll.AdvertisingReport)
		return ok
	}
	if c := b.rec.count(isReport); c != 1 {
		t.Fatalf("%d reports with duplicate filtering", c)
	}
	n, _ := b.rec.find(isReport)
	r := n.(ll.AdvertisingReport)
	if r.Addr != remote || r.EventType != lm.PDUAdvInd || !bytes.Equal(r.Data, b.dev.AdvData) {
		t.Fatalf("report %+v", r)
	}
	if err := b.ctl.SetScanEnable(false, false); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestRxTest(t *testing.T) {
	b := newBench(t, config.Default())
	b.dev.TransmitTest(true)
	if err := b.ctl.RxTest(5); err != nil {
		t.Fatalf("rx test: %v", err)
	}
	b.run(100)
	n, err := b.ctl.TestEnd()
	if err != nil {
		t.Fatalf("test end: %v", err)
	}
	if n == 0 {
		t.Fatalf("no test packet counted")
	}
	if _, ok := b.rec.find(func(n ll.Notification) bool {
		_, ok := n.(ll.TestEnd)
		return ok
	}); !ok {
		t.Fatalf("no test end")
	}
}

func TestHardwareError(t *testing.T) {
	b := newBench(t, config.Default())
	b.hw.Fault(0x20)
	b.ctl.Sync()

	n, ok := b.rec.find(func(n ll.Notification) bool {
		_, ok := n.(ll.HardwareError)
		return ok
	})
	if !ok {
		t.Fatalf("no hardware error")
	}
	if e := n.(ll.HardwareError); e.Code != 0x20 {
		t.Fatalf("hardware error %+v", e)
	}
}

func TestRequestErrors(t *testing.T) {
	b := newBench(t, config.Default())

	if err := b.ctl.Disconnect(5, ll.StatusRemoteUserTerminated); ll.StatusOf(err) != ll.StatusUnknownConnID {
		t.Fatalf("disconnect unknown link: %v", err)
	}
	if err := b.ctl.Disconnect(5, ll.StatusConnTimeout); ll.StatusOf(err) != ll.StatusInvalidParams {
		t.Fatalf("disconnect with a bad reason: %v", err)
	}
	if err := b.ctl.SetHostChannelMap(1); ll.StatusOf(err) != ll.StatusInvalidParams {
		t.Fatalf("one channel map: %v", err)
	}
	if _, err := b.ctl.TestEnd(); ll.StatusOf(err) != ll.StatusCommandDisallowed {
		t.Fatalf("test end without test: %v", err)
	}
}

func TestConnectionLimit(t *testing.T) {
	c := config.Default()
	c.MaxConnections = 1
	b := newBench(t, c)
	b.connectAsSlave()

	p := ll.DefaultConnParams()
	p.Peer = remote
	if err := b.ctl.CreateConnection(p); ll.StatusOf(err) != ll.StatusConnLimitExceeded {
		t.Fatalf("second connection: %v", err)
	}
}

func TestLoop(t *testing.T) {
	b := newBench(t, config.Default())
	if err := b.ctl.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := b.ctl.Start(); err == nil {
		t.Fatalf("started twice")
	}

	cc := b.connectAsSlave()
	if cc.Status != ll.StatusSuccess {
		t.Fatalf("connection complete %+v", cc)
	}
	if _, err := b.ctl.LinkInfo(cc.ConnHandle); err != nil {
		t.Fatalf("link info: %v", err)
	}

	if err := b.ctl.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := b.ctl.Stop(); err == nil {
		t.Fatalf("stopped twice")
	}
}

// The handler runs requests of its own, here on the first connection.
func TestHandlerCallsBack(t *testing.T) {
	b := newBench(t, config.Default())
	type answer struct {
		hs  []uint16
		err error
	}
	answers := make(chan answer, 1)
	b.ctl.notify = func(n ll.Notification) {
		b.rec.add(n)
		cc, ok := n.(ll.ConnectionComplete)
		if !ok || cc.Status != ll.StatusSuccess {
			return
		}
		hs, err := b.ctl.Handles()
		if err == nil {
			_, err = b.ctl.LinkInfo(cc.ConnHandle)
		}
		answers <- answer{hs, err}
	}
	if err := b.ctl.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	p := ll.DefaultAdvParams()
	p.IntervalMin, p.IntervalMax = 0x20, 0x20
	p.OwnAddr = local
	if err := b.ctl.SetAdvParams(p); err != nil {
		t.Fatalf("set adv params: %v", err)
	}
	if err := b.ctl.SetAdvEnable(true); err != nil {
		t.Fatalf("advertise: %v", err)
	}
	b.dev.ConnectTo(local)
	ran := make(chan bool, 1)
	go func() {
		ran <- b.runUntil(1000, func() bool { return b.rec.count(isConnComplete) > 0 })
	}()

	var a answer
	select {
	case a = <-answers:
	case <-time.After(5 * time.Second):
		t.Fatalf("handler request never returned")
	}
	if !<-ran {
		t.Fatalf("no connection")
	}
	n, _ := b.rec.find(isConnComplete)
	if a.err != nil || len(a.hs) != 1 || a.hs[0] != n.(ll.ConnectionComplete).ConnHandle {
		t.Fatalf("handler saw handles %v: %v", a.hs, a.err)
	}
	if err := b.ctl.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestHandlesOnStoppedLoop(t *testing.T) {
	b := newBench(t, config.Default())
	if err := b.ctl.q.start(1); err != nil {
		t.Fatal(err)
	}
	// nothing serves the queue: stop it once the request is in
	go func() {
		for len(b.ctl.q.actCh) == 0 {
			time.Sleep(time.Millisecond)
		}
		b.ctl.q.stop(errInactive)
	}()
	if hs, err := b.ctl.Handles(); err == nil || hs != nil {
		t.Fatalf("handles %v from a stopped loop", hs)
	}
}
