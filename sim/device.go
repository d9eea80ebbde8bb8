package sim

import (
	"math/rand"
	"sync"

	"github.com/rigado/ll"
	"github.com/rigado/ll/exch"
	"github.com/rigado/ll/llc"
	"github.com/rigado/ll/lm"
	"github.com/rigado/ll/regio"
	"github.com/rigado/ll/sched"
)

// DefaultConnInd is what a Device offers when it connects: 50ms interval, no
// latency, 2s supervision timeout, every data channel.
var DefaultConnInd = sched.ConnInd{
	CRCInit:   0x5A5A5A,
	WinSize:   2,
	WinOffset: 2,
	Interval:  40,
	Timeout:   200,
	ChMap:     sched.ChannelMapAll,
	Hop:       7,
	SCA:       5,
}

const testPayloadLen = 37

type devConn struct {
	aa     uint32
	master bool
	peer   ll.DeviceAddr
	ind    sched.ConnInd
	events int
	// closing drops the connection after the current event
	closing bool
}

// Device is a scripted peer: it advertises, answers scans, connects or
// accepts a connection, and inside a connection acknowledges everything and
// answers the feature and version exchanges on its own.
type Device struct {
	Addr     ll.DeviceAddr
	AdvData  []byte
	ScanRsp  []byte
	Features uint64
	Version  ll.VersionInfo
	// ConnInd is offered when the device connects; DefaultConnInd if zero.
	ConnInd sched.ConnInd

	mu          sync.Mutex
	advertising bool
	connectTo   *ll.DeviceAddr
	scanReq     bool
	testTx      bool
	silent      bool
	versionSent bool
	conn        *devConn
	queue       []exch.Buffer
	received    []exch.Buffer
	adverts     []exch.Buffer
	aa          *lm.AccessAddrGen
	log         ll.Logger
}

func NewDevice(addr ll.DeviceAddr, seed int64) *Device {
	return &Device{
		Addr:     addr,
		Features: 0x01,
		Version:  ll.VersionInfo{Version: 0x06, CompanyID: 0xFFFF, SubVersion: 0x0001},
		aa:       lm.NewAccessAddrGen(rand.New(rand.NewSource(seed))),
		log:      ll.Component("device").ChildLogger(map[string]interface{}{"addr": addr.Addr}),
	}
}

// Advertise makes the device visible to scanners and initiators.
func (d *Device) Advertise(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.advertising = on
}

// ConnectTo makes the device answer the next advertisement of a with a
// connection request.
func (d *Device) ConnectTo(a ll.DeviceAddr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectTo = &a
}

// ScanRequests makes the device send SCAN_REQ to scannable advertisers.
func (d *Device) ScanRequests(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scanReq = on
}

// TransmitTest makes the device send a test packet in every receiver test
// event.
func (d *Device) TransmitTest(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.testTx = on
}

// SetSilent stops (or resumes) every transmission inside a connection.
func (d *Device) SetSilent(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.silent = on
}

func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn != nil
}

// ConnEvents counts the connection events the device took part in.
func (d *Device) ConnEvents() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return 0
	}
	return d.conn.events
}

// Queue sends a data PDU in the next connection event.
func (d *Device) Queue(llid uint8, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, exch.Buffer{Type: llid, Payload: append([]byte(nil), data...)})
}

// QueueControl sends a control PDU in the next connection event.
func (d *Device) QueueControl(p llc.PDU) {
	d.Queue(llc.LLIDControl, llc.Marshal(p))
}

// Terminate sends LL_TERMINATE_IND and drops the connection once sent.
func (d *Device) Terminate(reason ll.Status) {
	d.QueueControl(llc.TerminateInd{Reason: reason})
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		d.conn.closing = true
	}
}

// Received returns the non-empty data channel PDUs received so far.
func (d *Device) Received() []exch.Buffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]exch.Buffer(nil), d.received...)
}

// Adverts returns the advertising channel PDUs heard so far.
func (d *Device) Adverts() []exch.Buffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]exch.Buffer(nil), d.adverts...)
}

func (d *Device) Event(a Air) Reply {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch a.Format {
	case regio.FmtLDAdvertiser, regio.FmtHDAdvertiser:
		return d.advertiserEvent(a)
	case regio.FmtPassiveScanner, regio.FmtActiveScanner:
		return d.scannerEvent(a)
	case regio.FmtInitiator:
		return d.initiatorEvent(a)
	case regio.FmtMasterConnect, regio.FmtSlaveConnect:
		return d.connEvent(a)
	case regio.FmtRxTest:
		if d.testTx {
			p, err := lm.TestPayload(lm.PatternPRBS9, testPayloadLen)
			if err == nil {
				return Reply{Rx: []exch.Buffer{{Type: uint8(lm.PatternPRBS9), Payload: p}}}
			}
		}
	}
	return Reply{}
}

func (d *Device) addrBytes() []byte {
	return append([]byte(nil), d.Addr.Addr[:]...)
}

func (d *Device) random() bool {
	return d.Addr.Type == ll.AddrRandom
}

// advertiserEvent listens to the local advertiser.
func (d *Device) advertiserEvent(a Air) Reply {
	if d.conn != nil {
		return Reply{}
	}
	d.adverts = append(d.adverts, a.Tx...)
	for _, buf := range a.Tx {
		if buf.Type != lm.PDUAdvInd && buf.Type != lm.PDUAdvDirectInd && buf.Type != lm.PDUAdvScanInd {
			continue
		}
		adv, err := lm.AdvAddr(exch.RxDesc{Type: buf.Type, TxAdd: buf.TxAdd, RxAdd: buf.RxAdd, Payload: buf.Payload})
		if err != nil {
			continue
		}
		if d.connectTo != nil && *d.connectTo == adv && buf.Type != lm.PDUAdvScanInd {
			return d.connect(adv)
		}
		if d.scanReq && buf.Type != lm.PDUAdvDirectInd {
			p := append(d.addrBytes(), adv.Addr[:]...)
			return Reply{Rx: []exch.Buffer{{Type: lm.PDUScanReq, TxAdd: d.random(), RxAdd: adv.Type == ll.AddrRandom, Payload: p}}}
		}
	}
	return Reply{}
}

func (d *Device) connect(adv ll.DeviceAddr) Reply {
	ind := d.ConnInd
	if ind.Interval == 0 {
		ind = DefaultConnInd
	}
	aa, err := d.aa.Next()
	if err != nil {
		d.log.Errorf("no access address: %v", err)
		return Reply{}
	}
	ind.AccessAddr = aa
	req := lm.ConnectReq{InitA: d.Addr, AdvA: adv, Ind: ind}
	d.conn = &devConn{aa: aa, master: true, peer: adv, ind: ind}
	d.connectTo = nil
	d.versionSent = false
	d.log.Infof("connecting to %v, aa %08x", adv, aa)
	return Reply{Rx: []exch.Buffer{req.Buffer()}, Ended: true}
}

// scannerEvent shows the device's advertisement to the local scanner.
func (d *Device) scannerEvent(a Air) Reply {
	if !d.advertising || d.conn != nil {
		return Reply{}
	}
	r := Reply{Rx: []exch.Buffer{{Type: lm.PDUAdvInd, TxAdd: d.random(), Payload: append(d.addrBytes(), d.AdvData...)}}}
	if a.Format == regio.FmtActiveScanner && len(a.Tx) > 0 && a.Tx[0].Type == lm.PDUScanReq {
		r.Rx = append(r.Rx, exch.Buffer{Type: lm.PDUScanRsp, TxAdd: d.random(), Payload: append(d.addrBytes(), d.ScanRsp...)})
	}
	return r
}

// initiatorEvent advertises to the local initiator and takes its
// connection request when it targets the device.
func (d *Device) initiatorEvent(a Air) Reply {
	if !d.advertising || d.conn != nil {
		return Reply{}
	}
	adv := exch.Buffer{Type: lm.PDUAdvInd, TxAdd: d.random(), Payload: append(d.addrBytes(), d.AdvData...)}
	for _, buf := range a.Tx {
		req, err := lm.ParseConnectReq(exch.RxDesc{Type: buf.Type, TxAdd: buf.TxAdd, RxAdd: buf.RxAdd, Payload: buf.Payload})
		if err != nil || req.AdvA != d.Addr {
			continue
		}
		d.conn = &devConn{aa: req.Ind.AccessAddr, peer: req.InitA, ind: req.Ind}
		d.advertising = false
		d.versionSent = false
		d.log.Infof("connection from %v, aa %08x", req.InitA, req.Ind.AccessAddr)
		return Reply{Rx: []exch.Buffer{adv}, Ack: true, Ended: true}
	}
	return Reply{Rx: []exch.Buffer{adv}}
}

func (d *Device) connEvent(a Air) Reply {
	c := d.conn
	if c == nil || a.AccessAddr != c.aa || d.silent {
		return Reply{}
	}
	c.events++
	for _, buf := range a.Tx {
		if len(buf.Payload) == 0 {
			continue
		}
		d.received = append(d.received, buf)
		if buf.Type == llc.LLIDControl {
			d.control(buf.Payload)
		}
	}

	r := Reply{Ack: true}
	if len(d.queue) == 0 {
		r.Rx = []exch.Buffer{{Type: llc.LLIDContinue}}
	} else {
		r.Rx, d.queue = d.queue, nil
	}
	if c.closing {
		d.log.Info("connection closed")
		d.conn = nil
	}
	return r
}

// control answers what a device without encryption or parameter requests
// has to answer.
func (d *Device) control(b []byte) {
	p, err := llc.Unmarshal(b)
	if err != nil {
		if e, ok := err.(llc.UnknownOpcodeError); ok {
			d.reply(llc.UnknownRsp{Type: e.Op})
		}
		return
	}
	switch v := p.(type) {
	case llc.FeatureReq, llc.SlaveFeatureReq:
		d.reply(llc.FeatureRsp{Features: d.Features})
	case llc.VersionInd:
		if !d.versionSent {
			d.reply(llc.VersionInd{VersionInfo: d.Version})
			d.versionSent = true
		}
	case llc.TerminateInd:
		d.log.Infof("terminated: %v", v.Reason)
		d.conn.closing = true
	case llc.EncReq, llc.PauseEncReq, llc.ConnParamReq:
		d.reply(llc.UnknownRsp{Type: p.Opcode()})
	case llc.ConnUpdateReq:
		d.conn.ind.Interval = v.Interval
		d.conn.ind.Latency = v.Latency
		d.conn.ind.Timeout = v.Timeout
	case llc.ChannelMapReq:
		d.conn.ind.ChMap = v.Map
	}
}

func (d *Device) reply(p llc.PDU) {
	d.queue = append(d.queue, exch.Buffer{Type: llc.LLIDControl, Payload: llc.Marshal(p)})
}
