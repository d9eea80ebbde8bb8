// Package sim models the baseband: an in-memory register file and exchange
// memory, a time counter, and a radio whose only listener is a scripted
// peer. It runs programmed events the way hardware does, one at a time, and
// raises the interrupts the controller expects.
package sim

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rigado/ll"
	"github.com/rigado/ll/exch"
	"github.com/rigado/ll/regio"
	"github.com/rigado/ll/sched"
)

// rssi reported for every PDU the peer sends
const rssi = -60

// Air is one programmed event as the peer sees it.
type Air struct {
	Format     uint32
	Channel    uint8
	Time       uint32
	Counter    uint16
	AccessAddr uint32
	TxCrypt    bool
	RxCrypt    bool
	Tx         []exch.Buffer
}

// Reply is the peer's side of an event.
type Reply struct {
	Rx []exch.Buffer
	// Ack acknowledges every PDU of Air.Tx.
	Ack bool
	// Ended closes the event right after the exchange, as a connection
	// request does.
	Ended bool
}

// Peer is whatever listens on the other side of the radio.
type Peer interface {
	Event(a Air) Reply
}

// Radio records what the scheduler asked of the radio.
type Radio struct {
	mu       sync.Mutex
	channels []uint8
	power    int8
	awake    bool
}

func (r *Radio) SetChannel(ch uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = append(r.channels, ch)
}

func (r *Radio) SetTxPower(level int8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.power = level
}

func (r *Radio) Sleep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.awake = false
}

func (r *Radio) Wake() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.awake = true
}

// Channels returns every channel programmed so far.
func (r *Radio) Channels() []uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint8(nil), r.channels...)
}

func (r *Radio) Awake() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.awake
}

// Hardware is the baseband model. Its register file is the RegisterIO the
// controller is built on.
type Hardware struct {
	*regio.Mem

	radio  Radio
	peer   Peer
	irq    func()
	rxN    int
	rxIdx  int
	now    uint32
	events int
	log    ll.Logger
}

// New returns the model of a baseband whose RX ring has rxDescCount
// descriptors.
func New(rxDescCount int, peer Peer) *Hardware {
	return &Hardware{
		Mem:  regio.NewMem(),
		peer: peer,
		rxN:  rxDescCount,
		log:  ll.Component("sim"),
	}
}

// SetInterrupt connects the interrupt line.
func (h *Hardware) SetInterrupt(f func()) { h.irq = f }

// Radio is the radio driven by the scheduler.
func (h *Hardware) Radio() *Radio { return &h.radio }

// Now returns the time counter.
func (h *Hardware) Now() uint32 { return h.now }

// Events counts the events run so far.
func (h *Hardware) Events() int { return h.events }

func (h *Hardware) advance(t uint32) {
	h.now = t & sched.TimeMask
	if err := h.WriteField(regio.BaseTimeCnt, h.now); err != nil {
		h.log.Errorf("can't update time: %v", err)
	}
}

// Step runs whatever the hardware does next, provided it happens no later
// than until: the programmed event, or the wake-up. With nothing due the
// clock moves to until and Step returns false.
func (h *Hardware) Step(until uint32) bool {
	b := regio.NewBatch(h.Mem)
	prog := b.Flag(regio.EtProg)
	fine := b.Get(regio.FineTarget)
	armed := b.Flag(regio.GrossArmed)
	gross := b.Get(regio.GrossTarget)
	if err := b.Err(); err != nil {
		h.log.Errorf("can't read timers: %v", err)
		return false
	}

	switch {
	case prog:
		if sched.Before(until, fine) {
			break
		}
		if sched.Before(h.now, fine) {
			h.advance(fine)
		}
		h.run(fine)
		return true

	case armed:
		if sched.Before(until, gross) {
			break
		}
		if sched.Before(h.now, gross) {
			h.advance(gross)
		}
		if err := h.WriteField(regio.GrossArmed, 0); err != nil {
			h.log.Errorf("can't disarm: %v", err)
		}
		h.raise(regio.IntWake)
		return true
	}
	if sched.Before(h.now, until) {
		h.advance(until)
	}
	return false
}

// Run steps until the clock reaches until, calling after each step.
func (h *Hardware) Run(until uint32, after func()) {
	for h.Step(until) {
		if after != nil {
			after()
		}
	}
}

// chain reads the TX descriptors from head on. A chain that comes back to
// a descriptor already read is looped.
func (h *Hardware) chain(head uint16) ([]exch.Buffer, []uint16, bool, error) {
	var bufs []exch.Buffer
	var addrs []uint16
	seen := make(map[uint16]bool)
	for a := head; a != 0; {
		if seen[a] {
			return bufs, addrs, true, nil
		}
		seen[a] = true
		buf, next, err := exch.ReadTx(h.Mem, a)
		if err != nil {
			return bufs, addrs, false, err
		}
		bufs = append(bufs, buf)
		addrs = append(addrs, a)
		a = next
	}
	return bufs, addrs, false, nil
}

func (h *Hardware) run(t uint32) {
	h.events++
	cs := regio.CsBase
	b := regio.NewBatch(h.Mem)
	air := Air{
		Format:     b.Get(regio.CsFormat.At(cs)),
		Channel:    uint8(b.Get(regio.CsChIdx.At(cs))),
		Time:       t,
		Counter:    uint16(b.Get(regio.CsEvtCnt.At(cs))),
		AccessAddr: b.Get(regio.CsSyncLo.At(cs)) | b.Get(regio.CsSyncHi.At(cs))<<16,
		TxCrypt:    b.Flag(regio.CsTxCryptEn.At(cs)),
		RxCrypt:    b.Flag(regio.CsRxCryptEn.At(cs)),
	}
	abort := b.Flag(regio.CsDnAbort.At(cs))
	dur := b.Get(regio.CsDuration.At(cs))
	head := uint16(b.Get(regio.CsTxPtr.At(cs)))
	b.Set(regio.EtProg, 0)
	if err := b.Err(); err != nil {
		h.log.Errorf("can't read control structure: %v", err)
		return
	}

	var reply Reply
	tx, addrs, looped, err := h.chain(head)
	if err != nil {
		h.log.Errorf("can't read tx chain: %v", err)
	}
	air.Tx = tx
	if !abort && h.peer != nil {
		reply = h.peer.Event(air)
	}

	rx := 0
	for _, buf := range reply.Rx {
		if err := h.receive(buf, t, air.Channel); err != nil {
			h.log.Warnf("dropped %d bytes: %v", len(buf.Payload), err)
			break
		}
		rx++
	}
	sent := 0
	if reply.Ack && !looped {
		for _, a := range addrs {
			if err := exch.AckTx(h.Mem, a); err != nil {
				h.log.Errorf("can't ack tx: %v", err)
				break
			}
			sent++
		}
	}

	b = regio.NewBatch(h.Mem)
	b.Set(regio.CsRxCnt.At(cs), uint32(rx))
	b.Set(regio.CsSyncErr.At(cs), regio.Bool(rx == 0))
	b.Set(regio.CsCrcErr.At(cs), 0)
	b.Set(regio.CsTxCnt.At(cs), uint32(sent))
	regio.SplitTime(b, regio.CsRxTimeLo.At(cs), regio.CsRxTimeHi.At(cs), t)
	b.Set(regio.CsRxFine.At(cs), 0)
	if err := b.Err(); err != nil {
		h.log.Errorf("can't write event status: %v", err)
	}

	switch {
	case abort:
		dur = 0
	case reply.Ended:
		dur = 1
	}
	if end := sched.Add(t, int32(dur)); sched.Before(h.now, end) {
		h.advance(end)
	}

	bits := regio.IntStart | regio.IntEnd
	if rx > 0 {
		bits |= regio.IntRx
	}
	h.raise(bits)
}

// receive fills the next RX descriptor.
func (h *Hardware) receive(buf exch.Buffer, t uint32, ch uint8) error {
	a := regio.RxDescAddr(h.rxIdx)
	busy, err := h.ReadField(regio.RxDone.At(a))
	if err != nil {
		return err
	}
	if busy != 0 {
		return errors.Errorf("rx descriptor %d still in use", h.rxIdx)
	}
	err = exch.WriteRx(h.Mem, h.rxIdx, exch.RxDesc{
		Type:    buf.Type,
		TxAdd:   buf.TxAdd,
		RxAdd:   buf.RxAdd,
		Payload: buf.Payload,
		RSSI:    rssi,
		Channel: ch,
		Time:    t,
	})
	if err != nil {
		return err
	}
	h.rxIdx = (h.rxIdx + 1) % h.rxN
	return nil
}

// raise sets status bits, dropping the ones acknowledged since the last
// interrupt, and fires the line if an enabled one is set.
func (h *Hardware) raise(bits uint32) {
	b := regio.NewBatch(h.Mem)
	mask := b.Get(regio.IntCntl)
	st := b.Get(regio.IntStat) &^ b.Get(regio.IntAck)
	st |= bits & mask
	b.Set(regio.IntStat, st)
	b.Set(regio.IntAck, 0)
	if err := b.Err(); err != nil {
		h.log.Errorf("can't raise interrupt: %v", err)
		return
	}
	if st != 0 && h.irq != nil {
		h.irq()
	}
}

// Fault reports a hardware error.
func (h *Hardware) Fault(code uint8) {
	if err := h.WriteField(regio.ErrorStat, uint32(code)); err != nil {
		h.log.Errorf("can't write error status: %v", err)
		return
	}
	h.raise(regio.IntError)
}
