package lm

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/rigado/ll"
	"github.com/rigado/ll/exch"
	"github.com/rigado/ll/sched"
)

// Pattern is the payload of a transmitter test packet.
type Pattern uint8

const (
	PatternPRBS9 Pattern = iota
	Pattern11110000
	Pattern10101010
	PatternPRBS15
	PatternAllOnes
	PatternAllZeros
	Pattern00001111
	Pattern01010101
)

const (
	// a test packet every 1.25ms
	testInterval = 2
	// RFChannels is the number of RF channels, advertising ones included.
	RFChannels     = 40
	maxTestPayload = 37
)

type rfTest struct {
	ev      *sched.Event
	rx      bool
	packets uint16
}

// prbs returns n bytes of a maximal length sequence, least significant bit
// first, from an all ones register of width bits with feedback from tap.
func prbs(n int, width, tap uint) []byte {
	state := uint32(1)<<width - 1
	out := make([]byte, n)
	for i := range out {
		var b byte
		for j := uint(0); j < 8; j++ {
			b |= byte(state&1) << j
			fb := (state ^ state>>tap) & 1
			state = state>>1 | fb<<(width-1)
		}
		out[i] = b
	}
	return out
}

// TestPayload returns n bytes of pattern p.
func TestPayload(p Pattern, n int) ([]byte, error) {
	if n < 0 || n > maxTestPayload {
		return nil, errors.Wrapf(ll.StatusInvalidParams, "test payload length %d", n)
	}
	fill := func(v byte) []byte {
		b := make([]byte, n)
		for i := range b {
			b[i] = v
		}
		return b
	}
	switch p {
	case PatternPRBS9:
		return prbs(n, 9, 4), nil
	case PatternPRBS15:
		return prbs(n, 15, 1), nil
	case Pattern11110000:
		return fill(0x0F), nil
	case Pattern10101010:
		return fill(0x55), nil
	case PatternAllOnes:
		return fill(0xFF), nil
	case PatternAllZeros:
		return fill(0x00), nil
	case Pattern00001111:
		return fill(0xF0), nil
	case Pattern01010101:
		return fill(0xAA), nil
	}
	return nil, errors.Wrapf(ll.StatusInvalidParams, "test pattern %d", p)
}

var patternName = [...]string{
	PatternPRBS9:    "prbs9",
	Pattern11110000: "11110000",
	Pattern10101010: "10101010",
	PatternPRBS15:   "prbs15",
	PatternAllOnes:  "11111111",
	PatternAllZeros: "00000000",
	Pattern00001111: "00001111",
	Pattern01010101: "01010101",
}

func (p Pattern) String() string {
	if int(p) < len(patternName) {
		return patternName[p]
	}
	return fmt.Sprintf("pattern(%d)", uint8(p))
}

// rfChannelIndex maps an RF channel (0 at 2402MHz) to the channel index the
// radio is programmed with.
func rfChannelIndex(rf uint8) uint8 {
	switch {
	case rf == 0:
		return sched.AdvChannel37
	case rf == 12:
		return sched.AdvChannel38
	case rf == 39:
		return sched.AdvChannel39
	case rf < 12:
		return rf - 1
	}
	return rf - 2
}

func (m *Manager) startTest(role sched.Role, rf uint8, buf *exch.Buffer) error {
	if m.test.ev != nil || m.adv.ev != nil || m.scan.ev != nil || m.init.ev != nil {
		return errors.Wrap(ll.ErrBusy, "radio in use")
	}
	if rf >= RFChannels {
		return errors.Wrapf(ll.StatusInvalidParams, "rf channel %d", rf)
	}
	ev, err := m.s.Create(role, ll.NoHandle, 1, testInterval, testInterval, 0)
	if err != nil {
		return errors.Wrap(err, "can't start test")
	}
	ev.Hop.Channel = rfChannelIndex(rf)
	ev.TxPower = m.cfg.TxPower
	if buf != nil {
		if err := m.push(ev, *buf); err != nil {
			m.drop(ev)
			return err
		}
	}
	m.test = rfTest{ev: ev, rx: buf == nil}
	m.log.Infof("%v on rf channel %d", role, rf)
	return nil
}

// StartTxTest sends a packet of n bytes of pattern p every 1.25ms.
func (m *Manager) StartTxTest(rf uint8, n int, p Pattern) error {
	payload, err := TestPayload(p, n)
	if err != nil {
		return err
	}
	buf := exch.Buffer{Type: uint8(p), Payload: payload, Tag: tagTest}
	return m.startTest(sched.RoleTxTest, rf, &buf)
}

// StartRxTest counts the valid packets received on rf.
func (m *Manager) StartRxTest(rf uint8) error {
	return m.startTest(sched.RoleRxTest, rf, nil)
}

// EndTest stops the running test and reports how many packets it received,
// or sent for a transmitter test.
func (m *Manager) EndTest() (uint16, error) {
	t := m.test
	if t.ev == nil {
		return 0, errors.Wrap(ll.ErrBusy, "no test running")
	}
	n := t.packets
	if !t.rx {
		n = t.ev.Counter - uint16(t.ev.Missed)
	}
	m.test = rfTest{}
	m.drop(t.ev)
	m.notify(ll.TestEnd{Status: ll.StatusSuccess, Packets: n})
	return n, nil
}

func (m *Manager) testRx(ev *sched.Event, d exch.RxDesc) {
	if m.test.rx && d.Valid() {
		m.test.packets++
	}
}
