package dx

import (
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/rigado/ll"
	"github.com/rigado/ll/exch"
	"github.com/rigado/ll/regio"
)

func newDriver(t *testing.T, ntx, nrx int) (*Driver, *regio.Mem) {
	m := regio.NewMem()
	pool, err := exch.NewTxPool(m, ntx)
	if err != nil {
		t.Fatal(err)
	}
	ring, err := exch.NewRxRing(m, nrx)
	if err != nil {
		t.Fatal(err)
	}
	return New(pool, ring), m
}

// ack marks the first n programmed descriptors as transmitted.
func ack(t *testing.T, m *regio.Mem, q *Queues, n int) {
	for k := 0; k < n && k < len(q.prog); k++ {
		if err := exch.AckTx(m, regio.TxDescAddr(q.prog[k])); err != nil {
			t.Fatal(err)
		}
	}
}

func TestPushProgCheck(t *testing.T) {
	d, m := newDriver(t, 4, 4)
	q := NewQueues(1)

	for i := 0; i < 3; i++ {
		if err := d.TxPush(&q, exch.Buffer{Type: 2, Payload: []byte{byte(i)}, Tag: uint8(i)}); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if q.Ready() != 3 || q.Programmed() != 0 {
		t.Fatalf("unexpected queue state %d/%d", q.Ready(), q.Programmed())
	}

	if err := d.TxProg(&q); err != nil {
		t.Fatal(err)
	}
	if q.Ready() != 0 || q.Programmed() != 3 {
		t.Fatalf("unexpected queue state %d/%d", q.Ready(), q.Programmed())
	}

	// chain in exchange memory follows the programmed order
	addr := regio.TxDescAddr(q.Head())
	for i := 0; i < 3; i++ {
		buf, next, err := exch.ReadTx(m, addr)
		if err != nil {
			t.Fatal(err)
		}
		if buf.Payload[0] != byte(i) {
			t.Fatalf("chain order broken at %d", i)
		}
		addr = next
	}
	if addr != 0 {
		t.Fatalf("chain not terminated")
	}

	ack(t, m, &q, 2)
	conf, err := d.Check(&q, 0, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(conf) != 2 || conf[0].Tag != 0 || conf[1].Tag != 1 {
		t.Fatalf("unexpected confirmations %+v", conf)
	}
	if q.Programmed() != 1 || d.Pool().Available() != 3 {
		t.Fatalf("expected 1 programmed and 3 free, got %d/%d", q.Programmed(), d.Pool().Available())
	}
	if err := d.Conserved(&q); err != nil {
		t.Fatal(err)
	}
}

func TestPushExhaustion(t *testing.T) {
	d, _ := newDriver(t, 2, 2)
	q := NewQueues(1)
	for i := 0; i < 2; i++ {
		if err := d.TxPush(&q, exch.Buffer{}); err != nil {
			t.Fatal(err)
		}
	}
	if err := d.TxPush(&q, exch.Buffer{}); errors.Cause(err) != ll.ErrNoBuffer {
		t.Fatalf("expected ErrNoBuffer, got %v", err)
	}
}

func TestRxOnlySkipsTx(t *testing.T) {
	d, m := newDriver(t, 2, 4)
	q := NewQueues(7)
	if err := d.TxPush(&q, exch.Buffer{}); err != nil {
		t.Fatal(err)
	}
	if err := d.TxProg(&q); err != nil {
		t.Fatal(err)
	}
	ack(t, m, &q, 1)

	for i := 0; i < 2; i++ {
		if err := exch.WriteRx(m, i, exch.RxDesc{Type: 2, Payload: []byte{0x10 + byte(i)}, Channel: 9}); err != nil {
			t.Fatal(err)
		}
	}

	var got []exch.RxDesc
	conf, err := d.Check(&q, 2, true, func(r exch.RxDesc) { got = append(got, r) })
	if err != nil {
		t.Fatal(err)
	}
	if len(conf) != 0 || q.Programmed() != 1 {
		t.Fatalf("rx only check confirmed tx")
	}
	if len(got) != 2 || got[0].Payload[0] != 0x10 || got[1].Payload[0] != 0x11 || got[1].Channel != 9 {
		t.Fatalf("unexpected rx %+v", got)
	}
	if d.Ring().Current() != 2 {
		t.Fatalf("ring not advanced: %d", d.Ring().Current())
	}

	// the ring wraps
	for i := 2; i < 5; i++ {
		if err := exch.WriteRx(m, i%4, exch.RxDesc{Payload: []byte{byte(i)}}); err != nil {
			t.Fatal(err)
		}
	}
	got = nil
	if _, err := d.Check(&q, 3, true, func(r exch.RxDesc) { got = append(got, r) }); err != nil {
		t.Fatal(err)
	}
	if d.Ring().Current() != 1 || got[2].Payload[0] != 4 {
		t.Fatalf("ring did not wrap in order")
	}
}

func TestLoopReplacedOnNewData(t *testing.T) {
	d, m := newDriver(t, 4, 2)
	q := NewQueues(3)
	if err := d.TxPush(&q, exch.Buffer{Payload: []byte{1}}); err != nil {
		t.Fatal(err)
	}
	if err := d.TxProg(&q); err != nil {
		t.Fatal(err)
	}
	if err := d.TxLoop(&q); err != nil {
		t.Fatal(err)
	}

	_, next, _ := exch.ReadTx(m, regio.TxDescAddr(q.Head()))
	if next != regio.TxDescAddr(q.Head()) {
		t.Fatalf("loop not closed")
	}

	// looped descriptors are never confirmed
	ack(t, m, &q, 1)
	if conf, _ := d.Check(&q, 0, false, nil); len(conf) != 0 {
		t.Fatalf("looped chain confirmed")
	}

	if err := d.TxPush(&q, exch.Buffer{Payload: []byte{2}}); err != nil {
		t.Fatal(err)
	}
	if err := d.TxProg(&q); err != nil {
		t.Fatal(err)
	}
	if q.Looped() || q.Programmed() != 1 || d.Pool().Available() != 3 {
		t.Fatalf("loop not replaced: looped=%v prog=%d free=%d", q.Looped(), q.Programmed(), d.Pool().Available())
	}
	if err := d.Conserved(&q); err != nil {
		t.Fatal(err)
	}
}

func TestFlushReturnsEverythingOnce(t *testing.T) {
	d, _ := newDriver(t, 6, 2)
	q := NewQueues(1)
	for i := 0; i < 4; i++ {
		if err := d.TxPush(&q, exch.Buffer{}); err != nil {
			t.Fatal(err)
		}
	}
	if err := d.TxProg(&q); err != nil {
		t.Fatal(err)
	}
	if err := d.TxPush(&q, exch.Buffer{}); err != nil {
		t.Fatal(err)
	}

	n, err := d.TxFlush(&q)
	if err != nil || n != 5 {
		t.Fatalf("flush returned %d, %v", n, err)
	}
	if d.Pool().Available() != 6 {
		t.Fatalf("leak: %d free", d.Pool().Available())
	}
	if n, err := d.TxFlush(&q); n != 0 || err != nil {
		t.Fatalf("second flush freed %d (%v)", n, err)
	}

	// releasing a free descriptor is a double free
	if err := d.Pool().Transfer(0, exch.NoQueue, exch.Free, exch.Free); err == nil {
		t.Fatalf("double free not detected")
	}
}

func TestDescriptorConservation(t *testing.T) {
	d, m := newDriver(t, 8, 4)
	qs := []*Queues{}
	for i := 0; i < 3; i++ {
		q := NewQueues(i)
		qs = append(qs, &q)
	}

	r := rand.New(rand.NewSource(42))
	for step := 0; step < 2000; step++ {
		q := qs[r.Intn(len(qs))]
		switch r.Intn(5) {
		case 0, 1:
			err := d.TxPush(q, exch.Buffer{Payload: []byte{byte(step)}})
			if err != nil && errors.Cause(err) != ll.ErrNoBuffer {
				t.Fatalf("step %d: push: %v", step, err)
			}
		case 2:
			if err := d.TxProg(q); err != nil {
				t.Fatalf("step %d: prog: %v", step, err)
			}
		case 3:
			ack(t, m, q, r.Intn(3))
			if _, err := d.Check(q, 0, false, nil); err != nil {
				t.Fatalf("step %d: check: %v", step, err)
			}
		case 4:
			if r.Intn(4) == 0 {
				if _, err := d.TxFlush(q); err != nil {
					t.Fatalf("step %d: flush: %v", step, err)
				}
			}
		}
		if err := d.Conserved(qs...); err != nil {
			t.Fatalf("step %d: %v", step, err)
		}
	}
}
