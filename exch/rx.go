package exch

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/rigado/ll/regio"
)

// RxDesc is a received PDU as reported by hardware.
type RxDesc struct {
	Index   int
	SyncErr bool
	CrcErr  bool
	LenErr  bool
	MicErr  bool
	Type    uint8 // advertising PDU type, or LLID
	TxAdd   bool
	RxAdd   bool
	Payload []byte
	RSSI    int8
	Channel uint8
	Time    uint32 // coarse slot counter at sync
	Fine    uint16 // us within the slot
}

// Valid reports whether the PDU was received without error.
func (d RxDesc) Valid() bool {
	return !d.SyncErr && !d.CrcErr && !d.LenErr && !d.MicErr
}

// RxRing is the circular list of RX descriptors. Hardware is the only writer,
// the scheduler's deferred processing the only reader.
type RxRing struct {
	io  regio.RegisterIO
	n   int
	cur int
}

func NewRxRing(io regio.RegisterIO, n int) (*RxRing, error) {
	if n <= 0 || n > regio.MaxRxDesc {
		return nil, fmt.Errorf("invalid rx descriptor count %d", n)
	}
	r := &RxRing{io: io, n: n}

	b := regio.NewBatch(io)
	for i := 0; i < n; i++ {
		a := regio.RxDescAddr(i)
		b.Set(regio.RxNext.At(a), uint32(regio.RxDescAddr((i+1)%n)))
		b.Set(regio.RxDone.At(a), 0)
		b.Set(regio.RxDataPtr.At(a), uint32(regio.RxDataAddr(i)))
	}
	return r, errors.Wrap(b.Err(), "can't init rx descriptors")
}

func (r *RxRing) Size() int { return r.n }

// Current is the index of the next descriptor hardware fills.
func (r *RxRing) Current() int { return r.cur }

// Read decodes descriptor i.
func (r *RxRing) Read(i int) (RxDesc, error) {
	a := regio.RxDescAddr(i)
	b := regio.NewBatch(r.io)

	d := RxDesc{
		Index:   i,
		SyncErr: b.Flag(regio.RxSyncErr.At(a)),
		CrcErr:  b.Flag(regio.RxCrcErr.At(a)),
		LenErr:  b.Flag(regio.RxLenErr.At(a)),
		MicErr:  b.Flag(regio.RxMicErr.At(a)),
		Type:    uint8(b.Get(regio.RxType.At(a))),
		TxAdd:   b.Flag(regio.RxTxAdd.At(a)),
		RxAdd:   b.Flag(regio.RxRxAdd.At(a)),
		RSSI:    int8(b.Get(regio.RxRssi.At(a))),
		Channel: uint8(b.Get(regio.RxChan.At(a))),
		Time:    regio.JoinTime(b, regio.RxTimeLo.At(a), regio.RxTimeHi.At(a)),
		Fine:    uint16(b.Get(regio.RxFine.At(a))),
	}
	n := int(b.Get(regio.RxLen.At(a)))
	if n > int(regio.DataBufSize) {
		n = int(regio.DataBufSize)
		d.LenErr = true
	}
	ptr := uint16(b.Get(regio.RxDataPtr.At(a)))
	d.Payload = b.Read(ptr, n)

	return d, errors.Wrapf(b.Err(), "can't read rx descriptor %d", i)
}

// Advance releases the current descriptor back to hardware and moves on.
func (r *RxRing) Advance() error {
	err := r.io.WriteField(regio.RxDone.At(regio.RxDescAddr(r.cur)), 0)
	r.cur = (r.cur + 1) % r.n
	return err
}

// Pending counts the filled descriptors from Current onward, stopping at the
// first one hardware has not marked done.
func (r *RxRing) Pending() (int, error) {
	n := 0
	for k := 0; k < r.n; k++ {
		i := (r.cur + k) % r.n
		v, err := r.io.ReadField(regio.RxDone.At(regio.RxDescAddr(i)))
		if err != nil {
			return n, err
		}
		if v == 0 {
			break
		}
		n++
	}
	return n, nil
}
