// Package exch manages the transmit descriptor pool and the receive
// descriptor ring mapped onto the baseband exchange memory.
package exch

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/rigado/ll"
	"github.com/rigado/ll/regio"
)

// Owner is the list currently holding a TX descriptor.
type Owner uint8

const (
	Free Owner = iota
	Ready
	Programmed
)

func (o Owner) String() string {
	switch o {
	case Free:
		return "free"
	case Ready:
		return "ready"
	case Programmed:
		return "programmed"
	}
	return fmt.Sprintf("owner(%d)", uint8(o))
}

// NoQueue is the queue id of a free descriptor.
const NoQueue = -1

// Buffer is what a caller hands over for transmission.
type Buffer struct {
	Type    uint8 // advertising PDU type, or LLID for data channel PDUs
	TxAdd   bool
	RxAdd   bool
	Payload []byte
	// Tag is kept in software only and returned on confirmation.
	Tag uint8
}

// TxDesc is the software shadow of a TX descriptor.
type TxDesc struct {
	Index int
	Buffer
	owner Owner
	queue int
}

func (d TxDesc) Owner() Owner { return d.owner }
func (d TxDesc) Queue() int   { return d.queue }

// TxPool is the shared pool of TX descriptors.
type TxPool struct {
	io    regio.RegisterIO
	descs []TxDesc
	free  []int
}

func NewTxPool(io regio.RegisterIO, n int) (*TxPool, error) {
	if n <= 0 || n > regio.MaxTxDesc {
		return nil, fmt.Errorf("invalid tx descriptor count %d", n)
	}
	p := &TxPool{
		io:    io,
		descs: make([]TxDesc, n),
		free:  make([]int, 0, n),
	}

	b := regio.NewBatch(io)
	for i := range p.descs {
		p.descs[i] = TxDesc{Index: i, owner: Free, queue: NoQueue}
		p.free = append(p.free, i)

		a := regio.TxDescAddr(i)
		b.Set(regio.TxNext.At(a), 0)
		b.Set(regio.TxDone.At(a), 0)
		b.Set(regio.TxDataPtr.At(a), uint32(regio.TxDataAddr(i)))
	}
	return p, errors.Wrap(b.Err(), "can't init tx descriptors")
}

func (p *TxPool) Size() int { return len(p.descs) }

// Available returns the number of free descriptors.
func (p *TxPool) Available() int { return len(p.free) }

// Addr returns the exchange memory address of descriptor i.
func (p *TxPool) Addr(i int) uint16 { return regio.TxDescAddr(i) }

func (p *TxPool) Desc(i int) TxDesc { return p.descs[i] }

// Alloc takes a free descriptor, fills it and hands it to queue q as Ready.
func (p *TxPool) Alloc(q int, buf Buffer) (int, error) {
	if len(p.free) == 0 {
		return 0, ll.ErrNoBuffer
	}
	if len(buf.Payload) > int(regio.DataBufSize) {
		return 0, fmt.Errorf("payload too long (%d)", len(buf.Payload))
	}

	i := p.free[0]
	p.free = p.free[1:]
	if err := p.write(i, buf); err != nil {
		p.free = append(p.free, i)
		return 0, err
	}

	d := &p.descs[i]
	d.Buffer = buf
	d.owner = Ready
	d.queue = q
	return i, nil
}

func (p *TxPool) write(i int, buf Buffer) error {
	a := regio.TxDescAddr(i)
	b := regio.NewBatch(p.io)
	b.Set(regio.TxNext.At(a), 0)
	b.Set(regio.TxType.At(a), uint32(buf.Type&0x0F))
	b.Set(regio.TxTxAdd.At(a), regio.Bool(buf.TxAdd))
	b.Set(regio.TxRxAdd.At(a), regio.Bool(buf.RxAdd))
	b.Set(regio.TxDone.At(a), 0)
	b.Set(regio.TxLen.At(a), uint32(len(buf.Payload)))
	b.Write(regio.TxDataAddr(i), buf.Payload)
	return errors.Wrapf(b.Err(), "can't write tx descriptor %d", i)
}

// Transfer moves descriptor i between lists, checking it is where the caller
// thinks it is.
func (p *TxPool) Transfer(i int, q int, from, to Owner) error {
	if i < 0 || i >= len(p.descs) {
		return fmt.Errorf("invalid tx descriptor %d", i)
	}
	d := &p.descs[i]
	if d.owner != from || d.queue != q {
		return fmt.Errorf("tx descriptor %d is %v/%d, expected %v/%d", i, d.owner, d.queue, from, q)
	}
	if to == Free {
		return p.release(i)
	}
	d.owner = to
	return nil
}

// release returns descriptor i to the free pool.
func (p *TxPool) release(i int) error {
	d := &p.descs[i]
	if d.owner == Free {
		return fmt.Errorf("double free of tx descriptor %d", i)
	}
	d.owner = Free
	d.queue = NoQueue
	d.Buffer = Buffer{}
	p.free = append(p.free, i)
	return nil
}

// Chain links descriptor i to next in exchange memory; next < 0 ends the chain.
func (p *TxPool) Chain(i, next int) error {
	v := uint32(0)
	if next >= 0 {
		v = uint32(regio.TxDescAddr(next))
	}
	return p.io.WriteField(regio.TxNext.At(regio.TxDescAddr(i)), v)
}

// Done reports whether hardware has acknowledged descriptor i.
func (p *TxPool) Done(i int) (bool, error) {
	v, err := p.io.ReadField(regio.TxDone.At(regio.TxDescAddr(i)))
	return v != 0, err
}

// Count returns how many descriptors each list holds.
func (p *TxPool) Count() map[Owner]int {
	c := map[Owner]int{Free: 0, Ready: 0, Programmed: 0}
	for _, d := range p.descs {
		c[d.owner]++
	}
	return c
}

// Check verifies that the free list and the descriptor owners agree.
func (p *TxPool) Check() error {
	seen := make(map[int]bool, len(p.free))
	for _, i := range p.free {
		if seen[i] {
			return fmt.Errorf("tx descriptor %d twice in free list", i)
		}
		seen[i] = true
		if p.descs[i].owner != Free {
			return fmt.Errorf("tx descriptor %d in free list but %v", i, p.descs[i].owner)
		}
	}
	if c := p.Count(); c[Free] != len(p.free) {
		return fmt.Errorf("free list has %d entries, %d descriptors are free", len(p.free), c[Free])
	}
	return nil
}
