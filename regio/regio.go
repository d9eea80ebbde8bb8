// Package regio is the register I/O boundary between the link layer core and
// the baseband hardware: symbolic register fields, the exchange memory layout
// and the RegisterIO implementations.
package regio

import (
	"fmt"
)

// Space selects the address space of a field.
type Space uint8

const (
	// Core registers are 32-bit and addressed by register offset.
	Core Space = iota
	// EM fields live in 16-bit little-endian words of the exchange memory.
	EM
)

// Field is a bit field of a core register or of an exchange memory word.
type Field struct {
	Name  string
	Space Space
	Addr  uint16
	Shift uint8
	Width uint8
	Reset uint32
}

// Mask returns the unshifted mask of the field.
func (f Field) Mask() uint32 {
	if f.Width >= 32 {
		return 0xFFFFFFFF
	}
	return (1 << f.Width) - 1
}

// At relocates an exchange memory field relative to a structure base.
func (f Field) At(base uint16) Field {
	f.Addr += base
	return f
}

func (f Field) String() string {
	return fmt.Sprintf("%s@%04X[%d:%d]", f.Name, f.Addr, f.Shift+f.Width-1, f.Shift)
}

// RegisterIO reads and writes register fields and exchange memory.
type RegisterIO interface {
	ReadField(f Field) (uint32, error)
	WriteField(f Field, v uint32) error
	ReadBurst(base uint16, n int) ([]byte, error)
	WriteBurst(base uint16, b []byte) error
}

// Batch wraps a RegisterIO and keeps the first error, so a sequence of
// accesses can be checked once at the end.
type Batch struct {
	io  RegisterIO
	err error
}

func NewBatch(io RegisterIO) *Batch {
	return &Batch{io: io}
}

func (b *Batch) Set(f Field, v uint32) {
	if b.err != nil {
		return
	}
	b.err = b.io.WriteField(f, v)
}

func (b *Batch) Get(f Field) uint32 {
	if b.err != nil {
		return 0
	}
	v, err := b.io.ReadField(f)
	b.err = err
	return v
}

func (b *Batch) Flag(f Field) bool {
	return b.Get(f) != 0
}

func (b *Batch) Write(base uint16, p []byte) {
	if b.err != nil {
		return
	}
	b.err = b.io.WriteBurst(base, p)
}

func (b *Batch) Read(base uint16, n int) []byte {
	if b.err != nil {
		return make([]byte, n)
	}
	p, err := b.io.ReadBurst(base, n)
	b.err = err
	if err != nil {
		return make([]byte, n)
	}
	return p
}

func (b *Batch) Err() error {
	return b.err
}

func b2u(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}

// Bool converts a flag for WriteField.
func Bool(v bool) uint32 {
	return b2u(v)
}
