package regio

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// Mem is an in-memory register file and exchange memory.
type Mem struct {
	mu   sync.Mutex
	regs map[uint16]uint32
	em   []byte
}

func NewMem() *Mem {
	m := &Mem{
		regs: make(map[uint16]uint32),
		em:   make([]byte, EMSize),
	}
	m.Reset()
	return m
}

// Reset clears the exchange memory and loads register reset values.
func (m *Mem) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k := range m.regs {
		delete(m.regs, k)
	}
	for i := range m.em {
		m.em[i] = 0
	}
	for _, f := range CoreFields {
		if f.Reset != 0 {
			m.regs[f.Addr] = (m.regs[f.Addr] &^ (f.Mask() << f.Shift)) | (f.Reset&f.Mask())<<f.Shift
		}
	}
}

func (m *Mem) word(f Field) (uint32, error) {
	switch f.Space {
	case Core:
		return m.regs[f.Addr], nil
	case EM:
		if int(f.Addr)+2 > len(m.em) {
			return 0, fmt.Errorf("field %v out of exchange memory", f)
		}
		return uint32(binary.LittleEndian.Uint16(m.em[f.Addr:])), nil
	}
	return 0, fmt.Errorf("field %v: unknown space", f)
}

func (m *Mem) ReadField(f Field) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, err := m.word(f)
	if err != nil {
		return 0, err
	}
	return (w >> f.Shift) & f.Mask(), nil
}

func (m *Mem) WriteField(f Field, v uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v&^f.Mask() != 0 {
		return fmt.Errorf("value 0x%X does not fit field %v", v, f)
	}
	w, err := m.word(f)
	if err != nil {
		return err
	}
	w = (w &^ (f.Mask() << f.Shift)) | v<<f.Shift

	if f.Space == Core {
		m.regs[f.Addr] = w
		return nil
	}
	binary.LittleEndian.PutUint16(m.em[f.Addr:], uint16(w))
	return nil
}

func (m *Mem) ReadBurst(base uint16, n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n < 0 || int(base)+n > len(m.em) {
		return nil, fmt.Errorf("burst read %04X+%d out of exchange memory", base, n)
	}
	out := make([]byte, n)
	copy(out, m.em[base:])
	return out, nil
}

func (m *Mem) WriteBurst(base uint16, b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(base)+len(b) > len(m.em) {
		return fmt.Errorf("burst write %04X+%d out of exchange memory", base, len(b))
	}
	copy(m.em[base:], b)
	return nil
}

// ReadReg returns a whole core register.
func (m *Mem) ReadReg(addr uint16) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regs[addr]
}

// WriteReg replaces a whole core register.
func (m *Mem) WriteReg(addr uint16, v uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regs[addr] = v
}
