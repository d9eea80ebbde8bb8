package lm

import (
	"github.com/pkg/errors"
	"github.com/rigado/ll"
)

// Whitelist is the set of devices the address filter policies accept.
type Whitelist struct {
	max     int
	entries []ll.DeviceAddr
}

func NewWhitelist(max int) *Whitelist {
	return &Whitelist{max: max}
}

// Add inserts a; adding a present device is a no-op.
func (w *Whitelist) Add(a ll.DeviceAddr) error {
	if w.Contains(a) {
		return nil
	}
	if len(w.entries) >= w.max {
		return errors.Wrapf(ll.ErrListFull, "whitelist holds %d devices", w.max)
	}
	w.entries = append(w.entries, a)
	return nil
}

func (w *Whitelist) Remove(a ll.DeviceAddr) error {
	for i, e := range w.entries {
		if e == a {
			w.entries = append(w.entries[:i], w.entries[i+1:]...)
			return nil
		}
	}
	return errors.Wrapf(ll.StatusInvalidParams, "%v not in whitelist", a)
}

func (w *Whitelist) Clear() {
	w.entries = w.entries[:0]
}

func (w *Whitelist) Contains(a ll.DeviceAddr) bool {
	for _, e := range w.entries {
		if e == a {
			return true
		}
	}
	return false
}

func (w *Whitelist) Len() int { return len(w.entries) }

// Size is the capacity of the list.
func (w *Whitelist) Size() int { return w.max }

// Entries returns a copy of the list.
func (w *Whitelist) Entries() []ll.DeviceAddr {
	return append([]ll.DeviceAddr(nil), w.entries...)
}

type dupEntry struct {
	addr  ll.DeviceAddr
	types uint8 // bit n set once PDU type n has been reported
}

// DupFilter suppresses advertising reports already sent during a scan.
type DupFilter struct {
	max     int
	entries []dupEntry
}

func NewDupFilter(max int) *DupFilter {
	return &DupFilter{max: max}
}

// Check reports whether a PDU of type typ from addr must be passed up, and
// records it. When the list is full a new device is always reported, is not
// remembered, and ErrListFull is returned alongside.
func (f *DupFilter) Check(addr ll.DeviceAddr, typ uint8) (bool, error) {
	bit := uint8(1) << (typ & 0x07)
	for i := range f.entries {
		e := &f.entries[i]
		if e.addr != addr {
			continue
		}
		if e.types&bit != 0 {
			return false, nil
		}
		e.types |= bit
		return true, nil
	}
	if len(f.entries) >= f.max {
		return true, errors.Wrapf(ll.ErrListFull, "duplicate filter holds %d devices", f.max)
	}
	f.entries = append(f.entries, dupEntry{addr: addr, types: bit})
	return true, nil
}

// Reset forgets everything; every scan starts with an empty filter.
func (f *DupFilter) Reset() {
	f.entries = f.entries[:0]
}

func (f *DupFilter) Len() int { return len(f.entries) }
