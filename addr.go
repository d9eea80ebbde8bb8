package ll

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// AddrType is the type of a device address.
type AddrType uint8

const (
	AddrPublic AddrType = 0x00
	AddrRandom AddrType = 0x01
)

// Addr is a 48-bit device address, stored least significant byte first as on air.
type Addr [6]byte

// ParseAddr parses an address in the usual "aa:bb:cc:dd:ee:ff" form (MSB first).
func ParseAddr(s string) (Addr, error) {
	var a Addr
	hexStr := strings.Replace(strings.ToLower(s), ":", "", -1)

	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return a, fmt.Errorf("error decoding address %q: %v", s, err)
	}
	if len(b) != len(a) {
		return a, fmt.Errorf("invalid address length %d", len(b))
	}

	for i := range a {
		a[i] = b[len(b)-1-i]
	}
	return a, nil
}

// MustParseAddr is like ParseAddr but panics on error.
func MustParseAddr(s string) Addr {
	a, err := ParseAddr(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Addr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[5], a[4], a[3], a[2], a[1], a[0])
}

// Bytes returns the on-air byte order.
func (a Addr) Bytes() []byte {
	return a[:]
}

// DeviceAddr is an address qualified by its type.
type DeviceAddr struct {
	Type AddrType
	Addr Addr
}

func (d DeviceAddr) String() string {
	t := "public"
	if d.Type == AddrRandom {
		t = "random"
	}
	return d.Addr.String() + "/" + t
}
