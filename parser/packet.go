package parser

import (
	"github.com/pkg/errors"
	"github.com/rigado/ll"
)

// MaxDataLen is the room for AD structures in a legacy advertising PDU.
const MaxDataLen = 31

// Flags bits.
const (
	FlagLimitedDiscoverable byte = 0x01
	FlagGeneralDiscoverable byte = 0x02
	FlagNoBREDR             byte = 0x04
)

var ErrNotFit = errors.New("AD structure doesn't fit")

// Packet builds advertising data or a scan response.
type Packet struct {
	b []byte
}

// Field appends one AD structure to a packet.
type Field func(p *Packet) error

// NewPacket returns a packet holding fields.
func NewPacket(fields ...Field) (*Packet, error) {
	p := &Packet{b: make([]byte, 0, MaxDataLen)}
	for _, f := range fields {
		if err := f(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Packet) Bytes() []byte { return p.b }
func (p *Packet) Len() int      { return len(p.b) }

// Append adds f, leaving the packet intact when it doesn't fit.
func (p *Packet) Append(f Field) error { return f(p) }

func (p *Packet) append(typ byte, b []byte) error {
	if p.Len()+2+len(b) > MaxDataLen {
		return errors.Wrapf(ErrNotFit, "AD type 0x%02X, %d bytes", typ, len(b))
	}
	p.b = append(p.b, byte(len(b)+1), typ)
	p.b = append(p.b, b...)
	return nil
}

func Flags(f byte) Field {
	return func(p *Packet) error { return p.append(typeFlags, []byte{f}) }
}

// CompleteName is the complete local name.
func CompleteName(n string) Field {
	return func(p *Packet) error { return p.append(typeNameComp, []byte(n)) }
}

func ShortName(n string) Field {
	return func(p *Packet) error { return p.append(typeNameShort, []byte(n)) }
}

func TxPower(dbm int8) Field {
	return func(p *Packet) error { return p.append(typeTxPower, []byte{byte(dbm)}) }
}

// ManufacturerData prefixes b with the company id.
func ManufacturerData(id uint16, b []byte) Field {
	return func(p *Packet) error {
		return p.append(typeMfgData, append([]byte{byte(id), byte(id >> 8)}, b...))
	}
}

// AllUUID adds a complete service UUID list holding u.
func AllUUID(u ll.UUID) Field {
	return func(p *Packet) error {
		switch u.Len() {
		case 2:
			return p.append(typeUUID16Comp, u)
		case 4:
			return p.append(typeUUID32Comp, u)
		case 16:
			return p.append(typeUUID128Comp, u)
		}
		return errors.Errorf("invalid UUID length %d", u.Len())
	}
}

// ServiceData16 adds data for the 16-bit service id.
func ServiceData16(id uint16, b []byte) Field {
	return func(p *Packet) error {
		return p.append(typeSvc16, append(ll.UUID16(id), b...))
	}
}
