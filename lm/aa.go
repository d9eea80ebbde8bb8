package lm

import (
	"math/bits"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/rigado/ll/sched"
)

// aaTries bounds the candidates drawn before giving up on the nibble tables.
const aaTries = 256

// nibbles rotated into the top and middle of every access address; each one
// has a transition inside so neither end of a byte can extend a run.
var (
	aaNibble3 = [3]uint8{0x3, 0x6, 0xC}
	aaNibble2 = [2]uint8{0x9, 0x5}
)

// AccessAddrGen produces connection access addresses.
type AccessAddrGen struct {
	rand *rand.Rand
	seed uint8
	i3   int
	i2   int
}

func NewAccessAddrGen(r *rand.Rand) *AccessAddrGen {
	return &AccessAddrGen{rand: r, seed: uint8(r.Intn(256))}
}

func (g *AccessAddrGen) candidate() uint32 {
	g.seed++
	g.i3 = (g.i3 + 1) % len(aaNibble3)
	g.i2 = (g.i2 + 1) % len(aaNibble2)
	r := uint8(g.rand.Intn(256))

	b3 := aaNibble3[g.i3]<<4 | g.seed&0x0F
	b2 := r
	b1 := aaNibble2[g.i2]<<4 | g.seed>>4
	b0 := r ^ g.seed ^ 0xA5
	return uint32(b3)<<24 | uint32(b2)<<16 | uint32(b1)<<8 | uint32(b0)
}

// Next returns a fresh access address satisfying ValidAccessAddr.
func (g *AccessAddrGen) Next() (uint32, error) {
	for i := 0; i < aaTries; i++ {
		if aa := g.candidate(); ValidAccessAddr(aa) {
			return aa, nil
		}
	}
	// the tables have been unlucky; fall back to plain random draws
	for i := 0; i < aaTries; i++ {
		if aa := g.rand.Uint32(); ValidAccessAddr(aa) {
			return aa, nil
		}
	}
	return 0, errors.New("can't generate a valid access address")
}

// ValidAccessAddr checks the rules a connection access address must follow:
// it is not the advertising address nor one bit away from it, has no more
// than six identical bits in a row, four distinct bytes, at most 24 bit
// transitions and at least two transitions in its six most significant bits.
func ValidAccessAddr(aa uint32) bool {
	if bits.OnesCount32(aa^sched.AdvAccessAddr) <= 1 {
		return false
	}

	var b [4]uint8
	for i := range b {
		b[i] = uint8(aa >> (8 * uint(i)))
	}
	for i := 0; i < len(b); i++ {
		for j := i + 1; j < len(b); j++ {
			if b[i] == b[j] {
				return false
			}
		}
	}

	run, transitions := 1, 0
	for i := uint(1); i < 32; i++ {
		if (aa>>i)&1 == (aa>>(i-1))&1 {
			run++
			if run > 6 {
				return false
			}
			continue
		}
		run = 1
		transitions++
	}
	if transitions > 24 {
		return false
	}

	top := aa >> 26
	return bits.OnesCount32((top^(top>>1))&0x1F) >= 2
}
