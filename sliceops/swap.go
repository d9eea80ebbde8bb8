// Package sliceops converts between the least significant octet first order
// used on air and the most significant first order crypto primitives expect.
package sliceops

// Reversed returns a reversed copy of in.
func Reversed(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		out[len(in)-1-i] = b
	}
	return out
}

// Reverse16 reverses a 16 octet block in place.
func Reverse16(b *[16]byte) {
	for i := 0; i < 8; i++ {
		b[i], b[15-i] = b[15-i], b[i]
	}
}
