package sched

// Time is counted in 625us slots by a 27-bit wrapping counter.
const (
	TimeMask uint32 = 1<<27 - 1
	timeHalf uint32 = 1 << 26

	SlotUs = 625

	// SlotsPerUnit converts connection interval, window offset and window size
	// (1.25ms units) to slots.
	SlotsPerUnit = 2
	// SlotsPerTimeoutUnit converts supervision timeout (10ms units) to slots.
	SlotsPerTimeoutUnit = 16

	// TransmitWindowDelay separates the end of a CONNECT_REQ from the start
	// of the transmit window.
	TransmitWindowDelay = 2

	// AdvDelayMax bounds the pseudo random advDelay added to every advertising
	// interval (0..10ms).
	AdvDelayMax = 16

	// DirectedAdvTimeout is how long high duty cycle directed advertising runs.
	DirectedAdvTimeout = 2048

	// establishEvents is how many connection events may pass without
	// reception before establishment is abandoned.
	establishEvents = 6

	// windowJitterUs is added to every receive window widening.
	windowJitterUs = 16
	maxWideningUs  = 0x7FFF
)

// Diff returns a-b on the wrapping slot counter.
func Diff(a, b uint32) int32 {
	d := (a - b) & TimeMask
	if d >= timeHalf {
		return int32(d) - int32(TimeMask+1)
	}
	return int32(d)
}

// Add offsets t by n slots.
func Add(t uint32, n int32) uint32 {
	return uint32(int32(t&TimeMask)+n) & TimeMask
}

// Before reports whether a is earlier than b.
func Before(a, b uint32) bool {
	return Diff(a, b) < 0
}

// CounterDiff returns a-b on the 16 bit event counter.
func CounterDiff(a, b uint16) int16 {
	return int16(a - b)
}

// Anchor is the hardware time of the last synchronization.
type Anchor struct {
	Coarse uint32
	Fine   uint16
}

// sleep clock accuracy field of CONNECT_REQ, in ppm
var scaPPM = [8]uint16{500, 250, 150, 100, 75, 50, 30, 20}

// SCAPPM returns the worst case accuracy for a CONNECT_REQ SCA field value.
func SCAPPM(sca uint8) uint16 {
	return scaPPM[sca&0x07]
}

func gcd(a, b uint32) uint32 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func mod(v int32, m uint32) uint32 {
	r := v % int32(m)
	if r < 0 {
		r += int32(m)
	}
	return uint32(r)
}

// overlaps reports whether two periodic activities ever occupy the radio at
// the same time. An interval of 0 means a single occurrence.
func overlaps(t1, d1, i1, t2, d2, i2 uint32) bool {
	if i1 == 0 && i2 == 0 {
		r := Diff(t1, t2)
		return r < int32(d2) && -r < int32(d1)
	}
	g := gcd(i1, i2)
	if d1+d2 > g {
		return true
	}
	r := mod(Diff(t1, t2), g)
	return r < d2 || r+d1 > g
}

// SCACode returns the CONNECT_REQ SCA field value covering ppm.
func SCACode(ppm uint16) uint8 {
	for c := len(scaPPM) - 1; c > 0; c-- {
		if ppm <= scaPPM[c] {
			return uint8(c)
		}
	}
	return 0
}
