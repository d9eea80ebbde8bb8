package sched

import (
	"fmt"
)

// Data channels are 0..36, advertising channels 37..39.
const (
	DataChannels = 37

	AdvChannel37 = 37
	AdvChannel38 = 38
	AdvChannel39 = 39
)

// ChannelMap has bit n set when data channel n is used.
type ChannelMap uint64

// ChannelMapAll uses every data channel.
const ChannelMapAll ChannelMap = 1<<DataChannels - 1

func (m ChannelMap) Used(ch uint8) bool {
	return ch < DataChannels && m&(1<<ch) != 0
}

// Count returns the number of used channels.
func (m ChannelMap) Count() int {
	n := 0
	for ch := uint8(0); ch < DataChannels; ch++ {
		if m.Used(ch) {
			n++
		}
	}
	return n
}

// Valid reports whether the map can be used by a connection: at least two
// used channels and nothing set above channel 36.
func (m ChannelMap) Valid() bool {
	return m&^ChannelMapAll == 0 && m.Count() >= 2
}

// Bytes returns the 5 byte on-air encoding.
func (m ChannelMap) Bytes() [5]byte {
	var b [5]byte
	for i := range b {
		b[i] = byte(m >> (8 * uint(i)))
	}
	return b
}

func ChannelMapFromBytes(b []byte) ChannelMap {
	var m ChannelMap
	for i := 0; i < 5 && i < len(b); i++ {
		m |= ChannelMap(b[i]) << (8 * uint(i))
	}
	return m
}

func (m ChannelMap) String() string {
	return fmt.Sprintf("%010X", uint64(m))
}

// Hop is the state of data channel selection algorithm #1.
type Hop struct {
	Map      ChannelMap
	Inc      uint8
	unmapped uint8
	Channel  uint8
}

// NewHop returns the state before the first connection event.
func NewHop(m ChannelMap, inc uint8) Hop {
	return Hop{Map: m, Inc: inc}
}

// Next selects the channel of the next connection event.
func (h *Hop) Next() uint8 {
	h.unmapped = (h.unmapped + h.Inc) % DataChannels
	if h.Map.Used(h.unmapped) {
		h.Channel = h.unmapped
		return h.Channel
	}

	n := h.Map.Count()
	if n == 0 {
		h.Channel = h.unmapped
		return h.Channel
	}
	idx := int(h.unmapped) % n
	for ch := uint8(0); ch < DataChannels; ch++ {
		if !h.Map.Used(ch) {
			continue
		}
		if idx == 0 {
			h.Channel = ch
			break
		}
		idx--
	}
	return h.Channel
}
