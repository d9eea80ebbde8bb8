package regio

import (
	"encoding/binary"
	"fmt"
	"time"
)

const (
	syncRequest  = 0xA5
	syncResponse = 0x5A

	opRegRead  = 0x01
	opRegWrite = 0x02
	opMemRead  = 0x03
	opMemWrite = 0x04

	frameHeaderLen = 6 // sync, op, addr(2), count(2)
	rspHeaderLen   = 4 // sync, status, count(2)

	frameTimeout = 500 * time.Millisecond
	maxFrameLen  = 4096
)

// request payload length: register writes carry 4 bytes, memory writes carry
// count bytes, reads carry nothing.
func requestPayloadLen(hdr []byte) int {
	n := int(binary.LittleEndian.Uint16(hdr[4:]))
	switch hdr[1] {
	case opRegWrite:
		return 4
	case opMemWrite:
		return n
	}
	return 0
}

func responsePayloadLen(hdr []byte) int {
	return int(binary.LittleEndian.Uint16(hdr[2:]))
}

// frame reassembles frames from a byte stream.
type frame struct {
	sync       byte
	hdrLen     int
	payloadLen func([]byte) int

	b       []byte
	timeout time.Time
	out     chan []byte
}

func newFrame(sync byte, hdrLen int, payloadLen func([]byte) int, c chan []byte) *frame {
	return &frame{
		sync:       sync,
		hdrLen:     hdrLen,
		payloadLen: payloadLen,
		b:          make([]byte, 0, 256),
		out:        c,
	}
}

func (f *frame) reset() {
	f.b = f.b[:0]
	f.timeout = time.Time{}
}

// Assemble consumes bytes and emits every complete frame on out.
func (f *frame) Assemble(b []byte) {
	if len(b) == 0 {
		return
	}
	if !f.timeout.IsZero() && time.Now().After(f.timeout) {
		// stale partial frame
		f.reset()
	}

	for _, c := range b {
		if len(f.b) == 0 && c != f.sync {
			continue
		}
		if len(f.b) == 0 {
			f.timeout = time.Now().Add(frameTimeout)
		}
		f.b = append(f.b, c)

		fr, err := f.frame()
		if err != nil {
			f.reset()
			continue
		}
		if fr == nil {
			continue
		}
		out := make([]byte, len(fr))
		copy(out, fr)
		f.out <- out
		f.reset()
	}
}

// frame returns the complete frame, nil if more bytes are needed.
func (f *frame) frame() ([]byte, error) {
	if len(f.b) < f.hdrLen {
		return nil, nil
	}
	total := f.hdrLen + f.payloadLen(f.b[:f.hdrLen])
	if total > maxFrameLen {
		return nil, fmt.Errorf("frame too long (%d)", total)
	}
	if len(f.b) < total {
		return nil, nil
	}
	return f.b[:total], nil
}

func encodeRequest(op byte, addr uint16, count int, payload []byte) []byte {
	b := make([]byte, frameHeaderLen+len(payload))
	b[0] = syncRequest
	b[1] = op
	binary.LittleEndian.PutUint16(b[2:], addr)
	binary.LittleEndian.PutUint16(b[4:], uint16(count))
	copy(b[frameHeaderLen:], payload)
	return b
}

func encodeResponse(status byte, payload []byte) []byte {
	b := make([]byte, rspHeaderLen+len(payload))
	b[0] = syncResponse
	b[1] = status
	binary.LittleEndian.PutUint16(b[2:], uint16(len(payload)))
	copy(b[rspHeaderLen:], payload)
	return b
}
