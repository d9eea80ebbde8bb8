package regio

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"github.com/pkg/errors"
)

const (
	rxQueueSize    = 16
	defaultTimeout = time.Second
)

// Bridge is a RegisterIO reaching the baseband over a byte stream, typically a
// UART to a debug probe.
type Bridge struct {
	rw      io.ReadWriteCloser
	mu      sync.Mutex
	timeout time.Duration

	rxQueue chan []byte
	done    chan struct{}
	cmu     sync.Mutex
}

// OpenSerial opens a bridge on a serial port.
func OpenSerial(port string, baud uint) (*Bridge, error) {
	sp, err := serial.Open(serial.OpenOptions{
		PortName:              port,
		BaudRate:              baud,
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       0,
		InterCharacterTimeout: 100,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "can't open %s", port)
	}
	return NewBridge(sp, defaultTimeout), nil
}

// NewBridge starts a bridge over rw.
func NewBridge(rw io.ReadWriteCloser, timeout time.Duration) *Bridge {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	b := &Bridge{
		rw:      rw,
		timeout: timeout,
		rxQueue: make(chan []byte, rxQueueSize),
		done:    make(chan struct{}),
	}
	go b.rxLoop()
	return b
}

func (b *Bridge) rxLoop() {
	f := newFrame(syncResponse, rspHeaderLen, responsePayloadLen, b.rxQueue)
	tmp := make([]byte, 512)
	for {
		n, err := b.rw.Read(tmp)
		if n > 0 {
			f.Assemble(tmp[:n])
		}
		if err != nil {
			b.Close()
			return
		}
	}
}

func (b *Bridge) isOpen() bool {
	select {
	case <-b.done:
		return false
	default:
		return true
	}
}

func (b *Bridge) Close() error {
	b.cmu.Lock()
	defer b.cmu.Unlock()

	select {
	case <-b.done:
		return nil
	default:
		close(b.done)
		return errors.Wrap(b.rw.Close(), "can't close bridge")
	}
}

func (b *Bridge) request(op byte, addr uint16, count int, payload []byte) ([]byte, error) {
	if !b.isOpen() {
		return nil, io.EOF
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.rw.Write(encodeRequest(op, addr, count, payload)); err != nil {
		return nil, errors.Wrap(err, "can't write bridge request")
	}

	select {
	case r := <-b.rxQueue:
		if r[1] != 0 {
			return nil, fmt.Errorf("bridge op 0x%02X at %04X failed with status 0x%02X", op, addr, r[1])
		}
		return r[rspHeaderLen:], nil
	case <-b.done:
		return nil, io.EOF
	case <-time.After(b.timeout):
		return nil, fmt.Errorf("bridge op 0x%02X at %04X timed out", op, addr)
	}
}

func (b *Bridge) readWord(f Field) (uint32, error) {
	if f.Space == Core {
		r, err := b.request(opRegRead, f.Addr, 4, nil)
		if err != nil {
			return 0, err
		}
		if len(r) != 4 {
			return 0, fmt.Errorf("short register read (%d)", len(r))
		}
		return binary.LittleEndian.Uint32(r), nil
	}

	r, err := b.ReadBurst(f.Addr, 2)
	if err != nil {
		return 0, err
	}
	return uint32(binary.LittleEndian.Uint16(r)), nil
}

func (b *Bridge) ReadField(f Field) (uint32, error) {
	w, err := b.readWord(f)
	if err != nil {
		return 0, err
	}
	return (w >> f.Shift) & f.Mask(), nil
}

func (b *Bridge) WriteField(f Field, v uint32) error {
	if v&^f.Mask() != 0 {
		return fmt.Errorf("value 0x%X does not fit field %v", v, f)
	}
	w, err := b.readWord(f)
	if err != nil {
		return err
	}
	w = (w &^ (f.Mask() << f.Shift)) | v<<f.Shift

	if f.Space == Core {
		p := make([]byte, 4)
		binary.LittleEndian.PutUint32(p, w)
		_, err = b.request(opRegWrite, f.Addr, 4, p)
		return err
	}
	p := make([]byte, 2)
	binary.LittleEndian.PutUint16(p, uint16(w))
	return b.WriteBurst(f.Addr, p)
}

func (b *Bridge) ReadBurst(base uint16, n int) ([]byte, error) {
	r, err := b.request(opMemRead, base, n, nil)
	if err != nil {
		return nil, err
	}
	if len(r) != n {
		return nil, fmt.Errorf("short burst read (%d of %d)", len(r), n)
	}
	return r, nil
}

func (b *Bridge) WriteBurst(base uint16, p []byte) error {
	_, err := b.request(opMemWrite, base, len(p), p)
	return err
}

// Serve answers bridge requests from rw using target until rw fails. It is
// the probe side of the protocol.
func Serve(rw io.ReadWriter, target RegisterIO) error {
	reqs := make(chan []byte, rxQueueSize)
	errc := make(chan error, 1)

	go func() {
		f := newFrame(syncRequest, frameHeaderLen, requestPayloadLen, reqs)
		tmp := make([]byte, 512)
		for {
			n, err := rw.Read(tmp)
			if n > 0 {
				f.Assemble(tmp[:n])
			}
			if err != nil {
				errc <- err
				close(reqs)
				return
			}
		}
	}()

	for req := range reqs {
		if _, err := rw.Write(serveOne(req, target)); err != nil {
			return err
		}
	}
	return <-errc
}

func serveOne(req []byte, target RegisterIO) []byte {
	op := req[1]
	addr := binary.LittleEndian.Uint16(req[2:])
	count := int(binary.LittleEndian.Uint16(req[4:]))
	payload := req[frameHeaderLen:]
	reg := Field{Name: "REG", Space: Core, Addr: addr, Width: 32}

	switch op {
	case opRegRead:
		v, err := target.ReadField(reg)
		if err != nil {
			return encodeResponse(1, nil)
		}
		p := make([]byte, 4)
		binary.LittleEndian.PutUint32(p, v)
		return encodeResponse(0, p)

	case opRegWrite:
		if err := target.WriteField(reg, binary.LittleEndian.Uint32(payload)); err != nil {
			return encodeResponse(1, nil)
		}
		return encodeResponse(0, nil)

	case opMemRead:
		p, err := target.ReadBurst(addr, count)
		if err != nil {
			return encodeResponse(1, nil)
		}
		return encodeResponse(0, p)

	case opMemWrite:
		if err := target.WriteBurst(addr, payload); err != nil {
			return encodeResponse(1, nil)
		}
		return encodeResponse(0, nil)
	}
	return encodeResponse(2, nil)
}
