package llc

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"github.com/rigado/ll"
	"github.com/rigado/ll/sched"
)

// LLID values of data channel PDUs.
const (
	LLIDContinue uint8 = 0x01 // continuation fragment or empty PDU
	LLIDStart    uint8 = 0x02 // start of an L2CAP message
	LLIDControl  uint8 = 0x03
)

// Opcode identifies an LL control PDU [Vol 6, Part B, 2.4.2].
type Opcode uint8

const (
	OpConnUpdateReq   Opcode = 0x00
	OpChannelMapReq   Opcode = 0x01
	OpTerminateInd    Opcode = 0x02
	OpEncReq          Opcode = 0x03
	OpEncRsp          Opcode = 0x04
	OpStartEncReq     Opcode = 0x05
	OpStartEncRsp     Opcode = 0x06
	OpUnknownRsp      Opcode = 0x07
	OpFeatureReq      Opcode = 0x08
	OpFeatureRsp      Opcode = 0x09
	OpPauseEncReq     Opcode = 0x0A
	OpPauseEncRsp     Opcode = 0x0B
	OpVersionInd      Opcode = 0x0C
	OpRejectInd       Opcode = 0x0D
	OpSlaveFeatureReq Opcode = 0x0E
	OpConnParamReq    Opcode = 0x0F
	OpConnParamRsp    Opcode = 0x10
)

var opInfo = map[Opcode]struct {
	name string
	len  int // CtrData length
}{
	OpConnUpdateReq:   {"LL_CONNECTION_UPDATE_REQ", 11},
	OpChannelMapReq:   {"LL_CHANNEL_MAP_REQ", 7},
	OpTerminateInd:    {"LL_TERMINATE_IND", 1},
	OpEncReq:          {"LL_ENC_REQ", 22},
	OpEncRsp:          {"LL_ENC_RSP", 12},
	OpStartEncReq:     {"LL_START_ENC_REQ", 0},
	OpStartEncRsp:     {"LL_START_ENC_RSP", 0},
	OpUnknownRsp:      {"LL_UNKNOWN_RSP", 1},
	OpFeatureReq:      {"LL_FEATURE_REQ", 8},
	OpFeatureRsp:      {"LL_FEATURE_RSP", 8},
	OpPauseEncReq:     {"LL_PAUSE_ENC_REQ", 0},
	OpPauseEncRsp:     {"LL_PAUSE_ENC_RSP", 0},
	OpVersionInd:      {"LL_VERSION_IND", 5},
	OpRejectInd:       {"LL_REJECT_IND", 1},
	OpSlaveFeatureReq: {"LL_SLAVE_FEATURE_REQ", 8},
	OpConnParamReq:    {"LL_CONNECTION_PARAM_REQ", 23},
	OpConnParamRsp:    {"LL_CONNECTION_PARAM_RSP", 23},
}

func (o Opcode) String() string {
	if i, ok := opInfo[o]; ok {
		return i.name
	}
	return fmt.Sprintf("opcode(0x%02X)", uint8(o))
}

// PDU is a decoded LL control PDU.
type PDU interface {
	Opcode() Opcode
}

type ConnUpdateReq struct{ sched.UpdateInd }

type ChannelMapReq struct {
	Map     sched.ChannelMap
	Instant uint16
}

type TerminateInd struct{ Reason ll.Status }

type EncReq struct {
	Rand uint64
	EDIV uint16
	SKDm uint64
	IVm  uint32
}

type EncRsp struct {
	SKDs uint64
	IVs  uint32
}

type StartEncReq struct{}
type StartEncRsp struct{}

type UnknownRsp struct{ Type Opcode }

type FeatureReq struct{ Features uint64 }
type FeatureRsp struct{ Features uint64 }
type SlaveFeatureReq struct{ Features uint64 }

type PauseEncReq struct{}
type PauseEncRsp struct{}

type VersionInd struct{ ll.VersionInfo }

type RejectInd struct{ Reason ll.Status }

// ConnParams is the body shared by the connection parameters request and
// response.
type ConnParams struct {
	IntervalMin uint16
	IntervalMax uint16
	Latency     uint16
	Timeout     uint16
	Periodicity uint8
	RefCounter  uint16
	Offsets     [6]uint16
}

type ConnParamReq struct{ ConnParams }
type ConnParamRsp struct{ ConnParams }

func (ConnUpdateReq) Opcode() Opcode   { return OpConnUpdateReq }
func (ChannelMapReq) Opcode() Opcode   { return OpChannelMapReq }
func (TerminateInd) Opcode() Opcode    { return OpTerminateInd }
func (EncReq) Opcode() Opcode          { return OpEncReq }
func (EncRsp) Opcode() Opcode          { return OpEncRsp }
func (StartEncReq) Opcode() Opcode     { return OpStartEncReq }
func (StartEncRsp) Opcode() Opcode     { return OpStartEncRsp }
func (UnknownRsp) Opcode() Opcode      { return OpUnknownRsp }
func (FeatureReq) Opcode() Opcode      { return OpFeatureReq }
func (FeatureRsp) Opcode() Opcode      { return OpFeatureRsp }
func (SlaveFeatureReq) Opcode() Opcode { return OpSlaveFeatureReq }
func (PauseEncReq) Opcode() Opcode     { return OpPauseEncReq }
func (PauseEncRsp) Opcode() Opcode     { return OpPauseEncRsp }
func (VersionInd) Opcode() Opcode      { return OpVersionInd }
func (RejectInd) Opcode() Opcode       { return OpRejectInd }
func (ConnParamReq) Opcode() Opcode    { return OpConnParamReq }
func (ConnParamRsp) Opcode() Opcode    { return OpConnParamRsp }

// UnknownOpcodeError is returned for a control PDU this controller doesn't
// implement; the peer is answered with LL_UNKNOWN_RSP.
type UnknownOpcodeError struct {
	Op Opcode
}

func (e UnknownOpcodeError) Error() string {
	return fmt.Sprintf("unknown control opcode 0x%02X", uint8(e.Op))
}

func (p ConnParams) put(b []byte) {
	le := binary.LittleEndian
	le.PutUint16(b[0:], p.IntervalMin)
	le.PutUint16(b[2:], p.IntervalMax)
	le.PutUint16(b[4:], p.Latency)
	le.PutUint16(b[6:], p.Timeout)
	b[8] = p.Periodicity
	le.PutUint16(b[9:], p.RefCounter)
	for i, o := range p.Offsets {
		le.PutUint16(b[11+2*i:], o)
	}
}

func getConnParams(b []byte) ConnParams {
	le := binary.LittleEndian
	p := ConnParams{
		IntervalMin: le.Uint16(b[0:]),
		IntervalMax: le.Uint16(b[2:]),
		Latency:     le.Uint16(b[4:]),
		Timeout:     le.Uint16(b[6:]),
		Periodicity: b[8],
		RefCounter:  le.Uint16(b[9:]),
	}
	for i := range p.Offsets {
		p.Offsets[i] = le.Uint16(b[11+2*i:])
	}
	return p
}

// Marshal encodes p as the payload of an LLIDControl PDU.
func Marshal(p PDU) []byte {
	op := p.Opcode()
	b := make([]byte, 1+opInfo[op].len)
	b[0] = uint8(op)
	d := b[1:]
	le := binary.LittleEndian

	switch v := p.(type) {
	case ConnUpdateReq:
		d[0] = v.WinSize
		le.PutUint16(d[1:], v.WinOffset)
		le.PutUint16(d[3:], v.Interval)
		le.PutUint16(d[5:], v.Latency)
		le.PutUint16(d[7:], v.Timeout)
		le.PutUint16(d[9:], v.Instant)
	case ChannelMapReq:
		m := v.Map.Bytes()
		copy(d, m[:])
		le.PutUint16(d[5:], v.Instant)
	case TerminateInd:
		d[0] = uint8(v.Reason)
	case EncReq:
		le.PutUint64(d[0:], v.Rand)
		le.PutUint16(d[8:], v.EDIV)
		le.PutUint64(d[10:], v.SKDm)
		le.PutUint32(d[18:], v.IVm)
	case EncRsp:
		le.PutUint64(d[0:], v.SKDs)
		le.PutUint32(d[8:], v.IVs)
	case UnknownRsp:
		d[0] = uint8(v.Type)
	case FeatureReq:
		le.PutUint64(d, v.Features)
	case FeatureRsp:
		le.PutUint64(d, v.Features)
	case SlaveFeatureReq:
		le.PutUint64(d, v.Features)
	case VersionInd:
		d[0] = v.Version
		le.PutUint16(d[1:], v.CompanyID)
		le.PutUint16(d[3:], v.SubVersion)
	case RejectInd:
		d[0] = uint8(v.Reason)
	case ConnParamReq:
		v.put(d)
	case ConnParamRsp:
		v.put(d)
	}
	return b
}

// Unmarshal decodes the payload of an LLIDControl PDU.
func Unmarshal(b []byte) (PDU, error) {
	if len(b) == 0 {
		return nil, errors.Wrap(ll.StatusInvalidLLParams, "empty control PDU")
	}
	op := Opcode(b[0])
	info, ok := opInfo[op]
	if !ok {
		return nil, UnknownOpcodeError{Op: op}
	}
	d := b[1:]
	if len(d) != info.len {
		return nil, errors.Wrapf(ll.StatusInvalidLLParams, "%v: length %d, want %d", op, len(d), info.len)
	}
	le := binary.LittleEndian

	switch op {
	case OpConnUpdateReq:
		return ConnUpdateReq{sched.UpdateInd{
			WinSize:   d[0],
			WinOffset: le.Uint16(d[1:]),
			Interval:  le.Uint16(d[3:]),
			Latency:   le.Uint16(d[5:]),
			Timeout:   le.Uint16(d[7:]),
			Instant:   le.Uint16(d[9:]),
		}}, nil
	case OpChannelMapReq:
		return ChannelMapReq{Map: sched.ChannelMapFromBytes(d[:5]), Instant: le.Uint16(d[5:])}, nil
	case OpTerminateInd:
		return TerminateInd{Reason: ll.Status(d[0])}, nil
	case OpEncReq:
		return EncReq{
			Rand: le.Uint64(d[0:]),
			EDIV: le.Uint16(d[8:]),
			SKDm: le.Uint64(d[10:]),
			IVm:  le.Uint32(d[18:]),
		}, nil
	case OpEncRsp:
		return EncRsp{SKDs: le.Uint64(d[0:]), IVs: le.Uint32(d[8:])}, nil
	case OpStartEncReq:
		return StartEncReq{}, nil
	case OpStartEncRsp:
		return StartEncRsp{}, nil
	case OpUnknownRsp:
		return UnknownRsp{Type: Opcode(d[0])}, nil
	case OpFeatureReq:
		return FeatureReq{Features: le.Uint64(d)}, nil
	case OpFeatureRsp:
		return FeatureRsp{Features: le.Uint64(d)}, nil
	case OpSlaveFeatureReq:
		return SlaveFeatureReq{Features: le.Uint64(d)}, nil
	case OpPauseEncReq:
		return PauseEncReq{}, nil
	case OpPauseEncRsp:
		return PauseEncRsp{}, nil
	case OpVersionInd:
		return VersionInd{ll.VersionInfo{
			Version:    d[0],
			CompanyID:  le.Uint16(d[1:]),
			SubVersion: le.Uint16(d[3:]),
		}}, nil
	case OpRejectInd:
		return RejectInd{Reason: ll.Status(d[0])}, nil
	case OpConnParamReq:
		return ConnParamReq{getConnParams(d)}, nil
	case OpConnParamRsp:
		return ConnParamRsp{getConnParams(d)}, nil
	}
	return nil, UnknownOpcodeError{Op: op}
}
