package lm

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"github.com/rigado/ll"
	"github.com/rigado/ll/exch"
	"github.com/rigado/ll/sched"
)

// Advertising channel PDU types [Vol 6, Part B, 2.3].
const (
	PDUAdvInd        uint8 = 0x0
	PDUAdvDirectInd  uint8 = 0x1
	PDUAdvNonconnInd uint8 = 0x2
	PDUScanReq       uint8 = 0x3
	PDUScanRsp       uint8 = 0x4
	PDUConnectReq    uint8 = 0x5
	PDUAdvScanInd    uint8 = 0x6
)

var pduName = map[uint8]string{
	PDUAdvInd:        "ADV_IND",
	PDUAdvDirectInd:  "ADV_DIRECT_IND",
	PDUAdvNonconnInd: "ADV_NONCONN_IND",
	PDUScanReq:       "SCAN_REQ",
	PDUScanRsp:       "SCAN_RSP",
	PDUConnectReq:    "CONNECT_REQ",
	PDUAdvScanInd:    "ADV_SCAN_IND",
}

// PDUName returns the name of an advertising channel PDU type.
func PDUName(t uint8) string {
	if n, ok := pduName[t]; ok {
		return n
	}
	return fmt.Sprintf("pdu(%d)", t)
}

const (
	addrLen       = 6
	llDataLen     = 22
	connectReqLen = 2*addrLen + llDataLen
)

// tags identify software-generated buffers on confirmation
const (
	tagNone uint8 = iota
	tagAdv
	tagScanRsp
	tagScanReq
	tagConnectReq
	tagTest
)

func addrType(random bool) ll.AddrType {
	if random {
		return ll.AddrRandom
	}
	return ll.AddrPublic
}

func readAddr(b []byte, random bool) ll.DeviceAddr {
	var a ll.Addr
	copy(a[:], b[:addrLen])
	return ll.DeviceAddr{Type: addrType(random), Addr: a}
}

// AdvAddr returns the advertiser address of an advertising channel PDU.
func AdvAddr(d exch.RxDesc) (ll.DeviceAddr, error) {
	switch d.Type {
	case PDUAdvInd, PDUAdvDirectInd, PDUAdvNonconnInd, PDUScanRsp, PDUAdvScanInd:
		if len(d.Payload) < addrLen {
			return ll.DeviceAddr{}, errors.Errorf("%s too short (%d)", PDUName(d.Type), len(d.Payload))
		}
		return readAddr(d.Payload, d.TxAdd), nil
	case PDUScanReq, PDUConnectReq:
		if len(d.Payload) < 2*addrLen {
			return ll.DeviceAddr{}, errors.Errorf("%s too short (%d)", PDUName(d.Type), len(d.Payload))
		}
		return readAddr(d.Payload[addrLen:], d.RxAdd), nil
	}
	return ll.DeviceAddr{}, errors.Errorf("no advertiser in %s", PDUName(d.Type))
}

// PeerAddr returns the scanner or initiator address of a SCAN_REQ or
// CONNECT_REQ, or the target of an ADV_DIRECT_IND.
func PeerAddr(d exch.RxDesc) (ll.DeviceAddr, error) {
	if len(d.Payload) < 2*addrLen {
		return ll.DeviceAddr{}, errors.Errorf("%s too short (%d)", PDUName(d.Type), len(d.Payload))
	}
	switch d.Type {
	case PDUScanReq, PDUConnectReq:
		return readAddr(d.Payload, d.TxAdd), nil
	case PDUAdvDirectInd:
		return readAddr(d.Payload[addrLen:], d.RxAdd), nil
	}
	return ll.DeviceAddr{}, errors.Errorf("no peer in %s", PDUName(d.Type))
}

// AdvData returns the data following the advertiser address.
func AdvData(d exch.RxDesc) []byte {
	switch d.Type {
	case PDUAdvInd, PDUAdvNonconnInd, PDUScanRsp, PDUAdvScanInd:
		if len(d.Payload) > addrLen {
			return append([]byte(nil), d.Payload[addrLen:]...)
		}
	}
	return nil
}

// advBuffer builds an advertising PDU carrying own's address followed by
// data.
func advBuffer(typ uint8, own ll.DeviceAddr, data []byte, tag uint8) exch.Buffer {
	p := make([]byte, 0, addrLen+len(data))
	p = append(p, own.Addr[:]...)
	p = append(p, data...)
	return exch.Buffer{Type: typ, TxAdd: own.Type == ll.AddrRandom, Payload: p, Tag: tag}
}

// twoAddrBuffer builds a PDU made of two addresses, as ADV_DIRECT_IND and
// SCAN_REQ are.
func twoAddrBuffer(typ uint8, tx, rx ll.DeviceAddr, tag uint8) exch.Buffer {
	p := make([]byte, 0, 2*addrLen)
	p = append(p, tx.Addr[:]...)
	p = append(p, rx.Addr[:]...)
	return exch.Buffer{
		Type:    typ,
		TxAdd:   tx.Type == ll.AddrRandom,
		RxAdd:   rx.Type == ll.AddrRandom,
		Payload: p,
		Tag:     tag,
	}
}

// ConnectReq is a CONNECT_REQ PDU.
type ConnectReq struct {
	InitA ll.DeviceAddr
	AdvA  ll.DeviceAddr
	Ind   sched.ConnInd
}

// Buffer encodes the request for transmission.
func (r ConnectReq) Buffer() exch.Buffer {
	b := twoAddrBuffer(PDUConnectReq, r.InitA, r.AdvA, tagConnectReq)
	ld := make([]byte, llDataLen)
	binary.LittleEndian.PutUint32(ld[0:], r.Ind.AccessAddr)
	ld[4] = uint8(r.Ind.CRCInit)
	ld[5] = uint8(r.Ind.CRCInit >> 8)
	ld[6] = uint8(r.Ind.CRCInit >> 16)
	ld[7] = r.Ind.WinSize
	binary.LittleEndian.PutUint16(ld[8:], r.Ind.WinOffset)
	binary.LittleEndian.PutUint16(ld[10:], r.Ind.Interval)
	binary.LittleEndian.PutUint16(ld[12:], r.Ind.Latency)
	binary.LittleEndian.PutUint16(ld[14:], r.Ind.Timeout)
	cm := r.Ind.ChMap.Bytes()
	copy(ld[16:21], cm[:])
	ld[21] = r.Ind.Hop&0x1F | r.Ind.SCA<<5
	b.Payload = append(b.Payload, ld...)
	return b
}

// ParseConnectReq decodes a received CONNECT_REQ.
func ParseConnectReq(d exch.RxDesc) (ConnectReq, error) {
	var r ConnectReq
	if d.Type != PDUConnectReq {
		return r, errors.Errorf("%s is not a CONNECT_REQ", PDUName(d.Type))
	}
	p := d.Payload
	if len(p) != connectReqLen {
		return r, errors.Wrapf(ll.StatusInvalidLLParams, "CONNECT_REQ length %d", len(p))
	}
	r.InitA = readAddr(p, d.TxAdd)
	r.AdvA = readAddr(p[addrLen:], d.RxAdd)

	ld := p[2*addrLen:]
	r.Ind = sched.ConnInd{
		AccessAddr: binary.LittleEndian.Uint32(ld[0:]),
		CRCInit:    uint32(ld[4]) | uint32(ld[5])<<8 | uint32(ld[6])<<16,
		WinSize:    ld[7],
		WinOffset:  binary.LittleEndian.Uint16(ld[8:]),
		Interval:   binary.LittleEndian.Uint16(ld[10:]),
		Latency:    binary.LittleEndian.Uint16(ld[12:]),
		Timeout:    binary.LittleEndian.Uint16(ld[14:]),
		ChMap:      sched.ChannelMapFromBytes(ld[16:21]),
		Hop:        ld[21] & 0x1F,
		SCA:        ld[21] >> 5,
	}
	return r, nil
}
