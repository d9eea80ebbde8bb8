package ll

import (
	"fmt"
)

const (
	FilterPolicyAcceptAll       = 0
	FilterPolicyAcceptWhitelist = 1

	AdvIntervalMin = 0x0020
	AdvIntervalMax = 0x4000

	LEScanIntervalMin = 0x0004
	LEScanIntervalMax = 0x4000
	LEScanWindowMin   = 0x0004
	LEScanWindowMax   = 0x4000

	ConnIntervalMin = 0x0006
	ConnIntervalMax = 0x0c80
	ConnLatencyMin  = 0x0000
	ConnLatencyMax  = 0x01f3

	SupervisionTimeoutMin = 0x000a
	SupervisionTimeoutMax = 0x0c80
)

// AdvType is the advertising type requested by the host.
type AdvType uint8

const (
	AdvInd             AdvType = 0x00
	AdvDirectIndHigh   AdvType = 0x01
	AdvScanInd         AdvType = 0x02
	AdvNonconnInd      AdvType = 0x03
	AdvDirectIndLow    AdvType = 0x04
	advTypeUpperBound  AdvType = 0x05
	AdvChannelMapAll           = 0x07
	maxAdvDataLen              = 31
)

// AdvParams implements LE Set Advertising Parameters [Vol 2, Part E, 7.8.5].
type AdvParams struct {
	IntervalMin  uint16 // 0x0020 - 0x4000; N * 0.625 msec
	IntervalMax  uint16 // 0x0020 - 0x4000; N * 0.625 msec
	Type         AdvType
	OwnAddr      DeviceAddr
	DirectAddr   DeviceAddr
	ChannelMap   uint8 // 0x01: ch37, 0x02: ch38, 0x04: ch39
	FilterPolicy uint8
	Data         []byte
	ScanResp     []byte
}

// ScanParams implements LE Set Scan Parameters [Vol 2, Part E, 7.8.10].
type ScanParams struct {
	Active           bool
	Interval         uint16 // 0x0004 - 0x4000; N * 0.625 msec
	Window           uint16 // 0x0004 - 0x4000; N * 0.625 msec
	OwnAddr          DeviceAddr
	FilterPolicy     uint8
	FilterDuplicates bool
}

// ConnParams implements LE Create Connection [Vol 2, Part E, 7.8.12].
type ConnParams struct {
	ScanInterval       uint16 // N * 0.625 msec
	ScanWindow         uint16 // N * 0.625 msec
	FilterPolicy       uint8
	Peer               DeviceAddr
	OwnAddr            DeviceAddr
	IntervalMin        uint16 // 0x0006 - 0x0C80; N * 1.25 msec
	IntervalMax        uint16 // 0x0006 - 0x0C80; N * 1.25 msec
	Latency            uint16 // 0x0000 - 0x01F3
	SupervisionTimeout uint16 // 0x000A - 0x0C80; N * 10 msec
}

// UpdateParams implements LE Connection Update [Vol 2, Part E, 7.8.18].
type UpdateParams struct {
	IntervalMin        uint16
	IntervalMax        uint16
	Latency            uint16
	SupervisionTimeout uint16
}

func DefaultAdvParams() AdvParams {
	return AdvParams{
		IntervalMin: 0x0800,
		IntervalMax: 0x0800,
		Type:        AdvInd,
		ChannelMap:  AdvChannelMapAll,
	}
}

func DefaultScanParams() ScanParams {
	return ScanParams{
		Active:   true,
		Interval: 0x0010,
		Window:   0x0010,
	}
}

func DefaultConnParams() ConnParams {
	return ConnParams{
		ScanInterval:       0x0040,
		ScanWindow:         0x0040,
		IntervalMin:        0x0028,
		IntervalMax:        0x0028,
		SupervisionTimeout: 0x00c8,
	}
}

func ValidateAdvParams(p AdvParams) error {
	switch {
	case p.Type >= advTypeUpperBound:
		return fmt.Errorf("invalid advertising type %v", p.Type)
	case p.Type != AdvDirectIndHigh && (p.IntervalMin < AdvIntervalMin || p.IntervalMin > AdvIntervalMax):
		return fmt.Errorf("invalid IntervalMin %v", p.IntervalMin)
	case p.Type != AdvDirectIndHigh && (p.IntervalMax < AdvIntervalMin || p.IntervalMax > AdvIntervalMax):
		return fmt.Errorf("invalid IntervalMax %v", p.IntervalMax)
	case p.IntervalMin > p.IntervalMax:
		return fmt.Errorf("IntervalMin %v > IntervalMax %v", p.IntervalMin, p.IntervalMax)
	case p.ChannelMap&AdvChannelMapAll == 0 || p.ChannelMap&^AdvChannelMapAll != 0:
		return fmt.Errorf("invalid ChannelMap 0x%02X", p.ChannelMap)
	case p.FilterPolicy > 3:
		return fmt.Errorf("invalid FilterPolicy %v", p.FilterPolicy)
	case len(p.Data) > maxAdvDataLen:
		return fmt.Errorf("advertising data too long (%d)", len(p.Data))
	case len(p.ScanResp) > maxAdvDataLen:
		return fmt.Errorf("scan response data too long (%d)", len(p.ScanResp))
	}
	return nil
}

func ValidateScanParams(p ScanParams) error {
	switch {
	case p.Interval < LEScanIntervalMin || p.Interval > LEScanIntervalMax:
		return fmt.Errorf("invalid scan interval %v", p.Interval)

	case p.Window < LEScanWindowMin || p.Window > LEScanWindowMax:
		return fmt.Errorf("invalid scan window %v", p.Window)

	case p.Window > p.Interval:
		return fmt.Errorf("scan window %v > scan interval %v", p.Window, p.Interval)

	case p.FilterPolicy != FilterPolicyAcceptAll && p.FilterPolicy != FilterPolicyAcceptWhitelist:
		return fmt.Errorf("invalid scanning filter policy %v", p.FilterPolicy)
	}

	return nil
}

func ValidateConnParams(p ConnParams) error {
	switch {
	case p.ScanInterval < LEScanIntervalMin || p.ScanInterval > LEScanIntervalMax:
		return fmt.Errorf("invalid scan interval %v", p.ScanInterval)

	case p.ScanWindow < LEScanWindowMin || p.ScanWindow > LEScanWindowMax:
		return fmt.Errorf("invalid scan window %v", p.ScanWindow)

	case p.ScanWindow > p.ScanInterval:
		return fmt.Errorf("scan window %v > scan interval %v", p.ScanWindow, p.ScanInterval)

	case p.FilterPolicy != FilterPolicyAcceptAll && p.FilterPolicy != FilterPolicyAcceptWhitelist:
		return fmt.Errorf("invalid initiator filter policy %v", p.FilterPolicy)
	}

	return ValidateUpdateParams(UpdateParams{
		IntervalMin:        p.IntervalMin,
		IntervalMax:        p.IntervalMax,
		Latency:            p.Latency,
		SupervisionTimeout: p.SupervisionTimeout,
	})
}

func ValidateUpdateParams(p UpdateParams) error {
	/* The Supervision_Timeout in milliseconds shall be larger than
	(1 + Conn_Latency) * Conn_Interval_Max * 2, where Conn_Interval_Max is
	given in milliseconds.
	*/
	minStoMs := (1 + float64(p.Latency)) * (float64(p.IntervalMax) * 1.25) * 2
	stoMs := float64(p.SupervisionTimeout) * 10

	switch {
	case p.IntervalMax < ConnIntervalMin || p.IntervalMax > ConnIntervalMax:
		return fmt.Errorf("invalid IntervalMax %v", p.IntervalMax)

	case p.IntervalMin < ConnIntervalMin || p.IntervalMin > ConnIntervalMax:
		return fmt.Errorf("invalid IntervalMin %v", p.IntervalMin)

	case p.IntervalMin > p.IntervalMax:
		return fmt.Errorf("IntervalMin %v > IntervalMax %v", p.IntervalMin, p.IntervalMax)

	case p.Latency < ConnLatencyMin || p.Latency > ConnLatencyMax:
		return fmt.Errorf("invalid latency %v", p.Latency)

	case p.SupervisionTimeout < SupervisionTimeoutMin || p.SupervisionTimeout > SupervisionTimeoutMax:
		return fmt.Errorf("invalid supervision timeout %v", p.SupervisionTimeout)

	case stoMs <= minStoMs:
		return fmt.Errorf("invalid supervision timeout %v (too small)", p.SupervisionTimeout)
	}

	return nil
}
