package ll

import (
	"fmt"

	"github.com/pkg/errors"
)

// Status is a Link Layer status/error code as reported upward [Vol 2, Part D].
type Status uint8

// Status codes used by the link layer.
const (
	StatusSuccess                  Status = 0x00
	StatusUnknownConnID            Status = 0x02
	StatusHardwareFailure          Status = 0x03
	StatusPinOrKeyMissing          Status = 0x06
	StatusMemCapExceeded           Status = 0x07
	StatusConnTimeout              Status = 0x08
	StatusConnLimitExceeded        Status = 0x09
	StatusCommandDisallowed        Status = 0x0C
	StatusInvalidParams            Status = 0x12
	StatusRemoteUserTerminated     Status = 0x13
	StatusRemoteLowResources       Status = 0x14
	StatusRemotePowerOff           Status = 0x15
	StatusLocalHostTerminated      Status = 0x16
	StatusUnsupportedRemoteFeature Status = 0x1A
	StatusInvalidLLParams          Status = 0x1E
	StatusUnspecified              Status = 0x1F
	StatusLLResponseTimeout        Status = 0x22
	StatusTransactionCollision     Status = 0x23
	StatusInstantPassed            Status = 0x28
	StatusControllerBusy           Status = 0x3A
	StatusUnacceptableConnParams   Status = 0x3B
	StatusDirectedAdvTimeout       Status = 0x3C
	StatusMICFailure               Status = 0x3D
	StatusConnFailedToEstablish    Status = 0x3E
)

var statusName = map[Status]string{
	StatusSuccess:                  "success",
	StatusUnknownConnID:            "unknown connection identifier",
	StatusHardwareFailure:          "hardware failure",
	StatusPinOrKeyMissing:          "pin or key missing",
	StatusMemCapExceeded:           "memory capacity exceeded",
	StatusConnTimeout:              "connection timeout",
	StatusConnLimitExceeded:        "connection limit exceeded",
	StatusCommandDisallowed:        "command disallowed",
	StatusInvalidParams:            "invalid parameters",
	StatusRemoteUserTerminated:     "remote user terminated connection",
	StatusRemoteLowResources:       "remote device terminated connection due to low resources",
	StatusRemotePowerOff:           "remote device terminated connection due to power off",
	StatusLocalHostTerminated:      "connection terminated by local host",
	StatusUnsupportedRemoteFeature: "unsupported remote feature",
	StatusInvalidLLParams:          "invalid LL parameters",
	StatusUnspecified:              "unspecified error",
	StatusLLResponseTimeout:        "LL response timeout",
	StatusTransactionCollision:     "LL procedure collision",
	StatusInstantPassed:            "instant passed",
	StatusControllerBusy:           "controller busy",
	StatusUnacceptableConnParams:   "unacceptable connection parameters",
	StatusDirectedAdvTimeout:       "directed advertising timeout",
	StatusMICFailure:               "connection terminated due to MIC failure",
	StatusConnFailedToEstablish:    "connection failed to be established",
}

func (s Status) Error() string {
	if n, ok := statusName[s]; ok {
		return n
	}
	return fmt.Sprintf("status 0x%02X", uint8(s))
}

// Resource exhaustion and request errors. Callers match them with errors.Cause.
var (
	ErrNoSlot      = errors.New("no free scheduling slot")
	ErrNoBuffer    = errors.New("no free tx descriptor")
	ErrListFull    = errors.New("list full")
	ErrBusy        = errors.New("procedure already in progress")
	ErrUnknownLink = errors.New("unknown link")
)

// StatusOf maps an error to the status reported upward.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	switch c := errors.Cause(err); c {
	case ErrNoSlot, ErrNoBuffer, ErrListFull:
		return StatusMemCapExceeded
	case ErrBusy:
		return StatusCommandDisallowed
	case ErrUnknownLink:
		return StatusUnknownConnID
	default:
		if s, ok := c.(Status); ok {
			return s
		}
	}
	return StatusUnspecified
}
