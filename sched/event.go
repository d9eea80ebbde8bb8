package sched

import (
	"fmt"

	"github.com/rigado/ll"
	"github.com/rigado/ll/dx"
	"github.com/rigado/ll/exch"
	"github.com/rigado/ll/regio"
)

// Role is the kind of radio activity an event performs.
type Role uint8

const (
	RoleAdvertiser Role = iota
	RoleDirectAdvertiser
	RolePassiveScanner
	RoleActiveScanner
	RoleInitiator
	RoleMaster
	RoleSlave
	RoleTxTest
	RoleRxTest
)

var roleName = [...]string{
	RoleAdvertiser:       "advertiser",
	RoleDirectAdvertiser: "direct advertiser",
	RolePassiveScanner:   "passive scanner",
	RoleActiveScanner:    "active scanner",
	RoleInitiator:        "initiator",
	RoleMaster:           "master",
	RoleSlave:            "slave",
	RoleTxTest:           "tx test",
	RoleRxTest:           "rx test",
}

func (r Role) String() string {
	if int(r) < len(roleName) {
		return roleName[r]
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// Connected reports whether the role belongs to an established link.
func (r Role) Connected() bool {
	return r == RoleMaster || r == RoleSlave
}

// Advertising reports whether the role transmits on advertising channels.
func (r Role) Advertising() bool {
	return r == RoleAdvertiser || r == RoleDirectAdvertiser
}

// Scanning reports whether the role listens on advertising channels.
func (r Role) Scanning() bool {
	return r == RolePassiveScanner || r == RoleActiveScanner || r == RoleInitiator
}

// loops reports whether the role sends the same payloads every occurrence.
func (r Role) loops() bool {
	return r.Advertising() || r == RoleActiveScanner || r == RoleTxTest
}

// priority resolves run-time collisions; higher wins.
func (r Role) priority() int {
	switch r {
	case RoleMaster, RoleSlave, RoleTxTest, RoleRxTest:
		return 3
	case RoleInitiator:
		return 2
	case RoleAdvertiser, RoleDirectAdvertiser:
		return 1
	}
	return 0
}

func (r Role) format() uint32 {
	switch r {
	case RoleAdvertiser:
		return regio.FmtLDAdvertiser
	case RoleDirectAdvertiser:
		return regio.FmtHDAdvertiser
	case RolePassiveScanner:
		return regio.FmtPassiveScanner
	case RoleActiveScanner:
		return regio.FmtActiveScanner
	case RoleInitiator:
		return regio.FmtInitiator
	case RoleMaster:
		return regio.FmtMasterConnect
	case RoleSlave:
		return regio.FmtSlaveConnect
	case RoleTxTest:
		return regio.FmtTxTest
	case RoleRxTest:
		return regio.FmtRxTest
	}
	return 0
}

// abortField is the core control bit that stops a running event of this role.
func (r Role) abortField() regio.Field {
	switch {
	case r.Connected():
		return regio.LinkAbort
	case r.Advertising():
		return regio.AdvertAbort
	case r.Scanning():
		return regio.ScanAbort
	}
	return regio.RftestAbort
}

// Restart is what happens to an event once an occurrence completes.
type Restart uint8

const (
	// RestartPeriodic reschedules one interval later.
	RestartPeriodic Restart = iota
	// RestartNone completes and deletes the event.
	RestartNone
)

// Flags track the hardware and procedure state of an event.
type Flags uint8

const (
	FlagProgrammed Flags = 1 << iota
	FlagWaitAck
	FlagWaitSync
	FlagWaitInstant
)

func (f Flags) String() string {
	s := ""
	for _, x := range []struct {
		f Flags
		n string
	}{{FlagProgrammed, "P"}, {FlagWaitAck, "A"}, {FlagWaitSync, "S"}, {FlagWaitInstant, "I"}} {
		if f&x.f != 0 {
			s += x.n
		} else {
			s += "-"
		}
	}
	return s
}

// EventID identifies a live event; ids are reused after an event is freed.
type EventID int

// Event is one scheduled radio activity.
type Event struct {
	ID       EventID
	Role     Role
	Link     uint16
	Time     uint32 // next occurrence, slots
	Duration uint32 // slots
	Interval uint32 // slots, 0 for a single occurrence
	Latency  uint16

	Anchor       Anchor
	DriftBase    uint32 // us
	DriftCurrent uint32 // us

	Counter uint16
	Instant uint16
	Restart Restart
	Flags   Flags

	// Missed counts consecutive occurrences without synchronization.
	Missed    int
	RxSyncErr bool
	RxTime    uint32 // sync time of the last occurrence
	RxFine    uint16

	AccessAddr  uint32
	CRCInit     uint32
	Hop         Hop
	AdvChannels uint8 // bit 0 = channel 37
	TxPower     int8
	PeerSCA     uint16 // ppm

	Queues dx.Queues
	// Alt is the event replacing this one at Instant.
	Alt *Event

	txCrypt, rxCrypt bool
	sk               [16]byte
	iv               [8]byte

	winOffset uint32 // slots after the instant occurrence, for an Alt event
	winSize   uint32 // slots
	pendMap   *ChannelMap

	elapsed  uint32 // intervals since Anchor
	lastSync uint32
	synced   bool
	inWindow bool   // slave listens over winSize until the next sync
	timeout  uint32 // slots, 0 disables supervision
	deadline uint32
	hasDead  bool
	started  uint16 // counter at connection start
	rxDone   int    // rx descriptors delivered during the programmed occurrence
	bucket   *bucket
	inList   bool
	deleted  bool
	gen      int
	progGen  int
}

func (e *Event) String() string {
	return fmt.Sprintf("ev%d[%v link=%#04x t=%d i=%d c=%d %v]", e.ID, e.Role, e.Link, e.Time, e.Interval, e.Counter, e.Flags)
}

// Programmed reports whether the event is the one currently in hardware.
func (e *Event) Programmed() bool { return e.Flags&FlagProgrammed != 0 }

// Deleted reports whether the event has been removed from the scheduler.
func (e *Event) Deleted() bool { return e.deleted }

// Synced reports whether a connected event has ever been synchronized.
func (e *Event) Synced() bool { return e.synced }

// LastSync is the time of the last synchronization.
func (e *Event) LastSync() uint32 { return e.lastSync }

// SupervisionTimeout returns the effective timeout in slots.
func (e *Event) SupervisionTimeout() uint32 { return e.timeout }

// Encrypted returns the direction(s) the hardware encrypts.
func (e *Event) Encrypted() (tx, rx bool) { return e.txCrypt, e.rxCrypt }

// PendingMap returns the channel map waiting for Instant, if any.
func (e *Event) PendingMap() (ChannelMap, bool) {
	if e.pendMap == nil {
		return 0, false
	}
	return *e.pendMap, true
}

// Client receives the scheduler's notifications. They are all delivered from
// the deferred processing context.
type Client interface {
	// Rx hands over a received PDU; a deleted event may still deliver the
	// descriptors filled before the abort took effect.
	Rx(ev *Event, rx exch.RxDesc)
	// TxConfirmed returns buffers the peer acknowledged.
	TxConfirmed(ev *Event, done []dx.TxConfirm)
	// Acked follows the confirmation of everything queued while FlagWaitAck
	// was set.
	Acked(ev *Event)
	// InstantReached reports that ev applied its pending change; prev is the
	// event it replaced, nil for a channel map change.
	InstantReached(ev, prev *Event)
	// Completed reports that a non-periodic event ended.
	Completed(ev *Event, st ll.Status)
	// Timeout reports a connected event lost; the scheduler deletes ev if the
	// client does not.
	Timeout(ev *Event, st ll.Status)
}
