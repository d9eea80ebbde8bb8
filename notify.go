package ll

// Notification is an upward indication from the link layer. Each one is
// emitted at most once per occasion.
type Notification interface {
	Handle() uint16
}

// Handler receives notifications, in order, once the work that raised them
// is done. It may issue link layer requests.
type Handler func(Notification)

// NoHandle is used by notifications not tied to a link.
const NoHandle uint16 = 0xFFFF

// Role of the local device on a link.
type Role uint8

const (
	RoleMaster Role = 0x00
	RoleSlave  Role = 0x01
)

func (r Role) String() string {
	if r == RoleMaster {
		return "master"
	}
	return "slave"
}

type ConnectionComplete struct {
	Status             Status
	ConnHandle         uint16
	Role               Role
	Peer               DeviceAddr
	Interval           uint16 // N * 1.25 msec
	Latency            uint16
	SupervisionTimeout uint16 // N * 10 msec
	MasterClockAcc     uint8
}

type ConnectionUpdateComplete struct {
	Status             Status
	ConnHandle         uint16
	Interval           uint16
	Latency            uint16
	SupervisionTimeout uint16
}

type DisconnectionComplete struct {
	Status     Status
	ConnHandle uint16
	Reason     Status
}

type EncryptionChange struct {
	Status     Status
	ConnHandle uint16
	Enabled    bool
}

type EncryptionKeyRefreshComplete struct {
	Status     Status
	ConnHandle uint16
}

type ReadChannelMapComplete struct {
	Status     Status
	ConnHandle uint16
	ChannelMap uint64 // 37 bits
}

// VersionInfo is the content of LL_VERSION_IND.
type VersionInfo struct {
	Version    uint8
	CompanyID  uint16
	SubVersion uint16
}

type ReadRemoteVersionComplete struct {
	Status     Status
	ConnHandle uint16
	VersionInfo
}

type ReadRemoteFeaturesComplete struct {
	Status     Status
	ConnHandle uint16
	Features   uint64
}

type NumberOfCompletedPackets struct {
	ConnHandle uint16
	Count      int
}

// AdvertisingReport carries one received advertising channel PDU.
type AdvertisingReport struct {
	EventType uint8 // advertising PDU type
	Addr      DeviceAddr
	Data      []byte
	RSSI      int8
}

type ScanRequestReceived struct {
	Scanner DeviceAddr
}

type LongTermKeyRequest struct {
	ConnHandle uint16
	Rand       uint64
	EDIV       uint16
}

type DataReceived struct {
	ConnHandle uint16
	LLID       uint8
	Data       []byte
}

type TestEnd struct {
	Status  Status
	Packets uint16
}

type HardwareError struct {
	Code uint8
}

// ScanFilterFull is raised once per scan when the duplicate filter runs out
// of room; devices it can't hold are reported every time they are heard.
type ScanFilterFull struct {
	Status Status
	Size   int
}

func (e ConnectionComplete) Handle() uint16           { return e.ConnHandle }
func (e ConnectionUpdateComplete) Handle() uint16     { return e.ConnHandle }
func (e DisconnectionComplete) Handle() uint16        { return e.ConnHandle }
func (e EncryptionChange) Handle() uint16             { return e.ConnHandle }
func (e EncryptionKeyRefreshComplete) Handle() uint16 { return e.ConnHandle }
func (e ReadChannelMapComplete) Handle() uint16       { return e.ConnHandle }
func (e ReadRemoteVersionComplete) Handle() uint16    { return e.ConnHandle }
func (e ReadRemoteFeaturesComplete) Handle() uint16   { return e.ConnHandle }
func (e NumberOfCompletedPackets) Handle() uint16     { return e.ConnHandle }
func (e AdvertisingReport) Handle() uint16            { return NoHandle }
func (e ScanRequestReceived) Handle() uint16          { return NoHandle }
func (e LongTermKeyRequest) Handle() uint16           { return e.ConnHandle }
func (e DataReceived) Handle() uint16                 { return e.ConnHandle }
func (e TestEnd) Handle() uint16                      { return NoHandle }
func (e HardwareError) Handle() uint16                { return NoHandle }
func (e ScanFilterFull) Handle() uint16               { return NoHandle }
