package ll

import (
	"encoding/hex"
	"strings"
)

// AdvertisementMapKeys names the fields of a decoded advertising report.
var AdvertisementMapKeys = struct {
	MAC         string
	RSSI        string
	Name        string
	MFG         string
	Flags       string
	TxPower     string
	Services    string
	ServiceData string
	Connectable string
	Solicited   string
	EventType   string
}{
	MAC:         "mac",
	RSSI:        "rssi",
	Name:        "name",
	MFG:         "mfg",
	Flags:       "flags",
	TxPower:     "txpwr",
	Services:    "services",
	ServiceData: "serviceData",
	Connectable: "connectable",
	Solicited:   "solicited",
	EventType:   "eventType",
}

// UUID is a 16, 32 or 128-bit UUID in on-air (little endian) order.
type UUID []byte

// UUID16 returns the 16-bit UUID u.
func UUID16(u uint16) UUID {
	return UUID{byte(u), byte(u >> 8)}
}

func (u UUID) Len() int { return len(u) }

// String prints u most significant byte first.
func (u UUID) String() string {
	b := make([]byte, len(u))
	for i := range u {
		b[len(u)-1-i] = u[i]
	}
	s := hex.EncodeToString(b)
	if len(u) != 16 {
		return s
	}
	return strings.Join([]string{s[:8], s[8:12], s[12:16], s[16:20], s[20:]}, "-")
}

// Equal reports whether u and v are the same UUID.
func (u UUID) Equal(v UUID) bool {
	if len(u) != len(v) {
		return false
	}
	for i := range u {
		if u[i] != v[i] {
			return false
		}
	}
	return true
}

// ServiceData is the data a device publishes for one service.
type ServiceData struct {
	UUID UUID
	Data []byte
}
