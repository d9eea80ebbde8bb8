// Package parser decodes and builds the AD structures carried in
// advertising data and scan responses.
package parser

import (
	"github.com/pkg/errors"
	"github.com/rigado/ll"
	"github.com/rigado/ll/lm"
)

var ErrEmptyData = errors.New("nil/empty advertising data")

// AD types, Core Specification Supplement part A.
const (
	typeFlags       byte = 0x01
	typeUUID16Inc   byte = 0x02
	typeUUID16Comp  byte = 0x03
	typeUUID32Inc   byte = 0x04
	typeUUID32Comp  byte = 0x05
	typeUUID128Inc  byte = 0x06
	typeUUID128Comp byte = 0x07
	typeNameShort   byte = 0x08
	typeNameComp    byte = 0x09
	typeTxPower     byte = 0x0A
	typeSol16       byte = 0x14
	typeSol128      byte = 0x15
	typeSvc16       byte = 0x16
	typeSol32       byte = 0x1F
	typeSvc32       byte = 0x20
	typeSvc128      byte = 0x21
	typeMfgData     byte = 0xFF
)

var keys = ll.AdvertisementMapKeys

type record struct {
	elemSize int // > 0 for UUID lists
	minSize  int
	uuidSize int // > 0 for service data
	key      string
}

var records = map[byte]record{
	typeUUID16Inc:   {elemSize: 2, minSize: 2, key: keys.Services},
	typeUUID16Comp:  {elemSize: 2, minSize: 2, key: keys.Services},
	typeUUID32Inc:   {elemSize: 4, minSize: 4, key: keys.Services},
	typeUUID32Comp:  {elemSize: 4, minSize: 4, key: keys.Services},
	typeUUID128Inc:  {elemSize: 16, minSize: 16, key: keys.Services},
	typeUUID128Comp: {elemSize: 16, minSize: 16, key: keys.Services},
	typeSol16:       {elemSize: 2, minSize: 2, key: keys.Solicited},
	typeSol32:       {elemSize: 4, minSize: 4, key: keys.Solicited},
	typeSol128:      {elemSize: 16, minSize: 16, key: keys.Solicited},
	typeSvc16:       {minSize: 2, uuidSize: 2, key: keys.ServiceData},
	typeSvc32:       {minSize: 4, uuidSize: 4, key: keys.ServiceData},
	typeSvc128:      {minSize: 16, uuidSize: 16, key: keys.ServiceData},
	typeNameComp:    {minSize: 1, key: keys.Name},
	typeNameShort:   {minSize: 1, key: keys.Name},
	typeTxPower:     {minSize: 1, key: keys.TxPower},
	typeMfgData:     {minSize: 1, key: keys.MFG},
	typeFlags:       {minSize: 1, key: keys.Flags},
}

func uuids(size int, b []byte) ([]ll.UUID, error) {
	if size <= 0 {
		return nil, errors.New("invalid size")
	}
	if len(b) == 0 || len(b)%size != 0 {
		return nil, errors.Errorf("%d bytes is not a list of %d byte UUIDs", len(b), size)
	}
	arr := make([]ll.UUID, 0, len(b)/size)
	for j := 0; j < len(b); j += size {
		arr = append(arr, ll.UUID(b[j:j+size]))
	}
	return arr, nil
}

// Parse decodes advertising data into a map keyed by
// ll.AdvertisementMapKeys. Unknown AD types are skipped.
func Parse(data []byte) (map[string]interface{}, error) {
	if len(data) == 0 {
		return nil, ErrEmptyData
	}

	m := make(map[string]interface{})
	for i := 0; i+1 < len(data); {
		length := int(data[i])
		typ := data[i+1]
		if length < 1 {
			return m, errors.Errorf("invalid record length %d at %d", length, i)
		}
		if i+length >= len(data) {
			return m, errors.Errorf("record at %d overflows: want %d bytes, have %d", i, i+length+1, len(data))
		}

		b := append([]byte(nil), data[i+2:i+1+length]...)
		rec, ok := records[typ]
		if ok && len(b) != 0 {
			if len(b) < rec.minSize {
				return m, errors.Errorf("AD type 0x%02X at %d: %d bytes, want at least %d", typ, i, len(b), rec.minSize)
			}
			switch {
			case rec.elemSize > 0:
				arr, err := uuids(rec.elemSize, b)
				if err != nil {
					return m, errors.Wrapf(err, "AD type 0x%02X at %d", typ, i)
				}
				v, _ := m[rec.key].([]ll.UUID)
				m[rec.key] = append(v, arr...)

			case rec.uuidSize > 0:
				sd, _ := m[rec.key].([]ll.ServiceData)
				m[rec.key] = append(sd, ll.ServiceData{UUID: ll.UUID(b[:rec.uuidSize]), Data: b[rec.uuidSize:]})

			default:
				appendBytes(m, rec.key, b)
			}
		}
		i += length + 1
	}
	return m, nil
}

func appendBytes(m map[string]interface{}, key string, data []byte) {
	d, ok := m[key].([]byte)
	if !ok {
		m[key] = data
		return
	}
	// a scan response repeats the company id
	if key == keys.MFG && len(data) >= 2 {
		data = data[2:]
	}
	m[key] = append(d, data...)
}

// Report decodes an advertising report, adding the address, RSSI, event
// type and connectability to the AD fields.
func Report(r ll.AdvertisingReport) (map[string]interface{}, error) {
	m := map[string]interface{}{}
	if len(r.Data) != 0 {
		var err error
		if m, err = Parse(r.Data); err != nil {
			return m, err
		}
	}
	m[keys.MAC] = r.Addr.String()
	m[keys.RSSI] = int(r.RSSI)
	m[keys.EventType] = lm.PDUName(r.EventType)
	m[keys.Connectable] = r.EventType == lm.PDUAdvInd || r.EventType == lm.PDUAdvDirectInd
	return m, nil
}

// LocalName returns the name of a decoded advertisement.
func LocalName(m map[string]interface{}) string {
	b, _ := m[keys.Name].([]byte)
	return string(b)
}
