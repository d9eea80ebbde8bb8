package config

import (
	"fmt"
	"io/ioutil"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
)

// DefaultPath is where Load looks when no path is given.
const DefaultPath = "~/.llsim.json"

// Version is the local LL_VERSION_IND content.
type Version struct {
	Version    uint8  `json:"version"`
	CompanyID  uint16 `json:"company_id"`
	SubVersion uint16 `json:"sub_version"`
}

// Config holds the controller sizing and timing constants.
type Config struct {
	MaxConnections int `json:"max_connections"`
	TxDescCount    int `json:"tx_desc_count"`
	RxDescCount    int `json:"rx_desc_count"`
	WhitelistSize  int `json:"whitelist_size"`
	DupFilterSize  int `json:"dup_filter_size"`

	// ProgLatency is the minimum distance, in 625us slots, between the time an
	// event is programmed and the time it starts.
	ProgLatency uint32 `json:"prog_latency"`
	// SleepClockAccuracy is the local sleep clock accuracy in ppm.
	SleepClockAccuracy uint16 `json:"sca_ppm"`

	TxPower  int8    `json:"tx_power"`
	Version  Version `json:"version"`
	Features uint64  `json:"features"`

	SerialPort string `json:"serial_port,omitempty"`
	BaudRate   uint   `json:"baud_rate,omitempty"`

	LogLevel string `json:"log_level"`
}

// Default returns the configuration used when nothing else is specified.
func Default() Config {
	return Config{
		MaxConnections:     4,
		TxDescCount:        16,
		RxDescCount:        8,
		WhitelistSize:      8,
		DupFilterSize:      10,
		ProgLatency:        2,
		SleepClockAccuracy: 50,
		TxPower:            0,
		Version: Version{
			Version:    0x06,
			CompanyID:  0x0060,
			SubVersion: 0x0001,
		},
		Features: 0x01, // LE encryption
		BaudRate: 115200,
		LogLevel: "info",
	}
}

// MaxEvents is the bound on simultaneously scheduled events: two per link
// during a parameter update plus one non-connected role.
func (c Config) MaxEvents() int {
	return c.MaxConnections*2 + 1
}

func (c Config) Validate() error {
	switch {
	case c.MaxConnections <= 0:
		return fmt.Errorf("invalid max_connections %v", c.MaxConnections)
	case c.TxDescCount <= 0 || c.TxDescCount > 64:
		return fmt.Errorf("invalid tx_desc_count %v", c.TxDescCount)
	case c.RxDescCount <= 0 || c.RxDescCount > 32:
		return fmt.Errorf("invalid rx_desc_count %v", c.RxDescCount)
	case c.WhitelistSize <= 0:
		return fmt.Errorf("invalid whitelist_size %v", c.WhitelistSize)
	case c.DupFilterSize <= 0:
		return fmt.Errorf("invalid dup_filter_size %v", c.DupFilterSize)
	case c.ProgLatency == 0:
		return fmt.Errorf("prog_latency must be at least one slot")
	case c.SleepClockAccuracy == 0 || c.SleepClockAccuracy > 500:
		return fmt.Errorf("invalid sca_ppm %v", c.SleepClockAccuracy)
	}
	return nil
}

// Load reads a configuration file. Missing fields keep their default values.
// An empty path means DefaultPath; a missing file yields the defaults.
func Load(path string) (Config, error) {
	c := Default()

	if path == "" {
		path = DefaultPath
	}
	p, err := homedir.Expand(path)
	if err != nil {
		return c, errors.Wrap(err, "can't expand config path")
	}

	_, err = os.Stat(p)
	if os.IsNotExist(err) {
		return c, nil
	}

	in, err := ioutil.ReadFile(p)
	if err != nil {
		return c, errors.Wrapf(err, "can't read config %s", p)
	}

	if err := jsoniter.Unmarshal(in, &c); err != nil {
		return c, errors.Wrapf(err, "can't parse config %s", p)
	}

	return c, c.Validate()
}

// Save writes the configuration as JSON.
func Save(path string, c Config) error {
	p, err := homedir.Expand(path)
	if err != nil {
		return errors.Wrap(err, "can't expand config path")
	}

	out, err := jsoniter.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return ioutil.WriteFile(p, out, 0644)
}
