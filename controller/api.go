package controller

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/rigado/ll"
	"github.com/rigado/ll/llc"
	"github.com/rigado/ll/lm"
	"github.com/rigado/ll/sched"
)

// Host requests. Each one runs in the controller loop; the error maps to the
// status reported to the host with ll.StatusOf.

func (c *Controller) lookup(h uint16) (*llc.Link, error) {
	l, ok := c.links[h]
	if !ok || l.Closed() {
		return nil, errors.Wrapf(ll.ErrUnknownLink, "handle %#04x", h)
	}
	return l, nil
}

// onLink runs fn on link h.
func (c *Controller) onLink(h uint16, fn func(l *llc.Link) error) error {
	return c.do(func() error {
		l, err := c.lookup(h)
		if err != nil {
			return err
		}
		return fn(l)
	})
}

func (c *Controller) SetAdvParams(p ll.AdvParams) error {
	return c.do(func() error { return c.lm.SetAdvParams(p) })
}

func (c *Controller) SetAdvData(data []byte) error {
	return c.do(func() error { return c.lm.SetAdvData(data) })
}

func (c *Controller) SetScanResp(data []byte) error {
	return c.do(func() error { return c.lm.SetScanResp(data) })
}

// SetAdvEnable starts or stops advertising.
func (c *Controller) SetAdvEnable(en bool) error {
	return c.do(func() error {
		if !en {
			return c.lm.StopAdvertising()
		}
		if err := c.lm.StartAdvertising(); err != nil {
			return err
		}
		return c.s.Schedule()
	})
}

func (c *Controller) SetScanParams(p ll.ScanParams) error {
	return c.do(func() error { return c.lm.SetScanParams(p) })
}

// SetScanEnable starts or stops scanning.
func (c *Controller) SetScanEnable(en, filterDuplicates bool) error {
	return c.do(func() error {
		if !en {
			return c.lm.StopScanning()
		}
		if err := c.lm.StartScanning(filterDuplicates); err != nil {
			return err
		}
		return c.s.Schedule()
	})
}

// CreateConnection starts initiating; ConnectionComplete follows.
func (c *Controller) CreateConnection(p ll.ConnParams) error {
	return c.do(func() error {
		if err := c.lm.CreateConnection(p); err != nil {
			return err
		}
		return c.s.Schedule()
	})
}

func (c *Controller) CreateConnectionCancel() error {
	return c.do(c.lm.CancelConnection)
}

// Disconnect terminates link h; DisconnectionComplete follows once the peer
// acknowledged, or the link timed out.
func (c *Controller) Disconnect(h uint16, reason ll.Status) error {
	switch reason {
	case ll.StatusRemoteUserTerminated, ll.StatusPinOrKeyMissing, ll.StatusUnsupportedRemoteFeature,
		ll.StatusUnacceptableConnParams, ll.StatusRemoteLowResources, ll.StatusRemotePowerOff:
	default:
		return errors.Wrapf(ll.StatusInvalidParams, "disconnect reason %v", reason)
	}
	return c.onLink(h, func(l *llc.Link) error {
		return l.Disconnect(reason)
	})
}

// ConnectionUpdate changes the parameters of link h.
func (c *Controller) ConnectionUpdate(h uint16, p ll.UpdateParams) error {
	return c.onLink(h, func(l *llc.Link) error {
		return l.Update(p)
	})
}

// SetHostChannelMap restricts the data channels of new links and of every
// link the local device masters.
func (c *Controller) SetHostChannelMap(m uint64) error {
	cm := sched.ChannelMap(m)
	return c.do(func() error {
		if err := c.lm.SetChannelMap(cm); err != nil {
			return err
		}
		for _, h := range c.handles() {
			l := c.links[h]
			if l.Env().Role != ll.RoleMaster || l.ChannelMap() == cm {
				continue
			}
			if err := l.SetChannelMap(cm); err != nil {
				c.log.Warnf("link %#04x keeps %v: %v", h, l.ChannelMap(), err)
			}
		}
		return nil
	})
}

// ReadChannelMap reports the map in use on link h with
// ReadChannelMapComplete.
func (c *Controller) ReadChannelMap(h uint16) error {
	return c.onLink(h, func(l *llc.Link) error {
		c.up(ll.ReadChannelMapComplete{
			Status:     ll.StatusSuccess,
			ConnHandle: h,
			ChannelMap: uint64(l.ChannelMap()),
		})
		return nil
	})
}

// StartEncryption starts or refreshes encryption on a link the local device
// masters.
func (c *Controller) StartEncryption(h uint16, rand uint64, ediv uint16, ltk [16]byte) error {
	return c.onLink(h, func(l *llc.Link) error {
		return l.StartEncryption(rand, ediv, ltk)
	})
}

// LTKReply answers LongTermKeyRequest.
func (c *Controller) LTKReply(h uint16, ltk [16]byte) error {
	return c.onLink(h, func(l *llc.Link) error {
		return l.LTKReply(ltk)
	})
}

// LTKNegativeReply refuses LongTermKeyRequest.
func (c *Controller) LTKNegativeReply(h uint16) error {
	return c.onLink(h, func(l *llc.Link) error {
		return l.LTKNegativeReply()
	})
}

func (c *Controller) ReadRemoteFeatures(h uint16) error {
	return c.onLink(h, func(l *llc.Link) error {
		return l.ReadRemoteFeatures()
	})
}

func (c *Controller) ReadRemoteVersion(h uint16) error {
	return c.onLink(h, func(l *llc.Link) error {
		return l.ReadRemoteVersion()
	})
}

// SendData queues one data PDU; NumberOfCompletedPackets reports it sent.
func (c *Controller) SendData(h uint16, llid uint8, data []byte) error {
	p := append([]byte(nil), data...)
	return c.onLink(h, func(l *llc.Link) error {
		return l.Send(llid, p)
	})
}

// LinkInfo returns the state of link h.
func (c *Controller) LinkInfo(h uint16) (llc.Env, error) {
	var env llc.Env
	err := c.onLink(h, func(l *llc.Link) error {
		env = l.Env()
		return nil
	})
	return env, err
}

// Handles lists the live links.
func (c *Controller) Handles() ([]uint16, error) {
	var hs []uint16
	err := c.do(func() error {
		hs = c.handles()
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "can't list links")
	}
	return hs, nil
}

func (c *Controller) handles() []uint16 {
	hs := make([]uint16, 0, len(c.links))
	for h, l := range c.links {
		if !l.Closed() {
			hs = append(hs, h)
		}
	}
	sort.Slice(hs, func(i, j int) bool { return hs[i] < hs[j] })
	return hs
}

// TxTest sends n bytes of pattern p on rf channel rf until TestEnd.
func (c *Controller) TxTest(rf uint8, n int, p lm.Pattern) error {
	return c.do(func() error {
		if err := c.lm.StartTxTest(rf, n, p); err != nil {
			return err
		}
		return c.s.Schedule()
	})
}

// RxTest counts the packets received on rf channel rf until TestEnd.
func (c *Controller) RxTest(rf uint8) error {
	return c.do(func() error {
		if err := c.lm.StartRxTest(rf); err != nil {
			return err
		}
		return c.s.Schedule()
	})
}

// TestEnd stops the RF test and returns its packet count.
func (c *Controller) TestEnd() (uint16, error) {
	var n uint16
	err := c.do(func() error {
		var err error
		n, err = c.lm.EndTest()
		return err
	})
	return n, err
}

func (c *Controller) WhitelistAdd(a ll.DeviceAddr) error {
	return c.do(func() error { return c.lm.WhitelistAdd(a) })
}

func (c *Controller) WhitelistRemove(a ll.DeviceAddr) error {
	return c.do(func() error { return c.lm.WhitelistRemove(a) })
}

func (c *Controller) WhitelistClear() error {
	return c.do(c.lm.WhitelistClear)
}

// WhitelistSize returns the capacity of the whitelist.
func (c *Controller) WhitelistSize() int { return c.cfg.WhitelistSize }

// LocalVersion is what the controller sends in LL_VERSION_IND.
func (c *Controller) LocalVersion() ll.VersionInfo {
	v := c.cfg.Version
	return ll.VersionInfo{Version: v.Version, CompanyID: v.CompanyID, SubVersion: v.SubVersion}
}

// LocalFeatures is the feature set the controller advertises to peers.
func (c *Controller) LocalFeatures() uint64 { return c.cfg.Features }
