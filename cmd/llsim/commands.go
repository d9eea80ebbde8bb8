package main

import (
	"fmt"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/rigado/ll"
	"github.com/rigado/ll/config"
	"github.com/rigado/ll/llc"
	"github.com/rigado/ll/lm"
	"github.com/rigado/ll/parser"
	"github.com/rigado/ll/regio"
	"github.com/rigado/ll/sched"
	"github.com/rigado/ll/sim"
)

// settle is the air time left for a procedure to complete.
const settle = 2 * time.Second

// defaultPeer is the scripted device's address when none is given.
var defaultPeer = ll.DeviceAddr{Type: ll.AddrRandom, Addr: ll.MustParseAddr("c0:ff:ee:00:00:02")}

func advData(name string) ([]byte, error) {
	p, err := parser.NewPacket(parser.Flags(parser.FlagGeneralDiscoverable|parser.FlagNoBREDR), parser.CompleteName(name))
	if err != nil {
		return nil, errors.Wrap(err, "can't build advertising data")
	}
	return p.Bytes(), nil
}

func isConnected(n ll.Notification) bool {
	cc, ok := n.(ll.ConnectionComplete)
	return ok && cc.Status == ll.StatusSuccess
}

func isDisconnected(n ll.Notification) bool {
	_, ok := n.(ll.DisconnectionComplete)
	return ok
}

// hangUp disconnects every link left.
func hangUp(b *bench) {
	hs, err := b.ctl.Handles()
	if err != nil {
		log.Warnf("%v", err)
		return
	}
	for _, h := range hs {
		if err := b.ctl.Disconnect(h, ll.StatusRemoteUserTerminated); err != nil {
			log.Warnf("disconnect %#04x: %v", h, err)
			continue
		}
		b.run(settle, isDisconnected)
	}
}

func cmdAdvertise(c *cli.Context) error {
	own, err := publicAddr(c.String("addr"))
	if err != nil {
		return err
	}
	data, err := advData(c.String("name"))
	if err != nil {
		return err
	}
	b, err := newBench(c, defaultPeer)
	if err != nil {
		return err
	}
	defer b.close()

	p := ll.DefaultAdvParams()
	p.IntervalMin = uint16(c.Uint("interval"))
	p.IntervalMax = p.IntervalMin
	p.OwnAddr = own
	p.Data = data
	if err := b.ctl.SetAdvParams(p); err != nil {
		return errors.Wrap(err, "can't set advertising parameters")
	}
	if err := b.ctl.SetAdvEnable(true); err != nil {
		return errors.Wrap(err, "can't advertise")
	}
	if c.Bool("accept") && b.dev != nil {
		b.dev.ConnectTo(own)
	}

	fmt.Printf("Advertising for %s...\n", c.Duration("duration"))
	b.run(c.Duration("duration"), nil)
	if b.dev != nil && !b.dev.Connected() {
		fmt.Printf("Peer heard %d advertising PDUs\n", len(b.dev.Adverts()))
	}
	if err := b.ctl.SetAdvEnable(false); err != nil {
		log.Debugf("stop advertising: %v", err)
	}
	hangUp(b)
	return nil
}

func cmdScan(c *cli.Context) error {
	own, err := publicAddr(c.String("addr"))
	if err != nil {
		return err
	}
	b, err := newBench(c, defaultPeer)
	if err != nil {
		return err
	}
	defer b.close()

	if b.dev != nil {
		if b.dev.AdvData, err = advData("peer"); err != nil {
			return err
		}
		b.dev.ScanRsp = b.dev.AdvData
		b.dev.Advertise(true)
	}

	p := ll.DefaultScanParams()
	p.Active = c.Bool("active")
	p.Interval = uint16(c.Uint("interval"))
	p.Window = p.Interval / 2
	p.OwnAddr = own
	if err := b.ctl.SetScanParams(p); err != nil {
		return errors.Wrap(err, "can't set scan parameters")
	}
	if err := b.ctl.SetScanEnable(true, !c.Bool("dup")); err != nil {
		return errors.Wrap(err, "can't scan")
	}

	fmt.Printf("Scanning for %s...\n", c.Duration("duration"))
	b.run(c.Duration("duration"), nil)
	return b.ctl.SetScanEnable(false, false)
}

func cmdConnect(c *cli.Context) error {
	own, err := publicAddr(c.String("addr"))
	if err != nil {
		return err
	}
	peer, err := publicAddr(c.String("peer"))
	if err != nil {
		return err
	}
	b, err := newBench(c, peer)
	if err != nil {
		return err
	}
	defer b.close()
	if b.dev != nil {
		b.dev.Advertise(true)
	}

	p := ll.DefaultConnParams()
	p.Peer = peer
	p.OwnAddr = own
	if err := b.ctl.CreateConnection(p); err != nil {
		return errors.Wrap(err, "can't initiate")
	}
	var h uint16
	ok := b.run(c.Duration("duration"), func(n ll.Notification) bool {
		if isConnected(n) {
			h = n.Handle()
			return true
		}
		return false
	})
	if !ok {
		if err := b.ctl.CreateConnectionCancel(); err != nil {
			log.Debugf("cancel: %v", err)
		}
		return errors.Errorf("no connection to %v", peer)
	}

	if err := b.ctl.ReadRemoteVersion(h); err != nil {
		log.Warnf("version: %v", err)
	}
	b.run(settle, func(n ll.Notification) bool {
		_, ok := n.(ll.ReadRemoteVersionComplete)
		return ok
	})
	if err := b.ctl.ReadRemoteFeatures(h); err != nil {
		log.Warnf("features: %v", err)
	}
	b.run(settle, func(n ll.Notification) bool {
		_, ok := n.(ll.ReadRemoteFeaturesComplete)
		return ok
	})

	if err := b.ctl.SendData(h, llc.LLIDStart, []byte(c.String("data"))); err != nil {
		return errors.Wrap(err, "can't send")
	}
	b.run(settle, func(n ll.Notification) bool {
		_, ok := n.(ll.NumberOfCompletedPackets)
		return ok
	})
	if env, err := b.ctl.LinkInfo(h); err == nil {
		fmt.Printf("Link %#04x: %+v\n", h, env)
	}
	hangUp(b)
	return nil
}

func cmdRFTest(c *cli.Context) error {
	b, err := newBench(c, defaultPeer)
	if err != nil {
		return err
	}
	defer b.close()

	rf := uint8(c.Uint("channel"))
	if c.Bool("rx") {
		if b.dev != nil {
			b.dev.TransmitTest(true)
		}
		err = b.ctl.RxTest(rf)
	} else {
		err = b.ctl.TxTest(rf, c.Int("len"), lm.Pattern(c.Uint("pattern")))
	}
	if err != nil {
		return errors.Wrap(err, "can't start test")
	}

	b.run(c.Duration("duration"), nil)
	n, err := b.ctl.TestEnd()
	if err != nil {
		return err
	}
	b.drain(nil)
	fmt.Printf("%d packets\n", n)
	return nil
}

// cmdServe runs the simulated baseband behind the serial port, for a
// controller running elsewhere with --port. The baseband's own clock follows
// the wall clock.
func cmdServe(c *cli.Context) error {
	if cfg.SerialPort == "" {
		return errors.New("serve needs --port")
	}
	sp, err := serial.Open(serial.OpenOptions{
		PortName:              cfg.SerialPort,
		BaudRate:              cfg.BaudRate,
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       1,
		InterCharacterTimeout: 100,
	})
	if err != nil {
		return errors.Wrapf(err, "can't open %s", cfg.SerialPort)
	}
	defer sp.Close()

	dev := sim.NewDevice(defaultPeer, c.GlobalInt64("seed"))
	if dev.AdvData, err = advData(c.String("name")); err != nil {
		return err
	}
	dev.Advertise(true)
	hw := sim.New(cfg.RxDescCount, dev)

	done := make(chan struct{})
	defer close(done)
	go func() {
		tick := time.NewTicker(stepSlots * slot)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				hw.Run(sched.Add(hw.Now(), stepSlots), nil)
			case <-done:
				return
			}
		}
	}()

	log.Infof("serving the simulated baseband on %s", cfg.SerialPort)
	return regio.Serve(sp, hw)
}

func cmdInit(c *cli.Context) error {
	path := c.GlobalString("config")
	if err := config.Save(path, config.Default()); err != nil {
		return errors.Wrapf(err, "can't write %s", path)
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}
