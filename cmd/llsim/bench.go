package main

import (
	"fmt"
	"math/rand"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/rigado/ll"
	"github.com/rigado/ll/config"
	"github.com/rigado/ll/controller"
	"github.com/rigado/ll/parser"
	"github.com/rigado/ll/regio"
	"github.com/rigado/ll/sched"
	"github.com/rigado/ll/sim"
)

const (
	slot = 625 * time.Microsecond
	// slots simulated between two looks at the notifications
	stepSlots = 16
	// interrupt status polling period on a bridged baseband
	pollPeriod = time.Millisecond
	noteDepth  = 256
)

var (
	cfg config.Config
	log = ll.Component("llsim")
)

func setup(c *cli.Context) error {
	var err error
	if cfg, err = config.Load(c.String("config")); err != nil {
		return errors.Wrap(err, "can't load configuration")
	}
	if c.IsSet("port") {
		cfg.SerialPort = c.String("port")
	}
	if c.IsSet("baud") {
		cfg.BaudRate = c.Uint("baud")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if cfg.LogLevel != "" {
		return ll.SetLogLevel(cfg.LogLevel)
	}
	return nil
}

// logRadio stands for the radio of a bridged baseband, whose channel and
// power go through the register file.
type logRadio struct{ log ll.Logger }

func (r logRadio) SetChannel(ch uint8)   { r.log.Debugf("channel %d", ch) }
func (r logRadio) SetTxPower(level int8) { r.log.Debugf("tx power %d", level) }
func (r logRadio) Sleep()                { r.log.Debug("sleep") }
func (r logRadio) Wake()                 { r.log.Debug("wake") }

// bench is a controller with its baseband. dev and hw are nil on a bridged
// baseband, whose peers are whatever is on air.
type bench struct {
	ctl    *controller.Controller
	hw     *sim.Hardware
	dev    *sim.Device
	bridge *regio.Bridge
	notes  chan ll.Notification
}

func newBench(c *cli.Context, peer ll.DeviceAddr) (*bench, error) {
	b := &bench{notes: make(chan ll.Notification, noteDepth)}
	var (
		io    regio.RegisterIO
		radio sched.Radio
	)
	if cfg.SerialPort != "" {
		br, err := regio.OpenSerial(cfg.SerialPort, cfg.BaudRate)
		if err != nil {
			return nil, err
		}
		b.bridge = br
		io, radio = br, logRadio{log: log}
	} else {
		b.dev = sim.NewDevice(peer, c.GlobalInt64("seed")+1)
		b.hw = sim.New(cfg.RxDescCount, b.dev)
		io, radio = b.hw, b.hw.Radio()
	}

	ctl, err := controller.New(cfg, io, radio, b.notify,
		controller.WithRand(rand.New(rand.NewSource(c.GlobalInt64("seed")))))
	if err != nil {
		b.close()
		return nil, err
	}
	b.ctl = ctl
	if b.hw != nil {
		b.hw.SetInterrupt(ctl.Interrupt)
	}
	return b, b.ctl.Start()
}

// notify runs in the controller loop and must not block.
func (b *bench) notify(n ll.Notification) {
	select {
	case b.notes <- n:
	default:
		log.Warnf("notification dropped: %T", n)
	}
}

func (b *bench) close() {
	if b.ctl != nil {
		if err := b.ctl.Stop(); err != nil {
			log.Debugf("stop: %v", err)
		}
	}
	if b.bridge != nil {
		b.bridge.Close()
	}
}

// run lets d of air time pass, printing notifications, until done returns
// true for one of them. It reports whether done did.
func (b *bench) run(d time.Duration, done func(ll.Notification) bool) bool {
	if b.hw == nil {
		return b.runBridged(d, done)
	}
	end := sched.Add(b.hw.Now(), int32(d/slot))
	for {
		stop := sched.Add(b.hw.Now(), stepSlots)
		if sched.Before(end, stop) {
			stop = end
		}
		b.hw.Run(stop, b.ctl.Sync)
		b.ctl.Sync()
		if b.drain(done) {
			return true
		}
		if !sched.Before(b.hw.Now(), end) {
			return false
		}
	}
}

func (b *bench) runBridged(d time.Duration, done func(ll.Notification) bool) bool {
	poll := time.NewTicker(pollPeriod)
	defer poll.Stop()
	timeout := time.After(d)
	for {
		select {
		case <-poll.C:
			b.ctl.Interrupt()
		case n := <-b.notes:
			printNote(n)
			if done != nil && done(n) {
				return true
			}
		case <-timeout:
			return false
		}
	}
}

func (b *bench) drain(done func(ll.Notification) bool) bool {
	for {
		select {
		case n := <-b.notes:
			printNote(n)
			if done != nil && done(n) {
				return true
			}
		default:
			return false
		}
	}
}

func printNote(n ll.Notification) {
	var v interface{} = n
	if r, ok := n.(ll.AdvertisingReport); ok {
		m, err := parser.Report(r)
		if err != nil {
			log.Warnf("bad advertising data from %v: %v", r.Addr, err)
		}
		v = m
	}
	out, err := jsoniter.Marshal(v)
	if err != nil {
		log.Errorf("can't print %T: %v", n, err)
		return
	}
	fmt.Printf("%-28T %s\n", n, out)
}

func publicAddr(s string) (ll.DeviceAddr, error) {
	a, err := ll.ParseAddr(s)
	if err != nil {
		return ll.DeviceAddr{}, errors.Wrapf(err, "bad address %q", s)
	}
	return ll.DeviceAddr{Type: ll.AddrPublic, Addr: a}, nil
}
