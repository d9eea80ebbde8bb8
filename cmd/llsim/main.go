// Command llsim runs the link layer against a simulated baseband and a
// scripted peer, or against a baseband reached over a serial bridge.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()

	app.Name = "llsim"
	app.Usage = "Drive the BLE link layer on a simulated or bridged baseband"
	app.Version = "0.1.0"
	app.Action = cli.ShowAppHelp
	app.Flags = []cli.Flag{
		flgConfig,
		flgLogLevel,
		flgPort,
		flgBaud,
		flgSeed,
	}

	app.Commands = []cli.Command{
		{
			Name:    "advertise",
			Aliases: []string{"adv", "a"},
			Usage:   "Advertise and, with --accept, let the peer connect",
			Action:  cmdAdvertise,
			Flags:   []cli.Flag{flgDuration, flgAddr, flgName, flgInterval, cli.BoolFlag{Name: "accept", Usage: "peer connects to the advertiser"}},
		},
		{
			Name:    "scan",
			Aliases: []string{"s"},
			Usage:   "Scan and print advertising reports",
			Action:  cmdScan,
			Flags:   []cli.Flag{flgDuration, flgAddr, flgActive, flgAllowDup, flgInterval},
		},
		{
			Name:    "connect",
			Aliases: []string{"c"},
			Usage:   "Connect to the peer, exchange a few PDUs and disconnect",
			Action:  cmdConnect,
			Flags:   []cli.Flag{flgDuration, flgAddr, flgPeer, cli.StringFlag{Name: "data", Value: "hello", Usage: "payload to send"}},
		},
		{
			Name:   "rftest",
			Usage:  "Run a transmitter or receiver test",
			Action: cmdRFTest,
			Flags: []cli.Flag{
				flgDuration,
				cli.BoolFlag{Name: "rx", Usage: "receiver test"},
				cli.UintFlag{Name: "channel, ch", Value: 19, Usage: "RF channel (0-39)"},
				cli.IntFlag{Name: "len", Value: 37, Usage: "test payload length"},
				cli.UintFlag{Name: "pattern", Value: 0, Usage: "test payload pattern (0-7)"},
			},
		},
		{
			Name:   "serve",
			Usage:  "Expose the simulated baseband on the serial port",
			Action: cmdServe,
			Flags:  []cli.Flag{flgName},
		},
		{
			Name:   "init",
			Usage:  "Write the default configuration",
			Action: cmdInit,
		},
	}

	app.Before = setup
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "llsim: %v\n", err)
		os.Exit(1)
	}
}

var (
	flgConfig   = cli.StringFlag{Name: "config", Value: "~/.llsim.json", Usage: "configuration file"}
	flgLogLevel = cli.StringFlag{Name: "log-level, l", Usage: "log level, overrides the configuration"}
	flgPort     = cli.StringFlag{Name: "port, p", Usage: "serial port of a bridged baseband"}
	flgBaud     = cli.UintFlag{Name: "baud", Usage: "serial baud rate, overrides the configuration"}
	flgSeed     = cli.Int64Flag{Name: "seed", Value: 1, Usage: "random seed"}
	flgDuration = cli.DurationFlag{Name: "duration, d", Value: 5 * time.Second, Usage: "air time to run"}
	flgAddr     = cli.StringFlag{Name: "addr, a", Value: "c0:ff:ee:00:00:01", Usage: "local public address"}
	flgPeer     = cli.StringFlag{Name: "peer", Value: "c0:ff:ee:00:00:02", Usage: "peer public address"}
	flgName     = cli.StringFlag{Name: "name, n", Value: "llsim", Usage: "advertised local name"}
	flgInterval = cli.UintFlag{Name: "interval", Value: 0x20, Usage: "advertising or scan interval, 0.625ms units"}
	flgActive   = cli.BoolFlag{Name: "active", Usage: "active scanning"}
	flgAllowDup = cli.BoolFlag{Name: "dup", Usage: "allow duplicate reports"}
)
