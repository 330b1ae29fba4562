// roomba-sim pretends to be an appliance on local network.
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/roomba/cmd/roomba/subcmd"
	"github.com/temoto/roomba/helpers/cli"
	"github.com/temoto/roomba/internal/sim"
	"github.com/temoto/roomba/log2"
)

var log = log2.NewStderr(log2.LInfo)

func main() {
	flagAddr := flag.String("addr", sim.DefaultAddr, "TLS listen address for pairing and MQTT")
	flagUDP := flag.String("udp", sim.DefaultUDPAddr, "discovery listen address, - to disable")
	flagAdvertise := flag.String("advertise-ip", "", "IP in discovery reply (default: address that received probe)")
	flagBLID := flag.String("blid", sim.DefaultBLID, "appliance identity")
	flagPassword := flag.String("password", "", "MQTT password (required)")
	flagName := flag.String("name", "", "robot name")
	flagPairing := flag.Bool("pairing", true, "reveal password on request")
	flagDebug := flag.Bool("debug", false, "")
	flag.Parse()

	if cli.IsInteractive() {
		log.SetFlags(log2.LInteractiveFlags)
	} else if subcmd.SdNotify("start") {
		log.SetFlags(log2.LServiceFlags)
	}
	if *flagDebug {
		log.SetLevel(log2.LDebug)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	a, err := sim.Start(ctx, sim.Options{
		BLID:        *flagBLID,
		Password:    *flagPassword,
		RobotName:   *flagName,
		AdvertiseIP: *flagAdvertise,
		Addr:        *flagAddr,
		UDPAddr:     *flagUDP,
		Pairing:     *flagPairing,
		Log:         log,
	})
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	subcmd.SdNotify(daemon.SdNotifyReady)

	for {
		select {
		case m := <-a.Commands():
			log.Infof("command=%s phase=%s", m.Command.String(), a.Phase())
			continue
		case <-ctx.Done():
		}
		break
	}
	subcmd.SdNotify(daemon.SdNotifyStopping)
	if err = a.Close(); err != nil {
		log.Errorf("close err=%v", err)
	}
}
