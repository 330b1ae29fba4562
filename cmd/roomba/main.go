package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/roomba/cmd/roomba/command"
	"github.com/temoto/roomba/cmd/roomba/findip"
	"github.com/temoto/roomba/cmd/roomba/password"
	"github.com/temoto/roomba/cmd/roomba/shell"
	"github.com/temoto/roomba/cmd/roomba/subcmd"
	"github.com/temoto/roomba/cmd/roomba/watch"
	"github.com/temoto/roomba/config"
	"github.com/temoto/roomba/helpers/cli"
	"github.com/temoto/roomba/log2"
)

var log = log2.NewStderr(log2.LInfo)

var modules = []subcmd.Mod{
	findip.Mod,
	password.Mod,
	command.Mod,
	watch.Mod,
	shell.Mod,
}

func main() {
	flagConfig := flag.String("config", "", "config file path (default: user config dir/roomba/roomba.hcl)")
	flagDebug := flag.Bool("debug", false, "debug logging, error stack traces")
	flag.Usage = usage
	flag.Parse()

	if cli.IsInteractive() {
		log.SetFlags(0)
	} else if subcmd.SdNotify("start") {
		// under systemd, journal adds timestamps
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	if flag.Arg(0) == "help" || flag.NArg() == 0 {
		usage()
		return
	}
	mod, err := subcmd.Parse(flag.Arg(0), modules)
	if err != nil {
		usage()
		log.Fatal(err)
	}

	configPath := *flagConfig
	if configPath == "" {
		if configPath, err = config.DefaultPath(); err != nil {
			log.Fatal(errors.ErrorStack(err))
		}
	}
	cfg, err := config.Load(log, configPath)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	debug := *flagDebug || cfg.LogDebug
	if debug {
		log.SetLevel(log2.LDebug)
		paho.ERROR = log.Printer(log2.LError, "paho error: ")
		paho.CRITICAL = log.Printer(log2.LError, "paho critical: ")
		paho.WARN = log.Printer(log2.LInfo, "paho warn: ")
		paho.DEBUG = log.Printer(log2.LDebug, "paho: ")
	} else {
		paho.ERROR = log.Printer(log2.LError, "paho error: ")
		paho.CRITICAL = log.Printer(log2.LError, "paho critical: ")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	env := &subcmd.Env{
		Config:     cfg,
		ConfigPath: configPath,
		Debug:      debug,
		Log:        log,
	}
	log.Debugf("config path=%s command=%s", configPath, mod.Name)
	if err = mod.Main(ctx, env, flag.Args()[1:]); err != nil {
		cancel()
		if debug {
			log.Fatal(errors.ErrorStack(err))
		}
		log.Fatal(err)
	}
}

func usage() {
	w := flag.CommandLine.Output()
	fmt.Fprintf(w, "Usage: %s [flags] command [args]\n\nCommands:\n", os.Args[0])
	for _, m := range modules {
		fmt.Fprintf(w, "  %s %s\n", m.Name, m.Usage)
	}
	fmt.Fprintf(w, "  help\n\nFlags:\n")
	flag.PrintDefaults()
}
