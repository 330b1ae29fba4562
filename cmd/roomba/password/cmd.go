package password

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	"github.com/temoto/roomba/cmd/roomba/subcmd"
	"github.com/temoto/roomba/credential"
	"github.com/temoto/roomba/helpers"
)

const modName = "get-password"

const retryDelay = 3 * time.Second

var Mod = subcmd.Mod{Name: modName, Usage: "[-no-save] [hostname]", Main: Main}

func Main(ctx context.Context, env *subcmd.Env, args []string) error {
	fs := flag.NewFlagSet(modName, flag.ContinueOnError)
	flagNoSave := fs.Bool("no-save", false, "print password, do not write to config")
	if err := fs.Parse(args); err != nil {
		return err
	}
	host := env.Config.Hostname
	if fs.NArg() > 0 {
		host = fs.Arg(0)
	}
	if host == "" {
		return errors.NotValidf("hostname unknown, run find-ip or pass as argument")
	}

	fmt.Fprintln(os.Stderr, "Make sure the robot is on the Home Base and powered on (green lights on).")
	fmt.Fprintln(os.Stderr, "Then press and hold the HOME button until it plays a series of tones (about 2 seconds).")
	dots := isatty.IsTerminal(os.Stderr.Fd()) && !env.Debug
	r := credential.Retriever{Log: env.Log}
	var password string
	for {
		var err error
		password, err = r.Retrieve(ctx, host)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, ok := errors.Cause(err).(*credential.TLSError); ok {
			env.Log.Errorf("%v", err)
		} else {
			env.Log.Debugf("%v", err)
		}
		if dots {
			fmt.Fprint(os.Stderr, ".")
		}
		if !helpers.SleepCtx(ctx, retryDelay) {
			return ctx.Err()
		}
	}
	if dots {
		fmt.Fprintln(os.Stderr)
	}

	if *flagNoSave {
		fmt.Println(password)
		return nil
	}
	env.Config.Hostname = host
	env.Config.Password = password
	return env.Save()
}
