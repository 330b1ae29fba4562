package findip

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/roomba/cmd/roomba/subcmd"
	"github.com/temoto/roomba/discovery"
)

const modName = "find-ip"

var Mod = subcmd.Mod{Name: modName, Usage: "[-all] [-no-save] [-timeout 3s] [-broadcast addr]", Main: Main}

func Main(ctx context.Context, env *subcmd.Env, args []string) error {
	fs := flag.NewFlagSet(modName, flag.ContinueOnError)
	flagAll := fs.Bool("all", false, "list every appliance that answers, do not save")
	flagNoSave := fs.Bool("no-save", false, "do not write hostname and username to config")
	flagTimeout := fs.Duration("timeout", discovery.DefaultTimeout, "receive timeout per probe")
	flagBroadcast := fs.String("broadcast", discovery.DefaultBroadcastAddr, "")
	if err := fs.Parse(args); err != nil {
		return err
	}
	opt := discovery.Options{
		BroadcastAddr: *flagBroadcast,
		Timeout:       *flagTimeout,
		Log:           env.Log,
	}

	if *flagAll {
		return scanAll(ctx, opt)
	}

	info, err := discovery.Discover(ctx, opt)
	if err != nil {
		return errors.Annotate(err, "no appliance found")
	}
	id, idErr := info.Identity()
	fmt.Printf("%s\t%s\t%s\t%s\n", info.IP, info.Hostname, id, info.Name())
	if idErr != nil {
		return errors.Annotatef(idErr, "ip=%s", info.IP)
	}
	if *flagNoSave {
		return nil
	}
	env.Config.Hostname = info.IP
	env.Config.Username = id
	return env.Save()
}

func scanAll(ctx context.Context, opt discovery.Options) error {
	s, err := discovery.NewScanner(ctx, opt)
	if err != nil {
		return err
	}
	defer s.Close()

	found, silence := 0, 0
	for silence < discovery.DefaultAttempts {
		info, err := s.Next(ctx)
		if err != nil {
			if !errors.IsTimeout(err) {
				return err
			}
			silence++
			continue
		}
		silence = 0
		found++
		id, _ := info.Identity()
		fmt.Printf("%s\t%s\t%s\t%s\n", info.IP, info.Hostname, id, info.Name())
	}
	if found == 0 {
		return errors.NewTimeout(nil, fmt.Sprintf("no appliance answered within %v", time.Duration(discovery.DefaultAttempts)*opt.Timeout))
	}
	return nil
}
