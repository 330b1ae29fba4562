package watch

import (
	"context"
	"flag"
	"fmt"

	"github.com/coreos/go-systemd/daemon"
	"github.com/temoto/roomba/api"
	"github.com/temoto/roomba/cmd/roomba/subcmd"
	"github.com/temoto/roomba/session"
)

const modName = "watch"

var Mod = subcmd.Mod{Name: modName, Usage: "[-raw]", Main: Main}

func Main(ctx context.Context, env *subcmd.Env, args []string) error {
	fs := flag.NewFlagSet(modName, flag.ContinueOnError)
	flagRaw := fs.Bool("raw", false, "print full event payloads")
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, err := env.Connect(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	subcmd.SdNotify(daemon.SdNotifyReady)

	events := s.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			printEvent(s, ev, *flagRaw)
		case <-ctx.Done():
			subcmd.SdNotify(daemon.SdNotifyStopping)
			return nil
		}
	}
}

func printEvent(s *session.Session, ev *api.Event, raw bool) {
	if ev == nil {
		fmt.Printf("-- gap, session %s\n", s.State().String())
		return
	}
	if raw {
		fmt.Println(ev.String())
		return
	}
	if line := subcmd.EventSummary(ev); line != "" {
		fmt.Println(line)
	}
}
