package command

import (
	"context"
	"strings"

	"github.com/temoto/roomba/cmd/roomba/subcmd"
)

const modName = "command"

var Mod = subcmd.Mod{
	Name:  modName,
	Usage: strings.Join(subcmd.CommandNames()[:len(subcmd.CommandNames())-1], "|") + " | " + subcmd.StartRegions + " [-ordered] room...",
	Main:  Main,
}

func Main(ctx context.Context, env *subcmd.Env, args []string) error {
	m, err := env.ParseMessage(args)
	if err != nil {
		return err
	}
	s, err := env.Connect(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	if err = s.Send(ctx, m); err != nil {
		return err
	}
	env.Log.Infof("sent command=%s", m.Command.String())
	return nil
}
