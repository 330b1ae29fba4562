package shell

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/roomba/cmd/roomba/subcmd"
	"github.com/temoto/roomba/helpers/cli"
	"github.com/temoto/roomba/session"
)

const modName = "shell"

const usage = `commands:
- start clean pause stop resume dock evac train
- start-regions [-ordered] room|region_id...
- state    show session state
- raw      toggle printing full event payloads
- help
- quit     (or Ctrl-D)
`

var Mod = subcmd.Mod{Name: modName, Main: Main}

func Main(ctx context.Context, env *subcmd.Env, args []string) error {
	s, err := env.Connect(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	sh := &shell{ctx: ctx, env: env, s: s}
	go sh.printEvents()
	return cli.MainLoop("roomba", sh.exec, sh.complete, func(os.Signal) { sh.quit(1) })
}

type shell struct {
	ctx context.Context
	env *subcmd.Env
	raw uint32
	s   *session.Session
}

func (sh *shell) printEvents() {
	for ev := range sh.s.Events() {
		switch {
		case ev == nil:
			fmt.Printf("\n-- gap, session %s\n", sh.s.State().String())
		case atomic.LoadUint32(&sh.raw) == 1:
			fmt.Printf("\n%s\n", ev.String())
		default:
			if line := subcmd.EventSummary(ev); line != "" {
				fmt.Printf("\n%s\n", line)
			}
		}
	}
}

func (sh *shell) exec(line string) {
	words := strings.Fields(line)
	if len(words) == 0 {
		return
	}
	switch words[0] {
	case "help":
		fmt.Print(usage)
		return
	case "quit", "exit":
		sh.quit(0)
		return
	case "state":
		fmt.Println(sh.s.State().String())
		return
	case "raw":
		atomic.StoreUint32(&sh.raw, 1-atomic.LoadUint32(&sh.raw))
		return
	}
	m, err := sh.env.ParseMessage(words)
	if err != nil {
		sh.env.Log.Errorf("%v", err)
		return
	}
	if err = sh.s.Send(sh.ctx, m); err != nil {
		if sh.env.Debug {
			sh.env.Log.Errorf("%s", errors.ErrorStack(err))
		} else {
			sh.env.Log.Errorf("%v", err)
		}
		return
	}
	sh.env.Log.Infof("sent command=%s", m.Command.String())
}

func (sh *shell) complete(d prompt.Document) []prompt.Suggest {
	words := strings.Fields(d.TextBeforeCursor())
	if len(words) == 0 || (len(words) == 1 && !strings.HasSuffix(d.TextBeforeCursor(), " ")) {
		suggests := make([]prompt.Suggest, 0, 16)
		for _, name := range subcmd.CommandNames() {
			suggests = append(suggests, prompt.Suggest{Text: name})
		}
		for _, name := range []string{"state", "raw", "help", "quit"} {
			suggests = append(suggests, prompt.Suggest{Text: name})
		}
		return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
	}
	if words[0] != subcmd.StartRegions {
		return nil
	}
	suggests := []prompt.Suggest{{Text: "-ordered", Description: "clean in listed order"}}
	for _, r := range sh.env.Config.Rooms {
		suggests = append(suggests, prompt.Suggest{Text: r.Name, Description: "region " + r.RegionID})
	}
	return prompt.FilterFuzzy(suggests, d.GetWordBeforeCursor(), true)
}

func (sh *shell) quit(code int) {
	_ = sh.s.Close()
	os.Exit(code)
}
