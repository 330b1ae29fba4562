// Support sub-commands in roomba application.
// It's simple but fine so far.
package subcmd

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/roomba/api"
	"github.com/temoto/roomba/config"
	"github.com/temoto/roomba/log2"
	"github.com/temoto/roomba/session"
)

const StartRegions = "start-regions"

type Mod struct {
	Name  string
	Usage string
	Main  func(ctx context.Context, env *Env, args []string) error
}

// Env is shared state of one program run.
type Env struct {
	Config     *config.Config
	ConfigPath string
	Debug      bool
	Log        *log2.Log
}

func Parse(command string, modules []Mod) (*Mod, error) {
	if command == "" {
		return nil, fmt.Errorf("empty command")
	}

	var found *Mod
	for i := range modules {
		m := &modules[i]
		if m.Name == "" {
			panic(fmt.Sprintf("code error Name='' module=%#v", m))
		}
		if command == m.Name {
			found = m
			break
		}
	}
	if found == nil {
		return nil, fmt.Errorf("unknown command='%s'", command)
	}
	return found, nil
}

func SdNotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log2.NewStderr(log2.LError).Errorf("sdnotify: %s", errors.ErrorStack(err))
	}
	return ok
}

func (env *Env) Save() error {
	if err := env.Config.Save(env.ConfigPath); err != nil {
		return err
	}
	env.Log.Infof("config saved to %s", env.ConfigPath)
	return nil
}

// Connect opens appliance session with configured credentials.
func (env *Env) Connect(ctx context.Context) (*session.Session, error) {
	c := env.Config
	if c.Hostname == "" || c.Username == "" {
		return nil, errors.NotValidf("config hostname=%q username=%q, run find-ip", c.Hostname, c.Username)
	}
	if c.Password == "" {
		return nil, errors.NotValidf("config password empty, run get-password")
	}
	return session.Connect(ctx, session.Options{
		Address:    c.Hostname,
		Identity:   c.Username,
		Credential: c.Password,
		Transport:  c.Transport,
		Log:        env.Log,
	})
}

// ParseMessage builds command from words:
// "<command>" or "start-regions [-ordered] room|region_id..."
func (env *Env) ParseMessage(words []string) (api.Message, error) {
	if len(words) == 0 {
		return api.Message{}, errors.NotValidf("empty command")
	}
	if words[0] == StartRegions {
		rest := words[1:]
		ordered := false
		if len(rest) != 0 && rest[0] == "-ordered" {
			ordered = true
			rest = rest[1:]
		}
		sel, err := env.Config.Regions(rest, ordered)
		if err != nil {
			return api.Message{}, err
		}
		return api.NewStartRegions(sel), nil
	}
	if len(words) != 1 {
		return api.Message{}, errors.NotValidf("unexpected arguments=%v", words[1:])
	}
	c, err := api.ParseCommand(words[0])
	if err != nil {
		return api.Message{}, err
	}
	return api.NewCommand(c), nil
}

// CommandNames lists command words accepted by ParseMessage.
func CommandNames() []string {
	ss := make([]string, 0, 9)
	for _, c := range api.Commands() {
		ss = append(ss, c.String())
	}
	return append(ss, StartRegions)
}

// EventSummary renders well known reported fields, empty if event has none.
func EventSummary(ev *api.Event) string {
	parts := make([]string, 0, 8)
	add := func(label string, path ...string) {
		if v, err := ev.Reported(path...); err == nil && v != nil {
			parts = append(parts, fmt.Sprintf("%s=%v", label, v))
		}
	}
	add("battery", "batPct")
	add("cycle", "cleanMissionStatus", "cycle")
	add("phase", "cleanMissionStatus", "phase")
	add("last", "lastCommand", "command")
	add("bin_full", "bin", "full")
	if v, err := ev.Reported("pmaps"); err == nil {
		if list, ok := v.([]interface{}); ok {
			maps := make([]string, 0, len(list))
			for _, item := range list {
				if m, ok := item.(map[string]interface{}); ok {
					for id, version := range m {
						maps = append(maps, fmt.Sprintf("%s/%v", id, version))
					}
				}
			}
			sort.Strings(maps)
			parts = append(parts, "maps="+strings.Join(maps, ","))
		}
	}
	return strings.Join(parts, " ")
}
