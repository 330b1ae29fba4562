package api

import (
	"fmt"
	"strconv"
	"strings"
)

type Command uint8

const (
	CommandInvalid Command = iota
	CommandStart
	CommandClean
	CommandPause
	CommandStop
	CommandResume
	CommandDock
	CommandEvac
	CommandTrain
)

var commandNames = [...]string{
	CommandInvalid: "",
	CommandStart:   "start",
	CommandClean:   "clean",
	CommandPause:   "pause",
	CommandStop:    "stop",
	CommandResume:  "resume",
	CommandDock:    "dock",
	CommandEvac:    "evac",
	CommandTrain:   "train",
}

// Commands lists all valid commands in wire order.
func Commands() []Command {
	return []Command{CommandStart, CommandClean, CommandPause, CommandStop, CommandResume, CommandDock, CommandEvac, CommandTrain}
}

func (c Command) Valid() bool { return c > CommandInvalid && c <= CommandTrain }

func (c Command) String() string {
	if !c.Valid() {
		return fmt.Sprintf("Command(%d)", uint8(c))
	}
	return commandNames[c]
}

func ParseCommand(s string) (Command, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, c := range Commands() {
		if commandNames[c] == s {
			return c, nil
		}
	}
	return CommandInvalid, &ParseError{What: "command", Input: s}
}

func (c Command) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("code error marshal invalid %s", c.String())
	}
	return []byte(commandNames[c]), nil
}

func (c *Command) UnmarshalText(b []byte) error {
	x, err := ParseCommand(string(b))
	if err != nil {
		return &DecodeError{What: "command", Data: b}
	}
	*c = x
	return nil
}

const RegionKindDefault = "rid"

// Region is a cleaning zone known to appliance by id.
type Region struct {
	ID   string `json:"region_id"`
	Kind string `json:"type"`
}

// ParseRegion accepts free-form user input of non-negative integer region id.
func ParseRegion(s string) (Region, error) {
	s = strings.TrimSpace(s)
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return Region{}, &ParseError{What: "region id", Input: s, Err: err}
	}
	return Region{ID: strconv.FormatUint(id, 10), Kind: RegionKindDefault}, nil
}

func (r Region) String() string {
	if r.Kind == "" || r.Kind == RegionKindDefault {
		return r.ID
	}
	return r.Kind + ":" + r.ID
}

// Ordered is encoded as integer 0/1 on wire.
type Ordered bool

func (o Ordered) MarshalJSON() ([]byte, error) {
	if o {
		return []byte("1"), nil
	}
	return []byte("0"), nil
}

func (o *Ordered) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case "1", "true":
		*o = true
	case "0", "false", "null":
		*o = false
	default:
		return &DecodeError{What: "ordered", Data: b}
	}
	return nil
}

// RegionSelection is extra payload of Start command: clean only listed regions of a stored map.
type RegionSelection struct {
	MapID        string   `json:"pmap_id"`
	MapVersionID string   `json:"user_pmapv_id"`
	Ordered      Ordered  `json:"ordered"`
	Regions      []Region `json:"regions"`
}
