package api

import (
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/juju/errors"
)

const (
	InitiatorLocal = "localApp"
	TopicCommand   = "cmd"
	TopicAll       = "#"
)

// TelemetryTopic is where appliance publishes reported state deltas.
func TelemetryTopic(blid string) string { return "$aws/things/" + blid + "/shadow/update" }

// Message is outgoing command envelope.
// Regions is only set by NewStartRegions.
type Message struct {
	Command   Command
	Time      int64 // unix seconds, captured by constructor
	Initiator string
	Regions   *RegionSelection
}

func NewCommand(c Command) Message {
	return Message{
		Command:   c,
		Time:      time.Now().Unix(),
		Initiator: InitiatorLocal,
	}
}

func NewStartRegions(sel RegionSelection) Message {
	m := NewCommand(CommandStart)
	copySel := sel
	copySel.Regions = append(make([]Region, 0, len(sel.Regions)), sel.Regions...)
	m.Regions = &copySel
	return m
}

func (m Message) Topic() string { return TopicCommand }

func (m Message) Payload() ([]byte, error) {
	b, err := json.Marshal(m)
	return b, errors.Annotatef(err, "encode command=%s", m.Command.String())
}

type envelope struct {
	Command   Command `json:"command"`
	Time      int64   `json:"time"`
	Initiator string  `json:"initiator"`
}

// region fields are merged into top level object
type envelopeRegions struct {
	envelope
	RegionSelection
}

func (m Message) MarshalJSON() ([]byte, error) {
	e := envelope{Command: m.Command, Time: m.Time, Initiator: m.Initiator}
	if m.Regions == nil {
		return json.Marshal(e)
	}
	sel := *m.Regions
	if sel.Regions == nil {
		sel.Regions = []Region{}
	}
	return json.Marshal(envelopeRegions{envelope: e, RegionSelection: sel})
}

func (m *Message) UnmarshalJSON(b []byte) error {
	var raw struct {
		Command   *Command  `json:"command"`
		Time      int64     `json:"time"`
		Initiator string    `json:"initiator"`
		MapID     *string   `json:"pmap_id"`
		MapVerID  *string   `json:"user_pmapv_id"`
		Ordered   *Ordered  `json:"ordered"`
		Regions   *[]Region `json:"regions"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		if _, ok := err.(*DecodeError); ok {
			return err
		}
		return &DecodeError{What: "message", Data: b, Err: err}
	}
	if raw.Command == nil {
		return &DecodeError{What: "message command", Data: b}
	}
	*m = Message{Command: *raw.Command, Time: raw.Time, Initiator: raw.Initiator}
	if raw.MapID != nil || raw.MapVerID != nil || raw.Ordered != nil || raw.Regions != nil {
		sel := &RegionSelection{}
		if raw.MapID != nil {
			sel.MapID = *raw.MapID
		}
		if raw.MapVerID != nil {
			sel.MapVersionID = *raw.MapVerID
		}
		if raw.Ordered != nil {
			sel.Ordered = *raw.Ordered
		}
		if raw.Regions != nil {
			sel.Regions = *raw.Regions
		}
		m.Regions = sel
	}
	return nil
}

// DecodeMessage is inverse of Message.Payload, used by appliance side and regression tests.
func DecodeMessage(b []byte) (Message, error) {
	var m Message
	if !utf8.Valid(b) {
		return m, &DecodeError{What: "message utf-8", Data: b}
	}
	if err := json.Unmarshal(b, &m); err != nil {
		if _, ok := err.(*DecodeError); ok {
			return m, err
		}
		return m, &DecodeError{What: "message", Data: b, Err: err}
	}
	return m, nil
}
