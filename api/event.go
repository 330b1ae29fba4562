package api

import (
	"bytes"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/juju/errors"
)

// Event is one telemetry document as received from appliance.
// Doc is generic JSON: map[string]interface{}, []interface{}, string, json.Number, bool or nil.
type Event struct {
	Topic string
	Raw   []byte
	Doc   interface{}
}

func DecodeEvent(topic string, payload []byte) (*Event, error) {
	if !utf8.Valid(payload) {
		return nil, &DecodeError{What: "event utf-8 topic=" + topic, Data: payload}
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, &DecodeError{What: "event json topic=" + topic, Data: payload, Err: err}
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, &DecodeError{What: "event json topic=" + topic, Data: payload, Err: errors.New("trailing data")}
	}
	return &Event{Topic: topic, Raw: payload, Doc: doc}, nil
}

// Lookup walks Doc by object keys and array indexes, e.g. Lookup("state", "reported", "batPct").
func (e *Event) Lookup(path ...string) (interface{}, error) {
	v := e.Doc
	for i, key := range path {
		where := strings.Join(path[:i], ".")
		if where == "" {
			where = "(root)"
		}
		switch x := v.(type) {
		case map[string]interface{}:
			next, ok := x[key]
			if !ok {
				return nil, errors.NotFoundf("key=%s in %s", key, where)
			}
			v = next

		case []interface{}:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(x) {
				return nil, errors.NotFoundf("index=%s in %s", key, where)
			}
			v = x[idx]

		default:
			return nil, errors.NotValidf("not an object at %s", where)
		}
	}
	return v, nil
}

// Reported is shortcut for state.reported.<path> of shadow update documents.
func (e *Event) Reported(path ...string) (interface{}, error) {
	return e.Lookup(append([]string{"state", "reported"}, path...)...)
}

func (e *Event) String() string {
	return "topic=" + e.Topic + " payload=" + string(e.Raw)
}
