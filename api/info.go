package api

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Info is discovery advertisement of one appliance.
// Immutable after decode.
type Info struct {
	IP       string
	Hostname string
	RobotID  string // explicit identifier, empty if not advertised
	Attrs    map[string]json.RawMessage
}

var identityPrefixes = []string{"iRobot", "Roomba"}

// Identity is authentication username of appliance.
// Explicit robotid wins, otherwise hostname must be <prefix>-<id> with known vendor prefix.
func (i *Info) Identity() (string, error) {
	if i.RobotID != "" {
		return i.RobotID, nil
	}
	return IdentityFromHostname(i.Hostname)
}

func IdentityFromHostname(hostname string) (string, error) {
	sep := strings.IndexByte(hostname, '-')
	if sep < 0 {
		return "", &ParseError{What: "identity hostname", Input: hostname, Err: fmt.Errorf("no separator")}
	}
	prefix, id := hostname[:sep], hostname[sep+1:]
	if id == "" {
		return "", &ParseError{What: "identity hostname", Input: hostname, Err: fmt.Errorf("empty id")}
	}
	for _, p := range identityPrefixes {
		if prefix == p {
			return id, nil
		}
	}
	return "", &ParseError{What: "identity hostname", Input: hostname, Err: fmt.Errorf("unknown prefix=%s", prefix)}
}

// Attr decodes vendor attribute, returns nil if absent or malformed.
func (i *Info) Attr(key string) interface{} {
	raw, ok := i.Attrs[key]
	if !ok {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

// Name is human assigned robot name, if advertised.
func (i *Info) Name() string {
	s, _ := i.Attr("robotname").(string)
	return s
}

func (i *Info) String() string {
	keys := make([]string, 0, len(i.Attrs))
	for k := range i.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("ip=%s hostname=%s robotid=%s attrs=%v", i.IP, i.Hostname, i.RobotID, keys)
}

func (i *Info) UnmarshalJSON(b []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return &DecodeError{What: "advertisement", Data: b, Err: err}
	}
	x := Info{}
	for _, f := range []struct {
		key      string
		dst      *string
		required bool
	}{
		{"ip", &x.IP, true},
		{"hostname", &x.Hostname, true},
		{"robotid", &x.RobotID, false},
	} {
		raw, ok := m[f.key]
		delete(m, f.key)
		if !ok || string(raw) == "null" {
			if f.required {
				return &DecodeError{What: "advertisement field " + f.key, Data: b}
			}
			continue
		}
		if err := json.Unmarshal(raw, f.dst); err != nil {
			return &DecodeError{What: "advertisement field " + f.key, Data: b, Err: err}
		}
	}
	if len(m) != 0 {
		x.Attrs = m
	}
	*i = x
	return nil
}

func (i Info) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{}, len(i.Attrs)+3)
	for k, v := range i.Attrs {
		m[k] = v
	}
	m["ip"] = i.IP
	m["hostname"] = i.Hostname
	if i.RobotID != "" {
		m["robotid"] = i.RobotID
	}
	return json.Marshal(m)
}

// DecodeInfo parses one discovery datagram.
func DecodeInfo(b []byte) (*Info, error) {
	i := &Info{}
	if err := json.Unmarshal(b, i); err != nil {
		if _, ok := err.(*DecodeError); ok {
			return nil, err
		}
		return nil, &DecodeError{What: "advertisement", Data: b, Err: err}
	}
	return i, nil
}
