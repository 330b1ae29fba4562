// Package config reads and writes appliance record in HCL format.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hashicorp/hcl"
	"github.com/hashicorp/hcl/hcl/printer"
	"github.com/juju/errors"
	"github.com/temoto/roomba/api"
	"github.com/temoto/roomba/helpers"
	"github.com/temoto/roomba/log2"
)

const DefaultName = "roomba.hcl"

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []Source `hcl:"include"`

	Hostname     string `hcl:"hostname"`
	Username     string `hcl:"username"` // appliance identity, BLID
	Password     string `hcl:"password"`
	MapID        string `hcl:"pmap_id"`
	MapVersionID string `hcl:"user_pmapv_id"`
	Transport    string `hcl:"transport"`
	LogDebug     bool   `hcl:"log_debug"`
	Rooms        []Room `hcl:"room"`
}

type Room struct {
	Name     string `hcl:"name,key"`
	RegionID string `hcl:"region_id"`
	Kind     string `hcl:"type"`
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

// DefaultPath is roomba.hcl in user config directory.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Annotate(err, "config default path")
	}
	return filepath.Join(dir, "roomba", DefaultName), nil
}

func (c *Config) Room(name string) (Room, bool) {
	for _, r := range c.Rooms {
		if r.Name == name {
			return r, true
		}
	}
	return Room{}, false
}

// Regions resolves room names, or numeric region ids, against configured map.
func (c *Config) Regions(names []string, ordered bool) (api.RegionSelection, error) {
	sel := api.RegionSelection{
		MapID:        c.MapID,
		MapVersionID: c.MapVersionID,
		Ordered:      api.Ordered(ordered),
		Regions:      make([]api.Region, 0, len(names)),
	}
	if c.MapID == "" || c.MapVersionID == "" {
		return sel, errors.NotValidf("config pmap_id=%q user_pmapv_id=%q", c.MapID, c.MapVersionID)
	}
	if len(names) == 0 {
		return sel, errors.NotValidf("empty region list")
	}
	for _, name := range names {
		if room, ok := c.Room(name); ok {
			region, err := api.ParseRegion(room.RegionID)
			if err != nil {
				return sel, errors.Annotatef(err, "config room=%s", name)
			}
			if room.Kind != "" {
				region.Kind = room.Kind
			}
			sel.Regions = append(sel.Regions, region)
			continue
		}
		region, err := api.ParseRegion(name)
		if err != nil {
			return sel, errors.NotFoundf("room=%s", name)
		}
		sel.Regions = append(sel.Regions, region)
	}
	return sel, nil
}

func (c *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s", source.Name)
		*errs = append(*errs, err)
		return
	}

	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

func ReadConfig(log *log2.Log, fs FullReader, sources ...Source) (*Config, error) {
	if len(sources) == 0 {
		return nil, errors.NotValidf("code error ReadConfig() without sources")
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, source := range sources {
		c.read(log, fs, source, &errs)
	}
	return c, helpers.FoldErrors(errs)
}

// Load reads config file, missing file is empty config.
func Load(log *log2.Log, path string) (*Config, error) {
	dir, name := filepath.Split(path)
	fs, err := NewOsFullReader(dir)
	if err != nil {
		return nil, err
	}
	return ReadConfig(log, fs, Source{Name: name, Optional: true})
}

// Encode formats config as HCL, includes are not preserved.
func (c *Config) Encode() ([]byte, error) {
	var buf bytes.Buffer
	kv := func(key, value string) {
		if value != "" {
			fmt.Fprintf(&buf, "%s = %s\n", key, strconv.Quote(value))
		}
	}
	kv("hostname", c.Hostname)
	kv("username", c.Username)
	kv("password", c.Password)
	kv("pmap_id", c.MapID)
	kv("user_pmapv_id", c.MapVersionID)
	kv("transport", c.Transport)
	if c.LogDebug {
		buf.WriteString("log_debug = true\n")
	}
	for _, r := range c.Rooms {
		fmt.Fprintf(&buf, "\nroom %s {\n", strconv.Quote(r.Name))
		kv("region_id", r.RegionID)
		kv("type", r.Kind)
		buf.WriteString("}\n")
	}
	b, err := printer.Format(buf.Bytes())
	return b, errors.Annotate(err, "config format")
}

// Save writes config to path atomically, file is readable only by owner.
func (c *Config) Save(path string) error {
	b, err := c.Encode()
	if err != nil {
		return err
	}
	return errors.Annotatef(WriteFileAtomic(path, b, 0o600), "config save")
}
