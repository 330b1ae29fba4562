package config_test

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/roomba/api"
	"github.com/temoto/roomba/config"
	"github.com/temoto/roomba/log2"
)

func TestReadConfig(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		files     map[string]string
		check     func(testing.TB, *config.Config)
		expectErr string
	}
	cases := []Case{
		{"empty", map[string]string{"main": ""}, func(t testing.TB, c *config.Config) {
			assert.Equal(t, "", c.Hostname)
			assert.Len(t, c.Rooms, 0)
		}, ""},

		{"full", map[string]string{"main": `
hostname = "192.168.1.20"
username = "3115850251687850"
password = ":1:1486937829:gOdlNmQVyZpdBdcp"
pmap_id = "ZKX8f2Sf"
user_pmapv_id = "201227T184509"
transport = "paho"
log_debug = true
room "kitchen" { region_id = "11" }
room "hall" {
	region_id = "4"
	type = "zid"
}`}, func(t testing.TB, c *config.Config) {
			assert.Equal(t, "192.168.1.20", c.Hostname)
			assert.Equal(t, "3115850251687850", c.Username)
			assert.Equal(t, ":1:1486937829:gOdlNmQVyZpdBdcp", c.Password)
			assert.Equal(t, "ZKX8f2Sf", c.MapID)
			assert.Equal(t, "201227T184509", c.MapVersionID)
			assert.Equal(t, "paho", c.Transport)
			assert.True(t, c.LogDebug)
			require.Len(t, c.Rooms, 2)
			assert.Equal(t, config.Room{Name: "kitchen", RegionID: "11"}, c.Rooms[0])
			assert.Equal(t, config.Room{Name: "hall", RegionID: "4", Kind: "zid"}, c.Rooms[1])
		}, ""},

		{"include", map[string]string{
			"main":   `hostname = "h" include "secret" {}`,
			"secret": `password = "p"`,
		}, func(t testing.TB, c *config.Config) {
			assert.Equal(t, "h", c.Hostname)
			assert.Equal(t, "p", c.Password)
		}, ""},

		{"include-optional-missing", map[string]string{
			"main": `include "nope" { optional = true }`,
		}, nil, ""},

		{"include-loop", map[string]string{
			"main": `include "main" {}`,
		}, nil, "include loop"},

		{"required-missing", map[string]string{}, nil, "config required name=main"},

		{"syntax-string", map[string]string{"main": `hostname = "x`}, nil, "config unmarshal source=main"},
		{"syntax-block", map[string]string{"main": `room "a" {`}, nil, "config unmarshal source=main"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			log := log2.NewTest(t, log2.LDebug)
			fs := config.NewMockFullReader(c.files)
			cfg, err := config.ReadConfig(log, fs, config.Source{Name: "main"})
			if c.expectErr == "" {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), c.expectErr)
			}
			if c.check != nil {
				c.check(t, cfg)
			}
		})
	}
}

func TestRegions(t *testing.T) {
	t.Parallel()

	c := &config.Config{
		MapID:        "ZKX8f2Sf",
		MapVersionID: "201227T184509",
		Rooms: []config.Room{
			{Name: "kitchen", RegionID: "11"},
			{Name: "hall", RegionID: "4", Kind: "zid"},
			{Name: "broken", RegionID: "x"},
		},
	}
	sel, err := c.Regions([]string{"hall", "kitchen", "7"}, true)
	require.NoError(t, err)
	assert.Equal(t, api.RegionSelection{
		MapID:        "ZKX8f2Sf",
		MapVersionID: "201227T184509",
		Ordered:      true,
		Regions: []api.Region{
			{ID: "4", Kind: "zid"},
			{ID: "11", Kind: api.RegionKindDefault},
			{ID: "7", Kind: api.RegionKindDefault},
		},
	}, sel)

	_, err = c.Regions([]string{"attic"}, false)
	assert.True(t, errors.IsNotFound(err), "err=%v", err)
	_, err = c.Regions([]string{"broken"}, false)
	_, isParse := errors.Cause(err).(*api.ParseError)
	assert.True(t, isParse, "err=%v", err)
	_, err = c.Regions(nil, false)
	assert.True(t, errors.IsNotValid(err), "err=%v", err)
	_, err = (&config.Config{}).Regions([]string{"1"}, false)
	assert.True(t, errors.IsNotValid(err), "err=%v", err)
}

func TestSaveLoad(t *testing.T) {
	t.Parallel()

	dir, err := ioutil.TempDir("", "roomba-config")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "sub", config.DefaultName)
	log := log2.NewTest(t, log2.LDebug)

	c, err := config.Load(log, path)
	require.NoError(t, err)
	assert.Equal(t, "", c.Hostname)

	c.Hostname = "192.168.1.20"
	c.Username = "BLID"
	c.Password = `pa"ss\word`
	c.MapID = "m"
	c.MapVersionID = "v"
	c.Rooms = []config.Room{{Name: "living room", RegionID: "3"}, {Name: "hall", RegionID: "4", Kind: "zid"}}
	require.NoError(t, c.Save(path))

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())
	leftovers, err := filepath.Glob(filepath.Join(dir, "sub", ".*tmp*"))
	require.NoError(t, err)
	assert.Len(t, leftovers, 0)

	c2, err := config.Load(log, path)
	require.NoError(t, err)
	assert.Equal(t, c.Hostname, c2.Hostname)
	assert.Equal(t, c.Username, c2.Username)
	assert.Equal(t, c.Password, c2.Password)
	assert.Equal(t, c.Rooms, c2.Rooms)
	assert.False(t, c2.LogDebug)
}
