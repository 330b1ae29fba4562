package credential_test

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/roomba/api"
	"github.com/temoto/roomba/credential"
	"github.com/temoto/roomba/internal/sim"
	"github.com/temoto/roomba/log2"
)

const testDefaultTimeout = 2 * time.Second

func TestParsePassword(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		input  string
		expect string
		ok     bool
	}{
		{"last-segment", "\xf0\x1d\xef\xcc\x3b\x29\x00pass1\x00\x00pass2\x00", "pass2", true},
		{"frame", string(sim.PairingResponse(":1:1486937829:gOdlNmQVyZpdBdcp")), ":1:1486937829:gOdlNmQVyZpdBdcp", true},
		{"no-trailing-nul", "\x00abc", "abc", true},
		{"invalid-utf8-tail", "\x00good\x00\xff\xfe\x00", "good", true},
		{"unicode", "\x00пароль\x00", "пароль", true},
		{"header-only", "\xf0\x05\xef\xcc\x3b\x29\x00", "", false},
		{"nuls", "\x00\x00\x00", "", false},
		{"empty", "", "", false},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			password, ok := credential.ParsePassword([]byte(c.input))
			assert.Equal(t, c.ok, ok)
			assert.Equal(t, c.expect, password)
		})
	}
}

type tenv struct {
	t   testing.TB
	ctx context.Context
	log *log2.Log
	a   *sim.Appliance
}

func TestRetrieveSim(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		pairing bool
		r       credential.Retriever
		check   func(*tenv, string, error)
	}{
		{"ok", true, credential.Retriever{}, func(env *tenv, password string, err error) {
			require.NoError(env.t, err)
			assert.Equal(env.t, "simsecret", password)
			assert.Equal(env.t, 1, env.a.PairingProbes())
		}},
		{"pairing-off-three-attempts", false, credential.Retriever{ReadTimeout: 100 * time.Millisecond},
			func(env *tenv, password string, err error) {
				require.Error(env.t, err)
				assert.Equal(env.t, "", password)
				assert.True(env.t, errors.IsTimeout(err), "err=%v", err)
				assert.Contains(env.t, err.Error(), "attempt=3")
				require.Eventually(env.t, func() bool { return env.a.PairingProbes() == 3 }, testDefaultTimeout, 10*time.Millisecond)
				time.Sleep(50 * time.Millisecond)
				assert.Equal(env.t, 3, env.a.PairingProbes())
			}},
		{"custom-parse", true, credential.Retriever{Parse: func(data []byte) (string, bool) {
			return "custom", len(data) != 0
		}}, func(env *tenv, password string, err error) {
			require.NoError(env.t, err)
			assert.Equal(env.t, "custom", password)
		}},
		{"parse-rejects", true, credential.Retriever{
			Attempts:    2,
			ReadTimeout: 100 * time.Millisecond,
			Parse:       func([]byte) (string, bool) { return "", false },
		}, func(env *tenv, password string, err error) {
			require.Error(env.t, err)
			assert.Contains(env.t, err.Error(), "attempt=2")
			_, ok := errors.Cause(err).(*api.DecodeError)
			assert.True(env.t, ok, "cause=%#v", errors.Cause(err))
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			ctx, cancel := context.WithTimeout(context.Background(), 3*testDefaultTimeout)
			defer cancel()
			env := &tenv{t: t, ctx: ctx, log: log2.NewTest(t, log2.LDebug)}
			a, err := sim.Start(ctx, sim.Options{
				Password:       "simsecret",
				Addr:           "127.0.0.1:0",
				UDPAddr:        "-",
				Pairing:        c.pairing,
				NetworkTimeout: testDefaultTimeout,
				Log:            env.log.With("sim "),
			})
			require.NoError(t, err)
			env.a = a
			defer a.Close()

			r := c.r
			r.Log = env.log
			password, err := r.Retrieve(ctx, a.Addr())
			c.check(env, password, err)
		})
	}
}

func TestRetrieveHandshakeError(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	var accepted int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			atomic.AddInt32(&accepted, 1)
			_, _ = conn.Write([]byte("HTTP/1.0 400 Bad Request\r\n\r\n"))
			_ = conn.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), testDefaultTimeout)
	defer cancel()
	r := credential.Retriever{Log: log2.NewTest(t, log2.LDebug)}
	_, err = r.Retrieve(ctx, ln.Addr().String())
	require.Error(t, err)
	tlsErr, ok := errors.Cause(err).(*credential.TLSError)
	require.True(t, ok, "err=%#v", err)
	assert.Equal(t, ln.Addr().String(), tlsErr.Address)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&accepted))
}

func TestRetrieveDialError(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = credential.Retrieve(context.Background(), addr)
	require.Error(t, err)
	_, isTLS := errors.Cause(err).(*credential.TLSError)
	assert.False(t, isTLS)
}

func TestRetrieveCancel(t *testing.T) {
	t.Parallel()

	a, err := sim.Start(context.Background(), sim.Options{
		Password: "simsecret",
		Addr:     "127.0.0.1:0",
		UDPAddr:  "-",
		Log:      log2.NewTest(t, log2.LDebug),
	})
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(100*time.Millisecond, cancel)
	started := time.Now()
	_, err = credential.Retrieve(ctx, a.Addr())
	assert.Equal(t, context.Canceled, err)
	assert.True(t, time.Since(started) < credential.DefaultReadTimeout, "elapsed=%v", time.Since(started))
}
