package mqtt_test

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/client"
	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/roomba/internal/mqtt"
	"github.com/temoto/roomba/log2"
)

type clientEnv struct {
	t        testing.TB
	ctx      context.Context
	log      *log2.Log
	s        *mqtt.Server
	opts     mqtt.ClientOptions
	received chan *packet.Message
	incoming chan *packet.Message // published by client, seen by server
	ready    uint32
	lost     chan error
}

func TestClient(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		setup func(*clientEnv)
		check func(*clientEnv, *mqtt.Client)
	}{
		{name: "subscribe-receive", check: func(env *clientEnv, c *mqtt.Client) {
			require.NoError(env.t, c.Connect(env.ctx))
			assert.True(env.t, c.IsReady())
			waitReadyCount(env, 1)
			msg := &packet.Message{Topic: "$aws/things/blid/shadow/update", Payload: []byte(`{"state":{"reported":{"batPct":99}}}`)}
			require.NoError(env.t, env.s.Publish(env.ctx, msg))
			got := receiveMessage(env, env.received)
			assert.Equal(env.t, msg.Topic, got.Topic)
			assert.Equal(env.t, msg.Payload, got.Payload)
		}},
		{name: "publish", check: func(env *clientEnv, c *mqtt.Client) {
			require.NoError(env.t, c.Connect(env.ctx))
			msg := &packet.Message{Topic: "cmd", Payload: []byte(`{"command":"dock"}`)}
			require.NoError(env.t, c.Publish(env.ctx, msg))
			got := receiveMessage(env, env.incoming)
			assert.Equal(env.t, msg.Payload, got.Payload)

			err := c.Publish(env.ctx, &packet.Message{Topic: "cmd", QOS: packet.QOSAtLeastOnce})
			assert.True(env.t, errors.IsNotSupported(err), "err=%v", err)
		}},
		{name: "denied", setup: func(env *clientEnv) {
			env.opts.Password = "wrong"
		}, check: func(env *clientEnv, c *mqtt.Client) {
			err := c.Connect(env.ctx)
			require.Error(env.t, err)
			assert.Equal(env.t, client.ErrClientConnectionDenied, errors.Cause(err))
			assert.False(env.t, c.IsReady())
		}},
		{name: "dial-error", setup: func(env *clientEnv) {
			ln, err := net.Listen("tcp", "127.0.0.1:")
			require.NoError(env.t, err)
			env.opts.BrokerURL = "tcp://" + ln.Addr().String()
			require.NoError(env.t, ln.Close())
		}, check: func(env *clientEnv, c *mqtt.Client) {
			require.Error(env.t, c.Connect(env.ctx))
			err := c.Publish(env.ctx, &packet.Message{Topic: "cmd"})
			assert.Equal(env.t, mqtt.ErrNotConnected, err)
		}},
		{name: "reconnect", setup: func(env *clientEnv) {
			env.opts.ReconnectDelay = 50 * time.Millisecond
		}, check: func(env *clientEnv, c *mqtt.Client) {
			require.NoError(env.t, c.Connect(env.ctx))
			require.NoError(env.t, env.s.Kick(env.opts.ClientID))
			select {
			case err := <-env.lost:
				require.Error(env.t, err)
			case <-time.After(testDefaultTimeout):
				env.t.Fatal("expected OnLost")
			}
			require.Eventually(env.t, c.IsReady, testDefaultTimeout, 10*time.Millisecond)
			waitReadyCount(env, 2)

			msg := &packet.Message{Topic: "after", Payload: []byte("reconnect")}
			require.NoError(env.t, env.s.Publish(env.ctx, msg))
			got := receiveMessage(env, env.received)
			assert.Equal(env.t, msg.Payload, got.Payload)
		}},
		{name: "publish-offline", setup: func(env *clientEnv) {
			env.opts.ReconnectDelay = time.Hour
		}, check: func(env *clientEnv, c *mqtt.Client) {
			require.NoError(env.t, c.Connect(env.ctx))
			require.NoError(env.t, env.s.Kick(env.opts.ClientID))
			<-env.lost
			err := c.Publish(env.ctx, &packet.Message{Topic: "cmd", Payload: []byte("{}")})
			assert.Equal(env.t, mqtt.ErrNotConnected, err)
		}},
		{name: "closed", check: func(env *clientEnv, c *mqtt.Client) {
			require.NoError(env.t, c.Connect(env.ctx))
			require.NoError(env.t, c.Close())
			err := c.Publish(env.ctx, &packet.Message{Topic: "cmd", Payload: []byte("{}")})
			assert.Equal(env.t, mqtt.ErrClientClosing, err)
			require.Eventually(env.t, func() bool { return len(env.s.Clients()) == 0 }, testDefaultTimeout, 10*time.Millisecond)
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			ctx, cancel := context.WithTimeout(context.Background(), 5*testDefaultTimeout)
			defer cancel()
			env := &clientEnv{
				t:        t,
				ctx:      ctx,
				log:      log2.NewTest(t, log2.LDebug),
				received: make(chan *packet.Message, 8),
				incoming: make(chan *packet.Message, 8),
				lost:     make(chan error, 8),
			}
			env.s = mqtt.NewServer(ctx, mqtt.ServerOptions{
				Log:    env.log.With("server "),
				OnAuth: authFromMap(map[string]string{"blid": "secret"}),
				OnPublish: func(ctx context.Context, id string, msg *packet.Message, ack *future.Future) error {
					env.incoming <- msg.Copy()
					ack.Complete(nil)
					return nil
				},
			})
			require.NoError(t, env.s.Listen([]*mqtt.ListenOptions{{URL: "tcp://127.0.0.1:", NetworkTimeout: testDefaultTimeout}}))
			defer func() { assert.NoError(t, env.s.Close()) }()

			env.opts = mqtt.ClientOptions{
				BrokerURL:      "tcp://" + env.s.Addrs()[0],
				ClientID:       "blid",
				Username:       "blid",
				Password:       "secret",
				NetworkTimeout: testDefaultTimeout,
				Subscriptions:  []packet.Subscription{{Topic: "#", QOS: packet.QOSAtMostOnce}},
				Log:            env.log.With("client "),
				OnMessage: func(m *packet.Message) error {
					env.received <- m.Copy()
					return nil
				},
				OnReady: func() { atomic.AddUint32(&env.ready, 1) },
				OnLost:  func(err error) { env.lost <- err },
			}
			if c.setup != nil {
				c.setup(env)
			}
			mc, err := mqtt.NewClient(env.opts)
			require.NoError(t, err)
			defer mc.Close()
			c.check(env, mc)
		})
	}
}

// Broker pushes state before SUBACK and handler does not return.
func TestClientConnectHandlerBlocked(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*testDefaultTimeout)
	defer cancel()
	log := log2.NewTest(t, log2.LDebug)
	s := mqtt.NewServer(ctx, mqtt.ServerOptions{
		Log:       log.With("server "),
		ForceSubs: []packet.Subscription{{Topic: "#", QOS: packet.QOSAtMostOnce}},
		OnAuth:    authFromMap(map[string]string{"blid": "secret"}),
		OnPublish: func(ctx context.Context, id string, msg *packet.Message, ack *future.Future) error {
			ack.Complete(nil)
			return nil
		},
	})
	for i := 0; i < 5; i++ {
		s.StoreRetained(&packet.Message{Topic: fmt.Sprintf("state/%d", i), Payload: []byte("{}")})
	}
	require.NoError(t, s.Listen([]*mqtt.ListenOptions{{URL: "tcp://127.0.0.1:", NetworkTimeout: testDefaultTimeout}}))
	defer func() { assert.NoError(t, s.Close()) }()

	release := make(chan struct{})
	c, err := mqtt.NewClient(mqtt.ClientOptions{
		BrokerURL:      "tcp://" + s.Addrs()[0],
		Username:       "blid",
		Password:       "secret",
		NetworkTimeout: testDefaultTimeout,
		Subscriptions:  []packet.Subscription{{Topic: "#", QOS: packet.QOSAtMostOnce}},
		Log:            log.With("client "),
		OnMessage: func(*packet.Message) error {
			<-release
			return nil
		},
	})
	require.NoError(t, err)

	started := time.Now()
	err = c.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(errors.Cause(err)), errors.ErrorStack(err))
	assert.Less(t, int64(time.Since(started)), int64(3*testDefaultTimeout))
	close(release)
	assert.NoError(t, c.Close())
}

func TestNewClientConfigError(t *testing.T) {
	t.Parallel()

	_, err := mqtt.NewClient(mqtt.ClientOptions{BrokerURL: "tcp://127.0.0.1:1"})
	assert.True(t, errors.IsNotValid(err), "err=%v", err)
	_, err = mqtt.NewClient(mqtt.ClientOptions{BrokerURL: "::", OnMessage: func(*packet.Message) error { return nil }})
	assert.Error(t, err)
}

func receiveMessage(env *clientEnv, ch <-chan *packet.Message) *packet.Message {
	select {
	case m := <-ch:
		return m
	case <-time.After(testDefaultTimeout):
		env.t.Fatal("timeout waiting for message")
		return nil
	}
}

func waitReadyCount(env *clientEnv, n uint32) {
	require.Eventually(env.t, func() bool { return atomic.LoadUint32(&env.ready) == n }, testDefaultTimeout, 10*time.Millisecond)
}
