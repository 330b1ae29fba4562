package mqtt_test

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/roomba/helpers"
	"github.com/temoto/roomba/internal/mqtt"
	"github.com/temoto/roomba/log2"
)

const testDefaultTimeout = 1000 * time.Millisecond

type tenv struct {
	t    testing.TB
	ctx  context.Context
	log  *log2.Log
	sopt *mqtt.ServerOptions
	s    *mqtt.Server
	addr string
	rand *rand.Rand

	closed chan closeEvent
}

type closeEvent struct {
	id    string
	clean bool
}

func TestServer(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		setup func(*tenv)
		check func(*tenv)
	}{
		{name: "invalid-credentials", check: func(env *tenv) {
			conn := connDial(env)
			pktConnect := packet.NewConnect()
			pktConnect.CleanSession = true
			pktConnect.ClientID = "cli"
			pktConnect.Username = "unknown"
			require.NoError(env.t, conn.Send(pktConnect, false))
			pktConnack := connReceive(env, conn).(*packet.Connack)
			assert.False(env.t, pktConnack.SessionPresent)
			assert.Equal(env.t, packet.BadUsernameOrPassword, pktConnack.ReturnCode)
		}},
		{name: "empty-clientid", check: func(env *tenv) {
			conn := connDial(env)
			pktConnect := packet.NewConnect()
			pktConnect.CleanSession = true
			pktConnect.Username = "testuser"
			pktConnect.Password = "testsecret"
			require.NoError(env.t, conn.Send(pktConnect, false))
			pktConnack := connReceive(env, conn).(*packet.Connack)
			assert.Equal(env.t, packet.IdentifierRejected, pktConnack.ReturnCode)
		}},
		{name: "accepted-clean", check: func(env *tenv) {
			conn := connDial(env)
			connConnect(env, conn, "", nil)
		}},
		{name: "ping", check: func(env *tenv) {
			conn := connDial(env)
			connConnect(env, conn, "", nil)
			require.NoError(env.t, conn.Send(packet.NewPingreq(), false))
			_, ok := connReceive(env, conn).(*packet.Pingresp)
			assert.True(env.t, ok)
		}},
		{name: "sub-qos0", check: func(env *tenv) {
			conn := connDial(env)
			connConnect(env, conn, "", nil)
			connSubscribe(env, conn, []packet.Subscription{{Topic: "#", QOS: packet.QOSAtMostOnce}})
			msgout := packet.Message{Topic: "cmd", QOS: packet.QOSAtMostOnce, Payload: []byte(`{"command":"dock"}`)}
			connPublish(env, conn, msgout)
			pktPublish := connReceive(env, conn).(*packet.Publish)
			assert.Equal(env.t, msgout.Topic, pktPublish.Message.Topic)
			assert.Equal(env.t, msgout.Payload, pktPublish.Message.Payload)
		}},
		{name: "sub-qos1-pub-qos1", check: func(env *tenv) {
			conn := connDial(env)
			connConnect(env, conn, "", nil)
			connSubscribe(env, conn, []packet.Subscription{{Topic: "#", QOS: packet.QOSAtLeastOnce}})
			msgout := packet.Message{Topic: "x", QOS: packet.QOSAtLeastOnce, Payload: []byte("y")}
			pktPublish := packet.NewPublish()
			pktPublish.ID = 7
			pktPublish.Message = msgout
			require.NoError(env.t, conn.Send(pktPublish, false))
			// server delivers to self before acking own publish
			pktIn := connReceive(env, conn).(*packet.Publish)
			assert.Equal(env.t, msgout.Payload, pktIn.Message.Payload)
			require.Equal(env.t, packet.QOSAtLeastOnce, pktIn.Message.QOS)
			connPuback(env, conn, pktIn.ID)
			pktPuback := connReceive(env, conn).(*packet.Puback)
			assert.Equal(env.t, packet.ID(7), pktPuback.ID)
		}},
		{name: "close-callback", setup: func(env *tenv) {
			env.closed = make(chan closeEvent, 4)
			env.sopt = &mqtt.ServerOptions{
				OnClose: func(id string, clean bool, e error) { env.closed <- closeEvent{id, clean} },
			}
			testServerDefaultSetup(env)
		}, check: func(env *tenv) {
			connPart := connDial(env)
			connConnect(env, connPart, "part", nil)
			connDisconnect(env, connPart)
			assert.Equal(env.t, closeEvent{"part", true}, waitClosed(env))

			connDrop := connDial(env)
			will := &packet.Message{Topic: "lwt", Payload: []byte("gone"), Retain: true}
			connConnect(env, connDrop, "drop", will)
			require.NoError(env.t, connDrop.Close())
			assert.Equal(env.t, closeEvent{"drop", false}, waitClosed(env))
			require.Len(env.t, env.s.Retain(), 0)
		}},
		{name: "deliver-qos1-puback-missing", check: func(env *tenv) {
			conn := connDial(env)
			connConnect(env, conn, "", nil)
			connSubscribe(env, conn, []packet.Subscription{{Topic: "#", QOS: packet.QOSAtLeastOnce}})
			msg := &packet.Message{Topic: "x", QOS: packet.QOSAtLeastOnce, Payload: []byte("y")}
			errch := make(chan error, 1)
			go func() { errch <- env.s.Publish(env.ctx, msg) }()
			pktPublish := connReceive(env, conn).(*packet.Publish)
			assert.NotZero(env.t, pktPublish.ID)
			// no PUBACK: server gives up after ack timeout
			select {
			case err := <-errch:
				require.Error(env.t, err)
				assert.True(env.t, errors.IsTimeout(errors.Cause(err)), errors.ErrorStack(err))
			case <-time.After(4 * testDefaultTimeout):
				env.t.Fatal("Publish did not time out")
			}
		}},
		{name: "retained-on-subscribe", check: func(env *tenv) {
			msg := &packet.Message{Topic: "$aws/things/X/shadow/update", Payload: []byte(`{"state":{}}`), Retain: true}
			assert.Equal(env.t, mqtt.ErrNoSubscribers, env.s.Publish(env.ctx, msg))
			require.Len(env.t, env.s.Retain(), 1)

			conn := connDial(env)
			connConnect(env, conn, "", nil)
			connSubscribe(env, conn, []packet.Subscription{{Topic: "#", QOS: packet.QOSAtMostOnce}})
			pktPublish := connReceive(env, conn).(*packet.Publish)
			assert.Equal(env.t, msg.Topic, pktPublish.Message.Topic)
			assert.True(env.t, pktPublish.Message.Retain)
		}},
		{name: "kick", check: func(env *tenv) {
			conn := connDial(env)
			connConnect(env, conn, "kickme", nil)
			waitClients(env, 1)
			require.NoError(env.t, env.s.Kick("kickme"))
			_, err := conn.Receive()
			require.Error(env.t, err)
			assert.Error(env.t, env.s.Kick("unknown"))
		}},
		{name: "forced-sub", setup: func(env *tenv) {
			env.sopt = &mqtt.ServerOptions{
				ForceSubs: []packet.Subscription{
					{Topic: "%c/r/#", QOS: packet.QOSAtLeastOnce},
				},
			}
			testServerDefaultSetup(env)
		}, check: func(env *tenv) {
			conn := connDial(env)
			id := fmt.Sprintf("cli%d", env.rand.Int31())
			connConnect(env, conn, id, nil)
			// no explicit client subscribe

			topic := fmt.Sprintf("%s/r/yodawg", id)
			msgout := packet.Message{Topic: topic, QOS: packet.QOSAtMostOnce, Payload: []byte("hello")}
			sent := make(chan struct{})
			go func() {
				assert.NoError(env.t, env.s.Publish(env.ctx, &msgout))
				close(sent)
			}()
			pktPublish := connReceive(env, conn).(*packet.Publish)
			assert.Equal(env.t, msgout.Topic, pktPublish.Message.Topic)
			assert.Equal(env.t, msgout.Payload, pktPublish.Message.Payload)
			<-sent
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			env := &tenv{
				t:    t,
				ctx:  context.Background(),
				log:  log2.NewTest(t, log2.LDebug),
				rand: helpers.RandUnix(),
			}
			if os.Getenv("roomba_test_log_stderr") == "1" {
				env.log = log2.NewStderr(log2.LDebug) // useful with panics
			}
			env.log.SetFlags(log2.LTestFlags)
			if c.setup == nil {
				c.setup = testServerDefaultSetup
			}
			c.setup(env)
			defer func() {
				assert.NoError(t, env.s.Close())
			}()
			c.check(env)
		})
	}
}

func TestServerCloseListen(t *testing.T) {
	t.Parallel()

	s := mqtt.NewServer(context.Background(), mqtt.ServerOptions{OnPublish: func(context.Context, string, *packet.Message, *future.Future) error {
		t.Error("unexpected call OnPublish")
		return nil
	}})
	require.NoError(t, s.Close())
	lopts := []*mqtt.ListenOptions{{URL: "tcp://localhost:"}}
	err := s.Listen(lopts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Listen after Close")
}

func newTestServer(env *tenv, opt mqtt.ServerOptions, lopts []*mqtt.ListenOptions) (*mqtt.Server, string) {
	if opt.Log == nil {
		opt.Log = env.log
	}
	s := mqtt.NewServer(env.ctx, opt)
	require.NoError(env.t, s.Listen(lopts))
	addrs := s.Addrs()
	require.Equal(env.t, len(lopts), len(addrs))
	return s, addrs[0]
}

func testServerDefaultSetup(env *tenv) {
	sopt := mqtt.ServerOptions{
		OnAuth: authFromMap(map[string]string{"testuser": "testsecret"}),
		OnPublish: func(ctx context.Context, id string, msg *packet.Message, ack *future.Future) error {
			env.log.Infof("OnPublish client=%s msg=%s", id, mqtt.MessageString(msg))
			err := env.s.Publish(ctx, msg)
			if err == mqtt.ErrNoSubscribers {
				err = nil
			}
			ack.Complete(nil)
			return err
		},
	}
	if env.sopt != nil {
		sopt.ForceSubs = env.sopt.ForceSubs
		sopt.OnClose = env.sopt.OnClose
	}
	lopts := []*mqtt.ListenOptions{
		{
			URL:            "tcp://localhost:",
			NetworkTimeout: testDefaultTimeout,
		}}
	env.s, env.addr = newTestServer(env, sopt, lopts)
}

func waitClients(env *tenv, n int) {
	require.Eventually(env.t, func() bool { return len(env.s.Clients()) == n }, testDefaultTimeout, 10*time.Millisecond)
}

func waitClosed(env *tenv) closeEvent {
	select {
	case ev := <-env.closed:
		return ev
	case <-time.After(testDefaultTimeout):
		env.t.Fatal("OnClose was not called")
	}
	return closeEvent{}
}

func connDial(env *tenv) transport.Conn {
	addr := "tcp://" + env.addr
	c, err := transport.Dial(addr)
	require.NoError(env.t, err)
	env.log.Infof("testClient dial %s", addr)
	c.SetReadTimeout(testDefaultTimeout)
	return c
}

func connConnect(env *tenv, c transport.Conn, id string, will *packet.Message) {
	if id == "" {
		id = fmt.Sprintf("cli%d", env.rand.Int31())
	}
	pktConnect := packet.NewConnect()
	pktConnect.CleanSession = true
	pktConnect.ClientID = id
	pktConnect.Username = "testuser"
	pktConnect.Password = "testsecret"
	pktConnect.Will = will
	require.NoError(env.t, c.Send(pktConnect, false))
	pktConnack := connReceive(env, c).(*packet.Connack)
	assert.False(env.t, pktConnack.SessionPresent)
	assert.Equal(env.t, packet.ConnectionAccepted, pktConnack.ReturnCode)
}

func connPublish(env *tenv, c transport.Conn, msg packet.Message) {
	pktPublish := packet.NewPublish()
	pktPublish.ID = packet.ID(env.rand.Uint32()%(1<<16-1) + 1)
	pktPublish.Message = msg
	require.NoError(env.t, c.Send(pktPublish, false))
	env.log.Infof("testClient sent %s", mqtt.PacketString(pktPublish))
}

func connReceive(env *tenv, c transport.Conn) packet.Generic {
	pkt, err := c.Receive()
	env.log.Infof("testClient recv pkt=%s err=%v", mqtt.PacketString(pkt), err)
	require.NoError(env.t, err)
	return pkt
}

func connSubscribe(env *tenv, c transport.Conn, subs []packet.Subscription) {
	pktSubscribe := packet.NewSubscribe()
	pktSubscribe.ID = packet.ID(env.rand.Uint32()%(1<<16-1) + 1)
	pktSubscribe.Subscriptions = subs
	require.NoError(env.t, c.Send(pktSubscribe, false))
	pktSuback := connReceive(env, c).(*packet.Suback)
	expect := make([]packet.QOS, 0, len(subs))
	for _, sub := range subs {
		expect = append(expect, sub.QOS)
	}
	assert.Equal(env.t, expect, pktSuback.ReturnCodes)
}

func connPuback(env *tenv, c transport.Conn, id packet.ID) {
	pkt := packet.NewPuback()
	pkt.ID = id
	require.NoError(env.t, c.Send(pkt, false))
}

func connDisconnect(env *tenv, c transport.Conn) {
	require.NoError(env.t, c.Send(packet.NewDisconnect(), false))
}

func authFromMap(m map[string]string) mqtt.AuthFunc {
	return func(ctx context.Context, opt *mqtt.ListenOptions, p *packet.Connect) (bool, error) {
		if secret, ok := m[p.Username]; ok {
			return p.Password == secret, nil
		}
		return false, nil
	}
}
