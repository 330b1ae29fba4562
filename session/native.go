package session

import (
	"context"

	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"
	"github.com/temoto/roomba/internal/mqtt"
)

type nativeTransport struct {
	c *mqtt.Client
}

// NewNativeTransport uses internal MQTT client.
func NewNativeTransport(opt Options, h Handlers) (Transport, error) {
	subs := make([]packet.Subscription, len(opt.Topics))
	for i, t := range opt.Topics {
		subs[i] = packet.Subscription{Topic: t, QOS: packet.QOSAtMostOnce}
	}
	c, err := mqtt.NewClient(mqtt.ClientOptions{
		BrokerURL:      "tls://" + opt.Address,
		TLS:            opt.TLS,
		ReconnectDelay: opt.ReconnectDelay,
		NetworkTimeout: opt.NetworkTimeout,
		KeepaliveSec:   opt.KeepaliveSec,
		ClientID:       opt.Identity,
		Username:       opt.Identity,
		Password:       opt.Credential,
		Subscriptions:  subs,
		Log:            opt.Log,
		OnMessage: func(m *packet.Message) error {
			payload := append([]byte(nil), m.Payload...)
			h.OnMessage(m.Topic, payload)
			return nil
		},
		OnReady: h.OnReady,
		OnLost:  h.OnLost,
	})
	if err != nil {
		return nil, errors.Annotate(err, "native transport")
	}
	return &nativeTransport{c: c}, nil
}

func (t *nativeTransport) Connect(ctx context.Context) error { return t.c.Connect(ctx) }

func (t *nativeTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	return t.c.Publish(ctx, &packet.Message{Topic: topic, Payload: payload, QOS: packet.QOSAtMostOnce})
}

func (t *nativeTransport) Close() error { return t.c.Close() }
