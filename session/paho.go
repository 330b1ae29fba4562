package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/roomba/internal/mqtt"
	"github.com/temoto/roomba/log2"
)

type pahoTransport struct {
	c        paho.Client
	cancel   context.CancelFunc
	connects uint32
	ctx      context.Context
	first    chan error
	h        Handlers
	log      *log2.Log
	lost     chan struct{}
	opt      Options
	wg       sync.WaitGroup
}

// NewPahoTransport uses eclipse/paho.mqtt.golang.
// Paho auto-reconnect backs off exponentially, so reconnect is driven here
// with fixed ReconnectDelay between attempts.
// Package loggers paho.ERROR etc are left to the application.
func NewPahoTransport(opt Options, h Handlers) (Transport, error) {
	t := &pahoTransport{
		first: make(chan error, 1),
		h:     h,
		log:   opt.Log,
		lost:  make(chan struct{}, 1),
		opt:   opt,
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	keepalive := time.Duration(opt.KeepaliveSec) * time.Second
	if keepalive == 0 {
		keepalive = mqtt.DefaultKeepaliveSec * time.Second
	}
	mopt := paho.NewClientOptions().
		AddBroker("ssl://" + opt.Address).
		SetAutoReconnect(false).
		SetCleanSession(true).
		SetClientID(opt.Identity).
		SetConnectRetry(false).
		SetConnectTimeout(opt.NetworkTimeout).
		SetConnectionLostHandler(t.onLost).
		SetDefaultPublishHandler(t.onMessage).
		SetKeepAlive(keepalive).
		SetOnConnectHandler(t.onConnect).
		SetOrderMatters(true).
		SetPassword(opt.Credential).
		SetPingTimeout(opt.NetworkTimeout).
		SetProtocolVersion(4).
		SetTLSConfig(opt.TLS).
		SetUsername(opt.Identity).
		SetWriteTimeout(opt.NetworkTimeout)
	t.c = paho.NewClient(mopt)
	t.wg.Add(1)
	go t.reconnector()
	return t, nil
}

func (t *pahoTransport) Connect(ctx context.Context) error {
	if err := t.tokenWait(ctx, t.c.Connect(), "connect"); err != nil {
		return err
	}
	select {
	case err := <-t.first:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *pahoTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if !t.c.IsConnectionOpen() {
		return mqtt.ErrNotConnected
	}
	return t.tokenWait(ctx, t.c.Publish(topic, 0, false, payload), "publish")
}

func (t *pahoTransport) Close() error {
	t.cancel()
	t.wg.Wait()
	t.c.Disconnect(uint(t.opt.NetworkTimeout / time.Millisecond / 10))
	return nil
}

func (t *pahoTransport) onConnect(c paho.Client) {
	filters := make(map[string]byte, len(t.opt.Topics))
	for _, topic := range t.opt.Topics {
		filters[topic] = 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.opt.NetworkTimeout)
	defer cancel()
	tok := c.SubscribeMultiple(filters, t.onMessage)
	err := t.tokenWait(ctx, tok, "subscribe")
	if st, ok := tok.(*paho.SubscribeToken); ok && err == nil {
		for topic, code := range st.Result() {
			if code == 0x80 {
				err = errors.Errorf("subscribe topic=%s rejected", topic)
			}
		}
	}
	if atomic.AddUint32(&t.connects, 1) == 1 {
		t.first <- err
		if err != nil {
			return
		}
	} else if err != nil {
		t.log.Errorf("paho %v", err)
		c.Disconnect(0)
		t.signalLost()
		return
	}
	if t.h.OnReady != nil {
		t.h.OnReady()
	}
}

func (t *pahoTransport) onLost(_ paho.Client, err error) {
	t.signalLost()
	if t.h.OnLost != nil {
		t.h.OnLost(err)
	}
}

func (t *pahoTransport) signalLost() {
	select {
	case t.lost <- struct{}{}:
	default:
	}
}

// reconnector waits ReconnectDelay before each attempt until connection is open again.
func (t *pahoTransport) reconnector() {
	defer t.wg.Done()
	for {
		select {
		case <-t.lost:
		case <-t.ctx.Done():
			return
		}
		for !t.c.IsConnectionOpen() {
			select {
			case <-time.After(t.opt.ReconnectDelay):
			case <-t.ctx.Done():
				return
			}
			if err := t.tokenWait(t.ctx, t.c.Connect(), "reconnect"); err != nil {
				t.log.Debugf("paho %v", err)
			}
		}
	}
}

func (t *pahoTransport) onMessage(_ paho.Client, msg paho.Message) {
	t.h.OnMessage(msg.Topic(), msg.Payload())
}

func (t *pahoTransport) tokenWait(ctx context.Context, tok paho.Token, tag string) error {
	select {
	case <-tok.Done():
	case <-ctx.Done():
		return errors.Annotate(ctx.Err(), tag)
	}
	if err := tok.Error(); err != nil {
		return errors.Annotate(err, tag)
	}
	return nil
}
