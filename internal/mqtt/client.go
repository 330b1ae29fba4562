package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/client"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/roomba/helpers"
	"github.com/temoto/roomba/helpers/atomic_clock"
	"github.com/temoto/roomba/log2"
)

const (
	DefaultNetworkTimeout = 30 * time.Second
	DefaultReconnectDelay = 3 * time.Second
	DefaultKeepaliveSec   = 60
)

var (
	ErrClientClosing = fmt.Errorf("mqtt client is closing")
	ErrNotConnected  = client.ErrClientNotConnected
)

type ClientOptions struct {
	BrokerURL      string // tls://host:port or tcp://host:port
	TLS            *tls.Config
	ReconnectDelay time.Duration
	NetworkTimeout time.Duration
	KeepaliveSec   uint16
	ClientID       string
	Username       string
	Password       string
	Subscriptions  []packet.Subscription
	Log            *log2.Log

	// Called from connection reader goroutine, blocking delays further receive.
	OnMessage func(*packet.Message) error
	// Connected and subscribed. Called after every successful (re)connect.
	OnReady func()
	// Connection lost after OnReady, reconnect follows unless client is closing.
	OnLost func(error)

	conpkt *packet.Connect
	dialer *transport.Dialer
}

// Appliance session MQTT client.
// - NewClient() returns only configuration errors
// - Connect() makes first attempt synchronously and reports its failure
// - after successful Connect, unlimited reconnect attempts with ReconnectDelay until Close()
// - clean session only, configured subscriptions repeated on each connect
// - QOS 0 publish, no in-flight storage
// - Publish while offline returns ErrNotConnected
type Client struct {
	sync.Mutex

	alive   *alive.Alive
	current *clientConn
	lastID  uint32
	opt     ClientOptions
	pubmu   sync.Mutex
	started uint32
}

func NewClient(opt ClientOptions) (*Client, error) {
	if opt.OnMessage == nil {
		return nil, errors.NotValidf("code error mqtt.ClientOptions.OnMessage=nil")
	}
	opt.NetworkTimeout = helpers.DurationDefault(opt.NetworkTimeout, DefaultNetworkTimeout)
	opt.ReconnectDelay = helpers.DurationDefault(opt.ReconnectDelay, DefaultReconnectDelay)
	if opt.KeepaliveSec == 0 {
		opt.KeepaliveSec = DefaultKeepaliveSec
	}
	if u, err := url.ParseRequestURI(opt.BrokerURL); err != nil {
		return nil, errors.Annotatef(err, "config error mqtt BrokerURL=%s", opt.BrokerURL)
	} else if u.User != nil && opt.Username == "" && opt.Password == "" {
		opt.Username = u.User.Username()
		opt.Password, _ = u.User.Password()
	}
	opt.conpkt = packet.NewConnect()
	opt.conpkt.ClientID = defaultString(opt.ClientID, opt.Username)
	opt.conpkt.KeepAlive = opt.KeepaliveSec
	opt.conpkt.CleanSession = true
	opt.conpkt.Username = opt.Username
	opt.conpkt.Password = opt.Password
	opt.dialer = transport.NewDialer(transport.DialConfig{
		TLSConfig: opt.TLS,
		Timeout:   opt.NetworkTimeout,
	})

	c := &Client{
		alive:  alive.NewAlive(),
		lastID: uint32(time.Now().UnixNano()),
		opt:    opt,
	}
	return c, nil
}

// Connect returns nil when connected and subscribed.
// Errors: dial/handshake, CONNACK refusal (cause client.ErrClientConnectionDenied),
// subscription failure, ctx.Err(), ErrClientClosing.
// On success, background worker keeps connection alive until Close().
// On error, connection is closed but OnMessage may still be running; Close() waits for it.
func (c *Client) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&c.started, 0, 1) {
		return errors.Errorf("code error mqtt Client.Connect called twice")
	}
	cc := c.clientConn(true)
	if cc == nil {
		return ErrClientClosing
	}
	if err := cc.waitReady(ctx); err != nil {
		_ = cc.die(err)
		return err
	}
	if !c.alive.Add(1) {
		return ErrClientClosing
	}
	go c.worker(cc)
	return nil
}

func (c *Client) Close() error {
	c.alive.Stop()
	var err error
	c.Lock()
	cc := c.current
	c.Unlock()
	if cc != nil {
		if cc.isReady() {
			if err = cc.send(packet.NewDisconnect()); isClosedConn(err) {
				err = nil
			}
		}
		_ = cc.die(ErrClientClosing)
		cc.alive.Wait()
	}
	c.alive.Wait()
	return err
}

func (c *Client) IsReady() bool {
	return c.clientConn(false).isReady()
}

// Publish sends one QOS 0 message. Concurrent calls are serialized.
func (c *Client) Publish(ctx context.Context, msg *packet.Message) error {
	if msg.QOS != packet.QOSAtMostOnce {
		return errors.NotSupportedf("publish qos=%d", msg.QOS)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.alive.IsRunning() {
		return ErrClientClosing
	}
	cc := c.clientConn(false)
	if !cc.isReady() {
		return ErrNotConnected
	}

	c.pubmu.Lock()
	defer c.pubmu.Unlock()
	publish := packet.NewPublish()
	publish.Message = *msg
	return errors.Annotate(cc.send(publish), "send PUBLISH")
}

func (c *Client) clientConn(create bool) *clientConn {
	c.Lock()
	defer c.Unlock()
	if !c.alive.IsRunning() {
		return nil
	}
	if c.current != nil && !c.current.alive.IsRunning() && create {
		c.current = nil
	}
	if c.current == nil && create {
		var subpkt *packet.Subscribe
		if len(c.opt.Subscriptions) != 0 {
			subpkt = packet.NewSubscribe()
			subpkt.ID = c.nextID()
			subpkt.Subscriptions = c.opt.Subscriptions
		}
		c.current = newClientConn(&c.opt, subpkt)
	}
	return c.current
}

func (c *Client) nextID() packet.ID {
	u32 := atomic.AddUint32(&c.lastID, 1)
	if id := packet.ID(u32 % (1 << 16)); id != 0 {
		return id
	}
	return 1
}

func (c *Client) worker(cc *clientConn) {
	defer c.alive.Done()
	stopch := c.alive.StopChan()
	for {
		select {
		case <-cc.alive.WaitChan():

		case <-stopch:
			_ = cc.die(ErrClientClosing)
			return
		}
		if !c.alive.IsRunning() {
			return
		}

		err, _ := cc.err.Load()
		c.opt.Log.Infof("mqtt connection lost err=%v reconnect after %v", err, c.opt.ReconnectDelay)
		if c.opt.OnLost != nil {
			c.opt.OnLost(err)
		}
		for {
			select {
			case <-time.After(c.opt.ReconnectDelay):

			case <-stopch:
				return
			}
			if cc = c.clientConn(true); cc == nil {
				return
			}
			// wait for ready or death; lost callback is only for connections that were ready
			select {
			case <-cc.subfu.Completed():

			case <-cc.alive.WaitChan():
				err, _ := cc.err.Load()
				c.opt.Log.Debugf("mqtt reconnect err=%v", err)
				continue

			case <-stopch:
				_ = cc.die(ErrClientClosing)
				return
			}
			break
		}
	}
}

// Single client connection. `transport.Conn` with CONNECT, SUBSCRIBE and pings.
// State is set once at creation, except transport.Conn which requires blocking Dial.
type clientConn struct {
	alive  *alive.Alive
	confu  *helpers.Future
	conn   atomic.Value // transport.Conn
	err    helpers.AtomicError
	opt    *ClientOptions
	pingat *atomic_clock.Clock // last outgoing packet
	pongat *atomic_clock.Clock // last incoming packet
	subfu  *helpers.Future
	subpkt *packet.Subscribe
}

func newClientConn(opt *ClientOptions, subpkt *packet.Subscribe) *clientConn {
	cc := &clientConn{
		alive:  alive.NewAlive(),
		confu:  helpers.NewFuture(),
		opt:    opt,
		pingat: atomic_clock.Now(),
		pongat: atomic_clock.Now(),
		subfu:  helpers.NewFuture(),
		subpkt: subpkt,
	}
	cc.alive.Add(1)
	go cc.connect()
	return cc
}

func (cc *clientConn) die(e error) error {
	if e == nil {
		e = ErrClientClosing
	}
	if err, found := cc.err.StoreOnce(e); found {
		return err
	}
	cc.opt.Log.Debugf("mqtt clientConn die err=%v", e)
	cc.alive.Stop()
	cc.confu.Cancel(e)
	cc.subfu.Cancel(e)
	if conn := cc.getConn(); conn != nil {
		_ = conn.Close()
	}
	return e
}

func (cc *clientConn) getConn() transport.Conn {
	if x := cc.conn.Load(); x != nil {
		return x.(transport.Conn)
	}
	return nil
}

func (cc *clientConn) isReady() bool {
	return cc != nil && cc.alive.IsRunning() && cc.subfu.IsCompleted()
}

// dial, send CONNECT, wait CONNACK, start pinger and reader
func (cc *clientConn) connect() {
	defer cc.alive.Done()

	conn, err := cc.opt.dialer.Dial(cc.opt.BrokerURL)
	if err != nil {
		_ = cc.die(errors.Annotatef(err, "connect: dial broker=%s", cc.opt.BrokerURL))
		return
	}
	cc.conn.Store(conn)
	if !cc.alive.IsRunning() { // die() before Store
		_ = conn.Close()
		return
	}
	if err = cc.send(cc.opt.conpkt); err != nil {
		return
	}

	{ // expect CONNACK
		conn.SetReadTimeout(cc.opt.NetworkTimeout)
		pkt, err := conn.Receive()
		if err != nil {
			_ = cc.die(errors.Annotate(err, "connect: expect CONNACK"))
			return
		}
		connack, ok := pkt.(*packet.Connack)
		if !ok {
			err = errors.Annotatef(client.ErrClientExpectedConnack, "connect: server error pkt=%s", PacketString(pkt))
			_ = cc.die(err)
			return
		}
		cc.opt.Log.Debugf("mqtt CONNACK=%s", connack.String())
		if connack.ReturnCode != packet.ConnectionAccepted {
			_ = cc.die(errors.Annotate(client.ErrClientConnectionDenied, connack.ReturnCode.String()))
			return
		}
		cc.confu.Complete(true)
		conn.SetReadTimeout(0)
	}

	if !cc.alive.Add(3) {
		return
	}
	cc.pongat.SetNow()
	go cc.pinger()
	go cc.reader()
	go cc.subscriber()
}

func (cc *clientConn) ready() {
	if cc.subfu.Complete(true) && cc.opt.OnReady != nil {
		cc.opt.OnReady()
	}
}

func (cc *clientConn) onSuback(suback *packet.Suback) {
	if cc.subpkt == nil || suback.ID != cc.subpkt.ID {
		_ = cc.die(errors.Annotatef(client.ErrFailedSubscription, "unexpected SUBACK id=%d", suback.ID))
		return
	}
	for _, code := range suback.ReturnCodes {
		if code == packet.QOSFailure {
			_ = cc.die(client.ErrFailedSubscription)
			return
		}
	}
	cc.ready()
}

func (cc *clientConn) onPublish(publish *packet.Publish) {
	switch publish.Message.QOS {
	case packet.QOSAtMostOnce, packet.QOSAtLeastOnce:
		if err := cc.opt.OnMessage(&publish.Message); err != nil {
			cc.opt.Log.Errorf("mqtt onMessage msg=%s err=%v", MessageString(&publish.Message), err)
			_ = cc.die(err)
			return
		}

	default:
		_ = cc.die(errors.NotSupportedf("receive qos=%d", publish.Message.QOS))
		return
	}

	if publish.Message.QOS == packet.QOSAtLeastOnce {
		puback := packet.NewPuback()
		puback.ID = publish.ID
		_ = cc.send(puback)
	}
}

// Sends PINGREQ as late as possible to keep network traffic to minimum while respecting possible network issues.
// Any incoming packet counts as pong.
func (cc *clientConn) pinger() {
	defer cc.alive.Done()

	keepalive := keepaliveAndHalf(cc.opt.KeepaliveSec)
	interval := keepalive - cc.opt.NetworkTimeout
	if interval <= 0 {
		interval = keepalive / 2
	}
	stopch := cc.alive.StopChan()
	for {
		now := atomic_clock.Now()
		if sincePong := now.Sub(cc.pongat); sincePong > keepalive {
			_ = cc.die(client.ErrClientMissingPong)
			return
		}
		window := now.Sub(cc.pingat)
		if window >= interval {
			if err := cc.send(packet.NewPingreq()); err != nil {
				return
			}
			window = 0
		}
		select {
		case <-time.After(interval - window):

		case <-stopch:
			return
		}
	}
}

func (cc *clientConn) reader() {
	defer cc.alive.Done()

	conn := cc.getConn()
	for {
		pkt, err := conn.Receive()
		if !cc.alive.IsRunning() {
			return
		}
		switch err {
		case nil: // success path

		case io.EOF:
			_ = cc.die(errors.Annotate(err, "server closed connection"))
			return

		default:
			_ = cc.die(errors.Annotate(err, "receive"))
			return
		}
		cc.pongat.SetNow()
		cc.opt.Log.Debugf("mqtt received=%s", PacketString(pkt))

		switch pt := pkt.(type) {
		case *packet.Connack:
			_ = cc.die(errors.Errorf("server error duplicate CONNACK pkt=%s", PacketString(pkt)))
			return

		case *packet.Pingresp:

		case *packet.Suback:
			cc.onSuback(pt)

		case *packet.Publish:
			cc.onPublish(pt)

		default:
			cc.opt.Log.Debugf("mqtt unexpected packet %s", PacketString(pkt))
		}
	}
}

func (cc *clientConn) send(p packet.Generic) error {
	if cc == nil {
		return ErrNotConnected
	}
	conn := cc.getConn()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Send(p, false); err != nil {
		return cc.die(errors.Annotatef(err, "send %s", p.Type().String()))
	}
	cc.pingat.SetNow()
	cc.opt.Log.Debugf("mqtt sent %s", PacketString(p))
	return nil
}

func (cc *clientConn) subscriber() {
	defer cc.alive.Done()
	if cc.subpkt == nil {
		cc.ready()
		return
	}
	if err := cc.send(cc.subpkt); err != nil {
		return
	}

	select {
	case <-cc.subfu.Completed():
	case <-cc.subfu.Cancelled():
	case <-time.After(cc.opt.NetworkTimeout):
		_ = cc.die(errors.Timeoutf("subscribe"))
	}
}

// Returns, in this order:
// - nil if connected and subscribed within context limit
// - connection error if it died first
// - ctx.Err() if context expired before successful connection
func (cc *clientConn) waitReady(ctx context.Context) error {
	select {
	case <-cc.subfu.Completed():
		return nil

	case <-cc.alive.StopChan():
		if cc.subfu.IsCompleted() {
			return nil
		}
		if err, _ := cc.err.Load(); err != nil {
			return err
		}
		return ErrClientClosing

	case <-ctx.Done():
		return ctx.Err()
	}
}
