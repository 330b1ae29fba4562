package mqtt

// Small MQTT 3.1.1 broker, enough to stand in for appliance in tests and simulator.

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/256dpi/gomqtt/broker"
	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/topic"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/roomba/helpers"
	"github.com/temoto/roomba/log2"
)

const defaultReadLimit = 1 << 20

var (
	ErrSameClient    = fmt.Errorf("clientid overtake")
	ErrClosing       = fmt.Errorf("server is closing")
	ErrKicked        = fmt.Errorf("kicked by server")
	ErrNoSubscribers = fmt.Errorf("no subscribers")
)

type ServerOptions struct {
	Log       *log2.Log
	ForceSubs []packet.Subscription // %c is replaced with client id, %u with username
	OnAuth    AuthFunc
	OnClose   CloseFunc // valid client connection lost
	OnPublish MessageFunc
}

type AuthFunc = func(ctx context.Context, opt *ListenOptions, pkt *packet.Connect) (bool, error)
type CloseFunc = func(clientID string, clean bool, e error)
type MessageFunc = func(ctx context.Context, clientID string, msg *packet.Message, ack *future.Future) error

// Server.subs is prefix tree of pattern -> []{client, qos}
type subscription struct {
	pattern string
	client  string
	owner   *peer // same client id may reconnect before old peer cleanup
	qos     packet.QOS
}

type Server struct { //nolint:maligned
	sync.RWMutex

	alive *alive.Alive
	peers struct {
		sync.RWMutex
		m map[string]*peer
	}
	ctx       context.Context
	forceSubs []packet.Subscription
	listens   []*transport.NetServer
	log       *log2.Log
	nextid    uint32 // atomic packet.ID
	onAuth    AuthFunc
	onClose   CloseFunc
	onPublish MessageFunc
	retain    *topic.Tree // *packet.Message
	subs      *topic.Tree // *subscription
}

func NewServer(ctx context.Context, opt ServerOptions) *Server {
	if opt.OnPublish == nil {
		panic("code error mqtt.ServerOptions.OnPublish is mandatory")
	}
	s := &Server{
		alive:     alive.NewAlive(),
		ctx:       ctx,
		forceSubs: opt.ForceSubs,
		log:       opt.Log,
		onAuth:    defaultAuthDenyAll,
		onClose:   opt.OnClose,
		onPublish: opt.OnPublish,
		retain:    topic.NewStandardTree(),
		subs:      topic.NewStandardTree(),
	}
	s.peers.m = make(map[string]*peer)
	if opt.OnAuth != nil {
		s.onAuth = opt.OnAuth
	}
	return s
}

func (s *Server) Addrs() []string {
	s.RLock()
	defer s.RUnlock()
	addrs := make([]string, 0, len(s.listens))
	for _, l := range s.listens {
		addrs = append(addrs, l.Addr().String())
	}
	return addrs
}

func (s *Server) Close() error {
	s.alive.Stop()
	errs := make([]error, 0)
	helpers.WithLock(s, func() {
		for _, ns := range s.listens {
			if err := ns.Close(); err != nil && !isClosedConn(err) {
				errs = append(errs, err)
			}
		}
		s.listens = nil
	})
	helpers.WithLock(s.peers.RLocker(), func() {
		for _, b := range s.peers.m {
			switch err := b.die(ErrClosing); err {
			case nil, ErrClosing, io.EOF:

			default:
				s.log.Debugf("mqtt close id=%s err=%v", b.id, err)
			}
		}
	})
	s.alive.Wait()
	return helpers.FoldErrors(errs)
}

// Listen on each tcp://, unix:// or tls:// URL.
func (s *Server) Listen(lopts []*ListenOptions) error {
	errs := make([]error, 0)
	for _, opt := range lopts {
		ns, err := s.listen(opt)
		if err != nil {
			errs = append(errs, errors.Annotatef(err, "mqtt listen url=%s", opt.URL))
			continue
		}
		if err = s.Serve(ns, opt); err != nil {
			_ = ns.Close()
			errs = append(errs, err)
			break
		}
	}
	return helpers.FoldErrors(errs)
}

// Serve accepts MQTT connections from ns until Close.
// Use with transport.NewNetServer to serve custom net.Listener.
func (s *Server) Serve(ns *transport.NetServer, opt *ListenOptions) error {
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.ReadLimit == 0 {
		opt.ReadLimit = defaultReadLimit
	}
	s.Lock()
	defer s.Unlock()
	if !s.alive.Add(1) {
		return errors.Errorf("Listen after Close")
	}
	s.log.Debugf("mqtt listen addr=%s timeout=%v", ns.Addr().String(), opt.NetworkTimeout)
	s.listens = append(s.listens, ns)
	go s.acceptLoop(ns, opt)
	return nil
}

// Kick drops client connection as if network failed.
func (s *Server) Kick(clientID string) error {
	var b *peer
	helpers.WithLock(s.peers.RLocker(), func() {
		b = s.peers.m[clientID]
	})
	if b == nil {
		return errors.NotFoundf("mqtt client=%s", clientID)
	}
	_ = b.die(ErrKicked)
	return nil
}

func (s *Server) Clients() []string {
	s.peers.RLock()
	defer s.peers.RUnlock()
	ids := make([]string, 0, len(s.peers.m))
	for id := range s.peers.m {
		ids = append(ids, id)
	}
	return ids
}

func (s *Server) NextID() packet.ID {
	u32 := atomic.AddUint32(&s.nextid, 1)
	if id := packet.ID(u32 % (1 << 16)); id != 0 {
		return id
	}
	return 1
}

// Publish delivers msg to matching subscribers, stores retained message.
// Returns ErrNoSubscribers if nobody matched, it is informational after retain store.
func (s *Server) Publish(ctx context.Context, msg *packet.Message) error {
	s.log.Debugf("mqtt Server.Publish msg=%s", MessageString(msg))

	if msg.Retain {
		if len(msg.Payload) != 0 {
			s.retain.Set(msg.Topic, msg.Copy())
		} else {
			s.retain.Empty(msg.Topic)
		}
	}

	var _a [8]*subscription
	subs := _a[:0]
	uniq := make(map[string]struct{}) // deduplicate subscriptions
	for _, x := range s.subs.Match(msg.Topic) {
		xsub := x.(*subscription)
		if _, ok := uniq[xsub.client]; !ok {
			uniq[xsub.client] = struct{}{}
			subs = append(subs, xsub)
		}
	}
	if len(subs) == 0 {
		return ErrNoSubscribers
	}

	errch := make(chan error, len(subs))
	wg := sync.WaitGroup{}
	helpers.WithLock(s.peers.RLocker(), func() {
		for _, sub := range subs {
			b, ok := s.peers.m[sub.client]
			if !ok {
				continue
			}
			bmsg := msg.Copy()
			bmsg.QOS = sub.qos
			if msg.QOS < bmsg.QOS {
				bmsg.QOS = msg.QOS
			}
			// retain flag is only set for messages sent on new subscription
			bmsg.Retain = false
			id := s.NextID()
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := b.Deliver(id, bmsg); err != nil {
					errch <- err
				}
			}()
		}
	})
	wg.Wait()
	close(errch)
	return helpers.FoldErrChan(errch)
}

func (s *Server) Retain() []*packet.Message {
	xs := s.retain.All()
	if len(xs) == 0 {
		return nil
	}
	ms := make([]*packet.Message, len(xs))
	for i, x := range xs {
		ms[i] = x.(*packet.Message)
	}
	return ms
}

func (s *Server) listen(opt *ListenOptions) (*transport.NetServer, error) {
	u, err := url.ParseRequestURI(opt.URL)
	if err != nil {
		return nil, errors.Annotate(err, "parse url")
	}

	switch u.Scheme {
	case "tls":
		if opt.TLS == nil {
			return nil, errors.NotValidf("tls listen without certificate")
		}
		ns, err := transport.CreateSecureNetServer(u.Host, opt.TLS)
		return ns, errors.Annotate(err, "CreateSecureNetServer")

	case "tcp", "unix":
		listen, err := net.Listen(u.Scheme, u.Host)
		if err != nil {
			return nil, errors.Annotatef(err, "net.Listen network=%s address=%s", u.Scheme, u.Host)
		}
		return transport.NewNetServer(listen), nil
	}
	return nil, errors.NotSupportedf("listen url=%s", opt.URL)
}

func (s *Server) acceptLoop(ns *transport.NetServer, opt *ListenOptions) {
	defer s.alive.Done() // one alive subtask for each listener
	for {
		conn, err := ns.Accept()
		if !s.alive.IsRunning() {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			s.log.Error(errors.Annotatef(err, "mqtt accept listen=%s", addrString(ns.Addr())))
			return
		}

		if !s.alive.Add(1) { // and one alive subtask for each connection
			_ = conn.Close()
			return
		}
		go s.processConn(conn, opt)
	}
}

func (s *Server) onAccept(conn transport.Conn, opt *ListenOptions) (*peer, error) {
	var err error
	addr := addrString(conn.RemoteAddr())
	defer errors.DeferredAnnotatef(&err, "addr=%s", addr)
	// first packet before peer exists
	pkt, err := conn.Receive()
	if err != nil {
		return nil, errors.Trace(err)
	}

	pktConnect, ok := pkt.(*packet.Connect)
	if !ok {
		err = broker.ErrUnexpectedPacket
		return nil, errors.Trace(err)
	}

	connack := packet.NewConnack()
	connack.SessionPresent = false

	if pktConnect.ClientID == "" {
		connack.ReturnCode = packet.IdentifierRejected
		_ = conn.Send(connack, false)
		err = errors.Annotatef(broker.ErrNotAuthorized, "invalid clientid=%s", pktConnect.ClientID)
		return nil, errors.Trace(err)
	}

	ok, err = s.onAuth(s.ctx, opt, pktConnect)
	if err != nil {
		connack.ReturnCode = packet.ServerUnavailable
		_ = conn.Send(connack, false)
		return nil, errors.Trace(err)
	}
	if !ok {
		connack.ReturnCode = packet.BadUsernameOrPassword
		_ = conn.Send(connack, false)
		err = broker.ErrNotAuthorized
		return nil, errors.Trace(err)
	}
	s.log.Debugf("mqtt CONNECT addr=%s client=%s username=%s keepalive=%d",
		addr, pktConnect.ClientID, pktConnect.Username, pktConnect.KeepAlive)

	connack.ReturnCode = packet.ConnectionAccepted
	readTimeout := opt.NetworkTimeout
	if pktConnect.KeepAlive != 0 {
		readTimeout = keepaliveAndHalf(pktConnect.KeepAlive)
	}
	conn.SetReadTimeout(readTimeout)
	if err = conn.Send(connack, false); err != nil {
		return nil, errors.Trace(err)
	}

	return newPeer(conn, opt, s.log, pktConnect), nil
}

func defaultAuthDenyAll(ctx context.Context, opt *ListenOptions, pkt *packet.Connect) (bool, error) {
	return false, fmt.Errorf("default auth callback is deny-all, please supply ServerOptions.OnAuth")
}

func (s *Server) onSubscribe(b *peer, pkt *packet.Subscribe) error {
	// A SUBSCRIBE packet with no payload is a protocol violation [MQTT-3.8.3-3].
	if len(pkt.Subscriptions) == 0 {
		return b.die(fmt.Errorf("subscribe request with empty sub list"))
	}
	suback := packet.NewSuback()
	suback.ID = pkt.ID
	suback.ReturnCodes = make([]packet.QOS, 0, len(pkt.Subscriptions))
	retained := s.subscribe(b, pkt.Subscriptions, suback)
	if err := b.Send(suback); err != nil {
		return errors.Annotate(err, "onSubscribe")
	}
	s.sendRetained(b, retained)
	return nil
}

func (s *Server) processConn(conn transport.Conn, opt *ListenOptions) {
	defer s.alive.Done()

	addrNew := addrString(conn.RemoteAddr())
	conn.SetMaxWriteDelay(0)
	conn.SetReadLimit(opt.ReadLimit)
	conn.SetReadTimeout(opt.NetworkTimeout)
	b, err := s.onAccept(conn, opt)
	if err != nil {
		s.log.Infof("mqtt onAccept addr=%s err=%v", addrNew, err)
		_ = conn.Close()
		return
	}

	helpers.WithLock(&s.peers, func() {
		// close existing client with same id
		if ex, ok := s.peers.m[b.id]; ok {
			s.log.Infof("mqtt client overtake id=%s ex=%s new=%s", b.id, addrString(ex.RemoteAddr()), addrNew)
			_ = ex.die(ErrSameClient)
		}
		s.peers.m[b.id] = b
	})

	s.sendRetained(b, s.subscribe(b, s.forceSubs, nil))

	// PUBLISH/SUBSCRIBE are processed in order by one worker,
	// acks and pings inline so that publish to this client may wait for PUBACK.
	queue := make(chan packet.Generic, 16)
	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for pkt := range queue {
			s.processPacket(b, pkt)
		}
	}()
	stopch := b.alive.StopChan()
receiveLoop:
	for {
		pkt, err := b.Receive()
		if !b.alive.IsRunning() || !s.alive.IsRunning() {
			_ = b.die(ErrClosing)
			break
		}
		if err != nil {
			break
		}
		switch pkt.(type) {
		case *packet.Puback, *packet.Pingreq:
			s.processPacket(b, pkt)

		default:
			select {
			case queue <- pkt:
			case <-stopch:
				break receiveLoop
			}
		}
	}
	close(queue)
	wg.Wait()

	// cancels pending deliveries before waiting for them
	closeErr := b.die(ErrClosing)
	b.alive.WaitTasks()
	clean := b.clean()
	helpers.WithLock(&s.peers, func() {
		if ex := s.peers.m[b.id]; b == ex {
			s.log.Debugf("mqtt id=%s gone clean=%t", b.id, clean)
			delete(s.peers.m, b.id)
		}
		for _, value := range s.subs.All() {
			if sub := value.(*subscription); sub.owner == b {
				s.subs.Remove(sub.pattern, value)
			}
		}
	})
	if s.onClose != nil {
		s.onClose(b.id, clean, closeErr)
	}
}

// on each incoming packet after connect handshake
func (s *Server) processPacket(b *peer, pkt packet.Generic) {
	err := helpers.WithLockError(s.peers.RLocker(), func() error {
		if ex := s.peers.m[b.id]; b != ex {
			s.log.Errorf("mqtt processPacket ignore from detached id=%s pkt=%s", b.id, PacketString(pkt))
			return ErrSameClient
		}
		return nil
	})
	if err != nil {
		_ = b.die(err)
		return
	}

typeSwitch:
	switch pt := pkt.(type) {
	case *packet.Pingreq:
		err = b.Send(packet.NewPingresp())

	case *packet.Publish:
		ack := future.New()
		err = s.onPublish(s.ctx, b.id, &pt.Message, ack)
		if err != nil {
			s.log.Errorf("mqtt onPublish msg=%s err=%v", MessageString(&pt.Message), err)
			break typeSwitch
		}

		switch pt.Message.QOS {
		case packet.QOSAtMostOnce:
		case packet.QOSAtLeastOnce:
			switch ack.Wait(b.ackTimeout) {
			case nil: // explicit ack
				pktPuback := packet.NewPuback()
				pktPuback.ID = pt.ID
				err = b.Send(pktPuback)

			case future.ErrCanceled: // explicit nack
				err = fmt.Errorf("publish rejected client=%s id=%d topic=%s", b.id, pt.ID, pt.Message.Topic)

			case future.ErrTimeout: // onPublish callback did not complete/cancel future
				err = errors.Timeoutf("publish ack client=%s id=%d", b.id, pt.ID)
			}

		default:
			err = fmt.Errorf("qos %d is not supported", pt.Message.QOS)
		}

	case *packet.Puback:
		err = b.Acked(pt.ID)

	case *packet.Subscribe:
		if err = s.onSubscribe(b, pt); err != nil {
			s.log.Errorf("mqtt onSubscribe err=%v", err)
		}

	case *packet.Unsubscribe:
		s.unsubscribe(b, pt.Topics)
		unsuback := packet.NewUnsuback()
		unsuback.ID = pt.ID
		err = b.Send(unsuback)

	case *packet.Pubrec, *packet.Pubrel, *packet.Pubcomp:
		err = fmt.Errorf("qos2 not supported")

	case *packet.Disconnect:
		b.part()
		_ = b.die(io.EOF)
		return

	default:
		err = fmt.Errorf("code error packet is not handled pkt=%s", PacketString(pkt))
	}
	if err != nil {
		_ = b.die(err)
	}
}

// subscribe returns retained messages matching new subscriptions
func (s *Server) subscribe(b *peer, subs []packet.Subscription, pktSubAck *packet.Suback) []*packet.Message {
	var retained []*packet.Message
	for _, sub := range subs {
		pattern := sub.Topic
		pattern = strings.ReplaceAll(pattern, "%c", b.id)
		pattern = strings.ReplaceAll(pattern, "%u", b.username)
		sub2 := &subscription{
			pattern: pattern,
			client:  b.id,
			owner:   b,
			qos:     sub.QOS,
		}
		if sub2.qos > packet.QOSAtLeastOnce {
			sub2.qos = packet.QOSAtLeastOnce
		}
		s.subs.Add(pattern, sub2)
		if pktSubAck != nil {
			pktSubAck.ReturnCodes = append(pktSubAck.ReturnCodes, sub2.qos)
		}

		for _, v := range s.retain.Search(pattern) {
			msg := v.(*packet.Message).Copy()
			if msg.QOS > sub2.qos {
				msg.QOS = sub2.qos
			}
			retained = append(retained, msg)
		}
	}
	return retained
}

func (s *Server) sendRetained(b *peer, msgs []*packet.Message) {
	if len(msgs) == 0 || !b.alive.Add(1) {
		return
	}
	go func() {
		defer b.alive.Done()
		for _, msg := range msgs {
			if err := b.Deliver(s.NextID(), msg); err != nil {
				s.log.Debugf("mqtt retained id=%s err=%v", b.id, err)
				return
			}
		}
	}()
}

func (s *Server) unsubscribe(b *peer, patterns []string) {
	for _, value := range s.subs.All() {
		sub := value.(*subscription)
		if sub.owner != b {
			continue
		}
		for _, p := range patterns {
			if sub.pattern == p {
				s.subs.Remove(sub.pattern, value)
			}
		}
	}
}

// StoreRetained replaces retained message without delivery to current subscribers.
func (s *Server) StoreRetained(msg *packet.Message) {
	if len(msg.Payload) == 0 {
		s.retain.Empty(msg.Topic)
		return
	}
	m := msg.Copy()
	m.Retain = true
	s.retain.Set(m.Topic, m)
}
