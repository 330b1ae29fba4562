// Package session keeps authenticated MQTT connection to appliance:
// commands go out to "cmd", reported state deltas come in as events.
package session

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/roomba/api"
	"github.com/temoto/roomba/helpers"
	"github.com/temoto/roomba/internal/trust"
	"github.com/temoto/roomba/log2"
)

const (
	DefaultPort           = "8883"
	DefaultEventBuffer    = 64
	DefaultReconnectDelay = 3 * time.Second
	DefaultNetworkTimeout = 10 * time.Second

	TransportNative = "native"
	TransportPaho   = "paho"
)

type Options struct {
	Address     string // host or host:port
	Identity    string // BLID, MQTT username and client id
	Credential  string // MQTT password
	EventBuffer int
	// Subscription filters, default "#".
	Topics []string

	Transport      string // native (default) or paho
	NewTransport   NewTransportFunc
	TLS            *tls.Config // nil: trust.InsecureApplianceConfig()
	ReconnectDelay time.Duration
	NetworkTimeout time.Duration
	KeepaliveSec   uint16
	Log            *log2.Log
}

// Session lifecycle:
// Disconnected -> Connecting -> Connected <-> Reconnecting -> Closed
// - Connect returns after subscription or *ConnectError
// - transport reconnects silently, Events receives nil on connection loss
// - Send is serialized; Events may be consumed concurrently; Close from any goroutine
type Session struct {
	alive     *alive.Alive
	closeOnce sync.Once
	closeErr  error
	events    chan *api.Event
	log       *log2.Log
	opt       Options
	overflow  uint32 // events dropped while connecting, gap is pending
	sendmu    sync.Mutex
	state     stateBox
	tr        Transport
}

func Connect(ctx context.Context, opt Options) (*Session, error) {
	if opt.Address == "" || opt.Identity == "" {
		return nil, errors.NotValidf("session options address=%q identity=%q", opt.Address, opt.Identity)
	}
	opt.Address = hostPort(opt.Address, DefaultPort)
	if opt.EventBuffer <= 0 {
		opt.EventBuffer = DefaultEventBuffer
	}
	if len(opt.Topics) == 0 {
		opt.Topics = []string{api.TopicAll}
	}
	if opt.TLS == nil {
		opt.TLS = trust.InsecureApplianceConfig()
	}
	opt.ReconnectDelay = helpers.DurationDefault(opt.ReconnectDelay, DefaultReconnectDelay)
	opt.NetworkTimeout = helpers.DurationDefault(opt.NetworkTimeout, DefaultNetworkTimeout)
	newTransport := opt.NewTransport
	if newTransport == nil {
		switch opt.Transport {
		case "", TransportNative:
			newTransport = NewNativeTransport
		case TransportPaho:
			newTransport = NewPahoTransport
		default:
			return nil, errors.NotSupportedf("session transport=%s", opt.Transport)
		}
	}

	s := &Session{
		alive:  alive.NewAlive(),
		events: make(chan *api.Event, opt.EventBuffer),
		log:    opt.Log,
		opt:    opt,
	}
	s.state.move(StateConnecting)
	tr, err := newTransport(opt, Handlers{
		OnMessage: s.onMessage,
		OnReady:   s.onReady,
		OnLost:    s.onLost,
	})
	if err != nil {
		s.state.close()
		s.alive.Stop()
		return nil, &ConnectError{Address: opt.Address, Err: err}
	}
	s.tr = tr
	if err = tr.Connect(ctx); err != nil {
		s.state.close()
		s.alive.Stop()
		_ = tr.Close()
		return nil, &ConnectError{Address: opt.Address, Err: err}
	}
	s.state.move(StateConnected, StateConnecting)
	s.log.Infof("session connected address=%s", opt.Address)
	return s, nil
}

// Events channel is closed by Close. Nil element marks gap:
// undecodable payload or lost connection.
func (s *Session) Events() <-chan *api.Event { return s.events }

func (s *Session) State() State { return s.state.load() }

// Send publishes command. Errors: ErrClosed, *SendError.
func (s *Session) Send(ctx context.Context, m api.Message) error {
	if !s.alive.Add(1) {
		return ErrClosed
	}
	defer s.alive.Done()

	payload, err := m.Payload()
	if err != nil {
		return &SendError{Command: m.Command, Err: err}
	}
	s.sendmu.Lock()
	defer s.sendmu.Unlock()
	if st := s.state.load(); st != StateConnected {
		return &SendError{Command: m.Command, Err: errors.Errorf("state=%s", st.String())}
	}
	if err = s.tr.Publish(ctx, api.TopicCommand, payload); err != nil {
		if s.state.load() == StateClosed {
			return ErrClosed
		}
		return &SendError{Command: m.Command, Err: err}
	}
	s.log.Debugf("session sent %s", payload)
	return nil
}

// Close is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.state.close()
		s.alive.Stop()
		s.closeErr = errors.Annotate(s.tr.Close(), "session close")
		s.alive.Wait()
		close(s.events)
	})
	return s.closeErr
}

func (s *Session) onMessage(topic string, payload []byte) {
	ev, err := api.DecodeEvent(topic, payload)
	if err != nil {
		s.log.Debugf("session skip event err=%v", err)
		ev = nil
	}
	s.deliver(ev)
}

func (s *Session) onReady() {
	if s.state.move(StateConnected, StateReconnecting) {
		s.log.Infof("session reconnected")
	}
}

func (s *Session) onLost(err error) {
	if s.state.move(StateReconnecting, StateConnected, StateConnecting) {
		s.log.Infof("session connection lost err=%v", err)
		s.deliver(nil)
	}
}

// deliver blocks until consumer receives or session is closing.
// Before Connect returns there is no consumer: events that do not fit
// the buffer are dropped and reported as one gap later.
func (s *Session) deliver(ev *api.Event) {
	if !s.alive.Add(1) {
		return
	}
	defer s.alive.Done()
	if s.state.load() == StateConnecting {
		select {
		case s.events <- ev:
		default:
			atomic.StoreUint32(&s.overflow, 1)
			s.log.Debugf("session connecting, event buffer full, dropped")
		}
		return
	}
	if atomic.CompareAndSwapUint32(&s.overflow, 1, 0) && ev != nil {
		if !s.push(nil) {
			return
		}
	}
	s.push(ev)
}

func (s *Session) push(ev *api.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.alive.StopChan():
		return false
	}
}

func hostPort(address, port string) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(address, port)
}
