// Package discovery finds appliances on local network with UDP broadcast.
package discovery

import (
	"bytes"
	"context"
	"net"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/roomba/api"
	"github.com/temoto/roomba/helpers"
	"github.com/temoto/roomba/log2"
)

const (
	DefaultListenAddr    = "0.0.0.0:5678"
	DefaultBroadcastAddr = "255.255.255.255:5678"
	DefaultTimeout       = 3 * time.Second
	DefaultAttempts      = 3

	maxDatagram = 800
)

// Probe is the discovery request payload.
var Probe = []byte("irobotmcs")

type Options struct {
	ListenAddr    string
	BroadcastAddr string
	Timeout       time.Duration // per receive
	Attempts      int           // Discover only: receive timeouts tolerated before giving up
	Log           *log2.Log

	// Conn replaces listening socket. Scanner.Close closes it.
	Conn net.PacketConn
}

// Scanner yields each distinct appliance once per scan cycle.
// Not safe for concurrent use.
type Scanner struct {
	buf     []byte
	conn    net.PacketConn
	found   map[string]struct{}
	log     *log2.Log
	target  net.Addr
	timeout time.Duration
}

func NewScanner(ctx context.Context, opt Options) (*Scanner, error) {
	opt.ListenAddr = defaultString(opt.ListenAddr, DefaultListenAddr)
	opt.BroadcastAddr = defaultString(opt.BroadcastAddr, DefaultBroadcastAddr)
	target, err := net.ResolveUDPAddr("udp4", opt.BroadcastAddr)
	if err != nil {
		return nil, errors.Annotatef(err, "discovery broadcast=%s", opt.BroadcastAddr)
	}

	conn := opt.Conn
	if conn == nil {
		lc := net.ListenConfig{Control: controlBroadcast}
		if conn, err = lc.ListenPacket(ctx, "udp4", opt.ListenAddr); err != nil {
			return nil, errors.Annotatef(err, "discovery listen=%s", opt.ListenAddr)
		}
	}
	s := &Scanner{
		buf:     make([]byte, maxDatagram),
		conn:    conn,
		found:   make(map[string]struct{}),
		log:     opt.Log,
		target:  target,
		timeout: helpers.DurationDefault(opt.Timeout, DefaultTimeout),
	}
	return s, nil
}

func (s *Scanner) Close() error { return s.conn.Close() }

func (s *Scanner) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// Next sends probe and returns first appliance not yet seen by this Scanner.
// Probe echo, malformed and duplicate replies are skipped.
// Send and receive errors, including timeout (errors.IsTimeout), are returned;
// the caller may call Next again.
func (s *Scanner) Next(ctx context.Context) (*api.Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := s.conn.WriteTo(Probe, s.target); err != nil {
		return nil, errors.Annotatef(err, "discovery send to=%s", s.target)
	}
	s.log.Debugf("discovery probe sent to=%s", s.target)

	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return nil, errors.Annotate(err, "discovery SetReadDeadline")
	}
	for {
		n, from, err := s.conn.ReadFrom(s.buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				return nil, errors.NewTimeout(err, "discovery receive")
			}
			return nil, errors.Annotate(err, "discovery receive")
		}
		data := s.buf[:n]
		if bytes.Equal(data, Probe) {
			continue
		}
		info, err := api.DecodeInfo(data)
		if err != nil {
			s.log.Debugf("discovery skip from=%s err=%v", from, err)
			continue
		}
		if _, ok := s.found[info.IP]; ok {
			continue
		}
		s.found[info.IP] = struct{}{}
		s.log.Debugf("discovery found %s", info.String())
		return info, nil
	}
}

// Discover returns first appliance that answers.
// Gives up after opt.Attempts receive timeouts, other errors are returned immediately.
func Discover(ctx context.Context, opt Options) (*api.Info, error) {
	attempts := opt.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	s, err := NewScanner(ctx, opt)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	for i := 1; ; i++ {
		info, err := s.Next(ctx)
		if err == nil {
			return info, nil
		}
		if !errors.IsTimeout(err) || i >= attempts {
			return nil, errors.Annotatef(err, "discover attempt=%d", i)
		}
		s.log.Debugf("discover attempt=%d err=%v", i, err)
	}
}

func defaultString(main, def string) string {
	if main == "" {
		return def
	}
	return main
}
