package mqtt

import (
	"crypto/tls"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/roomba/helpers"
	"github.com/temoto/roomba/log2"
)

type ListenOptions struct {
	URL            string
	TLS            *tls.Config
	NetworkTimeout time.Duration // receive timeout before CONNECT and when client keepalive=0
	ReadLimit      int64
}

// peer is one accepted client connection after successful CONNECT.
// Wills are not kept: the appliance never receives them.
type peer struct {
	alive      *alive.Alive
	ackTimeout time.Duration
	conn       transport.Conn
	connmu     sync.RWMutex
	err        helpers.AtomicError
	id         string
	inflight   *future.Store // outgoing QOS 1 packet.ID -> PUBACK
	log        *log2.Log
	parted     uint32 // DISCONNECT received
	username   string
}

func newPeer(conn transport.Conn, opt *ListenOptions, log *log2.Log, connect *packet.Connect) *peer {
	if connect.Will != nil {
		log.Debugf("mqtt id=%s will ignored topic=%s", connect.ClientID, connect.Will.Topic)
	}
	return &peer{
		alive:      alive.NewAlive(),
		ackTimeout: 2 * opt.NetworkTimeout,
		conn:       conn,
		id:         connect.ClientID,
		inflight:   future.NewStore(),
		log:        log,
		username:   connect.Username,
	}
}

// Deliver writes PUBLISH to client. QOS 1 blocks until PUBACK, ack timeout kills connection.
// Caller has already downgraded QOS to subscription level.
func (p *peer) Deliver(id packet.ID, msg *packet.Message) error {
	if !p.alive.Add(1) {
		return ErrClosing
	}
	defer p.alive.Done()

	pub := packet.NewPublish()
	pub.Message = *msg
	if msg.QOS == packet.QOSAtMostOnce {
		return p.Send(pub)
	}
	if msg.QOS != packet.QOSAtLeastOnce || id == 0 {
		return errors.NotSupportedf("deliver qos=%d id=%d", msg.QOS, id)
	}

	pub.ID = id
	ack := future.New()
	if p.inflight.Get(id) != nil {
		return p.die(errors.AlreadyExistsf("inflight id=%d", id))
	}
	p.inflight.Put(id, ack)
	defer p.inflight.Delete(id)
	if err := p.Send(pub); err != nil {
		return err
	}
	switch err := ack.Wait(p.ackTimeout); err {
	case nil:
		return nil
	case future.ErrTimeout:
		return p.die(errors.Timeoutf("puback id=%d", id))
	default:
		if cause, ok := ack.Result().(error); ok {
			err = cause
		}
		return errors.Annotatef(err, "puback id=%d", id)
	}
}

// Acked completes Deliver waiting for id.
func (p *peer) Acked(id packet.ID) error {
	ack := p.inflight.Get(id)
	if ack == nil {
		return errors.NotFoundf("puback id=%d", id)
	}
	if !ack.Complete(nil) {
		return future.ErrCanceled
	}
	return nil
}

func (p *peer) Receive() (packet.Generic, error) {
	conn := p.getConn()
	if conn == nil {
		return nil, ErrClosing
	}
	pkt, err := conn.Receive()
	if err == nil {
		p.log.Debugf("mqtt recv id=%s pkt=%s", p.id, PacketString(pkt))
		return pkt, nil
	}
	if err != io.EOF && !p.alive.IsRunning() && isClosedConn(err) {
		// die() closed conn to interrupt Receive
		return nil, ErrClosing
	}
	_ = p.die(err)
	return nil, err
}

func (p *peer) Send(pkt packet.Generic) error {
	conn := p.getConn()
	if conn == nil {
		return ErrClosing
	}
	p.log.Debugf("mqtt send id=%s pkt=%s", p.id, PacketString(pkt))
	err := conn.Send(pkt, false)
	switch {
	case err == nil:
		return nil
	case !p.alive.IsRunning() && isClosedConn(err):
		return ErrClosing
	}
	return p.die(errors.Annotatef(err, "send id=%s", p.id))
}

func (p *peer) RemoteAddr() net.Addr {
	if conn := p.getConn(); conn != nil {
		return conn.RemoteAddr()
	}
	return nil
}

// die stores first error, closes connection and cancels waiting deliveries.
func (p *peer) die(e error) error {
	if e == nil {
		e = ErrClosing
	}
	if err, found := p.err.StoreOnce(e); found {
		return err
	}
	p.log.Debugf("mqtt die id=%s e=%v", p.id, e)
	p.alive.Stop()
	p.inflight.Clear()
	p.connmu.Lock()
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
	p.connmu.Unlock()
	return e
}

func (p *peer) getConn() transport.Conn {
	p.connmu.RLock()
	defer p.connmu.RUnlock()
	return p.conn
}

func (p *peer) part() { atomic.StoreUint32(&p.parted, 1) }

func (p *peer) clean() bool { return atomic.LoadUint32(&p.parted) == 1 }
