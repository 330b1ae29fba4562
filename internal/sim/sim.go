// Package sim is a fake appliance on local network: discovery responder,
// pairing responder and MQTT broker with simulated cleaning state.
// Used by tests and roomba-sim command.
package sim

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
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
	"github.com/temoto/roomba/api"
	"github.com/temoto/roomba/helpers"
	"github.com/temoto/roomba/internal/mqtt"
	"github.com/temoto/roomba/log2"
)

const (
	DefaultAddr    = ":8883"
	DefaultUDPAddr = ":5678"
	DefaultBLID    = "3145C91234567890"
	pairingMarker  = 0xf0
)

var pairingProbe = []byte{0xf0, 0x05, 0xef, 0xcc, 0x3b, 0x29, 0x00}
var discoveryProbe = []byte("irobotmcs")

type Options struct {
	BLID      string
	Password  string
	Hostname  string // default Roomba-<BLID>
	RobotName string
	// Advertised in discovery reply, default is IP of local socket that received probe.
	AdvertiseIP string
	// Advertise robotid field explicitly.
	AdvertiseID bool

	Addr    string // TLS for pairing and MQTT, default :8883
	UDPAddr string // discovery, "-" disables
	TLS     *tls.Config
	Pairing bool
	// Client gets every topic right after CONNACK, before and without SUBSCRIBE.
	PushOnConnect bool

	MapID      string
	MapVersion string

	NetworkTimeout time.Duration
	Log            *log2.Log
}

type Appliance struct {
	alive    *alive.Alive
	broker   *mqtt.Server
	commands chan api.Message
	ln       net.Listener
	mqttln   *chanListener
	opt      Options
	log      *log2.Log
	pairing  uint32
	probes   uint32
	state    *reported
	topic    string
	udp      net.PacketConn
}

func Start(ctx context.Context, opt Options) (*Appliance, error) {
	if opt.BLID == "" {
		opt.BLID = DefaultBLID
	}
	if opt.Password == "" {
		return nil, errors.NotValidf("sim password empty")
	}
	if opt.Hostname == "" {
		opt.Hostname = "Roomba-" + opt.BLID
	}
	if opt.RobotName == "" {
		opt.RobotName = "Simba"
	}
	if opt.Addr == "" {
		opt.Addr = DefaultAddr
	}
	if opt.UDPAddr == "" {
		opt.UDPAddr = DefaultUDPAddr
	}
	if opt.MapID == "" {
		opt.MapID = "pmap-sim"
	}
	if opt.MapVersion == "" {
		opt.MapVersion = "201227T184509"
	}
	opt.NetworkTimeout = helpers.DurationDefault(opt.NetworkTimeout, mqtt.DefaultNetworkTimeout)
	if opt.TLS == nil {
		var err error
		if opt.TLS, err = SelfSignedConfig(opt.Hostname); err != nil {
			return nil, errors.Annotate(err, "sim tls")
		}
	}

	a := &Appliance{
		alive:    alive.NewAlive(),
		commands: make(chan api.Message, 64),
		opt:      opt,
		log:      opt.Log,
		state:    newReported(opt.RobotName, opt.MapID, opt.MapVersion),
		topic:    api.TelemetryTopic(opt.BLID),
	}
	a.SetPairing(opt.Pairing)
	sopt := mqtt.ServerOptions{
		Log:       opt.Log,
		OnAuth:    a.onAuth,
		OnPublish: a.onPublish,
	}
	if opt.PushOnConnect {
		sopt.ForceSubs = []packet.Subscription{{Topic: api.TopicAll, QOS: packet.QOSAtMostOnce}}
	}
	a.broker = mqtt.NewServer(ctx, sopt)

	var err error
	if a.ln, err = net.Listen("tcp", opt.Addr); err != nil {
		_ = a.broker.Close()
		return nil, errors.Annotatef(err, "sim listen addr=%s", opt.Addr)
	}
	a.mqttln = newChanListener(a.ln.Addr())
	if err = a.broker.Serve(transport.NewNetServer(a.mqttln), &mqtt.ListenOptions{NetworkTimeout: opt.NetworkTimeout}); err != nil {
		_ = a.Close()
		return nil, err
	}
	if err = a.publishFull(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}

	a.alive.Add(1)
	go a.acceptLoop()

	if opt.UDPAddr != "-" {
		if a.udp, err = net.ListenPacket("udp4", opt.UDPAddr); err != nil {
			_ = a.Close()
			return nil, errors.Annotatef(err, "sim listen udp=%s", opt.UDPAddr)
		}
		a.alive.Add(1)
		go a.discoveryLoop()
	}
	a.log.Infof("sim started blid=%s addr=%s udp=%s pairing=%t", opt.BLID, a.Addr(), a.UDPAddr(), opt.Pairing)
	return a, nil
}

func (a *Appliance) Close() error {
	a.alive.Stop()
	errs := make([]error, 0, 4)
	if a.ln != nil {
		errs = append(errs, a.ln.Close())
	}
	if a.udp != nil {
		errs = append(errs, a.udp.Close())
	}
	errs = append(errs, a.broker.Close())
	if a.mqttln != nil {
		errs = append(errs, a.mqttln.Close())
	}
	a.alive.Wait()
	return helpers.FoldErrors(errs)
}

func (a *Appliance) Addr() string { return a.ln.Addr().String() }
func (a *Appliance) UDPAddr() string {
	if a.udp == nil {
		return ""
	}
	return a.udp.LocalAddr().String()
}
func (a *Appliance) BLID() string     { return a.opt.BLID }
func (a *Appliance) Password() string { return a.opt.Password }
func (a *Appliance) Topic() string    { return a.topic }
func (a *Appliance) Phase() string    { return a.state.phase() }

// Commands yields every decoded command in arrival order.
func (a *Appliance) Commands() <-chan api.Message { return a.commands }

// PairingProbes counts password requests received, including ignored ones.
func (a *Appliance) PairingProbes() int { return int(atomic.LoadUint32(&a.probes)) }

// SetPairing emulates holding the Home button: password is only revealed while on.
func (a *Appliance) SetPairing(on bool) {
	v := uint32(0)
	if on {
		v = 1
	}
	atomic.StoreUint32(&a.pairing, v)
}

// Kick drops MQTT connection of appliance owner, as if Wi-Fi glitched.
func (a *Appliance) Kick() error { return a.broker.Kick(a.opt.BLID) }

// Publish sends raw telemetry payload to subscribers, for tests of malformed input.
func (a *Appliance) Publish(ctx context.Context, payload []byte) error {
	err := a.broker.Publish(ctx, &packet.Message{Topic: a.topic, Payload: payload})
	if err == mqtt.ErrNoSubscribers {
		return nil
	}
	return err
}

// Retain stores extra retained message, sent to clients on (forced) subscription.
func (a *Appliance) Retain(topic string, payload []byte) {
	a.broker.StoreRetained(&packet.Message{Topic: topic, Payload: payload})
}

func (a *Appliance) onAuth(ctx context.Context, opt *mqtt.ListenOptions, pkt *packet.Connect) (bool, error) {
	return pkt.Username == a.opt.BLID && pkt.Password == a.opt.Password, nil
}

func (a *Appliance) onPublish(ctx context.Context, clientID string, msg *packet.Message, ack *future.Future) error {
	ack.Complete(nil)
	if msg.Topic != api.TopicCommand {
		a.log.Debugf("sim ignore topic=%s", msg.Topic)
		return nil
	}
	m, err := api.DecodeMessage(msg.Payload)
	if err != nil {
		// appliance silently ignores garbage
		a.log.Errorf("sim client=%s err=%v", clientID, err)
		return nil
	}
	a.log.Infof("sim command=%s regions=%v", m.Command.String(), m.Regions)
	select {
	case a.commands <- m:
	default:
		a.log.Errorf("sim commands buffer full, dropped command=%s", m.Command.String())
	}

	delta := a.state.apply(m)
	payload, err := shadowDoc(delta)
	if err != nil {
		return errors.Annotate(err, "sim encode delta")
	}
	if err = a.storeFull(); err != nil {
		return err
	}
	if err = a.broker.Publish(ctx, &packet.Message{Topic: a.topic, Payload: payload}); err != nil && err != mqtt.ErrNoSubscribers {
		a.log.Errorf("sim publish delta err=%v", err)
	}
	return nil
}

func (a *Appliance) publishFull(ctx context.Context) error {
	payload, err := a.state.marshal()
	if err != nil {
		return errors.Annotate(err, "sim encode state")
	}
	err = a.broker.Publish(ctx, &packet.Message{Topic: a.topic, Payload: payload, Retain: true})
	if err == mqtt.ErrNoSubscribers {
		err = nil
	}
	return err
}

func (a *Appliance) storeFull() error {
	payload, err := a.state.marshal()
	if err != nil {
		return errors.Annotate(err, "sim encode state")
	}
	a.broker.StoreRetained(&packet.Message{Topic: a.topic, Payload: payload})
	return nil
}

func (a *Appliance) acceptLoop() {
	defer a.alive.Done()
	for {
		conn, err := a.ln.Accept()
		if !a.alive.IsRunning() {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			a.log.Errorf("sim accept err=%v", err)
			return
		}
		if !a.alive.Add(1) {
			_ = conn.Close()
			return
		}
		go a.handleConn(conn)
	}
}

// handleConn performs TLS handshake and routes connection by first byte:
// 0xF0 password request, anything else is MQTT.
func (a *Appliance) handleConn(raw net.Conn) {
	defer a.alive.Done()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-a.alive.StopChan():
			_ = raw.Close()
		case <-done:
		}
	}()

	addr := raw.RemoteAddr().String()
	conn := tls.Server(raw, a.opt.TLS)
	_ = conn.SetDeadline(time.Now().Add(a.opt.NetworkTimeout))
	if err := conn.Handshake(); err != nil {
		a.log.Debugf("sim addr=%s tls handshake err=%v", addr, err)
		_ = conn.Close()
		return
	}
	r := bufio.NewReader(conn)
	first, err := r.Peek(1)
	if err != nil {
		a.log.Debugf("sim addr=%s peek err=%v", addr, err)
		_ = conn.Close()
		return
	}
	_ = conn.SetDeadline(time.Time{})

	if first[0] == pairingMarker {
		a.servePairing(conn, r)
		return
	}
	if !a.mqttln.push(&peekConn{Conn: conn, r: r}) {
		_ = conn.Close()
	}
}

// servePairing answers password requests while pairing mode is on.
// Requests in normal mode are read and ignored, client sees read timeout.
func (a *Appliance) servePairing(conn net.Conn, r *bufio.Reader) {
	defer conn.Close()
	addr := conn.RemoteAddr().String()
	probe := make([]byte, len(pairingProbe))
	for a.alive.IsRunning() {
		_ = conn.SetReadDeadline(time.Now().Add(a.opt.NetworkTimeout))
		if _, err := io.ReadFull(r, probe); err != nil {
			if err != io.EOF {
				a.log.Debugf("sim pairing addr=%s read err=%v", addr, err)
			}
			return
		}
		atomic.AddUint32(&a.probes, 1)
		if !bytes.Equal(probe, pairingProbe) {
			a.log.Errorf("sim pairing addr=%s unknown request=%x", addr, probe)
			return
		}
		if atomic.LoadUint32(&a.pairing) == 0 {
			a.log.Infof("sim pairing addr=%s request ignored, pairing mode is off", addr)
			continue
		}
		a.log.Infof("sim pairing addr=%s password revealed", addr)
		_, _ = conn.Write(PairingResponse(a.opt.Password))
		return
	}
}

// PairingResponse is appliance reply to password request:
// F0 <len> EF CC 3B 29 00 <password> 00
func PairingResponse(password string) []byte {
	b := make([]byte, 0, len(pairingProbe)+len(password)+1)
	b = append(b, pairingProbe...)
	b[1] = byte(len(pairingProbe) - 2 + len(password) + 1)
	b = append(b, password...)
	return append(b, 0)
}

func (a *Appliance) discoveryLoop() {
	defer a.alive.Done()
	buf := make([]byte, 800)
	for {
		n, from, err := a.udp.ReadFrom(buf)
		if !a.alive.IsRunning() {
			return
		}
		if err != nil {
			a.log.Errorf("sim udp read err=%v", err)
			return
		}
		if !bytes.Equal(buf[:n], discoveryProbe) {
			a.log.Debugf("sim udp from=%s ignore=%q", from, buf[:n])
			continue
		}
		ip := a.opt.AdvertiseIP
		if ip == "" {
			if ua, ok := from.(*net.UDPAddr); ok {
				ip = ua.IP.String()
			}
		}
		reply, err := a.advertisement(ip)
		if err != nil {
			a.log.Errorf("sim advertisement err=%v", err)
			continue
		}
		if _, err = a.udp.WriteTo(reply, from); err != nil {
			a.log.Errorf("sim udp reply to=%s err=%v", from, err)
		}
	}
}

func (a *Appliance) advertisement(ip string) ([]byte, error) {
	info := api.Info{IP: ip, Hostname: a.opt.Hostname}
	if a.opt.AdvertiseID {
		info.RobotID = a.opt.BLID
	}
	attrs := map[string]interface{}{
		"ver":       "3",
		"robotname": a.opt.RobotName,
		"mac":       "50:14:79:00:00:01",
		"sw":        "sim+3.14",
		"sku":       "R98----",
		"nc":        0,
		"proto":     "mqtt",
		"cap":       map[string]int{"pose": 1, "ota": 2, "multiPass": 2, "pp": 1, "binFullDetect": 1},
	}
	info.Attrs = make(map[string]json.RawMessage, len(attrs))
	for k, v := range attrs {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, errors.Annotatef(err, "attr=%s", k)
		}
		info.Attrs[k] = raw
	}
	return json.Marshal(info)
}

type peekConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekConn) Read(b []byte) (int, error) { return c.r.Read(b) }

// chanListener hands over connections already accepted and classified as MQTT.
type chanListener struct {
	addr   net.Addr
	ch     chan net.Conn
	closed chan struct{}
	once   sync.Once
}

func newChanListener(addr net.Addr) *chanListener {
	return &chanListener{
		addr:   addr,
		ch:     make(chan net.Conn),
		closed: make(chan struct{}),
	}
}

func (l *chanListener) push(c net.Conn) bool {
	select {
	case l.ch <- c:
		return true
	case <-l.closed:
		return false
	}
}

func (l *chanListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.ch:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *chanListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *chanListener) Addr() net.Addr { return l.addr }
