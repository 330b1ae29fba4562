// Package credential retrieves appliance MQTT password with binary request over TLS.
// Appliance answers only while in pairing mode (HOME button held until it beeps).
package credential

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"
	"unicode/utf8"

	"github.com/juju/errors"
	"github.com/temoto/roomba/api"
	"github.com/temoto/roomba/helpers"
	"github.com/temoto/roomba/internal/trust"
	"github.com/temoto/roomba/log2"
)

const (
	DefaultPort        = "8883"
	DefaultDialTimeout = 10 * time.Second
	DefaultReadTimeout = 3 * time.Second
	DefaultAttempts    = 3

	maxResponse = 1024
)

// Probe is password request frame.
var Probe = []byte{0xf0, 0x05, 0xef, 0xcc, 0x3b, 0x29, 0x00}

// TLSError is handshake failure. Not retried.
type TLSError struct {
	Address string
	Err     error
}

func (e *TLSError) Error() string { return fmt.Sprintf("tls handshake address=%s err=%v", e.Address, e.Err) }
func (e *TLSError) Unwrap() error { return e.Err }

type ParseFunc func(data []byte) (string, bool)

// Retriever zero value is ready to use with defaults.
type Retriever struct {
	Port        string
	DialTimeout time.Duration
	ReadTimeout time.Duration // per read
	Attempts    int           // write+read exchanges on one connection
	TLS         *tls.Config   // nil: trust.InsecureApplianceConfig()
	// Parse extracts password from raw response, default ParsePassword.
	// Firmware with different response layout may need its own.
	Parse ParseFunc
	Log   *log2.Log
}

func Retrieve(ctx context.Context, address string) (string, error) {
	var r Retriever
	return r.Retrieve(ctx, address)
}

// Retrieve connects to address (default port 8883) and asks for password.
// Read failures and unparseable responses are retried on same connection.
func (r *Retriever) Retrieve(ctx context.Context, address string) (string, error) {
	addr := hostPort(address, defaultString(r.Port, DefaultPort))
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	parse := r.Parse
	if parse == nil {
		parse = ParsePassword
	}
	readTimeout := helpers.DurationDefault(r.ReadTimeout, DefaultReadTimeout)

	conn, err := r.dial(ctx, addr)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	stopch := make(chan struct{})
	defer close(stopch)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stopch:
		}
	}()

	var lastErr error
	for i := 1; i <= attempts; i++ {
		data, err := exchange(conn, readTimeout)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		if err == nil {
			if password, ok := parse(data); ok {
				r.Log.Debugf("credential address=%s attempt=%d ok", addr, i)
				return password, nil
			}
			err = &api.DecodeError{What: "password response", Data: data}
		}
		lastErr = errors.Annotatef(err, "attempt=%d", i)
		r.Log.Debugf("credential address=%s %v", addr, lastErr)
	}
	return "", errors.Annotatef(lastErr, "credential address=%s", addr)
}

func (r *Retriever) dial(ctx context.Context, addr string) (*tls.Conn, error) {
	d := net.Dialer{Timeout: helpers.DurationDefault(r.DialTimeout, DefaultDialTimeout)}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "credential dial address=%s", addr)
	}
	config := r.TLS
	if config == nil {
		config = trust.InsecureApplianceConfig()
	}
	conn := tls.Client(raw, config)
	hctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()
	if err := conn.HandshakeContext(hctx); err != nil {
		_ = raw.Close()
		return nil, &TLSError{Address: addr, Err: err}
	}
	return conn, nil
}

// exchange writes probe and reads response until EOF, complete frame or silence.
// Timeout without any data is an error.
func exchange(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return nil, errors.Annotate(err, "SetWriteDeadline")
	}
	if _, err := conn.Write(Probe); err != nil {
		return nil, errors.Annotate(err, "write")
	}

	var buf bytes.Buffer
	chunk := make([]byte, 256)
	for buf.Len() < maxResponse {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, errors.Annotate(err, "SetReadDeadline")
		}
		n, err := conn.Read(chunk)
		buf.Write(chunk[:n])
		if err == nil {
			if frameComplete(buf.Bytes()) {
				break
			}
			continue
		}
		if buf.Len() > 0 {
			if err == io.EOF {
				break
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				break
			}
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, errors.NewTimeout(err, "read")
		}
		return nil, errors.Annotate(err, "read")
	}
	return buf.Bytes(), nil
}

// frameComplete checks declared length: F0 <len> ... where len counts bytes after itself.
func frameComplete(b []byte) bool {
	if len(b) < 2 || b[0] != Probe[0] {
		return false
	}
	return len(b) >= int(b[1])+2 && b[len(b)-1] == 0
}

// ParsePassword splits data on NUL and returns last non-empty segment that is valid UTF-8.
func ParsePassword(data []byte) (string, bool) {
	segments := bytes.Split(data, []byte{0})
	for i := len(segments) - 1; i >= 0; i-- {
		s := segments[i]
		if len(s) != 0 && utf8.Valid(s) {
			return string(s), true
		}
	}
	return "", false
}

func hostPort(address, port string) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(address, port)
}

func defaultString(main, def string) string {
	if main == "" {
		return def
	}
	return main
}
