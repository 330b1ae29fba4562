package session

import (
	"fmt"

	"github.com/juju/errors"
	"github.com/temoto/roomba/api"
)

var ErrClosed = errors.New("session closed")

// ConnectError is initial handshake or subscription failure.
type ConnectError struct {
	Address string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("session connect address=%s err=%v", e.Address, e.Err)
}
func (e *ConnectError) Unwrap() error { return e.Err }

// SendError is command publish failure. Session remains usable.
type SendError struct {
	Command api.Command
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("session send command=%s err=%v", e.Command.String(), e.Err)
}
func (e *SendError) Unwrap() error { return e.Err }
