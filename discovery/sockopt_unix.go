//go:build unix

package discovery

import (
	"syscall"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

func controlBroadcast(network, address string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1); serr != nil {
			serr = errors.Annotate(serr, "SO_BROADCAST")
			return
		}
		if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); serr != nil {
			serr = errors.Annotate(serr, "SO_REUSEADDR")
		}
	})
	if err != nil {
		return errors.Trace(err)
	}
	return serr
}
