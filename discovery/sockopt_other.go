//go:build !unix

package discovery

import "syscall"

// Go runtime enables broadcast on datagram sockets by default.
func controlBroadcast(network, address string, c syscall.RawConn) error { return nil }
