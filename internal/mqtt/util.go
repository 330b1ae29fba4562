package mqtt

import (
	"net"
	"time"

	"github.com/temoto/roomba/helpers"
)

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

func defaultString(main, def string) string {
	if main == "" {
		return def
	}
	return main
}

func isClosedConn(e error) bool { return helpers.IsClosedConn(e) }

// [MQTT-3.1.2-24] control packets must arrive at most keepalive*1.5 apart.
func keepaliveAndHalf(sec uint16) time.Duration {
	d := time.Duration(sec) * time.Second
	return d + d/2
}
