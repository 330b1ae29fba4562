package mqtt

import (
	"fmt"
	"unicode/utf8"

	"github.com/256dpi/gomqtt/packet"
)

// PacketString is packet.Generic.String with readable PUBLISH payload.
func PacketString(p packet.Generic) string {
	if p == nil {
		return "(nil)"
	}
	if pub, ok := p.(*packet.Publish); ok {
		return fmt.Sprintf("<Publish ID=%d Dup=%t %s>", pub.ID, pub.Dup, MessageString(&pub.Message))
	}
	return p.String()
}

// MessageString prints JSON payloads as text, anything else as hex.
func MessageString(m *packet.Message) string {
	if m == nil {
		return "message=nil"
	}
	if utf8.Valid(m.Payload) {
		return fmt.Sprintf("Topic=%q QOS=%d Retain=%t Payload=%q", m.Topic, m.QOS, m.Retain, m.Payload)
	}
	return fmt.Sprintf("Topic=%q QOS=%d Retain=%t Payload=%x", m.Topic, m.QOS, m.Retain, m.Payload)
}
