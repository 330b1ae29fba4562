package session

import "context"

// Transport contract:
// - Connect blocks until connected and subscribed, reports first failure
// - after Connect, transport reconnects by itself until Close
// - OnReady after every successful (re)connect, OnLost when ready connection drops
// - Publish fails fast while offline
type Transport interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

type Handlers struct {
	// May block, that delays further receive.
	OnMessage func(topic string, payload []byte)
	OnReady   func()
	OnLost    func(error)
}

type NewTransportFunc func(Options, Handlers) (Transport, error)
