package session

import "sync/atomic"

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

var stateNames = [...]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateReconnecting: "reconnecting",
	StateClosed:       "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "invalid"
	}
	return stateNames[s]
}

// stateBox allows only listed transitions, Closed is final.
type stateBox struct{ v int32 }

func (b *stateBox) load() State { return State(atomic.LoadInt32(&b.v)) }

// move sets to if current state is one of from.
func (b *stateBox) move(to State, from ...State) bool {
	for {
		cur := b.load()
		if cur == StateClosed {
			return false
		}
		ok := len(from) == 0
		for _, f := range from {
			if cur == f {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
		if atomic.CompareAndSwapInt32(&b.v, int32(cur), int32(to)) {
			return true
		}
	}
}

func (b *stateBox) close() State { return State(atomic.SwapInt32(&b.v, int32(StateClosed))) }
