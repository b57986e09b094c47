// Package connection tracks broker connectivity. The Handler is the only
// writer of State; everything else reads it through Status.
package connection

import (
	"fmt"
	"sync/atomic"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Status holds the process-wide connection state. The zero value is
// StateDisconnected.
type Status struct {
	v atomic.Int32
}

func (s *Status) Load() State {
	return State(s.v.Load())
}

func (s *Status) Connected() bool {
	return s.Load() == StateConnected
}

func (s *Status) store(st State) {
	s.v.Store(int32(st))
}
