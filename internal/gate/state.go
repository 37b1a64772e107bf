package gate

import "sync/atomic"

// atomicState holds the worker's observable state string.
type atomicState struct {
	v atomic.Value
}

func (s *atomicState) store(state string) {
	s.v.Store(state)
}

func (s *atomicState) load() string {
	if v, ok := s.v.Load().(string); ok {
		return v
	}
	return StateIdle
}
