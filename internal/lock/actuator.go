// Package lock holds the physical actuator abstraction and the leases used
// to keep grant sessions exclusive.
package lock

import (
	"log"
	"sync"
)

// Actuator drives a two-state lock.  Both calls are synchronous and
// idempotent.
type Actuator interface {
	Engage() error
	Disengage() error
}

// Simulated is a logging stand-in for a GPIO-driven strike.  It starts
// engaged.
type Simulated struct {
	mu      sync.Mutex
	pin     int
	engaged bool
	logger  *log.Logger
}

func NewSimulated(pin int, logger *log.Logger) *Simulated {
	logger.Printf("simulated actuator ready on gpio pin %d", pin)
	return &Simulated{pin: pin, engaged: true, logger: logger}
}

func (s *Simulated) Engage() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engaged {
		s.logger.Printf("actuator pin=%d already engaged", s.pin)
		return nil
	}
	s.logger.Printf("actuator pin=%d engage", s.pin)
	s.engaged = true
	return nil
}

func (s *Simulated) Disengage() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.engaged {
		s.logger.Printf("actuator pin=%d already disengaged", s.pin)
		return nil
	}
	s.logger.Printf("actuator pin=%d disengage", s.pin)
	s.engaged = false
	return nil
}
