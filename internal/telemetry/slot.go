package telemetry

import (
	"context"
	"sync"
)

// Slot holds at most one undelivered value. Offering a new value replaces
// the pending one, which is counted as dropped.
type Slot[T any] struct {
	mu      sync.Mutex
	value   T
	full    bool
	dropped uint64
	ready   chan struct{}
}

// NewSlot creates an empty slot.
func NewSlot[T any]() *Slot[T] {
	return &Slot[T]{ready: make(chan struct{}, 1)}
}

// Offer stores v, replacing any pending value. It never blocks.
// It reports whether a pending value was superseded.
func (s *Slot[T]) Offer(v T) bool {
	s.mu.Lock()
	replaced := s.full
	if replaced {
		s.dropped++
	}
	s.value = v
	s.full = true
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
	return replaced
}

// TryTake removes and returns the pending value, if any.
func (s *Slot[T]) TryTake() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	if !s.full {
		return zero, false
	}
	v := s.value
	s.value = zero
	s.full = false
	return v, true
}

// Take waits for a value or for ctx to end.
func (s *Slot[T]) Take(ctx context.Context) (T, error) {
	for {
		if v, ok := s.TryTake(); ok {
			return v, nil
		}
		select {
		case <-s.ready:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Ready is signalled after an Offer. The signal may be stale; follow it with TryTake.
func (s *Slot[T]) Ready() <-chan struct{} {
	return s.ready
}

// Pending reports whether a value is waiting.
func (s *Slot[T]) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.full
}

// Dropped returns how many values were superseded before delivery.
func (s *Slot[T]) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
