// Package handles scopes call-owned resources behind opaque tokens.
//
// Release is two-phase: MarkReleased only records intent, and Sweep closes
// everything at the end of the call. A resource a callback may still touch
// is never closed early.
package handles

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var ErrUnknownHandle = errors.New("handles: unknown handle")

// Handle is an opaque token; it carries no address.
type Handle struct {
	id uuid.UUID
}

func (h Handle) String() string {
	return h.id.String()
}

func (h Handle) IsZero() bool {
	return h.id == uuid.Nil
}

// Scope owns the handles of one dispatched call. It is confined to the
// dispatcher goroutine and does no locking.
type Scope struct {
	order        []Handle
	live         map[Handle]io.Closer
	released     map[Handle]struct{}
	pendingOrder []Handle
}

func NewScope() *Scope {
	return &Scope{
		live:     make(map[Handle]io.Closer),
		released: make(map[Handle]struct{}),
	}
}

// Allocate registers resource and returns its handle.
func (s *Scope) Allocate(resource io.Closer) Handle {
	h := Handle{id: uuid.New()}
	s.order = append(s.order, h)
	s.live[h] = resource
	return h
}

func (s *Scope) Get(h Handle) (io.Closer, error) {
	r, ok := s.live[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	return r, nil
}

// MarkReleased queues h for the sweep. Marking twice is a no-op.
func (s *Scope) MarkReleased(h Handle) error {
	if _, ok := s.live[h]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	if _, dup := s.released[h]; dup {
		return nil
	}
	s.released[h] = struct{}{}
	s.pendingOrder = append(s.pendingOrder, h)
	return nil
}

// Len reports live handles, including ones marked but not yet swept.
func (s *Scope) Len() int {
	return len(s.live)
}

// Pending reports handles marked for release.
func (s *Scope) Pending() int {
	return len(s.released)
}

// Sweep closes marked resources first, then every remaining live resource in
// reverse allocation order, each exactly once, and empties the scope.
func (s *Scope) Sweep() error {
	var errs []error
	closeOne := func(h Handle) {
		r, ok := s.live[h]
		if !ok {
			return
		}
		delete(s.live, h)
		if r == nil {
			return
		}
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("handles: close %s: %w", h, err))
		}
	}
	for _, h := range s.pendingOrder {
		closeOne(h)
	}
	for i := len(s.order) - 1; i >= 0; i-- {
		closeOne(s.order[i])
	}
	swept := len(s.order)
	s.order = nil
	s.pendingOrder = nil
	clear(s.live)
	clear(s.released)
	if swept > 0 {
		log.Debug().Int("handles", swept).Int("errors", len(errs)).Msg("handles.Scope.Sweep")
	}
	return errors.Join(errs...)
}
