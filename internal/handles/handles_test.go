package handles

import (
	"errors"
	"testing"

	"github.com/membraneframework/membrane-element-rtp/internal/testutil/testlog"
)

// refResource counts Close calls like a reference-counted native object.
type refResource struct {
	refs   int
	closes int
	err    error
}

func (r *refResource) Close() error {
	r.closes++
	r.refs--
	return r.err
}

func TestDoubleReleaseFreesOnce(t *testing.T) {
	testlog.Start(t)
	s := NewScope()
	r := &refResource{refs: 1}
	h := s.Allocate(r)
	if err := s.MarkReleased(h); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := s.MarkReleased(h); err != nil {
		t.Fatalf("second mark: %v", err)
	}
	if s.Pending() != 1 {
		t.Fatalf("pending=%d want 1", s.Pending())
	}
	if r.closes != 0 {
		t.Fatalf("resource closed at mark time")
	}
	if err := s.Sweep(); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if r.closes != 1 || r.refs != 0 {
		t.Fatalf("closes=%d refs=%d", r.closes, r.refs)
	}
	if err := s.Sweep(); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if r.closes != 1 {
		t.Fatalf("second sweep closed again")
	}
}

func TestSweepClosesUnmarkedResources(t *testing.T) {
	testlog.Start(t)
	s := NewScope()
	var order []string
	a := closerFunc(func() error { order = append(order, "a"); return nil })
	b := closerFunc(func() error { order = append(order, "b"); return nil })
	s.Allocate(a)
	s.Allocate(b)
	if s.Len() != 2 {
		t.Fatalf("len=%d", s.Len())
	}
	if err := s.Sweep(); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(order) != 2 || order[0] != "b" || order[1] != "a" {
		t.Fatalf("close order=%v want [b a]", order)
	}
	if s.Len() != 0 || s.Pending() != 0 {
		t.Fatalf("scope not emptied")
	}
}

func TestSweepJoinsCloseErrors(t *testing.T) {
	testlog.Start(t)
	s := NewScope()
	boom := errors.New("boom")
	r := &refResource{refs: 1, err: boom}
	ok := &refResource{refs: 1}
	s.Allocate(r)
	s.Allocate(ok)
	err := s.Sweep()
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if ok.closes != 1 {
		t.Fatalf("a failing close stopped the sweep")
	}
}

func TestUnknownHandle(t *testing.T) {
	testlog.Start(t)
	s := NewScope()
	other := NewScope()
	h := other.Allocate(&refResource{})
	if _, err := s.Get(h); !errors.Is(err, ErrUnknownHandle) {
		t.Fatalf("expected ErrUnknownHandle, got %v", err)
	}
	if err := s.MarkReleased(h); !errors.Is(err, ErrUnknownHandle) {
		t.Fatalf("expected ErrUnknownHandle, got %v", err)
	}
	if (Handle{}).IsZero() != true || h.IsZero() {
		t.Fatalf("zero handle detection broken")
	}
}

func TestGetReturnsResourceUntilSwept(t *testing.T) {
	testlog.Start(t)
	s := NewScope()
	r := &refResource{refs: 1}
	h := s.Allocate(r)
	_ = s.MarkReleased(h)
	got, err := s.Get(h)
	if err != nil || got != r {
		t.Fatalf("marked handle should stay reachable until sweep: %v", err)
	}
	_ = s.Sweep()
	if _, err := s.Get(h); !errors.Is(err, ErrUnknownHandle) {
		t.Fatalf("expected swept handle to be gone")
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
