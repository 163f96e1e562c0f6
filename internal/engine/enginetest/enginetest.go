// Package enginetest provides a scripted Engine for dispatcher tests.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/membraneframework/membrane-element-rtp/internal/engine"
	"github.com/membraneframework/membrane-element-rtp/internal/protocol/session"
)

// Call records one engine invocation.
type Call struct {
	Op   string
	Args []any
}

// Engine replays Packets and then Keys through the sinks on every Run.
// FailInit, FailContext and FailBind make the matching setup step fail.
type Engine struct {
	Packets [][]byte
	Keys    *session.KeySet
	RunErr  error
	// Block keeps Run alive until its context ends.
	Block bool

	FailInit    bool
	FailContext bool
	FailBind    bool

	mu    sync.Mutex
	calls []Call
	socks []*Socket
}

var _ engine.Engine = (*Engine)(nil)

func (e *Engine) record(op string, args ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, Call{Op: op, Args: args})
}

// Calls returns a copy of the recorded invocations.
func (e *Engine) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}

// Ops returns only the operation names, in call order.
func (e *Engine) Ops() []string {
	calls := e.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Op
	}
	return out
}

// Sockets returns every socket handed out by BindSocket.
func (e *Engine) Sockets() []*Socket {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Socket(nil), e.socks...)
}

func (e *Engine) Init() error {
	e.record("init")
	if e.FailInit {
		return fmt.Errorf("%w: scripted", engine.ErrInit)
	}
	return nil
}

func (e *Engine) CreateContext(certFile, keyFile string) (*engine.Context, error) {
	e.record("create_context", certFile, keyFile)
	if e.FailContext {
		return nil, fmt.Errorf("%w: scripted", engine.ErrContext)
	}
	return &engine.Context{}, nil
}

func (e *Engine) BindSocket(addr string, port int) (net.PacketConn, error) {
	e.record("bind_socket", addr, port)
	if e.FailBind {
		return nil, fmt.Errorf("%w: scripted", engine.ErrBind)
	}
	s := &Socket{addr: &net.UDPAddr{IP: net.ParseIP(addr), Port: port}}
	e.mu.Lock()
	e.socks = append(e.socks, s)
	e.mu.Unlock()
	return s, nil
}

func (e *Engine) Run(ctx context.Context, sock net.PacketConn, dc *engine.Context, timeout time.Duration, sinks engine.Sinks) error {
	e.record("run", timeout)
	if sock == nil || dc == nil {
		return engine.ErrNoContext
	}
	for _, p := range e.Packets {
		// Sinks must copy; reuse one buffer to prove it.
		buf := append(make([]byte, 0, len(p)), p...)
		if sinks.Packet != nil {
			sinks.Packet(buf)
		}
		for i := range buf {
			buf[i] = 0
		}
	}
	if e.Keys != nil && sinks.Keys != nil {
		sinks.Keys(*e.Keys)
	}
	if e.Block {
		<-ctx.Done()
	}
	return e.RunErr
}

// Socket is an in-memory packet conn that only tracks Close calls.
type Socket struct {
	addr   net.Addr
	closes atomic.Int32
}

var errSocketClosed = errors.New("enginetest: socket closed")

// Closes reports how many times Close was called.
func (s *Socket) Closes() int {
	return int(s.closes.Load())
}

func (s *Socket) ReadFrom([]byte) (int, net.Addr, error) {
	return 0, nil, errSocketClosed
}

func (s *Socket) WriteTo(p []byte, _ net.Addr) (int, error) {
	return len(p), nil
}

func (s *Socket) Close() error {
	if s.closes.Add(1) > 1 {
		return errSocketClosed
	}
	return nil
}

func (s *Socket) LocalAddr() net.Addr              { return s.addr }
func (s *Socket) SetDeadline(time.Time) error      { return nil }
func (s *Socket) SetReadDeadline(time.Time) error  { return nil }
func (s *Socket) SetWriteDeadline(time.Time) error { return nil }
