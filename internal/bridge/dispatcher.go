// Package bridge runs the request loop between the connected host node and
// the DTLS engine. Everything here happens on one goroutine: receive,
// decode, dispatch, engine run and event emission.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/membraneframework/membrane-element-rtp/internal/engine"
	"github.com/membraneframework/membrane-element-rtp/internal/handles"
	"github.com/membraneframework/membrane-element-rtp/internal/node"
	"github.com/membraneframework/membrane-element-rtp/internal/observability"
	"github.com/membraneframework/membrane-element-rtp/internal/protocol/etf"
	"github.com/membraneframework/membrane-element-rtp/internal/protocol/schema"
	"github.com/membraneframework/membrane-element-rtp/internal/protocol/session"
	"github.com/membraneframework/membrane-element-rtp/internal/server"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ReasonInternal is reported to the host when an operation panics.
const ReasonInternal = "internal error"

// Conn is the connected peer as the dispatcher uses it. *node.Session
// satisfies it.
type Conn interface {
	session.Sender
	Receive(timeout time.Duration) (node.Received, error)
	KeepAlive(ctx context.Context, interval time.Duration) error
}

type Options struct {
	Session session.Config
	// Node and Peer only label status output.
	Node string
	Peer string
}

type Dispatcher struct {
	conn   Conn
	engine engine.Engine
	opts   Options

	requests  atomic.Uint64
	running   atomic.Bool
	connected atomic.Bool
}

func New(conn Conn, eng engine.Engine, opts Options) *Dispatcher {
	opts.Session = opts.Session.WithDefaults()
	observability.RegisterMetrics()
	return &Dispatcher{conn: conn, engine: eng, opts: opts}
}

// Serve loops until ctx ends or the transport fails. Decode and dispatch
// faults are reported to the requester and never end the loop.
func (d *Dispatcher) Serve(ctx context.Context) error {
	d.connected.Store(true)
	defer d.connected.Store(false)

	for {
		if ctx.Err() != nil {
			return nil
		}
		rcv, err := d.conn.Receive(d.opts.Session.ReceiveTimeout)
		if err != nil {
			log.Error().Err(err).Msg("bridge.Dispatcher.Serve receive")
			return err
		}
		if rcv.Kind != node.KindMessage {
			continue
		}
		if err := d.handle(ctx, rcv.Message); err != nil {
			return err
		}
	}
}

// Status is safe to call from any goroutine.
func (d *Dispatcher) Status() server.Status {
	st := server.Status{
		Node:      d.opts.Node,
		Peer:      d.opts.Peer,
		Connected: d.connected.Load(),
		Engine:    "idle",
		Requests:  d.requests.Load(),
	}
	if d.running.Load() {
		st.Engine = "running"
	}
	return st
}

func (d *Dispatcher) emitter(to etf.Pid) session.Emitter {
	return session.Emitter{
		Sender:  d.conn,
		To:      to,
		OnEvent: func(tag etf.Atom) { observability.RecordEvent(string(tag)) },
	}
}

// handle returns an error only when the transport can no longer be used.
func (d *Dispatcher) handle(ctx context.Context, msg node.Message) error {
	if msg.From == (etf.Pid{}) {
		log.Warn().Int("bytes", len(msg.Payload)).Msg("bridge.Dispatcher.handle message without sender dropped")
		return nil
	}
	em := d.emitter(msg.From)
	d.requests.Add(1)

	req, err := session.DecodeRequest(msg.Payload)
	if err != nil {
		var unknown *session.UnknownOperationError
		if errors.As(err, &unknown) {
			observability.RecordRequest(unknown.Name, "unknown")
			log.Warn().Str("operation", unknown.Name).Str("from", msg.From.String()).Msg("bridge.Dispatcher.handle unknown operation")
			return em.Error(unknown.Error())
		}
		observability.RecordDecodeError()
		log.Warn().Err(err).Str("from", msg.From.String()).Msg("bridge.Dispatcher.handle decode")
		return em.Error(err.Error())
	}
	return d.execute(ctx, req, em)
}

// execute runs one request inside a fresh handle scope. The scope is swept
// on every exit path, panics included.
func (d *Dispatcher) execute(ctx context.Context, req session.Request, em session.Emitter) (err error) {
	scope := handles.NewScope()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("operation", req.Name()).Msg("bridge.Dispatcher.execute recovered")
			observability.RecordRequest(req.Name(), "error")
			err = em.Error(ReasonInternal)
		}
		if serr := scope.Sweep(); serr != nil {
			log.Warn().Err(serr).Str("operation", req.Name()).Msg("bridge.Dispatcher.execute sweep")
		}
	}()

	log.Debug().Str("operation", req.Name()).Int("args", len(req.Args)).Msg("bridge.Dispatcher.execute")
	switch req.Name() {
	case schema.OpPing:
		observability.RecordRequest(req.Name(), "ok")
		return em.Emit(session.Ack())
	case schema.OpStartServer:
		return d.startServer(ctx, req, scope, em)
	default:
		// Decode already rejected names outside the table.
		return em.Error((&session.UnknownOperationError{Name: req.Name()}).Error())
	}
}

func (d *Dispatcher) setupFailed(em session.Emitter, op string, reason, err error) error {
	log.Warn().Err(err).Str("operation", op).Msg("bridge.Dispatcher.startServer setup")
	observability.RecordRequest(op, "error")
	return em.Error(reason.Error())
}

func (d *Dispatcher) startServer(ctx context.Context, req session.Request, scope *handles.Scope, em session.Emitter) error {
	var (
		certFile = string(req.Binary(0))
		keyFile  = string(req.Binary(1))
		addr     = string(req.Binary(2))
		port     = int(req.Integer(3))
	)

	if err := d.engine.Init(); err != nil {
		return d.setupFailed(em, req.Name(), engine.ErrInit, err)
	}
	dc, err := d.engine.CreateContext(certFile, keyFile)
	if err != nil {
		return d.setupFailed(em, req.Name(), engine.ErrContext, err)
	}
	scope.Allocate(dc)
	sock, err := d.engine.BindSocket(addr, port)
	if err != nil {
		return d.setupFailed(em, req.Name(), engine.ErrBind, err)
	}
	sockHandle := scope.Allocate(sock)

	if err := em.Emit(session.ServerRunning()); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	// Peer ticks go unanswered while the engine blocks; send our own.
	g.Go(func() error {
		return d.conn.KeepAlive(gctx, d.opts.Session.TickInterval)
	})

	var sendErr error
	emit := func(ev session.Event) {
		if sendErr != nil {
			return
		}
		if err := em.Emit(ev); err != nil {
			sendErr = err
			cancel()
		}
	}
	sinks := engine.Sinks{
		Packet: func(pkt []byte) { emit(session.PacketEvent(pkt)) },
		Keys:   func(k session.KeySet) { emit(session.KeySetEvent(k)) },
	}

	d.running.Store(true)
	defer d.running.Store(false)
	started := time.Now()
	log.Info().Str("addr", sock.LocalAddr().String()).Str("to", em.To.String()).Msg("bridge.Dispatcher.startServer running")
	runErr := d.engine.Run(gctx, sock, dc, d.opts.Session.EngineTimeout, sinks)
	cancel()
	keepErr := g.Wait()
	if err := scope.MarkReleased(sockHandle); err != nil {
		log.Warn().Err(err).Msg("bridge.Dispatcher.startServer release")
	}

	observability.RecordEngineRun(time.Since(started), runErr == nil)
	switch {
	case sendErr != nil:
		return sendErr
	case keepErr != nil:
		return keepErr
	case runErr != nil:
		observability.RecordRequest(req.Name(), "error")
		log.Error().Err(runErr).Msg("bridge.Dispatcher.startServer engine")
		return fmt.Errorf("bridge: engine run: %w", runErr)
	}
	observability.RecordRequest(req.Name(), "ok")
	log.Info().Dur("elapsed", time.Since(started)).Msg("bridge.Dispatcher.startServer finished")
	return nil
}
