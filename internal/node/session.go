package node

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/membraneframework/membrane-element-rtp/internal/protocol/etf"
	"github.com/membraneframework/membrane-element-rtp/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed    = errors.New("node: connection closed")
	ErrMalformed = errors.New("node: malformed distribution message")
)

// Kind classifies one Receive outcome.
type Kind int

const (
	KindTimeout Kind = iota
	KindTick
	KindMessage
	KindControl
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindTick:
		return "tick"
	case KindMessage:
		return "message"
	case KindControl:
		return "control"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Message is a term addressed to this node. To is an etf.Pid for SEND and
// an etf.Atom for REG_SEND. Payload still carries its version byte.
type Message struct {
	From    etf.Pid
	To      etf.Term
	Payload []byte
}

type Received struct {
	Kind    Kind
	Message Message
	Control int64
}

// Session is the single connected peer. Reads happen on one goroutine; writes
// are serialized so a keep-alive ticker can share the connection.
type Session struct {
	conn net.Conn
	r    *bufio.Reader
	cfg  Config
	Peer Peer

	id      uuid.UUID
	idOnce  sync.Once
	writeMu sync.Mutex
}

// ID is a random identifier used to correlate logs and metrics.
func (s *Session) ID() uuid.UUID {
	s.idOnce.Do(func() { s.id = uuid.New() })
	return s.id
}

// Self is the pseudo pid this node uses as a sender.
func (s *Session) Self() etf.Pid {
	return etf.Pid{Node: etf.Atom(s.cfg.Name), ID: 1, Creation: s.cfg.Creation}
}

func (s *Session) Close() error {
	return s.conn.Close()
}

// Receive waits up to timeout for the next frame. A timeout with no bytes
// received is not an error. Ticks are echoed before returning.
func (s *Session) Receive(timeout time.Duration) (Received, error) {
	if timeout <= 0 {
		timeout = s.cfg.Session.ReceiveTimeout
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(timeout))
	if _, err := s.r.Peek(1); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return Received{Kind: KindTimeout}, nil
		}
		return Received{}, s.fatal(err)
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.Session.FrameTimeout))
	fr, err := frame.ReadFrame(s.r, s.cfg.Limits)
	if err != nil {
		return Received{}, s.fatal(err)
	}
	if fr.Tick {
		if err := s.writeTick(); err != nil {
			return Received{}, s.fatal(err)
		}
		return Received{Kind: KindTick}, nil
	}
	return s.parse(fr.Payload)
}

func (s *Session) parse(payload []byte) (Received, error) {
	body, err := frame.SplitPassThrough(payload)
	if err != nil {
		return Received{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	d := etf.NewDecoder(body)
	if err := d.Version(); err != nil {
		return Received{}, fmt.Errorf("%w: control: %w", ErrMalformed, err)
	}
	ctl, err := d.Term()
	if err != nil {
		return Received{}, fmt.Errorf("%w: control: %w", ErrMalformed, err)
	}
	c, err := parseControl(ctl)
	if err != nil {
		return Received{}, err
	}
	if !c.carriesPayload {
		log.Debug().Int64("op", c.op).Msg("node.Session.Receive ignoring control")
		return Received{Kind: KindControl, Control: c.op}, nil
	}
	if d.Len() == 0 {
		return Received{}, fmt.Errorf("%w: control %d without payload", ErrMalformed, c.op)
	}
	msg := c.msg
	msg.Payload = d.Rest()
	return Received{Kind: KindMessage, Message: msg, Control: c.op}, nil
}

func (s *Session) fatal(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return err
}

// Send delivers payload (a versioned term) to pid using SEND.
func (s *Session) Send(to etf.Pid, payload []byte) error {
	enc := etf.NewMessage()
	enc.TupleHeader(3)
	enc.Integer(ctrlSend)
	enc.Atom("")
	enc.Pid(to)
	return s.writeControl(enc, payload)
}

// SendReg delivers payload to a registered name on the peer using REG_SEND.
func (s *Session) SendReg(from etf.Pid, to etf.Atom, payload []byte) error {
	enc := etf.NewMessage()
	enc.TupleHeader(4)
	enc.Integer(ctrlRegSend)
	enc.Pid(from)
	enc.Atom("")
	enc.Atom(to)
	return s.writeControl(enc, payload)
}

func (s *Session) writeControl(enc *etf.Encoder, payload []byte) error {
	ctl, err := enc.Bytes()
	if err != nil {
		return err
	}
	buf := make([]byte, 0, 1+len(ctl)+len(payload))
	buf = append(buf, frame.PassThrough)
	buf = append(buf, ctl...)
	buf = append(buf, payload...)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.Session.WriteTimeout))
	if err := frame.WriteFrame(s.conn, buf, s.cfg.Limits); err != nil {
		return s.fatal(err)
	}
	return nil
}

func (s *Session) writeTick() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.Session.WriteTimeout))
	return frame.WriteTick(s.conn)
}

// KeepAlive writes a tick every interval until ctx ends or a write fails.
// The dispatcher runs it while blocked in the engine, when peer ticks go
// unanswered.
func (s *Session) KeepAlive(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = s.cfg.Session.TickInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := s.writeTick(); err != nil {
				log.Warn().Err(err).Msg("node.Session.KeepAlive tick failed")
				return s.fatal(err)
			}
		}
	}
}
