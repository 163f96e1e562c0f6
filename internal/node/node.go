// Package node makes this process an addressable peer of a host node:
// listening, distribution handshake, and message exchange on the one
// connection that follows.
package node

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/membraneframework/membrane-element-rtp/internal/auth"
	"github.com/membraneframework/membrane-element-rtp/internal/protocol/frame"
	"github.com/membraneframework/membrane-element-rtp/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

var ErrBadName = errors.New("node: invalid node name")

// Node identity and transport configuration.
type Config struct {
	Name   string
	Cookie auth.Cookie
	// Verifier checks the digest the peer answers our challenge with.
	// Nil means Cookie.
	Verifier   auth.Verifier
	Creation   uint32
	Flags      uint64
	ListenAddr string
	Limits     frame.Limits
	Session    session.Config
}

// Node defaults; identity fields stay empty and must be set by the caller.
func DefaultConfig() Config {
	return Config{
		Flags:      DefaultFlags,
		ListenAddr: ":0",
		Limits:     frame.DefaultLimits(),
		Session:    session.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Flags == 0 {
		c.Flags = d.Flags
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = d.ListenAddr
	}
	if c.Limits.MaxHandshakeBytes == 0 || c.Limits.MaxPayloadBytes == 0 {
		c.Limits = d.Limits
	}
	c.Session = c.Session.WithDefaults()
	return c
}

func (c Config) verifier() auth.Verifier {
	if c.Verifier != nil {
		return c.Verifier
	}
	return c.Cookie
}

// ValidateName checks the alive@host form.
func ValidateName(name string) error {
	alive, host, ok := strings.Cut(name, "@")
	if !ok || alive == "" || host == "" || len(name) > 255 {
		return fmt.Errorf("%w: %q", ErrBadName, name)
	}
	return nil
}

// Listener owns the OS-assigned listening port.
type Listener struct {
	ln   *net.TCPListener
	cfg  Config
	Port uint16
}

// Listen opens a TCP listener on an OS-assigned port.
func Listen(cfg Config) (*Listener, error) {
	cfg = cfg.withDefaults()
	if err := ValidateName(cfg.Name); err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("node: listen %s: %w", cfg.ListenAddr, err)
	}
	tcp := ln.(*net.TCPListener)
	port := uint16(tcp.Addr().(*net.TCPAddr).Port)
	log.Info().Str("node", cfg.Name).Uint16("port", port).Msg("node.Listen listening")
	return &Listener{ln: tcp, cfg: cfg, Port: port}, nil
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *Listener) Close() error {
	return l.ln.Close()
}

// Accept waits up to the accept timeout for exactly one peer and runs the
// handshake on it. Timeout and handshake failure are both fatal.
func (l *Listener) Accept(ctx context.Context) (*Session, error) {
	stop := context.AfterFunc(ctx, func() { _ = l.ln.Close() })
	defer stop()

	if err := l.ln.SetDeadline(time.Now().Add(l.cfg.Session.AcceptTimeout)); err != nil {
		return nil, err
	}
	conn, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("node: accept: %w", err)
	}
	_ = l.ln.SetDeadline(time.Time{})

	_ = conn.SetDeadline(time.Now().Add(l.cfg.Session.HandshakeTimeout))
	peer, err := acceptHandshake(conn, l.cfg)
	if err != nil {
		log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("node.Listener.Accept handshake")
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	log.Info().Str("peer", peer.Name).Str("remote", conn.RemoteAddr().String()).Msg("node.Listener.Accept connected")
	return newSession(conn, l.cfg, peer), nil
}

// Dial connects to a node listening on addr and runs the initiating side of
// the handshake. Host-side tooling and tests use it to drive a bridge.
func Dial(ctx context.Context, addr string, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	if err := ValidateName(cfg.Name); err != nil {
		return nil, err
	}
	d := net.Dialer{Timeout: cfg.Session.HandshakeTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("node: dial %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Now().Add(cfg.Session.HandshakeTimeout))
	peer, err := dialHandshake(conn, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return newSession(conn, cfg, peer), nil
}

func newSession(conn net.Conn, cfg Config, peer Peer) *Session {
	return &Session{
		conn: conn,
		r:    bufio.NewReader(conn),
		cfg:  cfg,
		Peer: peer,
	}
}

// Alive returns the part of a node name before '@'.
func Alive(name string) string {
	alive, _, _ := strings.Cut(name, "@")
	return alive
}
