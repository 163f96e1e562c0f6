// Package epmd registers the node with the local port mapper daemon.
package epmd

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/membraneframework/membrane-element-rtp/internal/protocol/frame"
	"github.com/membraneframework/membrane-element-rtp/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPort = 4369
	EnvPort     = "ERL_EPMD_PORT"

	alive2Req    byte = 120
	alive2Resp   byte = 121
	alive2XResp  byte = 118
	nodeHidden   byte = 72
	protocolTCP  byte = 0
	highestVer        = 6
	lowestVer         = 5
	maxAliveName      = 255
)

var (
	ErrRejected       = errors.New("epmd: registration rejected")
	ErrUnexpectedResp = errors.New("epmd: unexpected response")
	ErrBadName        = errors.New("epmd: invalid alive name")
)

// DefaultAddr is 127.0.0.1 on the port from ERL_EPMD_PORT or 4369.
func DefaultAddr() string {
	port := DefaultPort
	if raw := os.Getenv(EnvPort); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 65535 {
			port = v
		}
	}
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

type Client struct {
	Addr    string
	Timeout time.Duration
}

func NewClient(addr string) *Client {
	if addr == "" {
		addr = DefaultAddr()
	}
	return &Client{Addr: addr, Timeout: 5 * time.Second}
}

// Registration keeps the EPMD connection open. Closing it unpublishes the node.
type Registration struct {
	conn     net.Conn
	Creation uint32
}

func (r *Registration) Close() error {
	if r == nil || r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

// Register publishes alive as a hidden node listening on port.
func (c *Client) Register(ctx context.Context, alive string, port uint16) (*Registration, error) {
	if alive == "" || len(alive) > maxAliveName {
		return nil, fmt.Errorf("%w: %q", ErrBadName, alive)
	}
	d := net.Dialer{Timeout: c.Timeout}
	conn, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return nil, fmt.Errorf("epmd: dial %s: %w", c.Addr, err)
	}
	if c.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.Timeout))
	}
	creation, err := register(conn, alive, port)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	log.Info().Str("alive", alive).Uint16("port", port).Uint32("creation", creation).Str("epmd", c.Addr).Msg("epmd.Client.Register ok")
	return &Registration{conn: conn, Creation: creation}, nil
}

// RegisterRetry retries Register with backoff while EPMD is unreachable or busy.
func (c *Client) RegisterRetry(ctx context.Context, alive string, port uint16, cfg session.BackoffConfig, attempts int) (*Registration, error) {
	if alive == "" || len(alive) > maxAliveName {
		return nil, fmt.Errorf("%w: %q", ErrBadName, alive)
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var reg *Registration
	err := session.Retry(ctx, cfg, attempts, rng, func(attempt int) error {
		r, err := c.Register(ctx, alive, port)
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("epmd.Client.RegisterRetry failed")
			return err
		}
		reg = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reg, nil
}

// EncodeAlive2 builds the ALIVE2_REQ body (without its length prefix).
func EncodeAlive2(alive string, port uint16) []byte {
	buf := make([]byte, 0, 13+len(alive))
	buf = append(buf, alive2Req)
	buf = binary.BigEndian.AppendUint16(buf, port)
	buf = append(buf, nodeHidden, protocolTCP)
	buf = binary.BigEndian.AppendUint16(buf, highestVer)
	buf = binary.BigEndian.AppendUint16(buf, lowestVer)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(alive)))
	buf = append(buf, alive...)
	buf = binary.BigEndian.AppendUint16(buf, 0)
	return buf
}

func register(conn net.Conn, alive string, port uint16) (uint32, error) {
	if err := frame.WriteHandshake(conn, EncodeAlive2(alive, port), frame.Limits{MaxHandshakeBytes: 512}); err != nil {
		return 0, fmt.Errorf("epmd: send alive2: %w", err)
	}
	var head [2]byte
	if _, err := io.ReadFull(conn, head[:]); err != nil {
		return 0, fmt.Errorf("epmd: read alive2 response: %w", err)
	}
	if head[1] != 0 {
		return 0, fmt.Errorf("%w: result=%d", ErrRejected, head[1])
	}
	switch head[0] {
	case alive2XResp:
		var c [4]byte
		if _, err := io.ReadFull(conn, c[:]); err != nil {
			return 0, fmt.Errorf("epmd: read creation: %w", err)
		}
		return binary.BigEndian.Uint32(c[:]), nil
	case alive2Resp:
		var c [2]byte
		if _, err := io.ReadFull(conn, c[:]); err != nil {
			return 0, fmt.Errorf("epmd: read creation: %w", err)
		}
		return uint32(binary.BigEndian.Uint16(c[:])), nil
	default:
		return 0, fmt.Errorf("%w: tag=%d", ErrUnexpectedResp, head[0])
	}
}
