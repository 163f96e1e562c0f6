// Package engine is the boundary to the DTLS-SRTP handshake engine. The
// bridge only sees the Engine interface; DTLS implements it on pion.
package engine

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"

	"github.com/membraneframework/membrane-element-rtp/internal/protocol/session"
	"github.com/pion/dtls/v3"
)

// DefaultTimeout bounds a single DTLS handshake.
const DefaultTimeout = 5 * time.Second

// Setup failures. Their text is what the host process sees in {error, Reason}.
var (
	ErrInit    = errors.New("SSL init failed")
	ErrContext = errors.New("Reading SSL context failed")
	ErrBind    = errors.New("Binding on socket failed")
)

var (
	ErrNoContext  = errors.New("engine: missing dtls context")
	ErrPeerClosed = errors.New("engine: dtls peer closed")
)

// Sinks receive engine output. Both are called on the goroutine that
// invoked Run, zero or more times. Slices are only valid during the call.
type Sinks struct {
	Packet func(pkt []byte)
	Keys   func(keys session.KeySet)
}

func (s Sinks) packet(pkt []byte) {
	if s.Packet != nil {
		s.Packet(pkt)
	}
}

func (s Sinks) keys(k session.KeySet) {
	if s.Keys != nil {
		s.Keys(k)
	}
}

// Context is the server-side DTLS configuration built from one key pair.
type Context struct {
	Config      *dtls.Config
	Certificate tls.Certificate
}

// Close exists so a Context can live in a handle scope. It holds no OS
// resources.
func (c *Context) Close() error {
	return nil
}

type Engine interface {
	Init() error
	CreateContext(certFile, keyFile string) (*Context, error)
	BindSocket(addr string, port int) (net.PacketConn, error)
	Run(ctx context.Context, sock net.PacketConn, dc *Context, timeout time.Duration, sinks Sinks) error
}
