package engine

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/pion/transport/v4/deadline"
	"github.com/rs/zerolog/log"
)

// maxDatagram is large enough for any UDP payload.
const maxDatagram = 65535

// Content classes by first byte, as multiplexed on one media port (RFC 7983).
const (
	classOther = iota
	classDTLS
	classRTP
)

func classify(b []byte) int {
	if len(b) == 0 {
		return classOther
	}
	switch c := b[0]; {
	case c >= 20 && c <= 63:
		return classDTLS
	case c >= 128 && c <= 191:
		return classRTP
	default:
		return classOther
	}
}

type datagram struct {
	data []byte
	from net.Addr
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "engine: i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

// demuxConn is the packet conn pion sees. It only yields DTLS records that
// the pump routed to it and writes straight through to the socket. Closing
// it leaves the socket open; the socket belongs to the caller.
type demuxConn struct {
	sock  net.PacketConn
	inbox chan datagram

	readDeadline *deadline.Deadline

	closeOnce sync.Once
	closed    chan struct{}
}

func newDemuxConn(sock net.PacketConn) *demuxConn {
	return &demuxConn{
		sock:         sock,
		inbox:        make(chan datagram, 64),
		readDeadline: deadline.New(),
		closed:       make(chan struct{}),
	}
}

// deliver hands one DTLS datagram to the reader side. A full inbox drops
// the record; DTLS retransmits.
func (d *demuxConn) deliver(dg datagram) {
	select {
	case d.inbox <- dg:
	case <-d.closed:
	default:
		log.Debug().Int("bytes", len(dg.data)).Msg("engine.demuxConn.deliver inbox full")
	}
}

func (d *demuxConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case <-d.closed:
		return 0, nil, net.ErrClosed
	default:
	}
	select {
	case dg := <-d.inbox:
		return copy(p, dg.data), dg.from, nil
	case <-d.readDeadline.Done():
		return 0, nil, timeoutError{}
	case <-d.closed:
		return 0, nil, net.ErrClosed
	}
}

func (d *demuxConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-d.closed:
		return 0, net.ErrClosed
	default:
	}
	return d.sock.WriteTo(p, addr)
}

func (d *demuxConn) Close() error {
	d.closeOnce.Do(func() { close(d.closed) })
	return nil
}

func (d *demuxConn) LocalAddr() net.Addr {
	return d.sock.LocalAddr()
}

func (d *demuxConn) SetDeadline(t time.Time) error {
	d.readDeadline.Set(t)
	return d.sock.SetWriteDeadline(t)
}

func (d *demuxConn) SetReadDeadline(t time.Time) error {
	d.readDeadline.Set(t)
	return nil
}

func (d *demuxConn) SetWriteDeadline(t time.Time) error {
	return d.sock.SetWriteDeadline(t)
}

// pump reads the socket until it fails or stop closes. The first DTLS
// sender becomes the peer; datagrams from anyone else are dropped.
// Interrupting a blocked read is done by the caller through a socket
// deadline.
func pump(sock net.PacketConn, mux *demuxConn, peer chan<- net.Addr, media chan<- []byte, stop <-chan struct{}) error {
	buf := make([]byte, maxDatagram)
	var locked net.Addr
	for {
		n, from, err := sock.ReadFrom(buf)
		if err != nil {
			select {
			case <-stop:
				return nil
			default:
			}
			return err
		}
		if n == 0 {
			continue
		}
		pkt := buf[:n]
		if locked != nil && from.String() != locked.String() {
			log.Debug().Str("from", from.String()).Msg("engine.pump foreign datagram dropped")
			continue
		}
		switch classify(pkt) {
		case classDTLS:
			if locked == nil {
				locked = from
				select {
				case peer <- from:
				case <-stop:
					return nil
				}
			}
			mux.deliver(datagram{data: append([]byte(nil), pkt...), from: from})
		case classRTP:
			if locked == nil {
				continue
			}
			select {
			case media <- append([]byte(nil), pkt...):
			case <-stop:
				return nil
			}
		default:
			log.Debug().Int("first", int(pkt[0])).Msg("engine.pump unclassified datagram dropped")
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
