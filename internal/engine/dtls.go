package engine

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/membraneframework/membrane-element-rtp/internal/protocol/session"
	"github.com/pion/dtls/v3"
	pionlog "github.com/pion/logging"
	"github.com/pion/srtp/v3"
	"github.com/rs/zerolog/log"
)

// DefaultProfiles are offered in preference order.
var DefaultProfiles = []dtls.SRTPProtectionProfile{
	dtls.SRTP_AES128_CM_HMAC_SHA1_80,
	dtls.SRTP_AEAD_AES_128_GCM,
}

var profileNames = map[string]dtls.SRTPProtectionProfile{
	"SRTP_AES128_CM_HMAC_SHA1_80": dtls.SRTP_AES128_CM_HMAC_SHA1_80,
	"SRTP_AES128_CM_HMAC_SHA1_32": dtls.SRTP_AES128_CM_HMAC_SHA1_32,
	"SRTP_AEAD_AES_128_GCM":       dtls.SRTP_AEAD_AES_128_GCM,
	"SRTP_AEAD_AES_256_GCM":       dtls.SRTP_AEAD_AES_256_GCM,
}

var ErrUnknownProfile = errors.New("engine: unknown srtp protection profile")

// ParseProfiles maps configuration names to protection profiles.
func ParseProfiles(names []string) ([]dtls.SRTPProtectionProfile, error) {
	out := make([]dtls.SRTPProtectionProfile, 0, len(names))
	for _, name := range names {
		p, ok := profileNames[strings.ToUpper(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
		}
		out = append(out, p)
	}
	return out, nil
}

// DTLS is the pion-backed engine.
type DTLS struct {
	Profiles      []dtls.SRTPProtectionProfile
	LoggerFactory pionlog.LoggerFactory
	MTU           int
}

var _ Engine = (*DTLS)(nil)

func NewDTLS(lf pionlog.LoggerFactory) *DTLS {
	return &DTLS{Profiles: DefaultProfiles, LoggerFactory: lf}
}

// Init checks that every offered profile has known key and salt lengths.
func (e *DTLS) Init() error {
	if len(e.Profiles) == 0 {
		return fmt.Errorf("%w: no srtp profiles", ErrInit)
	}
	for _, p := range e.Profiles {
		sp := srtp.ProtectionProfile(p)
		if _, err := sp.KeyLen(); err != nil {
			return fmt.Errorf("%w: %w", ErrInit, err)
		}
		if _, err := sp.SaltLen(); err != nil {
			return fmt.Errorf("%w: %w", ErrInit, err)
		}
	}
	return nil
}

func (e *DTLS) CreateContext(certFile, keyFile string) (*Context, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		log.Warn().Err(err).Str("cert", certFile).Str("key", keyFile).Msg("engine.DTLS.CreateContext")
		return nil, fmt.Errorf("%w: %w", ErrContext, err)
	}
	cfg := &dtls.Config{
		Certificates:           []tls.Certificate{cert},
		SRTPProtectionProfiles: append([]dtls.SRTPProtectionProfile(nil), e.Profiles...),
		ClientAuth:             dtls.RequireAnyClientCert,
		ExtendedMasterSecret:   dtls.RequireExtendedMasterSecret,
		LoggerFactory:          e.LoggerFactory,
		MTU:                    e.MTU,
	}
	return &Context{Config: cfg, Certificate: cert}, nil
}

func (e *DTLS) BindSocket(addr string, port int) (net.PacketConn, error) {
	ua, err := net.ResolveUDPAddr("udp", net.JoinHostPort(addr, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBind, err)
	}
	conn, err := net.ListenUDP("udp", ua)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBind, err)
	}
	log.Info().Str("addr", conn.LocalAddr().String()).Msg("engine.DTLS.BindSocket")
	return conn, nil
}

// Run serves one DTLS-SRTP peer on sock. The first DTLS sender becomes the
// peer; its RTP and RTCP datagrams go to sinks.Packet and the derived SRTP
// keys go to sinks.Keys once. Run returns nil when ctx ends or the peer
// closes the association.
func (e *DTLS) Run(ctx context.Context, sock net.PacketConn, dc *Context, timeout time.Duration, sinks Sinks) error {
	if dc == nil || dc.Config == nil {
		return ErrNoContext
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	mux := newDemuxConn(sock)
	defer mux.Close()

	stop := make(chan struct{})
	peerCh := make(chan net.Addr, 1)
	media := make(chan []byte, 64)
	pumpDone := make(chan struct{})
	var pumpErr error
	go func() {
		defer close(pumpDone)
		pumpErr = pump(sock, mux, peerCh, media, stop)
	}()
	defer func() {
		close(stop)
		_ = sock.SetReadDeadline(time.Now())
		<-pumpDone
		_ = sock.SetReadDeadline(time.Time{})
	}()

	var conn *dtls.Conn
	defer func() {
		if conn != nil {
			_ = conn.Close()
		}
	}()
	hsDone := make(chan error, 1)
	closed := make(chan error, 1)
	started := time.Now()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Err(ctx.Err()).Msg("engine.DTLS.Run context done")
			return nil

		case <-pumpDone:
			return fmt.Errorf("engine: socket read: %w", pumpErr)

		case addr := <-peerCh:
			c, err := dtls.Server(mux, addr, dc.Config)
			if err != nil {
				return fmt.Errorf("engine: dtls server: %w", err)
			}
			conn = c
			log.Info().Str("peer", addr.String()).Msg("engine.DTLS.Run handshake started")
			go func() {
				hctx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				hsDone <- c.HandshakeContext(hctx)
			}()

		case err := <-hsDone:
			if err != nil {
				return fmt.Errorf("engine: dtls handshake: %w", err)
			}
			keys, err := exportKeys(conn)
			if err != nil {
				return err
			}
			log.Info().Dur("elapsed", time.Since(started)).Msg("engine.DTLS.Run handshake complete")
			sinks.keys(keys)
			go drain(conn, closed)

		case pkt := <-media:
			sinks.packet(pkt)

		case err := <-closed:
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				log.Info().Msg("engine.DTLS.Run peer closed")
				return nil
			}
			return fmt.Errorf("%w: %w", ErrPeerClosed, err)
		}
	}
}

// exportKeys derives SRTP master keys from the finished handshake.
func exportKeys(conn *dtls.Conn) (session.KeySet, error) {
	profile, ok := conn.SelectedSRTPProtectionProfile()
	if !ok {
		return session.KeySet{}, fmt.Errorf("engine: no srtp profile negotiated")
	}
	state, ok := conn.ConnectionState()
	if !ok {
		return session.KeySet{}, fmt.Errorf("engine: connection state unavailable")
	}
	cfg := srtp.Config{Profile: srtp.ProtectionProfile(profile)}
	if err := cfg.ExtractSessionKeysFromDTLS(&state, false); err != nil {
		return session.KeySet{}, fmt.Errorf("engine: export srtp keys: %w", err)
	}
	return session.KeySet{
		LocalKey:   cfg.Keys.LocalMasterKey,
		RemoteKey:  cfg.Keys.RemoteMasterKey,
		LocalSalt:  cfg.Keys.LocalMasterSalt,
		RemoteSalt: cfg.Keys.RemoteMasterSalt,
	}, nil
}

// drain discards application data until the association ends.
func drain(conn *dtls.Conn, closed chan<- error) {
	buf := make([]byte, maxDatagram)
	for {
		if _, err := conn.Read(buf); err != nil {
			if isTimeout(err) {
				continue
			}
			closed <- err
			return
		}
	}
}
