package node

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/membraneframework/membrane-element-rtp/internal/auth"
	"github.com/membraneframework/membrane-element-rtp/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

const (
	distVersion = 5

	tagSendNameOld  byte = 'n'
	tagSendNameNew  byte = 'N'
	tagStatus       byte = 's'
	tagComplement   byte = 'c'
	tagChallengeRep byte = 'r'
	tagChallengeAck byte = 'a'
)

var (
	ErrHandshake    = errors.New("node: handshake failed")
	ErrUnauthorized = errors.New("node: peer failed cookie challenge")
)

// Peer describes the remote node as learned during the handshake.
type Peer struct {
	Name     string
	Flags    uint64
	Creation uint32
}

func handshakeErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrHandshake, fmt.Sprintf(format, args...))
}

// acceptHandshake runs the accepting side of the distribution handshake.
func acceptHandshake(rw io.ReadWriter, cfg Config) (Peer, error) {
	limits := cfg.Limits
	msg, err := frame.ReadHandshake(rw, limits)
	if err != nil {
		return Peer{}, fmt.Errorf("%w: recv name: %w", ErrHandshake, err)
	}

	var peer Peer
	replyNew := false
	expectComplement := false
	switch msg[0] {
	case tagSendNameOld:
		if len(msg) < 8 {
			return Peer{}, handshakeErr("short send_name (%d bytes)", len(msg))
		}
		if v := binary.BigEndian.Uint16(msg[1:3]); v != distVersion {
			return Peer{}, handshakeErr("unsupported version %d", v)
		}
		peer.Flags = uint64(binary.BigEndian.Uint32(msg[3:7]))
		peer.Name = string(msg[7:])
		if peer.Flags&FlagHandshake23 != 0 {
			replyNew = true
			expectComplement = true
		}
	case tagSendNameNew:
		if len(msg) < 16 {
			return Peer{}, handshakeErr("short send_name (%d bytes)", len(msg))
		}
		peer.Flags = binary.BigEndian.Uint64(msg[1:9])
		peer.Creation = binary.BigEndian.Uint32(msg[9:13])
		n := int(binary.BigEndian.Uint16(msg[13:15]))
		if 15+n != len(msg) {
			return Peer{}, handshakeErr("name length %d does not match message", n)
		}
		peer.Name = string(msg[15:])
		replyNew = true
	default:
		return Peer{}, handshakeErr("unexpected tag %q awaiting name", msg[0])
	}
	log.Debug().Str("peer", peer.Name).Uint64("flags", peer.Flags).Msg("node.acceptHandshake recv_name")

	if err := frame.WriteHandshake(rw, append([]byte{tagStatus}, "ok"...), limits); err != nil {
		return Peer{}, fmt.Errorf("%w: send status: %w", ErrHandshake, err)
	}

	challenge, err := auth.NewChallenge()
	if err != nil {
		return Peer{}, fmt.Errorf("%w: challenge: %w", ErrHandshake, err)
	}
	var out []byte
	if replyNew {
		out = append(out, tagSendNameNew)
		out = binary.BigEndian.AppendUint64(out, cfg.Flags)
		out = binary.BigEndian.AppendUint32(out, challenge)
		out = binary.BigEndian.AppendUint32(out, cfg.Creation)
		out = binary.BigEndian.AppendUint16(out, uint16(len(cfg.Name)))
		out = append(out, cfg.Name...)
	} else {
		out = append(out, tagSendNameOld)
		out = binary.BigEndian.AppendUint16(out, distVersion)
		out = binary.BigEndian.AppendUint32(out, uint32(cfg.Flags))
		out = binary.BigEndian.AppendUint32(out, challenge)
		out = append(out, cfg.Name...)
	}
	if err := frame.WriteHandshake(rw, out, limits); err != nil {
		return Peer{}, fmt.Errorf("%w: send challenge: %w", ErrHandshake, err)
	}

	if expectComplement {
		msg, err := frame.ReadHandshake(rw, limits)
		if err != nil {
			return Peer{}, fmt.Errorf("%w: recv complement: %w", ErrHandshake, err)
		}
		if msg[0] != tagComplement || len(msg) != 9 {
			return Peer{}, handshakeErr("bad complement (tag %q, %d bytes)", msg[0], len(msg))
		}
		peer.Flags |= uint64(binary.BigEndian.Uint32(msg[1:5])) << 32
		peer.Creation = binary.BigEndian.Uint32(msg[5:9])
	}

	msg, err = frame.ReadHandshake(rw, limits)
	if err != nil {
		return Peer{}, fmt.Errorf("%w: recv challenge reply: %w", ErrHandshake, err)
	}
	if msg[0] != tagChallengeRep || len(msg) != 5+auth.DigestLen {
		return Peer{}, handshakeErr("bad challenge reply (tag %q, %d bytes)", msg[0], len(msg))
	}
	peerChallenge := binary.BigEndian.Uint32(msg[1:5])
	if err := cfg.verifier().Verify(challenge, msg[5:]); err != nil {
		return Peer{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	digest := cfg.Cookie.Digest(peerChallenge)
	if err := frame.WriteHandshake(rw, append([]byte{tagChallengeAck}, digest[:]...), limits); err != nil {
		return Peer{}, fmt.Errorf("%w: send ack: %w", ErrHandshake, err)
	}
	return peer, nil
}

// dialHandshake runs the initiating side. It always uses the 'N' name format.
func dialHandshake(rw io.ReadWriter, cfg Config) (Peer, error) {
	limits := cfg.Limits
	out := []byte{tagSendNameNew}
	out = binary.BigEndian.AppendUint64(out, cfg.Flags)
	out = binary.BigEndian.AppendUint32(out, cfg.Creation)
	out = binary.BigEndian.AppendUint16(out, uint16(len(cfg.Name)))
	out = append(out, cfg.Name...)
	if err := frame.WriteHandshake(rw, out, limits); err != nil {
		return Peer{}, fmt.Errorf("%w: send name: %w", ErrHandshake, err)
	}

	msg, err := frame.ReadHandshake(rw, limits)
	if err != nil {
		return Peer{}, fmt.Errorf("%w: recv status: %w", ErrHandshake, err)
	}
	if msg[0] != tagStatus {
		return Peer{}, handshakeErr("unexpected tag %q awaiting status", msg[0])
	}
	if status := string(msg[1:]); status != "ok" && status != "ok_simultaneous" {
		return Peer{}, handshakeErr("status %q", status)
	}

	msg, err = frame.ReadHandshake(rw, limits)
	if err != nil {
		return Peer{}, fmt.Errorf("%w: recv challenge: %w", ErrHandshake, err)
	}
	var peer Peer
	var peerChallenge uint32
	switch msg[0] {
	case tagSendNameNew:
		if len(msg) < 20 {
			return Peer{}, handshakeErr("short challenge (%d bytes)", len(msg))
		}
		peer.Flags = binary.BigEndian.Uint64(msg[1:9])
		peerChallenge = binary.BigEndian.Uint32(msg[9:13])
		peer.Creation = binary.BigEndian.Uint32(msg[13:17])
		n := int(binary.BigEndian.Uint16(msg[17:19]))
		if 19+n != len(msg) {
			return Peer{}, handshakeErr("name length %d does not match message", n)
		}
		peer.Name = string(msg[19:])
	case tagSendNameOld:
		if len(msg) < 12 {
			return Peer{}, handshakeErr("short challenge (%d bytes)", len(msg))
		}
		peer.Flags = uint64(binary.BigEndian.Uint32(msg[3:7]))
		peerChallenge = binary.BigEndian.Uint32(msg[7:11])
		peer.Name = string(msg[11:])
	default:
		return Peer{}, handshakeErr("unexpected tag %q awaiting challenge", msg[0])
	}

	challenge, err := auth.NewChallenge()
	if err != nil {
		return Peer{}, fmt.Errorf("%w: challenge: %w", ErrHandshake, err)
	}
	digest := cfg.Cookie.Digest(peerChallenge)
	reply := []byte{tagChallengeRep}
	reply = binary.BigEndian.AppendUint32(reply, challenge)
	reply = append(reply, digest[:]...)
	if err := frame.WriteHandshake(rw, reply, limits); err != nil {
		return Peer{}, fmt.Errorf("%w: send reply: %w", ErrHandshake, err)
	}

	msg, err = frame.ReadHandshake(rw, limits)
	if err != nil {
		return Peer{}, fmt.Errorf("%w: recv ack: %w", ErrHandshake, err)
	}
	if msg[0] != tagChallengeAck || len(msg) != 1+auth.DigestLen {
		return Peer{}, handshakeErr("bad challenge ack (tag %q, %d bytes)", msg[0], len(msg))
	}
	if err := cfg.verifier().Verify(challenge, msg[1:]); err != nil {
		return Peer{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	return peer, nil
}
