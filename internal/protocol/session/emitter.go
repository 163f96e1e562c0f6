package session

import (
	"fmt"

	"github.com/membraneframework/membrane-element-rtp/internal/protocol/etf"
	"github.com/rs/zerolog/log"
)

// Sender delivers one encoded term to a remote pid.
type Sender interface {
	Send(to etf.Pid, payload []byte) error
}

// Emitter encodes events and sends them to the pid that issued the request.
type Emitter struct {
	Sender  Sender
	To      etf.Pid
	OnEvent func(tag etf.Atom)
}

func (m Emitter) Emit(ev Event) error {
	raw, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("session: encode %s: %w", ev.Tag, err)
	}
	if err := m.Sender.Send(m.To, raw); err != nil {
		log.Error().Err(err).Str("tag", string(ev.Tag)).Str("to", m.To.String()).Msg("session.Emitter.Emit send failed")
		return err
	}
	if m.OnEvent != nil {
		m.OnEvent(ev.Tag)
	}
	log.Debug().Str("tag", string(ev.Tag)).Int("bytes", len(raw)).Msg("session.Emitter.Emit")
	return nil
}

func (m Emitter) Error(reason string) error {
	return m.Emit(ErrorEvent(reason))
}
