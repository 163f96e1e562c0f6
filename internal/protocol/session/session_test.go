package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/membraneframework/membrane-element-rtp/internal/protocol/etf"
	"github.com/membraneframework/membrane-element-rtp/internal/protocol/schema"
	"github.com/membraneframework/membrane-element-rtp/internal/testutil/testlog"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(7))
	got := NextBackoffDelay(cfg, 3, rng)
	if got < 500*time.Millisecond || got > 1500*time.Millisecond {
		t.Fatalf("jitter out of range: %v", got)
	}
}

func TestRetryStopsOnSuccess(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1}
	calls := 0
	err := Retry(context.Background(), cfg, 5, nil, func(attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("epmd not up")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls=%d want 3", calls)
	}
}

func TestRetryGivesUp(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1}
	boom := errors.New("refused")
	calls := 0
	err := Retry(context.Background(), cfg, 2, nil, func(int) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls=%d want 2", calls)
	}
}

func TestRetryHonorsContext(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := BackoffConfig{InitialDelay: time.Hour}
	err := Retry(ctx, cfg, 0, nil, func(int) error { return errors.New("down") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestEncodeEventsExactBytes(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		enc  func() ([]byte, error)
		want []byte
	}{
		{"ok", EncodeAck, []byte{131, 104, 1, 119, 2, 'o', 'k'}},
		{"server_running", EncodeServerRunning, append([]byte{131, 104, 1, 119, 14}, "server_running"...)},
		{"packet", func() ([]byte, error) { return EncodePacket([]byte{0x80, 0x01}) },
			append(append([]byte{131, 104, 2, 119, 6}, "packet"...), 109, 0, 0, 0, 2, 0x80, 0x01)},
		{"error", func() ([]byte, error) { return EncodeError("SSL init failed") },
			append(append([]byte{131, 104, 2, 119, 5}, "error"...), append([]byte{109, 0, 0, 0, 15}, "SSL init failed"...)...)},
	}
	for _, tc := range cases {
		got, err := tc.enc()
		if err != nil {
			t.Fatalf("%s: encode: %v", tc.name, err)
		}
		if !bytes.Equal(got, tc.want) {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestKeySetRoundTrip(t *testing.T) {
	testlog.Start(t)
	keys := KeySet{
		LocalKey:   bytes.Repeat([]byte{1}, 16),
		RemoteKey:  bytes.Repeat([]byte{2}, 16),
		LocalSalt:  bytes.Repeat([]byte{3}, 14),
		RemoteSalt: bytes.Repeat([]byte{4}, 14),
	}
	raw, err := EncodeKeySet(keys)
	if err != nil {
		t.Fatalf("encode key_set: %v", err)
	}
	ev, err := DecodeEvent(raw)
	if err != nil {
		t.Fatalf("decode key_set: %v", err)
	}
	if ev.Tag != TagKeySet || ev.Arity() != 5 {
		t.Fatalf("unexpected event: tag=%s arity=%d", ev.Tag, ev.Arity())
	}
	got := KeySet{LocalKey: ev.Fields[0], RemoteKey: ev.Fields[1], LocalSalt: ev.Fields[2], RemoteSalt: ev.Fields[3]}
	if !got.Equal(keys) {
		t.Fatalf("key_set mismatch: %+v", got)
	}
}

func TestPacketEventCopiesPayload(t *testing.T) {
	testlog.Start(t)
	buf := []byte{0x80, 0x60, 0x00, 0x01}
	ev := PacketEvent(buf)
	buf[0] = 0xff
	if ev.Fields[0][0] != 0x80 {
		t.Fatalf("packet event aliases the engine buffer")
	}
}

func TestDecodeRequestStartServer(t *testing.T) {
	testlog.Start(t)
	raw, err := EncodeRequest(schema.OpStartServer,
		[]byte("/path/cert.pem"), []byte("/path/key.pem"), []byte("0.0.0.0"), int64(5000))
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	req, err := DecodeRequest(raw)
	if err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if req.Name() != schema.OpStartServer {
		t.Fatalf("name=%q", req.Name())
	}
	if string(req.Binary(0)) != "/path/cert.pem" || string(req.Binary(1)) != "/path/key.pem" || string(req.Binary(2)) != "0.0.0.0" {
		t.Fatalf("unexpected binaries: %+v", req.Args)
	}
	if req.Integer(3) != 5000 {
		t.Fatalf("port=%d", req.Integer(3))
	}
}

func TestDecodeRequestPing(t *testing.T) {
	testlog.Start(t)
	raw, _ := EncodeRequest(schema.OpPing)
	req, err := DecodeRequest(raw)
	if err != nil {
		t.Fatalf("decode ping: %v", err)
	}
	if req.Name() != schema.OpPing || len(req.Args) != 0 {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestDecodeRequestUnknownOperation(t *testing.T) {
	testlog.Start(t)
	raw, _ := EncodeRequest("bogus", []byte("x"))
	_, err := DecodeRequest(raw)
	var unknown *UnknownOperationError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownOperationError, got %v", err)
	}
	if err.Error() != "function bogus not available" {
		t.Fatalf("message=%q", err.Error())
	}
	if !errors.Is(err, ErrUnknownOperation) {
		t.Fatalf("expected ErrUnknownOperation")
	}
}

func TestDecodeRequestRejectsOversizeStrings(t *testing.T) {
	testlog.Start(t)
	startArgs := func(field int, value []byte) []etf.Term {
		args := []etf.Term{[]byte("c"), []byte("k"), []byte("0.0.0.0"), int64(1)}
		args[field] = value
		return args
	}
	for i, name := range []string{"cert_file", "key_file", "addr"} {
		t.Run(name, func(t *testing.T) {
			raw, _ := EncodeRequest(schema.OpStartServer, startArgs(i, bytes.Repeat([]byte("a"), schema.MaxPathLen))...)
			req, err := DecodeRequest(raw)
			if err != nil {
				t.Fatalf("value of exactly %d bytes rejected: %v", schema.MaxPathLen, err)
			}
			if got := len(req.Binary(i)); got != schema.MaxPathLen {
				t.Fatalf("decoded %d bytes, want %d", got, schema.MaxPathLen)
			}

			raw, _ = EncodeRequest(schema.OpStartServer, startArgs(i, bytes.Repeat([]byte("a"), schema.MaxPathLen+1))...)
			_, err = DecodeRequest(raw)
			if !errors.Is(err, etf.ErrTooLarge) {
				t.Fatalf("expected ErrTooLarge, got %v", err)
			}
			if !strings.Contains(err.Error(), "field "+name) {
				t.Fatalf("error does not name the field: %v", err)
			}
		})
	}
}

func TestDecodeRequestPortOutOfRange(t *testing.T) {
	testlog.Start(t)
	raw, _ := EncodeRequest(schema.OpStartServer, []byte("c"), []byte("k"), []byte("0.0.0.0"), int64(70000))
	_, err := DecodeRequest(raw)
	var ve schema.ValidationError
	if !errors.As(err, &ve) || ve.Arg != "port" {
		t.Fatalf("expected port validation error, got %v", err)
	}
	// version, request tuple, atom, args tuple, then three binaries.
	wantAt := 1 + 2 + 2 + len(schema.OpStartServer) + 2 + (5 + 1) + (5 + 1) + (5 + len("0.0.0.0"))
	var de *etf.DecodeError
	if !errors.As(err, &de) || de.Offset != wantAt || de.Field != "port" {
		t.Fatalf("expected decode error at offset %d for port, got %v", wantAt, err)
	}
}

func TestDecodeRequestWrongArgType(t *testing.T) {
	testlog.Start(t)
	raw, _ := EncodeRequest(schema.OpStartServer, etf.Atom("c"), []byte("k"), []byte("0.0.0.0"), int64(1))
	_, err := DecodeRequest(raw)
	if !errors.Is(err, etf.ErrTagMismatch) {
		t.Fatalf("expected ErrTagMismatch, got %v", err)
	}
}

func TestDecodeRequestArityMismatch(t *testing.T) {
	testlog.Start(t)
	raw, _ := EncodeRequest(schema.OpStartServer, []byte("c"), []byte("k"))
	_, err := DecodeRequest(raw)
	var ve schema.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	want := fmt.Sprintf("etf: decode failed at offset %d (field args): expected 4 arguments, got 2", 1+2+2+len(schema.OpStartServer))
	if err.Error() != want {
		t.Fatalf("error = %q, want %q", err.Error(), want)
	}
}

func TestDecodeRequestBadEnvelope(t *testing.T) {
	testlog.Start(t)
	if _, err := DecodeRequest([]byte{130, 104, 2}); !errors.Is(err, etf.ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
	raw, _ := etf.Encode(etf.Tuple{etf.Atom("ping")})
	if _, err := DecodeRequest(raw); !errors.Is(err, etf.ErrArityMismatch) {
		t.Fatalf("expected ErrArityMismatch, got %v", err)
	}
	raw, _ = EncodeRequest(schema.OpPing)
	raw = append(raw, 0)
	if _, err := DecodeRequest(raw); !errors.Is(err, etf.ErrTrailingData) {
		t.Fatalf("expected ErrTrailingData, got %v", err)
	}
}

type recordingSender struct {
	to       []etf.Pid
	payloads [][]byte
	err      error
}

func (s *recordingSender) Send(to etf.Pid, payload []byte) error {
	if s.err != nil {
		return s.err
	}
	s.to = append(s.to, to)
	s.payloads = append(s.payloads, payload)
	return nil
}

func TestEmitterSendsToRequester(t *testing.T) {
	testlog.Start(t)
	sender := &recordingSender{}
	pid := etf.Pid{Node: "host@localhost", ID: 42, Creation: 3}
	var tags []etf.Atom
	m := Emitter{Sender: sender, To: pid, OnEvent: func(tag etf.Atom) { tags = append(tags, tag) }}

	if err := m.Emit(ServerRunning()); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if err := m.Error("function bogus not available"); err != nil {
		t.Fatalf("emit error: %v", err)
	}
	if len(sender.payloads) != 2 || sender.to[0] != pid {
		t.Fatalf("unexpected sends: %+v", sender.to)
	}
	ev, err := DecodeEvent(sender.payloads[1])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Tag != TagError || string(ev.Fields[0]) != "function bogus not available" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if len(tags) != 2 || tags[0] != TagServerRunning {
		t.Fatalf("tags=%v", tags)
	}
}

func TestEmitterSendFailure(t *testing.T) {
	testlog.Start(t)
	boom := errors.New("broken pipe")
	m := Emitter{Sender: &recordingSender{err: boom}}
	if err := m.Emit(Ack()); !errors.Is(err, boom) {
		t.Fatalf("expected send error, got %v", err)
	}
}

func TestConfigWithDefaults(t *testing.T) {
	testlog.Start(t)
	cfg := Config{ReceiveTimeout: 250 * time.Millisecond}.WithDefaults()
	if cfg.ReceiveTimeout != 250*time.Millisecond {
		t.Fatalf("explicit receive timeout overwritten: %v", cfg.ReceiveTimeout)
	}
	d := DefaultConfig()
	if cfg.AcceptTimeout != d.AcceptTimeout || cfg.EngineTimeout != d.EngineTimeout || cfg.Backoff != d.Backoff {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}
