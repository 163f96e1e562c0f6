package epmd

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/membraneframework/membrane-element-rtp/internal/protocol/frame"
	"github.com/membraneframework/membrane-element-rtp/internal/protocol/session"
	"github.com/membraneframework/membrane-element-rtp/internal/testutil/testlog"
)

type fakeEPMD struct {
	ln       net.Listener
	requests chan []byte
	closed   chan struct{}
}

// startFakeEPMD answers each connection with reply and records the request.
func startFakeEPMD(t *testing.T, reply []byte) *fakeEPMD {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeEPMD{ln: ln, requests: make(chan []byte, 4), closed: make(chan struct{}, 4)}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				req, err := frame.ReadHandshake(conn, frame.DefaultLimits())
				if err != nil {
					return
				}
				f.requests <- req
				_, _ = conn.Write(reply)
				_, _ = io.Copy(io.Discard, conn)
				f.closed <- struct{}{}
			}(conn)
		}
	}()
	return f
}

func TestEncodeAlive2(t *testing.T) {
	testlog.Start(t)
	got := EncodeAlive2("handshaker", 40001)
	want := []byte{120, 0x9c, 0x41, 72, 0, 0, 6, 0, 5, 0, 10}
	want = append(want, "handshaker"...)
	want = append(want, 0, 0)
	if !bytes.Equal(got, want) {
		t.Fatalf("alive2 mismatch:\n got %v\nwant %v", got, want)
	}
}

func TestRegisterExtendedResponse(t *testing.T) {
	testlog.Start(t)
	reply := []byte{alive2XResp, 0}
	reply = binary.BigEndian.AppendUint32(reply, 0x0102_0304)
	f := startFakeEPMD(t, reply)

	reg, err := NewClient(f.ln.Addr().String()).Register(context.Background(), "handshaker", 40001)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.Creation != 0x01020304 {
		t.Fatalf("creation=%#x", reg.Creation)
	}
	req := <-f.requests
	if !bytes.Equal(req, EncodeAlive2("handshaker", 40001)) {
		t.Fatalf("unexpected request %v", req)
	}

	if err := reg.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case <-f.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("epmd never saw the registration close")
	}
}

func TestRegisterLegacyResponse(t *testing.T) {
	testlog.Start(t)
	f := startFakeEPMD(t, []byte{alive2Resp, 0, 0, 3})
	reg, err := NewClient(f.ln.Addr().String()).Register(context.Background(), "hs", 1)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	defer reg.Close()
	if reg.Creation != 3 {
		t.Fatalf("creation=%d", reg.Creation)
	}
}

func TestRegisterRejected(t *testing.T) {
	testlog.Start(t)
	f := startFakeEPMD(t, []byte{alive2XResp, 1, 0, 0, 0, 0})
	_, err := NewClient(f.ln.Addr().String()).Register(context.Background(), "taken", 1)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

func TestRegisterBadName(t *testing.T) {
	testlog.Start(t)
	_, err := NewClient("127.0.0.1:1").Register(context.Background(), "", 1)
	if !errors.Is(err, ErrBadName) {
		t.Fatalf("expected ErrBadName, got %v", err)
	}
}

func TestRegisterRetryGivesUp(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	cfg := session.BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1}
	_, err = NewClient(addr).RegisterRetry(context.Background(), "hs", 1, cfg, 3)
	if err == nil {
		t.Fatalf("expected registration to fail against a closed port")
	}
}

func TestDefaultAddrHonorsEnv(t *testing.T) {
	testlog.Start(t)
	t.Setenv(EnvPort, "4999")
	if got := DefaultAddr(); got != "127.0.0.1:4999" {
		t.Fatalf("addr=%s", got)
	}
	t.Setenv(EnvPort, "nope")
	if got := DefaultAddr(); got != "127.0.0.1:4369" {
		t.Fatalf("addr=%s", got)
	}
}
