package bridge

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/membraneframework/membrane-element-rtp/internal/auth"
	"github.com/membraneframework/membrane-element-rtp/internal/engine/enginetest"
	"github.com/membraneframework/membrane-element-rtp/internal/node"
	"github.com/membraneframework/membrane-element-rtp/internal/protocol/etf"
	"github.com/membraneframework/membrane-element-rtp/internal/protocol/session"
	"github.com/membraneframework/membrane-element-rtp/internal/testutil/testlog"
)

func nodePair(t *testing.T) (bridgeSide, host *node.Session) {
	t.Helper()
	cfg := node.DefaultConfig()
	cfg.Name = "handshaker@127.0.0.1"
	cfg.Cookie = auth.Cookie("secret")
	cfg.ListenAddr = "127.0.0.1:0"
	ln, err := node.Listen(cfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	type result struct {
		s   *node.Session
		err error
	}
	accepted := make(chan result, 1)
	go func() {
		s, err := ln.Accept(context.Background())
		accepted <- result{s, err}
	}()

	hcfg := node.DefaultConfig()
	hcfg.Name = "host@127.0.0.1"
	hcfg.Cookie = cfg.Cookie
	host, err = node.Dial(context.Background(), ln.Addr().String(), hcfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	res := <-accepted
	if res.err != nil {
		t.Fatalf("accept: %v", res.err)
	}
	t.Cleanup(func() {
		_ = host.Close()
		_ = res.s.Close()
	})
	return res.s, host
}

func nextEvent(t *testing.T, host *node.Session) session.Event {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		rcv, err := host.Receive(50 * time.Millisecond)
		if err != nil {
			t.Fatalf("host receive: %v", err)
		}
		if rcv.Kind != node.KindMessage {
			continue
		}
		if pid, ok := rcv.Message.To.(etf.Pid); !ok || pid != host.Self() {
			t.Fatalf("event addressed to %v, want %v", rcv.Message.To, host.Self())
		}
		ev, err := session.DecodeEvent(rcv.Message.Payload)
		if err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return ev
	}
	t.Fatalf("no event within deadline")
	return session.Event{}
}

func TestServeOverDistributionConnection(t *testing.T) {
	testlog.Start(t)

	bridgeSide, host := nodePair(t)
	eng := &enginetest.Engine{Packets: [][]byte{{0x80, 0x00, 0xbe, 0xef}}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- New(bridgeSide, eng, testOptions()).Serve(ctx) }()

	send := func(name string, args ...etf.Term) {
		payload, err := session.EncodeRequest(name, args...)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if err := host.SendReg(host.Self(), "handshaker", payload); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	send("bogus")
	ev := nextEvent(t, host)
	if ev.Tag != session.TagError || string(ev.Fields[0]) != "function bogus not available" {
		t.Fatalf("unexpected reply to bogus: %s %q", ev.Tag, ev.Fields)
	}

	send("start_server", startArgs()...)
	if ev := nextEvent(t, host); ev.Tag != session.TagServerRunning {
		t.Fatalf("expected server_running, got %s", ev.Tag)
	}
	ev = nextEvent(t, host)
	if ev.Tag != session.TagPacket || !bytes.Equal(ev.Fields[0], []byte{0x80, 0x00, 0xbe, 0xef}) {
		t.Fatalf("unexpected packet event %s %x", ev.Tag, ev.Fields)
	}

	send("ping")
	if ev := nextEvent(t, host); ev.Tag != session.TagOK {
		t.Fatalf("expected ok, got %s", ev.Tag)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("serve did not stop")
	}
}

func TestServeEndsWhenHostDisconnects(t *testing.T) {
	testlog.Start(t)

	bridgeSide, host := nodePair(t)
	done := make(chan error, 1)
	go func() { done <- New(bridgeSide, &enginetest.Engine{}, testOptions()).Serve(context.Background()) }()

	_ = host.Close()
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected transport error after disconnect")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("serve did not notice the disconnect")
	}
}
