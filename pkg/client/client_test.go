// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatRelay Contributors

package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/chatrelay/internal/transport"
)

const testPassphrase = "client test passphrase"

// fakeRelay accepts one connection and answers the handshake.
type fakeRelay struct {
	listener net.Listener
	accept   string // handshake answer: "connected" or an error reason
	conns    chan *transport.Conn
}

func startFakeRelay(t *testing.T, accept string) *fakeRelay {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cryptor, err := transport.NewCryptor(testPassphrase)
	require.NoError(t, err)

	r := &fakeRelay{listener: listener, accept: accept, conns: make(chan *transport.Conn, 1)}
	go func() {
		nc, err := listener.Accept()
		if err != nil {
			return
		}
		conn := transport.NewConn(nc, cryptor)
		if _, err := conn.Receive(); err != nil {
			return
		}
		if r.accept == "connected" {
			_ = conn.SendEvent("connected", "Test")
		} else {
			_ = conn.SendEvent("error", "auth", r.accept)
		}
		r.conns <- conn
	}()
	t.Cleanup(func() { _ = listener.Close() })
	return r
}

func dial(t *testing.T, r *fakeRelay) (*Client, *transport.Conn) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, Options{
		Addr:       r.listener.Addr().String(),
		Passphrase: testPassphrase,
		Name:       "survival",
		Password:   "pw",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	conn := <-r.conns
	t.Cleanup(func() { _ = conn.Close() })
	return c, conn
}

func TestDial_Rejected(t *testing.T) {
	r := startFakeRelay(t, "bad password")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Dial(ctx, Options{
		Addr:       r.listener.Addr().String(),
		Passphrase: testPassphrase,
		Name:       "survival",
		Password:   "wrong",
	})
	require.Error(t, err)

	oopsErr, ok := oops.AsOops(err)
	require.True(t, ok)
	assert.Equal(t, CodeAuthRejected, oopsErr.Code())
	assert.Contains(t, err.Error(), "bad password")
}

func TestDial_Unreachable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err = Dial(ctx, Options{Addr: addr, Passphrase: testPassphrase, Name: "x"})
	require.Error(t, err)
}

func TestClient_HandlersReceiveEvents(t *testing.T) {
	r := startFakeRelay(t, "connected")
	c, relayConn := dial(t, r)

	got := make(chan []any, 1)
	c.On("chat", func(args ...any) { got <- args })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	require.NoError(t, relayConn.SendEvent("chat", "Survival", "hello"))

	select {
	case args := <-got:
		assert.Equal(t, []any{"Survival", "hello"}, args)
	case <-time.After(5 * time.Second):
		t.Fatal("handler never ran")
	}
}

func TestClient_AnswersExtraCommand(t *testing.T) {
	r := startFakeRelay(t, "connected")
	c, relayConn := dial(t, r)

	c.OnCommand(func(command string) any {
		assert.Equal(t, "list", command)
		return "There are 1 of a max of 20 players online: Steve"
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	require.NoError(t, relayConn.SendEvent("extra_command", "list"))

	msg, err := relayConn.Receive()
	require.NoError(t, err)
	pkt, ok := msg.Packet()
	require.True(t, ok)
	assert.Equal(t, "cmd_callback", pkt.Event)
	assert.Equal(t, "list", pkt.Args[0])
	assert.Contains(t, pkt.Args[1], "players online")
}

func TestClient_HeartbeatSendsPing(t *testing.T) {
	r := startFakeRelay(t, "connected")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, Options{
		Addr:       r.listener.Addr().String(),
		Passphrase: testPassphrase,
		Name:       "survival",
		Password:   "pw",
		Heartbeat:  50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	relayConn := <-r.conns
	t.Cleanup(func() { _ = relayConn.Close() })

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	go func() { _ = c.Run(runCtx) }()

	msg, err := relayConn.Receive()
	require.NoError(t, err)
	assert.Equal(t, "ping", msg.Text())
	require.NoError(t, relayConn.SendString("pong"))
}

func TestClient_RunReturnsOnClose(t *testing.T) {
	r := startFakeRelay(t, "connected")
	c, relayConn := dial(t, r)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, relayConn.Close())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run never returned")
	}
}
