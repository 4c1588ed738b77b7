// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatRelay Contributors

package session

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

const testPassphrase = "session test passphrase"

// pipePair returns connected transport conns sharing a cryptor.
func pipePair(t *testing.T) (*transport.Conn, *transport.Conn) {
	t.Helper()

	cryptor, err := transport.NewCryptor(testPassphrase)
	require.NoError(t, err)

	a, b := net.Pipe()
	ca := transport.NewConn(a, cryptor)
	cb := transport.NewConn(b, cryptor)
	t.Cleanup(func() {
		_ = ca.Close()
		_ = cb.Close()
	})
	return ca, cb
}

func newTestSession(t *testing.T) (*Session, *transport.Conn) {
	t.Helper()
	server, client := pipePair(t)
	s := New(server, User{Name: "survival", DisplayName: "Survival"}, nil, nil)
	t.Cleanup(func() { _ = s.Close() })
	return s, client
}

func TestSession_Identity(t *testing.T) {
	s, _ := newTestSession(t)

	assert.NotEmpty(t, s.ID())
	assert.Equal(t, "survival", s.Name())
	assert.Equal(t, "Survival", s.DisplayName())
	assert.Equal(t, "session:"+s.ID(), s.Owner())

	other := New(s.Conn(), User{Name: "plain"}, nil, nil)
	assert.Equal(t, "plain", other.DisplayName())
}

func TestSession_EmitReachesClient(t *testing.T) {
	s, client := newTestSession(t)

	go func() { _ = s.Emit("chat", "Survival", "hello") }()

	msg, err := client.Receive()
	require.NoError(t, err)
	pkt, ok := msg.Packet()
	require.True(t, ok)
	assert.Equal(t, "chat", pkt.Event)
	assert.Equal(t, []any{"Survival", "hello"}, pkt.Args)
}

func TestSession_ExtraCommandRoundTrip(t *testing.T) {
	s, client := newTestSession(t)

	// Client side: answer the extra_command with a callback.
	go func() {
		msg, err := client.Receive()
		if err != nil {
			return
		}
		pkt, ok := msg.Packet()
		if !ok || pkt.Event != "extra_command" {
			return
		}
		s.ResolveCallback(pkt.Args[0].(string), []any{"Steve", "Alex"})
	}()

	result, err := s.ExtraCommand(context.Background(), "online", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []any{"Steve", "Alex"}, result)
}

func TestSession_ExtraCommandTimeout(t *testing.T) {
	s, client := newTestSession(t)

	// Drain the outbound frame but never answer.
	go func() { _, _ = client.Receive() }()

	start := time.Now()
	_, err := s.ExtraCommand(context.Background(), "online", 100*time.Millisecond)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)

	oopsErr, ok := oops.AsOops(err)
	require.True(t, ok)
	assert.Equal(t, CodeCommandTimeout, oopsErr.Code())

	// The slot is free again after the timeout.
	go func() { _, _ = client.Receive() }()
	_, err = s.ExtraCommand(context.Background(), "online", 50*time.Millisecond)
	oopsErr, ok = oops.AsOops(err)
	require.True(t, ok)
	assert.Equal(t, CodeCommandTimeout, oopsErr.Code())
}

func TestSession_ExtraCommandDuplicateRejected(t *testing.T) {
	s, client := newTestSession(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.ExtraCommand(context.Background(), "online", 5*time.Second)
	}()

	// Receiving the frame proves the first call is registered.
	msg, err := client.Receive()
	require.NoError(t, err)
	pkt, ok := msg.Packet()
	require.True(t, ok)
	require.Equal(t, "extra_command", pkt.Event)

	_, err = s.ExtraCommand(context.Background(), "online", time.Second)
	require.Error(t, err)
	oopsErr, ok := oops.AsOops(err)
	require.True(t, ok)
	assert.Equal(t, CodeCommandPending, oopsErr.Code())

	s.ResolveCallback("online", "ok")
	<-done
}

func TestSession_DistinctCommandsRunConcurrently(t *testing.T) {
	s, client := newTestSession(t)

	go func() {
		for {
			msg, err := client.Receive()
			if err != nil {
				return
			}
			pkt, ok := msg.Packet()
			if !ok {
				continue
			}
			cmd := pkt.Args[0].(string)
			s.ResolveCallback(cmd, "result:"+cmd)
		}
	}()

	type outcome struct {
		result any
		err    error
	}
	results := make(chan outcome, 2)
	for _, cmd := range []string{"online", "tps"} {
		cmd := cmd
		go func() {
			r, err := s.ExtraCommand(context.Background(), cmd, 5*time.Second)
			results <- outcome{r, err}
		}()
	}

	seen := map[any]bool{}
	for i := 0; i < 2; i++ {
		out := <-results
		require.NoError(t, out.err)
		seen[out.result] = true
	}
	assert.True(t, seen["result:online"])
	assert.True(t, seen["result:tps"])
}

func TestSession_UnsolicitedCallbackDropped(t *testing.T) {
	s, _ := newTestSession(t)
	// Must not panic or block.
	s.ResolveCallback("nobody_asked", "data")
}

func TestSession_CloseFailsPendingCalls(t *testing.T) {
	s, client := newTestSession(t)

	go func() { _, _ = client.Receive() }()

	errCh := make(chan error, 1)
	go func() {
		_, err := s.ExtraCommand(context.Background(), "online", 10*time.Second)
		errCh <- err
	}()

	// Wait for the call to be registered, then close.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Close())

	select {
	case err := <-errCh:
		require.Error(t, err)
		oopsErr, ok := oops.AsOops(err)
		require.True(t, ok)
		assert.Equal(t, CodeSessionClosed, oopsErr.Code())
	case <-time.After(2 * time.Second):
		t.Fatal("pending call never failed")
	}
}

type fakeRemover struct {
	removed []string
}

func (f *fakeRemover) RemoveOwner(owner string) { f.removed = append(f.removed, owner) }

func TestSession_CloseRemovesOwnedListeners(t *testing.T) {
	server, _ := pipePair(t)
	remover := &fakeRemover{}
	s := New(server, User{Name: "x"}, nil, remover)

	require.NoError(t, s.Close())
	assert.Equal(t, []string{s.Owner()}, remover.removed)

	// Idempotent: second close does not remove again.
	require.NoError(t, s.Close())
	assert.Len(t, remover.removed, 1)
}

func TestSession_ExtraCommandAfterClose(t *testing.T) {
	s, _ := newTestSession(t)
	require.NoError(t, s.Close())

	_, err := s.ExtraCommand(context.Background(), "online", time.Second)
	require.Error(t, err)
	oopsErr, ok := oops.AsOops(err)
	require.True(t, ok)
	assert.Equal(t, CodeSessionClosed, oopsErr.Code())
}

func TestSession_RconUnconfigured(t *testing.T) {
	s, _ := newTestSession(t)

	_, err := s.Rcon(context.Background())
	require.Error(t, err)
	oopsErr, ok := oops.AsOops(err)
	require.True(t, ok)
	assert.Equal(t, CodeRconUnconfigured, oopsErr.Code())
}
