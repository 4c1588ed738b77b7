// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatRelay Contributors

// Package session binds an authenticated client connection to its identity
// and tracks in-flight out-of-band command calls.
package session

import (
	"context"
	"crypto/rand"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/chatrelay/chatrelay/internal/observability"
	"github.com/chatrelay/chatrelay/internal/rcon"
	"github.com/chatrelay/chatrelay/internal/transport"
)

// Error codes.
const (
	CodeCommandTimeout   = "COMMAND_TIMEOUT"
	CodeCommandPending   = "COMMAND_PENDING"
	CodeSessionClosed    = "SESSION_CLOSED"
	CodeRconUnconfigured = "RCON_NOT_CONFIGURED"
)

// DefaultCommandTimeout bounds ExtraCommand when the caller's context has
// no earlier deadline.
const DefaultCommandTimeout = 10 * time.Second

// User is the authenticated identity behind a session.
type User struct {
	Name        string
	DisplayName string
}

// Handshake is the first frame a client sends after connecting.
type Handshake struct {
	Name     string      `json:"name"`
	Password string      `json:"password"`
	Rcon     *RconParams `json:"rcon,omitempty"`
}

// RconParams optionally advertises the client's game-server RCON endpoint.
type RconParams struct {
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Password string `json:"password"`
}

// Addr returns the endpoint in host:port form.
func (p RconParams) Addr() string {
	return net.JoinHostPort(p.IP, strconv.Itoa(p.Port))
}

// Remover detaches listeners registered on behalf of a session when it
// closes. Satisfied by the event hub.
type Remover interface {
	RemoveOwner(owner string)
}

type pendingCall struct {
	id      string
	command string
	ch      chan any
}

// Session is one authenticated client.
type Session struct {
	id   string
	user User
	conn *transport.Conn
	hub  Remover

	mu      sync.Mutex
	pending map[string]*pendingCall // keyed by correlation id
	closed  bool

	rconOnce   sync.Once
	rconClient *rcon.Client
	rconErr    error
	rconParams *RconParams
}

// New wraps an authenticated connection. The hub may be nil in tests.
func New(conn *transport.Conn, user User, hs *Handshake, hub Remover) *Session {
	s := &Session{
		id:      ulid.MustNew(ulid.Now(), rand.Reader).String(),
		user:    user,
		conn:    conn,
		hub:     hub,
		pending: make(map[string]*pendingCall),
	}
	if hs != nil {
		s.rconParams = hs.Rcon
	}
	observability.SessionOpened()
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// User returns the authenticated identity.
func (s *Session) User() User { return s.user }

// Name returns the user name, the stable key clients are addressed by.
func (s *Session) Name() string { return s.user.Name }

// DisplayName returns the human-facing name, falling back to Name.
func (s *Session) DisplayName() string {
	if s.user.DisplayName != "" {
		return s.user.DisplayName
	}
	return s.user.Name
}

// Conn exposes the underlying transport connection.
func (s *Session) Conn() *transport.Conn { return s.conn }

// Owner returns the listener-owner tag for this session.
func (s *Session) Owner() string { return "session:" + s.id }

// Emit sends an event frame to this client.
func (s *Session) Emit(event string, args ...any) error {
	if err := s.conn.SendEvent(event, args...); err != nil {
		return err
	}
	observability.RecordFrame("out")
	return nil
}

// ExtraCommand sends an out-of-band command to the client and blocks until
// the matching callback arrives or the timeout elapses. Only one call per
// command string may be in flight at a time; the command string is the
// correlation key on the wire.
func (s *Session) ExtraCommand(ctx context.Context, command string, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	call := &pendingCall{
		id:      ulid.MustNew(ulid.Now(), rand.Reader).String(),
		command: command,
		ch:      make(chan any, 1),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, oops.Code(CodeSessionClosed).
			With("session", s.user.Name).
			Errorf("session is closed")
	}
	for _, p := range s.pending {
		if p.command == command {
			s.mu.Unlock()
			return nil, oops.Code(CodeCommandPending).
				With("command", command).
				Errorf("command already in flight")
		}
	}
	s.pending[call.id] = call
	s.mu.Unlock()

	if err := s.Emit("extra_command", command); err != nil {
		s.dropCall(call.id)
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case result, ok := <-call.ch:
		if !ok {
			return nil, oops.Code(CodeSessionClosed).
				With("command", command).
				Errorf("session closed while waiting for callback")
		}
		return result, nil
	case <-ctx.Done():
		s.dropCall(call.id)
		observability.RecordExtraCommandTimeout()
		return nil, oops.Code(CodeCommandTimeout).
			With("session", s.user.Name).
			With("command", command).
			Wrap(ctx.Err())
	}
}

// ResolveCallback completes the pending call whose command string matches.
// Unsolicited callbacks are logged and dropped.
func (s *Session) ResolveCallback(command string, result any) {
	s.mu.Lock()
	var call *pendingCall
	for id, p := range s.pending {
		if p.command == command {
			call = p
			delete(s.pending, id)
			break
		}
	}
	s.mu.Unlock()

	if call == nil {
		slog.Debug("dropping unsolicited command callback",
			"session", s.user.Name,
			"command", command,
		)
		return
	}
	call.ch <- result
}

// Rcon lazily dials the RCON endpoint the client advertised during its
// handshake. The connection is established once and reused.
func (s *Session) Rcon(ctx context.Context) (*rcon.Client, error) {
	if s.rconParams == nil {
		return nil, oops.Code(CodeRconUnconfigured).
			With("session", s.user.Name).
			Errorf("client did not advertise an rcon endpoint")
	}

	s.rconOnce.Do(func() {
		s.rconClient, s.rconErr = rcon.Dial(ctx, s.rconParams.Addr(), s.rconParams.Password)
	})
	return s.rconClient, s.rconErr
}

// Close tears the session down: pending calls fail, session-owned listeners
// are removed, the connection closes. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	calls := make([]*pendingCall, 0, len(s.pending))
	for _, p := range s.pending {
		calls = append(calls, p)
	}
	s.pending = make(map[string]*pendingCall)
	s.mu.Unlock()

	for _, call := range calls {
		close(call.ch)
	}

	if s.hub != nil {
		s.hub.RemoveOwner(s.Owner())
	}

	if s.rconClient != nil {
		_ = s.rconClient.Close()
	}

	observability.SessionClosed()
	return s.conn.Close()
}

func (s *Session) dropCall(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}
