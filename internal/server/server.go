// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatRelay Contributors

// Package server accepts client connections, authenticates them, and feeds
// their frames into the event hub.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/chatrelay/chatrelay/internal/auth"
	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/internal/event"
	"github.com/chatrelay/chatrelay/internal/observability"
	"github.com/chatrelay/chatrelay/internal/session"
	"github.com/chatrelay/chatrelay/internal/transport"
)

// Error codes.
const (
	CodeAuthFailed    = "AUTH_FAILED"
	CodeAlreadyOnline = "ALREADY_ONLINE"
	CodeListen        = "LISTEN_FAILED"
)

// handshakeTimeout bounds how long a fresh connection may take to present
// credentials before being dropped.
const handshakeTimeout = 30 * time.Second

// maxDecryptFailures is how many consecutive undecryptable frames a client
// may send before the connection is torn down as unrecoverable.
const maxDecryptFailures = 3

// Server is the relay's client-facing listener.
type Server struct {
	addr    string
	cryptor *transport.Cryptor
	hub     *event.Hub
	users   map[string]config.User

	mu       sync.RWMutex
	sessions map[string]*session.Session // keyed by user name
	listener net.Listener
	running  bool
}

// New creates a server. Users maps client names to their credentials.
func New(addr string, cryptor *transport.Cryptor, hub *event.Hub, users map[string]config.User) *Server {
	return &Server{
		addr:     addr,
		cryptor:  cryptor,
		hub:      hub,
		users:    users,
		sessions: make(map[string]*session.Session),
	}
}

// Run listens and serves until ctx is canceled. It blocks.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return oops.Code(CodeListen).With("addr", s.addr).Wrap(err)
	}

	s.mu.Lock()
	s.listener = listener
	s.running = true
	s.mu.Unlock()

	slog.Info("relay listening", "addr", listener.Addr().String())

	// Closing the listener unblocks Accept when ctx is canceled.
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	var wg sync.WaitGroup
	for {
		nc, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			slog.Error("accept failed", "error", err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConnection(ctx, nc)
		}()
	}

	s.closeAllSessions()
	wg.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	slog.Info("relay stopped")
	return nil
}

// Running reports whether the accept loop is active. Used as the metrics
// readiness check.
func (s *Server) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the bound listen address, or empty before Run.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Session returns the session for a client name.
func (s *Server) Session(name string) (*session.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[name]
	return sess, ok
}

// Sessions returns a snapshot of all connected sessions.
func (s *Server) Sessions() []*session.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Broadcast emits an event to every connected client.
func (s *Server) Broadcast(event string, args ...any) {
	s.broadcast(event, args, nil)
}

// BroadcastExcept emits an event to every client except the named one.
// Relayed chat uses this so a server does not echo its own lines.
func (s *Server) BroadcastExcept(except, event string, args ...any) {
	s.broadcast(event, args, &except)
}

func (s *Server) broadcast(event string, args []any, except *string) {
	for _, sess := range s.Sessions() {
		if except != nil && sess.Name() == *except {
			continue
		}
		if err := sess.Emit(event, args...); err != nil {
			slog.Warn("broadcast send failed",
				"client", sess.Name(),
				"event", event,
				"error", err,
			)
		}
	}
}

// handleConnection authenticates and then pumps frames until the client
// goes away.
func (s *Server) handleConnection(ctx context.Context, nc net.Conn) {
	conn := transport.NewConn(nc, s.cryptor)

	sess, err := s.handshake(conn, nc)
	if err != nil {
		observability.RecordAuthFailure()
		slog.Warn("handshake rejected",
			"remote", nc.RemoteAddr().String(),
			"error", err,
		)
		// Best effort: tell the client why before closing.
		_ = conn.SendEvent("error", "auth", err.Error())
		_ = conn.Close()
		return
	}

	conn.SetState(transport.StateOnline)
	slog.Info("client connected",
		"client", sess.Name(),
		"remote", nc.RemoteAddr().String(),
	)
	s.hub.Dispatch(ctx, "connect", sess)
	s.hub.Dispatch(ctx, "server_startup", sess)

	s.servePackets(ctx, sess)

	s.detach(sess)
	_ = sess.Close()
	slog.Info("client disconnected", "client", sess.Name())
	s.hub.Dispatch(ctx, "disconnect", sess)
}

// handshake reads and verifies the first frame.
func (s *Server) handshake(conn *transport.Conn, nc net.Conn) (*session.Session, error) {
	if err := nc.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return nil, oops.Code(CodeAuthFailed).Wrap(err)
	}
	defer func() { _ = nc.SetReadDeadline(time.Time{}) }()

	msg, err := conn.Receive()
	if err != nil {
		return nil, oops.Code(CodeAuthFailed).Wrapf(err, "no readable handshake frame")
	}

	var hs session.Handshake
	if err := msg.Unmarshal(&hs); err != nil {
		return nil, oops.Code(CodeAuthFailed).Wrapf(err, "malformed handshake")
	}
	if hs.Name == "" {
		return nil, oops.Code(CodeAuthFailed).Errorf("handshake missing name")
	}

	cred, ok := s.users[hs.Name]
	if !ok {
		return nil, oops.Code(CodeAuthFailed).
			With("client", hs.Name).
			Errorf("unknown client")
	}

	match, err := auth.Verify(hs.Password, cred.Password)
	if err != nil {
		return nil, oops.Code(CodeAuthFailed).With("client", hs.Name).Wrap(err)
	}
	if !match {
		return nil, oops.Code(CodeAuthFailed).
			With("client", hs.Name).
			Errorf("bad password")
	}

	sess := session.New(conn, session.User{
		Name:        hs.Name,
		DisplayName: cred.DisplayName,
	}, &hs, s.hub)

	s.mu.Lock()
	if _, online := s.sessions[hs.Name]; online {
		s.mu.Unlock()
		_ = sess.Close()
		return nil, oops.Code(CodeAlreadyOnline).
			With("client", hs.Name).
			Errorf("client already connected")
	}
	s.sessions[hs.Name] = sess
	s.mu.Unlock()

	// Confirm before the client starts streaming events.
	if err := sess.Emit("connected", sess.DisplayName()); err != nil {
		s.detach(sess)
		_ = sess.Close()
		return nil, err
	}
	return sess, nil
}

// servePackets reads frames until EOF, ctx cancellation, or an
// unrecoverable stream error. Frames are read by a dedicated goroutine so
// cancellation is honored even while blocked on a read.
func (s *Server) servePackets(ctx context.Context, sess *session.Session) {
	type received struct {
		msg transport.Message
		err error
	}
	frames := make(chan received)

	go func() {
		defer close(frames)
		for {
			msg, err := sess.Conn().Receive()
			select {
			case frames <- received{msg, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	decryptFailures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-frames:
			if !ok {
				return
			}
			if r.err != nil {
				if transport.IsDecryptError(r.err) {
					decryptFailures++
					observability.RecordFrame("rejected")
					slog.Warn("dropping undecryptable frame",
						"client", sess.Name(),
						"failures", decryptFailures,
					)
					if decryptFailures >= maxDecryptFailures {
						slog.Error("too many undecryptable frames, closing",
							"client", sess.Name(),
						)
						return
					}
					continue
				}
				if !errors.Is(r.err, io.EOF) {
					slog.Warn("receive failed",
						"client", sess.Name(),
						"error", r.err,
					)
				}
				return
			}

			decryptFailures = 0
			observability.RecordFrame("in")
			s.routeMessage(ctx, sess, r.msg)
		}
	}
}

// routeMessage turns one inbound frame into hub dispatches.
func (s *Server) routeMessage(ctx context.Context, sess *session.Session, msg transport.Message) {
	// Heartbeat is answered below the event layer.
	if msg.Text() == "ping" {
		if err := sess.Conn().SendString("pong"); err != nil {
			slog.Warn("pong failed", "client", sess.Name(), "error", err)
		}
		return
	}

	pkt, ok := msg.Packet()
	if !ok {
		// Bare strings relay as plain messages.
		s.hub.Dispatch(ctx, "message", sess, msg.Text())
		return
	}

	switch pkt.Event {
	case "cmd_callback":
		// {command, result} answered by the client's out-of-band handler.
		if len(pkt.Args) >= 1 {
			command, _ := pkt.Args[0].(string)
			var result any
			if len(pkt.Args) > 1 {
				result = pkt.Args[1]
			}
			sess.ResolveCallback(command, result)
		}
		return
	default:
		args := append([]any{sess}, pkt.Args...)
		s.hub.Dispatch(ctx, pkt.Event, args...)
	}
}

func (s *Server) detach(sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.sessions[sess.Name()]; ok && current == sess {
		delete(s.sessions, sess.Name())
	}
}

func (s *Server) closeAllSessions() {
	for _, sess := range s.Sessions() {
		_ = sess.Close()
	}
}
