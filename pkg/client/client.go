// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatRelay Contributors

// Package client implements the relay wire protocol for plugin processes
// written in Go.
package client

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/chatrelay/chatrelay/internal/transport"
)

// Error codes.
const (
	CodeDialFailed   = "CLIENT_DIAL_FAILED"
	CodeAuthRejected = "CLIENT_AUTH_REJECTED"
)

// connectTimeout bounds the dial plus handshake exchange.
const connectTimeout = 30 * time.Second

// Handler processes one inbound event.
type Handler func(args ...any)

// CommandHandler answers an out-of-band command from the relay. The return
// value travels back in the cmd_callback frame.
type CommandHandler func(command string) any

// Options configures a client.
type Options struct {
	// Addr is the relay's listen address.
	Addr string
	// Passphrase derives the frame encryption key and must match the relay.
	Passphrase string
	// Name and Password authenticate the client.
	Name     string
	Password string
	// RconAddr and RconPassword optionally advertise this game server's
	// RCON endpoint to the relay.
	RconAddr     string
	RconPassword string
	// Heartbeat is the ping interval; zero disables the heartbeat.
	Heartbeat time.Duration
}

type handshakeFrame struct {
	Name     string      `json:"name"`
	Password string      `json:"password"`
	Rcon     *rconParams `json:"rcon,omitempty"`
}

type rconParams struct {
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Password string `json:"password"`
}

// Client is one relay connection.
type Client struct {
	conn      *transport.Conn
	heartbeat time.Duration

	mu       sync.RWMutex
	handlers map[string][]Handler
	command  CommandHandler
}

// Dial connects, authenticates, and returns a ready client. The caller
// must run Run to start receiving events.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	cryptor, err := transport.NewCryptor(opts.Passphrase)
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	nc, err := d.DialContext(dialCtx, "tcp", opts.Addr)
	if err != nil {
		return nil, oops.Code(CodeDialFailed).With("addr", opts.Addr).Wrap(err)
	}

	conn := transport.NewConn(nc, cryptor)

	hs := handshakeFrame{Name: opts.Name, Password: opts.Password}
	if opts.RconAddr != "" {
		host, portStr, splitErr := net.SplitHostPort(opts.RconAddr)
		port, atoiErr := strconv.Atoi(portStr)
		if splitErr != nil || atoiErr != nil {
			_ = nc.Close()
			return nil, oops.Code(CodeDialFailed).
				With("rcon_addr", opts.RconAddr).
				Errorf("rcon address must be host:port")
		}
		hs.Rcon = &rconParams{IP: host, Port: port, Password: opts.RconPassword}
	}
	if err := conn.SendJSON(hs); err != nil {
		_ = conn.Close()
		return nil, err
	}

	// The relay answers "connected" on success, "error" on rejection.
	_ = nc.SetReadDeadline(time.Now().Add(connectTimeout))
	msg, err := conn.Receive()
	_ = nc.SetReadDeadline(time.Time{})
	if err != nil {
		_ = conn.Close()
		return nil, oops.Code(CodeAuthRejected).Wrapf(err, "no handshake response")
	}

	pkt, ok := msg.Packet()
	if !ok || pkt.Event != "connected" {
		_ = conn.Close()
		reason := msg.Text()
		if ok {
			reason = pkt.Event
			if len(pkt.Args) > 0 {
				if s, isStr := pkt.Args[len(pkt.Args)-1].(string); isStr {
					reason = s
				}
			}
		}
		return nil, oops.Code(CodeAuthRejected).
			With("name", opts.Name).
			Errorf("relay rejected handshake: %s", reason)
	}

	conn.SetState(transport.StateOnline)
	return &Client{
		conn:      conn,
		heartbeat: opts.Heartbeat,
		handlers:  make(map[string][]Handler),
	}, nil
}

// On registers a handler for an event. Multiple handlers per event run in
// registration order.
func (c *Client) On(event string, fn Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], fn)
}

// OnCommand registers the answerer for extra_command requests.
func (c *Client) OnCommand(fn CommandHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.command = fn
}

// Emit sends an event to the relay.
func (c *Client) Emit(event string, args ...any) error {
	return c.conn.SendEvent(event, args...)
}

// Run receives frames until ctx is canceled or the connection drops.
func (c *Client) Run(ctx context.Context) error {
	if c.heartbeat > 0 {
		go c.heartbeatLoop(ctx)
	}

	type received struct {
		msg transport.Message
		err error
	}
	frames := make(chan received)

	go func() {
		defer close(frames)
		for {
			msg, err := c.conn.Receive()
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

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r, ok := <-frames:
			if !ok {
				return nil
			}
			if r.err != nil {
				if transport.IsDecryptError(r.err) {
					slog.Warn("dropping undecryptable frame")
					continue
				}
				return r.err
			}
			c.handleMessage(r.msg)
		}
	}
}

// Close terminates the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) handleMessage(msg transport.Message) {
	if msg.Text() == "pong" {
		return
	}

	pkt, ok := msg.Packet()
	if !ok {
		c.dispatch("message", msg.Text())
		return
	}

	if pkt.Event == "extra_command" && len(pkt.Args) > 0 {
		if command, isStr := pkt.Args[0].(string); isStr {
			c.answerCommand(command)
			return
		}
	}

	c.dispatch(pkt.Event, pkt.Args...)
}

func (c *Client) answerCommand(command string) {
	c.mu.RLock()
	fn := c.command
	c.mu.RUnlock()

	var result any
	if fn != nil {
		result = fn(command)
	}
	if err := c.Emit("cmd_callback", command, result); err != nil {
		slog.Warn("cmd_callback send failed", "command", command, "error", err)
	}
}

func (c *Client) dispatch(event string, args ...any) {
	c.mu.RLock()
	handlers := make([]Handler, len(c.handlers[event]))
	copy(handlers, c.handlers[event])
	c.mu.RUnlock()

	for _, fn := range handlers {
		fn(args...)
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.SendString("ping"); err != nil {
				return
			}
		}
	}
}
