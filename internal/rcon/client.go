// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatRelay Contributors

// Package rcon implements a minimal Source RCON client used to query game
// servers for player lists.
package rcon

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// Error codes.
const (
	CodeUnavailable = "RCON_UNAVAILABLE"
	CodeAuthFailed  = "RCON_AUTH_FAILED"
	CodeBadPacket   = "RCON_BAD_PACKET"
)

// Source RCON packet types.
const (
	typeResponseValue = 0
	typeExecCommand   = 2
	typeAuthResponse  = 2
	typeAuth          = 3
)

// maxPacketSize bounds the declared body size of an inbound packet.
const maxPacketSize = 1 << 20

const ioTimeout = 10 * time.Second

// Client is a Source RCON connection. It is safe for concurrent use; calls
// are serialized because the protocol interleaves poorly.
type Client struct {
	mu     sync.Mutex
	conn   net.Conn
	nextID int32
}

// Dial connects and authenticates against a Source RCON endpoint, retrying
// the TCP dial with exponential backoff since game servers open their RCON
// port a moment after the game port.
func Dial(ctx context.Context, addr, password string) (*Client, error) {
	var conn net.Conn

	backoff := retry.WithMaxRetries(4, retry.NewFibonacci(250*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var d net.Dialer
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, oops.Code(CodeUnavailable).
			With("addr", addr).
			Wrap(err)
	}

	client := &Client{conn: conn, nextID: 1}
	if err := client.authenticate(ctx, password); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return client, nil
}

// Execute sends a command and returns the response body.
func (c *Client) Execute(ctx context.Context, command string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++

	if err := c.writePacket(ctx, id, typeExecCommand, command); err != nil {
		return "", err
	}

	respID, _, body, err := c.readPacket(ctx)
	if err != nil {
		return "", err
	}
	if respID != id {
		return "", oops.Code(CodeBadPacket).
			With("want_id", id).
			With("got_id", respID).
			Errorf("response id mismatch")
	}
	return body, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

func (c *Client) authenticate(ctx context.Context, password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++

	if err := c.writePacket(ctx, id, typeAuth, password); err != nil {
		return err
	}

	// Some servers send an empty RESPONSE_VALUE before the AUTH_RESPONSE.
	for {
		respID, respType, _, err := c.readPacket(ctx)
		if err != nil {
			return err
		}
		if respType != typeAuthResponse {
			continue
		}
		// Auth failure is signaled with id -1.
		if respID == -1 {
			return oops.Code(CodeAuthFailed).Errorf("rcon password rejected")
		}
		return nil
	}
}

// writePacket frames [int32 size][int32 id][int32 type][body\x00\x00],
// everything little-endian.
func (c *Client) writePacket(ctx context.Context, id, typ int32, body string) error {
	size := 4 + 4 + len(body) + 2
	buf := make([]byte, 4+size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(size))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(id))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(typ))
	copy(buf[12:], body)
	// Trailing two NUL bytes are already zero.

	if err := c.conn.SetWriteDeadline(deadline(ctx)); err != nil {
		return oops.Code(CodeUnavailable).Wrap(err)
	}
	if _, err := c.conn.Write(buf); err != nil {
		return oops.Code(CodeUnavailable).Wrap(err)
	}
	return nil
}

func (c *Client) readPacket(ctx context.Context) (id, typ int32, body string, err error) {
	if err := c.conn.SetReadDeadline(deadline(ctx)); err != nil {
		return 0, 0, "", oops.Code(CodeUnavailable).Wrap(err)
	}

	var header [4]byte
	if _, err := io.ReadFull(c.conn, header[:]); err != nil {
		return 0, 0, "", oops.Code(CodeUnavailable).Wrap(err)
	}
	size := binary.LittleEndian.Uint32(header[:])
	if size < 10 || size > maxPacketSize {
		return 0, 0, "", oops.Code(CodeBadPacket).
			With("size", size).
			Errorf("implausible packet size")
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		return 0, 0, "", oops.Code(CodeUnavailable).Wrap(err)
	}

	id = int32(binary.LittleEndian.Uint32(payload[0:4]))
	typ = int32(binary.LittleEndian.Uint32(payload[4:8]))
	body = string(payload[8 : len(payload)-2])
	return id, typ, body, nil
}

func deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(ioTimeout)
}
