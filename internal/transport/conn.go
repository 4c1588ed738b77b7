// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatRelay Contributors

package transport

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/samber/oops"
)

const (
	// readChunkSize bounds each read while draining a frame body, capping
	// the per-iteration memory burst on large frames.
	readChunkSize = 1024

	// maxFrameSize caps the ciphertext length a peer may declare. Anything
	// larger is treated as a desynchronized or hostile stream.
	maxFrameSize = 64 << 20
)

// Packet is the application envelope carried inside a frame: a named event
// with positional arguments.
type Packet struct {
	Event string `json:"event"`
	Args  []any  `json:"args,omitempty"`
}

// Message is one decrypted frame payload. The wire format does not
// distinguish raw strings from JSON; the receiver decides.
type Message struct {
	Raw []byte
}

// Text returns the payload as a string.
func (m Message) Text() string {
	return string(m.Raw)
}

// Decode returns the payload as a decoded JSON value, falling back to the
// raw string when the payload is not valid JSON.
func (m Message) Decode() any {
	var v any
	if err := json.Unmarshal(m.Raw, &v); err != nil {
		return string(m.Raw)
	}
	return v
}

// Unmarshal decodes the payload into v as JSON.
func (m Message) Unmarshal(v any) error {
	if err := json.Unmarshal(m.Raw, v); err != nil {
		return oops.Code(CodeMalformedFrame).Wrap(err)
	}
	return nil
}

// Packet attempts to interpret the payload as an event envelope.
func (m Message) Packet() (Packet, bool) {
	var p Packet
	if err := json.Unmarshal(m.Raw, &p); err != nil || p.Event == "" {
		return Packet{}, false
	}
	return p, true
}

// Conn wraps a duplex byte stream with encrypted framing and connection
// state. Writes are serialized; Receive must be called from one goroutine.
type Conn struct {
	nc      net.Conn
	cryptor *Cryptor
	state   atomic.Uint32

	writeMu sync.Mutex
}

// NewConn wraps nc. The connection starts in CONNECTING state.
func NewConn(nc net.Conn, cryptor *Cryptor) *Conn {
	c := &Conn{nc: nc, cryptor: cryptor}
	c.state.Store(uint32(StateConnecting))
	return c
}

// State returns the current connection state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// SetState transitions the connection state.
func (c *Conn) SetState(s State) {
	c.state.Store(uint32(s))
}

// RemoteAddr reports the peer address of the underlying stream.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// Send encrypts payload and writes [length][ciphertext] as a single buffer.
// Zero-length payloads are legal.
func (c *Conn) Send(payload []byte) error {
	ciphertext, err := c.cryptor.Encrypt(payload)
	if err != nil {
		return err
	}

	frame := make([]byte, 4+len(ciphertext))
	binary.BigEndian.PutUint32(frame, uint32(len(ciphertext)))
	copy(frame[4:], ciphertext)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.nc.Write(frame); err != nil {
		return oops.Code(CodeTransportWrite).Wrap(err)
	}
	return nil
}

// SendString sends a raw text payload.
func (c *Conn) SendString(s string) error {
	return c.Send([]byte(s))
}

// SendJSON marshals v and sends it as a frame payload.
func (c *Conn) SendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return oops.Code(CodeTransportWrite).Wrap(err)
	}
	return c.Send(b)
}

// SendEvent sends an event envelope.
func (c *Conn) SendEvent(event string, args ...any) error {
	return c.SendJSON(Packet{Event: event, Args: args})
}

// Receive reads one frame and decrypts it.
//
// A clean close at a frame boundary returns io.EOF. A partial length header
// returns MALFORMED_FRAME: the stream is desynchronized and the caller
// should close the connection. A DECRYPT_FAILED error leaves the stream
// framed correctly, so the caller may log it and keep receiving.
func (c *Conn) Receive() (Message, error) {
	var header [4]byte
	n, err := io.ReadFull(c.nc, header[:])
	if err != nil {
		if n == 0 && (errors.Is(err, io.EOF) || isClosedErr(err)) {
			return Message{}, io.EOF
		}
		return Message{}, oops.Code(CodeMalformedFrame).
			With("header_bytes", n).
			Wrap(err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > maxFrameSize {
		return Message{}, oops.Code(CodeFrameTooLarge).
			With("length", length).
			Errorf("declared frame length exceeds cap")
	}

	ciphertext := make([]byte, 0, length)
	remaining := int(length)
	buf := make([]byte, readChunkSize)
	for remaining > 0 {
		chunk := buf
		if remaining < readChunkSize {
			chunk = buf[:remaining]
		}
		rn, rerr := c.nc.Read(chunk)
		ciphertext = append(ciphertext, chunk[:rn]...)
		remaining -= rn
		if rerr != nil {
			return Message{}, oops.Code(CodeMalformedFrame).
				With("expected", length).
				With("received", len(ciphertext)).
				Wrap(rerr)
		}
	}

	plaintext, err := c.cryptor.Decrypt(ciphertext)
	if err != nil {
		return Message{}, err
	}
	return Message{Raw: plaintext}, nil
}

// Close tears the connection down and marks it DISCONNECTED.
func (c *Conn) Close() error {
	c.SetState(StateDisconnected)
	if err := c.nc.Close(); err != nil {
		return oops.Code(CodeTransportWrite).Wrap(err)
	}
	return nil
}

// isClosedErr reports whether err means the local side closed the socket.
func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
