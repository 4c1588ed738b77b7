// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatRelay Contributors

// Package filesync implements the self-describing binary envelope used to
// carry files as event payloads.
package filesync

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/samber/oops"
)

// Error codes for envelope decoding failures.
const (
	CodeEnvelopeTruncated = "ENVELOPE_TRUNCATED"
	CodeFieldTooLong      = "ENVELOPE_FIELD_TOO_LONG"
)

// Envelope is one file transfer record.
//
//	offset  size  field
//	0       1     flag (reserved, currently always 0)
//	1       2     path length n (big-endian uint16)
//	3       n     path (UTF-8)
//	3+n     4     payload length m (big-endian uint32)
//	7+n     m     payload
//	7+n+m   2     server name length o (big-endian uint16), only if non-empty
//	9+n+m   o     server name (UTF-8)
//
// An absent server name is signaled by the buffer ending after the payload,
// not by a flag bit.
type Envelope struct {
	Flag       uint8
	Path       string
	Payload    []byte
	ServerName string
}

// Encode serializes the envelope.
func (e *Envelope) Encode() ([]byte, error) {
	if len(e.Path) > math.MaxUint16 {
		return nil, oops.Code(CodeFieldTooLong).
			With("field", "path").
			With("length", len(e.Path)).
			Errorf("path does not fit in a uint16 length")
	}
	if len(e.ServerName) > math.MaxUint16 {
		return nil, oops.Code(CodeFieldTooLong).
			With("field", "server_name").
			With("length", len(e.ServerName)).
			Errorf("server name does not fit in a uint16 length")
	}
	if uint64(len(e.Payload)) > math.MaxUint32 {
		return nil, oops.Code(CodeFieldTooLong).
			With("field", "payload").
			With("length", len(e.Payload)).
			Errorf("payload does not fit in a uint32 length")
	}

	var buf bytes.Buffer
	buf.Grow(9 + len(e.Path) + len(e.Payload) + len(e.ServerName))

	buf.WriteByte(e.Flag)
	writeUint16(&buf, uint16(len(e.Path)))
	buf.WriteString(e.Path)
	writeUint32(&buf, uint32(len(e.Payload)))
	buf.Write(e.Payload)
	if e.ServerName != "" {
		writeUint16(&buf, uint16(len(e.ServerName)))
		buf.WriteString(e.ServerName)
	}
	return buf.Bytes(), nil
}

// Decode parses an envelope produced by Encode.
func Decode(raw []byte) (*Envelope, error) {
	r := bytes.NewReader(raw)

	flag, err := r.ReadByte()
	if err != nil {
		return nil, truncated("flag", err)
	}

	pathLen, err := readUint16(r)
	if err != nil {
		return nil, truncated("path length", err)
	}
	path := make([]byte, pathLen)
	if _, err := io.ReadFull(r, path); err != nil {
		return nil, truncated("path", err)
	}

	payloadLen, err := readUint32(r)
	if err != nil {
		return nil, truncated("payload length", err)
	}
	if uint64(payloadLen) > uint64(r.Len()) {
		return nil, truncated("payload", io.ErrUnexpectedEOF)
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, truncated("payload", err)
	}

	env := &Envelope{
		Flag:    flag,
		Path:    string(path),
		Payload: payload,
	}

	// End of buffer means no server name.
	if r.Len() == 0 {
		return env, nil
	}

	nameLen, err := readUint16(r)
	if err != nil {
		return nil, truncated("server name length", err)
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return nil, truncated("server name", err)
	}
	env.ServerName = string(name)
	return env, nil
}

func truncated(field string, err error) error {
	return oops.Code(CodeEnvelopeTruncated).
		With("field", field).
		Wrap(err)
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func readUint16(r *bytes.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
