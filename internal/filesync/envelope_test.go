// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatRelay Contributors

package filesync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_RoundTrip(t *testing.T) {
	cases := []struct {
		name string
		env  Envelope
	}{
		{"basic", Envelope{Path: "world/level.dat", Payload: []byte("payload bytes"), ServerName: "Survival"}},
		{"no server name", Envelope{Path: "config.yml", Payload: []byte{0x00, 0xff, 0x10}}},
		{"empty payload", Envelope{Path: "empty.txt", Payload: nil, ServerName: "x"}},
		{"empty everything", Envelope{}},
		{"nonzero flag", Envelope{Flag: 7, Path: "a", Payload: []byte("b")}},
		{"unicode path", Envelope{Path: "存檔/世界.dat", Payload: []byte("data"), ServerName: "生存服"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := tc.env.Encode()
			require.NoError(t, err)

			got, err := Decode(raw)
			require.NoError(t, err)

			assert.Equal(t, tc.env.Flag, got.Flag)
			assert.Equal(t, tc.env.Path, got.Path)
			assert.Equal(t, string(tc.env.Payload), string(got.Payload))
			assert.Equal(t, tc.env.ServerName, got.ServerName)
		})
	}
}

func TestEnvelope_WireLayout(t *testing.T) {
	env := Envelope{Flag: 0, Path: "ab", Payload: []byte("xyz"), ServerName: "s"}
	raw, err := env.Encode()
	require.NoError(t, err)

	want := []byte{
		0x00,       // flag
		0x00, 0x02, // path length
		'a', 'b',
		0x00, 0x00, 0x00, 0x03, // payload length (uint32)
		'x', 'y', 'z',
		0x00, 0x01, // server name length
		's',
	}
	assert.Equal(t, want, raw)
}

func TestDecode_Truncated(t *testing.T) {
	env := Envelope{Path: "file", Payload: []byte("data"), ServerName: "srv"}
	raw, err := env.Encode()
	require.NoError(t, err)

	// Every proper prefix that cuts into a field must fail, except the
	// prefix ending exactly after the payload (legal: no server name).
	legal := 1 + 2 + len(env.Path) + 4 + len(env.Payload)
	for i := 0; i < len(raw); i++ {
		if i == legal {
			continue
		}
		_, err := Decode(raw[:i])
		assert.Error(t, err, "prefix of length %d should not decode", i)
	}
}

func TestDecode_DeclaredPayloadBeyondBuffer(t *testing.T) {
	// flag + empty path + payload length claiming 100 bytes with none present.
	raw := []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x64}
	_, err := Decode(raw)
	assert.Error(t, err)
}
