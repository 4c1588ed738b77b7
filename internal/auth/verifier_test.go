// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatRelay Contributors

package auth

import (
	"strings"
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHash_ProducesPHCFormat(t *testing.T) {
	hash, err := Hash("hunter2")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$"))
	assert.True(t, IsHashed(hash))
}

func TestHash_EmptyPasswordFails(t *testing.T) {
	_, err := Hash("")
	assert.ErrorIs(t, err, ErrEmptyPassword)
}

func TestHash_UniqueSalts(t *testing.T) {
	a, err := Hash("same")
	require.NoError(t, err)
	b, err := Hash("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestVerify_HashedCredential(t *testing.T) {
	hash, err := Hash("correct horse")
	require.NoError(t, err)

	ok, err := Verify("correct horse", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify("wrong horse", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerify_PlaintextCredential(t *testing.T) {
	ok, err := Verify("secret", "secret")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify("nope", "secret")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.False(t, IsHashed("secret"))
}

func TestVerify_MalformedHash(t *testing.T) {
	cases := []string{
		"$argon2id$bogus",
		"$argon2id$v=19$m=65536,t=1,p=4$!!!$AAAA",
		"$argon2id$v=19$m=65536,t=1,p=4$AAAA$!!!",
		"$argon2id$v=19$m=65536,t=1,p=300$AAAA$AAAA",
	}
	for _, hash := range cases {
		_, err := Verify("pw", hash)
		require.Error(t, err, "hash %q", hash)

		oopsErr, ok := oops.AsOops(err)
		require.True(t, ok)
		assert.Equal(t, CodeInvalidHash, oopsErr.Code())
	}
}

func TestVerify_WrongAlgorithmPrefixTreatedAsPlaintext(t *testing.T) {
	// A bcrypt hash is not in argon2id PHC format, so it is compared as a
	// literal string.
	ok, err := Verify("pw", "$2a$10$abcdefghijklmnopqrstuv")
	require.NoError(t, err)
	assert.False(t, ok)
}
