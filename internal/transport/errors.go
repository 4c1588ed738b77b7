// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatRelay Contributors

package transport

import "github.com/samber/oops"

// Error codes for frame transport failures.
const (
	// CodeTransportWrite marks a failed write on a closed or broken stream.
	CodeTransportWrite = "TRANSPORT_WRITE"
	// CodeMalformedFrame marks a truncated length header. The stream is
	// desynchronized and the caller must close the connection.
	CodeMalformedFrame = "MALFORMED_FRAME"
	// CodeDecryptFailed marks a frame that could not be decrypted. The
	// stream itself is still framed correctly, so the caller may continue.
	CodeDecryptFailed = "DECRYPT_FAILED"
	// CodeBadKey marks an unusable passphrase or key derivation failure.
	CodeBadKey = "BAD_KEY"
	// CodeFrameTooLarge marks a length prefix above the frame size cap.
	CodeFrameTooLarge = "FRAME_TOO_LARGE"
)

// IsDecryptError reports whether err is a recoverable decryption failure.
func IsDecryptError(err error) bool {
	oopsErr, ok := oops.AsOops(err)
	return ok && oopsErr.Code() == CodeDecryptFailed
}
