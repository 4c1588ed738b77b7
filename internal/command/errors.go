// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatRelay Contributors

package command

import (
	"fmt"
	"strings"

	"github.com/samber/oops"
)

// CodeUnknownCommand is returned when no registered command matches input.
const CodeUnknownCommand = "UNKNOWN_COMMAND"

// OperatorMessage converts a command error into a line suitable for the
// console. Unknown-command errors include suggestions when any exist;
// anything else falls back to the raw error text.
func OperatorMessage(err error) string {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok || oopsErr.Code() != CodeUnknownCommand {
		return err.Error()
	}

	ctx := oopsErr.Context()
	input, _ := ctx["input"].(string)
	if input == "" {
		return "unknown command"
	}

	msg := fmt.Sprintf("unknown command: %q", input)
	if suggestions, ok := ctx["suggestions"].([]string); ok && len(suggestions) > 0 {
		msg += " (did you mean: " + strings.Join(suggestions, ", ") + "?)"
	}
	return msg
}
