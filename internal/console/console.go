// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatRelay Contributors

// Package console provides the operator REPL: lines typed on stdin resolve
// to console commands and dispatch as command events.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/chatrelay/chatrelay/internal/command"
)

// Console reads operator input and routes it through the command registry.
type Console struct {
	registry *command.Registry
	input    io.Reader
	output   io.Writer
}

// New creates a console reading from input and writing feedback to output.
func New(registry *command.Registry, input io.Reader, output io.Writer) *Console {
	return &Console{registry: registry, input: input, output: output}
}

// Printf writes an operator-facing line.
func (c *Console) Printf(format string, args ...any) {
	fmt.Fprintf(c.output, format+"\n", args...)
}

// Run reads lines until ctx is canceled or input reaches EOF. Reading
// happens on its own goroutine so cancellation is honored while blocked.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.input)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			slog.Warn("console input error", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if err := c.registry.Call(ctx, line); err != nil {
				c.Printf("%s", command.OperatorMessage(err))
			}
		}
	}
}
