// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatRelay Contributors

// Package event implements the central dispatch hub routing named events to
// registered listeners.
package event

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/chatrelay/chatrelay/internal/observability"
)

var tracer = otel.Tracer("chatrelay/event")

// ErrorEvent is dispatched when a listener fails. Its arguments are the
// failing event name, the error, and the original event arguments.
const ErrorEvent = "error"

// commandPrefix marks event names that double as console commands:
// registering a listener for "command_plugin_add" exposes "plugin add".
const commandPrefix = "command_"

// Listener is a registered event handler. Arguments arrive positionally;
// a listener declared with a fixed arity receives only the leading N.
type Listener func(ctx context.Context, args ...any) error

// Variadic is the arity of a listener that accepts every argument supplied.
const Variadic = -1

// CommandTable receives console command registrations derived from
// command_-prefixed event names.
type CommandTable interface {
	Add(name, display string)
	Remove(name string)
}

type entry struct {
	fn    Listener
	ptr   uintptr
	owner string
	arity int
}

// Hub routes named events to listeners. Listener invocation is scheduled,
// never inline: a slow listener cannot stall dispatch of its peers.
type Hub struct {
	mu        sync.RWMutex
	listeners map[string][]entry
	commands  CommandTable

	wg sync.WaitGroup
}

// Option configures a Hub.
type Option func(*Hub)

// WithCommandTable wires console command discovery for command_ events.
func WithCommandTable(ct CommandTable) Option {
	return func(h *Hub) {
		h.commands = ct
	}
}

// New creates an empty hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		listeners: make(map[string][]entry),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ListenerOption configures a single registration.
type ListenerOption func(*entry)

// WithOwner tags the registration so RemoveOwner can purge it later.
// Plugins register every listener under their own name.
func WithOwner(owner string) ListenerOption {
	return func(e *entry) {
		e.owner = owner
	}
}

// WithArity declares a fixed positional arity. Dispatch truncates the
// argument list to n for this listener, tolerating events that grew extra
// arguments since the listener was written.
func WithArity(n int) ListenerOption {
	return func(e *entry) {
		e.arity = n
	}
}

// AddListener appends fn to the ordered listener list for name.
// Registration order is invocation start order.
func (h *Hub) AddListener(name string, fn Listener, opts ...ListenerOption) {
	if fn == nil {
		panic("event: nil listener for " + name)
	}

	e := entry{
		fn:    fn,
		ptr:   reflect.ValueOf(fn).Pointer(),
		arity: Variadic,
	}
	for _, opt := range opts {
		opt(&e)
	}

	h.mu.Lock()
	h.listeners[name] = append(h.listeners[name], e)
	h.mu.Unlock()

	if h.commands != nil && strings.HasPrefix(name, commandPrefix) {
		h.commands.Add(commandName(name), "")
	}
}

// RemoveListener removes the first registration of fn under name.
// Removing a listener that is not registered is a no-op.
func (h *Hub) RemoveListener(name string, fn Listener) {
	ptr := reflect.ValueOf(fn).Pointer()

	h.mu.Lock()
	entries := h.listeners[name]
	for i, e := range entries {
		if e.ptr == ptr {
			h.listeners[name] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	empty := len(h.listeners[name]) == 0
	if empty {
		delete(h.listeners, name)
	}
	h.mu.Unlock()

	// The console command disappears only when no listener is left, so
	// two plugins sharing a command do not unregister each other.
	if empty && h.commands != nil && strings.HasPrefix(name, commandPrefix) {
		h.commands.Remove(commandName(name))
	}
}

// RemoveOwner purges every listener registered under owner, across all
// events. Used by the plugin manager on unload and rollback.
func (h *Hub) RemoveOwner(owner string) {
	if owner == "" {
		return
	}

	var emptied []string

	h.mu.Lock()
	for name, entries := range h.listeners {
		kept := entries[:0:0]
		for _, e := range entries {
			if e.owner != owner {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(h.listeners, name)
			emptied = append(emptied, name)
		} else {
			h.listeners[name] = kept
		}
	}
	h.mu.Unlock()

	if h.commands != nil {
		for _, name := range emptied {
			if strings.HasPrefix(name, commandPrefix) {
				h.commands.Remove(commandName(name))
			}
		}
	}
}

// ListenerCount returns how many listeners are registered for name.
func (h *Hub) ListenerCount(name string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners[name])
}

// Dispatch schedules every listener registered for name, in registration
// order, each as its own unit of work. It never blocks on listener bodies
// and completion order across listeners is unspecified.
func (h *Hub) Dispatch(ctx context.Context, name string, args ...any) {
	h.mu.RLock()
	entries := make([]entry, len(h.listeners[name]))
	copy(entries, h.listeners[name])
	h.mu.RUnlock()

	observability.RecordEventDispatched(name)

	for _, e := range entries {
		e := e
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.runListener(ctx, name, e, args)
		}()
	}
}

// Drain blocks until all in-flight listener invocations have returned.
// Intended for shutdown and tests.
func (h *Hub) Drain() {
	h.wg.Wait()
}

// runListener invokes one listener, isolating failures. A listener error
// or panic becomes an ErrorEvent dispatch; a failure inside an ErrorEvent
// listener is logged and swallowed to keep the hub alive.
func (h *Hub) runListener(ctx context.Context, name string, e entry, args []any) {
	ctx, span := tracer.Start(ctx, "event.dispatch",
		trace.WithAttributes(
			attribute.String("event.name", name),
			attribute.String("event.owner", e.owner),
		),
	)
	defer span.End()

	if e.arity != Variadic && len(args) > e.arity {
		args = args[:e.arity]
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("listener panicked: %v", r)
			}
		}()
		return e.fn(ctx, args...)
	}()

	if err == nil {
		return
	}

	span.RecordError(err)
	observability.RecordListenerError(name)

	if name == ErrorEvent {
		// Double fault: log only, never recurse.
		slog.Error("error listener failed",
			"owner", e.owner,
			"error", err,
		)
		return
	}

	slog.Warn("listener failed, dispatching error event",
		"event", name,
		"owner", e.owner,
		"error", err,
	)
	h.Dispatch(ctx, ErrorEvent, append([]any{name, err}, args...)...)
}

// commandName converts "command_plugin_add" to "plugin add".
func commandName(eventName string) string {
	return strings.ReplaceAll(strings.TrimPrefix(eventName, commandPrefix), "_", " ")
}
