// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatRelay Contributors

// Package command maps console input lines onto command events.
package command

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/samber/oops"
)

// Dispatcher is the hub-facing half of command execution. The registry
// resolves a line to an event name and hands it off here.
type Dispatcher interface {
	Dispatch(ctx context.Context, name string, args ...any)
}

// Registry holds the set of known console commands. Command names are
// space-separated word sequences ("plugin add"); resolution picks the
// longest registered name that prefixes the input on a word boundary.
type Registry struct {
	mu         sync.RWMutex
	commands   map[string]string // name -> display text (may be empty)
	dispatcher Dispatcher
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		commands: make(map[string]string),
	}
}

// Bind attaches the dispatcher that Call will route resolved commands to.
// The hub and the registry reference each other, so binding happens after
// both are constructed.
func (r *Registry) Bind(d Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatcher = d
}

// Add registers a command name. Registering an existing name updates its
// display text.
func (r *Registry) Add(name, display string) {
	name = normalize(name)
	if name == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[name] = display
}

// AddAll registers several commands at once.
func (r *Registry) AddAll(commands map[string]string) {
	for name, display := range commands {
		r.Add(name, display)
	}
}

// Remove unregisters a command name.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.commands, normalize(name))
}

// Words returns all registered command names, sorted.
func (r *Registry) Words() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Display returns the display text registered for name.
func (r *Registry) Display(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.commands[normalize(name)]
}

// Resolve matches line against the registered commands and returns the
// matched name plus the remaining whitespace-separated arguments.
// With both "plugin" and "plugin add" registered, "plugin add foo"
// resolves to "plugin add" with args ["foo"].
func (r *Registry) Resolve(line string) (name string, args []string, err error) {
	words := strings.Fields(line)
	if len(words) == 0 {
		return "", nil, oops.Code(CodeUnknownCommand).Errorf("empty command line")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for n := len(words); n > 0; n-- {
		candidate := strings.Join(words[:n], " ")
		if _, ok := r.commands[candidate]; ok {
			return candidate, words[n:], nil
		}
	}

	return "", nil, oops.Code(CodeUnknownCommand).
		With("input", words[0]).
		With("suggestions", r.suggestLocked(words[0])).
		Errorf("unknown command: %s", words[0])
}

// Call resolves line and dispatches the matching command event with the
// leading args. Extra positional arguments ride along as individual event
// arguments.
func (r *Registry) Call(ctx context.Context, line string, extra ...any) error {
	name, args, err := r.Resolve(line)
	if err != nil {
		return err
	}

	r.mu.RLock()
	d := r.dispatcher
	r.mu.RUnlock()
	if d == nil {
		return oops.Errorf("command registry has no dispatcher bound")
	}

	eventArgs := make([]any, 0, len(extra)+len(args))
	eventArgs = append(eventArgs, extra...)
	for _, a := range args {
		eventArgs = append(eventArgs, a)
	}
	d.Dispatch(ctx, EventName(name), eventArgs...)
	return nil
}

// EventName converts a command name ("plugin add") to its event name
// ("command_plugin_add").
func EventName(command string) string {
	return "command_" + strings.ReplaceAll(normalize(command), " ", "_")
}

// suggestLocked returns registered commands whose first word shares a
// prefix with input. Caller holds at least a read lock.
func (r *Registry) suggestLocked(input string) []string {
	var out []string
	for name := range r.commands {
		first, _, _ := strings.Cut(name, " ")
		if strings.HasPrefix(first, input) || strings.HasPrefix(input, first) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func normalize(name string) string {
	return strings.Join(strings.Fields(name), " ")
}
