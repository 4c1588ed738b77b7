// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatRelay Contributors

// Package online aggregates the player list across every connected game
// server, querying plugin clients directly and BungeeCord proxies over RCON.
package online

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/internal/plugin"
	"github.com/chatrelay/chatrelay/internal/rcon"
	"github.com/chatrelay/chatrelay/internal/session"
)

// Vanilla "list" output, both pre- and post-1.16 phrasing:
//
//	There are 3 of a max 50 players online: A, B, C
//	There are 3 of a max of 50 players online: A, B, C
var listRe = regexp.MustCompile(`There are \d+ of a max(?: of)? \d+ players online:(.*)`)

// BungeeCord "glist" output, one line per backend:
//
//	[Survival] (4): A, B, C, D
var glistRe = regexp.MustCompile(`\[(.*)\] \(\d*\):((?:.*[ ,]?)+)`)

const queryTimeout = 10 * time.Second

// Directory is the slice of the server the plugin needs: who is connected.
type Directory interface {
	Sessions() []*session.Session
	Session(name string) (*session.Session, bool)
}

// Plugin answers the "online" console command with a per-server roster.
type Plugin struct {
	cfg       config.Online
	directory Directory
	output    func(string)

	mu       sync.Mutex
	rconPool map[string]*rcon.Client
}

// Option configures the plugin.
type Option func(*Plugin)

// WithOutput redirects the roster report, e.g. to the console.
func WithOutput(fn func(string)) Option {
	return func(p *Plugin) { p.output = fn }
}

// New creates the online plugin.
func New(cfg config.Online, directory Directory, opts ...Option) *Plugin {
	p := &Plugin{
		cfg:       cfg,
		directory: directory,
		output:    func(s string) { fmt.Println(s) },
		rconPool:  make(map[string]*rcon.Client),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Plugin) Name() string        { return "online" }
func (p *Plugin) Description() string { return "aggregates online players across servers" }

// Setup registers the console command listener.
func (p *Plugin) Setup(_ context.Context, host *plugin.Host) error {
	host.AddListener("command_online", func(ctx context.Context, _ ...any) error {
		report, err := p.Report(ctx)
		if err != nil {
			return err
		}
		p.output(report)
		return nil
	})
	return nil
}

// Unload closes pooled RCON connections.
func (p *Plugin) Unload(context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, client := range p.rconPool {
		_ = client.Close()
	}
	p.rconPool = make(map[string]*rcon.Client)
}

// Roster is the player list of one server, in query_names order.
type Roster struct {
	Server  string
	Players []string
}

// Report formats the aggregated roster for the console.
func (p *Plugin) Report(ctx context.Context) (string, error) {
	rosters := p.Query(ctx)

	total := 0
	for _, r := range rosters {
		total += len(r.Players)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "List of members (%d)\n", total)
	for _, r := range rosters {
		fmt.Fprintf(&b, "- [%s](%d): %s\n", r.Server, len(r.Players), strings.Join(r.Players, ", "))
	}
	fmt.Fprintf(&b, "\nTotal number of servers: %d", len(rosters))
	return b.String(), nil
}

// Query gathers player sets from BungeeCord proxies and plugin clients,
// filtered and ordered by query_names. Individual query failures are
// logged and skipped.
func (p *Plugin) Query(ctx context.Context) []Roster {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	found := make(map[string][]string)

	for name, endpoint := range p.cfg.Bungeecord {
		servers, err := p.queryBungee(ctx, name, endpoint)
		if err != nil {
			slog.Error("bungeecord query failed", "proxy", name, "error", err)
			continue
		}
		for server, players := range servers {
			found[server] = players
		}
	}

	for _, sess := range p.directory.Sessions() {
		players, err := p.querySession(ctx, sess)
		if err != nil {
			slog.Error("client query failed", "client", sess.Name(), "error", err)
			continue
		}
		found[sess.Name()] = players
	}

	rosters := make([]Roster, 0, len(p.cfg.QueryNames))
	for _, name := range p.cfg.QueryNames {
		players, ok := found[name]
		if !ok {
			continue
		}
		display := name
		if sess, online := p.directory.Session(name); online {
			display = sess.DisplayName()
		}
		rosters = append(rosters, Roster{Server: display, Players: players})
	}
	return rosters
}

// queryBungee runs glist on a proxy, reusing a pooled connection.
func (p *Plugin) queryBungee(ctx context.Context, name string, endpoint config.RconEndpoint) (map[string][]string, error) {
	p.mu.Lock()
	client, ok := p.rconPool[name]
	p.mu.Unlock()

	if !ok {
		var err error
		client, err = rcon.Dial(ctx, endpoint.Addr, endpoint.Password)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.rconPool[name] = client
		p.mu.Unlock()
	}

	out, err := client.Execute(ctx, "glist")
	if err != nil {
		// Drop the pooled connection; the next query redials.
		p.mu.Lock()
		delete(p.rconPool, name)
		p.mu.Unlock()
		_ = client.Close()
		return nil, err
	}
	return ParseGlist(out), nil
}

// querySession asks a plugin client to run "list" in its own console.
func (p *Plugin) querySession(ctx context.Context, sess *session.Session) ([]string, error) {
	result, err := sess.ExtraCommand(ctx, "list", queryTimeout)
	if err != nil {
		return nil, err
	}

	switch v := result.(type) {
	case string:
		return ParseList(v), nil
	case []any:
		players := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				players = append(players, strings.TrimSpace(s))
			}
		}
		return players, nil
	default:
		return nil, fmt.Errorf("unexpected list result type %T", result)
	}
}

// ParseList extracts player names from vanilla "list" command output.
func ParseList(data string) []string {
	m := listRe.FindStringSubmatch(data)
	if m == nil {
		return nil
	}
	return splitNames(m[1])
}

// ParseGlist extracts per-server player sets from BungeeCord "glist"
// output. The trailing total line is ignored.
func ParseGlist(data string) map[string][]string {
	out := make(map[string][]string)
	for _, line := range strings.Split(data, "\n") {
		if strings.HasPrefix(line, "Total players online:") {
			continue
		}
		m := glistRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		out[m[1]] = splitNames(m[2])
	}
	return out
}

func splitNames(s string) []string {
	var names []string
	for _, part := range strings.Split(s, ",") {
		if name := strings.TrimSpace(part); name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
