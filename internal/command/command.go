// Package command implements the Command Manager (C10): the verb registry,
// level-gated dispatch, per-player alias substitution, and the social-emote
// fallback hook.
package command

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jasona/mudforge-sub002/internal/permission"
)

// Context is the argument bundle a command's Execute function receives.
type Context struct {
	Player   string
	Args     string
	Send     func(string)
	SendLine func(string)
}

// ExecuteFunc runs a dispatched command.
type ExecuteFunc func(ctx Context) error

// Command is one registered verb.
type Command struct {
	Name    string
	Aliases []string
	Level   permission.Level
	Execute ExecuteFunc
}

// SocialFunc is consulted when no registered command matches; it returns
// true if it handled the input as a social emote.
type SocialFunc func(player, verb, args string) bool

// reservedVerbs are excluded from player alias substitution: a player can
// never shadow their own ability to manage aliases.
var reservedVerbs = map[string]bool{"alias": true, "unalias": true, "aliases": true}

// Manager holds the verb registry and every player's personal alias table.
type Manager struct {
	mu       sync.RWMutex
	commands map[string]*Command // keyed by name or alias, lowercase

	aliasMu sync.Mutex
	aliases map[string]map[string]string // lowercased player -> verb -> expansion

	social SocialFunc
}

// New creates a Manager with the built-in alias/unalias/aliases commands
// pre-registered.
func New() *Manager {
	m := &Manager{
		commands: make(map[string]*Command),
		aliases:  make(map[string]map[string]string),
	}
	m.registerBuiltins()
	return m
}

// SetSocialFallback installs the function tried when no verb matches.
func (m *Manager) SetSocialFallback(fn SocialFunc) {
	m.social = fn
}

// Register adds a command to the verb registry, indexed by its name and
// every alias.
func (m *Manager) Register(cmd Command) error {
	if cmd.Name == "" {
		return fmt.Errorf("command must have a name")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c := cmd
	key := strings.ToLower(cmd.Name)
	m.commands[key] = &c
	for _, alias := range cmd.Aliases {
		m.commands[strings.ToLower(alias)] = &c
	}
	return nil
}

func (m *Manager) lookup(verb string) (*Command, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cmd, ok := m.commands[verb]
	return cmd, ok
}

// split tokenizes input into a lowercased verb and the trimmed remainder.
func split(input string) (verb, args string) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", ""
	}
	fields := strings.SplitN(trimmed, " ", 2)
	verb = strings.ToLower(fields[0])
	if len(fields) == 2 {
		args = strings.TrimSpace(fields[1])
	}
	return verb, args
}

// Execute runs the dispatch algorithm: alias substitution
// (exactly once), then verb lookup with level gating. It returns true if a
// registered command ran; the caller is expected to try the social fallback
// (or call TrySocial itself) when it returns false.
func (m *Manager) Execute(player, input string, level permission.Level, send, sendLine func(string)) bool {
	verb, args := split(input)
	if verb == "" {
		return false
	}

	if !reservedVerbs[verb] {
		if expansion, ok := m.lookupAlias(player, verb); ok {
			substituted := expansion
			if args != "" {
				substituted = expansion + " " + args
			}
			verb, args = split(substituted)
		}
	}

	cmd, ok := m.lookup(verb)
	if !ok {
		return false
	}
	if level < cmd.Level {
		if sendLine != nil {
			sendLine("You don't have permission to do that.")
		}
		return false
	}

	ctx := Context{Player: player, Args: args, Send: send, SendLine: sendLine}
	if err := cmd.Execute(ctx); err != nil && sendLine != nil {
		sendLine(err.Error())
	}
	return true
}

// TrySocial attempts the social-emote fallback for input that no registered
// command claimed. It returns false if no social fallback is installed or
// the fallback itself declines the verb.
func (m *Manager) TrySocial(player, input string) bool {
	if m.social == nil {
		return false
	}
	verb, args := split(input)
	if verb == "" {
		return false
	}
	return m.social(player, verb, args)
}

func (m *Manager) lookupAlias(player, verb string) (string, bool) {
	m.aliasMu.Lock()
	defer m.aliasMu.Unlock()
	table, ok := m.aliases[strings.ToLower(player)]
	if !ok {
		return "", false
	}
	expansion, ok := table[verb]
	return expansion, ok
}

// SetAlias records verb -> expansion for player.
func (m *Manager) SetAlias(player, verb, expansion string) {
	m.aliasMu.Lock()
	defer m.aliasMu.Unlock()
	key := strings.ToLower(player)
	table, ok := m.aliases[key]
	if !ok {
		table = make(map[string]string)
		m.aliases[key] = table
	}
	table[strings.ToLower(verb)] = expansion
}

// RemoveAlias deletes a single alias for player.
func (m *Manager) RemoveAlias(player, verb string) {
	m.aliasMu.Lock()
	defer m.aliasMu.Unlock()
	table, ok := m.aliases[strings.ToLower(player)]
	if !ok {
		return
	}
	delete(table, strings.ToLower(verb))
}

// ListAliases returns player's alias table sorted by verb.
func (m *Manager) ListAliases(player string) []string {
	m.aliasMu.Lock()
	defer m.aliasMu.Unlock()
	table, ok := m.aliases[strings.ToLower(player)]
	if !ok {
		return nil
	}
	verbs := make([]string, 0, len(table))
	for v := range table {
		verbs = append(verbs, v)
	}
	sort.Strings(verbs)
	out := make([]string, 0, len(verbs))
	for _, v := range verbs {
		out = append(out, fmt.Sprintf("%s -> %s", v, table[v]))
	}
	return out
}

func (m *Manager) registerBuiltins() {
	_ = m.Register(Command{
		Name:  "alias",
		Level: permission.Player,
		Execute: func(ctx Context) error {
			parts := strings.SplitN(ctx.Args, " ", 2)
			if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
				if ctx.SendLine != nil {
					ctx.SendLine("Usage: alias <verb> <expansion>")
				}
				return nil
			}
			m.SetAlias(ctx.Player, parts[0], parts[1])
			if ctx.SendLine != nil {
				ctx.SendLine(fmt.Sprintf("Alias set: %s -> %s", parts[0], parts[1]))
			}
			return nil
		},
	})
	_ = m.Register(Command{
		Name:  "unalias",
		Level: permission.Player,
		Execute: func(ctx Context) error {
			if ctx.Args == "" {
				if ctx.SendLine != nil {
					ctx.SendLine("Usage: unalias <verb>")
				}
				return nil
			}
			m.RemoveAlias(ctx.Player, ctx.Args)
			if ctx.SendLine != nil {
				ctx.SendLine(fmt.Sprintf("Alias removed: %s", ctx.Args))
			}
			return nil
		},
	})
	_ = m.Register(Command{
		Name:  "aliases",
		Level: permission.Player,
		Execute: func(ctx Context) error {
			list := m.ListAliases(ctx.Player)
			if ctx.SendLine == nil {
				return nil
			}
			if len(list) == 0 {
				ctx.SendLine("You have no aliases.")
				return nil
			}
			for _, line := range list {
				ctx.SendLine(line)
			}
			return nil
		},
	})
}
