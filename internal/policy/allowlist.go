package policy

import (
	"path"
	"strings"
	"time"

	. "github.com/openclaw/openclaw/internal/logging"
	"github.com/openclaw/openclaw/internal/store"
)

// Allowlist is the persisted set of approved command patterns for one agent.
type Allowlist struct {
	store *store.Store[AllowlistFile]
}

// NewAllowlist opens (or creates) the allowlist store at path.
func NewAllowlist(filePath string) *Allowlist {
	return &Allowlist{
		store: store.New(filePath, func() AllowlistFile {
			return AllowlistFile{Version: 1}
		}),
	}
}

// Entries returns a snapshot of all entries.
func (a *Allowlist) Entries() ([]AllowlistEntry, error) {
	doc, err := a.store.Snapshot()
	if err != nil {
		return nil, err
	}
	return doc.Entries, nil
}

// Match reports whether command matches any entry. Every match updates the
// entry's lastUsedAtMs.
func (a *Allowlist) Match(command string) bool {
	doc, err := a.store.Snapshot()
	if err != nil {
		L_warn("allowlist: snapshot failed", "error", err)
		return false
	}

	matched := ""
	for _, e := range doc.Entries {
		if PatternMatches(e.Pattern, command) {
			matched = e.Pattern
			break
		}
	}
	if matched == "" {
		return false
	}

	now := time.Now().UnixMilli()
	if err := a.store.Mutate(func(doc *AllowlistFile) error {
		for i := range doc.Entries {
			if doc.Entries[i].Pattern == matched {
				doc.Entries[i].LastUsedAtMs = now
			}
		}
		return nil
	}); err != nil {
		L_warn("allowlist: failed to record use", "pattern", matched, "error", err)
	}
	return true
}

// Add persists a new pattern. Adding an existing pattern refreshes its
// lastUsedAtMs instead of duplicating it.
func (a *Allowlist) Add(pattern, agentID string) error {
	now := time.Now().UnixMilli()
	return a.store.Mutate(func(doc *AllowlistFile) error {
		for i := range doc.Entries {
			if doc.Entries[i].Pattern == pattern {
				doc.Entries[i].LastUsedAtMs = now
				return nil
			}
		}
		doc.Entries = append(doc.Entries, AllowlistEntry{
			Pattern:     pattern,
			CreatedAtMs: now,
			AgentID:     agentID,
		})
		L_info("allowlist: pattern added", "pattern", pattern, "agent", agentID)
		return nil
	})
}

// Remove deletes a pattern. Returns true if it existed.
func (a *Allowlist) Remove(pattern string) (bool, error) {
	removed := false
	err := a.store.Mutate(func(doc *AllowlistFile) error {
		kept := doc.Entries[:0]
		for _, e := range doc.Entries {
			if e.Pattern == pattern {
				removed = true
				continue
			}
			kept = append(kept, e)
		}
		doc.Entries = kept
		return nil
	})
	return removed, err
}

// PatternMatches checks a single pattern against a command string. Patterns
// are shell-style globs over the whole command; a pattern with no wildcard
// also matches when it equals the command's head token.
func PatternMatches(pattern, command string) bool {
	if pattern == "" {
		return false
	}
	if ok, err := path.Match(pattern, command); err == nil && ok {
		return true
	}
	if !strings.ContainsAny(pattern, "*?[") {
		head := command
		if i := strings.IndexByte(command, ' '); i >= 0 {
			head = command[:i]
		}
		return pattern == head
	}
	return false
}

// DerivePattern builds the allowlist pattern persisted for an allow-always
// decision: the command head plus a trailing wildcard when arguments follow.
func DerivePattern(command string) string {
	command = strings.TrimSpace(command)
	if i := strings.IndexByte(command, ' '); i >= 0 {
		return command[:i] + " *"
	}
	return command
}
