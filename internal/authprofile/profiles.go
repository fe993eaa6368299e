// Package authprofile manages provider credentials for OpenClaw: one profile
// per credential, rotated by the agent runner on auth failures and rate
// limits, with cooldowns respected.
package authprofile

import (
	"fmt"
	"time"

	. "github.com/openclaw/openclaw/internal/logging"
	"github.com/openclaw/openclaw/internal/store"
)

// Credential modes.
const (
	ModeOAuth  = "oauth"
	ModeAPIKey = "apiKey"
)

// Profile is one credential for a provider.
type Profile struct {
	ID            string `json:"id"`
	Provider      string `json:"provider"`
	Mode          string `json:"mode"`
	Credentials   string `json:"credentials"` // opaque to the rotator
	LastGoodAtMs  int64  `json:"lastGood,omitempty"`
	CooldownUntil int64  `json:"cooldownUntil,omitempty"`
	UsageCount    int64  `json:"usageCount,omitempty"`
}

// Ready reports whether the profile's cooldown has lapsed.
func (p Profile) Ready(now time.Time) bool {
	return p.CooldownUntil == 0 || p.CooldownUntil <= now.UnixMilli()
}

// File is the auth.json document.
type File struct {
	Version  int       `json:"version"`
	Profiles []Profile `json:"profiles"`
	// Order pins an explicit rotation order by profile id.
	Order []string `json:"order,omitempty"`
}

// Store persists auth profiles.
type Store struct {
	doc *store.Store[File]
	now func() time.Time
}

// NewStore opens the auth profile store at path.
func NewStore(path string) *Store {
	return &Store{
		doc: store.New(path, func() File { return File{Version: 1} }),
		now: time.Now,
	}
}

// Add inserts or replaces a profile by id.
func (s *Store) Add(p Profile) error {
	return s.doc.Mutate(func(f *File) error {
		for i := range f.Profiles {
			if f.Profiles[i].ID == p.ID {
				f.Profiles[i] = p
				return nil
			}
		}
		f.Profiles = append(f.Profiles, p)
		return nil
	})
}

// Get returns a profile by id, or nil.
func (s *Store) Get(id string) (*Profile, error) {
	f, err := s.doc.Snapshot()
	if err != nil {
		return nil, err
	}
	for _, p := range f.Profiles {
		if p.ID == id {
			return &p, nil
		}
	}
	return nil, nil
}

// Select resolves the profile to use for provider. Order of preference:
// the explicit id when given, then the configured order, then round-robin
// least-recently-used among ready profiles.
func (s *Store) Select(provider, explicitID string) (*Profile, error) {
	f, err := s.doc.Snapshot()
	if err != nil {
		return nil, err
	}
	now := s.now()

	if explicitID != "" {
		for _, p := range f.Profiles {
			if p.ID == explicitID {
				return &p, nil
			}
		}
		return nil, fmt.Errorf("auth profile %q not found", explicitID)
	}

	// Configured order first
	for _, id := range f.Order {
		for _, p := range f.Profiles {
			if p.ID == id && p.Provider == provider && p.Ready(now) {
				return &p, nil
			}
		}
	}

	// Round-robin: ready profile with the oldest lastGood
	var pick *Profile
	for i := range f.Profiles {
		p := f.Profiles[i]
		if p.Provider != provider || !p.Ready(now) {
			continue
		}
		if pick == nil || p.LastGoodAtMs < pick.LastGoodAtMs {
			cp := p
			pick = &cp
		}
	}
	if pick == nil {
		return nil, fmt.Errorf("no ready auth profile for provider %q", provider)
	}
	return pick, nil
}

// MarkSuccess clears the profile's cooldown, stamps lastGood, and bumps the
// usage counter.
func (s *Store) MarkSuccess(id string) error {
	return s.doc.Mutate(func(f *File) error {
		for i := range f.Profiles {
			if f.Profiles[i].ID == id {
				f.Profiles[i].CooldownUntil = 0
				f.Profiles[i].LastGoodAtMs = s.now().UnixMilli()
				f.Profiles[i].UsageCount++
				return nil
			}
		}
		return fmt.Errorf("auth profile %q not found", id)
	})
}

// MarkCooldown puts the profile on cooldown for d.
func (s *Store) MarkCooldown(id string, d time.Duration) error {
	L_info("authprofile: cooling down", "profile", id, "for", d)
	return s.doc.Mutate(func(f *File) error {
		for i := range f.Profiles {
			if f.Profiles[i].ID == id {
				f.Profiles[i].CooldownUntil = s.now().Add(d).UnixMilli()
				return nil
			}
		}
		return fmt.Errorf("auth profile %q not found", id)
	})
}

// CountForProvider returns how many profiles exist for provider.
func (s *Store) CountForProvider(provider string) int {
	f, err := s.doc.Snapshot()
	if err != nil {
		return 0
	}
	n := 0
	for _, p := range f.Profiles {
		if p.Provider == provider {
			n++
		}
	}
	return n
}
