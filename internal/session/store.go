package session

import (
	"time"

	"github.com/google/uuid"
	"github.com/openclaw/openclaw/internal/store"
)

// Store persists the session index for one agent.
type Store struct {
	doc *store.Store[Index]
}

// NewStore opens the session store at path.
func NewStore(path string) *Store {
	return &Store{
		doc: store.New(path, func() Index { return Index{} }),
	}
}

// Load reads the index from disk.
func (s *Store) Load() error {
	return s.doc.Load()
}

// Get returns a snapshot of the entry for key, or nil.
func (s *Store) Get(key string) (*Entry, error) {
	idx, err := s.doc.Snapshot()
	if err != nil {
		return nil, err
	}
	return idx[key], nil
}

// All returns a snapshot of the whole index.
func (s *Store) All() (Index, error) {
	return s.doc.Snapshot()
}

// Ensure returns the entry for key, creating it with defaults on first use.
func (s *Store) Ensure(key string) (*Entry, error) {
	entry, err := s.Get(key)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		return entry, nil
	}

	err = s.doc.Mutate(func(idx *Index) error {
		if _, ok := (*idx)[key]; ok {
			return nil
		}
		(*idx)[key] = &Entry{
			SessionID:     uuid.New().String(),
			UpdatedAt:     time.Now().UnixMilli(),
			ThinkingLevel: ThinkingOff,
			VerboseLevel:  "off",
			ElevatedLevel: ElevatedOff,
			QueueMode:     QueueSteer,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(key)
}

// Mutate applies fn to the entry for key (creating it if missing) and stamps
// UpdatedAt. The write is atomic.
func (s *Store) Mutate(key string, fn func(e *Entry)) error {
	return s.doc.Mutate(func(idx *Index) error {
		entry, ok := (*idx)[key]
		if !ok {
			entry = &Entry{
				SessionID:     uuid.New().String(),
				ThinkingLevel: ThinkingOff,
				VerboseLevel:  "off",
				ElevatedLevel: ElevatedOff,
				QueueMode:     QueueSteer,
			}
			(*idx)[key] = entry
		}
		fn(entry)
		entry.UpdatedAt = time.Now().UnixMilli()
		return nil
	})
}

// Reset replaces the entry's run state with a fresh session id, preserving
// the conversation's settings.
func (s *Store) Reset(key string) error {
	return s.Mutate(key, func(e *Entry) {
		e.SessionID = uuid.New().String()
		e.SessionFile = ""
		e.CompactionCount = 0
		e.Usage = TokenUsage{}
	})
}

// Remove deletes the entry for key.
func (s *Store) Remove(key string) error {
	return s.doc.Mutate(func(idx *Index) error {
		delete(*idx, key)
		return nil
	})
}
