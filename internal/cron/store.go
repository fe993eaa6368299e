package cron

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/openclaw/openclaw/internal/store"
)

// Store manages cron job persistence for one agent.
type Store struct {
	doc *store.Store[StoreFile]
}

// NewStore creates a cron store at jobsPath.
func NewStore(jobsPath string) *Store {
	return &Store{
		doc: store.New(jobsPath, func() StoreFile {
			return StoreFile{Version: 1}
		}),
	}
}

// Load reads jobs from disk.
func (s *Store) Load() error {
	return s.doc.Load()
}

// Path returns the store file path.
func (s *Store) Path() string {
	return s.doc.Path()
}

// Jobs returns a snapshot of all jobs.
func (s *Store) Jobs() ([]*CronJob, error) {
	file, err := s.doc.Snapshot()
	if err != nil {
		return nil, err
	}
	return file.Jobs, nil
}

// Get returns a snapshot of one job, or nil.
func (s *Store) Get(id string) (*CronJob, error) {
	file, err := s.doc.Snapshot()
	if err != nil {
		return nil, err
	}
	for _, j := range file.Jobs {
		if j.ID == id {
			return j, nil
		}
	}
	return nil, nil
}

// Add inserts a new job, assigning an ID when absent.
func (s *Store) Add(job *CronJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now().UnixMilli()
	if job.CreatedAtMs == 0 {
		job.CreatedAtMs = now
	}
	job.UpdatedAtMs = now

	return s.doc.Mutate(func(file *StoreFile) error {
		for _, j := range file.Jobs {
			if j.ID == job.ID {
				return fmt.Errorf("job with ID %s already exists", job.ID)
			}
		}
		file.Jobs = append(file.Jobs, job)
		return nil
	})
}

// Update rewrites one job in place via fn. Returns an error when the job does
// not exist. fn runs inside the store's serial lane.
func (s *Store) Update(id string, fn func(job *CronJob) error) error {
	return s.doc.Mutate(func(file *StoreFile) error {
		for _, j := range file.Jobs {
			if j.ID == id {
				if err := fn(j); err != nil {
					return err
				}
				j.UpdatedAtMs = time.Now().UnixMilli()
				return nil
			}
		}
		return fmt.Errorf("job with ID %s not found", id)
	})
}

// UpdateAll applies fn to every job in one atomic write.
func (s *Store) UpdateAll(fn func(job *CronJob)) error {
	return s.doc.Mutate(func(file *StoreFile) error {
		for _, j := range file.Jobs {
			fn(j)
		}
		return nil
	})
}

// Remove deletes a job. Returns true when it existed.
func (s *Store) Remove(id string) (bool, error) {
	removed := false
	err := s.doc.Mutate(func(file *StoreFile) error {
		kept := file.Jobs[:0]
		for _, j := range file.Jobs {
			if j.ID == id {
				removed = true
				continue
			}
			kept = append(kept, j)
		}
		file.Jobs = kept
		return nil
	})
	return removed, err
}
