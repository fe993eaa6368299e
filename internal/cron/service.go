package cron

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/openclaw/openclaw/internal/bus"
	. "github.com/openclaw/openclaw/internal/logging"
)

// BackupTickInterval is how often we poll even if no file changes or timers fire.
const BackupTickInterval = 5 * time.Minute

// Executor runs a job's payload. Implemented by the dispatch layer: the
// payload becomes an agent turn on the job's target session and the result is
// handed to delivery per the job's delivery mode.
type Executor interface {
	ExecuteJob(ctx context.Context, job *CronJob) (summary string, deliveryStatus string, err error)
}

// Service manages cron job scheduling and execution. Every mutation of the
// job store happens under the cron lock; job bodies run outside it so
// list/status stay responsive.
type Service struct {
	store    *Store
	executor Executor
	history  *History

	mu      sync.Mutex // the cron lock
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	timer            *time.Timer
	backupTicker     *time.Ticker
	watcher          *fsnotify.Watcher
	ignoreWatchUntil time.Time
	rescheduleCh     chan struct{}

	// Jobs whose stale running marker was cleared at startup; missed-run
	// replay skips them exactly once.
	skipOnce map[string]bool

	jobTimeout time.Duration

	now func() time.Time // injectable clock
}

// NewService creates a cron service over store, executing via executor.
// historyPath locates the run-history file; empty disables history.
func NewService(store *Store, executor Executor, historyPath string) *Service {
	return &Service{
		store:    store,
		executor: executor,
		history:  NewHistory(historyPath),
		skipOnce: make(map[string]bool),
		now:      time.Now,
	}
}

// SetJobTimeout bounds each job execution (0 = no timeout).
func (s *Service) SetJobTimeout(d time.Duration) {
	s.jobTimeout = d
}

// Start loads the store, replays missed runs, and begins the scheduler loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("cron service already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.rescheduleCh = make(chan struct{}, 1)
	s.mu.Unlock()

	if err := s.store.Load(); err != nil {
		return fmt.Errorf("failed to load cron jobs: %w", err)
	}

	// Startup ordering: clear stale running markers, replay missed runs
	// (skipping the cleared ones), then recompute and arm.
	s.clearStaleRunning()
	s.runMissedJobs(ctx)
	if err := s.store.Load(); err != nil {
		return fmt.Errorf("failed to reload cron jobs: %w", err)
	}
	s.recomputeNextRuns()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		L_warn("cron: failed to create file watcher, external changes won't be detected", "error", err)
	} else {
		s.watcher = watcher
		jobsDir := filepath.Dir(s.store.Path())
		if err := watcher.Add(jobsDir); err != nil {
			L_warn("cron: failed to watch jobs directory", "dir", jobsDir, "error", err)
		}
	}

	s.backupTicker = time.NewTicker(BackupTickInterval)

	jobs, _ := s.store.Jobs()
	L_info("cron: service started", "jobs", len(jobs))

	go s.runLoop(ctx)
	return nil
}

// Stop gracefully stops the scheduler loop.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	<-s.doneCh

	if s.watcher != nil {
		s.watcher.Close()
	}
	if s.backupTicker != nil {
		s.backupTicker.Stop()
	}
	L_info("cron: service stopped")
}

// clearStaleRunning clears running markers orphaned by a previous process and
// records them for a skip-once pass in missed-run replay.
func (s *Service) clearStaleRunning() {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.store.UpdateAll(func(job *CronJob) {
		if job.IsRunning() {
			L_warn("cron: clearing stale running marker", "job", job.ID, "name", job.Name)
			job.State.RunningAtMs = nil
			s.skipOnce[job.ID] = true
		}
	})
	if err != nil {
		L_error("cron: failed to clear stale running markers", "error", err)
	}
}

// runMissedJobs fires any job whose nextRunAtMs is already due, except those
// whose stale running marker was just cleared.
func (s *Service) runMissedJobs(ctx context.Context) {
	jobs, err := s.store.Jobs()
	if err != nil {
		L_error("cron: failed to list jobs for missed-run replay", "error", err)
		return
	}
	nowMs := s.now().UnixMilli()
	for _, job := range jobs {
		if !job.Enabled || job.State.NextRunAtMs == nil {
			continue
		}
		if *job.State.NextRunAtMs > nowMs {
			continue
		}
		if s.skipOnce[job.ID] {
			delete(s.skipOnce, job.ID)
			L_info("cron: skipping missed run for job interrupted mid-flight", "job", job.ID)
			continue
		}
		L_info("cron: replaying missed run", "job", job.ID, "name", job.Name, "dueAtMs", *job.State.NextRunAtMs)
		if res, err := s.Run(ctx, job.ID, false); err != nil {
			L_warn("cron: missed-run replay failed", "job", job.ID, "error", err)
		} else if !res.Ran {
			L_debug("cron: missed run not executed", "job", job.ID, "reason", res.Reason)
		}
	}
}

// recomputeNextRuns recomputes nextRunAtMs for all jobs. A past-due slot the
// job has never executed is preserved so missed-run replay can claim it.
func (s *Service) recomputeNextRuns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recomputeLocked()
}

func (s *Service) recomputeLocked() {
	now := s.now()
	err := s.store.UpdateAll(func(job *CronJob) {
		if !job.Enabled {
			// I1: disabled jobs carry no schedule state
			job.State.NextRunAtMs = nil
			job.State.RunningAtMs = nil
			return
		}
		if preservePastDue(job, now) {
			return
		}
		next, err := ComputeNextRunAtMs(job, now)
		if err != nil {
			L_warn("cron: failed to compute next run", "job", job.ID, "error", err)
			job.State.NextRunAtMs = nil
			return
		}
		job.State.NextRunAtMs = next
	})
	if err != nil {
		L_error("cron: failed to recompute next runs", "error", err)
	}
}

// RecomputeForMaintenance returns jobs with freshly computed next-run values
// for display. Read-side only: past-due slots are never advanced and nothing
// is persisted.
func (s *Service) RecomputeForMaintenance() ([]*CronJob, error) {
	jobs, err := s.store.Jobs()
	if err != nil {
		return nil, err
	}
	now := s.now()
	for _, job := range jobs {
		if !job.Enabled || preservePastDue(job, now) {
			continue
		}
		if next, err := ComputeNextRunAtMs(job, now); err == nil {
			job.State.NextRunAtMs = next
		}
	}
	return jobs, nil
}

// RunHistory returns recent runs for a job, most recent first.
func (s *Service) RunHistory(jobID string, limit int) ([]RunLogEntry, error) {
	return s.history.Runs(jobID, limit)
}

// List returns all jobs under the cron lock.
func (s *Service) List() ([]*CronJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Jobs()
}

// Add inserts a job, computes its first run, and rearms the timer.
func (s *Service) Add(job *CronJob) error {
	s.mu.Lock()
	now := s.now()
	if next, err := ComputeNextRunAtMs(job, now); err == nil {
		job.State.NextRunAtMs = next
	}
	err := s.store.Add(job)
	s.markOwnWrite()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	bus.PublishEventWithSource(bus.TopicCronAdded, JobEvent{Kind: "added", JobID: job.ID, NextRunAtMs: job.State.NextRunAtMs}, "cron")
	s.requestReschedule()
	return nil
}

// Update mutates a job via fn, recomputes its schedule, and rearms.
func (s *Service) Update(id string, fn func(job *CronJob) error) error {
	s.mu.Lock()
	now := s.now()
	var nextAfter *int64
	err := s.store.Update(id, func(job *CronJob) error {
		if err := fn(job); err != nil {
			return err
		}
		if !job.Enabled {
			job.State.NextRunAtMs = nil
			job.State.RunningAtMs = nil
		} else if next, cerr := ComputeNextRunAtMs(job, now); cerr == nil {
			job.State.NextRunAtMs = next
		}
		nextAfter = job.State.NextRunAtMs
		return nil
	})
	s.markOwnWrite()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	bus.PublishEventWithSource(bus.TopicCronUpdated, JobEvent{Kind: "updated", JobID: id, NextRunAtMs: nextAfter}, "cron")
	s.requestReschedule()
	return nil
}

// Remove deletes a job.
func (s *Service) Remove(id string) error {
	s.mu.Lock()
	removed, err := s.store.Remove(id)
	s.markOwnWrite()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("job with ID %s not found", id)
	}
	if err := s.history.Delete(id); err != nil {
		L_warn("cron: failed to drop run history", "job", id, "error", err)
	}

	bus.PublishEventWithSource(bus.TopicCronRemoved, JobEvent{Kind: "removed", JobID: id}, "cron")
	s.requestReschedule()
	return nil
}

// Run executes a job now. force bypasses the due-ness check. Exactly one of
// two concurrent calls executes; the loser sees {ran:false, "already-running"}.
func (s *Service) Run(ctx context.Context, id string, force bool) (RunResult, error) {
	s.mu.Lock()

	job, err := s.store.Get(id)
	if err != nil {
		s.mu.Unlock()
		return RunResult{}, err
	}
	if job == nil {
		s.mu.Unlock()
		return RunResult{}, fmt.Errorf("job with ID %s not found", id)
	}
	if job.IsRunning() {
		s.mu.Unlock()
		return RunResult{Ran: false, Reason: "already-running"}, nil
	}
	if !job.Enabled && !force {
		s.mu.Unlock()
		return RunResult{Ran: false, Reason: "disabled"}, nil
	}
	nowMs := s.now().UnixMilli()
	if !force {
		if job.State.NextRunAtMs == nil || *job.State.NextRunAtMs > nowMs {
			s.mu.Unlock()
			return RunResult{Ran: false, Reason: "not-due"}, nil
		}
	}

	// Reserve the run: set runningAtMs under the lock and persist, so a
	// concurrent Run (or a restart) sees the reservation.
	startMs := nowMs
	err = s.store.Update(id, func(j *CronJob) error {
		if j.IsRunning() {
			return fmt.Errorf("already-running")
		}
		j.State.RunningAtMs = &startMs
		return nil
	})
	s.markOwnWrite()
	s.mu.Unlock()
	if err != nil {
		return RunResult{Ran: false, Reason: "already-running"}, nil
	}

	bus.PublishEventWithSource(bus.TopicCronStarted, JobEvent{Kind: "started", JobID: id}, "cron")

	// Execute outside the lock.
	runCtx := ctx
	var cancel context.CancelFunc
	if s.jobTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.jobTimeout)
		defer cancel()
	}

	start := s.now()
	summary, deliveryStatus, runErr := s.executor.ExecuteJob(runCtx, job.Clone())
	duration := s.now().Sub(start)

	// Reacquire the lock and apply the result.
	s.mu.Lock()
	errStr := ""
	status := StatusOK
	if runErr != nil {
		errStr = runErr.Error()
		status = StatusError
	}

	var nextAfter *int64
	oneShot := false
	applyErr := s.store.Update(id, func(j *CronJob) error {
		j.SetLastRun(startMs, duration, errStr, deliveryStatus)
		oneShot = j.IsOneShot()
		if !oneShot && j.Enabled {
			if next, cerr := ComputeNextRunAtMs(j, s.now()); cerr == nil {
				j.State.NextRunAtMs = next
				nextAfter = next
			}
		} else {
			j.State.NextRunAtMs = nil
		}
		return nil
	})
	if applyErr != nil {
		L_error("cron: failed to apply run result", "job", id, "error", applyErr)
	}
	if oneShot {
		if _, err := s.store.Remove(id); err != nil {
			L_error("cron: failed to delete one-shot job", "job", id, "error", err)
		}
	}
	s.markOwnWrite()
	s.mu.Unlock()

	if err := s.history.Append(id, RunLogEntry{
		Ts:         startMs,
		Status:     status,
		DurationMs: duration.Milliseconds(),
		Summary:    summary,
		Error:      errStr,
	}); err != nil {
		L_warn("cron: failed to record run history", "job", id, "error", err)
	}

	bus.PublishEventWithSource(bus.TopicCronFinished, JobEvent{Kind: "finished", JobID: id, NextRunAtMs: nextAfter}, "cron")
	if oneShot {
		bus.PublishEventWithSource(bus.TopicCronRemoved, JobEvent{Kind: "removed", JobID: id}, "cron")
	}

	if runErr != nil {
		L_warn("cron: job failed", "job", id, "duration", duration, "error", errStr)
	} else {
		L_info("cron: job finished", "job", id, "duration", duration)
	}

	s.requestReschedule()
	return RunResult{Ran: true}, nil
}

// requestReschedule nudges the run loop to recalculate its wake time.
func (s *Service) requestReschedule() {
	s.mu.Lock()
	ch := s.rescheduleCh
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// markOwnWrite debounces the file watcher against our own store writes.
func (s *Service) markOwnWrite() {
	s.ignoreWatchUntil = s.now().Add(2 * time.Second)
}

// runLoop drives the scheduler: a timer armed for the soonest job, a backup
// ticker, the jobs-file watcher, and reschedule nudges.
func (s *Service) runLoop(ctx context.Context) {
	defer close(s.doneCh)

	for {
		next := s.soonestRunAt()
		var timerC <-chan time.Time
		if next != nil {
			delay := time.Until(time.UnixMilli(*next))
			if delay < 0 {
				delay = 0
			}
			if s.timer == nil {
				s.timer = time.NewTimer(delay)
			} else {
				if !s.timer.Stop() {
					select {
					case <-s.timer.C:
					default:
					}
				}
				s.timer.Reset(delay)
			}
			timerC = s.timer.C
		}

		var watchC <-chan fsnotify.Event
		if s.watcher != nil {
			watchC = s.watcher.Events
		}

		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-timerC:
			s.fireDue(ctx)
		case <-s.backupTicker.C:
			s.recomputeNextRuns()
			s.fireDue(ctx)
		case <-s.rescheduleCh:
			// timer rearmed at top of loop
		case ev, ok := <-watchC:
			if !ok {
				s.watcher = nil
				continue
			}
			if filepath.Base(ev.Name) != filepath.Base(s.store.Path()) {
				continue
			}
			s.mu.Lock()
			ignore := s.now().Before(s.ignoreWatchUntil)
			s.mu.Unlock()
			if ignore {
				continue
			}
			L_info("cron: jobs file changed externally, reloading")
			if err := s.store.Load(); err != nil {
				L_error("cron: failed to reload jobs file", "error", err)
				continue
			}
			s.recomputeNextRuns()
		}
	}
}

// soonestRunAt returns the earliest nextRunAtMs across enabled jobs.
func (s *Service) soonestRunAt() *int64 {
	jobs, err := s.store.Jobs()
	if err != nil {
		return nil
	}
	var soonest *int64
	for _, job := range jobs {
		if !job.Enabled || job.State.NextRunAtMs == nil || job.IsRunning() {
			continue
		}
		if soonest == nil || *job.State.NextRunAtMs < *soonest {
			v := *job.State.NextRunAtMs
			soonest = &v
		}
	}
	return soonest
}

// fireDue runs every due job.
func (s *Service) fireDue(ctx context.Context) {
	jobs, err := s.store.Jobs()
	if err != nil {
		return
	}
	nowMs := s.now().UnixMilli()
	for _, job := range jobs {
		if !job.Enabled || job.IsRunning() || job.State.NextRunAtMs == nil {
			continue
		}
		if *job.State.NextRunAtMs > nowMs {
			continue
		}
		if res, err := s.Run(ctx, job.ID, false); err != nil {
			L_warn("cron: due run failed to start", "job", job.ID, "error", err)
		} else if !res.Ran {
			L_debug("cron: due run not executed", "job", job.ID, "reason", res.Reason)
		}
	}
}
