package cron

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type blockingExecutor struct {
	mu      sync.Mutex
	started chan string
	release chan struct{}
	count   int
}

func (e *blockingExecutor) ExecuteJob(ctx context.Context, job *CronJob) (string, string, error) {
	e.mu.Lock()
	e.count++
	e.mu.Unlock()
	if e.started != nil {
		e.started <- job.ID
	}
	if e.release != nil {
		<-e.release
	}
	return "done", "sent", nil
}

func (e *blockingExecutor) executions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

func newTestService(t *testing.T, exec Executor) (*Service, *Store) {
	t.Helper()
	dir := t.TempDir()
	st := NewStore(filepath.Join(dir, "main.json"))
	if err := st.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	svc := NewService(st, exec, filepath.Join(dir, "history.json"))
	return svc, st
}

func msPtr(v int64) *int64 { return &v }

func TestEveryScheduleAnchorMath(t *testing.T) {
	job := &CronJob{
		ID:      "j1",
		Enabled: true,
		Schedule: Schedule{
			Kind:     ScheduleKindEvery,
			EveryMs:  60_000,
			AnchorMs: 60_000,
		},
	}

	// At now=60_000 with no prior run, the slot is exactly 60_000.
	next, err := ComputeNextRunAtMs(job, time.UnixMilli(60_000))
	if err != nil {
		t.Fatalf("ComputeNextRunAtMs: %v", err)
	}
	if next == nil || *next != 60_000 {
		t.Fatalf("next = %v, want 60000", next)
	}

	// After one execution at 60_000, the slot advances to 120_000.
	job.State.LastRunAtMs = msPtr(60_000)
	next, err = ComputeNextRunAtMs(job, time.UnixMilli(60_000))
	if err != nil {
		t.Fatalf("ComputeNextRunAtMs: %v", err)
	}
	if next == nil || *next != 120_000 {
		t.Fatalf("next after run = %v, want 120000", next)
	}
}

func TestRecomputePreservesPastDueSlot(t *testing.T) {
	exec := &blockingExecutor{}
	svc, st := newTestService(t, exec)

	job := &CronJob{
		ID:      "j1",
		Name:    "due",
		Enabled: true,
		Schedule: Schedule{
			Kind:     ScheduleKindEvery,
			EveryMs:  60_000,
			AnchorMs: 60_000,
		},
		State: JobState{NextRunAtMs: msPtr(60_000)},
	}
	if err := st.Add(job); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Clock is well past the slot; the job never executed for it.
	svc.now = func() time.Time { return time.UnixMilli(300_000) }
	svc.recomputeNextRuns()

	got, err := st.Get("j1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State.NextRunAtMs == nil || *got.State.NextRunAtMs != 60_000 {
		t.Errorf("past-due slot must be preserved, got %v", got.State.NextRunAtMs)
	}

	// Once the slot has been executed, recompute advances it.
	if err := st.Update("j1", func(j *CronJob) error {
		j.State.LastRunAtMs = msPtr(60_000)
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	svc.recomputeNextRuns()
	got, _ = st.Get("j1")
	if got.State.NextRunAtMs == nil || *got.State.NextRunAtMs <= 60_000 {
		t.Errorf("executed slot should advance, got %v", got.State.NextRunAtMs)
	}
}

func TestConcurrentRunSingleFire(t *testing.T) {
	exec := &blockingExecutor{
		started: make(chan string, 1),
		release: make(chan struct{}),
	}
	svc, st := newTestService(t, exec)

	job := &CronJob{
		ID:      "j1",
		Name:    "once",
		Enabled: true,
		Schedule: Schedule{
			Kind:     ScheduleKindEvery,
			EveryMs:  60_000,
			AnchorMs: 60_000,
		},
		State: JobState{NextRunAtMs: msPtr(0)},
	}
	if err := st.Add(job); err != nil {
		t.Fatalf("Add: %v", err)
	}

	firstDone := make(chan RunResult, 1)
	go func() {
		res, _ := svc.Run(context.Background(), "j1", true)
		firstDone <- res
	}()

	<-exec.started // first run holds the reservation

	second, err := svc.Run(context.Background(), "j1", true)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if second.Ran {
		t.Error("second concurrent run must not execute")
	}
	if second.Reason != "already-running" {
		t.Errorf("reason = %q, want already-running", second.Reason)
	}

	close(exec.release)
	first := <-firstDone
	if !first.Ran {
		t.Error("first run should have executed")
	}
	if exec.executions() != 1 {
		t.Errorf("executions = %d, want 1", exec.executions())
	}

	// Running marker cleared after apply-result
	got, _ := st.Get("j1")
	if got.IsRunning() {
		t.Error("runningAtMs must be cleared on apply-result")
	}
	if got.State.LastRunAtMs == nil {
		t.Error("lastRunAtMs should be set")
	}
}

func TestOneShotDeletedAfterRun(t *testing.T) {
	exec := &blockingExecutor{}
	svc, st := newTestService(t, exec)

	job := &CronJob{
		ID:       "once",
		Name:     "one-shot",
		Enabled:  true,
		Schedule: Schedule{Kind: ScheduleKindAt, AtMs: 1},
		State:    JobState{NextRunAtMs: msPtr(1)},
	}
	if err := st.Add(job); err != nil {
		t.Fatalf("Add: %v", err)
	}

	res, err := svc.Run(context.Background(), "once", false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Ran {
		t.Fatalf("expected run, got %+v", res)
	}

	got, _ := st.Get("once")
	if got != nil {
		t.Errorf("one-shot job should be deleted after run, got %+v", got)
	}
}

func TestDisabledJobHasNoScheduleState(t *testing.T) {
	exec := &blockingExecutor{}
	svc, st := newTestService(t, exec)

	job := &CronJob{
		ID:      "j1",
		Name:    "toggle",
		Enabled: true,
		Schedule: Schedule{
			Kind:     ScheduleKindEvery,
			EveryMs:  60_000,
			AnchorMs: 60_000,
		},
		State: JobState{NextRunAtMs: msPtr(60_000)},
	}
	if err := st.Add(job); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := svc.Update("j1", func(j *CronJob) error {
		j.Enabled = false
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, _ := st.Get("j1")
	if got.State.NextRunAtMs != nil || got.State.RunningAtMs != nil {
		t.Errorf("disabled job must carry no schedule state: %+v", got.State)
	}
}

func TestStaleRunningMarkerClearedAndSkippedOnce(t *testing.T) {
	exec := &blockingExecutor{}
	svc, st := newTestService(t, exec)

	stale := int64(10)
	job := &CronJob{
		ID:      "j1",
		Name:    "stale",
		Enabled: true,
		Schedule: Schedule{
			Kind:     ScheduleKindEvery,
			EveryMs:  60_000,
			AnchorMs: 60_000,
		},
		State: JobState{NextRunAtMs: msPtr(60_000), RunningAtMs: &stale},
	}
	if err := st.Add(job); err != nil {
		t.Fatalf("Add: %v", err)
	}

	svc.now = func() time.Time { return time.UnixMilli(300_000) }
	svc.clearStaleRunning()

	got, _ := st.Get("j1")
	if got.IsRunning() {
		t.Fatal("stale running marker must be cleared")
	}

	svc.runMissedJobs(context.Background())
	if exec.executions() != 0 {
		t.Error("job with cleared stale marker must be skipped once")
	}

	// A second replay pass fires it.
	svc.runMissedJobs(context.Background())
	if exec.executions() != 1 {
		t.Errorf("executions = %d, want 1 after second replay", exec.executions())
	}
}

func TestRunNotDue(t *testing.T) {
	exec := &blockingExecutor{}
	svc, st := newTestService(t, exec)

	future := time.Now().Add(time.Hour).UnixMilli()
	job := &CronJob{
		ID:      "j1",
		Name:    "future",
		Enabled: true,
		Schedule: Schedule{
			Kind: ScheduleKindAt,
			AtMs: future,
		},
		State: JobState{NextRunAtMs: &future},
	}
	if err := st.Add(job); err != nil {
		t.Fatalf("Add: %v", err)
	}

	res, err := svc.Run(context.Background(), "j1", false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Ran || res.Reason != "not-due" {
		t.Errorf("got %+v, want not-due", res)
	}

	// force bypasses due-ness
	res, err = svc.Run(context.Background(), "j1", true)
	if err != nil {
		t.Fatalf("Run force: %v", err)
	}
	if !res.Ran {
		t.Errorf("force run should execute: %+v", res)
	}
}
