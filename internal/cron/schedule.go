package cron

import (
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// ComputeNextRunAtMs calculates the next run time for a job in unix ms.
// Returns nil when the job will never run again.
//
// For "every" schedules the result is the earliest anchor + k*everyMs that is
// >= now and not already consumed by the last run; this keeps runs phase-
// locked to the anchor rather than drifting with execution time.
func ComputeNextRunAtMs(job *CronJob, now time.Time) (*int64, error) {
	if !job.Enabled {
		return nil, nil
	}

	switch job.Schedule.Kind {
	case ScheduleKindAt:
		return nextRunAt(job, now)
	case ScheduleKindEvery:
		return nextRunEvery(job, now)
	case ScheduleKindCron:
		return nextRunCron(job, now)
	default:
		return nil, fmt.Errorf("unknown schedule kind: %s", job.Schedule.Kind)
	}
}

func nextRunAt(job *CronJob, now time.Time) (*int64, error) {
	at := job.Schedule.AtMs
	if at <= 0 {
		return nil, fmt.Errorf("at schedule missing timestamp")
	}
	if job.State.LastRunAtMs != nil {
		return nil, nil // one-shot already executed
	}
	if at > now.UnixMilli() {
		return &at, nil
	}
	// Past-due but never run: keep the slot so missed-run replay fires it.
	return &at, nil
}

func nextRunEvery(job *CronJob, now time.Time) (*int64, error) {
	every := job.Schedule.EveryMs
	if every <= 0 {
		return nil, fmt.Errorf("invalid interval: %d", every)
	}
	anchor := job.Schedule.AnchorMs
	if anchor == 0 {
		anchor = job.CreatedAtMs
	}

	nowMs := now.UnixMilli()
	slot := anchor
	if nowMs > anchor {
		k := (nowMs - anchor + every - 1) / every
		slot = anchor + k*every
	}
	// Slots at or before the last execution are consumed.
	if job.State.LastRunAtMs != nil {
		for slot <= *job.State.LastRunAtMs {
			slot += every
		}
	}
	return &slot, nil
}

func nextRunCron(job *CronJob, now time.Time) (*int64, error) {
	expr := job.Schedule.Expr
	if expr == "" {
		return nil, fmt.Errorf("empty cron expression")
	}

	tz := time.Local
	if job.Schedule.Tz != "" {
		loc, err := time.LoadLocation(job.Schedule.Tz)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", job.Schedule.Tz, err)
		}
		tz = loc
	}

	parser := cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}

	next := schedule.Next(now.In(tz)).UnixMilli()
	return &next, nil
}

// preservePastDue reports whether a job's recorded nextRunAtMs must be kept
// as-is during recompute: the slot is past due and the job has never executed
// for it. Advancing it here would race missed-run replay out of the slot.
func preservePastDue(job *CronJob, now time.Time) bool {
	if job.State.NextRunAtMs == nil || job.IsRunning() {
		return false
	}
	next := *job.State.NextRunAtMs
	if next > now.UnixMilli() {
		return false
	}
	return job.State.LastRunAtMs == nil || *job.State.LastRunAtMs < next
}
