// Package dispatch serializes agent turns per session key and applies the
// session queue mode: interrupt, steer, followup, or drop.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/openclaw/openclaw/internal/agent"
	. "github.com/openclaw/openclaw/internal/logging"
	"github.com/openclaw/openclaw/internal/session"
)

// Submit outcomes.
const (
	StatusStarted     = "started"
	StatusQueued      = "queued"
	StatusSteered     = "steered"
	StatusDropped     = "dropped"
	StatusInterrupted = "interrupted"
)

// FollowupRun is one queued turn.
type FollowupRun struct {
	Prompt      string         `json:"prompt"`
	SummaryLine string         `json:"summaryLine,omitempty"`
	EnqueuedAt  int64          `json:"enqueuedAt"`
	Run         agent.RunInput `json:"run"`
}

// TurnRunner executes one turn end to end (agent run + delivery).
type TurnRunner interface {
	RunTurn(ctx context.Context, run FollowupRun) error
}

// Steerer injects a message into an active run. Returns false when injection
// is not possible (no active runtime hook, or the run is compacting).
type Steerer interface {
	QueueMessage(sessionKey, prompt string) bool
}

// SubmitResult reports what happened to a submitted turn.
type SubmitResult struct {
	Status string
}

// lane serializes turns for one session key.
type lane struct {
	mu       sync.Mutex
	active   bool
	cancel   context.CancelFunc
	queue    []FollowupRun
	draining bool
}

// Dispatcher owns the per-session lanes and the optional global lane.
type Dispatcher struct {
	mu     sync.Mutex
	lanes  map[string]*lane
	runner TurnRunner
	steer  Steerer

	// global caps concurrent turns across all lanes; nil = uncapped.
	global chan struct{}
}

// NewDispatcher creates a dispatcher. maxConcurrent <= 0 leaves the global
// lane uncapped.
func NewDispatcher(runner TurnRunner, steer Steerer, maxConcurrent int) *Dispatcher {
	d := &Dispatcher{
		lanes:  make(map[string]*lane),
		runner: runner,
		steer:  steer,
	}
	if maxConcurrent > 0 {
		d.global = make(chan struct{}, maxConcurrent)
	}
	return d
}

func (d *Dispatcher) lane(key string) *lane {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.lanes[key]
	if !ok {
		l = &lane{}
		d.lanes[key] = l
	}
	return l
}

// Submit routes a turn into the session's lane under the given queue mode.
func (d *Dispatcher) Submit(ctx context.Context, mode string, run FollowupRun) SubmitResult {
	key := run.Run.SessionKey
	if run.EnqueuedAt == 0 {
		run.EnqueuedAt = time.Now().UnixMilli()
	}
	l := d.lane(key)

	l.mu.Lock()
	if !l.active {
		l.active = true
		l.queue = append(l.queue, run)
		l.mu.Unlock()
		d.scheduleFollowupDrain(key, l)
		return SubmitResult{Status: StatusStarted}
	}

	switch mode {
	case session.QueueInterrupt:
		cancel := l.cancel
		l.queue = append(l.queue, run)
		l.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		L_info("dispatch: interrupting active turn", "session", key)
		return SubmitResult{Status: StatusInterrupted}

	case session.QueueSteer:
		l.mu.Unlock()
		if d.steer != nil && d.steer.QueueMessage(key, run.Prompt) {
			L_debug("dispatch: steered message into active run", "session", key)
			return SubmitResult{Status: StatusSteered}
		}
		// Injection failed: fall back to followup
		l.mu.Lock()
		l.queue = append(l.queue, run)
		l.mu.Unlock()
		return SubmitResult{Status: StatusQueued}

	case session.QueueDrop:
		l.mu.Unlock()
		L_info("dispatch: dropping turn during active run", "session", key)
		return SubmitResult{Status: StatusDropped}

	default: // followup
		l.queue = append(l.queue, run)
		l.mu.Unlock()
		return SubmitResult{Status: StatusQueued}
	}
}

// scheduleFollowupDrain starts the lane's drain goroutine. Scheduling is
// idempotent: the drain keeps running until the queue is empty, and a new
// drain starts even if the previous turn's callbacks outlive its promise.
func (d *Dispatcher) scheduleFollowupDrain(key string, l *lane) {
	l.mu.Lock()
	if l.draining {
		l.mu.Unlock()
		return
	}
	l.draining = true
	l.mu.Unlock()

	go d.drainLane(key, l)
}

// drainLane runs queued turns FIFO until the queue empties.
func (d *Dispatcher) drainLane(key string, l *lane) {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.active = false
			l.draining = false
			l.mu.Unlock()
			return
		}
		run := l.queue[0]
		l.queue = l.queue[1:]
		l.active = true

		turnCtx, cancel := context.WithCancel(context.Background())
		l.cancel = cancel
		l.mu.Unlock()

		// Global lane: cap concurrency across the host.
		if d.global != nil {
			d.global <- struct{}{}
		}

		if err := d.runner.RunTurn(turnCtx, run); err != nil {
			L_warn("dispatch: turn failed", "session", key, "error", err)
		}

		if d.global != nil {
			<-d.global
		}

		l.mu.Lock()
		l.cancel = nil
		l.mu.Unlock()
		cancel()
	}
}

// Interrupt cancels the active turn for a session, if any.
func (d *Dispatcher) Interrupt(key string) bool {
	l := d.lane(key)
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
		return true
	}
	return false
}

// QueueDepth returns the number of queued (not yet started) turns for key.
func (d *Dispatcher) QueueDepth(key string) int {
	l := d.lane(key)
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}
