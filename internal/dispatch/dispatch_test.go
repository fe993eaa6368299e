package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/openclaw/openclaw/internal/agent"
	"github.com/openclaw/openclaw/internal/session"
)

type recordingRunner struct {
	mu      sync.Mutex
	order   []string
	block   chan struct{} // when set, turns wait here
	started chan string
	ctxs    []context.Context
}

func (r *recordingRunner) RunTurn(ctx context.Context, run FollowupRun) error {
	r.mu.Lock()
	r.order = append(r.order, run.Prompt)
	r.ctxs = append(r.ctxs, ctx)
	r.mu.Unlock()
	if r.started != nil {
		r.started <- run.Prompt
	}
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
		}
	}
	return nil
}

func (r *recordingRunner) prompts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

type fakeSteerer struct{ ok bool }

func (s *fakeSteerer) QueueMessage(sessionKey, prompt string) bool { return s.ok }

func turn(key, prompt string) FollowupRun {
	return FollowupRun{Prompt: prompt, Run: agent.RunInput{SessionKey: key, Prompt: prompt}}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFollowupDrainsFIFO(t *testing.T) {
	r := &recordingRunner{block: make(chan struct{}), started: make(chan string, 10)}
	d := NewDispatcher(r, nil, 0)

	res := d.Submit(context.Background(), session.QueueFollowup, turn("k1", "first"))
	if res.Status != StatusStarted {
		t.Fatalf("status = %q", res.Status)
	}
	<-r.started

	for _, p := range []string{"second", "third"} {
		res = d.Submit(context.Background(), session.QueueFollowup, turn("k1", p))
		if res.Status != StatusQueued {
			t.Fatalf("status = %q", res.Status)
		}
	}
	if d.QueueDepth("k1") != 2 {
		t.Errorf("depth = %d", d.QueueDepth("k1"))
	}

	close(r.block)
	<-r.started
	<-r.started
	waitFor(t, func() bool { return len(r.prompts()) == 3 })

	got := r.prompts()
	want := []string{"first", "second", "third"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestInterruptCancelsActiveTurn(t *testing.T) {
	r := &recordingRunner{block: make(chan struct{}), started: make(chan string, 10)}
	d := NewDispatcher(r, nil, 0)

	d.Submit(context.Background(), session.QueueInterrupt, turn("k1", "long"))
	<-r.started

	res := d.Submit(context.Background(), session.QueueInterrupt, turn("k1", "urgent"))
	if res.Status != StatusInterrupted {
		t.Fatalf("status = %q", res.Status)
	}

	// First turn's context is cancelled; second turn runs.
	<-r.started
	waitFor(t, func() bool { return len(r.prompts()) == 2 })

	r.mu.Lock()
	firstCtx := r.ctxs[0]
	r.mu.Unlock()
	select {
	case <-firstCtx.Done():
	default:
		t.Error("interrupted turn's context should be cancelled")
	}
	close(r.block)
}

func TestSteerInjectsIntoActiveRun(t *testing.T) {
	r := &recordingRunner{block: make(chan struct{}), started: make(chan string, 10)}
	d := NewDispatcher(r, &fakeSteerer{ok: true}, 0)

	d.Submit(context.Background(), session.QueueSteer, turn("k1", "main"))
	<-r.started

	res := d.Submit(context.Background(), session.QueueSteer, turn("k1", "injected"))
	if res.Status != StatusSteered {
		t.Fatalf("status = %q", res.Status)
	}
	if d.QueueDepth("k1") != 0 {
		t.Error("steered message must not be queued")
	}
	close(r.block)
}

func TestSteerFallsBackToFollowup(t *testing.T) {
	r := &recordingRunner{block: make(chan struct{}), started: make(chan string, 10)}
	d := NewDispatcher(r, &fakeSteerer{ok: false}, 0)

	d.Submit(context.Background(), session.QueueSteer, turn("k1", "main"))
	<-r.started

	res := d.Submit(context.Background(), session.QueueSteer, turn("k1", "later"))
	if res.Status != StatusQueued {
		t.Fatalf("status = %q", res.Status)
	}

	close(r.block)
	<-r.started
	waitFor(t, func() bool { return len(r.prompts()) == 2 })
}

func TestDropDiscardsDuringActiveRun(t *testing.T) {
	r := &recordingRunner{block: make(chan struct{}), started: make(chan string, 10)}
	d := NewDispatcher(r, nil, 0)

	d.Submit(context.Background(), session.QueueDrop, turn("k1", "active"))
	<-r.started

	res := d.Submit(context.Background(), session.QueueDrop, turn("k1", "discarded"))
	if res.Status != StatusDropped {
		t.Fatalf("status = %q", res.Status)
	}
	close(r.block)
	time.Sleep(50 * time.Millisecond)
	if len(r.prompts()) != 1 {
		t.Errorf("dropped turn must not run: %v", r.prompts())
	}
}

func TestSessionsRunIndependently(t *testing.T) {
	r := &recordingRunner{block: make(chan struct{}), started: make(chan string, 10)}
	d := NewDispatcher(r, nil, 0)

	d.Submit(context.Background(), session.QueueFollowup, turn("k1", "a"))
	d.Submit(context.Background(), session.QueueFollowup, turn("k2", "b"))

	// Both start despite neither finishing: separate lanes.
	seen := map[string]bool{}
	seen[<-r.started] = true
	seen[<-r.started] = true
	if !seen["a"] || !seen["b"] {
		t.Errorf("seen = %v", seen)
	}
	close(r.block)
}

func TestGlobalLaneCapsConcurrency(t *testing.T) {
	r := &recordingRunner{block: make(chan struct{}), started: make(chan string, 10)}
	d := NewDispatcher(r, nil, 1)

	d.Submit(context.Background(), session.QueueFollowup, turn("k1", "a"))
	d.Submit(context.Background(), session.QueueFollowup, turn("k2", "b"))

	<-r.started
	select {
	case p := <-r.started:
		t.Fatalf("second turn %q started despite cap", p)
	case <-time.After(100 * time.Millisecond):
	}

	close(r.block)
	<-r.started
	waitFor(t, func() bool { return len(r.prompts()) == 2 })
}
