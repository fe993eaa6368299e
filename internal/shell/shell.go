// Package shell executes local shell commands for the agent: every run is
// gated by the policy engine and reported on the event bus.
package shell

import (
	"context"
	"fmt"
	"time"

	"github.com/openclaw/openclaw/internal/bus"
	. "github.com/openclaw/openclaw/internal/logging"
	"github.com/openclaw/openclaw/internal/policy"
	"github.com/openclaw/openclaw/internal/proc"
)

// Request is one shell execution request.
type Request struct {
	Argv    []string
	Command string
	Cwd     string
	Env     []string

	TimeoutMs         int64
	NoOutputTimeoutMs int64
	ScopeKey          string
	PTY               bool

	ApprovalDecision string
	AgentID          string
}

// Result reports one completed (or denied) execution.
type Result struct {
	Denied     bool
	Decision   policy.Decision
	Exit       *proc.RunExit
	DurationMs int64
}

// Executor binds the policy engine to the process supervisor.
type Executor struct {
	engine     *policy.Engine
	supervisor *proc.Supervisor
}

// NewExecutor creates a shell executor.
func NewExecutor(engine *policy.Engine, supervisor *proc.Supervisor) *Executor {
	return &Executor{engine: engine, supervisor: supervisor}
}

// Run evaluates the policy and, when allowed, executes the command.
// exec.denied is emitted iff the policy denied; a policy-allowed run that
// fails emits exec.finished with success=false.
func (e *Executor) Run(ctx context.Context, req Request) (*Result, error) {
	decision := e.engine.Evaluate(policy.Request{
		Argv:             req.Argv,
		Command:          req.Command,
		Cwd:              req.Cwd,
		AgentID:          req.AgentID,
		ApprovalDecision: req.ApprovalDecision,
	})

	if !decision.Allowed {
		bus.PublishEventWithSource(bus.TopicExecDenied, map[string]any{
			"eventReason": decision.EventReason,
			"requiresAsk": decision.RequiresAsk,
			"command":     commandText(req),
		}, "shell")
		L_info("shell: denied", "reason", decision.EventReason, "cmd", commandText(req))
		return &Result{Denied: true, Decision: decision}, nil
	}

	argv := req.Argv
	if len(argv) == 0 {
		// Policy allowed an inline string (via approval); hand it to sh.
		argv = []string{"sh", "-c", req.Command}
	}

	bus.PublishEventWithSource(bus.TopicExecStarted, map[string]any{
		"command": commandText(req),
	}, "shell")

	start := time.Now()
	exit, err := e.supervisor.Run(ctx, proc.RunSpec{
		Argv:            argv,
		Cwd:             req.Cwd,
		Env:             req.Env,
		OverallTimeout:  time.Duration(req.TimeoutMs) * time.Millisecond,
		NoOutputTimeout: time.Duration(req.NoOutputTimeoutMs) * time.Millisecond,
		CaptureOutput:   true,
		ScopeKey:        req.ScopeKey,
		PTY:             req.PTY,
	})
	duration := time.Since(start)
	if err != nil {
		bus.PublishEventWithSource(bus.TopicExecFinished, map[string]any{
			"command": commandText(req),
			"success": false,
			"error":   err.Error(),
		}, "shell")
		return nil, fmt.Errorf("failed to spawn command: %w", err)
	}

	bus.PublishEventWithSource(bus.TopicExecFinished, map[string]any{
		"command":    commandText(req),
		"success":    exit.ExitCode == 0 && exit.Reason == proc.ReasonExit,
		"exitCode":   exit.ExitCode,
		"reason":     exit.Reason,
		"durationMs": duration.Milliseconds(),
	}, "shell")

	return &Result{Decision: decision, Exit: exit, DurationMs: duration.Milliseconds()}, nil
}

func commandText(req Request) string {
	if req.Command != "" {
		return req.Command
	}
	text := ""
	for i, a := range req.Argv {
		if i > 0 {
			text += " "
		}
		text += a
	}
	return text
}
