// Package hooks runs plugin hooks around the agent loop. Two dispatch styles
// exist: sequential modifying hooks whose partial results fold in
// registration order, and fire-and-forget parallel hooks.
package hooks

import (
	"context"
	"fmt"
	"sync"

	. "github.com/openclaw/openclaw/internal/logging"
)

// Modifying phases (sequential fold).
const (
	PhaseBeforeLLMCall      = "before_llm_call"
	PhaseAfterLLMCall       = "after_llm_call"
	PhaseBeforeResponseEmit = "before_response_emit"
)

// Void phases (parallel fire-and-forget).
const (
	PhaseContextAssembled   = "context_assembled"
	PhaseLoopIterationStart = "loop_iteration_start"
	PhaseLoopIterationEnd   = "loop_iteration_end"
	PhaseSessionStart       = "session_start"
	PhaseSessionEnd         = "session_end"
	PhaseGatewayStart       = "gateway_start"
	PhaseGatewayStop        = "gateway_stop"
	PhaseBeforeToolCall     = "before_tool_call"
	PhaseAfterToolCall      = "after_tool_call"
)

var modifyingPhases = map[string]bool{
	PhaseBeforeLLMCall:      true,
	PhaseAfterLLMCall:       true,
	PhaseBeforeResponseEmit: true,
}

// Message is one conversation message handed to handlers.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Payload carries the hook call-site context.
type Payload struct {
	SessionKey   string
	RunID        string
	Phase        string
	Messages     []Message
	SystemPrompt string
	Tools        []string
	Content      string
	Data         map[string]any
}

// Result is a handler's partial result; nil fields leave the folded value
// untouched, non-nil fields from later handlers overwrite earlier ones.
type Result struct {
	Messages     []Message
	SystemPrompt *string
	Tools        []string
	Content      *string
	Block        bool
	BlockReason  string
}

// ModifyingHandler transforms the payload.
type ModifyingHandler func(ctx context.Context, p Payload) (*Result, error)

// VoidHandler observes the payload.
type VoidHandler func(ctx context.Context, p Payload)

type registration struct {
	plugin  string
	modify  ModifyingHandler
	observe VoidHandler
}

// Runner dispatches registered hooks.
type Runner struct {
	mu          sync.RWMutex
	handlers    map[string][]registration
	catchErrors bool
}

// NewRunner creates a hook runner. With catchErrors, a failing handler logs a
// warning and does not interrupt the others.
func NewRunner(catchErrors bool) *Runner {
	return &Runner{
		handlers:    make(map[string][]registration),
		catchErrors: catchErrors,
	}
}

// RegisterModifying adds a sequential modifying handler for phase.
func (r *Runner) RegisterModifying(phase, plugin string, fn ModifyingHandler) error {
	if !modifyingPhases[phase] {
		return fmt.Errorf("phase %q is not a modifying phase", phase)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[phase] = append(r.handlers[phase], registration{plugin: plugin, modify: fn})
	return nil
}

// RegisterVoid adds a parallel fire-and-forget handler for phase.
func (r *Runner) RegisterVoid(phase, plugin string, fn VoidHandler) error {
	if modifyingPhases[phase] {
		return fmt.Errorf("phase %q is a modifying phase", phase)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[phase] = append(r.handlers[phase], registration{plugin: plugin, observe: fn})
	return nil
}

// RunModifying folds handler results over the payload in registration order.
// A handler returning Block=true short-circuits with a *BlockedError.
func (r *Runner) RunModifying(ctx context.Context, phase string, p Payload) (Payload, error) {
	r.mu.RLock()
	regs := append([]registration(nil), r.handlers[phase]...)
	r.mu.RUnlock()

	p.Phase = phase
	for _, reg := range regs {
		res, err := reg.modify(ctx, p)
		if err != nil {
			if r.catchErrors {
				L_warn("hooks: handler failed", "phase", phase, "plugin", reg.plugin, "error", err)
				continue
			}
			return p, fmt.Errorf("hook %s/%s: %w", phase, reg.plugin, err)
		}
		if res == nil {
			continue
		}
		if res.Block {
			reason := res.BlockReason
			if reason == "" {
				reason = "unspecified"
			}
			return p, &BlockedError{Plugin: reg.plugin, Reason: reason}
		}
		if res.Messages != nil {
			p.Messages = res.Messages
		}
		if res.SystemPrompt != nil {
			p.SystemPrompt = *res.SystemPrompt
		}
		if res.Tools != nil {
			p.Tools = res.Tools
		}
		if res.Content != nil {
			p.Content = *res.Content
		}
	}
	return p, nil
}

// Emit fires all void handlers for phase in parallel and returns immediately.
func (r *Runner) Emit(ctx context.Context, phase string, p Payload) {
	r.mu.RLock()
	regs := append([]registration(nil), r.handlers[phase]...)
	r.mu.RUnlock()

	p.Phase = phase
	for _, reg := range regs {
		go func(reg registration) {
			defer func() {
				if rec := recover(); rec != nil {
					L_error("hooks: handler panic", "phase", phase, "plugin", reg.plugin, "panic", rec)
				}
			}()
			reg.observe(ctx, p)
		}(reg)
	}
}

// BlockedError is returned when a modifying hook blocks the call-site.
type BlockedError struct {
	Plugin string
	Reason string
}

func (e *BlockedError) Error() string {
	return "LLM call blocked by plugin: " + e.Reason
}
