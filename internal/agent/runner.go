package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openclaw/openclaw/internal/authprofile"
	"github.com/openclaw/openclaw/internal/delivery"
	"github.com/openclaw/openclaw/internal/hooks"
	. "github.com/openclaw/openclaw/internal/logging"
	"github.com/openclaw/openclaw/internal/session"
)

// Block reply boundaries.
const (
	BlockBreakTextEnd    = "text_end"
	BlockBreakMessageEnd = "message_end"
)

// cooldownOnFailure is applied to a profile on auth/rate-limit failures.
const cooldownOnFailure = 5 * time.Minute

// RunInput describes one agent turn.
type RunInput struct {
	SessionID     string
	SessionKey    string
	SessionFile   string
	WorkspaceDir  string
	Prompt        string
	Provider      string
	Model         string
	AuthProfileID string
	ThinkingLevel string
	VerboseLevel  string
	Elevated      string
	TimeoutMs     int64
	Heartbeat     bool
	CurrentMsgID  string

	BlockReplyBreak    string // text_end | message_end
	BlockReplyChunking bool

	RunID string
}

// Callbacks receive stream events during the turn.
type Callbacks struct {
	OnPartialReply func(text string, mediaURLs []string)
	OnBlockReply   func(text string, mediaURLs []string)
	OnToolResult   func(text string, mediaURLs []string)
	OnAgentEvent   func(stream string, data map[string]any)
}

// RunOutput is the finalized result of a turn.
type RunOutput struct {
	Payloads []delivery.Payload
	Text     string // assembled text, "" when the output was all directive tags
	Error    string // user-facing error, empty on success
}

// Runner executes agent turns against the injected runtime StreamFn.
type Runner struct {
	registry *Registry
	profiles *authprofile.Store
	sessions *session.Store
	hooks    *hooks.Runner
	stream   hooks.StreamFn

	fallbackModels []string
	userTimezone   string
}

// NewRunner wires the runner. stream is the runtime entry point; the hook
// chain is applied around it as the outermost decorator.
func NewRunner(registry *Registry, profiles *authprofile.Store, sessions *session.Store, hookRunner *hooks.Runner, stream hooks.StreamFn) *Runner {
	return &Runner{
		registry: registry,
		profiles: profiles,
		sessions: sessions,
		hooks:    hookRunner,
		stream:   hookRunner.WrapStream(stream),
	}
}

// SetModelFallbacks configures models tried after the primary is exhausted.
func (r *Runner) SetModelFallbacks(models []string) {
	r.fallbackModels = models
}

// SetUserTimezone sets the timezone used for user-time context.
func (r *Runner) SetUserTimezone(tz string) {
	r.userTimezone = tz
}

// Run executes one turn. On success the returned output carries the finalized
// payload list; errors are returned unchanged, and callers apply
// RewriteTransportError to turn transport noise into a friendly message.
func (r *Runner) Run(ctx context.Context, in RunInput, cb Callbacks) (*RunOutput, error) {
	if in.RunID == "" {
		return nil, fmt.Errorf("runId is required")
	}

	models := append([]string{in.Model}, r.fallbackModels...)

	var lastErr error
	for i, modelID := range models {
		out, err := r.runWithModel(ctx, in, modelID, cb)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if strings.HasPrefix(err.Error(), "unknown-model") && i == 0 {
			// Configuration errors are never retried across fallbacks when
			// the primary itself is unknown.
			return nil, err
		}
		L_warn("agent: model attempt failed", "model", modelID, "error", err)
	}
	return nil, lastErr
}

// runWithModel runs the turn against one model with the per-class recovery
// ladder: profile rotation for auth/rate-limit/timeout, thinking-level
// fallback, each attempted once.
func (r *Runner) runWithModel(ctx context.Context, in RunInput, modelID string, cb Callbacks) (*RunOutput, error) {
	model, err := r.registry.Resolve(modelID)
	if err != nil {
		return nil, err
	}

	thinking := in.ThinkingLevel
	if !model.SupportsThinking {
		thinking = "off"
	}

	explicitProfile := in.AuthProfileID
	rotated := false
	thinkingLowered := false

	for {
		profile, err := r.profiles.Select(model.Provider, explicitProfile)
		if err != nil {
			return nil, fmt.Errorf("no credential for %s: %w", model.Provider, err)
		}

		out, runErr := r.attempt(ctx, in, model, profile, thinking, cb)
		if runErr == nil {
			if err := r.profiles.MarkSuccess(profile.ID); err != nil {
				L_warn("agent: failed to record profile success", "profile", profile.ID, "error", err)
			}
			return out, nil
		}

		kind := classifyError(runErr)

		// A timeout on a multi-profile account is treated as a probable
		// rate limit: cooldown and rotate.
		if kind == errKindTimeout && r.profiles.CountForProvider(model.Provider) > 1 {
			kind = errKindRateLimit
		}

		switch kind {
		case errKindAuth, errKindRateLimit:
			if rotated {
				return nil, runErr
			}
			rotated = true
			if err := r.profiles.MarkCooldown(profile.ID, cooldownOnFailure); err != nil {
				L_warn("agent: failed to cooldown profile", "profile", profile.ID, "error", err)
			}
			explicitProfile = "" // advance past the pinned profile
			L_info("agent: rotating auth profile", "failed", profile.ID, "kind", kind)
			continue
		case errKindThinking:
			if thinkingLowered {
				return nil, runErr
			}
			next := lowerThinking(thinking)
			if next == "" {
				return nil, runErr
			}
			thinkingLowered = true
			L_info("agent: lowering thinking level", "from", thinking, "to", next)
			thinking = next
			continue
		default:
			return nil, runErr
		}
	}
}

// attempt performs a single streamed call and finalizes its output.
func (r *Runner) attempt(ctx context.Context, in RunInput, model ModelInfo, profile *authprofile.Profile, thinking string, cb Callbacks) (*RunOutput, error) {
	runCtx := ctx
	if in.TimeoutMs > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(in.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	// Double-warn when the runtime is still streaming well after an abort.
	attemptDone := make(chan struct{})
	defer close(attemptDone)
	go func() {
		select {
		case <-attemptDone:
		case <-runCtx.Done():
			select {
			case <-attemptDone:
			case <-time.After(10 * time.Second):
				L_warn("agent: runtime still streaming 10s after abort", "runId", in.RunID, "session", in.SessionKey)
			}
		}
	}()

	req := &hooks.StreamRequest{
		SessionID:     in.SessionID,
		SessionKey:    in.SessionKey,
		RunID:         in.RunID,
		Provider:      model.Provider,
		Model:         model.ID,
		APIKey:        profile.Credentials,
		SystemPrompt:  r.buildSystemPrompt(in),
		Messages:      []hooks.Message{{Role: "user", Content: in.Prompt}},
		ThinkingLevel: thinking,
		FirstCall:     true,
	}

	var blockTexts []string
	var mediaURLs []string
	compacted := false

	res, err := r.stream(runCtx, req, func(ev hooks.StreamEvent) {
		switch ev.Kind {
		case hooks.EventPartial:
			if cb.OnPartialReply != nil {
				cb.OnPartialReply(ev.Text, ev.MediaURLs)
			}
		case hooks.EventBlock:
			blockTexts = append(blockTexts, ev.Text)
			mediaURLs = append(mediaURLs, ev.MediaURLs...)
			if cb.OnBlockReply != nil {
				cb.OnBlockReply(ev.Text, ev.MediaURLs)
			}
		case hooks.EventToolResult:
			if in.VerboseLevel == "on" && cb.OnToolResult != nil {
				cb.OnToolResult(ev.Text, ev.MediaURLs)
			}
		case hooks.EventAgent:
			if cb.OnAgentEvent != nil {
				cb.OnAgentEvent(ev.Stream, ev.Data)
			}
		case hooks.EventCompaction:
			if ev.Phase == "end" && !ev.WillRetry {
				compacted = true
			}
			if cb.OnAgentEvent != nil {
				cb.OnAgentEvent("compaction", map[string]any{"phase": ev.Phase, "willRetry": ev.WillRetry})
			}
		case hooks.EventUsage:
			r.recordUsage(in.SessionKey, model, ev)
		}
	})
	if err != nil {
		return nil, err
	}

	if compacted {
		r.recordCompaction(in)
	}

	texts := blockTexts
	if res.Text != "" {
		texts = append(texts, res.Text)
	}

	folded, err := r.hooks.RunModifying(ctx, hooks.PhaseBeforeResponseEmit, hooks.Payload{
		SessionKey: in.SessionKey,
		RunID:      in.RunID,
		Content:    strings.Join(texts, "\n"),
	})
	if err != nil {
		var blocked *hooks.BlockedError
		if errors.As(err, &blocked) {
			// Suppress the current reply only; queued follow-ups still drain.
			L_info("agent: response suppressed by plugin", "reason", blocked.Reason)
			return &RunOutput{}, nil
		}
		return nil, err
	}
	// A hook that rewrote the content replaces the payload texts wholesale;
	// untouched content keeps the original block structure so dedup keys
	// still match the streamed payloads.
	if folded.Content != strings.Join(texts, "\n") {
		texts = []string{folded.Content}
	}

	payloads := Finalize(texts, mediaURLs, in.Heartbeat, in.CurrentMsgID)

	out := &RunOutput{Payloads: payloads}
	var parts []string
	for _, p := range payloads {
		if p.Text != "" {
			parts = append(parts, p.Text)
		}
	}
	out.Text = strings.Join(parts, "\n")

	if compacted && in.VerboseLevel == "on" {
		entry, _ := r.sessions.Get(in.SessionKey)
		count := 0
		if entry != nil {
			count = entry.CompactionCount
		}
		notice := delivery.Payload{Text: fmt.Sprintf("Auto-compaction complete (count %d)", count)}
		out.Payloads = append([]delivery.Payload{notice}, out.Payloads...)
	}

	return out, nil
}

// buildSystemPrompt assembles the system prompt from workspace and runtime
// context.
func (r *Runner) buildSystemPrompt(in RunInput) string {
	var b strings.Builder
	b.WriteString("You are a personal assistant reachable over chat channels.\n")
	if in.WorkspaceDir != "" {
		fmt.Fprintf(&b, "Workspace: %s\n", in.WorkspaceDir)
	}
	if in.Elevated == "on" {
		b.WriteString("Elevated command execution is enabled for this session.\n")
	}
	if r.userTimezone != "" {
		if loc, err := time.LoadLocation(r.userTimezone); err == nil {
			fmt.Fprintf(&b, "Current user time: %s\n", time.Now().In(loc).Format("Mon 2 Jan 2006 15:04 MST"))
		}
	}
	return b.String()
}

// recordUsage persists token counters onto the session entry.
func (r *Runner) recordUsage(sessionKey string, model ModelInfo, ev hooks.StreamEvent) {
	if ev.TotalTokens == 0 && ev.InputTokens == 0 && ev.OutputTokens == 0 {
		return
	}
	err := r.sessions.Mutate(sessionKey, func(e *session.Entry) {
		e.Usage.InputTokens += ev.InputTokens
		e.Usage.OutputTokens += ev.OutputTokens
		e.Usage.TotalTokens += ev.TotalTokens
		e.Usage.ContextTokens = ev.ContextTokens
		e.ModelProvider = model.Provider
		e.Model = model.ID
	})
	if err != nil {
		L_warn("agent: failed to persist usage", "session", sessionKey, "error", err)
	}
}

// recordCompaction bumps the session's compaction counter.
func (r *Runner) recordCompaction(in RunInput) {
	err := r.sessions.Mutate(in.SessionKey, func(e *session.Entry) {
		e.CompactionCount++
	})
	if err != nil {
		L_warn("agent: failed to record compaction", "session", in.SessionKey, "error", err)
	}
}
