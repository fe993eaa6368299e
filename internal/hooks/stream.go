package hooks

import (
	"context"
)

// Stream event kinds emitted by the agent runtime.
const (
	EventPartial    = "partial"
	EventBlock      = "block"
	EventToolResult = "tool_result"
	EventAgent      = "agent"
	EventUsage      = "usage"
	EventCompaction = "compaction"
)

// StreamEvent is one tagged event from the runtime stream.
type StreamEvent struct {
	Kind      string
	Text      string
	MediaURLs []string

	// agent events
	Stream string
	Data   map[string]any

	// usage events
	InputTokens   int
	OutputTokens  int
	TotalTokens   int
	ContextTokens int

	// compaction events
	Phase     string
	WillRetry bool
}

// StreamRequest is one LLM call.
type StreamRequest struct {
	SessionID     string
	SessionKey    string
	RunID         string
	Provider      string
	Model         string
	APIKey        string
	SystemPrompt  string
	Messages      []Message
	Tools         []string
	ThinkingLevel string
	FirstCall     bool // first LLM call of the turn
}

// StreamResult is the runtime's final answer for one call.
type StreamResult struct {
	Text       string
	StopReason string
}

// StreamFn invokes the agent runtime, emitting events as they arrive.
type StreamFn func(ctx context.Context, req *StreamRequest, emit func(StreamEvent)) (*StreamResult, error)

// WrapStream decorates inner with the hook chain: context_assembled on the
// first call of a turn, before_llm_call (modifying, may block), then the
// inner runtime, then after_llm_call. Applied as the outermost decorator so
// handlers see the full context before the runtime does.
func (r *Runner) WrapStream(inner StreamFn) StreamFn {
	return func(ctx context.Context, req *StreamRequest, emit func(StreamEvent)) (*StreamResult, error) {
		payload := Payload{
			SessionKey:   req.SessionKey,
			RunID:        req.RunID,
			Messages:     req.Messages,
			SystemPrompt: req.SystemPrompt,
			Tools:        req.Tools,
		}

		if req.FirstCall {
			r.Emit(ctx, PhaseContextAssembled, payload)
		}

		folded, err := r.RunModifying(ctx, PhaseBeforeLLMCall, payload)
		if err != nil {
			return nil, err
		}
		req.Messages = folded.Messages
		req.SystemPrompt = folded.SystemPrompt
		req.Tools = folded.Tools

		res, err := inner(ctx, req, emit)
		if err != nil {
			return nil, err
		}

		after := payload
		after.Messages = req.Messages
		after.SystemPrompt = req.SystemPrompt
		after.Tools = req.Tools
		after.Content = res.Text
		folded, err = r.RunModifying(ctx, PhaseAfterLLMCall, after)
		if err != nil {
			return nil, err
		}
		if folded.Content != res.Text {
			res.Text = folded.Content
		}
		return res, nil
	}
}
