package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	. "github.com/openclaw/openclaw/internal/logging"
)

// OutboundMessage is what an adapter actually sends.
type OutboundMessage struct {
	To        string
	Text      string
	MediaURLs []string
	ReplyToID string
	ThreadID  string
}

// Adapter is the per-channel outbound contract implemented by channel
// plugins. Channels that cannot type or thread return nil from those calls.
type Adapter interface {
	Name() string
	Send(ctx context.Context, msg OutboundMessage) error
	StartTyping(ctx context.Context, to string) error
	StopTyping(ctx context.Context, to string) error
	SupportsReplies() bool
}

// Pipeline fans finalized payloads out to channel adapters with chunking,
// dedup, and typing indicators.
type Pipeline struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewPipeline creates an empty delivery pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{adapters: make(map[string]Adapter)}
}

// Register installs an adapter under its channel name.
func (p *Pipeline) Register(a Adapter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.adapters[a.Name()] = a
}

// Adapter returns the adapter for channel, or nil.
func (p *Pipeline) Adapter(channel string) Adapter {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.adapters[channel]
}

// Run owns delivery state for one agent turn: the dedup set and the typing
// loop. Heartbeat turns never type and never deliver sentinel noise.
type Run struct {
	pipeline  *Pipeline
	channel   string
	to        string
	threadID  string
	heartbeat bool

	dedup *Dedup

	typingMu     sync.Mutex
	typingCancel context.CancelFunc
	typingArmed  bool
}

// NewRun creates delivery state for a turn targeting (channel, to).
func (p *Pipeline) NewRun(channel, to, threadID string, heartbeat bool) *Run {
	return &Run{
		pipeline:  p,
		channel:   channel,
		to:        to,
		threadID:  threadID,
		heartbeat: heartbeat,
		dedup:     NewDedup(),
	}
}

// StartTypingOnText arms the typing loop upon the first visible output of a
// non-heartbeat turn. Subsequent calls are no-ops.
func (r *Run) StartTypingOnText(ctx context.Context, text string) {
	if r.heartbeat || text == "" {
		return
	}
	r.typingMu.Lock()
	defer r.typingMu.Unlock()
	if r.typingArmed {
		return
	}
	adapter := r.pipeline.Adapter(r.channel)
	if adapter == nil {
		return
	}
	r.typingArmed = true

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.typingCancel = cancel
	adapter.StartTyping(loopCtx, r.to)
	go func() {
		ticker := time.NewTicker(8 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				adapter.StartTyping(loopCtx, r.to)
			}
		}
	}()
}

// MarkRunComplete clears the typing loop. Safe to call multiple times.
func (r *Run) MarkRunComplete(ctx context.Context) {
	r.typingMu.Lock()
	cancel := r.typingCancel
	r.typingCancel = nil
	armed := r.typingArmed
	r.typingMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if armed {
		if adapter := r.pipeline.Adapter(r.channel); adapter != nil {
			adapter.StopTyping(ctx, r.to)
		}
	}
}

// PushBlock delivers a block payload mid-turn and records it for final dedup.
func (r *Run) PushBlock(ctx context.Context, p Payload) error {
	if p.IsSilent() {
		return nil
	}
	r.StartTypingOnText(ctx, p.Text)
	if err := r.send(ctx, p); err != nil {
		return err
	}
	r.dedup.MarkStreamed(p)
	return nil
}

// PushFinal delivers the final payload set, suppressing everything already
// streamed as blocks.
func (r *Run) PushFinal(ctx context.Context, payloads []Payload) error {
	final := r.dedup.FilterFinal(payloads, r.dedup.AnyStreamed())
	var firstErr error
	for _, p := range final {
		if p.IsSilent() {
			continue
		}
		r.StartTypingOnText(ctx, p.Text)
		if err := r.send(ctx, p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// send chunks and sends one payload through the channel adapter.
func (r *Run) send(ctx context.Context, p Payload) error {
	adapter := r.pipeline.Adapter(r.channel)
	if adapter == nil {
		return fmt.Errorf("no adapter registered for channel %q", r.channel)
	}

	replyTo := p.ReplyToID
	if replyTo != "" && !adapter.SupportsReplies() {
		replyTo = ""
	}

	chunks := []string{p.Text}
	if max := MaxCharsFor(r.channel); max > 0 {
		chunks = SplitMessage(p.Text, ChunkOptions{MaxChars: max})
	}

	for i, chunk := range chunks {
		msg := OutboundMessage{
			To:       r.to,
			Text:     chunk,
			ThreadID: r.threadID,
		}
		if i == 0 {
			msg.MediaURLs = p.MediaURLs
			msg.ReplyToID = replyTo
		}
		if err := adapter.Send(ctx, msg); err != nil {
			L_warn("delivery: send failed", "channel", r.channel, "to", r.to, "error", err)
			return err
		}
	}
	return nil
}
