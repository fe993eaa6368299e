package delivery

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/openclaw/openclaw/internal/session"
)

type fakeAdapter struct {
	mu     sync.Mutex
	name   string
	sent   []OutboundMessage
	typing int
}

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) Send(ctx context.Context, msg OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}
func (f *fakeAdapter) StartTyping(ctx context.Context, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
	return nil
}
func (f *fakeAdapter) StopTyping(ctx context.Context, to string) error { return nil }
func (f *fakeAdapter) SupportsReplies() bool                           { return true }

func (f *fakeAdapter) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, m := range f.sent {
		out[i] = m.Text
	}
	return out
}

func newTestRun(t *testing.T) (*Run, *fakeAdapter) {
	t.Helper()
	p := NewPipeline()
	a := &fakeAdapter{name: "webchat"}
	p.Register(a)
	return p.NewRun("webchat", "peer1", "", false), a
}

func TestBlockDedupSuppressesFinals(t *testing.T) {
	run, adapter := newTestRun(t)
	ctx := context.Background()

	for _, text := range []string{"hi", "done"} {
		if err := run.PushBlock(ctx, Payload{Text: text}); err != nil {
			t.Fatalf("PushBlock: %v", err)
		}
	}
	if err := run.PushFinal(ctx, []Payload{{Text: "hi"}, {Text: "done"}, {Text: "extra"}}); err != nil {
		t.Fatalf("PushFinal: %v", err)
	}
	run.MarkRunComplete(ctx)

	got := adapter.texts()
	want := []string{"hi", "done"}
	if len(got) != len(want) {
		t.Fatalf("sent = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sent[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestFinalsDeliveredWhenNothingStreamed(t *testing.T) {
	run, adapter := newTestRun(t)
	ctx := context.Background()

	if err := run.PushFinal(ctx, []Payload{{Text: "only final"}}); err != nil {
		t.Fatalf("PushFinal: %v", err)
	}
	got := adapter.texts()
	if len(got) != 1 || got[0] != "only final" {
		t.Errorf("sent = %v", got)
	}
}

func TestSilentSentinelDropped(t *testing.T) {
	run, adapter := newTestRun(t)
	ctx := context.Background()

	if err := run.PushFinal(ctx, []Payload{{Text: SilentReplySentinel}}); err != nil {
		t.Fatalf("PushFinal: %v", err)
	}
	if len(adapter.texts()) != 0 {
		t.Errorf("silent sentinel must not be sent: %v", adapter.texts())
	}

	// Sentinel text with media attached is a real payload
	if err := run.PushFinal(ctx, []Payload{{Text: SilentReplySentinel, MediaURLs: []string{"http://x/y.png"}}}); err != nil {
		t.Fatalf("PushFinal: %v", err)
	}
	if len(adapter.texts()) != 1 {
		t.Errorf("sentinel with media should deliver: %v", adapter.texts())
	}
}

func TestHeartbeatNeverTypes(t *testing.T) {
	p := NewPipeline()
	a := &fakeAdapter{name: "webchat"}
	p.Register(a)
	run := p.NewRun("webchat", "peer1", "", true)
	ctx := context.Background()

	run.StartTypingOnText(ctx, "visible output")
	run.MarkRunComplete(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.typing != 0 {
		t.Errorf("heartbeat turn typed %d times", a.typing)
	}
}

func TestTypingArmedOnFirstVisibleOutput(t *testing.T) {
	run, adapter := newTestRun(t)
	ctx := context.Background()

	run.StartTypingOnText(ctx, "")
	adapter.mu.Lock()
	if adapter.typing != 0 {
		adapter.mu.Unlock()
		t.Fatal("empty text must not arm typing")
	}
	adapter.mu.Unlock()

	run.StartTypingOnText(ctx, "text")
	run.MarkRunComplete(ctx)

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if adapter.typing == 0 {
		t.Error("typing should be armed on first visible output")
	}
}

func TestDiscordTargetResolution(t *testing.T) {
	if tgt, err := ResolveDiscordTarget("user:123", nil); err != nil || tgt.Kind != "user" || tgt.ID != "123" {
		t.Errorf("user:123 -> %+v, %v", tgt, err)
	}
	if tgt, err := ResolveDiscordTarget("channel:9", nil); err != nil || tgt.Kind != "channel" {
		t.Errorf("channel:9 -> %+v, %v", tgt, err)
	}

	// Bare numeric without context: ambiguous
	_, err := ResolveDiscordTarget("12345", nil)
	if err == nil || !strings.Contains(err.Error(), "Ambiguous Discord recipient") {
		t.Errorf("err = %v", err)
	}

	// Bare numeric with a Discord delivery context resolves to the recorded target
	entry := &session.Entry{DeliveryContext: session.DeliveryContext{Channel: "discord", To: "channel:777"}}
	tgt, err := ResolveDiscordTarget("12345", entry)
	if err != nil || tgt.Kind != "channel" || tgt.ID != "777" {
		t.Errorf("with context -> %+v, %v", tgt, err)
	}

	// Context naming another channel does not resolve
	entry = &session.Entry{DeliveryContext: session.DeliveryContext{Channel: "telegram", To: "42"}}
	if _, err := ResolveDiscordTarget("12345", entry); err == nil {
		t.Error("non-discord context must stay ambiguous")
	}
}

func TestWebhookUsernameTruncation(t *testing.T) {
	b := ThreadBinding{Label: strings.Repeat("x", 100)}
	name := b.WebhookUsername("agent")
	if len(name) != WebhookNameMaxUnits {
		t.Errorf("len = %d, want %d", len(name), WebhookNameMaxUnits)
	}

	b = ThreadBinding{}
	if got := b.WebhookUsername("Clawd"); got != "Clawd" {
		t.Errorf("fallback = %q", got)
	}
}

func TestLongMessageChunkedForChannel(t *testing.T) {
	p := NewPipeline()
	a := &fakeAdapter{name: "discord"}
	p.Register(a)
	run := p.NewRun("discord", "channel:1", "", false)

	long := strings.Repeat("paragraph text here.\n\n", 300)
	if err := run.PushFinal(context.Background(), []Payload{{Text: long}}); err != nil {
		t.Fatalf("PushFinal: %v", err)
	}
	run.MarkRunComplete(context.Background())

	sent := a.texts()
	if len(sent) < 2 {
		t.Fatalf("expected chunked sends, got %d", len(sent))
	}
	for i, text := range sent {
		if len(text) > DiscordMaxChars+8 {
			t.Errorf("chunk %d length %d over limit", i, len(text))
		}
	}
}
