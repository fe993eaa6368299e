package delivery

import (
	"strings"
	"sync"
)

// SilentReplySentinel suppresses a reply entirely when it is the whole text.
const SilentReplySentinel = "__SILENT_REPLY__"

// Payload is one outbound reply unit.
type Payload struct {
	Text      string
	MediaURLs []string
	ReplyToID string
}

// Fingerprint identifies a payload for stream/final dedup. Streamed block
// payloads and their final counterparts must produce identical keys.
func (p Payload) Fingerprint() string {
	var b strings.Builder
	b.WriteString(p.Text)
	b.WriteByte('\x00')
	b.WriteString(strings.Join(p.MediaURLs, "\x01"))
	b.WriteByte('\x00')
	b.WriteString(p.ReplyToID)
	return b.String()
}

// IsSilent reports whether the payload is the silent-reply sentinel with no
// media attached.
func (p Payload) IsSilent() bool {
	return strings.TrimSpace(p.Text) == SilentReplySentinel && len(p.MediaURLs) == 0
}

// Dedup tracks payloads streamed via block replies during a run, so the
// final payload set does not re-send them.
type Dedup struct {
	mu       sync.Mutex
	streamed map[string]bool
}

// NewDedup creates an empty dedup set for one run.
func NewDedup() *Dedup {
	return &Dedup{streamed: make(map[string]bool)}
}

// MarkStreamed records a block payload as delivered.
func (d *Dedup) MarkStreamed(p Payload) {
	d.mu.Lock()
	d.streamed[p.Fingerprint()] = true
	d.mu.Unlock()
}

// AnyStreamed reports whether any block payload was delivered this run.
func (d *Dedup) AnyStreamed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streamed) > 0
}

// FilterFinal removes already-streamed payloads from the final set. When
// shouldDropFinalPayloads is set and any block was streamed, the final payload
// list is fully suppressed: block streaming delivered the turn's content already.
func (d *Dedup) FilterFinal(finals []Payload, shouldDropFinalPayloads bool) []Payload {
	d.mu.Lock()
	defer d.mu.Unlock()

	if shouldDropFinalPayloads && len(d.streamed) > 0 {
		return nil
	}

	var out []Payload
	for _, p := range finals {
		if d.streamed[p.Fingerprint()] {
			continue
		}
		out = append(out, p)
	}
	return out
}
