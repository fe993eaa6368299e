package gateway

import (
	"fmt"
	"net/url"
	"strings"
)

// MissingTokenMessage is the literal error peers detect by substring; do not
// reword it.
const MissingTokenMessage = "Missing gatewayToken in extension settings (set it in the companion app before connecting)"

// ReconnectPolicy is the peer-side reconnect contract: exponential backoff
// with jitter, capped at MaxMs.
type ReconnectPolicy struct {
	BaseMs   int
	MaxMs    int
	JitterMs int
	Random   func() float64
}

// DefaultReconnectPolicy returns the documented defaults.
func DefaultReconnectPolicy(random func() float64) ReconnectPolicy {
	return ReconnectPolicy{BaseMs: 1000, MaxMs: 30000, JitterMs: 1000, Random: random}
}

// ReconnectDelayMs computes the delay before reconnect attempt a:
// min(base*2^a, max) + jitter*random().
func ReconnectDelayMs(attempt int, p ReconnectPolicy) int {
	delay := p.MaxMs
	if attempt < 31 {
		d := p.BaseMs << uint(attempt)
		if d < p.MaxMs && d > 0 {
			delay = d
		}
	}
	jitter := 0.0
	if p.JitterMs > 0 && p.Random != nil {
		jitter = float64(p.JitterMs) * p.Random()
	}
	return delay + int(jitter)
}

// IsNonRetryable reports whether a connection error must stop the reconnect
// loop. Detection is by substring, per the peer contract.
func IsNonRetryable(errMsg string) bool {
	return strings.Contains(errMsg, "Missing gatewayToken")
}

// BuildRelayWsUrl builds the local gateway URL for a peer:
// ws://127.0.0.1:<port>/extension?token=<urlEncoded(token)>.
func BuildRelayWsUrl(port int, gatewayToken string) (string, error) {
	if gatewayToken == "" {
		return "", fmt.Errorf("%s", MissingTokenMessage)
	}
	// Strict RFC 3986 escaping: QueryEscape then space as %20, not '+'.
	escaped := strings.ReplaceAll(url.QueryEscape(gatewayToken), "+", "%20")
	return fmt.Sprintf("ws://127.0.0.1:%d/extension?token=%s", port, escaped), nil
}
