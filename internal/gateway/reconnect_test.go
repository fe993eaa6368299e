package gateway

import (
	"strings"
	"testing"
)

func TestReconnectDelaySchedule(t *testing.T) {
	zero := func() float64 { return 0 }
	p := ReconnectPolicy{BaseMs: 1000, MaxMs: 30000, JitterMs: 0, Random: zero}

	cases := []struct {
		attempt int
		want    int
	}{
		{0, 1000},
		{4, 16000},
		{20, 30000},
	}
	for _, tc := range cases {
		if got := ReconnectDelayMs(tc.attempt, p); got != tc.want {
			t.Errorf("delay(%d) = %d, want %d", tc.attempt, got, tc.want)
		}
	}

	p = ReconnectPolicy{BaseMs: 1000, MaxMs: 30000, JitterMs: 1000, Random: func() float64 { return 0.25 }}
	if got := ReconnectDelayMs(3, p); got != 8250 {
		t.Errorf("delay(3) with jitter = %d, want 8250", got)
	}
}

func TestReconnectDelayBounds(t *testing.T) {
	p := DefaultReconnectPolicy(func() float64 { return 1 })
	for a := 0; a < 64; a++ {
		d := ReconnectDelayMs(a, p)
		if d < p.BaseMs || d > p.MaxMs+p.JitterMs {
			t.Errorf("delay(%d) = %d outside [%d, %d]", a, d, p.BaseMs, p.MaxMs+p.JitterMs)
		}
	}
}

func TestNonRetryablePredicate(t *testing.T) {
	if !IsNonRetryable("Error: Missing gatewayToken in extension settings ...") {
		t.Error("missing-token errors must stop the reconnect loop")
	}
	if IsNonRetryable("connection refused") {
		t.Error("transport errors must remain retryable")
	}
}

func TestBuildRelayWsUrl(t *testing.T) {
	url, err := BuildRelayWsUrl(18792, "abc/+= token")
	if err != nil {
		t.Fatalf("BuildRelayWsUrl: %v", err)
	}
	want := "ws://127.0.0.1:18792/extension?token=abc%2F%2B%3D%20token"
	if url != want {
		t.Errorf("url = %q, want %q", url, want)
	}

	_, err = BuildRelayWsUrl(18792, "")
	if err == nil || !strings.Contains(err.Error(), "Missing gatewayToken") {
		t.Errorf("empty token err = %v", err)
	}
	if !IsNonRetryable(err.Error()) {
		t.Error("missing-token error must be non-retryable")
	}
}
