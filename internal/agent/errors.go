package agent

import (
	"context"
	"errors"
	"strings"
)

// Error kinds the runner recovers from (one retry per class).
const (
	errKindAuth      = "auth"
	errKindRateLimit = "rate-limit"
	errKindThinking  = "unsupported-thinking"
	errKindTimeout   = "timeout"
	errKindOther     = "other"
)

// classifyError buckets a runtime error for the recovery ladder. The
// classification is heuristic by message, matching how providers actually
// report these conditions.
func classifyError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errKindTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "authentication") ||
		strings.Contains(msg, "oauth token expired") ||
		strings.Contains(msg, "unauthorized"):
		return errKindAuth
	case strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "overloaded"):
		return errKindRateLimit
	case strings.Contains(msg, "thinking") &&
		(strings.Contains(msg, "unsupported") || strings.Contains(msg, "not supported")):
		return errKindThinking
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return errKindTimeout
	default:
		return errKindOther
	}
}

// lowerThinking returns the next fallback in the chain
// high -> medium -> low -> minimal -> off, or "" when already at off.
func lowerThinking(level string) string {
	switch level {
	case "high":
		return "medium"
	case "medium":
		return "low"
	case "low":
		return "minimal"
	case "minimal":
		return "off"
	}
	return ""
}
