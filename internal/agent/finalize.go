package agent

import (
	"regexp"
	"strings"

	"github.com/openclaw/openclaw/internal/delivery"
)

// HeartbeatOKToken marks a heartbeat turn with nothing to report.
const HeartbeatOKToken = "HEARTBEAT_OK"

// LLMConnectionFailedMessage replaces the known noisy transport error.
const LLMConnectionFailedMessage = "LLM connection failed. Please try again."

// socketClosedFragment identifies the transport error we rewrite.
const socketClosedFragment = "socket closed unexpectedly"

var (
	replyToRe        = regexp.MustCompile(`\[\[reply_to:([^\]\s]+)\]\]`)
	replyToCurrentRe = regexp.MustCompile(`\[\[reply_to_current\]\]`)
)

// Finalize applies the directive-tag and heartbeat transformers to the
// assembled assistant text and returns the final payload list. The same
// transformers run on streamed block text so dedup keys line up.
//
// currentMsgID is the inbound message id used by [[reply_to_current]];
// an explicit [[reply_to:<id>]] wins over it.
func Finalize(texts []string, mediaURLs []string, heartbeat bool, currentMsgID string) []delivery.Payload {
	var payloads []delivery.Payload
	seen := make(map[string]bool)

	for i, text := range texts {
		cleaned, replyTo := ExtractReplyTags(text, currentMsgID)
		cleaned = StripHeartbeat(cleaned)
		if heartbeat && strings.TrimSpace(cleaned) == "" {
			continue // empty heartbeats are skipped entirely
		}

		p := delivery.Payload{Text: cleaned, ReplyToID: replyTo}
		if i == len(texts)-1 {
			p.MediaURLs = mediaURLs
		}
		// Collapse duplicate payload keys: block-streamed chunks must not
		// reappear as distinct final payloads.
		key := p.Fingerprint()
		if seen[key] {
			continue
		}
		seen[key] = true
		payloads = append(payloads, p)
	}
	return payloads
}

// ExtractReplyTags removes reply directive tags from text and resolves the
// reply target. An explicit [[reply_to:<id>]] wins over [[reply_to_current]].
func ExtractReplyTags(text, currentMsgID string) (cleaned, replyTo string) {
	if m := replyToRe.FindStringSubmatch(text); m != nil {
		replyTo = m[1]
	} else if replyToCurrentRe.MatchString(text) {
		replyTo = currentMsgID
	}
	cleaned = replyToRe.ReplaceAllString(text, "")
	cleaned = replyToCurrentRe.ReplaceAllString(cleaned, "")
	cleaned = strings.TrimSpace(cleaned)
	return cleaned, replyTo
}

// StripHeartbeat removes heartbeat tokens from text.
func StripHeartbeat(text string) string {
	return strings.TrimSpace(strings.ReplaceAll(text, HeartbeatOKToken, ""))
}

// RewriteTransportError swaps the known "socket closed unexpectedly" noise
// for a friendly message; all other errors pass through verbatim.
func RewriteTransportError(errText string) string {
	if strings.Contains(errText, socketClosedFragment) {
		return LLMConnectionFailedMessage
	}
	return errText
}
