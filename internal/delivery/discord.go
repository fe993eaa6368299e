package delivery

import (
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/openclaw/openclaw/internal/session"
)

// WebhookNameMaxUnits is Discord's display-name limit, counted in UTF-16
// code units.
const WebhookNameMaxUnits = 80

// ThreadBinding ties a Discord forum thread to an agent identity for webhook
// impersonation.
type ThreadBinding struct {
	ThreadID     string `json:"threadId"`
	AgentID      string `json:"agentId"`
	Label        string `json:"label,omitempty"`
	WebhookID    string `json:"webhookId,omitempty"`
	WebhookToken string `json:"webhookToken,omitempty"`
	AccountID    string `json:"accountId"`
}

// HasWebhook reports whether the binding can impersonate via webhook.
func (b ThreadBinding) HasWebhook() bool {
	return b.WebhookID != "" && b.WebhookToken != ""
}

// WebhookUsername derives the impersonation display name from the binding
// label or agent identity, truncated on UTF-16 code units.
func (b ThreadBinding) WebhookUsername(agentName string) string {
	name := b.Label
	if name == "" {
		name = agentName
	}
	return truncateUTF16(name, WebhookNameMaxUnits)
}

func truncateUTF16(s string, maxUnits int) string {
	units := utf16.Encode([]rune(s))
	if len(units) <= maxUnits {
		return s
	}
	return string(utf16.Decode(units[:maxUnits]))
}

// DiscordTarget is a resolved outbound destination.
type DiscordTarget struct {
	Kind string // "user" or "channel"
	ID   string
}

// ResolveDiscordTarget parses a raw target. Accepted forms are "user:<id>"
// and "channel:<id>". A bare numeric ID falls back to the session's last
// delivery context when it names Discord; otherwise the target is ambiguous.
func ResolveDiscordTarget(raw string, entry *session.Entry) (DiscordTarget, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(raw, "user:"):
		return DiscordTarget{Kind: "user", ID: raw[len("user:"):]}, nil
	case strings.HasPrefix(raw, "channel:"):
		return DiscordTarget{Kind: "channel", ID: raw[len("channel:"):]}, nil
	}

	if !isDigits(raw) {
		return DiscordTarget{}, fmt.Errorf("unrecognized Discord target %q: use user:<id> or channel:<id>", raw)
	}

	if entry != nil && entry.DeliveryContext.Channel == "discord" && entry.DeliveryContext.To != "" {
		return ResolveDiscordTarget(entry.DeliveryContext.To, nil)
	}

	return DiscordTarget{}, fmt.Errorf(
		"Ambiguous Discord recipient %q: specify user:%s or channel:%s", raw, raw, raw)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
