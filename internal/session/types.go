// Package session maps inbound traffic to session keys and owns per-session
// metadata for OpenClaw.
package session

import (
	"fmt"
	"strings"
)

// Thinking levels.
const (
	ThinkingOff     = "off"
	ThinkingMinimal = "minimal"
	ThinkingLow     = "low"
	ThinkingMedium  = "medium"
	ThinkingHigh    = "high"
)

// Elevated levels.
const (
	ElevatedOff = "off"
	ElevatedAsk = "ask"
	ElevatedOn  = "on"
)

// Queue modes.
const (
	QueueInterrupt = "interrupt"
	QueueSteer     = "steer"
	QueueFollowup  = "followup"
	QueueDrop      = "drop"
)

// Group activation modes.
const (
	ActivationMention = "mention"
	ActivationAlways  = "always"
)

// Session scopes.
const (
	ScopePerSender = "per-sender"
	ScopeGlobal    = "global"
)

// DeliveryContext records where the last reply for a session went.
type DeliveryContext struct {
	Channel  string `json:"channel,omitempty"`
	To       string `json:"to,omitempty"`
	ThreadID string `json:"threadId,omitempty"`
}

// TokenUsage accumulates per-session token counters.
type TokenUsage struct {
	InputTokens   int `json:"inputTokens,omitempty"`
	OutputTokens  int `json:"outputTokens,omitempty"`
	TotalTokens   int `json:"totalTokens,omitempty"`
	ContextTokens int `json:"contextTokens,omitempty"`
}

// Entry is the per-key session record. Every field mutation updates
// UpdatedAt; the file is rewritten atomically.
type Entry struct {
	SessionID       string          `json:"sessionId"`
	SessionFile     string          `json:"sessionFile,omitempty"`
	UpdatedAt       int64           `json:"updatedAt"`
	ModelProvider   string          `json:"modelProvider,omitempty"`
	Model           string          `json:"model,omitempty"`
	ThinkingLevel   string          `json:"thinkingLevel,omitempty"`
	VerboseLevel    string          `json:"verboseLevel,omitempty"` // "off" or "on"
	ElevatedLevel   string          `json:"elevatedLevel,omitempty"`
	SendPolicy      string          `json:"sendPolicy,omitempty"`
	QueueMode       string          `json:"queueMode,omitempty"`
	GroupActivation string          `json:"groupActivation,omitempty"`
	CompactionCount int             `json:"compactionCount,omitempty"`
	Usage           TokenUsage      `json:"usage,omitempty"`
	DeliveryContext DeliveryContext `json:"deliveryContext,omitempty"`
}

// Index is the sessions/<agentId>.json document: session key -> entry.
type Index map[string]*Entry

// MainKey returns the default private-chat key for an agent.
func MainKey(agentID string) string {
	return fmt.Sprintf("agent:%s:main", agentID)
}

// PeerKey returns the canonical key for a direct peer conversation.
func PeerKey(agentID, surface, peerID string) string {
	return fmt.Sprintf("agent:%s:%s:%s", agentID, surface, peerID)
}

// GroupKey returns the canonical key for a group conversation.
func GroupKey(agentID, surface, groupID string) string {
	return fmt.Sprintf("agent:%s:%s:group:%s", agentID, surface, groupID)
}

// IsGroupKey reports whether key names a group conversation.
func IsGroupKey(key string) bool {
	return strings.Contains(key, ":group:")
}
