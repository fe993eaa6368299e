package session

import (
	"strings"

	. "github.com/openclaw/openclaw/internal/logging"
)

// Inbound is one normalized inbound channel message.
type Inbound struct {
	Surface      string // "telegram", "discord", "whatsapp", ...
	SenderID     string
	To           string
	ChatType     string // "direct" or "group"
	GroupID      string
	WasMentioned bool
	IsReplyToBot bool
	IsOwner      bool
	Body         string
	ThreadID     string
}

// ChannelRules is the routing-relevant slice of a channel's config.
type ChannelRules struct {
	DMPolicy        string            // "pairing" or "open"
	AllowFrom       []string          // sender ids; "*" opens the channel
	GroupActivation map[string]string // group id -> "mention" | "always"
}

// Skip reasons.
const (
	SkipNotAllowed     = "sender-not-allowed"
	SkipPairingPending = "pairing-pending"
	SkipNotActivated   = "group-not-activated"
	SkipEmpty          = "empty-message"
)

// Route is the outcome of routing one inbound message.
type Route struct {
	Skip        bool
	SkipReason  string
	PairingCode string // set when a pairing exchange was initiated
	SessionKey  string
	Directive   *Directive // set when the body is a directive command
	Body        string     // body with any directive stripped
}

// Router resolves inbound messages to session keys.
type Router struct {
	agentID  string
	scope    string // per-sender | global
	mainKey  string
	channels map[string]ChannelRules
	pairing  *PairingStore
	store    *Store
}

// NewRouter creates a router for one agent.
func NewRouter(agentID, scope, mainKey string, channels map[string]ChannelRules, pairing *PairingStore, store *Store) *Router {
	if mainKey == "" {
		mainKey = "main"
	}
	return &Router{
		agentID:  agentID,
		scope:    scope,
		mainKey:  mainKey,
		channels: channels,
		pairing:  pairing,
		store:    store,
	}
}

// Resolve routes msg to a session key, applying DM gating, group activation,
// and directive extraction. The session entry is created on first match.
func (r *Router) Resolve(msg Inbound) (Route, error) {
	body := strings.TrimSpace(msg.Body)
	if body == "" {
		return Route{Skip: true, SkipReason: SkipEmpty}, nil
	}

	rules := r.channels[msg.Surface]

	if msg.ChatType == "group" {
		if route, skip := r.gateGroup(msg, rules); skip {
			return route, nil
		}
	} else {
		if route, skip, err := r.gateDirect(msg, rules); skip || err != nil {
			return route, err
		}
	}

	key := r.sessionKey(msg)
	if _, err := r.store.Ensure(key); err != nil {
		return Route{}, err
	}

	route := Route{SessionKey: key, Body: body}
	if d, rest := ParseDirective(body); d != nil {
		// Directives are owner-only in groups.
		if msg.ChatType == "group" && !msg.IsOwner {
			L_debug("router: ignoring non-owner directive in group", "surface", msg.Surface, "sender", msg.SenderID)
		} else {
			route.Directive = d
			route.Body = rest
		}
	}
	return route, nil
}

// gateGroup applies the group activation rules.
func (r *Router) gateGroup(msg Inbound, rules ChannelRules) (Route, bool) {
	activation := rules.GroupActivation[msg.GroupID]
	if activation == "" {
		activation = rules.GroupActivation["*"]
	}
	if activation == "" {
		activation = ActivationMention
	}

	// A per-session override wins over channel config.
	key := GroupKey(r.agentID, msg.Surface, msg.GroupID)
	if entry, err := r.store.Get(key); err == nil && entry != nil && entry.GroupActivation != "" {
		activation = entry.GroupActivation
	}

	if activation == ActivationMention && !msg.WasMentioned && !msg.IsReplyToBot {
		return Route{Skip: true, SkipReason: SkipNotActivated}, true
	}
	return Route{}, false
}

// gateDirect applies dmPolicy to unknown senders.
func (r *Router) gateDirect(msg Inbound, rules ChannelRules) (Route, bool, error) {
	if senderAllowed(rules.AllowFrom, msg.SenderID) {
		return Route{}, false, nil
	}
	if r.pairing != nil && r.pairing.IsApproved(msg.Surface, msg.SenderID) {
		return Route{}, false, nil
	}

	switch rules.DMPolicy {
	case "open":
		// open still requires the wildcard entry
		return Route{Skip: true, SkipReason: SkipNotAllowed}, true, nil
	default: // "pairing"
		if r.pairing == nil {
			return Route{Skip: true, SkipReason: SkipNotAllowed}, true, nil
		}
		code, fresh, err := r.pairing.EnsureCode(msg.Surface, msg.SenderID)
		if err != nil {
			return Route{}, true, err
		}
		route := Route{Skip: true, SkipReason: SkipPairingPending}
		if fresh {
			route.PairingCode = code
		}
		return route, true, nil
	}
}

func senderAllowed(allowFrom []string, senderID string) bool {
	for _, allowed := range allowFrom {
		if allowed == "*" || allowed == senderID {
			return true
		}
	}
	return false
}

// sessionKey computes the canonical key for msg.
func (r *Router) sessionKey(msg Inbound) string {
	if msg.ChatType == "group" {
		return GroupKey(r.agentID, msg.Surface, msg.GroupID)
	}
	if r.scope == ScopeGlobal {
		return MainKey(r.agentID)
	}
	return PeerKey(r.agentID, msg.Surface, msg.SenderID)
}
