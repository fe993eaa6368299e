package session

import (
	"path/filepath"
	"testing"
)

func newTestRouter(t *testing.T, scope string, channels map[string]ChannelRules) (*Router, *Store) {
	t.Helper()
	dir := t.TempDir()
	st := NewStore(filepath.Join(dir, "sessions.json"))
	pairing := NewPairingStore(filepath.Join(dir, "pairing.json"))
	r := NewRouter("main", scope, "main", channels, pairing, st)
	return r, st
}

func TestGroupMentionGating(t *testing.T) {
	r, _ := newTestRouter(t, ScopePerSender, map[string]ChannelRules{
		"telegram": {
			AllowFrom:       []string{"*"},
			GroupActivation: map[string]string{"g1": ActivationMention},
		},
	})

	// Not mentioned: skip, no session turn
	route, err := r.Resolve(Inbound{
		Surface: "telegram", SenderID: "u1", ChatType: "group", GroupID: "g1",
		Body: "hello everyone",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !route.Skip || route.SkipReason != SkipNotActivated {
		t.Errorf("expected skip for unmentioned group message, got %+v", route)
	}

	// Mentioned: routed to the group key
	route, err = r.Resolve(Inbound{
		Surface: "telegram", SenderID: "u1", ChatType: "group", GroupID: "g1",
		WasMentioned: true, Body: "hello bot",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if route.Skip {
		t.Fatalf("mentioned message must route, got %+v", route)
	}
	if route.SessionKey != "agent:main:telegram:group:g1" {
		t.Errorf("sessionKey = %q", route.SessionKey)
	}

	// Reply to the assistant also activates
	route, _ = r.Resolve(Inbound{
		Surface: "telegram", SenderID: "u1", ChatType: "group", GroupID: "g1",
		IsReplyToBot: true, Body: "and this?",
	})
	if route.Skip {
		t.Errorf("reply-to-bot should activate, got %+v", route)
	}
}

func TestActivationAlways(t *testing.T) {
	r, _ := newTestRouter(t, ScopePerSender, map[string]ChannelRules{
		"discord": {
			AllowFrom:       []string{"*"},
			GroupActivation: map[string]string{"*": ActivationAlways},
		},
	})
	route, err := r.Resolve(Inbound{
		Surface: "discord", SenderID: "u1", ChatType: "group", GroupID: "g9",
		Body: "no mention here",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if route.Skip {
		t.Errorf("activation=always should route, got %+v", route)
	}
}

func TestDMPairingGate(t *testing.T) {
	r, _ := newTestRouter(t, ScopePerSender, map[string]ChannelRules{
		"telegram": {DMPolicy: "pairing", AllowFrom: []string{"owner"}},
	})

	// Unknown sender gets a pairing code once
	route, err := r.Resolve(Inbound{Surface: "telegram", SenderID: "stranger", ChatType: "direct", Body: "hi"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !route.Skip || route.SkipReason != SkipPairingPending {
		t.Fatalf("expected pairing-pending, got %+v", route)
	}
	if route.PairingCode == "" {
		t.Error("first contact should mint a pairing code")
	}

	// Second message: still skipped, code not re-issued
	route, _ = r.Resolve(Inbound{Surface: "telegram", SenderID: "stranger", ChatType: "direct", Body: "hi again"})
	if !route.Skip || route.PairingCode != "" {
		t.Errorf("second contact should skip without re-issuing, got %+v", route)
	}

	// Approval opens the lane
	pending, _ := r.pairing.Pending()
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if _, err := r.pairing.Approve(pending[0].Code); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	route, _ = r.Resolve(Inbound{Surface: "telegram", SenderID: "stranger", ChatType: "direct", Body: "hi again"})
	if route.Skip {
		t.Errorf("approved sender should route, got %+v", route)
	}

	// Known sender routes straight through
	route, _ = r.Resolve(Inbound{Surface: "telegram", SenderID: "owner", ChatType: "direct", Body: "hi"})
	if route.Skip {
		t.Errorf("allowlisted sender should route, got %+v", route)
	}
	if route.SessionKey != "agent:main:telegram:owner" {
		t.Errorf("sessionKey = %q", route.SessionKey)
	}
}

func TestOpenPolicyRequiresWildcard(t *testing.T) {
	r, _ := newTestRouter(t, ScopePerSender, map[string]ChannelRules{
		"webchat": {DMPolicy: "open", AllowFrom: []string{"alice"}},
	})
	route, _ := r.Resolve(Inbound{Surface: "webchat", SenderID: "bob", ChatType: "direct", Body: "hi"})
	if !route.Skip || route.SkipReason != SkipNotAllowed {
		t.Errorf("open without wildcard must not admit unknown senders, got %+v", route)
	}

	r2, _ := newTestRouter(t, ScopePerSender, map[string]ChannelRules{
		"webchat": {DMPolicy: "open", AllowFrom: []string{"*"}},
	})
	route, _ = r2.Resolve(Inbound{Surface: "webchat", SenderID: "bob", ChatType: "direct", Body: "hi"})
	if route.Skip {
		t.Errorf("wildcard open channel should route, got %+v", route)
	}
}

func TestGlobalScopeRoutesToMain(t *testing.T) {
	r, _ := newTestRouter(t, ScopeGlobal, map[string]ChannelRules{
		"telegram": {AllowFrom: []string{"*"}},
	})
	route, _ := r.Resolve(Inbound{Surface: "telegram", SenderID: "anyone", ChatType: "direct", Body: "hi"})
	if route.SessionKey != "agent:main:main" {
		t.Errorf("global scope key = %q", route.SessionKey)
	}
}

func TestDirectiveParsing(t *testing.T) {
	d, rest := ParseDirective("/think high")
	if d == nil || d.Name != "think" || d.Arg != "high" {
		t.Errorf("ParseDirective = %+v", d)
	}
	if rest != "" {
		t.Errorf("rest = %q", rest)
	}

	d, rest = ParseDirective("/model gpt-x then do something")
	if d == nil || d.Arg != "gpt-x" || rest != "then do something" {
		t.Errorf("got %+v rest=%q", d, rest)
	}

	if d, _ := ParseDirective("/notacommand foo"); d != nil {
		t.Errorf("unknown command should not parse, got %+v", d)
	}
	if d, _ := ParseDirective("plain text"); d != nil {
		t.Errorf("plain text should not parse, got %+v", d)
	}
}

func TestDirectiveOwnerOnlyInGroups(t *testing.T) {
	r, _ := newTestRouter(t, ScopePerSender, map[string]ChannelRules{
		"telegram": {
			AllowFrom:       []string{"*"},
			GroupActivation: map[string]string{"*": ActivationAlways},
		},
	})

	route, _ := r.Resolve(Inbound{
		Surface: "telegram", SenderID: "u1", ChatType: "group", GroupID: "g1",
		Body: "/think high",
	})
	if route.Directive != nil {
		t.Error("non-owner group directive must be ignored")
	}

	route, _ = r.Resolve(Inbound{
		Surface: "telegram", SenderID: "owner", ChatType: "group", GroupID: "g1",
		IsOwner: true, Body: "/think high",
	})
	if route.Directive == nil || route.Directive.Name != "think" {
		t.Errorf("owner directive should parse, got %+v", route.Directive)
	}
}

func TestApplyDirectiveMutatesEntry(t *testing.T) {
	st := NewStore(filepath.Join(t.TempDir(), "sessions.json"))
	key := MainKey("main")

	msg, err := ApplyDirective(st, key, &Directive{Name: "think", Arg: "medium"})
	if err != nil {
		t.Fatalf("ApplyDirective: %v", err)
	}
	if msg == "" {
		t.Error("expected confirmation message")
	}

	entry, _ := st.Get(key)
	if entry == nil || entry.ThinkingLevel != ThinkingMedium {
		t.Errorf("entry = %+v", entry)
	}
	if entry.UpdatedAt == 0 {
		t.Error("UpdatedAt must be stamped on mutation")
	}
}
