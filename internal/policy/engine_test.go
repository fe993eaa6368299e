package policy

import (
	"path/filepath"
	"strings"
	"testing"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	al := NewAllowlist(filepath.Join(t.TempDir(), "allowlist.json"))
	return NewEngine(cfg, al)
}

func TestSudoDeniedAsAllowlistMiss(t *testing.T) {
	e := newTestEngine(t, Config{Security: SecurityAllowlist, Ask: AskOff})

	d := e.Evaluate(Request{Argv: []string{"sudo", "echo", "x"}})
	if d.Allowed {
		t.Fatal("sudo must not be allowed")
	}
	if d.EventReason != ReasonAllowlistMiss {
		t.Errorf("eventReason = %q, want %q", d.EventReason, ReasonAllowlistMiss)
	}
	if d.ShellWrapperBlocked {
		t.Error("shellWrapperBlocked should be false for sudo")
	}
	if d.AnalysisOk {
		t.Error("privilege wrappers must fail analysis")
	}
}

func TestShellWrapperRequiresApproval(t *testing.T) {
	e := newTestEngine(t, Config{Security: SecurityAllowlist, Ask: AskOff})

	d := e.Evaluate(Request{Argv: []string{"bash", "-c", "echo x"}})
	if d.Allowed {
		t.Fatal("bash -c must not be allowed without approval")
	}
	if !d.ShellWrapperBlocked {
		t.Error("expected shellWrapperBlocked")
	}
	if !strings.Contains(d.ErrorMessage, "sh/bash/zsh -c") {
		t.Errorf("message should name the wrapper family, got %q", d.ErrorMessage)
	}

	// Explicit approval overrides the wrapper block
	d = e.Evaluate(Request{Argv: []string{"bash", "-c", "echo x"}, ApprovalDecision: ApprovalAllowOnce})
	if !d.Allowed {
		t.Error("allow-once should permit the run")
	}
}

func TestAllowlistMissMessageNamesWindowsWrappers(t *testing.T) {
	msg := FormatSystemRunAllowlistMissMessage(Decision{
		ShellWrapperBlocked:        true,
		WindowsShellWrapperBlocked: true,
	})
	if !strings.Contains(msg, "cmd.exe /c") {
		t.Errorf("message missing cmd.exe /c: %q", msg)
	}
	if !strings.Contains(msg, "sh/bash/zsh -c") {
		t.Errorf("message missing sh/bash/zsh -c: %q", msg)
	}
}

func TestSecurityDeny(t *testing.T) {
	e := newTestEngine(t, Config{Security: SecurityDeny})
	d := e.Evaluate(Request{Argv: []string{"ls"}})
	if d.Allowed {
		t.Error("security=deny must deny everything")
	}
	if d.EventReason != ReasonSecurityDeny {
		t.Errorf("eventReason = %q", d.EventReason)
	}
}

func TestAskAlwaysRequiresApproval(t *testing.T) {
	e := newTestEngine(t, Config{Security: SecurityAllowlist, Ask: AskAlways, SafeBins: []string{"ls"}})

	d := e.Evaluate(Request{Argv: []string{"ls"}})
	if d.Allowed || !d.RequiresAsk {
		t.Errorf("ask=always should require approval, got %+v", d)
	}

	d = e.Evaluate(Request{Argv: []string{"ls"}, ApprovalDecision: ApprovalAllowOnce})
	if !d.Allowed {
		t.Error("approval should satisfy ask=always")
	}
}

func TestSafeBinAllowed(t *testing.T) {
	e := newTestEngine(t, Config{Security: SecurityAllowlist, Ask: AskOff, SafeBins: []string{"echo"}})
	d := e.Evaluate(Request{Argv: []string{"echo", "hello"}})
	if !d.Allowed {
		t.Fatalf("safe bin should be allowed: %+v", d)
	}
	if !d.AllowlistSatisfied || !d.AnalysisOk {
		t.Errorf("expected analysisOk && allowlistSatisfied, got %+v", d)
	}
}

func TestAllowAlwaysPersistsDerivedPattern(t *testing.T) {
	dir := t.TempDir()
	al := NewAllowlist(filepath.Join(dir, "allowlist.json"))
	e := NewEngine(Config{Security: SecurityAllowlist, Ask: AskOff}, al)

	d := e.Evaluate(Request{Argv: []string{"git", "status"}, ApprovalDecision: ApprovalAllowAlways})
	if !d.Allowed {
		t.Fatalf("allow-always should permit the run: %+v", d)
	}

	entries, err := al.Entries()
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Pattern != "git *" {
		t.Errorf("expected derived pattern git *, got %+v", entries)
	}

	// Next evaluation matches the persisted pattern without approval
	d = e.Evaluate(Request{Argv: []string{"git", "log"}})
	if !d.Allowed {
		t.Errorf("persisted pattern should satisfy later calls: %+v", d)
	}
}

func TestAllowlistMatchUpdatesLastUsed(t *testing.T) {
	al := NewAllowlist(filepath.Join(t.TempDir(), "allowlist.json"))
	if err := al.Add("echo *", "main"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !al.Match("echo hello") {
		t.Fatal("expected match")
	}
	entries, _ := al.Entries()
	if entries[0].LastUsedAtMs == 0 {
		t.Error("lastUsedAtMs should be set after a match")
	}
}

func TestSegmentationChecksEveryHead(t *testing.T) {
	e := newTestEngine(t, Config{Security: SecurityAllowlist, Ask: AskOff, SafeBins: []string{"echo", "cat"}})

	// Inline string: all heads safe
	d := e.Evaluate(Request{Command: "echo a; cat b"})
	if !d.Allowed {
		t.Errorf("all-safe segments should be allowed: %+v", d)
	}

	// One unsafe head fails the whole command
	d = e.Evaluate(Request{Command: "echo a && rm -rf /"})
	if d.Allowed {
		t.Error("one unvouched segment must deny the command")
	}
}

func TestDispatchWrapperUnwrapped(t *testing.T) {
	e := newTestEngine(t, Config{Security: SecurityAllowlist, Ask: AskOff, SafeBins: []string{"echo"}})
	d := e.Evaluate(Request{Argv: []string{"env", "FOO=bar", "echo", "x"}})
	if !d.Allowed {
		t.Errorf("env wrapper should unwrap to safe bin: %+v", d)
	}

	d = e.Evaluate(Request{Argv: []string{"timeout", "5", "echo", "x"}})
	if !d.Allowed {
		t.Errorf("timeout wrapper should unwrap to safe bin: %+v", d)
	}
}

func TestAmbiguousWrapperFailsAnalysis(t *testing.T) {
	e := newTestEngine(t, Config{Security: SecurityAllowlist, Ask: AskOff, SafeBins: []string{"echo"}})
	d := e.Evaluate(Request{Argv: []string{"env", "--mystery-flag", "echo", "x"}})
	if d.Allowed || d.AnalysisOk {
		t.Errorf("unknown wrapper flag must abort analysis: %+v", d)
	}
}

func TestCommandSubstitutionNotAnalyzable(t *testing.T) {
	e := newTestEngine(t, Config{Security: SecurityAllowlist, Ask: AskOff, SafeBins: []string{"echo"}})
	d := e.Evaluate(Request{Command: "echo $(whoami)"})
	if d.Allowed || d.AnalysisOk {
		t.Errorf("substitution must abort analysis: %+v", d)
	}
}
