package policy

import (
	"os"
	"path/filepath"
	"strings"

	. "github.com/openclaw/openclaw/internal/logging"
)

// Engine evaluates commands against the exec policy.
type Engine struct {
	cfg       Config
	allowlist *Allowlist
}

// NewEngine creates a policy engine. allowlist may be nil when security=full.
func NewEngine(cfg Config, allowlist *Allowlist) *Engine {
	if cfg.Security == "" {
		cfg.Security = SecurityAllowlist
	}
	if cfg.Ask == "" {
		cfg.Ask = AskOnMiss
	}
	return &Engine{cfg: cfg, allowlist: allowlist}
}

// Evaluate runs the full decision pipeline for one request.
func (e *Engine) Evaluate(req Request) Decision {
	if e.cfg.Security == SecurityDeny {
		return Decision{
			EventReason:  ReasonSecurityDeny,
			ErrorMessage: "Command execution is disabled (tools.exec.security=deny).",
		}
	}

	if e.cfg.Security == SecurityFull {
		if e.cfg.Ask == AskAlways && req.ApprovalDecision == "" {
			return Decision{RequiresAsk: true, EventReason: ReasonApproval}
		}
		return Decision{Allowed: true, AnalysisOk: true, AllowlistSatisfied: true}
	}

	a := analyze(req)
	d := Decision{
		AnalysisOk:                 a.ok,
		ShellWrapperBlocked:        a.shellWrapperBlocked,
		WindowsShellWrapperBlocked: a.windowsShellWrapperBlocked,
	}

	if a.ok {
		d.AnalysisOk = allHeadsResolve(a.segments, req)
	}
	if d.AnalysisOk && !a.shellWrapperBlocked && !a.windowsShellWrapperBlocked {
		d.AllowlistSatisfied = e.segmentsSatisfied(a.segments)
	}

	if e.cfg.Ask == AskAlways && req.ApprovalDecision == "" {
		d.RequiresAsk = true
		d.EventReason = ReasonApproval
		return d
	}

	if d.AnalysisOk && d.AllowlistSatisfied {
		d.Allowed = true
		return d
	}

	switch req.ApprovalDecision {
	case ApprovalAllowOnce:
		d.Allowed = true
		return d
	case ApprovalAllowAlways:
		d.Allowed = true
		if e.allowlist != nil {
			pattern := DerivePattern(commandString(req))
			if err := e.allowlist.Add(pattern, req.AgentID); err != nil {
				L_warn("policy: failed to persist allow-always pattern", "pattern", pattern, "error", err)
			}
		}
		return d
	}

	d.EventReason = ReasonAllowlistMiss
	if e.cfg.Ask == AskOnMiss {
		d.RequiresAsk = true
	}
	d.ErrorMessage = FormatSystemRunAllowlistMissMessage(d)
	if !a.ok && a.reason != "" {
		L_debug("policy: analysis failed", "reason", a.reason, "cmd", commandString(req))
	}
	return d
}

// segmentsSatisfied checks every segment head against the safe-bin profiles,
// skill-bin set, and the allowlist. All segments must be vouched for.
func (e *Engine) segmentsSatisfied(segments []segment) bool {
	for _, seg := range segments {
		head := baseName(seg.head())
		if head == "" {
			return false
		}
		if containsFold(e.cfg.SafeBins, head) || containsFold(e.cfg.SkillBins, head) {
			continue
		}
		if e.allowlist != nil && e.allowlist.Match(seg.String()) {
			continue
		}
		return false
	}
	return true
}

// allHeadsResolve requires every segment head to resolve to an executable on
// the effective PATH. A head we cannot locate is not analyzable.
func allHeadsResolve(segments []segment, req Request) bool {
	for _, seg := range segments {
		if !resolvesOnPath(seg.head(), req) {
			return false
		}
	}
	return true
}

// resolvesOnPath reports whether head resolves to an executable under the
// request's PATH (or the process PATH when the request carries none).
func resolvesOnPath(head string, req Request) bool {
	if strings.ContainsRune(head, os.PathSeparator) {
		abs := head
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(req.Cwd, head)
		}
		info, err := os.Stat(abs)
		return err == nil && !info.IsDir() && info.Mode()&0111 != 0
	}

	pathEnv := req.Env["PATH"]
	if pathEnv == "" {
		pathEnv = os.Getenv("PATH")
	}
	for _, dir := range filepath.SplitList(pathEnv) {
		if dir == "" {
			continue
		}
		info, err := os.Stat(filepath.Join(dir, head))
		if err == nil && !info.IsDir() && info.Mode()&0111 != 0 {
			return true
		}
	}
	return false
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func commandString(req Request) string {
	if len(req.Argv) > 0 {
		return strings.Join(req.Argv, " ")
	}
	return req.Command
}

// FormatSystemRunAllowlistMissMessage builds the operator-facing denial
// message. When a wrapper family triggered the miss, the message names it.
func FormatSystemRunAllowlistMissMessage(d Decision) string {
	var b strings.Builder
	b.WriteString("Command not allowed: no allowlist entry matched.")
	if d.ShellWrapperBlocked {
		b.WriteString(" Shell wrappers (sh/bash/zsh -c) require explicit approval.")
	}
	if d.WindowsShellWrapperBlocked {
		b.WriteString(" Windows shell wrappers (cmd.exe /c, powershell -Command) require explicit approval.")
	}
	b.WriteString(" Approve once, approve always, or add an allowlist pattern.")
	return b.String()
}
