package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/openclaw/internal/agent"
	"github.com/openclaw/openclaw/internal/authprofile"
	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/cron"
	"github.com/openclaw/openclaw/internal/delivery"
	"github.com/openclaw/openclaw/internal/dispatch"
	"github.com/openclaw/openclaw/internal/gateway"
	"github.com/openclaw/openclaw/internal/hooks"
	. "github.com/openclaw/openclaw/internal/logging"
	"github.com/openclaw/openclaw/internal/nodes"
	"github.com/openclaw/openclaw/internal/paths"
	"github.com/openclaw/openclaw/internal/policy"
	"github.com/openclaw/openclaw/internal/proc"
	"github.com/openclaw/openclaw/internal/session"
	"github.com/openclaw/openclaw/internal/shell"
	"github.com/openclaw/openclaw/internal/store"
)

const (
	restartInitialBackoff = 1 * time.Second
	restartMaxBackoff     = 5 * time.Minute
	restartResetThreshold = 5 * time.Minute
)

// app wires the gateway's long-lived components for one agent.
type app struct {
	cfg        *config.Config
	sessions   *session.Store
	pairing    *session.PairingStore
	router     *session.Router
	runner     *agent.Runner
	dispatcher *dispatch.Dispatcher
	pipeline   *delivery.Pipeline
	cronSvc    *cron.Service
	server     *gateway.Server
	nodeHost   *nodes.Host
	engine     *policy.Engine
	exec       *shell.Executor
	voicewake  *store.Store[voiceWake]
}

// voiceWake is the persisted voice wake-word state.
type voiceWake struct {
	Enabled bool   `json:"enabled"`
	Phrase  string `json:"phrase,omitempty"`
}

// runGateway builds the app and serves until interrupted, restarting the
// serve loop with capped backoff after a crash.
func runGateway(cfg *config.Config) error {
	ctx, cancel := interruptContext()
	defer cancel()

	if err := writePidFile(); err != nil {
		return err
	}
	defer removePidFile()

	backoff := restartInitialBackoff
	for {
		start := time.Now()
		err := serveOnce(ctx, cfg)
		if err == nil || ctx.Err() != nil {
			return nil
		}

		if time.Since(start) > restartResetThreshold {
			backoff = restartInitialBackoff
		}
		L_error("gateway: crashed, restarting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > restartMaxBackoff {
			backoff = restartMaxBackoff
		}
	}
}

// serveOnce runs one gateway lifetime.
func serveOnce(ctx context.Context, cfg *config.Config) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}

	if err := a.cronSvc.Start(ctx); err != nil {
		return err
	}
	defer a.cronSvc.Stop()

	if err := a.server.Start(ctx); err != nil {
		return err
	}
	defer a.server.Stop()

	L_info("openclaw gateway ready", "port", cfg.Gateway.Port)
	<-ctx.Done()
	return nil
}

// buildApp assembles the component graph.
func buildApp(cfg *config.Config) (*app, error) {
	agentID := "main"

	sessionsPath, err := paths.SessionsPath(agentID)
	if err != nil {
		return nil, err
	}
	pairingPath, err := paths.StatePath("pairing.json")
	if err != nil {
		return nil, err
	}
	allowlistPath, err := paths.AllowlistPath(agentID)
	if err != nil {
		return nil, err
	}
	authPath, err := paths.AuthPath()
	if err != nil {
		return nil, err
	}
	cronPath, err := paths.CronPath(agentID)
	if err != nil {
		return nil, err
	}
	cronHistoryPath, err := paths.CronHistoryPath(agentID)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	a.sessions = session.NewStore(sessionsPath)
	a.pairing = session.NewPairingStore(pairingPath)

	rules := make(map[string]session.ChannelRules)
	for id, ch := range cfg.Channels {
		if !ch.Enabled {
			continue
		}
		allow := ch.AllowFrom
		if len(ch.DM.AllowFrom) > 0 {
			allow = append(allow, ch.DM.AllowFrom...)
		}
		rules[id] = session.ChannelRules{
			DMPolicy:        ch.DMPolicy,
			AllowFrom:       allow,
			GroupActivation: ch.Groups,
		}
	}
	a.router = session.NewRouter(agentID, cfg.Session.Scope, cfg.Session.MainKey, rules, a.pairing, a.sessions)

	a.engine = policy.NewEngine(policy.Config{
		Security: cfg.Tools.Exec.Security,
		Ask:      cfg.Tools.Exec.Ask,
		SafeBins: cfg.Tools.Exec.SafeBins,
	}, policy.NewAllowlist(allowlistPath))

	a.exec = shell.NewExecutor(a.engine, proc.NewSupervisor())

	hookRunner := hooks.NewRunner(true)

	registry := agent.NewRegistry()
	registerModel(registry, cfg.Agent.Model.Primary)
	for _, m := range cfg.Agent.Model.Fallbacks {
		registerModel(registry, m)
	}

	profiles := authprofile.NewStore(authPath)
	a.runner = agent.NewRunner(registry, profiles, a.sessions, hookRunner, runtimeStream())
	fallbacks := make([]string, 0, len(cfg.Agent.Model.Fallbacks))
	for _, m := range cfg.Agent.Model.Fallbacks {
		fallbacks = append(fallbacks, modelID(m))
	}
	a.runner.SetModelFallbacks(fallbacks)
	a.runner.SetUserTimezone(cfg.Agent.UserTimezone)

	a.pipeline = delivery.NewPipeline()

	turns := &turnRunner{app: a}
	a.dispatcher = dispatch.NewDispatcher(turns, nil, cfg.Agent.MaxConcurrent)

	cronStore := cron.NewStore(cronPath)
	a.cronSvc = cron.NewService(cronStore, &cronExecutor{app: a}, cronHistoryPath)
	if cfg.Agent.TimeoutSeconds > 0 {
		a.cronSvc.SetJobTimeout(time.Duration(cfg.Agent.TimeoutSeconds) * time.Second)
	}

	server, err := gateway.NewServer(gateway.Config{
		Bind:          cfg.Gateway.Bind,
		Port:          cfg.Gateway.Port,
		Token:         cfg.Gateway.Token,
		AuthMode:      cfg.Gateway.Auth.Mode,
		FunnelExposed: cfg.Gateway.Tailscale.Mode == "funnel",
	})
	if err != nil {
		return nil, err
	}
	a.server = server
	a.nodeHost = nodes.NewHost(server.Nodes(), a.engine)

	voicewakePath, err := paths.StatePath("voicewake.json")
	if err != nil {
		return nil, err
	}
	a.voicewake = store.New(voicewakePath, func() voiceWake { return voiceWake{} })

	a.registerMethods()
	return a, nil
}

// registerModel adds a model id to the registry. Ids of the form
// provider/model pin the provider; bare ids default to anthropic.
func registerModel(r *agent.Registry, id string) {
	if id == "" {
		return
	}
	provider := "anthropic"
	if i := strings.IndexByte(id, '/'); i > 0 {
		provider = id[:i]
	}
	r.Register(agent.ModelInfo{ID: modelID(id), Provider: provider, SupportsThinking: true})
}

// modelID strips an optional provider/ prefix from a configured model id.
func modelID(id string) string {
	if i := strings.IndexByte(id, '/'); i > 0 {
		return id[i+1:]
	}
	return id
}

// runtimeStream returns the registered agent runtime, or a stub surfacing a
// configuration error when no runtime plugin is linked in.
func runtimeStream() hooks.StreamFn {
	if rt := agent.ActiveRuntime(); rt != nil {
		return rt
	}
	return func(ctx context.Context, req *hooks.StreamRequest, emit func(hooks.StreamEvent)) (*hooks.StreamResult, error) {
		return nil, fmt.Errorf("no agent runtime registered: link a runtime plugin or configure one")
	}
}

// turnRunner executes one dispatched turn end to end.
type turnRunner struct {
	app *app
}

func (t *turnRunner) RunTurn(ctx context.Context, run dispatch.FollowupRun) error {
	a := t.app
	key := run.Run.SessionKey

	entry, err := a.sessions.Ensure(key)
	if err != nil {
		return err
	}

	dctx := entry.DeliveryContext
	dRun := a.pipeline.NewRun(dctx.Channel, dctx.To, dctx.ThreadID, run.Run.Heartbeat)
	defer dRun.MarkRunComplete(ctx)

	out, runErr := a.runner.Run(ctx, run.Run, agent.Callbacks{
		OnPartialReply: func(text string, media []string) {
			dRun.StartTypingOnText(ctx, text)
		},
		OnBlockReply: func(text string, media []string) {
			cleaned, replyTo := agent.ExtractReplyTags(text, run.Run.CurrentMsgID)
			cleaned = agent.StripHeartbeat(cleaned)
			if cleaned == "" && len(media) == 0 {
				return
			}
			if err := dRun.PushBlock(ctx, delivery.Payload{Text: cleaned, MediaURLs: media, ReplyToID: replyTo}); err != nil {
				L_warn("turn: block delivery failed", "session", key, "error", err)
			}
		},
		OnAgentEvent: func(stream string, data map[string]any) {
			if stream == "compaction" {
				bus.PublishEventWithSource(bus.TopicCompaction, data, "agent")
			}
		},
	})

	final := map[string]any{
		"runId":      run.Run.RunID,
		"sessionKey": key,
	}
	if runErr != nil {
		errText := agent.RewriteTransportError(runErr.Error())
		final["error"] = errText
		final["message"] = map[string]any{"content": []map[string]any{{"type": "text", "text": errText}}}
		bus.PublishEventWithSource(bus.TopicChat, final, "dispatch")
		if dctx.Channel != "" {
			dRun.PushFinal(ctx, []delivery.Payload{{Text: errText}})
		}
		return runErr
	}

	if dctx.Channel != "" {
		if err := dRun.PushFinal(ctx, out.Payloads); err != nil {
			L_warn("turn: final delivery failed", "session", key, "error", err)
		}
	}

	// The final chat event is emitted exactly once per runId; its text is
	// the assembled reply, or "" when the output was all directive tags.
	final["message"] = map[string]any{"content": []map[string]any{{"type": "text", "text": out.Text}}}
	bus.PublishEventWithSource(bus.TopicChat, final, "dispatch")

	bus.PublishEventWithSource(bus.TopicSessionUpdated, map[string]any{"sessionKey": key}, "dispatch")
	return nil
}

// cronExecutor adapts cron jobs onto the dispatcher.
type cronExecutor struct {
	app *app
}

func (e *cronExecutor) ExecuteJob(ctx context.Context, job *cron.CronJob) (string, string, error) {
	a := e.app

	var key string
	switch job.SessionTarget {
	case cron.SessionTargetMain, "":
		key = session.MainKey("main")
	case cron.SessionTargetIsolated:
		key = session.PeerKey("main", "cron", job.ID)
	default:
		key = job.SessionTarget // named session key
	}

	entry, err := a.sessions.Ensure(key)
	if err != nil {
		return "", "", err
	}

	// direct delivery overrides the session's recorded context
	if job.Delivery.Mode == cron.DeliveryDirect && job.Delivery.Channel != "" {
		if err := a.sessions.Mutate(key, func(en *session.Entry) {
			en.DeliveryContext.Channel = job.Delivery.Channel
			en.DeliveryContext.To = job.Delivery.To
		}); err != nil {
			return "", "", err
		}
	}

	in := agent.RunInput{
		SessionID:     entry.SessionID,
		SessionKey:    key,
		Prompt:        job.Payload.Message,
		Model:         modelID(a.cfg.Agent.Model.Primary),
		ThinkingLevel: entry.ThinkingLevel,
		VerboseLevel:  entry.VerboseLevel,
		Heartbeat:     job.Delivery.Mode == cron.DeliverySilent,
		RunID:         uuid.New().String(),
	}
	if job.Payload.Model != "" {
		in.Model = modelID(job.Payload.Model)
	}

	out, err := a.runner.Run(ctx, in, agent.Callbacks{})
	if err != nil {
		return "", "error", err
	}

	deliveryStatus := "skipped"
	if job.Delivery.Mode != cron.DeliverySilent {
		dctx, _ := a.sessions.Get(key)
		if dctx != nil && dctx.DeliveryContext.Channel != "" {
			dRun := a.pipeline.NewRun(dctx.DeliveryContext.Channel, dctx.DeliveryContext.To, dctx.DeliveryContext.ThreadID, false)
			if err := dRun.PushFinal(ctx, out.Payloads); err != nil {
				deliveryStatus = "failed"
			} else {
				deliveryStatus = "sent"
			}
			dRun.MarkRunComplete(ctx)
		}
	}

	return cron.TruncateSummary(out.Text), deliveryStatus, nil
}

// pidFilePath returns the gateway pid file location.
func pidFilePath() (string, error) {
	return paths.StatePath("gateway.pid")
}

func writePidFile() error {
	path, err := pidFilePath()
	if err != nil {
		return err
	}
	if err := paths.EnsureDir(dirOf(path)); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0600)
}

func removePidFile() {
	if path, err := pidFilePath(); err == nil {
		os.Remove(path)
	}
}

// signalGateway stops (and for restart, re-starts) a running gateway.
func signalGateway(cfg *config.Config, action string) error {
	path, err := pidFilePath()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("no running gateway (missing %s)", path)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("bad pid file: %w", err)
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to stop gateway pid %d: %w", pid, err)
	}
	fmt.Printf("Stopped gateway (pid %d)\n", pid)

	if action == "restart" {
		time.Sleep(time.Second)
		return runGateway(cfg)
	}
	return nil
}

// registerMethods installs the protocol method handlers.
func (a *app) registerMethods() {
	s := a.server

	chatSend := func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			SessionKey string `json:"sessionKey"`
			Message    string `json:"message"`
			QueueMode  string `json:"queueMode"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.Message == "" {
			return nil, &gateway.FrameError{Code: gateway.CodeInvalidRequest, Message: "message is required"}
		}
		key := p.SessionKey
		if key == "" {
			key = session.MainKey("main")
		}
		entry, err := a.sessions.Ensure(key)
		if err != nil {
			return nil, err
		}
		mode := p.QueueMode
		if mode == "" {
			mode = entry.QueueMode
		}
		runID := uuid.New().String()
		res := a.dispatcher.Submit(ctx, mode, dispatch.FollowupRun{
			Prompt: p.Message,
			Run: agent.RunInput{
				SessionID:     entry.SessionID,
				SessionKey:    key,
				Prompt:        p.Message,
				Model:         a.modelFor(entry),
				ThinkingLevel: entry.ThinkingLevel,
				VerboseLevel:  entry.VerboseLevel,
				Elevated:      entry.ElevatedLevel,
				TimeoutMs:     int64(a.cfg.Agent.TimeoutSeconds) * 1000,
				RunID:         runID,
			},
		})
		return map[string]any{"runId": runID, "status": res.Status}, nil
	}

	s.RegisterMethod("chat.send", chatSend)
	s.RegisterMethod("sessions.send", chatSend)

	s.RegisterMethod("agent", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Message string `json:"message"`
			Session string `json:"session"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.Message == "" {
			return nil, &gateway.FrameError{Code: gateway.CodeInvalidRequest, Message: "message is required"}
		}
		if agent.ActiveRuntime() == nil {
			return nil, &gateway.FrameError{Code: gateway.CodeUnavailable, Message: "agent runtime not configured"}
		}
		return chatSend(ctx, mustMarshal(map[string]any{
			"sessionKey": p.Session,
			"message":    p.Message,
		}))
	})

	s.RegisterMethod("send", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Channel string `json:"channel"`
			To      string `json:"to"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.Channel == "" || p.Message == "" {
			return nil, &gateway.FrameError{Code: gateway.CodeInvalidRequest, Message: "channel and message are required"}
		}
		adapter := a.pipeline.Adapter(p.Channel)
		if adapter == nil {
			return nil, &gateway.FrameError{Code: gateway.CodeUnavailable, Message: "channel " + p.Channel + " not connected"}
		}
		if err := adapter.Send(ctx, delivery.OutboundMessage{To: p.To, Text: p.Message}); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	})

	s.RegisterMethod("sessions.list", func(ctx context.Context, params json.RawMessage) (any, error) {
		idx, err := a.sessions.All()
		if err != nil {
			return nil, err
		}
		return idx, nil
	})

	s.RegisterMethod("sessions.patch", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			SessionKey    string  `json:"sessionKey"`
			ThinkingLevel *string `json:"thinkingLevel"`
			VerboseLevel  *string `json:"verboseLevel"`
			ElevatedLevel *string `json:"elevatedLevel"`
			QueueMode     *string `json:"queueMode"`
			Model         *string `json:"model"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.SessionKey == "" {
			return nil, &gateway.FrameError{Code: gateway.CodeInvalidRequest, Message: "sessionKey is required"}
		}
		err := a.sessions.Mutate(p.SessionKey, func(e *session.Entry) {
			if p.ThinkingLevel != nil {
				e.ThinkingLevel = *p.ThinkingLevel
			}
			if p.VerboseLevel != nil {
				e.VerboseLevel = *p.VerboseLevel
			}
			if p.ElevatedLevel != nil {
				e.ElevatedLevel = *p.ElevatedLevel
			}
			if p.QueueMode != nil {
				e.QueueMode = *p.QueueMode
			}
			if p.Model != nil {
				e.Model = *p.Model
			}
		})
		if err != nil {
			return nil, err
		}
		bus.PublishEventWithSource(bus.TopicSessionUpdated, map[string]any{"sessionKey": p.SessionKey}, "gateway")
		return map[string]any{"ok": true}, nil
	})

	s.RegisterMethod("config.get", func(ctx context.Context, params json.RawMessage) (any, error) {
		return a.cfg, nil
	})

	s.RegisterMethod("config.set", func(ctx context.Context, params json.RawMessage) (any, error) {
		var incoming config.Config
		if err := json.Unmarshal(params, &incoming); err != nil {
			return nil, &gateway.FrameError{Code: gateway.CodeInvalidRequest, Message: "bad config: " + err.Error()}
		}
		path, err := paths.ConfigPath()
		if err != nil {
			return nil, err
		}
		data, err := json.MarshalIndent(incoming, "", "  ")
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, data, 0600); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true, "note": "restart the gateway to apply"}, nil
	})

	s.RegisterMethod("voicewake.get", func(ctx context.Context, params json.RawMessage) (any, error) {
		vw, err := a.voicewake.Snapshot()
		if err != nil {
			return nil, err
		}
		return vw, nil
	})

	s.RegisterMethod("voicewake.set", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p voiceWake
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &gateway.FrameError{Code: gateway.CodeInvalidRequest, Message: "bad voicewake params"}
		}
		if err := a.voicewake.Mutate(func(vw *voiceWake) error {
			*vw = p
			return nil
		}); err != nil {
			return nil, err
		}
		bus.PublishEventWithSource(bus.TopicVoiceWake, p, "gateway")
		return map[string]any{"ok": true}, nil
	})

	s.RegisterMethod("sessions.history", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			SessionKey string `json:"sessionKey"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.SessionKey == "" {
			return nil, &gateway.FrameError{Code: gateway.CodeInvalidRequest, Message: "sessionKey is required"}
		}
		entry, err := a.sessions.Get(p.SessionKey)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			return nil, &gateway.FrameError{Code: gateway.CodeInvalidRequest, Message: "unknown session " + p.SessionKey}
		}
		// The transcript file is opaque to the gateway; hand back its path
		// and the entry metadata.
		return map[string]any{"entry": entry, "sessionFile": entry.SessionFile}, nil
	})

	s.RegisterMethod("cron.list", func(ctx context.Context, params json.RawMessage) (any, error) {
		return a.cronSvc.List()
	})

	s.RegisterMethod("cron.add", func(ctx context.Context, params json.RawMessage) (any, error) {
		var job cron.CronJob
		if err := json.Unmarshal(params, &job); err != nil || job.Name == "" {
			return nil, &gateway.FrameError{Code: gateway.CodeInvalidRequest, Message: "job name is required"}
		}
		if err := a.cronSvc.Add(&job); err != nil {
			return nil, err
		}
		return map[string]any{"id": job.ID}, nil
	})

	s.RegisterMethod("cron.update", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			ID      string  `json:"id"`
			Name    *string `json:"name"`
			Enabled *bool   `json:"enabled"`
			Message *string `json:"message"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
			return nil, &gateway.FrameError{Code: gateway.CodeInvalidRequest, Message: "id is required"}
		}
		err := a.cronSvc.Update(p.ID, func(job *cron.CronJob) error {
			if p.Name != nil {
				job.Name = *p.Name
			}
			if p.Enabled != nil {
				job.Enabled = *p.Enabled
			}
			if p.Message != nil {
				job.Payload.Message = *p.Message
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	})

	s.RegisterMethod("cron.remove", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
			return nil, &gateway.FrameError{Code: gateway.CodeInvalidRequest, Message: "id is required"}
		}
		if err := a.cronSvc.Remove(p.ID); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	})

	s.RegisterMethod("cron.run", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			ID    string `json:"id"`
			Force bool   `json:"force"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
			return nil, &gateway.FrameError{Code: gateway.CodeInvalidRequest, Message: "id is required"}
		}
		return a.cronSvc.Run(ctx, p.ID, p.Force)
	})

	s.RegisterMethod("chat.inject", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			SessionKey string `json:"sessionKey"`
			Message    string `json:"message"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.Message == "" {
			return nil, &gateway.FrameError{Code: gateway.CodeInvalidRequest, Message: "message is required"}
		}
		key := p.SessionKey
		if key == "" {
			key = session.MainKey("main")
		}
		entry, err := a.sessions.Ensure(key)
		if err != nil {
			return nil, err
		}
		res := a.dispatcher.Submit(ctx, session.QueueSteer, dispatch.FollowupRun{
			Prompt: p.Message,
			Run: agent.RunInput{
				SessionID:  entry.SessionID,
				SessionKey: key,
				Prompt:     p.Message,
				Model:      a.modelFor(entry),
				Heartbeat:  true, // injections stay silent unless the agent speaks
				RunID:      uuid.New().String(),
			},
		})
		return map[string]any{"status": res.Status}, nil
	})

	s.RegisterMethod("exec", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Command          string   `json:"command"`
			Argv             []string `json:"argv"`
			Cwd              string   `json:"cwd"`
			TimeoutMs        int64    `json:"timeoutMs"`
			ApprovalDecision string   `json:"approvalDecision"`
		}
		if err := json.Unmarshal(params, &p); err != nil || (p.Command == "" && len(p.Argv) == 0) {
			return nil, &gateway.FrameError{Code: gateway.CodeInvalidRequest, Message: "command or argv is required"}
		}
		res, err := a.exec.Run(ctx, shell.Request{
			Argv:             p.Argv,
			Command:          p.Command,
			Cwd:              p.Cwd,
			TimeoutMs:        p.TimeoutMs,
			ApprovalDecision: p.ApprovalDecision,
			AgentID:          "main",
		})
		if err != nil {
			return nil, err
		}
		if res.Denied {
			return map[string]any{"denied": true, "decision": res.Decision}, nil
		}
		return map[string]any{
			"exitCode": res.Exit.ExitCode,
			"reason":   res.Exit.Reason,
			"stdout":   string(res.Exit.Stdout),
			"stderr":   string(res.Exit.Stderr),
		}, nil
	})

	s.RegisterMethod("cron.runs", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			ID    string `json:"id"`
			Limit int    `json:"limit"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
			return nil, &gateway.FrameError{Code: gateway.CodeInvalidRequest, Message: "id is required"}
		}
		return a.cronSvc.RunHistory(p.ID, p.Limit)
	})

	s.RegisterMethod("node.list", func(ctx context.Context, params json.RawMessage) (any, error) {
		return a.nodeHost.List(), nil
	})

	s.RegisterMethod("node.describe", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			NodeID string `json:"nodeId"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.NodeID == "" {
			return nil, &gateway.FrameError{Code: gateway.CodeInvalidRequest, Message: "nodeId is required"}
		}
		return a.nodeHost.Describe(p.NodeID)
	})

	s.RegisterMethod("node.invoke", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			NodeID         string          `json:"nodeId"`
			Cmd            string          `json:"cmd"`
			Params         json.RawMessage `json:"params"`
			TimeoutSeconds int             `json:"timeoutSeconds"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.NodeID == "" || p.Cmd == "" {
			return nil, &gateway.FrameError{Code: gateway.CodeInvalidRequest, Message: "nodeId and cmd are required"}
		}
		timeout := time.Duration(p.TimeoutSeconds) * time.Second
		result, err := a.nodeHost.Invoke(p.NodeID, p.Cmd, p.Params, timeout)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(result), nil
	})
}

func mustMarshal(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

// modelFor resolves the model for a turn: a session /model override wins over
// the configured primary.
func (a *app) modelFor(entry *session.Entry) string {
	if entry.Model != "" {
		return entry.Model
	}
	return modelID(a.cfg.Agent.Model.Primary)
}
