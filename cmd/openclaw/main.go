package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/cron"
	. "github.com/openclaw/openclaw/internal/logging"
	"github.com/openclaw/openclaw/internal/paths"
)

const version = "0.1.0"

var cli struct {
	Profile string `help:"Config profile name." hidden:""`
	Dev     bool   `help:"Use the development profile." hidden:""`

	Version VersionCmd `cmd:"" help:"Print the version."`
	Onboard OnboardCmd `cmd:"" help:"Interactive first-run setup."`
	Gateway GatewayCmd `cmd:"" help:"Run or control the gateway."`
	Send    SendCmd    `cmd:"" help:"Send a message through a channel."`
	Agent   AgentCmd   `cmd:"" help:"Run one agent turn."`
	Cron    CronCmd    `cmd:"" help:"Manage scheduled jobs."`
	Pairing PairingCmd `cmd:"" help:"Manage pairing requests."`
	Models  ModelsCmd  `cmd:"" help:"Manage model configuration."`
	Doctor  DoctorCmd  `cmd:"" help:"Check state-dir and store health."`
}

func main() {
	args := TransformProfileArgs(os.Args[1:], envGetenv)

	parser, err := kong.New(&cli,
		kong.Name("openclaw"),
		kong.Description("Local-first control plane for a personal multi-channel AI assistant."),
		kong.UsageOnError(),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	kctx, err := parser.Parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2) // misuse
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	Setup(cfg.Logging.Level)

	if err := kctx.Run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path, err := paths.ConfigPath()
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

// VersionCmd prints the version.
type VersionCmd struct{}

func (c *VersionCmd) Run(cfg *config.Config) error {
	fmt.Printf("openclaw %s\n", version)
	return nil
}

// OnboardCmd writes a starter config.
type OnboardCmd struct{}

func (c *OnboardCmd) Run(cfg *config.Config) error {
	path, err := paths.ConfigPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists at %s\n", path)
		return nil
	}
	if err := paths.EnsureDir(dirOf(path)); err != nil {
		return err
	}
	data, err := json.MarshalIndent(config.Defaults(), "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return err
	}
	fmt.Printf("Wrote starter config to %s\n", path)
	return nil
}

// GatewayCmd runs the gateway process.
type GatewayCmd struct {
	Action string `arg:"" optional:"" help:"start | stop | restart"`
}

func (c *GatewayCmd) Run(cfg *config.Config) error {
	switch c.Action {
	case "", "start":
		return runGateway(cfg)
	case "stop", "restart":
		return signalGateway(cfg, c.Action)
	default:
		return fmt.Errorf("unknown gateway action %q", c.Action)
	}
}

// SendCmd delivers a message through a running gateway.
type SendCmd struct {
	Channel string `required:"" help:"Channel id (telegram, discord, ...)."`
	To      string `required:"" help:"Recipient."`
	Message string `arg:"" help:"Message text."`
}

func (c *SendCmd) Run(cfg *config.Config) error {
	return callGateway(cfg, "send", map[string]any{
		"channel": c.Channel,
		"to":      c.To,
		"message": c.Message,
	})
}

// AgentCmd runs one agent turn through a running gateway.
type AgentCmd struct {
	Message string `arg:"" help:"Prompt for the agent."`
	Session string `help:"Session key (defaults to main)."`
}

func (c *AgentCmd) Run(cfg *config.Config) error {
	return callGateway(cfg, "agent", map[string]any{
		"message": c.Message,
		"session": c.Session,
	})
}

// CronCmd manages the local cron store.
type CronCmd struct {
	List   CronListCmd   `cmd:"" help:"List jobs."`
	Add    CronAddCmd    `cmd:"" help:"Add a job."`
	Remove CronRemoveCmd `cmd:"" help:"Remove a job."`
	Run    CronRunCmd    `cmd:"" help:"Run a job now."`
}

type CronListCmd struct{}

func (c *CronListCmd) Run(cfg *config.Config) error {
	store, err := openCronStore()
	if err != nil {
		return err
	}
	jobs, err := store.Jobs()
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs.")
		return nil
	}
	for _, j := range jobs {
		next := "-"
		if j.State.NextRunAtMs != nil {
			next = time.UnixMilli(*j.State.NextRunAtMs).Format(time.RFC3339)
		}
		fmt.Printf("%s  %-24s enabled=%-5v next=%s\n", j.ID, j.Name, j.Enabled, next)
	}
	return nil
}

type CronAddCmd struct {
	Name    string `required:"" help:"Job name."`
	Message string `required:"" help:"Agent prompt."`
	Every   string `help:"Interval (e.g. 30m, 2h)."`
	Cron    string `help:"5-field cron expression."`
	Tz      string `help:"IANA timezone for --cron."`
	At      string `help:"One-shot time (RFC3339)."`
}

func (c *CronAddCmd) Run(cfg *config.Config) error {
	store, err := openCronStore()
	if err != nil {
		return err
	}

	job := &cron.CronJob{
		Name:          c.Name,
		Enabled:       true,
		SessionTarget: cron.SessionTargetMain,
		Payload:       cron.Payload{Kind: "agentTurn", Message: c.Message},
		Delivery:      cron.Delivery{Mode: cron.DeliverySilent},
	}
	switch {
	case c.Every != "":
		d, err := time.ParseDuration(c.Every)
		if err != nil {
			return fmt.Errorf("invalid --every: %w", err)
		}
		now := time.Now().UnixMilli()
		job.Schedule = cron.Schedule{Kind: cron.ScheduleKindEvery, EveryMs: d.Milliseconds(), AnchorMs: now}
	case c.Cron != "":
		job.Schedule = cron.Schedule{Kind: cron.ScheduleKindCron, Expr: c.Cron, Tz: c.Tz}
	case c.At != "":
		ts, err := time.Parse(time.RFC3339, c.At)
		if err != nil {
			return fmt.Errorf("invalid --at: %w", err)
		}
		job.Schedule = cron.Schedule{Kind: cron.ScheduleKindAt, AtMs: ts.UnixMilli()}
	default:
		return fmt.Errorf("one of --every, --cron, --at is required")
	}

	if next, err := cron.ComputeNextRunAtMs(job, time.Now()); err == nil {
		job.State.NextRunAtMs = next
	}
	if err := store.Add(job); err != nil {
		return err
	}
	fmt.Printf("Added job %s\n", job.ID)
	return nil
}

type CronRemoveCmd struct {
	ID string `arg:"" help:"Job id."`
}

func (c *CronRemoveCmd) Run(cfg *config.Config) error {
	store, err := openCronStore()
	if err != nil {
		return err
	}
	removed, err := store.Remove(c.ID)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("job %s not found", c.ID)
	}
	fmt.Println("Removed.")
	return nil
}

type CronRunCmd struct {
	ID    string `arg:"" help:"Job id."`
	Force bool   `help:"Run even if not due."`
}

func (c *CronRunCmd) Run(cfg *config.Config) error {
	return callGateway(cfg, "cron.run", map[string]any{"id": c.ID, "force": c.Force})
}

// PairingCmd manages pairing codes.
type PairingCmd struct {
	List    PairingListCmd    `cmd:"" help:"List pending pairing requests."`
	Approve PairingApproveCmd `cmd:"" help:"Approve a pairing code."`
}

type PairingListCmd struct {
	Provider string `help:"Filter by channel."`
}

func (c *PairingListCmd) Run(cfg *config.Config) error {
	store, err := openPairingStore()
	if err != nil {
		return err
	}
	pending, err := store.Pending()
	if err != nil {
		return err
	}
	for _, p := range pending {
		if c.Provider != "" && p.Surface != c.Provider {
			continue
		}
		fmt.Printf("%s  %s/%s  %s\n", p.Code, p.Surface, p.SenderID,
			time.UnixMilli(p.CreatedAtMs).Format(time.RFC3339))
	}
	return nil
}

type PairingApproveCmd struct {
	Code     string `arg:"" help:"Pairing code."`
	Provider string `required:"" help:"Channel the code belongs to."`
}

func (c *PairingApproveCmd) Run(cfg *config.Config) error {
	store, err := openPairingStore()
	if err != nil {
		return err
	}
	approved, err := store.Approve(c.Code)
	if err != nil {
		return err
	}
	if approved.Surface != c.Provider {
		return fmt.Errorf("code %s belongs to %s, not %s", c.Code, approved.Surface, c.Provider)
	}
	fmt.Printf("Approved %s on %s\n", approved.SenderID, approved.Surface)
	return nil
}

// ModelsCmd manages model configuration.
type ModelsCmd struct {
	List ModelsListCmd `cmd:"" help:"List configured models."`
	Set  ModelsSetCmd  `cmd:"" help:"Set the primary model."`
}

type ModelsListCmd struct{}

func (c *ModelsListCmd) Run(cfg *config.Config) error {
	fmt.Printf("primary:   %s\n", cfg.Agent.Model.Primary)
	for _, m := range cfg.Agent.Model.Fallbacks {
		fmt.Printf("fallback:  %s\n", m)
	}
	return nil
}

type ModelsSetCmd struct {
	Model string `arg:"" help:"Model id."`
}

func (c *ModelsSetCmd) Run(cfg *config.Config) error {
	path, err := paths.ConfigPath()
	if err != nil {
		return err
	}
	cfg.Agent.Model.Primary = c.Model
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return err
	}
	fmt.Printf("Primary model set to %s\n", c.Model)
	return nil
}

// DoctorCmd reports state health.
type DoctorCmd struct{}

func (c *DoctorCmd) Run(cfg *config.Config) error {
	stateDir, err := paths.StateDir()
	if err != nil {
		return err
	}
	fmt.Printf("state dir: %s\n", stateDir)

	if info, err := os.Lstat(stateDir); err != nil {
		fmt.Println("  MISSING (created on first run)")
	} else if err := paths.TrustCheck(stateDir, info); err != nil {
		fmt.Printf("  UNTRUSTED: %v\n", err)
	} else {
		fmt.Println("  ok")
	}

	// Quarantined store files indicate past corruption
	entries, _ := os.ReadDir(stateDir)
	for _, e := range entries {
		if name := e.Name(); len(name) > 8 && containsCorruptMarker(name) {
			fmt.Printf("  quarantined store: %s\n", name)
		}
	}

	// Stale cron running markers
	store, err := openCronStore()
	if err == nil {
		if jobs, err := store.Jobs(); err == nil {
			for _, j := range jobs {
				if j.IsRunning() {
					fmt.Printf("  stale running marker: job %s (%s)\n", j.ID, j.Name)
				}
			}
		}
	}
	return nil
}

func containsCorruptMarker(name string) bool {
	for i := 0; i+len(".corrupt.") <= len(name); i++ {
		if name[i:i+len(".corrupt.")] == ".corrupt." {
			return true
		}
	}
	return false
}

func openCronStore() (*cron.Store, error) {
	path, err := paths.CronPath("main")
	if err != nil {
		return nil, err
	}
	return cron.NewStore(path), nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
