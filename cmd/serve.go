package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/clawdeck/internal/config"
	"github.com/nextlevelbuilder/clawdeck/internal/mcp"
	"github.com/nextlevelbuilder/clawdeck/internal/platform/mattermost"
	"github.com/nextlevelbuilder/clawdeck/internal/platform/slack"
	"github.com/nextlevelbuilder/clawdeck/internal/session"
	"github.com/nextlevelbuilder/clawdeck/internal/store"
	"github.com/nextlevelbuilder/clawdeck/internal/upgrade"
)

func runServe() error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := applyFlags(cfg); err != nil {
		return err
	}

	if cfg.WorkingDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve working dir: %w", err)
		}
		cfg.WorkingDir = wd
	}
	cfg.WorkingDir = config.ExpandHome(cfg.WorkingDir)

	st, err := store.New(config.ExpandHome(cfg.Storage.Dir))
	if err != nil {
		return err
	}

	allow := config.NewAllowLists(cfg)
	if stop, err := allow.Watch(cfgPath); err != nil {
		log.Warn("allow-list hot reload disabled", "error", err)
	} else {
		defer stop()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mgr := session.NewManager(session.ManagerConfig{
		Config: cfg,
		Store:  st,
		Logger: log,
		OnKillRequested: func() {
			log.Info("shutdown requested from chat")
			cancel()
		},
		OnUpdateRequested: func() {
			log.Info("update requested, exiting for supervisor restart")
			cancel()
		},
	})

	perms := mcp.NewServer(mgr, log)
	if err := perms.Start(); err != nil {
		return err
	}
	defer perms.Close(context.Background())

	enabled := 0
	if cfg.Slack.Enabled {
		a := slack.New(slack.Options{
			Config:     cfg.Slack,
			Connect:    cfg.Connect,
			AllowFrom:  func() []string { return allow.For("slack") },
			Permission: perms.Config(),
			Logger:     log,
		})
		mgr.AddAdapter(a, cfg.Slack.Channel)
		enabled++
	}
	if cfg.Mattermost.Enabled {
		a := mattermost.New(mattermost.Options{
			Config:     cfg.Mattermost,
			Connect:    cfg.Connect,
			AllowFrom:  func() []string { return allow.For("mattermost") },
			Permission: perms.Config(),
			Logger:     log,
		})
		mgr.AddAdapter(a, cfg.Mattermost.Channel)
		enabled++
	}
	if enabled == 0 {
		return fmt.Errorf("no platform enabled: configure slack or mattermost credentials")
	}

	if !skipVersionCheck {
		chk := upgrade.NewChecker(upgrade.CheckerConfig{
			CurrentVersion: Version,
			CheckURL:       cfg.Update.CheckURL,
			Interval:       time.Duration(cfg.Update.CheckIntervalMs) * time.Millisecond,
			Logger:         log,
		})
		chk.OnUpdate = func(ctx context.Context, latest string) {
			mgr.SetLatestVersion(ctx, latest)
		}
		go chk.Run(ctx)
	}

	if !cfg.KeepAlive {
		go exitWhenIdle(ctx, mgr, cancel)
	}

	log.Info("clawdeck starting", "version", Version, "working_dir", cfg.WorkingDir)
	return mgr.Run(ctx)
}

// applyFlags overlays command-line flags onto the loaded config. Flags beat
// file and env values.
func applyFlags(cfg *config.Config) error {
	if skipPermissions && noSkipPermissions {
		return fmt.Errorf("--skip-permissions and --no-skip-permissions are mutually exclusive")
	}
	if skipPermissions {
		cfg.PermissionsMode = config.PermissionsAuto
	}
	if noSkipPermissions {
		cfg.PermissionsMode = config.PermissionsInteractive
	}
	if chrome {
		cfg.Chrome = true
	}
	if noChrome {
		cfg.Chrome = false
	}
	if keepAlive {
		cfg.KeepAlive = true
	}
	if noKeepAlive {
		cfg.KeepAlive = false
	}
	if workingDir != "" {
		cfg.WorkingDir = workingDir
	}
	switch worktreeMode {
	case "":
	case "off", "prompt", "require":
		cfg.WorktreeMode = config.WorktreeMode(worktreeMode)
	default:
		return fmt.Errorf("invalid --worktree-mode %q (want off|prompt|require)", worktreeMode)
	}
	return nil
}

// exitWhenIdle cancels the server once the last session has ended.
func exitWhenIdle(ctx context.Context, mgr *session.Manager, cancel context.CancelFunc) {
	hadSession := false
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := mgr.ActiveCount()
			if n > 0 {
				hadSession = true
			} else if hadSession {
				slog.Info("no active sessions left, exiting")
				cancel()
				return
			}
		}
	}
}
