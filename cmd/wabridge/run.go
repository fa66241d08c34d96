package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/quailyquaily/wabridge/admin"
	"github.com/quailyquaily/wabridge/bridge"
	"github.com/quailyquaily/wabridge/driver"
	"github.com/quailyquaily/wabridge/governor"
	"github.com/quailyquaily/wabridge/identity"
	"github.com/quailyquaily/wabridge/internal/chatlog"
	"github.com/quailyquaily/wabridge/internal/fsstore"
	"github.com/quailyquaily/wabridge/internal/logutil"
	"github.com/quailyquaily/wabridge/reasoner"
	"github.com/quailyquaily/wabridge/supervisor"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bridge under the supervisor",
		RunE:  runBridge,
	}

	cmd.Flags().Bool("mock", false, "Use the scripted driver and stub worker.")
	cmd.Flags().Bool("headless", true, "Run the browser headless.")
	cmd.Flags().String("admin-number", "", "Phone number allowed to issue chat commands.")
	_ = viper.BindPFlag("mock", cmd.Flags().Lookup("mock"))
	_ = viper.BindPFlag("browser.headless", cmd.Flags().Lookup("headless"))
	_ = viper.BindPFlag("bridge.admin_number", cmd.Flags().Lookup("admin-number"))

	return cmd
}

func runBridge(cmd *cobra.Command, args []string) error {
	logger, err := logutil.LoggerFromViper()
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stateDir := expandHome(viper.GetString("state_dir"))
	if err := fsstore.EnsureDir(stateDir, 0); err != nil {
		return err
	}

	labels, err := identity.LoadLabels(viper.GetString("bridge.self_labels_file"))
	if err != nil {
		return err
	}

	mock := viper.GetBool("mock")
	bridgeCfg := bridge.Config{
		PollInterval:        viper.GetDuration("bridge.poll_interval"),
		BotPrefix:           viper.GetString("bridge.bot_prefix"),
		AdminNumber:         viper.GetString("bridge.admin_number"),
		RequireRegistration: viper.GetBool("bridge.require_registration"),
		UnverifiedFallback:  viper.GetBool("bridge.unverified_fallback"),
		KnownNumbers:        viper.GetStringMapString("bridge.known_numbers"),
		SnapshotPath:        filepath.Join(stateDir, "sessions.json"),
		SelfLabels:          labels,
		OnQR: func(payload string) {
			logger.Info("login_qr_refresh")
			qrterminal.GenerateHalfBlock(payload, qrterminal.L, os.Stdout)
		},
	}

	sup := supervisor.New(supervisor.Config{
		MaxRestarts: viper.GetInt("supervisor.max_restarts"),
		Window:      viper.GetDuration("supervisor.window"),
		Delay:       viper.GetDuration("supervisor.delay"),
	}, logger)

	session := func(ctx context.Context) error {
		drv, worker, err := buildDriverAndWorker(ctx, mock, stateDir)
		if err != nil {
			return err
		}
		defer drv.Close()

		audit, err := chatlog.Open(filepath.Join(stateDir, "chat_history.log"))
		if err != nil {
			return err
		}
		defer audit.Close()

		ws, err := reasoner.NewWorkspaces(filepath.Join(stateDir, "workspaces"))
		if err != nil {
			return err
		}
		gov := governor.New(governor.Options{
			ChatCooldown:    viper.GetDuration("governor.chat_cooldown"),
			GlobalCooldown:  viper.GetDuration("governor.global_cooldown"),
			BackoffDuration: viper.GetDuration("governor.backoff_duration"),
		})

		orch := bridge.New(bridgeCfg, drv, worker, ws, gov, audit, logger)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return orch.Run(gctx) })
		if viper.GetBool("admin.enabled") {
			srv := admin.New(admin.Config{Addr: viper.GetString("admin.addr")}, orch, logger)
			g.Go(func() error { return srv.Run(gctx) })
		}
		return g.Wait()
	}

	return sup.Run(ctx, session)
}

// buildDriverAndWorker picks the real rod driver + subprocess worker, or the
// scripted pair in mock mode.
func buildDriverAndWorker(ctx context.Context, mock bool, stateDir string) (driver.Driver, reasoner.Worker, error) {
	if mock {
		return &driver.Mock{}, &reasoner.Stub{}, nil
	}

	drv, err := driver.NewRod(ctx, driver.RodConfig{
		Bin:          viper.GetString("browser.bin"),
		UserDataDir:  filepath.Join(stateDir, "browser"),
		Headless:     viper.GetBool("browser.headless"),
		BaseURL:      viper.GetString("browser.base_url"),
		NavTimeout:   viper.GetDuration("browser.nav_timeout"),
		LoginTimeout: viper.GetDuration("browser.login_timeout"),
	})
	if err != nil {
		return nil, nil, err
	}

	worker, err := reasoner.NewCLI(reasoner.CLIConfig{
		Command:    viper.GetString("worker.command"),
		Args:       viper.GetStringSlice("worker.args"),
		PromptFlag: viper.GetString("worker.prompt_flag"),
		Timeout:    viper.GetDuration("worker.timeout"),
	})
	if err != nil {
		_ = drv.Close()
		return nil, nil, err
	}
	return drv, worker, nil
}

func expandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
