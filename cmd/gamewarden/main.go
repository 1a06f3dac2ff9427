// Command gamewarden supervises a containerized game server: process
// lifecycle, health and idle monitoring, and tiered backups.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"gamewarden/internal/app"
	"gamewarden/internal/backup"
	"gamewarden/internal/config"
	"gamewarden/internal/logs"
	"gamewarden/internal/query"
	"gamewarden/internal/supervisor"
)

var version = "dev"

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		if errors.Is(err, supervisor.ErrSupervisorExhausted) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gamewarden",
		Short:         "Game server supervisor with health monitoring and tiered backups",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("config", "c", defaultConfigPath(), "path to the config file")
	root.PersistentFlags().String("log-level", "", "override the configured log level (debug|info|warn|error)")

	viper.SetEnvPrefix("GAMEWARDEN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlag("config", root.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("log-level", root.PersistentFlags().Lookup("log-level"))

	root.AddCommand(newServeCmd(), newBackupCmd(), newStatusCmd())
	return root
}

func defaultConfigPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".gamewarden", "config.json")
	}
	return "/etc/gamewarden/config.json"
}

func loadConfig() (*config.Config, string, error) {
	path := viper.GetString("config")
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, "", err
	}
	if level := viper.GetString("log-level"); level != "" && cfg.Logging != nil {
		cfg.Logging.Level = level
	}
	return cfg, path, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor, monitors, and backup scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}

			logger, err := logs.SetupLogger(cfg.Logging, cfg.DataDir)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			loader, err := config.NewLoader(path, logger)
			if err != nil {
				return err
			}
			if _, err := loader.Load(); err != nil {
				return err
			}

			application, err := app.New(cfg, loader, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return application.Run(ctx)
		},
	}
}

func newBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Take a one-shot Manual-tier backup of the save directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Backup.Root == "" {
				return fmt.Errorf("backup.root is not configured")
			}

			logger, err := logs.SetupLogger(cfg.Logging, cfg.DataDir)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			client, err := query.NewClient(&cfg.Query, cfg.Server.AdminSecret, logger, nil)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
			defer cancel()

			// A running server gets a save flush before the copy; if it is
			// down the copy takes the on-disk state as is.
			probeCtx, probeCancel := context.WithTimeout(ctx, cfg.Query.Timeout.Duration())
			running := client.Probe(probeCtx)
			probeCancel()
			snapshot := func() supervisor.Snapshot {
				if running {
					return supervisor.Snapshot{State: supervisor.StateRunning}
				}
				return supervisor.Snapshot{State: supervisor.StateStopped}
			}

			engine := backup.New(&cfg.Backup, cfg.Server.SaveDir, snapshot, client, logger, nil)
			rec, err := engine.RunCycle(ctx, true)
			if err != nil {
				return err
			}

			fmt.Printf("Backup created: %s (%d bytes, sha256 %s)\n", rec.Name, rec.SizeBytes, rec.Checksum)
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Query the running game server's status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}

			client, err := query.NewClient(&cfg.Query, cfg.Server.AdminSecret, zap.NewNop(), nil)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Query.Timeout.Duration()+time.Second)
			defer cancel()

			status, err := client.QueryStatus(ctx)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(status, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}
