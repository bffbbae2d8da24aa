// Command chatwatch drives a chat UI in Chrome, waits for streamed answers to
// finish and checks them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatwatch/internal/config"
	"chatwatch/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Global flags
	verbose      bool
	configPath   string
	workspaceDir string
	noWorkspace  bool
	timeout      time.Duration
	headless     bool
	profile      string

	cfg    config.Config
	wsDir  string
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "chatwatch",
	Short: "Browser-driven validation harness for streaming chat UIs",
	Long: `chatwatch opens a chat UI in Chrome, sends prompts, infers when the
streamed answer has finished rendering and checks the result.

Configuration merges defaults, .chatwatch/config.yaml (discovered upwards from
the working directory), --config and the flags below.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == initCmd.Name() {
			var err error
			logger, err = logging.New(logging.Options{Verbose: verbose})
			return err
		}

		loaded, dir, err := config.LoadWithWorkspace(configPath, config.WorkspaceOptions{
			Disable:     noWorkspace,
			ExplicitDir: workspaceDir,
		})
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		applyFlagOverrides(cmd, &loaded)
		if err := loaded.Validate(); err != nil {
			return err
		}
		cfg, wsDir = loaded, dir

		logger, err = logging.New(logging.Options{
			Level:   cfg.Server.LogLevel,
			Verbose: verbose,
			File:    cfg.Server.LogFile,
		})
		if err != nil {
			return err
		}
		logger.Debug("config loaded", zap.String("workspace", wsDir), zap.String("chat_url", cfg.Chat.URL))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Explicit config file layered over the workspace config")
	rootCmd.PersistentFlags().StringVarP(&workspaceDir, "workspace", "w", "", "Workspace root containing .chatwatch/ (default: discovered)")
	rootCmd.PersistentFlags().BoolVar(&noWorkspace, "no-workspace", false, "Skip workspace discovery")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Minute, "Overall operation timeout")
	rootCmd.PersistentFlags().BoolVar(&headless, "headless", true, "Run Chrome headless (overrides browser.headless)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "Device profile: desktop or mobile (overrides browser.profile)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// applyFlagOverrides layers explicitly set flags over the loaded config.
func applyFlagOverrides(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("headless") {
		v := headless
		c.Browser.Headless = &v
	}
	if flags.Changed("profile") {
		c.Browser.Profile = profile
	}
}

// signalContext is canceled on SIGINT/SIGTERM or after the global timeout.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	if timeout <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}
