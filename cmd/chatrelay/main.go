// Command chatrelay routes chat messages from the browser extension to the
// configured AI provider, falling back to an n8n webhook.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/internal/app"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "chatrelay: %v\n", err)
		return 1
	}
	return 0
}

// cli is the state shared by every subcommand. It is filled in by the root
// command's PersistentPreRunE.
type cli struct {
	configPath string
	envFile    string
	logLevel   string

	cfg   *config.Config
	level *slog.LevelVar
}

func newRootCmd() *cobra.Command {
	c := &cli{level: new(slog.LevelVar)}
	root := &cobra.Command{
		Use:           "chatrelay",
		Short:         "Route browser chat messages to AI providers with webhook fallback",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.init()
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", os.Getenv("CHATRELAY_CONFIG"), "path to the YAML configuration file")
	root.PersistentFlags().StringVar(&c.envFile, "env-file", ".env", "dotenv file with API keys; ignored when missing")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override server.log_level (debug|info|warn|error)")

	root.AddCommand(
		newServeCmd(c),
		newModelsCmd(c),
		newSetModelCmd(c),
		newTestCmd(c),
		newSendCmd(c),
		newSetKeyCmd(c),
		newSetWebhookCmd(c),
	)
	return root
}

// init loads the env file and the config, then installs the logger.
func (c *cli) init() error {
	if c.envFile != "" {
		if err := godotenv.Load(c.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", c.envFile, err)
		}
	}

	cfg, err := config.Load(c.configPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config file %q not found", c.configPath)
		}
		return err
	}
	if c.logLevel != "" {
		l := config.LogLevel(c.logLevel)
		if !l.IsValid() {
			return fmt.Errorf("invalid --log-level %q", c.logLevel)
		}
		cfg.Server.LogLevel = l
	}
	c.cfg = cfg

	c.level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(newLogger(c.level))
	return nil
}

// newApp builds the application for one-shot commands.
func (c *cli) newApp(ctx context.Context, opts ...app.Option) (*app.App, error) {
	return app.New(ctx, c.cfg, append([]app.Option{app.WithLevelVar(c.level)}, opts...)...)
}

// withApp runs fn against a freshly built application and releases it
// afterwards.
func (c *cli) withApp(ctx context.Context, fn func(*app.App) error) error {
	a, err := c.newApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Shutdown(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("shutdown error", "err", err)
		}
	}()
	return fn(a)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
