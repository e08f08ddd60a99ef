package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/internal/app"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/internal/config"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/chat"
)

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket service for the browser extension",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve(cmd.Context(), cmd.ErrOrStderr())
		},
	}
}

func (c *cli) serve(parent context.Context, out io.Writer) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts []app.Option
	if c.configPath != "" {
		opts = append(opts, app.WithConfigPath(c.configPath))
	}
	a, err := c.newApp(ctx, opts...)
	if err != nil {
		return err
	}

	printStartupSummary(out, c.cfg)
	slog.Info("chatrelay starting", "config", c.configPath, "listen_addr", c.cfg.Server.ListenAddr, "version", app.Version)

	runErr := a.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		_ = a.Shutdown(context.WithoutCancel(ctx))
		return runErr
	}

	slog.Info("shutdown signal received, stopping")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("goodbye")
	return nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║        chatrelay startup summary      ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printRow(w, "Listen addr", cfg.Server.ListenAddr)
	printRow(w, "TLS", enabled(cfg.Server.TLS != nil))
	printRow(w, "Origins", fmt.Sprintf("%d allowed", len(cfg.Server.AllowedOrigins)))
	printRow(w, "Timeout", cfg.Router.Timeout.String())
	for _, p := range chat.AIProviders {
		e := providerEntry(cfg.Providers, p)
		v := "default endpoint"
		switch {
		case e.Disabled:
			v = "(disabled)"
		case e.BaseURL != "":
			v = e.BaseURL
		}
		printRow(w, p.DisplayName(), v)
	}
	printRow(w, "Keyring", enabled(cfg.Settings.KeyringEnabled()))
	printRow(w, "Audit log", enabled(cfg.Audit.PostgresDSN != ""))
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func providerEntry(pc config.ProvidersConfig, p chat.ProviderID) config.ProviderEntry {
	switch p {
	case chat.ProviderGoogle:
		return pc.Google
	case chat.ProviderAnthropic:
		return pc.Anthropic
	default:
		return pc.OpenAI
	}
}

func enabled(b bool) string {
	if b {
		return "enabled"
	}
	return "(disabled)"
}

func printRow(w io.Writer, label, value string) {
	if r := []rune(value); len(r) > 17 {
		value = string(r[:16]) + "…"
	}
	fmt.Fprintf(w, "║  %-16s : %-17s ║\n", label, value)
}
