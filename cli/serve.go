package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/grimoire/agent"
	"github.com/petal-labs/grimoire/config"
	"github.com/petal-labs/grimoire/server"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an agent and its HTTP API",
		Long: "Run an agent: load its root spell, consume its run jobs, publish " +
			"results and telemetry and, when an HTTP address is set, serve the API.",
		RunE: runServe,
	}

	cmd.Flags().String("config", "", "Path to grimoire.yaml (default: ./grimoire.yaml, then ~/.grimoire/config.yaml)")
	cmd.Flags().String("agent-id", "", "Override agent.id")
	cmd.Flags().String("http-addr", "", "Override http.addr")
	cmd.Flags().String("spells-dir", "", "Override agent.spells_dir")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyServeOverrides(cmd, &cfg)
	if cfg.Agent.ID == "" {
		return exitError(exitConfig, "agent.id is required (set it in the config, GRIMOIRE_AGENT_ID or --agent-id)")
	}

	logger, err := newLogger(cmd, cmd.ErrOrStderr(), cfg.Log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	inf, err := openInfra(ctx, cfg, logger)
	if err != nil {
		return exitError(exitRuntime, "%v", err)
	}
	defer func() {
		if err := inf.Close(); err != nil {
			logger.Warn("closing backends", "err", err)
		}
	}()

	a, err := agent.New(inf.AgentConfig(cfg, logger))
	if err != nil {
		return exitError(exitConfig, "creating agent: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		return exitError(exitRuntime, "starting agent: %v", err)
	}

	shutdownTimeout, _ := cmd.Flags().GetDuration("shutdown-timeout")
	stopAgentWithin := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.Stop(shutdownCtx)
	}

	if cfg.HTTP.Addr == "" {
		logger.Info("agent running without http api", "agent_id", cfg.Agent.ID)
		<-ctx.Done()
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		if err := stopAgentWithin(); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		return nil
	}

	httpServer, err := newHTTPServer(cmd, cfg, a, inf, logger)
	if err != nil {
		_ = stopAgentWithin()
		return exitError(exitConfig, "%v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "Grimoire agent %s listening on %s\n", cfg.Agent.ID, cfg.HTTP.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		httpErr := httpServer.Shutdown(shutdownCtx)
		if err := errors.Join(httpErr, stopAgentWithin()); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		_ = stopAgentWithin()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}

func applyServeOverrides(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("agent-id"); v != "" {
		cfg.Agent.ID = v
	}
	if v, _ := cmd.Flags().GetString("http-addr"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v, _ := cmd.Flags().GetString("spells-dir"); v != "" {
		cfg.Agent.SpellsDir = v
	}
}

func newHTTPServer(cmd *cobra.Command, cfg config.Config, a *agent.Agent, inf *infra, logger *slog.Logger) (*http.Server, error) {
	corsOrigin, _ := cmd.Flags().GetString("cors-origin")
	maxBody, _ := cmd.Flags().GetInt64("max-body")
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")

	srv, err := server.New(server.Config{
		Agent:      a,
		Queue:      inf.Queue,
		Liveness:   inf.Liveness,
		Spells:     inf.Spells,
		Bus:        inf.Bus,
		Archive:    inf.Archive,
		Metrics:    inf.MetricsHandler,
		StaleAfter: 2 * cfg.Agent.PingInterval,
		CORSOrigin: corsOrigin,
		MaxBody:    maxBody,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	// No write timeout: the topic streams are long-lived.
	return &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: readTimeout,
		ReadTimeout:       readTimeout,
	}, nil
}
