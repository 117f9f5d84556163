package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/coderun/internal/server"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the coderun HTTP server",
	Long: `Start the coderun HTTP server with REST API and WebSocket support.

API endpoints are under /api. Callers identify themselves with the
configured caller header (X-Caller-ID by default).

Examples:
  coderun serve
  coderun serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if portFlag > 0 {
		cfg.Server.Port = portFlag
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	logger.Info("worker pool ready", "size", a.sup.Stats().Size, "storage", cfg.Storage.Driver)

	srv := server.New(cfg.Server, a.coord, logger.With("component", "http"))

	// Graceful shutdown on SIGINT/SIGTERM
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	serveErr := srv.Start()
	stop()

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.Close(closeCtx); err != nil {
		logger.Warn("shutdown incomplete", "err", err)
	}
	if serveErr != nil {
		return serveErr
	}
	logger.Info("server stopped")
	return nil
}
