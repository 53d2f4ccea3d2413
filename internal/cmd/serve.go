package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/RomainBuono/Emergency-manager/internal/orchestrator"
	"github.com/RomainBuono/Emergency-manager/internal/server"
)

var (
	servePort int
	serveCron string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, optionally with autonomous decision cycles",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "HTTP server port")
	serveCmd.Flags().StringVar(&serveCron, "cron", "", "cron schedule for autonomous cycles (e.g. \"*/5 * * * *\"); empty disables")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "serve")
	defer span.End()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	opts := []server.Option{
		server.WithAPIKeys(a.cfg.APIKeys),
		server.WithRateLimit(a.cfg.RateLimitRPM, a.cfg.RateLimitCallerRPM),
	}
	if a.audits != nil {
		opts = append(opts, server.WithAuditStore(a.audits))
	}
	srv := server.NewServer(a.engine, a.resolver, a.orch, a.states, opts...)

	var scheduler *orchestrator.Scheduler
	if serveCron != "" {
		var sink orchestrator.DecisionSink
		if a.audits != nil {
			sink = a.audits
		}
		scheduler = orchestrator.NewScheduler(a.orch, a.states, sink)
		if err := scheduler.Register(serveCron); err != nil {
			return err
		}
		scheduler.Start()
		defer scheduler.Stop()
		log.Info().Str("cron", serveCron).Msg("autonomous cycles scheduled")
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", servePort),
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", servePort).Msg("HTTP server listening")
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}
