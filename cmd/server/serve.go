package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/garnizeh/bountycast/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the HTTP API together with the job workers and, when
settlement.schedule_interval is set, the in-process settlement scheduler.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg
	logger := a.logger

	logger.Info("starting bountycast", slog.String("version", version), slog.String("build_time", buildTime), slog.String("dialect", string(a.db.Dialect())))

	limiter, stopLimiter, err := a.limiter(ctx)
	if err != nil {
		return err
	}
	defer stopLimiter()

	parser, err := a.webhookParser()
	if err != nil {
		return err
	}

	pool := a.workers()
	pool.Start(ctx)
	defer pool.Stop()

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		a.engine.Run(ctx, cfg.Settlement.ScheduleInterval)
	}()

	handler := api.SetupRoutes(api.Deps{
		Config:    cfg,
		Version:   version,
		BuildTime: buildTime,
		DB:        a.db.GetConn(),
		Service:   a.service(limiter),
		Engine:    a.engine,
		Webhooks:  parser,
		Users:     a.neynar,
		Metrics:   a.metrics,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", slog.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			stop()
			<-schedDone
			return err
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	// Give outstanding requests 30 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", slog.Any("err", err))
	}
	<-schedDone

	logger.Info("server exited")
	return nil
}
