package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"sefaz-fila/internal/app"
	"sefaz-fila/internal/config"
	"sefaz-fila/internal/logger"
	"sefaz-fila/internal/telemetry"
)

func main() {
	cfg := config.Load()

	zlog, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, zlog)
	if err != nil {
		zlog.Fatalw("startup failed", "error", err)
	}
	defer a.Close()
	if a.Redis == nil {
		zlog.Warnw("REDIS_ADDR is empty; do not run this worker next to the api process")
	}
	a.Recover(ctx)
	a.Service.Start()

	mux := chi.NewRouter()
	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := a.Service.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Mount("/metrics", telemetry.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zlog.Infow("worker started", "metrics_addr", cfg.MetricsAddr, "poll_interval", cfg.PollInterval, "job_timeout", cfg.JobTimeout)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return a.Expander.Run(gctx) })
	g.Go(func() error { return a.ListenWakeups(gctx) })

	if err := g.Wait(); err != nil {
		zlog.Errorw("worker stopped with error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.JobTimeout)
	defer cancel()
	a.Shutdown(shutdownCtx)
	zlog.Infow("worker stopped")
}
