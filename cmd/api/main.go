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

	"golang.org/x/sync/errgroup"

	"sefaz-fila/internal/api"
	"sefaz-fila/internal/app"
	"sefaz-fila/internal/config"
	"sefaz-fila/internal/logger"
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
	a.Recover(ctx)

	if cfg.AutoStart {
		if st, err := a.Service.Stats(ctx); err == nil && st.Pending > 0 {
			zlog.Infow("resuming queue processing", "pending", st.Pending)
			a.Service.Start()
		}
	}

	server := api.New(a.Service, a.Limiter, cfg.Location(), zlog.Named("http"))
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zlog.Infow("api listening", "addr", httpServer.Addr, "db", cfg.DBDriver, "env", cfg.Env)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return a.Expander.Run(gctx) })
	g.Go(func() error { return a.RunLimiterPruner(gctx) })

	if err := g.Wait(); err != nil {
		zlog.Errorw("api stopped with error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.JobTimeout)
	defer cancel()
	a.Shutdown(shutdownCtx)
	zlog.Infow("api stopped")
}
