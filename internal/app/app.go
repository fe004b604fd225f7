// Package app assembles the queue components shared by the api and worker
// binaries.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sefaz-fila/internal/config"
	"sefaz-fila/internal/errors"
	"sefaz-fila/internal/executor"
	"sefaz-fila/internal/models"
	"sefaz-fila/internal/queue"
	"sefaz-fila/internal/ratelimit"
	"sefaz-fila/internal/recurrence"
	"sefaz-fila/internal/scheduler"
	"sefaz-fila/internal/service"
	"sefaz-fila/internal/session"
	"sefaz-fila/internal/store"
)

// App holds the wired components of one process.
type App struct {
	Config    config.Config
	Log       *zap.SugaredLogger
	Store     *store.Store
	Redis     *redis.Client
	Slot      *session.Slot
	Scheduler *scheduler.Scheduler
	Expander  *recurrence.Expander
	Service   *service.Service
	Limiter   ratelimit.Limiter
	// Wakeup is nil without Redis.
	Wakeup *queue.Wakeup
}

// Build opens the store, connects Redis when configured and wires the
// scheduler, expander and service together.
func Build(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) (*App, error) {
	st, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s store", cfg.DBDriver)
	}
	a := &App{Config: cfg, Log: log, Store: st}

	var lease *session.RedisLease
	if cfg.RedisAddr != "" {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, errors.Wrapf(err, "connect redis at %s", cfg.RedisAddr)
		}
		lease = session.NewRedisLease(a.Redis, cfg.SessionLeaseKey, workerID(cfg), cfg.SessionLeaseTTL)
		a.Limiter = ratelimit.NewTokenBucket(a.Redis, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
		log.Infow("redis enabled", "addr", cfg.RedisAddr, "owner", lease.Owner())
	} else {
		a.Limiter = ratelimit.NewLocal(cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
		log.Infow("redis disabled, using process-local session slot and rate limiter")
	}

	a.Slot = session.NewSlot(lease, log)
	a.Scheduler = scheduler.New(st, newExecutor(cfg, log), a.Slot, scheduler.Config{
		PollInterval: cfg.PollInterval,
		JobPause:     cfg.JobPause,
		JobTimeout:   cfg.JobTimeout,
	}, log.Named("scheduler"))
	a.Expander = recurrence.New(st, recurrence.Config{
		Interval: cfg.ExpanderInterval,
		MinLead:  cfg.ScheduleMinLead,
		Location: cfg.Location(),
	}, log.Named("recurrence"))
	a.Service = service.New(st, a.Scheduler, service.Config{
		MinLead:    cfg.ScheduleMinLead,
		AutoStart:  cfg.AutoStart,
		StaleAfter: cfg.StaleJobAfter,
		Location:   cfg.Location(),
	}, log.Named("service"))

	a.Scheduler.OnTerminal(a.Expander.OnJobTerminal)
	a.Expander.OnJobsCreated(func([]models.Job) { a.Service.JobsAdded() })

	if a.Redis != nil {
		a.Wakeup = queue.NewWakeup(a.Redis, cfg.SessionLeaseKey+":wake", cfg.PollInterval*10, log.Named("wakeup"))
		a.Service.OnJobsAdded(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := a.Wakeup.Publish(ctx); err != nil {
				log.Warnw("publishing wakeup failed", "error", err)
			}
		})
	}
	return a, nil
}

func newExecutor(cfg config.Config, log *zap.SugaredLogger) executor.Executor {
	w, h := cfg.WindowSize()
	browser := executor.NewBrowser(executor.BrowserConfig{
		Headless:  cfg.BrowserHeadless,
		UserAgent: cfg.BrowserUserAgent,
		Width:     w,
		Height:    h,
		PortalURL: cfg.PortalURL,
	}, executor.PortalLanding, log.Named("browser"))

	reg := executor.NewRegistry(nil)
	reg.Register(models.KindConsultation, browser)
	reg.Register(models.KindMessageScan, browser)
	return reg
}

// workerID names this process in the session lease.
func workerID(cfg config.Config) string {
	if cfg.WorkerID != "" {
		return cfg.WorkerID
	}
	if hostname, _ := os.Hostname(); hostname != "" {
		return fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}

// Recover fails jobs a previous process left running.
func (a *App) Recover(ctx context.Context) {
	n, err := a.Scheduler.RecoverInterrupted(ctx)
	if err != nil {
		a.Log.Warnw("recovering interrupted jobs failed", "error", err)
		return
	}
	if n > 0 {
		a.Log.Infow("interrupted jobs marked failed", "count", n)
	}
}

// RunLimiterPruner drops idle buckets of the local limiter until ctx ends.
// It returns at once when the limiter lives in Redis.
func (a *App) RunLimiterPruner(ctx context.Context) error {
	if local, ok := a.Limiter.(*ratelimit.Local); ok {
		local.RunPruner(ctx, 10*time.Minute)
	}
	return nil
}

// ListenWakeups nudges the local scheduler whenever another process enqueues
// jobs. It returns at once without Redis.
func (a *App) ListenWakeups(ctx context.Context) error {
	if a.Wakeup == nil {
		return nil
	}
	return a.Wakeup.Listen(ctx, a.Scheduler.Notify)
}

// Shutdown stops the scheduler, giving the current job until ctx ends.
func (a *App) Shutdown(ctx context.Context) {
	if err := a.Scheduler.Shutdown(ctx); err != nil {
		a.Log.Warnw("scheduler did not finish the current job in time", "error", err)
	}
}

// Close releases the store and Redis connections.
func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Store != nil {
		a.Store.Close()
	}
}
