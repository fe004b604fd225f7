// Package queue carries cross-process queue signals over Redis so a worker
// process picks up jobs enqueued by the api process without waiting for its
// poll interval.
package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sefaz-fila/internal/errors"
)

// Wakeup is a Redis list used as a coalescing doorbell: many publishes
// between two waits collapse into one wake.
type Wakeup struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	log    *zap.SugaredLogger
}

// NewWakeup builds a doorbell on key. Pending rings expire after ttl.
func NewWakeup(client *redis.Client, key string, ttl time.Duration, log *zap.SugaredLogger) *Wakeup {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Wakeup{client: client, key: key, ttl: ttl, log: log}
}

// Publish rings the doorbell.
func (w *Wakeup) Publish(ctx context.Context) error {
	pipe := w.client.TxPipeline()
	pipe.RPush(ctx, w.key, strconv.FormatInt(time.Now().UnixMilli(), 10))
	pipe.LTrim(ctx, w.key, -1, -1)
	pipe.PExpire(ctx, w.key, w.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "publish wakeup")
	}
	return nil
}

// Wait blocks up to timeout for a ring and reports whether one arrived.
// Redis rounds timeouts below one second up to one second.
func (w *Wakeup) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	_, err := w.client.BLPop(ctx, timeout, w.key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "wait wakeup")
	}
	return true, nil
}

// Listen calls fn for every ring until ctx ends. Redis errors are logged and
// retried after a short pause.
func (w *Wakeup) Listen(ctx context.Context, fn func()) error {
	const (
		waitTimeout = 5 * time.Second
		retryPause  = 2 * time.Second
	)
	for {
		if ctx.Err() != nil {
			return nil
		}
		rang, err := w.Wait(ctx, waitTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Warnw("wakeup listener error", "key", w.key, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retryPause):
			}
			continue
		}
		if rang {
			fn()
		}
	}
}
