// Package session models the single automation session: a process-local slot
// that hands out one Token at a time, optionally backed by a Redis lease so
// several processes share the same exclusivity.
package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"sefaz-fila/internal/errors"
)

// Slot is the exclusive automation session of one process.
type Slot struct {
	ch    chan struct{}
	lease *RedisLease
	log   *zap.SugaredLogger
}

// NewSlot builds a slot. lease may be nil for single-process deployments.
func NewSlot(lease *RedisLease, log *zap.SugaredLogger) *Slot {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Slot{ch: make(chan struct{}, 1), lease: lease, log: log}
}

// Token is proof of holding the slot. Release is safe to call more than once.
type Token struct {
	slot     *Slot
	once     sync.Once
	stopLoop chan struct{}
	loopDone chan struct{}
}

// TryAcquire takes the slot without waiting. It returns ErrSlotBusy when the
// slot is held in this process or the lease is held by another one.
func (s *Slot) TryAcquire(ctx context.Context) (*Token, error) {
	select {
	case s.ch <- struct{}{}:
	default:
		return nil, errors.ErrSlotBusy
	}

	t := &Token{slot: s}
	if s.lease == nil {
		return t, nil
	}

	ok, err := s.lease.TryAcquire(ctx)
	if err != nil || !ok {
		<-s.ch
		if err != nil {
			return nil, errors.Wrap(err, "acquire session lease")
		}
		return nil, errors.Wrapf(errors.ErrSlotBusy, "session lease %s held by another process", s.lease.key)
	}
	t.stopLoop = make(chan struct{})
	t.loopDone = make(chan struct{})
	go t.refresh()
	return t, nil
}

// Held reports whether this process currently holds the slot.
func (s *Slot) Held() bool {
	return len(s.ch) == 1
}

// Lease returns the backing lease, if any.
func (s *Slot) Lease() *RedisLease {
	return s.lease
}

// Release gives the slot back.
func (t *Token) Release() {
	t.once.Do(func() {
		if t.stopLoop != nil {
			close(t.stopLoop)
			<-t.loopDone
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := t.slot.lease.Release(ctx); err != nil {
				t.slot.log.Warnw("release session lease failed", "error", err)
			}
			cancel()
		}
		<-t.slot.ch
	})
}

func (t *Token) refresh() {
	defer close(t.loopDone)
	interval := t.slot.lease.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopLoop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			ok, err := t.slot.lease.Refresh(ctx)
			cancel()
			if err != nil {
				t.slot.log.Warnw("refresh session lease failed", "error", err)
			} else if !ok {
				t.slot.log.Errorw("session lease lost while held", "key", t.slot.lease.key)
			}
		}
	}
}
