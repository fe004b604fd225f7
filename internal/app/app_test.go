package app

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sefaz-fila/internal/config"
	"sefaz-fila/internal/ratelimit"
	"sefaz-fila/internal/service"
)

func testConfig() config.Config {
	cfg := config.FromEnv()
	cfg.DBDriver = "sqlite"
	cfg.SQLitePath = ":memory:"
	cfg.RedisAddr = ""
	cfg.AutoStart = false
	cfg.WorkerID = "test-worker"
	return cfg
}

func TestBuildWithoutRedis(t *testing.T) {
	a, err := Build(context.Background(), testConfig(), zap.NewNop().Sugar())
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Redis)
	assert.Nil(t, a.Slot.Lease())
	assert.IsType(t, &ratelimit.Local{}, a.Limiter)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, a.RunLimiterPruner(ctx))

	res, err := a.Service.Enqueue(context.Background(), service.EnqueueRequest{CompanyIDs: []int64{1}})
	require.NoError(t, err)
	assert.Len(t, res.Jobs, 1)
	assert.False(t, a.Scheduler.Running())

	shutdownCtx, stop := context.WithTimeout(context.Background(), time.Second)
	defer stop()
	a.Shutdown(shutdownCtx)
}

func TestBuildWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.RedisAddr = mr.Addr()

	a, err := Build(context.Background(), cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Slot.Lease())
	assert.Equal(t, "test-worker", a.Slot.Lease().Owner())
	assert.IsType(t, &ratelimit.TokenBucket{}, a.Limiter)
	require.NotNil(t, a.Wakeup)

	a.Recover(context.Background())

	// enqueueing rings the doorbell for other processes
	_, err = a.Service.Enqueue(context.Background(), service.EnqueueRequest{CompanyIDs: []int64{3}})
	require.NoError(t, err)
	rang, err := a.Wakeup.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, rang)
}

func TestBuildFailsWhenRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.RedisAddr = mr.Addr()
	mr.Close()

	_, err := Build(context.Background(), cfg, zap.NewNop().Sugar())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect redis")
}

func TestBuildRejectsUnknownDriver(t *testing.T) {
	cfg := testConfig()
	cfg.DBDriver = "oracle"
	_, err := Build(context.Background(), cfg, zap.NewNop().Sugar())
	require.Error(t, err)
}
