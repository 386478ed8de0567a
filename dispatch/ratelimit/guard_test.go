package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	dcache "github.com/AoaoMH/Aether/internal/cache"
)

func newTestCacheManager(t *testing.T) *dcache.Manager {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	// dcache.NewManager dials immediately via redis.NewClient + Ping,
	// so point it straight at the miniredis instance.
	cfg := dcache.DefaultConfig()
	cfg.Addr = mr.Addr()
	cfg.HealthCheckInterval = 0

	m, err := dcache.NewManager(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestGuard_AcquireRespectsQuota(t *testing.T) {
	m := newTestCacheManager(t)
	g := NewGuard(m)
	ctx := context.Background()
	now := time.Now()
	limit := 2

	require.NoError(t, g.Acquire(ctx, 1, now, &limit, Reservation{}, true))
	require.NoError(t, g.Acquire(ctx, 1, now, &limit, Reservation{}, true))
	err := g.Acquire(ctx, 1, now, &limit, Reservation{}, true)
	require.Error(t, err)
}

func TestGuard_NewCallerQuotaReservesForCached(t *testing.T) {
	m := newTestCacheManager(t)
	g := NewGuard(m)
	ctx := context.Background()
	now := time.Now()
	limit := 10
	res := Reservation{Ratio: 0.5}

	for i := 0; i < 5; i++ {
		require.NoError(t, g.Acquire(ctx, 2, now, &limit, res, false))
	}
	err := g.Acquire(ctx, 2, now, &limit, res, false)
	require.Error(t, err)

	// A cached caller can still use the reserved tranche.
	require.NoError(t, g.Acquire(ctx, 2, now, &limit, res, true))
}

func TestGuard_FallbackModeWithoutRedis(t *testing.T) {
	g := NewGuard(nil)
	ctx := context.Background()
	now := time.Now()
	limit := 3

	for i := 0; i < 3; i++ {
		require.NoError(t, g.Acquire(ctx, 3, now, &limit, Reservation{}, true))
	}
	err := g.Acquire(ctx, 3, now, &limit, Reservation{}, true)
	require.Error(t, err)
}
