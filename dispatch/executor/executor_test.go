package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AoaoMH/Aether/dispatch/model"
	"github.com/AoaoMH/Aether/dispatch/ratelimit"
	dcache "github.com/AoaoMH/Aether/internal/cache"
)

func newTestExecutor(t *testing.T) *Executor {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := dcache.DefaultConfig()
	cfg.Addr = mr.Addr()
	cfg.HealthCheckInterval = 0

	c, err := dcache.NewManager(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	guard := ratelimit.NewGuard(c)
	return New(guard, nil)
}

func testCandidate() *model.ProviderCandidate {
	return &model.ProviderCandidate{
		Provider: &model.Provider{ID: 1},
		Endpoint: &model.ProviderEndpoint{ID: 1},
		Key:      &model.ProviderAPIKey{ID: 1},
	}
}

func TestAttempt_SuccessFeedsBackToRateState(t *testing.T) {
	e := newTestExecutor(t)
	key := &model.ProviderAPIKey{ID: 1}
	state := ratelimit.NewKeyRateState(key, nil)
	now := time.Now()

	fn := func(ctx context.Context, c *model.ProviderCandidate) (AttemptResult, error) {
		return AttemptResult{Kind: KindSyncResponse, StatusCode: 200}, nil
	}

	result, execCtx, err := e.Attempt(context.Background(), state, now, 0, true, 1, fn, testCandidate())
	require.NoError(t, err)
	assert.Equal(t, 200, result.StatusCode)
	assert.Equal(t, uint64(1), execCtx.KeyID)
	assert.GreaterOrEqual(t, execCtx.ElapsedMS, int64(0))
}

func TestAttempt_FailureWrapsExecutionError(t *testing.T) {
	e := newTestExecutor(t)
	key := &model.ProviderAPIKey{ID: 2}
	state := ratelimit.NewKeyRateState(key, nil)
	now := time.Now()

	upstreamErr := errors.New("upstream exploded")
	fn := func(ctx context.Context, c *model.ProviderCandidate) (AttemptResult, error) {
		return AttemptResult{}, upstreamErr
	}

	_, _, err := e.Attempt(context.Background(), state, now, 0, true, 1, fn, testCandidate())
	require.Error(t, err)

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.ErrorIs(t, execErr, upstreamErr)
}

func TestAttempt_GuardDenialSurfacesConcurrencyLimitError(t *testing.T) {
	e := newTestExecutor(t)
	key := &model.ProviderAPIKey{ID: 3}
	limit := 1
	key.RPMLimit = &limit
	state := ratelimit.NewKeyRateState(key, nil)
	now := time.Now()

	fn := func(ctx context.Context, c *model.ProviderCandidate) (AttemptResult, error) {
		return AttemptResult{Kind: KindSyncResponse, StatusCode: 200}, nil
	}

	_, _, err := e.Attempt(context.Background(), state, now, 0, true, 1, fn, testCandidate())
	require.NoError(t, err)

	_, _, err = e.Attempt(context.Background(), state, now, 0, true, 1, fn, testCandidate())
	require.Error(t, err)
}
