package affinity

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	dcache "github.com/AoaoMH/Aether/internal/cache"
)

func newTestManager(t *testing.T) *Manager {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := dcache.DefaultConfig()
	cfg.Addr = mr.Addr()
	cfg.HealthCheckInterval = 0

	c, err := dcache.NewManager(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	return New(c, 15*time.Minute, nil)
}

func TestGetAffinity_MissReturnsNilNoError(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	ca, err := m.GetAffinity(ctx, "caller-1", "openai:chat", "gpt-4o")
	require.NoError(t, err)
	assert.Nil(t, ca)
}

func TestSetThenGetAffinity_RoundTrips(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.SetAffinity(ctx, "caller-1", "openai:chat", "gpt-4o", 10, 20, 30))

	ca, err := m.GetAffinity(ctx, "caller-1", "openai:chat", "gpt-4o")
	require.NoError(t, err)
	require.NotNil(t, ca)
	assert.Equal(t, uint64(10), ca.ProviderID)
	assert.Equal(t, uint64(20), ca.EndpointID)
	assert.Equal(t, uint64(30), ca.KeyID)
	assert.Equal(t, int64(1), ca.RequestCount)
}

func TestSetAffinity_IncrementsRequestCountOnSameCandidate(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.SetAffinity(ctx, "caller-1", "openai:chat", "gpt-4o", 10, 20, 30))
	require.NoError(t, m.SetAffinity(ctx, "caller-1", "openai:chat", "gpt-4o", 10, 20, 30))
	require.NoError(t, m.SetAffinity(ctx, "caller-1", "openai:chat", "gpt-4o", 10, 20, 30))

	ca, err := m.GetAffinity(ctx, "caller-1", "openai:chat", "gpt-4o")
	require.NoError(t, err)
	require.NotNil(t, ca)
	assert.Equal(t, int64(3), ca.RequestCount)
}

func TestSetAffinity_ResetsRequestCountOnDifferentCandidate(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.SetAffinity(ctx, "caller-1", "openai:chat", "gpt-4o", 10, 20, 30))
	require.NoError(t, m.SetAffinity(ctx, "caller-1", "openai:chat", "gpt-4o", 11, 20, 30))

	ca, err := m.GetAffinity(ctx, "caller-1", "openai:chat", "gpt-4o")
	require.NoError(t, err)
	require.NotNil(t, ca)
	assert.Equal(t, uint64(11), ca.ProviderID)
	assert.Equal(t, int64(1), ca.RequestCount)
}

func TestInvalidate_RemovesEntry(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.SetAffinity(ctx, "caller-1", "openai:chat", "gpt-4o", 10, 20, 30))
	require.NoError(t, m.Invalidate(ctx, "caller-1", "openai:chat", "gpt-4o"))

	ca, err := m.GetAffinity(ctx, "caller-1", "openai:chat", "gpt-4o")
	require.NoError(t, err)
	assert.Nil(t, ca)
}

func TestAffinityHash_DeterministicAndDistinctPerKey(t *testing.T) {
	h1 := AffinityHash("caller-1", 30)
	h2 := AffinityHash("caller-1", 30)
	h3 := AffinityHash("caller-1", 31)

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 16)
}

func TestTTLFor_SchedulingModes(t *testing.T) {
	assert.Equal(t, 15*time.Minute, TTLFor(ModeDefault))
	assert.Equal(t, 5*time.Minute, TTLFor(Mode5Min))
	assert.Equal(t, 30*time.Minute, TTLFor(Mode30Min))
	assert.Equal(t, 60*time.Minute, TTLFor(Mode60Min))
}
