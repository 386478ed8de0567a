// Package affinity implements the Cache Affinity Manager (C6): the
// sticky (caller-key, client_format, model) -> (provider, endpoint, key)
// mapping with TTL, backed by the teacher's internal/cache.Manager
// (Redis) and deduplicated with golang.org/x/sync/singleflight so
// concurrent lookups for the same caller collapse into one round trip.
package affinity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/AoaoMH/Aether/dispatch/model"
	"github.com/AoaoMH/Aether/internal/cache"
)

// SchedulingMode selects the default affinity TTL, per spec.md §4.6 and
// §6's "configurable per scheduling mode" note.
type SchedulingMode string

const (
	ModeDefault SchedulingMode = ""
	Mode5Min    SchedulingMode = "5m"
	Mode30Min   SchedulingMode = "30m"
	Mode60Min   SchedulingMode = "60m"
)

// TTLFor resolves a scheduling mode to its cache TTL. The default and
// "cache_affinity" mode both use the spec's 15-minute default.
func TTLFor(mode SchedulingMode) time.Duration {
	switch mode {
	case Mode5Min:
		return 5 * time.Minute
	case Mode30Min:
		return 30 * time.Minute
	case Mode60Min:
		return 60 * time.Minute
	default:
		return 15 * time.Minute
	}
}

// Manager is the Cache Affinity Manager.
type Manager struct {
	cache  *cache.Manager
	ttl    time.Duration
	logger *zap.Logger
	group  singleflight.Group
}

// New builds a Manager bound to a cache backend with the given default
// TTL (see TTLFor). A nil logger falls back to zap.NewNop().
func New(c *cache.Manager, ttl time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{cache: c, ttl: ttl, logger: logger.With(zap.String("component", "affinity"))}
}

func cacheKey(affinityKey, clientFormat, model string) string {
	return fmt.Sprintf("dispatch:affinity:%s:%s:%s", affinityKey, clientFormat, model)
}

// AffinityHash is the first 16 hex chars of SHA-256(affinity_key:key_id),
// used by the Candidate Sorter (C5) to deterministically spread load
// within a priority tier while preserving per-caller stickiness
// (spec.md §4.5).
func AffinityHash(affinityKey string, keyID uint64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", affinityKey, keyID)))
	return hex.EncodeToString(sum[:])[:16]
}

// GetAffinity looks up the sticky mapping for (affinityKey,
// clientFormat, model). A nil result with no error means no affinity is
// recorded — callers must treat this as "ignore affinity", never
// synthesize a candidate from it (spec.md invariant 6).
func (m *Manager) GetAffinity(ctx context.Context, affinityKey, clientFormat, modelName string) (*model.CacheAffinity, error) {
	key := cacheKey(affinityKey, clientFormat, modelName)
	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		var ca model.CacheAffinity
		if getErr := m.cache.GetJSON(ctx, key, &ca); getErr != nil {
			if cache.IsCacheMiss(getErr) {
				return nil, nil
			}
			return nil, getErr
		}
		return &ca, nil
	})
	if err != nil {
		return nil, fmt.Errorf("affinity: get: %w", err)
	}
	if v == nil {
		return nil, nil
	}
	return v.(*model.CacheAffinity), nil
}

// SetAffinity records (or refreshes) the sticky mapping after a
// successful request. RequestCount is incremented when the entry
// already exists, giving C8 a per-caller load signal.
func (m *Manager) SetAffinity(ctx context.Context, affinityKey, clientFormat, modelName string, providerID, endpointID, keyID uint64) error {
	key := cacheKey(affinityKey, clientFormat, modelName)

	existing, err := m.GetAffinity(ctx, affinityKey, clientFormat, modelName)
	if err != nil {
		return err
	}

	ca := model.CacheAffinity{
		AffinityKey:  affinityKey,
		ClientFormat: clientFormat,
		Model:        modelName,
		ProviderID:   providerID,
		EndpointID:   endpointID,
		KeyID:        keyID,
		RequestCount: 1,
		ExpiresAt:    time.Now().Add(m.ttl),
	}
	if existing != nil && existing.ProviderID == providerID && existing.EndpointID == endpointID && existing.KeyID == keyID {
		ca.RequestCount = existing.RequestCount + 1
	}

	if err := m.cache.SetJSON(ctx, key, ca, m.ttl); err != nil {
		return fmt.Errorf("affinity: set: %w", err)
	}
	return nil
}

// Invalidate deletes the affinity entry, used when the owning
// provider/endpoint/key is deleted or blacked out, or the targeted
// candidate becomes permanently unusable (spec.md §4.6).
func (m *Manager) Invalidate(ctx context.Context, affinityKey, clientFormat, modelName string) error {
	return m.cache.Delete(ctx, cacheKey(affinityKey, clientFormat, modelName))
}
