package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/AoaoMH/Aether/dispatch/dispatcherrors"
	"github.com/AoaoMH/Aether/internal/cache"
)

// Snapshot is returned by CheckAvailable for logging and record-keeping
// (spec.md §4.9).
type Snapshot struct {
	KeyCurrent       int
	KeyLimit         int
	IsCachedUser     bool
	ReservationRatio float64
	Phase            Phase
	Confidence       float64
	LoadFactor       float64
}

// casScript atomically reads the minute-bucket counter, compares it
// against the caller-class quota, and increments on success. It never
// decrements: the bucket is reclaimed only by its own TTL expiry,
// matching spec.md §4.9's "not a concurrency semaphore" contract.
//
// KEYS[1] = bucket key, ARGV[1] = quota, ARGV[2] = bucket TTL seconds.
const casScript = `
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local quota = tonumber(ARGV[1])
if current >= quota then
  return -1
end
local new = redis.call('INCR', KEYS[1])
if new == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return new
`

// Guard enforces the RPM limit of spec.md §4.9 over a shared, process-
// or cluster-wide counter keyed by (key_id, minute_bucket). When cache
// is nil it falls back to an in-process golang.org/x/time/rate limiter
// per key — the single-process mode named in spec.md's DOMAIN STACK.
type Guard struct {
	cache    *cache.Manager
	fallback map[uint64]*rate.Limiter
}

// NewGuard builds a Guard. Pass a nil cache to run in single-process
// fallback mode.
func NewGuard(c *cache.Manager) *Guard {
	return &Guard{cache: c, fallback: make(map[uint64]*rate.Limiter)}
}

func bucketKey(keyID uint64, now time.Time) string {
	return fmt.Sprintf("dispatch:rpm:%d:%d", keyID, now.Unix()/60)
}

// CurrentCount reads the RPM counter for keyID's current minute bucket
// without mutating it.
func (g *Guard) CurrentCount(ctx context.Context, keyID uint64, now time.Time) (int, error) {
	if g.cache == nil {
		return 0, nil // fallback mode has no externally-readable counter
	}
	val, err := g.cache.Get(ctx, bucketKey(keyID, now))
	if err != nil {
		if cache.IsCacheMiss(err) {
			return 0, nil
		}
		return 0, err
	}
	var n int
	fmt.Sscanf(val, "%d", &n)
	return n, nil
}

// CheckAvailable implements spec.md §4.9's pre-selection check: a cached
// caller is ok while count < effective_limit; a new caller is ok while
// count < floor(effective_limit * (1 - reservation_ratio)), always
// allowing at least one slot. A nil effectiveLimit means no local
// enforcement — always ok.
func (g *Guard) CheckAvailable(ctx context.Context, keyID uint64, now time.Time, effectiveLimit *int, reservation Reservation, isCachedUser bool) (bool, Snapshot, error) {
	if effectiveLimit == nil {
		return true, Snapshot{IsCachedUser: isCachedUser}, nil
	}

	count, err := g.CurrentCount(ctx, keyID, now)
	if err != nil {
		return false, Snapshot{}, err
	}

	snap := Snapshot{
		KeyCurrent:       count,
		KeyLimit:         *effectiveLimit,
		IsCachedUser:     isCachedUser,
		ReservationRatio: reservation.Ratio,
		Phase:            reservation.Phase,
		Confidence:       reservation.Confidence,
		LoadFactor:       reservation.LoadFactor,
	}

	if isCachedUser {
		return count < *effectiveLimit, snap, nil
	}
	quota := newCallerQuota(*effectiveLimit, reservation.Ratio)
	return count < quota, snap, nil
}

func newCallerQuota(effectiveLimit int, reservationRatio float64) int {
	q := int(float64(effectiveLimit) * (1 - reservationRatio))
	if q < 1 {
		q = 1
	}
	return q
}

// Acquire performs the atomic compare-and-increment of spec.md §4.9.
// On quota exhaustion it returns dispatcherrors.ErrConcurrencyLimit
// immediately; the acquired slot is not released on any code path other
// than the bucket's own 60-second expiry.
func (g *Guard) Acquire(ctx context.Context, keyID uint64, now time.Time, effectiveLimit *int, reservation Reservation, isCachedUser bool) error {
	if effectiveLimit == nil {
		return nil
	}

	quota := *effectiveLimit
	if !isCachedUser {
		quota = newCallerQuota(*effectiveLimit, reservation.Ratio)
	}

	if g.cache == nil {
		return g.acquireFallback(keyID, quota)
	}

	res, err := g.cache.Eval(ctx, casScript, []string{bucketKey(keyID, now)}, quota, 60)
	if err != nil {
		return fmt.Errorf("ratelimit: guard acquire: %w", err)
	}
	n, ok := res.(int64)
	if !ok || n < 0 {
		return dispatcherrors.ErrConcurrencyLimit
	}
	return nil
}

func (g *Guard) acquireFallback(keyID uint64, quota int) error {
	lim, ok := g.fallback[keyID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(quota)/60.0), quota)
		g.fallback[keyID] = lim
	}
	if !lim.Allow() {
		return dispatcherrors.ErrConcurrencyLimit
	}
	return nil
}
