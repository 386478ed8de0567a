package ratelimit

import "time"

// Stats is a read-only snapshot of a key's adaptive state, supplemented
// from original_source's get_adjustment_stats (see SPEC_FULL.md). It is
// an introspection point for the bounded-ring fields the spec puts on the
// wire; no code in this module calls it.
type Stats struct {
	EffectiveLimit     *int
	LearnedLimit       *int
	FixedLimit         *int
	LastRPMPeak        *int
	Confidence         float64
	EnforcementActive  bool
	RPM429Count        int64
	Concurrent429Count int64
	HistorySize        int
	UtilizationSamples int
	LastProbeIncreaseAt *time.Time
}

// Stats computes a snapshot as of now.
func (s *KeyRateState) Stats(now time.Time) Stats {
	return Stats{
		EffectiveLimit:      s.EffectiveLimit(now),
		LearnedLimit:        s.Key.LearnedRPMLimit,
		FixedLimit:          s.Key.RPMLimit,
		LastRPMPeak:         s.Key.LastRPMPeak,
		Confidence:          s.GetConfidence(now),
		EnforcementActive:   s.IsEnforcementActive(now),
		RPM429Count:         s.Key.RPM429Count,
		Concurrent429Count:  s.Key.Concurrent429Count,
		HistorySize:         len(s.Key.AdjustmentHistory),
		UtilizationSamples:  len(s.Key.UtilizationSamples),
		LastProbeIncreaseAt: s.Key.LastProbeIncreaseAt,
	}
}
