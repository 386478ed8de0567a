// Package ratelimit implements the Adaptive RPM Manager (C7), the
// Adaptive Reservation Manager (C8), and the Concurrency Checker/Guard
// (C9) of spec.md §4.7-§4.9.
//
// The additive-increase/consistency-evaluation algorithm is grounded on
// original_source/src/services/rate_limit/adaptive_rpm.py from the
// retrieval pack's distillation source, which is more specific than
// spec.md on several points (see SPEC_FULL.md's SUPPLEMENTED FEATURES).
package ratelimit

import "time"

// Tunable constants named in spec.md §6. Values match the original
// Python implementation's defaults where it specifies one.
const (
	MinConsistentObservations      = 3
	MinHeaderConfirmations         = 2
	ObservationConsistencyThreshold = 0.2
	HeaderLimitSafetyMargin        = 0.95
	ObservationLimitSafetyMargin   = 0.85
	EnforcementConfidenceThreshold = 0.5
	ConfidenceDecayPerMinute       = 0.01

	MinRPMLimit = 1
	MaxRPMLimit = 10000

	IncreaseStep                 = 5
	UtilizationWindowSize        = 15
	UtilizationWindowDuration    = 300 * time.Second
	UtilizationThreshold         = 0.7
	HighUtilizationRatio         = 0.6
	MinSamplesForDecision        = 5
	ProbeIncreaseMinRequests     = 5
	ProbeIncreaseInterval        = 30 * time.Minute
	CooldownAfter429             = 2 * time.Minute

	MaxHistoryRecords = 20
)

// Reservation cap (C8): the maximum fraction of a key's budget that may
// ever be reserved for cached callers, leaving headroom for new callers
// even at saturation.
const MaxReservationRatio = 0.5

// ObservationKind distinguishes the upstream rate-limit dimension a 429
// reports. Only ObservationKindRPM feeds the learned_rpm_limit
// evaluation; the other two are supplemented from original_source (see
// SPEC_FULL.md) since spec.md §3's Observation entity only names the RPM
// path explicitly.
type ObservationKind string

const (
	ObservationKindRPM        ObservationKind = "rpm"
	ObservationKindConcurrent ObservationKind = "concurrent"
	ObservationKindUnknown    ObservationKind = "unknown"
)
