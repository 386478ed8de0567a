package ratelimit

import (
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/AoaoMH/Aether/dispatch/model"
)

// KeyRateState wraps a ProviderAPIKey's adaptive-state fields with the
// Adaptive RPM Manager's (C7) algorithm. Callers own persistence: State
// mutates the embedded *model.ProviderAPIKey in place and the caller is
// responsible for committing it under the key's DB row lock (spec.md
// §5's "Shared resources" notes convergence holds across racing
// workers because every mutation only appends and re-evaluates).
type KeyRateState struct {
	Key    *model.ProviderAPIKey
	logger *zap.Logger
}

// NewKeyRateState wraps key. A nil logger falls back to zap.NewNop().
func NewKeyRateState(key *model.ProviderAPIKey, logger *zap.Logger) *KeyRateState {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyRateState{Key: key, logger: logger.With(zap.String("component", "ratelimit"), zap.Uint64("key_id", key.ID))}
}

// HandleObservation records one 429 and re-runs the consistency
// evaluation. kind distinguishes the upstream rate-limit dimension; only
// ObservationKindRPM feeds learned_rpm_limit's confirmation path
// directly (see SPEC_FULL.md SUPPLEMENTED FEATURES).
func (s *KeyRateState) HandleObservation(now time.Time, kind ObservationKind, currentRPM int, upstreamLimit *int) {
	switch kind {
	case ObservationKindConcurrent:
		// Upstream reports a concurrency-dimension throttle, not RPM.
		// Counted only; learned_rpm_limit and adjustment_history are
		// untouched so the RPM learner isn't corrupted by a different
		// limit dimension.
		s.Key.Concurrent429Count++
		return

	case ObservationKindUnknown:
		s.Key.RPM429Count++
		s.Key.Last429At = &now
		s.Key.Last429Type = string(ObservationKindUnknown)
		if s.Key.LearnedRPMLimit != nil {
			old := *s.Key.LearnedRPMLimit
			newLimit := clampRPM(int(math.Max(float64(old)*0.95, MinRPMLimit)))
			s.Key.LearnedRPMLimit = &newLimit
			s.appendAdjustment(now, "unknown_429", old, newLimit, s.currentConfidence(now))
		}
		s.trimHistory()
		return
	}

	// ObservationKindRPM: append the raw observation, then try to
	// (re)confirm a limit from the updated history.
	s.Key.RPM429Count++
	s.Key.Last429At = &now
	s.Key.Last429Type = string(ObservationKindRPM)
	if upstreamLimit != nil {
		s.Key.LastRPMPeak = upstreamLimit
	} else {
		s.Key.LastRPMPeak = &currentRPM
	}
	s.Key.AdjustmentHistory = append(s.Key.AdjustmentHistory, model.Observation{
		Type:          model.ObservationTypeRaw429,
		Timestamp:     now,
		CurrentRPM:    currentRPM,
		UpstreamLimit: upstreamLimit,
	})

	if candidate, confidence, ok := s.evaluateObservations(); ok {
		old := 0
		if s.Key.LearnedRPMLimit != nil {
			old = *s.Key.LearnedRPMLimit
		}
		newLimit := clampRPM(candidate)
		s.Key.LearnedRPMLimit = &newLimit
		s.appendAdjustment(now, "confirmed", old, newLimit, confidence)
	}
	// evaluateObservations returning !ok leaves the previously learned
	// limit untouched — it is never cleared by a failed re-evaluation.

	s.trimHistory()
}

func clampRPM(v int) int {
	if v < MinRPMLimit {
		return MinRPMLimit
	}
	if v > MaxRPMLimit {
		return MaxRPMLimit
	}
	return v
}

func (s *KeyRateState) appendAdjustment(now time.Time, reason string, old, new int, confidence float64) {
	s.Key.AdjustmentHistory = append(s.Key.AdjustmentHistory, model.Observation{
		Type:       reason,
		Timestamp:  now,
		OldLimit:   old,
		NewLimit:   new,
		Reason:     reason,
		Confidence: confidence,
	})
}

// evaluateObservations implements spec.md §4.7's two confirmation paths,
// tried in order on every new observation.
func (s *KeyRateState) evaluateObservations() (candidateLimit int, confidence float64, ok bool) {
	var headerValues []float64
	for i := len(s.Key.AdjustmentHistory) - 1; i >= 0 && len(headerValues) < MinHeaderConfirmations; i-- {
		o := s.Key.AdjustmentHistory[i]
		if o.Type == model.ObservationTypeRaw429 && o.UpstreamLimit != nil {
			headerValues = append(headerValues, float64(*o.UpstreamLimit))
		}
	}
	if len(headerValues) >= MinHeaderConfirmations {
		if med, ok2 := consistentMedian(headerValues, ObservationConsistencyThreshold); ok2 {
			return int(med * HeaderLimitSafetyMargin), 0.8, true
		}
	}

	var rpmValues []float64
	for i := len(s.Key.AdjustmentHistory) - 1; i >= 0 && len(rpmValues) < MinConsistentObservations; i-- {
		o := s.Key.AdjustmentHistory[i]
		if o.Type == model.ObservationTypeRaw429 && o.CurrentRPM != 0 {
			rpmValues = append(rpmValues, float64(o.CurrentRPM))
		}
	}
	if len(rpmValues) >= MinConsistentObservations {
		if med, ok2 := consistentMedian(rpmValues, ObservationConsistencyThreshold); ok2 {
			return int(med * ObservationLimitSafetyMargin), 0.6, true
		}
	}

	return 0, 0, false
}

// consistentMedian reports the median of values and whether every value
// lies within threshold of it (spec.md §4.7's consistency check).
func consistentMedian(values []float64, threshold float64) (float64, bool) {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	med := sorted[len(sorted)/2]
	if len(sorted)%2 == 0 {
		med = (sorted[len(sorted)/2-1] + sorted[len(sorted)/2]) / 2
	}
	for _, v := range values {
		if math.Abs(v-med) > threshold*med {
			return med, false
		}
	}
	return med, true
}

// currentConfidence returns the base confidence carried by the most
// recent confirmed adjustment (not a raw observation), or a 0.3 legacy
// baseline when a learned limit exists with no recorded confidence, or
// 0 when nothing has ever been learned.
func (s *KeyRateState) currentConfidence(now time.Time) float64 {
	for i := len(s.Key.AdjustmentHistory) - 1; i >= 0; i-- {
		o := s.Key.AdjustmentHistory[i]
		if o.Type != model.ObservationTypeRaw429 && o.Confidence > 0 {
			return o.Confidence
		}
	}
	if s.Key.LearnedRPMLimit != nil {
		return 0.3
	}
	return 0
}

// GetConfidence implements spec.md §4.7's confidence decay: the base
// confidence of the most recent adjustment, minus
// CONFIDENCE_DECAY_PER_MINUTE per minute since the last 429, clamped to
// [0, 1]. With no prior 429, confidence is 0.
func (s *KeyRateState) GetConfidence(now time.Time) float64 {
	if s.Key.Last429At == nil {
		return 0
	}
	base := s.currentConfidence(now)
	minutes := now.Sub(*s.Key.Last429At).Minutes()
	conf := base - minutes*ConfidenceDecayPerMinute
	if conf < 0 {
		return 0
	}
	if conf > 1 {
		return 1
	}
	return conf
}

// IsEnforcementActive reports whether the decayed confidence still
// clears ENFORCEMENT_CONFIDENCE_THRESHOLD.
func (s *KeyRateState) IsEnforcementActive(now time.Time) bool {
	return s.GetConfidence(now) >= EnforcementConfidenceThreshold
}

// EffectiveLimit is C7's single entry point (spec.md §4.7): a fixed
// operator-set rpm_limit always wins; else the learned limit while
// enforcement is active; else nil (no local enforcement — all 429s pass
// through to the caller and are merely observed).
func (s *KeyRateState) EffectiveLimit(now time.Time) *int {
	if s.Key.RPMLimit != nil {
		return s.Key.RPMLimit
	}
	if s.Key.LearnedRPMLimit != nil && s.IsEnforcementActive(now) {
		return s.Key.LearnedRPMLimit
	}
	return nil
}

// HandleSuccess runs the additive-increase algorithm of spec.md §4.7 on
// every successful response for an adaptive (non-fixed) key.
func (s *KeyRateState) HandleSuccess(now time.Time, currentRPM int) {
	if s.Key.RPMLimit != nil || s.Key.LearnedRPMLimit == nil {
		return
	}
	if !s.IsEnforcementActive(now) {
		return
	}
	effLimit := *s.Key.LearnedRPMLimit
	s.updateUtilizationWindow(now, float64(currentRPM)/float64(effLimit))

	if s.Key.Last429At != nil && now.Sub(*s.Key.Last429At) < CooldownAfter429 {
		return
	}

	newLimit, reason := s.checkIncreaseConditions(now, effLimit)
	if newLimit <= effLimit {
		return
	}

	s.Key.LearnedRPMLimit = &newLimit
	s.appendAdjustment(now, reason, effLimit, newLimit, s.GetConfidence(now))
	s.Key.UtilizationSamples = nil
	if reason == "probe" {
		s.Key.LastProbeIncreaseAt = &now
	}
	s.trimHistory()
}

func (s *KeyRateState) updateUtilizationWindow(now time.Time, util float64) {
	samples := append(s.Key.UtilizationSamples, model.UtilizationSample{Timestamp: now, Util: util})
	cutoff := now.Add(-UtilizationWindowDuration)
	kept := samples[:0]
	for _, sa := range samples {
		if sa.Timestamp.After(cutoff) {
			kept = append(kept, sa)
		}
	}
	if len(kept) > UtilizationWindowSize {
		kept = kept[len(kept)-UtilizationWindowSize:]
	}
	s.Key.UtilizationSamples = kept
}

func (s *KeyRateState) checkIncreaseConditions(now time.Time, effLimit int) (int, string) {
	samples := s.Key.UtilizationSamples
	var knownBoundary *int
	if s.Key.LastRPMPeak != nil {
		knownBoundary = s.Key.LastRPMPeak
	}

	if len(samples) >= MinSamplesForDecision {
		highCount := 0
		for _, sa := range samples {
			if sa.Util >= UtilizationThreshold {
				highCount++
			}
		}
		ratio := float64(highCount) / float64(len(samples))
		if ratio >= HighUtilizationRatio && (knownBoundary == nil || effLimit < *knownBoundary) {
			cap := MaxRPMLimit
			if knownBoundary != nil && *knownBoundary < cap {
				cap = *knownBoundary
			}
			newLimit := effLimit + IncreaseStep
			if newLimit > cap {
				newLimit = cap
			}
			return newLimit, "high_utilization"
		}
	}

	if s.Key.Last429At != nil && now.Sub(*s.Key.Last429At) >= ProbeIncreaseInterval &&
		(s.Key.LastProbeIncreaseAt == nil || now.Sub(*s.Key.LastProbeIncreaseAt) >= ProbeIncreaseInterval) &&
		len(samples) >= ProbeIncreaseMinRequests && avgUtil(samples) >= 0.3 {
		newLimit := effLimit + 1
		if newLimit > MaxRPMLimit {
			newLimit = MaxRPMLimit
		}
		return newLimit, "probe"
	}

	return effLimit, ""
}

func avgUtil(samples []model.UtilizationSample) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range samples {
		sum += s.Util
	}
	return sum / float64(len(samples))
}

// trimHistory caps adjustment_history at MaxHistoryRecords, dropping the
// oldest adjustment (non-observation) records first and preserving raw
// 429 observations — the learning substrate (spec.md §4.7).
func (s *KeyRateState) trimHistory() {
	h := s.Key.AdjustmentHistory
	for len(h) > MaxHistoryRecords {
		idx := -1
		for i, o := range h {
			if o.Type != model.ObservationTypeRaw429 {
				idx = i
				break
			}
		}
		if idx == -1 {
			h = h[len(h)-MaxHistoryRecords:]
			break
		}
		h = append(h[:idx], h[idx+1:]...)
	}
	s.Key.AdjustmentHistory = h
}

// Reset wipes every adaptive-state field, per spec.md §4.7's
// operator-triggered Reset.
func (s *KeyRateState) Reset() {
	s.Key.LearnedRPMLimit = nil
	s.Key.LastRPMPeak = nil
	s.Key.Last429At = nil
	s.Key.Last429Type = ""
	s.Key.RPM429Count = 0
	s.Key.Concurrent429Count = 0
	s.Key.UtilizationSamples = nil
	s.Key.AdjustmentHistory = nil
	s.Key.LastProbeIncreaseAt = nil
}
