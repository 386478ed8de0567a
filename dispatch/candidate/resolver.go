// Package candidate implements the Candidate Builder (C4) and Candidate
// Sorter (C5), composed with the Cache Affinity Manager (C6) into the
// top-level CandidateService named in spec.md §2's dependency graph.
//
// Split into resolver.go (build + sort) and recorder.go (audit-row
// lifecycle), grounded on the supplemented original_source
// CandidateService/CandidateResolver/CandidateRecorder split.
package candidate

import (
	"context"
	"fmt"
	"math/rand"
	"sort"

	"go.uber.org/zap"

	"github.com/AoaoMH/Aether/dispatch/affinity"
	"github.com/AoaoMH/Aether/dispatch/availability"
	"github.com/AoaoMH/Aether/dispatch/formatgate"
	"github.com/AoaoMH/Aether/dispatch/model"
	"github.com/AoaoMH/Aether/dispatch/restrictions"
	"github.com/AoaoMH/Aether/dispatch/signature"
)

// PriorityMode selects the primary sort key (spec.md §4.5).
type PriorityMode string

const (
	PriorityModeProvider  PriorityMode = "provider"
	PriorityModeGlobalKey PriorityMode = "global_key"
)

// SchedulingMode selects the same-priority tie-break strategy.
type SchedulingMode string

const (
	SchedulingFixedOrder    SchedulingMode = "fixed_order"
	SchedulingCacheAffinity SchedulingMode = "cache_affinity"
	SchedulingLoadBalance   SchedulingMode = "load_balance"
)

// Request bundles one dispatch request's inputs to the CandidateService.
type Request struct {
	ClientFormat               string
	ModelName                  string
	IsStream                   bool
	AffinityKey                string
	Restrictions                restrictions.Effective
	PriorityMode                PriorityMode
	SchedulingMode              SchedulingMode
	GlobalConversionEnabled     bool
	RandomSeed                  int64
}

// Service composes C4 (build) + C5 (sort) + C6 (affinity lookup/update)
// into the dispatch entry point spec.md names CandidateService.
type Service struct {
	avail     *availability.Query
	affinity  *affinity.Manager
	registry  *signature.Registry
	logger    *zap.Logger
}

// New builds a Service. A nil logger falls back to zap.NewNop().
func New(avail *availability.Query, aff *affinity.Manager, reg *signature.Registry, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{avail: avail, affinity: aff, registry: reg, logger: logger.With(zap.String("component", "candidate"))}
}

// Resolve runs C3 → C6 lookup → C4 → C5 for one request, returning the
// final ordered candidate list.
func (s *Service) Resolve(ctx context.Context, req Request, requestedSignatures []string) ([]*model.ProviderCandidate, error) {
	rows, err := s.avail.Find(ctx, availability.Request{
		RequestedSignatures: requestedSignatures,
		ModelName:            req.ModelName,
		Restrictions:          req.Restrictions,
	})
	if err != nil {
		return nil, fmt.Errorf("candidate: availability query: %w", err)
	}

	var target *model.CacheAffinity
	if req.AffinityKey != "" && s.affinity != nil {
		target, err = s.affinity.GetAffinity(ctx, req.AffinityKey, req.ClientFormat, req.ModelName)
		if err != nil {
			s.logger.Warn("affinity lookup failed, ignoring", zap.Error(err))
			target = nil
		}
	}

	candidates := s.build(rows, req, target)
	sorted := s.sort(candidates, req, target)
	return sorted, nil
}

// build implements C4: expand each availability row into a
// ProviderCandidate via the Format Compatibility Gate (spec.md §4.4).
func (s *Service) build(rows []availability.Row, req Request, target *model.CacheAffinity) []*model.ProviderCandidate {
	out := make([]*model.ProviderCandidate, 0, len(rows))
	for _, row := range rows {
		sig := row.Endpoint.Signature()
		skipEndpointCheck := req.GlobalConversionEnabled || row.Provider.KeepPriorityOnConversion

		c := &model.ProviderCandidate{
			Provider:          row.Provider,
			Endpoint:          row.Endpoint,
			Key:               row.Key,
			ProviderAPIFormat: sig,
			MappingMatchedModel: row.Model.LocalName,
		}

		var cfg *formatgate.AcceptanceConfig
		if row.Endpoint.FormatAcceptanceConfig != "" {
			cfg = &formatgate.AcceptanceConfig{Enabled: true}
		}

		decision := formatgate.Evaluate(s.registry, req.ClientFormat, sig, cfg, req.IsStream, skipEndpointCheck)
		if !decision.IsCompatible {
			c.IsSkipped = true
			c.SkipReason = decision.SkipReason
		} else {
			c.NeedsConversion = decision.NeedsConversion
		}

		if row.Key.IsBlockedOAuth() {
			c.IsSkipped = true
			c.SkipReason = "oauth account blocked"
		}

		if target != nil && row.Provider.ID == target.ProviderID && row.Endpoint.ID == target.EndpointID && row.Key.ID == target.KeyID {
			c.IsCached = true
		}

		out = append(out, c)
	}
	return out
}

// sort implements C5's full decision tree: priority-mode primary key,
// conversion demotion, cache-affinity promotion, and tie-breaking.
func (s *Service) sort(cands []*model.ProviderCandidate, req Request, target *model.CacheAffinity) []*model.ProviderCandidate {
	demote := !req.GlobalConversionEnabled

	group := func(c *model.ProviderCandidate) int {
		if demote && c.NeedsConversion && !c.Provider.KeepPriorityOnConversion {
			return 1
		}
		return 0
	}

	primaryKey := func(c *model.ProviderCandidate) int {
		if req.PriorityMode == PriorityModeGlobalKey {
			p := c.Key.GlobalPriorityByFormat[req.ClientFormat]
			return p
		}
		return c.Provider.ProviderPriority
	}

	secondaryKey := func(c *model.ProviderCandidate) int { return c.Key.InternalPriority }

	rnd := rand.New(rand.NewSource(req.RandomSeed))
	tieBreak := make(map[*model.ProviderCandidate]float64, len(cands))
	if req.SchedulingMode == SchedulingLoadBalance {
		for _, c := range cands {
			tieBreak[c] = rnd.Float64()
		}
	} else {
		for _, c := range cands {
			tieBreak[c] = 0
		}
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		ga, gb := group(a), group(b)
		if ga != gb {
			return ga < gb
		}
		if pa, pb := primaryKey(a), primaryKey(b); pa != pb {
			return pa > pb
		}
		if sa, sb := secondaryKey(a), secondaryKey(b); sa != sb {
			return sa > sb
		}
		if req.SchedulingMode == SchedulingLoadBalance {
			return tieBreak[a] < tieBreak[b]
		}
		if req.AffinityKey != "" {
			ha := affinity.AffinityHash(req.AffinityKey, a.Key.ID)
			hb := affinity.AffinityHash(req.AffinityKey, b.Key.ID)
			return ha < hb
		}
		return false
	})

	return s.promoteAffinity(cands, target, group)
}

// promoteAffinity implements spec.md §4.5's cache-affinity promotion
// rule: a healthy match goes to index 0 unconditionally; a skipped match
// only moves to the front of its own conversion group.
func (s *Service) promoteAffinity(cands []*model.ProviderCandidate, target *model.CacheAffinity, group func(*model.ProviderCandidate) int) []*model.ProviderCandidate {
	if target == nil {
		return cands
	}

	idx := -1
	for i, c := range cands {
		if c.Provider.ID == target.ProviderID && c.Endpoint.ID == target.EndpointID && c.Key.ID == target.KeyID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return cands
	}

	matched := cands[idx]
	matched.IsCached = true

	if !matched.IsSkipped {
		out := make([]*model.ProviderCandidate, 0, len(cands))
		out = append(out, matched)
		for i, c := range cands {
			if i != idx {
				out = append(out, c)
			}
		}
		return out
	}

	g := group(matched)
	out := make([]*model.ProviderCandidate, 0, len(cands))
	placed := false
	for i, c := range cands {
		if i == idx {
			continue
		}
		if !placed && group(c) == g {
			out = append(out, matched)
			placed = true
		}
		out = append(out, c)
	}
	if !placed {
		out = append(out, matched)
	}
	return out
}
