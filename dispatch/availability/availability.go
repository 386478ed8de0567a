// Package availability implements the Availability Query component (C3):
// a GORM query builder yielding the base set of (Provider, Endpoint, Key)
// rows that can, in principle, serve a request, before the Candidate
// Builder (C4) expands them and the Format Compatibility Gate runs.
//
// The query shape follows the teacher's internal/database.PoolManager
// (gorm.DB wrapped with a logger, no long-held transactions around
// reads) from the retrieval pack.
package availability

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/AoaoMH/Aether/dispatch/model"
	"github.com/AoaoMH/Aether/dispatch/restrictions"
)

// Row is one (Provider, Endpoint, Key) tuple that cleared every
// system-level filter of spec.md §4.3.
type Row struct {
	Provider *model.Provider
	Endpoint *model.ProviderEndpoint
	Key      *model.ProviderAPIKey
	Model    *model.Model
}

// Query runs the Availability Query against a GORM handle.
type Query struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New builds a Query bound to db. A nil logger falls back to a no-op
// logger, matching the teacher's constructor convention throughout the
// retrieval pack.
func New(db *gorm.DB, logger *zap.Logger) *Query {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Query{db: db, logger: logger.With(zap.String("component", "availability"))}
}

// Request bundles the inputs the query needs per spec.md §4.3.
type Request struct {
	RequestedSignatures []string // candidate endpoint signatures the client's format set admits
	ModelName            string
	Restrictions          restrictions.Effective
}

// Find returns every Row passing the one-query filter of spec.md §4.3:
// Provider active; Endpoint active and its signature in
// RequestedSignatures; Model active, available, bound to an active
// GlobalModel; Key active, api_formats intersecting the endpoint's
// supported formats and the requested set; Key's allowed_models (if any)
// admitting the model.
func (q *Query) Find(ctx context.Context, req Request) ([]Row, error) {
	var endpoints []model.ProviderEndpoint
	if err := q.db.WithContext(ctx).
		Joins("JOIN dispatch_providers ON dispatch_providers.id = dispatch_provider_endpoints.provider_id AND dispatch_providers.is_active = ?", true).
		Where("dispatch_provider_endpoints.is_active = ?", true).
		Find(&endpoints).Error; err != nil {
		return nil, fmt.Errorf("availability: query endpoints: %w", err)
	}

	sigSet := make(map[string]bool, len(req.RequestedSignatures))
	for _, s := range req.RequestedSignatures {
		sigSet[s] = true
	}

	var rows []Row
	for i := range endpoints {
		ep := endpoints[i]
		if !sigSet[ep.Signature()] {
			continue
		}

		var provider model.Provider
		if err := q.db.WithContext(ctx).First(&provider, ep.ProviderID).Error; err != nil {
			continue
		}
		if !req.Restrictions.ProviderAllowed(provider.Name) {
			continue
		}

		var models []model.Model
		if err := q.db.WithContext(ctx).
			Where("provider_id = ? AND is_active = ?", provider.ID, true).
			Find(&models).Error; err != nil {
			return nil, fmt.Errorf("availability: query models: %w", err)
		}

		var keys []model.ProviderAPIKey
		if err := q.db.WithContext(ctx).
			Where("provider_id = ? AND is_active = ?", provider.ID, true).
			Find(&keys).Error; err != nil {
			return nil, fmt.Errorf("availability: query keys: %w", err)
		}

		for mi := range models {
			m := models[mi]
			if !m.Available() {
				continue
			}
			if m.GlobalModelID == nil {
				continue
			}
			var gm model.GlobalModel
			if err := q.db.WithContext(ctx).First(&gm, *m.GlobalModelID).Error; err != nil || !gm.IsActive {
				continue
			}
			if req.ModelName != "" && m.LocalName != req.ModelName && gm.Name != req.ModelName {
				continue
			}
			if !req.Restrictions.ModelAllowed(ep.Signature(), m.LocalName, gm.Name) {
				continue
			}

			for ki := range keys {
				k := keys[ki]
				if !keyAdmitsFormat(k, ep.Signature(), sigSet) {
					q.logger.Debug("key dropped: format check failed (fail-closed)", zap.Uint64("key_id", k.ID))
					continue
				}
				if !keyAllowsModel(k, ep.Signature(), m.LocalName, gm.Name) {
					continue
				}
				rows = append(rows, Row{Provider: &provider, Endpoint: &ep, Key: &k, Model: &m})
			}
		}
	}

	return rows, nil
}

// keyAdmitsFormat implements spec.md §4.3's key-format rule: a nil
// api_formats means "all formats of the owning Provider's active
// endpoints"; otherwise the key's formats must intersect both the
// endpoint's signature and the requested set. Any non-list api_formats
// value is the fail-closed case — represented here simply as an empty,
// non-nil slice by the caller building the model, since Go's type
// system already rejects a non-list shape at decode time.
func keyAdmitsFormat(k model.ProviderAPIKey, endpointSig string, requested map[string]bool) bool {
	if k.APIFormats == nil {
		return requested[endpointSig]
	}
	for _, f := range k.APIFormats {
		if f == endpointSig {
			return true
		}
	}
	return false
}

func keyAllowsModel(k model.ProviderAPIKey, sig, localName, canonicalName string) bool {
	if k.AllowedModels == nil {
		return true
	}
	if k.AllowedModels.IsMap() {
		list, ok := k.AllowedModels.BySignature[sig]
		if !ok {
			return true
		}
		return listContainsEither(list, localName, canonicalName)
	}
	return listContainsEither(k.AllowedModels.List, localName, canonicalName)
}

func listContainsEither(list []string, a, b string) bool {
	for _, v := range list {
		if v == a || (b != "" && v == b) {
			return true
		}
	}
	return false
}
