// Package adapter defines the Provider Adapter Contract of spec.md §6:
// the boundary the Request Executor (C13) calls through to reach an
// upstream vendor, and the per-provider behavior-variant registry C4/C5
// consult for provider-specific quirks.
//
// This package holds the contract and its registry only: concrete
// wire-format envelopes (Anthropic auth headers, OpenAI request shaping,
// etc.) live in provider packages. This module ships one such
// implementation, providers/openai; other vendors' adapters register
// into the same registry.
package adapter

import (
	"context"
	"net/url"
	"net/http"
	"sync"

	"github.com/AoaoMH/Aether/dispatch/executor"
	"github.com/AoaoMH/Aether/dispatch/model"
)

// Envelope is the wire-level request an Adapter produces: headers plus a
// body ready to send.
type Envelope struct {
	Headers http.Header
	Body    []byte
}

// AuthConfig is the provider-specific credential shape an Adapter
// manages, opaque to the dispatch core beyond what Enrich returns.
type AuthConfig struct {
	Values map[string]string
}

// TokenResponse is the shape an OAuth refresh call returns; consumed
// only by Enrich, never parsed by the core itself.
type TokenResponse struct {
	AccessToken string
	ExpiresIn   int
	Raw         map[string]any
}

// ModelInfo is one entry of FetchModels' result.
type ModelInfo struct {
	ID string
}

// Adapter is the per-provider contract C13 invokes to reach one upstream
// vendor. providers/openai holds the in-module implementation.
type Adapter interface {
	// WrapRequest constructs wire-level auth headers and any
	// provider-specific envelope around body.
	WrapRequest(ctx context.Context, body []byte, key *model.ProviderAPIKey, endpoint *model.ProviderEndpoint) (Envelope, error)

	// BuildURL constructs the upstream URL for endpoint.
	BuildURL(endpoint *model.ProviderEndpoint, isStream bool, query url.Values) (string, error)

	// EnrichAuth is called after an OAuth refresh to fold the new token
	// into the provider's persisted auth config.
	EnrichAuth(auth AuthConfig, token TokenResponse, accessToken, proxyConfig string) (AuthConfig, error)

	// FetchModels lists the models this provider exposes, paginated
	// where the upstream supports it.
	FetchModels(ctx context.Context, client *http.Client, baseURL string, key *model.ProviderAPIKey) ([]ModelInfo, error)

	// OpenStream issues env against the upstream vendor and returns its
	// body as a chunked executor.ByteIterator, for STREAM-kind attempts
	// (spec.md §4.12). The iterator is unconsumed — the caller (C13's
	// attempt func) hands it straight to executor.AttemptResult.Stream
	// for the engine to probe. Framing (SSE parsing, chunk boundaries)
	// is vendor-specific and stays inside the implementation; this
	// contract only carries raw bytes across.
	OpenStream(ctx context.Context, env Envelope, endpoint *model.ProviderEndpoint) (stream executor.ByteIterator, statusCode int, headers http.Header, err error)
}

// BehaviorVariant is the provider-specific quirk flag C4/C5 consult
// (spec.md §6): same_format means the provider needs no conversion
// bookkeeping when client and endpoint signatures already match;
// cross_format means the provider's converter has known limitations
// the sorter should weigh.
type BehaviorVariant struct {
	SameFormat  bool
	CrossFormat bool
}

// Registry is the thread-safe Adapter + BehaviorVariant registration
// table, keyed by provider type. Its shape mirrors
// dispatch/signature.Registry (itself grounded on the teacher's
// llm.ProviderRegistry): a sync.RWMutex guarding a map, populated once
// at boot via an explicit plugin list (spec.md §9 — no runtime
// reflection).
type Registry struct {
	mu       sync.RWMutex
	adapters map[model.ProviderType]Adapter
	variants map[model.ProviderType]BehaviorVariant
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[model.ProviderType]Adapter),
		variants: make(map[model.ProviderType]BehaviorVariant),
	}
}

// Register binds an Adapter and its BehaviorVariant flags to a provider
// type. Called once per plugin at boot.
func (r *Registry) Register(pt model.ProviderType, a Adapter, variant BehaviorVariant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[pt] = a
	r.variants[pt] = variant
}

// Get returns the Adapter registered for pt, or false if none is.
func (r *Registry) Get(pt model.ProviderType) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[pt]
	return a, ok
}

// Variant returns the BehaviorVariant flags registered for pt. An
// unregistered provider type reports the zero value (no quirks).
func (r *Registry) Variant(pt model.ProviderType) BehaviorVariant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.variants[pt]
}
