package adapter

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AoaoMH/Aether/dispatch/executor"
	"github.com/AoaoMH/Aether/dispatch/model"
)

type stubAdapter struct{}

func (stubAdapter) WrapRequest(ctx context.Context, body []byte, key *model.ProviderAPIKey, endpoint *model.ProviderEndpoint) (Envelope, error) {
	return Envelope{Headers: http.Header{}, Body: body}, nil
}

func (stubAdapter) BuildURL(endpoint *model.ProviderEndpoint, isStream bool, query url.Values) (string, error) {
	return endpoint.BaseURL, nil
}

func (stubAdapter) EnrichAuth(auth AuthConfig, token TokenResponse, accessToken, proxyConfig string) (AuthConfig, error) {
	auth.Values["access_token"] = accessToken
	return auth, nil
}

func (stubAdapter) FetchModels(ctx context.Context, client *http.Client, baseURL string, key *model.ProviderAPIKey) ([]ModelInfo, error) {
	return []ModelInfo{{ID: "stub-model"}}, nil
}

func (stubAdapter) OpenStream(ctx context.Context, env Envelope, endpoint *model.ProviderEndpoint) (executor.ByteIterator, int, http.Header, error) {
	return nil, 0, nil, nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Get(model.ProviderTypeCustom)
	assert.False(t, ok)

	r.Register(model.ProviderTypeCustom, stubAdapter{}, BehaviorVariant{SameFormat: true})

	a, ok := r.Get(model.ProviderTypeCustom)
	require.True(t, ok)
	_, err := a.BuildURL(&model.ProviderEndpoint{BaseURL: "https://example.com"}, false, nil)
	require.NoError(t, err)

	v := r.Variant(model.ProviderTypeCustom)
	assert.True(t, v.SameFormat)
	assert.False(t, v.CrossFormat)
}

func TestRegistry_UnregisteredVariantIsZeroValue(t *testing.T) {
	r := NewRegistry()
	v := r.Variant(model.ProviderTypeCodex)
	assert.False(t, v.SameFormat)
	assert.False(t, v.CrossFormat)
}
