package openai

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AoaoMH/Aether/dispatch/adapter"
	"github.com/AoaoMH/Aether/dispatch/model"
)

func TestWrapRequest_SetsBearerAndOrgHeaders(t *testing.T) {
	a := New(Config{Organization: "org-1"})
	key := &model.ProviderAPIKey{Credential: "sk-test"}

	env, err := a.WrapRequest(context.Background(), []byte(`{}`), key, &model.ProviderEndpoint{})
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk-test", env.Headers.Get("Authorization"))
	assert.Equal(t, "org-1", env.Headers.Get("OpenAI-Organization"))
}

func TestBuildURL_JoinsBaseAndKindWithQuery(t *testing.T) {
	a := New(Config{})
	endpoint := &model.ProviderEndpoint{BaseURL: "https://api.openai.com/", EndpointKind: "chat/completions"}

	u, err := a.BuildURL(endpoint, false, url.Values{"beta": []string{"true"}})
	require.NoError(t, err)
	assert.Equal(t, "https://api.openai.com/chat/completions?beta=true", u)
}

func TestBuildURL_DefaultsToChatCompletions(t *testing.T) {
	a := New(Config{})
	u, err := a.BuildURL(&model.ProviderEndpoint{BaseURL: "https://api.openai.com"}, false, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://api.openai.com/v1/chat/completions", u)
}

func TestFetchModels_ParsesDataArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Write([]byte(`{"data":[{"id":"gpt-5.2"},{"id":"gpt-5.2-mini"}]}`))
	}))
	defer srv.Close()

	a := New(Config{})
	models, err := a.FetchModels(context.Background(), srv.Client(), srv.URL, &model.ProviderAPIKey{Credential: "sk-test"})
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "gpt-5.2", models[0].ID)
}

func TestEnrichAuth_PrefersExplicitAccessToken(t *testing.T) {
	a := New(Config{})
	auth, err := a.EnrichAuth(adapter.AuthConfig{}, adapter.TokenResponse{AccessToken: "from-token"}, "from-param", "")
	require.NoError(t, err)
	assert.Equal(t, "from-param", auth.Values["access_token"])
}
