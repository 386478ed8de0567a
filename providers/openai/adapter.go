// Package openai implements the dispatch/adapter.Adapter contract for
// OpenAI and OpenAI-compatible upstreams (the "Bearer + /v1/models" auth
// and transport shape). It is a thin, dispatch-only rewrite of the
// teacher's llm/providers/openaicompat.Provider: this package never
// shapes chat completion bodies or parses streaming chunks — it only
// builds the envelope and URL the Request Executor (C13) needs to reach
// the upstream, per spec.md §1's wire-format-conversion non-goal.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/AoaoMH/Aether/dispatch/adapter"
	"github.com/AoaoMH/Aether/dispatch/executor"
	"github.com/AoaoMH/Aether/dispatch/model"
)

// Config is the static, per-deployment shape of one OpenAI-compatible
// registration (organization header support, models path override).
type Config struct {
	ModelsPath   string // defaults to "/v1/models"
	Organization string
}

// Adapter implements adapter.Adapter for OpenAI and OpenAI-compatible
// providers (DeepSeek, Qwen, GLM, Grok, ... share this same shape in the
// teacher's llm/providers tree).
type Adapter struct {
	cfg Config
}

// New builds an Adapter from cfg, applying the teacher's defaults.
func New(cfg Config) *Adapter {
	if cfg.ModelsPath == "" {
		cfg.ModelsPath = "/v1/models"
	}
	return &Adapter{cfg: cfg}
}

var _ adapter.Adapter = (*Adapter)(nil)

// WrapRequest sets the Bearer auth header (and Organization header, if
// configured) and passes body through unchanged — this adapter never
// rewrites the request shape itself.
func (a *Adapter) WrapRequest(ctx context.Context, body []byte, key *model.ProviderAPIKey, endpoint *model.ProviderEndpoint) (adapter.Envelope, error) {
	if key == nil {
		return adapter.Envelope{}, fmt.Errorf("openai: WrapRequest: nil key")
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+key.Credential)
	h.Set("Content-Type", "application/json")
	if a.cfg.Organization != "" {
		h.Set("OpenAI-Organization", a.cfg.Organization)
	}
	return adapter.Envelope{Headers: h, Body: body}, nil
}

// BuildURL joins endpoint.BaseURL with the endpoint's kind-derived path
// and any caller-supplied query parameters. isStream never changes the
// URL for this family — streaming is a request-body flag, not a
// separate route.
func (a *Adapter) BuildURL(endpoint *model.ProviderEndpoint, isStream bool, query url.Values) (string, error) {
	if endpoint == nil || endpoint.BaseURL == "" {
		return "", fmt.Errorf("openai: BuildURL: missing base URL")
	}
	base := strings.TrimRight(endpoint.BaseURL, "/")
	path := endpoint.EndpointKind
	if path == "" {
		path = "/v1/chat/completions"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u, nil
}

// EnrichAuth folds a refreshed access token into the provider's
// persisted auth values. OpenAI-family providers are AuthTypeAPIKey
// only in this deployment (no OAuth rotation), but the method stays
// implemented so this Adapter satisfies the full contract for any
// caller that registers it against an OAuth-capable endpoint.
func (a *Adapter) EnrichAuth(auth adapter.AuthConfig, token adapter.TokenResponse, accessToken, proxyConfig string) (adapter.AuthConfig, error) {
	if auth.Values == nil {
		auth.Values = make(map[string]string)
	}
	if accessToken != "" {
		auth.Values["access_token"] = accessToken
	} else {
		auth.Values["access_token"] = token.AccessToken
	}
	if proxyConfig != "" {
		auth.Values["proxy_config"] = proxyConfig
	}
	return auth, nil
}

// FetchModels lists the models visible to key from baseURL + ModelsPath.
func (a *Adapter) FetchModels(ctx context.Context, client *http.Client, baseURL string, key *model.ProviderAPIKey) ([]adapter.ModelInfo, error) {
	if client == nil {
		client = http.DefaultClient
	}
	u := strings.TrimRight(baseURL, "/") + a.cfg.ModelsPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("openai: FetchModels: build request: %w", err)
	}
	if key != nil {
		req.Header.Set("Authorization", "Bearer "+key.Credential)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai: FetchModels: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai: FetchModels: status %d", resp.StatusCode)
	}

	var payload struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("openai: FetchModels: decode: %w", err)
	}

	out := make([]adapter.ModelInfo, 0, len(payload.Data))
	for _, m := range payload.Data {
		out = append(out, adapter.ModelInfo{ID: m.ID})
	}
	return out, nil
}

// OpenStream posts env to endpoint and hands the raw SSE body back as an
// executor.ByteIterator, chunked on whatever read sizes the transport
// delivers — framing the "data: ..." lines is the caller's concern, not
// this adapter's (spec.md §1's wire-format-conversion non-goal applies
// here too).
func (a *Adapter) OpenStream(ctx context.Context, env adapter.Envelope, endpoint *model.ProviderEndpoint) (executor.ByteIterator, int, http.Header, error) {
	u, err := a.BuildURL(endpoint, true, nil)
	if err != nil {
		return nil, 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(string(env.Body)))
	if err != nil {
		return nil, 0, nil, fmt.Errorf("openai: OpenStream: build request: %w", err)
	}
	for k, vs := range env.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("openai: OpenStream: %w", err)
	}
	return &responseBodyIterator{body: resp.Body}, resp.StatusCode, resp.Header, nil
}

// responseBodyIterator adapts an http.Response.Body into
// executor.ByteIterator, closing it once the body is exhausted or errors.
type responseBodyIterator struct {
	body io.ReadCloser
	buf  [4096]byte
}

func (r *responseBodyIterator) Next() ([]byte, error) {
	n, err := r.body.Read(r.buf[:])
	if n > 0 {
		chunk := make([]byte, n)
		copy(chunk, r.buf[:n])
		if err != nil {
			r.body.Close()
		}
		return chunk, nil
	}
	r.body.Close()
	if err == nil {
		err = io.EOF
	}
	return nil, err
}
