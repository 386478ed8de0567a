package formatgate

import (
	"testing"

	"github.com/AoaoMH/Aether/dispatch/signature"
	"github.com/stretchr/testify/assert"
)

func newTestRegistry() *signature.Registry {
	r := signature.NewRegistry()
	r.RegisterConverter("claude:chat", "openai:chat", true)
	return r
}

// TestS6 reproduces spec.md §8 scenario S6: global off and endpoint
// unconfigured denies with "endpoint not configured".
func TestS6_DeniesWhenUnconfigured(t *testing.T) {
	r := newTestRegistry()
	d := Evaluate(r, "claude:chat", "openai:chat", nil, false, false)
	assert.False(t, d.IsCompatible)
	assert.False(t, d.NeedsConversion)
	assert.Equal(t, "endpoint not configured", d.SkipReason)
}

func TestEvaluate_ExactMatch(t *testing.T) {
	r := newTestRegistry()
	d := Evaluate(r, "claude:chat", "claude:chat", nil, false, false)
	assert.Equal(t, Decision{IsCompatible: true}, d)
}

func TestEvaluate_Passthrough(t *testing.T) {
	r := newTestRegistry()
	r.RegisterDataFormat("claude", "claude")
	r.RegisterDataFormat("antigravity", "claude")
	d := Evaluate(r, "claude:chat", "antigravity:chat", nil, false, false)
	assert.Equal(t, Decision{IsCompatible: true}, d)
}

func TestEvaluate_ConversionAllowedWhenConfigAccepts(t *testing.T) {
	r := newTestRegistry()
	cfg := &AcceptanceConfig{Enabled: true, StreamConversion: true}
	d := Evaluate(r, "claude:chat", "openai:chat", cfg, true, false)
	assert.True(t, d.IsCompatible)
	assert.True(t, d.NeedsConversion)
	assert.Empty(t, d.SkipReason)
}

func TestEvaluate_SkipEndpointCheckBypassesConfig(t *testing.T) {
	r := newTestRegistry()
	d := Evaluate(r, "claude:chat", "openai:chat", nil, false, true)
	assert.True(t, d.IsCompatible)
	assert.True(t, d.NeedsConversion)
}

func TestEvaluate_NoConverterDenies(t *testing.T) {
	r := newTestRegistry()
	d := Evaluate(r, "claude:chat", "gemini:video", &AcceptanceConfig{Enabled: true}, false, false)
	assert.False(t, d.IsCompatible)
	assert.Equal(t, "no converter", d.SkipReason)
}

func TestEvaluate_StreamRejectedWithoutStreamConversion(t *testing.T) {
	r := newTestRegistry()
	cfg := &AcceptanceConfig{Enabled: true, StreamConversion: false}
	d := Evaluate(r, "claude:chat", "openai:chat", cfg, true, false)
	assert.False(t, d.IsCompatible)
	assert.Equal(t, "no stream conversion", d.SkipReason)
}
