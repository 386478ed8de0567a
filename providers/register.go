// Package providers lists the concrete Adapter plugins available to a
// running deployment and registers them into a dispatch/adapter.Registry
// at boot, the same explicit-list-no-reflection pattern the teacher uses
// for its llm.ProviderRegistry plugins.
package providers

import (
	"github.com/AoaoMH/Aether/dispatch/adapter"
	"github.com/AoaoMH/Aether/dispatch/model"
	"github.com/AoaoMH/Aether/providers/openai"
)

// RegisterAll binds every built-in Adapter to r. Additional
// OpenAI-compatible vendors (DeepSeek, Qwen, GLM, Grok, ...) register the
// same openai.Adapter under their own model.ProviderType once the
// dispatch_providers table grows vendor-specific rows; only the
// reference registration for the custom/OpenAI-compatible family ships
// here, since concrete per-vendor wire quirks are the wire-format
// conversion internals spec.md §1 excludes from this core.
func RegisterAll(r *adapter.Registry) {
	r.Register(model.ProviderTypeCustom, openai.New(openai.Config{}), adapter.BehaviorVariant{SameFormat: true})
}
