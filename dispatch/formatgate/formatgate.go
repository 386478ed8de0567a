// Package formatgate implements the Format Compatibility Gate (C10): a
// pure decision function over a client/endpoint signature pair and the
// endpoint's acceptance config, consulted by the Candidate Builder (C4).
package formatgate

import (
	"github.com/AoaoMH/Aether/dispatch/signature"
)

// AcceptanceConfig mirrors ProviderEndpoint.format_acceptance_config
// (spec.md §3/§4.10). A nil *AcceptanceConfig means the endpoint has no
// configured acceptance policy at all.
type AcceptanceConfig struct {
	Enabled          bool
	AcceptFormats    []string
	RejectFormats    []string
	StreamConversion bool
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// Decision is the (is_compatible, needs_conversion, skip_reason) triple
// the gate returns.
type Decision struct {
	IsCompatible    bool
	NeedsConversion bool
	SkipReason      string
}

// Evaluate runs the decision tree of spec.md §4.10, first match wins.
//
// skipEndpointCheck is true when either the global_conversion_enabled
// config switch or the owning Provider's keep/force-convert override already forced
// conversion on for this candidate (callers pass this in — the gate
// itself does not know about Provider-level overrides).
func Evaluate(reg *signature.Registry, clientSig, endpointSig string, cfg *AcceptanceConfig, isStream bool, skipEndpointCheck bool) Decision {
	if clientSig == endpointSig {
		return Decision{IsCompatible: true}
	}
	if reg.CanPassthrough(clientSig, endpointSig) {
		return Decision{IsCompatible: true}
	}

	if !skipEndpointCheck {
		if cfg == nil {
			return Decision{SkipReason: "endpoint not configured"}
		}
		if !cfg.Enabled {
			return Decision{SkipReason: "endpoint disabled"}
		}
		if contains(cfg.RejectFormats, clientSig) {
			return Decision{SkipReason: "rejected"}
		}
		if len(cfg.AcceptFormats) > 0 && !contains(cfg.AcceptFormats, clientSig) {
			return Decision{SkipReason: "not accepted"}
		}
		if isStream && !cfg.StreamConversion {
			return Decision{SkipReason: "no stream conversion"}
		}
	}

	if !reg.CanConvertFull(clientSig, endpointSig, isStream) {
		return Decision{SkipReason: "no converter"}
	}

	return Decision{IsCompatible: true, NeedsConversion: true}
}
