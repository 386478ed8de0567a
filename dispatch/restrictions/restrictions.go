// Package restrictions implements the Access Restrictions component (C2):
// merging a caller's ApiKey restrictions with their owning User's
// fallback restrictions into one effective filter.
package restrictions

import (
	"sort"

	"github.com/AoaoMH/Aether/dispatch/model"
)

// Effective is the merged restriction set for one caller, resolved once
// per request and consulted by dispatch/availability (C3).
type Effective struct {
	Providers  []string // nil = unrestricted
	Models     *model.AllowedModels
	APIFormats []string
}

// Resolve applies the three-tier merge rule of spec.md §4.2: ApiKey axis
// wins if set, else the owning User's axis, else unrestricted. The models
// axis is the exception: when both set it, the result is their
// intersection (see mergeModels).
func Resolve(key model.ApiKey, owner model.User) Effective {
	return Effective{
		Providers:  mergeList(key.AllowedProviders, owner.AllowedProviders),
		Models:     mergeModels(key.AllowedModels, owner.AllowedModels),
		APIFormats: mergeList(key.AllowedAPIFormats, owner.AllowedAPIFormats),
	}
}

func mergeList(callerAxis, ownerAxis []string) []string {
	if callerAxis != nil {
		return callerAxis
	}
	return ownerAxis
}

// mergeModels applies the intersection rule of spec.md §4.2: when both
// sides set the axis, the result is the intersection; a list intersected
// with a list stays a list (sorted), but if either side is a map the
// result is always a map, never downgraded to a list (which would
// broaden permissions on un-enumerated formats).
func mergeModels(callerAxis, ownerAxis *model.AllowedModels) *model.AllowedModels {
	if callerAxis == nil {
		return ownerAxis
	}
	if ownerAxis == nil {
		return callerAxis
	}
	if callerAxis.IsMap() || ownerAxis.IsMap() {
		return &model.AllowedModels{BySignature: intersectMaps(callerAxis, ownerAxis)}
	}
	return &model.AllowedModels{List: intersectSortedLists(callerAxis.List, ownerAxis.List)}
}

func intersectSortedLists(a, b []string) []string {
	set := make(map[string]bool, len(b))
	for _, v := range b {
		set[v] = true
	}
	out := make([]string, 0, len(a))
	for _, v := range a {
		if set[v] {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

// asMap normalizes either shape into a per-signature map under a single
// wildcard key "*" when the source was a flat list, so map/list
// intersection has one code path.
func asMap(a *model.AllowedModels) map[string][]string {
	if a.IsMap() {
		return a.BySignature
	}
	return map[string][]string{"*": a.List}
}

func intersectMaps(a, b *model.AllowedModels) map[string][]string {
	am, bm := asMap(a), asMap(b)
	out := make(map[string][]string)
	keys := make(map[string]bool)
	for k := range am {
		keys[k] = true
	}
	for k := range bm {
		keys[k] = true
	}
	for k := range keys {
		aList, aOK := am[k]
		bList, bOK := bm[k]
		if !aOK {
			aList = am["*"]
		}
		if !bOK {
			bList = bm["*"]
		}
		out[k] = intersectSortedLists(aList, bList)
	}
	return out
}

// ModelAllowed resolves modelName against the global model mapping
// (canonicalName) before checking the whitelist, so a per-provider model
// id matched via an alias also passes a whitelist entry on the canonical
// name (spec.md §4.2).
func (e Effective) ModelAllowed(signature, localName, canonicalName string) bool {
	if e.Models == nil {
		return true
	}
	if e.Models.IsMap() {
		list, ok := e.Models.BySignature[signature]
		if !ok {
			return true // un-enumerated signature: unrestricted for it
		}
		return containsEither(list, localName, canonicalName)
	}
	return containsEither(e.Models.List, localName, canonicalName)
}

func containsEither(list []string, a, b string) bool {
	for _, v := range list {
		if v == a || (b != "" && v == b) {
			return true
		}
	}
	return false
}

// ProviderAllowed reports whether providerName passes the effective
// providers axis.
func (e Effective) ProviderAllowed(providerName string) bool {
	return e.Providers == nil || contains(e.Providers, providerName)
}

// FormatAllowed reports whether sig passes the effective api-formats axis.
func (e Effective) FormatAllowed(sig string) bool {
	return e.APIFormats == nil || contains(e.APIFormats, sig)
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
