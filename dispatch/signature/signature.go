// Package signature implements the Signature & Format Registry (C1): the
// canonical family:kind endpoint signature, passthrough detection, and
// the converter-capability registry consulted by dispatch/formatgate.
//
// The registry's thread-safety shape (sync.RWMutex guarding a map, with
// Register/Get/List/Unregister) is grounded on the teacher's
// llm.ProviderRegistry (llm/registry.go in the retrieval pack), adapted
// from indexing Providers to indexing format converters.
package signature

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/AoaoMH/Aether/dispatch/dispatcherrors"
)

var signaturePattern = regexp.MustCompile(`^[a-z]+:[a-z]+$`)

// Well-known families and kinds (spec.md §4.1). Plugins may register
// additional ones at boot; these are only the ones the core itself
// refers to by name.
const (
	FamilyClaude      = "claude"
	FamilyOpenAI      = "openai"
	FamilyGemini      = "gemini"
	FamilyAntigravity = "antigravity"

	KindChat  = "chat"
	KindCLI   = "cli"
	KindVideo = "video"
	KindImage = "image"
)

// MakeKey joins a family and kind into the canonical signature string.
func MakeKey(family, kind string) string { return family + ":" + kind }

// Normalize validates and lower-cases a family:kind string. It fails with
// dispatcherrors.ErrInvalidSignature when the input lacks a colon or
// either half is empty — callers decide whether to fall back to a
// default (spec.md §4.1 explicitly leaves that decision outside C1).
func Normalize(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if !signaturePattern.MatchString(s) {
		return "", fmt.Errorf("%w: %q", dispatcherrors.ErrInvalidSignature, s)
	}
	return s, nil
}

// Split separates a canonical signature into its family and kind.
// Callers must have validated the signature via Normalize first.
func Split(sig string) (family, kind string) {
	parts := strings.SplitN(sig, ":", 2)
	if len(parts) != 2 {
		return sig, ""
	}
	return parts[0], parts[1]
}

// Registry maps each family to a data-format-compatibility id: two
// signatures sharing a data-format id can passthrough each other with no
// data conversion (only headers/auth differ). By default the id is just
// the family half, but plugins may register an override — e.g. two
// otherwise-distinct families that happen to share wire shape. It also
// records which converters exist between signatures.
type Registry struct {
	mu             sync.RWMutex
	dataFormatByFamily map[string]string
	converters     map[converterKey]converterEntry
}

// NewRegistry creates an empty Registry. It must be populated by
// provider plugins at boot (spec.md §9: explicit registration list, no
// runtime reflection).
func NewRegistry() *Registry {
	return &Registry{
		dataFormatByFamily: make(map[string]string),
		converters:         make(map[converterKey]converterEntry),
	}
}

// RegisterDataFormat declares that family belongs to the given
// data-format id. Families not registered default to their own name as
// their data-format id (i.e. unrelated to every other family).
func (r *Registry) RegisterDataFormat(family, dataFormatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dataFormatByFamily[family] = dataFormatID
}

func (r *Registry) dataFormatID(family string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.dataFormatByFamily[family]; ok {
		return id
	}
	return family
}

// CanPassthrough reports whether client and endpoint signatures share a
// data-format id — meaning no data conversion is required, only
// headers/auth differ (spec.md §4.1).
func (r *Registry) CanPassthrough(clientSig, endpointSig string) bool {
	if clientSig == endpointSig {
		return true
	}
	cf, _ := Split(clientSig)
	ef, _ := Split(endpointSig)
	return r.dataFormatID(cf) == r.dataFormatID(ef)
}

type converterKey struct {
	src, dst string
}

type converterEntry struct {
	hasRequest  bool
	hasResponse bool
	hasStream   bool
}

// RegisterConverter declares that a request/response converter (and
// optionally a streaming-response converter) exists from src to dst.
// Called by provider plugins at boot alongside RegisterDataFormat.
func (r *Registry) RegisterConverter(src, dst string, hasStream bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.converters[converterKey{src, dst}] = converterEntry{hasRequest: true, hasResponse: true, hasStream: hasStream}
}

// CanConvertFull reports whether a request converter, response converter,
// and (if requireStream) a streaming-response converter all exist from
// src to dst (spec.md §4.1's converter_registry.can_convert_full).
func (r *Registry) CanConvertFull(src, dst string, requireStream bool) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.converters[converterKey{src, dst}]
	if !ok || !e.hasRequest || !e.hasResponse {
		return false
	}
	if requireStream && !e.hasStream {
		return false
	}
	return true
}

// KnownFamilies returns the sorted list of families registered via
// RegisterDataFormat. Families seen only in RegisterConverter are not
// included.
func (r *Registry) KnownFamilies() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.dataFormatByFamily))
	for f := range r.dataFormatByFamily {
		names = append(names, f)
	}
	sort.Strings(names)
	return names
}
