package provider

import (
	"fmt"
	"net/http"
	"strings"
)

// Recognised family prefixes, per spec.md §4.7.
const (
	FamilyOpenAI     = "openai"
	FamilyAnthropic  = "anthropic"
	FamilyGoogle     = "google"
	FamilyOpenRouter = "openrouter"
	FamilyMetaLlama  = "meta-llama"
	FamilyMistral    = "mistral"
)

var recognizedPrefixes = []string{
	FamilyOpenAI, FamilyAnthropic, FamilyGoogle, FamilyOpenRouter, FamilyMetaLlama, FamilyMistral,
}

// defaultBaseURLs gives every family a usable endpoint when the owner's
// credential doesn't override one.
var defaultBaseURLs = map[string]string{
	FamilyOpenAI:     "https://api.openai.com/v1",
	FamilyAnthropic:  "https://api.anthropic.com/v1",
	FamilyGoogle:     "https://generativelanguage.googleapis.com/v1beta",
	FamilyOpenRouter: "https://openrouter.ai/api/v1",
	FamilyMetaLlama:  "https://openrouter.ai/api/v1",
	FamilyMistral:    "https://api.mistral.ai/v1",
}

// ParseModel splits a caller-supplied model identifier into its provider
// family and the trimmed model name the adapter should forward. A
// recognised "family/name" prefix is used verbatim; otherwise the family is
// inferred from substrings in the identifier, per spec.md §4.7.
func ParseModel(raw string) (family, model string) {
	for _, prefix := range recognizedPrefixes {
		if rest, ok := strings.CutPrefix(raw, prefix+"/"); ok {
			return prefix, rest
		}
	}

	lower := strings.ToLower(raw)
	switch {
	case strings.Contains(lower, "claude"):
		return FamilyAnthropic, raw
	case strings.Contains(lower, "gpt"), strings.Contains(lower, "o1"), strings.Contains(lower, "o3"), strings.Contains(lower, "o4"):
		return FamilyOpenAI, raw
	case strings.Contains(lower, "gemini"):
		return FamilyGoogle, raw
	default:
		return FamilyOpenRouter, raw
	}
}

// Router builds a Provider for one (family, credential) pair on demand. It
// holds no server-owned API keys — every adapter it constructs is scoped to
// the BYOK credential the caller's memory context carries.
type Router struct {
	client *http.Client
}

// NewRouter constructs a Router sharing one HTTP client across every
// adapter it builds — the teacher's provider adapters already assume a
// caller-supplied *http.Client, so pooled connections and timeouts are
// configured once, centrally.
func NewRouter(client *http.Client) *Router {
	if client == nil {
		client = http.DefaultClient
	}
	return &Router{client: client}
}

// Provider constructs the adapter for cred.Family, using cred.BaseURL when
// set and the family's documented default otherwise.
func (r *Router) Provider(cred Credential) (Provider, error) {
	baseURL := cred.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURLs[cred.Family]
	}
	if baseURL == "" {
		return nil, fmt.Errorf("provider: unrecognized family %q", cred.Family)
	}

	switch cred.Family {
	case FamilyAnthropic:
		return NewAnthropicProvider(cred, baseURL, r.client), nil
	case FamilyGoogle:
		return NewGoogleProvider(cred, baseURL, r.client), nil
	case FamilyOpenAI, FamilyOpenRouter, FamilyMetaLlama, FamilyMistral:
		return NewOpenAIProvider(cred.Family, cred.APIKey, baseURL, r.client), nil
	default:
		return nil, fmt.Errorf("provider: unrecognized family %q", cred.Family)
	}
}
