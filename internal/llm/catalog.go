package llm

import "strings"

// ModelInfo describes one model the router knows about.
type ModelInfo struct {
	// ID is the API identifier (e.g. "claude-sonnet-4-20250514").
	ID string

	// Provider is the provider the model is served by.
	Provider string

	// ContextSize is the maximum token context window.
	ContextSize int

	// SupportsVision indicates image input support.
	SupportsVision bool

	// SupportsNativeTools indicates structured tool-call support.
	SupportsNativeTools bool

	// Premium marks models gated behind a Pro key.
	Premium bool
}

// FreeFallbackModel is where Pro runs land after the monthly credit
// budget is exhausted.
const FreeFallbackModel = "deepseek-ai/DeepSeek-V3-0324"

// catalog is the static model table. Order within a provider is the
// fallback preference order.
var catalog = []ModelInfo{
	{ID: "claude-sonnet-4-20250514", Provider: "anthropic", ContextSize: 200000, SupportsVision: true, SupportsNativeTools: true, Premium: true},
	{ID: "claude-opus-4-1-20250805", Provider: "anthropic", ContextSize: 200000, SupportsVision: true, SupportsNativeTools: true, Premium: true},
	{ID: "claude-3-5-haiku-20241022", Provider: "anthropic", ContextSize: 200000, SupportsVision: true, SupportsNativeTools: true, Premium: true},

	{ID: "deepseek-ai/DeepSeek-V3-0324", Provider: "chutes", ContextSize: 163840, SupportsNativeTools: true},
	{ID: "deepseek-ai/DeepSeek-R1", Provider: "chutes", ContextSize: 163840, SupportsNativeTools: true},
	{ID: "Qwen/Qwen3-235B-A22B", Provider: "chutes", ContextSize: 131072, SupportsNativeTools: true},
	{ID: "meta-llama/Llama-4-Maverick-17B-128E-Instruct-FP8", Provider: "chutes", ContextSize: 131072, SupportsVision: true, SupportsNativeTools: true},

	{ID: "z-ai/glm-4.5-air:free", Provider: "openrouter", ContextSize: 131072, SupportsNativeTools: true},
	{ID: "qwen/qwen3-coder:free", Provider: "openrouter", ContextSize: 262144, SupportsNativeTools: true},
	{ID: "openai/gpt-4o", Provider: "openrouter", ContextSize: 128000, SupportsVision: true, SupportsNativeTools: true, Premium: true},
	{ID: "openai/gpt-4o-mini", Provider: "openrouter", ContextSize: 128000, SupportsVision: true, SupportsNativeTools: true, Premium: true},
	{ID: "google/gemini-2.5-pro", Provider: "openrouter", ContextSize: 1048576, SupportsVision: true, SupportsNativeTools: true, Premium: true},
	{ID: "x-ai/grok-4", Provider: "openrouter", ContextSize: 256000, SupportsNativeTools: true, Premium: true},
	{ID: "deepseek/deepseek-chat-v3.1", Provider: "openrouter", ContextSize: 163840, SupportsNativeTools: true, Premium: true},

	{ID: "kimi-k2-0711-preview", Provider: "moonshot", ContextSize: 131072, SupportsNativeTools: true},
	{ID: "moonshot-v1-128k", Provider: "moonshot", ContextSize: 131072, SupportsNativeTools: true},
}

// Lookup returns the catalog entry for a model id.
func Lookup(model string) (ModelInfo, bool) {
	for _, m := range catalog {
		if m.ID == model {
			return m, true
		}
	}
	return ModelInfo{}, false
}

// IsFreeModel reports whether a model id is a zero-cost routed model.
// OpenRouter marks these with a ":free" suffix.
func IsFreeModel(model string) bool {
	return strings.HasSuffix(model, ":free")
}

// IsPremium reports whether a model requires a valid Pro key. Unknown
// models are treated as non-premium.
func IsPremium(model string) bool {
	if info, ok := Lookup(model); ok {
		return info.Premium
	}
	return false
}

// ProviderFor returns the provider name serving a model, defaulting to
// chutes for unknown ids since that route accepts arbitrary hosted
// models.
func ProviderFor(model string) string {
	if info, ok := Lookup(model); ok {
		return info.Provider
	}
	if strings.Contains(model, "/") && strings.Contains(model, ":") {
		return "openrouter"
	}
	if strings.HasPrefix(model, "claude") {
		return "anthropic"
	}
	if strings.HasPrefix(model, "kimi") || strings.HasPrefix(model, "moonshot") {
		return "moonshot"
	}
	return "chutes"
}

// FallbackChain returns the ordered model list for a primary:
// the primary first, then same-provider alternates, then the free
// fallback. When tools are requested and the primary is a free-tier
// model, paid tool-capable models on the same provider are tried first
// because free tiers may reject tool calls.
func FallbackChain(primary string, toolsRequested bool) []string {
	provider := ProviderFor(primary)

	var paid, free []string
	for _, m := range catalog {
		if m.Provider != provider || m.ID == primary {
			continue
		}
		if !toolsRequested || m.SupportsNativeTools {
			if IsFreeModel(m.ID) {
				free = append(free, m.ID)
			} else {
				paid = append(paid, m.ID)
			}
		}
	}

	var chain []string
	if toolsRequested && IsFreeModel(primary) {
		chain = append(chain, paid...)
		chain = append(chain, primary)
		chain = append(chain, free...)
	} else {
		chain = append(chain, primary)
		chain = append(chain, paid...)
		chain = append(chain, free...)
	}

	if provider != "chutes" && !containsModel(chain, FreeFallbackModel) {
		chain = append(chain, FreeFallbackModel)
	}
	return chain
}

func containsModel(models []string, id string) bool {
	for _, m := range models {
		if m == id {
			return true
		}
	}
	return false
}
