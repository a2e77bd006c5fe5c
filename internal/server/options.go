package server

import (
	"log/slog"
	"net/url"
	"strconv"

	"github.com/loomworks/loom/internal/llm"
	"github.com/loomworks/loom/internal/prokey"
)

// Default models per explicitly requested route.
const (
	defaultOpenRouterModel = "z-ai/glm-4.5-air:free"
	defaultMoonshotModel   = "kimi-k2-0711-preview"
)

// ConnectionOptions are the per-connection settings carried in the /ws
// query string.
type ConnectionOptions struct {
	DeviceID             string
	UseChutes            bool
	UseOpenRouter        bool
	UseMoonshot          bool
	UseNativeToolCalling bool
	ModelID              string

	// ProKey is the validated Pro key; empty when absent or invalid.
	ProKey string
}

// ParseConnectionOptions reads the query string. An invalid pro_user_key
// is logged and dropped, downgrading the connection to the free tier.
func ParseConnectionOptions(q url.Values, prime int64, logger *slog.Logger) ConnectionOptions {
	opts := ConnectionOptions{
		DeviceID:             q.Get("device_id"),
		UseChutes:            parseBool(q.Get("use_chutes")),
		UseOpenRouter:        parseBool(q.Get("use_openrouter")),
		UseMoonshot:          parseBool(q.Get("use_moonshot")),
		UseNativeToolCalling: parseBool(q.Get("use_native_tool_calling")),
		ModelID:              q.Get("model_id"),
	}

	if key := q.Get("pro_user_key"); key != "" {
		if prokey.Validate(key, prime) {
			opts.ProKey = key
		} else if logger != nil {
			logger.Warn("ignoring invalid pro key", "device_id", opts.DeviceID)
		}
	}
	return opts
}

// Model resolves the effective primary model. An explicit model_id wins;
// otherwise the route flags pick that route's default. Premium models
// without a valid Pro key are downgraded to the free fallback.
func (o ConnectionOptions) Model() string {
	model := o.ModelID
	if model == "" {
		switch {
		case o.UseOpenRouter:
			model = defaultOpenRouterModel
		case o.UseMoonshot:
			model = defaultMoonshotModel
		default:
			model = llm.FreeFallbackModel
		}
	}
	if llm.IsPremium(model) && o.ProKey == "" {
		return llm.FreeFallbackModel
	}
	return model
}

// EmulateTools reports whether tool calls should be JSON-emulated. Only
// the chutes route supports both modes; it defaults to emulation unless
// native calling was requested.
func (o ConnectionOptions) EmulateTools() bool {
	return !o.UseNativeToolCalling && llm.ProviderFor(o.Model()) == "chutes"
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
