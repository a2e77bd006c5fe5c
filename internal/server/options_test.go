package server

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/llm"
	"github.com/loomworks/loom/internal/prokey"
)

func TestParseConnectionOptions(t *testing.T) {
	key := prokey.Generate(config.DefaultProPrime)
	q := url.Values{
		"device_id":               {"device-1"},
		"use_chutes":              {"true"},
		"use_native_tool_calling": {"true"},
		"model_id":                {"deepseek-ai/DeepSeek-R1"},
		"pro_user_key":            {key},
	}

	opts := ParseConnectionOptions(q, config.DefaultProPrime, nil)
	assert.Equal(t, "device-1", opts.DeviceID)
	assert.True(t, opts.UseChutes)
	assert.True(t, opts.UseNativeToolCalling)
	assert.False(t, opts.UseOpenRouter)
	assert.Equal(t, "deepseek-ai/DeepSeek-R1", opts.ModelID)
	assert.Equal(t, key, opts.ProKey)
}

func TestParseConnectionOptionsDropsInvalidProKey(t *testing.T) {
	q := url.Values{"pro_user_key": {"00000000"}}
	opts := ParseConnectionOptions(q, config.DefaultProPrime, nil)
	assert.Empty(t, opts.ProKey)
}

func TestModelResolution(t *testing.T) {
	key := prokey.Generate(config.DefaultProPrime)

	tests := []struct {
		name string
		opts ConnectionOptions
		want string
	}{
		{
			name: "explicit model wins",
			opts: ConnectionOptions{ModelID: "deepseek-ai/DeepSeek-R1", UseOpenRouter: true},
			want: "deepseek-ai/DeepSeek-R1",
		},
		{
			name: "openrouter route default",
			opts: ConnectionOptions{UseOpenRouter: true},
			want: defaultOpenRouterModel,
		},
		{
			name: "moonshot route default",
			opts: ConnectionOptions{UseMoonshot: true},
			want: defaultMoonshotModel,
		},
		{
			name: "no route falls back to free model",
			opts: ConnectionOptions{},
			want: llm.FreeFallbackModel,
		},
		{
			name: "premium without pro key downgrades",
			opts: ConnectionOptions{ModelID: "claude-sonnet-4-20250514"},
			want: llm.FreeFallbackModel,
		},
		{
			name: "premium with pro key sticks",
			opts: ConnectionOptions{ModelID: "claude-sonnet-4-20250514", ProKey: key},
			want: "claude-sonnet-4-20250514",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.opts.Model())
		})
	}
}

func TestEmulateTools(t *testing.T) {
	// Chutes models default to JSON emulation unless native calling was
	// explicitly requested.
	chutes := ConnectionOptions{ModelID: "deepseek-ai/DeepSeek-R1"}
	assert.True(t, chutes.EmulateTools())

	native := ConnectionOptions{ModelID: "deepseek-ai/DeepSeek-R1", UseNativeToolCalling: true}
	assert.False(t, native.EmulateTools())

	openrouter := ConnectionOptions{UseOpenRouter: true}
	assert.False(t, openrouter.EmulateTools())
}
