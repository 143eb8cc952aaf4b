package app

import (
	"errors"
	"fmt"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/starbud-ai/starbud/internal/config"
	"github.com/starbud-ai/starbud/internal/registry"
	asrazure "github.com/starbud-ai/starbud/pkg/provider/asr/azure"
	"github.com/starbud-ai/starbud/pkg/provider/asr/sensevoice"
	"github.com/starbud-ai/starbud/pkg/provider/embeddings"
	ollamaembed "github.com/starbud-ai/starbud/pkg/provider/embeddings/ollama"
	oaembed "github.com/starbud-ai/starbud/pkg/provider/embeddings/openai"
	"github.com/starbud-ai/starbud/pkg/provider/intent/keyword"
	"github.com/starbud-ai/starbud/pkg/provider/llm"
	"github.com/starbud-ai/starbud/pkg/provider/llm/anyllm"
	oallm "github.com/starbud-ai/starbud/pkg/provider/llm/openai"
	pgmemory "github.com/starbud-ai/starbud/pkg/provider/memory/postgres"
	ttsazure "github.com/starbud-ai/starbud/pkg/provider/tts/azure"
	"github.com/starbud-ai/starbud/pkg/provider/tts/bailian"
	"github.com/starbud-ai/starbud/pkg/provider/tts/coqui"
	"github.com/starbud-ai/starbud/pkg/provider/tts/elevenlabs"
	"github.com/starbud-ai/starbud/pkg/provider/vad/energy"
)

// registerModules installs every built-in provider factory into the registry.
// Factories read their merged config block (catalog defaults overlaid with
// the agent's module parameters and the server's credentials) and build one
// module instance per session.
func registerModules(reg *registry.Registry) {
	// ── VAD ──────────────────────────────────────────────────────────────
	reg.Register(config.ModuleVAD, "energy", func(cfg map[string]any, _ registry.Env) (any, error) {
		var opts []energy.Option
		if scale := optFloat(cfg, "scale"); scale > 0 {
			opts = append(opts, energy.WithScale(scale))
		}
		return energy.New(opts...), nil
	})

	// ── ASR ──────────────────────────────────────────────────────────────
	reg.Register(config.ModuleASR, "azure", credentialed("azure", func(cfg map[string]any, _ registry.Env) (any, error) {
		var opts []asrazure.Option
		if region := optString(cfg, "region"); region != "" {
			opts = append(opts, asrazure.WithRegion(region))
		}
		if lang := optString(cfg, "language"); lang != "" {
			opts = append(opts, asrazure.WithLanguage(lang))
		}
		if ep := optString(cfg, "endpoint"); ep != "" {
			opts = append(opts, asrazure.WithEndpoint(ep))
		}
		return asrazure.New(optString(cfg, "api_key"), opts...)
	}))

	reg.Register(config.ModuleASR, "sensevoice", credentialed("sensevoice", func(cfg map[string]any, env registry.Env) (any, error) {
		var opts []sensevoice.Option
		if lang := optString(cfg, "language"); lang != "" {
			opts = append(opts, sensevoice.WithLanguage(lang))
		}
		if env.HTTPClient != nil {
			opts = append(opts, sensevoice.WithHTTPClient(env.HTTPClient))
		}
		return sensevoice.New(optString(cfg, "server_url"), opts...)
	}))

	// ── LLM ──────────────────────────────────────────────────────────────
	// openai uses the native SDK provider; the rest go through any-llm.
	reg.Register(config.ModuleLLM, "openai", credentialed("openai", func(cfg map[string]any, _ registry.Env) (any, error) {
		return buildChatLLM(cfg)
	}))

	for _, code := range []string{"anthropic", "gemini", "deepseek", "mistral", "groq"} {
		reg.Register(config.ModuleLLM, code, credentialed(code, func(cfg map[string]any, _ registry.Env) (any, error) {
			var opts []anyllmlib.Option
			if key := optString(cfg, "api_key"); key != "" {
				opts = append(opts, anyllmlib.WithAPIKey(key))
			}
			if base := optString(cfg, "base_url"); base != "" {
				opts = append(opts, anyllmlib.WithBaseURL(base))
			}
			return anyllm.New(code, optString(cfg, "model"), opts...)
		}))
	}

	// ollama is a local server; base_url carries the address, no API key.
	reg.Register(config.ModuleLLM, "ollama", func(cfg map[string]any, _ registry.Env) (any, error) {
		var opts []anyllmlib.Option
		if base := optString(cfg, "base_url"); base != "" {
			opts = append(opts, anyllmlib.WithBaseURL(base))
		}
		return anyllm.New("ollama", optString(cfg, "model"), opts...)
	})

	// ── TTS ──────────────────────────────────────────────────────────────
	reg.Register(config.ModuleTTS, "azure", credentialed("azure", func(cfg map[string]any, env registry.Env) (any, error) {
		var opts []ttsazure.Option
		if region := optString(cfg, "region"); region != "" {
			opts = append(opts, ttsazure.WithRegion(region))
		}
		if voice := optString(cfg, "voice"); voice != "" {
			opts = append(opts, ttsazure.WithVoice(voice))
		}
		if lang := optString(cfg, "language"); lang != "" {
			opts = append(opts, ttsazure.WithLanguage(lang))
		}
		if ep := optString(cfg, "endpoint"); ep != "" {
			opts = append(opts, ttsazure.WithEndpoint(ep))
		}
		if env.HTTPClient != nil {
			opts = append(opts, ttsazure.WithHTTPClient(env.HTTPClient))
		}
		return ttsazure.New(optString(cfg, "api_key"), opts...)
	}))

	reg.Register(config.ModuleTTS, "bailian", credentialed("bailian", func(cfg map[string]any, _ registry.Env) (any, error) {
		var opts []bailian.Option
		if model := optString(cfg, "model"); model != "" {
			opts = append(opts, bailian.WithModel(model))
		}
		if voice := optString(cfg, "voice"); voice != "" {
			opts = append(opts, bailian.WithVoice(voice))
		}
		if rate := optInt(cfg, "sample_rate"); rate > 0 {
			opts = append(opts, bailian.WithSampleRate(rate))
		}
		if ep := optString(cfg, "endpoint"); ep != "" {
			opts = append(opts, bailian.WithEndpoint(ep))
		}
		return bailian.New(optString(cfg, "api_key"), opts...)
	}))

	reg.Register(config.ModuleTTS, "coqui", func(cfg map[string]any, _ registry.Env) (any, error) {
		var opts []coqui.Option
		if lang := optString(cfg, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(cfg, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if rate := optInt(cfg, "output_sample_rate"); rate > 0 {
			opts = append(opts, coqui.WithOutputSampleRate(rate))
		}
		if d := optDuration(cfg, "timeout"); d > 0 {
			opts = append(opts, coqui.WithTimeout(d))
		}
		return coqui.New(optString(cfg, "server_url"), opts...)
	})

	reg.Register(config.ModuleTTS, "elevenlabs", credentialed("elevenlabs", func(cfg map[string]any, _ registry.Env) (any, error) {
		var opts []elevenlabs.Option
		if model := optString(cfg, "model"); model != "" {
			opts = append(opts, elevenlabs.WithModel(model))
		}
		if format := optString(cfg, "output_format"); format != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(format))
		}
		return elevenlabs.New(optString(cfg, "api_key"), opts...)
	}))

	// ── Intent ───────────────────────────────────────────────────────────
	reg.Register(config.ModuleIntent, "keyword", func(cfg map[string]any, _ registry.Env) (any, error) {
		rules, err := rulesFromConfig(cfg)
		if err != nil {
			return nil, err
		}
		var opts []keyword.Option
		if t := optFloat(cfg, "fuzzy_threshold"); t > 0 {
			opts = append(opts, keyword.WithFuzzyThreshold(t))
		}
		return keyword.New(rules, opts...)
	})

	// ── Memory ───────────────────────────────────────────────────────────
	reg.Register(config.ModuleMemory, "pgvector", credentialed("pgvector", func(cfg map[string]any, env registry.Env) (any, error) {
		if env.Store == nil {
			return nil, errors.New("pgvector memory requires the conversation store")
		}

		embedder, err := buildEmbedder(optMap(cfg, "embeddings"))
		if err != nil {
			return nil, err
		}

		// The extraction LLM is optional; without it Extract is refused but
		// Remember/Recall still work.
		var chat llm.Provider
		if extract := optMap(cfg, "extract"); extract != nil {
			chat, err = buildChatLLM(extract)
			if err != nil {
				return nil, fmt.Errorf("extract llm: %w", err)
			}
		}

		var opts []pgmemory.Option
		if n := optInt(cfg, "max_facts"); n > 0 {
			opts = append(opts, pgmemory.WithMaxFacts(n))
		}
		if d := optFloat(cfg, "dedupe_distance"); d > 0 {
			opts = append(opts, pgmemory.WithDedupeDistance(d))
		}
		if prompt := optString(cfg, "extract_prompt"); prompt != "" {
			opts = append(opts, pgmemory.WithExtractPrompt(prompt))
		}
		return pgmemory.New(env.Store.Pool(), embedder, chat, opts...)
	}))

	// ── Fallback composites ──────────────────────────────────────────────
	registerFallbacks(reg)
}

// ─── Builders ────────────────────────────────────────────────────────────────

// buildChatLLM constructs an OpenAI-compatible chat provider from a config
// block with api_key, model and optional base_url / organization keys.
func buildChatLLM(cfg map[string]any) (llm.Provider, error) {
	var opts []oallm.Option
	if base := optString(cfg, "base_url"); base != "" {
		opts = append(opts, oallm.WithBaseURL(base))
	}
	if org := optString(cfg, "organization"); org != "" {
		opts = append(opts, oallm.WithOrganization(org))
	}
	if d := optDuration(cfg, "timeout"); d > 0 {
		opts = append(opts, oallm.WithTimeout(d))
	}
	return oallm.New(optString(cfg, "api_key"), optString(cfg, "model"), opts...)
}

// buildEmbedder constructs the embeddings provider named in a config block:
// provider "openai" (api_key, model) or "ollama" (base_url, model).
func buildEmbedder(cfg map[string]any) (embeddings.Provider, error) {
	if cfg == nil {
		return nil, errors.New("embeddings block is required")
	}
	switch provider := optString(cfg, "provider"); provider {
	case "openai":
		var opts []oaembed.Option
		if base := optString(cfg, "base_url"); base != "" {
			opts = append(opts, oaembed.WithBaseURL(base))
		}
		return oaembed.New(optString(cfg, "api_key"), optString(cfg, "model"), opts...)
	case "ollama":
		var opts []ollamaembed.Option
		if dims := optInt(cfg, "dimensions"); dims > 0 {
			opts = append(opts, ollamaembed.WithDimensions(dims))
		}
		return ollamaembed.New(optString(cfg, "base_url"), optString(cfg, "model"), opts...)
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", provider)
	}
}

// rulesFromConfig decodes the keyword matcher's rule table from YAML:
//
//	rules:
//	  - intent: volume_up
//	    phrases: ["大声一点", "声音大一点"]
func rulesFromConfig(cfg map[string]any) ([]keyword.Rule, error) {
	raw, ok := cfg["rules"].([]any)
	if !ok {
		return nil, errors.New("keyword intent requires a rules list")
	}

	rules := make([]keyword.Rule, 0, len(raw))
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("rule %d is not a mapping", i)
		}
		rule := keyword.Rule{Intent: optString(m, "intent")}
		if phrases, ok := m["phrases"].([]any); ok {
			for _, p := range phrases {
				if s, ok := p.(string); ok {
					rule.Phrases = append(rule.Phrases, s)
				}
			}
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// ─── Config helpers ──────────────────────────────────────────────────────────

// credentialed overlays the server's per-module-code credentials onto the
// config block before calling f, so API keys live in the server config
// instead of the shared catalog file.
func credentialed(code string, f registry.Factory) registry.Factory {
	return func(cfg map[string]any, env registry.Env) (any, error) {
		if creds := env.Credentials[code]; len(creds) > 0 {
			merged := make(map[string]any, len(cfg)+len(creds))
			for k, v := range cfg {
				merged[k] = v
			}
			for k, v := range creds {
				merged[k] = v
			}
			cfg = merged
		}
		return f(cfg, env)
	}
}

func optString(cfg map[string]any, key string) string {
	s, _ := cfg[key].(string)
	return s
}

func optInt(cfg map[string]any, key string) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func optFloat(cfg map[string]any, key string) float64 {
	switch v := cfg[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func optDuration(cfg map[string]any, key string) time.Duration {
	s, ok := cfg[key].(string)
	if !ok {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

func optMap(cfg map[string]any, key string) map[string]any {
	m, _ := cfg[key].(map[string]any)
	return m
}
