package app

import (
	"errors"
	"fmt"

	"github.com/starbud-ai/starbud/internal/config"
	"github.com/starbud-ai/starbud/internal/registry"
	"github.com/starbud-ai/starbud/internal/resilience"
	"github.com/starbud-ai/starbud/pkg/provider/asr"
	"github.com/starbud-ai/starbud/pkg/provider/llm"
	"github.com/starbud-ai/starbud/pkg/provider/tts"
)

// registerFallbacks installs the composite "fallback" code for the provider
// types whose calls are request-scoped. A fallback module wraps two or more
// catalogued providers behind per-member circuit breakers:
//
//	llm:
//	  - code: fallback
//	    config:
//	      providers:
//	        - code: openai
//	        - code: ollama
//	          config: { model: "qwen2.5:7b" }
//	      circuit_breaker:
//	        max_failures: 3
//	        reset_timeout: 30s
func registerFallbacks(reg *registry.Registry) {
	reg.Register(config.ModuleLLM, "fallback", fallbackFactory(reg, config.ModuleLLM))
	reg.Register(config.ModuleASR, "fallback", fallbackFactory(reg, config.ModuleASR))
	reg.Register(config.ModuleTTS, "fallback", fallbackFactory(reg, config.ModuleTTS))
}

type fallbackMember struct {
	code string
	cfg  map[string]any
}

func fallbackFactory(reg *registry.Registry, typ config.ModuleType) registry.Factory {
	return func(cfg map[string]any, env registry.Env) (any, error) {
		members, err := fallbackMembers(cfg)
		if err != nil {
			return nil, err
		}

		mods := make([]any, len(members))
		for i, m := range members {
			mod, err := reg.Construct(typ, m.code, m.cfg)
			if err != nil {
				return nil, fmt.Errorf("fallback member %q: %w", m.code, err)
			}
			mods[i] = mod
		}

		gcfg := resilience.GroupConfig{
			Breaker: breakerFromConfig(optMap(cfg, "circuit_breaker")),
			Logger:  env.Logger,
		}

		switch typ {
		case config.ModuleLLM:
			return assembleLLMGroup(members, mods, gcfg)
		case config.ModuleASR:
			return assembleASRGroup(members, mods, gcfg)
		case config.ModuleTTS:
			return assembleTTSGroup(members, mods, gcfg)
		default:
			return nil, fmt.Errorf("fallback is not supported for %s modules", typ)
		}
	}
}

// fallbackMembers decodes the providers list. Nesting a fallback inside a
// fallback is rejected rather than recursed into.
func fallbackMembers(cfg map[string]any) ([]fallbackMember, error) {
	raw, ok := cfg["providers"].([]any)
	if !ok || len(raw) == 0 {
		return nil, errors.New("fallback requires a providers list")
	}
	if len(raw) < 2 {
		return nil, errors.New("fallback requires at least two providers")
	}

	members := make([]fallbackMember, 0, len(raw))
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("fallback provider %d is not a mapping", i)
		}
		code := optString(m, "code")
		if code == "" {
			return nil, fmt.Errorf("fallback provider %d has no code", i)
		}
		if code == "fallback" {
			return nil, errors.New("fallback providers cannot nest")
		}
		members = append(members, fallbackMember{code: code, cfg: optMap(m, "config")})
	}
	return members, nil
}

func breakerFromConfig(cfg map[string]any) resilience.BreakerConfig {
	return resilience.BreakerConfig{
		MaxFailures:  optInt(cfg, "max_failures"),
		ResetTimeout: optDuration(cfg, "reset_timeout"),
		HalfOpenMax:  optInt(cfg, "half_open_max"),
	}
}

func assembleLLMGroup(members []fallbackMember, mods []any, gcfg resilience.GroupConfig) (*resilience.LLMGroup, error) {
	providers := make([]llm.Provider, len(mods))
	for i, mod := range mods {
		p, ok := mod.(llm.Provider)
		if !ok {
			return nil, fmt.Errorf("fallback member %q is not an llm provider", members[i].code)
		}
		providers[i] = p
	}
	g := resilience.NewLLMGroup(providers[0], members[0].code, gcfg)
	for i := 1; i < len(providers); i++ {
		g.Add(members[i].code, providers[i])
	}
	return g, nil
}

func assembleASRGroup(members []fallbackMember, mods []any, gcfg resilience.GroupConfig) (*resilience.ASRGroup, error) {
	recognizers := make([]asr.Recognizer, len(mods))
	for i, mod := range mods {
		r, ok := mod.(asr.Recognizer)
		if !ok {
			return nil, fmt.Errorf("fallback member %q is not an asr recognizer", members[i].code)
		}
		recognizers[i] = r
	}
	g := resilience.NewASRGroup(recognizers[0], members[0].code, gcfg)
	for i := 1; i < len(recognizers); i++ {
		g.Add(members[i].code, recognizers[i])
	}
	return g, nil
}

func assembleTTSGroup(members []fallbackMember, mods []any, gcfg resilience.GroupConfig) (*resilience.TTSGroup, error) {
	synths := make([]tts.Synthesizer, len(mods))
	for i, mod := range mods {
		s, ok := mod.(tts.Synthesizer)
		if !ok {
			return nil, fmt.Errorf("fallback member %q is not a tts synthesizer", members[i].code)
		}
		synths[i] = s
	}

	// Sessions pin their resampler to Format at connect time, so a standby
	// at a different rate would corrupt audio mid-reply.
	want := synths[0].Format()
	for i := 1; i < len(synths); i++ {
		if got := synths[i].Format(); got != want {
			return nil, fmt.Errorf("fallback member %q outputs %d Hz, primary %q outputs %d Hz",
				members[i].code, got.SampleRate, members[0].code, want.SampleRate)
		}
	}

	g := resilience.NewTTSGroup(synths[0], members[0].code, gcfg)
	for i := 1; i < len(synths); i++ {
		g.Add(members[i].code, synths[i])
	}
	return g, nil
}
