package registry

import (
	"errors"
	"fmt"
	"io"

	"github.com/starbud-ai/starbud/internal/config"
	"github.com/starbud-ai/starbud/pkg/provider/asr"
	"github.com/starbud-ai/starbud/pkg/provider/intent"
	"github.com/starbud-ai/starbud/pkg/provider/llm"
	memprov "github.com/starbud-ai/starbud/pkg/provider/memory"
	"github.com/starbud-ai/starbud/pkg/provider/tts"
	"github.com/starbud-ai/starbud/pkg/provider/vad"
)

// Set is one session's resolved module instances. VAD, ASR, LLM and TTS are
// always present; Memory and Intent are nil when neither the agent nor the
// catalog selects a code for them.
type Set struct {
	VAD    vad.Detector
	ASR    asr.Recognizer
	LLM    llm.Provider
	TTS    tts.Synthesizer
	Memory memprov.Store
	Intent intent.Matcher

	// Codes records which code served each type, for logging and metrics.
	Codes map[config.ModuleType]string

	closers []io.Closer
}

// Close releases the set's modules in reverse creation order. Safe to call
// more than once; modules without resources are skipped.
func (s *Set) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Resolve builds a module set for one session from the agent's module
// parameters. Types the parameters are silent on use the catalog default.
// When any module fails to build, the ones already built are closed and the
// error is returned.
func (r *Registry) Resolve(params config.ModuleParams) (*Set, error) {
	set := &Set{Codes: make(map[config.ModuleType]string, len(config.ModuleTypes))}

	for _, typ := range config.ModuleTypes {
		mod, code, err := r.build(typ, params)
		if err != nil {
			set.Close()
			return nil, err
		}
		if mod == nil {
			continue
		}
		if err := set.install(typ, mod); err != nil {
			set.Close()
			return nil, err
		}
		set.Codes[typ] = code
		if c, ok := mod.(io.Closer); ok {
			set.closers = append(set.closers, c)
		}
	}

	var missing []error
	if set.VAD == nil {
		missing = append(missing, errors.New("registry: no vad module selected"))
	}
	if set.ASR == nil {
		missing = append(missing, errors.New("registry: no asr module selected"))
	}
	if set.LLM == nil {
		missing = append(missing, errors.New("registry: no llm module selected"))
	}
	if set.TTS == nil {
		missing = append(missing, errors.New("registry: no tts module selected"))
	}
	if len(missing) > 0 {
		set.Close()
		return nil, errors.Join(missing...)
	}
	return set, nil
}

// BuildModule creates a single module outside session resolution, using the
// catalog default when params selects no code. Background workers use this to
// borrow a provider without assembling a full set. Returns (nil, "", nil)
// when no code is selected anywhere.
func (r *Registry) BuildModule(typ config.ModuleType, params config.ModuleParams) (any, string, error) {
	return r.build(typ, params)
}

// Construct builds one module of (typ, code) directly, overlaying cfg on the
// catalog entry's default config block. Composite factories (the fallback
// groups) use this to assemble their member providers.
func (r *Registry) Construct(typ config.ModuleType, code string, cfg map[string]any) (any, error) {
	factory, entry, err := r.lookup(typ, code)
	if err != nil {
		return nil, err
	}
	mod, err := factory(mergeConfig(entry.Config, cfg), r.env)
	if err != nil {
		return nil, fmt.Errorf("registry: build %s module %q: %w", typ, code, err)
	}
	return mod, nil
}

// build creates one module instance, or (nil, "", nil) when no code is
// selected for an optional type.
func (r *Registry) build(typ config.ModuleType, params config.ModuleParams) (any, string, error) {
	sel := params[typ]
	code := sel.Code
	if code == "" {
		r.mu.RLock()
		code = r.catalog.DefaultCode(typ)
		r.mu.RUnlock()
	}
	if code == "" {
		return nil, "", nil
	}

	factory, entry, err := r.lookup(typ, code)
	if err != nil {
		return nil, "", err
	}

	cfg := mergeConfig(entry.Config, sel.Config)
	mod, err := factory(cfg, r.env)
	if err != nil {
		return nil, "", fmt.Errorf("registry: build %s module %q: %w", typ, code, err)
	}
	return mod, code, nil
}

func (s *Set) install(typ config.ModuleType, mod any) error {
	switch typ {
	case config.ModuleVAD:
		v, ok := mod.(vad.Detector)
		if !ok {
			return fmt.Errorf("registry: vad module does not implement vad.Detector")
		}
		s.VAD = v
	case config.ModuleASR:
		v, ok := mod.(asr.Recognizer)
		if !ok {
			return fmt.Errorf("registry: asr module does not implement asr.Recognizer")
		}
		s.ASR = v
	case config.ModuleLLM:
		v, ok := mod.(llm.Provider)
		if !ok {
			return fmt.Errorf("registry: llm module does not implement llm.Provider")
		}
		s.LLM = v
	case config.ModuleTTS:
		v, ok := mod.(tts.Synthesizer)
		if !ok {
			return fmt.Errorf("registry: tts module does not implement tts.Synthesizer")
		}
		s.TTS = v
	case config.ModuleMemory:
		v, ok := mod.(memprov.Store)
		if !ok {
			return fmt.Errorf("registry: memory module does not implement memory.Store")
		}
		s.Memory = v
	case config.ModuleIntent:
		v, ok := mod.(intent.Matcher)
		if !ok {
			return fmt.Errorf("registry: intent module does not implement intent.Matcher")
		}
		s.Intent = v
	default:
		return fmt.Errorf("registry: unhandled module type %q", typ)
	}
	return nil
}
