package registry

import (
	"errors"
	"strings"
	"testing"

	"github.com/starbud-ai/starbud/internal/config"
	asrmock "github.com/starbud-ai/starbud/pkg/provider/asr/mock"
	llmmock "github.com/starbud-ai/starbud/pkg/provider/llm/mock"
	ttsmock "github.com/starbud-ai/starbud/pkg/provider/tts/mock"
	vadmock "github.com/starbud-ai/starbud/pkg/provider/vad/mock"
)

// closeProbe wraps a module and records whether Close ran.
type closeProbe struct {
	*vadmock.Detector
	closed *[]string
	name   string
}

func (c *closeProbe) Close() error {
	*c.closed = append(*c.closed, c.name)
	return nil
}

func testCatalog() *Catalog {
	return &Catalog{Modules: map[config.ModuleType][]Entry{
		config.ModuleVAD: {
			{Code: "energy", Name: "Energy VAD", Default: true,
				Config: map[string]any{"threshold": 0.5}},
		},
		config.ModuleASR: {
			{Code: "fake-asr", Name: "Fake ASR", Default: true},
		},
		config.ModuleLLM: {
			{Code: "fake-llm", Name: "Fake LLM", Default: true},
			{Code: "alt-llm", Name: "Alternative LLM"},
		},
		config.ModuleTTS: {
			{Code: "fake-tts", Name: "Fake TTS", Default: true},
		},
	}}
}

// newTestRegistry registers one working factory per required type.
func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New(Env{}, testCatalog())
	r.Register(config.ModuleVAD, "energy", func(cfg map[string]any, _ Env) (any, error) {
		return &vadmock.Detector{}, nil
	})
	r.Register(config.ModuleASR, "fake-asr", func(map[string]any, Env) (any, error) {
		return &asrmock.Recognizer{}, nil
	})
	r.Register(config.ModuleLLM, "fake-llm", func(map[string]any, Env) (any, error) {
		return &llmmock.Provider{}, nil
	})
	r.Register(config.ModuleLLM, "alt-llm", func(map[string]any, Env) (any, error) {
		return &llmmock.Provider{}, nil
	})
	r.Register(config.ModuleTTS, "fake-tts", func(map[string]any, Env) (any, error) {
		return &ttsmock.Synthesizer{}, nil
	})
	return r
}

func TestResolveUsesCatalogDefaults(t *testing.T) {
	r := newTestRegistry(t)

	set, err := r.Resolve(config.ModuleParams{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	defer set.Close()

	if set.VAD == nil || set.ASR == nil || set.LLM == nil || set.TTS == nil {
		t.Fatal("required modules missing from resolved set")
	}
	if set.Codes[config.ModuleLLM] != "fake-llm" {
		t.Errorf("llm code = %q, want the catalog default", set.Codes[config.ModuleLLM])
	}
	if set.Memory != nil || set.Intent != nil {
		t.Error("optional modules should stay nil without a catalog entry")
	}
}

func TestResolveAgentOverride(t *testing.T) {
	r := newTestRegistry(t)

	set, err := r.Resolve(config.ModuleParams{
		config.ModuleLLM: {Code: "alt-llm"},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	defer set.Close()

	if set.Codes[config.ModuleLLM] != "alt-llm" {
		t.Errorf("llm code = %q, want alt-llm", set.Codes[config.ModuleLLM])
	}
}

func TestResolveUnknownCode(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Resolve(config.ModuleParams{
		config.ModuleASR: {Code: "no-such-asr"},
	})
	if !errors.Is(err, ErrUnknownModule) {
		t.Fatalf("err = %v, want ErrUnknownModule", err)
	}
	var ume *UnknownModuleError
	if !errors.As(err, &ume) {
		t.Fatal("error does not carry the (type, code) pair")
	}
	if ume.Type != config.ModuleASR || ume.Code != "no-such-asr" {
		t.Errorf("unknown module = %s/%s", ume.Type, ume.Code)
	}
}

func TestResolveConfigMerge(t *testing.T) {
	r := New(Env{}, testCatalog())

	var got map[string]any
	r.Register(config.ModuleVAD, "energy", func(cfg map[string]any, _ Env) (any, error) {
		got = cfg
		return &vadmock.Detector{}, nil
	})
	r.Register(config.ModuleASR, "fake-asr", func(map[string]any, Env) (any, error) {
		return &asrmock.Recognizer{}, nil
	})
	r.Register(config.ModuleLLM, "fake-llm", func(map[string]any, Env) (any, error) {
		return &llmmock.Provider{}, nil
	})
	r.Register(config.ModuleLLM, "alt-llm", func(map[string]any, Env) (any, error) {
		return &llmmock.Provider{}, nil
	})
	r.Register(config.ModuleTTS, "fake-tts", func(map[string]any, Env) (any, error) {
		return &ttsmock.Synthesizer{}, nil
	})

	set, err := r.Resolve(config.ModuleParams{
		config.ModuleVAD: {Config: map[string]any{"threshold": 0.8, "mode": "strict"}},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	defer set.Close()

	if got["threshold"] != 0.8 {
		t.Errorf("threshold = %v, want the agent override", got["threshold"])
	}
	if got["mode"] != "strict" {
		t.Errorf("mode = %v, want the agent-only key", got["mode"])
	}
}

func TestResolveFailureReleasesCreatedModules(t *testing.T) {
	var closed []string
	r := New(Env{}, testCatalog())
	r.Register(config.ModuleVAD, "energy", func(map[string]any, Env) (any, error) {
		return &closeProbe{Detector: &vadmock.Detector{}, closed: &closed, name: "vad"}, nil
	})
	r.Register(config.ModuleASR, "fake-asr", func(map[string]any, Env) (any, error) {
		return nil, errors.New("credentials rejected")
	})
	r.Register(config.ModuleLLM, "fake-llm", func(map[string]any, Env) (any, error) {
		return &llmmock.Provider{}, nil
	})
	r.Register(config.ModuleLLM, "alt-llm", func(map[string]any, Env) (any, error) {
		return &llmmock.Provider{}, nil
	})
	r.Register(config.ModuleTTS, "fake-tts", func(map[string]any, Env) (any, error) {
		return &ttsmock.Synthesizer{}, nil
	})

	if _, err := r.Resolve(config.ModuleParams{}); err == nil {
		t.Fatal("Resolve succeeded despite a failing factory")
	}
	if len(closed) != 1 || closed[0] != "vad" {
		t.Errorf("closed = %v, want the already-created vad module", closed)
	}
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	r := New(Env{}, nil)
	r.Register(config.ModuleLLM, "dup", func(map[string]any, Env) (any, error) { return nil, nil })

	defer func() {
		if recover() == nil {
			t.Error("duplicate registration did not panic")
		}
	}()
	r.Register(config.ModuleLLM, "dup", func(map[string]any, Env) (any, error) { return nil, nil })
}

func TestListFiltersUnregistered(t *testing.T) {
	r := New(Env{}, testCatalog())
	r.Register(config.ModuleLLM, "fake-llm", func(map[string]any, Env) (any, error) {
		return &llmmock.Provider{}, nil
	})
	// alt-llm is catalogued but never registered.

	entries := r.List(config.ModuleLLM)
	if len(entries) != 1 || entries[0].Code != "fake-llm" {
		t.Errorf("List = %+v, want only the registered code", entries)
	}
}

func TestSetCatalogAffectsNewResolutions(t *testing.T) {
	r := newTestRegistry(t)

	next := testCatalog()
	next.Modules[config.ModuleLLM] = []Entry{
		{Code: "alt-llm", Name: "Alternative LLM", Default: true},
	}
	r.SetCatalog(next)

	set, err := r.Resolve(config.ModuleParams{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	defer set.Close()

	if set.Codes[config.ModuleLLM] != "alt-llm" {
		t.Errorf("llm code = %q, want the reloaded default", set.Codes[config.ModuleLLM])
	}
}

func TestParseCatalog(t *testing.T) {
	doc := `
modules:
  llm:
    - code: fake-llm
      name: Fake LLM
      default: true
      config:
        model: gpt-4o-mini
  tts:
    - code: fake-tts
      name: Fake TTS
`
	c, err := ParseCatalog(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("ParseCatalog: %v", err)
	}
	if got := c.DefaultCode(config.ModuleLLM); got != "fake-llm" {
		t.Errorf("default llm = %q", got)
	}
	if got := c.DefaultCode(config.ModuleTTS); got != "fake-tts" {
		t.Errorf("default tts = %q, want first entry when none is marked", got)
	}
	entry, ok := c.Entry(config.ModuleLLM, "fake-llm")
	if !ok || entry.Config["model"] != "gpt-4o-mini" {
		t.Errorf("entry = %+v, ok = %t", entry, ok)
	}
}

func TestParseCatalogRejectsBadDocs(t *testing.T) {
	bad := []string{
		"modules:\n  llm:\n    - code: a\n    - code: a\n",                                   // duplicate code
		"modules:\n  warp: [{code: x}]\n",                                                    // unknown type
		"modules:\n  llm:\n    - {code: a, default: true}\n    - {code: b, default: true}\n", // two defaults
		"modules:\n  llm:\n    - name: unnamed\n",                                            // empty code
	}
	for _, doc := range bad {
		if _, err := ParseCatalog(strings.NewReader(doc)); err == nil {
			t.Errorf("ParseCatalog accepted %q", doc)
		}
	}
}

func TestConstructMergesCatalogConfig(t *testing.T) {
	r := New(Env{}, testCatalog())
	var got map[string]any
	r.Register(config.ModuleVAD, "energy", func(cfg map[string]any, _ Env) (any, error) {
		got = cfg
		return &vadmock.Detector{}, nil
	})

	mod, err := r.Construct(config.ModuleVAD, "energy", map[string]any{"scale": 2.0})
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}
	if mod == nil {
		t.Fatal("Construct returned nil module")
	}
	// The overlay sits on top of the catalog entry's defaults.
	if got["threshold"] != 0.5 || got["scale"] != 2.0 {
		t.Errorf("merged config = %v", got)
	}

	if _, err := r.Construct(config.ModuleVAD, "nope", nil); !errors.Is(err, ErrUnknownModule) {
		t.Errorf("err = %v, want ErrUnknownModule", err)
	}
}
