package config

import (
	"encoding/json"
	"fmt"
)

// ModuleType is one of the fixed pipeline stage kinds a provider module can
// implement.
type ModuleType string

const (
	ModuleVAD    ModuleType = "vad"
	ModuleASR    ModuleType = "asr"
	ModuleLLM    ModuleType = "llm"
	ModuleTTS    ModuleType = "tts"
	ModuleMemory ModuleType = "memory"
	ModuleIntent ModuleType = "intent"
)

// ModuleTypes lists every recognised module type in pipeline order.
var ModuleTypes = []ModuleType{
	ModuleVAD, ModuleASR, ModuleLLM, ModuleTTS, ModuleMemory, ModuleIntent,
}

// IsValid reports whether t is a recognised module type.
func (t ModuleType) IsValid() bool {
	switch t {
	case ModuleVAD, ModuleASR, ModuleLLM, ModuleTTS, ModuleMemory, ModuleIntent:
		return true
	}
	return false
}

// ModuleSelection picks one module code for a type with optional per-agent
// config overrides.
type ModuleSelection struct {
	// Code is the registered module code, e.g. "bailian" or "azure".
	Code string `json:"code"`

	// Config is laid over the catalog's default config for that code,
	// shallow per key.
	Config map[string]any `json:"config,omitempty"`
}

// ModuleParams is the typed view of the module_params JSON column: the
// per-agent selection of provider modules by type. Types absent from the map
// fall back to the catalog default for that type.
type ModuleParams map[ModuleType]ModuleSelection

// ParseModuleParams decodes a module_params JSON blob. A nil or empty blob
// yields an empty (all defaults) selection. Unknown module types are
// rejected so typos surface at save time rather than mid-session.
func ParseModuleParams(data []byte) (ModuleParams, error) {
	if len(data) == 0 {
		return ModuleParams{}, nil
	}
	var raw map[string]ModuleSelection
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse module params: %w", err)
	}
	mp := make(ModuleParams, len(raw))
	for k, sel := range raw {
		t := ModuleType(k)
		if !t.IsValid() {
			return nil, fmt.Errorf("config: module params: unknown module type %q", k)
		}
		mp[t] = sel
	}
	return mp, nil
}

// Code returns the selected module code for t, or "" when the agent relies
// on the catalog default.
func (mp ModuleParams) Code(t ModuleType) string {
	return mp[t].Code
}

// Merge lays override selections on top of mp per module type and returns
// the result. The config maps inside a selection are not deep-merged: an
// override selection replaces the base selection for its type.
func (mp ModuleParams) Merge(override ModuleParams) ModuleParams {
	out := make(ModuleParams, len(mp)+len(override))
	for t, sel := range mp {
		out[t] = sel
	}
	for t, sel := range override {
		out[t] = sel
	}
	return out
}
