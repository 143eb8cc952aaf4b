package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// AgentConfig is the typed view of the agent_config JSON column carried by
// agent templates and agent instances. Every field is optional; unknown keys
// are preserved in Extra so configs written by newer servers round-trip.
//
// An instance's config is the template's config with the instance's non-zero
// leaf groups laid on top; see [AgentConfig.Merge].
type AgentConfig struct {
	Profile          Profile          `json:"profile"`
	AudioSettings    AudioSettings    `json:"audio_settings"`
	FunctionSettings FunctionSettings `json:"function_settings"`
	HardwareSettings HardwareSettings `json:"hardware_settings"`

	// Extra holds unrecognised top-level keys for forward compatibility.
	Extra map[string]json.RawMessage `json:"-"`
}

// Profile groups the persona and the child the agent talks to.
type Profile struct {
	Character Character `json:"character"`
	ChildInfo ChildInfo `json:"child_info"`
}

// Character is the agent persona.
type Character struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Gender      string `json:"gender,omitempty"`
	Avatar      string `json:"avatar,omitempty"`

	// Prompt is the system prompt template. It may reference template
	// variables like {{child_name}}, {{date}} and {{weekday}}.
	Prompt string `json:"prompt,omitempty"`

	// VoiceName selects the TTS voice by display name.
	VoiceName string `json:"voice_name,omitempty"`
}

// ChildInfo describes the child behind the device, used to fill prompt
// template variables.
type ChildInfo struct {
	Name      string `json:"name,omitempty"`
	Gender    string `json:"gender,omitempty"`
	BirthDate string `json:"birth_date,omitempty"`
}

// AudioSettings tunes listening and voice detection for one agent.
type AudioSettings struct {
	// ListenMode is auto, manual or realtime. Defaults to auto.
	ListenMode ListenMode `json:"listen_mode,omitempty"`

	// VADThreshold scales frame energy before hysteresis, in [0, 1].
	VADThreshold float64 `json:"vad_threshold,omitempty"`

	// SilenceTimeout is the seconds of silence that end an utterance.
	SilenceTimeout float64 `json:"silence_timeout,omitempty"`

	// MinRecordingDuration and MaxRecordingDuration bound utterance
	// length in seconds; exceeding the max forces segmentation.
	MinRecordingDuration float64 `json:"min_recording_duration,omitempty"`
	MaxRecordingDuration float64 `json:"max_recording_duration,omitempty"`

	// CloseConnectionNoVoiceTime is the idle seconds after which the
	// gateway closes the connection.
	CloseConnectionNoVoiceTime float64 `json:"close_connection_no_voice_time,omitempty"`

	// ConfidenceThreshold is the [high, low] hysteresis pair used both by
	// the VAD band and by ASR confidence marking.
	ConfidenceThreshold []float64 `json:"confidence_threshold,omitempty"`

	// EnableBabyTalkMode relaxes recognition for very young speakers.
	EnableBabyTalkMode bool `json:"enable_baby_talk_mode,omitempty"`

	// Language is the BCP-47 recognition language.
	Language string `json:"language,omitempty"`
}

// FunctionSettings toggles optional conversation features.
type FunctionSettings struct {
	ChatLanguage          string  `json:"chat_language,omitempty"`
	ChatVoiceSpeed        float64 `json:"chat_voice_speed,omitempty"`
	ChatControlLanguage   bool    `json:"chat_control_language,omitempty"`
	ChatControlVoiceSpeed bool    `json:"chat_control_voice_speed,omitempty"`
	ChatControlPlayMusic  bool    `json:"chat_control_play_music,omitempty"`
	ChatControlSwitchRole bool    `json:"chat_control_switch_role,omitempty"`
	EnableUserCloneVoice  bool    `json:"enable_user_clone_voice,omitempty"`
	EnableOpeningSayHello bool    `json:"enable_opening_say_hello,omitempty"`

	// DailySummaryTime is the local "HH:MM" after which the daily growth
	// summary for today may run. Defaults to "18:00".
	DailySummaryTime string `json:"daily_summary_time,omitempty"`
}

// HardwareSettings mirrors device-side knobs persisted with the agent.
type HardwareSettings struct {
	Volume          int    `json:"volume,omitempty"`
	LightBrightness int    `json:"light_brightness,omitempty"`
	LightColor      string `json:"light_color,omitempty"`
	LightMode       string `json:"light_mode,omitempty"`
	AutoBrightness  bool   `json:"auto_brightness,omitempty"`
	NightMode       bool   `json:"night_mode,omitempty"`
	VolumeLimit     int    `json:"volume_limit,omitempty"`
}

// Defaults applied by [AgentConfig.Normalize] when a field is unset.
const (
	DefaultVADThreshold   = 0.5
	DefaultSilenceTimeout = 0.5
	DefaultMaxRecording   = 30.0
	DefaultIdleCloseTime  = 120.0
	DefaultDailySummaryAt = "18:00"
)

// DefaultConfidenceThreshold is the [high, low] hysteresis pair used when an
// agent config does not set one.
var DefaultConfidenceThreshold = []float64{0.8, 0.5}

// ParseAgentConfig decodes an agent_config JSON blob, keeping unknown
// top-level keys in Extra. A nil or empty blob yields a normalized zero
// config.
func ParseAgentConfig(data []byte) (AgentConfig, error) {
	var cfg AgentConfig
	if len(data) > 0 {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return AgentConfig{}, fmt.Errorf("config: parse agent config: %w", err)
		}

		var raw map[string]json.RawMessage
		if err := json.Unmarshal(data, &raw); err == nil {
			for k := range raw {
				switch k {
				case "profile", "audio_settings", "function_settings", "hardware_settings":
				default:
					if cfg.Extra == nil {
						cfg.Extra = make(map[string]json.RawMessage)
					}
					cfg.Extra[k] = raw[k]
				}
			}
		}
	}
	cfg.Normalize()
	if err := cfg.validate(); err != nil {
		return AgentConfig{}, err
	}
	return cfg, nil
}

// MarshalJSON writes the config including preserved Extra keys.
func (c AgentConfig) MarshalJSON() ([]byte, error) {
	type plain AgentConfig
	data, err := json.Marshal(plain(c))
	if err != nil {
		return nil, err
	}
	if len(c.Extra) == 0 {
		return data, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	for k, v := range c.Extra {
		if _, clash := m[k]; !clash {
			m[k] = v
		}
	}
	return json.Marshal(m)
}

// Normalize fills unset fields with their defaults. Safe to call repeatedly.
func (c *AgentConfig) Normalize() {
	a := &c.AudioSettings
	if a.ListenMode == "" {
		a.ListenMode = ListenAuto
	}
	if a.VADThreshold <= 0 {
		a.VADThreshold = DefaultVADThreshold
	}
	if a.SilenceTimeout <= 0 {
		a.SilenceTimeout = DefaultSilenceTimeout
	}
	if a.MaxRecordingDuration <= 0 {
		a.MaxRecordingDuration = DefaultMaxRecording
	}
	if a.CloseConnectionNoVoiceTime <= 0 {
		a.CloseConnectionNoVoiceTime = DefaultIdleCloseTime
	}
	if len(a.ConfidenceThreshold) != 2 {
		a.ConfidenceThreshold = append([]float64(nil), DefaultConfidenceThreshold...)
	}
	if c.FunctionSettings.DailySummaryTime == "" {
		c.FunctionSettings.DailySummaryTime = DefaultDailySummaryAt
	}
}

// validate rejects values outside their documented ranges.
func (c *AgentConfig) validate() error {
	a := c.AudioSettings
	if a.VADThreshold < 0 || a.VADThreshold > 1 {
		return fmt.Errorf("config: vad_threshold %.2f is out of range [0, 1]", a.VADThreshold)
	}
	if !a.ListenMode.IsValid() {
		return fmt.Errorf("config: listen_mode %q is invalid; valid values: auto, manual, realtime", a.ListenMode)
	}
	if len(a.ConfidenceThreshold) == 2 && a.ConfidenceThreshold[0] < a.ConfidenceThreshold[1] {
		return fmt.Errorf("config: confidence_threshold [%.2f, %.2f] must be ordered high, low",
			a.ConfidenceThreshold[0], a.ConfidenceThreshold[1])
	}
	if t := c.FunctionSettings.DailySummaryTime; t != "" {
		if _, _, err := ParseClock(t); err != nil {
			return err
		}
	}
	return nil
}

// Merge lays the non-zero leaf groups of override on top of c and returns
// the result. The merge is shallow per group: an override that sets any
// field of audio_settings replaces the whole group, matching how clients
// submit settings pages.
func (c AgentConfig) Merge(override AgentConfig) AgentConfig {
	out := c
	if override.Profile.Character != (Character{}) {
		out.Profile.Character = override.Profile.Character
	}
	if override.Profile.ChildInfo != (ChildInfo{}) {
		out.Profile.ChildInfo = override.Profile.ChildInfo
	}
	if !override.AudioSettings.isZero() {
		out.AudioSettings = override.AudioSettings
	}
	if override.FunctionSettings != (FunctionSettings{}) {
		out.FunctionSettings = override.FunctionSettings
	}
	if override.HardwareSettings != (HardwareSettings{}) {
		out.HardwareSettings = override.HardwareSettings
	}
	for k, v := range override.Extra {
		if out.Extra == nil {
			out.Extra = make(map[string]json.RawMessage)
		}
		out.Extra[k] = v
	}
	out.Normalize()
	return out
}

func (a AudioSettings) isZero() bool {
	return a.ListenMode == "" && a.VADThreshold == 0 && a.SilenceTimeout == 0 &&
		a.MinRecordingDuration == 0 && a.MaxRecordingDuration == 0 &&
		a.CloseConnectionNoVoiceTime == 0 && len(a.ConfidenceThreshold) == 0 &&
		!a.EnableBabyTalkMode && a.Language == ""
}

// ParseClock parses an "HH:MM" string into hour and minute.
func ParseClock(s string) (hour, minute int, err error) {
	h, m, ok := strings.Cut(s, ":")
	if ok {
		hour, err = strconv.Atoi(h)
		if err == nil {
			minute, err = strconv.Atoi(m)
		}
	}
	if !ok || err != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("config: invalid clock time %q; want HH:MM", s)
	}
	return hour, minute, nil
}
