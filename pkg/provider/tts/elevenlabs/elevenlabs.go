// Package elevenlabs provides an ElevenLabs-backed Synthesizer using the
// stream-input WebSocket API. Each sentence opens a short-lived connection,
// sends the text and an end-of-input marker, and relays the base64 PCM frames
// the server streams back.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/starbud-ai/starbud/pkg/audio"
	"github.com/starbud-ai/starbud/pkg/provider/tts"
)

var _ tts.Synthesizer = (*Provider)(nil)

const (
	wsEndpointFmt  = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s&output_format=%s"
	voicesEndpoint = "https://api.elevenlabs.io/v1/voices"

	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"

	// Rachel, the stock English voice. Used when a session selects no voice.
	defaultVoiceID = "21m00Tcm4TlvDq8ikWAM"

	dialTimeout = 10 * time.Second
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model ID (e.g. "eleven_multilingual_v2"). Defaults to
// eleven_flash_v2_5, the low-latency model.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the PCM output format, e.g. "pcm_16000" (default) or
// "pcm_24000". Only raw pcm_* formats are accepted; the sample rate reported
// by [Provider.Format] is parsed from it.
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithVoice sets the voice used when a request carries no voice ID.
func WithVoice(voiceID string) Option {
	return func(p *Provider) {
		p.defaultVoice = voiceID
	}
}

// Provider implements tts.Synthesizer against the ElevenLabs API. Safe for
// concurrent use; each sentence gets its own WebSocket connection.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	defaultVoice string
	sampleRate   int
	httpClient   *http.Client

	// Overridable in tests.
	wsEndpoint string
	voicesURL  string
}

// New creates a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		defaultVoice: defaultVoiceID,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		wsEndpoint:   wsEndpointFmt,
		voicesURL:    voicesEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	rate, err := pcmRate(p.outputFormat)
	if err != nil {
		return nil, err
	}
	p.sampleRate = rate
	return p, nil
}

// pcmRate parses the sample rate out of a pcm_* output format string.
func pcmRate(format string) (int, error) {
	rest, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, fmt.Errorf("elevenlabs: unsupported output format %q, only pcm_* formats carry raw audio", format)
	}
	rate, err := strconv.Atoi(rest)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("elevenlabs: invalid output format %q", format)
	}
	return rate, nil
}

// Format reports the rate parsed from the configured output format.
func (p *Provider) Format() audio.Format {
	return audio.Format{SampleRate: p.sampleRate, Channels: 1}
}

// voiceSettings mirrors the voice_settings object of the stream-input API.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// boiMessage opens a stream-input connection: a single space primes the
// context window and carries the API key and voice settings.
type boiMessage struct {
	Text          string        `json:"text"`
	VoiceSettings voiceSettings `json:"voice_settings"`
	XiAPIKey      string        `json:"xi_api_key"`
}

// textMessage carries one sentence; an empty Text closes the input stream
// and flushes whatever the server is still holding.
type textMessage struct {
	Text                 string `json:"text"`
	TryTriggerGeneration bool   `json:"try_trigger_generation,omitempty"`
}

// audioResponse is one server frame: base64 PCM plus an end-of-stream flag.
type audioResponse struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Error   string `json:"error"`
}

// Synthesize renders one sentence over a dedicated stream-input connection
// and emits the PCM frames as they arrive. The dial happens before
// Synthesize returns, so an unreachable API or a bad voice surfaces as the
// error rather than an empty stream.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (<-chan []byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, errors.New("elevenlabs: text must not be empty")
	}

	voiceID := req.Voice.ID
	if voiceID == "" {
		voiceID = p.defaultVoice
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	endpoint := fmt.Sprintf(p.wsEndpoint, voiceID, p.model, p.outputFormat)
	conn, _, err := websocket.Dial(dialCtx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial stream-input: %w", err)
	}
	conn.SetReadLimit(1 << 22)

	audioCh := make(chan []byte, 16)
	go func() {
		defer close(audioCh)
		defer conn.Close(websocket.StatusNormalClosure, "")
		if err := p.stream(ctx, conn, req, audioCh); err != nil {
			// The channel close is the only completion signal the caller
			// sees; a mid-stream failure just ends the sentence early.
			return
		}
	}()
	return audioCh, nil
}

func (p *Provider) stream(ctx context.Context, conn *websocket.Conn, req tts.Request, out chan<- []byte) error {
	if err := wsjson.Write(ctx, conn, boiMessage{
		Text:          " ",
		VoiceSettings: settingsFor(req.Voice),
		XiAPIKey:      p.apiKey,
	}); err != nil {
		return fmt.Errorf("elevenlabs: send handshake: %w", err)
	}
	if err := wsjson.Write(ctx, conn, textMessage{Text: req.Text + " ", TryTriggerGeneration: true}); err != nil {
		return fmt.Errorf("elevenlabs: send text: %w", err)
	}
	// Empty text is the end-of-input marker.
	if err := wsjson.Write(ctx, conn, textMessage{}); err != nil {
		return fmt.Errorf("elevenlabs: send end of input: %w", err)
	}

	for {
		var frame audioResponse
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			// Some responses end with a close frame instead of isFinal.
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("elevenlabs: read audio frame: %w", err)
		}
		if frame.Error != "" {
			return fmt.Errorf("elevenlabs: server error: %s", frame.Error)
		}
		if frame.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(frame.Audio)
			if err != nil {
				return fmt.Errorf("elevenlabs: decode audio frame: %w", err)
			}
			select {
			case out <- pcm:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if frame.IsFinal {
			return nil
		}
	}
}

// settingsFor reads stability and similarity_boost overrides out of the
// voice params, falling back to the API defaults.
func settingsFor(v tts.Voice) voiceSettings {
	s := voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	if raw, ok := v.Params["stability"]; ok {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			s.Stability = f
		}
	}
	if raw, ok := v.Params["similarity_boost"]; ok {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			s.SimilarityBoost = f
		}
	}
	return s
}

// voicesResponse is the GET /v1/voices body.
type voicesResponse struct {
	Voices []struct {
		VoiceID  string            `json:"voice_id"`
		Name     string            `json:"name"`
		Category string            `json:"category"`
		Labels   map[string]string `json:"labels"`
	} `json:"voices"`
}

// ListVoices fetches the account's voice catalogue. Cloned voices are voices
// whose API category is "cloned".
func (p *Provider) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.voicesURL, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: create voices request: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices returned HTTP %d", resp.StatusCode)
	}

	var body voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("elevenlabs: decode voices response: %w", err)
	}

	voices := make([]tts.Voice, 0, len(body.Voices))
	for _, v := range body.Voices {
		voices = append(voices, tts.Voice{
			ID:       v.VoiceID,
			Name:     v.Name,
			Provider: "elevenlabs",
			Cloned:   v.Category == "cloned",
			Params:   v.Labels,
		})
	}
	return voices, nil
}
