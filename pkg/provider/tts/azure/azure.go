// Package azure provides an Azure Speech-backed Synthesizer using the REST
// synthesis endpoint.
//
// Each sentence is rendered to SSML and posted on its own; the service
// streams raw 16 kHz mono PCM back in the chunked response body, which is
// forwarded piece by piece so playback starts before synthesis finishes.
// Cloned voices are addressed through an mstts:ttsembedding element carrying
// the speaker profile ID; catalogue voices through their short name.
package azure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/starbud-ai/starbud/pkg/audio"
	"github.com/starbud-ai/starbud/pkg/provider/tts"
)

const (
	hostFormat         = "https://%s.tts.speech.microsoft.com"
	synthesisPath      = "/cognitiveservices/v1"
	voicesPath         = "/cognitiveservices/voices/list"
	defaultRegion      = "eastus"
	defaultVoice       = "zh-CN-YunxiNeural"
	defaultLanguage    = "zh-CN"
	embeddingVoiceName = "DragonLatestNeural"

	// outputFormat requests raw PCM so the session can repackage without a
	// container round-trip.
	outputFormat = "raw-16khz-16bit-mono-pcm"

	// pcmChunkSize is how much of the response body is forwarded per audio
	// chunk: 3200 bytes is 100 ms at 16 kHz mono 16-bit.
	pcmChunkSize = 3200
)

// prosodyKeys are the Voice.Params entries forwarded as prosody attributes.
var prosodyKeys = []string{"rate", "pitch", "range", "volume", "contour"}

// Compile-time assertion that Provider implements tts.Synthesizer.
var _ tts.Synthesizer = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithRegion sets the Azure service region (e.g. "eastus", "westeurope").
// Defaults to "eastus".
func WithRegion(region string) Option {
	return func(p *Provider) {
		p.region = region
	}
}

// WithVoice sets the default voice short name. Defaults to
// "zh-CN-YunxiNeural".
func WithVoice(voice string) Option {
	return func(p *Provider) {
		p.voice = voice
	}
}

// WithLanguage sets the xml:lang applied to sentence text. Defaults to
// "zh-CN".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithEndpoint overrides the service host entirely, for tests and
// sovereign-cloud deployments. The region is ignored when set.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = strings.TrimRight(endpoint, "/")
	}
}

// WithHTTPClient replaces the HTTP client used to reach the service.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements tts.Synthesizer against the Azure Speech service.
type Provider struct {
	subscriptionKey string
	region          string
	voice           string
	language        string
	endpoint        string
	httpClient      *http.Client
}

// New creates a new Provider. subscriptionKey must be non-empty.
func New(subscriptionKey string, opts ...Option) (*Provider, error) {
	if subscriptionKey == "" {
		return nil, errors.New("azure: subscriptionKey must not be empty")
	}
	p := &Provider{
		subscriptionKey: subscriptionKey,
		region:          defaultRegion,
		voice:           defaultVoice,
		language:        defaultLanguage,
		httpClient:      &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Format reports the fixed synthesis output format.
func (p *Provider) Format() audio.Format {
	return audio.Format{SampleRate: 16000, Channels: 1}
}

// Synthesize posts the sentence as SSML and streams the PCM response body
// onto the returned channel.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (<-chan []byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, errors.New("azure: text must not be empty")
	}

	ssml := p.buildSSML(req)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.host()+synthesisPath, strings.NewReader(ssml))
	if err != nil {
		return nil, fmt.Errorf("azure: create request: %w", err)
	}
	httpReq.Header.Set("Ocp-Apim-Subscription-Key", p.subscriptionKey)
	httpReq.Header.Set("Content-Type", "application/ssml+xml")
	httpReq.Header.Set("X-Microsoft-OutputFormat", outputFormat)
	httpReq.Header.Set("User-Agent", "starbud")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("azure: synthesis request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("azure: synthesis returned HTTP %d", resp.StatusCode)
	}

	audioCh := make(chan []byte, 16)
	go func() {
		defer close(audioCh)
		defer resp.Body.Close()

		buf := make([]byte, pcmChunkSize)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case audioCh <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return audioCh, nil
}

// buildSSML renders one sentence. Cloned voices speak through the embedding
// voice with their speaker profile ID; an emotion adds an express-as style;
// prosody params wrap the text when present.
func (p *Provider) buildSSML(req tts.Request) string {
	voice := req.Voice.ID
	if voice == "" {
		voice = p.voice
	}

	var b strings.Builder
	b.WriteString(`<speak version="1.0" xml:lang="en-US" xmlns="http://www.w3.org/2001/10/synthesis" xmlns:mstts="http://www.w3.org/2001/mstts">`)
	if req.Voice.Cloned {
		b.WriteString(`<voice name="` + embeddingVoiceName + `">`)
		b.WriteString(`<mstts:ttsembedding speakerProfileId="` + escapeText(voice) + `"/>`)
	} else {
		b.WriteString(`<voice name="` + escapeText(voice) + `">`)
	}

	inner := p.wrapWithProsody(escapeText(req.Text), req.Voice.Params)
	if req.Emotion != "" {
		b.WriteString(`<mstts:express-as style="` + escapeText(req.Emotion) + `" styledegree="1">`)
		b.WriteString(inner)
		b.WriteString(`</mstts:express-as>`)
	} else {
		b.WriteString(inner)
	}

	b.WriteString(`</voice></speak>`)
	return b.String()
}

// wrapWithProsody surrounds the text with a lang element and, when params
// carry prosody attributes, an enclosing prosody element.
func (p *Provider) wrapWithProsody(text string, params map[string]string) string {
	langWrapped := `<lang xml:lang="` + p.language + `"> ` + text + ` </lang>`

	var attrs []string
	for _, key := range prosodyKeys {
		if v := strings.TrimSpace(params[key]); v != "" {
			attrs = append(attrs, key+`="`+escapeText(v)+`"`)
		}
	}
	if len(attrs) == 0 {
		return langWrapped
	}
	return `<prosody ` + strings.Join(attrs, " ") + `>` + langWrapped + `</prosody>`
}

var textEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

func escapeText(s string) string {
	return textEscaper.Replace(s)
}

// azureVoice is one entry of the voices/list response.
type azureVoice struct {
	Name        string `json:"Name"`
	DisplayName string `json:"DisplayName"`
	LocalName   string `json:"LocalName"`
	ShortName   string `json:"ShortName"`
	Gender      string `json:"Gender"`
	Locale      string `json:"Locale"`
}

// ListVoices fetches the service voice catalogue.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.host()+voicesPath, nil)
	if err != nil {
		return nil, fmt.Errorf("azure: create voices request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", p.subscriptionKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("azure: list voices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("azure: list voices returned HTTP %d", resp.StatusCode)
	}

	var entries []azureVoice
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("azure: decode voices: %w", err)
	}

	voices := make([]tts.Voice, 0, len(entries))
	for _, v := range entries {
		name := v.LocalName
		if name == "" {
			name = v.DisplayName
		}
		voices = append(voices, tts.Voice{
			ID:       v.ShortName,
			Name:     name,
			Provider: "azure",
		})
	}
	return voices, nil
}

func (p *Provider) host() string {
	if p.endpoint != "" {
		return p.endpoint
	}
	return fmt.Sprintf(hostFormat, p.region)
}
