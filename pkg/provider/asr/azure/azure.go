// Package azure provides an Azure Speech-backed Recognizer using the
// short-audio WebSocket endpoint.
//
// The utterance is streamed to the service as binary frames, a zero-length
// frame marks end of audio, and the service answers with JSON phrase
// messages. Only the final phrase carries a RecognitionStatus; interim
// hypotheses are ignored.
package azure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/starbud-ai/starbud/pkg/provider/asr"
)

const (
	endpointFormat  = "wss://%s.stt.speech.microsoft.com/speech/recognition/conversation/cognitiveservices/v1"
	defaultRegion   = "eastus"
	defaultLanguage = "zh-CN"

	// audioChunkSize is the number of WAV bytes sent per binary frame.
	audioChunkSize = 4096
)

// Compile-time assertion that Provider implements asr.Recognizer.
var _ asr.Recognizer = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithRegion sets the Azure service region (e.g. "eastus", "westeurope").
// Defaults to "eastus".
func WithRegion(region string) Option {
	return func(p *Provider) {
		p.region = region
	}
}

// WithLanguage sets the default recognition language. Defaults to "zh-CN".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithEndpoint overrides the service URL entirely, for tests and
// sovereign-cloud deployments. The region is ignored when set.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithDialer replaces the WebSocket dialer used to reach the service.
func WithDialer(d *websocket.Dialer) Option {
	return func(p *Provider) {
		p.dialer = d
	}
}

// Provider implements asr.Recognizer against the Azure Speech service.
type Provider struct {
	subscriptionKey string
	region          string
	language        string
	endpoint        string
	dialer          *websocket.Dialer
}

// New creates a new Provider. subscriptionKey must be non-empty.
func New(subscriptionKey string, opts ...Option) (*Provider, error) {
	if subscriptionKey == "" {
		return nil, errors.New("azure: subscriptionKey must not be empty")
	}
	p := &Provider{
		subscriptionKey: subscriptionKey,
		region:          defaultRegion,
		language:        defaultLanguage,
		dialer:          websocket.DefaultDialer,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// phraseResponse is the JSON message the service sends once an utterance has
// been fully recognised. Hypothesis messages carry text only and no
// RecognitionStatus.
type phraseResponse struct {
	RecognitionStatus string `json:"RecognitionStatus"`
	DisplayText       string `json:"DisplayText"`
	NBest             []struct {
		Confidence float64 `json:"Confidence"`
		Display    string  `json:"Display"`
	} `json:"NBest"`
}

// Recognize streams the utterance to the service and waits for the final
// phrase. Cancelling ctx closes the connection and aborts the call.
func (p *Provider) Recognize(ctx context.Context, audio asr.Audio) (asr.Result, error) {
	if len(audio.WAV) == 0 {
		return asr.Result{}, errors.New("azure: empty audio")
	}

	wsURL, err := p.buildURL(audio.Language)
	if err != nil {
		return asr.Result{}, fmt.Errorf("azure: build URL: %w", err)
	}

	header := http.Header{}
	header.Set("Ocp-Apim-Subscription-Key", p.subscriptionKey)

	conn, resp, err := p.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return asr.Result{}, fmt.Errorf("azure: dial: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// gorilla reads do not take a context; closing the connection is the
	// only way to unblock them when the caller gives up.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for off := 0; off < len(audio.WAV); off += audioChunkSize {
		end := off + audioChunkSize
		if end > len(audio.WAV) {
			end = len(audio.WAV)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, audio.WAV[off:end]); err != nil {
			return asr.Result{}, fmt.Errorf("azure: send audio: %w", err)
		}
	}
	// A zero-length binary frame tells the service the utterance is complete.
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{}); err != nil {
		return asr.Result{}, fmt.Errorf("azure: end of audio: %w", err)
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return asr.Result{}, fmt.Errorf("azure: recognition aborted: %w", ctx.Err())
			}
			return asr.Result{}, fmt.Errorf("azure: read: %w", err)
		}

		var phrase phraseResponse
		if err := json.Unmarshal(msg, &phrase); err != nil {
			continue
		}
		if phrase.RecognitionStatus == "" {
			continue
		}
		return p.toResult(phrase, audio.Language)
	}
}

// buildURL constructs the recognition endpoint URL for the given language.
func (p *Provider) buildURL(lang string) (string, error) {
	endpoint := p.endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf(endpointFormat, p.region)
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}

	if lang == "" {
		lang = p.language
	}
	q := u.Query()
	q.Set("language", lang)
	q.Set("format", "detailed")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// toResult maps a final phrase message onto an asr.Result.
func (p *Provider) toResult(phrase phraseResponse, lang string) (asr.Result, error) {
	if lang == "" {
		lang = p.language
	}

	switch phrase.RecognitionStatus {
	case "Success":
		res := asr.Result{
			Text:     phrase.DisplayText,
			Language: lang,
		}
		if len(phrase.NBest) > 0 {
			res.Confidence = phrase.NBest[0].Confidence
			if res.Text == "" {
				res.Text = phrase.NBest[0].Display
			}
		}
		return res, nil
	case "NoMatch", "InitialSilenceTimeout", "BabbleTimeout":
		// Nothing intelligible in the segment. Not an error: the caller
		// treats an empty transcript as a silent turn.
		return asr.Result{Language: lang}, nil
	default:
		return asr.Result{}, fmt.Errorf("azure: recognition failed with status %q", phrase.RecognitionStatus)
	}
}
