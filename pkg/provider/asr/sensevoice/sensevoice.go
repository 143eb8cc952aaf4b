// Package sensevoice provides a Recognizer backed by a self-hosted
// SenseVoice model server.
//
// SenseVoice returns rich recognition output: per-character confidences plus
// raw-text tags for language identification (LID), speech emotion recognition
// (SER) and acoustic event classification (AEC). Tags arrive embedded in
// raw_text as <|zh|><|EMO_HAPPY|><|BGM|>; the first tag names the language,
// the second the emotion and the rest acoustic events. Tag values are taken
// as the model reports them, without an allow-list.
package sensevoice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/starbud-ai/starbud/pkg/provider/asr"
)

const (
	asrEndpoint     = "/api/v1/asr"
	defaultLanguage = "zh-CN"
	defaultTimeout  = 30 * time.Second

	// fallbackConfidence applies when a deployment omits the confidence
	// field; it matches the server's documented default.
	fallbackConfidence = 0.9
)

// Compile-time assertion that Provider implements asr.Recognizer.
var _ asr.Recognizer = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the default recognition language. Defaults to "zh-CN".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithHTTPClient replaces the HTTP client used to reach the server.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements asr.Recognizer backed by a SenseVoice HTTP server.
type Provider struct {
	serverURL  string
	language   string
	httpClient *http.Client
}

// New creates a new Provider that connects to the SenseVoice server at
// serverURL (e.g. "http://localhost:50000"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("sensevoice: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// recognitionEntry is one element of the server's result array.
type recognitionEntry struct {
	Key             string    `json:"key"`
	Text            string    `json:"text"`
	RawText         string    `json:"raw_text"`
	CleanText       string    `json:"clean_text"`
	Confidence      *float64  `json:"confidence"`
	CharList        []string  `json:"char_list"`
	CharConfidences []float64 `json:"char_confidences"`
}

// recognitionResponse is the JSON body returned by POST /api/v1/asr.
type recognitionResponse struct {
	Result []recognitionEntry `json:"result"`
}

// Recognize uploads the utterance as multipart form data and maps the first
// result entry onto an asr.Result. An empty result array yields an empty
// Result with a nil error.
func (p *Provider) Recognize(ctx context.Context, audio asr.Audio) (asr.Result, error) {
	if len(audio.WAV) == 0 {
		return asr.Result{}, errors.New("sensevoice: empty audio")
	}
	lang := audio.Language
	if lang == "" {
		lang = p.language
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("files", "utterance.wav")
	if err != nil {
		return asr.Result{}, fmt.Errorf("sensevoice: create form file: %w", err)
	}
	if _, err := fw.Write(audio.WAV); err != nil {
		return asr.Result{}, fmt.Errorf("sensevoice: write wav data: %w", err)
	}
	if err := mw.WriteField("keys", "utterance"); err != nil {
		return asr.Result{}, fmt.Errorf("sensevoice: write keys field: %w", err)
	}
	if err := mw.WriteField("lang", lang); err != nil {
		return asr.Result{}, fmt.Errorf("sensevoice: write lang field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return asr.Result{}, fmt.Errorf("sensevoice: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+asrEndpoint, &body)
	if err != nil {
		return asr.Result{}, fmt.Errorf("sensevoice: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return asr.Result{}, fmt.Errorf("sensevoice: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return asr.Result{}, fmt.Errorf("sensevoice: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return asr.Result{}, fmt.Errorf("sensevoice: read response body: %w", err)
	}

	var rr recognitionResponse
	if err := json.Unmarshal(data, &rr); err != nil {
		return asr.Result{}, fmt.Errorf("sensevoice: parse JSON response: %w", err)
	}

	if len(rr.Result) == 0 {
		return asr.Result{Language: lang}, nil
	}
	return toResult(rr.Result[0], lang), nil
}

// toResult converts a recognition entry into an asr.Result.
func toResult(entry recognitionEntry, lang string) asr.Result {
	res := asr.Result{
		Text:       entry.Text,
		Confidence: fallbackConfidence,
		Language:   lang,
	}
	if entry.Confidence != nil {
		res.Confidence = *entry.Confidence
	}

	// Character confidences are only usable when both lists line up.
	if n := len(entry.CharList); n > 0 && n == len(entry.CharConfidences) {
		res.Chars = make([]asr.CharScore, n)
		for i, c := range entry.CharList {
			res.Chars[i] = asr.CharScore{Char: c, Confidence: entry.CharConfidences[i]}
		}
	}

	if tags := parseRawTags(entry.RawText); len(tags) >= 2 && len(tags[1]) > 0 {
		res.Emotion = tags[1][0]
	}
	return res
}

// tagPattern matches a single <|value|> tag in SenseVoice raw text.
var tagPattern = regexp.MustCompile(`<\|([^|>]*)\|>`)

// parseRawTags splits raw-text tags into positional groups: index 0 holds
// languages, index 1 emotions and the remainder acoustic events. Values may
// themselves be |-separated lists.
func parseRawTags(rawText string) [][]string {
	if rawText == "" {
		return nil
	}
	matches := tagPattern.FindAllStringSubmatch(rawText, -1)
	groups := make([][]string, 0, len(matches))
	for _, m := range matches {
		var values []string
		for _, v := range strings.Split(m[1], "|") {
			if v = strings.TrimSpace(v); v != "" {
				values = append(values, v)
			}
		}
		groups = append(groups, values)
	}
	return groups
}
