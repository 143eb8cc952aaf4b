// Package coqui provides a self-hosted Coqui-backed Synthesizer speaking to
// either a standard Coqui TTS server or an XTTS v2 API server over REST.
//
// Two API modes are supported:
//
//   - APIModeStandard (default): targets the standard Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu). Sentences go through GET /api/tts with URL
//     query parameters; the voice catalogue comes from GET /details.
//
//   - APIModeXTTS: targets the Coqui XTTS v2 API server. Sentences go through
//     POST /tts_to_audio/ with a JSON body; the voice catalogue comes from
//     GET /studio_speakers; cloned voices are created via POST /clone_speaker.
//
// Both servers are batch engines (one HTTP call per sentence, WAV response),
// so a sentence's audio arrives all at once: the WAV container is parsed, the
// PCM is resampled to the reported output rate and emitted in fixed-size
// chunks.
package coqui

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/starbud-ai/starbud/pkg/audio"
	"github.com/starbud-ai/starbud/pkg/provider/tts"
)

var _ tts.Synthesizer = (*Provider)(nil)

const (
	defaultLanguage   = "zh"
	defaultTimeout    = 30 * time.Second
	defaultOutputRate = 16000

	ttsPath            = "/tts_to_audio/"
	studioSpeakersPath = "/studio_speakers"
	cloneSpeakerPath   = "/clone_speaker"
	apiTTSPath         = "/api/tts"
	detailsPath        = "/details"

	// pcmChunkSize is how much of a synthesised sentence is forwarded per
	// audio chunk: 4096 bytes is 128 ms at 16 kHz mono 16-bit.
	pcmChunkSize = 4096
)

// APIMode selects which Coqui server API the provider targets.
type APIMode string

const (
	// APIModeXTTS targets the Coqui XTTS v2 API server. It supports voice
	// cloning via /clone_speaker and voice listing via /studio_speakers.
	APIModeXTTS APIMode = "xtts"

	// APIModeStandard targets the standard Coqui TTS server. This is the
	// default mode; voice cloning is not supported.
	APIModeStandard APIMode = "standard"
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the language code sent to the server (e.g. "zh", "en").
// Defaults to "zh".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithTimeout sets the per-sentence HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithAPIMode selects the server API. Use APIModeStandard (default) for the
// standard Coqui TTS image or APIModeXTTS for the XTTS v2 API server.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) {
		p.apiMode = mode
	}
}

// WithOutputSampleRate sets the sample rate the provider resamples every
// sentence to, which is also what [Provider.Format] reports. Defaults to
// 16000 so the audio matches the wire format without further conversion.
func WithOutputSampleRate(rate int) Option {
	return func(p *Provider) {
		if rate > 0 {
			p.outputRate = rate
		}
	}
}

// Provider implements tts.Synthesizer against a local Coqui server. Safe for
// concurrent use; sentences synthesise independently.
type Provider struct {
	serverURL  string
	language   string
	apiMode    APIMode
	outputRate int
	httpClient *http.Client
}

// New creates a Provider targeting the server at serverURL
// (e.g. "http://localhost:5002"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		apiMode:    APIModeStandard,
		outputRate: defaultOutputRate,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Format reports the rate every sentence is resampled to.
func (p *Provider) Format() audio.Format {
	return audio.Format{SampleRate: p.outputRate, Channels: 1}
}

// Synthesize renders one sentence through the server and emits its PCM in
// fixed-size chunks. The HTTP round-trip happens before Synthesize returns,
// so a server failure surfaces as the error rather than an empty stream.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (<-chan []byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, errors.New("coqui: text must not be empty")
	}
	if req.Voice.ID == "" && p.apiMode == APIModeXTTS {
		return nil, errors.New("coqui: voice ID is required in XTTS mode")
	}

	var (
		wav []byte
		err error
	)
	if p.apiMode == APIModeStandard {
		wav, err = p.synthesizeStandard(ctx, req)
	} else {
		wav, err = p.synthesizeXTTS(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	info, err := parseWAV(wav)
	if err != nil {
		return nil, err
	}
	pcm := wav[info.DataOffset:]
	if info.Channels == 1 && info.SampleRate != p.outputRate {
		pcm = resampleMono16(pcm, info.SampleRate, p.outputRate)
	}

	audioCh := make(chan []byte, 16)
	go func() {
		defer close(audioCh)
		for len(pcm) > 0 {
			end := min(pcmChunkSize, len(pcm))
			select {
			case audioCh <- pcm[:end]:
			case <-ctx.Done():
				return
			}
			pcm = pcm[end:]
		}
	}()
	return audioCh, nil
}

// xttsRequest is the JSON body of POST /tts_to_audio/.
type xttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

func (p *Provider) synthesizeXTTS(ctx context.Context, req tts.Request) ([]byte, error) {
	body, err := json.Marshal(xttsRequest{
		Text:       req.Text,
		SpeakerWav: req.Voice.ID,
		Language:   p.language,
	})
	if err != nil {
		return nil, fmt.Errorf("coqui: marshal tts request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+ttsPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/wav")

	return p.fetchWAV(httpReq)
}

func (p *Provider) synthesizeStandard(ctx context.Context, req tts.Request) ([]byte, error) {
	params := url.Values{}
	params.Set("text", req.Text)
	if req.Voice.ID != "" {
		params.Set("speaker_id", req.Voice.ID)
	}
	if p.language != "" {
		params.Set("language_id", p.language)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+apiTTSPath+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	httpReq.Header.Set("Accept", "audio/wav")

	return p.fetchWAV(httpReq)
}

func (p *Provider) fetchWAV(req *http.Request) ([]byte, error) {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: synthesis request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: synthesis returned HTTP %d", resp.StatusCode)
	}
	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read response: %w", err)
	}
	return wav, nil
}

// ─── Voices ──────────────────────────────────────────────────────────────────

// detailsResponse is the GET /details body (standard mode). Speakers is nil
// for single-speaker models.
type detailsResponse struct {
	ModelName string   `json:"model_name"`
	Language  string   `json:"language"`
	Speakers  []string `json:"speakers"`
}

// ListVoices fetches the server's voice catalogue: studio speakers in XTTS
// mode, the model's speaker list (or the model itself) in standard mode.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	if p.apiMode == APIModeStandard {
		return p.listVoicesStandard(ctx)
	}
	return p.listVoicesXTTS(ctx)
}

func (p *Provider) listVoicesXTTS(ctx context.Context) ([]tts.Voice, error) {
	var raw map[string]json.RawMessage
	if err := p.getJSON(ctx, studioSpeakersPath, &raw); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	voices := make([]tts.Voice, 0, len(names))
	for _, name := range names {
		voices = append(voices, tts.Voice{ID: name, Name: name, Provider: "coqui"})
	}
	return voices, nil
}

func (p *Provider) listVoicesStandard(ctx context.Context) ([]tts.Voice, error) {
	var details detailsResponse
	if err := p.getJSON(ctx, detailsPath, &details); err != nil {
		return nil, err
	}

	if len(details.Speakers) > 0 {
		speakers := make([]string, len(details.Speakers))
		copy(speakers, details.Speakers)
		sort.Strings(speakers)

		voices := make([]tts.Voice, 0, len(speakers))
		for _, spk := range speakers {
			voices = append(voices, tts.Voice{ID: spk, Name: spk, Provider: "coqui"})
		}
		return voices, nil
	}

	name := details.ModelName
	if name == "" {
		name = "default"
	}
	return []tts.Voice{{ID: name, Name: name, Provider: "coqui"}}, nil
}

func (p *Provider) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+path, nil)
	if err != nil {
		return fmt.Errorf("coqui: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("coqui: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coqui: GET %s returned HTTP %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("coqui: decode %s: %w", path, err)
	}
	return nil
}

// ─── Cloning ─────────────────────────────────────────────────────────────────

// cloneSpeakerResponse is the POST /clone_speaker body.
type cloneSpeakerResponse struct {
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

// CloneVoice builds a new speaker voice from WAV samples via
// POST /clone_speaker. Only available in XTTS mode; each sample must be a
// complete WAV file.
func (p *Provider) CloneVoice(ctx context.Context, name string, samples [][]byte) (tts.Voice, error) {
	if p.apiMode == APIModeStandard {
		return tts.Voice{}, errors.New("coqui: voice cloning requires XTTS mode")
	}
	if len(samples) == 0 {
		return tts.Voice{}, errors.New("coqui: cloning requires at least one audio sample")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for i, sample := range samples {
		fw, err := mw.CreateFormFile("wav_files", fmt.Sprintf("sample_%02d.wav", i))
		if err != nil {
			return tts.Voice{}, fmt.Errorf("coqui: create form file: %w", err)
		}
		if _, err := fw.Write(sample); err != nil {
			return tts.Voice{}, fmt.Errorf("coqui: write form file: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return tts.Voice{}, fmt.Errorf("coqui: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+cloneSpeakerPath, &body)
	if err != nil {
		return tts.Voice{}, fmt.Errorf("coqui: create clone request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return tts.Voice{}, fmt.Errorf("coqui: clone request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return tts.Voice{}, fmt.Errorf("coqui: clone returned HTTP %d", resp.StatusCode)
	}

	var cloned cloneSpeakerResponse
	if err := json.NewDecoder(resp.Body).Decode(&cloned); err != nil {
		return tts.Voice{}, fmt.Errorf("coqui: decode clone response: %w", err)
	}
	if cloned.Name == "" {
		return tts.Voice{}, errors.New("coqui: clone response missing name")
	}

	display := name
	if display == "" {
		display = cloned.Name
	}
	return tts.Voice{ID: cloned.Name, Name: display, Provider: "coqui", Cloned: true}, nil
}

// ─── PCM helpers ─────────────────────────────────────────────────────────────

// resampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation.
func resampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := 0; i < dstSamples; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		}

		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// wavInfo holds format metadata extracted from a RIFF/WAVE header.
type wavInfo struct {
	DataOffset int
	SampleRate int
	Channels   int
}

// parseWAV walks the RIFF chunks of wav and returns the data offset and the
// audio format from the "fmt " sub-chunk. Chunk-walking is needed because
// the fmt chunk size varies between servers, so a fixed 44-byte offset is
// not reliable.
func parseWAV(wav []byte) (wavInfo, error) {
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return wavInfo{}, errors.New("coqui: response is not a RIFF/WAVE file")
	}

	var info wavInfo
	foundFmt := false

	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(wav) {
				fmtData := wav[offset+8:]
				info.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
				info.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
				foundFmt = true
			}
		case "data":
			info.DataOffset = offset + 8
			if !foundFmt {
				info.SampleRate = 22050
				info.Channels = 1
			}
			return info, nil
		}

		// Chunks are word-aligned.
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return wavInfo{}, errors.New("coqui: WAV response missing data chunk")
}
