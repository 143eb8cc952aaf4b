package azure_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/starbud-ai/starbud/pkg/provider/tts"
	"github.com/starbud-ai/starbud/pkg/provider/tts/azure"
)

// synthCapture records the SSML and headers the fake service received.
type synthCapture struct {
	mu   sync.Mutex
	ssml string
	key  string
	fmt  string
}

func (c *synthCapture) SSML() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ssml
}

func (c *synthCapture) Header(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch name {
	case "Ocp-Apim-Subscription-Key":
		return c.key
	case "X-Microsoft-OutputFormat":
		return c.fmt
	}
	return ""
}

// newSpeechServer answers POST /cognitiveservices/v1 with pcm bytes.
func newSpeechServer(t *testing.T, pcm []byte, rec *synthCapture) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/cognitiveservices/v1" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if rec != nil {
			rec.mu.Lock()
			rec.ssml = string(body)
			rec.key = r.Header.Get("Ocp-Apim-Subscription-Key")
			rec.fmt = r.Header.Get("X-Microsoft-OutputFormat")
			rec.mu.Unlock()
		}
		w.Header().Set("Content-Type", "audio/raw")
		_, _ = w.Write(pcm)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func drainAudio(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	var out []byte
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, chunk...)
		case <-timeout:
			t.Fatal("timed out draining audio channel")
		}
	}
}

func TestNew_EmptyKey_ReturnsError(t *testing.T) {
	if _, err := azure.New(""); err == nil {
		t.Fatal("expected error for empty subscription key, got nil")
	}
}

func TestFormat_Is16kMono(t *testing.T) {
	p, _ := azure.New("key")
	f := p.Format()
	if f.SampleRate != 16000 || f.Channels != 1 {
		t.Errorf("Format() = %+v; want 16 kHz mono", f)
	}
}

func TestSynthesize_StreamsResponseBody(t *testing.T) {
	pcm := bytes.Repeat([]byte{0x5A}, 10_000)
	rec := &synthCapture{}
	srv := newSpeechServer(t, pcm, rec)

	p, err := azure.New("test-key", azure.WithEndpoint(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ch, err := p.Synthesize(context.Background(), tts.Request{Text: "你好呀"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	got := drainAudio(t, ch)
	if !bytes.Equal(got, pcm) {
		t.Errorf("received %d bytes; want the %d-byte body unchanged", len(got), len(pcm))
	}
	if rec.Header("Ocp-Apim-Subscription-Key") != "test-key" {
		t.Errorf("subscription key header = %q; want %q", rec.Header("Ocp-Apim-Subscription-Key"), "test-key")
	}
	if f := rec.Header("X-Microsoft-OutputFormat"); f != "raw-16khz-16bit-mono-pcm" {
		t.Errorf("output format header = %q; want raw PCM", f)
	}
}

func TestSynthesize_SSMLDefaultVoice(t *testing.T) {
	rec := &synthCapture{}
	srv := newSpeechServer(t, []byte{1}, rec)

	p, _ := azure.New("key", azure.WithEndpoint(srv.URL))
	ch, err := p.Synthesize(context.Background(), tts.Request{Text: "hello"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	drainAudio(t, ch)

	ssml := rec.SSML()
	if !strings.Contains(ssml, `<voice name="zh-CN-YunxiNeural">`) {
		t.Errorf("SSML %q missing default voice element", ssml)
	}
	if !strings.Contains(ssml, `<lang xml:lang="zh-CN"> hello </lang>`) {
		t.Errorf("SSML %q missing lang-wrapped text", ssml)
	}
	if strings.Contains(ssml, "express-as") {
		t.Errorf("SSML %q has express-as without an emotion", ssml)
	}
}

func TestSynthesize_SSMLEmotionAndProsody(t *testing.T) {
	rec := &synthCapture{}
	srv := newSpeechServer(t, []byte{1}, rec)

	p, _ := azure.New("key", azure.WithEndpoint(srv.URL))
	req := tts.Request{
		Text:    "hi",
		Emotion: "cheerful",
		Voice: tts.Voice{
			ID:     "zh-CN-XiaoxiaoNeural",
			Params: map[string]string{"rate": "+10%", "pitch": "-2st"},
		},
	}
	ch, err := p.Synthesize(context.Background(), req)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	drainAudio(t, ch)

	ssml := rec.SSML()
	if !strings.Contains(ssml, `<mstts:express-as style="cheerful" styledegree="1">`) {
		t.Errorf("SSML %q missing express-as style", ssml)
	}
	if !strings.Contains(ssml, `<voice name="zh-CN-XiaoxiaoNeural">`) {
		t.Errorf("SSML %q missing requested voice", ssml)
	}
	if !strings.Contains(ssml, `rate="+10%"`) || !strings.Contains(ssml, `pitch="-2st"`) {
		t.Errorf("SSML %q missing prosody attributes", ssml)
	}
}

func TestSynthesize_SSMLClonedVoice(t *testing.T) {
	rec := &synthCapture{}
	srv := newSpeechServer(t, []byte{1}, rec)

	p, _ := azure.New("key", azure.WithEndpoint(srv.URL))
	req := tts.Request{
		Text:  "hi",
		Voice: tts.Voice{ID: "profile-123", Cloned: true},
	}
	ch, err := p.Synthesize(context.Background(), req)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	drainAudio(t, ch)

	ssml := rec.SSML()
	if !strings.Contains(ssml, `<voice name="DragonLatestNeural">`) {
		t.Errorf("SSML %q missing embedding voice", ssml)
	}
	if !strings.Contains(ssml, `speakerProfileId="profile-123"`) {
		t.Errorf("SSML %q missing speaker profile", ssml)
	}
}

func TestSynthesize_EscapesText(t *testing.T) {
	rec := &synthCapture{}
	srv := newSpeechServer(t, []byte{1}, rec)

	p, _ := azure.New("key", azure.WithEndpoint(srv.URL))
	ch, err := p.Synthesize(context.Background(), tts.Request{Text: `a < b & "c"`})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	drainAudio(t, ch)

	ssml := rec.SSML()
	if !strings.Contains(ssml, "a &lt; b &amp; &quot;c&quot;") {
		t.Errorf("SSML %q does not escape markup characters", ssml)
	}
}

func TestSynthesize_EmptyText_ReturnsError(t *testing.T) {
	p, _ := azure.New("key")
	if _, err := p.Synthesize(context.Background(), tts.Request{Text: "   "}); err == nil {
		t.Fatal("expected error for empty text, got nil")
	}
}

func TestSynthesize_ServerError_ReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad ssml", http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	p, _ := azure.New("key", azure.WithEndpoint(srv.URL))
	if _, err := p.Synthesize(context.Background(), tts.Request{Text: "hi"}); err == nil {
		t.Fatal("expected error for HTTP 400, got nil")
	}
}

func TestListVoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cognitiveservices/voices/list" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"ShortName":"zh-CN-YunxiNeural","LocalName":"云希","DisplayName":"Yunxi","Gender":"Male","Locale":"zh-CN"},
			{"ShortName":"en-US-JennyNeural","DisplayName":"Jenny","Gender":"Female","Locale":"en-US"}
		]`))
	}))
	t.Cleanup(srv.Close)

	p, _ := azure.New("key", azure.WithEndpoint(srv.URL))
	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}

	if len(voices) != 2 {
		t.Fatalf("len(voices) = %d; want 2", len(voices))
	}
	if voices[0].ID != "zh-CN-YunxiNeural" || voices[0].Name != "云希" {
		t.Errorf("voices[0] = %+v; want LocalName preferred", voices[0])
	}
	if voices[1].Name != "Jenny" {
		t.Errorf("voices[1].Name = %q; want DisplayName fallback", voices[1].Name)
	}
	if voices[0].Provider != "azure" {
		t.Errorf("voices[0].Provider = %q; want %q", voices[0].Provider, "azure")
	}
}
