package coqui

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/starbud-ai/starbud/pkg/audio"
	"github.com/starbud-ai/starbud/pkg/provider/tts"
)

// sineWAV builds a small valid WAV file with n 16-bit mono samples.
func sineWAV(n, sampleRate int) []byte {
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(i%256)))
	}
	return audio.EncodeWAV(pcm, sampleRate, 1)
}

func drainAll(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	var out []byte
	for chunk := range ch {
		out = append(out, chunk...)
	}
	return out
}

func TestNewValidation(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty server URL")
	}

	p, err := New("http://localhost:5002/")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.serverURL != "http://localhost:5002" {
		t.Errorf("serverURL = %q, want trailing slash trimmed", p.serverURL)
	}
	if got := p.Format(); got.SampleRate != 16000 || got.Channels != 1 {
		t.Errorf("Format() = %+v, want 16 kHz mono", got)
	}
}

func TestSynthesizeStandard(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tts" {
			t.Errorf("path = %q, want /api/tts", r.URL.Path)
		}
		if got := r.URL.Query().Get("text"); got != "你好" {
			t.Errorf("text = %q, want 你好", got)
		}
		if got := r.URL.Query().Get("speaker_id"); got != "p225" {
			t.Errorf("speaker_id = %q, want p225", got)
		}
		if got := r.URL.Query().Get("language_id"); got != "zh" {
			t.Errorf("language_id = %q, want zh", got)
		}
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(sineWAV(320, 16000))
	}))
	defer srv.Close()

	p, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ch, err := p.Synthesize(context.Background(), tts.Request{
		Text:  "你好",
		Voice: tts.Voice{ID: "p225"},
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	pcm := drainAll(t, ch)
	if len(pcm) != 640 {
		t.Errorf("pcm length = %d, want 640", len(pcm))
	}
}

func TestSynthesizeXTTS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tts_to_audio/" {
			t.Errorf("path = %q, want /tts_to_audio/", r.URL.Path)
		}
		var req xttsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if req.SpeakerWav != "Claribel Dervla" {
			t.Errorf("speaker_wav = %q", req.SpeakerWav)
		}
		w.Write(sineWAV(160, 16000))
	}))
	defer srv.Close()

	p, err := New(srv.URL, WithAPIMode(APIModeXTTS), WithLanguage("en"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ch, err := p.Synthesize(context.Background(), tts.Request{
		Text:  "hello there",
		Voice: tts.Voice{ID: "Claribel Dervla"},
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if pcm := drainAll(t, ch); len(pcm) != 320 {
		t.Errorf("pcm length = %d, want 320", len(pcm))
	}
}

func TestSynthesizeResamples(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 22050 Hz source, provider must downsample to 16 kHz.
		w.Write(sineWAV(2205, 22050))
	}))
	defer srv.Close()

	p, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ch, err := p.Synthesize(context.Background(), tts.Request{Text: "resample me"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	pcm := drainAll(t, ch)
	// 2205 samples at 22050 Hz is 100 ms, so roughly 1600 samples out.
	if got := len(pcm) / 2; got < 1590 || got > 1610 {
		t.Errorf("resampled sample count = %d, want ~1600", got)
	}
}

func TestSynthesizeErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := p.Synthesize(context.Background(), tts.Request{Text: ""}); err == nil {
		t.Error("expected error for empty text")
	}
	if _, err := p.Synthesize(context.Background(), tts.Request{Text: "hi"}); err == nil {
		t.Error("expected error for HTTP 500")
	}

	xp, err := New(srv.URL, WithAPIMode(APIModeXTTS))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := xp.Synthesize(context.Background(), tts.Request{Text: "hi"}); err == nil {
		t.Error("expected error for missing voice in XTTS mode")
	}
}

func TestListVoicesXTTS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/studio_speakers" {
			t.Errorf("path = %q, want /studio_speakers", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"Claribel Dervla": map[string]any{"speaker_embedding": []float64{0.1}},
			"Ana Florence":    map[string]any{"speaker_embedding": []float64{0.2}},
		})
	}))
	defer srv.Close()

	p, err := New(srv.URL, WithAPIMode(APIModeXTTS))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 2 {
		t.Fatalf("got %d voices, want 2", len(voices))
	}
	if voices[0].ID != "Ana Florence" || voices[1].ID != "Claribel Dervla" {
		t.Errorf("voices not sorted: %v, %v", voices[0].ID, voices[1].ID)
	}
	if voices[0].Provider != "coqui" {
		t.Errorf("provider = %q, want coqui", voices[0].Provider)
	}
}

func TestListVoicesStandard(t *testing.T) {
	t.Run("multi speaker", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/details" {
				t.Errorf("path = %q, want /details", r.URL.Path)
			}
			json.NewEncoder(w).Encode(detailsResponse{
				ModelName: "tts_models/en/vctk/vits",
				Speakers:  []string{"p226", "p225"},
			})
		}))
		defer srv.Close()

		p, err := New(srv.URL)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		voices, err := p.ListVoices(context.Background())
		if err != nil {
			t.Fatalf("ListVoices: %v", err)
		}
		if len(voices) != 2 || voices[0].ID != "p225" {
			t.Errorf("voices = %+v, want sorted p225 first", voices)
		}
	})

	t.Run("single speaker falls back to model name", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(detailsResponse{ModelName: "tts_models/zh-CN/baker/tacotron2"})
		}))
		defer srv.Close()

		p, err := New(srv.URL)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		voices, err := p.ListVoices(context.Background())
		if err != nil {
			t.Fatalf("ListVoices: %v", err)
		}
		if len(voices) != 1 || voices[0].ID != "tts_models/zh-CN/baker/tacotron2" {
			t.Errorf("voices = %+v", voices)
		}
	})
}

func TestCloneVoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/clone_speaker" {
			t.Errorf("path = %q, want /clone_speaker", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if got := len(r.MultipartForm.File["wav_files"]); got != 2 {
			t.Errorf("got %d wav_files, want 2", got)
		}
		json.NewEncoder(w).Encode(cloneSpeakerResponse{Name: "cloned_abc123"})
	}))
	defer srv.Close()

	p, err := New(srv.URL, WithAPIMode(APIModeXTTS))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	voice, err := p.CloneVoice(context.Background(), "grandma", [][]byte{sineWAV(10, 16000), sineWAV(10, 16000)})
	if err != nil {
		t.Fatalf("CloneVoice: %v", err)
	}
	if voice.ID != "cloned_abc123" || voice.Name != "grandma" || !voice.Cloned {
		t.Errorf("voice = %+v", voice)
	}

	std, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := std.CloneVoice(context.Background(), "x", [][]byte{sineWAV(10, 16000)}); err == nil {
		t.Error("expected error cloning in standard mode")
	}
}

func TestParseWAV(t *testing.T) {
	wav := sineWAV(100, 22050)
	info, err := parseWAV(wav)
	if err != nil {
		t.Fatalf("parseWAV: %v", err)
	}
	if info.SampleRate != 22050 || info.Channels != 1 {
		t.Errorf("info = %+v", info)
	}
	if got := len(wav) - info.DataOffset; got != 200 {
		t.Errorf("data length = %d, want 200", got)
	}

	if _, err := parseWAV([]byte("not a wav")); err == nil {
		t.Error("expected error for non-WAV data")
	}
}

func TestResampleMono16(t *testing.T) {
	// Constant signal resamples to the same constant.
	pcm := make([]byte, 200)
	for i := 0; i < 100; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(1000)))
	}
	out := resampleMono16(pcm, 22050, 16000)
	if got := len(out) / 2; got < 70 || got > 75 {
		t.Errorf("output sample count = %d, want ~72", got)
	}
	for i := 0; i < len(out); i += 2 {
		if v := int16(binary.LittleEndian.Uint16(out[i:])); v != 1000 {
			t.Fatalf("sample %d = %d, want 1000", i/2, v)
		}
	}

	if got := resampleMono16(pcm, 16000, 16000); len(got) != len(pcm) {
		t.Errorf("same-rate resample changed length: %d", len(got))
	}
}
