package energy

import (
	"testing"
	"time"

	"github.com/starbud-ai/starbud/pkg/provider/vad"
)

// pcmFrame builds one 60 ms frame of constant-amplitude int16 PCM.
// RMS of a constant signal equals amplitude/32768.
func pcmFrame(amplitude int16) []byte {
	const samples = 960
	b := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		b[i*2] = byte(amplitude)
		b[i*2+1] = byte(amplitude >> 8)
	}
	return b
}

var (
	loud  = pcmFrame(26000) // ~0.79
	mid   = pcmFrame(13000) // ~0.40, inside the hysteresis band
	quiet = pcmFrame(3000)  // ~0.09
)

func testConfig() vad.Config {
	return vad.Config{
		SampleRate:       16000,
		FrameDuration:    60 * time.Millisecond,
		SpeechThreshold:  0.5,
		SilenceThreshold: 0.35,
		SilenceTimeout:   120 * time.Millisecond,
	}
}

func mustSession(t *testing.T, cfg vad.Config) vad.Session {
	t.Helper()
	s, err := New().NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func process(t *testing.T, s vad.Session, frame []byte) vad.Event {
	t.Helper()
	ev, err := s.ProcessFrame(frame)
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	return ev
}

func TestSpeechStartAndEnd(t *testing.T) {
	s := mustSession(t, testConfig())

	if ev := process(t, s, quiet); ev.Type != vad.Silence {
		t.Fatalf("quiet frame: got %v, want silence", ev.Type)
	}
	if ev := process(t, s, loud); ev.Type != vad.SpeechStart {
		t.Fatalf("loud frame: got %v, want speech_start", ev.Type)
	}
	if ev := process(t, s, loud); ev.Type != vad.SpeechContinue {
		t.Fatalf("second loud frame: got %v, want speech_continue", ev.Type)
	}

	// One quiet frame is below the timeout; the second reaches it.
	if ev := process(t, s, quiet); ev.Type != vad.SpeechContinue {
		t.Fatalf("first quiet frame: got %v, want speech_continue", ev.Type)
	}
	ev := process(t, s, quiet)
	if ev.Type != vad.SpeechEnd {
		t.Fatalf("second quiet frame: got %v, want speech_end", ev.Type)
	}
	if ev.Forced {
		t.Error("silence-triggered end must not be forced")
	}

	// Back to idle.
	if ev := process(t, s, quiet); ev.Type != vad.Silence {
		t.Fatalf("after end: got %v, want silence", ev.Type)
	}
}

func TestHysteresisBand(t *testing.T) {
	s := mustSession(t, testConfig())

	// Mid-band energy must not open a segment.
	if ev := process(t, s, mid); ev.Type != vad.Silence {
		t.Fatalf("mid frame while idle: got %v, want silence", ev.Type)
	}

	// But once speech is open, mid-band energy keeps it open and resets the
	// silence run.
	process(t, s, loud)
	process(t, s, quiet)
	if ev := process(t, s, mid); ev.Type != vad.SpeechContinue {
		t.Fatalf("mid frame during speech: got %v, want speech_continue", ev.Type)
	}
	// The previous quiet run was reset, so one more quiet frame does not end
	// the segment.
	if ev := process(t, s, quiet); ev.Type != vad.SpeechContinue {
		t.Fatalf("quiet after mid: got %v, want speech_continue", ev.Type)
	}
	if ev := process(t, s, quiet); ev.Type != vad.SpeechEnd {
		t.Fatalf("second quiet after mid: got %v, want speech_end", ev.Type)
	}
}

func TestForcedSegmentation(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSegment = 180 * time.Millisecond // three frames

	s := mustSession(t, cfg)
	process(t, s, loud)
	process(t, s, loud)
	ev := process(t, s, loud)
	if ev.Type != vad.SpeechEnd {
		t.Fatalf("at max segment: got %v, want speech_end", ev.Type)
	}
	if !ev.Forced {
		t.Error("max-segment end must be forced")
	}

	// A following loud frame opens a fresh segment.
	if ev := process(t, s, loud); ev.Type != vad.SpeechStart {
		t.Fatalf("after forced end: got %v, want speech_start", ev.Type)
	}
}

func TestReset(t *testing.T) {
	s := mustSession(t, testConfig())
	process(t, s, loud)
	s.Reset()
	if ev := process(t, s, loud); ev.Type != vad.SpeechStart {
		t.Fatalf("after reset: got %v, want speech_start", ev.Type)
	}
}

func TestScale(t *testing.T) {
	// Doubling the scale makes the mid frame cross the speech threshold.
	s, err := New(WithScale(2.0)).NewSession(testConfig())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if ev := process(t, s, mid); ev.Type != vad.SpeechStart {
		t.Fatalf("scaled mid frame: got %v, want speech_start", ev.Type)
	}
}

func TestClosedSession(t *testing.T) {
	s := mustSession(t, testConfig())
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := s.ProcessFrame(loud); err == nil {
		t.Error("ProcessFrame after Close should fail")
	}
}

func TestConfigValidation(t *testing.T) {
	d := New()

	tests := []struct {
		name   string
		mutate func(*vad.Config)
	}{
		{"zero frame duration", func(c *vad.Config) { c.FrameDuration = 0 }},
		{"speech threshold above one", func(c *vad.Config) { c.SpeechThreshold = 1.5 }},
		{"inverted band", func(c *vad.Config) { c.SilenceThreshold = 0.9 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			if _, err := d.NewSession(cfg); err == nil {
				t.Error("expected config error, got nil")
			}
		})
	}
}

func TestMalformedFrame(t *testing.T) {
	s := mustSession(t, testConfig())
	if _, err := s.ProcessFrame(nil); err == nil {
		t.Error("empty frame should fail")
	}
	if _, err := s.ProcessFrame([]byte{1, 2, 3}); err == nil {
		t.Error("odd-length frame should fail")
	}
}
