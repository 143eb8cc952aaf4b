// Package energy implements a vad.Detector based on short-term frame energy
// with a two-threshold hysteresis band. It needs no model files and runs in
// microseconds per frame, which makes it the default detector for embedded
// clients whose uplink is already noise-gated on the device.
package energy

import (
	"fmt"
	"time"

	"github.com/starbud-ai/starbud/pkg/audio"
	"github.com/starbud-ai/starbud/pkg/provider/vad"
)

// Default session parameters applied when the config leaves them zero.
const (
	defaultSpeechThreshold  = 0.5
	defaultSilenceThreshold = 0.35
	defaultSilenceTimeout   = 700 * time.Millisecond
)

// Option is a functional option for configuring the Detector.
type Option func(*Detector)

// WithScale multiplies every measured frame energy by factor before threshold
// comparison. Agent configs expose this as a sensitivity knob: values above 1
// make quiet speakers easier to pick up.
func WithScale(factor float64) Option {
	return func(d *Detector) {
		if factor > 0 {
			d.scale = factor
		}
	}
}

// Detector implements [vad.Detector] using normalised RMS frame energy.
// Safe for concurrent use; sessions are independent.
type Detector struct {
	scale float64
}

var _ vad.Detector = (*Detector)(nil)

// New creates an energy Detector.
func New(opts ...Option) *Detector {
	d := &Detector{scale: 1.0}
	for _, o := range opts {
		o(d)
	}
	return d
}

// NewSession implements [vad.Detector].
func (d *Detector) NewSession(cfg vad.Config) (vad.Session, error) {
	if cfg.SpeechThreshold == 0 {
		cfg.SpeechThreshold = defaultSpeechThreshold
	}
	if cfg.SilenceThreshold == 0 {
		cfg.SilenceThreshold = defaultSilenceThreshold
	}
	if cfg.SilenceTimeout == 0 {
		cfg.SilenceTimeout = defaultSilenceTimeout
	}
	if cfg.FrameDuration <= 0 {
		return nil, fmt.Errorf("energy vad: frame duration must be positive, got %v", cfg.FrameDuration)
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("energy vad: speech threshold %.3f out of range [0, 1]", cfg.SpeechThreshold)
	}
	if cfg.SilenceThreshold < 0 || cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy vad: silence threshold %.3f must be in [0, %.3f]", cfg.SilenceThreshold, cfg.SpeechThreshold)
	}
	return &session{cfg: cfg, scale: d.scale}, nil
}

// session tracks hysteresis state for one audio stream.
type session struct {
	cfg   vad.Config
	scale float64

	inSpeech bool
	speech   time.Duration // total length of the open segment
	silence  time.Duration // current run below the silence threshold
	closed   bool
}

var _ vad.Session = (*session)(nil)

// ProcessFrame implements [vad.Session].
func (s *session) ProcessFrame(frame []byte) (vad.Event, error) {
	if s.closed {
		return vad.Event{}, fmt.Errorf("energy vad: session is closed")
	}
	if len(frame) == 0 || len(frame)%2 != 0 {
		return vad.Event{}, fmt.Errorf("energy vad: frame must be non-empty int16 PCM, got %d bytes", len(frame))
	}

	e := audio.RMS(frame) * s.scale
	if e > 1 {
		e = 1
	}

	if !s.inSpeech {
		if e >= s.cfg.SpeechThreshold {
			s.inSpeech = true
			s.speech = s.cfg.FrameDuration
			s.silence = 0
			return vad.Event{Type: vad.SpeechStart, Energy: e}, nil
		}
		return vad.Event{Type: vad.Silence, Energy: e}, nil
	}

	s.speech += s.cfg.FrameDuration
	if e < s.cfg.SilenceThreshold {
		s.silence += s.cfg.FrameDuration
		if s.silence >= s.cfg.SilenceTimeout {
			s.endSegment()
			return vad.Event{Type: vad.SpeechEnd, Energy: e}, nil
		}
	} else {
		s.silence = 0
	}

	if s.cfg.MaxSegment > 0 && s.speech >= s.cfg.MaxSegment {
		s.endSegment()
		return vad.Event{Type: vad.SpeechEnd, Energy: e, Forced: true}, nil
	}

	return vad.Event{Type: vad.SpeechContinue, Energy: e}, nil
}

func (s *session) endSegment() {
	s.inSpeech = false
	s.speech = 0
	s.silence = 0
}

// Reset implements [vad.Session].
func (s *session) Reset() {
	s.endSegment()
}

// Close implements [vad.Session].
func (s *session) Close() error {
	s.closed = true
	return nil
}
