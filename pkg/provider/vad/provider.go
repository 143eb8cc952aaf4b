// Package vad defines the Detector interface for voice activity detection
// backends.
//
// A VAD detector wraps a frame-level speech classifier and surfaces it as a
// stateful, per-stream session. Each session maintains its own state (speech
// run, silence run) so that multiple concurrent audio streams can be
// processed independently.
//
// VAD is synchronous by design: ProcessFrame returns immediately with a
// detection result, making it suitable for low-latency pipeline stages that
// gate recognizer input.
//
// Implementations must be safe for concurrent use across different sessions.
// A single Session must not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import "time"

// Config holds the parameters for a VAD session. Thresholds are normalised
// energies in [0.0, 1.0]; the pair forms a hysteresis band: speech starts
// when a frame reaches SpeechThreshold and ends only after SilenceTimeout of
// frames below SilenceThreshold.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// PCM frames passed to ProcessFrame.
	SampleRate int

	// FrameDuration is the duration of each audio frame. ProcessFrame uses it
	// to advance the session clock; mismatched frame sizes skew the timeouts.
	FrameDuration time.Duration

	// SpeechThreshold is the energy at or above which a frame opens a speech
	// segment. Range: [0.0, 1.0].
	SpeechThreshold float64

	// SilenceThreshold is the energy below which a frame counts towards the
	// silence run that closes a segment. Must be ≤ SpeechThreshold.
	SilenceThreshold float64

	// SilenceTimeout is how long frames must stay below SilenceThreshold
	// before an open segment ends.
	SilenceTimeout time.Duration

	// MaxSegment caps the length of a single speech segment. When reached,
	// the session emits a forced SpeechEnd so the recognizer never waits on
	// an unbounded recording. Zero disables the cap.
	MaxSegment time.Duration
}

// Session represents an active VAD session for a single audio stream.
// Each session maintains its own detection state; Reset clears this state
// without closing the session.
type Session interface {
	// ProcessFrame analyses a single audio frame and returns the detection
	// result. The frame must be raw little-endian int16 PCM at the configured
	// SampleRate and FrameDuration. Returns an error if the frame is
	// malformed or the session is closed.
	//
	// This method is called synchronously in the audio loop; it must not block.
	ProcessFrame(frame []byte) (Event, error)

	// Reset clears all accumulated detection state without closing the
	// session. Use this when the audio stream is interrupted or restarted so
	// stale state from the previous segment cannot affect subsequent frames.
	Reset()

	// Close releases all resources associated with the session. After Close,
	// ProcessFrame returns an error. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Detector is the factory for VAD sessions. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call NewSession simultaneously to create independent sessions.
type Detector interface {
	// NewSession creates a new VAD session with the given configuration. The
	// session is immediately ready to accept audio frames.
	//
	// Returns an error if the configuration is invalid (thresholds out of
	// range, inverted hysteresis band, missing frame duration).
	NewSession(cfg Config) (Session, error)
}
