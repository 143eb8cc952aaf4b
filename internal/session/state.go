package session

// State is the pipeline state of one session. Transitions happen only
// inside the actor loop.
type State int

const (
	// StateIdle means no capture or generation is in progress.
	StateIdle State = iota

	// StateListening means uplink audio is being fed to the voice
	// detector (or accumulated, in manual mode).
	StateListening

	// StateTranscribing means a finished segment is at the recognizer.
	StateTranscribing

	// StateGenerating means an LLM completion is streaming.
	StateGenerating

	// StateSpeaking means reply audio is being synthesised and paced out.
	StateSpeaking

	// StateCancelling means a barge-in is draining the previous turn.
	StateCancelling

	// StateClosed is terminal.
	StateClosed
)

// String returns the lowercase state name for logging.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateTranscribing:
		return "transcribing"
	case StateGenerating:
		return "generating"
	case StateSpeaking:
		return "speaking"
	case StateCancelling:
		return "cancelling"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// busy reports whether the turn slot is taken: a recognition finishing, a
// generation running, playback, or a cancel draining. New input queues
// behind it instead of starting a second turn.
func (s State) busy() bool {
	return s == StateTranscribing || s == StateGenerating ||
		s == StateSpeaking || s == StateCancelling
}
