package tts

// Voice describes a speaking voice.
type Voice struct {
	// ID is the provider-specific voice identifier. For cloned voices this
	// is the speaker profile ID issued by the provider.
	ID string

	// Name is the display name users refer to the voice by, e.g. in a
	// spoken "switch to Sunny's voice" request.
	Name string

	// Provider identifies which backend the voice belongs to.
	Provider string

	// Cloned marks voices built from a user's recorded samples; backends
	// address them differently from catalogue voices.
	Cloned bool

	// Params holds prosody overrides (rate, pitch, volume) applied to
	// every sentence spoken with this voice.
	Params map[string]string
}

// Request is one sentence to synthesise.
type Request struct {
	// Text is the sentence, already stripped of control tags.
	Text string

	// Voice selects the speaking voice. A zero Voice uses the backend's
	// default.
	Voice Voice

	// Emotion is an optional expressive style (e.g. "cheerful", "sad")
	// carried over from the LLM's emotion channel. Backends without
	// expressive synthesis ignore it.
	Emotion string
}
