package asr

import "strings"

// Default confidence band thresholds, applied when the agent config does not
// override them.
const (
	DefaultHighConfidence = 0.8
	DefaultLowConfidence  = 0.5
)

// CharScore is a single recognised character with its confidence.
type CharScore struct {
	Char       string
	Confidence float64
}

// Result is the outcome of recognising one utterance.
type Result struct {
	// Text is the display transcript. Empty when nothing was recognised.
	Text string

	// Confidence is the overall recognition confidence in [0, 1].
	Confidence float64

	// Chars carries per-character confidences when the backend provides
	// them (SenseVoice does, Azure does not). Nil otherwise.
	Chars []CharScore

	// Language is the recognition language of this result.
	Language string

	// Emotion is the speech emotion label from backends with SER support
	// (e.g. "EMO_HAPPY"). Empty when the backend has no emotion model.
	Emotion string
}

// Confidence bands for MarkText.
const (
	bandHigh = iota
	bandMid
	bandLow
)

// MarkText renders the transcript with confidence annotations: characters
// scoring above high pass through unchanged, characters between low and high
// are wrapped in square brackets, and characters below low are wrapped in
// parentheses. Adjacent characters in the same band share one pair of
// brackets, so "你[好银](啊)" marks the middle run as uncertain and the last
// character as a guess.
//
// When the result has no per-character scores the text is returned
// unannotated.
func (r Result) MarkText(high, low float64) string {
	if len(r.Chars) == 0 {
		return r.Text
	}

	var b strings.Builder
	band := -1
	for _, cs := range r.Chars {
		next := bandLow
		switch {
		case cs.Confidence > high:
			next = bandHigh
		case cs.Confidence >= low:
			next = bandMid
		}
		if next != band {
			closeBand(&b, band)
			openBand(&b, next)
			band = next
		}
		b.WriteString(cs.Char)
	}
	closeBand(&b, band)
	return b.String()
}

func openBand(b *strings.Builder, band int) {
	switch band {
	case bandMid:
		b.WriteByte('[')
	case bandLow:
		b.WriteByte('(')
	}
}

func closeBand(b *strings.Builder, band int) {
	switch band {
	case bandMid:
		b.WriteByte(']')
	case bandLow:
		b.WriteByte(')')
	}
}
