// Package intent defines the Matcher interface for utterance intent
// recognition.
//
// An intent matcher inspects a final transcript before it reaches the LLM and
// decides whether the utterance is a device command (volume, goodbye, ...)
// that should short-circuit the turn. Matchers must be cheap: they run on the
// hot path of every recognised utterance.
package intent

import "context"

// Match is a recognised intent.
type Match struct {
	// Intent is the canonical intent name, e.g. "volume_up".
	Intent string

	// Phrase is the trigger phrase that produced the match.
	Phrase string

	// Score is the similarity between the utterance and Phrase in [0.0, 1.0].
	// Exact phrase hits score 1.0.
	Score float64
}

// Matcher classifies a final transcript into an intent.
//
// Implementations must be safe for concurrent use. The boolean reports
// whether an intent was recognised; err is reserved for backends that call
// out to a service and should be nil for local matchers.
type Matcher interface {
	Match(ctx context.Context, text string) (Match, bool, error)
}
