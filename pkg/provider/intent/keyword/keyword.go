// Package keyword implements intent.Matcher with a phrase table and a
// Jaro-Winkler fuzzy fallback.
//
// Matching proceeds in two passes:
//
//  1. Containment: the normalised utterance is scanned for each normalised
//     trigger phrase. A hit scores 1.0. Normalisation lowercases and strips
//     spacing and punctuation, so CJK phrases match regardless of the
//     recogniser's punctuation habits.
//
//  2. Fuzzy fallback: when nothing is contained, the whole utterance is
//     compared against each phrase with Jaro-Winkler similarity and the best
//     phrase wins — provided its score reaches the configurable threshold
//     (default 0.85). This absorbs small recognition slips on short command
//     utterances.
package keyword

import (
	"context"
	"errors"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"

	"github.com/starbud-ai/starbud/pkg/provider/intent"
)

const defaultFuzzyThreshold = 0.85

// Rule maps an intent name to its trigger phrases.
type Rule struct {
	// Intent is the canonical intent name, e.g. "volume_up".
	Intent string

	// Phrases are the utterances that trigger the intent. Matching is
	// case-insensitive and ignores punctuation.
	Phrases []string
}

// DefaultRules returns the built-in device command table.
func DefaultRules() []Rule {
	return []Rule{
		{
			Intent:  "volume_up",
			Phrases: []string{"大声一点", "声音大一点", "音量调大", "turn up the volume", "louder"},
		},
		{
			Intent:  "volume_down",
			Phrases: []string{"小声一点", "声音小一点", "音量调小", "turn down the volume", "quieter"},
		},
		{
			Intent:  "volume_mute",
			Phrases: []string{"静音", "别出声", "mute yourself"},
		},
		{
			Intent:  "exit",
			Phrases: []string{"再见", "拜拜", "下次再聊", "goodbye", "bye bye"},
		},
	}
}

// Compile-time assertion that Matcher implements intent.Matcher.
var _ intent.Matcher = (*Matcher)(nil)

// Option is a functional option for configuring a Matcher.
type Option func(*Matcher)

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phrase is contained in the utterance. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// entry is one normalised trigger phrase.
type entry struct {
	intent     string
	phrase     string
	normalized string
}

// Matcher is a keyword intent matcher. All methods are safe for concurrent
// use — the Matcher is read-only after construction.
type Matcher struct {
	entries        []entry
	fuzzyThreshold float64
}

// New returns a Matcher for the given rule table. Phrases that are empty
// after normalisation are dropped; a table with no usable phrase is an error.
func New(rules []Rule, opts ...Option) (*Matcher, error) {
	m := &Matcher{fuzzyThreshold: defaultFuzzyThreshold}
	for _, o := range opts {
		o(m)
	}
	for _, r := range rules {
		for _, p := range r.Phrases {
			norm := normalize(p)
			if norm == "" {
				continue
			}
			m.entries = append(m.entries, entry{intent: r.Intent, phrase: p, normalized: norm})
		}
	}
	if len(m.entries) == 0 {
		return nil, errors.New("keyword: rules must contain at least one non-empty phrase")
	}
	return m, nil
}

// Match implements intent.Matcher.
func (m *Matcher) Match(_ context.Context, text string) (intent.Match, bool, error) {
	norm := normalize(text)
	if norm == "" {
		return intent.Match{}, false, nil
	}

	// Pass 1: phrase containment.
	for _, e := range m.entries {
		if strings.Contains(norm, e.normalized) {
			return intent.Match{Intent: e.intent, Phrase: e.phrase, Score: 1.0}, true, nil
		}
	}

	// Pass 2: fuzzy whole-utterance comparison.
	var best entry
	bestScore := 0.0
	for _, e := range m.entries {
		if s := matchr.JaroWinkler(norm, e.normalized, false); s > bestScore {
			best = e
			bestScore = s
		}
	}
	if bestScore >= m.fuzzyThreshold {
		return intent.Match{Intent: best.intent, Phrase: best.phrase, Score: bestScore}, true, nil
	}
	return intent.Match{}, false, nil
}

// normalize lowercases text and strips spacing, punctuation and symbols.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
