package session

import "strings"

// Terminal punctuation that closes a sentence. Covers the CJK set the
// models actually emit plus their ASCII counterparts.
const sentenceTerminators = "。！？.!?～…"

// Closing quotes and brackets that attach to the sentence they follow, so
// `他说："你好。"` splits after the quote, not before it.
const trailingClosers = "”』」’\"'）)】]"

// accumulator gathers streamed LLM deltas and slices off complete sentences
// for synthesis. Angle-bracket control tags (e.g. <voice|Sunny>) are
// extracted from the stream before they can reach the speech synthesiser.
//
// Not safe for concurrent use; each turn owns one.
type accumulator struct {
	buf strings.Builder
	tag strings.Builder

	inTag bool
}

// maxTagLen bounds how long a pending tag can grow before it is treated as
// literal text that happened to contain a '<'.
const maxTagLen = 64

// feed appends one streamed delta and returns any completed sentences plus
// any control tags that closed inside it.
func (a *accumulator) feed(delta string) (sentences, tags []string) {
	for _, r := range delta {
		if a.inTag {
			if r == '>' {
				tags = append(tags, a.tag.String())
				a.tag.Reset()
				a.inTag = false
				continue
			}
			a.tag.WriteRune(r)
			if a.tag.Len() > maxTagLen {
				// Not a tag after all; replay it as literal text.
				a.buf.WriteByte('<')
				a.buf.WriteString(a.tag.String())
				a.tag.Reset()
				a.inTag = false
			}
			continue
		}

		if r == '<' {
			a.inTag = true
			continue
		}

		// A closing quote right after a cut belongs to the sentence
		// that was just emitted, not the next one.
		if a.buf.Len() == 0 && strings.ContainsRune(trailingClosers, r) {
			if len(sentences) > 0 {
				sentences[len(sentences)-1] += string(r)
			}
			continue
		}

		a.buf.WriteRune(r)
		if isTerminator(r) && !a.midNumber() {
			if s := a.cut(); s != "" {
				sentences = append(sentences, s)
			}
		}
	}
	return sentences, tags
}

// flush returns the final partial sentence, if any.
func (a *accumulator) flush() string {
	if a.inTag {
		// Stream ended inside an unclosed tag; restore it as text.
		a.buf.WriteByte('<')
		a.buf.WriteString(a.tag.String())
		a.tag.Reset()
		a.inTag = false
	}
	s := strings.TrimSpace(a.buf.String())
	a.buf.Reset()
	return s
}

// cut takes the buffered text as one sentence, if it holds anything beyond
// punctuation and whitespace.
func (a *accumulator) cut() string {
	s := strings.TrimSpace(a.buf.String())
	a.buf.Reset()
	if strings.TrimLeft(s, sentenceTerminators+trailingClosers+" ") == "" {
		return ""
	}
	return s
}

// midNumber reports whether the buffer ends in a digit-dot pattern like
// "3." with more digits plausibly coming, so "3.14" never splits.
func (a *accumulator) midNumber() bool {
	s := a.buf.String()
	if len(s) < 2 || s[len(s)-1] != '.' {
		return false
	}
	c := s[len(s)-2]
	return c >= '0' && c <= '9'
}

func isTerminator(r rune) bool {
	return strings.ContainsRune(sentenceTerminators, r)
}

// parseVoiceTag splits a control tag of the form "voice|Name" and reports
// whether it is a voice switch.
func parseVoiceTag(tag string) (name string, ok bool) {
	kind, rest, found := strings.Cut(tag, "|")
	if !found || kind != "voice" {
		return "", false
	}
	name = strings.TrimSpace(rest)
	return name, name != ""
}
