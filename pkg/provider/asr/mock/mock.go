// Package mock provides a test double for the asr.Recognizer interface.
//
// Script Results to control what successive Recognize calls return, set Err
// to force failures, and use Delay to simulate a slow backend in timeout
// tests. Recorded calls carry copies of the submitted audio.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/starbud-ai/starbud/pkg/provider/asr"
)

// RecognizeCall records a single invocation of Recognizer.Recognize.
type RecognizeCall struct {
	// WAV is a copy of the bytes passed to Recognize.
	WAV []byte

	// Language is the requested recognition language.
	Language string
}

// Recognizer is a mock implementation of asr.Recognizer.
type Recognizer struct {
	mu sync.Mutex

	// Results are returned by successive Recognize calls in order. When the
	// script runs out, the last result repeats; an empty script yields the
	// zero Result.
	Results []asr.Result

	// Err, if non-nil, is returned by every Recognize call.
	Err error

	// Delay pauses each Recognize call before it returns, honouring ctx
	// cancellation. Zero means no delay.
	Delay time.Duration

	// RecognizeCalls records every call to Recognize in order.
	RecognizeCalls []RecognizeCall
}

// Recognize records the call and returns the next scripted Result.
func (m *Recognizer) Recognize(ctx context.Context, audio asr.Audio) (asr.Result, error) {
	m.mu.Lock()
	wav := make([]byte, len(audio.WAV))
	copy(wav, audio.WAV)
	m.RecognizeCalls = append(m.RecognizeCalls, RecognizeCall{WAV: wav, Language: audio.Language})

	delay := m.Delay
	err := m.Err
	var res asr.Result
	if len(m.Results) > 0 {
		idx := len(m.RecognizeCalls) - 1
		if idx >= len(m.Results) {
			idx = len(m.Results) - 1
		}
		res = m.Results[idx]
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return asr.Result{}, ctx.Err()
		}
	}
	if err != nil {
		return asr.Result{}, err
	}
	return res, nil
}

// Reset clears all recorded call history. Thread-safe.
func (m *Recognizer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RecognizeCalls = nil
}

// Ensure Recognizer implements asr.Recognizer at compile time.
var _ asr.Recognizer = (*Recognizer)(nil)
