package session

import (
	"context"
	"errors"

	"github.com/starbud-ai/starbud/internal/protocol"
)

// providerFailure tags an error as coming back from a provider module, as
// opposed to the session's own plumbing. The classifier needs the
// distinction: provider failures end the turn as provider_fatal, everything
// else is a bug and reports as internal.
type providerFailure struct{ err error }

func (p *providerFailure) Error() string { return p.err.Error() }
func (p *providerFailure) Unwrap() error { return p.err }

// providerErr wraps a provider module failure for classification. Passes nil
// through.
func providerErr(err error) error {
	if err == nil {
		return nil
	}
	return &providerFailure{err: err}
}

// classifyErr maps a turn failure onto the error kind reported to the
// client. Deadline hits are timeouts, temporary network conditions are
// transient (the turn retries those once), other provider failures are fatal
// for the current turn, and anything the providers did not cause is
// internal.
func classifyErr(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return protocol.ErrKindTimeout
	}
	var tmp interface{ Temporary() bool }
	if errors.As(err, &tmp) && tmp.Temporary() {
		return protocol.ErrKindProviderTransient
	}
	var to interface{ Timeout() bool }
	if errors.As(err, &to) && to.Timeout() {
		return protocol.ErrKindTimeout
	}
	var pf *providerFailure
	if errors.As(err, &pf) || errors.Is(err, errStreamFailed) {
		return protocol.ErrKindProviderFatal
	}
	return protocol.ErrKindInternal
}

// retryable reports whether a failed provider call is worth one more try.
func retryable(err error) bool {
	return classifyErr(err) == protocol.ErrKindProviderTransient
}
