package resilience

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [Group] fails or has an
// open breaker.
var ErrAllFailed = errors.New("resilience: all providers failed")

// GroupConfig configures a [Group] and the per-entry breakers it creates.
type GroupConfig struct {
	// Breaker is the breaker template applied to every entry; the entry
	// name overrides Breaker.Name.
	Breaker BreakerConfig

	// Logger receives failover events. Default slog.Default().
	Logger *slog.Logger
}

type entry[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Group composes a primary and zero or more standby instances of one
// provider type, each behind its own [Breaker]. Calls go to the first entry
// whose breaker admits them and that does not fail; entries are tried in
// registration order.
//
// Group is safe for concurrent use once assembly (Add calls) is done.
type Group[T any] struct {
	entries []entry[T]
	cfg     GroupConfig
	log     *slog.Logger
}

// NewGroup creates a [Group] with primary as the first entry.
func NewGroup[T any](primary T, name string, cfg GroupConfig) *Group[T] {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Breaker.Logger = cfg.Logger
	g := &Group[T]{cfg: cfg, log: cfg.Logger}
	g.Add(name, primary)
	return g
}

// Add appends a standby provider. Standbys are tried in the order added,
// after the primary. Not safe to call concurrently with Execute.
func (g *Group[T]) Add(name string, value T) {
	bcfg := g.cfg.Breaker
	bcfg.Name = name
	g.entries = append(g.entries, entry[T]{
		name:    name,
		value:   value,
		breaker: NewBreaker(bcfg),
	})
}

// Primary returns the first entry's provider. Groups always hold at least
// one entry.
func (g *Group[T]) Primary() T {
	return g.entries[0].value
}

// Names lists the entry names in try order.
func (g *Group[T]) Names() []string {
	names := make([]string, len(g.entries))
	for i, e := range g.entries {
		names[i] = e.name
	}
	return names
}

// Close closes every member that holds resources.
func (g *Group[T]) Close() error {
	var errs []error
	for _, e := range g.entries {
		if c, ok := any(e.value).(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Execute tries fn against each entry in order until one succeeds. Entries
// with an open breaker are skipped. Returns [ErrAllFailed] wrapping the last
// error when every entry fails.
func (g *Group[T]) Execute(fn func(T) error) error {
	_, err := Call(g, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// Call tries fn against each entry in the group until one succeeds and
// returns its result. A package-level function because Go methods cannot
// introduce type parameters.
func Call[T, R any](g *Group[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range g.entries {
		e := &g.entries[i]
		var result R
		err := e.breaker.Execute(func() error {
			var callErr error
			result, callErr = fn(e.value)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrBreakerOpen) {
			g.log.Debug("provider skipped, breaker open", slog.String("provider", e.name))
		} else {
			g.log.Warn("provider failed, trying next",
				slog.String("provider", e.name),
				slog.Any("error", err))
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
