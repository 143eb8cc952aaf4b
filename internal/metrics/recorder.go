// Package metrics records per-call usage of the AI backends without ever
// blocking the voice pipeline.
//
// A pipeline stage opens a monitor with [Recorder.Start] before calling its
// backend and completes it with [Recorder.Finish] (or discards it with
// [Recorder.Cancel] on barge-in). Completed records wait in a bounded
// in-memory buffer that a background worker flushes to Postgres in batches;
// when the buffer overflows the oldest record is dropped and counted. Cost
// is attached at flush time from the pricing table.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/starbud-ai/starbud/internal/store"
)

// Statuses stamped on finished records.
const (
	StatusOK        = "ok"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// maxBatch caps how many records one flush writes.
const maxBatch = 100

// Sink is where flushed records and stat queries go. *store.Store
// implements it.
type Sink interface {
	InsertMetrics(ctx context.Context, rows []store.MetricRow) error
	StatsSince(ctx context.Context, since time.Time) ([]store.MetricStat, error)
}

var _ Sink = (*store.Store)(nil)

// Usage is everything a pipeline stage reports when its backend call ends.
// Zero fields are simply not recorded.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	InputChars       int
	OutputChars      int

	// FirstByte is time to first audio byte (tts) and FirstToken time to
	// first streamed token (llm), both measured from Start.
	FirstByte  time.Duration
	FirstToken time.Duration

	// Err marks the call failed; the record is still written with an
	// error status so failure rates show up in the stats.
	Err error
}

type monitor struct {
	kind      string
	provider  string
	model     string
	sessionID string
	start     time.Time
}

// Option configures a [Recorder].
type Option func(*Recorder)

// WithFlushInterval sets the maximum time a completed record waits before
// being written. The default is 5 seconds.
func WithFlushInterval(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.flushInterval = d
		}
	}
}

// WithBufferSize caps the completed-record buffer. The default is 1000.
func WithBufferSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.bufferSize = n
		}
	}
}

// WithPricing lays custom per-model rates over the built-in table.
func WithPricing(custom map[string]Pricing) Option {
	return func(r *Recorder) {
		for model, p := range custom {
			r.pricing[model] = p
		}
	}
}

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(r *Recorder) {
		if log != nil {
			r.log = log
		}
	}
}

// WithMirror installs OTel mirror counters for the essentials.
func WithMirror(m Mirror) Option {
	return func(r *Recorder) { r.mirror = m }
}

// Mirror receives the token and drop counts a second time so they show up
// on the Prometheus endpoint without a database query.
type Mirror interface {
	AddTokens(ctx context.Context, provider, model string, prompt, completion int64)
	AddDropped(ctx context.Context, n int64)
}

// Recorder is the asynchronous usage recorder. All methods are safe for
// concurrent use and none of them blocks on the database.
type Recorder struct {
	sink          Sink
	log           *slog.Logger
	flushInterval time.Duration
	bufferSize    int
	pricing       map[string]Pricing
	mirror        Mirror

	mu      sync.Mutex
	active  map[string]monitor
	buf     []store.MetricRow
	dropped int64

	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// New creates a recorder flushing into sink and starts its background
// worker. Call [Recorder.Close] to flush the tail and stop it.
func New(sink Sink, opts ...Option) *Recorder {
	r := &Recorder{
		sink:          sink,
		log:           slog.Default(),
		flushInterval: 5 * time.Second,
		bufferSize:    1000,
		pricing:       defaultPricing(),
		active:        make(map[string]monitor),
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.run()
	return r
}

// Start opens a monitor for one backend call and returns its id.
func (r *Recorder) Start(kind, provider, model, sessionID string) string {
	id := uuid.NewString()
	r.mu.Lock()
	r.active[id] = monitor{
		kind:      kind,
		provider:  provider,
		model:     model,
		sessionID: sessionID,
		start:     time.Now(),
	}
	r.mu.Unlock()
	return id
}

// Finish completes a monitor and queues its record for flushing. Finishing
// an unknown or already-cancelled id is a no-op.
func (r *Recorder) Finish(id string, u Usage) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.active[id]
	if !ok {
		return
	}
	delete(r.active, id)

	status := StatusOK
	if u.Err != nil {
		status = StatusError
	}
	row := store.MetricRow{
		MonitorID:        id,
		Kind:             m.kind,
		Provider:         m.provider,
		Model:            m.model,
		SessionID:        m.sessionID,
		StartTime:        m.start,
		EndTime:          now,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.PromptTokens + u.CompletionTokens,
		InputChars:       u.InputChars,
		OutputChars:      u.OutputChars,
		FirstByteMS:      u.FirstByte.Milliseconds(),
		FirstTokenMS:     u.FirstToken.Milliseconds(),
		TotalMS:          now.Sub(m.start).Milliseconds(),
		Status:           status,
	}
	row.InputCost, row.OutputCost, row.TotalCost = r.price(m.model, u.PromptTokens, u.CompletionTokens)

	r.enqueueLocked(row)

	if r.mirror != nil {
		r.mirror.AddTokens(context.Background(), m.provider, m.model,
			int64(u.PromptTokens), int64(u.CompletionTokens))
	}
}

// Cancel discards a monitor without writing a record. Used when barge-in
// aborts a call whose usage is meaningless.
func (r *Recorder) Cancel(id string) {
	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()
}

// Dropped reports how many completed records were lost to buffer overflow.
func (r *Recorder) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// enqueueLocked appends a completed row, dropping the oldest beyond the cap.
// Caller holds r.mu.
func (r *Recorder) enqueueLocked(row store.MetricRow) {
	if len(r.buf) >= r.bufferSize {
		r.buf = r.buf[1:]
		r.dropped++
		if r.mirror != nil {
			r.mirror.AddDropped(context.Background(), 1)
		}
	}
	r.buf = append(r.buf, row)
}

func (r *Recorder) run() {
	defer close(r.stopped)

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			r.flushAll()
			return
		case <-ticker.C:
			r.flushAll()
		}
	}
}

// flushAll drains the buffer in batches of at most maxBatch.
func (r *Recorder) flushAll() {
	for {
		r.mu.Lock()
		n := len(r.buf)
		if n == 0 {
			r.mu.Unlock()
			return
		}
		if n > maxBatch {
			n = maxBatch
		}
		batch := make([]store.MetricRow, n)
		copy(batch, r.buf[:n])
		r.buf = r.buf[n:]
		r.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := r.sink.InsertMetrics(ctx, batch)
		cancel()
		if err != nil {
			r.log.Warn("metrics flush failed, batch re-queued", "count", len(batch), "err", err)
			r.requeue(batch)
			return
		}
	}
}

// requeue puts a batch the sink rejected back at the head of the buffer so
// the next flush retries it in order. The buffer cap still holds: if the
// batch no longer fits the oldest records are dropped and counted.
func (r *Recorder) requeue(batch []store.MetricRow) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf = append(batch, r.buf...)
	if over := len(r.buf) - r.bufferSize; over > 0 {
		r.buf = r.buf[over:]
		r.dropped += int64(over)
		if r.mirror != nil {
			r.mirror.AddDropped(context.Background(), int64(over))
		}
	}
}

// Close flushes whatever is buffered and stops the worker.
func (r *Recorder) Close() error {
	r.stopOnce.Do(func() { close(r.done) })
	<-r.stopped
	return nil
}

// Stats aggregates usage per (kind, provider, model) over a trailing
// period: "hour", "day", "week" or "month".
func (r *Recorder) Stats(ctx context.Context, period string) ([]store.MetricStat, error) {
	since, err := periodStart(period, time.Now())
	if err != nil {
		return nil, err
	}
	return r.sink.StatsSince(ctx, since)
}

func periodStart(period string, now time.Time) (time.Time, error) {
	switch period {
	case "hour":
		return now.Add(-time.Hour), nil
	case "day":
		return now.AddDate(0, 0, -1), nil
	case "week":
		return now.AddDate(0, 0, -7), nil
	case "month":
		return now.AddDate(0, -1, 0), nil
	}
	return time.Time{}, fmt.Errorf("metrics: %w: %q", errBadPeriod, period)
}

var errBadPeriod = errors.New("unknown stats period")
