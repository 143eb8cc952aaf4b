// Package summary runs the background growth pipeline: per-session
// analyses mined from transcripts, daily and weekly rollups for parents,
// and the nightly metrics retention sweep.
//
// Everything here is queue-driven through Postgres. Sessions enqueue an
// analysis row when they close; workers claim rows with SKIP LOCKED, so
// several gateway instances can run the pipeline side by side without
// stepping on each other. Rollups are scheduled as (agent, date, type)
// slots and claimed the same way once their due time passes.
package summary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/starbud-ai/starbud/internal/config"
	"github.com/starbud-ai/starbud/internal/metrics"
	"github.com/starbud-ai/starbud/internal/store"
	"github.com/starbud-ai/starbud/pkg/provider/llm"
)

// retention sweep runs at a quiet hour; the exact minute does not matter.
const retentionSchedule = "0 4 * * *"

// Store is the slice of the conversation store the pipeline needs.
type Store interface {
	ClaimAnalysis(ctx context.Context) (store.SessionAnalysis, error)
	CompleteAnalysis(ctx context.Context, id int64, result json.RawMessage) error
	FailAnalysis(ctx context.Context, id int64, maxRetries int) error
	ResetProcessingAnalyses(ctx context.Context) (int64, error)
	ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]store.Message, error)

	ListActiveAgentIDs(ctx context.Context) ([]int64, error)
	GetAgent(ctx context.Context, id int64) (store.Agent, error)

	ScheduleSummary(ctx context.Context, agentID int64, date time.Time, summaryType string, dueAt time.Time) error
	ClaimDueSummary(ctx context.Context, now time.Time) (store.GrowthSummary, error)
	CompleteSummary(ctx context.Context, id int64, content json.RawMessage) error
	FailSummary(ctx context.Context, id int64) error
	AnalysesBetween(ctx context.Context, agentID int64, from, to time.Time) ([]store.SessionAnalysis, error)
	MessagesBetween(ctx context.Context, agentID int64, from, to time.Time) ([]store.Message, error)

	PruneMetrics(ctx context.Context, before time.Time) (int64, error)
}

var _ Store = (*store.Store)(nil)

// Config wires a [Scheduler].
type Config struct {
	Store Store

	// LLM writes the analysis and rollup texts. Usually the same provider
	// the voice pipeline uses, resolved once at startup.
	LLM llm.Provider

	// Recorder, when set, accounts the pipeline's LLM calls alongside the
	// voice pipeline's in ai_metrics.
	Recorder *metrics.Recorder

	Summary config.SummaryConfig

	// RetentionDays is how long ai_metrics rows are kept. Zero means 30.
	RetentionDays int

	// Location anchors "which day is it" for daily rollups and the
	// per-agent daily_summary_time. Defaults to time.Local.
	Location *time.Location

	Logger *slog.Logger
}

// Scheduler owns the cron entries and the analysis worker pool.
type Scheduler struct {
	cfg  Config
	log  *slog.Logger
	cron *cron.Cron

	// poll is how long an idle analysis worker sleeps between claims;
	// backoff is the base delay between LLM retry attempts.
	poll    time.Duration
	backoff time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates cfg and builds a scheduler. Call [Scheduler.Start] to run it.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, errors.New("summary: store is required")
	}
	if cfg.LLM == nil {
		return nil, errors.New("summary: llm provider is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Summary.CheckSchedule == "" {
		cfg.Summary.CheckSchedule = "@every 10m"
	}
	if cfg.Summary.AnalysisWorkers <= 0 {
		cfg.Summary.AnalysisWorkers = 2
	}
	if cfg.Summary.MaxRetries <= 0 {
		cfg.Summary.MaxRetries = 3
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Scheduler{
		cfg:     cfg,
		log:     cfg.Logger.With(slog.String("component", "summary")),
		cron:    cron.New(),
		poll:    2 * time.Second,
		backoff: time.Second,
	}, nil
}

// Start recovers stranded jobs, launches the worker pool and the cron
// entries. It returns once everything is running; Close stops it.
func (s *Scheduler) Start(ctx context.Context) error {
	if n, err := s.cfg.Store.ResetProcessingAnalyses(ctx); err != nil {
		return fmt.Errorf("summary: reset stranded analyses: %w", err)
	} else if n > 0 {
		s.log.Info("requeued stranded analyses", slog.Int64("count", n))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for i := 0; i < s.cfg.Summary.AnalysisWorkers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.analysisLoop(runCtx)
		}()
	}

	if _, err := s.cron.AddFunc(s.cfg.Summary.CheckSchedule, func() {
		s.check(runCtx)
	}); err != nil {
		cancel()
		return fmt.Errorf("summary: bad check schedule %q: %w", s.cfg.Summary.CheckSchedule, err)
	}
	if _, err := s.cron.AddFunc(retentionSchedule, func() {
		s.pruneMetrics(runCtx)
	}); err != nil {
		cancel()
		return fmt.Errorf("summary: add retention entry: %w", err)
	}
	s.cron.Start()

	s.log.Info("summary pipeline started",
		slog.Int("workers", s.cfg.Summary.AnalysisWorkers),
		slog.String("schedule", s.cfg.Summary.CheckSchedule))
	return nil
}

// Close stops the cron entries and waits for in-flight jobs to finish.
func (s *Scheduler) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
	s.wg.Wait()
}

// check is one cron tick: make sure every active agent has its rollup
// slots scheduled, then work through whatever is due.
func (s *Scheduler) check(ctx context.Context) {
	now := time.Now().In(s.cfg.Location)

	ids, err := s.cfg.Store.ListActiveAgentIDs(ctx)
	if err != nil {
		s.log.Warn("listing active agents failed", slog.Any("error", err))
		return
	}
	for _, id := range ids {
		if err := s.scheduleAgent(ctx, id, now); err != nil {
			s.log.Warn("scheduling rollups failed",
				slog.Int64("agent_id", id), slog.Any("error", err))
		}
	}

	s.drainDue(ctx, now)
}

// scheduleAgent inserts the agent's daily slots for the trailing week and
// the previous ISO week's weekly slot. Existing slots keep their state, so
// this is safe to repeat every tick.
func (s *Scheduler) scheduleAgent(ctx context.Context, agentID int64, now time.Time) error {
	agent, err := s.cfg.Store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	agentCfg, err := config.ParseAgentConfig(agent.AgentConfig)
	if err != nil {
		return err
	}
	hh, mm := summaryClock(agentCfg.FunctionSettings.DailySummaryTime)

	for back := 0; back < 7; back++ {
		day := dayStart(now, s.cfg.Location).AddDate(0, 0, -back)
		dueAt := day.Add(time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute)
		if dueAt.After(now) {
			continue
		}
		if err := s.cfg.Store.ScheduleSummary(ctx, agentID, day, store.SummaryDaily, dueAt); err != nil {
			return err
		}
	}

	// The week that ended this past Monday at midnight.
	monday := weekStart(now, s.cfg.Location)
	if err := s.cfg.Store.ScheduleSummary(ctx, agentID, monday.AddDate(0, 0, -7), store.SummaryWeekly, monday); err != nil {
		return err
	}
	return nil
}

// drainDue claims and processes due rollups until the queue is empty.
func (s *Scheduler) drainDue(ctx context.Context, now time.Time) {
	for {
		g, err := s.cfg.Store.ClaimDueSummary(ctx, now)
		if errors.Is(err, store.ErrNotFound) {
			return
		}
		if err != nil {
			s.log.Warn("claiming rollup failed", slog.Any("error", err))
			return
		}
		s.processRollup(ctx, g)
		if ctx.Err() != nil {
			return
		}
	}
}

// pruneMetrics drops ai_metrics rows past the retention window.
func (s *Scheduler) pruneMetrics(ctx context.Context) {
	before := time.Now().AddDate(0, 0, -s.cfg.RetentionDays)
	n, err := s.cfg.Store.PruneMetrics(ctx, before)
	if err != nil {
		s.log.Warn("pruning metrics failed", slog.Any("error", err))
		return
	}
	if n > 0 {
		s.log.Info("pruned metrics", slog.Int64("rows", n), slog.Time("before", before))
	}
}

// complete calls the LLM with up to three attempts (1s, 2s, 4s apart, with
// jitter) and records the call when a recorder is wired.
func (s *Scheduler) complete(ctx context.Context, job string, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * s.backoff
			if half := int64(backoff) / 2; half > 0 {
				backoff += time.Duration(rand.Int63n(half))
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		var mon string
		if s.cfg.Recorder != nil {
			mon = s.cfg.Recorder.Start("llm", "summary", "summary", job)
		}
		resp, err := s.cfg.LLM.Complete(ctx, req)
		if s.cfg.Recorder != nil {
			u := metrics.Usage{Err: err}
			if resp != nil {
				u.PromptTokens = resp.Usage.PromptTokens
				u.CompletionTokens = resp.Usage.CompletionTokens
				u.OutputChars = len(resp.Content)
			}
			s.cfg.Recorder.Finish(mon, u)
		}
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// summaryClock parses the agent's "HH:MM" summary time, falling back to
// the default when it is missing or mangled.
func summaryClock(v string) (hh, mm int) {
	if v == "" {
		v = config.DefaultDailySummaryAt
	}
	t, err := time.Parse("15:04", v)
	if err != nil {
		t, _ = time.Parse("15:04", config.DefaultDailySummaryAt)
	}
	return t.Hour(), t.Minute()
}

func dayStart(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// weekStart returns the most recent Monday at midnight (ISO weeks start
// on Monday).
func weekStart(t time.Time, loc *time.Location) time.Time {
	d := dayStart(t, loc)
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}
