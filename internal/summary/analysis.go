package summary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/starbud-ai/starbud/internal/store"
	"github.com/starbud-ai/starbud/pkg/provider/llm"
)

// transcriptCap bounds how much of a long session the analysis prompt
// carries. Sessions rarely get near this; it guards the context window.
const transcriptCap = 400

const analysisPrompt = "下面是一个孩子和语音伙伴的对话记录。请分析这次对话，" +
	"输出一个 JSON 对象，字段为：summary（一句话概括这次对话）、" +
	"themes（字符串数组，谈到的主题）、mood（一个词，孩子的整体情绪）、" +
	"new_words（字符串数组，孩子说出的新鲜或复杂词汇，没有则为空数组）。" +
	"只输出 JSON，不要其他文字。"

// analysisResult is the shape the model is asked for. Anything it returns
// that parses as JSON is stored verbatim; this struct only backs the
// rollup aggregation later.
type analysisResult struct {
	Summary  string   `json:"summary"`
	Themes   []string `json:"themes"`
	Mood     string   `json:"mood"`
	NewWords []string `json:"new_words"`
}

// analysisLoop claims pending jobs until ctx ends. An empty queue backs
// off for one poll interval; a drained job is followed immediately by the
// next claim so bursts clear quickly.
func (s *Scheduler) analysisLoop(ctx context.Context) {
	for {
		job, err := s.cfg.Store.ClaimAnalysis(ctx)
		switch {
		case errors.Is(err, store.ErrNotFound):
			select {
			case <-time.After(s.poll):
			case <-ctx.Done():
				return
			}
			continue
		case err != nil:
			s.log.Warn("claiming analysis failed", slog.Any("error", err))
			select {
			case <-time.After(s.poll):
			case <-ctx.Done():
				return
			}
			continue
		}

		s.processAnalysis(ctx, job)
		if ctx.Err() != nil {
			return
		}
	}
}

// processAnalysis runs one claimed job to completion or back to pending.
func (s *Scheduler) processAnalysis(ctx context.Context, job store.SessionAnalysis) {
	log := s.log.With(slog.String("session_id", job.SessionID), slog.Int64("analysis_id", job.ID))

	result, err := s.analyzeSession(ctx, job)
	if err != nil {
		log.Warn("session analysis failed",
			slog.Int("retry", job.RetryCount), slog.Any("error", err))
		if ferr := s.cfg.Store.FailAnalysis(ctx, job.ID, s.cfg.Summary.MaxRetries); ferr != nil {
			log.Warn("marking analysis failed errored", slog.Any("error", ferr))
		}
		return
	}
	if err := s.cfg.Store.CompleteAnalysis(ctx, job.ID, result); err != nil {
		log.Warn("storing analysis failed", slog.Any("error", err))
		return
	}
	log.Debug("session analyzed")
}

// analyzeSession reads the transcript and asks the model for the JSON
// analysis. A session with no transcript completes as skipped rather than
// burning an LLM call.
func (s *Scheduler) analyzeSession(ctx context.Context, job store.SessionAnalysis) (json.RawMessage, error) {
	msgs, err := s.cfg.Store.ListMessages(ctx, job.SessionID, transcriptCap, 0)
	if err != nil {
		return nil, fmt.Errorf("summary: load transcript: %w", err)
	}
	transcript := renderTranscript(msgs)
	if transcript == "" {
		return json.RawMessage(`{"skipped":true}`), nil
	}

	resp, err := s.complete(ctx, job.SessionID, llm.CompletionRequest{
		SystemPrompt: analysisPrompt,
		Messages:     []llm.Message{{Role: "user", Content: transcript}},
		MaxTokens:    512,
	})
	if err != nil {
		return nil, fmt.Errorf("summary: analyze session: %w", err)
	}
	return asJSON(resp.Content), nil
}

// renderTranscript flattens voice-lane messages into speaker-tagged lines.
func renderTranscript(msgs []store.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		if m.Compressed {
			continue
		}
		switch m.Role {
		case "user":
			b.WriteString("孩子：")
		case "assistant":
			b.WriteString("伙伴：")
		default:
			continue
		}
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// asJSON returns the model output when it parses as a JSON object, else
// wraps it so something readable is always stored.
func asJSON(content string) json.RawMessage {
	trimmed := strings.TrimSpace(content)
	// Models wrap JSON in code fences often enough to be worth stripping.
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	if json.Valid([]byte(trimmed)) && strings.HasPrefix(trimmed, "{") {
		return json.RawMessage(trimmed)
	}
	raw, _ := json.Marshal(map[string]string{"raw_content": content})
	return raw
}
