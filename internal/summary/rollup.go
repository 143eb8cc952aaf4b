package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"

	"github.com/starbud-ai/starbud/internal/store"
	"github.com/starbud-ai/starbud/pkg/provider/llm"
)

const dailyPrompt = "下面是一个孩子某一天与语音伙伴的对话分析记录。" +
	"请写一份给家长看的当日成长小结，输出一个 JSON 对象，字段为：" +
	"report（两三句中文小结）、themes（字符串数组，当天的主题）、" +
	"highlights（字符串数组，值得家长注意的点）。只输出 JSON，不要其他文字。"

const weeklyPrompt = "下面是一个孩子一周内与语音伙伴的对话分析记录。" +
	"请写一份给家长看的每周成长报告，输出一个 JSON 对象，字段为：" +
	"report（一段中文报告，概括这一周的变化）、themes（字符串数组，本周的主题）、" +
	"highlights（字符串数组，本周的亮点或需要关注的点）。只输出 JSON，不要其他文字。"

// rollupStats is the deterministic half of a rollup, computed from the
// period's analyses rather than asked of the model.
type rollupStats struct {
	Sessions     int      `json:"sessions"`
	Rounds       int      `json:"rounds"`
	TotalMinutes float64  `json:"total_minutes"`
	AvgUtterance float64  `json:"avg_utterance"`
	Themes       []string `json:"themes,omitempty"`
}

// processRollup generates one claimed daily or weekly summary. A period
// with no conversation completes with no content so the slot never comes
// up again.
func (s *Scheduler) processRollup(ctx context.Context, g store.GrowthSummary) {
	log := s.log.With(
		slog.Int64("rollup_id", g.ID),
		slog.Int64("agent_id", g.AgentID),
		slog.String("type", g.SummaryType),
		slog.Time("date", g.SummaryDate))

	content, err := s.buildRollup(ctx, g)
	if err != nil {
		log.Warn("rollup generation failed", slog.Any("error", err))
		if ferr := s.cfg.Store.FailSummary(ctx, g.ID); ferr != nil {
			log.Warn("marking rollup failed errored", slog.Any("error", ferr))
		}
		return
	}
	if err := s.cfg.Store.CompleteSummary(ctx, g.ID, content); err != nil {
		log.Warn("storing rollup failed", slog.Any("error", err))
		return
	}
	log.Info("rollup generated", slog.Bool("empty", content == nil))
}

func (s *Scheduler) buildRollup(ctx context.Context, g store.GrowthSummary) (json.RawMessage, error) {
	from := dayStart(g.SummaryDate, s.cfg.Location)
	to := from.AddDate(0, 0, 1)
	prompt := dailyPrompt
	if g.SummaryType == store.SummaryWeekly {
		to = from.AddDate(0, 0, 7)
		prompt = weeklyPrompt
	}

	analyses, err := s.cfg.Store.AnalysesBetween(ctx, g.AgentID, from, to)
	if err != nil {
		return nil, fmt.Errorf("summary: load analyses: %w", err)
	}
	msgs, err := s.cfg.Store.MessagesBetween(ctx, g.AgentID, from, to)
	if err != nil {
		return nil, fmt.Errorf("summary: load messages: %w", err)
	}
	if len(analyses) == 0 && len(msgs) == 0 {
		return nil, nil
	}

	stats, digest := aggregate(analyses, msgs)

	resp, err := s.complete(ctx, fmt.Sprintf("rollup-%d", g.ID), llm.CompletionRequest{
		SystemPrompt: prompt,
		Messages:     []llm.Message{{Role: "user", Content: digest}},
		MaxTokens:    1024,
	})
	if err != nil {
		return nil, fmt.Errorf("summary: generate rollup: %w", err)
	}

	out, err := json.Marshal(struct {
		Stats  rollupStats     `json:"stats"`
		Report json.RawMessage `json:"report"`
	}{Stats: stats, Report: asJSON(resp.Content)})
	if err != nil {
		return nil, fmt.Errorf("summary: encode rollup: %w", err)
	}
	return out, nil
}

// aggregate folds a period's analyses into stats plus a text digest for
// the model. Themes keep first-seen order with duplicates dropped;
// averages are rounded to two decimals.
func aggregate(analyses []store.SessionAnalysis, msgs []store.Message) (rollupStats, string) {
	stats := rollupStats{Sessions: len(analyses), Rounds: len(msgs)}

	var totalSeconds, totalUtter float64
	seen := map[string]bool{}
	var lines []string
	for _, a := range analyses {
		totalSeconds += a.DurationSeconds
		totalUtter += a.AvgUtterance

		var r analysisResult
		if err := json.Unmarshal(a.AnalysisResult, &r); err != nil {
			continue
		}
		for _, t := range r.Themes {
			if t != "" && !seen[t] {
				seen[t] = true
				stats.Themes = append(stats.Themes, t)
			}
		}
		if r.Summary != "" {
			line := "- " + r.Summary
			if r.Mood != "" {
				line += "（情绪：" + r.Mood + "）"
			}
			lines = append(lines, line)
		}
	}

	stats.TotalMinutes = round2(totalSeconds / 60)
	if len(analyses) > 0 {
		stats.AvgUtterance = round2(totalUtter / float64(len(analyses)))
	}

	digest := fmt.Sprintf("共 %d 次对话，%d 条消息，累计约 %.0f 分钟。\n",
		stats.Sessions, stats.Rounds, stats.TotalMinutes)
	if len(stats.Themes) > 0 {
		digest += "主题："
		for i, t := range stats.Themes {
			if i > 0 {
				digest += "、"
			}
			digest += t
		}
		digest += "\n"
	}
	for _, l := range lines {
		digest += l + "\n"
	}
	return stats, digest
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
