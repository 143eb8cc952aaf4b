package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/starbud-ai/starbud/pkg/provider/llm"
	"github.com/starbud-ai/starbud/pkg/provider/memory"
)

// defaultExtractPrompt instructs the model to mine durable user facts from a
// conversation. Deployments with their own prompt conventions replace it via
// WithExtractPrompt.
const defaultExtractPrompt = `你是儿童陪伴玩具的记忆提取助手。阅读孩子和玩具伙伴的对话，提取值得长期记住的用户信息，例如兴趣爱好、家庭成员、朋友、生活习惯、重要事件。

要求：
1. 只提取关于孩子本人的稳定事实，忽略闲聊和一次性话题。
2. 不要输出"已有记忆"里已经存在的内容。
3. 每条事实一句话，不超过50个字。
4. 以 JSON 数组输出，每项形如 {"category": "分类", "content": "事实"}。
5. 没有可提取的内容时输出 []。`

const (
	// extractMaxTokens caps the extraction completion.
	extractMaxTokens = 2000

	// extractTemperature keeps extraction mostly deterministic while leaving
	// room for paraphrase.
	extractTemperature = 0.5

	// maxFactRunes is the hard per-fact length guard applied after parsing,
	// independent of whatever the prompt asked for.
	maxFactRunes = 200
)

// factCandidate is one fact proposed by the extraction model before
// deduplication against the store.
type factCandidate struct {
	Category string `json:"category"`
	Content  string `json:"content"`
}

// Extract implements memory.Store. It renders the conversation and the
// agent's existing facts into an extraction request, parses the model's
// answer leniently, drops candidates whose nearest stored neighbour is within
// the dedupe distance, and inserts the rest.
func (s *Store) Extract(ctx context.Context, agentID string, conversation []llm.Message) ([]memory.Fact, error) {
	if agentID == "" {
		return nil, errors.New("postgres memory: agentID must not be empty")
	}
	if s.chat == nil {
		return nil, errors.New("postgres memory: extraction requires a chat provider")
	}
	if len(conversation) == 0 {
		return nil, nil
	}

	existing, err := s.List(ctx, agentID, s.maxFacts)
	if err != nil {
		return nil, err
	}

	resp, err := s.chat.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: s.extractPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: renderExtractUser(conversation, existing)},
		},
		Temperature: extractTemperature,
		MaxTokens:   extractMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres memory: extract: %w", err)
	}

	candidates := parseFacts(resp.Content)
	if len(candidates) == 0 {
		return nil, nil
	}

	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Content
	}
	vecs, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("postgres memory: embed candidates: %w", err)
	}
	if len(vecs) != len(candidates) {
		return nil, fmt.Errorf("postgres memory: expected %d embeddings, got %d", len(candidates), len(vecs))
	}

	var stored []memory.Fact
	for i, c := range candidates {
		dist, ok, err := s.nearestDistance(ctx, agentID, vecs[i])
		if err != nil {
			return stored, err
		}
		if ok && dist < s.dedupeDistance {
			continue
		}
		fact := memory.Fact{
			ID:        uuid.NewString(),
			AgentID:   agentID,
			Category:  c.Category,
			Content:   c.Content,
			CreatedAt: time.Now(),
		}
		if err := s.insert(ctx, fact, vecs[i]); err != nil {
			return stored, err
		}
		stored = append(stored, fact)
	}

	if len(stored) > 0 {
		if err := s.enforceCap(ctx, agentID); err != nil {
			return stored, err
		}
	}
	return stored, nil
}

// renderExtractUser builds the user message for the extraction request:
// the agent's existing facts followed by the conversation transcript.
func renderExtractUser(conversation []llm.Message, existing []memory.Fact) string {
	var b strings.Builder

	b.WriteString("已有记忆：\n")
	if len(existing) == 0 {
		b.WriteString("（无）\n")
	}
	for _, f := range existing {
		b.WriteString("- ")
		if f.Category != "" {
			b.WriteString("[")
			b.WriteString(f.Category)
			b.WriteString("] ")
		}
		b.WriteString(f.Content)
		b.WriteString("\n")
	}

	b.WriteString("\n对话记录：\n")
	for _, m := range conversation {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(content)
		b.WriteString("\n")
	}
	return b.String()
}

// parseFacts parses the extraction model's answer leniently. It accepts a
// JSON array of {category, content} objects, a JSON object mapping categories
// to facts, or plain lines as a last resort. Blank and over-long entries are
// normalised; duplicate contents within one answer collapse to the first.
func parseFacts(content string) []factCandidate {
	content = stripCodeFence(content)
	if content == "" {
		return nil
	}

	var candidates []factCandidate
	if err := json.Unmarshal([]byte(content), &candidates); err == nil {
		return normalizeCandidates(candidates)
	}

	var grouped map[string]any
	if err := json.Unmarshal([]byte(content), &grouped); err == nil {
		return normalizeCandidates(flattenGrouped(grouped))
	}

	// Models sometimes wrap the array in prose. Try the bracketed substring
	// before degrading to line parsing.
	if start, end := strings.Index(content, "["), strings.LastIndex(content, "]"); start >= 0 && end > start {
		if err := json.Unmarshal([]byte(content[start:end+1]), &candidates); err == nil {
			return normalizeCandidates(candidates)
		}
	}

	return normalizeCandidates(parseLines(content))
}

// flattenGrouped converts the original {category: fact | [facts]} answer
// shape into a flat candidate list.
func flattenGrouped(grouped map[string]any) []factCandidate {
	var out []factCandidate
	for category, value := range grouped {
		switch v := value.(type) {
		case string:
			out = append(out, factCandidate{Category: category, Content: v})
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					out = append(out, factCandidate{Category: category, Content: s})
				}
			}
		}
	}
	return out
}

// bulletPrefix matches list markers like "- ", "• " and "3、" at the start of
// a line. Anchored so that facts beginning with digits ("10岁…") survive.
var bulletPrefix = regexp.MustCompile(`^([-•*]|\d{1,2}[.、)])\s*`)

// parseLines treats each non-empty line as one fact, stripping common bullet
// and numbering prefixes.
func parseLines(content string) []factCandidate {
	var out []factCandidate
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		line = bulletPrefix.ReplaceAllString(line, "")
		if line == "" {
			continue
		}
		out = append(out, factCandidate{Content: line})
	}
	return out
}

// normalizeCandidates trims, length-caps and de-duplicates candidates,
// dropping refusal markers the model sometimes emits instead of an empty
// array.
func normalizeCandidates(candidates []factCandidate) []factCandidate {
	seen := make(map[string]struct{}, len(candidates))
	out := candidates[:0]
	for _, c := range candidates {
		c.Category = strings.TrimSpace(c.Category)
		c.Content = truncateFact(strings.TrimSpace(c.Content), maxFactRunes)
		if c.Content == "" || isRefusal(c.Content) {
			continue
		}
		if _, dup := seen[c.Content]; dup {
			continue
		}
		seen[c.Content] = struct{}{}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// isRefusal reports whether the model answered "nothing to extract" in prose.
func isRefusal(content string) bool {
	switch strings.ToLower(content) {
	case "none", "无", "没有", "暂无":
		return true
	}
	return false
}

// truncateFact cuts s to at most max runes, appending … when it was longer.
func truncateFact(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 1 {
		return string(runes[:max])
	}
	return string(runes[:max-1]) + "…"
}

// stripCodeFence removes a surrounding markdown code fence, with or without a
// language tag, that chat models like to wrap JSON answers in.
func stripCodeFence(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```")
	if idx := strings.Index(content, "\n"); idx >= 0 {
		content = content[idx+1:]
	} else {
		content = strings.TrimLeft(content, "`")
	}
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	return strings.TrimSpace(content)
}
