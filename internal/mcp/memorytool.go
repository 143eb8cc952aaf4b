package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/starbud-ai/starbud/pkg/provider/llm"
	"github.com/starbud-ai/starbud/pkg/provider/memory"
)

// defaultRecallTopK is the result limit when top_k is not provided.
const defaultRecallTopK = 5

// rememberArgs is the JSON-decoded input for the "remember_fact" tool.
type rememberArgs struct {
	// Content is the fact itself, one short sentence.
	Content string `json:"content"`

	// Category is an optional grouping such as "兴趣爱好" or "家庭成员".
	Category string `json:"category,omitempty"`
}

// recallArgs is the JSON-decoded input for the "recall_facts" tool.
type recallArgs struct {
	// Query is matched semantically against stored facts.
	Query string `json:"query"`

	// TopK caps the number of results. Defaults to 5 when ≤ 0.
	TopK int `json:"top_k,omitempty"`
}

// memoryTools builds the agent-scoped memory builtins. The agent ID is
// baked into the handlers, never exposed as a parameter, so the model
// cannot read or write another agent's memory.
func memoryTools(agentID string, mem memory.Store) []BuiltinTool {
	return []BuiltinTool{
		{
			Definition: llm.ToolDefinition{
				Name:        "remember_fact",
				Description: "记住一条关于用户的长期事实，例如喜好、家人、重要的事情。",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"content":  map[string]any{"type": "string", "description": "一句话的事实"},
						"category": map[string]any{"type": "string", "description": "可选的分类"},
					},
					"required": []string{"content"},
				},
			},
			Handler: func(ctx context.Context, args string) (string, error) {
				var a rememberArgs
				if err := json.Unmarshal([]byte(args), &a); err != nil {
					return "", fmt.Errorf("mcp: remember_fact args: %w", err)
				}
				if strings.TrimSpace(a.Content) == "" {
					return "", fmt.Errorf("mcp: remember_fact needs content")
				}
				fact, err := mem.Remember(ctx, agentID, a.Category, a.Content)
				if err != nil {
					return "", fmt.Errorf("mcp: remember: %w", err)
				}
				return "已记住：" + fact.Content, nil
			},
		},
		{
			Definition: llm.ToolDefinition{
				Name:        "recall_facts",
				Description: "根据问题回忆已经记住的用户事实。",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{"type": "string", "description": "要回忆的内容"},
						"top_k": map[string]any{"type": "integer", "description": "最多返回几条"},
					},
					"required": []string{"query"},
				},
			},
			Handler: func(ctx context.Context, args string) (string, error) {
				var a recallArgs
				if err := json.Unmarshal([]byte(args), &a); err != nil {
					return "", fmt.Errorf("mcp: recall_facts args: %w", err)
				}
				if a.TopK <= 0 {
					a.TopK = defaultRecallTopK
				}
				results, err := mem.Recall(ctx, agentID, a.Query, a.TopK)
				if err != nil {
					return "", fmt.Errorf("mcp: recall: %w", err)
				}
				if len(results) == 0 {
					return "没有相关的记忆。", nil
				}
				var sb strings.Builder
				for _, r := range results {
					if r.Fact.Category != "" {
						sb.WriteString("[" + r.Fact.Category + "] ")
					}
					sb.WriteString(r.Fact.Content)
					sb.WriteByte('\n')
				}
				return strings.TrimRight(sb.String(), "\n"), nil
			},
		},
	}
}
