package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/starbud-ai/starbud/pkg/provider/llm"
	"github.com/starbud-ai/starbud/pkg/provider/memory"
)

// maxToolRounds caps how many tool-call rounds one completion may chain.
const maxToolRounds = 3

// Session is an agent-scoped view of the host: the shared catalogue plus
// the agent's memory tools.
type Session struct {
	host    *Host
	agentID string
	extra   map[string]BuiltinTool
}

// NewSession builds the per-agent tool surface. mem may be nil when the
// agent runs without a memory module; the memory tools are then absent.
func (h *Host) NewSession(agentID int64, mem memory.Store) *Session {
	s := &Session{
		host:    h,
		agentID: strconv.FormatInt(agentID, 10),
		extra:   make(map[string]BuiltinTool),
	}
	if mem != nil {
		for _, t := range memoryTools(s.agentID, mem) {
			s.extra[t.Definition.Name] = t
		}
	}
	return s
}

// Tools merges the host catalogue with this session's builtins.
func (s *Session) Tools() []llm.ToolDefinition {
	defs := s.host.Tools()
	for _, t := range s.extra {
		defs = append(defs, t.Definition)
	}
	return defs
}

// Execute routes a call to a session builtin or the host.
func (s *Session) Execute(ctx context.Context, name, args string) (string, error) {
	if t, ok := s.extra[name]; ok {
		return t.Handler(ctx, args)
	}
	return s.host.Execute(ctx, name, args)
}

// ─── Wire relay ──────────────────────────────────────────────────────────────

// rpcRequest is the JSON-RPC 2.0 envelope clients put in mcp frames.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// JSON-RPC error codes carried on the wire.
const (
	rpcCodeParse          = -32700
	rpcCodeMethodNotFound = -32601
	rpcCodeInternal       = -32603
)

// Relay handles one raw JSON-RPC payload from the client and returns the
// response payload. Notifications (no id) return nil with no error.
func (s *Session) Relay(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req rpcRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return marshalResponse(rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: rpcCodeParse, Message: "malformed request"},
		})
	}
	if len(req.ID) == 0 || string(req.ID) == "null" {
		// Notification. Nothing to say back.
		return nil, nil
	}

	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "ping":
		resp.Result = struct{}{}

	case "tools/list":
		type wireTool struct {
			Name        string         `json:"name"`
			Description string         `json:"description,omitempty"`
			InputSchema map[string]any `json:"inputSchema"`
		}
		defs := s.Tools()
		tools := make([]wireTool, 0, len(defs))
		for _, d := range defs {
			tools = append(tools, wireTool{Name: d.Name, Description: d.Description, InputSchema: d.Parameters})
		}
		resp.Result = map[string]any{"tools": tools}

	case "tools/call":
		var params struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
			resp.Error = &rpcError{Code: rpcCodeParse, Message: "tools/call needs a name"}
			break
		}
		args := string(params.Arguments)
		if args == "" {
			args = "{}"
		}
		out, err := s.Execute(ctx, params.Name, args)
		if err != nil {
			// Tool failures stay inside the result so the client's own
			// model can read them; only transport trouble is an rpc error.
			resp.Result = toolCallResult(err.Error(), true)
			break
		}
		resp.Result = toolCallResult(out, false)

	default:
		resp.Error = &rpcError{Code: rpcCodeMethodNotFound, Message: fmt.Sprintf("method %q not supported", req.Method)}
	}

	return marshalResponse(resp)
}

func toolCallResult(text string, isErr bool) map[string]any {
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
		"isError": isErr,
	}
}

func marshalResponse(resp rpcResponse) (json.RawMessage, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("mcp: encode response: %w", err)
	}
	return data, nil
}

// ─── LLM tool loop ───────────────────────────────────────────────────────────

// WrapLLM decorates a provider so every completion carries the session's
// tools and tool-call rounds are resolved transparently: the wrapped
// stream only ever ends with text.
func (s *Session) WrapLLM(p llm.Provider) llm.Provider {
	return &toolLoop{inner: p, sess: s}
}

type toolLoop struct {
	inner llm.Provider
	sess  *Session
}

var _ llm.Provider = (*toolLoop)(nil)

func (t *toolLoop) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	req.Tools = append(append([]llm.ToolDefinition(nil), req.Tools...), t.sess.Tools()...)

	in, err := t.inner.StreamCompletion(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan llm.Chunk)
	go t.pump(ctx, req, in, out)
	return out, nil
}

// pump forwards text chunks and, when a round ends in tool calls, executes
// them and starts the next round on the same channel.
func (t *toolLoop) pump(ctx context.Context, req llm.CompletionRequest, in <-chan llm.Chunk, out chan<- llm.Chunk) {
	defer close(out)

	for round := 0; ; round++ {
		var (
			calls []llm.ToolCall
			text  strings.Builder
		)
		for chunk := range in {
			calls = append(calls, chunk.ToolCalls...)
			text.WriteString(chunk.Text)

			fwd := chunk
			fwd.ToolCalls = nil
			if fwd.FinishReason == "tool_calls" {
				fwd.FinishReason = ""
			}
			if fwd.Text == "" && fwd.FinishReason == "" && fwd.Usage == nil {
				continue
			}
			select {
			case out <- fwd:
			case <-ctx.Done():
				return
			}
		}

		if len(calls) == 0 || round >= maxToolRounds {
			return
		}

		req.Messages = t.appendRound(ctx, req.Messages, text.String(), calls)

		next, err := t.inner.StreamCompletion(ctx, req)
		if err != nil {
			select {
			case out <- llm.Chunk{FinishReason: "error"}:
			case <-ctx.Done():
			}
			return
		}
		in = next
	}
}

func (t *toolLoop) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	req.Tools = append(append([]llm.ToolDefinition(nil), req.Tools...), t.sess.Tools()...)

	var usage llm.Usage
	for round := 0; ; round++ {
		resp, err := t.inner.Complete(ctx, req)
		if err != nil {
			return nil, err
		}
		usage.PromptTokens += resp.Usage.PromptTokens
		usage.CompletionTokens += resp.Usage.CompletionTokens
		usage.TotalTokens += resp.Usage.TotalTokens

		if len(resp.ToolCalls) == 0 || round >= maxToolRounds {
			resp.Usage = usage
			return resp, nil
		}
		req.Messages = t.appendRound(ctx, req.Messages, resp.Content, resp.ToolCalls)
	}
}

// appendRound records the assistant's tool request and each tool's output
// in the conversation so the next round can build on them.
func (t *toolLoop) appendRound(ctx context.Context, msgs []llm.Message, content string, calls []llm.ToolCall) []llm.Message {
	msgs = append(msgs, llm.Message{Role: "assistant", Content: content, ToolCalls: calls})
	for _, call := range calls {
		out, err := t.sess.Execute(ctx, call.Name, call.Arguments)
		if err != nil {
			out = "tool error: " + err.Error()
		}
		msgs = append(msgs, llm.Message{Role: "tool", ToolCallID: call.ID, Content: out})
	}
	return msgs
}

func (t *toolLoop) CountTokens(messages []llm.Message) (int, error) {
	return t.inner.CountTokens(messages)
}

func (t *toolLoop) Capabilities() llm.ModelCapabilities {
	return t.inner.Capabilities()
}
