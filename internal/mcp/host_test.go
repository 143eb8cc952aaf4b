package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/starbud-ai/starbud/pkg/provider/llm"
	memmock "github.com/starbud-ai/starbud/pkg/provider/memory/mock"
)

func testHost() *Host {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// echoTool returns its args back as the result.
func echoTool(name string) BuiltinTool {
	return BuiltinTool{
		Definition: llm.ToolDefinition{
			Name:        name,
			Description: "echoes args",
			Parameters:  map[string]any{"type": "object"},
		},
		Handler: func(_ context.Context, args string) (string, error) {
			return args, nil
		},
	}
}

func toolNamed(tools []llm.ToolDefinition, name string) *llm.ToolDefinition {
	for i := range tools {
		if tools[i].Name == name {
			return &tools[i]
		}
	}
	return nil
}

// ─── Host ────────────────────────────────────────────────────────────────────

func TestRegisterBuiltinAndExecute(t *testing.T) {
	t.Parallel()
	h := testHost()
	defer h.Close()

	if err := h.RegisterBuiltin(echoTool("echo")); err != nil {
		t.Fatalf("RegisterBuiltin: %v", err)
	}
	if toolNamed(h.Tools(), "echo") == nil {
		t.Fatal("echo missing from catalogue")
	}

	out, err := h.Execute(context.Background(), "echo", `{"msg":"hi"}`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != `{"msg":"hi"}` {
		t.Errorf("out = %q", out)
	}
}

func TestRegisterBuiltinValidation(t *testing.T) {
	t.Parallel()
	h := testHost()
	defer h.Close()

	if err := h.RegisterBuiltin(BuiltinTool{
		Handler: func(context.Context, string) (string, error) { return "", nil },
	}); err == nil {
		t.Error("empty name accepted")
	}
	if err := h.RegisterBuiltin(BuiltinTool{
		Definition: llm.ToolDefinition{Name: "no-handler"},
	}); err == nil {
		t.Error("nil handler accepted")
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	t.Parallel()
	h := testHost()
	defer h.Close()

	_, err := h.Execute(context.Background(), "nope", "{}")
	if !errors.Is(err, ErrToolNotFound) {
		t.Errorf("err = %v, want ErrToolNotFound", err)
	}
}

func TestCloseEmptiesCatalogue(t *testing.T) {
	t.Parallel()
	h := testHost()
	if err := h.RegisterBuiltin(echoTool("x")); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := len(h.Tools()); got != 0 {
		t.Errorf("tools after Close = %d, want 0", got)
	}
}

// ─── Memory tools ────────────────────────────────────────────────────────────

func TestSessionMemoryTools(t *testing.T) {
	t.Parallel()
	h := testHost()
	defer h.Close()

	mem := &memmock.Store{}
	sess := h.NewSession(7, mem)

	defs := sess.Tools()
	if toolNamed(defs, "remember_fact") == nil || toolNamed(defs, "recall_facts") == nil {
		t.Fatalf("memory tools missing: %v", defs)
	}

	out, err := sess.Execute(context.Background(), "remember_fact",
		`{"content":"喜欢恐龙","category":"兴趣爱好"}`)
	if err != nil {
		t.Fatalf("remember_fact: %v", err)
	}
	if !strings.Contains(out, "喜欢恐龙") {
		t.Errorf("out = %q", out)
	}
	if len(mem.RememberCalls) != 1 {
		t.Fatalf("RememberCalls = %d", len(mem.RememberCalls))
	}
	if got := mem.RememberCalls[0].AgentID; got != "7" {
		t.Errorf("agent id = %q, want 7", got)
	}

	// No memory module: no memory tools.
	bare := h.NewSession(8, nil)
	if toolNamed(bare.Tools(), "remember_fact") != nil {
		t.Error("memory tool present without a memory module")
	}
}

func TestRecallFactsFormatsResults(t *testing.T) {
	t.Parallel()
	h := testHost()
	defer h.Close()

	mem := &memmock.Store{}
	sess := h.NewSession(7, mem)

	out, err := sess.Execute(context.Background(), "recall_facts", `{"query":"动物"}`)
	if err != nil {
		t.Fatalf("recall_facts: %v", err)
	}
	if out != "没有相关的记忆。" {
		t.Errorf("empty recall = %q", out)
	}
	if got := mem.RecallCalls[0].TopK; got != defaultRecallTopK {
		t.Errorf("topK = %d, want %d", got, defaultRecallTopK)
	}
}

// ─── Wire relay ──────────────────────────────────────────────────────────────

func relay(t *testing.T, sess *Session, payload string) rpcResponse {
	t.Helper()
	raw, err := sess.Relay(context.Background(), json.RawMessage(payload))
	if err != nil {
		t.Fatalf("Relay: %v", err)
	}
	var resp rpcResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestRelayToolsListAndCall(t *testing.T) {
	t.Parallel()
	h := testHost()
	defer h.Close()
	if err := h.RegisterBuiltin(echoTool("echo")); err != nil {
		t.Fatal(err)
	}
	sess := h.NewSession(7, nil)

	resp := relay(t, sess, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	if resp.Error != nil {
		t.Fatalf("tools/list error: %+v", resp.Error)
	}
	listJSON, _ := json.Marshal(resp.Result)
	if !strings.Contains(string(listJSON), `"echo"`) {
		t.Errorf("tools/list result missing echo: %s", listJSON)
	}

	resp = relay(t, sess, `{"jsonrpc":"2.0","id":2,"method":"tools/call",`+
		`"params":{"name":"echo","arguments":{"a":1}}}`)
	if resp.Error != nil {
		t.Fatalf("tools/call error: %+v", resp.Error)
	}
	callJSON, _ := json.Marshal(resp.Result)
	if !strings.Contains(string(callJSON), `{\"a\":1}`) && !strings.Contains(string(callJSON), `{"a":1}`) {
		t.Errorf("tools/call result = %s", callJSON)
	}
	if string(resp.ID) != "2" {
		t.Errorf("id = %s, want 2", resp.ID)
	}
}

func TestRelayUnknownMethod(t *testing.T) {
	t.Parallel()
	sess := testHost().NewSession(7, nil)

	resp := relay(t, sess, `{"jsonrpc":"2.0","id":3,"method":"resources/list"}`)
	if resp.Error == nil || resp.Error.Code != rpcCodeMethodNotFound {
		t.Errorf("error = %+v, want method-not-found", resp.Error)
	}
}

func TestRelayNotificationIsSilent(t *testing.T) {
	t.Parallel()
	sess := testHost().NewSession(7, nil)

	raw, err := sess.Relay(context.Background(), json.RawMessage(
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	if err != nil {
		t.Fatalf("Relay: %v", err)
	}
	if raw != nil {
		t.Errorf("notification got a reply: %s", raw)
	}
}

func TestRelayMalformedPayload(t *testing.T) {
	t.Parallel()
	sess := testHost().NewSession(7, nil)

	resp := relay(t, sess, `{not json`)
	if resp.Error == nil || resp.Error.Code != rpcCodeParse {
		t.Errorf("error = %+v, want parse error", resp.Error)
	}
}

func TestRelayFailedToolStaysInResult(t *testing.T) {
	t.Parallel()
	h := testHost()
	defer h.Close()
	if err := h.RegisterBuiltin(BuiltinTool{
		Definition: llm.ToolDefinition{Name: "boom"},
		Handler: func(context.Context, string) (string, error) {
			return "", errors.New("kaput")
		},
	}); err != nil {
		t.Fatal(err)
	}
	sess := h.NewSession(7, nil)

	resp := relay(t, sess, `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"boom"}}`)
	if resp.Error != nil {
		t.Fatalf("tool failure escalated to rpc error: %+v", resp.Error)
	}
	resJSON, _ := json.Marshal(resp.Result)
	if !strings.Contains(string(resJSON), `"isError":true`) {
		t.Errorf("result = %s, want isError true", resJSON)
	}
}

// ─── Tool loop ───────────────────────────────────────────────────────────────

// scriptProvider replays a fixed script of streams, one per call.
type scriptProvider struct {
	mu      sync.Mutex
	streams [][]llm.Chunk
	resps   []*llm.CompletionResponse
	reqs    []llm.CompletionRequest
}

func (p *scriptProvider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.reqs = append(p.reqs, req)
	var chunks []llm.Chunk
	if len(p.streams) > 0 {
		chunks = p.streams[0]
		p.streams = p.streams[1:]
	}
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (p *scriptProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
	if len(p.resps) == 0 {
		return &llm.CompletionResponse{}, nil
	}
	resp := p.resps[0]
	p.resps = p.resps[1:]
	return resp, nil
}

func (p *scriptProvider) CountTokens([]llm.Message) (int, error) { return 0, nil }

func (p *scriptProvider) Capabilities() llm.ModelCapabilities { return llm.ModelCapabilities{} }

func (p *scriptProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reqs)
}

func TestWrapLLMResolvesToolRound(t *testing.T) {
	t.Parallel()
	h := testHost()
	defer h.Close()
	if err := h.RegisterBuiltin(echoTool("echo")); err != nil {
		t.Fatal(err)
	}
	sess := h.NewSession(7, nil)

	p := &scriptProvider{streams: [][]llm.Chunk{
		{{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "echo", Arguments: `{"x":1}`}}, FinishReason: "tool_calls"}},
		{{Text: "好的。"}, {FinishReason: "stop"}},
	}}
	wrapped := sess.WrapLLM(p)

	ch, err := wrapped.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "试试工具"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}

	var text strings.Builder
	finish := ""
	for chunk := range ch {
		if len(chunk.ToolCalls) > 0 {
			t.Error("tool calls leaked to the caller")
		}
		if chunk.FinishReason == "tool_calls" {
			t.Error("tool_calls finish leaked to the caller")
		}
		text.WriteString(chunk.Text)
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}
	if text.String() != "好的。" || finish != "stop" {
		t.Errorf("text = %q finish = %q", text.String(), finish)
	}

	if p.calls() != 2 {
		t.Fatalf("stream calls = %d, want 2", p.calls())
	}
	second := p.reqs[1]
	if len(second.Messages) != 3 {
		t.Fatalf("second round messages = %d, want user+assistant+tool", len(second.Messages))
	}
	toolMsg := second.Messages[2]
	if toolMsg.Role != "tool" || toolMsg.ToolCallID != "c1" || toolMsg.Content != `{"x":1}` {
		t.Errorf("tool message = %+v", toolMsg)
	}
	if toolNamed(second.Tools, "echo") == nil {
		t.Error("tools not offered on the follow-up round")
	}
}

func TestWrapLLMCapsToolRounds(t *testing.T) {
	t.Parallel()
	h := testHost()
	defer h.Close()
	if err := h.RegisterBuiltin(echoTool("echo")); err != nil {
		t.Fatal(err)
	}
	sess := h.NewSession(7, nil)

	// Every round asks for another tool call; the loop must still end.
	loopChunk := []llm.Chunk{{ToolCalls: []llm.ToolCall{{ID: "c", Name: "echo", Arguments: "{}"}}, FinishReason: "tool_calls"}}
	p := &scriptProvider{streams: [][]llm.Chunk{loopChunk, loopChunk, loopChunk, loopChunk, loopChunk, loopChunk}}

	ch, err := sess.WrapLLM(p).StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatal(err)
	}
	for range ch {
	}
	if got := p.calls(); got != maxToolRounds+1 {
		t.Errorf("stream calls = %d, want %d", got, maxToolRounds+1)
	}
}

func TestWrapLLMCompleteLoop(t *testing.T) {
	t.Parallel()
	h := testHost()
	defer h.Close()
	if err := h.RegisterBuiltin(echoTool("echo")); err != nil {
		t.Fatal(err)
	}
	sess := h.NewSession(7, nil)

	p := &scriptProvider{resps: []*llm.CompletionResponse{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "echo", Arguments: `{"q":2}`}},
			Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 5}},
		{Content: "查到了。", Usage: llm.Usage{PromptTokens: 20, CompletionTokens: 4}},
	}}

	resp, err := sess.WrapLLM(p).Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "查一下"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "查到了。" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.PromptTokens != 30 || resp.Usage.CompletionTokens != 9 {
		t.Errorf("usage = %+v, want summed across rounds", resp.Usage)
	}
}

func TestWrapLLMToolErrorBecomesToolMessage(t *testing.T) {
	t.Parallel()
	h := testHost()
	defer h.Close()
	if err := h.RegisterBuiltin(BuiltinTool{
		Definition: llm.ToolDefinition{Name: "boom"},
		Handler: func(context.Context, string) (string, error) {
			return "", errors.New("kaput")
		},
	}); err != nil {
		t.Fatal(err)
	}
	sess := h.NewSession(7, nil)

	p := &scriptProvider{streams: [][]llm.Chunk{
		{{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "boom", Arguments: "{}"}}}},
		{{Text: "换个办法。", FinishReason: "stop"}},
	}}
	ch, err := sess.WrapLLM(p).StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatal(err)
	}
	for range ch {
	}

	second := p.reqs[1]
	toolMsg := second.Messages[len(second.Messages)-1]
	if !strings.Contains(toolMsg.Content, "kaput") {
		t.Errorf("tool message = %q, want the failure text", toolMsg.Content)
	}
}
