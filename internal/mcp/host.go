// Package mcp hosts the Model Context Protocol tool surface.
//
// A [Host] connects to the tool servers named in the configuration (stdio
// subprocesses or streamable-HTTP endpoints) and folds their tools together
// with in-process builtins into one catalogue. Sessions get a per-agent
// [Session] view on top of the host: it adds the agent-scoped memory tools,
// relays raw JSON-RPC payloads arriving on the wire's mcp frames, and wraps
// the session's LLM provider so tool-call rounds resolve before the caller
// sees the stream end.
//
// All Host methods are safe for concurrent use.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/starbud-ai/starbud/internal/config"
	"github.com/starbud-ai/starbud/pkg/provider/llm"
)

// BuiltinTool is an in-process tool exposed alongside server tools.
type BuiltinTool struct {
	Definition llm.ToolDefinition

	// Handler receives the JSON-encoded arguments and returns the tool
	// output as text. Errors become tool-level failures, not transport
	// errors; the model sees the message and can recover.
	Handler func(ctx context.Context, args string) (string, error)
}

// toolEntry is one catalogue slot: a builtin handler or a server route.
type toolEntry struct {
	def        llm.ToolDefinition
	serverName string
	builtinFn  func(ctx context.Context, args string) (string, error)
}

// Host owns the server connections and the merged tool catalogue.
// The zero value is not usable; create instances with [New].
type Host struct {
	log    *slog.Logger
	client *mcpsdk.Client

	mu      sync.RWMutex
	tools   map[string]toolEntry
	servers map[string]*mcpsdk.ClientSession
}

// New builds an empty host. Connect wires the configured servers.
func New(logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		log: logger.With(slog.String("component", "mcp")),
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "starbud", Version: "1.0.0"},
			nil,
		),
		tools:   make(map[string]toolEntry),
		servers: make(map[string]*mcpsdk.ClientSession),
	}
}

// Connect dials every configured server. A server that fails to come up is
// logged and skipped; the toy keeps talking without its tools.
func (h *Host) Connect(ctx context.Context, cfg config.MCPConfig) {
	for _, sc := range cfg.Servers {
		if err := h.connectServer(ctx, sc); err != nil {
			h.log.Warn("mcp server unavailable",
				slog.String("server", sc.Name), slog.Any("error", err))
			continue
		}
		h.log.Info("mcp server connected", slog.String("server", sc.Name))
	}
}

// connectServer establishes one connection and imports its tool catalogue.
// Reconnecting a known name replaces the old connection and its tools.
func (h *Host) connectServer(ctx context.Context, cfg config.MCPServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("mcp: server config must have a name")
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case "stdio":
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("mcp: stdio server %q requires a command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case "streamable-http":
		if cfg.URL == "" {
			return fmt.Errorf("mcp: streamable-http server %q requires a URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}

	default:
		return fmt.Errorf("mcp: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcp: connect to %q: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcp: list tools of %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.servers[cfg.Name]; ok {
		_ = old.Close()
		for name, t := range h.tools {
			if t.serverName == cfg.Name {
				delete(h.tools, name)
			}
		}
	}
	h.servers[cfg.Name] = session

	for _, t := range discovered {
		h.tools[t.Name] = toolEntry{
			def: llm.ToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schemaToMap(t.InputSchema),
			},
			serverName: cfg.Name,
		}
	}
	return nil
}

// RegisterBuiltin adds an in-process tool to the catalogue. A later
// registration with the same name wins.
func (h *Host) RegisterBuiltin(t BuiltinTool) error {
	if t.Definition.Name == "" {
		return fmt.Errorf("mcp: builtin tool must have a name")
	}
	if t.Handler == nil {
		return fmt.Errorf("mcp: builtin tool %q must have a handler", t.Definition.Name)
	}
	h.mu.Lock()
	h.tools[t.Definition.Name] = toolEntry{def: t.Definition, builtinFn: t.Handler}
	h.mu.Unlock()
	return nil
}

// Tools returns the current catalogue as LLM tool definitions.
func (h *Host) Tools() []llm.ToolDefinition {
	h.mu.RLock()
	defer h.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(h.tools))
	for _, t := range h.tools {
		defs = append(defs, t.def)
	}
	return defs
}

// ErrToolNotFound marks a call for a tool the catalogue does not carry.
var ErrToolNotFound = fmt.Errorf("mcp: tool not found")

// Execute runs the named tool with JSON-encoded args and returns its text
// output. Tool-level failures come back as an error whose text the caller
// may show to the model.
func (h *Host) Execute(ctx context.Context, name, args string) (string, error) {
	h.mu.RLock()
	entry, ok := h.tools[name]
	h.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrToolNotFound, name)
	}

	if entry.builtinFn != nil {
		return entry.builtinFn(ctx, args)
	}
	return h.executeRemote(ctx, entry, args)
}

func (h *Host) executeRemote(ctx context.Context, entry toolEntry, args string) (string, error) {
	h.mu.RLock()
	session, ok := h.servers[entry.serverName]
	h.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("mcp: server %q gone for tool %q", entry.serverName, entry.def.Name)
	}

	var argsMap map[string]any
	if args != "" && args != "{}" {
		if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
			return "", fmt.Errorf("mcp: invalid args for tool %q: %w", entry.def.Name, err)
		}
	}

	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      entry.def.Name,
		Arguments: argsMap,
	})
	if err != nil {
		return "", fmt.Errorf("mcp: call %q: %w", entry.def.Name, err)
	}

	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if result.IsError {
		return "", fmt.Errorf("mcp: tool %q failed: %s", entry.def.Name, sb.String())
	}
	return sb.String(), nil
}

// Close shuts down all server connections. The host must not be used
// afterwards.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for name, session := range h.servers {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcp: close server %q: %w", name, err)
		}
		delete(h.servers, name)
	}
	h.tools = make(map[string]toolEntry)
	return firstErr
}

// splitCommand splits "bin --flag value" into executable and arguments.
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}

// schemaToMap flattens whatever schema type the SDK hands back into the
// map shape tool definitions carry.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
