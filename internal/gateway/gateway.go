// Package gateway is the WebSocket front door of the voice server. It
// authenticates connections, runs the hello handshake, and bridges each
// socket to a [session.Session]: inbound text frames and Opus packets flow
// into the session actor, outbound frames and audio flow back through a
// single writer goroutine per connection.
//
// A connection presenting a client_id can drop and redial within the resume
// window; the gateway re-attaches the new socket to the still-running
// session and closes the stale one with a "supplanted" reason.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/starbud-ai/starbud/internal/auth"
	"github.com/starbud-ai/starbud/internal/config"
	"github.com/starbud-ai/starbud/internal/devstate"
	"github.com/starbud-ai/starbud/internal/metrics"
	"github.com/starbud-ai/starbud/internal/observe"
	"github.com/starbud-ai/starbud/internal/protocol"
	"github.com/starbud-ai/starbud/internal/registry"
	"github.com/starbud-ai/starbud/internal/session"
	"github.com/starbud-ai/starbud/internal/store"
	"github.com/starbud-ai/starbud/pkg/audio"
	"github.com/starbud-ai/starbud/pkg/provider/llm"
	"github.com/starbud-ai/starbud/pkg/provider/memory"
)

const (
	// maxMessageSize caps a single WebSocket message. The largest expected
	// inbound message is one Opus packet; 512 KiB leaves generous headroom
	// for MCP payloads.
	maxMessageSize = 512 << 10

	// defaultReadTimeout applies before the agent config is known and as a
	// floor afterwards.
	defaultReadTimeout = 2 * time.Minute
)

var errLinkClosed = errors.New("gateway: connection closed")

// Store is the slice of the conversation store the gateway needs on top of
// what sessions persist through it.
type Store interface {
	session.Persister
	GetAgent(ctx context.Context, id int64) (store.Agent, error)
	AgentByDevice(ctx context.Context, deviceID int64) (store.Agent, error)
	GetDeviceByUUID(ctx context.Context, deviceUUID string) (store.Device, error)
	CreateSession(ctx context.Context, userID, agentID, deviceID int64, copilot bool) (store.Session, error)
}

var _ Store = (*store.Store)(nil)

// Presence is the optional Redis-backed device and session state. Nil
// disables telemetry and presence tracking; sessions work without them.
type Presence interface {
	UpdateTelemetry(ctx context.Context, deviceUUID string, tel devstate.Telemetry) error
	ClaimSession(ctx context.Context, sessionID, instance string) error
	RefreshSession(ctx context.Context, sessionID string) error
}

var _ Presence = (*devstate.State)(nil)

// ToolSession is an agent-scoped MCP endpoint: it relays the wire's raw
// JSON-RPC payloads and decorates the session's LLM with the tool loop.
type ToolSession interface {
	Relay(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
	WrapLLM(p llm.Provider) llm.Provider
}

// ToolHostFunc builds the per-session MCP endpoint for an agent. mem is
// the session's resolved memory module and may be nil.
type ToolHostFunc func(agentID int64, mem memory.Store) ToolSession

// Config assembles a Gateway.
type Config struct {
	Auth     *auth.Issuer
	Registry *registry.Registry
	Store    Store
	Presence Presence
	Recorder *metrics.Recorder
	Metrics  *observe.Metrics
	Pipeline config.PipelineConfig
	// MCP, when set, gives every session an agent-scoped tool endpoint.
	MCP    ToolHostFunc
	Logger *slog.Logger

	// Instance names this gateway process in session presence records.
	Instance string
}

// Gateway accepts WebSocket connections and runs one session per client.
// Safe for concurrent use; implements [http.Handler].
type Gateway struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	clients map[string]*client
	closed  bool

	wg sync.WaitGroup
}

// New creates a gateway. Auth, Registry and Store are required.
func New(cfg Config) (*Gateway, error) {
	if cfg.Auth == nil || cfg.Registry == nil || cfg.Store == nil {
		return nil, errors.New("gateway: auth, registry and store are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Pipeline.HelloTimeout <= 0 {
		cfg.Pipeline.HelloTimeout = 5 * time.Second
	}
	if cfg.Pipeline.ResumeWindow <= 0 {
		cfg.Pipeline.ResumeWindow = 30 * time.Second
	}
	if cfg.Instance == "" {
		if h, err := os.Hostname(); err == nil {
			cfg.Instance = h
		} else {
			cfg.Instance = "starbud"
		}
	}
	return &Gateway{
		cfg:     cfg,
		log:     cfg.Logger,
		clients: make(map[string]*client),
	}, nil
}

// ServeHTTP upgrades the request and runs the connection until it drops.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // toys and firmware send no Origin
	})
	if err != nil {
		g.log.Debug("websocket accept failed", slog.Any("error", err))
		return
	}
	ws.SetReadLimit(maxMessageSize)

	g.serve(r, ws)
}

// identity is who the connection authenticated as.
type identity struct {
	userID int64
	device store.Device // zero when the connection used a user token
}

func (g *Gateway) serve(r *http.Request, ws *websocket.Conn) {
	ctx := context.Background()
	link := newLink(ws)

	ident, err := g.authenticate(r)
	if err != nil {
		g.refuse(link, protocol.ErrKindAuth, "authentication failed", websocket.StatusPolicyViolation)
		return
	}

	hello, err := g.readHello(ctx, ws)
	if err != nil {
		g.refuse(link, protocol.ErrKindProtocol, err.Error(), websocket.StatusPolicyViolation)
		return
	}

	params := wireAudioParams()

	cl, agentCfg, err := g.attachOrCreate(ctx, r, ident, hello, link)
	if err != nil {
		kind := protocol.ErrKindProtocol
		if errors.Is(err, errForbidden) {
			kind = protocol.ErrKindAuth
		}
		g.refuse(link, kind, err.Error(), websocket.StatusPolicyViolation)
		return
	}

	if err := cl.SendFrame(protocol.HelloReply(cl.sessionID, params)); err != nil {
		cl.detach(link, hello.ClientID != "")
		return
	}

	if ident.device.ID != 0 && g.cfg.Presence != nil {
		g.touchDevice(ctx, r, ident.device)
	}

	g.readLoop(ctx, ws, link, cl, readTimeoutFor(agentCfg))
	cl.detach(link, hello.ClientID != "")
}

// readHello waits for the opening hello frame. Anything else on the wire
// first is a protocol violation.
func (g *Gateway) readHello(ctx context.Context, ws *websocket.Conn) (protocol.Frame, error) {
	hctx, cancel := context.WithTimeout(ctx, g.cfg.Pipeline.HelloTimeout)
	defer cancel()

	typ, data, err := ws.Read(hctx)
	if err != nil {
		return protocol.Frame{}, fmt.Errorf("no hello within %s", g.cfg.Pipeline.HelloTimeout)
	}
	if typ != websocket.MessageText {
		return protocol.Frame{}, errors.New("binary message before hello")
	}
	f, err := protocol.Decode(data)
	if err != nil {
		return protocol.Frame{}, errors.New("malformed opening frame")
	}
	if f.Type != protocol.FrameHello {
		return protocol.Frame{}, fmt.Errorf("expected hello, got %q", f.Type)
	}
	return f, nil
}

// wireAudioParams is what the hello reply announces. The server speaks
// exactly one format; negotiation is take-it-or-leave-it and clients that
// asked for something else must resample.
func wireAudioParams() protocol.AudioParams {
	return protocol.AudioParams{
		Format:        "opus",
		SampleRate:    audio.SampleRate,
		Channels:      audio.Channels,
		FrameDuration: int(audio.FrameDuration / time.Millisecond),
	}
}

var errForbidden = errors.New("gateway: agent not accessible")

// authenticate resolves the connection's identity: a Bearer token (header or
// ?token= query), or a registered device presenting its uuid header.
func (g *Gateway) authenticate(r *http.Request) (identity, error) {
	token := bearerToken(r)
	if token != "" {
		id, err := g.cfg.Auth.Verify(token)
		if err != nil {
			return identity{}, err
		}
		return identity{userID: id.UserID}, nil
	}

	if uuid := r.Header.Get("Device-Id"); uuid != "" {
		dev, err := g.cfg.Store.GetDeviceByUUID(r.Context(), uuid)
		if err != nil {
			return identity{}, fmt.Errorf("gateway: unknown device: %w", err)
		}
		return identity{device: dev}, nil
	}

	return identity{}, errors.New("gateway: no credentials")
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// attachOrCreate either resumes the live session registered under the hello
// frame's client_id or starts a fresh one.
func (g *Gateway) attachOrCreate(ctx context.Context, r *http.Request, ident identity, hello protocol.Frame, link *wsLink) (*client, config.AgentConfig, error) {
	if hello.ClientID != "" {
		if cl, cfg, ok := g.resume(hello.ClientID, ident, link); ok {
			g.log.Info("session resumed",
				slog.String("client_id", hello.ClientID),
				slog.String("session_id", cl.sessionID))
			return cl, cfg, nil
		}
	}
	return g.createSession(ctx, r, ident, hello, link)
}

// resume re-attaches a reconnecting client to its running session. The new
// connection must authenticate as the same user or device that opened it.
func (g *Gateway) resume(clientID string, ident identity, link *wsLink) (*client, config.AgentConfig, bool) {
	g.mu.Lock()
	cl, ok := g.clients[clientID]
	g.mu.Unlock()
	if !ok {
		return nil, config.AgentConfig{}, false
	}
	if ident.userID != cl.userID || ident.device.ID != cl.deviceID {
		g.log.Warn("resume refused: identity mismatch",
			slog.String("client_id", clientID),
			slog.String("session_id", cl.sessionID))
		return nil, config.AgentConfig{}, false
	}
	if !cl.attach(link) {
		return nil, config.AgentConfig{}, false
	}
	return cl, cl.agentCfg, true
}

func (g *Gateway) createSession(ctx context.Context, r *http.Request, ident identity, hello protocol.Frame, link *wsLink) (*client, config.AgentConfig, error) {
	agent, err := g.resolveAgent(ctx, r, ident)
	if err != nil {
		return nil, config.AgentConfig{}, err
	}

	agentCfg, err := config.ParseAgentConfig(agent.AgentConfig)
	if err != nil {
		return nil, config.AgentConfig{}, fmt.Errorf("gateway: agent config: %w", err)
	}
	moduleParams, err := config.ParseModuleParams(agent.ModuleParams)
	if err != nil {
		return nil, config.AgentConfig{}, fmt.Errorf("gateway: module params: %w", err)
	}

	userID := ident.userID
	if userID == 0 {
		userID = agent.UserID
	}
	copilot := r.URL.Query().Get("copilot") == "true"

	modules, err := g.cfg.Registry.Resolve(moduleParams)
	if err != nil {
		return nil, config.AgentConfig{}, fmt.Errorf("gateway: resolve modules: %w", err)
	}

	var mcpHandler session.MCPHandler
	if g.cfg.MCP != nil {
		tools := g.cfg.MCP(agent.ID, modules.Memory)
		modules.LLM = tools.WrapLLM(modules.LLM)
		mcpHandler = tools.Relay
	}

	row, err := g.cfg.Store.CreateSession(ctx, userID, agent.ID, ident.device.ID, copilot)
	if err != nil {
		_ = modules.Close()
		return nil, config.AgentConfig{}, fmt.Errorf("gateway: create session: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	cl := &client{
		g:         g,
		key:       clientKey(hello.ClientID, row.SessionID),
		sessionID: row.SessionID,
		agentID:   agent.ID,
		userID:    ident.userID,
		deviceID:  ident.device.ID,
		agentCfg:  agentCfg,
		cancel:    cancel,
		link:      link,
	}

	sess, err := session.New(session.Config{
		SessionID: row.SessionID,
		UserID:    userID,
		Agent:     agent,
		AgentCfg:  agentCfg,
		Copilot:   copilot,
		Modules:   modules,
		Store:     g.cfg.Store,
		Recorder:  g.cfg.Recorder,
		Metrics:   g.cfg.Metrics,
		Pipeline:  g.cfg.Pipeline,
		Conn:      cl,
		MCP:       mcpHandler,
		Logger:    g.log,
	})
	if err != nil {
		cancel()
		_ = modules.Close()
		return nil, config.AgentConfig{}, fmt.Errorf("gateway: start session: %w", err)
	}
	cl.sess = sess

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		cancel()
		_ = modules.Close()
		return nil, config.AgentConfig{}, errors.New("gateway: shutting down")
	}
	g.clients[cl.key] = cl
	g.mu.Unlock()

	if g.cfg.Presence != nil {
		if err := g.cfg.Presence.ClaimSession(ctx, row.SessionID, g.cfg.Instance); err != nil {
			g.log.Warn("claiming session presence failed", slog.Any("error", err))
		}
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer modules.Close()
		sess.Run(runCtx)
		cl.teardown("session ended")
	}()

	g.log.Info("session started",
		slog.String("session_id", row.SessionID),
		slog.Int64("agent_id", agent.ID),
		slog.Int64("user_id", userID),
		slog.Bool("copilot", copilot))

	return cl, agentCfg, nil
}

// resolveAgent maps the connection to an agent: devices use their binding,
// user tokens name the agent in the query string.
func (g *Gateway) resolveAgent(ctx context.Context, r *http.Request, ident identity) (store.Agent, error) {
	if ident.device.ID != 0 {
		agent, err := g.cfg.Store.AgentByDevice(ctx, ident.device.ID)
		if err != nil {
			return store.Agent{}, fmt.Errorf("gateway: device has no agent: %w", err)
		}
		return agent, nil
	}

	raw := r.URL.Query().Get("agent_id")
	agentID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || agentID <= 0 {
		return store.Agent{}, errors.New("gateway: missing agent_id")
	}
	agent, err := g.cfg.Store.GetAgent(ctx, agentID)
	if err != nil {
		return store.Agent{}, fmt.Errorf("gateway: agent lookup: %w", err)
	}
	if agent.UserID != ident.userID {
		return store.Agent{}, errForbidden
	}
	return agent, nil
}

// readLoop pumps inbound messages into the session until the socket drops.
// Pings go out at half the read deadline so a healthy but silent device
// never times out.
func (g *Gateway) readLoop(ctx context.Context, ws *websocket.Conn, link *wsLink, cl *client, readTimeout time.Duration) {
	pingStop := make(chan struct{})
	go g.pingLoop(ctx, ws, link, cl, readTimeout/2, pingStop)
	defer close(pingStop)

	for {
		rctx, cancel := context.WithTimeout(ctx, readTimeout)
		typ, data, err := ws.Read(rctx)
		cancel()
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !link.closed() {
				g.log.Debug("read failed", slog.String("session_id", cl.sessionID), slog.Any("error", err))
			}
			return
		}

		switch typ {
		case websocket.MessageBinary:
			cl.sess.DeliverAudio(data)
		case websocket.MessageText:
			f, err := protocol.Decode(data)
			if err != nil {
				_ = cl.SendFrame(protocol.ErrorFrame(protocol.ErrKindProtocol, "malformed frame"))
				continue
			}
			if f.Type == protocol.FrameHello {
				g.log.Debug("duplicate hello ignored", slog.String("session_id", cl.sessionID))
				continue
			}
			cl.sess.Deliver(f)
		}
	}
}

func (g *Gateway) pingLoop(ctx context.Context, ws *websocket.Conn, link *wsLink, cl *client, interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = defaultReadTimeout / 2
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := ws.Ping(pctx)
			cancel()
			if err != nil {
				link.close(websocket.StatusAbnormalClosure, "ping failed")
				return
			}
			if g.cfg.Presence != nil {
				if err := g.cfg.Presence.RefreshSession(ctx, cl.sessionID); err != nil {
					g.log.Debug("refreshing session presence failed", slog.Any("error", err))
				}
			}
		case <-stop:
			return
		case <-link.done:
			return
		}
	}
}

// touchDevice records hello-time telemetry for a device connection.
func (g *Gateway) touchDevice(ctx context.Context, r *http.Request, dev store.Device) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	tel := devstate.Telemetry{
		IP:         host,
		LastActive: time.Now().Unix(),
	}
	if err := g.cfg.Presence.UpdateTelemetry(ctx, dev.DeviceUUID, tel); err != nil {
		g.log.Debug("updating device telemetry failed",
			slog.String("device", dev.DeviceUUID), slog.Any("error", err))
	}
}

// refuse sends one error frame and closes the connection. Written directly
// rather than through the queue: nothing else has written yet, and the frame
// must land before the close.
func (g *Gateway) refuse(link *wsLink, kind, message string, code websocket.StatusCode) {
	if data, err := protocol.ErrorFrame(kind, message).Encode(); err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		_ = link.ws.Write(ctx, websocket.MessageText, data)
		cancel()
	}
	link.close(code, closeReason(message))
}

// remove forgets a client. Called from client teardown.
func (g *Gateway) remove(cl *client) {
	g.mu.Lock()
	if g.clients[cl.key] == cl {
		delete(g.clients, cl.key)
	}
	g.mu.Unlock()
}

// Shutdown closes every connection with a server_shutdown reason and waits
// for sessions to finish persisting, up to the context deadline.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	clients := make([]*client, 0, len(g.clients))
	for _, cl := range g.clients {
		clients = append(clients, cl)
	}
	g.mu.Unlock()

	for _, cl := range clients {
		cl.teardown("server_shutdown")
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gateway: shutdown: %w", ctx.Err())
	}
}

// ActiveSessions reports how many sessions are currently registered.
func (g *Gateway) ActiveSessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

func clientKey(clientID, sessionID string) string {
	if clientID != "" {
		return clientID
	}
	return sessionID
}

func readTimeoutFor(cfg config.AgentConfig) time.Duration {
	d := time.Duration(cfg.AudioSettings.CloseConnectionNoVoiceTime * float64(time.Second))
	if d < defaultReadTimeout {
		return defaultReadTimeout
	}
	return d
}
