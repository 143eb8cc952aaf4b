package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/starbud-ai/starbud/internal/auth"
	"github.com/starbud-ai/starbud/internal/config"
	"github.com/starbud-ai/starbud/internal/metrics"
	"github.com/starbud-ai/starbud/internal/registry"
	"github.com/starbud-ai/starbud/internal/store"
)

// ─── Fake backend ────────────────────────────────────────────────────────────

type fakeBackend struct {
	mu        sync.Mutex
	users     map[int64]store.User
	templates map[int64]store.AgentTemplate
	agents    map[int64]store.Agent
	sessions  map[string]store.Session
	messages  map[string][]store.Message
	devices   map[string]store.Device
	bindings  map[int64]int64 // deviceID → userID
	clones    []store.VoiceClone
	nextID    int64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		users:     make(map[int64]store.User),
		templates: make(map[int64]store.AgentTemplate),
		agents:    make(map[int64]store.Agent),
		sessions:  make(map[string]store.Session),
		messages:  make(map[string][]store.Message),
		devices:   make(map[string]store.Device),
		bindings:  make(map[int64]int64),
		nextID:    100,
	}
}

func (b *fakeBackend) id() int64 { b.nextID++; return b.nextID }

func (b *fakeBackend) CreateUser(_ context.Context, login, hash, name string) (store.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, u := range b.users {
		if u.LoginName == login {
			return store.User{}, store.ErrDuplicate
		}
	}
	u := store.User{ID: b.id(), LoginName: login, PasswordHash: hash, UserName: name, CreatedAt: time.Now()}
	b.users[u.ID] = u
	return u, nil
}

func (b *fakeBackend) GetUser(_ context.Context, id int64) (store.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.users[id]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}

func (b *fakeBackend) GetUserByLogin(_ context.Context, login string) (store.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, u := range b.users {
		if u.LoginName == login {
			return u, nil
		}
	}
	return store.User{}, store.ErrNotFound
}

func (b *fakeBackend) ListTemplates(context.Context, int64) ([]store.AgentTemplate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []store.AgentTemplate
	for _, t := range b.templates {
		out = append(out, t)
	}
	return out, nil
}

func (b *fakeBackend) CreateAgentFromTemplate(_ context.Context, userID, templateID int64, name string) (store.Agent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.templates[templateID]
	if !ok {
		return store.Agent{}, store.ErrNotFound
	}
	if name == "" {
		name = t.Name
	}
	a := store.Agent{
		ID: b.id(), UserID: userID, TemplateID: templateID, Name: name,
		ModuleParams: t.ModuleParams, AgentConfig: t.AgentConfig, CreatedAt: time.Now(),
	}
	b.agents[a.ID] = a
	return a, nil
}

func (b *fakeBackend) GetAgent(_ context.Context, id int64) (store.Agent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.agents[id]
	if !ok {
		return store.Agent{}, store.ErrNotFound
	}
	return a, nil
}

func (b *fakeBackend) ListAgents(_ context.Context, userID int64) ([]store.Agent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []store.Agent
	for _, a := range b.agents {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (b *fakeBackend) UpdateAgent(_ context.Context, a store.Agent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.agents[a.ID]; !ok {
		return store.ErrNotFound
	}
	b.agents[a.ID] = a
	return nil
}

func (b *fakeBackend) DeleteAgent(_ context.Context, id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.agents[id]; !ok {
		return store.ErrNotFound
	}
	delete(b.agents, id)
	return nil
}

func (b *fakeBackend) CreateSession(_ context.Context, userID, agentID, deviceID int64, copilot bool) (store.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := store.Session{
		SessionID: fmt.Sprintf("sess-%d", b.id()),
		UserID:    userID, AgentID: agentID, DeviceID: deviceID,
		Copilot: copilot, Open: true, CreatedAt: time.Now(),
	}
	b.sessions[s.SessionID] = s
	return s, nil
}

func (b *fakeBackend) GetSession(_ context.Context, id string) (store.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[id]
	if !ok {
		return store.Session{}, store.ErrNotFound
	}
	return s, nil
}

func (b *fakeBackend) ListSessions(_ context.Context, agentID int64, copilot bool, limit, offset int) ([]store.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []store.Session
	for _, s := range b.sessions {
		if s.AgentID == agentID && s.Copilot == copilot {
			out = append(out, s)
		}
	}
	return out, nil
}

func (b *fakeBackend) DeleteSession(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sessions[id]; !ok {
		return store.ErrNotFound
	}
	delete(b.sessions, id)
	return nil
}

func (b *fakeBackend) ListMessages(_ context.Context, sessionID string, limit, offset int) ([]store.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.messages[sessionID]
	if offset >= len(msgs) {
		return nil, nil
	}
	msgs = msgs[offset:]
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return append([]store.Message(nil), msgs...), nil
}

func (b *fakeBackend) ListUserDevices(_ context.Context, userID int64) ([]store.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []store.Device
	for _, d := range b.devices {
		if b.bindings[d.ID] == userID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (b *fakeBackend) GetDeviceByUUID(_ context.Context, uuid string) (store.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.devices[uuid]
	if !ok {
		return store.Device{}, store.ErrNotFound
	}
	return d, nil
}

func (b *fakeBackend) BindDevice(_ context.Context, userID, deviceID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bindings[deviceID] = userID
	return nil
}

func (b *fakeBackend) CreateVoiceClone(_ context.Context, vc store.VoiceClone) (store.VoiceClone, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	vc.ID = b.id()
	if vc.Status == "" {
		vc.Status = store.CloneTraining
	}
	vc.CreatedAt = time.Now()
	b.clones = append(b.clones, vc)
	return vc, nil
}

func (b *fakeBackend) ListVoiceClones(_ context.Context, userID int64) ([]store.VoiceClone, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []store.VoiceClone
	for _, c := range b.clones {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

// fakeBinder accepts one hard-coded challenge code.
type fakeBinder struct{ code string }

func (f *fakeBinder) ConsumeBindChallenge(_ context.Context, _, code string) (bool, error) {
	return code == f.code, nil
}

type statSink struct{ stats []store.MetricStat }

func (s *statSink) InsertMetrics(context.Context, []store.MetricRow) error { return nil }
func (s *statSink) StatsSince(context.Context, time.Time) ([]store.MetricStat, error) {
	return s.stats, nil
}

// ─── Fixture ─────────────────────────────────────────────────────────────────

type fixture struct {
	db     *fakeBackend
	issuer *auth.Issuer
	srv    *httptest.Server
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	issuer, err := auth.NewIssuer("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	f := &fixture{db: newFakeBackend(), issuer: issuer}
	f.db.templates[1] = store.AgentTemplate{
		ID: 1, Name: "小星", AgentConfig: json.RawMessage(`{}`), ModuleParams: json.RawMessage(`{}`),
	}

	cfg := Config{
		Auth:   issuer,
		Store:  f.db,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	api, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.srv = httptest.NewServer(api.Router())
	t.Cleanup(f.srv.Close)
	return f
}

// call performs one request and decodes the envelope.
func (f *fixture) call(t *testing.T, method, path, token string, body any) (int, envelope) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return resp.StatusCode, env
}

// register creates a user and returns a valid token for it.
func (f *fixture) register(t *testing.T, login string) (int64, string) {
	t.Helper()
	_, env := f.call(t, http.MethodPost, "/auth/register", "", map[string]string{
		"login_name": login, "password": "hunter22", "user_name": login,
	})
	if env.Code != codeOK {
		t.Fatalf("register: %+v", env)
	}
	userID := int64(env.Data.(map[string]any)["user_id"].(float64))
	token, err := f.issuer.Issue(userID, login)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return userID, token
}

func data(t *testing.T, env envelope) map[string]any {
	t.Helper()
	m, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("data is %T, want object: %+v", env.Data, env)
	}
	return m
}

func list(t *testing.T, env envelope) []any {
	t.Helper()
	l, ok := env.Data.([]any)
	if !ok {
		t.Fatalf("data is %T, want array: %+v", env.Data, env)
	}
	return l
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestRegisterLoginMe(t *testing.T) {
	f := newFixture(t, nil)

	status, env := f.call(t, http.MethodPost, "/auth/register", "", map[string]string{
		"login_name": "mia", "password": "hunter22", "user_name": "Mia",
	})
	if status != http.StatusOK || env.Code != codeOK {
		t.Fatalf("register: status=%d env=%+v", status, env)
	}

	status, env = f.call(t, http.MethodPost, "/auth/login", "", map[string]string{
		"login_name": "mia", "password": "hunter22",
	})
	if status != http.StatusOK || env.Code != codeOK {
		t.Fatalf("login: status=%d env=%+v", status, env)
	}
	token, _ := data(t, env)["token"].(string)
	if token == "" {
		t.Fatal("login produced no token")
	}

	status, env = f.call(t, http.MethodGet, "/auth/me", token, nil)
	if status != http.StatusOK || env.Code != codeOK {
		t.Fatalf("me: status=%d env=%+v", status, env)
	}
	if got := data(t, env)["login_name"]; got != "mia" {
		t.Errorf("login_name = %v", got)
	}
}

func TestRegisterDuplicateLogin(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "mia")

	_, env := f.call(t, http.MethodPost, "/auth/register", "", map[string]string{
		"login_name": "mia", "password": "other",
	})
	if env.Code != codeConflict {
		t.Fatalf("env = %+v, want code %d", env, codeConflict)
	}
}

func TestLoginWrongPasswordStaysHTTP200(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "mia")

	status, env := f.call(t, http.MethodPost, "/auth/login", "", map[string]string{
		"login_name": "mia", "password": "wrong",
	})
	if status != http.StatusOK {
		t.Errorf("status = %d, business failures stay 200", status)
	}
	if env.Code != codeDenied {
		t.Errorf("code = %d, want %d", env.Code, codeDenied)
	}
}

func TestMissingTokenIs401(t *testing.T) {
	f := newFixture(t, nil)
	status, _ := f.call(t, http.MethodGet, "/agents", "", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", status)
	}
}

func TestAgentLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	_, token := f.register(t, "mia")

	_, env := f.call(t, http.MethodPost, "/agents", token, map[string]any{
		"template_id": 1, "name": "我的小星",
	})
	if env.Code != codeOK {
		t.Fatalf("create agent: %+v", env)
	}
	agentID := int64(data(t, env)["id"].(float64))

	_, env = f.call(t, http.MethodGet, "/agents", token, nil)
	if env.Code != codeOK || len(list(t, env)) != 1 {
		t.Fatalf("list agents: %+v", env)
	}

	_, env = f.call(t, http.MethodPut, fmt.Sprintf("/agents/%d", agentID), token, map[string]any{
		"name": "改名了",
	})
	if env.Code != codeOK || data(t, env)["name"] != "改名了" {
		t.Fatalf("update agent: %+v", env)
	}

	_, env = f.call(t, http.MethodDelete, fmt.Sprintf("/agents/%d", agentID), token, nil)
	if env.Code != codeOK {
		t.Fatalf("delete agent: %+v", env)
	}
}

func TestUpdateAgentRejectsBadConfig(t *testing.T) {
	f := newFixture(t, nil)
	_, token := f.register(t, "mia")
	_, env := f.call(t, http.MethodPost, "/agents", token, map[string]any{"template_id": 1})
	agentID := int64(data(t, env)["id"].(float64))

	_, env = f.call(t, http.MethodPut, fmt.Sprintf("/agents/%d", agentID), token, map[string]any{
		"agent_config": map[string]any{
			"audio_settings": map[string]any{"listen_mode": "teleport"},
		},
	})
	if env.Code != codeParam {
		t.Fatalf("env = %+v, want code %d", env, codeParam)
	}
}

func TestForeignAgentReadsAsNotFound(t *testing.T) {
	f := newFixture(t, nil)
	_, miaToken := f.register(t, "mia")
	_, env := f.call(t, http.MethodPost, "/agents", miaToken, map[string]any{"template_id": 1})
	agentID := int64(data(t, env)["id"].(float64))

	_, otherToken := f.register(t, "zoe")
	_, env = f.call(t, http.MethodGet, fmt.Sprintf("/agents/%d", agentID), otherToken, nil)
	if env.Code != codeNotFound {
		t.Fatalf("env = %+v, want code %d", env, codeNotFound)
	}
}

func TestSessionsAndMessages(t *testing.T) {
	f := newFixture(t, nil)
	_, token := f.register(t, "mia")
	_, env := f.call(t, http.MethodPost, "/agents", token, map[string]any{"template_id": 1})
	agentID := int64(data(t, env)["id"].(float64))

	_, env = f.call(t, http.MethodPost, "/sessions", token, map[string]any{"agent_id": agentID})
	if env.Code != codeOK {
		t.Fatalf("create session: %+v", env)
	}
	sessionID := data(t, env)["session_id"].(string)

	f.db.mu.Lock()
	for i := 0; i < 3; i++ {
		f.db.messages[sessionID] = append(f.db.messages[sessionID], store.Message{
			ID: int64(i + 1), SessionID: sessionID, Role: store.RoleUser,
			Content: fmt.Sprintf("第%d句", i+1), CreatedAt: time.Now(),
		})
	}
	f.db.mu.Unlock()

	_, env = f.call(t, http.MethodGet, fmt.Sprintf("/sessions?agent_id=%d", agentID), token, nil)
	if env.Code != codeOK || len(list(t, env)) != 1 {
		t.Fatalf("list sessions: %+v", env)
	}

	_, env = f.call(t, http.MethodGet, "/sessions/"+sessionID+"/messages?limit=2&offset=1", token, nil)
	if env.Code != codeOK {
		t.Fatalf("list messages: %+v", env)
	}
	msgs := list(t, env)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2 (paged)", len(msgs))
	}
	if first := msgs[0].(map[string]any)["content"]; first != "第2句" {
		t.Errorf("first paged message = %v", first)
	}

	_, env = f.call(t, http.MethodDelete, "/sessions/"+sessionID, token, nil)
	if env.Code != codeOK {
		t.Fatalf("delete session: %+v", env)
	}
}

func TestBindDevice(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Binder = &fakeBinder{code: "482913"}
	})
	f.db.devices["toy-0001"] = store.Device{ID: 3, DeviceUUID: "toy-0001"}
	_, token := f.register(t, "mia")

	_, env := f.call(t, http.MethodPost, "/devices/bind", token, map[string]string{
		"device_uuid": "toy-0001", "code": "000000",
	})
	if env.Code != codeDenied {
		t.Fatalf("wrong code: %+v", env)
	}

	_, env = f.call(t, http.MethodPost, "/devices/bind", token, map[string]string{
		"device_uuid": "toy-0001", "code": "482913",
	})
	if env.Code != codeOK {
		t.Fatalf("bind: %+v", env)
	}

	_, env = f.call(t, http.MethodGet, "/devices", token, nil)
	if env.Code != codeOK || len(list(t, env)) != 1 {
		t.Fatalf("list devices: %+v", env)
	}
}

func TestListModules(t *testing.T) {
	catalog := &registry.Catalog{Modules: map[config.ModuleType][]registry.Entry{
		config.ModuleLLM: {{Code: "openai", Name: "OpenAI", Default: true}},
		config.ModuleTTS: {{Code: "azure", Name: "Azure TTS"}},
	}}
	reg := registry.New(registry.Env{}, catalog)
	f := newFixture(t, func(cfg *Config) { cfg.Modules = reg })
	_, token := f.register(t, "mia")

	_, env := f.call(t, http.MethodGet, "/modules", token, nil)
	if env.Code != codeOK {
		t.Fatalf("modules: %+v", env)
	}
	mods := data(t, env)
	llms, _ := mods["llm"].([]any)
	if len(llms) != 1 || llms[0].(map[string]any)["code"] != "openai" {
		t.Fatalf("llm modules = %v", mods["llm"])
	}
}

func TestStats(t *testing.T) {
	sink := &statSink{stats: []store.MetricStat{
		{Kind: "llm", Provider: "openai", Model: "gpt-4o-mini", Calls: 12, TotalTokens: 3400},
	}}
	rec := metrics.New(sink, metrics.WithFlushInterval(time.Hour))
	t.Cleanup(func() { rec.Close() })
	f := newFixture(t, func(cfg *Config) { cfg.Recorder = rec })
	_, token := f.register(t, "mia")

	_, env := f.call(t, http.MethodGet, "/metrics/stats?period=week", token, nil)
	if env.Code != codeOK {
		t.Fatalf("stats: %+v", env)
	}
	rows := list(t, env)
	if len(rows) != 1 || rows[0].(map[string]any)["calls"].(float64) != 12 {
		t.Fatalf("stats rows = %v", rows)
	}
}

func TestHealthIsUnauthenticated(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := http.Get(f.srv.URL + "/aitoys/v1/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte(`"ok"`)) {
		t.Fatalf("health: status=%d body=%s", resp.StatusCode, body)
	}
}
