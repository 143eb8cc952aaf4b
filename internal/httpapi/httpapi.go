// Package httpapi is the management REST surface: accounts, agents,
// conversation history, device binding, voice clones and usage stats. The
// realtime voice path never goes through here; it lives in the gateway.
//
// Every business response uses one envelope, {code, data, msg}, with code 0
// on success and HTTP 200 regardless of business outcome. Only missing or
// invalid credentials produce a non-200 status (401), so clients can key
// re-login off the transport layer alone.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/starbud-ai/starbud/internal/auth"
	"github.com/starbud-ai/starbud/internal/config"
	"github.com/starbud-ai/starbud/internal/metrics"
	"github.com/starbud-ai/starbud/internal/observe"
	"github.com/starbud-ai/starbud/internal/registry"
	"github.com/starbud-ai/starbud/internal/store"
)

// Business result codes carried in the envelope.
const (
	codeOK       = 0
	codeParam    = 400
	codeDenied   = 403
	codeNotFound = 404
	codeConflict = 409
	codeInternal = 500
)

// Backend is the slice of the conversation store the API serves from.
type Backend interface {
	CreateUser(ctx context.Context, loginName, passwordHash, userName string) (store.User, error)
	GetUser(ctx context.Context, id int64) (store.User, error)
	GetUserByLogin(ctx context.Context, loginName string) (store.User, error)

	ListTemplates(ctx context.Context, userID int64) ([]store.AgentTemplate, error)
	CreateAgentFromTemplate(ctx context.Context, userID, templateID int64, name string) (store.Agent, error)
	GetAgent(ctx context.Context, id int64) (store.Agent, error)
	ListAgents(ctx context.Context, userID int64) ([]store.Agent, error)
	UpdateAgent(ctx context.Context, a store.Agent) error
	DeleteAgent(ctx context.Context, id int64) error

	CreateSession(ctx context.Context, userID, agentID, deviceID int64, copilot bool) (store.Session, error)
	GetSession(ctx context.Context, sessionID string) (store.Session, error)
	ListSessions(ctx context.Context, agentID int64, copilot bool, limit, offset int) ([]store.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
	ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]store.Message, error)

	ListUserDevices(ctx context.Context, userID int64) ([]store.Device, error)
	GetDeviceByUUID(ctx context.Context, deviceUUID string) (store.Device, error)
	BindDevice(ctx context.Context, userID, deviceID int64) error

	CreateVoiceClone(ctx context.Context, vc store.VoiceClone) (store.VoiceClone, error)
	ListVoiceClones(ctx context.Context, userID int64) ([]store.VoiceClone, error)
}

var _ Backend = (*store.Store)(nil)

// Binder validates device bind challenges. Nil disables binding.
type Binder interface {
	ConsumeBindChallenge(ctx context.Context, deviceUUID, code string) (bool, error)
}

// ModuleLister exposes the module catalog. *registry.Registry implements it.
type ModuleLister interface {
	List(typ config.ModuleType) []registry.Entry
}

// Config assembles a Server.
type Config struct {
	Auth     *auth.Issuer
	Store    Backend
	Binder   Binder
	Modules  ModuleLister
	Recorder *metrics.Recorder
	Metrics  *observe.Metrics
	Logger   *slog.Logger
}

// Server carries the handler set. Build the routing table with [Server.Router].
type Server struct {
	cfg Config
	log *slog.Logger
}

// New creates the API server. Auth and Store are required.
func New(cfg Config) (*Server, error) {
	if cfg.Auth == nil || cfg.Store == nil {
		return nil, errors.New("httpapi: auth and store are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg, log: cfg.Logger}, nil
}

// Router builds the chi routing table.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	if s.cfg.Metrics != nil {
		r.Use(observe.Middleware(s.cfg.Metrics))
	}

	r.Get("/aitoys/v1/health", s.handleHealth)

	r.Post("/auth/register", s.handleRegister)
	r.Post("/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Get("/auth/me", s.handleMe)

		r.Get("/agents", s.handleListAgents)
		r.Post("/agents", s.handleCreateAgent)
		r.Get("/agents/templates", s.handleListTemplates)
		r.Get("/agents/{id}", s.handleGetAgent)
		r.Put("/agents/{id}", s.handleUpdateAgent)
		r.Delete("/agents/{id}", s.handleDeleteAgent)

		r.Get("/modules", s.handleListModules)

		r.Get("/sessions", s.handleListSessions)
		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions/{id}/messages", s.handleListMessages)
		r.Delete("/sessions/{id}", s.handleDeleteSession)

		r.Get("/devices", s.handleListDevices)
		r.Post("/devices/bind", s.handleBindDevice)

		r.Get("/voices", s.handleListVoiceClones)
		r.Post("/voices", s.handleCreateVoiceClone)

		r.Get("/metrics/stats", s.handleStats)
	})

	return r
}

// ─── Envelope ────────────────────────────────────────────────────────────────

type envelope struct {
	Code int    `json:"code"`
	Data any    `json:"data,omitempty"`
	Msg  string `json:"msg"`
}

func (s *Server) write(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		s.log.Debug("writing response failed", slog.Any("error", err))
	}
}

func (s *Server) ok(w http.ResponseWriter, data any) {
	s.write(w, http.StatusOK, envelope{Code: codeOK, Data: data, Msg: "success"})
}

// fail reports a business failure. HTTP status stays 200.
func (s *Server) fail(w http.ResponseWriter, code int, msg string) {
	s.write(w, http.StatusOK, envelope{Code: code, Msg: msg})
}

// storeFail maps a store error to an envelope code.
func (s *Server) storeFail(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.fail(w, codeNotFound, what+" not found")
	case errors.Is(err, store.ErrDuplicate):
		s.fail(w, codeConflict, what+" already exists")
	default:
		s.log.Error(what+" failed", slog.Any("error", err))
		s.fail(w, codeInternal, "internal error")
	}
}

// ─── Auth middleware ─────────────────────────────────────────────────────────

type ctxKey int

const identityKey ctxKey = 0

// requireAuth verifies the Bearer token and stashes the identity in the
// request context. The only non-200 business response in the API.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			s.write(w, http.StatusUnauthorized, envelope{Code: http.StatusUnauthorized, Msg: "missing token"})
			return
		}
		id, err := s.cfg.Auth.Verify(strings.TrimPrefix(h, "Bearer "))
		if err != nil {
			s.write(w, http.StatusUnauthorized, envelope{Code: http.StatusUnauthorized, Msg: "invalid token"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
	})
}

// caller returns the verified identity of the request.
func caller(r *http.Request) auth.Identity {
	id, _ := r.Context().Value(identityKey).(auth.Identity)
	return id
}

// ─── Small helpers ───────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
}

// decode parses a JSON request body into v.
func decode(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

// paging reads limit/offset query params with sane bounds.
func paging(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func timestamp(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
