package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/starbud-ai/starbud/internal/auth"
	"github.com/starbud-ai/starbud/internal/config"
	"github.com/starbud-ai/starbud/internal/store"
)

// ─── Accounts ────────────────────────────────────────────────────────────────

type registerRequest struct {
	LoginName string `json:"login_name"`
	Password  string `json:"password"`
	UserName  string `json:"user_name"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decode(r, &req); err != nil || req.LoginName == "" || req.Password == "" {
		s.fail(w, codeParam, "login_name and password are required")
		return
	}
	if req.UserName == "" {
		req.UserName = req.LoginName
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.fail(w, codeParam, "unusable password")
		return
	}
	u, err := s.cfg.Store.CreateUser(r.Context(), req.LoginName, hash, req.UserName)
	if err != nil {
		s.storeFail(w, err, "user")
		return
	}

	s.log.Info("user registered", slog.Int64("user_id", u.ID), slog.String("login_name", u.LoginName))
	s.ok(w, map[string]any{"user_id": u.ID})
}

type loginRequest struct {
	LoginName string `json:"login_name"`
	Password  string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil || req.LoginName == "" {
		s.fail(w, codeParam, "login_name and password are required")
		return
	}

	u, err := s.cfg.Store.GetUserByLogin(r.Context(), req.LoginName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.fail(w, codeDenied, "wrong login or password")
			return
		}
		s.storeFail(w, err, "user")
		return
	}
	if err := auth.CheckPassword(u.PasswordHash, req.Password); err != nil {
		s.fail(w, codeDenied, "wrong login or password")
		return
	}

	token, err := s.cfg.Auth.Issue(u.ID, u.LoginName)
	if err != nil {
		s.log.Error("issuing token failed", slog.Any("error", err))
		s.fail(w, codeInternal, "internal error")
		return
	}
	s.ok(w, map[string]any{
		"token":   token,
		"expire":  time.Now().Add(s.cfg.Auth.TTL()).Unix(),
		"user_id": u.ID,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	u, err := s.cfg.Store.GetUser(r.Context(), caller(r).UserID)
	if err != nil {
		s.storeFail(w, err, "user")
		return
	}
	s.ok(w, map[string]any{
		"user_id":    u.ID,
		"login_name": u.LoginName,
		"user_name":  u.UserName,
		"avatar":     u.Avatar,
		"created_at": timestamp(u.CreatedAt),
	})
}

// ─── Agents ──────────────────────────────────────────────────────────────────

type agentDTO struct {
	ID           int64           `json:"id"`
	TemplateID   int64           `json:"template_id"`
	DeviceID     int64           `json:"device_id,omitempty"`
	Name         string          `json:"name"`
	Avatar       string          `json:"avatar,omitempty"`
	ModuleParams json.RawMessage `json:"module_params"`
	AgentConfig  json.RawMessage `json:"agent_config"`
	CreatedAt    int64           `json:"created_at"`
}

func toAgentDTO(a store.Agent) agentDTO {
	return agentDTO{
		ID:           a.ID,
		TemplateID:   a.TemplateID,
		DeviceID:     a.DeviceID,
		Name:         a.Name,
		Avatar:       a.Avatar,
		ModuleParams: a.ModuleParams,
		AgentConfig:  a.AgentConfig,
		CreatedAt:    timestamp(a.CreatedAt),
	}
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.cfg.Store.ListAgents(r.Context(), caller(r).UserID)
	if err != nil {
		s.storeFail(w, err, "agents")
		return
	}
	out := make([]agentDTO, 0, len(agents))
	for _, a := range agents {
		out = append(out, toAgentDTO(a))
	}
	s.ok(w, out)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	tpls, err := s.cfg.Store.ListTemplates(r.Context(), caller(r).UserID)
	if err != nil {
		s.storeFail(w, err, "templates")
		return
	}
	type tplDTO struct {
		ID          int64           `json:"id"`
		Name        string          `json:"name"`
		Avatar      string          `json:"avatar,omitempty"`
		DeviceType  string          `json:"device_type,omitempty"`
		AgentConfig json.RawMessage `json:"agent_config"`
	}
	out := make([]tplDTO, 0, len(tpls))
	for _, t := range tpls {
		out = append(out, tplDTO{
			ID: t.ID, Name: t.Name, Avatar: t.Avatar,
			DeviceType: t.DeviceType, AgentConfig: t.AgentConfig,
		})
	}
	s.ok(w, out)
}

type createAgentRequest struct {
	TemplateID int64  `json:"template_id"`
	Name       string `json:"name"`
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := decode(r, &req); err != nil || req.TemplateID <= 0 {
		s.fail(w, codeParam, "template_id is required")
		return
	}
	a, err := s.cfg.Store.CreateAgentFromTemplate(r.Context(), caller(r).UserID, req.TemplateID, req.Name)
	if err != nil {
		s.storeFail(w, err, "agent")
		return
	}
	s.ok(w, toAgentDTO(a))
}

// ownAgent loads an agent and enforces that the caller owns it. A foreign
// agent reads as not found so ids cannot be probed.
func (s *Server) ownAgent(w http.ResponseWriter, r *http.Request, id int64) (store.Agent, bool) {
	a, err := s.cfg.Store.GetAgent(r.Context(), id)
	if err != nil {
		s.storeFail(w, err, "agent")
		return store.Agent{}, false
	}
	if a.UserID != caller(r).UserID {
		s.fail(w, codeNotFound, "agent not found")
		return store.Agent{}, false
	}
	return a, true
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		s.fail(w, codeParam, "bad agent id")
		return
	}
	a, ok := s.ownAgent(w, r, id)
	if !ok {
		return
	}
	s.ok(w, toAgentDTO(a))
}

type updateAgentRequest struct {
	Name         string          `json:"name"`
	Avatar       string          `json:"avatar"`
	DeviceID     *int64          `json:"device_id"`
	ModuleParams json.RawMessage `json:"module_params"`
	AgentConfig  json.RawMessage `json:"agent_config"`
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		s.fail(w, codeParam, "bad agent id")
		return
	}
	var req updateAgentRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, codeParam, "malformed body")
		return
	}

	a, ok := s.ownAgent(w, r, id)
	if !ok {
		return
	}
	if req.Name != "" {
		a.Name = req.Name
	}
	if req.Avatar != "" {
		a.Avatar = req.Avatar
	}
	if req.DeviceID != nil {
		a.DeviceID = *req.DeviceID
	}
	if req.AgentConfig != nil {
		if _, err := config.ParseAgentConfig(req.AgentConfig); err != nil {
			s.fail(w, codeParam, "invalid agent_config: "+err.Error())
			return
		}
		a.AgentConfig = req.AgentConfig
	}
	if req.ModuleParams != nil {
		if _, err := config.ParseModuleParams(req.ModuleParams); err != nil {
			s.fail(w, codeParam, "invalid module_params: "+err.Error())
			return
		}
		a.ModuleParams = req.ModuleParams
	}

	if err := s.cfg.Store.UpdateAgent(r.Context(), a); err != nil {
		s.storeFail(w, err, "agent")
		return
	}
	s.ok(w, toAgentDTO(a))
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		s.fail(w, codeParam, "bad agent id")
		return
	}
	if _, ok := s.ownAgent(w, r, id); !ok {
		return
	}
	if err := s.cfg.Store.DeleteAgent(r.Context(), id); err != nil {
		s.storeFail(w, err, "agent")
		return
	}
	s.ok(w, nil)
}

// handleListModules reports the module catalog: which codes a client may put
// into module_params, per pipeline stage.
func (s *Server) handleListModules(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Modules == nil {
		s.ok(w, map[string]any{})
		return
	}
	type moduleDTO struct {
		Code    string `json:"code"`
		Name    string `json:"name"`
		Default bool   `json:"default,omitempty"`
	}
	out := make(map[string][]moduleDTO, len(config.ModuleTypes))
	for _, typ := range config.ModuleTypes {
		entries := s.cfg.Modules.List(typ)
		dtos := make([]moduleDTO, 0, len(entries))
		for _, e := range entries {
			dtos = append(dtos, moduleDTO{Code: e.Code, Name: e.Name, Default: e.Default})
		}
		out[string(typ)] = dtos
	}
	s.ok(w, out)
}

// ─── Sessions ────────────────────────────────────────────────────────────────

type sessionDTO struct {
	SessionID string `json:"session_id"`
	AgentID   int64  `json:"agent_id"`
	DeviceID  int64  `json:"device_id,omitempty"`
	Copilot   bool   `json:"copilot,omitempty"`
	Open      bool   `json:"open"`
	CreatedAt int64  `json:"created_at"`
	ClosedAt  int64  `json:"closed_at,omitempty"`
}

func toSessionDTO(sess store.Session) sessionDTO {
	return sessionDTO{
		SessionID: sess.SessionID,
		AgentID:   sess.AgentID,
		DeviceID:  sess.DeviceID,
		Copilot:   sess.Copilot,
		Open:      sess.Open,
		CreatedAt: timestamp(sess.CreatedAt),
		ClosedAt:  timestamp(sess.ClosedAt),
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	agentID, err := strconv.ParseInt(r.URL.Query().Get("agent_id"), 10, 64)
	if err != nil || agentID <= 0 {
		s.fail(w, codeParam, "agent_id is required")
		return
	}
	if _, ok := s.ownAgent(w, r, agentID); !ok {
		return
	}

	copilot := r.URL.Query().Get("copilot") == "true"
	limit, offset := paging(r)
	sessions, err := s.cfg.Store.ListSessions(r.Context(), agentID, copilot, limit, offset)
	if err != nil {
		s.storeFail(w, err, "sessions")
		return
	}
	out := make([]sessionDTO, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, toSessionDTO(sess))
	}
	s.ok(w, out)
}

type createSessionRequest struct {
	AgentID int64 `json:"agent_id"`
	Copilot bool  `json:"copilot"`
}

// handleCreateSession opens a session row without a live connection, for
// text-only copilot chat driven through the HTTP surface.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decode(r, &req); err != nil || req.AgentID <= 0 {
		s.fail(w, codeParam, "agent_id is required")
		return
	}
	if _, ok := s.ownAgent(w, r, req.AgentID); !ok {
		return
	}
	sess, err := s.cfg.Store.CreateSession(r.Context(), caller(r).UserID, req.AgentID, 0, req.Copilot)
	if err != nil {
		s.storeFail(w, err, "session")
		return
	}
	s.ok(w, toSessionDTO(sess))
}

// ownSession loads a session and enforces ownership.
func (s *Server) ownSession(w http.ResponseWriter, r *http.Request) (store.Session, bool) {
	sess, err := s.cfg.Store.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeFail(w, err, "session")
		return store.Session{}, false
	}
	if sess.UserID != caller(r).UserID {
		s.fail(w, codeNotFound, "session not found")
		return store.Session{}, false
	}
	return sess, true
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownSession(w, r)
	if !ok {
		return
	}
	limit, offset := paging(r)
	msgs, err := s.cfg.Store.ListMessages(r.Context(), sess.SessionID, limit, offset)
	if err != nil {
		s.storeFail(w, err, "messages")
		return
	}
	type messageDTO struct {
		ID         int64   `json:"id"`
		Role       string  `json:"role"`
		Content    string  `json:"content"`
		Emotion    string  `json:"emotion,omitempty"`
		Confidence float64 `json:"confidence,omitempty"`
		CreatedAt  int64   `json:"created_at"`
	}
	out := make([]messageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageDTO{
			ID: m.ID, Role: m.Role, Content: m.Content,
			Emotion: m.Emotion, Confidence: m.Confidence,
			CreatedAt: timestamp(m.CreatedAt),
		})
	}
	s.ok(w, out)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownSession(w, r)
	if !ok {
		return
	}
	if err := s.cfg.Store.DeleteSession(r.Context(), sess.SessionID); err != nil {
		s.storeFail(w, err, "session")
		return
	}
	s.ok(w, nil)
}

// ─── Devices ─────────────────────────────────────────────────────────────────

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.cfg.Store.ListUserDevices(r.Context(), caller(r).UserID)
	if err != nil {
		s.storeFail(w, err, "devices")
		return
	}
	type deviceDTO struct {
		ID         int64  `json:"id"`
		DeviceUUID string `json:"device_uuid"`
		DeviceType string `json:"device_type,omitempty"`
		Online     bool   `json:"online"`
		LastActive int64  `json:"last_active,omitempty"`
	}
	out := make([]deviceDTO, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceDTO{
			ID: d.ID, DeviceUUID: d.DeviceUUID, DeviceType: d.DeviceType,
			Online: d.Online, LastActive: timestamp(d.LastActive),
		})
	}
	s.ok(w, out)
}

type bindDeviceRequest struct {
	DeviceUUID string `json:"device_uuid"`
	Code       string `json:"code"`
}

// handleBindDevice claims a device with the 6-digit challenge code it shows
// on screen. The challenge lives in Redis with a short TTL.
func (s *Server) handleBindDevice(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Binder == nil {
		s.fail(w, codeInternal, "device binding is not enabled")
		return
	}
	var req bindDeviceRequest
	if err := decode(r, &req); err != nil || req.DeviceUUID == "" || req.Code == "" {
		s.fail(w, codeParam, "device_uuid and code are required")
		return
	}

	dev, err := s.cfg.Store.GetDeviceByUUID(r.Context(), req.DeviceUUID)
	if err != nil {
		s.storeFail(w, err, "device")
		return
	}
	ok, err := s.cfg.Binder.ConsumeBindChallenge(r.Context(), req.DeviceUUID, req.Code)
	if err != nil {
		s.log.Error("bind challenge lookup failed", slog.Any("error", err))
		s.fail(w, codeInternal, "internal error")
		return
	}
	if !ok {
		s.fail(w, codeDenied, "wrong or expired code")
		return
	}
	if err := s.cfg.Store.BindDevice(r.Context(), caller(r).UserID, dev.ID); err != nil {
		s.storeFail(w, err, "device")
		return
	}
	s.ok(w, map[string]any{"device_id": dev.ID})
}

// ─── Voice clones ────────────────────────────────────────────────────────────

func (s *Server) handleListVoiceClones(w http.ResponseWriter, r *http.Request) {
	clones, err := s.cfg.Store.ListVoiceClones(r.Context(), caller(r).UserID)
	if err != nil {
		s.storeFail(w, err, "voice clones")
		return
	}
	type cloneDTO struct {
		ID        int64  `json:"id"`
		Name      string `json:"name"`
		Provider  string `json:"provider"`
		Status    string `json:"status"`
		CreatedAt int64  `json:"created_at"`
	}
	out := make([]cloneDTO, 0, len(clones))
	for _, c := range clones {
		out = append(out, cloneDTO{
			ID: c.ID, Name: c.Name, Provider: c.Provider,
			Status: c.Status, CreatedAt: timestamp(c.CreatedAt),
		})
	}
	s.ok(w, out)
}

type createVoiceCloneRequest struct {
	Name       string `json:"name"`
	Provider   string `json:"provider"`
	SamplePath string `json:"sample_path"`
}

func (s *Server) handleCreateVoiceClone(w http.ResponseWriter, r *http.Request) {
	var req createVoiceCloneRequest
	if err := decode(r, &req); err != nil || req.Name == "" || req.SamplePath == "" {
		s.fail(w, codeParam, "name and sample_path are required")
		return
	}
	vc, err := s.cfg.Store.CreateVoiceClone(r.Context(), store.VoiceClone{
		UserID:     caller(r).UserID,
		Name:       req.Name,
		Provider:   req.Provider,
		SamplePath: req.SamplePath,
	})
	if err != nil {
		s.storeFail(w, err, "voice clone")
		return
	}
	s.ok(w, map[string]any{"id": vc.ID, "status": vc.Status})
}

// ─── Usage stats ─────────────────────────────────────────────────────────────

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Recorder == nil {
		s.ok(w, []any{})
		return
	}
	period := r.URL.Query().Get("period")
	if period == "" {
		period = "day"
	}
	stats, err := s.cfg.Recorder.Stats(r.Context(), period)
	if err != nil {
		s.fail(w, codeParam, err.Error())
		return
	}
	type statDTO struct {
		Kind        string  `json:"kind"`
		Provider    string  `json:"provider"`
		Model       string  `json:"model"`
		Calls       int64   `json:"calls"`
		TotalTokens int64   `json:"total_tokens"`
		TotalCost   float64 `json:"total_cost"`
		AvgFirstMS  float64 `json:"avg_first_ms"`
		AvgTotalMS  float64 `json:"avg_total_ms"`
		ErrorCalls  int64   `json:"error_calls"`
	}
	out := make([]statDTO, 0, len(stats))
	for _, st := range stats {
		out = append(out, statDTO{
			Kind: st.Kind, Provider: st.Provider, Model: st.Model,
			Calls: st.Calls, TotalTokens: st.TotalTokens, TotalCost: st.TotalCost,
			AvgFirstMS: st.AvgFirstMS, AvgTotalMS: st.AvgTotalMS, ErrorCalls: st.ErrorCalls,
		})
	}
	s.ok(w, out)
}
