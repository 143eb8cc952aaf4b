package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ─── Templates ───────────────────────────────────────────────────────────────

// CreateTemplate inserts an agent template. creatorID 0 marks a system
// template visible to every user.
func (s *Store) CreateTemplate(ctx context.Context, t AgentTemplate) (AgentTemplate, error) {
	const q = `
		INSERT INTO agent_templates (name, avatar, device_type, creator_id, module_params, agent_config)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`

	if t.ModuleParams == nil {
		t.ModuleParams = json.RawMessage(`{}`)
	}
	if t.AgentConfig == nil {
		t.AgentConfig = json.RawMessage(`{}`)
	}
	err := s.pool.QueryRow(ctx, q, t.Name, t.Avatar, t.DeviceType, t.CreatorID,
		t.ModuleParams, t.AgentConfig).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return AgentTemplate{}, fmt.Errorf("store: create template: %w", err)
	}
	return t, nil
}

// GetTemplate returns the template with the given id.
func (s *Store) GetTemplate(ctx context.Context, id int64) (AgentTemplate, error) {
	const q = `
		SELECT id, name, avatar, device_type, creator_id, module_params, agent_config, created_at
		FROM   agent_templates
		WHERE  id = $1`

	var t AgentTemplate
	err := s.pool.QueryRow(ctx, q, id).Scan(&t.ID, &t.Name, &t.Avatar, &t.DeviceType,
		&t.CreatorID, &t.ModuleParams, &t.AgentConfig, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return AgentTemplate{}, ErrNotFound
	}
	if err != nil {
		return AgentTemplate{}, fmt.Errorf("store: get template: %w", err)
	}
	return t, nil
}

// ListTemplates returns system templates plus the user's own, newest first.
func (s *Store) ListTemplates(ctx context.Context, userID int64) ([]AgentTemplate, error) {
	const q = `
		SELECT id, name, avatar, device_type, creator_id, module_params, agent_config, created_at
		FROM   agent_templates
		WHERE  creator_id = 0 OR creator_id = $1
		ORDER  BY created_at DESC`

	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list templates: %w", err)
	}
	templates, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (AgentTemplate, error) {
		var t AgentTemplate
		err := row.Scan(&t.ID, &t.Name, &t.Avatar, &t.DeviceType,
			&t.CreatorID, &t.ModuleParams, &t.AgentConfig, &t.CreatedAt)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan templates: %w", err)
	}
	return templates, nil
}

// ─── Agents ──────────────────────────────────────────────────────────────────

// CreateAgentFromTemplate instantiates a template for a user. The instance
// starts with empty overrides; effective config is assembled at resolve time
// by merging template blobs with instance blobs.
func (s *Store) CreateAgentFromTemplate(ctx context.Context, userID, templateID int64, name string) (Agent, error) {
	tmpl, err := s.GetTemplate(ctx, templateID)
	if err != nil {
		return Agent{}, fmt.Errorf("store: create agent: template %d: %w", templateID, err)
	}
	if name == "" {
		name = tmpl.Name
	}

	const q = `
		INSERT INTO agents (user_id, template_id, name, avatar)
		VALUES ($1, $2, $3, $4)
		RETURNING id, module_params, agent_config, memory_data, status, created_at`

	a := Agent{UserID: userID, TemplateID: templateID, Name: name, Avatar: tmpl.Avatar}
	err = s.pool.QueryRow(ctx, q, userID, templateID, name, tmpl.Avatar).Scan(
		&a.ID, &a.ModuleParams, &a.AgentConfig, &a.MemoryData, &a.Status, &a.CreatedAt)
	if err != nil {
		return Agent{}, fmt.Errorf("store: create agent: %w", err)
	}
	return a, nil
}

// GetAgent returns the agent with the given id. Disabled agents are not
// found.
func (s *Store) GetAgent(ctx context.Context, id int64) (Agent, error) {
	const q = `
		SELECT id, user_id, template_id, COALESCE(device_id, 0), name, avatar,
		       module_params, agent_config, memory_data, status, created_at
		FROM   agents
		WHERE  id = $1 AND status = 1`

	return s.scanAgent(s.pool.QueryRow(ctx, q, id))
}

// AgentByDevice returns the agent bound to a device. Devices carry at most
// one agent; the newest binding wins if data drifted.
func (s *Store) AgentByDevice(ctx context.Context, deviceID int64) (Agent, error) {
	const q = `
		SELECT id, user_id, template_id, COALESCE(device_id, 0), name, avatar,
		       module_params, agent_config, memory_data, status, created_at
		FROM   agents
		WHERE  device_id = $1 AND status = 1
		ORDER  BY created_at DESC
		LIMIT  1`

	return s.scanAgent(s.pool.QueryRow(ctx, q, deviceID))
}

// ListAgents returns a user's agents, newest first.
func (s *Store) ListAgents(ctx context.Context, userID int64) ([]Agent, error) {
	const q = `
		SELECT id, user_id, template_id, COALESCE(device_id, 0), name, avatar,
		       module_params, agent_config, memory_data, status, created_at
		FROM   agents
		WHERE  user_id = $1 AND status = 1
		ORDER  BY created_at DESC`

	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list agents: %w", err)
	}
	agents, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Agent, error) {
		var a Agent
		err := row.Scan(&a.ID, &a.UserID, &a.TemplateID, &a.DeviceID, &a.Name, &a.Avatar,
			&a.ModuleParams, &a.AgentConfig, &a.MemoryData, &a.Status, &a.CreatedAt)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan agents: %w", err)
	}
	return agents, nil
}

// UpdateAgent writes the mutable fields of an agent: name, avatar, config
// overrides and device binding.
func (s *Store) UpdateAgent(ctx context.Context, a Agent) error {
	const q = `
		UPDATE agents
		SET    name = $2, avatar = $3, module_params = $4, agent_config = $5,
		       device_id = NULLIF($6, 0), updated_at = now()
		WHERE  id = $1 AND status = 1`

	if a.ModuleParams == nil {
		a.ModuleParams = json.RawMessage(`{}`)
	}
	if a.AgentConfig == nil {
		a.AgentConfig = json.RawMessage(`{}`)
	}
	tag, err := s.pool.Exec(ctx, q, a.ID, a.Name, a.Avatar, a.ModuleParams, a.AgentConfig, a.DeviceID)
	if err != nil {
		return fmt.Errorf("store: update agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: update agent %d: %w", a.ID, ErrNotFound)
	}
	return nil
}

// UpdateAgentMemory replaces the agent's free-form memory_data blob.
func (s *Store) UpdateAgentMemory(ctx context.Context, id int64, memoryData json.RawMessage) error {
	const q = `UPDATE agents SET memory_data = $2, updated_at = now() WHERE id = $1 AND status = 1`
	tag, err := s.pool.Exec(ctx, q, id, memoryData)
	if err != nil {
		return fmt.Errorf("store: update agent memory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: update agent memory %d: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteAgent soft-deletes an agent; its history remains.
func (s *Store) DeleteAgent(ctx context.Context, id int64) error {
	const q = `UPDATE agents SET status = 0, updated_at = now() WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("store: delete agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: delete agent %d: %w", id, ErrNotFound)
	}
	return nil
}

// ListActiveAgentIDs returns the ids of every enabled agent. The summary
// scheduler uses this to scan for due rollups.
func (s *Store) ListActiveAgentIDs(ctx context.Context) ([]int64, error) {
	const q = `SELECT id FROM agents WHERE status = 1 ORDER BY id`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: list active agent ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("store: scan agent ids: %w", err)
	}
	return ids, nil
}

func (s *Store) scanAgent(row pgx.Row) (Agent, error) {
	var a Agent
	err := row.Scan(&a.ID, &a.UserID, &a.TemplateID, &a.DeviceID, &a.Name, &a.Avatar,
		&a.ModuleParams, &a.AgentConfig, &a.MemoryData, &a.Status, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Agent{}, ErrNotFound
	}
	if err != nil {
		return Agent{}, fmt.Errorf("store: scan agent: %w", err)
	}
	return a, nil
}
