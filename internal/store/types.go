package store

import (
	"encoding/json"
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Emotion markers the pipeline stores alongside regular emotion labels.
const (
	// EmotionTruncated marks an assistant message cut short by barge-in.
	EmotionTruncated = "truncated"

	// EmotionError marks an assistant message whose turn ended in a
	// provider failure; Content holds whatever partial text was produced.
	EmotionError = "error"
)

// Job statuses shared by session analyses and growth summaries.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Growth summary types.
const (
	SummaryDaily  = "daily"
	SummaryWeekly = "weekly"
)

// Voice clone lifecycle states.
const (
	CloneTraining  = "training"
	CloneAvailable = "available"
	CloneFailed    = "failed"
	CloneDeleted   = "deleted"
)

// User is an account row. PasswordHash never leaves the store layer.
type User struct {
	ID           int64
	LoginName    string
	LoginType    string
	PasswordHash string
	UserName     string
	Avatar       string
	Status       int16
	CreatedAt    time.Time
}

// Device is a physical toy or client device.
type Device struct {
	ID         int64
	DeviceUUID string
	DeviceType string
	Online     bool
	LastActive time.Time
	CreatedAt  time.Time
}

// AgentTemplate is a persona definition agents are instantiated from.
// creator_id 0 denotes a system template visible to everyone.
type AgentTemplate struct {
	ID           int64
	Name         string
	Avatar       string
	DeviceType   string
	CreatorID    int64
	ModuleParams json.RawMessage
	AgentConfig  json.RawMessage
	CreatedAt    time.Time
}

// Agent is a user's live copy of a template.
type Agent struct {
	ID           int64
	UserID       int64
	TemplateID   int64
	DeviceID     int64 // 0 when unbound
	Name         string
	Avatar       string
	ModuleParams json.RawMessage
	AgentConfig  json.RawMessage
	MemoryData   json.RawMessage
	Status       int16
	CreatedAt    time.Time
}

// Session is a UUID-keyed conversation thread for one (user, agent) pair.
type Session struct {
	SessionID string
	UserID    int64
	AgentID   int64
	DeviceID  int64
	Copilot   bool
	Open      bool
	CreatedAt time.Time
	ClosedAt  time.Time
}

// Message is one chat_messages row.
type Message struct {
	ID         int64
	SessionID  string
	AgentID    int64
	Role       string
	Content    string
	AudioPath  string
	Emotion    string
	Confidence float64
	Copilot    bool
	CreatedAt  time.Time

	// Compressed marks the synthetic entry RecentWindow emits for the
	// latest compressed-history record. Never set on stored rows.
	Compressed bool
}

// CompressedHistory is an LLM-condensed span of old messages.
type CompressedHistory struct {
	ID              int64
	AgentID         int64
	Copilot         bool
	Content         string
	ContentLastTime time.Time
	CreatedAt       time.Time
}

// SessionAnalysis is one background analysis job and its result.
type SessionAnalysis struct {
	ID              int64
	SessionID       string
	AgentID         int64
	Status          string
	DurationSeconds float64
	AvgUtterance    float64
	AnalysisResult  json.RawMessage
	RetryCount      int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// GrowthSummary is one scheduled daily or weekly rollup.
type GrowthSummary struct {
	ID          int64
	AgentID     int64
	SummaryDate time.Time
	SummaryType string
	Content     json.RawMessage
	Status      string
	ScheduledAt time.Time
	UpdatedAt   time.Time
}

// VoiceClone tracks a user-trained custom voice.
type VoiceClone struct {
	ID         int64
	UserID     int64
	Name       string
	Provider   string
	SpeakerID  string
	SamplePath string
	Status     string
	CreatedAt  time.Time
}

// MetricRow is one ai_metrics row, written in batches by the metrics
// recorder.
type MetricRow struct {
	MonitorID        string
	Kind             string
	Provider         string
	Model            string
	SessionID        string
	StartTime        time.Time
	EndTime          time.Time
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	InputChars       int
	OutputChars      int
	FirstByteMS      int64
	FirstTokenMS     int64
	TotalMS          int64
	InputCost        float64
	OutputCost       float64
	TotalCost        float64
	Status           string
}
