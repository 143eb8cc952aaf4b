package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero-valued tuning knobs with their documented
// defaults. Required fields (auth secret, postgres DSN) are left alone so
// Validate can report them.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = LogText
	}
	if cfg.Auth.TokenTTL <= 0 {
		cfg.Auth.TokenTTL = 7 * 24 * time.Hour
	}
	if cfg.Postgres.EmbeddingDimensions <= 0 {
		cfg.Postgres.EmbeddingDimensions = 1536
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "starbud"
	}

	p := &cfg.Pipeline
	if p.HistoryWindow <= 0 {
		p.HistoryWindow = 20
	}
	if p.CompressThresholdTokens <= 0 {
		p.CompressThresholdTokens = 8000
	}
	if p.KeepRounds <= 0 {
		p.KeepRounds = 1
	}
	if p.CancelDrain <= 0 {
		p.CancelDrain = 500 * time.Millisecond
	}
	if p.LLMFirstToken <= 0 {
		p.LLMFirstToken = 15 * time.Second
	}
	if p.LLMTotal <= 0 {
		p.LLMTotal = 60 * time.Second
	}
	if p.TTSFirstByte <= 0 {
		p.TTSFirstByte = 5 * time.Second
	}
	if p.TTSSentence <= 0 {
		p.TTSSentence = 30 * time.Second
	}
	if p.ASRFinalize <= 0 {
		p.ASRFinalize = 10 * time.Second
	}
	if p.HelloTimeout <= 0 {
		p.HelloTimeout = 5 * time.Second
	}
	if p.ResumeWindow <= 0 {
		p.ResumeWindow = 30 * time.Second
	}

	m := &cfg.Metrics
	if m.FlushInterval <= 0 {
		m.FlushInterval = 5 * time.Second
	}
	if m.BufferSize <= 0 {
		m.BufferSize = 1000
	}
	if m.RetentionDays <= 0 {
		m.RetentionDays = 30
	}

	s := &cfg.Summary
	if s.CheckSchedule == "" {
		s.CheckSchedule = "@every 10m"
	}
	if s.AnalysisWorkers <= 0 {
		s.AnalysisWorkers = 2
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = 3
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if cfg.Auth.Secret == "" {
		errs = append(errs, errors.New("auth.secret is required"))
	}
	if cfg.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.dsn is required"))
	}
	if cfg.Modules.CatalogPath == "" {
		errs = append(errs, errors.New("modules.catalog_path is required"))
	}

	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		switch srv.Transport {
		case "", "stdio":
			if srv.Command == "" {
				errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
			}
		case "streamable-http":
			if srv.URL == "" {
				errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
			}
		default:
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
	}

	return errors.Join(errs...)
}
