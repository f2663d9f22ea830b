package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Workspace string        `json:"workspace" env:"LIFETRACE_WORKSPACE"`
	Server    ServerConfig  `json:"server"`
	Fusion    FusionConfig  `json:"fusion"`
	Query     QueryConfig   `json:"query"`
	Sweep     SweepConfig   `json:"sweep"`
	mu        sync.RWMutex
}

type ServerConfig struct {
	Host string `json:"host" env:"LIFETRACE_SERVER_HOST"`
	Port int    `json:"port" env:"LIFETRACE_SERVER_PORT"`
}

type FusionConfig struct {
	Workers            int     `json:"workers" env:"LIFETRACE_FUSION_WORKERS"`
	Retries            int     `json:"retries" env:"LIFETRACE_FUSION_RETRIES"`
	BackoffMS          int     `json:"backoff_ms" env:"LIFETRACE_FUSION_BACKOFF_MS"`
	MergeGapSeconds    int     `json:"merge_gap_seconds" env:"LIFETRACE_FUSION_MERGE_GAP_SECONDS"`
	OverlapFraction    float64 `json:"overlap_fraction" env:"LIFETRACE_FUSION_OVERLAP_FRACTION"`
	MinLabelConfidence float64 `json:"min_label_confidence" env:"LIFETRACE_FUSION_MIN_LABEL_CONFIDENCE"`
	SummaryMaxLen      int     `json:"summary_max_len" env:"LIFETRACE_FUSION_SUMMARY_MAX_LEN"`
	FreezeAfterSeconds int     `json:"freeze_after_seconds" env:"LIFETRACE_FUSION_FREEZE_AFTER_SECONDS"`
	BusCapacity        int     `json:"bus_capacity" env:"LIFETRACE_FUSION_BUS_CAPACITY"`
}

type QueryConfig struct {
	TopK                int     `json:"top_k" env:"LIFETRACE_QUERY_TOP_K"`
	CandidateLimit      int     `json:"candidate_limit" env:"LIFETRACE_QUERY_CANDIDATE_LIMIT"`
	ConfidenceThreshold float64 `json:"confidence_threshold" env:"LIFETRACE_QUERY_CONFIDENCE_THRESHOLD"`
	MaxCandidates       int     `json:"max_candidates" env:"LIFETRACE_QUERY_MAX_CANDIDATES"`
	AnswerCacheSeconds  int     `json:"answer_cache_seconds" env:"LIFETRACE_QUERY_ANSWER_CACHE_SECONDS"`
	EmbeddingModel      string  `json:"embedding_model" env:"LIFETRACE_QUERY_EMBEDDING_MODEL"`
}

type SweepConfig struct {
	PollSeconds       int    `json:"poll_seconds" env:"LIFETRACE_SWEEP_POLL_SECONDS"`
	RetentionSchedule string `json:"retention_schedule" env:"LIFETRACE_SWEEP_RETENTION_SCHEDULE"`
	RetentionDays     int    `json:"retention_days" env:"LIFETRACE_SWEEP_RETENTION_DAYS"`
}

func DefaultConfig() *Config {
	return &Config{
		Workspace: "~/.lifetrace/workspace",
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 18920,
		},
		Fusion: FusionConfig{
			Workers:            2,
			Retries:            5,
			BackoffMS:          250,
			MergeGapSeconds:    5,
			OverlapFraction:    0.5,
			MinLabelConfidence: 0.4,
			SummaryMaxLen:      240,
			FreezeAfterSeconds: 120,
			BusCapacity:        100,
		},
		Query: QueryConfig{
			TopK:                10,
			CandidateLimit:      80,
			ConfidenceThreshold: 0.3,
			MaxCandidates:       3,
			AnswerCacheSeconds:  20,
			EmbeddingModel:      "lifetrace-chargram-384-v1",
		},
		Sweep: SweepConfig{
			PollSeconds:       30,
			RetentionSchedule: "",
			RetentionDays:     0,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Workspace)
}

func (c *Config) FuseBackoff() time.Duration {
	return time.Duration(c.Fusion.BackoffMS) * time.Millisecond
}

func (c *Config) MergeGap() time.Duration {
	return time.Duration(c.Fusion.MergeGapSeconds) * time.Second
}

func (c *Config) FreezeAfter() time.Duration {
	return time.Duration(c.Fusion.FreezeAfterSeconds) * time.Second
}

func (c *Config) AnswerCacheTTL() time.Duration {
	return time.Duration(c.Query.AnswerCacheSeconds) * time.Second
}

func (c *Config) SweepPoll() time.Duration {
	return time.Duration(c.Sweep.PollSeconds) * time.Second
}

func (c *Config) RetentionHorizon() time.Duration {
	return time.Duration(c.Sweep.RetentionDays) * 24 * time.Hour
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
