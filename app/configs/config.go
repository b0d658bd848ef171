package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type Config struct {
	Tracked TrackedConfig `json:"tracked"`
	Tracker TrackerConfig `json:"tracker"`
	Queue   QueueConfig   `json:"queue"`
	AI      AIConfig      `json:"ai"`
	DataDir string        `json:"data_dir"`
	LogDir  string        `json:"log_dir"`
}

// TrackedConfig identifies the user whose questions and mentions the
// tracker watches for. MentionIDs are the transport-level identities
// (e.g. "15551234567@s.whatsapp.net") that count as an explicit mention.
type TrackedConfig struct {
	Name       string   `json:"name"`
	MentionIDs []string `json:"mention_ids"`
}

type TrackerConfig struct {
	CandidateFloor      float64 `json:"candidate_floor"`
	AutoAcceptThreshold float64 `json:"auto_accept_threshold"`
	OverrideThreshold   float64 `json:"override_threshold"`
	PromoteThreshold    float64 `json:"promote_threshold"`
	AnswerWindowHours   int     `json:"answer_window_hours"`
	EchoGuardSec        int     `json:"echo_guard_sec"`
	OpenQuestionLimit   int     `json:"open_question_limit"`
	SweepIntervalSec    int     `json:"sweep_interval_sec"`
}

type QueueConfig struct {
	BatchSize         int `json:"batch_size"`
	BatchWindowMs     int `json:"batch_window_ms"`
	RateLimitDelayMs  int `json:"rate_limit_delay_ms"`
	RetryBaseDelayMs  int `json:"retry_base_delay_ms"`
	MaxRetries        int `json:"max_retries"`
	RequestTimeoutSec int `json:"request_timeout_sec"`
}

type AIConfig struct {
	Model string `json:"model"`
}

type Manager struct {
	path string
	mu   sync.RWMutex
	cfg  Config
}

func DefaultPath() string {
	return filepath.Join("config", "config.json")
}

func NewManager(path string) (*Manager, error) {
	cfg := defaultConfig()
	mgr := &Manager{
		path: path,
		cfg:  cfg,
	}
	if err := mgr.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	if err := mgr.save(); err != nil {
		return nil, err
	}
	return mgr, nil
}

func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) Update(apply func(*Config)) (Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	apply(&m.cfg)
	applyDefaults(&m.cfg)
	if err := m.saveLocked(); err != nil {
		return Config{}, err
	}
	return m.cfg, nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	var fileCfg Config
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return err
	}
	m.cfg = fileCfg
	applyDefaults(&m.cfg)
	return nil
}

func (m *Manager) save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

func (m *Manager) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m.cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, data, 0644)
}

func defaultConfig() Config {
	return Config{
		Tracked: TrackedConfig{
			Name: "Operator",
		},
		Tracker: TrackerConfig{
			CandidateFloor:      0.2,
			AutoAcceptThreshold: 0.5,
			OverrideThreshold:   0.8,
			PromoteThreshold:    0.7,
			AnswerWindowHours:   24,
			EchoGuardSec:        2,
			OpenQuestionLimit:   20,
			SweepIntervalSec:    10 * 60,
		},
		Queue: QueueConfig{
			BatchSize:         10,
			BatchWindowMs:     3000,
			RateLimitDelayMs:  13000,
			RetryBaseDelayMs:  15000,
			MaxRetries:        3,
			RequestTimeoutSec: 30,
		},
		AI: AIConfig{
			Model: "gpt-4o-mini",
		},
		DataDir: filepath.Join("output", "db"),
		LogDir:  filepath.Join("output", "logs"),
	}
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Tracked.Name) == "" {
		cfg.Tracked.Name = "Operator"
	}
	if cfg.Tracker.CandidateFloor <= 0 || cfg.Tracker.CandidateFloor > 1 {
		cfg.Tracker.CandidateFloor = 0.2
	}
	if cfg.Tracker.AutoAcceptThreshold <= 0 || cfg.Tracker.AutoAcceptThreshold > 1 {
		cfg.Tracker.AutoAcceptThreshold = 0.5
	}
	if cfg.Tracker.OverrideThreshold <= 0 || cfg.Tracker.OverrideThreshold > 1 {
		cfg.Tracker.OverrideThreshold = 0.8
	}
	if cfg.Tracker.PromoteThreshold <= 0 || cfg.Tracker.PromoteThreshold > 1 {
		cfg.Tracker.PromoteThreshold = 0.7
	}
	if cfg.Tracker.AnswerWindowHours <= 0 {
		cfg.Tracker.AnswerWindowHours = 24
	}
	if cfg.Tracker.EchoGuardSec <= 0 {
		cfg.Tracker.EchoGuardSec = 2
	}
	if cfg.Tracker.OpenQuestionLimit <= 0 {
		cfg.Tracker.OpenQuestionLimit = 20
	}
	if cfg.Tracker.SweepIntervalSec <= 0 {
		cfg.Tracker.SweepIntervalSec = 10 * 60
	}
	if cfg.Queue.BatchSize <= 0 {
		cfg.Queue.BatchSize = 10
	}
	if cfg.Queue.BatchWindowMs <= 0 {
		cfg.Queue.BatchWindowMs = 3000
	}
	if cfg.Queue.RateLimitDelayMs <= 0 {
		cfg.Queue.RateLimitDelayMs = 13000
	}
	if cfg.Queue.RetryBaseDelayMs <= 0 {
		cfg.Queue.RetryBaseDelayMs = 15000
	}
	if cfg.Queue.MaxRetries <= 0 {
		cfg.Queue.MaxRetries = 3
	}
	if cfg.Queue.RequestTimeoutSec <= 0 {
		cfg.Queue.RequestTimeoutSec = 30
	}
	if strings.TrimSpace(cfg.AI.Model) == "" {
		cfg.AI.Model = "gpt-4o-mini"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = filepath.Join("output", "db")
	}
	if strings.TrimSpace(cfg.LogDir) == "" {
		cfg.LogDir = filepath.Join("output", "logs")
	}
}
