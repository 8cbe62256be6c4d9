package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config contains runtime configuration for recall.
//
// The keyword lists drive importance scoring, dialogue classification and
// context-section selection. They are data, not logic: deployments tune them
// per language and per domain without code changes.
type Config struct {
	UserID        string `yaml:"user_id"`
	DataDir       string `yaml:"data_dir"`
	AuditDBPath   string `yaml:"audit_db_path"`
	LogLevel      string `yaml:"log_level"`
	VectorDim     int    `yaml:"vector_dim"`
	FlushEvery    int    `yaml:"flush_every"`
	FlushSeconds  int    `yaml:"flush_interval_seconds"`
	RollingSize   int    `yaml:"rolling_capacity"`
	ContextBudget int    `yaml:"context_budget"`
	ReplyMaxChars int    `yaml:"reply_max_chars"`

	ImportanceKeywords []string            `yaml:"importance_keywords"`
	QueryIndicators    []string            `yaml:"important_query_indicators"`
	ProblemIndicators  []string            `yaml:"problem_indicators"`
	DomainTopics       map[string][]string `yaml:"domain_topics"`
}

// Default returns a Config populated with safe defaults.
func Default() Config {
	return Config{
		UserID:        "default",
		DataDir:       filepath.Join(userHomeDir(), ".recall"),
		AuditDBPath:   filepath.Join(userHomeDir(), ".recall", "audit.db"),
		LogLevel:      "info",
		VectorDim:     384,
		FlushEvery:    10,
		FlushSeconds:  60,
		RollingSize:   10,
		ContextBudget: 8000,
		ReplyMaxChars: 200,
		ImportanceKeywords: []string{
			"error", "错误", "报错", "config", "配置", "path", "路径",
			"file", "文件", "asset", "资源", "setting", "设置",
			"problem", "问题", "crash", "崩溃",
		},
		QueryIndicators: []string{
			"?", "？", "what", "how", "why", "什么", "怎么", "为什么",
			"喜欢", "讨厌", "偏好", "prefer", "favorite", "我是", "我的",
			"my name", "i am", "i like",
		},
		ProblemIndicators: []string{
			"error", "fail", "broken", "错误", "报错", "失败", "异常", "崩溃",
		},
		DomainTopics: map[string][]string{
			"logs":   {"log", "日志", "warning", "警告"},
			"assets": {"asset", "资源", "texture", "模型", "material"},
			"config": {"config", "配置", "参数", "setting"},
		},
	}
}

// Load loads config from disk; if path does not exist, default config is returned.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks configuration sanity.
func (c *Config) Validate() error {
	if c.UserID == "" {
		return errors.New("user_id must not be empty")
	}
	if c.DataDir == "" {
		return errors.New("data_dir must not be empty")
	}
	if c.VectorDim <= 0 {
		return errors.New("vector_dim must be > 0")
	}
	if c.FlushEvery <= 0 {
		return errors.New("flush_every must be > 0")
	}
	if c.FlushSeconds <= 0 {
		return errors.New("flush_interval_seconds must be > 0")
	}
	if c.RollingSize <= 0 {
		return errors.New("rolling_capacity must be > 0")
	}
	if c.ContextBudget <= 0 {
		return errors.New("context_budget must be > 0")
	}
	if c.ReplyMaxChars <= 0 {
		return errors.New("reply_max_chars must be > 0")
	}
	return nil
}

// EnsurePaths expands and creates config-managed directories.
func (c *Config) EnsurePaths() error {
	c.DataDir = ExpandPath(c.DataDir)
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	c.AuditDBPath = ExpandPath(c.AuditDBPath)
	parent := filepath.Dir(c.AuditDBPath)
	if parent != "." {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return fmt.Errorf("create audit db parent dir: %w", err)
		}
	}
	return nil
}

// ExpandPath expands "~/" to the current user's home directory.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p == "~" {
		return userHomeDir()
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(userHomeDir(), p[2:])
	}
	return p
}

func userHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
