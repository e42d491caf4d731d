package policy

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultPolicyPath = ".grrshell/config.json"

type Config struct {
	Version int `json:"version" yaml:"version"`
	Server  struct {
		URL            string `json:"url" yaml:"url"`
		Username       string `json:"username" yaml:"username"`
		TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
	} `json:"server" yaml:"server"`
	Polling struct {
		IntervalSeconds     int `json:"interval_seconds" yaml:"interval_seconds"`
		FastIntervalSeconds int `json:"fast_interval_seconds" yaml:"fast_interval_seconds"`
		Concurrency         int `json:"concurrency" yaml:"concurrency"`
		RetryAttempts       int `json:"retry_attempts" yaml:"retry_attempts"`
		RetryBaseMillis     int `json:"retry_base_millis" yaml:"retry_base_millis"`
	} `json:"polling" yaml:"polling"`
	History struct {
		PageSize     int `json:"page_size" yaml:"page_size"`
		DefaultCount int `json:"default_count" yaml:"default_count"`
	} `json:"history" yaml:"history"`
	Timeline struct {
		FreshnessMinutes int `json:"freshness_minutes" yaml:"freshness_minutes"`
	} `json:"timeline" yaml:"timeline"`
	Storage struct {
		LocalRoot   string `json:"local_root" yaml:"local_root"`
		DBPath      string `json:"db_path" yaml:"db_path"`
		MaxFileSize int64  `json:"max_file_size" yaml:"max_file_size"`
		S3          struct {
			Bucket   string `json:"bucket" yaml:"bucket"`
			Prefix   string `json:"prefix" yaml:"prefix"`
			Region   string `json:"region" yaml:"region"`
			Endpoint string `json:"endpoint" yaml:"endpoint"`
		} `json:"s3" yaml:"s3"`
	} `json:"storage" yaml:"storage"`
	Events struct {
		RedisURL string `json:"redis_url" yaml:"redis_url"`
		Stream   string `json:"stream" yaml:"stream"`
	} `json:"events" yaml:"events"`
	Logging struct {
		Level  string `json:"level" yaml:"level"`
		Format string `json:"format" yaml:"format"`
		Path   string `json:"path" yaml:"path"`
	} `json:"logging" yaml:"logging"`
	Metrics struct {
		ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
	} `json:"metrics" yaml:"metrics"`
}

func Default() Config {
	cfg := Config{
		Version: 1,
	}
	cfg.Server.TimeoutSeconds = 60
	cfg.Polling.IntervalSeconds = 15
	cfg.Polling.FastIntervalSeconds = 2
	cfg.Polling.Concurrency = 8
	cfg.Polling.RetryAttempts = 4
	cfg.Polling.RetryBaseMillis = 250
	cfg.History.PageSize = 50
	cfg.History.DefaultCount = 50
	cfg.Timeline.FreshnessMinutes = 180
	cfg.Storage.LocalRoot = "."
	cfg.Storage.DBPath = ".grrshell/grrshell.db"
	cfg.Storage.MaxFileSize = 512 * 1024 * 1024
	cfg.Events.Stream = "grrshell.flow.transitions"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.Path = ".grrshell/grrshell.log"
	return cfg
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Polling.IntervalSeconds) * time.Second
}

func (c Config) FastPollInterval() time.Duration {
	return time.Duration(c.Polling.FastIntervalSeconds) * time.Second
}

func (c Config) RetryBase() time.Duration {
	return time.Duration(c.Polling.RetryBaseMillis) * time.Millisecond
}

func (c Config) FreshnessWindow() time.Duration {
	return time.Duration(c.Timeline.FreshnessMinutes) * time.Minute
}

func (c Config) ServerTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func Load(path string) (Config, string, error) {
	cfg := Default()
	finalPath := path
	if strings.TrimSpace(finalPath) == "" {
		finalPath = DefaultPolicyPath
	}
	if _, err := os.Stat(finalPath); os.IsNotExist(err) {
		return cfg, finalPath, nil
	}

	b, err := os.ReadFile(finalPath)
	if err != nil {
		return cfg, finalPath, fmt.Errorf("read policy %s: %w", finalPath, err)
	}
	if isYAML(finalPath) {
		err = yaml.Unmarshal(b, &cfg)
	} else {
		err = json.Unmarshal(b, &cfg)
	}
	if err != nil {
		return cfg, finalPath, fmt.Errorf("parse policy %s: %w", finalPath, err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("validate policy %s: %w", finalPath, err)
	}
	return cfg, finalPath, nil
}

func SaveDefault(path string) error {
	cfg := Default()
	var (
		b   []byte
		err error
	)
	if isYAML(path) {
		b, err = yaml.Marshal(cfg)
	} else {
		b, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func Validate(cfg Config) error {
	if cfg.Version <= 0 {
		return fmt.Errorf("version must be positive")
	}
	if raw := strings.TrimSpace(cfg.Server.URL); raw != "" {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("server.url must be an http(s) url")
		}
	}
	if cfg.Server.TimeoutSeconds <= 0 {
		return fmt.Errorf("server.timeout_seconds must be > 0")
	}
	if cfg.Polling.IntervalSeconds <= 0 || cfg.Polling.FastIntervalSeconds <= 0 {
		return fmt.Errorf("polling intervals must be > 0")
	}
	if cfg.Polling.FastIntervalSeconds > cfg.Polling.IntervalSeconds {
		return fmt.Errorf("polling.fast_interval_seconds must be <= interval_seconds")
	}
	if cfg.Polling.Concurrency <= 0 {
		return fmt.Errorf("polling.concurrency must be > 0")
	}
	if cfg.Polling.RetryAttempts < 1 {
		return fmt.Errorf("polling.retry_attempts must be >= 1")
	}
	if cfg.Polling.RetryBaseMillis < 0 {
		return fmt.Errorf("polling.retry_base_millis must be >= 0")
	}
	if cfg.History.PageSize <= 0 || cfg.History.DefaultCount <= 0 {
		return fmt.Errorf("history page_size and default_count must be > 0")
	}
	if cfg.Timeline.FreshnessMinutes <= 0 {
		return fmt.Errorf("timeline.freshness_minutes must be > 0")
	}
	if strings.TrimSpace(cfg.Storage.LocalRoot) == "" {
		return fmt.Errorf("storage.local_root cannot be empty")
	}
	if strings.TrimSpace(cfg.Storage.DBPath) == "" {
		return fmt.Errorf("storage.db_path cannot be empty")
	}
	if cfg.Storage.MaxFileSize <= 0 {
		return fmt.Errorf("storage.max_file_size must be > 0")
	}
	if cfg.Storage.S3.Bucket == "" && (cfg.Storage.S3.Prefix != "" || cfg.Storage.S3.Endpoint != "") {
		return fmt.Errorf("storage.s3.bucket is required when s3 options are set")
	}
	if cfg.Events.RedisURL != "" && strings.TrimSpace(cfg.Events.Stream) == "" {
		return fmt.Errorf("events.stream cannot be empty when redis_url is set")
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging.format must be json|console")
	}
	return nil
}
