package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Profile storage drivers.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Remote struct {
		BaseURL string `yaml:"base_url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"remote"`
	Profile struct {
		Driver  string `yaml:"driver"`
		Path    string `yaml:"path"`
		Name    string `yaml:"name"`
		Timeout string `yaml:"timeout"`
	} `yaml:"profile"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		TTL      string `yaml:"ttl"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Session struct {
		Tick              string `yaml:"tick"`
		AutoSubmitRetries int    `yaml:"auto_submit_retries"`
		RetryDelay        string `yaml:"retry_delay"`
	} `yaml:"session"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Offline struct {
		QuizFile       string `yaml:"quiz_file"`
		Bank           string `yaml:"bank"`
		BankTTL        string `yaml:"bank_ttl"`
		AttemptLimit   int    `yaml:"attempt_limit"`
		AttemptMinutes int    `yaml:"attempt_minutes"`
		Lector         string `yaml:"lector"`
		SubmitGrace    string `yaml:"submit_grace"`
	} `yaml:"offline"`
}

// Load reads YAML config from path, overlays .env and process environment and
// fills defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	_ = godotenv.Load() // .env is optional
	applyEnv(&cfg)
	applyDefaults(&cfg)

	switch cfg.Profile.Driver {
	case DriverMemory, DriverFile, DriverRedis, DriverPostgres:
	default:
		return cfg, fmt.Errorf("unknown profile driver %q", cfg.Profile.Driver)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Remote.BaseURL = getEnv("QUIZ_REMOTE_URL", cfg.Remote.BaseURL)
	cfg.Profile.Driver = getEnv("QUIZ_PROFILE_DRIVER", cfg.Profile.Driver)
	cfg.Profile.Path = getEnv("QUIZ_PROFILE_PATH", cfg.Profile.Path)
	cfg.Profile.Name = getEnv("QUIZ_PROFILE_NAME", cfg.Profile.Name)
	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.DB = getEnvInt("REDIS_DB", cfg.Redis.DB)
	cfg.Postgres.URL = getEnv("POSTGRES_URL", cfg.Postgres.URL)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)
	cfg.Server.Port = getEnv("PORT", cfg.Server.Port)
	cfg.Offline.QuizFile = getEnv("QUIZ_FILE", cfg.Offline.QuizFile)
	cfg.Offline.AttemptLimit = getEnvInt("QUIZ_ATTEMPT_LIMIT", cfg.Offline.AttemptLimit)
	cfg.Offline.AttemptMinutes = getEnvInt("QUIZ_ATTEMPT_MINUTES", cfg.Offline.AttemptMinutes)
	cfg.Offline.Lector = getEnv("LECTOR", cfg.Offline.Lector)
}

func applyDefaults(cfg *Config) {
	setDefault(&cfg.Server.Port, "8080")
	setDefault(&cfg.Remote.BaseURL, "http://localhost:8000")
	setDefault(&cfg.Remote.Timeout, "10s")
	setDefault(&cfg.Profile.Driver, DriverFile)
	setDefault(&cfg.Profile.Path, "quiz-profile.json")
	setDefault(&cfg.Profile.Name, "default")
	setDefault(&cfg.Profile.Timeout, "2s")
	setDefault(&cfg.Redis.TTL, "24h")
	setDefault(&cfg.Session.Tick, "1s")
	setDefault(&cfg.Session.RetryDelay, "2s")
	setDefault(&cfg.Log.Level, "info")
	setDefault(&cfg.Log.Format, "json")
	setDefault(&cfg.Offline.QuizFile, "test.json")
	setDefault(&cfg.Offline.BankTTL, "10m")
	setDefault(&cfg.Offline.SubmitGrace, "5s")
	if cfg.Session.AutoSubmitRetries <= 0 {
		cfg.Session.AutoSubmitRetries = 3
	}
	if cfg.Offline.AttemptLimit <= 0 {
		cfg.Offline.AttemptLimit = 3
	}
	if cfg.Offline.AttemptMinutes <= 0 {
		cfg.Offline.AttemptMinutes = 60
	}
}

// Duration parses a duration string or returns the fallback if empty or invalid.
func Duration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}

func setDefault(field *string, fallback string) {
	if *field == "" {
		*field = fallback
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
