package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the server looks when no -config flag is given
const DefaultPath = "config/config.yaml"

// Config represents the application configuration
type Config struct {
	Server struct {
		Port int    `yaml:"port"`
		Host string `yaml:"host"`
	} `yaml:"server"`

	Storage struct {
		CacheDir   string `yaml:"cache_dir"`
		TempDir    string `yaml:"temp_dir"`
		Database   string `yaml:"database"`
		MaxCacheMB int    `yaml:"max_cache_mb"`
	} `yaml:"storage"`

	// Backend is the text-to-speech endpoint
	Backend struct {
		Endpoint       string `yaml:"endpoint"`
		APIKeyEnv      string `yaml:"api_key_env"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		RetryBackoffMS int    `yaml:"retry_backoff_ms"`
		Format         string `yaml:"format"`
		Quality        string `yaml:"quality"`
	} `yaml:"backend"`

	Playback struct {
		MaxChunkChars       int     `yaml:"max_chunk_chars"`
		BufferCount         int     `yaml:"buffer_count"`
		PollIntervalMS      int     `yaml:"poll_interval_ms"`
		SkipSeconds         int     `yaml:"skip_seconds"`
		PrefetchLeadSeconds int     `yaml:"prefetch_lead_seconds"`
		PrefetchRatio       float64 `yaml:"prefetch_ratio"`
		BitrateKbps         int     `yaml:"bitrate_kbps"`
	} `yaml:"playback"`

	Workers struct {
		Count     int `yaml:"count"`
		QueueSize int `yaml:"queue_size"`
	} `yaml:"workers"`

	Reconcile struct {
		IntervalMinutes    int `yaml:"interval_minutes"`
		OrphanGraceMinutes int `yaml:"orphan_grace_minutes"`
		TempMaxAgeMinutes  int `yaml:"temp_max_age_minutes"`
		Concurrency        int `yaml:"concurrency"`
	} `yaml:"reconcile"`

	GoogleDrive struct {
		CredentialsFile string `yaml:"credentials_file"`
		TokenFile       string `yaml:"token_file"`
		FolderName      string `yaml:"folder_name"`
		Mirror          bool   `yaml:"mirror"`
	} `yaml:"google_drive"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Port = 8080
	cfg.Server.Host = "0.0.0.0"

	cfg.Storage.CacheDir = "./data/audio"
	cfg.Storage.TempDir = "./data/tmp"
	cfg.Storage.Database = "./data/cache.db"
	cfg.Storage.MaxCacheMB = 500

	cfg.Backend.Endpoint = "http://localhost:5002/api/tts"
	cfg.Backend.APIKeyEnv = "TTS_API_KEY"
	cfg.Backend.TimeoutSeconds = 60
	cfg.Backend.RetryBackoffMS = 500
	cfg.Backend.Format = "mp3"
	cfg.Backend.Quality = "standard"

	cfg.Playback.MaxChunkChars = 3900
	cfg.Playback.BufferCount = 1
	cfg.Playback.PollIntervalMS = 500
	cfg.Playback.SkipSeconds = 15
	cfg.Playback.PrefetchLeadSeconds = 5
	cfg.Playback.PrefetchRatio = 0.9
	cfg.Playback.BitrateKbps = 128

	cfg.Workers.Count = 2
	cfg.Workers.QueueSize = 64

	cfg.Reconcile.IntervalMinutes = 30
	cfg.Reconcile.OrphanGraceMinutes = 10
	cfg.Reconcile.TempMaxAgeMinutes = 60
	cfg.Reconcile.Concurrency = 4

	cfg.GoogleDrive.CredentialsFile = "credentials.json"
	cfg.GoogleDrive.TokenFile = "token.json"
	cfg.GoogleDrive.FolderName = "Narration Audio"

	return cfg
}

// Load loads configuration from file over the defaults
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadWithFallback attempts to load configuration from multiple locations
// Priority: explicit path > ./config/config.yaml > defaults
func LoadWithFallback(explicitPath string) (*Config, error) {
	if explicitPath != "" {
		return Load(explicitPath)
	}

	if _, err := os.Stat(DefaultPath); err == nil {
		return Load(DefaultPath)
	}

	log.Printf("No config file at %s, using defaults", DefaultPath)
	return DefaultConfig(), nil
}

// LoadEnv reads .env into the environment if present
func LoadEnv(paths ...string) {
	if err := godotenv.Load(paths...); err != nil {
		log.Println("No .env file found, falling back to environment variables")
	}
}

// APIKey returns the backend key from the configured environment variable
func (c *Config) APIKey() string {
	if c.Backend.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Backend.APIKeyEnv)
}

// Validate rejects values the pipeline cannot run with
func (c *Config) Validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	case c.Storage.MaxCacheMB <= 0:
		return fmt.Errorf("storage.max_cache_mb must be positive")
	case c.Playback.MaxChunkChars <= 0:
		return fmt.Errorf("playback.max_chunk_chars must be positive")
	case c.Playback.PrefetchRatio <= 0 || c.Playback.PrefetchRatio > 1:
		return fmt.Errorf("playback.prefetch_ratio must be in (0, 1]")
	case c.Backend.Endpoint == "":
		return fmt.Errorf("backend.endpoint is required")
	}
	return nil
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func (c *Config) MaxCacheBytes() int64 {
	return int64(c.Storage.MaxCacheMB) * 1024 * 1024
}

func (c *Config) BackendTimeout() time.Duration {
	return time.Duration(c.Backend.TimeoutSeconds) * time.Second
}

func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.Backend.RetryBackoffMS) * time.Millisecond
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Playback.PollIntervalMS) * time.Millisecond
}

func (c *Config) SkipInterval() time.Duration {
	return time.Duration(c.Playback.SkipSeconds) * time.Second
}

func (c *Config) PrefetchLead() time.Duration {
	return time.Duration(c.Playback.PrefetchLeadSeconds) * time.Second
}

func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Reconcile.IntervalMinutes) * time.Minute
}

func (c *Config) OrphanGrace() time.Duration {
	return time.Duration(c.Reconcile.OrphanGraceMinutes) * time.Minute
}

func (c *Config) TempMaxAge() time.Duration {
	return time.Duration(c.Reconcile.TempMaxAgeMinutes) * time.Minute
}
