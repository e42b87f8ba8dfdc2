// Package config loads the service's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

type Config struct {
	Server struct {
		Host           string `yaml:"host"`
		Port           int    `yaml:"port"`
		MaxUploadBytes int64  `yaml:"max_upload_bytes"`
		RateLimit      struct {
			Requests int           `yaml:"requests"`
			Window   time.Duration `yaml:"window"`
		} `yaml:"rate_limit"`
	} `yaml:"server"`
	Redis struct {
		URL    string `yaml:"url"`
		Prefix string `yaml:"prefix"`
	} `yaml:"redis"`
	Store struct {
		Driver string `yaml:"driver"`
	} `yaml:"store"`
	Blob struct {
		Root string `yaml:"root"`
	} `yaml:"blob"`
	Provider struct {
		Name       string        `yaml:"name"`
		URL        string        `yaml:"url"`
		APIKey     string        `yaml:"api_key"`
		Model      string        `yaml:"model"`
		Timeout    time.Duration `yaml:"timeout"`
		SampleRate int           `yaml:"sample_rate"`
	} `yaml:"provider"`
	Worker struct {
		Enabled        bool          `yaml:"enabled"`
		Concurrency    int           `yaml:"concurrency"`
		AttemptTimeout time.Duration `yaml:"attempt_timeout"`
		UniqueTTL      time.Duration `yaml:"unique_ttl"`
	} `yaml:"worker"`
	Sweeper struct {
		Enabled      bool          `yaml:"enabled"`
		Interval     time.Duration `yaml:"interval"`
		PageSize     int           `yaml:"page_size"`
		MaxAttempts  int           `yaml:"max_attempts"`
		PendingAfter time.Duration `yaml:"pending_after"`
		StuckAfter   time.Duration `yaml:"stuck_after"`
	} `yaml:"sweeper"`
	JobLog struct {
		Dir string `yaml:"dir"`
	} `yaml:"joblog"`
}

// Default returns the configuration used for keys the file omits
func Default() *Config {
	c := &Config{}
	c.Server.Host = "0.0.0.0"
	c.Server.Port = 8080
	c.Server.MaxUploadBytes = 10 << 20
	c.Server.RateLimit.Requests = 5
	c.Server.RateLimit.Window = time.Minute
	c.Redis.URL = "redis://localhost:6379/0"
	c.Redis.Prefix = "transcriber:"
	c.Store.Driver = DriverRedis
	c.Blob.Root = "storage"
	c.Provider.Name = "openai"
	c.Provider.Model = "whisper-1"
	c.Provider.Timeout = 60 * time.Second
	c.Provider.SampleRate = 16000
	c.Worker.Enabled = true
	c.Worker.Concurrency = 4
	c.Worker.AttemptTimeout = 2 * time.Minute
	c.Worker.UniqueTTL = 10 * time.Minute
	c.Sweeper.Enabled = true
	c.Sweeper.Interval = time.Minute
	c.Sweeper.PageSize = 100
	c.Sweeper.PendingAfter = 5 * time.Minute
	c.JobLog.Dir = "logs"
	return c
}

// Load reads filename over the defaults, applies environment overrides and
// validates the result. A missing file is not an error.
func Load(filename string) (*Config, error) {
	c := Default()

	file, err := os.Open(filename)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse %s: %w", filename, err)
		}
	}

	c.applyEnv()
	if c.Sweeper.StuckAfter == 0 {
		c.Sweeper.StuckAfter = c.Worker.AttemptTimeout + time.Minute
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Provider.APIKey = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.RateLimit.Requests <= 0 || c.Server.RateLimit.Window <= 0 {
		return errors.New("server.rate_limit requires positive requests and window")
	}
	switch c.Store.Driver {
	case DriverRedis:
		if c.Redis.URL == "" {
			return errors.New("redis.url is required for the redis driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if c.Blob.Root == "" {
		return errors.New("blob.root is required")
	}
	switch c.Provider.Name {
	case "openai":
		if c.Provider.APIKey == "" {
			return errors.New("provider.api_key (or OPENAI_API_KEY) is required for openai")
		}
	case "vosk":
		if c.Provider.URL == "" {
			return errors.New("provider.url is required for vosk")
		}
	default:
		return fmt.Errorf("unknown provider.name %q", c.Provider.Name)
	}
	if c.Worker.Enabled && c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be positive, got %d", c.Worker.Concurrency)
	}
	if c.Worker.AttemptTimeout <= 0 {
		return errors.New("worker.attempt_timeout must be positive")
	}
	// The dedup key must outlive a running attempt, and an attempt is only
	// abandoned once it cannot still be running.
	if c.Worker.UniqueTTL <= c.Worker.AttemptTimeout {
		return fmt.Errorf("worker.unique_ttl (%v) must exceed worker.attempt_timeout (%v)", c.Worker.UniqueTTL, c.Worker.AttemptTimeout)
	}
	if c.Sweeper.StuckAfter <= c.Worker.AttemptTimeout {
		return fmt.Errorf("sweeper.stuck_after (%v) must exceed worker.attempt_timeout (%v)", c.Sweeper.StuckAfter, c.Worker.AttemptTimeout)
	}
	if c.Sweeper.PendingAfter < 0 {
		return errors.New("sweeper.pending_after must not be negative")
	}
	if c.Sweeper.MaxAttempts < 0 {
		return errors.New("sweeper.max_attempts must not be negative")
	}
	return nil
}

// Addr is the HTTP listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
