// Package config loads the broker's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration.
type Config struct {
	ListenAddr string `yaml:"listen_address"`
	Port       string `yaml:"port"`

	PoolStart    int           `yaml:"pool_start"`
	PoolSize     int           `yaml:"pool_size"`
	SessionTTL   time.Duration `yaml:"session_ttl"`   // 0 = sessions live until released
	ReapInterval time.Duration `yaml:"reap_interval"` // upper bound between expiry sweeps

	BackendHost            string        `yaml:"backend_host"`
	BackendCommand         []string      `yaml:"backend_command"` // "{port}" is substituted; empty = no process
	BackendReadyTimeout    time.Duration `yaml:"backend_ready_timeout"`
	BackendRestartCooldown time.Duration `yaml:"backend_restart_cooldown"`
	BackendStopTimeout     time.Duration `yaml:"backend_stop_timeout"`

	LandingPage  string `yaml:"landing_page"`
	RedisAddr    string `yaml:"redis_address"` // empty = signed cookie store, no status mirror
	CookieSecret string `yaml:"cookie_secret"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		ListenAddr:   "0.0.0.0",
		Port:         "3001",
		PoolStart:    3500,
		PoolSize:     10,
		SessionTTL:   4 * time.Hour,
		ReapInterval: 30 * time.Second,
		BackendHost:  "127.0.0.1",
		LandingPage:  "index.html",
	}
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return cfg, cfg.Validate()
	case err != nil:
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges. Pool bounds are re-checked by the engine.
func (c Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	if c.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("pool_size must be positive, got %d", c.PoolSize))
	}
	if c.PoolStart <= 0 || c.PoolStart+c.PoolSize-1 > 65535 {
		errs = append(errs, fmt.Errorf("pool %d..%d is not a valid port range", c.PoolStart, c.PoolStart+c.PoolSize-1))
	}
	if c.SessionTTL < 0 {
		errs = append(errs, errors.New("session_ttl must not be negative"))
	}
	if c.BackendReadyTimeout < 0 {
		errs = append(errs, errors.New("backend_ready_timeout must not be negative"))
	}
	return errors.Join(errs...)
}
