// Package config loads server configuration: defaults, then a YAML file,
// then environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    Server    `yaml:"server"`
	Database  Database  `yaml:"database"`
	Log       Log       `yaml:"log"`
	Auth      Auth      `yaml:"auth"`
	Cache     Cache     `yaml:"cache"`
	Feed      Feed      `yaml:"feed"`
	Affiliate Affiliate `yaml:"affiliate"`
}

type Server struct {
	Port            int      `yaml:"port"`
	CORSOrigins     []string `yaml:"cors_origins"`
	ShutdownSeconds int      `yaml:"shutdown_seconds"`
}

type Database struct {
	Path string `yaml:"path"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Auth struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// Cache selects the balance cache. An empty RedisURL uses the in-process cache.
type Cache struct {
	RedisURL   string `yaml:"redis_url"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

func (c Cache) TTL() time.Duration { return time.Duration(c.TTLSeconds) * time.Second }

// Feed configures scheduled affiliate ingestion. An empty Path disables it.
type Feed struct {
	Path     string `yaml:"path"`
	Schedule string `yaml:"schedule"`
}

type Affiliate struct {
	AllowOverrideIncrease bool `yaml:"allow_override_increase"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: Server{
			Port:            8080,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			ShutdownSeconds: 10,
		},
		Database: Database{Path: "./data/points.db"},
		Log:      Log{Level: "info", Format: "json"},
		Auth:     Auth{Issuer: "points-engine"},
		Cache:    Cache{TTLSeconds: 30},
		Feed:     Feed{Schedule: "@every 5m"},
	}
}

// Load reads path (optional; a missing file keeps defaults) and applies
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	cfg.Server.Port = envInt("PORT", cfg.Server.Port)
	if origins := envString("CORS_ORIGINS", ""); origins != "" {
		cfg.Server.CORSOrigins = strings.Split(origins, ",")
	}
	cfg.Database.Path = envString("DATABASE_PATH", cfg.Database.Path)
	cfg.Log.Level = envString("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = envString("LOG_FORMAT", cfg.Log.Format)
	cfg.Auth.JWTSecret = envString("JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.Issuer = envString("JWT_ISSUER", cfg.Auth.Issuer)
	cfg.Cache.RedisURL = envString("REDIS_URL", cfg.Cache.RedisURL)
	cfg.Cache.TTLSeconds = envInt("CACHE_TTL_SECONDS", cfg.Cache.TTLSeconds)
	cfg.Feed.Path = envString("AFFILIATE_FEED_PATH", cfg.Feed.Path)
	cfg.Feed.Schedule = envString("AFFILIATE_FEED_SCHEDULE", cfg.Feed.Schedule)
	cfg.Affiliate.AllowOverrideIncrease = envBool("AFFILIATE_ALLOW_OVERRIDE_INCREASE", cfg.Affiliate.AllowOverrideIncrease)

	return cfg, cfg.Validate()
}

// Validate checks values that would otherwise fail late.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		return errors.New("database.path is required")
	}
	if c.Cache.TTLSeconds < 0 {
		return errors.New("cache.ttl_seconds must not be negative")
	}
	if c.Feed.Path != "" && strings.TrimSpace(c.Feed.Schedule) == "" {
		return errors.New("feed.schedule is required when feed.path is set")
	}
	return nil
}

func envInt(name string, fallback int) int {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return fallback
}

func envBool(name string, fallback bool) bool {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			return v
		}
	}
	return fallback
}

func envString(name, fallback string) string {
	if raw := os.Getenv(name); raw != "" {
		return raw
	}
	return fallback
}
