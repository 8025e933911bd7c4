package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds process settings read from the environment.
type Config struct {
	Port             string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	SchoolTimezone   string
	Location         *time.Location
	ResyncInterval   time.Duration
	IncrementalApply bool
	SeedDemoData     bool
}

const (
	defaultPort           = "8080"
	defaultRedisAddr      = "127.0.0.1:6379"
	defaultRedisDB        = 8
	defaultSchoolTimezone = "America/New_York"
	defaultResyncInterval = 45 * time.Second
)

// LoadEnv loads a .env file when present, then reads the configuration.
func LoadEnv() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] no .env file found, using process environment")
	} else {
		log.Println("[config] loaded .env file")
	}
	return FromEnv()
}

// FromEnv reads the configuration from the process environment only.
// Malformed numeric, duration and boolean values fall back to their
// defaults; an unknown time zone is an error.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Port:             GetEnv("PORT", defaultPort),
		RedisAddr:        GetEnv("REDIS_ADDR", defaultRedisAddr),
		RedisPassword:    GetEnv("REDIS_PASSWORD"),
		RedisDB:          intEnv("REDIS_DB", defaultRedisDB),
		SchoolTimezone:   GetEnv("SCHOOL_TIMEZONE", defaultSchoolTimezone),
		ResyncInterval:   durationEnv("RESYNC_INTERVAL", defaultResyncInterval),
		IncrementalApply: boolEnv("INCREMENTAL_APPLY", true),
		SeedDemoData:     boolEnv("SEED_DEMO_DATA", true),
	}

	loc, err := time.LoadLocation(cfg.SchoolTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid SCHOOL_TIMEZONE %q: %w", cfg.SchoolTimezone, err)
	}
	cfg.Location = loc
	return cfg, nil
}

// GetEnv returns the variable's value, or the first default when unset.
func GetEnv(key string, defaultValue ...string) string {
	value, exists := os.LookupEnv(key)
	if !exists && len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return value
}

func intEnv(key string, def int) int {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %d", key, raw, def)
		return def
	}
	return n
}

func durationEnv(key string, def time.Duration) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		log.Printf("[config] invalid %s=%q, using %s", key, raw, def)
		return def
	}
	return d
}

func boolEnv(key string, def bool) bool {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %v", key, raw, def)
		return def
	}
	return b
}
