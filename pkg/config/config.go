// Package config loads the server configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/jdziat/simple-study-runs/pkg/idcookie"
	"github.com/jdziat/simple-study-runs/pkg/stats"
	"github.com/jdziat/simple-study-runs/pkg/storage"
)

type Config struct {
	// Server
	Addr            string
	ShutdownTimeout time.Duration

	// Database
	DatabaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// Auth
	JWTSecret string

	// Run token cookies
	CookieBaseName string
	MaxIDCookies   int
	CookieSecure   bool
	CookiePath     string
	CookieMaxAge   time.Duration

	// Statistics
	StatsRetention time.Duration
	StatsFlush     time.Duration
	StatsPruneCron string

	// Seed data loaded at startup, empty for none.
	SeedFile string

	// Logging
	LogLevel  slog.Level
	LogFormat string
}

// Load reads .env if present and parses the environment. Every malformed
// variable is reported.
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	pool := storage.DefaultPoolConfig()
	cookies := idcookie.DefaultConfig()
	p := &parser{}

	cfg := &Config{
		Addr:            getEnvOrDefault("RUNS_ADDR", ":8080"),
		ShutdownTimeout: p.getDuration("RUNS_SHUTDOWN_TIMEOUT", 15*time.Second),
		DatabaseURL:     getEnvOrDefault("RUNS_DATABASE_URL", "runs.db"),
		MaxOpenConns:    p.getInt("RUNS_DB_MAX_OPEN_CONNS", pool.MaxOpenConns),
		MaxIdleConns:    p.getInt("RUNS_DB_MAX_IDLE_CONNS", pool.MaxIdleConns),
		ConnMaxLifetime: p.getDuration("RUNS_DB_CONN_MAX_LIFETIME", pool.ConnMaxLifetime),
		JWTSecret:       os.Getenv("RUNS_JWT_SECRET"),
		CookieBaseName:  getEnvOrDefault("RUNS_COOKIE_BASE_NAME", cookies.BaseName),
		MaxIDCookies:    p.getInt("RUNS_MAX_ID_COOKIES", cookies.MaxTokens),
		CookieSecure:    p.getBool("RUNS_COOKIE_SECURE", false),
		CookiePath:      getEnvOrDefault("RUNS_COOKIE_PATH", "/"),
		CookieMaxAge:    p.getDuration("RUNS_COOKIE_MAX_AGE", 0),
		StatsRetention:  p.getDuration("RUNS_STATS_RETENTION", 7*24*time.Hour),
		StatsFlush:      p.getDuration("RUNS_STATS_FLUSH_INTERVAL", time.Minute),
		StatsPruneCron:  getEnvOrDefault("RUNS_STATS_PRUNE_CRON", stats.DefaultPruneSchedule),
		SeedFile:        os.Getenv("RUNS_SEED_FILE"),
		LogLevel:        p.getLevel("LOG_LEVEL", slog.LevelInfo),
		LogFormat:       strings.ToLower(getEnvOrDefault("LOG_FORMAT", "text")),
	}
	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and combinations.
func (c *Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("RUNS_ADDR must not be empty"))
	}
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("RUNS_DATABASE_URL must not be empty"))
	}
	if c.MaxOpenConns < 1 {
		errs = append(errs, fmt.Errorf("RUNS_DB_MAX_OPEN_CONNS must be positive, got %d", c.MaxOpenConns))
	}
	if c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		errs = append(errs, fmt.Errorf("RUNS_DB_MAX_IDLE_CONNS must be between 0 and %d, got %d", c.MaxOpenConns, c.MaxIdleConns))
	}
	if err := c.Cookies().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("run token cookies: %w", err))
	}
	if c.CookieMaxAge < 0 {
		errs = append(errs, errors.New("RUNS_COOKIE_MAX_AGE must not be negative"))
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		errs = append(errs, errors.New("RUNS_JWT_SECRET must be at least 32 bytes"))
	}
	if c.StatsRetention < 0 {
		errs = append(errs, errors.New("RUNS_STATS_RETENTION must not be negative"))
	}
	if c.StatsFlush <= 0 {
		errs = append(errs, errors.New("RUNS_STATS_FLUSH_INTERVAL must be positive"))
	}
	if _, err := stats.ParseSchedule(c.StatsPruneCron); err != nil {
		errs = append(errs, fmt.Errorf("RUNS_STATS_PRUNE_CRON: %w", err))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Cookies returns the run token cookie configuration.
func (c *Config) Cookies() idcookie.Config {
	return idcookie.Config{BaseName: c.CookieBaseName, MaxTokens: c.MaxIDCookies}
}

// Pool returns the database pool options.
func (c *Config) Pool() []storage.PoolOption {
	return []storage.PoolOption{
		storage.MaxOpenConns(c.MaxOpenConns),
		storage.MaxIdleConns(c.MaxIdleConns),
		storage.ConnMaxLifetime(c.ConnMaxLifetime),
	}
}

// Logger builds the process logger.
func (c *Config) Logger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func getEnvOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// parser collects parse errors of typed variables.
type parser struct {
	errs []error
}

func (p *parser) getInt(key string, def int) int {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid integer %q", key, val))
		return def
	}
	return n
}

func (p *parser) getBool(key string, def bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid boolean %q", key, val))
		return def
	}
	return b
}

func (p *parser) getDuration(key string, def time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid duration %q", key, val))
		return def
	}
	return d
}

func (p *parser) getLevel(key string, def slog.Level) slog.Level {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(val)); err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid level %q", key, val))
		return def
	}
	return l
}
