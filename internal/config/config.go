package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr      = ":8080"
	defaultDBPath          = "volley.db"
	defaultDispatcher      = "process"
	defaultWorkerBin       = "volley-worker"
	defaultCallbackURL     = "http://127.0.0.1:8080"
	defaultCallbackTimeout = 15 * time.Minute

	envConfigFile         = "VOLLEY_CONFIG_FILE"
	envListenAddr         = "VOLLEY_LISTEN_ADDR"
	envDBPath             = "VOLLEY_DB_PATH"
	envLogLevel           = "VOLLEY_LOG_LEVEL"
	envDispatcher         = "VOLLEY_DISPATCHER"
	envWorkerBin          = "VOLLEY_WORKER_BIN"
	envCallbackURL        = "VOLLEY_CALLBACK_URL"
	envCallbackTimeout    = "VOLLEY_CALLBACK_TIMEOUT"
	envExtendTimeoutByJob = "VOLLEY_EXTEND_TIMEOUT_BY_JOB"
)

// Config holds application configuration.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// Dispatcher names the worker dispatcher: "process" or "firecracker".
	Dispatcher string

	// WorkerBin is the worker executable the process dispatcher runs.
	WorkerBin string

	// CallbackURL is the base URL handed to workers for token redemption.
	CallbackURL string

	// CallbackTimeout is how long a job waits for its worker's callback.
	CallbackTimeout time.Duration

	// ExtendTimeoutByJob adds each job's rampUp + holdFor to CallbackTimeout.
	ExtendTimeoutByJob bool
}

// fileConfig is the YAML layout of VOLLEY_CONFIG_FILE. Unset keys keep defaults.
type fileConfig struct {
	ListenAddr         string `yaml:"listen_addr"`
	DBPath             string `yaml:"db_path"`
	LogLevel           string `yaml:"log_level"`
	Dispatcher         string `yaml:"dispatcher"`
	WorkerBin          string `yaml:"worker_bin"`
	CallbackURL        string `yaml:"callback_url"`
	CallbackTimeout    string `yaml:"callback_timeout"`
	ExtendTimeoutByJob *bool  `yaml:"extend_timeout_by_job"`
}

// Load builds the configuration from defaults, then the YAML file named by
// VOLLEY_CONFIG_FILE if set, then environment variables.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:         defaultListenAddr,
		DBPath:             defaultDBPath,
		LogLevel:           slog.LevelInfo,
		Dispatcher:         defaultDispatcher,
		WorkerBin:          defaultWorkerBin,
		CallbackURL:        defaultCallbackURL,
		CallbackTimeout:    defaultCallbackTimeout,
		ExtendTimeoutByJob: true,
	}

	if path := os.Getenv(envConfigFile); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setIf(&c.ListenAddr, fc.ListenAddr)
	setIf(&c.DBPath, fc.DBPath)
	setIf(&c.Dispatcher, fc.Dispatcher)
	setIf(&c.WorkerBin, fc.WorkerBin)
	setIf(&c.CallbackURL, fc.CallbackURL)
	if fc.LogLevel != "" {
		c.LogLevel = parseLogLevel(fc.LogLevel)
	}
	if fc.CallbackTimeout != "" {
		d, err := parseTimeout(fc.CallbackTimeout)
		if err != nil {
			return fmt.Errorf("config file callback_timeout: %w", err)
		}
		c.CallbackTimeout = d
	}
	if fc.ExtendTimeoutByJob != nil {
		c.ExtendTimeoutByJob = *fc.ExtendTimeoutByJob
	}
	return nil
}

func (c *Config) applyEnv() error {
	setIf(&c.ListenAddr, os.Getenv(envListenAddr))
	setIf(&c.DBPath, os.Getenv(envDBPath))
	setIf(&c.Dispatcher, os.Getenv(envDispatcher))
	setIf(&c.WorkerBin, os.Getenv(envWorkerBin))
	setIf(&c.CallbackURL, os.Getenv(envCallbackURL))
	if v := os.Getenv(envLogLevel); v != "" {
		c.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envCallbackTimeout); v != "" {
		d, err := parseTimeout(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envCallbackTimeout, err)
		}
		c.CallbackTimeout = d
	}
	if v := os.Getenv(envExtendTimeoutByJob); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envExtendTimeoutByJob, err)
		}
		c.ExtendTimeoutByJob = b
	}
	return nil
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// parseTimeout accepts a Go duration or a number of seconds; it must be positive.
func parseTimeout(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		s = strconv.Itoa(n) + "s"
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, errors.New("must be positive")
	}
	return d, nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
