package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/rendis/steward/internal/scanner"
	"github.com/rendis/steward/pkg/schema"
)

// Config holds all steward configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	DBPath          string          `json:"db_path" validate:"required"`
	LogLevel        string          `json:"log_level" validate:"oneof=debug info warn error"`
	LogFormat       string          `json:"log_format" validate:"oneof=text json"`
	ScanSchedule    string          `json:"scan_schedule" validate:"required"`
	ScanConcurrency int             `json:"scan_concurrency" validate:"min=1,max=64"`
	RedisAddr       string          `json:"redis_addr,omitempty" validate:"omitempty,hostname_port"`
	LockTTL         schema.Duration `json:"lock_ttl" validate:"gte=0"`
	HTTPTimeout     schema.Duration `json:"http_timeout" validate:"gte=0"`
	OTLP            bool            `json:"otlp"`
}

func defaultConfig() Config {
	return Config{
		DBPath:          filepath.Join(stewardDir(), "steward.db"),
		LogLevel:        "info",
		LogFormat:       "text",
		ScanSchedule:    scanner.DefaultSchedule,
		ScanConcurrency: scanner.DefaultConcurrency,
		LockTTL:         schema.Duration(30 * time.Second),
		HTTPTimeout:     schema.Duration(30 * time.Second),
	}
}

func stewardDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".steward"
	}
	return filepath.Join(home, ".steward")
}

func settingsPath() string {
	return filepath.Join(stewardDir(), "settings.json")
}

// loadConfig layers defaults, the settings file at path (ignored if
// missing) and STEWARD_* environment variables read through getenv.
func loadConfig(path string, getenv func(string) string) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	if v := getenv("STEWARD_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("STEWARD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := getenv("STEWARD_LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}
	if v := getenv("STEWARD_SCAN_SCHEDULE"); v != "" {
		cfg.ScanSchedule = v
	}
	if v := getenv("STEWARD_SCAN_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("STEWARD_SCAN_CONCURRENCY: %w", err)
		}
		cfg.ScanConcurrency = n
	}
	if v := getenv("STEWARD_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := getenv("STEWARD_LOCK_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("STEWARD_LOCK_TTL: %w", err)
		}
		cfg.LockTTL = schema.Duration(d)
	}
	if v := getenv("STEWARD_OTLP"); v != "" {
		cfg.OTLP = v == "true" || v == "1"
	}
	return cfg, nil
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the final configuration and the scan schedule.
func (c Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return schema.NewErrorf(schema.ErrCodeValidation, "config %s: failed %q check", fe.Field(), fe.Tag()).WithCause(err)
		}
		return schema.NewError(schema.ErrCodeValidation, "invalid config").WithCause(err)
	}
	if _, err := scanner.ParseSchedule(c.ScanSchedule); err != nil {
		return err
	}
	return nil
}

// dsn returns the libSQL data source name for DBPath.
func (c Config) dsn() string {
	if strings.Contains(c.DBPath, ":") && !filepath.IsAbs(c.DBPath) {
		return c.DBPath
	}
	return "file:" + c.DBPath
}
