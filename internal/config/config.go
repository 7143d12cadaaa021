// Package config loads shared Wubloader component settings from the
// environment: archive location, Postgres DSN, Redis connection settings,
// the ffmpeg/ffprobe binary paths every binary shells out to, the HTTP
// listen address, and the log level. Component-specific settings (targets,
// peers, upload backends) are layered on top by each cmd/* package,
// following the same WUBLOADER_* env-var-with-defaults style.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Shared holds the settings common to every Wubloader daemon.
type Shared struct {
	ArchiveBaseDir string
	PostgresDSN    string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	FFmpegBinary   string
	FFprobeBinary  string
	ListenAddr     string
	LogLevel       string
}

// LoadSharedFromEnv reads WUBLOADER_* environment variables, applying the
// same defaults the teacher's ingest config used for its own settings:
// present-and-valid values win, empty values fall back, invalid values are
// a hard error.
func LoadSharedFromEnv() (Shared, error) {
	cfg := Shared{
		ArchiveBaseDir: strings.TrimSpace(os.Getenv("WUBLOADER_ARCHIVE_DIR")),
		PostgresDSN:    strings.TrimSpace(os.Getenv("WUBLOADER_POSTGRES_DSN")),
		RedisAddr:      strings.TrimSpace(os.Getenv("WUBLOADER_REDIS_ADDR")),
		RedisPassword:  os.Getenv("WUBLOADER_REDIS_PASSWORD"),
		FFmpegBinary:   strings.TrimSpace(os.Getenv("WUBLOADER_FFMPEG_BINARY")),
		FFprobeBinary:  strings.TrimSpace(os.Getenv("WUBLOADER_FFPROBE_BINARY")),
		ListenAddr:     strings.TrimSpace(os.Getenv("WUBLOADER_LISTEN_ADDR")),
		LogLevel:       strings.TrimSpace(os.Getenv("WUBLOADER_LOG_LEVEL")),
	}

	if cfg.ArchiveBaseDir == "" {
		cfg.ArchiveBaseDir = "/mnt/wubloader"
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	if cfg.FFmpegBinary == "" {
		cfg.FFmpegBinary = "ffmpeg"
	}
	if cfg.FFprobeBinary == "" {
		cfg.FFprobeBinary = "ffprobe"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if db := strings.TrimSpace(os.Getenv("WUBLOADER_REDIS_DB")); db != "" {
		parsed, err := strconv.Atoi(db)
		if err != nil {
			return Shared{}, fmt.Errorf("parse WUBLOADER_REDIS_DB: %w", err)
		}
		cfg.RedisDB = parsed
	}

	if cfg.PostgresDSN == "" {
		return Shared{}, errors.New("WUBLOADER_POSTGRES_DSN is required")
	}

	return cfg, nil
}

// Duration reads an env var as a duration, falling back to def if unset,
// and erroring if set but unparsable.
func Duration(name string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def, nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return parsed, nil
}

// Int reads an env var as an int, falling back to def if unset.
func Int(name string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return parsed, nil
}

// Bool reads an env var as a bool, falling back to def if unset.
func Bool(name string, def bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def, nil
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", name, err)
	}
	return parsed, nil
}

// StringList reads a comma-separated env var into a trimmed, non-empty
// slice, falling back to def if unset.
func StringList(name string, def []string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
