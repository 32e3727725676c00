package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultRootDir is where the vault, spool and history live by default.
	DefaultRootDir = "./data"
	// DefaultAddr is the default TCP address the sync server listens on.
	DefaultAddr = ":8080"
	// DefaultSnapshotInterval controls how often the vault is committed to history.
	DefaultSnapshotInterval = 6 * time.Hour
	// DefaultResyncThreshold is the spool size above which a reconnecting
	// subscriber is told to perform a full pull instead of replaying events.
	DefaultResyncThreshold = 10
	// DefaultHeartbeatInterval controls the keepalive cadence on event streams.
	DefaultHeartbeatInterval = 2 * time.Minute
	// DefaultAllowedOrigin is the editor origin permitted by CORS.
	DefaultAllowedOrigin = "app://obsidian.md"

	// DefaultLogLevel controls verbosity for server logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "syncd.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the sync server.
type Config struct {
	RootDir           string
	Address           string
	SnapshotInterval  time.Duration
	ResyncThreshold   int
	HeartbeatInterval time.Duration
	AllowedOrigin     string
	Logging           LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the server configuration from environment variables, applying
// sane defaults and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		RootDir:           getString("SYNCD_ROOT_DIR", DefaultRootDir),
		Address:           getString("SYNCD_ADDR", DefaultAddr),
		SnapshotInterval:  DefaultSnapshotInterval,
		ResyncThreshold:   DefaultResyncThreshold,
		HeartbeatInterval: DefaultHeartbeatInterval,
		AllowedOrigin:     getString("SYNCD_ALLOWED_ORIGIN", DefaultAllowedOrigin),
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("SYNCD_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("SYNCD_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("SYNCD_SNAPSHOT_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("SYNCD_SNAPSHOT_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.SnapshotInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SYNCD_RESYNC_THRESHOLD")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("SYNCD_RESYNC_THRESHOLD must be a non-negative integer, got %q", raw))
		} else {
			cfg.ResyncThreshold = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SYNCD_HEARTBEAT_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("SYNCD_HEARTBEAT_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.HeartbeatInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SYNCD_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("SYNCD_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SYNCD_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("SYNCD_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SYNCD_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("SYNCD_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SYNCD_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("SYNCD_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
