// Package config loads, validates, and exposes capframexd's configuration.
//
// Configuration file: ${XDG_CONFIG_HOME:-$HOME/.config}/capframex/daemon.conf
// Format is line-oriented key=value, not YAML — this is part of the
// external interface and not up for replacement; Load implements the
// on-disk grammar directly with a hand-written scanner matching the
// original daemon's sscanf("%255[^=]=%767[^\n]") parsing: '#'-prefixed and
// blank lines are skipped, known keys are auto_detect_games,
// scan_interval_ms, log_level, and log_file.
//
// Fields with no daemon.conf key (broker/audit/pacing/observability
// parameters) are Go-level defaults only — daemon.conf never overrides
// them since the key set is fixed.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration structure for capframexd.
type Config struct {
	// AutoDetectGames enables the proc-event scanner that classifies newly
	// launched processes as games. Default: true.
	AutoDetectGames bool

	// ScanIntervalMs is the polling interval, in milliseconds, for the
	// tracked-game liveness sweep. Default: 1000.
	ScanIntervalMs int

	// LogLevel is 0=error, 1=warn, 2=info, 3=debug, matching the original
	// daemon.conf contract; -d/--debug leaves this field as loaded and makes
	// the logger run at debug level instead.
	LogLevel int

	// LogFile holds the log_file path from daemon.conf. The daemon does not
	// open it; log output goes to stderr only.
	LogFile string

	// ConfigDir is the resolved config directory
	// (${XDG_CONFIG_HOME:-$HOME/.config}/capframex).
	ConfigDir string

	// DataDir is the resolved data directory
	// (${XDG_DATA_HOME:-$HOME/.local/share}/capframex).
	DataDir string

	// BrokerSocketPath records a default socket path
	// (${runtime_dir}/capframex.sock). It is not consulted at runtime: the
	// daemon and cfxlayer-sim both take the live path from
	// broker.ResolveSocketPath.
	BrokerSocketPath string

	// IgnoreListPath is the path to the persisted ignore list JSON file.
	IgnoreListPath string

	// AuditDBPath is the path to the bbolt audit ledger.
	AuditDBPath string

	// AuditRetentionDays is how long audit ledger entries are kept.
	AuditRetentionDays int

	// PacingAlpha is the EWMA smoothing factor for the pacing-pressure
	// accumulator. Range [0.0, 1.0]. Default: 0.8.
	PacingAlpha float64

	// PacingEntropyWeight is the entropy term's weight in the pacing
	// composite score. Range [0.0, 1.0]. Default: 0.3.
	PacingEntropyWeight float64

	// MetricsAddr is the Prometheus metrics HTTP bind address.
	MetricsAddr string

	// StaleAfter is how long a tracked game may go unobserved before it is
	// marked stale.
	StaleAfter time.Duration

	// GoneAfter is how much additional time a stale game is given before
	// it is marked gone (on top of StaleAfter).
	GoneAfter time.Duration
}

// DefaultBrokerSocketName is the broker socket's filename under the
// resolved runtime directory.
const DefaultBrokerSocketName = "capframex.sock"

// Defaults returns a Config populated with every documented default value.
func Defaults() Config {
	configDir, dataDir := resolveDirs()
	return Config{
		AutoDetectGames:     true,
		ScanIntervalMs:      1000,
		LogLevel:            2,
		LogFile:             filepath.Join(dataDir, "daemon.log"),
		ConfigDir:           configDir,
		DataDir:             dataDir,
		BrokerSocketPath:    filepath.Join(resolveRuntimeDir(), DefaultBrokerSocketName),
		IgnoreListPath:      filepath.Join(configDir, "ignore_list.json"),
		AuditDBPath:         filepath.Join(dataDir, "audit.db"),
		AuditRetentionDays:  30,
		PacingAlpha:         0.8,
		PacingEntropyWeight: 0.3,
		MetricsAddr:         "127.0.0.1:9091",
		StaleAfter:          10 * time.Second,
		GoneAfter:           30 * time.Second,
	}
}

func resolveDirs() (configDir, dataDir string) {
	home := os.Getenv("HOME")

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		configDir = filepath.Join(xdgConfig, "capframex")
	} else if home != "" {
		configDir = filepath.Join(home, ".config", "capframex")
	} else {
		configDir = "/tmp/capframex"
	}

	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		dataDir = filepath.Join(xdgData, "capframex")
	} else if home != "" {
		dataDir = filepath.Join(home, ".local", "share", "capframex")
	} else {
		dataDir = "/tmp/capframex/data"
	}
	return configDir, dataDir
}

func resolveRuntimeDir() string {
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return runtimeDir
	}
	if home := os.Getenv("HOME"); home != "" {
		return filepath.Join(home, ".config", "capframex")
	}
	return "/tmp"
}

// Load reads daemon.conf from path, applying its keys over Defaults().
// A missing file is not an error — the defaults are used as-is, matching
// the original daemon's "config file not found, using defaults" behaviour.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			if verr := Validate(&cfg); verr != nil {
				return nil, fmt.Errorf("config.Load: %w", verr)
			}
			return &cfg, nil
		}
		return nil, fmt.Errorf("config.Load: open %q: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "auto_detect_games":
			cfg.AutoDetectGames = value == "true" || value == "1"
		case "scan_interval_ms":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.ScanIntervalMs = n
			}
		case "log_level":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.LogLevel = n
			}
		case "log_file":
			cfg.LogFile = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config.Load: scan %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks all config fields for correctness, returning a single
// error listing every violation found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.ScanIntervalMs < 1 {
		errs = append(errs, fmt.Sprintf("scan_interval_ms must be >= 1, got %d", cfg.ScanIntervalMs))
	}
	if cfg.LogLevel < 0 || cfg.LogLevel > 3 {
		errs = append(errs, fmt.Sprintf("log_level must be in [0, 3], got %d", cfg.LogLevel))
	}
	if cfg.BrokerSocketPath == "" {
		errs = append(errs, "broker socket path must not be empty")
	}
	if cfg.AuditRetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("audit retention days must be >= 1, got %d", cfg.AuditRetentionDays))
	}
	if cfg.PacingAlpha < 0.0 || cfg.PacingAlpha > 1.0 {
		errs = append(errs, fmt.Sprintf("pacing alpha must be in [0.0, 1.0], got %f", cfg.PacingAlpha))
	}
	if cfg.PacingEntropyWeight < 0.0 || cfg.PacingEntropyWeight > 1.0 {
		errs = append(errs, fmt.Sprintf("pacing entropy weight must be in [0.0, 1.0], got %f", cfg.PacingEntropyWeight))
	}
	if cfg.StaleAfter <= 0 {
		errs = append(errs, fmt.Sprintf("stale_after must be > 0, got %s", cfg.StaleAfter))
	}
	if cfg.GoneAfter <= 0 {
		errs = append(errs, fmt.Sprintf("gone_after must be > 0, got %s", cfg.GoneAfter))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// DefaultDaemonConfPath returns the default daemon.conf path under cfg's
// resolved config directory.
func DefaultDaemonConfPath(cfg *Config) string {
	return filepath.Join(cfg.ConfigDir, "daemon.conf")
}
