package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.conf"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.AutoDetectGames {
		t.Fatalf("AutoDetectGames = false, want true (default)")
	}
	if cfg.ScanIntervalMs != 1000 {
		t.Fatalf("ScanIntervalMs = %d, want 1000", cfg.ScanIntervalMs)
	}
}

func TestLoadParsesKnownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.conf")
	contents := "# CapFrameX Daemon Configuration\n\n" +
		"auto_detect_games=false\n" +
		"scan_interval_ms=500\n" +
		"log_level=3\n" +
		"log_file=/tmp/custom.log\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AutoDetectGames {
		t.Fatalf("AutoDetectGames = true, want false")
	}
	if cfg.ScanIntervalMs != 500 {
		t.Fatalf("ScanIntervalMs = %d, want 500", cfg.ScanIntervalMs)
	}
	if cfg.LogLevel != 3 {
		t.Fatalf("LogLevel = %d, want 3", cfg.LogLevel)
	}
	if cfg.LogFile != "/tmp/custom.log" {
		t.Fatalf("LogFile = %q, want /tmp/custom.log", cfg.LogFile)
	}
}

func TestLoadSkipsCommentsAndBlankLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.conf")
	contents := "# a comment\n\nlog_level=1\n# another comment\n\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != 1 {
		t.Fatalf("LogLevel = %d, want 1", cfg.LogLevel)
	}
}

func TestValidateRejectsOutOfRangeLogLevel(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = 7
	if err := Validate(&cfg); err == nil {
		t.Fatalf("expected a validation error for log_level=7")
	}
}

func TestValidateRejectsOutOfRangePacingWeights(t *testing.T) {
	cfg := Defaults()
	cfg.PacingAlpha = 1.5
	if err := Validate(&cfg); err == nil {
		t.Fatalf("expected a validation error for pacing_alpha=1.5")
	}
}

func TestLoadRejectsInvalidScanInterval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.conf")
	if err := os.WriteFile(path, []byte("scan_interval_ms=0\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected Load to reject scan_interval_ms=0")
	}
}

func TestLoadLayerConfigMissingFileReturnsZeroValue(t *testing.T) {
	cfg, err := LoadLayerConfig(filepath.Join(t.TempDir(), "layer.yaml"))
	if err != nil {
		t.Fatalf("LoadLayerConfig: %v", err)
	}
	if cfg.VerboseDiagnostics || cfg.GPUNameOverride != "" {
		t.Fatalf("expected zero-value LayerConfig, got %+v", cfg)
	}
}

func TestLoadLayerConfigParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layer.yaml")
	contents := "gpu_name_override: \"Custom GPU\"\nverbose_diagnostics: true\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadLayerConfig(path)
	if err != nil {
		t.Fatalf("LoadLayerConfig: %v", err)
	}
	if cfg.GPUNameOverride != "Custom GPU" {
		t.Fatalf("GPUNameOverride = %q, want \"Custom GPU\"", cfg.GPUNameOverride)
	}
	if !cfg.VerboseDiagnostics {
		t.Fatalf("VerboseDiagnostics = false, want true")
	}
}

func TestVerboseDiagnosticsFromEnv(t *testing.T) {
	cases := []struct {
		value string
		want  bool
	}{
		{"", false},
		{"0", false},
		{"1", true},
		{"y", true},
		{"Yes", true},
		{"no", false},
	}
	for _, c := range cases {
		t.Setenv("CAPFRAMEX_DEBUG", c.value)
		if got := VerboseDiagnosticsFromEnv(); got != c.want {
			t.Errorf("VerboseDiagnosticsFromEnv() with CAPFRAMEX_DEBUG=%q = %v, want %v", c.value, got, c.want)
		}
	}
}
