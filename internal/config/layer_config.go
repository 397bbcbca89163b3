package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultLayerConfigPath returns layer.yaml's default location:
// ${XDG_CONFIG_HOME:-$HOME/.config}/capframex/layer.yaml.
func DefaultLayerConfigPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "capframex", "layer.yaml")
	}
	return filepath.Join(os.Getenv("HOME"), ".config", "capframex", "layer.yaml")
}

// LayerConfig holds the optional local override file read once at layer
// load time. Unlike daemon.conf this has no externally mandated format, so
// it uses YAML the way the original config layer's spirit suggests.
type LayerConfig struct {
	// GPUNameOverride replaces the GPU name reported via vkGetPhysicalDeviceProperties,
	// useful when a driver reports a generic or unhelpful string.
	GPUNameOverride string `yaml:"gpu_name_override"`

	// VerboseDiagnostics enables extra layer-side logging, equivalent to
	// setting CAPFRAMEX_DEBUG=1 in the environment.
	VerboseDiagnostics bool `yaml:"verbose_diagnostics"`

	// SocketPathOverride replaces the layer IPC client's default socket
	// path, for testing against a non-standard broker location.
	SocketPathOverride string `yaml:"socket_path_override"`
}

// LoadLayerConfig reads layer.yaml from path. A missing file is not an
// error — it returns a zero-value LayerConfig (all overrides disabled).
func LoadLayerConfig(path string) (*LayerConfig, error) {
	var cfg LayerConfig

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("config.LoadLayerConfig: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.LoadLayerConfig: parse %q: %w", path, err)
	}
	return &cfg, nil
}

// VerboseDiagnosticsFromEnv reports whether CAPFRAMEX_DEBUG in the
// environment enables verbose layer diagnostics: a value starting with
// 1, y, or Y enables it.
func VerboseDiagnosticsFromEnv() bool {
	v := os.Getenv("CAPFRAMEX_DEBUG")
	if v == "" {
		return false
	}
	return strings.HasPrefix(v, "1") || strings.HasPrefix(v, "y") || strings.HasPrefix(v, "Y")
}
