// Package config loads the platform configuration and the pipeline and
// workflow files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"hopflow/internal/execution"
	"hopflow/internal/notify"
)

// EnvPrefix overrides any key, e.g. HOPFLOW__METRICS__PORT=9200.
const EnvPrefix = "HOPFLOW__"

type Logging struct {
	Level string `koanf:"level"`
	JSON  bool   `koanf:"json"`
}

type Metrics struct {
	Port int `koanf:"port"` // 0 = not exposed
}

type RunnerServer struct {
	Listen string `koanf:"listen"`
	Buffer int    `koanf:"buffer"`
}

type Config struct {
	SchemaVersion string  `koanf:"schema_version"`
	Logging       Logging `koanf:"logging"`
	Metrics       Metrics `koanf:"metrics"`
	// MetadataDir holds run configurations, one YAML file each.
	MetadataDir string       `koanf:"metadata_dir"`
	Runner      RunnerServer `koanf:"runner"`
	// Locations are execution-info locations by name; run configurations
	// refer to them by name.
	Locations map[string]execution.LocationConfig `koanf:"locations"`
	Notify    notify.Config                       `koanf:"notify"`
}

var defaults = map[string]any{
	"schema_version":         SupportedSchema,
	"logging.level":          "info",
	"metadata_dir":           "metadata",
	"runner.listen":          ":7077",
	"runner.buffer":          64,
	"locations.default.type": "memory",
	"locations.default.max":  100,
}

// Load layers defaults, the YAML file at path (optional; a missing file is
// fine) and the environment. A relative metadata_dir resolves against the
// file's directory.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return Config{}, err
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}
	_ = k.Load(env.Provider(EnvPrefix, ".", func(key string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), "__", ".")
	}), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	if cfg.SchemaVersion != SupportedSchema {
		return cfg, fmt.Errorf("config schema_version %q not supported (want %q)", cfg.SchemaVersion, SupportedSchema)
	}
	if path != "" && !filepath.IsAbs(cfg.MetadataDir) {
		cfg.MetadataDir = filepath.Join(filepath.Dir(path), cfg.MetadataDir)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("config: metrics port %d out of range", c.Metrics.Port)
	}
	for name, l := range c.Locations {
		switch l.Type {
		case "", "memory":
		case "redis":
			if l.Redis.Address == "" {
				return fmt.Errorf("config: location %s: redis address is empty", name)
			}
		default:
			return fmt.Errorf("config: location %s: unknown type %q", name, l.Type)
		}
	}
	return nil
}
