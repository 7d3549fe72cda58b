package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

// DefaultCriticalFiles is the project-relative file set captured by snapshots.
var DefaultCriticalFiles = []string{
	"package.json",
	"tsconfig.json",
	"tsconfig.app.json",
	"vite.config.ts",
	"vite.config.js",
	"next.config.js",
	"next.config.mjs",
	"tailwind.config.js",
	"tailwind.config.ts",
	"postcss.config.js",
	".eslintrc.json",
	".prettierrc",
	"src/main.tsx",
	"src/main.jsx",
	"src/App.tsx",
	"src/App.jsx",
	"src/index.css",
	"app/layout.tsx",
}

// Config is the resolved plugkit configuration.
type Config struct {
	Workers        int            `mapstructure:"workers"`
	TaskTimeout    time.Duration  `mapstructure:"task_timeout"`
	PackageManager string         `mapstructure:"package_manager"`
	Snapshot       SnapshotConfig `mapstructure:"snapshot"`
	Install        InstallConfig  `mapstructure:"install"`
	Catalog        CatalogConfig  `mapstructure:"catalog"`
	Log            LogConfig      `mapstructure:"log"`
}

type SnapshotConfig struct {
	TTL    time.Duration `mapstructure:"ttl"`
	Sweep  string        `mapstructure:"sweep"`
	Files  []string      `mapstructure:"files"`
	Export bool          `mapstructure:"export"`
}

type InstallConfig struct {
	SkipPackages bool `mapstructure:"skip_packages"`
	Exact        bool `mapstructure:"exact"`
}

type CatalogConfig struct {
	Paths []string `mapstructure:"paths"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("workers", 4)
	v.SetDefault("task_timeout", "0s")
	v.SetDefault("package_manager", "auto")

	v.SetDefault("snapshot.ttl", "24h")
	v.SetDefault("snapshot.sweep", "@every 1h")
	v.SetDefault("snapshot.files", DefaultCriticalFiles)
	v.SetDefault("snapshot.export", true)

	v.SetDefault("install.skip_packages", false)
	v.SetDefault("install.exact", false)

	v.SetDefault("catalog.paths", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
}

// NewViper returns a viper instance with defaults and PLUGKIT_ environment
// bindings, e.g. PLUGKIT_SNAPSHOT_TTL for snapshot.ttl.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("PLUGKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load resolves configuration for a project. Precedence (lowest to highest):
// defaults < user config < project .plugkit.yaml < environment.
func Load(paths *Paths) (*Config, error) {
	v := NewViper()

	var files []string
	if home, err := os.UserHomeDir(); err == nil {
		files = append(files, filepath.Join(home, ".config", "plugkit", "config.yaml"))
	}
	if paths != nil {
		files = append(files, paths.ProjectConfig)
	}

	for _, file := range files {
		if err := mergeFile(v, file); err != nil {
			return nil, err
		}
	}

	return Unmarshal(v)
}

// Unmarshal decodes and validates the configuration held by v.
func Unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return errors.Newf("workers must be at least 1, got %d", c.Workers)
	}
	if c.TaskTimeout < 0 {
		return errors.Newf("task_timeout must not be negative, got %s", c.TaskTimeout)
	}
	if c.Snapshot.TTL <= 0 {
		return errors.Newf("snapshot.ttl must be positive, got %s", c.Snapshot.TTL)
	}
	switch c.PackageManager {
	case "auto", "npm", "yarn", "pnpm", "bun":
	default:
		return errors.WithHint(
			errors.Newf("unknown package_manager %q", c.PackageManager),
			"use one of auto, npm, yarn, pnpm, bun",
		)
	}
	return nil
}

func mergeFile(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.MergeInConfig(); err != nil {
		return errors.Wrapf(err, "failed to read config file %s", path)
	}
	return nil
}
