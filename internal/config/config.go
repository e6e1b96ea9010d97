package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/docker/go-units"
	"github.com/kballard/go-shellquote"
	"gopkg.in/yaml.v3"
)

// NodeConfig holds the settings patched into the node's config.json after init.
type NodeConfig struct {
	JSONPayloadMaxSize string         `yaml:"json_payload_max_size"` // human size, e.g. "1GiB"
	MaxOpenFiles       int            `yaml:"max_open_files"`
	Overrides          map[string]any `yaml:"overrides"` // merged last, may be arbitrarily nested
}

type Config struct {
	BinaryPath          string     `yaml:"binary_path"`
	RunArgs             string     `yaml:"run_args"` // shell-quoted extra args for `near-sandbox run`
	HomeBaseDir         string     `yaml:"home_base_dir"`
	LockDir             string     `yaml:"lock_dir"`
	DBPath              string     `yaml:"db_path"`
	ReapIntervalSeconds int        `yaml:"reap_interval_seconds"`
	RemoveHomeOnReap    bool       `yaml:"remove_home_on_reap"`
	LogLevel            string     `yaml:"log_level"`
	Node                NodeConfig `yaml:"node_config"`
}

const DefaultReapIntervalSeconds = 30

func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		BinaryPath:          "near-sandbox",
		DBPath:              filepath.Join(os.TempDir(), "near-sandbox-nodes.db"),
		ReapIntervalSeconds: DefaultReapIntervalSeconds,
		LogLevel:            "info",
		Node: NodeConfig{
			JSONPayloadMaxSize: "1GiB",
			MaxOpenFiles:       3000,
		},
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if cfg.ReapIntervalSeconds <= 0 {
		cfg.ReapIntervalSeconds = DefaultReapIntervalSeconds
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NEARSANDBOX_BINARY_PATH"); v != "" {
		cfg.BinaryPath = v
	}
	if v := os.Getenv("NEARSANDBOX_RUN_ARGS"); v != "" {
		cfg.RunArgs = v
	}
	if v := os.Getenv("NEARSANDBOX_HOME_BASE_DIR"); v != "" {
		cfg.HomeBaseDir = v
	}
	if v := os.Getenv("NEARSANDBOX_LOCK_DIR"); v != "" {
		cfg.LockDir = v
	}
	if v := os.Getenv("NEARSANDBOX_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("NEARSANDBOX_REAP_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReapIntervalSeconds = n
		}
	}
	if v := os.Getenv("NEARSANDBOX_REMOVE_HOME_ON_REAP"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.RemoveHomeOnReap = b
		}
	}
	if v := os.Getenv("NEARSANDBOX_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("NEARSANDBOX_JSON_PAYLOAD_MAX_SIZE"); v != "" {
		cfg.Node.JSONPayloadMaxSize = v
	}
	if v := os.Getenv("NEARSANDBOX_MAX_OPEN_FILES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Node.MaxOpenFiles = n
		}
	}
}

// RunArgv splits RunArgs the way a shell would.
func (c *Config) RunArgv() ([]string, error) {
	if c.RunArgs == "" {
		return nil, nil
	}
	args, err := shellquote.Split(c.RunArgs)
	if err != nil {
		return nil, fmt.Errorf("parse run_args %q: %w", c.RunArgs, err)
	}
	return args, nil
}

// JSONPayloadMaxBytes parses Node.JSONPayloadMaxSize ("1GiB", "512MiB", "1048576").
func (c *Config) JSONPayloadMaxBytes() (int64, error) {
	n, err := units.RAMInBytes(c.Node.JSONPayloadMaxSize)
	if err != nil {
		return 0, fmt.Errorf("parse json_payload_max_size %q: %w", c.Node.JSONPayloadMaxSize, err)
	}
	return n, nil
}
