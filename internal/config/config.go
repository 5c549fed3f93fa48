package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	SocketPath        string          `yaml:"socket_path"`
	DBPath            string          `yaml:"db_path"`
	HardwareStatePath string          `yaml:"hardware_state_path"`
	TriggerDir        string          `yaml:"trigger_dir"`
	LogConfig         string          `yaml:"log_config"`
	DualSimOnboarding bool            `yaml:"dual_sim_onboarding"`
	CommandTimeout    time.Duration   `yaml:"command_timeout"`
	RetryBackoff      []time.Duration `yaml:"retry_backoff"`
	SwitchSlotCommand []string        `yaml:"switch_slot_command"`
	// SwitchSlotRetry retries a failed switch with RetryBackoff. Enable only
	// when the helper treats a repeated switch as a no-op.
	SwitchSlotRetry          bool          `yaml:"switch_slot_retry"`
	DispatchCommand          []string      `yaml:"dispatch_command"`
	SubscriptionPollInterval time.Duration `yaml:"subscription_poll_interval"`
	ReconcileInterval        time.Duration `yaml:"reconcile_interval"`
	DecisionRetention        time.Duration `yaml:"decision_retention"`
	MetricsEnabled           bool          `yaml:"metrics_enabled"`
	BridgeDownFailures       int           `yaml:"bridge_down_failures"`
	BridgeRecoverSuccesses   int           `yaml:"bridge_recover_successes"`
	BridgeDownWindow         time.Duration `yaml:"bridge_down_window"`
}

func DefaultConfig() Config {
	stateDir := defaultStateDir()
	return Config{
		SocketPath:               defaultSocketPath(),
		DBPath:                   filepath.Join(stateDir, "simslot.db"),
		HardwareStatePath:        filepath.Join(stateDir, "hardware.yaml"),
		TriggerDir:               filepath.Join(stateDir, "triggers"),
		LogConfig:                "<root>=INFO",
		DualSimOnboarding:        false,
		CommandTimeout:           5 * time.Second,
		RetryBackoff:             []time.Duration{250 * time.Millisecond, 1 * time.Second},
		SubscriptionPollInterval: 500 * time.Millisecond,
		ReconcileInterval:        10 * time.Minute,
		DecisionRetention:        14 * 24 * time.Hour,
		MetricsEnabled:           true,
		BridgeDownFailures:       3,
		BridgeRecoverSuccesses:   2,
		BridgeDownWindow:         2 * time.Minute,
	}
}

// Load overlays the YAML file at path onto DefaultConfig. Environment
// variables referenced as ${VAR} or $VAR are expanded before parsing. An
// empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // operator supplied config path
	if err != nil {
		return Config{}, errors.Annotatef(err, "load config %q", path)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, errors.Annotatef(err, "parse config %q", path)
	}
	return cfg, nil
}

// LoadEnvFile loads KEY=VALUE pairs from a .env file into the process
// environment without overriding variables that are already set. A missing
// file is not an error.
func LoadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return errors.Annotatef(err, "load env file %q", path)
	}
	return nil
}

// ApplyEnv applies SIMSLOT_* overrides from the environment.
func (c *Config) ApplyEnv() error {
	lookup := func(name string) (string, bool) {
		v, ok := os.LookupEnv("SIMSLOT_" + name)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	if v, ok := lookup("SOCKET"); ok {
		c.SocketPath = v
	}
	if v, ok := lookup("DB"); ok {
		c.DBPath = v
	}
	if v, ok := lookup("HARDWARE_STATE"); ok {
		c.HardwareStatePath = v
	}
	if v, ok := lookup("TRIGGER_DIR"); ok {
		c.TriggerDir = v
	}
	if v, ok := lookup("LOG_CONFIG"); ok {
		c.LogConfig = v
	}
	if v, ok := lookup("DUAL_SIM_ONBOARDING"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.NotValidf("SIMSLOT_DUAL_SIM_ONBOARDING %q", v)
		}
		c.DualSimOnboarding = b
	}
	if v, ok := lookup("SWITCH_SLOT_COMMAND"); ok {
		c.SwitchSlotCommand = strings.Fields(v)
	}
	if v, ok := lookup("SWITCH_SLOT_RETRY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.NotValidf("SIMSLOT_SWITCH_SLOT_RETRY %q", v)
		}
		c.SwitchSlotRetry = b
	}
	if v, ok := lookup("DISPATCH_COMMAND"); ok {
		c.DispatchCommand = strings.Fields(v)
	}
	if v, ok := lookup("COMMAND_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.NotValidf("SIMSLOT_COMMAND_TIMEOUT %q", v)
		}
		c.CommandTimeout = d
	}
	return nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.DBPath) == "" {
		return errors.NotValidf("empty db_path")
	}
	if strings.TrimSpace(c.HardwareStatePath) == "" {
		return errors.NotValidf("empty hardware_state_path")
	}
	if c.CommandTimeout <= 0 {
		return errors.NotValidf("command_timeout %v", c.CommandTimeout)
	}
	if c.SubscriptionPollInterval <= 0 {
		return errors.NotValidf("subscription_poll_interval %v", c.SubscriptionPollInterval)
	}
	return nil
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "simslot", "simslotd.sock")
	}
	return filepath.Join(defaultStateDir(), "simslotd.sock")
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "state", "simslot")
}
