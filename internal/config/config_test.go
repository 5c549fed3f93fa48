package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadOverlaysYAML(t *testing.T) {
	t.Setenv("SIMSLOT_TEST_SWITCH_BIN", "/usr/bin/slotctl")
	path := filepath.Join(t.TempDir(), "simslot.yaml")
	data := `
db_path: /data/simslot.db
dual_sim_onboarding: true
command_timeout: 2s
switch_slot_command: ["${SIMSLOT_TEST_SWITCH_BIN}", "switch", "removable"]
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/simslot.db", cfg.DBPath)
	assert.True(t, cfg.DualSimOnboarding)
	assert.Equal(t, 2*time.Second, cfg.CommandTimeout)
	assert.Equal(t, []string{"/usr/bin/slotctl", "switch", "removable"}, cfg.SwitchSlotCommand)
	// untouched fields keep defaults
	assert.Equal(t, DefaultConfig().SubscriptionPollInterval, cfg.SubscriptionPollInterval)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("SIMSLOT_DB", "/tmp/x.db")
	t.Setenv("SIMSLOT_DUAL_SIM_ONBOARDING", "true")
	t.Setenv("SIMSLOT_DISPATCH_COMMAND", "hook --json")
	t.Setenv("SIMSLOT_SWITCH_SLOT_RETRY", "1")
	cfg := DefaultConfig()
	assert.False(t, cfg.SwitchSlotRetry)
	require.NoError(t, cfg.ApplyEnv())
	assert.True(t, cfg.SwitchSlotRetry)
	assert.Equal(t, "/tmp/x.db", cfg.DBPath)
	assert.True(t, cfg.DualSimOnboarding)
	assert.Equal(t, []string{"hook", "--json"}, cfg.DispatchCommand)
}

func TestApplyEnvRejectsBadBool(t *testing.T) {
	t.Setenv("SIMSLOT_DUAL_SIM_ONBOARDING", "sometimes")
	cfg := DefaultConfig()
	err := cfg.ApplyEnv()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("SIMSLOT_TRIGGER_DIR=/run/simslot/triggers\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("SIMSLOT_TRIGGER_DIR") })

	require.NoError(t, LoadEnvFile(path))
	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, "/run/simslot/triggers", cfg.TriggerDir)

	require.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), "nope.env")))
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	cfg.CommandTimeout = 0
	require.Error(t, cfg.Validate())
}
