package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
global:
  default_timeout: 120
monitoring:
  ssh:
    - /etc/ssh/sshd_config
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 120, cfg.Global.DefaultTimeout)
	require.Equal(t, LogInfo, cfg.Global.LogLevel)
	require.Equal(t, ActionRevert, cfg.Timeout.TimeoutAction)
	require.Equal(t, 30, cfg.Timeout.RevertGracePeriod)
}

// Category order decides which category wins when globs overlap, so
// the monitoring section must come back in document order, not map
// order.
func TestMonitoringPreservesDocumentOrder(t *testing.T) {
	path := writeConfig(t, `
monitoring:
  ssh:
    - /etc/ssh/*
  network:
    - /etc/netplan/*
  firewall:
    - /etc/iptables/*
  other:
    - /etc/hosts
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []string{"ssh", "network", "firewall", "other"}, cfg.Monitoring.Order)
	require.Equal(t, []string{"/etc/netplan/*"}, cfg.Monitoring.Globs["network"])
}

func TestMonitoringRejectsDuplicateCategory(t *testing.T) {
	path := writeConfig(t, `
monitoring:
  ssh:
    - /etc/ssh/sshd_config
  ssh:
    - /etc/ssh/ssh_config
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateRejectsBadEnum(t *testing.T) {
	cfg := Default()
	cfg.Global.LogLevel = "LOUD"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Timeout.TimeoutAction = "shrug"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsTimeoutAboveMax(t *testing.T) {
	cfg := Default()
	cfg.Global.DefaultTimeout = 2000
	cfg.Global.MaxTimeout = 1800
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Policies = map[string]Policy{"ssh": {Timeout: 5000}}
	require.Error(t, cfg.Validate())
}

func TestPerCategoryPolicyOverrides(t *testing.T) {
	cfg := Default()
	cfg.Policies = map[string]Policy{
		"ssh": {Timeout: 900, GracePeriod: 60},
	}
	require.NoError(t, cfg.Validate())

	require.Equal(t, 900*time.Second, cfg.TimeoutFor("ssh"))
	require.Equal(t, 60*time.Second, cfg.GraceFor("ssh"))

	// Categories without an override fall back to the globals.
	require.Equal(t, cfg.DefaultTimeoutDuration(), cfg.TimeoutFor("firewall"))
	require.Equal(t, cfg.GracePeriodDuration(), cfg.GraceFor("firewall"))
}
