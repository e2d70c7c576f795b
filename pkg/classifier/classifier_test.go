package classifier

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyFirstMatchWins(t *testing.T) {
	order := []string{"ssh", "other"}
	monitoring := map[string][]string{
		"ssh":   {"/etc/ssh/*"},
		"other": {"/etc/*"},
	}
	c := New(order, monitoring)

	category, ok := c.Classify("/etc/ssh/sshd_config")
	require.True(t, ok)
	require.Equal(t, "ssh", category)
}

func TestClassifyNoMatch(t *testing.T) {
	c := New([]string{"ssh"}, map[string][]string{"ssh": {"/etc/ssh/*"}})

	_, ok := c.Classify("/var/log/syslog")
	require.False(t, ok)
}

func TestClassifyEvaluationOrderRespected(t *testing.T) {
	order := []string{"network", "ssh"}
	monitoring := map[string][]string{
		"network": {"/etc/netplan/*"},
		"ssh":      {"/etc/ssh/*"},
	}
	c := New(order, monitoring)
	require.Equal(t, []string{"network", "ssh"}, c.Categories())
}

func TestReloadReplacesCategories(t *testing.T) {
	c := New([]string{"ssh"}, map[string][]string{"ssh": {"/etc/ssh/*"}})
	_, ok := c.Classify("/etc/firewall/rules.conf")
	require.False(t, ok)

	c.Reload([]string{"firewall"}, map[string][]string{"firewall": {"/etc/firewall/*"}})
	category, ok := c.Classify("/etc/firewall/rules.conf")
	require.True(t, ok)
	require.Equal(t, "firewall", category)
}

func TestGlobsDeduplicated(t *testing.T) {
	order := []string{"a", "b"}
	monitoring := map[string][]string{
		"a": {"/etc/x/*"},
		"b": {"/etc/x/*", "/etc/y/*"},
	}
	c := New(order, monitoring)
	require.ElementsMatch(t, []string{"/etc/x/*", "/etc/y/*"}, c.Globs())
}
