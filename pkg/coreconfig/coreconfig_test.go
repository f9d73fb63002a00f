package coreconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_FailureThresholdRoundTrips(t *testing.T) {
	dir := t.TempDir()
	providersPath := writeFile(t, dir, "providers_default.json", `[
		{"id": "mangadex", "name": "MangaDex", "enabled": true, "priority": 1}
	]`)
	runtimePath := writeFile(t, dir, "agent_runtime_config.json", `{
		"mangadex": {
			"enabled": true,
			"monitoring": {"enabled": true, "failure_threshold": 7}
		}
	}`)

	m := NewManager(providersPath, "", runtimePath, "")
	defaultCount, cloudflareCount, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, defaultCount)
	assert.Equal(t, 0, cloudflareCount)

	snap := m.Current()
	require.Contains(t, snap.Providers, "mangadex")
	require.Contains(t, snap.Runtime, "mangadex")
	assert.Equal(t, 7, snap.Runtime["mangadex"].Monitoring.FailureThreshold)
}

func TestLoad_MissingFailureThresholdDefaultsToZero(t *testing.T) {
	dir := t.TempDir()
	providersPath := writeFile(t, dir, "providers_default.json", `[]`)
	runtimePath := writeFile(t, dir, "agent_runtime_config.json", `{
		"mangadex": {"enabled": true}
	}`)

	m := NewManager(providersPath, "", runtimePath, "")
	_, _, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, 0, m.Current().Runtime["mangadex"].Monitoring.FailureThreshold)
}

func TestWatch_NotifiesOnLoad(t *testing.T) {
	dir := t.TempDir()
	providersPath := writeFile(t, dir, "providers_default.json", `[]`)

	m := NewManager(providersPath, "", "", "")
	var got *Snapshot
	id := m.Watch(func(s *Snapshot) { got = s })

	_, _, err := m.Load()
	require.NoError(t, err)
	require.NotNil(t, got)

	m.UnWatch(id)
	got = nil
	_, _, err = m.Load()
	require.NoError(t, err)
	assert.Nil(t, got)
}
