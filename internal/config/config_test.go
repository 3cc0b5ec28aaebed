package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setTestEnv(t *testing.T) {
	t.Setenv("CALWATCH_CLIENT_ID", "client-id")
	t.Setenv("CALWATCH_CLIENT_SECRET", "client-secret")
	t.Setenv("CALWATCH_TENANT_ID", "tenant-id")
	t.Setenv("CALWATCH_REDIRECT_URL", "https://example.com/auth/callback")
	t.Setenv("CALWATCH_CLIENT_STATE", "shared-secret")
}

func writeConfigFile(t *testing.T, content string) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "calwatch.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	setTestEnv(t)
	path := writeConfigFile(t, `
[app]
public_url = "https://calwatch.example.com/"
port = 8080

[service]
state_file = "state/calwatch.db"
log_level = "debug"

[subscription]
resource = "/me/calendar/events"
ttl_hours = 12

[renewal]
schedule = "30 4 * * *"
timezone = "Europe/Brussels"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	// Trailing slash on the public URL is normalized away
	assert.Equal(t, "https://calwatch.example.com", cfg.App.PublicURL)
	assert.Equal(t, 8080, cfg.App.Port)
	assert.Equal(t, "debug", cfg.Service.LogLevel)
	assert.True(t, filepath.IsAbs(cfg.Service.StateFile))
	assert.Equal(t, "/me/calendar/events", cfg.Subscription.Resource)
	assert.Equal(t, 12*time.Hour, cfg.Subscription.TTL())
	assert.Equal(t, "30 4 * * *", cfg.Renewal.Schedule)
	assert.Equal(t, "Europe/Brussels", cfg.Renewal.Timezone)

	assert.Equal(t, "client-id", cfg.OAuth.ClientID)
	assert.Equal(t, "shared-secret", cfg.OAuth.ClientState)
}

func TestLoadDefaults(t *testing.T) {
	setTestEnv(t)
	path := writeConfigFile(t, `
[app]
public_url = "https://calwatch.example.com"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.App.Port)
	assert.Equal(t, "info", cfg.Service.LogLevel)
	assert.Equal(t, "/me/events", cfg.Subscription.Resource)
	assert.Equal(t, 24*time.Hour, cfg.Subscription.TTL())
	assert.Equal(t, "0 3 * * *", cfg.Renewal.Schedule)
	assert.Equal(t, "UTC", cfg.Renewal.Timezone)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		unset   string
		wantErr string
	}{
		{
			name:    "missing public URL",
			content: "[app]\nport = 8080\n",
			wantErr: "public_url",
		},
		{
			name:    "invalid port",
			content: "[app]\npublic_url = \"https://x.example.com\"\nport = 0\n",
			wantErr: "invalid port",
		},
		{
			name:    "relative resource path",
			content: "[app]\npublic_url = \"https://x.example.com\"\n[subscription]\nresource = \"me/events\"\n",
			wantErr: "absolute path",
		},
		{
			name:    "zero TTL",
			content: "[app]\npublic_url = \"https://x.example.com\"\n[subscription]\nttl_hours = 0\n",
			wantErr: "TTL",
		},
		{
			name:    "bad timezone",
			content: "[app]\npublic_url = \"https://x.example.com\"\n[renewal]\ntimezone = \"Mars/Olympus\"\n",
			wantErr: "timezone",
		},
		{
			name:    "missing client secret",
			content: "[app]\npublic_url = \"https://x.example.com\"\n",
			unset:   "CALWATCH_CLIENT_SECRET",
			wantErr: "CALWATCH_CLIENT_SECRET",
		},
		{
			name:    "missing client state",
			content: "[app]\npublic_url = \"https://x.example.com\"\n",
			unset:   "CALWATCH_CLIENT_STATE",
			wantErr: "CALWATCH_CLIENT_STATE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setTestEnv(t)
			if tt.unset != "" {
				t.Setenv(tt.unset, "")
			}
			path := writeConfigFile(t, tt.content)

			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	setTestEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}
