package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(cfgPath, []byte(`
assistant:
  name: Bob
paths:
  data_dir: "`+dir+`"
vaults:
  shared:
    enabled: true
    path: /srv/vault
`), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "Bob", cfg.Assistant.Name)
	assert.Equal(t, filepath.Join(dir, "groups"), cfg.Paths.GroupsDir)
	assert.Equal(t, filepath.Join(dir, "kinshell.db"), cfg.Paths.StorePath)
	assert.Equal(t, filepath.Join(dir, "ipc"), cfg.IPCDir())
	assert.Equal(t, "cli", cfg.Sandbox.Runtime)
	assert.Equal(t, 5*time.Minute, MustDuration(cfg.Stranger.CacheTTL))
	assert.True(t, cfg.Vaults.Shared.Enabled)
	assert.Equal(t, "@daily", cfg.Quarantine.PurgeSchedule)
	assert.Equal(t, 500, cfg.Quarantine.Keep)
	assert.Equal(t, 30.0, cfg.IPC.SendPerMinute)
	assert.Equal(t, 10, cfg.IPC.SendBurst)
	assert.Equal(t, int64(50_000_000), MustByteSize(cfg.Transport.OutboxMaxSize))
	assert.Equal(t, 3, cfg.Transport.OutboxBackups)
}

func TestLoadFromBytes_Rejects(t *testing.T) {
	cases := map[string]string{
		"runtime":   "sandbox:\n  runtime: lxc\n",
		"timeout":   "sandbox:\n  timeout: forever\n",
		"max size":  "sandbox:\n  max_output: lots\n",
		"timezone":  "scheduler:\n  timezone: Mars/Olympus\n",
		"vault":     "vaults:\n  private:\n    enabled: true\n",
		"format":    "logging:\n  format: xml\n",
		"negative":  "ipc:\n  poll_interval: -1s\n",
		"transport": "transport:\n  kind: whatsapp\n",
		"purge":     "quarantine:\n  purge_schedule: sometimes\n",
		"burst":     "ipc:\n  send_burst: -1\n",
		"outbox":    "transport:\n  outbox_max_size: 0\n",
		"backups":   "transport:\n  outbox_backups: -2\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLocation(t *testing.T) {
	cfg, err := LoadFromBytes([]byte("scheduler:\n  timezone: UTC\n"))
	require.NoError(t, err)
	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}

func TestParseByteSize(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"123", 123},
		{"1KB", 1000},
		{"2MB", 2_000_000},
		{"3GB", 3_000_000_000},
		{"1KiB", 1024},
		{"2MiB", 2 * 1024 * 1024},
		{"3GiB", 3 * 1024 * 1024 * 1024},
		{"1_000", 1000},
		{"1.5MB", 1_500_000},
		{" 4 KiB ", 4096},
	}
	for _, tc := range cases {
		got, err := ParseByteSize(tc.in)
		if err != nil {
			t.Fatalf("ParseByteSize(%q) error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseByteSize(%q)=%d, want %d", tc.in, got, tc.want)
		}
	}
	for _, bad := range []string{"nope", "", "-1MB", "10XB"} {
		if _, err := ParseByteSize(bad); err == nil {
			t.Fatalf("expected error for invalid size %q", bad)
		}
	}
}

func TestMustByteSize(t *testing.T) {
	assert.Equal(t, int64(10_000_000), MustByteSize("10MB"))
	assert.Panics(t, func() { MustByteSize("ten") })
}
