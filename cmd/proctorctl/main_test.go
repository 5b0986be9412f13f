package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctor/internal/config"
	"proctor/internal/logging"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{5 << 20, "5.0 MB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatBytes(tt.in))
	}
}

func TestResolveConfigPathPrefersFlag(t *testing.T) {
	assert.Equal(t, "/etc/proctor.toml", resolveConfigPath("/etc/proctor.toml"))
}

func TestOpenJournal(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Journal.Enabled = false
	assert.Nil(t, openJournal(cfg, ""))

	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j := openJournal(cfg, path)
	require.NotNil(t, j)
	require.NoError(t, j.Record(t.Context(), logging.JournalEvent{
		EventType: logging.JournalViolation,
		Action:    "tab_switch",
		Result:    "success",
	}))
	require.NoError(t, j.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"tab_switch"`)
}

func TestWatchConfigMissingFile(t *testing.T) {
	assert.Nil(t, watchConfig(filepath.Join(t.TempDir(), "absent.toml"), logging.Discard()))
}
