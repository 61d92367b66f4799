package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	validToken = "123456789:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	validChat  = "-1001234567890"
)

func writeSettings(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultLimit, cfg.Limit)
	assert.Equal(t, DefaultAPIBaseURL, cfg.APIBaseURL)
	assert.Equal(t, DefaultPollTimeout, cfg.PollTimeout)
	assert.Equal(t, DefaultSeenCapacity, cfg.SeenCapacity)
	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.ErrorIs(t, cfg.RequireCredentials(), ErrMissingCredentials)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := writeSettings(t, t.TempDir(), `{
		"historyToken": "`+validToken+`",
		"actionToken": "`+validToken+`",
		"chatId": "`+validChat+`",
		"limit": 20,
		"pollInterval": "1m30s",
		"pollJitter": 0,
		"vocabulary": "ru"
	}`)
	t.Setenv("RELAYNOTES_LIMIT", "75")
	t.Setenv("RELAYNOTES_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, validToken, cfg.HistoryToken)
	assert.Equal(t, validChat, cfg.ChatID)
	assert.Equal(t, 75, cfg.Limit)
	assert.Equal(t, 90*time.Second, cfg.PollInterval)
	assert.Equal(t, 0.0, cfg.PollJitter)
	assert.Equal(t, "ru", cfg.Vocabulary)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.NoError(t, cfg.RequireCredentials())
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	cases := map[string]string{
		"short token":     `{"actionToken": "123:abc"}`,
		"channel id":      `{"chatId": "12345"}`,
		"limit too large": `{"limit": 101}`,
		"limit zero":      `{"limit": 0}`,
		"unknown key":     `{"token": "x"}`,
		"bad duration":    `{"pollInterval": "soon"}`,
		"not json":        `{`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeSettings(t, t.TempDir(), body))
			assert.Error(t, err)
		})
	}
}

func TestEnvValuesObeySchema(t *testing.T) {
	t.Setenv("RELAYNOTES_CHAT_ID", "not-a-channel")
	_, err := Load("")
	assert.Error(t, err)
}

func TestEnvRejectsMalformedNumbers(t *testing.T) {
	t.Setenv("RELAYNOTES_LIMIT", "many")
	t.Setenv("RELAYNOTES_POLL_TIMEOUT", "forever")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RELAYNOTES_LIMIT")
	assert.Contains(t, err.Error(), "RELAYNOTES_POLL_TIMEOUT")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeSettings(t, dir, `{"limit": 10}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloaded := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, nil, func(cfg *Config) { reloaded <- cfg }) }()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	writeSettings(t, dir, `{"limit": 101}`)
	time.Sleep(2 * reloadDebounce)
	writeSettings(t, dir, `{"limit": 42}`)

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 42, cfg.Limit, "invalid edits must be skipped")
	case <-time.After(3 * time.Second):
		t.Fatalf("expected reload after settings change")
	}
	cancel()
	require.NoError(t, <-done)
}
