package app

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaynotes/internal/config"
	"github.com/agentworkforce/relaynotes/internal/notesync"
)

const testToken = "123456789:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

func setEnv(t *testing.T) {
	t.Helper()
	t.Setenv("RELAYNOTES_HISTORY_TOKEN", "")
	t.Setenv("RELAYNOTES_ACTION_TOKEN", testToken)
	t.Setenv("RELAYNOTES_CHAT_ID", "-1009876543210")
	t.Setenv("RELAYNOTES_SNAPSHOT", "memory://")
	t.Setenv("RELAYNOTES_LOG_LEVEL", "")
}

func TestNewBuildsColdEngine(t *testing.T) {
	setEnv(t)
	a, err := New(context.Background(), Options{Service: "test", LogLevel: "error"})
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, notesync.ModeCold, a.Engine.Mode())
	assert.Equal(t, notesync.StateIdle, a.Engine.State())
	assert.Equal(t, "-1009876543210", a.Config.ChatID)
	assert.NotNil(t, a.Registry)
}

func TestNewRequiresCredentials(t *testing.T) {
	setEnv(t)
	t.Setenv("RELAYNOTES_CHAT_ID", "")
	_, err := New(context.Background(), Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrMissingCredentials))
}

func TestNewRejectsUnknownSnapshotScheme(t *testing.T) {
	setEnv(t)
	t.Setenv("RELAYNOTES_SNAPSHOT", "ftp://somewhere/state")
	_, err := New(context.Background(), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open snapshot")
}

func TestNewRejectsBadLogLevel(t *testing.T) {
	setEnv(t)
	_, err := New(context.Background(), Options{LogLevel: "loud"})
	require.Error(t, err)
}

func TestCredentialsMapping(t *testing.T) {
	cfg := config.Default()
	cfg.HistoryToken = "h"
	cfg.ActionToken = "a"
	cfg.ChatID = "c"
	creds := Credentials(cfg)
	assert.Equal(t, "h", creds.HistoryToken)
	assert.Equal(t, "a", creds.ActionToken)
	assert.Equal(t, "c", creds.ChatID)
}
