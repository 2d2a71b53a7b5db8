package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateDefault(t *testing.T) {
	cfg := GenerateDefault()

	assert.Equal(t, "1.0", cfg.Version)
	assert.Equal(t, ".", cfg.WorkDir)
	assert.Equal(t, ".hermes", cfg.StateDir)

	assert.Equal(t, []string{"claude", "-p"}, cfg.Executor.Cmd)
	assert.Equal(t, 600, cfg.Executor.TimeoutS)
	assert.Equal(t, 30, cfg.Executor.VerifyWindowS)
	assert.Equal(t, 262144, cfg.Executor.OutputMaxBytes)

	assert.True(t, cfg.Refiner.Enabled)
	assert.Equal(t, "OPENAI_API_KEY", cfg.Refiner.APIKeyEnv)
	assert.Equal(t, "gpt-4o-mini", cfg.Refiner.Model)

	assert.True(t, cfg.Channels.Maildir.Enabled)
	assert.False(t, cfg.Channels.Chat.Enabled)

	assert.Equal(t, 600, cfg.Dedup.WindowS)
	assert.Equal(t, 3, cfg.Reply.MaxAttempts)
	assert.Equal(t, 1000, cfg.Reply.BackoffMs)

	// The defaults must validate
	assert.NoError(t, cfg.Validate())
}

func TestValidateMissingVersion(t *testing.T) {
	cfg := GenerateDefault()
	cfg.Version = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version")
	assert.Contains(t, err.Error(), "Hint:")
}

func TestValidateEmptyExecutorCmd(t *testing.T) {
	cfg := GenerateDefault()
	cfg.Executor.Cmd = nil

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "executor.cmd")
}

func TestValidateNonPositiveTimeout(t *testing.T) {
	cfg := GenerateDefault()
	cfg.Executor.TimeoutS = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout_s")
}

func TestValidateNoChannelEnabled(t *testing.T) {
	cfg := GenerateDefault()
	cfg.Channels.Maildir.Enabled = false
	cfg.Channels.Chat.Enabled = false

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no channel enabled")
}

func TestValidateMaildirMissingDirs(t *testing.T) {
	cfg := GenerateDefault()
	cfg.Channels.Maildir.InboxDir = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inbox_dir")
}

func TestValidateChatMissingEndpoints(t *testing.T) {
	cfg := GenerateDefault()
	cfg.Channels.Maildir.Enabled = false
	cfg.Channels.Chat.Enabled = true
	cfg.Channels.Chat.SendURL = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send_url")
}

func TestValidateRefinerMissingModel(t *testing.T) {
	cfg := GenerateDefault()
	cfg.Refiner.Model = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model")
}

func TestValidateRefinerDisabledSkipsModelCheck(t *testing.T) {
	cfg := GenerateDefault()
	cfg.Refiner.Enabled = false
	cfg.Refiner.Model = ""

	assert.NoError(t, cfg.Validate())
}

func TestDurationHelpers(t *testing.T) {
	cfg := GenerateDefault()

	assert.Equal(t, 10*time.Minute, cfg.ExecTimeout())
	assert.Equal(t, 30*time.Second, cfg.VerifyWindow())
	assert.Equal(t, 10*time.Minute, cfg.DedupWindow())
	assert.Equal(t, time.Second, cfg.ReplyBackoff())
	assert.Equal(t, 5*time.Second, cfg.Channels.Maildir.PollInterval())
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hermes.json")

	cfg := GenerateDefault()
	cfg.Channels.Chat.Enabled = true
	require.NoError(t, cfg.SaveToFile(path))

	// 0600 permissions
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hermes.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
}
