package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprintbot/sprintbot/internal/config"
)

func TestWriteSetupConfigRoundTrips(t *testing.T) {
	home := t.TempDir()
	t.Setenv("SPRINTBOT_HOME", home)
	cfg := config.DefaultConfig(home)

	answers := setupAnswers{
		BaseURL:      "https://tracker.example.com",
		Project:      "AAP",
		Component:    "platform",
		User:         "jdoe",
		DisplayName:  "Jane Doe",
		StartHour:    8,
		EndHour:      16,
		WeekdaysOnly: true,
		Timezone:     "UTC",
		AgentBin:     "cursor-agent",
	}
	require.NoError(t, writeSetupConfig(cfg, answers))

	loaded, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "https://tracker.example.com", loaded.TrackerBaseURL)
	assert.Equal(t, "AAP", loaded.TrackerProject)
	assert.Equal(t, "platform", loaded.TrackerComponent)
	assert.Equal(t, "jdoe", loaded.TrackerUser)
	assert.Equal(t, "Jane Doe", loaded.TrackerDisplayName)
	assert.Equal(t, 8, loaded.WorkingHours.StartHour)
	assert.Equal(t, 16, loaded.WorkingHours.EndHour)
	assert.True(t, loaded.WorkingHours.WeekdaysOnly)
	assert.Equal(t, "UTC", loaded.WorkingHours.Timezone)
	assert.Equal(t, "cursor-agent", loaded.AgentBin)
	assert.NoError(t, loaded.ValidateDaemon())
}

func TestWriteSetupConfigPreservesUnmanagedSections(t *testing.T) {
	home := t.TempDir()
	cfg := config.DefaultConfig(home)
	require.NoError(t, os.WriteFile(cfg.ConfigPath(),
		[]byte("[intervals]\ncheck_seconds = 45\n"), 0o644))

	answers := setupAnswers{
		BaseURL:   "https://tracker.example.com",
		Project:   "AAP",
		StartHour: 9,
		EndHour:   17,
		Timezone:  "Local",
		AgentBin:  "cursor-agent",
	}
	require.NoError(t, writeSetupConfig(cfg, answers))

	var doc map[string]any
	_, err := toml.DecodeFile(cfg.ConfigPath(), &doc)
	require.NoError(t, err)

	intervals, ok := doc["intervals"].(map[string]any)
	require.True(t, ok, "intervals section survived")
	assert.EqualValues(t, 45, intervals["check_seconds"])

	tracker, ok := doc["tracker"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "AAP", tracker["project"])

	// Optional answers left empty are not written at all.
	_, hasUser := tracker["user"]
	assert.False(t, hasUser)
	_, hasComponent := tracker["component"]
	assert.False(t, hasComponent)
}

func TestWriteEnvTokenUpserts(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path,
		[]byte("OLLAMA_URL=http://localhost:11434\nSPRINTBOT_TRACKER_TOKEN=old\n"), 0o600))

	require.NoError(t, writeEnvToken(path, "new-token"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "OLLAMA_URL=http://localhost:11434")
	assert.Contains(t, content, "SPRINTBOT_TRACKER_TOKEN=new-token")
	assert.Equal(t, 1, strings.Count(content, "SPRINTBOT_TRACKER_TOKEN="),
		"old token line replaced, not duplicated")
}

func TestWriteEnvTokenCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, writeEnvToken(path, "tok"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "SPRINTBOT_TRACKER_TOKEN=tok\n", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLockPIDPrefersPidFile(t *testing.T) {
	home := t.TempDir()
	cfg := config.DefaultConfig(home)
	require.NoError(t, os.WriteFile(cfg.LockPath(), []byte("111\n"), 0o644))
	require.NoError(t, os.WriteFile(cfg.PIDPath(), []byte("222\n"), 0o644))

	pid, err := lockPID(cfg)
	require.NoError(t, err)
	assert.Equal(t, 222, pid)

	require.NoError(t, os.Remove(cfg.PIDPath()))
	pid, err = lockPID(cfg)
	require.NoError(t, err)
	assert.Equal(t, 111, pid)
}
