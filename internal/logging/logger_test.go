package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func configureForTest(t *testing.T, s Settings) {
	t.Helper()
	require.NoError(t, Configure(s))
	t.Cleanup(func() {
		CloseAll()
		_ = Configure(Settings{})
	})
}

func TestDisabledByDefault(t *testing.T) {
	configureForTest(t, Settings{})

	assert.False(t, IsDebugMode())
	assert.False(t, IsCategoryEnabled(CategorySession))

	// No-op loggers never panic.
	Get(CategorySession).Info("this goes nowhere")
	Session("neither does this")
}

func TestWritesCategoryFiles(t *testing.T) {
	dir := t.TempDir()
	configureForTest(t, Settings{DebugMode: true, Level: "debug", Dir: dir})

	Session("session message %d", 1)
	Stream("stream message")

	matches, err := filepath.Glob(filepath.Join(dir, "*_session.log"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "session message 1")
	assert.NotContains(t, string(data), "stream message")

	matches, err = filepath.Glob(filepath.Join(dir, "*_stream.log"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestCategoryFiltering(t *testing.T) {
	dir := t.TempDir()
	configureForTest(t, Settings{
		DebugMode:  true,
		Level:      "debug",
		Dir:        dir,
		Categories: map[string]bool{"merge": false},
	})

	assert.True(t, IsCategoryEnabled(CategoryStream))
	assert.False(t, IsCategoryEnabled(CategoryMerge))

	Merge("filtered out")
	matches, err := filepath.Glob(filepath.Join(dir, "*_merge.log"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestLevelFiltering(t *testing.T) {
	dir := t.TempDir()
	configureForTest(t, Settings{DebugMode: true, Level: "warn", Dir: dir})

	logger := Get(CategoryStream)
	logger.Debug("too quiet")
	logger.Info("still too quiet")
	logger.Warn("loud enough")
	logger.Error("always heard")
	CloseAll()

	matches, err := filepath.Glob(filepath.Join(dir, "*_stream.log"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)

	content := string(data)
	assert.NotContains(t, content, "too quiet")
	assert.Contains(t, content, "loud enough")
	assert.Contains(t, content, "always heard")
	assert.True(t, strings.Contains(content, "[WARN]") && strings.Contains(content, "[ERROR]"))
}

func TestDebugModeRequiresDir(t *testing.T) {
	err := Configure(Settings{DebugMode: true})
	assert.Error(t, err)
	_ = Configure(Settings{})
}
