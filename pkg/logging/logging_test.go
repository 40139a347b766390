package logging_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/illmade-knight/go-homeflow/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesConsoleAndFile(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer

	logger, closer, err := logging.New(logging.Config{Dir: dir, File: "hives.log", Level: "debug", Console: &console})
	require.NoError(t, err)

	logger.Debug().Str("device", "leopard").Msg("executing command")
	require.NoError(t, closer.Close())

	assert.Contains(t, console.String(), "executing command")
	content, err := os.ReadFile(filepath.Join(dir, "hives.log"))
	require.NoError(t, err)
	assert.Contains(t, string(content), `"device":"leopard"`)
}

func TestNew_LevelFilters(t *testing.T) {
	var console bytes.Buffer
	logger, _, err := logging.New(logging.Config{Level: "WARN", Console: &console})
	require.NoError(t, err)

	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")
	assert.NotContains(t, console.String(), "hidden")
	assert.Contains(t, console.String(), "shown")
}

func TestNew_InvalidLevel(t *testing.T) {
	_, _, err := logging.New(logging.Config{Level: "chatty"})
	assert.Error(t, err)
}
