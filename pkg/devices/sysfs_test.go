package devices

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSysfsPin(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "gpio17"), 0o755))

	pin, err := openSysfsPin(root, 17)
	require.NoError(t, err)

	direction, err := os.ReadFile(filepath.Join(root, "gpio17", "direction"))
	require.NoError(t, err)
	assert.Equal(t, "out", string(direction))

	require.NoError(t, pin.Set(true))
	value, err := os.ReadFile(filepath.Join(root, "gpio17", "value"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(value))

	require.NoError(t, pin.Close())
	value, err = os.ReadFile(filepath.Join(root, "gpio17", "value"))
	require.NoError(t, err)
	assert.Equal(t, "0", string(value))
	unexport, err := os.ReadFile(filepath.Join(root, "unexport"))
	require.NoError(t, err)
	assert.Equal(t, "17", string(unexport))
}
