package modes

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"privd/pkg/logger"
)

func TestCheckActionsDir(t *testing.T) {
	log := logger.WithField("component", "test")
	base := t.TempDir()

	private := filepath.Join(base, "private")
	require.NoError(t, os.Mkdir(private, 0755))
	require.NoError(t, os.Chmod(private, 0755))

	open := filepath.Join(base, "open")
	require.NoError(t, os.Mkdir(open, 0777))
	require.NoError(t, os.Chmod(open, 0777))

	file := filepath.Join(base, "file")
	require.NoError(t, os.WriteFile(file, nil, 0644))

	// a non-root owner is only a warning when not running as root
	assert.NoError(t, checkActionsDir(private, log))
	assert.Error(t, checkActionsDir(open, log))
	assert.Error(t, checkActionsDir(file, log))
	assert.Error(t, checkActionsDir(filepath.Join(base, "missing"), log))
}
