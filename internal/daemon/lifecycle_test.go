package daemon

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleManagerStartStop(t *testing.T) {
	tmpDir := filepath.Join(t.TempDir(), "data")
	lm := NewLifecycleManager(tmpDir, zerolog.Nop())
	assert.Equal(t, filepath.Join(tmpDir, PIDFileName), lm.PIDFile())

	require.NoError(t, lm.Start())
	_, err := os.Stat(lm.PIDFile())
	assert.NoError(t, err)

	pid, err := lm.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, lm.IsRunning())

	require.NoError(t, lm.Stop())
	_, err = os.Stat(lm.PIDFile())
	assert.True(t, os.IsNotExist(err))
	assert.False(t, lm.IsRunning())

	// Stopping twice is harmless.
	assert.NoError(t, lm.Stop())
}

func TestLifecycleManagerRefusesLiveOwner(t *testing.T) {
	tmpDir := t.TempDir()
	lm := NewLifecycleManager(tmpDir, zerolog.Nop())

	// pid 1 is alive and is not us.
	require.NoError(t, os.WriteFile(lm.PIDFile(), []byte("1"), 0o644))
	if os.Getpid() == 1 || !processAlive(1) {
		t.Skip("pid 1 not visible")
	}
	assert.Error(t, lm.Start())
}

func TestLifecycleManagerInvalidPIDFile(t *testing.T) {
	tmpDir := t.TempDir()
	lm := NewLifecycleManager(tmpDir, zerolog.Nop())

	require.NoError(t, os.WriteFile(lm.PIDFile(), []byte("not-a-pid"), 0o644))
	_, err := lm.GetPID()
	assert.Error(t, err)
	assert.False(t, lm.IsRunning())

	_, err = lm.Signal(syscall.SIGTERM)
	assert.Error(t, err)

	// A stale or corrupt file does not block a new daemon.
	require.NoError(t, lm.Start())
	pid, err := lm.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}
