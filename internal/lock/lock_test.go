package lock

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRecordsPID(t *testing.T) {
	path := PathFor(filepath.Join(t.TempDir(), "journal.db"))
	l, err := Acquire(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Release() })

	pid, err := Owner(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.Equal(t, path, l.Path())
}

func TestAcquireHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "conduit.lock")
	l, err := Acquire(path)
	require.NoError(t, err)

	// flock locks are per open file description, so a second open in the
	// same process contends.
	_, err = Acquire(path)
	require.ErrorIs(t, err, ErrHeld)

	require.NoError(t, l.Release())
	require.NoError(t, l.Release())

	l2, err := Acquire(path)
	require.NoError(t, err)
	assert.NoError(t, l2.Release())
}

func TestAcquireEmptyPath(t *testing.T) {
	_, err := Acquire("")
	assert.Error(t, err)
}
