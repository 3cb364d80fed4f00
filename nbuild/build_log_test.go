package nbuild

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildLogPersistsCommands(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", ".nbuild_log.db")
	log, err := OpenBuildLog(path)
	require.NoError(t, err)

	cmd := &Command{Program: "cc", Args: []string{"-c", "a.c", "-o", "a.o"}, Output: "a.o"}
	require.NoError(t, log.RecordCommand(cmd, 10, 20, 12345))
	other := &Command{Program: "ar", Args: []string{"rcs", "libx.a", "a.o"}, Output: "libx.a"}
	require.NoError(t, log.RecordCommand(other, 20, 25, 999))
	require.NoError(t, log.Close())

	log, err = OpenBuildLog(path)
	require.NoError(t, err)
	defer log.Close()
	assert.Equal(t, path, log.Path())

	entry, ok := log.LookupByOutput("a.o")
	require.True(t, ok)
	assert.Equal(t, &LogEntry{Output: "a.o", CommandHash: cmd.Hash(), StartMs: 10, EndMs: 20, Mtime: 12345}, entry)

	entries := log.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "a.o", entries[0].Output)
	assert.Equal(t, "libx.a", entries[1].Output)
}

func TestBuildLogRecordReplaces(t *testing.T) {
	t.Parallel()
	log, err := OpenBuildLog(filepath.Join(t.TempDir(), "log.db"))
	require.NoError(t, err)
	defer log.Close()

	first := &Command{Program: "cc", Args: []string{"-O0"}, Output: "a.o"}
	second := &Command{Program: "cc", Args: []string{"-O2"}, Output: "a.o"}
	require.NoError(t, log.RecordCommand(first, 0, 1, 1))
	require.NoError(t, log.RecordCommand(second, 1, 2, 2))

	entry, ok := log.LookupByOutput("a.o")
	require.True(t, ok)
	assert.Equal(t, second.Hash(), entry.CommandHash)
	assert.Len(t, log.Entries(), 1)
}

func TestBuildLogRecompact(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "log.db")
	log, err := OpenBuildLog(path)
	require.NoError(t, err)
	for _, out := range []string{"a.o", "b.o", "c.o"} {
		require.NoError(t, log.RecordCommand(&Command{Program: "cc", Output: out}, 0, 1, 1))
	}

	removed, err := log.Recompact(func(output string) bool { return output != "b.o" })
	require.NoError(t, err)
	assert.Equal(t, []string{"b.o"}, removed)
	require.NoError(t, log.Close())

	log, err = OpenBuildLog(path)
	require.NoError(t, err)
	defer log.Close()
	_, ok := log.LookupByOutput("b.o")
	assert.False(t, ok)
	assert.Len(t, log.Entries(), 2)
}

func TestBuildLogExternalState(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "log.db")
	log, err := OpenBuildLog(path)
	require.NoError(t, err)

	_, ok, err := log.LoadExternal("zlib")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, log.RecordExternal("zlib", ExternalRecord{Stage: Built, TreeHash: "b3:abc"}))
	require.NoError(t, log.RecordExternal("zlib", ExternalRecord{Stage: Installed, TreeHash: "b3:abc"}))
	require.NoError(t, log.Close())

	log, err = OpenBuildLog(path)
	require.NoError(t, err)
	defer log.Close()
	rec, ok, err := log.LoadExternal("zlib")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ExternalRecord{Stage: Installed, TreeHash: "b3:abc"}, rec)
}

func TestMemoryStateStore(t *testing.T) {
	t.Parallel()
	store := NewMemoryStateStore()
	_, ok, err := store.LoadExternal("x")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, store.RecordExternal("x", ExternalRecord{Stage: Configured}))
	rec, ok, err := store.LoadExternal("x")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Configured, rec.Stage)
}
