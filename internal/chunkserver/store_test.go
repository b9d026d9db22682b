package chunkserver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "chunk_server_1")
	store, err := NewStore(dir, filepath.Join(dir, "backup"), DefaultPlaceholder)
	require.NoError(t, err)
	return store
}

func TestStore_RoundTrip(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, "a.txt"))
	content, err := store.Read("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "File created", content)

	require.NoError(t, store.Write("a.txt", "hi"))
	content, err = store.Read("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hi", content)

	backup, err := os.ReadFile(filepath.Join(store.backupDir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "File created", string(backup))

	require.NoError(t, store.Delete("a.txt"))
	_, err = store.Read("a.txt")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete("a.txt"), ErrNotFound)

	assert.Zero(t, store.locks.size())
}

func TestStore_ReadMissingHasNoSideEffect(t *testing.T) {
	store := setupStore(t)

	_, err := store.Read("ghost.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = os.Stat(filepath.Join(store.Dir(), "ghost.txt"))
	assert.True(t, os.IsNotExist(err))
	names, err := store.Names()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestStore_WriteWithoutOriginal(t *testing.T) {
	store := setupStore(t)

	err := store.Write("new.txt", "content")
	assert.ErrorIs(t, err, ErrCopyFailed)

	_, statErr := os.Stat(filepath.Join(store.Dir(), "new.txt"))
	assert.True(t, os.IsNotExist(statErr), "original must be left untouched")
}

func TestStore_CheckedOutName(t *testing.T) {
	store := setupStore(t)
	require.NoError(t, store.Create(context.Background(), "a.txt"))

	release, ok := store.locks.tryAcquire("a.txt")
	require.True(t, ok)
	assert.True(t, store.CheckedOut("a.txt"))

	t.Run("Contending operations are rejected", func(t *testing.T) {
		assert.ErrorIs(t, store.Write("a.txt", "x"), ErrLocked)
		_, err := store.Read("a.txt")
		assert.ErrorIs(t, err, ErrLocked)
		assert.ErrorIs(t, store.Delete("a.txt"), ErrLocked)
	})

	t.Run("Unrelated names proceed", func(t *testing.T) {
		require.NoError(t, store.Create(context.Background(), "b.txt"))
		require.NoError(t, store.Write("b.txt", "y"))
		content, err := store.Read("b.txt")
		require.NoError(t, err)
		assert.Equal(t, "y", content)
	})

	release()
	release()
	assert.False(t, store.CheckedOut("a.txt"))

	require.NoError(t, store.Write("a.txt", "after"))
	content, err := store.Read("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "after", content)
	assert.Zero(t, store.locks.size())
}

func TestStore_CreateWaitsForLock(t *testing.T) {
	store := setupStore(t)

	release, ok := store.locks.tryAcquire("a.txt")
	require.True(t, ok)

	t.Run("Bounded by the context", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		err := store.Create(ctx, "a.txt")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("Proceeds once released", func(t *testing.T) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			release()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, store.Create(ctx, "a.txt"))
	})

	assert.Zero(t, store.locks.size())
}

func TestStore_ConcurrentWrites(t *testing.T) {
	store := setupStore(t)
	require.NoError(t, store.Create(context.Background(), "shared.txt"))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		written int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Write("shared.txt", "data")
			if err != nil && !errors.Is(err, ErrLocked) {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if err == nil {
				mu.Lock()
				written++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, written, 1)
	assert.False(t, store.CheckedOut("shared.txt"))
	require.NoError(t, store.Write("shared.txt", "final"))
}

func TestStore_InvalidNames(t *testing.T) {
	store := setupStore(t)

	for _, name := range []string{"", ".", "..", "../escape", "dir/file", "a:b"} {
		assert.ErrorIs(t, store.Create(context.Background(), name), ErrInvalidName, name)
		assert.ErrorIs(t, store.Write(name, "x"), ErrInvalidName, name)
		_, err := store.Read(name)
		assert.ErrorIs(t, err, ErrInvalidName, name)
		assert.ErrorIs(t, store.Delete(name), ErrInvalidName, name)
	}
}

func TestStore_Names(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, "b.txt"))
	require.NoError(t, store.Create(ctx, "a.txt"))
	require.NoError(t, store.Write("a.txt", "x"))

	names, err := store.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b.txt"}, names, "backup directory is not listed")
}

func TestLoadConfig(t *testing.T) {
	t.Run("Repository config", func(t *testing.T) {
		config, err := LoadConfig("../../configs/chunkserver-config.yml")
		require.NoError(t, err)
		assert.NotEmpty(t, config.Server.MasterAddress)
		assert.NotZero(t, config.Server.HeartbeatInterval)
	})

	t.Run("Defaults and derived paths", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "cs.yml")
		require.NoError(t, os.WriteFile(path, []byte("server:\n  id: 3\n  data_dir: /srv/gfs\n"), 0644))

		config, err := LoadConfig(path)
		require.NoError(t, err)
		require.NoError(t, config.Validate())
		assert.Equal(t, 6001, config.Server.Port)
		assert.Equal(t, "127.0.0.1:5011", config.Server.MasterAddress)
		assert.Equal(t, "/srv/gfs/chunk_server_3", config.ServerDir())
		assert.Equal(t, "/srv/gfs/chunk_server_3/backup", config.BackupDir())
		assert.Equal(t, 3*time.Second, config.HeartbeatInterval())
		assert.Equal(t, 120*time.Second, config.RequestTimeout())
		assert.Equal(t, DefaultPlaceholder, config.Storage.Placeholder)
	})

	t.Run("Missing id", func(t *testing.T) {
		config := &Config{}
		config.SetDefaults()
		err := config.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "server.id")
	})

	t.Run("Missing file", func(t *testing.T) {
		_, err := LoadConfig("/this/path/does/not/exist/config.yaml")
		assert.Error(t, err)
	})
}
