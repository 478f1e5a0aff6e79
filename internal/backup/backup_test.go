package backup

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	// failures counts down: while positive, every call errors.
	failures int
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}}
}

func (m *memStore) maybeFail() error {
	if m.failures > 0 {
		m.failures--
		return errors.New("transient")
	}
	return nil
}

func (m *memStore) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.maybeFail(); err != nil {
		return nil, err
	}
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *memStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.maybeFail(); err != nil {
		return nil, err
	}
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

func (m *memStore) Put(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.maybeFail(); err != nil {
		return err
	}
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.maybeFail(); err != nil {
		return err
	}
	delete(m.objects, key)
	return nil
}

func testKey() []byte {
	k := make([]byte, 32)
	for i := range k {
		k[i] = byte(i * 3)
	}
	return k
}

func writeDBFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, os.WriteFile(path, content, 0o600))
	return path
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	store := newMemStore()
	m, err := NewManager(store, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	content := bytes.Repeat([]byte("sqlite page data "), 1000)
	dbPath := writeDBFile(t, content)

	name, err := m.Snapshot(ctx, dbPath)
	require.NoError(t, err)
	require.NotEmpty(t, name)

	stored := store.objects[snapshotPrefix+name]
	require.NotNil(t, stored)
	assert.Less(t, len(stored), len(content), "snapshot should compress repetitive pages")

	dest := filepath.Join(t.TempDir(), "restored.db")
	require.NoError(t, m.Restore(ctx, name, dest))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestSealedSnapshotNeedsTheKey(t *testing.T) {
	store := newMemStore()
	sealed, err := NewManager(store, testKey(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	dbPath := writeDBFile(t, []byte("secret db"))
	name, err := sealed.Snapshot(ctx, dbPath)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(store.objects[snapshotPrefix+name], []byte("secret db")))

	plain, err := NewManager(store, nil, nil)
	require.NoError(t, err)
	dest := filepath.Join(t.TempDir(), "out.db")
	require.ErrorIs(t, plain.Restore(ctx, name, dest), ErrKeyRequired)

	wrongKey := testKey()
	wrongKey[0] ^= 0xff
	wrong, err := NewManager(store, wrongKey, nil)
	require.NoError(t, err)
	require.ErrorIs(t, wrong.Restore(ctx, name, dest), ErrKeyRequired)

	require.NoError(t, sealed.Restore(ctx, name, dest))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret db"), got)
}

func TestRestoreLatestAndPrune(t *testing.T) {
	store := newMemStore()
	m, err := NewManager(store, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	base := time.UnixMilli(1_700_000_000_000)
	for i := 0; i < 4; i++ {
		i := i
		m.now = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		_, err := m.Snapshot(ctx, writeDBFile(t, []byte{byte(i)}))
		require.NoError(t, err)
	}

	names, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, names, 4)

	// Empty name restores the newest.
	dest := filepath.Join(t.TempDir(), "latest.db")
	require.NoError(t, m.Restore(ctx, "", dest))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, []byte{3}, got)

	n, err := m.Prune(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	names, err = m.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, len(names))

	// The latest survived pruning.
	require.NoError(t, m.Restore(ctx, "", dest))
}

func TestCorruptBlobRejected(t *testing.T) {
	store := newMemStore()
	m, err := NewManager(store, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	store.objects[snapshotPrefix+"00000000000000000001.snap"] = []byte("junk")
	err = m.Restore(ctx, "00000000000000000001.snap", filepath.Join(t.TempDir(), "x.db"))
	require.ErrorIs(t, err, ErrBadSnapshot)
}

func TestRetryableStoreRetriesTransientErrors(t *testing.T) {
	store := newMemStore()
	store.objects["snapshots/a.snap"] = []byte("x")
	store.failures = 2

	r := NewRetryableStore(store, RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1})
	data, err := r.Get(context.Background(), "snapshots/a.snap")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), data)
}

func TestRetryableStoreDoesNotRetryNotFound(t *testing.T) {
	store := newMemStore()
	r := NewRetryableStore(store, RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1})

	_, err := r.Get(context.Background(), "snapshots/missing.snap")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRetryableStoreGivesUpAfterMaxAttempts(t *testing.T) {
	store := newMemStore()
	store.failures = 100
	r := NewRetryableStore(store, RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1})

	err := r.Put(context.Background(), "snapshots/a.snap", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
}
