// Package backup snapshots the database file into object storage:
// zstd-compressed, optionally sealed with XChaCha20-Poly1305, named by
// capture time so the newest sorts last.
package backup

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	snapshotPrefix = "snapshots/"
	snapshotSuffix = ".snap"

	flagSealed byte = 1
)

// magic marks a snapshot blob; version bumps on format changes.
var magic = []byte{'B', 'S', 'N', 'P', 1}

var (
	// ErrBadSnapshot means the blob is not a snapshot or is corrupt.
	ErrBadSnapshot = errors.New("malformed snapshot")

	// ErrKeyRequired means the snapshot is sealed and the manager has
	// no key, or the key does not open it.
	ErrKeyRequired = errors.New("snapshot is sealed")
)

// Manager writes and restores snapshots. A nil key stores snapshots
// compressed but unencrypted.
type Manager struct {
	store ObjectStore
	key   []byte
	log   *slog.Logger
	now   func() time.Time
}

// NewManager validates the optional 32-byte key.
func NewManager(store ObjectStore, key []byte, log *slog.Logger) (*Manager, error) {
	if key != nil && len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("backup key must be %d bytes", chacha20poly1305.KeySize)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{store: store, key: key, log: log, now: time.Now}, nil
}

// Snapshot captures the file at dbPath and uploads it, returning the
// snapshot name. The caller must quiesce the database first (close the
// store or checkpoint it) so the file is consistent.
func (m *Manager) Snapshot(ctx context.Context, dbPath string) (string, error) {
	data, err := os.ReadFile(dbPath)
	if err != nil {
		return "", fmt.Errorf("read database: %w", err)
	}
	blob, err := m.encode(data)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("%020d%s", m.now().UnixMilli(), snapshotSuffix)
	if err := m.store.Put(ctx, snapshotPrefix+name, blob); err != nil {
		return "", err
	}
	m.log.Info("snapshot uploaded", "name", name, "raw_bytes", len(data), "stored_bytes", len(blob))
	return name, nil
}

// Restore downloads the named snapshot and writes it to destPath. An
// empty name restores the latest.
func (m *Manager) Restore(ctx context.Context, name, destPath string) error {
	if name == "" {
		var err error
		name, err = m.Latest(ctx)
		if err != nil {
			return err
		}
	}
	blob, err := m.store.Get(ctx, snapshotPrefix+name)
	if err != nil {
		return err
	}
	data, err := m.decode(blob)
	if err != nil {
		return err
	}
	tmp := destPath + ".restore"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, destPath); err != nil {
		os.Remove(tmp)
		return err
	}
	m.log.Info("snapshot restored", "name", name, "dest", destPath)
	return nil
}

// List returns snapshot names, oldest first.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	keys, err := m.store.List(ctx, snapshotPrefix)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, k := range keys {
		k = strings.TrimPrefix(k, snapshotPrefix)
		if strings.HasSuffix(k, snapshotSuffix) {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Latest returns the newest snapshot name.
func (m *Manager) Latest(ctx context.Context) (string, error) {
	names, err := m.List(ctx)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", ErrNotFound
	}
	return names[len(names)-1], nil
}

// Prune deletes all but the newest keep snapshots.
func (m *Manager) Prune(ctx context.Context, keep int) (int, error) {
	names, err := m.List(ctx)
	if err != nil {
		return 0, err
	}
	if keep < 0 || len(names) <= keep {
		return 0, nil
	}
	doomed := names[:len(names)-keep]
	for _, name := range doomed {
		if err := m.store.Delete(ctx, snapshotPrefix+name); err != nil {
			return 0, err
		}
	}
	return len(doomed), nil
}

func (m *Manager) encode(data []byte) ([]byte, error) {
	zw, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	compressed := zw.EncodeAll(data, nil)
	zw.Close()

	flags := byte(0)
	body := compressed
	if m.key != nil {
		flags |= flagSealed
		aead, err := chacha20poly1305.NewX(m.key)
		if err != nil {
			return nil, err
		}
		nonce := make([]byte, chacha20poly1305.NonceSizeX)
		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return nil, err
		}
		body = aead.Seal(nonce, nonce, compressed, magic)
	}

	out := make([]byte, 0, len(magic)+1+len(body))
	out = append(out, magic...)
	out = append(out, flags)
	return append(out, body...), nil
}

func (m *Manager) decode(blob []byte) ([]byte, error) {
	if len(blob) < len(magic)+1 || string(blob[:len(magic)]) != string(magic) {
		return nil, ErrBadSnapshot
	}
	flags := blob[len(magic)]
	body := blob[len(magic)+1:]

	if flags&flagSealed != 0 {
		if m.key == nil {
			return nil, ErrKeyRequired
		}
		if len(body) < chacha20poly1305.NonceSizeX {
			return nil, ErrBadSnapshot
		}
		aead, err := chacha20poly1305.NewX(m.key)
		if err != nil {
			return nil, err
		}
		nonce, sealed := body[:chacha20poly1305.NonceSizeX], body[chacha20poly1305.NonceSizeX:]
		body, err = aead.Open(nil, nonce, sealed, magic)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyRequired, err)
		}
	}

	zr, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	data, err := zr.DecodeAll(body, nil)
	if err != nil {
		return nil, ErrBadSnapshot
	}
	return data, nil
}
