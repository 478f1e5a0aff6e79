// Package engine implements the bridged-engine protocol: staging
// incoming BSOs, applying them through the reconciler inside one write
// transaction, producing outgoing records, and tracking per-collection
// sync IDs and the last-sync timestamp.
//
// One Engine serves one collection. All state lives in four tables
// named after the collection (data, mirror, tombstones, staging) plus
// the shared sync_meta key/value table.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/bridgesync/bsync/internal/bso"
	"github.com/bridgesync/bsync/internal/guid"
	"github.com/bridgesync/bsync/internal/recon"
	"github.com/bridgesync/bsync/internal/storage"
	"github.com/bridgesync/bsync/internal/timestamp"
)

var (
	// ErrNoCurrentSync means an operation needed a collection sync id
	// but none is set; call EnsureCurrentSyncID first.
	ErrNoCurrentSync = errors.New("no current sync id")

	// ErrScrubbed is returned (wrapped) by Collection.DecodeLocal when
	// the row exists but its secure content is unavailable. The row is
	// refilled from the server instead of merged.
	ErrScrubbed = errors.New("local record content scrubbed")
)

// Collection supplies the per-collection behavior the generic engine
// cannot know: the record shape codec, the three-way content merge,
// and duplicate detection.
type Collection[T recon.Record[T]] interface {
	// Name prefixes the collection's tables and keys sync_meta rows.
	Name() string

	// Merge resolves diverging content; see recon.Merger.
	Merge(incoming, local T, mirror *T) recon.MergeResult[T]

	// FindDupe returns the one local record whose semantic key fields
	// match incoming, or nil. Returned records always carry a GUID
	// different from incoming's.
	FindDupe(incoming T, locals []T) *T

	// EncodeLocal/DecodeLocal convert a record to and from its stored
	// form. DecodeLocal returns ErrScrubbed (wrapped), along with the
	// readable remainder of the record, when secure fields cannot be
	// recovered.
	EncodeLocal(record T) ([]byte, error)
	DecodeLocal(data []byte) (T, error)
}

// IncomingTelemetry counts what happened to staged records.
type IncomingTelemetry struct {
	Applied    int
	Failed     int
	Reconciled int
}

// ApplyResults is what Apply hands back to the sync driver.
type ApplyResults struct {
	Outgoing []bso.OutgoingBso
	// NumReconciled counts records that needed a content merge.
	NumReconciled int
	Telemetry     IncomingTelemetry
}

// Engine drives one collection through the staged-apply sync cycle.
type Engine[T recon.Record[T]] struct {
	store   *storage.Store
	coll    Collection[T]
	log     *slog.Logger
	newGuid func() guid.Guid
}

// New wires an engine to its store and collection. A nil logger uses
// the default slog handler.
func New[T recon.Record[T]](store *storage.Store, coll Collection[T], log *slog.Logger) (*Engine[T], error) {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine[T]{store: store, coll: coll, log: log.With("collection", coll.Name()), newGuid: guid.New}
	if err := store.Write(context.Background(), func(dao *storage.WriteDao) error {
		return e.migrate(dao)
	}); err != nil {
		return nil, err
	}
	return e, nil
}

// Store exposes the underlying dual-connection store (for interrupt
// handles and host reads).
func (e *Engine[T]) Store() *storage.Store { return e.store }

func (e *Engine[T]) table(suffix string) string {
	return e.coll.Name() + "_" + suffix
}

func (e *Engine[T]) migrate(dao *storage.WriteDao) error {
	n := e.coll.Name()
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_data (
			guid TEXT PRIMARY KEY,
			record BLOB NOT NULL,
			sync_change_counter INTEGER NOT NULL DEFAULT 0,
			scrubbed INTEGER NOT NULL DEFAULT 0
		)`, n),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_mirror (
			guid TEXT PRIMARY KEY,
			record BLOB NOT NULL,
			server_modified INTEGER NOT NULL
		)`, n),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_tombstones (
			guid TEXT PRIMARY KEY,
			time_deleted INTEGER NOT NULL
		)`, n),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_staging (
			guid TEXT PRIMARY KEY,
			payload TEXT,
			kind INTEGER NOT NULL,
			server_modified INTEGER NOT NULL
		)`, n),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_outgoing (
			guid TEXT PRIMARY KEY,
			change_counter INTEGER NOT NULL
		)`, n),
		`CREATE TABLE IF NOT EXISTS sync_meta (
			coll TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (coll, key)
		)`,
		// A GUID must never be live and deleted at once; catching it
		// here keeps the mistake an application error, not silent
		// corruption.
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s_no_dead_data
			BEFORE INSERT ON %s_tombstones
			WHEN EXISTS (SELECT 1 FROM %s_data WHERE guid = NEW.guid)
			BEGIN SELECT RAISE(ABORT, 'guid exists in data'); END`, n, n, n),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s_no_live_tombstone
			BEFORE INSERT ON %s_data
			WHEN EXISTS (SELECT 1 FROM %s_tombstones WHERE guid = NEW.guid)
			BEGIN SELECT RAISE(ABORT, 'guid exists in tombstones'); END`, n, n, n),
	}
	for _, q := range stmts {
		if _, err := dao.Exec(q); err != nil {
			return fmt.Errorf("create %s tables: %w", n, err)
		}
	}
	return nil
}

// --- sync_meta helpers ---

func (e *Engine[T]) metaGet(dao *storage.ReadDao, key string) (string, bool, error) {
	var v string
	err := dao.QueryRow(`SELECT value FROM sync_meta WHERE coll = ? AND key = ?`, e.coll.Name(), key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (e *Engine[T]) metaPut(dao *storage.WriteDao, key, value string) error {
	_, err := dao.Exec(`INSERT OR REPLACE INTO sync_meta (coll, key, value) VALUES (?, ?, ?)`,
		e.coll.Name(), key, value)
	return err
}

func (e *Engine[T]) metaDel(dao *storage.WriteDao, key string) error {
	_, err := dao.Exec(`DELETE FROM sync_meta WHERE coll = ? AND key = ?`, e.coll.Name(), key)
	return err
}

const (
	metaLastSync     = "last_sync_ms"
	metaGlobalSyncID = "global_sync_id"
	metaCollSyncID   = "coll_sync_id"
	metaClientData   = "client_data"
)

// LastSync returns the millisecond timestamp of the last successful
// sync, zero initially.
func (e *Engine[T]) LastSync(ctx context.Context) (timestamp.Timestamp, error) {
	var out timestamp.Timestamp
	err := e.store.Read(ctx, func(dao *storage.ReadDao) error {
		v, ok, err := e.metaGet(dao, metaLastSync)
		if err != nil || !ok {
			return err
		}
		var ms int64
		if _, err := fmt.Sscanf(v, "%d", &ms); err != nil {
			return fmt.Errorf("corrupt last_sync %q: %w", v, err)
		}
		out = timestamp.FromMillis(ms)
		return nil
	})
	return out, err
}

// SetLastSync persists the last-sync timestamp. Called repeatedly
// while a sync is in flight.
func (e *Engine[T]) SetLastSync(ctx context.Context, ts timestamp.Timestamp) error {
	return e.store.Write(ctx, func(dao *storage.WriteDao) error {
		return e.metaPut(dao, metaLastSync, fmt.Sprintf("%d", ts.Millis()))
	})
}

// SyncID returns the current collection sync id, or "" when
// disconnected.
func (e *Engine[T]) SyncID(ctx context.Context) (string, error) {
	var id string
	err := e.store.Read(ctx, func(dao *storage.ReadDao) error {
		v, _, err := e.metaGet(dao, metaCollSyncID)
		id = v
		return err
	})
	return id, err
}

// ResetSyncID generates a fresh sync id, clears all sync state the way
// Reset does, stores the new id and returns it.
func (e *Engine[T]) ResetSyncID(ctx context.Context) (string, error) {
	id := uuid.NewString()
	err := e.store.Write(ctx, func(dao *storage.WriteDao) error {
		if err := e.resetInTx(dao); err != nil {
			return err
		}
		return e.metaPut(dao, metaCollSyncID, id)
	})
	if err != nil {
		return "", err
	}
	e.log.Info("assigned new sync id", "sync_id", id)
	return id, nil
}

// EnsureCurrentSyncID adopts the server's sync id. A match keeps local
// state; a mismatch resets it, since mirror and timestamps describe a
// generation of server data that no longer exists.
func (e *Engine[T]) EnsureCurrentSyncID(ctx context.Context, id string) (string, error) {
	err := e.store.Write(ctx, func(dao *storage.WriteDao) error {
		current, ok, err := e.metaGet(&dao.ReadDao, metaCollSyncID)
		if err != nil {
			return err
		}
		if ok && current == id {
			return nil
		}
		if err := e.resetInTx(dao); err != nil {
			return err
		}
		return e.metaPut(dao, metaCollSyncID, id)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// SyncAssociation is the pair of sync ids tying this collection to a
// server generation. The zero value means Disconnected.
type SyncAssociation struct {
	GlobalSyncID string
	CollSyncID   string
}

// Connected reports whether both ids are present.
func (a SyncAssociation) Connected() bool {
	return a.GlobalSyncID != "" && a.CollSyncID != ""
}

// SyncAssociation returns the stored ids; Disconnected when either is
// missing.
func (e *Engine[T]) SyncAssociation(ctx context.Context) (SyncAssociation, error) {
	var out SyncAssociation
	err := e.store.Read(ctx, func(dao *storage.ReadDao) error {
		g, _, err := e.metaGet(dao, metaGlobalSyncID)
		if err != nil {
			return err
		}
		c, _, err := e.metaGet(dao, metaCollSyncID)
		if err != nil {
			return err
		}
		if g != "" && c != "" {
			out = SyncAssociation{GlobalSyncID: g, CollSyncID: c}
		}
		return nil
	})
	return out, err
}

// SetSyncAssociation stores both ids, or resets to Disconnected when
// handed the zero value.
func (e *Engine[T]) SetSyncAssociation(ctx context.Context, assoc SyncAssociation) error {
	return e.store.Write(ctx, func(dao *storage.WriteDao) error {
		if !assoc.Connected() {
			return e.resetInTx(dao)
		}
		if err := e.metaPut(dao, metaGlobalSyncID, assoc.GlobalSyncID); err != nil {
			return err
		}
		return e.metaPut(dao, metaCollSyncID, assoc.CollSyncID)
	})
}

// ClientData is handed to PrepareForSync by the host before a sync.
type ClientData struct {
	LocalClientID string                `json:"local_client_id"`
	RecentClients map[string]DeviceInfo `json:"recent_clients"`
}

// DeviceInfo describes one client the account has seen recently.
type DeviceInfo struct {
	DeviceName  string `json:"device_name"`
	DeviceType  string `json:"device_type"`
	FxaDeviceID string `json:"fxa_device_id"`
}
