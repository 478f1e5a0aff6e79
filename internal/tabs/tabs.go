// Package tabs syncs the open-tabs collection. Tabs have no history to
// merge: each device's record wholly replaces its previous one, so
// apply swaps the remote table for the staged rows and upload is a
// single record describing this device.
package tabs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/bridgesync/bsync/internal/bso"
	"github.com/bridgesync/bsync/internal/engine"
	"github.com/bridgesync/bsync/internal/guid"
	"github.com/bridgesync/bsync/internal/storage"
	"github.com/bridgesync/bsync/internal/timestamp"
)

// Tab records stay useful for three weeks; after that the server
// expires them rather than showing stale devices.
const recordTTL uint32 = 21 * 24 * 60 * 60

const collName = "tabs"

// Tab is one open tab. URLHistory[0] is the current URL.
type Tab struct {
	Title      string   `json:"title"`
	URLHistory []string `json:"urlHistory"`
	Icon       string   `json:"icon,omitempty"`
	// LastUsed is seconds since the epoch, per the wire format.
	LastUsed int64 `json:"lastUsed"`
}

// ClientRecord is the per-device wire record.
type ClientRecord struct {
	ID         guid.Guid `json:"id"`
	ClientName string    `json:"clientName"`
	Tabs       []Tab     `json:"tabs"`
}

// RemoteClient is one other device's tabs, named via client data.
type RemoteClient struct {
	ClientID     string
	DeviceName   string
	DeviceType   string
	Tabs         []Tab
	LastModified timestamp.Timestamp
}

// Engine drives the tabs collection. Local tabs live in memory (the
// browser owns them); remote tabs persist across restarts.
type Engine struct {
	store *storage.Store

	mu         sync.Mutex
	localTabs  []Tab
	clientData engine.ClientData
}

// New opens the tabs engine over store, creating its tables.
func New(store *storage.Store) (*Engine, error) {
	e := &Engine{store: store}
	err := store.Write(context.Background(), func(dao *storage.WriteDao) error {
		stmts := []string{
			`CREATE TABLE IF NOT EXISTS tabs_remote (
				client_id TEXT PRIMARY KEY,
				record BLOB NOT NULL,
				server_modified INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS tabs_staging (
				client_id TEXT PRIMARY KEY,
				record BLOB NOT NULL,
				server_modified INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS sync_meta (
				coll TEXT NOT NULL,
				key TEXT NOT NULL,
				value TEXT NOT NULL,
				PRIMARY KEY (coll, key)
			)`,
		}
		for _, q := range stmts {
			if _, err := dao.Exec(q); err != nil {
				return fmt.Errorf("create tabs tables: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// SetLocalTabs replaces this device's tab list ahead of the next sync.
func (e *Engine) SetLocalTabs(tabs []Tab) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.localTabs = tabs
}

// PrepareForSync hands the engine the host's client data, used to name
// remote devices and to recognize our own record.
func (e *Engine) PrepareForSync(data engine.ClientData) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clientData = data
}

// --- sync_meta helpers, keyed under the tabs collection ---

func (e *Engine) metaGet(dao *storage.ReadDao, key string) (string, bool, error) {
	var v string
	err := dao.QueryRow(`SELECT value FROM sync_meta WHERE coll = ? AND key = ?`, collName, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (e *Engine) metaPut(dao *storage.WriteDao, key, value string) error {
	_, err := dao.Exec(`INSERT OR REPLACE INTO sync_meta (coll, key, value) VALUES (?, ?, ?)`, collName, key, value)
	return err
}

func (e *Engine) metaDel(dao *storage.WriteDao, key string) error {
	_, err := dao.Exec(`DELETE FROM sync_meta WHERE coll = ? AND key = ?`, collName, key)
	return err
}

const (
	metaLastSync   = "last_sync_ms"
	metaCollSyncID = "coll_sync_id"
)

// LastSync returns the timestamp of the last successful sync.
func (e *Engine) LastSync(ctx context.Context) (timestamp.Timestamp, error) {
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

// SetLastSync persists the last-sync timestamp.
func (e *Engine) SetLastSync(ctx context.Context, ts timestamp.Timestamp) error {
	return e.store.Write(ctx, func(dao *storage.WriteDao) error {
		return e.metaPut(dao, metaLastSync, fmt.Sprintf("%d", ts.Millis()))
	})
}

// ResetSyncID assigns a fresh sync id, resetting local sync state.
func (e *Engine) ResetSyncID(ctx context.Context) (string, error) {
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
	return id, nil
}

// EnsureCurrentSyncID adopts the server's sync id, resetting on a
// mismatch.
func (e *Engine) EnsureCurrentSyncID(ctx context.Context, id string) (string, error) {
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

// SyncStarted clears any staged rows from a previous sync.
func (e *Engine) SyncStarted(ctx context.Context) error {
	return e.store.Write(ctx, func(dao *storage.WriteDao) error {
		_, err := dao.Exec(`DELETE FROM tabs_staging`)
		return err
	})
}

// StoreIncoming stages every decodable device record.
func (e *Engine) StoreIncoming(ctx context.Context, incoming []bso.IncomingBso) (engine.IncomingTelemetry, error) {
	var tel engine.IncomingTelemetry
	err := e.store.Write(ctx, func(dao *storage.WriteDao) error {
		for i := range incoming {
			if err := dao.ErrIfInterrupted(); err != nil {
				return err
			}
			b := &incoming[i]
			decoded := bso.DecodeIncoming[ClientRecord](b)
			if decoded.Kind != bso.KindContent {
				// Tombstones mean a device disconnected; dropping the
				// staged row drops its tabs at apply.
				if decoded.Kind == bso.KindMalformed {
					tel.Failed++
				}
				continue
			}
			raw, err := json.Marshal(decoded.Record)
			if err != nil {
				return err
			}
			if _, err := dao.Exec(
				`INSERT OR REPLACE INTO tabs_staging (client_id, record, server_modified) VALUES (?, ?, ?)`,
				string(b.ID), raw, b.Modified.Millis(),
			); err != nil {
				return err
			}
			tel.Applied++
		}
		return nil
	})
	return tel, err
}

// Apply replaces the remote-tabs table with the staged rows and
// returns this device's record for upload. An empty staging table
// leaves remote tabs untouched, so a no-op sync loses nothing.
func (e *Engine) Apply(ctx context.Context) ([]bso.OutgoingBso, error) {
	e.mu.Lock()
	localTabs := append([]Tab(nil), e.localTabs...)
	data := e.clientData
	e.mu.Unlock()

	err := e.store.Write(ctx, func(dao *storage.WriteDao) error {
		var staged int
		if err := dao.QueryRow(`SELECT COUNT(*) FROM tabs_staging`).Scan(&staged); err != nil {
			return err
		}
		if staged == 0 {
			return nil
		}
		if _, err := dao.Exec(`DELETE FROM tabs_remote`); err != nil {
			return err
		}
		_, err := dao.Exec(`INSERT INTO tabs_remote (client_id, record, server_modified)
			SELECT client_id, record, server_modified FROM tabs_staging
			WHERE client_id != ?`, data.LocalClientID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if data.LocalClientID == "" {
		return nil, nil
	}
	name := data.LocalClientID
	if d, ok := data.RecentClients[data.LocalClientID]; ok && d.DeviceName != "" {
		name = d.DeviceName
	}
	record := ClientRecord{
		ID:         guid.Guid(data.LocalClientID),
		ClientName: name,
		Tabs:       localTabs,
	}
	ttl := recordTTL
	out, err := bso.EncodeOutgoing(bso.OutgoingEnvelope{ID: record.ID, TTL: &ttl}, record)
	if err != nil {
		return nil, err
	}
	return []bso.OutgoingBso{out}, nil
}

// SetUploaded records the server timestamp after our record went up.
func (e *Engine) SetUploaded(ctx context.Context, ts timestamp.Timestamp) error {
	return e.SetLastSync(ctx, ts)
}

// SyncFinished drops the staged rows.
func (e *Engine) SyncFinished(ctx context.Context) error {
	return e.SyncStarted(ctx)
}

// RemoteTabs lists every other device's tabs, named via client data.
func (e *Engine) RemoteTabs(ctx context.Context) ([]RemoteClient, error) {
	e.mu.Lock()
	data := e.clientData
	e.mu.Unlock()

	var out []RemoteClient
	err := e.store.Read(ctx, func(dao *storage.ReadDao) error {
		rows, err := dao.Query(`SELECT client_id, record, server_modified FROM tabs_remote ORDER BY client_id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			var raw []byte
			var ms int64
			if err := rows.Scan(&id, &raw, &ms); err != nil {
				return err
			}
			var rec ClientRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				continue
			}
			client := RemoteClient{
				ClientID:     id,
				DeviceName:   rec.ClientName,
				Tabs:         rec.Tabs,
				LastModified: timestamp.FromMillis(ms),
			}
			if d, ok := data.RecentClients[id]; ok {
				if d.DeviceName != "" {
					client.DeviceName = d.DeviceName
				}
				client.DeviceType = d.DeviceType
			}
			out = append(out, client)
		}
		return rows.Err()
	})
	return out, err
}

// Reset forgets all server state. Local (in-memory) tabs are the
// browser's, so only remote rows and sync metadata go.
func (e *Engine) Reset(ctx context.Context) error {
	return e.store.Write(ctx, func(dao *storage.WriteDao) error {
		return e.resetInTx(dao)
	})
}

func (e *Engine) resetInTx(dao *storage.WriteDao) error {
	for _, q := range []string{`DELETE FROM tabs_staging`, `DELETE FROM tabs_remote`} {
		if _, err := dao.Exec(q); err != nil {
			return err
		}
	}
	if err := e.metaDel(dao, metaLastSync); err != nil {
		return err
	}
	return e.metaDel(dao, metaCollSyncID)
}

// Wipe is Reset; there is no local table to clear.
func (e *Engine) Wipe(ctx context.Context) error {
	return e.Reset(ctx)
}
