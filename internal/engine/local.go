package engine

import (
	"context"
	"database/sql"
	"errors"

	"github.com/bridgesync/bsync/internal/guid"
	"github.com/bridgesync/bsync/internal/storage"
	"github.com/bridgesync/bsync/internal/timestamp"
)

func nowTs() timestamp.Timestamp { return timestamp.Now() }
func nowMillis() int64           { return timestamp.Now().Millis() }

// ErrNotFound is returned by Get/Update/Delete for an unknown GUID.
var ErrNotFound = errors.New("record not found")

// Add inserts a new application record. The record's GUID must be
// fresh (use guid.New); the change counter starts at one so the next
// sync uploads it.
func (e *Engine[T]) Add(ctx context.Context, record T) error {
	if err := record.RecordID().Check(); err != nil {
		return err
	}
	raw, err := e.coll.EncodeLocal(record)
	if err != nil {
		return err
	}
	return e.store.Write(ctx, func(dao *storage.WriteDao) error {
		_, err := dao.Exec(`INSERT INTO `+e.table("data")+` (guid, record, sync_change_counter, scrubbed) VALUES (?, ?, 1, 0)`,
			string(record.RecordID()), raw)
		return err
	})
}

// Get returns one record by GUID.
func (e *Engine[T]) Get(ctx context.Context, id guid.Guid) (T, error) {
	var rec T
	err := e.store.Read(ctx, func(dao *storage.ReadDao) error {
		var raw []byte
		err := dao.QueryRow(`SELECT record FROM `+e.table("data")+` WHERE guid = ?`, string(id)).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		rec, err = e.coll.DecodeLocal(raw)
		return err
	})
	return rec, err
}

// List returns every readable local record. Scrubbed rows are skipped.
func (e *Engine[T]) List(ctx context.Context) ([]T, error) {
	var out []T
	err := e.store.Read(ctx, func(dao *storage.ReadDao) error {
		rows, err := dao.Query(`SELECT record FROM ` + e.table("data") + ` WHERE scrubbed = 0 ORDER BY guid`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			if err := dao.ErrIfInterrupted(); err != nil {
				return err
			}
			var raw []byte
			if err := rows.Scan(&raw); err != nil {
				return err
			}
			rec, err := e.coll.DecodeLocal(raw)
			if err != nil {
				continue
			}
			out = append(out, rec)
		}
		return rows.Err()
	})
	return out, err
}

// Update replaces a record's content and bumps its change counter.
func (e *Engine[T]) Update(ctx context.Context, record T) error {
	raw, err := e.coll.EncodeLocal(record)
	if err != nil {
		return err
	}
	return e.store.Write(ctx, func(dao *storage.WriteDao) error {
		res, err := dao.Exec(`UPDATE `+e.table("data")+` SET record = ?, sync_change_counter = sync_change_counter + 1 WHERE guid = ?`,
			raw, string(record.RecordID()))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Delete removes a local record. A tombstone row is written only when
// the mirror holds the record; without a server copy the tombstone
// would be a no-op upload.
func (e *Engine[T]) Delete(ctx context.Context, id guid.Guid) error {
	return e.store.Write(ctx, func(dao *storage.WriteDao) error {
		res, err := dao.Exec(`DELETE FROM `+e.table("data")+` WHERE guid = ?`, string(id))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		var one int
		err = dao.QueryRow(`SELECT 1 FROM `+e.table("mirror")+` WHERE guid = ?`, string(id)).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = dao.Exec(`INSERT INTO `+e.table("tombstones")+` (guid, time_deleted) VALUES (?, ?)`,
			string(id), nowMillis())
		return err
	})
}

// Scrub marks every row's secure content unavailable (key rotation).
// Rows stay listed as existing and are refilled from the server on the
// next sync.
func (e *Engine[T]) Scrub(ctx context.Context) error {
	return e.store.Write(ctx, func(dao *storage.WriteDao) error {
		_, err := dao.Exec(`UPDATE ` + e.table("data") + ` SET scrubbed = 1`)
		return err
	})
}

// Touch records one use of the record: times_used and time_last_used
// advance. Use counts sync like any other change, so the change
// counter bumps too.
func (e *Engine[T]) Touch(ctx context.Context, id guid.Guid) error {
	rec, err := e.Get(ctx, id)
	if err != nil {
		return err
	}
	meta := rec.Metadata()
	meta.TimesUsed++
	meta.TimeLastUsed = nowTs()
	return e.Update(ctx, rec.WithMetadata(meta))
}
