package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bridgesync/bsync/internal/bso"
	"github.com/bridgesync/bsync/internal/guid"
	"github.com/bridgesync/bsync/internal/recon"
	"github.com/bridgesync/bsync/internal/storage"
	"github.com/bridgesync/bsync/internal/timestamp"
)

// PrepareForSync stores the host's client data where engines (the tabs
// engine in particular) can see it during the coming sync.
func (e *Engine[T]) PrepareForSync(ctx context.Context, data ClientData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return e.store.Write(ctx, func(dao *storage.WriteDao) error {
		return e.metaPut(dao, metaClientData, string(raw))
	})
}

// SyncStarted marks the beginning of a sync: staging and the outgoing
// bookkeeping from any previous (possibly aborted) sync are dropped.
func (e *Engine[T]) SyncStarted(ctx context.Context) error {
	return e.store.Write(ctx, func(dao *storage.WriteDao) error {
		return e.clearStaging(dao)
	})
}

func (e *Engine[T]) clearStaging(dao *storage.WriteDao) error {
	if _, err := dao.Exec(`DELETE FROM ` + e.table("staging")); err != nil {
		return err
	}
	_, err := dao.Exec(`DELETE FROM ` + e.table("outgoing"))
	return err
}

// StoreIncoming decodes envelopes and stages them. Malformed records
// are counted, never fatal. Multiple calls accumulate within a sync.
func (e *Engine[T]) StoreIncoming(ctx context.Context, incoming []bso.IncomingBso) (IncomingTelemetry, error) {
	var tel IncomingTelemetry
	err := e.store.Write(ctx, func(dao *storage.WriteDao) error {
		for i := range incoming {
			if err := dao.ErrIfInterrupted(); err != nil {
				return err
			}
			b := &incoming[i]
			decoded := bso.DecodeIncoming[T](b)
			if decoded.Kind == bso.KindMalformed {
				tel.Failed++
				// Still staged so a later sync_finished can account
				// for it; apply skips it.
			} else {
				tel.Applied++
			}
			_, err := dao.Exec(
				`INSERT OR REPLACE INTO `+e.table("staging")+` (guid, payload, kind, server_modified) VALUES (?, ?, ?, ?)`,
				string(b.ID), b.Payload, int(decoded.Kind), b.Modified.Millis(),
			)
			if err != nil {
				return fmt.Errorf("stage %s: %w", b.ID, err)
			}
		}
		return nil
	})
	return tel, err
}

type stagedRow struct {
	id       guid.Guid
	payload  string
	kind     bso.Kind
	modified timestamp.Timestamp
}

type localRow struct {
	raw      []byte
	counter  int64
	scrubbed bool
}

// Apply reconciles every staged row against local and mirror state,
// applies the resulting actions, and returns the records owed to the
// server. Runs in a single write transaction; on error nothing is
// committed and the staged batch survives for a retry.
func (e *Engine[T]) Apply(ctx context.Context) (ApplyResults, error) {
	var res ApplyResults
	err := e.store.Write(ctx, func(dao *storage.WriteDao) error {
		if _, ok, err := e.metaGet(&dao.ReadDao, metaCollSyncID); err != nil {
			return err
		} else if !ok {
			return ErrNoCurrentSync
		}
		staged, err := e.loadStaging(&dao.ReadDao)
		if err != nil {
			return err
		}
		locals, err := e.loadLocal(&dao.ReadDao)
		if err != nil {
			return err
		}
		mirror, err := e.loadMirror(&dao.ReadDao)
		if err != nil {
			return err
		}
		tombstones, err := e.loadTombstones(&dao.ReadDao)
		if err != nil {
			return err
		}

		// Dupe candidates: readable local records the server has never
		// seen under their current GUID.
		var candidates []T
		for id, row := range locals {
			if _, inMirror := mirror[id]; inMirror {
				continue
			}
			rec, derr := e.coll.DecodeLocal(row.raw)
			if derr != nil {
				continue
			}
			candidates = append(candidates, rec)
		}

		for _, st := range staged {
			if err := dao.ErrIfInterrupted(); err != nil {
				return err
			}
			if st.kind == bso.KindMalformed {
				res.Telemetry.Failed++
				continue
			}
			state, ok := e.buildState(st, locals, mirror, tombstones, candidates, &res.Telemetry)
			if !ok {
				continue
			}
			action := recon.Reconcile(state, e.coll, e.newGuid)
			if action.Kind == recon.Update && action.WasMerged || action.Kind == recon.Fork {
				res.NumReconciled++
			}
			if err := e.applyAction(dao, action); err != nil {
				e.log.Warn("failed to apply action", "action", action.Kind.String(), "id", st.id, "err", err)
				res.Telemetry.Failed++
				continue
			}
			if err := e.updateMirror(dao, st, state); err != nil {
				return err
			}
			res.Telemetry.Applied++
		}
		res.Telemetry.Reconciled = res.NumReconciled

		out, err := e.collectOutgoing(dao)
		if err != nil {
			return err
		}
		res.Outgoing = out
		return nil
	})
	if err != nil {
		return ApplyResults{}, err
	}
	return res, nil
}

func (e *Engine[T]) loadStaging(dao *storage.ReadDao) ([]stagedRow, error) {
	rows, err := dao.Query(`SELECT guid, COALESCE(payload, ''), kind, server_modified FROM ` + e.table("staging") + ` ORDER BY guid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []stagedRow
	for rows.Next() {
		var r stagedRow
		var id string
		var kind int
		var ms int64
		if err := rows.Scan(&id, &r.payload, &kind, &ms); err != nil {
			return nil, err
		}
		r.id = guid.Guid(id)
		r.kind = bso.Kind(kind)
		r.modified = timestamp.FromMillis(ms)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (e *Engine[T]) loadLocal(dao *storage.ReadDao) (map[guid.Guid]localRow, error) {
	rows, err := dao.Query(`SELECT guid, record, sync_change_counter, scrubbed FROM ` + e.table("data"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[guid.Guid]localRow{}
	for rows.Next() {
		var id string
		var r localRow
		if err := rows.Scan(&id, &r.raw, &r.counter, &r.scrubbed); err != nil {
			return nil, err
		}
		out[guid.Guid(id)] = r
	}
	return out, rows.Err()
}

func (e *Engine[T]) loadMirror(dao *storage.ReadDao) (map[guid.Guid][]byte, error) {
	rows, err := dao.Query(`SELECT guid, record FROM ` + e.table("mirror"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[guid.Guid][]byte{}
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		out[guid.Guid(id)] = raw
	}
	return out, rows.Err()
}

func (e *Engine[T]) loadTombstones(dao *storage.ReadDao) (map[guid.Guid]bool, error) {
	rows, err := dao.Query(`SELECT guid FROM ` + e.table("tombstones"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[guid.Guid]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[guid.Guid(id)] = true
	}
	return out, rows.Err()
}

// buildState assembles the reconciler input for one staged row. A
// false return means the row was skipped (and counted failed when that
// was an error rather than a no-op).
func (e *Engine[T]) buildState(
	st stagedRow,
	locals map[guid.Guid]localRow,
	mirrorRaw map[guid.Guid][]byte,
	tombstones map[guid.Guid]bool,
	candidates []T,
	tel *IncomingTelemetry,
) (recon.IncomingState[T], bool) {
	state := recon.IncomingState[T]{ID: st.id}

	if st.kind == bso.KindTombstone {
		state.Incoming = bso.IncomingContent[T]{Kind: bso.KindTombstone}
	} else {
		decoded := bso.DecodeIncoming[T](&bso.IncomingBso{ID: st.id, Modified: st.modified, Payload: st.payload})
		if decoded.Kind == bso.KindMalformed {
			tel.Failed++
			return state, false
		}
		state.Incoming = decoded
	}

	if row, ok := locals[st.id]; ok {
		rec, err := e.coll.DecodeLocal(row.raw)
		switch {
		case errors.Is(err, ErrScrubbed) || row.scrubbed:
			state.Local = recon.LocalRecord[T]{Kind: recon.LocalScrubbed, Record: rec}
		case err != nil:
			e.log.Warn("undecodable local record", "id", st.id, "err", err)
			tel.Failed++
			return state, false
		case row.counter > 0:
			state.Local = recon.LocalRecord[T]{Kind: recon.LocalModified, Record: rec}
		default:
			state.Local = recon.LocalRecord[T]{Kind: recon.LocalUnmodified, Record: rec}
		}
	} else if tombstones[st.id] {
		state.Local = recon.LocalRecord[T]{Kind: recon.LocalTombstone}
	} else {
		state.Local = recon.LocalRecord[T]{Kind: recon.LocalMissing}
		if state.Incoming.Kind == bso.KindContent {
			if dupe := e.coll.FindDupe(state.Incoming.Record, candidates); dupe != nil && (*dupe).RecordID() != st.id {
				state.Dupe = dupe
			}
		}
	}

	if raw, ok := mirrorRaw[st.id]; ok {
		if rec, err := e.coll.DecodeLocal(raw); err == nil {
			state.Mirror = &rec
		}
	}
	return state, true
}

func (e *Engine[T]) applyAction(dao *storage.WriteDao, a recon.Action[T]) error {
	data := e.table("data")
	switch a.Kind {
	case recon.DoNothing:
		return nil

	case recon.DeleteLocalRecord:
		_, err := dao.Exec(`DELETE FROM `+data+` WHERE guid = ?`, string(a.Guid))
		return err

	case recon.Insert:
		raw, err := e.coll.EncodeLocal(a.Record)
		if err != nil {
			return err
		}
		_, err = dao.Exec(`INSERT OR REPLACE INTO `+data+` (guid, record, sync_change_counter, scrubbed) VALUES (?, ?, 0, 0)`,
			string(a.Guid), raw)
		return err

	case recon.Update:
		raw, err := e.coll.EncodeLocal(a.Record)
		if err != nil {
			return err
		}
		counter := 0
		if a.WasMerged {
			counter = 1
		}
		_, err = dao.Exec(`UPDATE `+data+` SET record = ?, sync_change_counter = ?, scrubbed = 0 WHERE guid = ?`,
			raw, counter, string(a.Guid))
		return err

	case recon.Fork:
		forked := *a.Forked
		forkedRaw, err := e.coll.EncodeLocal(forked)
		if err != nil {
			return err
		}
		// The old local row moves to the forked GUID (mirror too, to
		// keep any server-unknown fields), then the incoming copy
		// takes over the original GUID.
		if _, err := dao.Exec(`UPDATE `+data+` SET guid = ?, record = ?, sync_change_counter = 1 WHERE guid = ?`,
			string(forked.RecordID()), forkedRaw, string(a.Guid)); err != nil {
			return err
		}
		if _, err := dao.Exec(`UPDATE `+e.table("mirror")+` SET guid = ? WHERE guid = ?`,
			string(forked.RecordID()), string(a.Guid)); err != nil {
			return err
		}
		incomingRaw, err := e.coll.EncodeLocal(a.Record)
		if err != nil {
			return err
		}
		_, err = dao.Exec(`INSERT OR REPLACE INTO `+data+` (guid, record, sync_change_counter, scrubbed) VALUES (?, ?, 0, 0)`,
			string(a.Guid), incomingRaw)
		return err

	case recon.UpdateLocalGuid:
		raw, err := e.coll.EncodeLocal(a.Record)
		if err != nil {
			return err
		}
		if _, err := dao.Exec(`UPDATE `+data+` SET guid = ?, record = ?, sync_change_counter = 0, scrubbed = 0 WHERE guid = ?`,
			string(a.Guid), raw, string(a.OldGuid)); err != nil {
			return err
		}
		_, err = dao.Exec(`UPDATE `+e.table("mirror")+` SET guid = ? WHERE guid = ?`,
			string(a.Guid), string(a.OldGuid))
		return err

	case recon.ResurrectLocalTombstone:
		if _, err := dao.Exec(`DELETE FROM `+e.table("tombstones")+` WHERE guid = ?`, string(a.Guid)); err != nil {
			return err
		}
		raw, err := e.coll.EncodeLocal(a.Record)
		if err != nil {
			return err
		}
		_, err = dao.Exec(`INSERT OR REPLACE INTO `+data+` (guid, record, sync_change_counter, scrubbed) VALUES (?, ?, 0, 0)`,
			string(a.Guid), raw)
		return err

	case recon.ResurrectRemoteTombstone:
		// Keep our copy and force it back up.
		_, err := dao.Exec(`UPDATE `+data+` SET sync_change_counter = MAX(sync_change_counter, 1) WHERE guid = ?`,
			string(a.Guid))
		return err
	}
	return fmt.Errorf("unhandled action %v", a.Kind)
}

// updateMirror records the server's latest known state for the staged
// row: content replaces the mirror copy, a tombstone removes it.
func (e *Engine[T]) updateMirror(dao *storage.WriteDao, st stagedRow, state recon.IncomingState[T]) error {
	mirror := e.table("mirror")
	if state.Incoming.Kind == bso.KindTombstone {
		_, err := dao.Exec(`DELETE FROM `+mirror+` WHERE guid = ?`, string(st.id))
		return err
	}
	raw, err := e.coll.EncodeLocal(state.Incoming.Record)
	if err != nil {
		return err
	}
	_, err = dao.Exec(`INSERT OR REPLACE INTO `+mirror+` (guid, record, server_modified) VALUES (?, ?, ?)`,
		string(st.id), raw, st.modified.Millis())
	return err
}

// collectOutgoing gathers every row owing an upload: changed records
// plus local tombstones. Each record's change counter is snapshotted
// into the outgoing table so set_uploaded can tell a confirmed upload
// apart from an edit made while the upload was in flight.
func (e *Engine[T]) collectOutgoing(dao *storage.WriteDao) ([]bso.OutgoingBso, error) {
	var out []bso.OutgoingBso

	type pending struct {
		id      string
		counter int64
	}
	var collected []pending

	rows, err := dao.Query(`SELECT guid, record, sync_change_counter FROM ` + e.table("data") + ` WHERE sync_change_counter > 0 AND scrubbed = 0 ORDER BY guid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var p pending
		var raw []byte
		if err := rows.Scan(&p.id, &raw, &p.counter); err != nil {
			return nil, err
		}
		rec, err := e.coll.DecodeLocal(raw)
		if err != nil {
			e.log.Warn("skipping unreadable outgoing record", "id", p.id, "err", err)
			continue
		}
		b, err := bso.EncodeOutgoing(bso.OutgoingEnvelope{ID: guid.Guid(p.id)}, rec)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
		collected = append(collected, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for _, p := range collected {
		if _, err := dao.Exec(`INSERT OR REPLACE INTO `+e.table("outgoing")+` (guid, change_counter) VALUES (?, ?)`, p.id, p.counter); err != nil {
			return nil, err
		}
	}

	trows, err := dao.Query(`SELECT guid FROM ` + e.table("tombstones") + ` ORDER BY guid`)
	if err != nil {
		return nil, err
	}
	defer trows.Close()
	for trows.Next() {
		var id string
		if err := trows.Scan(&id); err != nil {
			return nil, err
		}
		b, err := bso.NewTombstone(guid.Guid(id))
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, trows.Err()
}

// SetUploaded acknowledges ids the server confirmed: change counters
// drop by the amount that was collected, local content moves into the
// mirror, consumed tombstones disappear, and last-sync advances to the
// server's timestamp. A row edited after Apply collected it keeps a
// positive counter and goes out again next sync. Multiple calls
// accumulate within one sync.
func (e *Engine[T]) SetUploaded(ctx context.Context, ts timestamp.Timestamp, ids []guid.Guid) error {
	return e.store.Write(ctx, func(dao *storage.WriteDao) error {
		for _, id := range ids {
			if err := dao.ErrIfInterrupted(); err != nil {
				return err
			}
			var raw []byte
			err := dao.QueryRow(`SELECT record FROM `+e.table("data")+` WHERE guid = ?`, string(id)).Scan(&raw)
			switch {
			case err == nil:
				var staged int64
				serr := dao.QueryRow(`SELECT change_counter FROM `+e.table("outgoing")+` WHERE guid = ?`, string(id)).Scan(&staged)
				switch {
				case errors.Is(serr, sql.ErrNoRows):
					// Not collected this sync; trust the caller outright.
					if _, err := dao.Exec(`UPDATE `+e.table("data")+` SET sync_change_counter = 0 WHERE guid = ?`, string(id)); err != nil {
						return err
					}
				case serr != nil:
					return serr
				default:
					if _, err := dao.Exec(`UPDATE `+e.table("data")+` SET sync_change_counter = MAX(0, sync_change_counter - ?) WHERE guid = ?`,
						staged, string(id)); err != nil {
						return err
					}
				}
				if _, err := dao.Exec(`INSERT OR REPLACE INTO `+e.table("mirror")+` (guid, record, server_modified) VALUES (?, ?, ?)`,
					string(id), raw, ts.Millis()); err != nil {
					return err
				}
			case errors.Is(err, sql.ErrNoRows):
				// A tombstone upload: the deletion reached the server,
				// so both the marker and the mirror copy go away.
				if _, err := dao.Exec(`DELETE FROM `+e.table("tombstones")+` WHERE guid = ?`, string(id)); err != nil {
					return err
				}
				if _, err := dao.Exec(`DELETE FROM `+e.table("mirror")+` WHERE guid = ?`, string(id)); err != nil {
					return err
				}
			default:
				return err
			}
		}
		return e.metaPut(dao, metaLastSync, fmt.Sprintf("%d", ts.Millis()))
	})
}

// SyncFinished closes out the sync. Staging and upload bookkeeping are
// cleared; rows whose upload failed keep a positive change counter and
// go out again next sync.
func (e *Engine[T]) SyncFinished(ctx context.Context) error {
	return e.store.Write(ctx, func(dao *storage.WriteDao) error {
		return e.clearStaging(dao)
	})
}

// Reset forgets everything about the server while keeping user data:
// staging, mirror and timestamps clear, and every live row is marked
// for upload so the next sync restores it.
func (e *Engine[T]) Reset(ctx context.Context) error {
	return e.store.Write(ctx, func(dao *storage.WriteDao) error {
		return e.resetInTx(dao)
	})
}

func (e *Engine[T]) resetInTx(dao *storage.WriteDao) error {
	for _, table := range []string{"staging", "outgoing", "mirror", "tombstones"} {
		if _, err := dao.Exec(`DELETE FROM ` + e.table(table)); err != nil {
			return err
		}
	}
	if _, err := dao.Exec(`UPDATE ` + e.table("data") + ` SET sync_change_counter = 1`); err != nil {
		return err
	}
	if err := e.metaDel(dao, metaLastSync); err != nil {
		return err
	}
	if err := e.metaDel(dao, metaGlobalSyncID); err != nil {
		return err
	}
	return e.metaDel(dao, metaCollSyncID)
}

// Wipe resets and additionally deletes all local records.
func (e *Engine[T]) Wipe(ctx context.Context) error {
	return e.store.Write(ctx, func(dao *storage.WriteDao) error {
		if err := e.resetInTx(dao); err != nil {
			return err
		}
		_, err := dao.Exec(`DELETE FROM ` + e.table("data"))
		return err
	})
}
