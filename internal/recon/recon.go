// Package recon decides what to do with each incoming record given the
// local copy and the mirror (last-synced) copy.
//
// Reconcile is a pure function of the (incoming, local, mirror) triple:
// record content merging is delegated to the collection's Merger, and
// the caller supplies duplicate-lookup results up front, so the chosen
// action never depends on batch order.
package recon

import (
	"log/slog"

	"github.com/bridgesync/bsync/internal/bso"
	"github.com/bridgesync/bsync/internal/guid"
	"github.com/bridgesync/bsync/internal/timestamp"
)

// Metadata is carried by every synced record type.
type Metadata struct {
	TimeCreated      timestamp.Timestamp `json:"timeCreated"`
	TimeLastUsed     timestamp.Timestamp `json:"timeLastUsed"`
	TimeLastModified timestamp.Timestamp `json:"timeLastModified"`
	TimesUsed        int64               `json:"timesUsed"`
}

// Record is the capability set the reconciler needs from a collection's
// record type. Implementations are value types; With* return copies.
type Record[T any] interface {
	RecordID() guid.Guid
	Metadata() Metadata
	WithMetadata(Metadata) T
	WithID(guid.Guid) T
}

// MergeResult is what a collection's merge function produces: the same
// record carried forward (possibly materially changed), or a fork that
// must live under a fresh GUID.
type MergeResult[T any] struct {
	Forked bool
	Record T
}

// Merger is the per-collection content merge. It receives the two
// diverging copies and the common ancestor (nil on first contact) and
// never touches metadata; the metadata merge below runs independently.
type Merger[T any] interface {
	Merge(incoming, local T, mirror *T) MergeResult[T]
}

// LocalKind classifies the local row for one incoming GUID.
type LocalKind int

const (
	LocalMissing LocalKind = iota
	// LocalUnmodified exists with sync_change_counter == 0.
	LocalUnmodified
	// LocalModified exists with sync_change_counter > 0.
	LocalModified
	// LocalScrubbed exists but its secure content was wiped (key
	// rotation); the server copy refills it.
	LocalScrubbed
	// LocalTombstone is a local deletion awaiting upload.
	LocalTombstone
)

// LocalRecord describes the local side. Record is valid for
// Unmodified/Modified/Scrubbed.
type LocalRecord[T any] struct {
	Kind   LocalKind
	Record T
}

// IncomingState is everything known about one GUID during an apply
// pass. Dupe is the local duplicate found under a different GUID, only
// consulted when Local.Kind is LocalMissing.
type IncomingState[T any] struct {
	ID       guid.Guid
	Incoming bso.IncomingContent[T]
	Local    LocalRecord[T]
	Mirror   *T
	Dupe     *T
}

// ActionKind enumerates the reconciler's verdicts.
type ActionKind int

const (
	DoNothing ActionKind = iota
	DeleteLocalRecord
	Insert
	Update
	Fork
	UpdateLocalGuid
	ResurrectLocalTombstone
	ResurrectRemoteTombstone
)

func (k ActionKind) String() string {
	switch k {
	case DoNothing:
		return "do-nothing"
	case DeleteLocalRecord:
		return "delete-local"
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Fork:
		return "fork"
	case UpdateLocalGuid:
		return "update-local-guid"
	case ResurrectLocalTombstone:
		return "resurrect-local-tombstone"
	case ResurrectRemoteTombstone:
		return "resurrect-remote-tombstone"
	}
	return "unknown"
}

// Action is the reconciler's output for one record.
//
//   - DeleteLocalRecord: Guid names the doomed local row.
//   - Insert/Update/Resurrect*: Record is the row to write. WasMerged
//     on Update means local content survived the merge and must be
//     re-uploaded.
//   - Fork: Record is the incoming copy (kept under Guid); Forked is
//     the old local content under a fresh GUID, to be uploaded.
//   - UpdateLocalGuid: OldGuid names the duplicate row to rename.
type Action[T any] struct {
	Kind      ActionKind
	Guid      guid.Guid
	Record    T
	Forked    *T
	OldGuid   guid.Guid
	WasMerged bool
}

// Reconcile maps one IncomingState to an Action. newGuid supplies
// fork identifiers; production passes guid.New.
func Reconcile[T Record[T]](st IncomingState[T], merger Merger[T], newGuid func() guid.Guid) Action[T] {
	switch st.Incoming.Kind {
	case bso.KindMalformed:
		slog.Warn("skipping malformed incoming record", "id", st.ID)
		return Action[T]{Kind: DoNothing}
	case bso.KindTombstone:
		return reconcileTombstone(st)
	default:
		return reconcileContent(st, merger, newGuid)
	}
}

func reconcileTombstone[T Record[T]](st IncomingState[T]) Action[T] {
	switch st.Local.Kind {
	case LocalUnmodified, LocalScrubbed:
		return Action[T]{Kind: DeleteLocalRecord, Guid: st.ID}
	case LocalModified:
		// The server deleted a record we changed; our copy wins and
		// goes back up.
		return Action[T]{Kind: ResurrectRemoteTombstone, Guid: st.ID, Record: st.Local.Record}
	default:
		// Already gone locally (tombstone or missing).
		return Action[T]{Kind: DoNothing}
	}
}

func reconcileContent[T Record[T]](st IncomingState[T], merger Merger[T], newGuid func() guid.Guid) Action[T] {
	inc := st.Incoming.Record

	switch st.Local.Kind {
	case LocalUnmodified, LocalScrubbed:
		meta := MergeMetadata(st.Local.Record.Metadata(), inc.Metadata(), mirrorMeta(st.Mirror))
		// Server content wins wholesale; only metadata merges, so no
		// re-upload is owed.
		return Action[T]{Kind: Update, Guid: st.ID, Record: inc.WithMetadata(meta)}

	case LocalModified:
		meta := MergeMetadata(st.Local.Record.Metadata(), inc.Metadata(), mirrorMeta(st.Mirror))
		res := merger.Merge(inc, st.Local.Record, st.Mirror)
		if res.Forked {
			forked := res.Record.WithID(newGuid())
			return Action[T]{
				Kind:   Fork,
				Guid:   st.ID,
				Record: inc.WithMetadata(meta),
				Forked: &forked,
			}
		}
		return Action[T]{Kind: Update, Guid: st.ID, Record: res.Record.WithMetadata(meta), WasMerged: true}

	case LocalTombstone:
		// We deleted it, the server still has it. The server wins.
		return Action[T]{Kind: ResurrectLocalTombstone, Guid: st.ID, Record: inc}

	default: // LocalMissing
		if st.Dupe != nil {
			dupe := *st.Dupe
			meta := MergeMetadata(dupe.Metadata(), inc.Metadata(), mirrorMeta(st.Mirror))
			return Action[T]{
				Kind:    UpdateLocalGuid,
				Guid:    st.ID,
				OldGuid: dupe.RecordID(),
				Record:  inc.WithMetadata(meta),
			}
		}
		return Action[T]{Kind: Insert, Guid: st.ID, Record: inc}
	}
}

func mirrorMeta[T Record[T]](mirror *T) *Metadata {
	if mirror == nil {
		return nil
	}
	m := (*mirror).Metadata()
	return &m
}

// MergeMetadata combines record metadata three ways: creation time is
// the earliest seen, use/modify times the latest, and use counts are
// summed as deltas against the mirror so a count is never applied
// twice. Without a mirror the larger absolute count wins, which avoids
// double-counting across a disconnect.
func MergeMetadata(local, incoming Metadata, mirror *Metadata) Metadata {
	out := Metadata{
		TimeCreated:      minTs(local.TimeCreated, incoming.TimeCreated),
		TimeLastUsed:     maxTs(local.TimeLastUsed, incoming.TimeLastUsed),
		TimeLastModified: maxTs(local.TimeLastModified, incoming.TimeLastModified),
	}
	if mirror != nil {
		out.TimeCreated = minTs(out.TimeCreated, mirror.TimeCreated)
		out.TimeLastUsed = maxTs(out.TimeLastUsed, mirror.TimeLastUsed)
		out.TimeLastModified = maxTs(out.TimeLastModified, mirror.TimeLastModified)
		out.TimesUsed = mirror.TimesUsed +
			max64(incoming.TimesUsed-mirror.TimesUsed, 0) +
			max64(local.TimesUsed-mirror.TimesUsed, 0)
	} else {
		out.TimesUsed = max64(incoming.TimesUsed, local.TimesUsed)
	}
	return out
}

func minTs(a, b timestamp.Timestamp) timestamp.Timestamp {
	// Zero means "never recorded", not 1970.
	if a == 0 {
		return b
	}
	if b == 0 {
		return a
	}
	if a < b {
		return a
	}
	return b
}

func maxTs(a, b timestamp.Timestamp) timestamp.Timestamp {
	if a > b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
