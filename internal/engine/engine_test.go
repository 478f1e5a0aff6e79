package engine

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridgesync/bsync/internal/bso"
	"github.com/bridgesync/bsync/internal/guid"
	"github.com/bridgesync/bsync/internal/interrupt"
	"github.com/bridgesync/bsync/internal/recon"
	"github.com/bridgesync/bsync/internal/storage"
	"github.com/bridgesync/bsync/internal/timestamp"
)

type login struct {
	ID       guid.Guid `json:"id"`
	Origin   string    `json:"origin"`
	Username string    `json:"username"`
	Password string    `json:"password"`
	Meta     recon.Metadata `json:"meta"`
}

func (l login) RecordID() guid.Guid      { return l.ID }
func (l login) Metadata() recon.Metadata { return l.Meta }
func (l login) WithMetadata(m recon.Metadata) login {
	l.Meta = m
	return l
}
func (l login) WithID(id guid.Guid) login {
	l.ID = id
	return l
}

type loginColl struct{}

func (loginColl) Name() string { return "logins" }

func (loginColl) Merge(incoming, local login, mirror *login) recon.MergeResult[login] {
	if mirror != nil && incoming.Password != mirror.Password && local.Password != mirror.Password &&
		incoming.Password != local.Password {
		return recon.MergeResult[login]{Forked: true, Record: local}
	}
	merged := incoming
	if mirror != nil && incoming.Password == mirror.Password {
		merged.Password = local.Password
	}
	return recon.MergeResult[login]{Record: merged}
}

func (loginColl) FindDupe(incoming login, locals []login) *login {
	for i := range locals {
		if locals[i].Origin == incoming.Origin && locals[i].Username == incoming.Username {
			d := locals[i]
			return &d
		}
	}
	return nil
}

func (loginColl) EncodeLocal(record login) ([]byte, error) { return json.Marshal(record) }
func (loginColl) DecodeLocal(data []byte) (login, error) {
	var l login
	err := json.Unmarshal(data, &l)
	return l, err
}

func newTestEngine(t *testing.T) *Engine[login] {
	t.Helper()
	s, err := storage.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	e, err := New[login](s, loginColl{}, nil)
	require.NoError(t, err)
	return e
}

func connect(t *testing.T, e *Engine[login]) {
	t.Helper()
	_, err := e.EnsureCurrentSyncID(context.Background(), "sid-1")
	require.NoError(t, err)
}

func incomingLogin(t *testing.T, l login, modifiedMs int64) bso.IncomingBso {
	t.Helper()
	raw, err := json.Marshal(l)
	require.NoError(t, err)
	return bso.IncomingBso{ID: l.ID, Modified: timestamp.FromMillis(modifiedMs), Payload: string(raw)}
}

func incomingTombstone(id guid.Guid, modifiedMs int64) bso.IncomingBso {
	return bso.IncomingBso{ID: id, Modified: timestamp.FromMillis(modifiedMs), Payload: `{"deleted":true}`}
}

func stage(t *testing.T, e *Engine[login], bsos ...bso.IncomingBso) IncomingTelemetry {
	t.Helper()
	require.NoError(t, e.SyncStarted(context.Background()))
	tel, err := e.StoreIncoming(context.Background(), bsos)
	require.NoError(t, err)
	return tel
}

func changeCounter(t *testing.T, e *Engine[login], id guid.Guid) int64 {
	t.Helper()
	var n int64
	err := e.store.Read(context.Background(), func(dao *storage.ReadDao) error {
		return dao.QueryRow(`SELECT sync_change_counter FROM logins_data WHERE guid = ?`, string(id)).Scan(&n)
	})
	require.NoError(t, err)
	return n
}

func countRows(t *testing.T, e *Engine[login], table string) int {
	t.Helper()
	var n int
	err := e.store.Read(context.Background(), func(dao *storage.ReadDao) error {
		return dao.QueryRow(`SELECT COUNT(*) FROM logins_` + table).Scan(&n)
	})
	require.NoError(t, err)
	return n
}

func TestApplyWithoutSyncID(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Apply(context.Background())
	require.ErrorIs(t, err, ErrNoCurrentSync)
}

func TestIncomingInsertApplied(t *testing.T) {
	e := newTestEngine(t)
	connect(t, e)
	ctx := context.Background()

	inc := login{ID: "AAAAAAAAAAAA", Origin: "https://example.com", Username: "alice", Password: "p"}
	tel := stage(t, e, incomingLogin(t, inc, 1000))
	assert.Equal(t, 1, tel.Applied)

	res, err := e.Apply(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Outgoing, "a server record we never changed owes no upload")
	assert.Equal(t, 1, res.Telemetry.Applied)

	got, err := e.Get(ctx, "AAAAAAAAAAAA")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.EqualValues(t, 0, changeCounter(t, e, "AAAAAAAAAAAA"))
	assert.Equal(t, 1, countRows(t, e, "mirror"))
}

func TestLocalAddUploadCycle(t *testing.T) {
	e := newTestEngine(t)
	connect(t, e)
	ctx := context.Background()

	l := login{ID: guid.New(), Origin: "https://example.com", Username: "bob", Password: "s3cret"}
	require.NoError(t, e.Add(ctx, l))
	assert.EqualValues(t, 1, changeCounter(t, e, l.ID))

	stage(t, e)
	res, err := e.Apply(ctx)
	require.NoError(t, err)
	require.Len(t, res.Outgoing, 1)
	assert.Equal(t, l.ID, res.Outgoing[0].ID)
	assert.NotContains(t, res.Outgoing[0].Payload, `"id"`, "the envelope owns the id")

	ts := timestamp.FromMillis(5000)
	require.NoError(t, e.SetUploaded(ctx, ts, []guid.Guid{l.ID}))
	require.NoError(t, e.SyncFinished(ctx))

	assert.EqualValues(t, 0, changeCounter(t, e, l.ID))
	assert.Equal(t, 1, countRows(t, e, "mirror"))
	last, err := e.LastSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, ts, last)

	// Nothing left to upload.
	stage(t, e)
	res, err = e.Apply(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Outgoing)
}

// An edit made after Apply collected a record, but before the server
// confirmed it, must survive the confirmation: the counter drops only
// by the collected amount, so the row goes out again next sync.
func TestEditDuringUploadStaysDirty(t *testing.T) {
	e := newTestEngine(t)
	connect(t, e)
	ctx := context.Background()

	l := login{ID: guid.New(), Origin: "https://example.com", Username: "bob", Password: "p1"}
	require.NoError(t, e.Add(ctx, l))

	stage(t, e)
	res, err := e.Apply(ctx)
	require.NoError(t, err)
	require.Len(t, res.Outgoing, 1)

	// The upload is in flight; the user edits the password.
	l.Password = "p2"
	require.NoError(t, e.Update(ctx, l))

	require.NoError(t, e.SetUploaded(ctx, timestamp.FromMillis(5000), []guid.Guid{l.ID}))
	require.NoError(t, e.SyncFinished(ctx))
	assert.Positive(t, changeCounter(t, e, l.ID))

	stage(t, e)
	res, err = e.Apply(ctx)
	require.NoError(t, err)
	require.Len(t, res.Outgoing, 1)
	assert.Contains(t, res.Outgoing[0].Payload, "p2")
}

// Both sides created the same login under different GUIDs: the local
// row adopts the server's GUID and no upload happens.
func TestDuplicateAdoptsServerGuid(t *testing.T) {
	e := newTestEngine(t)
	connect(t, e)
	ctx := context.Background()

	local := login{ID: "AAAAAAAAAAAA", Origin: "https://example.com", Username: "alice", Password: "p"}
	require.NoError(t, e.Add(ctx, local))

	remote := login{ID: "BBBBBBBBBBBB", Origin: "https://example.com", Username: "alice", Password: "p"}
	stage(t, e, incomingLogin(t, remote, 2000))
	res, err := e.Apply(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Outgoing)

	_, err = e.Get(ctx, "AAAAAAAAAAAA")
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := e.Get(ctx, "BBBBBBBBBBBB")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.EqualValues(t, 0, changeCounter(t, e, "BBBBBBBBBBBB"))
}

// Both sides changed the password: the incoming copy keeps the GUID and
// the local copy forks under a fresh one, owed to the server.
func TestConflictingPasswordsFork(t *testing.T) {
	e := newTestEngine(t)
	connect(t, e)
	e.newGuid = func() guid.Guid { return "FFFFFFFFFFFF" }
	ctx := context.Background()

	base := login{ID: "XXXXXXXXXXXX", Origin: "https://example.com", Username: "alice", Password: "p0"}
	stage(t, e, incomingLogin(t, base, 1000))
	_, err := e.Apply(ctx)
	require.NoError(t, err)

	edited := base
	edited.Password = "pLocal"
	require.NoError(t, e.Update(ctx, edited))

	remote := base
	remote.Password = "pRemote"
	stage(t, e, incomingLogin(t, remote, 2000))
	res, err := e.Apply(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.NumReconciled)

	got, err := e.Get(ctx, "XXXXXXXXXXXX")
	require.NoError(t, err)
	assert.Equal(t, "pRemote", got.Password, "incoming stays under the original guid")

	forked, err := e.Get(ctx, "FFFFFFFFFFFF")
	require.NoError(t, err)
	assert.Equal(t, "pLocal", forked.Password)

	require.Len(t, res.Outgoing, 1)
	assert.Equal(t, guid.Guid("FFFFFFFFFFFF"), res.Outgoing[0].ID)
}

func TestMalformedRecordsCountedNotFatal(t *testing.T) {
	e := newTestEngine(t)
	connect(t, e)
	ctx := context.Background()

	good1 := login{ID: "AAAAAAAAAAAA", Origin: "https://a.com", Username: "u1", Password: "p"}
	good2 := login{ID: "BBBBBBBBBBBB", Origin: "https://b.com", Username: "u2", Password: "p"}
	bad := bso.IncomingBso{ID: "CCCCCCCCCCCC", Modified: timestamp.FromMillis(900), Payload: `{not json`}

	tel := stage(t, e, incomingLogin(t, good1, 1000), bad, incomingLogin(t, good2, 1100))
	assert.Equal(t, 2, tel.Applied)
	assert.Equal(t, 1, tel.Failed)

	res, err := e.Apply(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Telemetry.Applied)
	assert.Equal(t, 1, res.Telemetry.Failed)

	_, err = e.Get(ctx, "CCCCCCCCCCCC")
	assert.ErrorIs(t, err, ErrNotFound)
}

// Applying the same staged batch twice leaves identical state.
func TestApplyIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	connect(t, e)
	ctx := context.Background()

	inc := login{ID: "AAAAAAAAAAAA", Origin: "https://example.com", Username: "alice", Password: "p"}
	stage(t, e, incomingLogin(t, inc, 1000))

	first, err := e.Apply(ctx)
	require.NoError(t, err)
	firstRec, err := e.Get(ctx, "AAAAAAAAAAAA")
	require.NoError(t, err)

	second, err := e.Apply(ctx)
	require.NoError(t, err)
	secondRec, err := e.Get(ctx, "AAAAAAAAAAAA")
	require.NoError(t, err)

	assert.Equal(t, firstRec, secondRec)
	assert.Equal(t, first.Outgoing, second.Outgoing)
	assert.EqualValues(t, 0, changeCounter(t, e, "AAAAAAAAAAAA"))
}

func TestResetMarksEverythingForUpload(t *testing.T) {
	e := newTestEngine(t)
	connect(t, e)
	ctx := context.Background()

	inc := login{ID: "AAAAAAAAAAAA", Origin: "https://example.com", Username: "alice", Password: "p"}
	stage(t, e, incomingLogin(t, inc, 1000))
	_, err := e.Apply(ctx)
	require.NoError(t, err)
	require.NoError(t, e.SetUploaded(ctx, timestamp.FromMillis(2000), nil))

	require.NoError(t, e.Reset(ctx))

	assert.EqualValues(t, 1, changeCounter(t, e, "AAAAAAAAAAAA"))
	assert.Equal(t, 0, countRows(t, e, "mirror"))
	last, err := e.LastSync(ctx)
	require.NoError(t, err)
	assert.Zero(t, last)
	id, err := e.SyncID(ctx)
	require.NoError(t, err)
	assert.Empty(t, id)

	// The record itself survives.
	_, err = e.Get(ctx, "AAAAAAAAAAAA")
	require.NoError(t, err)
}

// An interrupt aborts apply with nothing committed: data and last-sync
// stay exactly as they were.
func TestInterruptAbortsApply(t *testing.T) {
	e := newTestEngine(t)
	connect(t, e)
	ctx := context.Background()

	require.NoError(t, e.SetLastSync(ctx, timestamp.FromMillis(1234)))
	inc := login{ID: "AAAAAAAAAAAA", Origin: "https://example.com", Username: "alice", Password: "p"}
	stage(t, e, incomingLogin(t, inc, 2000))

	e.store.WriterHandle().Interrupt()
	_, err := e.Apply(ctx)
	require.ErrorIs(t, err, interrupt.ErrInterrupted)

	_, err = e.Get(ctx, "AAAAAAAAAAAA")
	assert.ErrorIs(t, err, ErrNotFound)
	last, err := e.LastSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, timestamp.FromMillis(1234), last)

	// The staged batch survives for a retry.
	res, err := e.Apply(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Telemetry.Applied)
}

func TestDeleteUploadsTombstone(t *testing.T) {
	e := newTestEngine(t)
	connect(t, e)
	ctx := context.Background()

	l := login{ID: guid.New(), Origin: "https://example.com", Username: "bob", Password: "p"}
	require.NoError(t, e.Add(ctx, l))
	stage(t, e)
	_, err := e.Apply(ctx)
	require.NoError(t, err)
	require.NoError(t, e.SetUploaded(ctx, timestamp.FromMillis(1000), []guid.Guid{l.ID}))
	require.NoError(t, e.SyncFinished(ctx))

	require.NoError(t, e.Delete(ctx, l.ID))
	_, err = e.Get(ctx, l.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, countRows(t, e, "tombstones"))

	stage(t, e)
	res, err := e.Apply(ctx)
	require.NoError(t, err)
	require.Len(t, res.Outgoing, 1)
	assert.Equal(t, l.ID, res.Outgoing[0].ID)
	assert.True(t, strings.Contains(res.Outgoing[0].Payload, `"deleted"`))

	require.NoError(t, e.SetUploaded(ctx, timestamp.FromMillis(2000), []guid.Guid{l.ID}))
	require.NoError(t, e.SyncFinished(ctx))
	assert.Equal(t, 0, countRows(t, e, "tombstones"))
	assert.Equal(t, 0, countRows(t, e, "mirror"))
}

func TestRemoteTombstoneDeletesUnmodifiedLocal(t *testing.T) {
	e := newTestEngine(t)
	connect(t, e)
	ctx := context.Background()

	inc := login{ID: "AAAAAAAAAAAA", Origin: "https://example.com", Username: "alice", Password: "p"}
	stage(t, e, incomingLogin(t, inc, 1000))
	_, err := e.Apply(ctx)
	require.NoError(t, err)

	stage(t, e, incomingTombstone("AAAAAAAAAAAA", 2000))
	res, err := e.Apply(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Outgoing)

	_, err = e.Get(ctx, "AAAAAAAAAAAA")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, countRows(t, e, "mirror"))
	assert.Equal(t, 0, countRows(t, e, "tombstones"), "a server-initiated delete needs no tombstone of our own")
}

// A server tombstone for a record we changed loses: the local copy is
// kept and scheduled for upload.
func TestRemoteTombstoneVsLocalEditResurrects(t *testing.T) {
	e := newTestEngine(t)
	connect(t, e)
	ctx := context.Background()

	base := login{ID: "AAAAAAAAAAAA", Origin: "https://example.com", Username: "alice", Password: "p0"}
	stage(t, e, incomingLogin(t, base, 1000))
	_, err := e.Apply(ctx)
	require.NoError(t, err)

	edited := base
	edited.Password = "p1"
	require.NoError(t, e.Update(ctx, edited))

	stage(t, e, incomingTombstone("AAAAAAAAAAAA", 2000))
	res, err := e.Apply(ctx)
	require.NoError(t, err)

	got, err := e.Get(ctx, "AAAAAAAAAAAA")
	require.NoError(t, err)
	assert.Equal(t, "p1", got.Password)
	require.Len(t, res.Outgoing, 1)
	assert.Equal(t, guid.Guid("AAAAAAAAAAAA"), res.Outgoing[0].ID)
}

func TestEnsureCurrentSyncIDMismatchResets(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.EnsureCurrentSyncID(ctx, "generation-1")
	require.NoError(t, err)
	l := login{ID: guid.New(), Origin: "https://example.com", Username: "bob", Password: "p"}
	require.NoError(t, e.Add(ctx, l))
	stage(t, e)
	_, err = e.Apply(ctx)
	require.NoError(t, err)
	require.NoError(t, e.SetUploaded(ctx, timestamp.FromMillis(1000), []guid.Guid{l.ID}))
	require.EqualValues(t, 0, changeCounter(t, e, l.ID))

	// Same id keeps state.
	_, err = e.EnsureCurrentSyncID(ctx, "generation-1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, changeCounter(t, e, l.ID))

	// A new generation invalidates the mirror and re-uploads everything.
	_, err = e.EnsureCurrentSyncID(ctx, "generation-2")
	require.NoError(t, err)
	assert.EqualValues(t, 1, changeCounter(t, e, l.ID))
	assert.Equal(t, 0, countRows(t, e, "mirror"))
	id, err := e.SyncID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "generation-2", id)
}

func TestResetSyncIDGeneratesFreshID(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	first, err := e.ResetSyncID(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, first)
	second, err := e.ResetSyncID(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	id, err := e.SyncID(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, id)
}

func TestWipeRemovesAllData(t *testing.T) {
	e := newTestEngine(t)
	connect(t, e)
	ctx := context.Background()

	require.NoError(t, e.Add(ctx, login{ID: guid.New(), Origin: "https://a.com", Username: "u", Password: "p"}))
	require.NoError(t, e.Add(ctx, login{ID: guid.New(), Origin: "https://b.com", Username: "v", Password: "q"}))

	require.NoError(t, e.Wipe(ctx))
	assert.Equal(t, 0, countRows(t, e, "data"))
	list, err := e.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestTouchBumpsUsageAndCounter(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	l := login{ID: guid.New(), Origin: "https://example.com", Username: "bob", Password: "p"}
	require.NoError(t, e.Add(ctx, l))

	require.NoError(t, e.Touch(ctx, l.ID))
	got, err := e.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.Meta.TimesUsed)
	assert.NotZero(t, got.Meta.TimeLastUsed)
	assert.EqualValues(t, 2, changeCounter(t, e, l.ID))
}

func TestSyncAssociationRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	assoc, err := e.SyncAssociation(ctx)
	require.NoError(t, err)
	assert.False(t, assoc.Connected())

	want := SyncAssociation{GlobalSyncID: "g1", CollSyncID: "c1"}
	require.NoError(t, e.SetSyncAssociation(ctx, want))
	assoc, err = e.SyncAssociation(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, assoc)

	// Zero value disconnects and resets.
	require.NoError(t, e.SetSyncAssociation(ctx, SyncAssociation{}))
	assoc, err = e.SyncAssociation(ctx)
	require.NoError(t, err)
	assert.False(t, assoc.Connected())
}
