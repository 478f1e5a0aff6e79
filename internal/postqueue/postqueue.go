// Package postqueue turns a stream of outgoing records into the
// smallest sequence of storage POSTs that respects every limit the
// server advertised, tracking batch state and the server timestamp
// along the way.
package postqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/bridgesync/bsync/internal/bso"
	"github.com/bridgesync/bsync/internal/guid"
	"github.com/bridgesync/bsync/internal/timestamp"
)

// ErrBatchIDMismatch means the server answered a batch POST with a
// different batch id than the one in progress. There is no safe way to
// continue; the sync must restart.
var ErrBatchIDMismatch = errors.New("server switched batch ids mid-batch")

// RemoteError is a non-success storage response, carrying whatever
// structured detail the server included.
type RemoteError struct {
	Status  int
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s (%s)", e.Status, e.Message, e.Code)
}

// Config holds the limits from GET /info/configuration. A zero field
// means the server did not advertise it.
type Config struct {
	MaxRequestBytes       int `json:"max_request_bytes"`
	MaxPostRecords        int `json:"max_post_records"`
	MaxPostBytes          int `json:"max_post_bytes"`
	MaxTotalRecords       int `json:"max_total_records"`
	MaxTotalBytes         int `json:"max_total_bytes"`
	MaxRecordPayloadBytes int `json:"max_record_payload_bytes"`
}

const (
	defaultMaxRequestBytes = 260 * 1024
	defaultMaxPostBytes    = 256 * 1024
)

// normalized fills in defaults: the two request-level limits get the
// protocol defaults, everything else unadvertised means unbounded.
func (c Config) normalized() Config {
	if c.MaxRequestBytes == 0 {
		c.MaxRequestBytes = defaultMaxRequestBytes
	}
	if c.MaxPostBytes == 0 {
		c.MaxPostBytes = defaultMaxPostBytes
	}
	for _, p := range []*int{&c.MaxPostRecords, &c.MaxTotalRecords, &c.MaxTotalBytes, &c.MaxRecordPayloadBytes} {
		if *p == 0 {
			*p = math.MaxInt
		}
	}
	return c
}

// PostResponse is what the Poster got back from one storage POST.
type PostResponse struct {
	Status       int
	LastModified timestamp.Timestamp
	Batch        string
	Success      []guid.Guid
	Failed       map[guid.Guid]string
}

// Ok reports a 2xx status.
func (r *PostResponse) Ok() bool { return r.Status >= 200 && r.Status < 300 }

// Poster performs one POST /storage/<collection> request. batch is ""
// for a standalone POST, "true" to open a batch, or the batch id for a
// follow-up POST; commit asks the server to commit the batch.
type Poster interface {
	Post(ctx context.Context, body []byte, batch string, commit bool) (*PostResponse, error)
}

// ResponseHandler sees every response before the queue acts on it.
// Returning an error aborts the upload; the queue never retries.
type ResponseHandler func(resp *PostResponse, midBatch bool) error

func defaultHandler(resp *PostResponse, midBatch bool) error {
	if !resp.Ok() {
		return &RemoteError{Status: resp.Status}
	}
	return nil
}

type batchState int

const (
	noBatch batchState = iota
	inBatch
	// batchUnsupported: the server answered 200 where a batch reply was
	// expected. Every later flush goes out as a standalone POST.
	batchUnsupported
)

// Queue accumulates serialized records and flushes them as POSTs.
// Not safe for concurrent use; one queue serves one upload pass.
type Queue struct {
	cfg          Config
	poster       Poster
	onResp       ResponseHandler
	log          *slog.Logger
	buf          bytes.Buffer // "[" then comma-joined records; "]" added at flush
	postBytes    int          // record bytes in buf
	postRecs     int
	state        batchState
	batchID      string
	batchBytes   int // record bytes already POSTed into the open batch
	batchRecs    int
	lastModified timestamp.Timestamp
}

// New builds a queue over poster with the advertised limits. A nil
// handler rejects any non-2xx response.
func New(cfg Config, poster Poster, onResp ResponseHandler) *Queue {
	if onResp == nil {
		onResp = defaultHandler
	}
	q := &Queue{cfg: cfg.normalized(), poster: poster, onResp: onResp, log: slog.Default()}
	q.buf.WriteByte('[')
	return q
}

// LastModified is the X-Last-Modified from the most recent successful
// POST, zero before the first.
func (q *Queue) LastModified() timestamp.Timestamp { return q.lastModified }

// Enqueue serializes record into the pending POST body, flushing first
// when limits require it. Returns false, with nothing enqueued, when
// the record alone can never fit.
func (q *Queue) Enqueue(ctx context.Context, record bso.OutgoingBso) (bool, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return false, err
	}
	n := len(raw)
	// The payload limit governs the payload string alone; the other
	// limits see the whole serialized record.
	if len(record.Payload) > q.cfg.MaxRecordPayloadBytes || n+2 > q.cfg.MaxRequestBytes ||
		n > q.cfg.MaxPostBytes || n > q.cfg.MaxTotalBytes {
		q.log.Warn("dropping oversized outgoing record", "id", record.ID, "bytes", n)
		return false, nil
	}

	// Totals count what the open batch already holds plus the queue.
	if q.batchBytes+q.postBytes+n > q.cfg.MaxTotalBytes || q.batchRecs+q.postRecs+1 > q.cfg.MaxTotalRecords {
		if err := q.Flush(ctx, true); err != nil {
			return false, err
		}
	} else if q.postBytes+n > q.cfg.MaxPostBytes || q.postRecs+1 > q.cfg.MaxPostRecords ||
		q.buf.Len()+n+2 > q.cfg.MaxRequestBytes {
		if err := q.Flush(ctx, false); err != nil {
			return false, err
		}
	}

	if q.postRecs > 0 {
		q.buf.WriteByte(',')
	}
	q.buf.Write(raw)
	q.postBytes += n
	q.postRecs++
	return true, nil
}

// Flush POSTs the pending buffer. wantCommit marks this as the last
// flush of the upload: an open batch is committed, and with no batch
// open the records go out as one standalone POST.
func (q *Queue) Flush(ctx context.Context, wantCommit bool) error {
	commitEmptyBatch := q.state == inBatch && wantCommit
	if q.postRecs == 0 && !commitEmptyBatch {
		return nil
	}

	var batch string
	var commit bool
	switch q.state {
	case inBatch:
		batch, commit = q.batchID, wantCommit
	case noBatch:
		if !wantCommit {
			// More flushes follow; ask the server to open a batch.
			batch = "true"
		}
	case batchUnsupported:
		// Standalone POSTs only.
	}

	q.buf.WriteByte(']')
	body := make([]byte, q.buf.Len())
	copy(body, q.buf.Bytes())

	resp, err := q.poster.Post(ctx, body, batch, commit)
	if err != nil {
		return err
	}
	if err := q.onResp(resp, q.state == inBatch && !commit); err != nil {
		return err
	}
	if resp.LastModified != 0 {
		q.lastModified = resp.LastModified
	}

	switch {
	case q.state == noBatch && batch == "true":
		if resp.Status == 202 && resp.Batch != "" {
			q.state = inBatch
			q.batchID = resp.Batch
			q.batchBytes = q.postBytes
			q.batchRecs = q.postRecs
		} else {
			q.log.Warn("server does not support batching; falling back to standalone posts")
			q.state = batchUnsupported
		}
	case q.state == inBatch && commit:
		q.state = noBatch
		q.batchID = ""
		q.batchBytes, q.batchRecs = 0, 0
	case q.state == inBatch:
		if resp.Batch != "" && resp.Batch != q.batchID {
			return ErrBatchIDMismatch
		}
		q.batchBytes += q.postBytes
		q.batchRecs += q.postRecs
	}

	q.buf.Reset()
	q.buf.WriteByte('[')
	q.postBytes, q.postRecs = 0, 0
	return nil
}
