// Package sync15 is the HTTP client for the storage server: fetching
// and posting collection records, deletes, and the advertised limits.
package sync15

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/bridgesync/bsync/internal/bso"
	"github.com/bridgesync/bsync/internal/guid"
	"github.com/bridgesync/bsync/internal/postqueue"
	"github.com/bridgesync/bsync/internal/timestamp"
)

const defaultTimeout = 30 * time.Second

// Client talks to one storage server on behalf of one account.
type Client struct {
	base string
	auth string
	http *http.Client
	log  *slog.Logger
}

// NewClient builds a client for baseURL. authToken goes out as a
// Bearer token on every request; empty means unauthenticated (test
// servers). A zero timeout uses the default.
func NewClient(baseURL, authToken string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Client{
		base: baseURL,
		auth: authToken,
		http: &http.Client{Timeout: timeout},
		log:  slog.Default(),
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	u, err := url.JoinPath(c.base, path)
	if err != nil {
		return nil, err
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.auth != "" {
		req.Header.Set("Authorization", "Bearer "+c.auth)
	}
	// Setting this ourselves disables the transport's transparent
	// gzip, so decodeBody handles both encodings.
	req.Header.Set("Accept-Encoding", "zstd, gzip")
	return req, nil
}

// decodeBody unwraps the response body per its Content-Encoding.
func decodeBody(resp *http.Response) ([]byte, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "zstd":
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case "gzip":
		gr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gr.Close()
		return io.ReadAll(gr)
	default:
		return io.ReadAll(resp.Body)
	}
}

func remoteErr(status int, body []byte) error {
	e := &postqueue.RemoteError{Status: status}
	var detail struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &detail) == nil {
		e.Code, e.Message = detail.Code, detail.Message
	}
	return e
}

func lastModified(resp *http.Response) timestamp.Timestamp {
	h := resp.Header.Get("X-Last-Modified")
	if h == "" {
		// Older servers send only the per-request timestamp.
		h = resp.Header.Get("X-Weave-Timestamp")
	}
	if h == "" {
		return 0
	}
	ts, err := timestamp.Parse(h)
	if err != nil {
		return 0
	}
	return ts
}

// Configuration fetches the server's limits. Missing fields stay zero;
// the post queue fills in defaults.
func (c *Client) Configuration(ctx context.Context) (postqueue.Config, error) {
	var cfg postqueue.Config
	req, err := c.newRequest(ctx, http.MethodGet, "info/configuration", nil)
	if err != nil {
		return cfg, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return cfg, err
	}
	defer resp.Body.Close()
	body, err := decodeBody(resp)
	if err != nil {
		return cfg, err
	}
	if resp.StatusCode != http.StatusOK {
		return cfg, remoteErr(resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &cfg); err != nil {
		return cfg, fmt.Errorf("info/configuration: %w", err)
	}
	return cfg, nil
}

// FetchOptions narrows a collection GET.
type FetchOptions struct {
	// Newer limits results to records modified after this timestamp.
	Newer timestamp.Timestamp
	// Limit caps the record count; zero means server default.
	Limit int
	// Sort is "oldest", "newest" or "index"; empty leaves it to the
	// server.
	Sort string
}

// FetchCollection returns the collection's records and the server's
// X-Last-Modified.
func (c *Client) FetchCollection(ctx context.Context, collection string, opts FetchOptions) ([]bso.IncomingBso, timestamp.Timestamp, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "storage/"+collection, nil)
	if err != nil {
		return nil, 0, err
	}
	q := req.URL.Query()
	q.Set("full", "1")
	if opts.Newer != 0 {
		q.Set("newer", opts.Newer.String())
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Sort != "" {
		q.Set("sort", opts.Sort)
	}
	req.URL.RawQuery = q.Encode()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := decodeBody(resp)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, remoteErr(resp.StatusCode, body)
	}
	var records []bso.IncomingBso
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, 0, fmt.Errorf("storage/%s: %w", collection, err)
	}
	return records, lastModified(resp), nil
}

// DeleteCollection removes every record in the collection server-side.
func (c *Client) DeleteCollection(ctx context.Context, collection string) error {
	return c.delete(ctx, "storage/"+collection)
}

// DeleteRecord removes a single record.
func (c *Client) DeleteRecord(ctx context.Context, collection string, id guid.Guid) error {
	return c.delete(ctx, "storage/"+collection+"/"+string(id))
}

func (c *Client) delete(ctx context.Context, path string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := decodeBody(resp)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return remoteErr(resp.StatusCode, body)
	}
	return nil
}

// CollectionPoster posts upload bodies for one collection; it is the
// postqueue.Poster the queue drives during an upload pass.
type CollectionPoster struct {
	client     *Client
	collection string
	// xius guards against concurrent writers: the server rejects the
	// POST with 412 if the collection changed since this timestamp.
	xius timestamp.Timestamp
}

// Poster binds an upload pass to a collection. xius is the timestamp
// the sync started from (X-If-Unmodified-Since); zero omits the guard.
func (c *Client) Poster(collection string, xius timestamp.Timestamp) *CollectionPoster {
	return &CollectionPoster{client: c, collection: collection, xius: xius}
}

// Post implements postqueue.Poster.
func (p *CollectionPoster) Post(ctx context.Context, body []byte, batch string, commit bool) (*postqueue.PostResponse, error) {
	req, err := p.client.newRequest(ctx, http.MethodPost, "storage/"+p.collection, body)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	if batch != "" {
		q.Set("batch", batch)
	}
	if commit {
		q.Set("commit", "true")
	}
	req.URL.RawQuery = q.Encode()
	if p.xius != 0 {
		req.Header.Set("X-If-Unmodified-Since", p.xius.String())
	}

	resp, err := p.client.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := decodeBody(resp)
	if err != nil {
		return nil, err
	}

	out := &postqueue.PostResponse{Status: resp.StatusCode, LastModified: lastModified(resp)}
	var parsed struct {
		Success []guid.Guid          `json:"success"`
		Failed  map[guid.Guid]string `json:"failed"`
		Batch   string               `json:"batch"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &parsed); err != nil {
			// Leave the queue to judge by status alone.
			p.client.log.Warn("unparseable storage response body", "collection", p.collection, "status", resp.StatusCode)
		} else {
			out.Success = parsed.Success
			out.Failed = parsed.Failed
			out.Batch = parsed.Batch
		}
	}
	return out, nil
}
