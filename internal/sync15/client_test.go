package sync15

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridgesync/bsync/internal/guid"
	"github.com/bridgesync/bsync/internal/postqueue"
	"github.com/bridgesync/bsync/internal/timestamp"
)

func TestConfiguration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/info/configuration", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]int{
			"max_post_bytes":   262144,
			"max_post_records": 100,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", 0)
	cfg, err := c.Configuration(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 262144, cfg.MaxPostBytes)
	assert.Equal(t, 100, cfg.MaxPostRecords)
	assert.Zero(t, cfg.MaxTotalBytes, "unadvertised limits stay zero")
}

func TestFetchCollection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/storage/logins", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("full"))
		assert.Equal(t, "2.500", r.URL.Query().Get("newer"))
		assert.Equal(t, "100", r.URL.Query().Get("limit"))
		w.Header().Set("X-Last-Modified", "9.750")
		w.Write([]byte(`[{"id":"AAAAAAAAAAAA","modified":9.75,"payload":"{}"}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 0)
	records, lm, err := c.FetchCollection(context.Background(), "logins", FetchOptions{
		Newer: timestamp.FromMillis(2500),
		Limit: 100,
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, guid.Guid("AAAAAAAAAAAA"), records[0].ID)
	assert.Equal(t, timestamp.FromMillis(9750), records[0].Modified)
	assert.Equal(t, timestamp.FromMillis(9750), lm)
}

func TestFetchDecodesCompressedResponses(t *testing.T) {
	payload := []byte(`[{"id":"AAAAAAAAAAAA","modified":1,"payload":"{}"}]`)

	tests := []struct {
		encoding string
		compress func([]byte) []byte
	}{
		{"zstd", func(b []byte) []byte {
			var buf bytes.Buffer
			zw, err := zstd.NewWriter(&buf)
			require.NoError(t, err)
			zw.Write(b)
			zw.Close()
			return buf.Bytes()
		}},
		{"gzip", func(b []byte) []byte {
			var buf bytes.Buffer
			gw := gzip.NewWriter(&buf)
			gw.Write(b)
			gw.Close()
			return buf.Bytes()
		}},
	}
	for _, tt := range tests {
		t.Run(tt.encoding, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Contains(t, r.Header.Get("Accept-Encoding"), tt.encoding)
				w.Header().Set("Content-Encoding", tt.encoding)
				w.Write(tt.compress(payload))
			}))
			defer srv.Close()

			c := NewClient(srv.URL, "", 0)
			records, _, err := c.FetchCollection(context.Background(), "logins", FetchOptions{})
			require.NoError(t, err)
			require.Len(t, records, 1)
		})
	}
}

func TestPosterPost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/storage/logins", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("batch"))
		assert.Equal(t, "", r.URL.Query().Get("commit"))
		assert.Equal(t, "3.000", r.Header.Get("X-If-Unmodified-Since"))
		w.Header().Set("X-Last-Modified", "4.000")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"success":["AAAAAAAAAAAA"],"failed":{},"batch":"b-77"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 0)
	p := c.Poster("logins", timestamp.FromMillis(3000))
	resp, err := p.Post(context.Background(), []byte(`[]`), "true", false)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.Status)
	assert.Equal(t, "b-77", resp.Batch)
	assert.Equal(t, []guid.Guid{"AAAAAAAAAAAA"}, resp.Success)
	assert.Equal(t, timestamp.FromMillis(4000), resp.LastModified)
}

func TestPosterCommitParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "b-77", r.URL.Query().Get("batch"))
		assert.Equal(t, "true", r.URL.Query().Get("commit"))
		w.Write([]byte(`{"success":[],"failed":{}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 0)
	resp, err := c.Poster("logins", 0).Post(context.Background(), []byte(`[]`), "b-77", true)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
}

func TestRemoteErrorCarriesDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"code":"over-quota","message":"storage quota exceeded"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 0)
	_, _, err := c.FetchCollection(context.Background(), "logins", FetchOptions{})
	var remote *postqueue.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, http.StatusServiceUnavailable, remote.Status)
	assert.Equal(t, "over-quota", remote.Code)
	assert.Equal(t, "storage quota exceeded", remote.Message)
}

func TestDeleteRecord(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 0)
	require.NoError(t, c.DeleteRecord(context.Background(), "logins", "AAAAAAAAAAAA"))
	assert.Equal(t, "/storage/logins/AAAAAAAAAAAA", gotPath)
}
