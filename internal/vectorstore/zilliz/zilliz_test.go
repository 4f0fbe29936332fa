package zilliz

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nmk78/RAG-Backend/internal/vectorstore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixedEmbedder struct{}

func (fixedEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

type capturedRequest struct {
	path string
	auth string
	body map[string]any
}

// fakeCluster serves the Milvus REST envelope and records requests.
type fakeCluster struct {
	t        *testing.T
	requests []capturedRequest
	respond  map[string]any // path -> data payload
	fail     map[string]int // path -> error code
}

func (f *fakeCluster) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		f.requests = append(f.requests, capturedRequest{
			path: r.URL.Path,
			auth: r.Header.Get("Authorization"),
			body: body,
		})

		w.Header().Set("Content-Type", "application/json")
		if code, ok := f.fail[r.URL.Path]; ok {
			json.NewEncoder(w).Encode(map[string]any{"code": code, "message": "simulated failure"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"code": 0, "data": f.respond[r.URL.Path]})
	})
}

func newTestStore(t *testing.T, cluster *fakeCluster) *Store {
	t.Helper()
	srv := httptest.NewServer(cluster.handler())
	t.Cleanup(srv.Close)

	s, err := New(context.Background(), Config{
		URI:        srv.URL,
		Token:      "test-token",
		Collection: "docs",
		Dimension:  3,
		Timeout:    time.Second,
	}, fixedEmbedder{}, discardLogger())
	require.NoError(t, err)
	return s
}

func TestNewCreatesCollection(t *testing.T) {
	cluster := &fakeCluster{t: t}
	newTestStore(t, cluster)

	require.Len(t, cluster.requests, 1)
	req := cluster.requests[0]
	assert.Equal(t, "/v2/vectordb/collections/create", req.path)
	assert.Equal(t, "Bearer test-token", req.auth)
	assert.Equal(t, "docs", req.body["collectionName"])
	assert.Equal(t, "COSINE", req.body["metricType"])
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(context.Background(), Config{}, fixedEmbedder{}, discardLogger())
	assert.Error(t, err)
}

func TestAddInsertsRows(t *testing.T) {
	cluster := &fakeCluster{t: t}
	s := newTestStore(t, cluster)

	err := s.Add(context.Background(), []string{"chunk one", "chunk two"},
		vectorstore.Metadata{FileID: "f1", Filename: "a.txt", Source: "file_upload"})
	require.NoError(t, err)

	req := cluster.requests[len(cluster.requests)-1]
	assert.Equal(t, "/v2/vectordb/entities/insert", req.path)
	rows := req.body["data"].([]any)
	require.Len(t, rows, 2)
	row := rows[0].(map[string]any)
	assert.Equal(t, "chunk one", row["content"])
	assert.Equal(t, "f1", row["file_id"])
	assert.NotEmpty(t, row["id"])
}

func TestSearchConvertsScoresToDistances(t *testing.T) {
	cluster := &fakeCluster{t: t, respond: map[string]any{
		"/v2/vectordb/entities/search": []map[string]any{
			{"content": "best match", "file_id": "f1", "filename": "a.txt", "distance": 0.9},
			{"content": "weak match", "file_id": "f2", "filename": "b.txt", "distance": 0.2},
		},
	}}
	s := newTestStore(t, cluster)

	results, err := s.Search(context.Background(), "query", 5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.InDelta(t, 0.1, results[0].Distance, 1e-6)
	assert.InDelta(t, 0.8, results[1].Distance, 1e-6)
	assert.Equal(t, "f1", results[0].FileID)
}

func TestSearchFilteredSendsFilterExpr(t *testing.T) {
	cluster := &fakeCluster{t: t}
	s := newTestStore(t, cluster)

	_, err := s.SearchFiltered(context.Background(), "q", vectorstore.Filter{"file_id": "f9"}, 5)
	require.NoError(t, err)

	req := cluster.requests[len(cluster.requests)-1]
	assert.Equal(t, `file_id == "f9"`, req.body["filter"])
	assert.Equal(t, "embedding", req.body["annsField"])
}

func TestSearchErrorDegradesToEmpty(t *testing.T) {
	cluster := &fakeCluster{t: t, fail: map[string]int{"/v2/vectordb/entities/search": 1100}}
	s := newTestStore(t, cluster)

	results, err := s.Search(context.Background(), "q", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestDeleteByFilter(t *testing.T) {
	cluster := &fakeCluster{t: t}
	s := newTestStore(t, cluster)

	require.NoError(t, s.DeleteByFilter(context.Background(), vectorstore.Filter{"file_id": "f1"}))
	req := cluster.requests[len(cluster.requests)-1]
	assert.Equal(t, "/v2/vectordb/entities/delete", req.path)
	assert.Equal(t, `file_id == "f1"`, req.body["filter"])
}

func TestDeleteRefusesEmptyFilter(t *testing.T) {
	cluster := &fakeCluster{t: t}
	s := newTestStore(t, cluster)
	assert.ErrorIs(t, s.DeleteByFilter(context.Background(), nil), vectorstore.ErrEmptyFilter)
}

func TestListFilesPaginatedGroupsChunks(t *testing.T) {
	cluster := &fakeCluster{t: t, respond: map[string]any{
		"/v2/vectordb/entities/query": []map[string]any{
			{"file_id": "f1", "filename": "a.txt", "created_at": "2025-01-01T00:00:00Z"},
			{"file_id": "f1", "filename": "a.txt", "created_at": "2025-01-01T00:00:00Z"},
			{"file_id": "f2", "filename": "b.txt", "created_at": "2025-02-01T00:00:00Z"},
		},
	}}
	s := newTestStore(t, cluster)

	page, err := s.ListFilesPaginated(context.Background(), 1, 10, "created_at", "desc")
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.TotalCount)
	require.Len(t, page.Files, 2)
	assert.Equal(t, "f2", page.Files[0].FileID, "newest first")
	assert.Equal(t, int64(2), page.Files[1].ChunkCount)
}

func TestFilterExpr(t *testing.T) {
	assert.Empty(t, filterExpr(nil))
	assert.Equal(t, `file_id == "f1"`, filterExpr(vectorstore.Filter{"file_id": "f1"}))
	assert.Equal(t, `file_id == "f1" and source == "upload"`,
		filterExpr(vectorstore.Filter{"source": "upload", "file_id": "f1"}))
	assert.Equal(t, `name == "a\"b"`, filterExpr(vectorstore.Filter{"name": `a"b`}))
}
