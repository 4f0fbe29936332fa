// Package zilliz implements the chunk store on Zilliz Cloud (managed Milvus)
// through its v2 REST API. The service is a purpose-built ANN index: search
// returns ranked hits or an empty list on error, with no fallback tiers of
// its own.
package zilliz

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Nmk78/RAG-Backend/internal/vectorstore"
)

// listQueryLimit bounds the entity scan backing the file listing; Milvus has
// no server-side group-by pagination, so grouping happens client-side.
const listQueryLimit = 10000

type Config struct {
	URI        string
	Token      string
	Collection string
	Dimension  int
	Timeout    time.Duration
}

type Store struct {
	baseURL    string
	token      string
	collection string
	dimension  int
	embedder   vectorstore.Embedder
	client     *http.Client
	logger     *slog.Logger
}

// New connects to the cluster and creates the collection if it is missing.
func New(ctx context.Context, cfg Config, embedder vectorstore.Embedder, logger *slog.Logger) (*Store, error) {
	if cfg.URI == "" || cfg.Token == "" {
		return nil, errors.New("zilliz: URI and token are required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	s := &Store{
		baseURL:    strings.TrimRight(cfg.URI, "/"),
		token:      cfg.Token,
		collection: cfg.Collection,
		dimension:  cfg.Dimension,
		embedder:   embedder,
		client:     &http.Client{Timeout: timeout},
		logger:     logger,
	}
	if err := s.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// ensureCollection quick-creates the collection; extra chunk fields ride in
// the dynamic field. Creating an existing collection is not an error.
func (s *Store) ensureCollection(ctx context.Context) error {
	body := map[string]any{
		"collectionName":   s.collection,
		"dimension":        s.dimension,
		"metricType":       "COSINE",
		"idType":           "VarChar",
		"primaryFieldName": "id",
		"vectorFieldName":  "embedding",
		"autoID":           false,
		"params": map[string]any{
			"max_length": "64",
		},
	}
	if err := s.post(ctx, "/v2/vectordb/collections/create", body, nil); err != nil {
		return fmt.Errorf("create collection %q: %w", s.collection, err)
	}
	s.logger.Info("zilliz collection ready", "collection", s.collection, "dimension", s.dimension)
	return nil
}

func (s *Store) Add(ctx context.Context, contents []string, meta vectorstore.Metadata) error {
	if len(contents) == 0 {
		return nil
	}

	embeddings, err := s.embedder.Embed(ctx, contents)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	rows := make([]map[string]any, 0, len(contents))
	for i, content := range contents {
		rows = append(rows, map[string]any{
			"id":         uuid.NewString(),
			"content":    content,
			"embedding":  embeddings[i],
			"file_id":    meta.FileID,
			"filename":   meta.Filename,
			"source":     meta.Source,
			"created_at": now,
		})
	}

	body := map[string]any{
		"collectionName": s.collection,
		"data":           rows,
	}
	if err := s.post(ctx, "/v2/vectordb/entities/insert", body, nil); err != nil {
		return fmt.Errorf("insert chunks: %w", err)
	}
	s.logger.Info("added chunks", "count", len(contents), "file_id", meta.FileID)
	return nil
}

func (s *Store) Search(ctx context.Context, query string, k int) ([]vectorstore.SearchResult, error) {
	return s.SearchFiltered(ctx, query, nil, k)
}

func (s *Store) SearchFiltered(ctx context.Context, query string, filter vectorstore.Filter, k int) ([]vectorstore.SearchResult, error) {
	hits, err := s.search(ctx, query, filter, k)
	if err != nil {
		// Search degrades to empty; the caller proceeds with an
		// empty-context prompt.
		s.logger.Warn("zilliz search failed", "error", err)
		return nil, nil
	}
	return hits, nil
}

type searchHit struct {
	Content  string  `json:"content"`
	FileID   string  `json:"file_id"`
	Filename string  `json:"filename"`
	Source   string  `json:"source"`
	Distance float64 `json:"distance"`
}

func (s *Store) search(ctx context.Context, query string, filter vectorstore.Filter, k int) ([]vectorstore.SearchResult, error) {
	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	body := map[string]any{
		"collectionName": s.collection,
		"data":           [][]float32{vectors[0]},
		"annsField":      "embedding",
		"limit":          k,
		"outputFields":   []string{"content", "file_id", "filename", "source"},
	}
	if expr := filterExpr(filter); expr != "" {
		body["filter"] = expr
	}

	var hits []searchHit
	if err := s.post(ctx, "/v2/vectordb/entities/search", body, &hits); err != nil {
		return nil, err
	}

	results := make([]vectorstore.SearchResult, 0, len(hits))
	for _, h := range hits {
		results = append(results, vectorstore.SearchResult{
			Content: h.Content,
			// The COSINE metric reports similarity, 1 best.
			Distance: vectorstore.DistanceFromScore(h.Distance),
			Filename: h.Filename,
			FileID:   h.FileID,
			Metadata: map[string]any{
				"file_id":  h.FileID,
				"filename": h.Filename,
				"source":   h.Source,
			},
		})
	}
	return results, nil
}

func (s *Store) DeleteByFilter(ctx context.Context, filter vectorstore.Filter) error {
	expr := filterExpr(filter)
	if expr == "" {
		return vectorstore.ErrEmptyFilter
	}
	body := map[string]any{
		"collectionName": s.collection,
		"filter":         expr,
	}
	if err := s.post(ctx, "/v2/vectordb/entities/delete", body, nil); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	s.logger.Info("deleted chunks", "filter", filter)
	return nil
}

type entityRow struct {
	FileID    string `json:"file_id"`
	Filename  string `json:"filename"`
	CreatedAt string `json:"created_at"`
}

func (s *Store) ListFilesPaginated(ctx context.Context, page, pageSize int, orderBy, orderDir string) (*vectorstore.Page, error) {
	orderBy, orderDir = vectorstore.NormalizeOrder(orderBy, orderDir)

	body := map[string]any{
		"collectionName": s.collection,
		"filter":         `file_id != ""`,
		"outputFields":   []string{"file_id", "filename", "created_at"},
		"limit":          listQueryLimit,
	}
	var rows []entityRow
	if err := s.post(ctx, "/v2/vectordb/entities/query", body, &rows); err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}

	files := groupFiles(rows)
	sortFiles(files, orderBy, orderDir)

	total := int64(len(files))
	offset, limit, page, totalPages := vectorstore.PageBounds(page, pageSize, total)
	if offset > len(files) {
		offset = len(files)
	}
	end := offset + limit
	if end > len(files) {
		end = len(files)
	}

	return &vectorstore.Page{
		Files:      files[offset:end],
		TotalCount: total,
		Page:       page,
		PageSize:   limit,
		TotalPages: totalPages,
	}, nil
}

func (s *Store) Stats(ctx context.Context) (*vectorstore.Stats, error) {
	body := map[string]any{"collectionName": s.collection}
	var stats struct {
		RowCount int64 `json:"rowCount"`
	}
	if err := s.post(ctx, "/v2/vectordb/collections/get_stats", body, &stats); err != nil {
		return nil, fmt.Errorf("collection stats: %w", err)
	}

	page, err := s.ListFilesPaginated(ctx, 1, 1, vectorstore.OrderByCreatedAt, vectorstore.OrderDesc)
	var fileCount int64
	if err != nil {
		s.logger.Debug("file count unavailable", "error", err)
	} else {
		fileCount = page.TotalCount
	}

	return &vectorstore.Stats{
		Backend:       "zilliz_cloud",
		Collection:    s.collection,
		DocumentCount: stats.RowCount,
		FileCount:     fileCount,
		Dimension:     s.dimension,
	}, nil
}

// post sends one JSON request and decodes the "data" payload of the standard
// Milvus REST envelope into out.
func (s *Store) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("zilliz: %s returned status %d: %s", path, resp.StatusCode, raw)
	}

	var envelope struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if envelope.Code != 0 {
		return fmt.Errorf("zilliz: %s failed with code %d: %s", path, envelope.Code, envelope.Message)
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}

// filterExpr renders a metadata filter as a Milvus boolean expression.
func filterExpr(filter vectorstore.Filter) string {
	if len(filter) == 0 {
		return ""
	}
	keys := make([]string, 0, len(filter))
	for key := range filter {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		value := strings.ReplaceAll(filter[key], `"`, `\"`)
		parts = append(parts, fmt.Sprintf(`%s == "%s"`, key, value))
	}
	return strings.Join(parts, " and ")
}

func groupFiles(rows []entityRow) []vectorstore.FileInfo {
	grouped := make(map[string]*vectorstore.FileInfo)
	order := make([]string, 0)
	for _, row := range rows {
		if row.FileID == "" {
			continue
		}
		info, ok := grouped[row.FileID]
		if !ok {
			createdAt, _ := time.Parse(time.RFC3339, row.CreatedAt)
			info = &vectorstore.FileInfo{
				FileID:    row.FileID,
				Filename:  row.Filename,
				CreatedAt: createdAt,
			}
			grouped[row.FileID] = info
			order = append(order, row.FileID)
		}
		info.ChunkCount++
	}

	files := make([]vectorstore.FileInfo, 0, len(order))
	for _, id := range order {
		files = append(files, *grouped[id])
	}
	return files
}

func sortFiles(files []vectorstore.FileInfo, orderBy, orderDir string) {
	less := func(a, b vectorstore.FileInfo) bool {
		switch orderBy {
		case vectorstore.OrderByFilename:
			return strings.ToLower(a.Filename) < strings.ToLower(b.Filename)
		case vectorstore.OrderByFileID:
			return a.FileID < b.FileID
		default:
			return a.CreatedAt.Before(b.CreatedAt)
		}
	}
	sort.SliceStable(files, func(i, j int) bool {
		if orderDir == vectorstore.OrderDesc {
			return less(files[j], files[i])
		}
		return less(files[i], files[j])
	})
}
