// Package memory implements the chunk store as an in-process slice. It is the
// backend for tests and for running the server without external services.
package memory

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Nmk78/RAG-Backend/internal/vectorstore"
)

type document struct {
	content   string
	embedding []float32
	fileID    string
	filename  string
	source    string
	createdAt time.Time
}

type Store struct {
	mu       sync.RWMutex
	docs     []document
	embedder vectorstore.Embedder
	logger   *slog.Logger
	now      func() time.Time
}

func New(embedder vectorstore.Embedder, logger *slog.Logger) *Store {
	return &Store{
		embedder: embedder,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *Store) Add(ctx context.Context, contents []string, meta vectorstore.Metadata) error {
	if len(contents) == 0 {
		return nil
	}

	embeddings, err := s.embedder.Embed(ctx, contents)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, content := range contents {
		s.docs = append(s.docs, document{
			content:   content,
			embedding: embeddings[i],
			fileID:    meta.FileID,
			filename:  meta.Filename,
			source:    meta.Source,
			createdAt: now,
		})
	}
	return nil
}

func (s *Store) Search(ctx context.Context, query string, k int) ([]vectorstore.SearchResult, error) {
	return s.SearchFiltered(ctx, query, nil, k)
}

// SearchFiltered tries cosine ranking first and falls back to case-insensitive
// substring matching when the query cannot be embedded.
func (s *Store) SearchFiltered(ctx context.Context, query string, filter vectorstore.Filter, k int) ([]vectorstore.SearchResult, error) {
	tiers := []vectorstore.Tier{
		{Name: "cosine", Run: func(ctx context.Context) ([]vectorstore.SearchResult, error) {
			return s.cosineSearch(ctx, query, filter, k)
		}},
		{Name: "substring", Run: func(ctx context.Context) ([]vectorstore.SearchResult, error) {
			return s.substringSearch(query, filter, k), nil
		}},
	}
	return vectorstore.RunTiers(ctx, s.logger, tiers), nil
}

func (s *Store) cosineSearch(ctx context.Context, query string, filter vectorstore.Filter, k int) ([]vectorstore.SearchResult, error) {
	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	queryVec := vectors[0]

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]vectorstore.SearchResult, 0, k)
	for _, doc := range s.docs {
		if !doc.matches(filter) {
			continue
		}
		results = append(results, s.toResult(doc, vectorstore.DistanceFromScore(Cosine(queryVec, doc.embedding))))
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Distance < results[j].Distance
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (s *Store) substringSearch(query string, filter vectorstore.Filter, k int) []vectorstore.SearchResult {
	needle := strings.ToLower(query)

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]vectorstore.SearchResult, 0, k)
	for _, doc := range s.docs {
		if !doc.matches(filter) {
			continue
		}
		if !strings.Contains(strings.ToLower(doc.content), needle) {
			continue
		}
		results = append(results, s.toResult(doc, vectorstore.RegexMatchDistance))
		if len(results) == k {
			break
		}
	}
	return results
}

func (s *Store) toResult(doc document, distance float64) vectorstore.SearchResult {
	return vectorstore.SearchResult{
		Content:  doc.content,
		Distance: distance,
		Filename: doc.filename,
		FileID:   doc.fileID,
		Metadata: map[string]any{
			"file_id":  doc.fileID,
			"filename": doc.filename,
			"source":   doc.source,
		},
	}
}

// DeleteByFilter removes matching chunks. Deleting with a filter that matches
// nothing is a no-op; an empty filter is refused.
func (s *Store) DeleteByFilter(ctx context.Context, filter vectorstore.Filter) error {
	if len(filter) == 0 {
		return vectorstore.ErrEmptyFilter
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.docs[:0]
	for _, doc := range s.docs {
		if !doc.matches(filter) {
			kept = append(kept, doc)
		}
	}
	s.docs = kept
	return nil
}

func (s *Store) ListFilesPaginated(ctx context.Context, page, pageSize int, orderBy, orderDir string) (*vectorstore.Page, error) {
	orderBy, orderDir = vectorstore.NormalizeOrder(orderBy, orderDir)

	s.mu.RLock()
	grouped := make(map[string]*vectorstore.FileInfo)
	order := make([]string, 0)
	for _, doc := range s.docs {
		info, ok := grouped[doc.fileID]
		if !ok {
			info = &vectorstore.FileInfo{
				FileID:    doc.fileID,
				Filename:  doc.filename,
				CreatedAt: doc.createdAt,
			}
			grouped[doc.fileID] = info
			order = append(order, doc.fileID)
		}
		info.ChunkCount++
	}
	s.mu.RUnlock()

	files := make([]vectorstore.FileInfo, 0, len(order))
	for _, id := range order {
		files = append(files, *grouped[id])
	}
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
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var bytes int64
	for _, doc := range s.docs {
		seen[doc.fileID] = struct{}{}
		bytes += int64(len(doc.content))
	}
	return &vectorstore.Stats{
		Backend:       "memory",
		Collection:    "in-process",
		DocumentCount: int64(len(s.docs)),
		FileCount:     int64(len(seen)),
		StorageBytes:  bytes,
	}, nil
}

func (d document) matches(filter vectorstore.Filter) bool {
	for key, want := range filter {
		var got string
		switch key {
		case "file_id":
			got = d.fileID
		case "filename":
			got = d.filename
		case "source":
			got = d.source
		default:
			return false
		}
		if got != want {
			return false
		}
	}
	return true
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
