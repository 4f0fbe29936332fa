// Package vectorstore defines the storage abstraction the retrieval pipeline
// works against, plus the result, pagination and distance types shared by all
// backends.
package vectorstore

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// RegexMatchDistance is the fixed neutral distance assigned to hits found by
// the last-resort substring/regex tier, which carries no relevance score.
const RegexMatchDistance = 0.5

// Embedder converts texts into fixed-dimension vectors. Satisfied by
// gemini.Client.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Metadata tags every chunk produced from one ingested source. FileID is the
// unit of deletion.
type Metadata struct {
	FileID   string
	Filename string
	Source   string
}

// Filter selects chunks by their top-level fields (file_id, filename, source).
type Filter map[string]string

// SearchResult is one ranked hit. Distance is normalized to [0,1] across all
// backends: 0 is an identical match, 1 is unrelated.
type SearchResult struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Distance float64        `json:"distance"`
	Filename string         `json:"filename"`
	FileID   string         `json:"file_id"`
}

// FileInfo summarizes one ingested source.
type FileInfo struct {
	FileID     string    `json:"file_id"`
	Filename   string    `json:"filename"`
	ChunkCount int64     `json:"chunk_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// Page is one page of the deterministic file listing.
type Page struct {
	Files      []FileInfo `json:"files"`
	TotalCount int64      `json:"total_count"`
	Page       int        `json:"page"`
	PageSize   int        `json:"page_size"`
	TotalPages int        `json:"total_pages"`
}

// Stats describes the backing collection.
type Stats struct {
	Backend       string `json:"backend"`
	Database      string `json:"database,omitempty"`
	Collection    string `json:"collection"`
	DocumentCount int64  `json:"document_count"`
	FileCount     int64  `json:"file_count"`
	StorageBytes  int64  `json:"storage_size_bytes,omitempty"`
	IndexBytes    int64  `json:"index_size_bytes,omitempty"`
	Dimension     int    `json:"dimension,omitempty"`
}

// ErrEmptyFilter is returned by DeleteByFilter when the filter selects
// nothing; an unscoped delete would wipe the whole collection.
var ErrEmptyFilter = errors.New("empty filter")

// Store is the pluggable chunk storage backend. Search and SearchFiltered
// return an empty slice, not an error, when nothing matches anywhere in the
// backend's strategy chain. DeleteByFilter refuses an empty filter with
// ErrEmptyFilter on every backend.
type Store interface {
	Add(ctx context.Context, contents []string, meta Metadata) error
	Search(ctx context.Context, query string, k int) ([]SearchResult, error)
	SearchFiltered(ctx context.Context, query string, filter Filter, k int) ([]SearchResult, error)
	DeleteByFilter(ctx context.Context, filter Filter) error
	ListFilesPaginated(ctx context.Context, page, pageSize int, orderBy, orderDir string) (*Page, error)
	Stats(ctx context.Context) (*Stats, error)
}

// DistanceFromScore converts a native similarity score, 1 best and 0
// unrelated, to the common distance scale. Scores outside [0,1] (some metrics
// are unbounded) are clamped rather than allowed to produce negative
// distances.
func DistanceFromScore(score float64) float64 {
	return clamp01(1 - score)
}

// DistanceFromTextScore normalizes a full-text relevance score, which is
// unbounded above, to the common distance scale.
func DistanceFromTextScore(score float64) float64 {
	return clamp01(1 - score/10)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Tier is one search strategy in a backend's fallback chain.
type Tier struct {
	Name string
	Run  func(ctx context.Context) ([]SearchResult, error)
}

// RunTiers tries each tier in order and returns the first non-empty result
// set. A tier error or an empty result is ordinary control flow that moves on
// to the next tier; if every tier comes up empty the caller gets an empty
// slice, never an error.
func RunTiers(ctx context.Context, logger *slog.Logger, tiers []Tier) []SearchResult {
	for _, tier := range tiers {
		hits, err := tier.Run(ctx)
		if err != nil {
			logger.Warn("search tier failed", "tier", tier.Name, "error", err)
			continue
		}
		if len(hits) > 0 {
			return hits
		}
		logger.Debug("search tier returned no results", "tier", tier.Name)
	}
	return nil
}

// Listing order fields accepted by ListFilesPaginated.
const (
	OrderByCreatedAt = "created_at"
	OrderByFilename  = "filename"
	OrderByFileID    = "file_id"

	OrderAsc  = "asc"
	OrderDesc = "desc"
)

// NormalizeOrder maps arbitrary input to a valid (orderBy, orderDir) pair,
// defaulting to created_at descending.
func NormalizeOrder(orderBy, orderDir string) (string, string) {
	switch orderBy {
	case OrderByCreatedAt, OrderByFilename, OrderByFileID:
	default:
		orderBy = OrderByCreatedAt
	}
	switch orderDir {
	case OrderAsc, OrderDesc:
	default:
		orderDir = OrderDesc
	}
	return orderBy, orderDir
}

// PageBounds computes the half-open offset window for a page over a listing
// of total items, and the total page count. Page numbers start at 1. The
// returned page and limit are the normalized values; callers echo them back
// so the response always names the page that was actually served.
func PageBounds(page, pageSize int, total int64) (offset, limit, currentPage, totalPages int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	totalPages = int((total + int64(pageSize) - 1) / int64(pageSize))
	return (page - 1) * pageSize, pageSize, page, totalPages
}
