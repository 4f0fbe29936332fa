// Package rag turns raw documents into retrievable chunks and assembles the
// bounded context block that grounds generation.
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Nmk78/RAG-Backend/internal/vectorstore"
)

const chunkSeparator = "\n\n"

// SourceFileUpload tags chunks that entered through the file ingestion path.
const SourceFileUpload = "file_upload"

type Pipeline struct {
	store      vectorstore.Store
	chunker    *Chunker
	topK       int
	maxContext int
	logger     *slog.Logger
}

func NewPipeline(store vectorstore.Store, chunker *Chunker, topK, maxContext int, logger *slog.Logger) *Pipeline {
	if topK <= 0 {
		topK = 5
	}
	if maxContext <= 0 {
		maxContext = 4000
	}
	return &Pipeline{
		store:      store,
		chunker:    chunker,
		topK:       topK,
		maxContext: maxContext,
		logger:     logger,
	}
}

// Ingest chunks the text and stores the embedded chunks under fileID. It
// returns the number of chunks written.
func (p *Pipeline) Ingest(ctx context.Context, fileID, filename, text string) (int, error) {
	chunks := p.chunker.Split(text)
	if len(chunks) == 0 {
		return 0, fmt.Errorf("ingest %q: no extractable text", filename)
	}

	meta := vectorstore.Metadata{
		FileID:   fileID,
		Filename: filename,
		Source:   SourceFileUpload,
	}
	if err := p.store.Add(ctx, chunks, meta); err != nil {
		return 0, fmt.Errorf("ingest %q: %w", filename, err)
	}

	p.logger.Info("ingested file", "file_id", fileID, "filename", filename, "chunks", len(chunks))
	return len(chunks), nil
}

// RetrieveContext runs top-k retrieval for the query and assembles the
// context block. An empty context with no error means nothing relevant is
// stored.
func (p *Pipeline) RetrieveContext(ctx context.Context, query string) (string, []vectorstore.SearchResult, error) {
	return p.retrieve(ctx, query, nil)
}

// RetrieveFileContext restricts retrieval to chunks of a single file.
func (p *Pipeline) RetrieveFileContext(ctx context.Context, query, fileID string) (string, []vectorstore.SearchResult, error) {
	return p.retrieve(ctx, query, vectorstore.Filter{"file_id": fileID})
}

func (p *Pipeline) retrieve(ctx context.Context, query string, filter vectorstore.Filter) (string, []vectorstore.SearchResult, error) {
	results, err := p.store.SearchFiltered(ctx, query, filter, p.topK)
	if err != nil {
		return "", nil, fmt.Errorf("search: %w", err)
	}
	if len(results) == 0 {
		return "", nil, nil
	}
	return p.assembleContext(results), results, nil
}

// assembleContext joins result contents up to the context budget, cutting at
// whole-result boundaries. A first result that alone exceeds the budget is
// truncated rather than dropped, so retrieval never silently yields nothing.
func (p *Pipeline) assembleContext(results []vectorstore.SearchResult) string {
	var sb strings.Builder
	used := 0
	for i, res := range results {
		content := []rune(res.Content)
		if i == 0 && len(content) > p.maxContext {
			return string(content[:p.maxContext])
		}

		cost := len(content)
		if i > 0 {
			cost += len([]rune(chunkSeparator))
		}
		if used+cost > p.maxContext {
			break
		}
		if i > 0 {
			sb.WriteString(chunkSeparator)
		}
		sb.WriteString(res.Content)
		used += cost
	}
	return sb.String()
}

// DeleteFile removes every chunk of the file. Deleting a file that was never
// ingested succeeds.
func (p *Pipeline) DeleteFile(ctx context.Context, fileID string) error {
	if err := p.store.DeleteByFilter(ctx, vectorstore.Filter{"file_id": fileID}); err != nil {
		return fmt.Errorf("delete file %q: %w", fileID, err)
	}
	p.logger.Info("deleted file", "file_id", fileID)
	return nil
}

// ListFiles pages through ingested files.
func (p *Pipeline) ListFiles(ctx context.Context, page, pageSize int, orderBy, orderDir string) (*vectorstore.Page, error) {
	return p.store.ListFilesPaginated(ctx, page, pageSize, orderBy, orderDir)
}

// Stats reports on the backing collection.
func (p *Pipeline) Stats(ctx context.Context) (*vectorstore.Stats, error) {
	return p.store.Stats(ctx)
}
