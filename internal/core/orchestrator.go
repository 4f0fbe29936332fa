// Package core wires retrieval and generation into the question-answering
// flow the API exposes.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Nmk78/RAG-Backend/internal/gemini"
	"github.com/Nmk78/RAG-Backend/internal/vectorstore"
)

// defaultMaxQueryLength bounds user queries before they reach retrieval and
// the model when no explicit limit is configured.
const defaultMaxQueryLength = 4000

var ErrEmptyQuery = errors.New("query is empty")

// Retriever supplies the grounding context for a query.
type Retriever interface {
	RetrieveContext(ctx context.Context, query string) (string, []vectorstore.SearchResult, error)
	RetrieveFileContext(ctx context.Context, query, fileID string) (string, []vectorstore.SearchResult, error)
	Ingest(ctx context.Context, fileID, filename, text string) (int, error)
	DeleteFile(ctx context.Context, fileID string) error
	ListFiles(ctx context.Context, page, pageSize int, orderBy, orderDir string) (*vectorstore.Page, error)
	Stats(ctx context.Context) (*vectorstore.Stats, error)
}

// Generator produces answers from prompts.
type Generator interface {
	Generate(ctx context.Context, query, contextText string, opts gemini.GenerateOptions) (string, error)
	GenerateWithImage(ctx context.Context, prompt, mimeType string, data []byte) (string, error)
}

// Answer is one completed question round.
type Answer struct {
	Text    string                     `json:"answer"`
	Sources []vectorstore.SearchResult `json:"sources,omitempty"`
}

type Orchestrator struct {
	retriever Retriever
	generator Generator
	maxQuery  int
	logger    *slog.Logger
}

func NewOrchestrator(retriever Retriever, generator Generator, maxQueryLength int, logger *slog.Logger) *Orchestrator {
	if maxQueryLength <= 0 {
		maxQueryLength = defaultMaxQueryLength
	}
	return &Orchestrator{
		retriever: retriever,
		generator: generator,
		maxQuery:  maxQueryLength,
		logger:    logger,
	}
}

// Ask answers a free-form question grounded in whatever the store holds.
// Retrieval failure degrades to an ungrounded answer rather than failing the
// request; generation failure is the caller's error.
func (o *Orchestrator) Ask(ctx context.Context, query string) (*Answer, error) {
	query, err := o.cleanQuery(query)
	if err != nil {
		return nil, err
	}

	contextText, sources, err := o.retriever.RetrieveContext(ctx, query)
	if err != nil {
		o.logger.Warn("retrieval failed, answering without context", "error", err)
		contextText, sources = "", nil
	}

	text, err := o.generator.Generate(ctx, query, contextText, gemini.GenerateOptions{})
	if err != nil {
		return nil, fmt.Errorf("generate answer: %w", err)
	}
	return &Answer{Text: text, Sources: sources}, nil
}

// AskAboutFile answers a question restricted to one ingested file. isImage
// selects the image-description framing for files whose extracted text came
// from an image.
func (o *Orchestrator) AskAboutFile(ctx context.Context, query, fileID string, isImage bool) (*Answer, error) {
	query, err := o.cleanQuery(query)
	if err != nil {
		return nil, err
	}

	contextText, sources, err := o.retriever.RetrieveFileContext(ctx, query, fileID)
	if err != nil {
		o.logger.Warn("file retrieval failed, answering without context", "error", err, "file_id", fileID)
		contextText, sources = "", nil
	}

	text, err := o.generator.Generate(ctx, query, contextText, gemini.GenerateOptions{FileContext: true, Image: isImage})
	if err != nil {
		return nil, fmt.Errorf("generate answer: %w", err)
	}
	return &Answer{Text: text, Sources: sources}, nil
}

// AskAboutImage answers a question about an inline image.
func (o *Orchestrator) AskAboutImage(ctx context.Context, query, mimeType string, data []byte) (*Answer, error) {
	query, err := o.cleanQuery(query)
	if err != nil {
		return nil, err
	}

	text, err := o.generator.GenerateWithImage(ctx, query, mimeType, data)
	if err != nil {
		return nil, fmt.Errorf("generate answer: %w", err)
	}
	return &Answer{Text: text}, nil
}

// IngestFile chunks and stores one document, returning the chunk count.
func (o *Orchestrator) IngestFile(ctx context.Context, fileID, filename, text string) (int, error) {
	return o.retriever.Ingest(ctx, fileID, filename, text)
}

// DeleteFile removes a document's chunks; repeated deletion succeeds.
func (o *Orchestrator) DeleteFile(ctx context.Context, fileID string) error {
	return o.retriever.DeleteFile(ctx, fileID)
}

func (o *Orchestrator) ListFiles(ctx context.Context, page, pageSize int, orderBy, orderDir string) (*vectorstore.Page, error) {
	return o.retriever.ListFiles(ctx, page, pageSize, orderBy, orderDir)
}

func (o *Orchestrator) Stats(ctx context.Context) (*vectorstore.Stats, error) {
	return o.retriever.Stats(ctx)
}

// cleanQuery trims whitespace and caps runaway input.
func (o *Orchestrator) cleanQuery(query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", ErrEmptyQuery
	}
	runes := []rune(query)
	if len(runes) > o.maxQuery {
		query = string(runes[:o.maxQuery])
	}
	return query, nil
}
