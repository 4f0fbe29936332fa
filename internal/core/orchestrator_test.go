package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nmk78/RAG-Backend/internal/gemini"
	"github.com/Nmk78/RAG-Backend/internal/vectorstore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubRetriever struct {
	contextText string
	results     []vectorstore.SearchResult
	err         error
	lastQuery   string
	lastFileID  string
	deleted     []string
}

func (s *stubRetriever) RetrieveContext(_ context.Context, query string) (string, []vectorstore.SearchResult, error) {
	s.lastQuery = query
	return s.contextText, s.results, s.err
}

func (s *stubRetriever) RetrieveFileContext(_ context.Context, query, fileID string) (string, []vectorstore.SearchResult, error) {
	s.lastQuery, s.lastFileID = query, fileID
	return s.contextText, s.results, s.err
}

func (s *stubRetriever) Ingest(context.Context, string, string, string) (int, error) {
	return 3, nil
}

func (s *stubRetriever) DeleteFile(_ context.Context, fileID string) error {
	s.deleted = append(s.deleted, fileID)
	return nil
}

func (s *stubRetriever) ListFiles(context.Context, int, int, string, string) (*vectorstore.Page, error) {
	return &vectorstore.Page{}, nil
}

func (s *stubRetriever) Stats(context.Context) (*vectorstore.Stats, error) {
	return &vectorstore.Stats{}, nil
}

type stubGenerator struct {
	answer      string
	err         error
	lastContext string
	lastOpts    gemini.GenerateOptions
	imageCalls  int
}

func (s *stubGenerator) Generate(_ context.Context, _, contextText string, opts gemini.GenerateOptions) (string, error) {
	s.lastContext = contextText
	s.lastOpts = opts
	return s.answer, s.err
}

func (s *stubGenerator) GenerateWithImage(context.Context, string, string, []byte) (string, error) {
	s.imageCalls++
	return s.answer, s.err
}

func TestAskGroundsAnswerInContext(t *testing.T) {
	retriever := &stubRetriever{
		contextText: "MongoDB Atlas is a cloud database.",
		results:     []vectorstore.SearchResult{{Content: "MongoDB Atlas is a cloud database."}},
	}
	generator := &stubGenerator{answer: "Atlas is MongoDB's managed cloud service."}
	o := NewOrchestrator(retriever, generator, 0, discardLogger())

	answer, err := o.Ask(context.Background(), "  what is atlas?  ")
	require.NoError(t, err)
	assert.Equal(t, "Atlas is MongoDB's managed cloud service.", answer.Text)
	assert.Len(t, answer.Sources, 1)
	assert.Equal(t, "what is atlas?", retriever.lastQuery, "query is trimmed before retrieval")
	assert.Equal(t, retriever.contextText, generator.lastContext)
}

func TestAskDegradesWhenRetrievalFails(t *testing.T) {
	retriever := &stubRetriever{err: errors.New("store offline")}
	generator := &stubGenerator{answer: "general answer"}
	o := NewOrchestrator(retriever, generator, 0, discardLogger())

	answer, err := o.Ask(context.Background(), "what is atlas?")
	require.NoError(t, err)
	assert.Equal(t, "general answer", answer.Text)
	assert.Empty(t, answer.Sources)
	assert.Empty(t, generator.lastContext, "failed retrieval yields an ungrounded prompt")
}

func TestAskPropagatesGenerationFailure(t *testing.T) {
	boom := errors.New("model unavailable")
	o := NewOrchestrator(&stubRetriever{}, &stubGenerator{err: boom}, 0, discardLogger())

	_, err := o.Ask(context.Background(), "q")
	assert.ErrorIs(t, err, boom)
}

func TestAskRejectsEmptyQuery(t *testing.T) {
	o := NewOrchestrator(&stubRetriever{}, &stubGenerator{}, 0, discardLogger())
	_, err := o.Ask(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestAskTruncatesRunawayQuery(t *testing.T) {
	retriever := &stubRetriever{}
	o := NewOrchestrator(retriever, &stubGenerator{answer: "ok"}, 100, discardLogger())

	_, err := o.Ask(context.Background(), strings.Repeat("q", 600))
	require.NoError(t, err)
	assert.Len(t, retriever.lastQuery, 100)
}

func TestAskAboutFileSetsFraming(t *testing.T) {
	retriever := &stubRetriever{contextText: "doc body"}
	generator := &stubGenerator{answer: "summary"}
	o := NewOrchestrator(retriever, generator, 0, discardLogger())

	answer, err := o.AskAboutFile(context.Background(), "summarize", "file-7", false)
	require.NoError(t, err)
	assert.Equal(t, "summary", answer.Text)
	assert.Equal(t, "file-7", retriever.lastFileID)
	assert.True(t, generator.lastOpts.FileContext)
	assert.False(t, generator.lastOpts.Image)
}

func TestAskAboutImageFileSetsImageFraming(t *testing.T) {
	retriever := &stubRetriever{contextText: "extracted caption"}
	generator := &stubGenerator{answer: "a bar chart"}
	o := NewOrchestrator(retriever, generator, 0, discardLogger())

	answer, err := o.AskAboutFile(context.Background(), "describe", "img-2", true)
	require.NoError(t, err)
	assert.Equal(t, "a bar chart", answer.Text)
	assert.True(t, generator.lastOpts.FileContext)
	assert.True(t, generator.lastOpts.Image)
}

func TestAskAboutImage(t *testing.T) {
	generator := &stubGenerator{answer: "a cat"}
	o := NewOrchestrator(&stubRetriever{}, generator, 0, discardLogger())

	answer, err := o.AskAboutImage(context.Background(), "what is this?", "image/png", []byte{1, 2})
	require.NoError(t, err)
	assert.Equal(t, "a cat", answer.Text)
	assert.Equal(t, 1, generator.imageCalls)
}

func TestDeleteFilePassesThrough(t *testing.T) {
	retriever := &stubRetriever{}
	o := NewOrchestrator(retriever, &stubGenerator{}, 0, discardLogger())

	require.NoError(t, o.DeleteFile(context.Background(), "f1"))
	require.NoError(t, o.DeleteFile(context.Background(), "f1"))
	assert.Equal(t, []string{"f1", "f1"}, retriever.deleted)
}
