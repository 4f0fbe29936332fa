// Package api exposes the engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Nmk78/RAG-Backend/internal/auth"
	"github.com/Nmk78/RAG-Backend/internal/chat"
	"github.com/Nmk78/RAG-Backend/internal/core"
	"github.com/Nmk78/RAG-Backend/internal/gemini"
	"github.com/Nmk78/RAG-Backend/internal/vectorstore"
	"go.mongodb.org/mongo-driver/bson"
)

// Engine answers questions and manages the document store.
type Engine interface {
	Ask(ctx context.Context, query string) (*core.Answer, error)
	AskAboutFile(ctx context.Context, query, fileID string, isImage bool) (*core.Answer, error)
	AskAboutImage(ctx context.Context, query, mimeType string, data []byte) (*core.Answer, error)
	IngestFile(ctx context.Context, fileID, filename, text string) (int, error)
	DeleteFile(ctx context.Context, fileID string) error
	ListFiles(ctx context.Context, page, pageSize int, orderBy, orderDir string) (*vectorstore.Page, error)
	Stats(ctx context.Context) (*vectorstore.Stats, error)
}

// SessionStore persists conversations.
type SessionStore interface {
	Create(ctx context.Context, opts chat.CreateOptions) (*chat.Session, error)
	Get(ctx context.Context, sessionID string) (*chat.Session, error)
	GetForUser(ctx context.Context, sessionID, userID string) (*chat.Session, error)
	Update(ctx context.Context, sessionID string, fields bson.M) error
	Close(ctx context.Context, sessionID string) error
	AddMessage(ctx context.Context, msg *chat.Message) error
	ListSessions(ctx context.Context, userID string, limit int64) ([]chat.Session, error)
	ListMessages(ctx context.Context, sessionID string, limit int64) ([]chat.Message, error)
	SearchMessages(ctx context.Context, userID, query string, limit int64) ([]chat.Message, error)
	SessionStats(ctx context.Context, sessionID string) (*chat.SessionStats, error)
}

type Handler struct {
	engine   Engine
	sessions SessionStore
	arena    *chat.Arena
	parser   core.FileParser
	authn    auth.Provider
	logger   *slog.Logger
}

func NewHandler(engine Engine, sessions SessionStore, arena *chat.Arena, parser core.FileParser, authn auth.Provider, logger *slog.Logger) *Handler {
	return &Handler{
		engine:   engine,
		sessions: sessions,
		arena:    arena,
		parser:   parser,
		authn:    authn,
		logger:   logger,
	}
}

// AuthMiddleware resolves the caller identity. Requests without a token, or
// when no verifier is configured, proceed as anonymous; a token that fails
// verification is rejected.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" || h.authn == nil {
			next.ServeHTTP(w, r)
			return
		}

		token := strings.TrimPrefix(header, "Bearer ")
		identity, err := h.authn.Verify(r.Context(), token)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), identity)))
	})
}

// principal identifies the caller for session binding: the user ID when
// authenticated, otherwise a client-supplied key or the remote address.
func (h *Handler) principal(r *http.Request) (userID, principal string) {
	if id := auth.IdentityFrom(r.Context()); id != nil {
		return id.UserID, id.UserID
	}
	if key := r.Header.Get("X-Client-ID"); key != "" {
		return "", key
	}
	return "", r.RemoteAddr
}

type queryRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
	FileID    string `json:"file_id,omitempty"`
	// IsImage marks file_id as an ingested image, switching the answer to the
	// image-description framing.
	IsImage bool `json:"is_image,omitempty"`
}

type queryResponse struct {
	Answer    string                     `json:"answer"`
	Sources   []vectorstore.SearchResult `json:"sources,omitempty"`
	SessionID string                     `json:"session_id,omitempty"`
}

// Query answers a question, creating or reusing a session for the caller and
// recording both turns.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	userID, principal := h.principal(r)
	session, err := h.resolveSession(r.Context(), req.SessionID, userID, principal)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	started := time.Now()
	var answer *core.Answer
	if req.FileID != "" {
		answer, err = h.engine.AskAboutFile(r.Context(), req.Query, req.FileID, req.IsImage)
	} else {
		answer, err = h.engine.Ask(r.Context(), req.Query)
	}
	if err != nil {
		h.writeErr(w, err)
		return
	}

	h.recordTurn(r.Context(), session.ID, chat.MessageTypeText, req.Query, answer.Text, time.Since(started))

	h.writeJSON(w, http.StatusOK, queryResponse{
		Answer:    answer.Text,
		Sources:   answer.Sources,
		SessionID: session.ID,
	})
}

// maxImageBytes caps how much of an uploaded image reaches the model.
const maxImageBytes = 10 << 20

// QueryImage answers a question about an uploaded image. The multipart form
// carries the binary under "image" and the question under "query"; an
// optional "session_id" targets an existing session.
func (h *Handler) QueryImage(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("image")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "multipart field 'image' is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxImageBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "could not read image")
		return
	}
	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mimeType, "image/") {
		h.writeErr(w, fmt.Errorf("%w: %q", core.ErrUnsupportedFormat, mimeType))
		return
	}

	userID, principal := h.principal(r)
	session, err := h.resolveSession(r.Context(), r.FormValue("session_id"), userID, principal)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	query := r.FormValue("query")
	started := time.Now()
	answer, err := h.engine.AskAboutImage(r.Context(), query, mimeType, data)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	h.recordTurn(r.Context(), session.ID, chat.MessageTypeImage, query, answer.Text, time.Since(started))

	h.writeJSON(w, http.StatusOK, queryResponse{
		Answer:    answer.Text,
		Sources:   answer.Sources,
		SessionID: session.ID,
	})
}

// resolveSession returns the explicit session when given, otherwise the
// caller's bound session, creating one if needed.
func (h *Handler) resolveSession(ctx context.Context, sessionID, userID, principal string) (*chat.Session, error) {
	if sessionID != "" {
		return h.sessions.GetForUser(ctx, sessionID, userID)
	}

	if bound, ok := h.arena.Lookup(principal); ok {
		session, err := h.sessions.GetForUser(ctx, bound, userID)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, chat.ErrSessionNotFound) {
			return nil, err
		}
		h.arena.Evict(principal)
	}

	session, err := h.sessions.Create(ctx, chat.CreateOptions{UserID: userID})
	if err != nil {
		return nil, err
	}
	h.arena.Bind(principal, session.ID)
	return session, nil
}

// recordTurn stores both halves of one exchange. Persistence failures are
// logged, not surfaced; the caller already has the answer.
func (h *Handler) recordTurn(ctx context.Context, sessionID, msgType, query, answer string, elapsed time.Duration) {
	userMsg := chat.NewMessage(sessionID, chat.RoleUser, query)
	userMsg.Type = msgType
	if err := h.sessions.AddMessage(ctx, userMsg); err != nil {
		h.logger.Warn("failed to store user message", "session_id", sessionID, "error", err)
		return
	}
	assistantMsg := chat.NewMessage(sessionID, chat.RoleAssistant, answer)
	assistantMsg.ResponseTimeMS = elapsed.Milliseconds()
	if err := h.sessions.AddMessage(ctx, assistantMsg); err != nil {
		h.logger.Warn("failed to store assistant message", "session_id", sessionID, "error", err)
	}
}

type createSessionRequest struct {
	Title     string `json:"title,omitempty"`
	Temporary bool   `json:"temporary,omitempty"`
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	userID, principal := h.principal(r)
	session, err := h.sessions.Create(r.Context(), chat.CreateOptions{
		UserID:    userID,
		Title:     req.Title,
		Temporary: req.Temporary,
	})
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.arena.Bind(principal, session.ID)

	h.writeJSON(w, http.StatusCreated, session)
}

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	userID, _ := h.principal(r)
	sessions, err := h.sessions.ListSessions(r.Context(), userID, queryInt64(r, "limit", 50))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if sessions == nil {
		sessions = []chat.Session{}
	}
	h.writeJSON(w, http.StatusOK, sessions)
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	userID, _ := h.principal(r)
	session, err := h.sessions.GetForUser(r.Context(), chi.URLParam(r, "sessionID"), userID)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, session)
}

func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	userID, principal := h.principal(r)
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := h.sessions.GetForUser(r.Context(), sessionID, userID); err != nil {
		h.writeErr(w, err)
		return
	}
	if err := h.sessions.Close(r.Context(), sessionID); err != nil {
		h.writeErr(w, err)
		return
	}
	if bound, ok := h.arena.Lookup(principal); ok && bound == sessionID {
		h.arena.Evict(principal)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID, _ := h.principal(r)
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := h.sessions.GetForUser(r.Context(), sessionID, userID); err != nil {
		h.writeErr(w, err)
		return
	}
	messages, err := h.sessions.ListMessages(r.Context(), sessionID, queryInt64(r, "limit", 100))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if messages == nil {
		messages = []chat.Message{}
	}
	h.writeJSON(w, http.StatusOK, messages)
}

type postMessageRequest struct {
	Content string `json:"content"`
	FileID  string `json:"file_id,omitempty"`
	IsImage bool   `json:"is_image,omitempty"`
}

// PostMessage runs one chat turn inside an explicit session.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	userID, _ := h.principal(r)
	sessionID := chi.URLParam(r, "sessionID")
	session, err := h.sessions.GetForUser(r.Context(), sessionID, userID)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if !session.IsActive {
		h.writeError(w, http.StatusConflict, "session is closed")
		return
	}

	started := time.Now()
	var answer *core.Answer
	if req.FileID != "" {
		answer, err = h.engine.AskAboutFile(r.Context(), req.Content, req.FileID, req.IsImage)
	} else {
		answer, err = h.engine.Ask(r.Context(), req.Content)
	}
	if err != nil {
		h.writeErr(w, err)
		return
	}

	h.recordTurn(r.Context(), session.ID, chat.MessageTypeText, req.Content, answer.Text, time.Since(started))

	h.writeJSON(w, http.StatusOK, queryResponse{
		Answer:    answer.Text,
		Sources:   answer.Sources,
		SessionID: session.ID,
	})
}

func (h *Handler) SessionStats(w http.ResponseWriter, r *http.Request) {
	userID, _ := h.principal(r)
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := h.sessions.GetForUser(r.Context(), sessionID, userID); err != nil {
		h.writeErr(w, err)
		return
	}
	stats, err := h.sessions.SessionStats(r.Context(), sessionID)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) SearchMessages(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		h.writeError(w, http.StatusBadRequest, "query parameter q is required")
		return
	}

	userID, _ := h.principal(r)
	messages, err := h.sessions.SearchMessages(r.Context(), userID, query, queryInt64(r, "limit", 50))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if messages == nil {
		messages = []chat.Message{}
	}
	h.writeJSON(w, http.StatusOK, messages)
}

type uploadResponse struct {
	FileID     string `json:"file_id"`
	Filename   string `json:"filename"`
	ChunkCount int    `json:"chunk_count"`
}

// UploadFile ingests one multipart document.
func (h *Handler) UploadFile(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	text, err := h.parser.ExtractText(r.Context(), header.Filename, file)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	fileID := uuid.NewString()
	chunks, err := h.engine.IngestFile(r.Context(), fileID, header.Filename, text)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, uploadResponse{
		FileID:     fileID,
		Filename:   header.Filename,
		ChunkCount: chunks,
	})
}

func (h *Handler) ListFiles(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 20)
	orderBy := r.URL.Query().Get("order_by")
	orderDir := r.URL.Query().Get("order_dir")

	result, err := h.engine.ListFiles(r.Context(), page, pageSize, orderBy, orderDir)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteFile(r.Context(), chi.URLParam(r, "fileID")); err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(r.Context())
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, errorResponse{Error: msg})
}

func (h *Handler) writeErr(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
		h.writeError(w, status, "internal error")
		return
	}
	h.writeError(w, status, err.Error())
}

// errorStatus maps domain errors to HTTP statuses.
func errorStatus(err error) int {
	var exhausted *gemini.ExhaustedError
	switch {
	case errors.As(err, &exhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, chat.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, core.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, core.ErrExtractionFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrEmptyQuery):
		return http.StatusBadRequest
	case errors.Is(err, io.EOF):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func queryInt64(r *http.Request, name string, fallback int64) int64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}
