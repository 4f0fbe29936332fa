package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Nmk78/RAG-Backend/internal/api"
	"github.com/Nmk78/RAG-Backend/internal/chat"
	"github.com/Nmk78/RAG-Backend/internal/config"
	"github.com/Nmk78/RAG-Backend/internal/core"
	"github.com/Nmk78/RAG-Backend/internal/gemini"
	"github.com/Nmk78/RAG-Backend/internal/rag"
	"github.com/Nmk78/RAG-Backend/internal/vectorstore"
	"github.com/Nmk78/RAG-Backend/internal/vectorstore/memory"
	"github.com/Nmk78/RAG-Backend/internal/vectorstore/mongodb"
	"github.com/Nmk78/RAG-Backend/internal/vectorstore/zilliz"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	mongoClient, err := mongo.Connect(startupCtx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		logger.Error("failed to connect to MongoDB", "error", err)
		os.Exit(1)
	}
	defer func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := mongoClient.Disconnect(disconnectCtx); err != nil {
			logger.Warn("mongo disconnect failed", "error", err)
		}
	}()

	llm, err := gemini.NewClient(startupCtx, cfg.GeminiKeys(), cfg.GeminiModel, cfg.GeminiEmbeddingModel, logger)
	if err != nil {
		logger.Error("failed to initialize Gemini client", "error", err)
		os.Exit(1)
	}
	defer llm.Close()

	store, err := newVectorStore(startupCtx, cfg, mongoClient, llm, logger)
	if err != nil {
		logger.Error("failed to initialize vector store", "error", err)
		os.Exit(1)
	}

	chunker := rag.NewChunker(cfg.ChunkSize, cfg.ChunkOverlap)
	pipeline := rag.NewPipeline(store, chunker, cfg.TopK, cfg.MaxContextLength, logger)

	sessions := chat.NewStore(mongoClient.Database(cfg.MongoDatabase), chat.TTLPolicy{
		Temporary:  cfg.TemporarySessionTTL,
		Persistent: cfg.PersistentSessionTTL,
	}, logger)

	arena := chat.NewArena(cfg.ArenaIdleTimeout, logger)
	arena.StartSweeper(ctx, cfg.ArenaSweepInterval)

	orchestrator := core.NewOrchestrator(pipeline, llm, cfg.MaxContextLength, logger)
	handler := api.NewHandler(orchestrator, sessions, arena, core.TextParser{}, nil, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RequestTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("server starting", "addr", srv.Addr, "vector_store", cfg.VectorStoreType)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", "error", err)
	}
	logger.Info("server stopped")
}

func newVectorStore(ctx context.Context, cfg *config.Config, mongoClient *mongo.Client, embedder vectorstore.Embedder, logger *slog.Logger) (vectorstore.Store, error) {
	switch cfg.VectorStoreType {
	case config.StoreMongoDB:
		return mongodb.New(ctx, mongoClient, cfg.MongoDatabase, cfg.MongoCollection, embedder, logger), nil
	case config.StoreZilliz:
		return zilliz.New(ctx, zilliz.Config{
			URI:        cfg.ZillizURI,
			Token:      cfg.ZillizToken,
			Collection: cfg.ZillizCollection,
			Dimension:  cfg.EmbeddingDim,
			Timeout:    cfg.RequestTimeout,
		}, embedder, logger)
	case config.StoreMemory:
		return memory.New(embedder, logger), nil
	default:
		return nil, fmt.Errorf("unknown vector store type %q", cfg.VectorStoreType)
	}
}

func logLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
