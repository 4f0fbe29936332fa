package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Store type values accepted in VECTOR_STORE_TYPE.
const (
	StoreMongoDB = "mongodb"
	StoreZilliz  = "zilliz"
	StoreMemory  = "memory"
)

type Config struct {
	HTTPPort string `env:"HTTP_PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"INFO"`

	// Gemini. GEMINI_API_KEYS is a comma-separated pool used for rotation;
	// GEMINI_API_KEY is the single-key fallback.
	GeminiAPIKey         string   `env:"GEMINI_API_KEY"`
	GeminiAPIKeys        []string `env:"GEMINI_API_KEYS" envSeparator:","`
	GeminiModel          string   `env:"GEMINI_MODEL" envDefault:"gemini-2.5-flash"`
	GeminiEmbeddingModel string   `env:"GEMINI_EMBEDDING_MODEL" envDefault:"text-embedding-004"`

	VectorStoreType string `env:"VECTOR_STORE_TYPE" envDefault:"mongodb"`

	// MongoDB holds chat sessions and, when VECTOR_STORE_TYPE=mongodb, the
	// document chunks as well.
	MongoURI        string `env:"MONGODB_URI"`
	MongoDatabase   string `env:"MONGODB_DATABASE" envDefault:"rag_chatbot"`
	MongoCollection string `env:"MONGODB_COLLECTION" envDefault:"documents"`

	ZillizURI        string `env:"ZILLIZ_URI"`
	ZillizToken      string `env:"ZILLIZ_TOKEN"`
	ZillizCollection string `env:"ZILLIZ_COLLECTION" envDefault:"rag_documents"`

	EmbeddingDim     int `env:"EMBEDDING_DIM" envDefault:"768"`
	ChunkSize        int `env:"CHUNK_SIZE" envDefault:"1000"`
	ChunkOverlap     int `env:"CHUNK_OVERLAP" envDefault:"200"`
	MaxContextLength int `env:"MAX_CONTEXT_LENGTH" envDefault:"4000"`
	TopK             int `env:"TOP_K_RETRIEVAL" envDefault:"5"`

	TemporarySessionTTL  time.Duration `env:"TEMPORARY_SESSION_TTL" envDefault:"5h"`
	PersistentSessionTTL time.Duration `env:"PERSISTENT_SESSION_TTL" envDefault:"360h"`

	ArenaIdleTimeout   time.Duration `env:"ARENA_IDLE_TIMEOUT" envDefault:"24h"`
	ArenaSweepInterval time.Duration `env:"ARENA_SWEEP_INTERVAL" envDefault:"1h"`

	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"60s"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load() // .env is optional

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GeminiKeys returns the credential pool, preferring the key list over the
// single-key variable. Blank entries are dropped.
func (c *Config) GeminiKeys() []string {
	keys := make([]string, 0, len(c.GeminiAPIKeys))
	for _, key := range c.GeminiAPIKeys {
		if key = strings.TrimSpace(key); key != "" {
			keys = append(keys, key)
		}
	}
	if len(keys) > 0 {
		return keys
	}
	if c.GeminiAPIKey != "" {
		return []string{c.GeminiAPIKey}
	}
	return nil
}

func (c *Config) validate() error {
	if len(c.GeminiKeys()) == 0 {
		return errors.New("config: GEMINI_API_KEY or GEMINI_API_KEYS is required")
	}

	// Chat sessions always live in MongoDB, whichever chunk store is chosen.
	if c.MongoURI == "" {
		return errors.New("config: MONGODB_URI is required")
	}

	switch c.VectorStoreType {
	case StoreMongoDB, StoreMemory:
	case StoreZilliz:
		if c.ZillizURI == "" || c.ZillizToken == "" {
			return errors.New("config: ZILLIZ_URI and ZILLIZ_TOKEN are required when using the zilliz vector store")
		}
	default:
		return fmt.Errorf("config: unsupported vector store type %q", c.VectorStoreType)
	}

	if c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("config: CHUNK_OVERLAP (%d) must be smaller than CHUNK_SIZE (%d)", c.ChunkOverlap, c.ChunkSize)
	}
	return nil
}
