// Package mongodb implements the chunk store on MongoDB Atlas. Search runs a
// three-tier fallback chain: native $vectorSearch, then ranked $text search,
// then a case-insensitive regex scan at a fixed neutral distance.
package mongodb

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Nmk78/RAG-Backend/internal/vectorstore"
)

// vectorIndexName is the Atlas Search index expected on the embedding field.
const vectorIndexName = "vector_index"

type Store struct {
	db       *mongo.Database
	coll     *mongo.Collection
	embedder vectorstore.Embedder
	logger   *slog.Logger
}

// New wires the store to an existing client and makes sure the metadata and
// text indexes exist. Index creation failures are logged, not fatal: the
// fallback chain degrades gracefully without them.
func New(ctx context.Context, client *mongo.Client, database, collection string, embedder vectorstore.Embedder, logger *slog.Logger) *Store {
	db := client.Database(database)
	s := &Store{
		db:       db,
		coll:     db.Collection(collection),
		embedder: embedder,
		logger:   logger,
	}
	s.ensureIndexes(ctx)
	return s
}

func (s *Store) ensureIndexes(ctx context.Context) {
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "file_id", Value: 1}}},
		{Keys: bson.D{{Key: "filename", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "content", Value: "text"}}},
	}
	if _, err := s.coll.Indexes().CreateMany(ctx, models); err != nil {
		s.logger.Warn("create chunk indexes", "error", err)
	}
}

// chunkDoc is the persisted shape of one document chunk. Content and
// embedding are immutable once stored.
type chunkDoc struct {
	ID        string         `bson:"_id"`
	Content   string         `bson:"content"`
	Embedding []float32      `bson:"embedding"`
	FileID    string         `bson:"file_id"`
	Filename  string         `bson:"filename"`
	Source    string         `bson:"source,omitempty"`
	CreatedAt time.Time      `bson:"created_at"`
	Metadata  map[string]any `bson:"metadata,omitempty"`
}

func (s *Store) Add(ctx context.Context, contents []string, meta vectorstore.Metadata) error {
	if len(contents) == 0 {
		return nil
	}

	embeddings, err := s.embedder.Embed(ctx, contents)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}

	now := time.Now().UTC()
	docs := make([]any, 0, len(contents))
	for i, content := range contents {
		docs = append(docs, chunkDoc{
			ID:        uuid.NewString(),
			Content:   content,
			Embedding: embeddings[i],
			FileID:    meta.FileID,
			Filename:  meta.Filename,
			Source:    meta.Source,
			CreatedAt: now,
			Metadata: map[string]any{
				"file_id":  meta.FileID,
				"filename": meta.Filename,
				"source":   meta.Source,
			},
		})
	}

	if _, err := s.coll.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("insert chunks: %w", err)
	}
	s.logger.Info("added chunks", "count", len(contents), "file_id", meta.FileID)
	return nil
}

func (s *Store) Search(ctx context.Context, query string, k int) ([]vectorstore.SearchResult, error) {
	return s.SearchFiltered(ctx, query, nil, k)
}

func (s *Store) SearchFiltered(ctx context.Context, query string, filter vectorstore.Filter, k int) ([]vectorstore.SearchResult, error) {
	tiers := []vectorstore.Tier{
		{Name: "vector", Run: func(ctx context.Context) ([]vectorstore.SearchResult, error) {
			return s.vectorSearch(ctx, query, filter, k)
		}},
		{Name: "text", Run: func(ctx context.Context) ([]vectorstore.SearchResult, error) {
			return s.textSearch(ctx, query, filter, k)
		}},
		{Name: "regex", Run: func(ctx context.Context) ([]vectorstore.SearchResult, error) {
			return s.regexSearch(ctx, query, filter, k)
		}},
	}
	return vectorstore.RunTiers(ctx, s.logger, tiers), nil
}

// scoredDoc is the projected shape returned by the search tiers.
type scoredDoc struct {
	Content  string         `bson:"content"`
	Metadata map[string]any `bson:"metadata"`
	Filename string         `bson:"filename"`
	FileID   string         `bson:"file_id"`
	Score    float64        `bson:"score"`
}

// vectorSearch runs the native ANN aggregation. A missing Atlas vector index
// surfaces as an aggregation error, which the tier runner treats as a signal
// to fall through to text search without retrying.
func (s *Store) vectorSearch(ctx context.Context, query string, filter vectorstore.Filter, k int) ([]vectorstore.SearchResult, error) {
	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	search := bson.D{
		{Key: "queryVector", Value: vectors[0]},
		{Key: "path", Value: "embedding"},
		{Key: "numCandidates", Value: k * 10},
		{Key: "limit", Value: k},
		{Key: "index", Value: vectorIndexName},
	}
	if len(filter) > 0 {
		search = append(search, bson.E{Key: "filter", Value: filterToBSON(filter)})
	}

	pipeline := mongo.Pipeline{
		bson.D{{Key: "$vectorSearch", Value: search}},
		bson.D{{Key: "$project", Value: bson.D{
			{Key: "content", Value: 1},
			{Key: "metadata", Value: 1},
			{Key: "filename", Value: 1},
			{Key: "file_id", Value: 1},
			{Key: "score", Value: bson.D{{Key: "$meta", Value: "vectorSearchScore"}}},
		}}},
	}

	cursor, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	var docs []scoredDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	results := make([]vectorstore.SearchResult, 0, len(docs))
	for _, d := range docs {
		results = append(results, vectorstore.SearchResult{
			Content:  d.Content,
			Metadata: d.Metadata,
			Distance: vectorstore.DistanceFromScore(d.Score),
			Filename: d.Filename,
			FileID:   d.FileID,
		})
	}
	return results, nil
}

func (s *Store) textSearch(ctx context.Context, query string, filter vectorstore.Filter, k int) ([]vectorstore.SearchResult, error) {
	match := filterToBSON(filter)
	match = append(match, bson.E{Key: "$text", Value: bson.D{{Key: "$search", Value: query}}})

	opts := options.Find().
		SetProjection(bson.D{
			{Key: "content", Value: 1},
			{Key: "metadata", Value: 1},
			{Key: "filename", Value: 1},
			{Key: "file_id", Value: 1},
			{Key: "score", Value: bson.D{{Key: "$meta", Value: "textScore"}}},
		}).
		SetSort(bson.D{{Key: "score", Value: bson.D{{Key: "$meta", Value: "textScore"}}}}).
		SetLimit(int64(k))

	cursor, err := s.coll.Find(ctx, match, opts)
	if err != nil {
		return nil, err
	}
	var docs []scoredDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	results := make([]vectorstore.SearchResult, 0, len(docs))
	for _, d := range docs {
		results = append(results, vectorstore.SearchResult{
			Content:  d.Content,
			Metadata: d.Metadata,
			Distance: vectorstore.DistanceFromTextScore(d.Score),
			Filename: d.Filename,
			FileID:   d.FileID,
		})
	}
	return results, nil
}

// regexSearch is the last resort: a case-insensitive substring scan. Every
// hit gets the fixed neutral distance since no relevance score exists.
func (s *Store) regexSearch(ctx context.Context, query string, filter vectorstore.Filter, k int) ([]vectorstore.SearchResult, error) {
	match := filterToBSON(filter)
	match = append(match, bson.E{Key: "content", Value: bson.D{
		{Key: "$regex", Value: regexp.QuoteMeta(query)},
		{Key: "$options", Value: "i"},
	}})

	cursor, err := s.coll.Find(ctx, match, options.Find().SetLimit(int64(k)))
	if err != nil {
		return nil, err
	}
	var docs []chunkDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	results := make([]vectorstore.SearchResult, 0, len(docs))
	for _, d := range docs {
		results = append(results, vectorstore.SearchResult{
			Content:  d.Content,
			Metadata: d.Metadata,
			Distance: vectorstore.RegexMatchDistance,
			Filename: d.Filename,
			FileID:   d.FileID,
		})
	}
	return results, nil
}

func (s *Store) DeleteByFilter(ctx context.Context, filter vectorstore.Filter) error {
	if len(filter) == 0 {
		return vectorstore.ErrEmptyFilter
	}
	res, err := s.coll.DeleteMany(ctx, filterToBSON(filter))
	if err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	s.logger.Info("deleted chunks", "count", res.DeletedCount, "filter", filter)
	return nil
}

func (s *Store) ListFilesPaginated(ctx context.Context, page, pageSize int, orderBy, orderDir string) (*vectorstore.Page, error) {
	orderBy, orderDir = vectorstore.NormalizeOrder(orderBy, orderDir)

	fileIDs, err := s.coll.Distinct(ctx, "file_id", bson.D{})
	if err != nil {
		return nil, fmt.Errorf("count files: %w", err)
	}
	offset, limit, page, totalPages := vectorstore.PageBounds(page, pageSize, int64(len(fileIDs)))

	pipeline := mongo.Pipeline{
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$file_id"},
			{Key: "filename", Value: bson.D{{Key: "$first", Value: "$filename"}}},
			{Key: "chunk_count", Value: bson.D{{Key: "$sum", Value: 1}}},
			{Key: "created_at", Value: bson.D{{Key: "$first", Value: "$created_at"}}},
		}}},
		bson.D{{Key: "$sort", Value: groupSort(orderBy, orderDir)}},
		bson.D{{Key: "$skip", Value: offset}},
		bson.D{{Key: "$limit", Value: limit}},
	}

	cursor, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	var rows []struct {
		FileID     string    `bson:"_id"`
		Filename   string    `bson:"filename"`
		ChunkCount int64     `bson:"chunk_count"`
		CreatedAt  time.Time `bson:"created_at"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("decode file listing: %w", err)
	}

	files := make([]vectorstore.FileInfo, 0, len(rows))
	for _, r := range rows {
		files = append(files, vectorstore.FileInfo{
			FileID:     r.FileID,
			Filename:   r.Filename,
			ChunkCount: r.ChunkCount,
			CreatedAt:  r.CreatedAt,
		})
	}

	return &vectorstore.Page{
		Files:      files,
		TotalCount: int64(len(fileIDs)),
		Page:       page,
		PageSize:   limit,
		TotalPages: totalPages,
	}, nil
}

func (s *Store) Stats(ctx context.Context) (*vectorstore.Stats, error) {
	count, err := s.coll.CountDocuments(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("count documents: %w", err)
	}
	fileIDs, err := s.coll.Distinct(ctx, "file_id", bson.D{})
	if err != nil {
		return nil, fmt.Errorf("count files: %w", err)
	}

	stats := &vectorstore.Stats{
		Backend:       "mongodb_atlas",
		Database:      s.db.Name(),
		Collection:    s.coll.Name(),
		DocumentCount: count,
		FileCount:     int64(len(fileIDs)),
	}

	// Storage sizes are best-effort; collStats may be unavailable on shared
	// tiers.
	var collStats struct {
		Size           int64 `bson:"size"`
		TotalIndexSize int64 `bson:"totalIndexSize"`
	}
	if err := s.db.RunCommand(ctx, bson.D{{Key: "collStats", Value: s.coll.Name()}}).Decode(&collStats); err != nil {
		s.logger.Debug("collStats unavailable", "error", err)
	} else {
		stats.StorageBytes = collStats.Size
		stats.IndexBytes = collStats.TotalIndexSize
	}
	return stats, nil
}

func filterToBSON(filter vectorstore.Filter) bson.D {
	out := bson.D{}
	for key, value := range filter {
		out = append(out, bson.E{Key: key, Value: value})
	}
	return out
}

func groupSort(orderBy, orderDir string) bson.D {
	field := orderBy
	if orderBy == vectorstore.OrderByFileID {
		field = "_id" // grouped key
	}
	dir := 1
	if orderDir == vectorstore.OrderDesc {
		dir = -1
	}
	return bson.D{{Key: field, Value: dir}}
}
