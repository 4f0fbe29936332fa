package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrAccessDenied    = errors.New("session belongs to another user")
)

// Store persists sessions and messages.
type Store struct {
	sessions *mongo.Collection
	messages *mongo.Collection
	ttl      TTLPolicy
	logger   *slog.Logger
	now      func() time.Time
}

func NewStore(db *mongo.Database, ttl TTLPolicy, logger *slog.Logger) *Store {
	s := &Store{
		sessions: db.Collection("chat_sessions"),
		messages: db.Collection("chat_messages"),
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
	}
	s.ensureIndexes(context.Background())
	return s
}

func (s *Store) ensureIndexes(ctx context.Context) {
	sessionIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "updated_at", Value: -1}}},
		{Keys: bson.D{{Key: "expires_at", Value: 1}}},
	}
	if _, err := s.sessions.Indexes().CreateMany(ctx, sessionIndexes); err != nil {
		s.logger.Warn("session index creation failed", "error", err)
	}

	messageIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "content", Value: "text"}}},
	}
	if _, err := s.messages.Indexes().CreateMany(ctx, messageIndexes); err != nil {
		s.logger.Warn("message index creation failed", "error", err)
	}
}

// CreateOptions controls session creation. A session is temporary when asked
// for explicitly or when no user is attached.
type CreateOptions struct {
	UserID    string
	Title     string
	Temporary bool
}

func (s *Store) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	now := s.now().UTC()
	temporary := opts.Temporary || opts.UserID == ""
	expiresAt := now.Add(s.ttl.For(temporary))

	session := &Session{
		ID:        uuid.NewString(),
		UserID:    opts.UserID,
		Title:     opts.Title,
		Temporary: temporary,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: &expiresAt,
	}
	if _, err := s.sessions.InsertOne(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.logger.Info("created session", "session_id", session.ID, "temporary", temporary)
	return session, nil
}

// Get fetches a session by ID. Expired sessions report as missing.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	var session Session
	err := s.sessions.FindOne(ctx, bson.M{"_id": sessionID}).Decode(&session)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if session.Expired(s.now().UTC()) {
		return nil, ErrSessionNotFound
	}
	return &session, nil
}

// GetForUser fetches a session and enforces ownership. Anonymous sessions
// (empty user_id) are open to any caller that knows the ID.
func (s *Store) GetForUser(ctx context.Context, sessionID, userID string) (*Session, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.UserID != "" && session.UserID != userID {
		return nil, ErrAccessDenied
	}
	return session, nil
}

// Update applies field changes and refreshes updated_at.
func (s *Store) Update(ctx context.Context, sessionID string, fields bson.M) error {
	set := bson.M{"updated_at": s.now().UTC()}
	for key, value := range fields {
		set[key] = value
	}
	res, err := s.sessions.UpdateOne(ctx, bson.M{"_id": sessionID}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Close marks the session inactive. It stays readable until its TTL lapses.
func (s *Store) Close(ctx context.Context, sessionID string) error {
	return s.Update(ctx, sessionID, bson.M{"is_active": false})
}

// AddMessage appends a message and bumps the session counters.
func (s *Store) AddMessage(ctx context.Context, msg *Message) error {
	if _, err := s.messages.InsertOne(ctx, msg); err != nil {
		return fmt.Errorf("add message: %w", err)
	}

	update := bson.M{
		"$set": bson.M{"updated_at": s.now().UTC()},
		"$inc": bson.M{
			"message_count": 1,
			"total_tokens":  msg.TokenCount,
		},
	}
	if _, err := s.sessions.UpdateOne(ctx, bson.M{"_id": msg.SessionID}, update); err != nil {
		return fmt.Errorf("bump session counters: %w", err)
	}
	return nil
}

// activeFilter matches open sessions whose TTL has not lapsed.
func (s *Store) activeFilter() bson.M {
	return bson.M{
		"is_active": true,
		"$or": bson.A{
			bson.M{"expires_at": bson.M{"$gt": s.now().UTC()}},
			bson.M{"expires_at": nil},
		},
	}
}

// ListSessions returns the user's active sessions, most recently updated
// first. Anonymous sessions are reachable only by ID: they are stored without
// a user_id field, shared by every anonymous principal, so listing them would
// expose one anonymous client's conversations to another.
func (s *Store) ListSessions(ctx context.Context, userID string, limit int64) ([]Session, error) {
	if userID == "" {
		return []Session{}, nil
	}

	filter := s.activeFilter()
	filter["user_id"] = userID

	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cursor, err := s.sessions.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer cursor.Close(ctx)

	var sessions []Session
	if err := cursor.All(ctx, &sessions); err != nil {
		return nil, fmt.Errorf("decode sessions: %w", err)
	}
	return sessions, nil
}

// ListMessages returns a session's messages in chronological order.
func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int64) ([]Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cursor, err := s.messages.Find(ctx, bson.M{"session_id": sessionID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer cursor.Close(ctx)

	var messages []Message
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return messages, nil
}

// SearchMessages runs a full-text search across the user's sessions.
// Anonymous callers get an empty result for the same reason ListSessions
// excludes them.
func (s *Store) SearchMessages(ctx context.Context, userID, query string, limit int64) ([]Message, error) {
	if userID == "" {
		return []Message{}, nil
	}

	sessionFilter := s.activeFilter()
	sessionFilter["user_id"] = userID
	ids, err := s.sessions.Distinct(ctx, "_id", sessionFilter)
	if err != nil {
		return nil, fmt.Errorf("resolve user sessions: %w", err)
	}
	if len(ids) == 0 {
		return []Message{}, nil
	}

	filter := bson.M{
		"session_id": bson.M{"$in": ids},
		"$text":      bson.M{"$search": query},
	}
	opts := options.Find().
		SetProjection(bson.M{"score": bson.M{"$meta": "textScore"}}).
		SetSort(bson.M{"score": bson.M{"$meta": "textScore"}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cursor, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer cursor.Close(ctx)

	var messages []Message
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return messages, nil
}

// SessionStats aggregates the session's message history by role.
func (s *Store) SessionStats(ctx context.Context, sessionID string) (*SessionStats, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"session_id": sessionID}}},
		{{Key: "$group", Value: bson.M{
			"_id":   "$role",
			"count": bson.M{"$sum": 1},
			"first": bson.M{"$min": "$created_at"},
			"last":  bson.M{"$max": "$created_at"},
		}}},
	}
	cursor, err := s.messages.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("aggregate messages: %w", err)
	}
	defer cursor.Close(ctx)

	var groups []struct {
		Role  string    `bson:"_id"`
		Count int64     `bson:"count"`
		First time.Time `bson:"first"`
		Last  time.Time `bson:"last"`
	}
	if err := cursor.All(ctx, &groups); err != nil {
		return nil, fmt.Errorf("decode message groups: %w", err)
	}

	stats := &SessionStats{
		SessionID:   sessionID,
		TotalTokens: session.TotalTokens,
		ByRole:      make(map[string]int64, len(groups)),
	}
	for _, g := range groups {
		stats.ByRole[g.Role] = g.Count
		stats.MessageCount += g.Count
		first, last := g.First, g.Last
		if stats.FirstMessageAt == nil || first.Before(*stats.FirstMessageAt) {
			stats.FirstMessageAt = &first
		}
		if stats.LastMessageAt == nil || last.After(*stats.LastMessageAt) {
			stats.LastMessageAt = &last
		}
	}
	return stats, nil
}
