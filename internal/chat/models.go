// Package chat persists conversation sessions and their messages in MongoDB,
// with TTL-based expiry of anonymous sessions and an in-memory arena binding
// live principals to their current session.
package chat

import (
	"time"

	"github.com/google/uuid"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
	MessageTypeFile  = "file"
)

// Session is one conversation. Temporary sessions belong to anonymous
// principals and carry a short TTL; persistent sessions belong to
// authenticated users and live for the long TTL. Expiry is enforced at read
// time, expired documents are filtered out rather than deleted.
type Session struct {
	ID           string     `bson:"_id" json:"session_id"`
	UserID       string     `bson:"user_id,omitempty" json:"user_id,omitempty"`
	Title        string     `bson:"title,omitempty" json:"title,omitempty"`
	Temporary    bool       `bson:"temporary" json:"temporary"`
	IsActive     bool       `bson:"is_active" json:"is_active"`
	MessageCount int64      `bson:"message_count" json:"message_count"`
	TotalTokens  int64      `bson:"total_tokens" json:"total_tokens"`
	CreatedAt    time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `bson:"updated_at" json:"updated_at"`
	ExpiresAt    *time.Time `bson:"expires_at,omitempty" json:"expires_at,omitempty"`
}

// Expired reports whether the session's TTL has elapsed. Sessions without an
// expiry never expire.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !s.ExpiresAt.After(now)
}

// ActiveAt reports whether the session is open and unexpired.
func (s *Session) ActiveAt(now time.Time) bool {
	return s.IsActive && !s.Expired(now)
}

// Message is one turn in a session. Messages are append-only.
type Message struct {
	ID             string    `bson:"_id" json:"message_id"`
	SessionID      string    `bson:"session_id" json:"session_id"`
	Role           string    `bson:"role" json:"role"`
	Content        string    `bson:"content" json:"content"`
	Type           string    `bson:"type" json:"type"`
	TokenCount     int64     `bson:"token_count,omitempty" json:"token_count,omitempty"`
	ResponseTimeMS int64     `bson:"response_time_ms,omitempty" json:"response_time_ms,omitempty"`
	CreatedAt      time.Time `bson:"created_at" json:"created_at"`
}

func NewMessage(sessionID, role, content string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Type:      MessageTypeText,
		CreatedAt: time.Now().UTC(),
	}
}

// TTLPolicy carries the two session lifetimes.
type TTLPolicy struct {
	Temporary  time.Duration
	Persistent time.Duration
}

// For returns the lifetime that applies to a session of the given kind.
func (p TTLPolicy) For(temporary bool) time.Duration {
	if temporary {
		return p.Temporary
	}
	return p.Persistent
}

// SessionStats aggregates one session's message history.
type SessionStats struct {
	SessionID      string           `json:"session_id"`
	MessageCount   int64            `json:"message_count"`
	TotalTokens    int64            `json:"total_tokens"`
	ByRole         map[string]int64 `json:"by_role"`
	FirstMessageAt *time.Time       `json:"first_message_at,omitempty"`
	LastMessageAt  *time.Time       `json:"last_message_at,omitempty"`
}
