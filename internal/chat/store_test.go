package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestAnonymousSessionDocumentOmitsUserID(t *testing.T) {
	raw, err := bson.Marshal(&Session{ID: "s1", Temporary: true})
	require.NoError(t, err)

	var doc bson.M
	require.NoError(t, bson.Unmarshal(raw, &doc))

	// The empty user_id is omitted from the document, so an exact-equality
	// lookup on "" could never match it. Anonymous listing must not rely on
	// such a query.
	_, present := doc["user_id"]
	assert.False(t, present)
}

func TestListSessionsExcludesAnonymous(t *testing.T) {
	s := &Store{now: time.Now}

	sessions, err := s.ListSessions(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestSearchMessagesExcludesAnonymous(t *testing.T) {
	s := &Store{now: time.Now}

	messages, err := s.SearchMessages(context.Background(), "", "atlas", 10)
	require.NoError(t, err)
	assert.Empty(t, messages)
}
