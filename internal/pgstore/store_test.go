package pgstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatpipe/internal/message"
)

func TestDecodeNotification(t *testing.T) {
	ref, err := decodeNotification(`{"id":"6b1f","conversation_id":"c1"}`)
	require.NoError(t, err)
	assert.Equal(t, "6b1f", ref.ID)
	assert.Equal(t, "c1", ref.ConversationID)

	_, err = decodeNotification(`{"id":"6b1f"}`)
	assert.Error(t, err)
	_, err = decodeNotification(`not json`)
	assert.Error(t, err)
}

func TestNilStore(t *testing.T) {
	var s *Store
	_, err := s.Query(context.Background(), "c1")
	assert.ErrorIs(t, err, ErrNilPool)
	assert.ErrorIs(t, s.MarkRead(context.Background(), "c1", "u1"), ErrNilPool)
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(entries), 2)
}

// openTestStore connects to CHATPIPE_TEST_DATABASE_URL or skips.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("CHATPIPE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CHATPIPE_TEST_DATABASE_URL not set")
	}
	require.NoError(t, Migrate(url, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := NewPool(ctx, url, 4)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s := New(pool, nil)
	s.RetryDelay = 100 * time.Millisecond
	return s
}

func TestInsertQueryRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	conv := "conv-" + uuid.NewString()

	row := message.Message{
		ConversationID: conv,
		SenderID:       "u1",
		Kind:           message.KindText,
		Content:        "hello",
		ClientKey:      uuid.NewString(),
	}
	first, err := s.Insert(ctx, row)
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.False(t, first.CreatedAt.IsZero())

	again, err := s.Insert(ctx, row)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID, "same client key returns the stored row")

	msgs, err := s.Query(ctx, conv)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)

	require.NoError(t, s.MarkRead(ctx, conv, "u2"))
	require.NoError(t, s.MarkRead(ctx, conv, "u2"))
}

func TestSubscribeDeliversInserts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	conv := "conv-" + uuid.NewString()

	got := make(chan message.Message, 4)
	sub, err := s.Subscribe(ctx, conv, func(m message.Message) { got <- m })
	require.NoError(t, err)
	defer sub.Close()

	_, err = s.Insert(ctx, message.Message{ConversationID: "other-" + conv, SenderID: "u1", Kind: message.KindText, Content: "skip"})
	require.NoError(t, err)
	inserted, err := s.Insert(ctx, message.Message{ConversationID: conv, SenderID: "u1", Kind: message.KindText, Content: "pushed"})
	require.NoError(t, err)

	select {
	case m := <-got:
		assert.Equal(t, inserted.ID, m.ID)
		assert.Equal(t, "pushed", m.Content)
	case <-time.After(5 * time.Second):
		t.Fatal("no notification received")
	}
}
