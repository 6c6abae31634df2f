package conversation

import (
	"context"

	"chatpipe/internal/message"
)

// MessageStore is the backend holding conversation rows.
type MessageStore interface {
	// Insert persists row and returns the confirmed row with its durable id.
	Insert(ctx context.Context, row message.Message) (message.Message, error)
	// Query returns the history of a conversation ordered by creation time.
	Query(ctx context.Context, conversationID string) ([]message.Message, error)
	// Subscribe calls onInsert for every row inserted into the conversation
	// until the subscription is closed.
	Subscribe(ctx context.Context, conversationID string, onInsert func(message.Message)) (Subscription, error)
	// MarkRead records that userID has read the conversation.
	MarkRead(ctx context.Context, conversationID, userID string) error
}

// Subscription is a live push channel.
type Subscription interface {
	Close() error
}

// BlobStore stores audio payloads.
type BlobStore interface {
	Upload(ctx context.Context, data []byte, dest string) (string, error)
}

// FileSystem is the part of the local file system the engine needs.
type FileSystem interface {
	ReadFile(path string) ([]byte, error)
	Delete(path string) error
}

// Notifier asks the push service to deliver pending notifications.
type Notifier interface {
	NotifyPending(ctx context.Context, limit int) error
}

// Journal persists failed sends across restarts.
type Journal interface {
	SaveFailed(ctx context.Context, m message.Message) error
	Remove(ctx context.Context, id string) error
	ListFailed(ctx context.Context, conversationID string) ([]message.Message, error)
}

// Subscriber is a push channel served separately from the store.
type Subscriber interface {
	Subscribe(ctx context.Context, conversationID string, onInsert func(message.Message)) (Subscription, error)
}

// WithPushChannel returns store with Subscribe served by sub.
func WithPushChannel(store MessageStore, sub Subscriber) MessageStore {
	return pushStore{MessageStore: store, sub: sub}
}

type pushStore struct {
	MessageStore
	sub Subscriber
}

func (p pushStore) Subscribe(ctx context.Context, conversationID string, onInsert func(message.Message)) (Subscription, error) {
	return p.sub.Subscribe(ctx, conversationID, onInsert)
}
