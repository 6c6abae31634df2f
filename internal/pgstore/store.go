// Package pgstore is the PostgreSQL message store. Inserts are pushed to
// subscribers through LISTEN/NOTIFY.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chatpipe/internal/conversation"
	"chatpipe/internal/logging"
	"chatpipe/internal/message"
)

// NotifyChannel is the channel the insert trigger notifies.
const NotifyChannel = "chatpipe_messages"

var ErrNilPool = errors.New("pgstore: nil pool")

// NewPool connects to databaseURL and pings it.
func NewPool(ctx context.Context, databaseURL string, maxConns int32) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// Store implements conversation.MessageStore on PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	// RetryDelay is the pause before a dropped listener reconnects.
	RetryDelay time.Duration
}

var _ conversation.MessageStore = (*Store)(nil)

// New wraps pool.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = logging.Component("pgstore")
	}
	return &Store{pool: pool, logger: logger, RetryDelay: 2 * time.Second}
}

const selectColumns = `id::text, conversation_id, sender_id, kind, content, audio_ref, audio_duration, client_key, created_at`

// Insert stores row. A row whose client key the sender already used returns
// the stored row instead of a new one.
func (s *Store) Insert(ctx context.Context, row message.Message) (message.Message, error) {
	if s == nil || s.pool == nil {
		return message.Message{}, ErrNilPool
	}
	if !row.Kind.Valid() {
		return message.Message{}, message.ErrUnknownKind
	}
	return scanMessage(s.pool.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, sender_id, kind, content, audio_ref, audio_duration, client_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (sender_id, client_key) WHERE client_key <> ''
		DO UPDATE SET client_key = EXCLUDED.client_key
		RETURNING `+selectColumns,
		row.ConversationID, row.SenderID, string(row.Kind), row.Content, row.AudioRef, row.AudioDuration, row.ClientKey,
	))
}

// Query returns the conversation history, oldest first.
func (s *Store) Query(ctx context.Context, conversationID string) ([]message.Message, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNilPool
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+selectColumns+`
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []message.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	return msgs, nil
}

// Get returns one message by id.
func (s *Store) Get(ctx context.Context, id string) (message.Message, error) {
	if s == nil || s.pool == nil {
		return message.Message{}, ErrNilPool
	}
	return scanMessage(s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM messages WHERE id = $1::uuid`, id))
}

// MarkRead records the read position of userID in the conversation.
func (s *Store) MarkRead(ctx context.Context, conversationID, userID string) error {
	if s == nil || s.pool == nil {
		return ErrNilPool
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversation_reads (conversation_id, user_id, last_read_at)
		VALUES ($1, $2, now())
		ON CONFLICT (conversation_id, user_id)
		DO UPDATE SET last_read_at = EXCLUDED.last_read_at
	`, conversationID, userID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// Subscribe listens for inserts into conversationID on a dedicated
// connection. A dropped connection is re-established after RetryDelay.
func (s *Store) Subscribe(ctx context.Context, conversationID string, onInsert func(message.Message)) (conversation.Subscription, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNilPool
	}
	conn, err := s.listen(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{cancel: cancel}
	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		s.listenLoop(ctx, conn, conversationID, onInsert)
	}()
	return sub, nil
}

func (s *Store) listen(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listener connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen: %w", err)
	}
	return conn, nil
}

func (s *Store) listenLoop(ctx context.Context, conn *pgxpool.Conn, conversationID string, onInsert func(message.Message)) {
	log := s.logger.With("conversation", conversationID)
	defer func() {
		if conn != nil {
			// The connection may still be listening; do not return it to the pool.
			conn.Hijack().Close(context.Background())
		}
	}()

	for {
		if conn == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.RetryDelay):
			}
			c, err := s.listen(ctx)
			if err != nil {
				log.Warn("listener reconnect failed", "error", err)
				continue
			}
			log.Info("listener reconnected")
			conn = c
		}

		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("listener dropped", "error", err)
			conn.Hijack().Close(context.Background())
			conn = nil
			continue
		}

		ref, err := decodeNotification(n.Payload)
		if err != nil {
			log.Warn("bad notification payload", "error", err)
			continue
		}
		if ref.ConversationID != conversationID {
			continue
		}

		m, err := s.Get(ctx, ref.ID)
		if err != nil {
			log.Warn("fetch pushed message failed", "id", ref.ID, "error", err)
			continue
		}
		onInsert(m)
	}
}

type subscription struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
	return nil
}

// rowRef is the payload of an insert notification.
type rowRef struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
}

func decodeNotification(payload string) (rowRef, error) {
	var ref rowRef
	if err := json.Unmarshal([]byte(payload), &ref); err != nil {
		return rowRef{}, fmt.Errorf("decode notification: %w", err)
	}
	if ref.ID == "" || ref.ConversationID == "" {
		return rowRef{}, fmt.Errorf("decode notification: missing id or conversation")
	}
	return ref, nil
}

func scanMessage(row pgx.Row) (message.Message, error) {
	var (
		m    message.Message
		kind string
	)
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &kind, &m.Content, &m.AudioRef, &m.AudioDuration, &m.ClientKey, &m.CreatedAt)
	if err != nil {
		return message.Message{}, fmt.Errorf("scan message: %w", err)
	}
	m.Kind = message.Kind(kind)
	return m, nil
}
