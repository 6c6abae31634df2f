// Package realtime subscribes to conversation inserts over a websocket push
// channel. Every inbound frame is validated against an embedded JSON schema.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatpipe/internal/conversation"
	"chatpipe/internal/logging"
	"chatpipe/internal/message"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	readTimeout    = 60 * time.Second
	maxFrameBytes  = 1 << 20
	defaultBackoff = 2 * time.Second
)

// Client dials the push endpoint.
type Client struct {
	url    string
	userID string
	header http.Header
	dialer *websocket.Dialer
	logger *slog.Logger

	// Backoff is the pause before reconnecting a dropped socket.
	Backoff time.Duration
}

var _ conversation.Subscriber = (*Client)(nil)

// NewClient creates a Client for endpoint. userID is sent as a query parameter.
func NewClient(endpoint, userID string, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("realtime: parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("realtime: unsupported scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("user_id", userID)
	u.RawQuery = q.Encode()

	if logger == nil {
		logger = logging.Component("realtime")
	}
	return &Client{
		url:     u.String(),
		userID:  userID,
		header:  http.Header{},
		dialer:  websocket.DefaultDialer,
		logger:  logger,
		Backoff: defaultBackoff,
	}, nil
}

// Subscribe joins conversationID and calls onInsert for each pushed message.
// The first dial happens before Subscribe returns; later drops reconnect in
// the background.
func (c *Client) Subscribe(ctx context.Context, conversationID string, onInsert func(message.Message)) (conversation.Subscription, error) {
	ws, err := c.dial(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &subscription{cancel: cancel}
	s.setConn(ws)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.run(ctx, s, conversationID, onInsert)
	}()
	return s, nil
}

func (c *Client) dial(ctx context.Context, conversationID string) (*websocket.Conn, error) {
	ws, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}
	ws.SetReadLimit(maxFrameBytes)

	join, err := json.Marshal(Frame{Type: FrameJoin, ConversationID: conversationID})
	if err != nil {
		ws.Close()
		return nil, err
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.TextMessage, join); err != nil {
		ws.Close()
		return nil, fmt.Errorf("realtime: join: %w", err)
	}
	return ws, nil
}

func (c *Client) run(ctx context.Context, s *subscription, conversationID string, onInsert func(message.Message)) {
	log := c.logger.With("conversation", conversationID)
	for {
		ws := s.conn()
		if ws != nil {
			err := c.readLoop(ws, conversationID, onInsert, log)
			ws.Close()
			s.setConn(nil)
			if ctx.Err() != nil {
				return
			}
			log.Warn("push channel dropped", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.Backoff):
		}

		ws, err := c.dial(ctx, conversationID)
		if err != nil {
			log.Warn("push channel reconnect failed", "error", err)
			continue
		}
		if !s.attach(ctx, ws) {
			ws.Close()
			return
		}
		log.Info("push channel reconnected")
	}
}

func (c *Client) readLoop(ws *websocket.Conn, conversationID string, onInsert func(message.Message), log *slog.Logger) error {
	ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		ws.SetReadDeadline(time.Now().Add(readTimeout))

		frame, err := DecodeFrame(data)
		if err != nil {
			log.Warn("dropping frame", "error", err)
			continue
		}
		switch frame.Type {
		case FrameMessage:
			if frame.ConversationID != conversationID || frame.Message.ConversationID != conversationID {
				continue
			}
			onInsert(*frame.Message)
		case FrameError:
			log.Warn("push channel error", "code", frame.Code, "error", frame.Error)
		default:
			log.Debug("push channel frame", "type", frame.Type)
		}
	}
}

// subscription owns the current socket.
type subscription struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	ws   *websocket.Conn
	once sync.Once
}

func (s *subscription) conn() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws
}

func (s *subscription) setConn(ws *websocket.Conn) {
	s.mu.Lock()
	s.ws = ws
	s.mu.Unlock()
}

// attach installs ws unless the subscription was closed meanwhile. Close
// cancels before it looks for a socket, so checking under mu means one side
// always closes ws.
func (s *subscription) attach(ctx context.Context, ws *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	s.ws = ws
	return true
}

// Close leaves the channel and waits for the reader to stop.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		if ws := s.conn(); ws != nil {
			// Best effort; the reader stops once the socket is closed either way.
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "unsubscribe"),
				time.Now().Add(writeWait))
			ws.Close()
		}
		s.wg.Wait()
	})
	return nil
}
