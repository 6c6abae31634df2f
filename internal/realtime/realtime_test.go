package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatpipe/internal/message"
)

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{"connected", `{"type":"connected"}`, false},
		{"message", `{"type":"message","conversation_id":"c1","message":{"id":"m1","conversation_id":"c1","sender_id":"u1","kind":"text","content":"hi","created_at":"2026-03-01T12:00:00Z"}}`, false},
		{"unknown type", `{"type":"bogus"}`, true},
		{"message without body", `{"type":"message","conversation_id":"c1"}`, true},
		{"bad kind", `{"type":"message","conversation_id":"c1","message":{"id":"m1","conversation_id":"c1","sender_id":"u1","kind":"image","created_at":"2026-03-01T12:00:00Z"}}`, true},
		{"bad timestamp", `{"type":"message","conversation_id":"c1","message":{"id":"m1","conversation_id":"c1","sender_id":"u1","kind":"text","created_at":"yesterday"}}`, true},
		{"not json", `{`, true},
		{"local delivery state", `{"type":"message","conversation_id":"c1","message":{"id":"m1","conversation_id":"c1","sender_id":"u1","kind":"text","content":"hi","created_at":"2026-03-01T12:00:00Z","status":"sending"}}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeFrame([]byte(tt.data))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewClientRejectsHTTPURL(t *testing.T) {
	_, err := NewClient("http://example.com/ws", "u1", nil)
	assert.Error(t, err)
}

// pushServer accepts one socket, waits for a join and writes frames.
func pushServer(t *testing.T, frames ...any) (*httptest.Server, chan Frame) {
	t.Helper()
	joins := make(chan Frame, 4)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "u1", r.URL.Query().Get("user_id"))
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var join Frame
		if json.Unmarshal(data, &join) == nil {
			joins <- join
		}

		for _, f := range frames {
			var payload []byte
			if raw, ok := f.(string); ok {
				payload = []byte(raw)
			} else {
				payload, _ = json.Marshal(f)
			}
			if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
		// Hold the socket until the client goes away.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, joins
}

func TestSubscribeDeliversMessagesForConversation(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mine := &message.Message{ID: "m1", ConversationID: "c1", SenderID: "u2", Kind: message.KindText, Content: "hi", CreatedAt: at}
	other := &message.Message{ID: "m2", ConversationID: "c2", SenderID: "u2", Kind: message.KindText, Content: "no", CreatedAt: at}

	srv, joins := pushServer(t,
		Frame{Type: FrameJoined, ConversationID: "c1"},
		`{"type":"message","conversation_id":"c1"}`,
		Frame{Type: FrameMessage, ConversationID: "c2", Message: other},
		Frame{Type: FrameMessage, ConversationID: "c1", Message: mine},
	)

	c, err := NewClient("ws"+strings.TrimPrefix(srv.URL, "http"), "u1", nil)
	require.NoError(t, err)

	got := make(chan message.Message, 4)
	sub, err := c.Subscribe(context.Background(), "c1", func(m message.Message) { got <- m })
	require.NoError(t, err)
	defer sub.Close()

	select {
	case join := <-joins:
		assert.Equal(t, FrameJoin, join.Type)
		assert.Equal(t, "c1", join.ConversationID)
	case <-time.After(5 * time.Second):
		t.Fatal("no join frame")
	}

	select {
	case m := <-got:
		assert.Equal(t, "m1", m.ID)
		assert.True(t, m.CreatedAt.Equal(at))
	case <-time.After(5 * time.Second):
		t.Fatal("no message delivered")
	}

	require.NoError(t, sub.Close())
	assert.Empty(t, got, "invalid and foreign frames are dropped")
}

func TestAttachAfterCloseRefusesSocket(t *testing.T) {
	srv, _ := pushServer(t)
	c, err := NewClient("ws"+strings.TrimPrefix(srv.URL, "http"), "u1", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	s := &subscription{cancel: cancel}
	require.NoError(t, s.Close())

	// A reconnect that finishes dialing after Close must not install its socket.
	ws, err := c.dial(context.Background(), "c1")
	require.NoError(t, err)
	assert.False(t, s.attach(ctx, ws))
	assert.Nil(t, s.conn())
	ws.Close()

	live, liveCancel := context.WithCancel(context.Background())
	defer liveCancel()
	ws, err = c.dial(live, "c1")
	require.NoError(t, err)
	defer ws.Close()
	assert.True(t, (&subscription{cancel: liveCancel}).attach(live, ws))
}
