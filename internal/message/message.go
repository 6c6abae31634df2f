// Package message defines the chat message model shared by the reconciliation
// engine, the recorder hand-off and the backend adapters.
package message

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes message payloads.
type Kind string

const (
	KindText  Kind = "text"
	KindVoice Kind = "voice"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindText || k == KindVoice
}

// Status is the delivery state of a message in the local list.
type Status string

const (
	// StatusSending marks an optimistic entry whose insert has not resolved.
	StatusSending Status = "sending"
	// StatusSent marks a backend-confirmed entry. Rows that only ever arrived
	// from the backend carry it implicitly.
	StatusSent Status = "sent"
	// StatusFailed marks an entry whose send failed; it can be retried or discarded.
	StatusFailed Status = "failed"
)

// TempIDPrefix marks client-generated provisional ids.
const TempIDPrefix = "tmp-"

// Message is one entry of a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Kind           Kind      `json:"kind"`
	Content        string    `json:"content,omitempty"`
	AudioRef       string    `json:"audio_ref,omitempty"`
	AudioDuration  int       `json:"audio_duration_seconds,omitempty"`
	CreatedAt      time.Time `json:"created_at"`

	// ClientKey is generated for every local send and echoed back by backends
	// that store it. Empty on rows from backends that do not.
	ClientKey string `json:"client_key,omitempty"`

	Status      Status `json:"status,omitempty"`
	ErrorDetail string `json:"error_detail,omitempty"`
	// LocalURI is only kept on failed voice messages so a retry can upload again.
	LocalURI string `json:"local_uri,omitempty"`
}

// NewTempID returns a provisional id for an optimistic entry.
func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

// NewClientKey returns a fresh idempotency key for one user-initiated send.
func NewClientKey() string {
	return uuid.NewString()
}

// IsTempID reports whether id was generated by NewTempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// HasTempID reports whether the message is still provisional.
func (m Message) HasTempID() bool {
	return IsTempID(m.ID)
}

// EffectiveStatus treats an empty status as sent.
func (m Message) EffectiveStatus() Status {
	if m.Status == "" {
		return StatusSent
	}
	return m.Status
}

// IsFailed reports whether the message can be retried or discarded.
func (m Message) IsFailed() bool {
	return m.Status == StatusFailed
}

// NormalizeContent trims surrounding whitespace from text content.
func NormalizeContent(s string) string {
	return strings.TrimSpace(s)
}

// FromBackend strips the local delivery fields from a row that only ever
// arrived from the backend, leaving its status implicitly sent.
func FromBackend(remote Message) Message {
	remote.Status = ""
	remote.ErrorDetail = ""
	remote.LocalURI = ""
	return remote
}

// Confirmed returns remote marked as sent.
func Confirmed(remote Message) Message {
	remote.Status = StatusSent
	remote.ErrorDetail = ""
	remote.LocalURI = ""
	return remote
}
