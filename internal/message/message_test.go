package message

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTempIDs(t *testing.T) {
	a := NewTempID()
	b := NewTempID()

	assert.True(t, IsTempID(a))
	assert.True(t, IsTempID(b))
	assert.NotEqual(t, a, b)
	assert.False(t, IsTempID("srv-9"))
	assert.True(t, Message{ID: a}.HasTempID())
}

func TestEffectiveStatus(t *testing.T) {
	tests := []struct {
		status Status
		want   Status
	}{
		{"", StatusSent},
		{StatusSending, StatusSending},
		{StatusSent, StatusSent},
		{StatusFailed, StatusFailed},
	}

	for _, tt := range tests {
		t.Run(string(tt.want)+"/"+string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, Message{Status: tt.status}.EffectiveStatus())
		})
	}
}

func TestConfirmedClearsLocalFields(t *testing.T) {
	m := Confirmed(Message{ID: "srv-1", Status: StatusFailed, ErrorDetail: "boom", LocalURI: "/tmp/a.m4a"})

	assert.Equal(t, StatusSent, m.Status)
	assert.Empty(t, m.ErrorDetail)
	assert.Empty(t, m.LocalURI)
}

func TestKindValid(t *testing.T) {
	assert.True(t, KindText.Valid())
	assert.True(t, KindVoice.Valid())
	assert.False(t, Kind("image").Valid())
}

func TestErrorWrapping(t *testing.T) {
	load := &LoadError{ConversationID: "c1", Err: io.ErrUnexpectedEOF}
	assert.ErrorIs(t, load, io.ErrUnexpectedEOF)
	assert.Contains(t, load.Error(), "c1")

	send := &SendFailure{Stage: StageUpload, Err: io.EOF}
	var sf *SendFailure
	require.True(t, errors.As(error(send), &sf))
	assert.Equal(t, StageUpload, sf.Stage)
	assert.Equal(t, "upload: EOF", send.Error())

	cleanup := &CleanupError{Op: "delete", Path: "/x", Err: io.EOF}
	assert.ErrorIs(t, cleanup, io.EOF)
	assert.Contains(t, cleanup.Error(), "/x")
}
