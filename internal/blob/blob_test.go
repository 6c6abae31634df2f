package blob

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadDownload(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	dest := VoicePath("conv-1", "m4a", []byte("voice"))
	got, err := s.Upload(ctx, []byte("voice"), dest)
	require.NoError(t, err)
	assert.Equal(t, dest, got)

	data, err := s.Download(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, "voice", string(data))
}

func TestVoicePathIsContentAddressed(t *testing.T) {
	a := VoicePath("c1", ".m4a", []byte("one"))
	b := VoicePath("c1", ".m4a", []byte("one"))
	c := VoicePath("c1", ".m4a", []byte("two"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, "voice/c1/"))
	assert.True(t, strings.HasSuffix(a, ".m4a"))
	assert.True(t, strings.HasSuffix(VoicePath("c1", "", nil), ".m4a"))
}

func TestResolvePlayableURL(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = s.ResolvePlayableURL("voice/c1/missing.m4a")
	assert.ErrorIs(t, err, ErrNotFound)

	p, err := s.Upload(context.Background(), []byte("x"), "voice/c1/a.m4a")
	require.NoError(t, err)

	u, err := s.ResolvePlayableURL(p)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "file://"))
	assert.True(t, strings.HasSuffix(u, "/voice/c1/a.m4a"))
}

func TestPathsStayBelowRoot(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	p, err := s.Upload(context.Background(), []byte("x"), "../../escape.m4a")
	require.NoError(t, err)
	assert.Equal(t, "escape.m4a", p)
	u, err := s.ResolvePlayableURL(p)
	require.NoError(t, err)
	assert.Contains(t, u, s.root)

	_, err = s.Upload(context.Background(), []byte("x"), "")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestUploadHonoursContext(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = s.Upload(ctx, []byte("x"), "a")
	assert.ErrorIs(t, err, context.Canceled)
}
