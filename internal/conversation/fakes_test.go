package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"chatpipe/internal/message"
)

var errNetwork = errors.New("NetworkError")

// fakeStore is an in-memory MessageStore.
type fakeStore struct {
	mu       sync.Mutex
	rows     []message.Message
	inserted []message.Message
	nextID   int
	onInsert func(message.Message)

	insertErr error
	queryErr  error
	// gate, when set, blocks Insert until a value is received.
	gate chan struct{}
	// entered receives a value when Insert starts.
	entered chan message.Message

	markReads int
	subErr    error
	closed    bool
}

func (s *fakeStore) Insert(ctx context.Context, row message.Message) (message.Message, error) {
	if s.entered != nil {
		s.entered <- row
	}
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, row)
	if s.insertErr != nil {
		return message.Message{}, s.insertErr
	}
	s.nextID++
	out := row
	out.ID = fmt.Sprintf("srv-%d", s.nextID)
	out.Status = ""
	out.CreatedAt = row.CreatedAt.Add(300 * time.Millisecond)
	s.rows = append(s.rows, out)
	return out, nil
}

func (s *fakeStore) Query(ctx context.Context, conversationID string) ([]message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	return append([]message.Message(nil), s.rows...), nil
}

func (s *fakeStore) Subscribe(ctx context.Context, conversationID string, onInsert func(message.Message)) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subErr != nil {
		return nil, s.subErr
	}
	s.onInsert = onInsert
	return fakeSub{s}, nil
}

func (s *fakeStore) MarkRead(ctx context.Context, conversationID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markReads++
	return errors.New("mark read is best effort")
}

func (s *fakeStore) insertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inserted)
}

func (s *fakeStore) lastInserted() message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inserted[len(s.inserted)-1]
}

func (s *fakeStore) markReadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markReads
}

func (s *fakeStore) setInsertErr(err error) {
	s.mu.Lock()
	s.insertErr = err
	s.mu.Unlock()
}

type fakeSub struct{ s *fakeStore }

func (f fakeSub) Close() error {
	f.s.mu.Lock()
	f.s.closed = true
	f.s.mu.Unlock()
	return nil
}

type fakeBlobs struct {
	mu      sync.Mutex
	err     error
	uploads map[string][]byte
}

func (b *fakeBlobs) Upload(ctx context.Context, data []byte, dest string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return "", b.err
	}
	if b.uploads == nil {
		b.uploads = make(map[string][]byte)
	}
	b.uploads[dest] = data
	return dest, nil
}

func (b *fakeBlobs) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.uploads)
}

type fakeFiles struct {
	mu      sync.Mutex
	files   map[string][]byte
	deleted []string
}

func newFakeFiles(paths ...string) *fakeFiles {
	f := &fakeFiles{files: make(map[string][]byte)}
	for _, p := range paths {
		f.files[p] = []byte("audio:" + p)
	}
	return f
}

func (f *fakeFiles) ReadFile(path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	if !ok {
		return nil, fmt.Errorf("open %s: no such file", path)
	}
	return data, nil
}

func (f *fakeFiles) Delete(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, path)
	f.deleted = append(f.deleted, path)
	return nil
}

func (f *fakeFiles) exists(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[path]
	return ok
}

type fakeNotifier struct {
	mu     sync.Mutex
	limits []int
}

func (n *fakeNotifier) NotifyPending(ctx context.Context, limit int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.limits = append(n.limits, limit)
	return errors.New("push service unavailable")
}

// memJournal is an in-memory Journal.
type memJournal struct {
	mu   sync.Mutex
	rows map[string]message.Message
}

func newMemJournal() *memJournal {
	return &memJournal{rows: make(map[string]message.Message)}
}

func (j *memJournal) SaveFailed(ctx context.Context, m message.Message) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.rows[m.ID] = m
	return nil
}

func (j *memJournal) Remove(ctx context.Context, id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.rows, id)
	return nil
}

func (j *memJournal) ListFailed(ctx context.Context, conversationID string) ([]message.Message, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []message.Message
	for _, m := range j.rows {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (j *memJournal) has(id string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, ok := j.rows[id]
	return ok
}

type fixture struct {
	engine   *Engine
	store    *fakeStore
	blobs    *fakeBlobs
	files    *fakeFiles
	notifier *fakeNotifier
	journal  *memJournal
	clock    *clock.Mock
}

const (
	testConversation = "conv-1"
	testUser         = "user-me"
	otherUser        = "user-other"
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    &fakeStore{},
		blobs:    &fakeBlobs{},
		files:    newFakeFiles("/rec/a.m4a"),
		notifier: &fakeNotifier{},
		journal:  newMemJournal(),
		clock:    clock.NewMock(),
	}
	f.clock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	e, err := New(Options{
		ConversationID: testConversation,
		UserID:         testUser,
		Store:          f.store,
		Blobs:          f.blobs,
		Files:          f.files,
		Notifier:       f.notifier,
		Journal:        f.journal,
		VoiceExtension: ".m4a",
		Clock:          f.clock,
	})
	require.NoError(t, err)
	f.engine = e
	t.Cleanup(func() { e.Close() })
	return f
}

func (f *fixture) remote(id, sender, content string, at time.Time) message.Message {
	return message.Message{
		ID:             id,
		ConversationID: testConversation,
		SenderID:       sender,
		Kind:           message.KindText,
		Content:        content,
		CreatedAt:      at,
	}
}
