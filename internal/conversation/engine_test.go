package conversation

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatpipe/internal/message"
)

// =============================================================================
// Construction
// =============================================================================

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{UserID: "u", Store: &fakeStore{}})
	assert.Error(t, err)
	_, err = New(Options{ConversationID: "c", Store: &fakeStore{}})
	assert.Error(t, err)
	_, err = New(Options{ConversationID: "c", UserID: "u"})
	assert.Error(t, err)
}

// =============================================================================
// SendText
// =============================================================================

func TestSendTextOptimisticThenConfirmed(t *testing.T) {
	f := newFixture(t)
	f.store.gate = make(chan struct{})
	f.store.entered = make(chan message.Message, 1)

	done := make(chan bool)
	go func() { done <- f.engine.SendText(context.Background(), "  hello  ") }()

	row := <-f.store.entered
	list := f.engine.Messages()
	require.Len(t, list, 1)
	assert.True(t, list[0].HasTempID())
	assert.Equal(t, message.StatusSending, list[0].Status)
	assert.Equal(t, "hello", list[0].Content)
	assert.Equal(t, list[0].ID, row.ID)
	assert.NotEmpty(t, row.ClientKey)

	close(f.store.gate)
	require.True(t, <-done)

	list = f.engine.Messages()
	require.Len(t, list, 1)
	assert.Equal(t, "srv-1", list[0].ID)
	assert.Equal(t, message.StatusSent, list[0].Status)
	assert.Equal(t, row.CreatedAt, list[0].CreatedAt, "client timestamp keeps the slot")

	require.NoError(t, f.engine.Close())
	assert.Equal(t, []int{10}, f.notifier.limits)
}

func TestSendTextRejectsBlankContent(t *testing.T) {
	f := newFixture(t)

	assert.False(t, f.engine.SendText(context.Background(), "   \n\t"))
	assert.Empty(t, f.engine.Messages())
	assert.Zero(t, f.store.insertCount())
}

func TestSendTextFailureMarksEntryFailed(t *testing.T) {
	f := newFixture(t)
	f.store.insertErr = errNetwork

	assert.False(t, f.engine.SendText(context.Background(), "hello"))

	list := f.engine.Messages()
	require.Len(t, list, 1)
	assert.Equal(t, message.StatusFailed, list[0].Status)
	assert.Contains(t, list[0].ErrorDetail, "NetworkError")
	assert.Equal(t, "hello", list[0].Content)
	assert.Empty(t, list[0].LocalURI)
	assert.True(t, f.journal.has(list[0].ID))
}

func TestFailedEntryDoesNotBlockNewSend(t *testing.T) {
	f := newFixture(t)
	f.store.setInsertErr(errNetwork)
	require.False(t, f.engine.SendText(context.Background(), "first"))

	f.store.setInsertErr(nil)
	f.clock.Add(time.Second)
	require.True(t, f.engine.SendText(context.Background(), "second"))

	list := f.engine.Messages()
	require.Len(t, list, 2)
	assert.Equal(t, message.StatusFailed, list[0].Status)
	assert.Equal(t, message.StatusSent, list[1].Status)
}

func TestSecondSendRefusedWhileSending(t *testing.T) {
	f := newFixture(t)
	f.store.gate = make(chan struct{})
	f.store.entered = make(chan message.Message, 1)

	done := make(chan bool)
	go func() { done <- f.engine.SendText(context.Background(), "one") }()
	<-f.store.entered

	assert.False(t, f.engine.SendText(context.Background(), "two"))
	assert.Len(t, f.engine.Messages(), 1)

	close(f.store.gate)
	assert.True(t, <-done)
}

// =============================================================================
// Retry / Discard
// =============================================================================

func TestRetryProducesFreshIdentity(t *testing.T) {
	f := newFixture(t)
	f.store.setInsertErr(errNetwork)
	require.False(t, f.engine.SendText(context.Background(), "hello"))
	failed := f.engine.Messages()[0]

	f.store.setInsertErr(nil)
	f.store.gate = make(chan struct{})
	f.store.entered = make(chan message.Message, 1)

	done := make(chan bool)
	go func() {
		ok, err := f.engine.Retry(context.Background(), failed.ID)
		assert.NoError(t, err)
		done <- ok
	}()

	row := <-f.store.entered
	list := f.engine.Messages()
	require.Len(t, list, 1)
	assert.NotEqual(t, failed.ID, list[0].ID)
	assert.True(t, list[0].HasTempID())
	assert.Equal(t, message.StatusSending, list[0].Status)
	assert.Equal(t, "hello", list[0].Content)
	assert.Equal(t, failed.ClientKey, row.ClientKey, "retry reuses the idempotency key")
	assert.False(t, f.journal.has(failed.ID))

	close(f.store.gate)
	require.True(t, <-done)
	list = f.engine.Messages()
	require.Len(t, list, 1)
	assert.Equal(t, message.StatusSent, list[0].Status)
}

func TestRetryPreconditions(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Retry(context.Background(), "tmp-missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.True(t, f.engine.SendText(context.Background(), "hello"))
	_, err = f.engine.Retry(context.Background(), f.engine.Messages()[0].ID)
	assert.ErrorIs(t, err, ErrNotFailed)
	assert.Equal(t, 1, f.store.insertCount())
}

func TestDiscardIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.store.setInsertErr(errNetwork)
	require.False(t, f.engine.SendText(context.Background(), "hello"))
	id := f.engine.Messages()[0].ID
	inserts := f.store.insertCount()

	require.NoError(t, f.engine.Discard(id))
	assert.Empty(t, f.engine.Messages())
	assert.False(t, f.journal.has(id))

	require.NoError(t, f.engine.Discard(id))
	assert.Equal(t, inserts, f.store.insertCount(), "discard never calls the backend")
}

func TestDiscardRefusesNonFailed(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.engine.SendText(context.Background(), "hello"))

	assert.ErrorIs(t, f.engine.Discard("srv-1"), ErrNotFailed)
	assert.Len(t, f.engine.Messages(), 1)
}

// =============================================================================
// SendVoice
// =============================================================================

func TestSendVoiceSuccess(t *testing.T) {
	f := newFixture(t)

	require.True(t, f.engine.SendVoice(context.Background(), "/rec/a.m4a", 12))

	list := f.engine.Messages()
	require.Len(t, list, 1)
	assert.Equal(t, message.StatusSent, list[0].Status)
	assert.Equal(t, message.KindVoice, list[0].Kind)
	assert.Equal(t, 12, list[0].AudioDuration)
	assert.Empty(t, list[0].LocalURI)

	row := f.store.lastInserted()
	assert.Contains(t, row.AudioRef, "voice/"+testConversation+"/")
	assert.Equal(t, 1, f.blobs.count())
	assert.False(t, f.files.exists("/rec/a.m4a"), "local file is deleted on full success")
}

func TestSendVoiceInsertFailureKeepsFile(t *testing.T) {
	f := newFixture(t)
	f.store.setInsertErr(errNetwork)

	require.False(t, f.engine.SendVoice(context.Background(), "/rec/a.m4a", 12))

	list := f.engine.Messages()
	require.Len(t, list, 1)
	assert.Equal(t, message.StatusFailed, list[0].Status)
	assert.Equal(t, "/rec/a.m4a", list[0].LocalURI)
	assert.Contains(t, list[0].ErrorDetail, "insert")
	assert.Equal(t, 1, f.blobs.count(), "upload succeeded")
	assert.True(t, f.files.exists("/rec/a.m4a"))
}

func TestSendVoiceUploadFailureThenRetry(t *testing.T) {
	f := newFixture(t)
	f.blobs.err = errNetwork

	require.False(t, f.engine.SendVoice(context.Background(), "/rec/a.m4a", 7))
	failed := f.engine.Messages()[0]
	assert.Contains(t, failed.ErrorDetail, "upload")
	assert.Zero(t, f.store.insertCount())

	f.blobs.mu.Lock()
	f.blobs.err = nil
	f.blobs.mu.Unlock()

	ok, err := f.engine.Retry(context.Background(), failed.ID)
	require.NoError(t, err)
	require.True(t, ok)

	list := f.engine.Messages()
	require.Len(t, list, 1)
	assert.Equal(t, message.StatusSent, list[0].Status)
	assert.Equal(t, 7, list[0].AudioDuration)
	assert.False(t, f.files.exists("/rec/a.m4a"))
}

func TestSubmitVoiceReportsRefusal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.SubmitVoice(ctx, "", 3)
	assert.ErrorIs(t, err, ErrNoFile)

	row, release := startBlockedSend(t, f, "first")
	_, err = f.engine.SubmitVoice(ctx, "/rec/a.m4a", 3)
	assert.ErrorIs(t, err, ErrSendInFlight)
	assert.Equal(t, []string{row.ID}, ids(f.engine.Messages()))
	require.True(t, release())

	require.NoError(t, f.engine.Close())
	_, err = f.engine.SubmitVoice(ctx, "/rec/a.m4a", 3)
	assert.ErrorIs(t, err, ErrClosed)
	assert.True(t, f.files.exists("/rec/a.m4a"), "a refused recording stays with the caller")
}

func TestSendVoiceMissingFile(t *testing.T) {
	f := newFixture(t)

	require.False(t, f.engine.SendVoice(context.Background(), "/rec/gone.m4a", 3))
	list := f.engine.Messages()
	require.Len(t, list, 1)
	assert.Contains(t, list[0].ErrorDetail, "read")
	assert.Equal(t, "/rec/gone.m4a", list[0].LocalURI)
}

func TestDiscardVoiceDeletesRetainedFile(t *testing.T) {
	f := newFixture(t)
	f.store.setInsertErr(errNetwork)
	require.False(t, f.engine.SendVoice(context.Background(), "/rec/a.m4a", 2))

	require.NoError(t, f.engine.Discard(f.engine.Messages()[0].ID))
	assert.False(t, f.files.exists("/rec/a.m4a"))
}

// =============================================================================
// LoadInitial / Open
// =============================================================================

func TestLoadInitialFailureLeavesListEmpty(t *testing.T) {
	f := newFixture(t)
	f.store.queryErr = errNetwork

	err := f.engine.LoadInitial(context.Background())
	var loadErr *message.LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, testConversation, loadErr.ConversationID)
	assert.ErrorIs(t, err, errNetwork)
	assert.Empty(t, f.engine.Messages())
	assert.False(t, f.engine.Loading())
}

func TestLoadInitialMergesOutboxAndMarksRead(t *testing.T) {
	f := newFixture(t)
	base := f.clock.Now()
	f.store.rows = []message.Message{
		f.remote("srv-1", otherUser, "hi", base),
		f.remote("srv-2", testUser, "delivered late", base.Add(2*time.Second)),
	}
	f.store.rows[1].ClientKey = "ck-late"

	require.NoError(t, f.journal.SaveFailed(context.Background(), message.Message{
		ID: "tmp-a", ConversationID: testConversation, SenderID: testUser, Kind: message.KindText,
		Content: "failed earlier", CreatedAt: base.Add(time.Second), Status: message.StatusFailed, ClientKey: "ck-a",
	}))
	require.NoError(t, f.journal.SaveFailed(context.Background(), message.Message{
		ID: "tmp-b", ConversationID: testConversation, SenderID: testUser, Kind: message.KindText,
		Content: "delivered late", CreatedAt: base.Add(2 * time.Second), Status: message.StatusFailed, ClientKey: "ck-late",
	}))

	require.NoError(t, f.engine.LoadInitial(context.Background()))

	list := f.engine.Messages()
	require.Len(t, list, 3)
	assert.Equal(t, []string{"srv-1", "tmp-a", "srv-2"}, ids(list))
	assert.Equal(t, message.StatusFailed, list[1].Status)
	assert.False(t, f.journal.has("tmp-b"), "delivered journal entry is dropped")

	require.NoError(t, f.engine.Close())
	assert.Equal(t, 1, f.store.markReadCount())
}

func TestOpenBuffersPushesDuringLoad(t *testing.T) {
	f := newFixture(t)
	base := f.clock.Now()
	f.store.rows = []message.Message{f.remote("srv-1", otherUser, "old", base)}

	// Deliver a push from inside Query, while the engine is loading.
	wrapped := &pushDuringQuery{fakeStore: f.store, push: f.remote("srv-2", otherUser, "new", base.Add(time.Second))}
	e, err := New(Options{ConversationID: testConversation, UserID: testUser, Store: wrapped, Clock: f.clock})
	require.NoError(t, err)

	require.NoError(t, e.Open(context.Background()))
	assert.Equal(t, []string{"srv-1", "srv-2"}, ids(e.Messages()))

	require.NoError(t, e.Close())
	assert.True(t, f.store.closed)
}

type pushDuringQuery struct {
	*fakeStore
	push message.Message
}

func (p *pushDuringQuery) Query(ctx context.Context, conversationID string) ([]message.Message, error) {
	p.fakeStore.mu.Lock()
	cb := p.fakeStore.onInsert
	p.fakeStore.mu.Unlock()
	cb(p.push)
	return p.fakeStore.Query(ctx, conversationID)
}

func TestOpenSubscribeError(t *testing.T) {
	f := newFixture(t)
	f.store.subErr = errNetwork

	assert.ErrorIs(t, f.engine.Open(context.Background()), errNetwork)
	assert.False(t, f.engine.Loading())
}

func TestClosedEngineRefusesSends(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.Close())

	assert.False(t, f.engine.SendText(context.Background(), "late"))
	assert.ErrorIs(t, f.engine.Open(context.Background()), ErrClosed)
}

// =============================================================================
// Observers
// =============================================================================

func TestSubscribeReceivesSnapshots(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var snaps []Snapshot
	cancel := f.engine.Subscribe(func(s Snapshot) {
		mu.Lock()
		snaps = append(snaps, s)
		mu.Unlock()
	})

	require.True(t, f.engine.SendText(context.Background(), "hello"))

	mu.Lock()
	require.Len(t, snaps, 2)
	assert.Equal(t, message.StatusSending, snaps[0].Messages[0].Status)
	assert.Equal(t, message.StatusSent, snaps[1].Messages[0].Status)
	assert.Less(t, snaps[0].Version, snaps[1].Version)
	mu.Unlock()

	cancel()
	f.clock.Add(time.Minute)
	require.True(t, f.engine.SendText(context.Background(), "again"))
	mu.Lock()
	assert.Len(t, snaps, 2)
	mu.Unlock()
}

func ids(list []message.Message) []string {
	out := make([]string, len(list))
	for i, m := range list {
		out[i] = m.ID
	}
	return out
}

func isSorted(list []message.Message) bool {
	return sort.SliceIsSorted(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
