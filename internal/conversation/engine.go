// Package conversation keeps the ordered, de-duplicated message list of one
// conversation. Local sends are shown immediately with a temporary id and
// reconciled against backend confirmations and pushed rows.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"chatpipe/internal/blob"
	"chatpipe/internal/localfs"
	"chatpipe/internal/logging"
	"chatpipe/internal/message"
	"chatpipe/internal/metrics"
)

var (
	ErrNotFound     = errors.New("conversation: message not found")
	ErrNotFailed    = errors.New("conversation: message is not failed")
	ErrSendInFlight = errors.New("conversation: a send is already in flight")
	ErrClosed       = errors.New("conversation: engine closed")
	ErrNoFile       = errors.New("conversation: no recording file")
)

// DefaultMatchTolerance is how far apart the local and backend timestamps of
// the same send may be.
const DefaultMatchTolerance = 5 * time.Second

// Options configures an Engine. Store is required; the other collaborators are
// optional.
type Options struct {
	ConversationID string
	UserID         string

	Store    MessageStore
	Blobs    BlobStore
	Files    FileSystem
	Notifier Notifier
	Journal  Journal

	// MatchTolerance bounds the timestamp distance for heuristic matching.
	MatchTolerance time.Duration
	// PushLimit is passed to Notifier.NotifyPending.
	PushLimit int
	// VoiceExtension is the file extension of uploaded recordings.
	VoiceExtension string
	// BackgroundTimeout bounds fire-and-forget calls.
	BackgroundTimeout time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Clock   clock.Clock
}

// Snapshot is an immutable copy of the list handed to observers.
type Snapshot struct {
	// Version increases with every mutation.
	Version  uint64
	Messages []message.Message
	Loading  bool
}

// Engine owns the message list of one conversation. It is safe for
// concurrent use.
type Engine struct {
	opts   Options
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	list     []message.Message
	version  uint64
	loading  bool
	buffered []message.Message
	sub      Subscription
	closed   bool
	// inflight is the temp id of the one send whose insert has not resolved.
	inflight string

	obsMu     sync.Mutex
	observers map[int]func(Snapshot)
	nextObs   int

	bg sync.WaitGroup
}

// New creates an Engine for opts.ConversationID.
func New(opts Options) (*Engine, error) {
	if opts.ConversationID == "" {
		return nil, fmt.Errorf("conversation: conversation id is required")
	}
	if opts.UserID == "" {
		return nil, fmt.Errorf("conversation: user id is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("conversation: message store is required")
	}
	if opts.MatchTolerance <= 0 {
		opts.MatchTolerance = DefaultMatchTolerance
	}
	if opts.PushLimit <= 0 {
		opts.PushLimit = 10
	}
	if opts.BackgroundTimeout <= 0 {
		opts.BackgroundTimeout = 10 * time.Second
	}
	if opts.Files == nil {
		opts.Files = localfs.New()
	}

	e := &Engine{
		opts:      opts,
		clock:     opts.Clock,
		logger:    opts.Logger,
		observers: make(map[int]func(Snapshot)),
	}
	if e.clock == nil {
		e.clock = clock.New()
	}
	if e.logger == nil {
		e.logger = logging.Component("conversation")
	}
	e.logger = e.logger.With("conversation", opts.ConversationID)
	return e, nil
}

// ConversationID returns the conversation this engine serves.
func (e *Engine) ConversationID() string { return e.opts.ConversationID }

// Open subscribes to the push channel and loads the history. Pushes that
// arrive while the history loads are applied after it.
func (e *Engine) Open(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.loading = true
	e.mu.Unlock()

	sub, err := e.opts.Store.Subscribe(ctx, e.opts.ConversationID, e.OnRealtimeInsert)
	if err != nil {
		e.mu.Lock()
		e.loading = false
		e.mu.Unlock()
		return fmt.Errorf("subscribe: %w", err)
	}

	e.mu.Lock()
	e.sub = sub
	e.mu.Unlock()

	return e.LoadInitial(ctx)
}

// Close ends the subscription and waits for background calls.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	sub := e.sub
	e.sub = nil
	e.mu.Unlock()

	var err error
	if sub != nil {
		err = sub.Close()
	}
	e.bg.Wait()
	return err
}

// Subscribe registers fn to receive a snapshot after every change. The
// returned function unregisters it.
func (e *Engine) Subscribe(fn func(Snapshot)) func() {
	e.obsMu.Lock()
	id := e.nextObs
	e.nextObs++
	e.observers[id] = fn
	e.obsMu.Unlock()

	return func() {
		e.obsMu.Lock()
		delete(e.observers, id)
		e.obsMu.Unlock()
	}
}

// Messages returns a copy of the current list.
func (e *Engine) Messages() []message.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]message.Message(nil), e.list...)
}

// Loading reports whether LoadInitial is in flight.
func (e *Engine) Loading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loading
}

// LoadInitial replaces the list with the backend history. Failed sends from
// the journal and sends still in flight are merged back. On failure the list
// is left empty and a *message.LoadError is returned.
func (e *Engine) LoadInitial(ctx context.Context) error {
	e.mu.Lock()
	e.loading = true
	snap := e.snapshotLocked()
	e.mu.Unlock()
	e.publish(snap)

	rows, err := e.opts.Store.Query(ctx, e.opts.ConversationID)
	if err != nil {
		e.mu.Lock()
		e.list = nil
		e.loading = false
		dropped := len(e.buffered)
		e.buffered = nil
		snap := e.snapshotLocked()
		e.mu.Unlock()
		e.publish(snap)

		e.logger.Error("load history failed", "error", err, "dropped_pushes", dropped)
		return &message.LoadError{ConversationID: e.opts.ConversationID, Err: err}
	}

	var failed []message.Message
	if e.opts.Journal != nil {
		failed, err = e.opts.Journal.ListFailed(ctx, e.opts.ConversationID)
		if err != nil {
			e.logger.Warn("read outbox failed", "error", err)
			failed = nil
		}
	}

	e.mu.Lock()
	delivered := e.replaceLocked(rows, failed)
	buffered := e.buffered
	e.buffered = nil
	e.loading = false
	var paths []string
	for _, remote := range buffered {
		paths = append(paths, e.reconcileLocked(remote))
	}
	snap = e.snapshotLocked()
	e.mu.Unlock()

	for _, p := range paths {
		e.opts.Metrics.Reconciled(p)
	}
	for _, id := range delivered {
		e.forget(id)
	}
	e.logger.Info("history loaded", "messages", len(snap.Messages), "outbox", len(failed), "buffered", len(buffered))

	e.publish(snap)
	e.markRead()
	return nil
}

// replaceLocked installs rows as the new list. Journal entries and local
// sends still in flight are merged in by creation time. It returns the ids of
// journal entries whose client key shows they were delivered after all.
func (e *Engine) replaceLocked(rows, failed []message.Message) []string {
	list := make([]message.Message, 0, len(rows)+len(failed))
	keys := make(map[string]bool, len(rows))
	for _, r := range rows {
		r = message.FromBackend(r)
		list = insertSorted(list, r)
		if r.ClientKey != "" {
			keys[r.ClientKey] = true
		}
	}

	var delivered []string
	merge := func(m message.Message) {
		if m.ClientKey != "" && keys[m.ClientKey] {
			delivered = append(delivered, m.ID)
			return
		}
		if indexOf(list, m.ID) >= 0 {
			return
		}
		list = insertSorted(list, m)
	}
	for _, m := range failed {
		merge(m)
	}
	for _, m := range e.list {
		if m.HasTempID() && m.EffectiveStatus() != message.StatusSent {
			merge(m)
		}
	}

	e.list = list
	e.version++
	return delivered
}

// SendText sends content as a text message. It reports whether the message
// was delivered. Blank content and a send already in flight are refused
// without touching the list.
func (e *Engine) SendText(ctx context.Context, content string) bool {
	content = message.NormalizeContent(content)
	if content == "" {
		e.logger.Debug("send refused", "error", message.ErrEmptyContent)
		return false
	}

	m := e.newOptimistic(message.KindText, message.NewClientKey())
	m.Content = content
	if err := e.begin(m, ""); err != nil {
		e.logger.Debug("send refused", "error", err)
		return false
	}
	return e.deliverText(ctx, m)
}

// SendVoice uploads the recording at fileURI and sends it as a voice message.
// On full success the local file is deleted. On failure the entry keeps the
// file so Retry can upload it again.
func (e *Engine) SendVoice(ctx context.Context, fileURI string, durationSeconds int) bool {
	ok, err := e.SubmitVoice(ctx, fileURI, durationSeconds)
	if err != nil {
		e.logger.Debug("send refused", "error", err)
	}
	return ok
}

// SubmitVoice is SendVoice for callers that need to know who owns the file
// afterwards. A non-nil error means the send was refused before any list
// entry existed and fileURI is still the caller's. With a nil error the
// engine owns the file: it is deleted on delivery or kept by the failed entry.
func (e *Engine) SubmitVoice(ctx context.Context, fileURI string, durationSeconds int) (bool, error) {
	if fileURI == "" {
		return false, ErrNoFile
	}

	m := e.newOptimistic(message.KindVoice, message.NewClientKey())
	m.AudioRef = fileURI
	m.AudioDuration = durationSeconds
	if err := e.begin(m, ""); err != nil {
		return false, err
	}
	return e.deliverVoice(ctx, m), nil
}

// Retry removes the failed entry id and sends its content again under a new
// temporary id. The client key is kept so a backend that already stored the
// first attempt does not store it twice.
func (e *Engine) Retry(ctx context.Context, id string) (bool, error) {
	e.mu.Lock()
	idx := indexOf(e.list, id)
	if idx < 0 {
		e.mu.Unlock()
		return false, ErrNotFound
	}
	old := e.list[idx]
	e.mu.Unlock()

	if !old.IsFailed() {
		return false, ErrNotFailed
	}

	key := old.ClientKey
	if key == "" {
		key = message.NewClientKey()
	}
	m := e.newOptimistic(old.Kind, key)
	switch old.Kind {
	case message.KindText:
		m.Content = old.Content
	case message.KindVoice:
		m.AudioRef = old.LocalURI
		m.AudioDuration = old.AudioDuration
	default:
		return false, message.ErrUnknownKind
	}

	if err := e.begin(m, id); err != nil {
		return false, err
	}
	e.forget(id)
	e.logger.Info("retrying send", "failed_id", id, "id", m.ID, "kind", m.Kind)

	if m.Kind == message.KindVoice {
		return e.deliverVoice(ctx, m), nil
	}
	return e.deliverText(ctx, m), nil
}

// Discard removes a failed entry without contacting the backend. Discarding
// an id that is not in the list is a no-op.
func (e *Engine) Discard(id string) error {
	e.mu.Lock()
	idx := indexOf(e.list, id)
	if idx < 0 {
		e.mu.Unlock()
		return nil
	}
	old := e.list[idx]
	if !old.IsFailed() {
		e.mu.Unlock()
		return ErrNotFailed
	}
	e.list = removeAt(e.list, idx)
	e.version++
	snap := e.snapshotLocked()
	e.mu.Unlock()

	e.forget(id)
	if old.Kind == message.KindVoice && old.LocalURI != "" {
		e.cleanupFile(old.LocalURI)
	}
	e.logger.Info("discarded failed message", "id", id)
	e.publish(snap)
	return nil
}

// OnRealtimeInsert merges a pushed row into the list.
func (e *Engine) OnRealtimeInsert(remote message.Message) {
	if remote.ConversationID != "" && remote.ConversationID != e.opts.ConversationID {
		e.logger.Debug("ignoring push for other conversation", "push_conversation", remote.ConversationID)
		return
	}
	if remote.ConversationID == "" {
		remote.ConversationID = e.opts.ConversationID
	}

	e.mu.Lock()
	if e.loading {
		e.buffered = append(e.buffered, remote)
		e.mu.Unlock()
		return
	}
	path := e.reconcileLocked(remote)
	snap := e.snapshotLocked()
	e.mu.Unlock()

	e.opts.Metrics.Reconciled(path)
	e.logger.Debug("push reconciled", "id", remote.ID, "path", path)
	if path == metrics.PathDuplicate {
		return
	}
	e.publish(snap)
	if remote.SenderID != e.opts.UserID {
		e.markRead()
	}
}

func (e *Engine) newOptimistic(kind message.Kind, clientKey string) message.Message {
	return message.Message{
		ID:             message.NewTempID(),
		ConversationID: e.opts.ConversationID,
		SenderID:       e.opts.UserID,
		Kind:           kind,
		CreatedAt:      e.clock.Now(),
		ClientKey:      clientKey,
		Status:         message.StatusSending,
	}
}

// begin inserts the optimistic entry m, removing the entry replaces in the
// same step. It refuses while another send of this engine is unresolved.
func (e *Engine) begin(m message.Message, replaces string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.inflight != "" {
		e.mu.Unlock()
		return ErrSendInFlight
	}
	if replaces != "" {
		idx := indexOf(e.list, replaces)
		if idx < 0 || !e.list[idx].IsFailed() {
			e.mu.Unlock()
			return ErrNotFailed
		}
		e.list = removeAt(e.list, idx)
	}
	e.list = insertSorted(e.list, m)
	e.inflight = m.ID
	e.version++
	snap := e.snapshotLocked()
	e.mu.Unlock()

	e.publish(snap)
	return nil
}

// resolveLocked ends the in-flight send tempID. Caller holds e.mu.
func (e *Engine) resolveLocked(tempID string) {
	if e.inflight == tempID {
		e.inflight = ""
	}
}

func (e *Engine) deliverText(ctx context.Context, m message.Message) bool {
	start := e.clock.Now()
	confirmed, err := e.opts.Store.Insert(ctx, m)
	if err != nil {
		return e.fail(ctx, m, "", &message.SendFailure{Stage: message.StageInsert, Err: err}, start)
	}
	e.confirm(m.ID, confirmed)
	e.opts.Metrics.SendResolved(string(m.Kind), metrics.OutcomeSent, e.clock.Since(start))
	e.notifyPending()
	return true
}

func (e *Engine) deliverVoice(ctx context.Context, m message.Message) bool {
	start := e.clock.Now()
	local := m.AudioRef

	if e.opts.Blobs == nil {
		return e.fail(ctx, m, local, &message.SendFailure{Stage: message.StagePrepare, Err: errors.New("no blob store configured")}, start)
	}
	data, err := e.opts.Files.ReadFile(local)
	if err != nil {
		return e.fail(ctx, m, local, &message.SendFailure{Stage: message.StageReadFile, Err: err}, start)
	}

	ext := e.opts.VoiceExtension
	if ext == "" {
		ext = filepath.Ext(localfs.PathFromURI(local))
	}
	storagePath, err := e.opts.Blobs.Upload(ctx, data, blob.VoicePath(e.opts.ConversationID, ext, data))
	if err != nil {
		return e.fail(ctx, m, local, &message.SendFailure{Stage: message.StageUpload, Err: err}, start)
	}

	row := m
	row.AudioRef = storagePath
	confirmed, err := e.opts.Store.Insert(ctx, row)
	if err != nil {
		return e.fail(ctx, m, local, &message.SendFailure{Stage: message.StageInsert, Err: err}, start)
	}

	e.confirm(m.ID, confirmed)
	e.opts.Metrics.SendResolved(string(m.Kind), metrics.OutcomeSent, e.clock.Since(start))
	e.cleanupFile(local)
	e.notifyPending()
	return true
}

// fail marks the optimistic entry failed. If the entry is gone a push has
// already confirmed it and the send counts as delivered.
func (e *Engine) fail(ctx context.Context, m message.Message, localURI string, cause error, start time.Time) bool {
	e.mu.Lock()
	e.resolveLocked(m.ID)
	idx := indexOf(e.list, m.ID)
	if idx < 0 {
		e.mu.Unlock()
		e.logger.Info("send error after push confirmation ignored", "id", m.ID, "error", cause)
		e.opts.Metrics.SendResolved(string(m.Kind), metrics.OutcomeSent, e.clock.Since(start))
		return true
	}
	entry := e.list[idx]
	entry.Status = message.StatusFailed
	entry.ErrorDetail = cause.Error()
	if entry.Kind == message.KindVoice {
		entry.LocalURI = localURI
	}
	e.list[idx] = entry
	e.version++
	snap := e.snapshotLocked()
	e.mu.Unlock()

	e.opts.Metrics.SendResolved(string(m.Kind), metrics.OutcomeFailed, e.clock.Since(start))
	e.logger.Warn("send failed", "id", m.ID, "kind", m.Kind, "error", cause)

	if e.opts.Journal != nil {
		if err := e.opts.Journal.SaveFailed(context.WithoutCancel(ctx), entry); err != nil {
			e.logger.Warn("save to outbox failed", "id", m.ID, "error", err)
		}
	}
	e.publish(snap)
	return false
}

// confirm swaps the backend row into the slot of the optimistic entry.
func (e *Engine) confirm(tempID string, confirmed message.Message) {
	confirmed = message.Confirmed(confirmed)

	e.mu.Lock()
	e.resolveLocked(tempID)
	tempIdx := indexOf(e.list, tempID)
	switch {
	case indexOf(e.list, confirmed.ID) >= 0:
		// The push got here first.
		if tempIdx >= 0 {
			e.list = removeAt(e.list, tempIdx)
		}
	case tempIdx >= 0:
		confirmed.CreatedAt = e.list[tempIdx].CreatedAt
		e.list[tempIdx] = confirmed
	default:
		e.list = insertSorted(e.list, confirmed)
	}
	e.version++
	snap := e.snapshotLocked()
	e.mu.Unlock()

	e.logger.Debug("send confirmed", "temp_id", tempID, "id", confirmed.ID)
	e.publish(snap)
}

func (e *Engine) snapshotLocked() Snapshot {
	return Snapshot{
		Version:  e.version,
		Messages: append([]message.Message(nil), e.list...),
		Loading:  e.loading,
	}
}

func (e *Engine) publish(s Snapshot) {
	e.obsMu.Lock()
	fns := make([]func(Snapshot), 0, len(e.observers))
	for _, fn := range e.observers {
		fns = append(fns, fn)
	}
	e.obsMu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

// background runs fn without blocking the caller. Errors are logged. Nothing
// is started once Close has begun waiting.
func (e *Engine) background(op string, fn func(ctx context.Context) error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.bg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.BackgroundTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			e.logger.Warn(op+" failed", "error", err)
		}
	}()
}

func (e *Engine) markRead() {
	e.background("mark read", func(ctx context.Context) error {
		return e.opts.Store.MarkRead(ctx, e.opts.ConversationID, e.opts.UserID)
	})
}

func (e *Engine) notifyPending() {
	if e.opts.Notifier == nil {
		return
	}
	e.background("notify pending", func(ctx context.Context) error {
		return e.opts.Notifier.NotifyPending(ctx, e.opts.PushLimit)
	})
}

func (e *Engine) forget(id string) {
	if e.opts.Journal == nil {
		return
	}
	if err := e.opts.Journal.Remove(context.Background(), id); err != nil {
		e.logger.Warn("remove from outbox failed", "id", id, "error", err)
	}
}

func (e *Engine) cleanupFile(uri string) {
	if err := e.opts.Files.Delete(localfs.PathFromURI(uri)); err != nil {
		cerr := &message.CleanupError{Op: "delete", Path: uri, Err: err}
		e.opts.Metrics.CleanupFailed("delete")
		e.logger.Warn("cleanup failed", "error", cerr)
	}
}
