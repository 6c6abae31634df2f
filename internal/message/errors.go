package message

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyContent is returned for text sends that are blank after trimming.
	ErrEmptyContent = errors.New("message: content is empty")
	// ErrUnknownKind is returned for messages with an unsupported kind.
	ErrUnknownKind = errors.New("message: unknown kind")
)

// LoadError reports a failed history fetch.
type LoadError struct {
	ConversationID string
	Err            error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("message: load conversation %s: %v", e.ConversationID, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Stage names the sub-step of a send that failed.
type Stage string

const (
	StageUpload   Stage = "upload"
	StageInsert   Stage = "insert"
	StageReadFile Stage = "read"
	StagePrepare  Stage = "prepare"
)

// SendFailure reports a failed send. It is recorded on the failed list entry,
// never returned to the UI layer.
type SendFailure struct {
	Stage Stage
	Err   error
}

func (e *SendFailure) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *SendFailure) Unwrap() error { return e.Err }

// CleanupError reports a failed best-effort cleanup step. Callers log it.
type CleanupError struct {
	Op   string
	Path string
	Err  error
}

func (e *CleanupError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("message: cleanup %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("message: cleanup %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Err }
