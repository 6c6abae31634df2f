package config

import (
	"fmt"
	"net/url"
	"strings"

	"chatpipe/internal/logging"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Fields lists the offending field names.
func (e ValidationErrors) Fields() []string {
	out := make([]string, len(e))
	for i, err := range e {
		out[i] = err.Field
	}
	return out
}

// ValidateConfig checks every section and collects all problems.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors
	errs = append(errs, validateBackend(&c.Backend)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateReconcile(&c.Reconcile)...)
	errs = append(errs, validateRecorder(&c.Recorder)...)
	errs = append(errs, validatePush(&c.Push)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		errs = append(errs, RequiredFieldError("metrics.listen_addr"))
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ValidateForSend additionally requires an identity; read-only commands
// can run without one.
func ValidateForSend(c *Config) error {
	err := ValidateConfig(c)
	var errs ValidationErrors
	if err != nil {
		errs = err.(ValidationErrors)
	}
	if strings.TrimSpace(c.Identity.UserID) == "" {
		errs = append(errs, RequiredFieldError("identity.user_id"))
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateBackend(b *BackendConfig) ValidationErrors {
	var errs ValidationErrors
	if b.DatabaseURL == "" {
		errs = append(errs, RequiredFieldError("backend.database_url"))
	} else if !isValidURL(b.DatabaseURL, "postgres", "postgresql") {
		errs = append(errs, ValidationError{Field: "backend.database_url", Message: "must be a postgres:// URL"})
	}
	if b.MaxConns < 1 {
		errs = append(errs, RangeError("backend.max_conns", 1, "unbounded"))
	}
	switch b.Transport {
	case TransportListen:
	case TransportWebsocket:
		if !isValidURL(b.WebsocketURL, "ws", "wss") {
			errs = append(errs, ValidationError{Field: "backend.websocket_url", Message: "must be a ws:// or wss:// URL"})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "backend.transport",
			Message: fmt.Sprintf("unknown transport %q (want %s or %s)", b.Transport, TransportListen, TransportWebsocket),
		})
	}
	if b.Timeout <= 0 {
		errs = append(errs, ValidationError{Field: "backend.timeout", Message: "must be positive"})
	}
	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors
	if s.BlobRoot == "" {
		errs = append(errs, RequiredFieldError("storage.blob_root"))
	}
	if s.RecordingsDir == "" {
		errs = append(errs, RequiredFieldError("storage.recordings_dir"))
	}
	if s.OutboxPath == "" {
		errs = append(errs, RequiredFieldError("storage.outbox_path"))
	}
	return errs
}

func validateReconcile(r *ReconcileConfig) ValidationErrors {
	var errs ValidationErrors
	if r.MatchTolerance < 0 {
		errs = append(errs, ValidationError{Field: "reconcile.match_tolerance", Message: "must not be negative"})
	}
	if r.PushLimit < 1 {
		errs = append(errs, RangeError("reconcile.push_limit", 1, "unbounded"))
	}
	if r.BackgroundTimeout <= 0 {
		errs = append(errs, ValidationError{Field: "reconcile.background_timeout", Message: "must be positive"})
	}
	return errs
}

func validateRecorder(r *RecorderConfig) ValidationErrors {
	var errs ValidationErrors
	if r.Tick <= 0 {
		errs = append(errs, ValidationError{Field: "recorder.tick", Message: "must be positive"})
	}
	if r.FinalizePollInterval <= 0 {
		errs = append(errs, ValidationError{Field: "recorder.finalize_poll_interval", Message: "must be positive"})
	}
	if r.FinalizeAttempts < 1 {
		errs = append(errs, RangeError("recorder.finalize_attempts", 1, "unbounded"))
	}
	if r.MinFileBytes < 0 {
		errs = append(errs, ValidationError{Field: "recorder.min_file_bytes", Message: "must not be negative"})
	}
	if !strings.HasPrefix(r.FileExtension, ".") {
		errs = append(errs, ValidationError{Field: "recorder.file_extension", Message: "must start with a dot"})
	}
	return errs
}

func validatePush(p *PushConfig) ValidationErrors {
	if !p.Enabled {
		return nil
	}
	var errs ValidationErrors
	if !isValidURL(p.RedisURL, "redis", "rediss") {
		errs = append(errs, ValidationError{Field: "push.redis_url", Message: "must be a redis:// URL when push is enabled"})
	}
	if p.Queue == "" {
		errs = append(errs, RequiredFieldError("push.queue"))
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors
	if _, err := logging.ParseLevel(l.Level); err != nil {
		errs = append(errs, ValidationError{Field: "logging.level", Message: err.Error()})
	}
	if _, err := logging.ParseFormat(l.Format); err != nil {
		errs = append(errs, ValidationError{Field: "logging.format", Message: err.Error()})
	}
	switch l.Output {
	case "stdout", "stderr":
	case "file":
		if l.FilePath == "" {
			errs = append(errs, RequiredFieldError("logging.file_path"))
		}
	default:
		errs = append(errs, ValidationError{Field: "logging.output", Message: fmt.Sprintf("unknown output %q", l.Output)})
	}
	return errs
}

func isValidURL(raw string, schemes ...string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return true
		}
	}
	return false
}

// RequiredFieldError creates a validation error for a missing field.
func RequiredFieldError(field string) ValidationError {
	return ValidationError{Field: field, Message: "is required"}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max any) ValidationError {
	return ValidationError{Field: field, Message: fmt.Sprintf("must be between %v and %v", min, max)}
}
