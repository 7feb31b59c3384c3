// Package docerr defines the error taxonomy shared by the indexing and
// extraction layers. Every failure the core returns is one of these types,
// so callers can branch with errors.Is / errors.As and log the attached
// session, document and handle context.
package docerr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinels for errors.Is checks.
var (
	// ErrConfiguration marks bad sizes, bounds or arguments. Never retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrCorruptIndex marks a session whose persisted index and metadata
	// disagree. The session is unusable until repaired or recreated.
	ErrCorruptIndex = errors.New("corrupt index")

	// ErrEmbeddingUnavailable marks an embedding provider failure.
	ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")

	// ErrGenerationUnavailable marks a generation provider failure.
	ErrGenerationUnavailable = errors.New("generation provider unavailable")

	// ErrTimeout marks a provider call that exceeded its deadline.
	ErrTimeout = errors.New("provider call timed out")

	// ErrSchemaViolation marks model output that never matched the schema.
	ErrSchemaViolation = errors.New("schema violation")
)

// ConfigError reports an invalid option or argument.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfiguration }

// Configf builds a ConfigError with a formatted reason.
func Configf(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// CorruptIndexError reports an on-disk index/metadata pair that cannot be
// trusted.
type CorruptIndexError struct {
	SessionID string
	Path      string
	Reason    string
	Err       error
}

func (e *CorruptIndexError) Error() string {
	msg := fmt.Sprintf("corrupt index for session %s at %s: %s", e.SessionID, e.Path, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptIndexError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrCorruptIndex}
	}
	return []error{ErrCorruptIndex, e.Err}
}

// EmbeddingError reports a failed embedding call. DocumentID and Seq are
// empty/-1 for query embeddings.
type EmbeddingError struct {
	SessionID  string
	DocumentID string
	Seq        int
	Err        error
}

func (e *EmbeddingError) Error() string {
	if e.DocumentID == "" {
		return fmt.Sprintf("embed query (session %s): %v", e.SessionID, e.Err)
	}
	return fmt.Sprintf("embed chunk %d of %s (session %s): %v", e.Seq, e.DocumentID, e.SessionID, e.Err)
}

func (e *EmbeddingError) Unwrap() []error { return []error{ErrEmbeddingUnavailable, e.Err} }

// GenerationError reports a failed generation call.
type GenerationError struct {
	Attempt int
	Err     error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate (attempt %d): %v", e.Attempt, e.Err)
}

func (e *GenerationError) Unwrap() []error { return []error{ErrGenerationUnavailable, e.Err} }

// TimeoutError reports a provider call cut off by the configured timeout.
// No partial mutation is committed when this is returned.
type TimeoutError struct {
	Op         string
	SessionID  string
	DocumentID string
	Timeout    time.Duration
	Err        error
}

func (e *TimeoutError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s timed out after %s", e.Op, e.Timeout)
	if e.SessionID != "" {
		fmt.Fprintf(&sb, " (session %s", e.SessionID)
		if e.DocumentID != "" {
			fmt.Fprintf(&sb, ", doc %s", e.DocumentID)
		}
		sb.WriteString(")")
	}
	return sb.String()
}

func (e *TimeoutError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTimeout}
	}
	return []error{ErrTimeout, e.Err}
}

// Violation is one schema problem found in a model response. Field is empty
// when the response as a whole could not be parsed.
type Violation struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (v Violation) String() string {
	if v.Field == "" {
		return v.Reason
	}
	return fmt.Sprintf("%q: %s", v.Field, v.Reason)
}

// SchemaViolationError is returned once the repair retries are exhausted.
type SchemaViolationError struct {
	Raw        string
	Violations []Violation
	Attempts   int
}

func (e *SchemaViolationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return fmt.Sprintf("schema violation after %d attempts: %s", e.Attempts, strings.Join(parts, "; "))
}

func (e *SchemaViolationError) Unwrap() error { return ErrSchemaViolation }

// IsRetryable reports whether the caller may retry err with backoff:
// provider unavailability and timeouts are, everything else is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrEmbeddingUnavailable) ||
		errors.Is(err, ErrGenerationUnavailable) ||
		errors.Is(err, ErrTimeout)
}
