// Package session manages analysis sessions: the identifier scheme, the
// per-session directory, and a SQLite catalog of every session created.
package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Session is one analysis run. It owns the vector index and metadata files
// stored under Path.
type Session struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	Path       string    `json:"path"`
	LastUsedAt time.Time `json:"last_used_at"`
	Documents  int       `json:"documents"`
}

const idPrefix = "session-"

// NewID returns an ID of the form session-YYYYMMDD_HHMMSS-xxxxxxxx.
func NewID(now time.Time) string {
	return fmt.Sprintf("%s%s-%s", idPrefix, now.UTC().Format("20060102_150405"), uuid.NewString()[:8])
}

// ValidID reports whether id is safe to use as a directory name.
func ValidID(id string) bool {
	if !strings.HasPrefix(id, idPrefix) || len(id) > 64 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
