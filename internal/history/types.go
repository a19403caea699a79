package history

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrNotFound = errors.New("history not found")

// Roles recorded in a transcript.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Entry is one transcript line.
type Entry struct {
	ID          string    `json:"id"`
	HistoryUID  string    `json:"history_uid"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// Info summarizes one transcript for listing.
type Info struct {
	UID       string    `json:"uid"`
	Latest    string    `json:"latest,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists conversation transcripts. Transcripts belong to an owner
// key, the character configuration a session runs under.
type Store interface {
	Create(ctx context.Context, owner string) (string, error)
	Append(ctx context.Context, owner, historyUID, role, content string) (Entry, error)
	Recent(ctx context.Context, owner, historyUID string, limit int) ([]Entry, error)
	List(ctx context.Context, owner string) ([]Info, error)
	Delete(ctx context.Context, owner, historyUID string) error
	Close() error
}

// NewStore creates a postgres-backed store when configured, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}

func newEntry(id, historyUID, role, content string, now time.Time) Entry {
	redacted, changed := RedactPII(content)
	return Entry{
		ID:          id,
		HistoryUID:  historyUID,
		Role:        role,
		Content:     redacted,
		PIIRedacted: changed,
		CreatedAt:   now,
	}
}
