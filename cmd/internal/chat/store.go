package chat

import (
	"context"
	"errors"
	"time"
)

// Tombstone replaces the body of a deleted message.
const Tombstone = "This message was deleted"

// Kind distinguishes persisted text from transient file notices.
type Kind string

const (
	KindText Kind = "text"
	KindFile Kind = "file"
)

// ErrInvalidInput is returned for malformed store requests.
var ErrInvalidInput = errors.New("chat: invalid input")

// Message is the canonical persisted message representation.
// Edited and Deleted only ever move from false to true.
type Message struct {
	ID        string
	Kind      Kind
	Author    string
	Body      string
	Edited    bool
	Deleted   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists and queries the single global message log.
//
// Requirements:
//   - Append assigns a ULID that sorts after every earlier ID
//   - Edit/Delete are conditional on (id, author, not deleted); a miss returns ok=false
//   - Recent returns the newest messages in chronological order
type Store interface {
	Append(ctx context.Context, in AppendInput) (Message, error)
	Edit(ctx context.Context, in EditInput) (Message, bool, error)
	Delete(ctx context.Context, in DeleteInput) (Message, bool, error)
	Recent(ctx context.Context, limit int) ([]Message, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// AppendInput describes a new text message.
type AppendInput struct {
	Author string
	Body   string
	Now    time.Time
}

// EditInput replaces the body of an existing, undeleted message owned by Requester.
type EditInput struct {
	ID        string
	Requester string
	Body      string
	Now       time.Time
}

// DeleteInput tombstones an existing, undeleted message owned by Requester.
type DeleteInput struct {
	ID        string
	Requester string
	Now       time.Time
}

const (
	DefaultHistoryLimit = 100
	MaxHistoryLimit     = 200
)

// clampLimit normalizes a history window size.
func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

func nowOr(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
