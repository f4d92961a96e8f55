// Package presence tracks which usernames currently hold a live, authenticated
// connection. A username maps to at most one connection id at a time.
package presence

import (
	"context"
	"errors"
)

// ErrInvalidInput is returned for empty usernames or connection ids.
var ErrInvalidInput = errors.New("presence: invalid input")

// Registry is the global live-identity table.
//
// Reserve is an atomic check-and-set: it succeeds only if no other connection
// holds username. Release and Refresh act only on the caller's own entry, so a
// stale connection can never evict or extend a newer one.
type Registry interface {
	Reserve(ctx context.Context, username, connID string) (bool, error)
	Release(ctx context.Context, username, connID string) error
	Refresh(ctx context.Context, username, connID string) (bool, error)
	Ping(ctx context.Context) error
}

func checkArgs(username, connID string) error {
	if username == "" || connID == "" {
		return ErrInvalidInput
	}
	return nil
}
