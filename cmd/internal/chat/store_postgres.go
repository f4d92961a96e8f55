package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vouch/cmd/identity/ids"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Edits and deletes are single conditional UPDATEs, so ownership and the
// deleted flag are checked atomically with the write.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	ids    *ids.Monotonic
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "vouch").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "vouch",
		ids:    ids.NewMonotonic(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Ping checks pool connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

const messageColumns = `id, kind, author, body, edited, deleted, created_at, updated_at`

// Append inserts a text message with a fresh monotonic ULID.
func (s *PostgresStore) Append(ctx context.Context, in AppendInput) (Message, error) {
	if in.Author == "" || in.Body == "" {
		return Message{}, ErrInvalidInput
	}
	// timestamptz keeps microseconds; the returned message must match what Recent reads back.
	now := nowOr(in.Now).Truncate(time.Microsecond)

	id, err := s.ids.Next(now)
	if err != nil {
		return Message{}, err
	}

	messages := pgIdent(s.schema, "messages")

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+messages+` (`+messageColumns+`)
		 VALUES ($1, $2, $3, $4, false, false, $5, $5)`,
		id, string(KindText), in.Author, in.Body, now,
	); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	return Message{
		ID:        id,
		Kind:      KindText,
		Author:    in.Author,
		Body:      in.Body,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Edit replaces the body if (id, author, not deleted) matches.
func (s *PostgresStore) Edit(ctx context.Context, in EditInput) (Message, bool, error) {
	if in.ID == "" || in.Requester == "" || in.Body == "" {
		return Message{}, false, ErrInvalidInput
	}

	messages := pgIdent(s.schema, "messages")

	row := s.pool.QueryRow(ctx,
		`UPDATE `+messages+`
		    SET body = $3, edited = true, updated_at = $4
		  WHERE id = $1 AND author = $2 AND deleted = false AND kind = 'text'
		RETURNING `+messageColumns,
		in.ID, in.Requester, in.Body, nowOr(in.Now).Truncate(time.Microsecond),
	)
	return scanConditional(row)
}

// Delete tombstones the message if (id, author, not deleted) matches.
func (s *PostgresStore) Delete(ctx context.Context, in DeleteInput) (Message, bool, error) {
	if in.ID == "" || in.Requester == "" {
		return Message{}, false, ErrInvalidInput
	}

	messages := pgIdent(s.schema, "messages")

	row := s.pool.QueryRow(ctx,
		`UPDATE `+messages+`
		    SET body = $3, deleted = true, updated_at = $4
		  WHERE id = $1 AND author = $2 AND deleted = false
		RETURNING `+messageColumns,
		in.ID, in.Requester, Tombstone, nowOr(in.Now).Truncate(time.Microsecond),
	)
	return scanConditional(row)
}

// Recent returns up to limit newest messages in chronological order.
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Message, error) {
	limit = clampLimit(limit)
	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+`
		   FROM `+messages+`
		  ORDER BY id DESC
		  LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	slices.Reverse(out)
	return out, nil
}

// PruneBefore deletes messages with created_at strictly before cutoff.
func (s *PostgresStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	messages := pgIdent(s.schema, "messages")

	tag, err := s.pool.Exec(ctx, `DELETE FROM `+messages+` WHERE created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanMessage(row pgx.Row) (Message, error) {
	var (
		m    Message
		kind string
	)
	if err := row.Scan(&m.ID, &kind, &m.Author, &m.Body, &m.Edited, &m.Deleted, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return Message{}, err
	}
	m.Kind = Kind(kind)
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return m, nil
}

func scanConditional(row pgx.Row) (Message, bool, error) {
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, false, nil
		}
		return Message{}, false, err
	}
	return m, true, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
