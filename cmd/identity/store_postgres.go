package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements account persistence over PostgreSQL.
//
// Design notes:
// - The pgx pool is owned by the caller; this store must NOT close it.
// - Schema/table identifiers are safely quoted to avoid SQL injection via identifiers.
// - RotateCredentials is a single conditional UPDATE, so concurrent recoveries cannot both win.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema used by the identity store (default "vouch").
// The schema name is validated to be a legal PostgreSQL identifier.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !pgIdentIsValid(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "vouch",
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
		return nil, fmt.Errorf("identity: nil pool")
	}
	return st, nil
}

// CreateAccount inserts a confirmed registration. The primary key enforces uniqueness.
func (s *PostgresStore) CreateAccount(ctx context.Context, in CreateAccountInput) (Account, error) {
	const op = "identity.CreateAccount"

	if s == nil || s.pool == nil {
		return Account{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	in, err := in.validate(op)
	if err != nil {
		return Account{}, err
	}

	accounts := pgIdent(s.schema, "accounts")

	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+accounts+` (
		     username, totp_secret, recovery_token_hash, theme, created_at, updated_at
		   ) VALUES ($1, $2, $3, $4, $5, $5)`,
		in.Username,
		in.TOTPSecret,
		in.RecoveryHash,
		string(ThemeLight),
		in.Now,
	)
	if err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return Account{}, ConflictError{Op: op, Field: field}
		}
		return Account{}, fmt.Errorf("%s: %w", op, err)
	}

	return Account{
		Username:     in.Username,
		TOTPSecret:   in.TOTPSecret,
		RecoveryHash: in.RecoveryHash,
		Theme:        ThemeLight,
		CreatedAt:    in.Now,
		UpdatedAt:    in.Now,
	}, nil
}

// FindByUsername loads an account by exact username.
func (s *PostgresStore) FindByUsername(ctx context.Context, username string) (Account, error) {
	const op = "identity.FindByUsername"

	if s == nil || s.pool == nil {
		return Account{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	username = NormalizeUsername(username)
	if username == "" {
		return Account{}, NotFoundError{Op: op, Resource: "account"}
	}

	accounts := pgIdent(s.schema, "accounts")

	var (
		out   Account
		theme string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT username, totp_secret, recovery_token_hash, theme, created_at, updated_at
		   FROM `+accounts+`
		  WHERE username = $1`,
		username,
	).Scan(
		&out.Username,
		&out.TOTPSecret,
		&out.RecoveryHash,
		&theme,
		&out.CreatedAt,
		&out.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, NotFoundError{Op: op, Resource: "account"}
		}
		return Account{}, fmt.Errorf("%s: %w", op, err)
	}

	out.Theme = Theme(theme)
	out.CreatedAt = out.CreatedAt.UTC()
	out.UpdatedAt = out.UpdatedAt.UTC()
	return out, nil
}

// UpdateTheme persists a theme preference.
func (s *PostgresStore) UpdateTheme(ctx context.Context, username string, theme Theme, now time.Time) error {
	const op = "identity.UpdateTheme"

	if s == nil || s.pool == nil {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	if _, ok := ParseTheme(string(theme)); !ok {
		return invalid(op, "invalid theme")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	accounts := pgIdent(s.schema, "accounts")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+accounts+`
		    SET theme = $2, updated_at = $3
		  WHERE username = $1`,
		NormalizeUsername(username), string(theme), now.UTC(),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return NotFoundError{Op: op, Resource: "account"}
	}
	return nil
}

// RotateCredentials swaps secret and digest in one conditional UPDATE.
func (s *PostgresStore) RotateCredentials(ctx context.Context, in RotateCredentialsInput) error {
	const op = "identity.RotateCredentials"

	if s == nil || s.pool == nil {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	in, err := in.validate(op)
	if err != nil {
		return err
	}

	accounts := pgIdent(s.schema, "accounts")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+accounts+`
		    SET totp_secret = $3,
		        recovery_token_hash = $4,
		        updated_at = $5
		  WHERE username = $1
		    AND recovery_token_hash = $2`,
		in.Username,
		in.OldRecoveryHash,
		in.NewTOTPSecret,
		in.NewRecoveryHash,
		in.Now,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() != 1 {
		return staleRotate()
	}
	return nil
}

// Ping checks pool connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("identity: nil pool")
	}
	return s.pool.Ping(ctx)
}

// ---- helpers ----

// pgIdentIsValid checks if a string is a safe Postgres identifier.
func pgIdentIsValid(s string) bool {
	return pgIdentRe.MatchString(s)
}

// pgIdent safely quotes a schema-qualified identifier: "schema"."name".
func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

func pgClassifyUniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	if pgErr.Code != "23505" { // unique_violation
		return "", false
	}

	// Prefer stable schema constraint names. Fall back to heuristic substring matching.
	c := strings.ToLower(strings.TrimSpace(pgErr.ConstraintName))

	switch {
	case c == "accounts_pkey", strings.Contains(c, "username"):
		return "username", true
	default:
		return "unique", true
	}
}
