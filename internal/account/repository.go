package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const selectColumns = `
	id, email, username, provider, password_hash, identity_provider, identity_subject,
	picture, is_activated, refresh_token, refresh_token_expires_at, last_signout_at,
	created_at, updated_at
`

// Create inserts a new account. A missing ID is filled with a UUIDv7.
func (r *Repository) Create(ctx context.Context, acc Account) (Account, error) {
	if acc.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return Account{}, fmt.Errorf("generate uuid v7: %w", err)
		}
		acc.ID = id.String()
	}
	if err := acc.Validate(); err != nil {
		return Account{}, err
	}

	now := time.Now().UTC()
	acc.CreatedAt = now
	acc.UpdatedAt = now

	var identityProvider, identitySubject any
	if acc.Identity != nil {
		identityProvider = string(acc.Identity.Provider)
		identitySubject = acc.Identity.SubjectID
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO accounts (
			id, email, username, provider, password_hash, identity_provider, identity_subject,
			picture, is_activated, refresh_token, refresh_token_expires_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	`,
		acc.ID,
		acc.Email,
		acc.Username,
		string(acc.Provider),
		nullString(acc.PasswordHash),
		identityProvider,
		identitySubject,
		acc.Picture,
		acc.IsActivated,
		nullString(acc.RefreshToken),
		nullTime(acc.RefreshTokenExpiresAt),
		now,
	)
	if err != nil {
		return Account{}, mapWriteError("insert account", err)
	}

	return acc, nil
}

func (r *Repository) FindByID(ctx context.Context, id string) (Account, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Account{}, ErrNotFound
	}
	return r.findOne(ctx, "id", id)
}

func (r *Repository) FindByEmail(ctx context.Context, email string) (Account, error) {
	return r.findOne(ctx, "email", email)
}

func (r *Repository) FindByUsername(ctx context.Context, username string) (Account, error) {
	return r.findOne(ctx, "username", username)
}

func (r *Repository) FindByRefreshToken(ctx context.Context, refreshToken string) (Account, error) {
	if refreshToken == "" {
		return Account{}, ErrNotFound
	}
	return r.findOne(ctx, "refresh_token", refreshToken)
}

func (r *Repository) findOne(ctx context.Context, column, value string) (Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM accounts WHERE `+column+` = $1`, value)
	acc, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("query account by %s: %w", column, err)
	}
	return acc, nil
}

// SetRefreshToken replaces the stored session token.
func (r *Repository) SetRefreshToken(ctx context.Context, id, refreshToken string, expiresAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET refresh_token = $2, refresh_token_expires_at = $3, updated_at = $4
		WHERE id = $1
	`, id, refreshToken, expiresAt.UTC(), time.Now().UTC())
	if err != nil {
		return mapWriteError("store refresh token", err)
	}
	return expectOne(res, ErrNotFound)
}

// ClearRefreshToken removes the stored session token and stamps the signout
// time. Only a row that still holds a token is updated, so concurrent callers
// get exactly one success and ErrNoSession for the rest.
func (r *Repository) ClearRefreshToken(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET refresh_token = NULL, refresh_token_expires_at = NULL, last_signout_at = $2, updated_at = $2
		WHERE id = $1 AND refresh_token IS NOT NULL
	`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("clear refresh token: %w", err)
	}
	return expectOne(res, ErrNoSession)
}

func (r *Repository) UpdatePasswordHash(ctx context.Context, id, passwordHash string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET password_hash = $2, updated_at = $3
		WHERE id = $1
	`, id, passwordHash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	return expectOne(res, ErrNotFound)
}

// LinkIdentity attaches a federated identity to an account that has none.
func (r *Repository) LinkIdentity(ctx context.Context, id string, identity ProviderIdentity, picture string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET identity_provider = $2,
			identity_subject = $3,
			picture = CASE WHEN picture = '' THEN $4 ELSE picture END,
			updated_at = $5
		WHERE id = $1 AND identity_subject IS NULL
	`, id, string(identity.Provider), identity.SubjectID, picture, time.Now().UTC())
	if err != nil {
		return mapWriteError("link identity", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("link identity rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}

	if _, err := r.FindByID(ctx, id); err != nil {
		return err
	}
	return ErrAlreadyLinked
}

// ClearExpiredSessions nulls refresh tokens whose expiry passed before now,
// at most batchSize rows per call.
func (r *Repository) ClearExpiredSessions(ctx context.Context, now time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	res, err := r.db.ExecContext(ctx, `
		WITH expired AS (
			SELECT id
			FROM accounts
			WHERE refresh_token IS NOT NULL
			  AND refresh_token_expires_at < $1
			ORDER BY refresh_token_expires_at ASC
			LIMIT $2
		)
		UPDATE accounts a
		SET refresh_token = NULL, refresh_token_expires_at = NULL, updated_at = $1
		FROM expired
		WHERE a.id = expired.id
	`, now.UTC(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("clear expired sessions: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired sessions rows affected: %w", err)
	}
	return affected, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (Account, error) {
	var (
		acc              Account
		provider         string
		passwordHash     sql.NullString
		identityProvider sql.NullString
		identitySubject  sql.NullString
		refreshToken     sql.NullString
		refreshExpiresAt sql.NullTime
		lastSignoutAt    sql.NullTime
	)

	err := row.Scan(
		&acc.ID,
		&acc.Email,
		&acc.Username,
		&provider,
		&passwordHash,
		&identityProvider,
		&identitySubject,
		&acc.Picture,
		&acc.IsActivated,
		&refreshToken,
		&refreshExpiresAt,
		&lastSignoutAt,
		&acc.CreatedAt,
		&acc.UpdatedAt,
	)
	if err != nil {
		return Account{}, err
	}

	acc.Provider = Provider(provider)
	acc.PasswordHash = passwordHash.String
	acc.RefreshToken = refreshToken.String
	if identitySubject.Valid {
		acc.Identity = &ProviderIdentity{
			Provider:  Provider(identityProvider.String),
			SubjectID: identitySubject.String,
		}
	}
	if refreshExpiresAt.Valid {
		value := refreshExpiresAt.Time.UTC()
		acc.RefreshTokenExpiresAt = &value
	}
	if lastSignoutAt.Valid {
		value := lastSignoutAt.Time.UTC()
		acc.LastSignoutAt = &value
	}
	acc.CreatedAt = acc.CreatedAt.UTC()
	acc.UpdatedAt = acc.UpdatedAt.UTC()

	return acc, nil
}

func mapWriteError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		switch {
		case strings.Contains(pgErr.ConstraintName, "email"):
			return ErrEmailTaken
		case strings.Contains(pgErr.ConstraintName, "username"):
			return ErrUsernameTaken
		case strings.Contains(pgErr.ConstraintName, "identity"):
			return ErrIdentityTaken
		case strings.Contains(pgErr.ConstraintName, "refresh_token"):
			return ErrTokenTaken
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func expectOne(res sql.Result, none error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return none
	}
	return nil
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC()
}
