// Package repositories implements the data access layer (repository pattern) for Conpanion.
// Each repository type encapsulates all database queries for a domain entity.
// Services never issue SQL directly. Lookups return (nil, nil) when the row does not exist.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/conpanion/conpanion/internal/db/models"
)

const userColumns = `id, email, name, password_hash, oidc_subject, email_confirmed_at,
	confirmation_token_hash, confirmation_sent_at, created_at, updated_at`

// UserRepository handles user database operations
type UserRepository struct {
	db *sqlx.DB
}

// NewUserRepository creates a new UserRepository
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

// Create inserts a new user. ID and timestamps are assigned when unset.
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	query := `
		INSERT INTO users (id, email, name, password_hash, oidc_subject, email_confirmed_at,
			confirmation_token_hash, confirmation_sent_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		user.ID,
		user.Email,
		user.Name,
		user.PasswordHash,
		user.OIDCSubject,
		user.EmailConfirmedAt,
		user.ConfirmationTokenHash,
		user.ConfirmationSentAt,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (r *UserRepository) getOne(ctx context.Context, where string, arg interface{}) (*models.User, error) {
	var user models.User
	err := r.db.GetContext(ctx, &user, `SELECT `+userColumns+` FROM users WHERE `+where, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// GetByID retrieves a user by ID
func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return r.getOne(ctx, "id = $1", id)
}

// GetByEmail retrieves a user by email, case-insensitively
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.getOne(ctx, "LOWER(email) = LOWER($1)", email)
}

// GetByOIDCSubject retrieves a user by their identity provider subject
func (r *UserRepository) GetByOIDCSubject(ctx context.Context, subject string) (*models.User, error) {
	return r.getOne(ctx, "oidc_subject = $1", subject)
}

// GetByConfirmationTokenHash retrieves the user holding an unconsumed confirmation token
func (r *UserRepository) GetByConfirmationTokenHash(ctx context.Context, hash string) (*models.User, error) {
	return r.getOne(ctx, "confirmation_token_hash = $1", hash)
}

// GetNames returns display names (name, or email when empty) keyed by user ID.
// Unknown IDs are absent from the result.
func (r *UserRepository) GetNames(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	names := make(map[uuid.UUID]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}

	query, args, err := sqlx.In(`SELECT id, COALESCE(NULLIF(name, ''), email) AS name FROM users WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build user name query: %w", err)
	}
	rows, err := r.db.QueryxContext(ctx, sqlx.Rebind(sqlx.DOLLAR, query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get user names: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("failed to scan user name: %w", err)
		}
		names[id] = name
	}
	return names, rows.Err()
}

// SetConfirmationToken stores the hash of a new email confirmation token
func (r *UserRepository) SetConfirmationToken(ctx context.Context, id uuid.UUID, hash string) error {
	query := `
		UPDATE users
		SET confirmation_token_hash = $2, confirmation_sent_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, id, hash); err != nil {
		return fmt.Errorf("failed to set confirmation token: %w", err)
	}
	return nil
}

// MarkEmailConfirmed records the confirmation and consumes the token
func (r *UserRepository) MarkEmailConfirmed(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE users
		SET email_confirmed_at = COALESCE(email_confirmed_at, NOW()),
			confirmation_token_hash = NULL,
			updated_at = NOW()
		WHERE id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to confirm email: %w", err)
	}
	return nil
}

// LinkOIDCSubject binds an identity provider subject to an existing account.
// An account signing in through the identity provider has a verified address,
// so the email is marked confirmed as well.
func (r *UserRepository) LinkOIDCSubject(ctx context.Context, id uuid.UUID, subject string) error {
	query := `
		UPDATE users
		SET oidc_subject = $2,
			email_confirmed_at = COALESCE(email_confirmed_at, NOW()),
			updated_at = NOW()
		WHERE id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, id, subject); err != nil {
		return fmt.Errorf("failed to link oidc subject: %w", err)
	}
	return nil
}

// UpdateProfile updates the user's display name
func (r *UserRepository) UpdateProfile(ctx context.Context, id uuid.UUID, name string) error {
	query := `UPDATE users SET name = $2, updated_at = NOW() WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, name); err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}
