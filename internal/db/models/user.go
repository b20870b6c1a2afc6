// Package models - user.go defines the User model for Conpanion accounts with email,
// display name, password or OIDC credentials, and email confirmation state.
package models

import (
	"time"

	"github.com/google/uuid"
)

// User represents an account in the system
type User struct {
	ID                    uuid.UUID  `db:"id" json:"id"`
	Email                 string     `db:"email" json:"email"`
	Name                  string     `db:"name" json:"name"`
	PasswordHash          *string    `db:"password_hash" json:"-"`
	OIDCSubject           *string    `db:"oidc_subject" json:"-"`
	EmailConfirmedAt      *time.Time `db:"email_confirmed_at" json:"email_confirmed_at,omitempty"`
	ConfirmationTokenHash *string    `db:"confirmation_token_hash" json:"-"`
	ConfirmationSentAt    *time.Time `db:"confirmation_sent_at" json:"-"`
	CreatedAt             time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at" json:"updated_at"`
}

// IsConfirmed reports whether the user has confirmed their email address
func (u *User) IsConfirmed() bool {
	return u.EmailConfirmedAt != nil
}

// DisplayName returns the name, falling back to the email address
func (u *User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.Email
}
