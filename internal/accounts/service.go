// Package accounts implements sign-up, password and OIDC login, and email
// confirmation. Confirming an address (or the first OIDC login) attaches the
// invitations already waiting for it.
package accounts

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/conpanion/conpanion/internal/apperr"
	"github.com/conpanion/conpanion/internal/auth"
	"github.com/conpanion/conpanion/internal/auth/oidc"
	"github.com/conpanion/conpanion/internal/config"
	"github.com/conpanion/conpanion/internal/db/models"
	"github.com/conpanion/conpanion/internal/notifications"
)

// ConfirmationTemplate is the system template used for confirmation emails
const ConfirmationTemplate = "email_confirmation"

// Users is the account persistence the service needs
type Users interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByOIDCSubject(ctx context.Context, subject string) (*models.User, error)
	GetByConfirmationTokenHash(ctx context.Context, hash string) (*models.User, error)
	SetConfirmationToken(ctx context.Context, id uuid.UUID, hash string) error
	MarkEmailConfirmed(ctx context.Context, id uuid.UUID) error
	LinkOIDCSubject(ctx context.Context, id uuid.UUID, subject string) error
	UpdateProfile(ctx context.Context, id uuid.UUID, name string) error
}

// PreferenceSeeder creates the default notification preferences of a new account
type PreferenceSeeder interface {
	EnsureDefaults(ctx context.Context, userID uuid.UUID) error
}

// InvitationLinker attaches pending invitations to a confirmed account
type InvitationLinker interface {
	LinkPendingForUser(ctx context.Context, userID uuid.UUID, email string) (int64, error)
}

// Mailer queues transactional email
type Mailer interface {
	SendTransactional(ctx context.Context, t notifications.Transactional) error
}

// RegisterInput creates a password account
type RegisterInput struct {
	Email    string `json:"email" validate:"required,email,max=320"`
	Name     string `json:"name" validate:"max=200"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// Session is an issued login
type Session struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	User      *models.User `json:"user"`
}

// Service implements account lifecycle operations
type Service struct {
	users       Users
	preferences PreferenceSeeder
	invitations InvitationLinker
	mailer      Mailer
	cfg         config.AuthConfig
	publicURL   string
	validate    *validator.Validate
	now         func() time.Time
}

// NewService creates an account service. publicURL is the front end origin used
// in confirmation links.
func NewService(users Users, preferences PreferenceSeeder, invitations InvitationLinker, mailer Mailer, cfg config.AuthConfig, publicURL string) *Service {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.ConfirmationTTL <= 0 {
		cfg.ConfirmationTTL = 72 * time.Hour
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	return &Service{
		users:       users,
		preferences: preferences,
		invitations: invitations,
		mailer:      mailer,
		cfg:         cfg,
		publicURL:   strings.TrimRight(publicURL, "/"),
		validate:    v,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Register creates an account, seeds its notification preferences and emails a
// confirmation link. The account can log in before confirming but pending
// invitations stay unlinked until it does.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	in.Email = normalizeEmail(in.Email)
	in.Name = strings.TrimSpace(in.Name)
	if err := s.validate.Struct(in); err != nil {
		return nil, invalid(err)
	}

	existing, err := s.users.GetByEmail(ctx, in.Email)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to look up account")
	}
	if existing != nil {
		return nil, apperr.New(apperr.Conflict, "an account with this email already exists")
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to hash password")
	}
	user := &models.User{Email: in.Email, Name: in.Name, PasswordHash: &hash}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, apperr.Wrap(err, "failed to create account")
	}
	s.seedPreferences(ctx, user.ID)

	if err := s.sendConfirmation(ctx, user); err != nil {
		slog.Error("failed to send confirmation email", "user_id", user.ID, "error", err)
	}
	slog.Info("account registered", "user_id", user.ID)
	return user, nil
}

// Login checks a password and issues a session token
func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	user, err := s.users.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return nil, apperr.Wrap(err, "failed to look up account")
	}
	if user == nil || user.PasswordHash == nil || !auth.CheckPassword(password, *user.PasswordHash) {
		return nil, apperr.New(apperr.AuthRequired, "invalid email or password")
	}
	return s.issue(user)
}

// Confirm consumes an email confirmation token and links pending invitations
func (s *Service) Confirm(ctx context.Context, token string) (*models.User, error) {
	if !auth.ValidTokenShape(token) {
		return nil, apperr.New(apperr.InvalidInput, "malformed confirmation token")
	}
	user, err := s.users.GetByConfirmationTokenHash(ctx, auth.HashToken(token))
	if err != nil {
		return nil, apperr.Wrap(err, "failed to look up confirmation token")
	}
	if user == nil {
		return nil, apperr.New(apperr.NotFound, "confirmation link is invalid or already used")
	}
	if user.ConfirmationSentAt != nil && s.now().After(user.ConfirmationSentAt.Add(s.cfg.ConfirmationTTL)) {
		return nil, apperr.New(apperr.Expired, "confirmation link has expired")
	}

	if err := s.users.MarkEmailConfirmed(ctx, user.ID); err != nil {
		return nil, apperr.Wrap(err, "failed to confirm email")
	}
	now := s.now()
	user.EmailConfirmedAt = &now
	user.ConfirmationTokenHash = nil

	s.linkInvitations(ctx, user)
	return user, nil
}

// ResendConfirmation issues a fresh confirmation link, replacing the previous one
func (s *Service) ResendConfirmation(ctx context.Context, user *models.User) error {
	if user.IsConfirmed() {
		return apperr.New(apperr.Conflict, "email is already confirmed")
	}
	if err := s.sendConfirmation(ctx, user); err != nil {
		return apperr.Wrap(err, "failed to send confirmation email")
	}
	return nil
}

// OIDCLogin finds or creates the account for an identity provider login. An
// existing password account with the same verified address is linked. The first
// login for an account links its pending invitations.
func (s *Service) OIDCLogin(ctx context.Context, id *oidc.Identity) (*Session, error) {
	user, err := s.users.GetByOIDCSubject(ctx, id.Subject)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to look up account")
	}
	if user != nil {
		return s.issue(user)
	}

	user, err = s.users.GetByEmail(ctx, id.Email)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to look up account")
	}
	switch {
	case user != nil && !id.EmailVerified:
		return nil, apperr.New(apperr.Conflict, "an account with this email already exists")
	case user != nil:
		if err := s.users.LinkOIDCSubject(ctx, user.ID, id.Subject); err != nil {
			return nil, apperr.Wrap(err, "failed to link identity")
		}
	default:
		user = &models.User{Email: id.Email, Name: id.Name, OIDCSubject: &id.Subject}
		if id.EmailVerified {
			now := s.now()
			user.EmailConfirmedAt = &now
		}
		if err := s.users.Create(ctx, user); err != nil {
			return nil, apperr.Wrap(err, "failed to create account")
		}
		s.seedPreferences(ctx, user.ID)
		slog.Info("account created from identity provider", "user_id", user.ID)
	}

	if id.EmailVerified {
		s.linkInvitations(ctx, user)
	}
	return s.issue(user)
}

// UpdateProfile changes the caller's display name
func (s *Service) UpdateProfile(ctx context.Context, userID uuid.UUID, name string) (*models.User, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 200 {
		return nil, apperr.New(apperr.InvalidInput, "name must be between 1 and 200 characters")
	}
	if err := s.users.UpdateProfile(ctx, userID, name); err != nil {
		return nil, apperr.Wrap(err, "failed to update profile")
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to load account")
	}
	if user == nil {
		return nil, apperr.New(apperr.NotFound, "account not found")
	}
	return user, nil
}

func (s *Service) issue(user *models.User) (*Session, error) {
	token, err := auth.GenerateJWT(user.ID.String(), user.Email, s.cfg.TokenTTL)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to issue token")
	}
	return &Session{Token: token, ExpiresAt: s.now().Add(s.cfg.TokenTTL), User: user}, nil
}

func (s *Service) sendConfirmation(ctx context.Context, user *models.User) error {
	token, err := auth.GenerateToken()
	if err != nil {
		return err
	}
	if err := s.users.SetConfirmationToken(ctx, user.ID, auth.HashToken(token)); err != nil {
		return err
	}
	link := s.publicURL + "/confirm-email?token=" + url.QueryEscape(token)
	userID := user.ID
	return s.mailer.SendTransactional(ctx, notifications.Transactional{
		To:           user.Email,
		UserID:       &userID,
		Type:         models.NotificationSystem,
		TemplateName: ConfirmationTemplate,
		TemplateArgs: []string{user.DisplayName(), link},
		Data:         map[string]any{"confirmation_url": link},
		Priority:     models.PriorityCritical,
	})
}

// seedPreferences is best effort: a missing row is created lazily on first use
func (s *Service) seedPreferences(ctx context.Context, userID uuid.UUID) {
	if err := s.preferences.EnsureDefaults(ctx, userID); err != nil {
		slog.Warn("failed to create default notification preferences", "user_id", userID, "error", err)
	}
}

func (s *Service) linkInvitations(ctx context.Context, user *models.User) {
	if _, err := s.invitations.LinkPendingForUser(ctx, user.ID, user.Email); err != nil {
		slog.Error("failed to link pending invitations", "user_id", user.ID, "error", err)
	}
}

func invalid(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperr.New(apperr.InvalidInput, err.Error())
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return apperr.New(apperr.InvalidInput, fe.Field()+" is required")
	case "email":
		return apperr.New(apperr.InvalidInput, "email is not a valid address")
	case "min":
		return apperr.New(apperr.InvalidInput, fe.Field()+" must be at least "+fe.Param()+" characters")
	case "max":
		return apperr.New(apperr.InvalidInput, fe.Field()+" must be at most "+fe.Param()+" characters")
	}
	return apperr.New(apperr.InvalidInput, fe.Field()+" is invalid")
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
