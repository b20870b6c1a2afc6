package notifications

import (
	"context"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/conpanion/conpanion/internal/apperr"
	"github.com/conpanion/conpanion/internal/db/models"
)

// SubscriptionStore persists push subscriptions
type SubscriptionStore interface {
	Upsert(ctx context.Context, sub *models.PushSubscription) (*models.PushSubscription, error)
	Delete(ctx context.Context, userID, id uuid.UUID) (bool, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.PushSubscription, error)
}

// PushSubscriptionInput is a Web Push subscription as reported by the browser
type PushSubscriptionInput struct {
	Endpoint  string `json:"endpoint" validate:"required,url,max=2048"`
	P256dh    string `json:"p256dh" validate:"required,max=256"`
	Auth      string `json:"auth" validate:"required,max=256"`
	UserAgent string `json:"user_agent" validate:"max=512"`
}

// Subscriptions manages the devices a user receives push notifications on
type Subscriptions struct {
	store    SubscriptionStore
	validate *validator.Validate
}

// NewSubscriptions creates a push subscription service
func NewSubscriptions(store SubscriptionStore) *Subscriptions {
	return &Subscriptions{store: store, validate: validator.New()}
}

// Register adds a device or refreshes the keys of one already registered
func (s *Subscriptions) Register(ctx context.Context, userID uuid.UUID, in PushSubscriptionInput) (*models.PushSubscription, error) {
	in.Endpoint = strings.TrimSpace(in.Endpoint)
	if err := s.validate.Struct(in); err != nil {
		return nil, apperr.New(apperr.InvalidInput, "endpoint, p256dh and auth are required")
	}
	if !strings.HasPrefix(in.Endpoint, "https://") {
		return nil, apperr.New(apperr.InvalidInput, "push endpoint must use https")
	}

	sub, err := s.store.Upsert(ctx, &models.PushSubscription{
		UserID:    userID,
		Endpoint:  in.Endpoint,
		P256dh:    in.P256dh,
		Auth:      in.Auth,
		UserAgent: in.UserAgent,
	})
	if err != nil {
		return nil, apperr.Wrap(err, "failed to register push subscription")
	}
	return sub, nil
}

// Remove deletes one of the user's devices
func (s *Subscriptions) Remove(ctx context.Context, userID, id uuid.UUID) error {
	ok, err := s.store.Delete(ctx, userID, id)
	if err != nil {
		return apperr.Wrap(err, "failed to remove push subscription")
	}
	if !ok {
		return apperr.New(apperr.NotFound, "push subscription not found")
	}
	return nil
}

func (s *Subscriptions) List(ctx context.Context, userID uuid.UUID) ([]*models.PushSubscription, error) {
	subs, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to list push subscriptions")
	}
	return subs, nil
}
