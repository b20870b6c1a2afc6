package notifications

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/conpanion/conpanion/internal/apperr"
	"github.com/conpanion/conpanion/internal/db/models"
)

// PreferenceRepository is the full preference persistence used by Preferences
type PreferenceRepository interface {
	GetOrCreate(ctx context.Context, userID uuid.UUID, t models.NotificationType) (*models.NotificationPreference, error)
	EnsureDefaults(ctx context.Context, userID uuid.UUID, types []models.NotificationType) error
	List(ctx context.Context, userID uuid.UUID) ([]*models.NotificationPreference, error)
	Update(ctx context.Context, pref *models.NotificationPreference) (*models.NotificationPreference, error)
}

// PreferenceUpdate is a partial update. Nil fields are left unchanged; an empty quiet
// hours value clears that bound.
type PreferenceUpdate struct {
	Enabled         *bool   `json:"enabled"`
	EmailEnabled    *bool   `json:"email_enabled"`
	PushEnabled     *bool   `json:"push_enabled"`
	InAppEnabled    *bool   `json:"in_app_enabled"`
	QuietHoursStart *string `json:"quiet_hours_start"`
	QuietHoursEnd   *string `json:"quiet_hours_end"`
	Timezone        *string `json:"timezone"`
}

// Preferences manages per-type notification preferences
type Preferences struct {
	store    PreferenceRepository
	validate *validator.Validate
}

// NewPreferences creates a preference service
func NewPreferences(store PreferenceRepository) *Preferences {
	return &Preferences{store: store, validate: validator.New()}
}

// List returns one preference per notification type, creating missing defaults first
func (p *Preferences) List(ctx context.Context, userID uuid.UUID) ([]*models.NotificationPreference, error) {
	if err := p.store.EnsureDefaults(ctx, userID, models.NotificationTypes); err != nil {
		return nil, apperr.Wrap(err, "failed to load preferences")
	}
	prefs, err := p.store.List(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to load preferences")
	}
	return prefs, nil
}

// EnsureDefaults creates the default preference rows for a new account
func (p *Preferences) EnsureDefaults(ctx context.Context, userID uuid.UUID) error {
	return p.store.EnsureDefaults(ctx, userID, models.NotificationTypes)
}

// Update applies u to the user's preference for t
func (p *Preferences) Update(ctx context.Context, userID uuid.UUID, t models.NotificationType, u PreferenceUpdate) (*models.NotificationPreference, error) {
	if !t.Valid() {
		return nil, apperr.New(apperr.InvalidInput, "unknown notification type "+string(t))
	}
	if err := p.check(u); err != nil {
		return nil, err
	}

	pref, err := p.store.GetOrCreate(ctx, userID, t)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to update preference")
	}

	setBool(&pref.Enabled, u.Enabled)
	setBool(&pref.EmailEnabled, u.EmailEnabled)
	setBool(&pref.PushEnabled, u.PushEnabled)
	setBool(&pref.InAppEnabled, u.InAppEnabled)
	setClock(&pref.QuietHoursStart, u.QuietHoursStart)
	setClock(&pref.QuietHoursEnd, u.QuietHoursEnd)
	if u.Timezone != nil {
		pref.Timezone = *u.Timezone
	}

	if (pref.QuietHoursStart == nil) != (pref.QuietHoursEnd == nil) {
		return nil, apperr.New(apperr.InvalidInput, "quiet hours need both a start and an end")
	}

	updated, err := p.store.Update(ctx, pref)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to update preference")
	}
	if updated == nil {
		return nil, apperr.New(apperr.NotFound, "preference not found")
	}
	return updated, nil
}

func (p *Preferences) check(u PreferenceUpdate) error {
	for _, clock := range []*string{u.QuietHoursStart, u.QuietHoursEnd} {
		if clock == nil || *clock == "" {
			continue
		}
		if _, err := models.ParseClock(*clock); err != nil {
			return apperr.New(apperr.InvalidInput, err.Error())
		}
	}
	if u.Timezone != nil {
		if err := p.validate.Var(*u.Timezone, "required,timezone"); err != nil {
			return apperr.New(apperr.InvalidInput, "timezone must be an IANA zone name such as Europe/London")
		}
	}
	return nil
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setClock(dst **string, v *string) {
	switch {
	case v == nil:
	case *v == "":
		*dst = nil
	default:
		s := *v
		*dst = &s
	}
}
