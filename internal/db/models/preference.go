// Package models - preference.go defines per-user, per-type notification preferences
// including quiet hours evaluated in the user's timezone.
package models

import (
	"fmt"
	"time"
	_ "time/tzdata" // quiet hours resolve IANA zones on hosts without a zoneinfo database

	"github.com/google/uuid"
)

// NotificationPreference controls which channels a notification type uses for a user
type NotificationPreference struct {
	ID              uuid.UUID        `db:"id" json:"id"`
	UserID          uuid.UUID        `db:"user_id" json:"user_id"`
	Type            NotificationType `db:"type" json:"type"`
	Enabled         bool             `db:"enabled" json:"enabled"`
	EmailEnabled    bool             `db:"email_enabled" json:"email_enabled"`
	PushEnabled     bool             `db:"push_enabled" json:"push_enabled"`
	// InAppEnabled is a client display hint. The inbox row is written regardless.
	InAppEnabled    bool             `db:"in_app_enabled" json:"in_app_enabled"`
	QuietHoursStart *string          `db:"quiet_hours_start" json:"quiet_hours_start,omitempty"` // HH:MM
	QuietHoursEnd   *string          `db:"quiet_hours_end" json:"quiet_hours_end,omitempty"`     // HH:MM
	Timezone        string           `db:"timezone" json:"timezone"`
	CreatedAt       time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time        `db:"updated_at" json:"updated_at"`
}

// ParseClock parses an HH:MM time of day into minutes after midnight
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil || len(s) != 5 {
		return 0, fmt.Errorf("invalid time of day %q: expected HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// InQuietHours reports whether now falls inside the preference's quiet hours.
// The window is evaluated in the preference's timezone and may wrap midnight
// (e.g. 22:00 to 07:00). A missing or unparseable window never suppresses.
func (p *NotificationPreference) InQuietHours(now time.Time) bool {
	if p.QuietHoursStart == nil || p.QuietHoursEnd == nil {
		return false
	}
	start, err := ParseClock(*p.QuietHoursStart)
	if err != nil {
		return false
	}
	end, err := ParseClock(*p.QuietHoursEnd)
	if err != nil {
		return false
	}
	if start == end {
		return false
	}

	loc, err := time.LoadLocation(p.Timezone)
	if err != nil || p.Timezone == "" {
		loc = time.UTC
	}
	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()

	if start < end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

// DefaultPreference returns the preference a user has before changing anything
func DefaultPreference(userID uuid.UUID, t NotificationType) NotificationPreference {
	return NotificationPreference{
		UserID:       userID,
		Type:         t,
		Enabled:      true,
		EmailEnabled: true,
		PushEnabled:  false,
		InAppEnabled: true,
		Timezone:     "UTC",
	}
}
