// Package session carries the caller's working organization and project for one
// request. The client selects them with the X-Organization-ID and X-Project-ID
// headers; nothing about the selection is stored server-side.
package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Header names
const (
	OrganizationHeader = "X-Organization-ID"
	ProjectHeader      = "X-Project-ID"
)

// Scope is the organization/project the caller is working in. Either may be unset.
type Scope struct {
	OrganizationID *uuid.UUID
	ProjectID      *uuid.UUID
}

// Parse builds a Scope from raw header values. Empty values leave the field unset.
func Parse(organization, project string) (Scope, error) {
	var s Scope
	var err error
	if s.OrganizationID, err = parseID(OrganizationHeader, organization); err != nil {
		return Scope{}, err
	}
	if s.ProjectID, err = parseID(ProjectHeader, project); err != nil {
		return Scope{}, err
	}
	return s, nil
}

func parseID(header, raw string) (*uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s header: %w", header, err)
	}
	return &id, nil
}

type scopeKey struct{}

// WithScope returns a copy of ctx carrying s
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// FromContext returns the Scope stored on ctx, or the zero Scope
func FromContext(ctx context.Context) Scope {
	s, _ := ctx.Value(scopeKey{}).(Scope)
	return s
}
