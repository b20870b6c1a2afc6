// Package apperr defines the error taxonomy shared by the services and the HTTP layer.
// Services return *Error for expected failures; handlers translate the Kind into a
// status code with HTTPStatus.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies an application error
type Kind string

const (
	AuthRequired            Kind = "auth_required"
	PermissionDenied        Kind = "permission_denied"
	InvalidInput            Kind = "invalid_input"
	InvalidRole             Kind = "invalid_role"
	NotFound                Kind = "not_found"
	InvalidInvitation       Kind = "invalid_invitation"
	AlreadyMember           Kind = "already_member"
	PendingInvitation       Kind = "pending_invitation"
	RateLimitExceeded       Kind = "rate_limit_exceeded"
	Expired                 Kind = "expired"
	NotOrganizationMember   Kind = "not_organization_member"
	WrongUser               Kind = "wrong_user"
	WrongEmail              Kind = "wrong_email"
	Conflict                Kind = "conflict"
	ExternalDeliveryFailure Kind = "external_delivery_failure"
	ProcessingError         Kind = "processing_error"
)

// Error is an application error with a client-safe message
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of the given kind
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap converts an unexpected error into a ProcessingError. An error that is
// already an *Error is returned unchanged.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{Kind: ProcessingError, Message: message, Err: err}
}

// KindOf returns the kind of err, ProcessingError for foreign errors and "" for nil
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ProcessingError
}

// Is reports whether err is an application error of the given kind
func Is(err error, kind Kind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == kind
}

// HTTPStatus maps an error kind to the response status code
func HTTPStatus(kind Kind) int {
	switch kind {
	case AuthRequired:
		return http.StatusUnauthorized
	case PermissionDenied, WrongUser, WrongEmail, NotOrganizationMember:
		return http.StatusForbidden
	case InvalidInput, InvalidRole:
		return http.StatusBadRequest
	case NotFound, InvalidInvitation:
		return http.StatusNotFound
	case AlreadyMember, PendingInvitation, Conflict:
		return http.StatusConflict
	case Expired:
		return http.StatusGone
	case RateLimitExceeded:
		return http.StatusTooManyRequests
	case ExternalDeliveryFailure:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// Message returns the client-facing message for err. Processing errors never
// expose their cause.
func Message(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return "internal error"
}
