package app

import (
	"fmt"
	"net/http"

	"taskflow/api/internal/rbac"
)

// Kind is the machine-checkable category of a DomainError.
type Kind string

const (
	KindUnauthorized       Kind = "UNAUTHORIZED"
	KindForbidden          Kind = "FORBIDDEN"
	KindNotFound           Kind = "NOT_FOUND"
	KindInvariantViolation Kind = "INVARIANT_VIOLATION"
	KindValidation         Kind = "VALIDATION_ERROR"
	KindInternal           Kind = "INTERNAL"
)

var kindStatus = map[Kind]int{
	KindUnauthorized:       http.StatusUnauthorized,
	KindForbidden:          http.StatusForbidden,
	KindNotFound:           http.StatusNotFound,
	KindInvariantViolation: http.StatusConflict,
	KindValidation:         http.StatusUnprocessableEntity,
	KindInternal:           http.StatusInternalServerError,
}

type DomainError struct {
	Kind    Kind
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(kind Kind, code, message string, details any) *DomainError {
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &DomainError{
		Kind:    kind,
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func errUnauthorized(message string) *DomainError {
	return domainError(KindUnauthorized, "UNAUTHORIZED", message, nil)
}

func errNotFound(what string) *DomainError {
	return domainError(KindNotFound, "NOT_FOUND", what+" not found", nil)
}

func errValidation(message string, details any) *DomainError {
	return domainError(KindValidation, "VALIDATION_ERROR", message, details)
}

// errInvalidBody reports a body that could not be parsed at all.
func errInvalidBody(message string) *DomainError {
	return &DomainError{Kind: KindValidation, Status: http.StatusBadRequest, Code: "INVALID_BODY", Message: message}
}

func errInvariant(code, message string) *DomainError {
	return domainError(KindInvariantViolation, code, message, nil)
}

var (
	errNotMember     = errUnauthorized(rbac.ReasonNotMember)
	errAlreadyMember = errInvariant("ALREADY_MEMBER", "already a member of this workspace")
	errInvalidCode   = errInvariant("INVALID_CODE", "invalid invite code")
)

// denial converts a negative policy decision into the matching DomainError.
func denial(d rbac.Decision) *DomainError {
	switch d.Kind {
	case rbac.DenyForbidden:
		return domainError(KindForbidden, "FORBIDDEN", d.Reason, nil)
	case rbac.DenyInvariant:
		code := "INVARIANT_VIOLATION"
		switch d.Reason {
		case rbac.ReasonLastMember:
			code = "LAST_MEMBER"
		case rbac.ReasonLastAdmin:
			code = "LAST_ADMIN"
		}
		return errInvariant(code, d.Reason)
	default:
		return errUnauthorized(d.Reason)
	}
}
