package model

// Kind classifies a service-layer error into the API error taxonomy. The
// HTTP layer owns the mapping from Kind to status code.
type Kind string

const (
	KindValidation   Kind = "validation_failed"
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindTooLarge     Kind = "payload_too_large"
	KindRateLimited  Kind = "rate_limited"
	KindInternal     Kind = "internal_error"
	KindUnavailable  Kind = "unavailable"
)

// FieldError describes a single invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is a typed service error carrying its taxonomy kind and optional
// field details.
type Error struct {
	Kind    Kind
	Msg     string
	Details []FieldError
}

func (e *Error) Error() string { return e.Msg }

// E constructs a typed error.
func E(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Invalid constructs a validation error with field details.
func Invalid(msg string, details ...FieldError) *Error {
	return &Error{Kind: KindValidation, Msg: msg, Details: details}
}
