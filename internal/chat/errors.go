package chat

import "fmt"

// Kind classifies engine errors so the dispatcher can decide what to tell the
// client and what to log.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindValidation     Kind = "validation"
	KindNotFound       Kind = "not_found"
	KindRateLimit      Kind = "rate_limit"
	KindPersistence    Kind = "persistence"
)

// Error is a kinded engine error. Message is client-safe; Err carries the
// internal cause for logs and is never sent over the wire.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func authzErr(msg string) *Error {
	return &Error{Kind: KindAuthorization, Message: msg}
}

func validationErr(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

func notFoundErr(msg string) *Error {
	return &Error{Kind: KindNotFound, Message: msg}
}

func rateLimitErr(msg string) *Error {
	return &Error{Kind: KindRateLimit, Message: msg}
}

// persistErr wraps a store failure behind a client-safe message.
func persistErr(msg string, err error) *Error {
	return &Error{Kind: KindPersistence, Message: msg, Err: err}
}
