package errx

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	// SystemErrorMessage is a user-facing fallback when internal errors occur.
	SystemErrorMessage = "internal server error"
	// RedisErrorMessage describes Redis related failures.
	RedisErrorMessage = "redis operation failed"
	// RedisNotFoundMessage describes a missing Redis key.
	RedisNotFoundMessage = "redis key not found"
	// PostgresErrorMessage describes Postgres related failures.
	PostgresErrorMessage = "postgres operation failed"
	// PostgresNotFoundMessage describes a query that returned no rows.
	PostgresNotFoundMessage = "record not found"
)

// Kind classifies an error by how the session engine must react to it.
type Kind string

const (
	// KindConfiguration: unknown session/agent or malformed workflow. Surfaced
	// immediately; the session is not created or the turn is rejected.
	KindConfiguration Kind = "configuration"
	// KindUpstream: model, vector store, telephony or storage call failed.
	KindUpstream Kind = "upstream"
	// KindProtocol: malformed or unknown inbound event. Logged and ignored.
	KindProtocol Kind = "protocol"
	// KindState: a transition referenced a node missing from the graph.
	KindState Kind = "state"
	// KindInternal is everything else.
	KindInternal Kind = "internal"
)

// AppError wraps an underlying error with a kind, an HTTP status and a safe message.
type AppError struct {
	Err     error
	Kind    Kind
	Status  int
	Message string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the provided information.
func New(err error, status int, message string) *AppError {
	return &AppError{
		Err:     err,
		Kind:    kindForStatus(status),
		Status:  status,
		Message: message,
	}
}

func newKind(kind Kind, status int, err error, message string) *AppError {
	return &AppError{Err: err, Kind: kind, Status: status, Message: message}
}

// Configuration marks err as a configuration defect.
func Configuration(err error, message string) *AppError {
	return newKind(KindConfiguration, http.StatusUnprocessableEntity, err, message)
}

// Upstream marks err as a failure of an external dependency.
func Upstream(err error, message string) *AppError {
	return newKind(KindUpstream, http.StatusBadGateway, err, message)
}

// Protocol marks err as a malformed inbound message.
func Protocol(err error, message string) *AppError {
	return newKind(KindProtocol, http.StatusBadRequest, err, message)
}

// State marks err as a reference to graph state that does not exist.
func State(err error, message string) *AppError {
	return newKind(KindState, http.StatusConflict, err, message)
}

// KindOf returns the kind of the first AppError in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Kind != "" {
		return appErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// PublicMessage returns the message safe to show to a caller.
func PublicMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Message != "" {
		return appErr.Message
	}
	return SystemErrorMessage
}

// Is reports whether the target matches the underlying error or the AppError itself.
func (e *AppError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// As allows casting to AppError or the wrapped error in a chain.
func (e *AppError) As(target any) bool {
	if t, ok := target.(**AppError); ok {
		*t = e
		return true
	}
	return errors.As(e.Err, target)
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusBadRequest:
		return KindProtocol
	case status == http.StatusNotFound, status == http.StatusUnprocessableEntity:
		return KindConfiguration
	case status >= 500 && status != http.StatusInternalServerError:
		return KindUpstream
	default:
		return KindInternal
	}
}
