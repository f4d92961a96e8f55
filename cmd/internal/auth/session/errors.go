package session

import (
	"errors"
)

// Error kinds. Every *Error unwraps to exactly one of these.
var (
	ErrValidation = errors.New("validation")
	ErrConflict   = errors.New("conflict")
	ErrAuth       = errors.New("auth")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)

// Code is the stable machine-readable identifier of a session failure.
type Code string

const (
	CodeInvalidUsername       Code = "invalid_username"
	CodeUsernameTaken         Code = "username_taken"
	CodeAlreadyConnected      Code = "already_connected"
	CodeAlreadyAuthenticated  Code = "already_authenticated"
	CodeInvalidCode           Code = "invalid_code"
	CodeUserNotFound          Code = "user_not_found"
	CodeRecoveryFailed        Code = "recovery_failed"
	CodeNoPendingRegistration Code = "no_pending_registration"
	CodeTooManyAttempts       Code = "too_many_attempts"
	CodeNotAuthenticated      Code = "not_authenticated"
)

// Error is a classified session failure.
type Error struct {
	Code Code
	Kind error
}

func (e *Error) Error() string { return "session: " + string(e.Code) }

func (e *Error) Unwrap() error { return e.Kind }

var (
	ErrInvalidUsername       = &Error{Code: CodeInvalidUsername, Kind: ErrValidation}
	ErrUsernameTaken         = &Error{Code: CodeUsernameTaken, Kind: ErrConflict}
	ErrAlreadyConnected      = &Error{Code: CodeAlreadyConnected, Kind: ErrConflict}
	ErrAlreadyAuthenticated  = &Error{Code: CodeAlreadyAuthenticated, Kind: ErrConflict}
	ErrInvalidCode           = &Error{Code: CodeInvalidCode, Kind: ErrAuth}
	ErrUserNotFound          = &Error{Code: CodeUserNotFound, Kind: ErrAuth}
	ErrRecoveryFailed        = &Error{Code: CodeRecoveryFailed, Kind: ErrAuth}
	ErrNoPendingRegistration = &Error{Code: CodeNoPendingRegistration, Kind: ErrAuth}
	ErrTooManyAttempts       = &Error{Code: CodeTooManyAttempts, Kind: ErrAuth}
	ErrNotAuthenticated      = &Error{Code: CodeNotAuthenticated, Kind: ErrAuth}
)

// LoginFailureMessage is shown for both unknown users and wrong codes.
const LoginFailureMessage = "Invalid username or code"

// ServerFailureMessage is shown when a dependency failed.
const ServerFailureMessage = "Server error, please try again"

// CodeOf returns the code of a classified error, or "" for anything else
// (store and dependency failures).
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// Message maps an error to the text sent to clients.
func Message(err error) string {
	switch CodeOf(err) {
	case CodeInvalidUsername:
		return "Username must be 2-32 characters"
	case CodeUsernameTaken:
		return "Username already taken"
	case CodeAlreadyConnected:
		return "User already connected"
	case CodeAlreadyAuthenticated:
		return "Already logged in"
	case CodeInvalidCode, CodeUserNotFound:
		return LoginFailureMessage
	case CodeRecoveryFailed:
		return "Invalid username or recovery token"
	case CodeNoPendingRegistration:
		return "No pending registration"
	case CodeTooManyAttempts:
		return "Too many attempts, try again later"
	case CodeNotAuthenticated:
		return "Not logged in"
	default:
		return ServerFailureMessage
	}
}
