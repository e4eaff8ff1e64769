package linkauth

import (
	"errors"
)

// Common errors returned by the authentication service
var (
	// ErrInvalidEmail is returned when an email address fails syntactic validation
	ErrInvalidEmail = errors.New("invalid email address")
	// ErrRateLimited is returned when a (email, device) pair has exhausted its link quota
	ErrRateLimited = errors.New("too many link requests")
	// ErrDispatchFailed is returned when the mail provider rejects or cannot deliver the link
	ErrDispatchFailed = errors.New("failed to dispatch sign-in link")
	// ErrInvalidToken is returned when a presented token does not match any record
	ErrInvalidToken = errors.New("invalid sign-in token")
	// ErrExpiredToken is returned when a token is presented after its expiry
	ErrExpiredToken = errors.New("sign-in token has expired")
	// ErrTokenUsed is returned when a token has already been redeemed
	ErrTokenUsed = errors.New("sign-in token has already been used")
	// ErrDeviceMismatch is returned when a session is presented from a different device
	ErrDeviceMismatch = errors.New("session device mismatch")
	// ErrSessionExpired is returned when a session is presented after its expiry
	ErrSessionExpired = errors.New("session has expired")
	// ErrNoSession is returned when no session exists for the presented identifier
	ErrNoSession = errors.New("no session")
	// ErrTimeout is returned when an outbound call exceeds its deadline
	ErrTimeout = errors.New("request timed out")
)

// TokenStateMessage is the single user-facing message for every token-state
// failure. Invalid, expired and already-used are deliberately not
// distinguished to the caller; logs carry the real branch.
const TokenStateMessage = "This sign-in link is invalid or expired. Please request a new one."

// IsTokenStateError reports whether err is one of the token-state failures
// that collapse to TokenStateMessage.
func IsTokenStateError(err error) bool {
	return errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrExpiredToken) ||
		errors.Is(err, ErrTokenUsed)
}
