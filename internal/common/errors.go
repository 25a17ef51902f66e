// Package common defines the error taxonomy shared by the chat components.
// Callers match with errors.Is; Code maps an error to the stable string sent
// to clients in error events.
package common

import "errors"

var (
	// Session errors.
	ErrUnauthenticated = errors.New("login required")
	ErrForbidden       = errors.New("forbidden")

	// Onboarding errors.
	ErrUsernameTaken      = errors.New("username already exists")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCode        = errors.New("invalid or expired verification code")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrBanned             = errors.New("you are banned")
	ErrInvalidToken       = errors.New("invalid token")

	// Routing errors.
	ErrRecipientOffline = errors.New("user is not online")
	ErrUnknownRoom      = errors.New("unknown room")

	// Moderation errors.
	ErrNotBanned    = errors.New("user is not banned")
	ErrNotConnected = errors.New("user is not connected")
	ErrInvalidRole  = errors.New("invalid role")

	// Economy errors.
	ErrItemRequired      = errors.New("required item not owned")
	ErrRateLimited       = errors.New("daily limit reached")
	ErrInsufficientFunds = errors.New("insufficient funds")

	// Profile errors.
	ErrScreennameConflict = errors.New("screenname already in use")

	// Generic errors.
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrInternal     = errors.New("internal error")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrUnauthenticated, "unauthenticated"},
	{ErrForbidden, "forbidden"},
	{ErrUsernameTaken, "username_taken"},
	{ErrEmailTaken, "email_taken"},
	{ErrInvalidCode, "invalid_code"},
	{ErrInvalidCredentials, "invalid_credentials"},
	{ErrBanned, "banned"},
	{ErrInvalidToken, "invalid_token"},
	{ErrRecipientOffline, "recipient_offline"},
	{ErrUnknownRoom, "unknown_room"},
	{ErrNotBanned, "not_banned"},
	{ErrNotConnected, "not_connected"},
	{ErrInvalidRole, "invalid_role"},
	{ErrItemRequired, "item_required"},
	{ErrRateLimited, "rate_limited"},
	{ErrInsufficientFunds, "insufficient_funds"},
	{ErrScreennameConflict, "screenname_conflict"},
	{ErrInvalidInput, "invalid_input"},
	{ErrNotFound, "not_found"},
}

// Code returns the wire code for err. Unknown errors map to "internal".
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

// PublicMessage returns the text safe to show to the originating session.
// Wrapped context is dropped so storage details never leak to clients.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.err.Error()
		}
	}
	return ErrInternal.Error()
}
