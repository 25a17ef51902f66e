package auth

import "errors"

var (
	errPasswordEmpty = errors.New("auth: password is empty")
	errHashEmpty     = errors.New("auth: password hash is empty")
	errMissingSecret = errors.New("auth: token secret is not configured")
)
