package auth

import "errors"

var (
	// ErrInvalidCredentials covers both an unknown email and a wrong
	// password. The two must stay indistinguishable to the caller.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked: lockout threshold reached and the window has
	// not elapsed.
	ErrAccountLocked = errors.New("account locked")
	// ErrUnauthorized: invalid, expired, or missing token, unknown
	// pending session, or wrong second-factor code. Each case is
	// deliberately indistinguishable from the others.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrConflict: duplicate account on creation, or a two-factor
	// enable/disable that does not match the current state.
	ErrConflict = errors.New("conflict")
	// ErrExpired: ephemeral token past its window.
	ErrExpired = errors.New("token expired")
	// ErrNotFound: ephemeral token absent, including a second
	// redemption of an already consumed one.
	ErrNotFound = errors.New("not found")
	// ErrInvalidToken: ephemeral token secret mismatch.
	ErrInvalidToken = errors.New("invalid token")
	// ErrDeliveryFailed: outbound mail could not be dispatched.
	ErrDeliveryFailed = errors.New("mail delivery failed")
)
