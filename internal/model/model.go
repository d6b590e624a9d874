// Package model holds the persisted record types shared by the storage
// adapter and the authentication engine.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Provider tags how an account authenticates its first factor.
type Provider string

const (
	ProviderLocal  Provider = "local"
	ProviderGoogle Provider = "google"
)

// TokenPurpose tags an ephemeral token with the single action it can redeem.
type TokenPurpose string

const (
	PurposeVerifyEmail   TokenPurpose = "verify-email"
	PurposeResetPassword TokenPurpose = "reset-password"
)

// Account is the identity record. PasswordHash is empty for federated-only
// accounts. TOTPSecret is non-empty exactly when TOTPEnabled is true.
// HashedAccessToken/HashedRefreshToken empty means no active session.
type Account struct {
	ID        uuid.UUID
	Email     string
	Username  string
	AvatarURL string
	Role      string
	Provider  Provider

	PasswordHash string

	EmailVerified bool

	TOTPEnabled bool
	TOTPSecret  string

	HashedAccessToken  string
	HashedRefreshToken string

	FailedLogins    int
	LastFailedLogin *time.Time
	Locked          bool

	CreatedAt time.Time
}

// EphemeralToken is a single-use credential-recovery record. The secret
// value itself is never stored; SecretHash is its SHA-256.
type EphemeralToken struct {
	ID         uuid.UUID
	AccountID  uuid.UUID
	Purpose    TokenPurpose
	SecretHash [32]byte
	ExpiresAt  time.Time
	CreatedAt  time.Time
}
