// Package store defines the credential store contract consumed by the
// authentication engine, plus its postgres implementation. All updates are
// single-record field patches; the engine never needs multi-row
// transactions.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"authgate/internal/model"
)

var (
	// ErrNotFound is returned when no record matches the lookup key.
	ErrNotFound = errors.New("store: record not found")
	// ErrConflict is returned when a unique constraint (email or username)
	// is violated on creation. Both columns surface as this one error.
	ErrConflict = errors.New("store: duplicate record")
)

// AccountPatch is a field-level partial update of an account row. Nil
// fields are left untouched. Pointer-to-pointer for LastFailedLogin allows
// patching the column to NULL.
type AccountPatch struct {
	PasswordHash       *string
	EmailVerified      *bool
	TOTPEnabled        *bool
	TOTPSecret         *string
	HashedAccessToken  *string
	HashedRefreshToken *string
	FailedLogins       *int
	LastFailedLogin    **time.Time
	Locked             *bool
}

type AccountStore interface {
	CreateAccount(ctx context.Context, acct model.Account) (model.Account, error)
	AccountByID(ctx context.Context, id uuid.UUID) (model.Account, error)
	AccountByEmail(ctx context.Context, email string) (model.Account, error)
	UpdateAccount(ctx context.Context, id uuid.UUID, patch AccountPatch) error
}

type EphemeralTokenStore interface {
	CreateEphemeralToken(ctx context.Context, tok model.EphemeralToken) error
	EphemeralTokenByID(ctx context.Context, id uuid.UUID) (model.EphemeralToken, error)
	DeleteEphemeralToken(ctx context.Context, id uuid.UUID) error
	// DeleteEphemeralTokensFor removes all unredeemed tokens an account
	// holds for one purpose. Used when Tokens.InvalidatePrevious is set.
	DeleteEphemeralTokensFor(ctx context.Context, accountID uuid.UUID, purpose model.TokenPurpose) (int64, error)
	// DeleteExpiredEphemeralTokens is the sweeper hook; expiry is otherwise
	// only checked lazily at redemption.
	DeleteExpiredEphemeralTokens(ctx context.Context, now time.Time) (int64, error)
}

// Store is the full credential store contract.
type Store interface {
	AccountStore
	EphemeralTokenStore
}
