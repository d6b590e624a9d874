package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"authgate/internal/model"
	"authgate/internal/store"
)

const ephemeralSecretSize = 32

var (
	// ErrNotFound: no ledger entry under the id. Also the outcome of a
	// second redemption, which must fail rather than silently succeed.
	ErrNotFound = errors.New("token: ephemeral token not found")
	// ErrExpired: entry exists but its window has passed.
	ErrExpired = errors.New("token: ephemeral token expired")
	// ErrMismatch: entry exists and is live, but the secret is wrong. The
	// entry stays redeemable with the correct secret.
	ErrMismatch = errors.New("token: ephemeral token secret mismatch")
)

// LedgerConfig controls the ephemeral token window.
// InvalidatePrevious, when set, deletes an account's prior unredeemed
// tokens of the same purpose on each issue, so at most one is live per
// purpose. Off by default: multiple simultaneously valid tokens.
type LedgerConfig struct {
	TTL                time.Duration
	InvalidatePrevious bool
}

// Ledger issues and redeems single-use, time-boxed tokens. Each token is a
// two-part credential: a lookup id and a separate high-entropy secret, so
// lookup cannot be used to enumerate or time-probe secrets.
type Ledger struct {
	tokens store.EphemeralTokenStore
	config LedgerConfig
}

func NewLedger(tokens store.EphemeralTokenStore, cfg LedgerConfig) (*Ledger, error) {
	if cfg.TTL <= 0 {
		return nil, errors.New("token: ledger TTL must be positive")
	}
	return &Ledger{tokens: tokens, config: cfg}, nil
}

// Issue creates a ledger entry and returns the lookup id plus the secret.
// The secret exists only in this return value; the ledger keeps its hash.
func (l *Ledger) Issue(ctx context.Context, accountID uuid.UUID, purpose model.TokenPurpose) (uuid.UUID, string, error) {
	const op = "token.Issue"

	if l.config.InvalidatePrevious {
		if _, err := l.tokens.DeleteEphemeralTokensFor(ctx, accountID, purpose); err != nil {
			return uuid.Nil, "", fmt.Errorf("%s: %w", op, err)
		}
	}

	raw := make([]byte, ephemeralSecretSize)
	if _, err := rand.Read(raw); err != nil {
		return uuid.Nil, "", fmt.Errorf("%s: %w", op, err)
	}
	secret := base64.RawURLEncoding.EncodeToString(raw)

	now := time.Now()
	tok := model.EphemeralToken{
		ID:         uuid.New(),
		AccountID:  accountID,
		Purpose:    purpose,
		SecretHash: sha256.Sum256([]byte(secret)),
		ExpiresAt:  now.Add(l.config.TTL),
		CreatedAt:  now,
	}
	if err := l.tokens.CreateEphemeralToken(ctx, tok); err != nil {
		return uuid.Nil, "", fmt.Errorf("%s: %w", op, err)
	}

	return tok.ID, secret, nil
}

// Redeem looks up the entry, checks expiry lazily, compares the secret in
// constant time, runs the bound action for the owning account, and deletes
// the entry. Single-use: once deleted the same inputs yield ErrNotFound.
func (l *Ledger) Redeem(ctx context.Context, id uuid.UUID, secret string, purpose model.TokenPurpose, action func(ctx context.Context, accountID uuid.UUID) error) error {
	const op = "token.Redeem"

	tok, err := l.tokens.EphemeralTokenByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if tok.Purpose != purpose {
		return ErrNotFound
	}
	if time.Now().After(tok.ExpiresAt) {
		_ = l.tokens.DeleteEphemeralToken(ctx, id)
		return ErrExpired
	}

	sum := sha256.Sum256([]byte(secret))
	if subtle.ConstantTimeCompare(sum[:], tok.SecretHash[:]) != 1 {
		return ErrMismatch
	}

	if err := action(ctx, tok.AccountID); err != nil {
		return err
	}
	if err := l.tokens.DeleteEphemeralToken(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
