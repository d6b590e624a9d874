// Package token owns the two credential lifecycles of the system: signed
// access/refresh token pairs with server-side revocation (issuer.go) and
// single-use ephemeral tokens for email verification and password reset
// (ephemeral.go).
package token

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"authgate/internal/store"
)

// ErrInvalid covers every token verification failure: bad signature,
// expired, revoked, no active session. Callers must not distinguish.
var ErrInvalid = errors.New("token: invalid token")

// IssuerConfig carries the signing material. The refresh key must differ
// from the access key; the two token classes are verified independently.
type IssuerConfig struct {
	AccessKey  []byte
	RefreshKey []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Issuer     string
}

// Pair is one issuance: both tokens are minted together and only the most
// recent pair for an account verifies.
type Pair struct {
	AccessToken  string
	RefreshToken string
}

// Issuer mints, verifies, rotates and revokes token pairs. Tokens are
// stateless JWTs; only their SHA-256 hashes are persisted, on the account
// record, and each issuance overwrites both hashes. That overwrite is the
// revocation mechanism: a token minted before the latest issuance fails
// the hash comparison even while its signature and expiry are still valid.
type Issuer struct {
	accounts store.AccountStore
	config   IssuerConfig
}

func NewIssuer(accounts store.AccountStore, cfg IssuerConfig) (*Issuer, error) {
	if len(cfg.AccessKey) == 0 || len(cfg.RefreshKey) == 0 {
		return nil, errors.New("token: signing keys required")
	}
	if string(cfg.AccessKey) == string(cfg.RefreshKey) {
		return nil, errors.New("token: access and refresh keys must differ")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("token: invalid TTL configuration")
	}
	return &Issuer{accounts: accounts, config: cfg}, nil
}

// Issue mints a fresh pair for the account and persists both verification
// hashes, replacing any prior ones.
func (i *Issuer) Issue(ctx context.Context, accountID uuid.UUID) (Pair, error) {
	const op = "token.Issue"

	access, err := i.sign(accountID, i.config.AccessKey, i.config.AccessTTL)
	if err != nil {
		return Pair{}, fmt.Errorf("%s: %w", op, err)
	}
	refresh, err := i.sign(accountID, i.config.RefreshKey, i.config.RefreshTTL)
	if err != nil {
		return Pair{}, fmt.Errorf("%s: %w", op, err)
	}

	accessHash := hashToken(access)
	refreshHash := hashToken(refresh)
	patch := store.AccountPatch{
		HashedAccessToken:  &accessHash,
		HashedRefreshToken: &refreshHash,
	}
	if err := i.accounts.UpdateAccount(ctx, accountID, patch); err != nil {
		return Pair{}, fmt.Errorf("%s: %w", op, err)
	}

	return Pair{AccessToken: access, RefreshToken: refresh}, nil
}

// Revoke clears both stored hashes, invalidating every outstanding token
// for the account regardless of signature validity.
func (i *Issuer) Revoke(ctx context.Context, accountID uuid.UUID) error {
	const op = "token.Revoke"

	empty := ""
	patch := store.AccountPatch{
		HashedAccessToken:  &empty,
		HashedRefreshToken: &empty,
	}
	if err := i.accounts.UpdateAccount(ctx, accountID, patch); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// VerifyAccess checks signature, expiry and the stored hash for an access
// token. ErrInvalid on any credential failure, including a signed-out or
// deleted account; store backend errors are returned as-is.
func (i *Issuer) VerifyAccess(ctx context.Context, accountID uuid.UUID, presented string) error {
	return i.verify(ctx, accountID, presented, i.config.AccessKey, func(acct hashed) string {
		return acct.access
	})
}

// VerifyRefresh is VerifyAccess for the refresh class.
func (i *Issuer) VerifyRefresh(ctx context.Context, accountID uuid.UUID, presented string) error {
	return i.verify(ctx, accountID, presented, i.config.RefreshKey, func(acct hashed) string {
		return acct.refresh
	})
}

// ParseAccess validates an access token's signature and expiry and returns
// its subject. It does not consult the stored hash; use VerifyAccess for
// full verification.
func (i *Issuer) ParseAccess(presented string) (uuid.UUID, error) {
	return i.parse(presented, i.config.AccessKey)
}

// ParseRefresh is ParseAccess for the refresh class.
func (i *Issuer) ParseRefresh(presented string) (uuid.UUID, error) {
	return i.parse(presented, i.config.RefreshKey)
}

type hashed struct {
	access  string
	refresh string
}

func (i *Issuer) verify(ctx context.Context, accountID uuid.UUID, presented string, key []byte, pick func(hashed) string) error {
	subject, err := i.parse(presented, key)
	if err != nil {
		return ErrInvalid
	}
	if subject != accountID {
		return ErrInvalid
	}

	acct, err := i.accounts.AccountByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalid
		}
		// backend failure, not a credential failure
		return fmt.Errorf("token: load account: %w", err)
	}
	stored := pick(hashed{access: acct.HashedAccessToken, refresh: acct.HashedRefreshToken})
	if stored == "" {
		// signed out or never issued
		return ErrInvalid
	}

	storedRaw, err := hex.DecodeString(stored)
	if err != nil {
		return ErrInvalid
	}
	sum := sha256.Sum256([]byte(presented))
	if subtle.ConstantTimeCompare(sum[:], storedRaw) != 1 {
		return ErrInvalid
	}
	return nil
}

func (i *Issuer) sign(accountID uuid.UUID, key []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   accountID.String(),
		Issuer:    i.config.Issuer,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

func (i *Issuer) parse(presented string, key []byte) (uuid.UUID, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if i.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(i.config.Issuer))
	}

	parsed, err := jwt.ParseWithClaims(presented, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		return key, nil
	}, options...)
	if err != nil {
		return uuid.Nil, ErrInvalid
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid {
		return uuid.Nil, ErrInvalid
	}

	subject, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, ErrInvalid
	}
	return subject, nil
}

func hashToken(tok string) string {
	sum := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(sum[:])
}
