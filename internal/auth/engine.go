// Package auth implements the authentication orchestrator: login with
// brute-force lockout, two-factor completion, token refresh and sign-out,
// email verification and password reset.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"authgate/internal/mail"
	"authgate/internal/model"
	"authgate/internal/password"
	"authgate/internal/session"
	"authgate/internal/store"
	"authgate/internal/token"
	"authgate/internal/totp"
)

// Config carries the orchestrator's policy knobs. URLs are the bases the
// mailed verification and reset links point at; token id and secret are
// appended as query parameters.
type Config struct {
	MaxFailedLogins int
	LockoutDuration time.Duration
	EphemeralTTL    time.Duration
	VerifyURL       string
	ResetURL        string
}

func DefaultConfig() Config {
	return Config{
		MaxFailedLogins: 5,
		LockoutDuration: 15 * time.Minute,
		EphemeralTTL:    15 * time.Minute,
	}
}

// Engine composes the stores, the token machinery and the mail transport
// into the login flows. It holds no mutable state of its own; every
// operation works against persisted records.
type Engine struct {
	accounts store.AccountStore
	hasher   *password.Hasher
	issuer   *token.Issuer
	ledger   *token.Ledger
	pending  *session.PendingStore
	totp     *totp.Manager
	mailer   mail.Mailer
	config   Config

	// dummyHash absorbs password verification for unknown emails so a
	// lookup miss costs the same as a mismatch.
	dummyHash string
}

func NewEngine(
	accounts store.AccountStore,
	hasher *password.Hasher,
	issuer *token.Issuer,
	ledger *token.Ledger,
	pending *session.PendingStore,
	totpManager *totp.Manager,
	mailer mail.Mailer,
	cfg Config,
) (*Engine, error) {
	if accounts == nil || hasher == nil || issuer == nil || ledger == nil {
		return nil, errors.New("auth: accounts, hasher, issuer and ledger are required")
	}
	if cfg.MaxFailedLogins <= 0 {
		cfg.MaxFailedLogins = 5
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = 15 * time.Minute
	}
	if cfg.EphemeralTTL <= 0 {
		cfg.EphemeralTTL = 15 * time.Minute
	}

	dummy, err := hasher.Hash(uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("auth: prepare dummy hash: %w", err)
	}

	return &Engine{
		accounts:  accounts,
		hasher:    hasher,
		issuer:    issuer,
		ledger:    ledger,
		pending:   pending,
		totp:      totpManager,
		mailer:    mailer,
		config:    cfg,
		dummyHash: dummy,
	}, nil
}

// LoginState is the terminal state of a login attempt that did not fail.
type LoginState string

const (
	StateAuthenticated     LoginState = "authenticated"
	StateEmailUnverified   LoginState = "email-unverified"
	StateTwoFactorRequired LoginState = "two-factor-required"
)

// LoginResult carries what the terminal state produced: a token pair when
// authenticated, a pending session id when the second factor is still
// owed, neither when the email is unverified.
type LoginResult struct {
	State          LoginState
	Account        model.Account
	Tokens         token.Pair
	PendingSession string
}

type RegisterInput struct {
	Email     string
	Username  string
	Password  string
	AvatarURL string
}

// Register creates a local account and dispatches the verification mail.
// Email and username collisions both surface as one ErrConflict.
func (e *Engine) Register(ctx context.Context, in RegisterInput) (model.Account, error) {
	hash, err := e.hasher.Hash(in.Password)
	if err != nil {
		return model.Account{}, fmt.Errorf("auth: hash password: %w", err)
	}

	acct, err := e.accounts.CreateAccount(ctx, model.Account{
		ID:           uuid.New(),
		Email:        in.Email,
		Username:     in.Username,
		AvatarURL:    in.AvatarURL,
		Role:         "user",
		Provider:     model.ProviderLocal,
		PasswordHash: hash,
		CreatedAt:    time.Now(),
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return model.Account{}, fmt.Errorf("%w: account already exists", ErrConflict)
		}
		return model.Account{}, fmt.Errorf("auth: create account: %w", err)
	}

	if err := e.sendVerification(ctx, acct); err != nil {
		return model.Account{}, err
	}
	return acct, nil
}

// Login runs the first factor: lockout guard, then password check, then
// the post-password pipeline. An unknown email and a wrong password
// produce the identical error.
func (e *Engine) Login(ctx context.Context, email, pass string) (*LoginResult, error) {
	acct, err := e.accounts.AccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// burn the same verification cost as a real mismatch
			_, _ = e.hasher.Verify(pass, e.dummyHash)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("auth: look up account: %w", err)
	}

	matched := false
	if acct.PasswordHash == "" {
		// federated-only account, no local password to match
		_, _ = e.hasher.Verify(pass, e.dummyHash)
	} else {
		matched, err = e.hasher.Verify(pass, acct.PasswordHash)
		if err != nil {
			return nil, fmt.Errorf("auth: verify password: %w", err)
		}
	}

	if err := e.checkAndRecordAttempt(ctx, &acct, matched, time.Now()); err != nil {
		return nil, err
	}
	return e.postPassword(ctx, acct)
}

// postPassword is the shared pipeline after the first factor (or its
// federated equivalent) succeeded: email gate, then two-factor gate, then
// token issuance.
func (e *Engine) postPassword(ctx context.Context, acct model.Account) (*LoginResult, error) {
	if !acct.EmailVerified {
		if err := e.sendVerification(ctx, acct); err != nil {
			return nil, err
		}
		return &LoginResult{State: StateEmailUnverified, Account: acct}, nil
	}

	if acct.TOTPEnabled {
		sid, err := e.pending.Create(ctx, acct.ID)
		if err != nil {
			return nil, fmt.Errorf("auth: open pending session: %w", err)
		}
		return &LoginResult{State: StateTwoFactorRequired, Account: acct, PendingSession: sid}, nil
	}

	pair, err := e.issuer.Issue(ctx, acct.ID)
	if err != nil {
		return nil, fmt.Errorf("auth: issue tokens: %w", err)
	}
	return &LoginResult{State: StateAuthenticated, Account: acct, Tokens: pair}, nil
}

// CompleteTwoFactor finishes a pending login. Any failure, session or
// code, is the same ErrUnauthorized; a wrong code leaves the session open
// for another try within its TTL.
func (e *Engine) CompleteTwoFactor(ctx context.Context, sid, code string) (*LoginResult, error) {
	accountID, err := e.pending.Resolve(ctx, sid)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("auth: resolve pending session: %w", err)
	}

	acct, err := e.accounts.AccountByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("auth: look up account: %w", err)
	}

	if !acct.TOTPEnabled || acct.TOTPSecret == "" || !e.totp.VerifyCode(acct.TOTPSecret, code) {
		return nil, ErrUnauthorized
	}

	// close the challenge before minting anything; no token pair exists
	// until the session is gone
	if err := e.pending.Consume(ctx, acct.ID); err != nil {
		return nil, fmt.Errorf("auth: consume pending session: %w", err)
	}
	pair, err := e.issuer.Issue(ctx, acct.ID)
	if err != nil {
		return nil, fmt.Errorf("auth: issue tokens: %w", err)
	}
	return &LoginResult{State: StateAuthenticated, Account: acct, Tokens: pair}, nil
}

// Refresh rotates the pair: the presented refresh token must match the
// stored hash, and re-issuance immediately invalidates it.
func (e *Engine) Refresh(ctx context.Context, accountID uuid.UUID, presented string) (*LoginResult, error) {
	if err := e.issuer.VerifyRefresh(ctx, accountID, presented); err != nil {
		if errors.Is(err, token.ErrInvalid) || errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("auth: verify refresh token: %w", err)
	}

	acct, err := e.accounts.AccountByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("auth: look up account: %w", err)
	}
	pair, err := e.issuer.Issue(ctx, acct.ID)
	if err != nil {
		return nil, fmt.Errorf("auth: issue tokens: %w", err)
	}
	return &LoginResult{State: StateAuthenticated, Account: acct, Tokens: pair}, nil
}

// SignOut clears both stored token hashes, invalidating every
// outstanding token for the account.
func (e *Engine) SignOut(ctx context.Context, accountID uuid.UUID) error {
	if err := e.issuer.Revoke(ctx, accountID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUnauthorized
		}
		return fmt.Errorf("auth: revoke tokens: %w", err)
	}
	return nil
}

// VerifyAccess authenticates a bearer access token and returns the
// account it belongs to.
func (e *Engine) VerifyAccess(ctx context.Context, presented string) (model.Account, error) {
	accountID, err := e.issuer.ParseAccess(presented)
	if err != nil {
		return model.Account{}, ErrUnauthorized
	}
	if err := e.issuer.VerifyAccess(ctx, accountID, presented); err != nil {
		if errors.Is(err, token.ErrInvalid) || errors.Is(err, store.ErrNotFound) {
			return model.Account{}, ErrUnauthorized
		}
		return model.Account{}, fmt.Errorf("auth: verify access token: %w", err)
	}
	acct, err := e.accounts.AccountByID(ctx, accountID)
	if err != nil {
		return model.Account{}, fmt.Errorf("auth: look up account: %w", err)
	}
	return acct, nil
}

// VerifyRefreshToken authenticates a presented refresh token and returns
// the account it belongs to. Used by the transport layer before calling
// Refresh.
func (e *Engine) VerifyRefreshToken(ctx context.Context, presented string) (model.Account, error) {
	accountID, err := e.issuer.ParseRefresh(presented)
	if err != nil {
		return model.Account{}, ErrUnauthorized
	}
	if err := e.issuer.VerifyRefresh(ctx, accountID, presented); err != nil {
		if errors.Is(err, token.ErrInvalid) || errors.Is(err, store.ErrNotFound) {
			return model.Account{}, ErrUnauthorized
		}
		return model.Account{}, fmt.Errorf("auth: verify refresh token: %w", err)
	}
	acct, err := e.accounts.AccountByID(ctx, accountID)
	if err != nil {
		return model.Account{}, fmt.Errorf("auth: look up account: %w", err)
	}
	return acct, nil
}

// VerifyEmail redeems a verification token and marks the account's email
// verified.
func (e *Engine) VerifyEmail(ctx context.Context, tokenID uuid.UUID, secret string) error {
	err := e.ledger.Redeem(ctx, tokenID, secret, model.PurposeVerifyEmail, func(ctx context.Context, accountID uuid.UUID) error {
		verified := true
		return e.accounts.UpdateAccount(ctx, accountID, store.AccountPatch{EmailVerified: &verified})
	})
	return e.mapLedgerErr(err)
}

// RequestPasswordReset issues a reset token and mails its link. Federated
// accounts have no local password and are rejected with ErrConflict.
func (e *Engine) RequestPasswordReset(ctx context.Context, email string) error {
	acct, err := e.accounts.AccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: no account for that email", ErrNotFound)
		}
		return fmt.Errorf("auth: look up account: %w", err)
	}
	if acct.Provider != model.ProviderLocal {
		return fmt.Errorf("%w: %s accounts cannot change their password here", ErrConflict, acct.Provider)
	}

	id, secret, err := e.ledger.Issue(ctx, acct.ID, model.PurposeResetPassword)
	if err != nil {
		return fmt.Errorf("auth: issue reset token: %w", err)
	}

	link := fmt.Sprintf("%s?tokenId=%s&token=%s", e.config.ResetURL, id, secret)
	err = e.mailer.Send(ctx, acct.Email, "Reset your password", mail.TemplateResetPassword, map[string]string{
		"Link": link,
		"TTL":  e.config.EphemeralTTL.String(),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return nil
}

// CompletePasswordReset redeems a reset token and installs the new
// password. Stored token hashes are cleared as well, so sessions opened
// under the old password die with it.
func (e *Engine) CompletePasswordReset(ctx context.Context, tokenID uuid.UUID, secret, newPassword string) error {
	hash, err := e.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("auth: hash password: %w", err)
	}

	err = e.ledger.Redeem(ctx, tokenID, secret, model.PurposeResetPassword, func(ctx context.Context, accountID uuid.UUID) error {
		empty := ""
		return e.accounts.UpdateAccount(ctx, accountID, store.AccountPatch{
			PasswordHash:       &hash,
			HashedAccessToken:  &empty,
			HashedRefreshToken: &empty,
		})
	})
	return e.mapLedgerErr(err)
}

// TwoFactorSetup is what enrollment hands back for the authenticator app.
type TwoFactorSetup struct {
	Secret          string
	ProvisioningURI string
}

// EnableTwoFactor enrolls the account and returns the provisioning
// material. Enabling twice is ErrConflict.
func (e *Engine) EnableTwoFactor(ctx context.Context, accountID uuid.UUID) (*TwoFactorSetup, error) {
	acct, err := e.accounts.AccountByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("auth: look up account: %w", err)
	}
	if acct.TOTPEnabled {
		return nil, fmt.Errorf("%w: two-factor already enabled", ErrConflict)
	}

	secret, uri, err := e.totp.GenerateSecret(acct.Email)
	if err != nil {
		return nil, fmt.Errorf("auth: generate totp secret: %w", err)
	}

	enabled := true
	patch := store.AccountPatch{TOTPEnabled: &enabled, TOTPSecret: &secret}
	if err := e.accounts.UpdateAccount(ctx, acct.ID, patch); err != nil {
		return nil, fmt.Errorf("auth: persist totp secret: %w", err)
	}
	return &TwoFactorSetup{Secret: secret, ProvisioningURI: uri}, nil
}

// DisableTwoFactor clears the flag and the secret together. Disabling
// when not enabled is ErrConflict.
func (e *Engine) DisableTwoFactor(ctx context.Context, accountID uuid.UUID) error {
	acct, err := e.accounts.AccountByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUnauthorized
		}
		return fmt.Errorf("auth: look up account: %w", err)
	}
	if !acct.TOTPEnabled {
		return fmt.Errorf("%w: two-factor not enabled", ErrConflict)
	}

	disabled := false
	empty := ""
	patch := store.AccountPatch{TOTPEnabled: &disabled, TOTPSecret: &empty}
	if err := e.accounts.UpdateAccount(ctx, acct.ID, patch); err != nil {
		return fmt.Errorf("auth: clear totp secret: %w", err)
	}
	return nil
}

// FederatedIdentity is what the OAuth callback hands over after the
// provider verified the user.
type FederatedIdentity struct {
	Email         string
	Name          string
	AvatarURL     string
	EmailVerified bool
}

// ReconcileFederated maps a provider-verified identity onto a local
// account, creating one with an empty password on first sight, then runs
// the same post-password pipeline as a local login.
func (e *Engine) ReconcileFederated(ctx context.Context, ident FederatedIdentity) (*LoginResult, error) {
	acct, err := e.accounts.AccountByEmail(ctx, ident.Email)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("auth: look up account: %w", err)
		}
		acct, err = e.accounts.CreateAccount(ctx, model.Account{
			ID:            uuid.New(),
			Email:         ident.Email,
			Username:      ident.Name,
			AvatarURL:     ident.AvatarURL,
			Role:          "user",
			Provider:      model.ProviderGoogle,
			EmailVerified: ident.EmailVerified,
			CreatedAt:     time.Now(),
		})
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				return nil, fmt.Errorf("%w: account already exists", ErrConflict)
			}
			return nil, fmt.Errorf("auth: create account: %w", err)
		}
	}
	return e.postPassword(ctx, acct)
}

func (e *Engine) sendVerification(ctx context.Context, acct model.Account) error {
	id, secret, err := e.ledger.Issue(ctx, acct.ID, model.PurposeVerifyEmail)
	if err != nil {
		return fmt.Errorf("auth: issue verification token: %w", err)
	}

	link := fmt.Sprintf("%s?tokenId=%s&token=%s", e.config.VerifyURL, id, secret)
	err = e.mailer.Send(ctx, acct.Email, "Verify your email address", mail.TemplateVerifyEmail, map[string]string{
		"Link": link,
		"TTL":  e.config.EphemeralTTL.String(),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return nil
}

func (e *Engine) mapLedgerErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, token.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, token.ErrExpired):
		return ErrExpired
	case errors.Is(err, token.ErrMismatch):
		return ErrInvalidToken
	default:
		return err
	}
}
