package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pquerna/otp"
	otptotp "github.com/pquerna/otp/totp"

	"authgate/internal/mail"
	"authgate/internal/model"
)

func totpCode(t *testing.T, secret string) string {
	t.Helper()
	code, err := otptotp.GenerateCodeCustom(secret, time.Now(), otptotp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		t.Fatalf("GenerateCodeCustom failed: %v", err)
	}
	return code
}

func TestLoginAuthenticated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, "alice@example.com", "s3cret-pass", nil)

	res, err := env.engine.Login(ctx, "alice@example.com", "s3cret-pass")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if res.State != StateAuthenticated {
		t.Fatalf("got state %s, want authenticated", res.State)
	}
	if res.Tokens.AccessToken == "" || res.Tokens.RefreshToken == "" {
		t.Fatal("expected a full token pair")
	}

	if _, err := env.engine.VerifyAccess(ctx, res.Tokens.AccessToken); err != nil {
		t.Fatalf("fresh access token does not verify: %v", err)
	}
}

func TestLoginUnverifiedEmailSendsVerification(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, "alice@example.com", "s3cret-pass", func(a *model.Account) {
		a.EmailVerified = false
	})

	res, err := env.engine.Login(ctx, "alice@example.com", "s3cret-pass")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if res.State != StateEmailUnverified {
		t.Fatalf("got state %s, want email-unverified", res.State)
	}
	if res.Tokens.AccessToken != "" {
		t.Fatal("unverified login must not issue tokens")
	}

	msg := env.mailer.last(t)
	if msg.To != "alice@example.com" || msg.Template != mail.TemplateVerifyEmail {
		t.Fatalf("unexpected mail: %+v", msg)
	}
}

func TestVerifyEmailFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acct := env.seedAccount(t, "alice@example.com", "s3cret-pass", func(a *model.Account) {
		a.EmailVerified = false
	})

	if _, err := env.engine.Login(ctx, "alice@example.com", "s3cret-pass"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	id, secret := env.mailer.lastLink(t)

	if err := env.engine.VerifyEmail(ctx, id, secret); err != nil {
		t.Fatalf("VerifyEmail failed: %v", err)
	}

	stored, err := env.mem.AccountByID(ctx, acct.ID)
	if err != nil {
		t.Fatalf("AccountByID failed: %v", err)
	}
	if !stored.EmailVerified {
		t.Fatal("email not marked verified")
	}

	// the token is gone
	if err := env.engine.VerifyEmail(ctx, id, secret); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second redemption: got %v, want ErrNotFound", err)
	}

	// and the next login goes straight through
	res, err := env.engine.Login(ctx, "alice@example.com", "s3cret-pass")
	if err != nil {
		t.Fatalf("Login after verification failed: %v", err)
	}
	if res.State != StateAuthenticated {
		t.Fatalf("got state %s, want authenticated", res.State)
	}
}

func TestTwoFactorLoginWithholdsTokens(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	setupSecret := enrollTwoFactor(t, env)

	res, err := env.engine.Login(ctx, "alice@example.com", "s3cret-pass")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if res.State != StateTwoFactorRequired {
		t.Fatalf("got state %s, want two-factor-required", res.State)
	}
	if res.Tokens.AccessToken != "" || res.Tokens.RefreshToken != "" {
		t.Fatal("first factor must never yield tokens for a 2FA account")
	}
	if res.PendingSession == "" {
		t.Fatal("expected a pending session id")
	}

	done, err := env.engine.CompleteTwoFactor(ctx, res.PendingSession, totpCode(t, setupSecret))
	if err != nil {
		t.Fatalf("CompleteTwoFactor failed: %v", err)
	}
	if done.State != StateAuthenticated || done.Tokens.AccessToken == "" {
		t.Fatalf("expected authenticated result, got %+v", done)
	}

	// the session id is consumed
	_, err = env.engine.CompleteTwoFactor(ctx, res.PendingSession, totpCode(t, setupSecret))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("replayed session: got %v, want ErrUnauthorized", err)
	}
}

func TestCompleteTwoFactorWrongCodeKeepsSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	setupSecret := enrollTwoFactor(t, env)

	res, err := env.engine.Login(ctx, "alice@example.com", "s3cret-pass")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	wrong := totpCode(t, setupSecret)
	if wrong[0] == '9' {
		wrong = "0" + wrong[1:]
	} else {
		wrong = "9" + wrong[1:]
	}
	if _, err := env.engine.CompleteTwoFactor(ctx, res.PendingSession, wrong); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("wrong code: got %v, want ErrUnauthorized", err)
	}

	// session survives a wrong code
	if _, err := env.engine.CompleteTwoFactor(ctx, res.PendingSession, totpCode(t, setupSecret)); err != nil {
		t.Fatalf("retry with correct code failed: %v", err)
	}
}

func TestCompleteTwoFactorFailedIssuanceLeavesNoLivePair(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	setupSecret := enrollTwoFactor(t, env)

	res, err := env.engine.Login(ctx, "alice@example.com", "s3cret-pass")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	env.mem.FailUpdates(errors.New("connection refused"))
	_, err = env.engine.CompleteTwoFactor(ctx, res.PendingSession, totpCode(t, setupSecret))
	if err == nil {
		t.Fatal("expected CompleteTwoFactor to fail while the store is down")
	}
	env.mem.FailUpdates(nil)

	// the failed attempt must not have persisted a usable pair
	acct, err := env.mem.AccountByEmail(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("AccountByEmail failed: %v", err)
	}
	if acct.HashedAccessToken != "" || acct.HashedRefreshToken != "" {
		t.Fatal("a failed completion left token hashes behind")
	}

	// the challenge is closed; the flow restarts from the password
	_, err = env.engine.CompleteTwoFactor(ctx, res.PendingSession, totpCode(t, setupSecret))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("replayed session: got %v, want ErrUnauthorized", err)
	}
}

func TestCompleteTwoFactorUnknownSession(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.CompleteTwoFactor(context.Background(), "no-such-session", "123456")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("got %v, want ErrUnauthorized", err)
	}
}

func TestRefreshRotatesThePair(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acct := env.seedAccount(t, "alice@example.com", "s3cret-pass", nil)

	first, err := env.engine.Login(ctx, "alice@example.com", "s3cret-pass")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	second, err := env.engine.Refresh(ctx, acct.ID, first.Tokens.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if second.Tokens.RefreshToken == first.Tokens.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}

	// the old refresh token lost the race for good
	if _, err := env.engine.Refresh(ctx, acct.ID, first.Tokens.RefreshToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stale refresh: got %v, want ErrUnauthorized", err)
	}
	// the old access token is dead too
	if _, err := env.engine.VerifyAccess(ctx, first.Tokens.AccessToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stale access: got %v, want ErrUnauthorized", err)
	}
	if _, err := env.engine.VerifyAccess(ctx, second.Tokens.AccessToken); err != nil {
		t.Fatalf("rotated access token does not verify: %v", err)
	}
}

func TestSignOutRevokesEverything(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acct := env.seedAccount(t, "alice@example.com", "s3cret-pass", nil)

	res, err := env.engine.Login(ctx, "alice@example.com", "s3cret-pass")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if err := env.engine.SignOut(ctx, acct.ID); err != nil {
		t.Fatalf("SignOut failed: %v", err)
	}

	if _, err := env.engine.VerifyAccess(ctx, res.Tokens.AccessToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("access after sign-out: got %v, want ErrUnauthorized", err)
	}
	if _, err := env.engine.Refresh(ctx, acct.ID, res.Tokens.RefreshToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("refresh after sign-out: got %v, want ErrUnauthorized", err)
	}
}

func TestRegisterConflictOnDuplicate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	in := RegisterInput{Email: "alice@example.com", Username: "alice", Password: "s3cret-pass"}
	if _, err := env.engine.Register(ctx, in); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := env.engine.Register(ctx, in); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate Register: got %v, want ErrConflict", err)
	}

	// same conflict for a username collision under a fresh email
	in.Email = "alice2@example.com"
	if _, err := env.engine.Register(ctx, in); !errors.Is(err, ErrConflict) {
		t.Fatalf("username collision: got %v, want ErrConflict", err)
	}
}

func TestRegisterSendsVerificationMail(t *testing.T) {
	env := newTestEnv(t)

	acct, err := env.engine.Register(context.Background(), RegisterInput{
		Email:    "alice@example.com",
		Username: "alice",
		Password: "s3cret-pass",
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if acct.EmailVerified {
		t.Fatal("fresh account must start unverified")
	}

	msg := env.mailer.last(t)
	if msg.Template != mail.TemplateVerifyEmail || msg.To != "alice@example.com" {
		t.Fatalf("unexpected mail: %+v", msg)
	}
}

func TestPasswordResetFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, "alice@example.com", "old-password", nil)

	// keep a live session to prove the reset kills it
	live, err := env.engine.Login(ctx, "alice@example.com", "old-password")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	if err := env.engine.RequestPasswordReset(ctx, "alice@example.com"); err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}
	msg := env.mailer.last(t)
	if msg.Template != mail.TemplateResetPassword {
		t.Fatalf("unexpected mail template: %s", msg.Template)
	}
	id, secret := env.mailer.lastLink(t)

	if err := env.engine.CompletePasswordReset(ctx, id, secret, "new-password"); err != nil {
		t.Fatalf("CompletePasswordReset failed: %v", err)
	}

	if _, err := env.engine.Login(ctx, "alice@example.com", "old-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password: got %v, want ErrInvalidCredentials", err)
	}
	if _, err := env.engine.Login(ctx, "alice@example.com", "new-password"); err != nil {
		t.Fatalf("new password login failed: %v", err)
	}
	if _, err := env.engine.VerifyAccess(ctx, live.Tokens.AccessToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("pre-reset session: got %v, want ErrUnauthorized", err)
	}
}

func TestPasswordResetTamperedSecret(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, "alice@example.com", "old-password", nil)

	if err := env.engine.RequestPasswordReset(ctx, "alice@example.com"); err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}
	id, secret := env.mailer.lastLink(t)

	err := env.engine.CompletePasswordReset(ctx, id, "tampered-"+secret, "new-password")
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("tampered secret: got %v, want ErrInvalidToken", err)
	}

	// entry stays redeemable with the correct secret
	if err := env.engine.CompletePasswordReset(ctx, id, secret, "new-password"); err != nil {
		t.Fatalf("reset after tamper attempt failed: %v", err)
	}
}

func TestPasswordResetRejectedForFederatedAccount(t *testing.T) {
	env := newTestEnv(t)

	env.mem.Seed(model.Account{
		Email:         "alice@example.com",
		Username:      "alice",
		Provider:      model.ProviderGoogle,
		EmailVerified: true,
	})

	err := env.engine.RequestPasswordReset(context.Background(), "alice@example.com")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("got %v, want ErrConflict", err)
	}
}

func TestEnableTwoFactorTwiceIsConflict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acct := env.seedAccount(t, "alice@example.com", "s3cret-pass", nil)

	setup, err := env.engine.EnableTwoFactor(ctx, acct.ID)
	if err != nil {
		t.Fatalf("EnableTwoFactor failed: %v", err)
	}
	if setup.Secret == "" || setup.ProvisioningURI == "" {
		t.Fatalf("incomplete setup material: %+v", setup)
	}

	if _, err := env.engine.EnableTwoFactor(ctx, acct.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("second enable: got %v, want ErrConflict", err)
	}
}

func TestDisableTwoFactor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acct := env.seedAccount(t, "alice@example.com", "s3cret-pass", nil)

	if err := env.engine.DisableTwoFactor(ctx, acct.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("disable while off: got %v, want ErrConflict", err)
	}

	if _, err := env.engine.EnableTwoFactor(ctx, acct.ID); err != nil {
		t.Fatalf("EnableTwoFactor failed: %v", err)
	}
	if err := env.engine.DisableTwoFactor(ctx, acct.ID); err != nil {
		t.Fatalf("DisableTwoFactor failed: %v", err)
	}

	stored, err := env.mem.AccountByID(ctx, acct.ID)
	if err != nil {
		t.Fatalf("AccountByID failed: %v", err)
	}
	if stored.TOTPEnabled || stored.TOTPSecret != "" {
		t.Fatalf("flag and secret must clear together: %+v", stored)
	}
}

func TestMailDeliveryFailureSurfaces(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, "alice@example.com", "s3cret-pass", func(a *model.Account) {
		a.EmailVerified = false
	})
	env.mailer.fail = true

	if _, err := env.engine.Login(ctx, "alice@example.com", "s3cret-pass"); !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("got %v, want ErrDeliveryFailed", err)
	}
}

func TestReconcileFederatedCreatesAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.engine.ReconcileFederated(ctx, FederatedIdentity{
		Email:         "alice@example.com",
		Name:          "alice",
		AvatarURL:     "https://lh3.example.com/a/alice",
		EmailVerified: true,
	})
	if err != nil {
		t.Fatalf("ReconcileFederated failed: %v", err)
	}
	if res.State != StateAuthenticated || res.Tokens.AccessToken == "" {
		t.Fatalf("expected authenticated result, got %+v", res)
	}
	if res.Account.Provider != model.ProviderGoogle || res.Account.PasswordHash != "" {
		t.Fatalf("unexpected account shape: %+v", res.Account)
	}

	// second sign-in reuses the account
	again, err := env.engine.ReconcileFederated(ctx, FederatedIdentity{Email: "alice@example.com", Name: "alice", EmailVerified: true})
	if err != nil {
		t.Fatalf("second ReconcileFederated failed: %v", err)
	}
	if again.Account.ID != res.Account.ID {
		t.Fatal("expected the same account on the second federated login")
	}
}

func TestFederatedAccountCannotLoginWithPassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.engine.ReconcileFederated(ctx, FederatedIdentity{Email: "alice@example.com", Name: "alice", EmailVerified: true}); err != nil {
		t.Fatalf("ReconcileFederated failed: %v", err)
	}

	if _, err := env.engine.Login(ctx, "alice@example.com", "anything"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("got %v, want ErrInvalidCredentials", err)
	}
}

// enrollTwoFactor seeds a verified account and enables the second factor,
// returning the shared secret.
func enrollTwoFactor(t *testing.T, env *testEnv) string {
	t.Helper()
	acct := env.seedAccount(t, "alice@example.com", "s3cret-pass", nil)
	setup, err := env.engine.EnableTwoFactor(context.Background(), acct.ID)
	if err != nil {
		t.Fatalf("EnableTwoFactor failed: %v", err)
	}
	return setup.Secret
}
