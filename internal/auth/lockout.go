package auth

import (
	"context"
	"fmt"
	"time"

	"authgate/internal/model"
	"authgate/internal/store"
)

// checkAndRecordAttempt applies the lockout policy to one login attempt
// and persists the counter changes. A nil return means the attempt may
// proceed to the post-password pipeline.
//
// The caller reports whether the password matched; the guard decides
// lock state from the counter and the window. When the lock window has
// elapsed the lock is cleared silently and the attempt continues as if
// the account were never locked.
func (e *Engine) checkAndRecordAttempt(ctx context.Context, acct *model.Account, matched bool, now time.Time) error {
	if acct.Locked {
		if acct.LastFailedLogin != nil {
			elapsed := now.Sub(*acct.LastFailedLogin)
			if elapsed < e.config.LockoutDuration {
				remaining := (e.config.LockoutDuration - elapsed).Round(time.Second)
				return fmt.Errorf("%w, try again in %s", ErrAccountLocked, remaining)
			}
		}
		if err := e.clearLockState(ctx, acct); err != nil {
			return err
		}
	}

	if !matched {
		failed := acct.FailedLogins + 1
		locked := failed >= e.config.MaxFailedLogins
		ts := now

		tsp := &ts
		patch := store.AccountPatch{
			FailedLogins:    &failed,
			LastFailedLogin: &tsp,
			Locked:          &locked,
		}
		if err := e.accounts.UpdateAccount(ctx, acct.ID, patch); err != nil {
			return fmt.Errorf("auth: record failed login: %w", err)
		}
		acct.FailedLogins = failed
		acct.LastFailedLogin = &ts
		acct.Locked = locked
		if locked {
			return fmt.Errorf("%w, try again in %s", ErrAccountLocked, e.config.LockoutDuration)
		}
		return ErrInvalidCredentials
	}

	if acct.FailedLogins > 0 || acct.LastFailedLogin != nil {
		if err := e.clearLockState(ctx, acct); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) clearLockState(ctx context.Context, acct *model.Account) error {
	zero := 0
	var cleared *time.Time
	unlocked := false
	patch := store.AccountPatch{
		FailedLogins:    &zero,
		LastFailedLogin: &cleared,
		Locked:          &unlocked,
	}
	if err := e.accounts.UpdateAccount(ctx, acct.ID, patch); err != nil {
		return fmt.Errorf("auth: clear lock state: %w", err)
	}
	acct.FailedLogins = 0
	acct.LastFailedLogin = nil
	acct.Locked = false
	return nil
}
