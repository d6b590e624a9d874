// Package totp wraps time-based one-time password generation and
// verification for the second factor.
package totp

import (
	"errors"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// Config fixes the code parameters. Both sides of the exchange must agree
// on period and digit count, so these are embedded in the provisioning URI.
type Config struct {
	Issuer string
	Period uint
	Digits otp.Digits
	Skew   uint
}

func DefaultConfig(issuer string) Config {
	return Config{
		Issuer: issuer,
		Period: 30,
		Digits: otp.DigitsSix,
		Skew:   1,
	}
}

type Manager struct {
	config Config
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("totp: issuer must not be empty")
	}
	if cfg.Period == 0 {
		return nil, errors.New("totp: period must be positive")
	}
	return &Manager{config: cfg}, nil
}

// GenerateSecret mints a fresh shared secret for the account and returns
// the base32 secret alongside the otpauth:// provisioning URI for
// authenticator apps.
func (m *Manager) GenerateSecret(accountEmail string) (secret, uri string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.config.Issuer,
		AccountName: accountEmail,
		Period:      m.config.Period,
		Digits:      m.config.Digits,
	})
	if err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}

// VerifyCode reports whether code is valid for secret at the current time,
// accepting Skew steps of clock drift in either direction.
func (m *Manager) VerifyCode(secret, code string) bool {
	return m.verifyAt(secret, code, time.Now())
}

func (m *Manager) verifyAt(secret, code string, at time.Time) bool {
	ok, err := totp.ValidateCustom(code, secret, at, totp.ValidateOpts{
		Period:    m.config.Period,
		Skew:      m.config.Skew,
		Digits:    m.config.Digits,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}
