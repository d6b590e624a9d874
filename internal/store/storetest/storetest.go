// Package storetest provides an in-memory store.Store for tests.
package storetest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"authgate/internal/model"
	"authgate/internal/store"
)

// Memory is a map-backed store.Store. Safe for concurrent use.
type Memory struct {
	mu        sync.Mutex
	accounts  map[uuid.UUID]model.Account
	tokens    map[uuid.UUID]model.EphemeralToken
	updateErr error
}

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[uuid.UUID]model.Account),
		tokens:   make(map[uuid.UUID]model.EphemeralToken),
	}
}

// Seed inserts an account bypassing uniqueness checks.
func (m *Memory) Seed(acct model.Account) model.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acct.ID == uuid.Nil {
		acct.ID = uuid.New()
	}
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = time.Now()
	}
	m.accounts[acct.ID] = acct
	return acct
}

func (m *Memory) CreateAccount(_ context.Context, acct model.Account) (model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.accounts {
		if existing.Email == acct.Email || existing.Username == acct.Username {
			return model.Account{}, store.ErrConflict
		}
	}
	if acct.ID == uuid.Nil {
		acct.ID = uuid.New()
	}
	acct.CreatedAt = time.Now()
	m.accounts[acct.ID] = acct
	return acct, nil
}

func (m *Memory) AccountByID(_ context.Context, id uuid.UUID) (model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[id]
	if !ok {
		return model.Account{}, store.ErrNotFound
	}
	return acct, nil
}

func (m *Memory) AccountByEmail(_ context.Context, email string) (model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, acct := range m.accounts {
		if acct.Email == email {
			return acct, nil
		}
	}
	return model.Account{}, store.ErrNotFound
}

func (m *Memory) UpdateAccount(_ context.Context, id uuid.UUID, patch store.AccountPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.updateErr != nil {
		return m.updateErr
	}
	acct, ok := m.accounts[id]
	if !ok {
		return store.ErrNotFound
	}

	if patch.PasswordHash != nil {
		acct.PasswordHash = *patch.PasswordHash
	}
	if patch.EmailVerified != nil {
		acct.EmailVerified = *patch.EmailVerified
	}
	if patch.TOTPEnabled != nil {
		acct.TOTPEnabled = *patch.TOTPEnabled
	}
	if patch.TOTPSecret != nil {
		acct.TOTPSecret = *patch.TOTPSecret
	}
	if patch.HashedAccessToken != nil {
		acct.HashedAccessToken = *patch.HashedAccessToken
	}
	if patch.HashedRefreshToken != nil {
		acct.HashedRefreshToken = *patch.HashedRefreshToken
	}
	if patch.FailedLogins != nil {
		acct.FailedLogins = *patch.FailedLogins
	}
	if patch.LastFailedLogin != nil {
		acct.LastFailedLogin = *patch.LastFailedLogin
	}
	if patch.Locked != nil {
		acct.Locked = *patch.Locked
	}

	m.accounts[id] = acct
	return nil
}

func (m *Memory) CreateEphemeralToken(_ context.Context, tok model.EphemeralToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[tok.ID] = tok
	return nil
}

func (m *Memory) EphemeralTokenByID(_ context.Context, id uuid.UUID) (model.EphemeralToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, ok := m.tokens[id]
	if !ok {
		return model.EphemeralToken{}, store.ErrNotFound
	}
	return tok, nil
}

func (m *Memory) DeleteEphemeralToken(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tokens[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.tokens, id)
	return nil
}

func (m *Memory) DeleteEphemeralTokensFor(_ context.Context, accountID uuid.UUID, purpose model.TokenPurpose) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, tok := range m.tokens {
		if tok.AccountID == accountID && tok.Purpose == purpose {
			delete(m.tokens, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) DeleteExpiredEphemeralTokens(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, tok := range m.tokens {
		if now.After(tok.ExpiresAt) {
			delete(m.tokens, id)
			n++
		}
	}
	return n, nil
}

// FailUpdates makes every UpdateAccount return err until cleared with
// nil; test helper.
func (m *Memory) FailUpdates(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateErr = err
}

// ExpireToken rewrites a token's expiry; test helper.
func (m *Memory) ExpireToken(id uuid.UUID, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tok, ok := m.tokens[id]; ok {
		tok.ExpiresAt = expiresAt
		m.tokens[id] = tok
	}
}

// TokenCount reports how many ephemeral tokens are held; test helper.
func (m *Memory) TokenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}
