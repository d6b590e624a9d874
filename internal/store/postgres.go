package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"authgate/internal/model"
)

const (
	accountsTable        = "accounts"
	ephemeralTokensTable = "ephemeral_tokens"

	uniqueViolationCode = "23505"
)

const accountColumns = `id, email, username, avatar_url, user_role, provider,
	password_hash, email_verified, totp_enabled, totp_secret,
	hashed_access_token, hashed_refresh_token,
	failed_logins, last_failed_login, locked, created_at`

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dbURL string) (*Postgres, error) {
	const op = "store.NewPostgres"

	pool, err := pgxpool.Connect(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Postgres{db: pool}, nil
}

func (p *Postgres) Close() {
	p.db.Close()
}

func (p *Postgres) CreateAccount(ctx context.Context, acct model.Account) (model.Account, error) {
	const op = "store.CreateAccount"

	if acct.ID == uuid.Nil {
		acct.ID = uuid.New()
	}
	query := fmt.Sprintf(`INSERT INTO %s
		(id, email, username, avatar_url, user_role, provider, password_hash, email_verified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at;`, accountsTable)

	err := p.db.QueryRow(ctx, query,
		acct.ID, acct.Email, acct.Username, acct.AvatarURL, acct.Role,
		acct.Provider, acct.PasswordHash, acct.EmailVerified,
	).Scan(&acct.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return model.Account{}, ErrConflict
		}
		return model.Account{}, fmt.Errorf("%s: %w", op, err)
	}

	return acct, nil
}

func (p *Postgres) AccountByID(ctx context.Context, id uuid.UUID) (model.Account, error) {
	const op = "store.AccountByID"

	query := fmt.Sprintf("SELECT %s FROM %s WHERE id=$1;", accountColumns, accountsTable)
	acct, err := scanAccount(p.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Account{}, ErrNotFound
		}
		return model.Account{}, fmt.Errorf("%s: %w", op, err)
	}

	return acct, nil
}

func (p *Postgres) AccountByEmail(ctx context.Context, email string) (model.Account, error) {
	const op = "store.AccountByEmail"

	query := fmt.Sprintf("SELECT %s FROM %s WHERE email=$1;", accountColumns, accountsTable)
	acct, err := scanAccount(p.db.QueryRow(ctx, query, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Account{}, ErrNotFound
		}
		return model.Account{}, fmt.Errorf("%s: %w", op, err)
	}

	return acct, nil
}

func (p *Postgres) UpdateAccount(ctx context.Context, id uuid.UUID, patch AccountPatch) error {
	const op = "store.UpdateAccount"

	sets := make([]string, 0, 9)
	args := make([]interface{}, 0, 10)
	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s=$%d", column, len(args)))
	}

	if patch.PasswordHash != nil {
		add("password_hash", *patch.PasswordHash)
	}
	if patch.EmailVerified != nil {
		add("email_verified", *patch.EmailVerified)
	}
	if patch.TOTPEnabled != nil {
		add("totp_enabled", *patch.TOTPEnabled)
	}
	if patch.TOTPSecret != nil {
		add("totp_secret", *patch.TOTPSecret)
	}
	if patch.HashedAccessToken != nil {
		add("hashed_access_token", *patch.HashedAccessToken)
	}
	if patch.HashedRefreshToken != nil {
		add("hashed_refresh_token", *patch.HashedRefreshToken)
	}
	if patch.FailedLogins != nil {
		add("failed_logins", *patch.FailedLogins)
	}
	if patch.LastFailedLogin != nil {
		add("last_failed_login", *patch.LastFailedLogin)
	}
	if patch.Locked != nil {
		add("locked", *patch.Locked)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id=$%d;",
		accountsTable, strings.Join(sets, ", "), len(args))

	tag, err := p.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

func (p *Postgres) CreateEphemeralToken(ctx context.Context, tok model.EphemeralToken) error {
	const op = "store.CreateEphemeralToken"

	query := fmt.Sprintf(`INSERT INTO %s (id, account_id, purpose, secret_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6);`, ephemeralTokensTable)

	_, err := p.db.Exec(ctx, query,
		tok.ID, tok.AccountID, tok.Purpose, tok.SecretHash[:], tok.ExpiresAt, tok.CreatedAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (p *Postgres) EphemeralTokenByID(ctx context.Context, id uuid.UUID) (model.EphemeralToken, error) {
	const op = "store.EphemeralTokenByID"

	var (
		tok  model.EphemeralToken
		hash []byte
	)
	query := fmt.Sprintf(`SELECT id, account_id, purpose, secret_hash, expires_at, created_at
		FROM %s WHERE id=$1;`, ephemeralTokensTable)

	err := p.db.QueryRow(ctx, query, id).Scan(
		&tok.ID, &tok.AccountID, &tok.Purpose, &hash, &tok.ExpiresAt, &tok.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.EphemeralToken{}, ErrNotFound
		}
		return model.EphemeralToken{}, fmt.Errorf("%s: %w", op, err)
	}
	copy(tok.SecretHash[:], hash)

	return tok, nil
}

func (p *Postgres) DeleteEphemeralToken(ctx context.Context, id uuid.UUID) error {
	const op = "store.DeleteEphemeralToken"

	query := fmt.Sprintf("DELETE FROM %s WHERE id=$1;", ephemeralTokensTable)
	tag, err := p.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

func (p *Postgres) DeleteEphemeralTokensFor(ctx context.Context, accountID uuid.UUID, purpose model.TokenPurpose) (int64, error) {
	const op = "store.DeleteEphemeralTokensFor"

	query := fmt.Sprintf("DELETE FROM %s WHERE account_id=$1 AND purpose=$2;", ephemeralTokensTable)
	tag, err := p.db.Exec(ctx, query, accountID, purpose)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return tag.RowsAffected(), nil
}

func (p *Postgres) DeleteExpiredEphemeralTokens(ctx context.Context, now time.Time) (int64, error) {
	const op = "store.DeleteExpiredEphemeralTokens"

	query := fmt.Sprintf("DELETE FROM %s WHERE expires_at < $1;", ephemeralTokensTable)
	tag, err := p.db.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return tag.RowsAffected(), nil
}

func scanAccount(row pgx.Row) (model.Account, error) {
	var acct model.Account
	err := row.Scan(
		&acct.ID, &acct.Email, &acct.Username, &acct.AvatarURL, &acct.Role,
		&acct.Provider, &acct.PasswordHash, &acct.EmailVerified,
		&acct.TOTPEnabled, &acct.TOTPSecret,
		&acct.HashedAccessToken, &acct.HashedRefreshToken,
		&acct.FailedLogins, &acct.LastFailedLogin, &acct.Locked, &acct.CreatedAt,
	)
	return acct, err
}
