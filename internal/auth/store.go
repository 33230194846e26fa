package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusDeleted   = "deleted"
)

var (
	ErrNotFound   = errors.New("account not found")
	ErrEmailTaken = errors.New("email already registered")
)

// Account is a user row including the password hash.
type Account struct {
	ID            string    `json:"id"`
	FirstName     string    `json:"first_name"`
	LastName      string    `json:"last_name"`
	Email         string    `json:"email"`
	PasswordHash  string    `json:"-"`
	Role          string    `json:"role"`
	AccountStatus string    `json:"account_status"`
	CreatedAt     time.Time `json:"created_at"`
}

func (a Account) Name() string {
	return strings.TrimSpace(a.FirstName + " " + a.LastName)
}

// Store persists accounts.
type Store interface {
	Create(ctx context.Context, a Account) (Account, error)
	ByEmail(ctx context.Context, email string) (Account, error)
	ByID(ctx context.Context, id string) (Account, error)
	SetPassword(ctx context.Context, id, hash string) error
	SetRole(ctx context.Context, email, role string) error
}

type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore { return &PgStore{pool: pool} }

const accountColumns = `id::text, first_name, last_name, email, password, role, account_status, created_at`

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.FirstName, &a.LastName, &a.Email, &a.PasswordHash, &a.Role, &a.AccountStatus, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	return a, err
}

func (s *PgStore) Create(ctx context.Context, a Account) (Account, error) {
	created, err := scanAccount(s.pool.QueryRow(ctx, `
		INSERT INTO users (first_name, last_name, email, password, role)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+accountColumns,
		a.FirstName, a.LastName, a.Email, a.PasswordHash, a.Role))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return Account{}, ErrEmailTaken
	}
	return created, err
}

func (s *PgStore) ByEmail(ctx context.Context, email string) (Account, error) {
	return scanAccount(s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM users WHERE email = $1`, email))
}

func (s *PgStore) ByID(ctx context.Context, id string) (Account, error) {
	return scanAccount(s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM users WHERE id = $1`, id))
}

func (s *PgStore) SetPassword(ctx context.Context, id, hash string) error {
	ct, err := s.pool.Exec(ctx, `UPDATE users SET password = $1, updated_at = NOW() WHERE id = $2`, hash, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PgStore) SetRole(ctx context.Context, email, role string) error {
	ct, err := s.pool.Exec(ctx, `UPDATE users SET role = $1, updated_at = NOW() WHERE email = $2`, role, email)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
