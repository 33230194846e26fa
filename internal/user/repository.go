package user

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository { return &PgRepository{pool: pool} }

func (r *PgRepository) Profile(ctx context.Context, id string) (Profile, error) {
	var p Profile
	err := r.pool.QueryRow(ctx, `
		SELECT u.id::text, u.first_name, u.last_name, u.email, COALESCE(u.phone, ''), u.bio, u.role,
		       u.account_status, u.is_seeker, u.average_rating, u.total_reviews, u.created_at,
		       (SELECT COUNT(*) FROM listings l WHERE l.provider_id = u.id AND l.status = 'active'),
		       (SELECT COUNT(*) FROM transactions t
		         WHERE (t.payer_id = u.id OR t.receiver_id = u.id) AND t.status = 'completed')
		FROM users u
		WHERE u.id = $1`, id,
	).Scan(&p.ID, &p.FirstName, &p.LastName, &p.Email, &p.Phone, &p.Bio, &p.Role,
		&p.AccountStatus, &p.IsSeeker, &p.AverageRating, &p.TotalReviews, &p.CreatedAt,
		&p.ActiveListings, &p.CompletedTransactions)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	return p, err
}

func (r *PgRepository) Update(ctx context.Context, id string, u ProfileUpdate) (Profile, error) {
	ct, err := r.pool.Exec(ctx, `
		UPDATE users
		SET first_name = COALESCE($1, first_name),
		    last_name  = COALESCE($2, last_name),
		    phone      = COALESCE($3, phone),
		    bio        = COALESCE($4, bio),
		    updated_at = NOW()
		WHERE id = $5 AND account_status <> 'deleted'`,
		u.FirstName, u.LastName, u.Phone, u.Bio, id)
	if err != nil {
		return Profile{}, err
	}
	if ct.RowsAffected() == 0 {
		return Profile{}, ErrNotFound
	}
	return r.Profile(ctx, id)
}

func (r *PgRepository) PasswordHash(ctx context.Context, id string) (string, error) {
	var hash string
	err := r.pool.QueryRow(ctx, `SELECT password FROM users WHERE id = $1`, id).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return hash, err
}
