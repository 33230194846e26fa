package admin

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("not found")

type AdminUser struct {
	ID            string          `json:"id"`
	FirstName     string          `json:"first_name"`
	LastName      string          `json:"last_name"`
	Email         string          `json:"email"`
	Phone         *string         `json:"phone"`
	Role          string          `json:"role"`
	AccountStatus string          `json:"account_status"`
	IsSeeker      bool            `json:"is_seeker"`
	AverageRating decimal.Decimal `json:"average_rating"`
	TotalReviews  int             `json:"total_reviews"`
	CreatedAt     time.Time       `json:"created_at"`
}

type AdminListing struct {
	ID         string          `json:"id"`
	ProviderID string          `json:"provider_id"`
	SkillID    string          `json:"skill_id"`
	Title      string          `json:"title"`
	Price      decimal.Decimal `json:"price"`
	Status     string          `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
}

type UserStats struct {
	Total       int `json:"total_users"`
	Active      int `json:"active_users"`
	Suspended   int `json:"suspended_users"`
	Admins      int `json:"admin_users"`
	NewToday    int `json:"new_today"`
	NewThisWeek int `json:"new_this_week"`
}

type TransactionStats struct {
	Total     int             `json:"total_transactions"`
	Completed int             `json:"completed_transactions"`
	Pending   int             `json:"pending_transactions"`
	Failed    int             `json:"failed_transactions"`
	Revenue   decimal.Decimal `json:"total_revenue"`
	Average   decimal.Decimal `json:"avg_transaction"`
}

type SkillCount struct {
	Name     string `json:"skill_name"`
	Category string `json:"category"`
	Listings int    `json:"service_count"`
}

type Stats struct {
	Users          UserStats        `json:"users"`
	ListingsTotal  int              `json:"total_services"`
	ListingsActive int              `json:"active_services"`
	Requests       map[string]int   `json:"requests"`
	Transactions   TransactionStats `json:"transactions"`
	Reviews        int              `json:"total_reviews"`
	TopSkills      []SkillCount     `json:"top_skills"`
}

type Repository interface {
	ListUsers(ctx context.Context, limit, offset int) ([]AdminUser, error)
	UserByID(ctx context.Context, id string) (AdminUser, error)
	// SetAccountStatus moves a non-admin account from one status to another
	// and reports whether the row changed.
	SetAccountStatus(ctx context.Context, id, from, to string) (bool, error)
	ListListings(ctx context.Context, status string, limit, offset int) ([]AdminListing, error)
	SetListingStatus(ctx context.Context, id, status string) (bool, error)
	Stats(ctx context.Context, now time.Time) (Stats, error)
}

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository { return &PgRepository{pool: pool} }

const userColumns = `id::text, first_name, last_name, email, phone, role, account_status, is_seeker,
	average_rating, total_reviews, created_at`

func (r *PgRepository) ListUsers(ctx context.Context, limit, offset int) ([]AdminUser, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+userColumns+` FROM users
		WHERE account_status <> 'deleted'
		ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[AdminUser])
}

func (r *PgRepository) UserByID(ctx context.Context, id string) (AdminUser, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	if err != nil {
		return AdminUser{}, err
	}
	u, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByPos[AdminUser])
	if errors.Is(err, pgx.ErrNoRows) {
		return AdminUser{}, ErrNotFound
	}
	return u, err
}

func (r *PgRepository) SetAccountStatus(ctx context.Context, id, from, to string) (bool, error) {
	ct, err := r.pool.Exec(ctx, `
		UPDATE users SET account_status = $1, updated_at = NOW()
		WHERE id = $2 AND account_status = $3 AND role <> 'admin'`, to, id, from)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r *PgRepository) ListListings(ctx context.Context, status string, limit, offset int) ([]AdminListing, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, provider_id::text, skill_id::text, title, price, status, created_at
		FROM listings
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, status, limit, offset)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[AdminListing])
}

func (r *PgRepository) SetListingStatus(ctx context.Context, id, status string) (bool, error) {
	ct, err := r.pool.Exec(ctx, `UPDATE listings SET status = $1 WHERE id = $2 AND status <> 'deleted'`, status, id)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r *PgRepository) Stats(ctx context.Context, now time.Time) (Stats, error) {
	var s Stats
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE account_status = 'active'),
		       COUNT(*) FILTER (WHERE account_status = 'suspended'),
		       COUNT(*) FILTER (WHERE role = 'admin'),
		       COUNT(*) FILTER (WHERE created_at >= $1),
		       COUNT(*) FILTER (WHERE created_at >= $2)
		FROM users WHERE account_status <> 'deleted'`,
		today, today.AddDate(0, 0, -7),
	).Scan(&s.Users.Total, &s.Users.Active, &s.Users.Suspended, &s.Users.Admins, &s.Users.NewToday, &s.Users.NewThisWeek)
	if err != nil {
		return s, err
	}

	err = r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE status <> 'deleted'), COUNT(*) FILTER (WHERE status = 'active')
		FROM listings`).Scan(&s.ListingsTotal, &s.ListingsActive)
	if err != nil {
		return s, err
	}

	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM requests GROUP BY status`)
	if err != nil {
		return s, err
	}
	s.Requests = map[string]int{}
	total := 0
	var status string
	var n int
	_, err = pgx.ForEachRow(rows, []any{&status, &n}, func() error {
		s.Requests[status] = n
		total += n
		return nil
	})
	if err != nil {
		return s, err
	}
	s.Requests["total"] = total

	err = r.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'completed'),
		       COUNT(*) FILTER (WHERE status IN ('pending','processing')),
		       COUNT(*) FILTER (WHERE status = 'failed'),
		       COALESCE(SUM(amount) FILTER (WHERE status = 'completed'), 0),
		       COALESCE(ROUND(AVG(amount) FILTER (WHERE status = 'completed'), 2), 0)
		FROM transactions`,
	).Scan(&s.Transactions.Total, &s.Transactions.Completed, &s.Transactions.Pending, &s.Transactions.Failed,
		&s.Transactions.Revenue, &s.Transactions.Average)
	if err != nil {
		return s, err
	}

	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM reviews`).Scan(&s.Reviews); err != nil {
		return s, err
	}

	rows, err = r.pool.Query(ctx, `
		SELECT s.name, s.category, COUNT(l.id)
		FROM skills s
		LEFT JOIN listings l ON l.skill_id = s.id AND l.status = 'active'
		GROUP BY s.id
		ORDER BY COUNT(l.id) DESC, s.name
		LIMIT 5`)
	if err != nil {
		return s, err
	}
	s.TopSkills, err = pgx.CollectRows(rows, pgx.RowToStructByPos[SkillCount])
	return s, err
}
