package marketplace

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/sudo-init-do/strathshare/internal/mpesa"
)

// PgStore is the Postgres implementation of Store.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) InTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgQueries{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PgStore) Read(ctx context.Context, fn func(q Queries) error) error {
	return fn(&pgQueries{db: s.pool})
}

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgQueries struct {
	db dbtx
}

// Postgres error codes
const (
	codeUniqueViolation = "23505"
	codeInvalidText     = "22P02"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// notFound folds "no rows" and malformed ids into ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) || pgCode(err) == codeInvalidText {
		return ErrNotFound
	}
	return err
}

// params numbers positional arguments as they are added.
type params []any

func (p *params) add(v any) string {
	*p = append(*p, v)
	return "$" + strconv.Itoa(len(*p))
}

// =========================
// Users and skills
// =========================

func (q *pgQueries) UserByID(ctx context.Context, id string) (User, error) {
	var u User
	err := q.db.QueryRow(ctx,
		`SELECT id, first_name, last_name, email, account_status, is_seeker, average_rating, total_reviews
		 FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.FirstName, &u.LastName, &u.Email, &u.AccountStatus, &u.IsSeeker, &u.AverageRating, &u.TotalReviews)
	if err != nil {
		return User{}, notFound(err)
	}
	return u, nil
}

func (q *pgQueries) SkillExists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := q.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM skills WHERE id = $1)`, id).Scan(&ok)
	if pgCode(err) == codeInvalidText {
		return false, nil
	}
	return ok, err
}

func (q *pgQueries) MarkSeeker(ctx context.Context, userID string) error {
	_, err := q.db.Exec(ctx,
		`UPDATE users SET is_seeker = TRUE, updated_at = NOW() WHERE id = $1 AND NOT is_seeker`, userID)
	return err
}

func (q *pgQueries) CloseAccount(ctx context.Context, userID string, at time.Time) error {
	if _, err := q.db.Exec(ctx,
		`UPDATE users SET account_status = 'deleted', updated_at = $2 WHERE id = $1`, userID, at); err != nil {
		return err
	}
	_, err := q.db.Exec(ctx,
		`UPDATE listings SET status = 'deleted' WHERE provider_id = $1 AND status <> 'deleted'`, userID)
	return err
}

// =========================
// Requests
// =========================

const requestColumns = `id, seeker_id, provider_id, skill_id, title, description, budget, deadline,
	status, created_at, assigned_at, started_at, updated_at`

func scanRequest(row pgx.Row) (Request, error) {
	var (
		r      Request
		status string
	)
	err := row.Scan(&r.ID, &r.SeekerID, &r.ProviderID, &r.SkillID, &r.Title, &r.Description, &r.Budget, &r.Deadline,
		&status, &r.CreatedAt, &r.AssignedAt, &r.StartedAt, &r.UpdatedAt)
	r.Status = Status(status)
	return r, err
}

func (q *pgQueries) InsertRequest(ctx context.Context, r Request) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO requests (`+requestColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		r.ID, r.SeekerID, r.ProviderID, r.SkillID, r.Title, r.Description, r.Budget, r.Deadline,
		string(r.Status), r.CreatedAt, r.AssignedAt, r.StartedAt, r.UpdatedAt,
	)
	return err
}

func (q *pgQueries) RequestByID(ctx context.Context, id string) (Request, error) {
	r, err := scanRequest(q.db.QueryRow(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1`, id))
	if err != nil {
		return Request{}, notFound(err)
	}
	return r, nil
}

// TransitionRequest is a single conditional UPDATE; the affected row count
// says whether this caller won.
func (q *pgQueries) TransitionRequest(ctx context.Context, t Transition) (bool, error) {
	sql, args := requestTransitionSQL(t)
	tag, err := q.db.Exec(ctx, sql, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// requestTransitionSQL builds the compare-and-set update for a request.
// Assign additionally requires the request to be unassigned.
func requestTransitionSQL(t Transition) (string, []any) {
	var p params
	at := p.add(t.At)
	sets := []string{"status = " + p.add(string(t.To)), "updated_at = " + at}
	if t.Assign {
		sets = append(sets, "provider_id = "+p.add(t.Provider), "assigned_at = "+at)
	}
	if t.Start {
		sets = append(sets, "started_at = "+at)
	}

	where := []string{"id = " + p.add(t.RequestID), "status = ANY(" + p.add(statusStrings(t.From)) + ")"}
	switch {
	case t.Assign:
		where = append(where, "provider_id IS NULL")
	case t.Provider != "":
		where = append(where, "provider_id = "+p.add(t.Provider))
	}
	if t.Seeker != "" {
		where = append(where, "seeker_id = "+p.add(t.Seeker))
	}
	return `UPDATE requests SET ` + strings.Join(sets, ", ") + ` WHERE ` + strings.Join(where, " AND "), p
}

func (q *pgQueries) CancelOpenRequests(ctx context.Context, seekerID string, at time.Time) ([]string, error) {
	rows, err := q.db.Query(ctx,
		`UPDATE requests SET status = 'cancelled', updated_at = $2
		 WHERE seeker_id = $1 AND status = 'open' RETURNING id`, seekerID, at)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (q *pgQueries) ListRequests(ctx context.Context, f RequestFilter) ([]Request, error) {
	var (
		p     params
		where []string
	)
	if len(f.Status) > 0 {
		where = append(where, "status = ANY("+p.add(statusStrings(f.Status))+")")
	}
	if f.SkillID != "" {
		where = append(where, "skill_id = "+p.add(f.SkillID))
	}
	if f.SeekerID != "" {
		where = append(where, "seeker_id = "+p.add(f.SeekerID))
	}
	if f.ProviderID != "" {
		where = append(where, "provider_id = "+p.add(f.ProviderID))
	}
	if f.Search != "" {
		like := p.add("%" + f.Search + "%")
		where = append(where, "(title ILIKE "+like+" OR description ILIKE "+like+")")
	}

	query := `SELECT ` + requestColumns + ` FROM requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT " + p.add(f.Limit) + " OFFSET " + p.add(f.Offset)

	rows, err := q.db.Query(ctx, query, p...)
	if err != nil {
		if pgCode(err) == codeInvalidText {
			return nil, nil
		}
		return nil, err
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (q *pgQueries) StuckRequests(ctx context.Context, before time.Time, limit int) ([]Request, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+requestColumns+` FROM requests
		 WHERE status IN ('assigned','in_progress') AND updated_at < $1
		 ORDER BY updated_at LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (q *pgQueries) ListingByID(ctx context.Context, id string) (ListingSummary, error) {
	var s ListingSummary
	err := q.db.QueryRow(ctx,
		`SELECT l.id, l.provider_id, l.skill_id, l.title, l.description, l.price, l.status, l.created_at,
		        s.name, TRIM(u.first_name || ' ' || u.last_name), u.average_rating
		 FROM listings l
		 JOIN users u ON u.id = l.provider_id
		 JOIN skills s ON s.id = l.skill_id
		 WHERE l.id = $1 AND l.status <> 'deleted' AND u.account_status <> 'deleted'`, id,
	).Scan(&s.ID, &s.ProviderID, &s.SkillID, &s.Title, &s.Description, &s.Price, &s.Status, &s.CreatedAt,
		&s.SkillName, &s.ProviderName, &s.ProviderRating)
	if err != nil {
		return ListingSummary{}, notFound(err)
	}
	return s, nil
}

// =========================
// Transactions
// =========================

const transactionColumns = `id, request_id, payer_id, receiver_id, amount, payment_method, status,
	gateway_reference, checkout_request_id, merchant_request_id, phone_number, failure_reason,
	created_at, completed_at`

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		t      Transaction
		status string
	)
	err := row.Scan(&t.ID, &t.RequestID, &t.PayerID, &t.ReceiverID, &t.Amount, &t.PaymentMethod, &status,
		&t.GatewayReference, &t.CheckoutRequestID, &t.MerchantRequestID, &t.PhoneNumber, &t.FailureReason,
		&t.CreatedAt, &t.CompletedAt)
	t.Status = TxStatus(status)
	return t, err
}

func (q *pgQueries) InsertTransaction(ctx context.Context, t Transaction) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO transactions (`+transactionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		t.ID, t.RequestID, t.PayerID, t.ReceiverID, t.Amount, t.PaymentMethod, string(t.Status),
		t.GatewayReference, t.CheckoutRequestID, t.MerchantRequestID, t.PhoneNumber, t.FailureReason,
		t.CreatedAt, t.CompletedAt,
	)
	if pgCode(err) == codeUniqueViolation {
		return ErrDuplicate
	}
	return err
}

func (q *pgQueries) TransactionByID(ctx context.Context, id string) (Transaction, error) {
	t, err := scanTransaction(q.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
	if err != nil {
		return Transaction{}, notFound(err)
	}
	return t, nil
}

func (q *pgQueries) TransactionByCheckoutID(ctx context.Context, checkoutID string) (Transaction, error) {
	t, err := scanTransaction(q.db.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE checkout_request_id = $1`, checkoutID))
	if err != nil {
		return Transaction{}, notFound(err)
	}
	return t, nil
}

func (q *pgQueries) ActiveTransaction(ctx context.Context, requestID string) (Transaction, error) {
	t, err := scanTransaction(q.db.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE request_id = $1 AND status <> 'failed' LIMIT 1`, requestID))
	if err != nil {
		return Transaction{}, notFound(err)
	}
	return t, nil
}

func (q *pgQueries) TransitionTransaction(ctx context.Context, t TxTransition) (bool, error) {
	sql, args := txTransitionSQL(t)
	tag, err := q.db.Exec(ctx, sql, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func txTransitionSQL(t TxTransition) (string, []any) {
	var p params
	sets := []string{"status = " + p.add(string(t.To))}
	if t.Receipt != "" {
		sets = append(sets, "gateway_reference = "+p.add(t.Receipt))
	}
	if t.CheckoutID != "" {
		sets = append(sets, "checkout_request_id = "+p.add(t.CheckoutID))
	}
	if t.MerchantID != "" {
		sets = append(sets, "merchant_request_id = "+p.add(t.MerchantID))
	}
	if t.FailureReason != "" {
		sets = append(sets, "failure_reason = "+p.add(t.FailureReason))
	}
	if t.To == TxCompleted {
		sets = append(sets, "completed_at = "+p.add(t.At))
	}

	from := make([]string, len(t.From))
	for i, s := range t.From {
		from[i] = string(s)
	}
	return `UPDATE transactions SET ` + strings.Join(sets, ", ") +
		` WHERE id = ` + p.add(t.ID) + ` AND status = ANY(` + p.add(from) + `)`, p
}

func (q *pgQueries) ListTransactions(ctx context.Context, userID string, limit, offset int) ([]Transaction, error) {
	var p params
	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if userID != "" {
		u := p.add(userID)
		query += ` WHERE payer_id = ` + u + ` OR receiver_id = ` + u
	}
	query += ` ORDER BY created_at DESC LIMIT ` + p.add(limit) + ` OFFSET ` + p.add(offset)

	rows, err := q.db.Query(ctx, query, p...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (q *pgQueries) StalePayments(ctx context.Context, before time.Time, limit int) ([]Transaction, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE payment_method = 'mpesa' AND status IN ('pending','processing') AND created_at < $1
		 ORDER BY created_at LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// =========================
// Gateway callbacks
// =========================

func (q *pgQueries) LockCheckout(ctx context.Context, checkoutID string) error {
	_, err := q.db.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, checkoutID)
	return err
}

func (q *pgQueries) ParkCallback(ctx context.Context, cb mpesa.CallbackResult, at time.Time) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO mpesa_callbacks
		     (checkout_request_id, merchant_request_id, result_code, result_desc, amount, receipt_number, phone_number, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (checkout_request_id) DO NOTHING`,
		cb.CheckoutRequestID, cb.MerchantRequestID, cb.ResultCode, cb.ResultDesc,
		cb.Amount, cb.ReceiptNumber, cb.PhoneNumber, at)
	return err
}

func (q *pgQueries) TakeParkedCallback(ctx context.Context, checkoutID string) (mpesa.CallbackResult, error) {
	var cb mpesa.CallbackResult
	err := q.db.QueryRow(ctx,
		`DELETE FROM mpesa_callbacks WHERE checkout_request_id = $1
		 RETURNING checkout_request_id, merchant_request_id, result_code, result_desc, amount, receipt_number, phone_number`,
		checkoutID,
	).Scan(&cb.CheckoutRequestID, &cb.MerchantRequestID, &cb.ResultCode, &cb.ResultDesc,
		&cb.Amount, &cb.ReceiptNumber, &cb.PhoneNumber)
	if err != nil {
		return mpesa.CallbackResult{}, notFound(err)
	}
	return cb, nil
}

// =========================
// Reviews
// =========================

func (q *pgQueries) ReviewExists(ctx context.Context, transactionID, reviewerID string, typ ReviewType) (bool, error) {
	var ok bool
	err := q.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM reviews WHERE transaction_id = $1 AND reviewer_id = $2 AND review_type = $3)`,
		transactionID, reviewerID, string(typ),
	).Scan(&ok)
	return ok, err
}

func (q *pgQueries) InsertReview(ctx context.Context, r Review) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO reviews (id, transaction_id, request_id, reviewer_id, reviewee_id, rating, comment, review_type, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.TransactionID, r.RequestID, r.ReviewerID, r.RevieweeID, r.Rating, r.Comment, string(r.Type), r.CreatedAt,
	)
	if pgCode(err) == codeUniqueViolation {
		return ErrDuplicate
	}
	return err
}

func (q *pgQueries) RecomputeRating(ctx context.Context, userID string) (decimal.Decimal, int, error) {
	// Concurrent reviews of one user serialise on the user row so the
	// aggregate below sees every committed review.
	if _, err := q.db.Exec(ctx, `SELECT 1 FROM users WHERE id = $1 FOR UPDATE`, userID); err != nil {
		return decimal.Zero, 0, err
	}
	var (
		avg   decimal.Decimal
		total int
	)
	err := q.db.QueryRow(ctx,
		`UPDATE users u
		 SET average_rating = agg.avg, total_reviews = agg.cnt, updated_at = NOW()
		 FROM (
		     SELECT COALESCE(ROUND(AVG(rating)::numeric, 2), 0) AS avg, COUNT(*)::int AS cnt
		     FROM reviews WHERE reviewee_id = $1
		 ) agg
		 WHERE u.id = $1
		 RETURNING u.average_rating, u.total_reviews`, userID,
	).Scan(&avg, &total)
	if err != nil {
		return decimal.Zero, 0, notFound(err)
	}
	return avg, total, nil
}

func (q *pgQueries) ReviewsFor(ctx context.Context, userID string, limit, offset int) ([]ReviewView, error) {
	rows, err := q.db.Query(ctx,
		`SELECT r.id, r.transaction_id, r.request_id, r.reviewer_id, r.reviewee_id, r.rating, r.comment, r.review_type, r.created_at,
		        TRIM(u.first_name || ' ' || u.last_name), rq.title
		 FROM reviews r
		 JOIN users u ON u.id = r.reviewer_id
		 JOIN requests rq ON rq.id = r.request_id
		 WHERE r.reviewee_id = $1
		 ORDER BY r.created_at DESC
		 LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReviewView
	for rows.Next() {
		var (
			v   ReviewView
			typ string
		)
		if err := rows.Scan(&v.ID, &v.TransactionID, &v.RequestID, &v.ReviewerID, &v.RevieweeID, &v.Rating, &v.Comment,
			&typ, &v.CreatedAt, &v.ReviewerName, &v.RequestTitle); err != nil {
			return nil, err
		}
		v.Type = ReviewType(typ)
		out = append(out, v)
	}
	return out, rows.Err()
}

func (q *pgQueries) RatingBreakdown(ctx context.Context, userID string) (map[int]int, error) {
	rows, err := q.db.Query(ctx,
		`SELECT rating, COUNT(*) FROM reviews WHERE reviewee_id = $1 GROUP BY rating`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[int]int, 5)
	for rows.Next() {
		var rating, count int
		if err := rows.Scan(&rating, &count); err != nil {
			return nil, err
		}
		counts[rating] = count
	}
	return counts, rows.Err()
}

func (q *pgQueries) ReviewsForTransaction(ctx context.Context, transactionID string) ([]Review, error) {
	rows, err := q.db.Query(ctx,
		`SELECT id, transaction_id, request_id, reviewer_id, reviewee_id, rating, comment, review_type, created_at
		 FROM reviews WHERE transaction_id = $1 ORDER BY created_at`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Review
	for rows.Next() {
		var (
			r   Review
			typ string
		)
		if err := rows.Scan(&r.ID, &r.TransactionID, &r.RequestID, &r.ReviewerID, &r.RevieweeID, &r.Rating, &r.Comment,
			&typ, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Type = ReviewType(typ)
		out = append(out, r)
	}
	return out, rows.Err()
}
