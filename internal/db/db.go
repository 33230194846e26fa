package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

var Conn *pgxpool.Pool

// Init connects to Postgres and makes sure the schema exists.
func Init(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	slog.Info("connected to postgres")

	Conn = pool
	EnsureSchema(ctx, pool)
	return pool, nil
}

// EnsureSchema creates missing tables and columns. Each step is
// idempotent and a failure is logged rather than fatal.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) {
	ensureUsersTable(ctx, pool)
	ensureSkillsAndListings(ctx, pool)
	ensureRequestsTable(ctx, pool)
	ensureTransactionsTable(ctx, pool)
	ensureCallbacksTable(ctx, pool)
	ensureReviewsTable(ctx, pool)
	ensureNotificationsTable(ctx, pool)
	ensureMessagesTable(ctx, pool)
	ensureIdempotencyTable(ctx, pool)
}

func tableExists(ctx context.Context, pool *pgxpool.Pool, table string) bool {
	var exists bool
	err := pool.QueryRow(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM information_schema.tables
            WHERE table_schema = 'public' AND table_name = $1
        )`, table).Scan(&exists)
	if err != nil {
		slog.Error("schema check failed", "table", table, "error", err)
		return false
	}
	return exists
}

func columnExists(ctx context.Context, pool *pgxpool.Pool, table, column string) bool {
	var exists bool
	_ = pool.QueryRow(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM information_schema.columns
            WHERE table_schema = 'public' AND table_name = $1 AND column_name = $2
        )`, table, column).Scan(&exists)
	return exists
}

// ensureUsersTable creates users, and adds rating aggregate columns to older tables
func ensureUsersTable(ctx context.Context, pool *pgxpool.Pool) {
	if !tableExists(ctx, pool, "users") {
		_, err := pool.Exec(ctx, `
            CREATE TABLE IF NOT EXISTS users (
                id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
                first_name TEXT NOT NULL,
                last_name TEXT NOT NULL DEFAULT '',
                email TEXT NOT NULL UNIQUE,
                password TEXT NOT NULL,
                role TEXT NOT NULL DEFAULT 'student' CHECK (role IN ('student','admin')),
                account_status TEXT NOT NULL DEFAULT 'active' CHECK (account_status IN ('active','suspended','deleted')),
                phone TEXT NULL,
                bio TEXT NOT NULL DEFAULT '',
                is_seeker BOOLEAN NOT NULL DEFAULT FALSE,
                average_rating NUMERIC(3,2) NOT NULL DEFAULT 0,
                total_reviews INTEGER NOT NULL DEFAULT 0,
                created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
                updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
            )`)
		if err != nil {
			slog.Error("failed to create users table", "error", err)
		}
		return
	}

	// Older deployments predate rating aggregates
	if !columnExists(ctx, pool, "users", "average_rating") {
		if _, err := pool.Exec(ctx, `ALTER TABLE users ADD COLUMN IF NOT EXISTS average_rating NUMERIC(3,2) NOT NULL DEFAULT 0`); err != nil {
			slog.Error("failed to add users.average_rating", "error", err)
		}
	}
	if !columnExists(ctx, pool, "users", "total_reviews") {
		if _, err := pool.Exec(ctx, `ALTER TABLE users ADD COLUMN IF NOT EXISTS total_reviews INTEGER NOT NULL DEFAULT 0`); err != nil {
			slog.Error("failed to add users.total_reviews", "error", err)
		}
	}
}

func ensureSkillsAndListings(ctx context.Context, pool *pgxpool.Pool) {
	_, err := pool.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS skills (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            name TEXT NOT NULL UNIQUE,
            category TEXT NOT NULL DEFAULT ''
        );
        CREATE TABLE IF NOT EXISTS listings (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            provider_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            skill_id UUID NOT NULL REFERENCES skills(id),
            title TEXT NOT NULL,
            description TEXT NOT NULL,
            price NUMERIC(12,2) NOT NULL DEFAULT 0,
            status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active','paused','deleted')),
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );
        CREATE INDEX IF NOT EXISTS idx_listings_provider ON listings(provider_id);
        CREATE INDEX IF NOT EXISTS idx_listings_skill ON listings(skill_id);
    `)
	if err != nil {
		slog.Error("failed to ensure skills/listings", "error", err)
	}
}

// ensureRequestsTable carries the open-iff-unassigned rule as a CHECK constraint
func ensureRequestsTable(ctx context.Context, pool *pgxpool.Pool) {
	if tableExists(ctx, pool, "requests") {
		return
	}
	_, err := pool.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS requests (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            seeker_id UUID NOT NULL REFERENCES users(id),
            provider_id UUID NULL REFERENCES users(id),
            skill_id UUID NOT NULL REFERENCES skills(id),
            title TEXT NOT NULL,
            description TEXT NOT NULL,
            budget NUMERIC(12,2) NULL,
            deadline DATE NULL,
            status TEXT NOT NULL DEFAULT 'open' CHECK (status IN (
                'open','assigned','in_progress','awaiting_payment','completed','cancelled'
            )),
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            assigned_at TIMESTAMPTZ NULL,
            started_at TIMESTAMPTZ NULL,
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            CONSTRAINT requests_open_unassigned CHECK ((status = 'open') = (provider_id IS NULL))
        );
        CREATE INDEX IF NOT EXISTS idx_requests_seeker ON requests(seeker_id);
        CREATE INDEX IF NOT EXISTS idx_requests_provider ON requests(provider_id);
        CREATE INDEX IF NOT EXISTS idx_requests_status_updated ON requests(status, updated_at);
    `)
	if err != nil {
		slog.Error("failed to create requests table", "error", err)
	}
}

// ensureTransactionsTable allows at most one non-failed transaction per request
func ensureTransactionsTable(ctx context.Context, pool *pgxpool.Pool) {
	if tableExists(ctx, pool, "transactions") {
		return
	}
	_, err := pool.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS transactions (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            request_id UUID NOT NULL REFERENCES requests(id),
            payer_id UUID NOT NULL REFERENCES users(id),
            receiver_id UUID NOT NULL REFERENCES users(id),
            amount NUMERIC(12,2) NOT NULL CHECK (amount >= 1),
            payment_method TEXT NOT NULL CHECK (payment_method IN ('demo','mpesa')),
            status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','processing','completed','failed')),
            gateway_reference TEXT NULL,
            checkout_request_id TEXT NULL UNIQUE,
            merchant_request_id TEXT NULL,
            phone_number TEXT NOT NULL,
            failure_reason TEXT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            completed_at TIMESTAMPTZ NULL
        );
        CREATE UNIQUE INDEX IF NOT EXISTS uniq_transactions_active_request
            ON transactions(request_id) WHERE status <> 'failed';
        CREATE INDEX IF NOT EXISTS idx_transactions_payer ON transactions(payer_id);
        CREATE INDEX IF NOT EXISTS idx_transactions_receiver ON transactions(receiver_id);
    `)
	if err != nil {
		slog.Error("failed to create transactions table", "error", err)
	}
}

// ensureCallbacksTable holds gateway callbacks that arrived before their
// checkout id was recorded on a transaction.
func ensureCallbacksTable(ctx context.Context, pool *pgxpool.Pool) {
	_, err := pool.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS mpesa_callbacks (
            checkout_request_id TEXT PRIMARY KEY,
            merchant_request_id TEXT NOT NULL DEFAULT '',
            result_code INTEGER NOT NULL,
            result_desc TEXT NOT NULL DEFAULT '',
            amount TEXT NOT NULL DEFAULT '',
            receipt_number TEXT NOT NULL DEFAULT '',
            phone_number TEXT NOT NULL DEFAULT '',
            received_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );
        CREATE INDEX IF NOT EXISTS idx_transactions_open_created
            ON transactions(created_at) WHERE status IN ('pending','processing');
    `)
	if err != nil {
		slog.Error("failed to create mpesa_callbacks table", "error", err)
	}
}

func ensureReviewsTable(ctx context.Context, pool *pgxpool.Pool) {
	if tableExists(ctx, pool, "reviews") {
		return
	}
	_, err := pool.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS reviews (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            transaction_id UUID NOT NULL REFERENCES transactions(id),
            request_id UUID NOT NULL REFERENCES requests(id),
            reviewer_id UUID NOT NULL REFERENCES users(id),
            reviewee_id UUID NOT NULL REFERENCES users(id),
            rating SMALLINT NOT NULL CHECK (rating BETWEEN 1 AND 5),
            comment TEXT NULL,
            review_type TEXT NOT NULL CHECK (review_type IN ('seeker_to_provider','provider_to_seeker')),
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            UNIQUE (transaction_id, reviewer_id, review_type)
        );
        CREATE INDEX IF NOT EXISTS idx_reviews_reviewee ON reviews(reviewee_id, created_at);
    `)
	if err != nil {
		slog.Error("failed to create reviews table", "error", err)
	}
}

// ensureNotificationsTable creates notifications table if it doesn't exist
func ensureNotificationsTable(ctx context.Context, pool *pgxpool.Pool) {
	if tableExists(ctx, pool, "notifications") {
		return
	}
	_, err := pool.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS notifications (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            type TEXT NOT NULL,
            title TEXT NOT NULL,
            message TEXT NOT NULL DEFAULT '',
            reference_id UUID NULL,
            reference_type TEXT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            read_at TIMESTAMPTZ NULL
        );
        CREATE INDEX IF NOT EXISTS idx_notifications_user_created ON notifications(user_id, created_at);
        CREATE INDEX IF NOT EXISTS idx_notifications_user_unread ON notifications(user_id) WHERE read_at IS NULL;
    `)
	if err != nil {
		slog.Error("failed to create notifications table", "error", err)
	}
}

func ensureMessagesTable(ctx context.Context, pool *pgxpool.Pool) {
	if tableExists(ctx, pool, "messages") {
		return
	}
	_, err := pool.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS messages (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            request_id UUID NOT NULL REFERENCES requests(id) ON DELETE CASCADE,
            sender_id UUID NOT NULL REFERENCES users(id),
            recipient_id UUID NOT NULL REFERENCES users(id),
            content TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            read_at TIMESTAMPTZ NULL
        );
        CREATE INDEX IF NOT EXISTS idx_messages_request_created ON messages(request_id, created_at);
    `)
	if err != nil {
		slog.Error("failed to create messages table", "error", err)
	}
}

func ensureIdempotencyTable(ctx context.Context, pool *pgxpool.Pool) {
	_, err := pool.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS idempotency_keys (
            key_id TEXT NOT NULL,
            user_id UUID NOT NULL,
            fingerprint TEXT NOT NULL DEFAULT '',
            response_status INTEGER NOT NULL,
            response_body BYTEA NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            PRIMARY KEY (key_id, user_id)
        )`)
	if err != nil {
		slog.Error("failed to create idempotency_keys table", "error", err)
		return
	}
	if !columnExists(ctx, pool, "idempotency_keys", "fingerprint") {
		if _, err := pool.Exec(ctx, `ALTER TABLE idempotency_keys ADD COLUMN IF NOT EXISTS fingerprint TEXT NOT NULL DEFAULT ''`); err != nil {
			slog.Error("failed to add idempotency_keys.fingerprint", "error", err)
		}
	}
}
