package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("not found")

// Thread is the request a conversation hangs off.
type Thread struct {
	RequestID    string
	Status       string
	SeekerID     string
	SeekerName   string
	ProviderID   *string
	ProviderName string
}

// Counterpart returns the other participant, or false when userID is not
// part of the thread.
func (t Thread) Counterpart(userID string) (string, bool) {
	if t.ProviderID == nil {
		return "", false
	}
	switch userID {
	case t.SeekerID:
		return *t.ProviderID, true
	case *t.ProviderID:
		return t.SeekerID, true
	}
	return "", false
}

func (t Thread) NameOf(userID string) string {
	if userID == t.SeekerID {
		return t.SeekerName
	}
	return t.ProviderName
}

type Message struct {
	ID          string     `json:"id"`
	RequestID   string     `json:"request_id"`
	SenderID    string     `json:"sender_id"`
	RecipientID string     `json:"recipient_id"`
	Content     string     `json:"content"`
	CreatedAt   time.Time  `json:"created_at"`
	ReadAt      *time.Time `json:"read_at"`
}

// Conversation summarises one request thread from a participant's side.
type Conversation struct {
	RequestID       string    `json:"request_id"`
	RequestTitle    string    `json:"request_title"`
	RequestStatus   string    `json:"request_status"`
	PartnerID       string    `json:"partner_id"`
	PartnerName     string    `json:"partner_name"`
	LastMessage     string    `json:"last_message"`
	LastMessageTime time.Time `json:"last_message_time"`
	UnreadCount     int       `json:"unread_count"`
}

// UnreadCounts feeds the badges in the navigation bar.
type UnreadCounts struct {
	Messages      int `json:"unread_messages"`
	Notifications int `json:"unread_notifications"`
}

type Store interface {
	Thread(ctx context.Context, requestID string) (Thread, error)
	Insert(ctx context.Context, m Message) (Message, error)
	List(ctx context.Context, requestID string, since *time.Time) ([]Message, error)
	Unread(ctx context.Context, requestID, userID string) (int, error)
	// MarkRead stamps read_at on a message addressed to userID. ErrNotFound
	// covers both a missing message and one addressed to someone else.
	MarkRead(ctx context.Context, requestID, messageID, userID string) (time.Time, error)
	// Conversations lists threads with at least one message involving
	// userID, most recent first.
	Conversations(ctx context.Context, userID string) ([]Conversation, error)
	UnreadCounts(ctx context.Context, userID string) (UnreadCounts, error)
}

type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore { return &PgStore{pool: pool} }

func (s *PgStore) Thread(ctx context.Context, requestID string) (Thread, error) {
	var t Thread
	err := s.pool.QueryRow(ctx, `
		SELECT r.id::text, r.status, r.seeker_id::text, su.first_name || ' ' || su.last_name,
		       r.provider_id::text, COALESCE(pu.first_name || ' ' || pu.last_name, '')
		FROM requests r
		JOIN users su ON su.id = r.seeker_id
		LEFT JOIN users pu ON pu.id = r.provider_id
		WHERE r.id = $1`, requestID,
	).Scan(&t.RequestID, &t.Status, &t.SeekerID, &t.SeekerName, &t.ProviderID, &t.ProviderName)
	if errors.Is(err, pgx.ErrNoRows) {
		return Thread{}, ErrNotFound
	}
	return t, err
}

func (s *PgStore) Insert(ctx context.Context, m Message) (Message, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (request_id, sender_id, recipient_id, content)
		VALUES ($1, $2, $3, $4)
		RETURNING id::text, created_at`,
		m.RequestID, m.SenderID, m.RecipientID, m.Content,
	).Scan(&m.ID, &m.CreatedAt)
	return m, err
}

func (s *PgStore) List(ctx context.Context, requestID string, since *time.Time) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, request_id::text, sender_id::text, recipient_id::text, content, created_at, read_at
		FROM messages
		WHERE request_id = $1 AND ($2::timestamptz IS NULL OR created_at > $2)
		ORDER BY created_at ASC`, requestID, since)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[Message])
}

func (s *PgStore) Unread(ctx context.Context, requestID, userID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE request_id = $1 AND recipient_id = $2 AND read_at IS NULL`, requestID, userID).Scan(&n)
	return n, err
}

func (s *PgStore) MarkRead(ctx context.Context, requestID, messageID, userID string) (time.Time, error) {
	var at time.Time
	err := s.pool.QueryRow(ctx, `
		UPDATE messages SET read_at = COALESCE(read_at, NOW())
		WHERE id = $1 AND request_id = $2 AND recipient_id = $3
		RETURNING read_at`, messageID, requestID, userID).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	return at, err
}

func (s *PgStore) Conversations(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id::text, r.title, r.status,
		       p.id::text, p.first_name || ' ' || p.last_name,
		       lm.content, lm.created_at,
		       (SELECT COUNT(*) FROM messages u
		        WHERE u.request_id = r.id AND u.recipient_id = $1 AND u.read_at IS NULL)::int
		FROM requests r
		JOIN users p ON p.id = CASE WHEN r.seeker_id = $1 THEN r.provider_id ELSE r.seeker_id END
		JOIN LATERAL (
		    SELECT m.content, m.created_at FROM messages m
		    WHERE m.request_id = r.id
		    ORDER BY m.created_at DESC LIMIT 1
		) lm ON TRUE
		WHERE r.seeker_id = $1 OR r.provider_id = $1
		ORDER BY lm.created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[Conversation])
}

func (s *PgStore) UnreadCounts(ctx context.Context, userID string) (UnreadCounts, error) {
	var c UnreadCounts
	err := s.pool.QueryRow(ctx, `
		SELECT (SELECT COUNT(*) FROM messages WHERE recipient_id = $1 AND read_at IS NULL)::int,
		       (SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND read_at IS NULL)::int`,
		userID).Scan(&c.Messages, &c.Notifications)
	return c, err
}
