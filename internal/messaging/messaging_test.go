package messaging

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudo-init-do/strathshare/internal/alerts"
)

type memStore struct {
	mu      sync.Mutex
	threads map[string]Thread
	titles  map[string]string
	msgs    []Message
	notes   map[string]int
}

func (s *memStore) Thread(_ context.Context, id string) (Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return Thread{}, ErrNotFound
	}
	return t, nil
}

func (s *memStore) Insert(_ context.Context, m Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = uuid.NewString()
	m.CreatedAt = time.Now()
	s.msgs = append(s.msgs, m)
	return m, nil
}

func (s *memStore) List(_ context.Context, requestID string, since *time.Time) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.msgs {
		if m.RequestID == requestID && (since == nil || m.CreatedAt.After(*since)) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) Unread(_ context.Context, requestID, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.msgs {
		if m.RequestID == requestID && m.RecipientID == userID && m.ReadAt == nil {
			n++
		}
	}
	return n, nil
}

func (s *memStore) MarkRead(_ context.Context, requestID, messageID, userID string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.msgs {
		if m.ID == messageID && m.RequestID == requestID && m.RecipientID == userID {
			if m.ReadAt == nil {
				now := time.Now()
				s.msgs[i].ReadAt = &now
			}
			return *s.msgs[i].ReadAt, nil
		}
	}
	return time.Time{}, ErrNotFound
}

func (s *memStore) Conversations(_ context.Context, userID string) ([]Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byRequest := map[string]*Conversation{}
	var order []string
	for _, m := range s.msgs {
		if m.SenderID != userID && m.RecipientID != userID {
			continue
		}
		c, ok := byRequest[m.RequestID]
		if !ok {
			t := s.threads[m.RequestID]
			partner, _ := t.Counterpart(userID)
			c = &Conversation{
				RequestID:     m.RequestID,
				RequestTitle:  s.titles[m.RequestID],
				RequestStatus: t.Status,
				PartnerID:     partner,
				PartnerName:   t.NameOf(partner),
			}
			byRequest[m.RequestID] = c
		} else {
			order = slices.DeleteFunc(order, func(id string) bool { return id == m.RequestID })
		}
		order = append([]string{m.RequestID}, order...)
		c.LastMessage, c.LastMessageTime = m.Content, m.CreatedAt
		if m.RecipientID == userID && m.ReadAt == nil {
			c.UnreadCount++
		}
	}
	var out []Conversation
	for _, id := range order {
		out = append(out, *byRequest[id])
	}
	return out, nil
}

func (s *memStore) UnreadCounts(_ context.Context, userID string) (UnreadCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := UnreadCounts{Notifications: s.notes[userID]}
	for _, m := range s.msgs {
		if m.RecipientID == userID && m.ReadAt == nil {
			c.Messages++
		}
	}
	return c, nil
}

type notes struct {
	mu  sync.Mutex
	got []alerts.Notification
}

func (n *notes) Notify(_ context.Context, x alerts.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, x)
	return nil
}

var (
	seeker   = uuid.NewString()
	provider = uuid.NewString()
	stranger = uuid.NewString()
	accepted = uuid.NewString()
	open     = uuid.NewString()
)

type harness struct {
	e     *echo.Echo
	store *memStore
	notes *notes
	hub   *Hub
}

func setup(t *testing.T) *harness {
	t.Helper()
	p := provider
	store := &memStore{threads: map[string]Thread{
		accepted: {RequestID: accepted, Status: "accepted", SeekerID: seeker, SeekerName: "Sam Seeker", ProviderID: &p, ProviderName: "Pat Provider"},
		open:     {RequestID: open, Status: "open", SeekerID: seeker, SeekerName: "Sam Seeker"},
	}, titles: map[string]string{accepted: "Calculus help"}, notes: map[string]int{}}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(log)
	n := &notes{}
	h := NewHandler(store, hub, n, log)

	e := echo.New()
	api := e.Group("/api", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if uid := c.Request().Header.Get("X-User"); uid != "" {
				c.Set("user_id", uid)
				c.Set("role", "student")
			}
			return next(c)
		}
	})
	h.Register(api)
	return &harness{e: e, store: store, notes: n, hub: hub}
}

func (h *harness) call(t *testing.T, method, path, user, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("X-User", user)
	rec := httptest.NewRecorder()
	h.e.ServeHTTP(rec, req)
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec.Code, out
}

func TestSendMessage(t *testing.T) {
	h := setup(t)
	path := "/api/requests/" + accepted + "/messages"

	code, body := h.call(t, http.MethodPost, path, seeker, `{"content":"  Hi, when works for you?  "}`)
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, "Message sent successfully", body["message"])
	require.Len(t, h.store.msgs, 1)
	assert.Equal(t, "Hi, when works for you?", h.store.msgs[0].Content)
	assert.Equal(t, provider, h.store.msgs[0].RecipientID)

	require.Len(t, h.notes.got, 1)
	n := h.notes.got[0]
	assert.Equal(t, provider, n.UserID)
	assert.Equal(t, alerts.NotifyNewMessage, n.Type)
	assert.Equal(t, "Sam Seeker sent you a message", n.Message)
	assert.Equal(t, h.store.msgs[0].ID, n.ReferenceID)
	assert.Equal(t, "message", n.ReferenceType)
}

func TestSendMessageRejects(t *testing.T) {
	h := setup(t)

	cases := []struct {
		name, request, user, body string
		code                      int
	}{
		{"blank", accepted, seeker, `{"content":"   "}`, http.StatusBadRequest},
		{"too long", accepted, seeker, `{"content":"` + strings.Repeat("x", maxMessageLength+1) + `"}`, http.StatusBadRequest},
		{"stranger", accepted, stranger, `{"content":"hey"}`, http.StatusForbidden},
		{"no provider yet", open, seeker, `{"content":"hey"}`, http.StatusConflict},
		{"stranger on open request", open, stranger, `{"content":"hey"}`, http.StatusForbidden},
		{"unknown request", uuid.NewString(), seeker, `{"content":"hey"}`, http.StatusNotFound},
		{"malformed id", "abc", seeker, `{"content":"hey"}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, body := h.call(t, http.MethodPost, "/api/requests/"+tc.request+"/messages", tc.user, tc.body)
			assert.Equal(t, tc.code, code, body)
		})
	}
	assert.Empty(t, h.store.msgs)
	assert.Empty(t, h.notes.got)
}

func TestReadFlow(t *testing.T) {
	h := setup(t)
	base := "/api/requests/" + accepted + "/messages"

	_, body := h.call(t, http.MethodPost, base, seeker, `{"content":"first"}`)
	msgID := body["message_id"].(string)
	h.call(t, http.MethodPost, base, seeker, `{"content":"second"}`)

	code, body := h.call(t, http.MethodGet, base+"/unread", provider, "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, body["unread"])

	// only the recipient may mark a message read
	code, _ = h.call(t, http.MethodPost, base+"/"+msgID+"/read", seeker, "")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = h.call(t, http.MethodPost, base+"/"+msgID+"/read", provider, "")
	require.Equal(t, http.StatusOK, code, body)
	assert.NotEmpty(t, body["read_at"])

	_, body = h.call(t, http.MethodGet, base+"/unread", provider, "")
	assert.EqualValues(t, 1, body["unread"])

	code, body = h.call(t, http.MethodGet, base, provider, "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["messages"], 2)

	code, _ = h.call(t, http.MethodGet, base+"?since=yesterday", provider, "")
	assert.Equal(t, http.StatusBadRequest, code)

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	_, body = h.call(t, http.MethodGet, base+"?since="+future, provider, "")
	assert.Empty(t, body["messages"])
}

func TestConversationsAndUnreadCounts(t *testing.T) {
	h := setup(t)
	base := "/api/requests/" + accepted + "/messages"
	h.call(t, http.MethodPost, base, seeker, `{"content":"are you free today?"}`)
	h.call(t, http.MethodPost, base, seeker, `{"content":"or tomorrow?"}`)
	h.call(t, http.MethodPost, base, provider, `{"content":"tomorrow works"}`)
	h.store.notes[provider] = 3

	code, body := h.call(t, http.MethodGet, "/api/conversations", provider, "")
	require.Equal(t, http.StatusOK, code, body)
	assert.EqualValues(t, 1, body["count"])
	convs := body["conversations"].([]any)
	require.Len(t, convs, 1)
	c := convs[0].(map[string]any)
	assert.Equal(t, accepted, c["request_id"])
	assert.Equal(t, "Calculus help", c["request_title"])
	assert.Equal(t, seeker, c["partner_id"])
	assert.Equal(t, "Sam Seeker", c["partner_name"])
	assert.Equal(t, "tomorrow works", c["last_message"])
	assert.EqualValues(t, 2, c["unread_count"])

	_, body = h.call(t, http.MethodGet, "/api/conversations", seeker, "")
	c = body["conversations"].([]any)[0].(map[string]any)
	assert.Equal(t, "Pat Provider", c["partner_name"])
	assert.EqualValues(t, 1, c["unread_count"])

	code, body = h.call(t, http.MethodGet, "/api/conversations", stranger, "")
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["conversations"])
	assert.EqualValues(t, 0, body["count"])

	code, body = h.call(t, http.MethodGet, "/api/me/unread-counts", provider, "")
	require.Equal(t, http.StatusOK, code, body)
	assert.EqualValues(t, 2, body["unread_messages"])
	assert.EqualValues(t, 3, body["unread_notifications"])

	code, _ = h.call(t, http.MethodGet, "/api/me/unread-counts", "", "")
	assert.Equal(t, http.StatusForbidden, code)
}

func TestRequestSocketReceivesMessages(t *testing.T) {
	h := setup(t)
	srv := httptest.NewServer(h.e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/requests/" + accepted + "/ws"
	hdr := http.Header{}
	hdr.Set("X-User", provider)
	conn, resp, err := websocket.DefaultDialer.Dial(url, hdr)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.Eventually(t, func() bool { return h.hub.Clients(accepted) == 1 }, time.Second, 10*time.Millisecond)

	code, _ := h.call(t, http.MethodPost, "/api/requests/"+accepted+"/messages", seeker, `{"content":"on my way"}`)
	require.Equal(t, http.StatusCreated, code)

	h.hub.Broadcast(accepted, alerts.Event{Key: "request.in_progress", RequestID: accepted})

	want := []string{"message_new", "request.in_progress"}
	var got []string
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for len(got) < len(want) {
		var evt struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&evt))
		if evt.Type == "presence_join" {
			continue
		}
		got = append(got, evt.Type)
	}
	assert.Equal(t, want, got)
}

func TestRequestSocketRefusesStrangers(t *testing.T) {
	h := setup(t)
	srv := httptest.NewServer(h.e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/requests/" + accepted + "/ws"
	hdr := http.Header{}
	hdr.Set("X-User", stranger)
	_, resp, err := websocket.DefaultDialer.Dial(url, hdr)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Zero(t, h.hub.Clients(accepted))
}
