package messaging

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/sudo-init-do/strathshare/internal/alerts"
	"github.com/sudo-init-do/strathshare/internal/apperr"
	"github.com/sudo-init-do/strathshare/internal/auth"
)

const maxMessageLength = 2000

// Notifier stores in-app notifications.
type Notifier interface {
	Notify(ctx context.Context, n alerts.Notification) error
}

type Handler struct {
	store Store
	hub   *Hub
	notes Notifier
	log   *slog.Logger
}

func NewHandler(store Store, hub *Hub, notes Notifier, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{store: store, hub: hub, notes: notes, log: log}
}

func (h *Handler) Register(api *echo.Group) {
	api.POST("/requests/:id/messages", h.SendMessage)
	api.GET("/requests/:id/messages", h.ListMessages)
	api.GET("/requests/:id/messages/unread", h.UnreadCount)
	api.POST("/requests/:id/messages/:message_id/read", h.MarkMessageRead)
	api.GET("/requests/:id/ws", h.RequestWS)
	api.GET("/conversations", h.Conversations)
	api.GET("/me/unread-counts", h.UnreadCounts)
}

func (h *Handler) respondError(c echo.Context, err error) error {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("messaging request failed", "path", c.Path(), "error", err)
	}
	return c.JSON(status, echo.Map{
		"success": false,
		"message": apperr.Message(err),
		"error":   string(apperr.KindOf(err)),
	})
}

// participant loads the thread and checks the caller belongs to it.
func (h *Handler) participant(c echo.Context) (auth.Principal, Thread, string, error) {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		return p, Thread{}, "", apperr.Forbidden("unauthorized")
	}
	requestID := c.Param("id")
	if _, err := uuid.Parse(requestID); err != nil {
		return p, Thread{}, "", apperr.NotFound("Request not found")
	}
	t, err := h.store.Thread(c.Request().Context(), requestID)
	if errors.Is(err, ErrNotFound) {
		return p, Thread{}, "", apperr.NotFound("Request not found")
	}
	if err != nil {
		return p, Thread{}, "", apperr.Internal(err, "failed to fetch request")
	}
	if t.ProviderID == nil {
		if p.UserID == t.SeekerID {
			return p, t, "", apperr.Conflict("Messaging opens once a provider accepts the request")
		}
		return p, t, "", apperr.Forbidden("Not a participant in this request")
	}
	other, ok := t.Counterpart(p.UserID)
	if !ok {
		return p, t, "", apperr.Forbidden("Not a participant in this request")
	}
	return p, t, other, nil
}

type sendMessageRequest struct {
	Content string `json:"content" validate:"required"`
}

// SendMessage - seeker or provider posts to a request thread
func (h *Handler) SendMessage(c echo.Context) error {
	p, t, recipient, err := h.participant(c)
	if err != nil {
		return h.respondError(c, err)
	}

	var body sendMessageRequest
	if err := c.Bind(&body); err != nil {
		return h.respondError(c, apperr.Validation("invalid payload"))
	}
	body.Content = strings.TrimSpace(body.Content)
	if body.Content == "" {
		return h.respondError(c, apperr.Validation("Message is required"))
	}
	if utf8.RuneCountInString(body.Content) > maxMessageLength {
		return h.respondError(c, apperr.Validation("Message too long (max 2000 characters)"))
	}

	ctx := c.Request().Context()
	msg, err := h.store.Insert(ctx, Message{
		RequestID:   t.RequestID,
		SenderID:    p.UserID,
		RecipientID: recipient,
		Content:     body.Content,
	})
	if err != nil {
		return h.respondError(c, apperr.Internal(err, "Failed to send message"))
	}

	h.hub.emit(t.RequestID, wsEvent{Type: "message_new", Data: msg})

	if h.notes != nil {
		n := alerts.Notification{
			UserID:        recipient,
			Type:          alerts.NotifyNewMessage,
			Title:         "New Message",
			Message:       t.NameOf(p.UserID) + " sent you a message",
			ReferenceID:   msg.ID,
			ReferenceType: "message",
		}
		if err := h.notes.Notify(context.WithoutCancel(ctx), n); err != nil {
			h.log.Warn("message notification failed", "message_id", msg.ID, "error", err)
		}
	}

	return c.JSON(http.StatusCreated, echo.Map{
		"success":    true,
		"message":    "Message sent successfully",
		"message_id": msg.ID,
		"data":       msg,
	})
}

// ListMessages - conversation for a request, oldest first
func (h *Handler) ListMessages(c echo.Context) error {
	_, t, _, err := h.participant(c)
	if err != nil {
		return h.respondError(c, err)
	}

	var since *time.Time
	if s := c.QueryParam("since"); s != "" {
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return h.respondError(c, apperr.Validation("invalid since timestamp, use RFC3339"))
		}
		since = &ts
	}

	msgs, err := h.store.List(c.Request().Context(), t.RequestID, since)
	if err != nil {
		return h.respondError(c, apperr.Internal(err, "failed to list messages"))
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "messages": msgs})
}

func (h *Handler) UnreadCount(c echo.Context) error {
	p, t, _, err := h.participant(c)
	if err != nil {
		return h.respondError(c, err)
	}
	n, err := h.store.Unread(c.Request().Context(), t.RequestID, p.UserID)
	if err != nil {
		return h.respondError(c, apperr.Internal(err, "failed to compute unread count"))
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "unread": n})
}

// MarkMessageRead - recipient marks a message as read
func (h *Handler) MarkMessageRead(c echo.Context) error {
	p, t, _, err := h.participant(c)
	if err != nil {
		return h.respondError(c, err)
	}
	msgID := c.Param("message_id")
	if _, err := uuid.Parse(msgID); err != nil {
		return h.respondError(c, apperr.NotFound("Message not found"))
	}

	at, err := h.store.MarkRead(c.Request().Context(), t.RequestID, msgID, p.UserID)
	if errors.Is(err, ErrNotFound) {
		return h.respondError(c, apperr.NotFound("Message not found"))
	}
	if err != nil {
		return h.respondError(c, apperr.Internal(err, "failed to mark read"))
	}

	readAt := at.UTC().Format(time.RFC3339)
	h.hub.emit(t.RequestID, wsEvent{Type: "message_read", Data: echo.Map{
		"message_id": msgID,
		"request_id": t.RequestID,
		"user_id":    p.UserID,
		"read_at":    readAt,
	}})
	return c.JSON(http.StatusOK, echo.Map{"success": true, "message_id": msgID, "read_at": readAt})
}

// Conversations - the caller's threads with their latest message
func (h *Handler) Conversations(c echo.Context) error {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		return h.respondError(c, apperr.Forbidden("unauthorized"))
	}
	convs, err := h.store.Conversations(c.Request().Context(), p.UserID)
	if err != nil {
		return h.respondError(c, apperr.Internal(err, "Failed to fetch conversations"))
	}
	if convs == nil {
		convs = []Conversation{}
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "conversations": convs, "count": len(convs)})
}

// UnreadCounts - unread messages and notifications for the caller
func (h *Handler) UnreadCounts(c echo.Context) error {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		return h.respondError(c, apperr.Forbidden("unauthorized"))
	}
	n, err := h.store.UnreadCounts(c.Request().Context(), p.UserID)
	if err != nil {
		return h.respondError(c, apperr.Internal(err, "failed to compute unread counts"))
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":              true,
		"unread_messages":      n.Messages,
		"unread_notifications": n.Notifications,
	})
}

// RequestWS - realtime messages and status changes for a request
func (h *Handler) RequestWS(c echo.Context) error {
	p, t, _, err := h.participant(c)
	if err != nil {
		return h.respondError(c, err)
	}
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	h.hub.serve(t.RequestID, p.UserID, conn)
	return nil
}
