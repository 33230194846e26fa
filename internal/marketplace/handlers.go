package marketplace

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/sudo-init-do/strathshare/internal/apperr"
	"github.com/sudo-init-do/strathshare/internal/auth"
	"github.com/sudo-init-do/strathshare/internal/mpesa"
)

// Handler exposes the engine over HTTP.
type Handler struct {
	engine *Engine
	log    *slog.Logger
}

func NewHandler(engine *Engine, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{engine: engine, log: log}
}

// respondError renders err with its status. Internal causes are logged,
// never returned.
func (h *Handler) respondError(c echo.Context, err error) error {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed",
			"method", c.Request().Method,
			"path", c.Path(),
			"kind", apperr.KindOf(err),
			"error", err)
	}
	return c.JSON(status, echo.Map{
		"success": false,
		"message": apperr.Message(err),
		"error":   string(apperr.KindOf(err)),
	})
}

func unauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, echo.Map{"success": false, "message": "unauthorized", "error": "unauthorized"})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, echo.Map{"success": false, "message": msg, "error": string(apperr.KindValidation)})
}

func pagination(c echo.Context) (limit, offset int) {
	limit = 20
	if l := c.QueryParam("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 100 {
			limit = v
		}
	}
	if o := c.QueryParam("offset"); o != "" {
		if v, err := strconv.Atoi(o); err == nil && v >= 0 {
			offset = v
		}
	}
	return limit, offset
}

// =========================
// CreateRequest - Seeker posts a request
// =========================
func (h *Handler) CreateRequest(c echo.Context) error {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		return unauthorized(c)
	}

	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return badRequest(c, "invalid request")
	}
	if err := c.Validate(&in); err != nil {
		return badRequest(c, err.Error())
	}

	r, msg, err := h.engine.Create(c.Request().Context(), p, in)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{
		"success": true,
		"message": msg,
		"request": r,
	})
}

// =========================
// AcceptRequest - Provider takes an open request
// =========================
func (h *Handler) AcceptRequest(c echo.Context) error {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		return unauthorized(c)
	}
	r, err := h.engine.Accept(c.Request().Context(), p, c.Param("id"))
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":    true,
		"message":    "Request accepted successfully",
		"new_status": r.Status,
	})
}

// =========================
// StartRequest - Provider begins work
// =========================
func (h *Handler) StartRequest(c echo.Context) error {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		return unauthorized(c)
	}
	r, err := h.engine.StartWork(c.Request().Context(), p, c.Param("id"))
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":    true,
		"message":    "Work started",
		"new_status": r.Status,
	})
}

// =========================
// CompleteRequest - Provider hands over for payment
// =========================
func (h *Handler) CompleteRequest(c echo.Context) error {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		return unauthorized(c)
	}
	r, err := h.engine.MarkComplete(c.Request().Context(), p, c.Param("id"))
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":    true,
		"message":    "Request marked as complete. Waiting for seeker to confirm and pay.",
		"new_status": r.Status,
	})
}

// =========================
// CancelRequest - Seeker withdraws an open request
// =========================
func (h *Handler) CancelRequest(c echo.Context) error {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		return unauthorized(c)
	}
	r, err := h.engine.Cancel(c.Request().Context(), p, c.Param("id"))
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":    true,
		"message":    "Request cancelled",
		"new_status": r.Status,
	})
}

// GetRequest returns one request
func (h *Handler) GetRequest(c echo.Context) error {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		return unauthorized(c)
	}
	r, err := h.engine.Get(c.Request().Context(), p, c.Param("id"))
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "request": r})
}

// BrowseRequests lists open requests, optionally by skill or search text
func (h *Handler) BrowseRequests(c echo.Context) error {
	limit, offset := pagination(c)
	out, err := h.engine.Browse(c.Request().Context(), RequestFilter{
		SkillID: c.QueryParam("skill_id"),
		Search:  c.QueryParam("q"),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "requests": out})
}

// MyRequests lists the caller's requests as seeker (default) or provider
func (h *Handler) MyRequests(c echo.Context) error {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		return unauthorized(c)
	}
	limit, offset := pagination(c)
	f := RequestFilter{Limit: limit, Offset: offset}
	if s := c.QueryParam("status"); s != "" {
		f.Status = []Status{Status(s)}
	}
	out, err := h.engine.Mine(c.Request().Context(), p, c.QueryParam("role"), f)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "requests": out})
}

// AdminListRequests lists every request, optionally filtered by status
func (h *Handler) AdminListRequests(c echo.Context) error {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		return unauthorized(c)
	}
	limit, offset := pagination(c)
	f := RequestFilter{Limit: limit, Offset: offset, Search: c.QueryParam("q")}
	if s := c.QueryParam("status"); s != "" {
		f.Status = []Status{Status(s)}
	}
	out, err := h.engine.ListAll(c.Request().Context(), p, f)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "requests": out})
}

// =========================
// PayRequest - Seeker pays for completed work
// =========================
func (h *Handler) PayRequest(c echo.Context) error {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		return unauthorized(c)
	}

	var in PayInput
	if err := c.Bind(&in); err != nil {
		return badRequest(c, "invalid request")
	}

	res, err := h.engine.Pay(c.Request().Context(), p, c.Param("id"), in)
	if err != nil {
		return h.respondError(c, err)
	}

	body := echo.Map{
		"success":        true,
		"message":        res.Message,
		"transaction_id": res.TransactionID,
		"status":         res.Status,
		"demo_mode":      res.DemoMode,
		"amount":         res.Amount.StringFixed(2),
		"phone":          res.Phone,
	}
	if res.Receipt != "" {
		body["receipt"] = res.Receipt
	}
	if res.CheckoutID != "" {
		body["checkout_id"] = res.CheckoutID
	}
	return c.JSON(http.StatusOK, body)
}

// MPesaCallback receives STK push results from Daraja. The gateway only
// needs an acknowledgement; processing errors are logged.
func (h *Handler) MPesaCallback(c echo.Context) error {
	ack := echo.Map{"ResultCode": 0, "ResultDesc": "Accepted"}

	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, 64<<10))
	if err != nil {
		h.log.Warn("mpesa callback unreadable", "error", err)
		return c.JSON(http.StatusOK, ack)
	}
	cb, err := mpesa.ParseCallback(raw)
	if err != nil {
		h.log.Warn("mpesa callback malformed", "error", err)
		return c.JSON(http.StatusOK, ack)
	}

	h.log.Info("mpesa callback",
		"checkout_id", cb.CheckoutRequestID,
		"result_code", cb.ResultCode,
		"result_desc", cb.ResultDesc)
	if err := h.engine.HandleCallback(c.Request().Context(), cb); err != nil {
		h.log.Error("mpesa callback processing failed", "checkout_id", cb.CheckoutRequestID, "error", err)
	}
	return c.JSON(http.StatusOK, ack)
}

// MyTransactions lists payments the caller made or received
func (h *Handler) MyTransactions(c echo.Context) error {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		return unauthorized(c)
	}
	limit, offset := pagination(c)
	out, err := h.engine.MyTransactions(c.Request().Context(), p, limit, offset)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "transactions": out})
}

// AdminListTransactions is the admin payment ledger
func (h *Handler) AdminListTransactions(c echo.Context) error {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		return unauthorized(c)
	}
	limit, offset := pagination(c)
	out, err := h.engine.AllTransactions(c.Request().Context(), p, limit, offset)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "transactions": out})
}
