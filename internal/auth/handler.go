package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"unicode"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/sudo-init-do/strathshare/internal/alerts"
)

// Handler serves signup, login and the caller's own account.
type Handler struct {
	store           Store
	emails          alerts.EmailQueue
	appURL          string
	emailDomain     string
	bootstrapSecret string
	log             *slog.Logger
}

type Option func(*Handler)

// WithWelcomeEmails queues a welcome email after each signup.
func WithWelcomeEmails(q alerts.EmailQueue, appURL string) Option {
	return func(h *Handler) { h.emails, h.appURL = q, appURL }
}

// WithEmailDomain restricts signups to one email domain, e.g. "strathmore.edu".
func WithEmailDomain(domain string) Option {
	return func(h *Handler) { h.emailDomain = strings.ToLower(strings.TrimPrefix(domain, "@")) }
}

func WithBootstrapSecret(secret string) Option {
	return func(h *Handler) { h.bootstrapSecret = secret }
}

func NewHandler(store Store, log *slog.Logger, opts ...Option) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{store: store, log: log}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register mounts public auth routes on pub, self-service routes on api
// and admin-only routes on admin.
func (h *Handler) Register(pub, api, admin *echo.Group) {
	pub.POST("/auth/signup", h.Signup)
	pub.POST("/auth/login", h.Login)
	pub.POST("/auth/bootstrap-admin", h.BootstrapAdmin)

	api.GET("/me", h.Me)
	api.POST("/me/password", h.ChangePassword)

	admin.POST("/users/:id/password", h.AdminResetPassword)
}

func fail(c echo.Context, status int, code, msg string) error {
	return c.JSON(status, echo.Map{"success": false, "message": msg, "error": code})
}

func (h *Handler) internal(c echo.Context, msg string, err error) error {
	h.log.Error(msg, "path", c.Path(), "error", err)
	return fail(c, http.StatusInternalServerError, "internal", msg)
}

// CheckPassword enforces the password policy.
func CheckPassword(pw string) error {
	if len(pw) < 6 {
		return errors.New("Password must be at least 6 characters")
	}
	var upper, lower, special bool
	for _, r := range pw {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case !unicode.IsDigit(r):
			special = true
		}
	}
	switch {
	case !upper:
		return errors.New("Password must contain an uppercase letter")
	case !lower:
		return errors.New("Password must contain a lowercase letter")
	case !special:
		return errors.New("Password must contain a special character")
	}
	return nil
}

func hashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

// titleCase turns "aDA" into "Ada".
func titleCase(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

type SignupRequest struct {
	FirstName string `json:"first_name" validate:"required,min=2,max=50"`
	LastName  string `json:"last_name" validate:"required,min=2,max=50"`
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required"`
}

type AuthResponse struct {
	Success bool    `json:"success"`
	Message string  `json:"message"`
	Token   string  `json:"token"`
	User    Account `json:"user"`
}

// ===== Signup =====
func (h *Handler) Signup(c echo.Context) error {
	req := new(SignupRequest)
	if err := c.Bind(req); err != nil {
		return fail(c, http.StatusBadRequest, "validation", "invalid request")
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if err := c.Validate(req); err != nil {
		return fail(c, http.StatusBadRequest, "validation", err.Error())
	}
	if h.emailDomain != "" && !strings.HasSuffix(req.Email, "@"+h.emailDomain) {
		return fail(c, http.StatusBadRequest, "validation", "Please use your @"+h.emailDomain+" email address")
	}
	if err := CheckPassword(req.Password); err != nil {
		return fail(c, http.StatusBadRequest, "validation", err.Error())
	}

	hashed, err := hashPassword(req.Password)
	if err != nil {
		return h.internal(c, "server error", err)
	}

	ctx := c.Request().Context()
	acct, err := h.store.Create(ctx, Account{
		FirstName:    titleCase(req.FirstName),
		LastName:     titleCase(req.LastName),
		Email:        req.Email,
		PasswordHash: hashed,
		Role:         RoleStudent,
	})
	if errors.Is(err, ErrEmailTaken) {
		return fail(c, http.StatusConflict, "conflict", "An account with this email already exists")
	}
	if err != nil {
		return h.internal(c, "Registration failed", err)
	}

	token, err := IssueToken(acct.ID, acct.Role, acct.Email)
	if err != nil {
		return h.internal(c, "token generation failed", err)
	}

	if h.emails != nil {
		if err := h.emails.Enqueue(context.WithoutCancel(ctx), alerts.WelcomeEmail(acct.Email, acct.FirstName, h.appURL)); err != nil {
			h.log.Warn("welcome email not queued", "user_id", acct.ID, "error", err)
		}
	}

	return c.JSON(http.StatusCreated, AuthResponse{
		Success: true,
		Message: "Account created successfully",
		Token:   token,
		User:    acct,
	})
}
