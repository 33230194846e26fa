package marketplace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sudo-init-do/strathshare/internal/alerts"
	"github.com/sudo-init-do/strathshare/internal/apperr"
	"github.com/sudo-init-do/strathshare/internal/auth"
)

// CreateInput is the payload of a new request. ProviderID, when set, sends
// the request straight to that provider.
type CreateInput struct {
	SkillID     string           `json:"skill_id" validate:"required"`
	Title       string           `json:"title" validate:"required"`
	Description string           `json:"description" validate:"required"`
	Budget      *decimal.Decimal `json:"budget"`
	Deadline    string           `json:"deadline"`
	ProviderID  string           `json:"provider_id"`
}

func (in CreateInput) validate() (title, desc string, deadline *time.Time, err error) {
	title = strings.TrimSpace(in.Title)
	desc = strings.TrimSpace(in.Description)
	if n := utf8.RuneCountInString(title); n < 5 || n > 100 {
		return "", "", nil, apperr.Validation("Title must be between 5 and 100 characters")
	}
	if utf8.RuneCountInString(desc) < 10 {
		return "", "", nil, apperr.Validation("Description must be at least 10 characters")
	}
	if in.Budget != nil && in.Budget.IsNegative() {
		return "", "", nil, apperr.Validation("Budget cannot be negative")
	}
	if strings.TrimSpace(in.SkillID) == "" {
		return "", "", nil, apperr.Validation("Invalid skill")
	}
	if d := strings.TrimSpace(in.Deadline); d != "" {
		t, perr := time.Parse("2006-01-02", d)
		if perr != nil {
			return "", "", nil, apperr.Validation("Invalid deadline format. Use YYYY-MM-DD")
		}
		deadline = &t
	}
	return title, desc, deadline, nil
}

// Create posts a request for the principal. With a provider it starts
// assigned, otherwise open.
func (e *Engine) Create(ctx context.Context, p auth.Principal, in CreateInput) (req Request, msg string, err error) {
	ctx, span := e.span(ctx, "Create", attribute.String("user_id", p.UserID))
	defer func() { endSpan(span, err) }()

	if err := requirePrincipal(p); err != nil {
		return Request{}, "", err
	}
	title, desc, deadline, err := in.validate()
	if err != nil {
		return Request{}, "", err
	}

	now := e.now()
	req = Request{
		ID:          uuid.NewString(),
		SeekerID:    p.UserID,
		SkillID:     strings.TrimSpace(in.SkillID),
		Title:       title,
		Description: desc,
		Deadline:    deadline,
		Status:      StatusOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if in.Budget != nil {
		req.Budget = decimal.NewNullDecimal(*in.Budget)
	}

	var ob outbox
	err = e.store.InTx(ctx, func(q Queries) error {
		seeker, err := loadUser(ctx, q, p.UserID)
		if errors.Is(err, ErrNotFound) {
			return apperr.Forbidden("Account not found")
		}
		if err != nil {
			return err
		}
		if !seeker.Active() {
			return apperr.Forbidden("Your account is not active")
		}

		ok, err := q.SkillExists(ctx, req.SkillID)
		if err != nil {
			return apperr.Internal(err, "failed to check skill")
		}
		if !ok {
			return apperr.Validation("Invalid skill")
		}

		if pid := strings.TrimSpace(in.ProviderID); pid != "" {
			if pid == p.UserID {
				return apperr.Validation("You cannot request your own service")
			}
			provider, err := loadUser(ctx, q, pid)
			if errors.Is(err, ErrNotFound) || (err == nil && !provider.Active()) {
				return apperr.Validation("Invalid provider")
			}
			if err != nil {
				return err
			}
			req.ProviderID = strPtr(pid)
			req.Status = StatusAssigned
			req.AssignedAt = &now

			ob.notify(alerts.Notification{
				UserID:        pid,
				Type:          alerts.NotifyNewRequest,
				Title:         "New Service Request!",
				Message:       fmt.Sprintf("%s sent you a request: %s", seeker.FullName(), title),
				ReferenceID:   req.ID,
				ReferenceType: "request",
			})
		}

		if err := q.InsertRequest(ctx, req); err != nil {
			return apperr.Internal(err, "failed to create request")
		}
		if err := q.MarkSeeker(ctx, p.UserID); err != nil {
			return apperr.Internal(err, "failed to update seeker")
		}
		return nil
	})
	if err != nil {
		return Request{}, "", internal(err, "failed to create request")
	}

	ob.event("request.created", req.ID, map[string]any{"status": req.Status, "seeker_id": req.SeekerID})
	e.flush(ctx, &ob)

	msg = "Request posted successfully"
	if req.Status == StatusAssigned {
		msg = "Request sent to provider"
	}
	return req, msg, nil
}

// Accept assigns an open request to the principal. Of any number of
// concurrent accepts exactly one succeeds.
func (e *Engine) Accept(ctx context.Context, p auth.Principal, requestID string) (req Request, err error) {
	ctx, span := e.span(ctx, "Accept", attribute.String("request_id", requestID))
	defer func() { endSpan(span, err) }()

	if err := requirePrincipal(p); err != nil {
		return Request{}, err
	}

	var ob outbox
	err = e.store.InTx(ctx, func(q Queries) error {
		r, err := loadRequest(ctx, q, requestID)
		if err != nil {
			return err
		}
		if r.Status != StatusOpen {
			return apperr.Conflict("This request is no longer open")
		}
		if r.SeekerID == p.UserID {
			return apperr.Forbidden("You cannot accept your own request")
		}
		provider, err := loadUser(ctx, q, p.UserID)
		if errors.Is(err, ErrNotFound) || (err == nil && !provider.Active()) {
			return apperr.Forbidden("Your account is not active")
		}
		if err != nil {
			return err
		}

		now := e.now()
		ok, err := q.TransitionRequest(ctx, Transition{
			RequestID: r.ID,
			From:      []Status{StatusOpen},
			To:        StatusAssigned,
			Provider:  p.UserID,
			Assign:    true,
			At:        now,
		})
		if err != nil {
			return apperr.Internal(err, "failed to accept request")
		}
		if !ok {
			return apperr.Conflict("Failed to accept request. It may have already been taken.")
		}
		r.Status = StatusAssigned
		r.ProviderID = strPtr(p.UserID)
		r.AssignedAt = &now
		r.UpdatedAt = now
		req = r

		seeker, err := loadUser(ctx, q, r.SeekerID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		ob.notify(alerts.Notification{
			UserID:        r.SeekerID,
			Type:          alerts.NotifyRequestAccepted,
			Title:         "Request Accepted!",
			Message:       fmt.Sprintf("%s has accepted your request: %s", provider.FullName(), r.Title),
			ReferenceID:   r.ID,
			ReferenceType: "request",
		})
		ob.email(alerts.RequestAcceptedEmail(r.ID, seeker.Email, seeker.FirstName, provider.FullName(), r.Title))
		return nil
	})
	if err != nil {
		return Request{}, internal(err, "failed to accept request")
	}

	ob.event("request.accepted", req.ID, map[string]any{"status": req.Status, "provider_id": p.UserID})
	e.flush(ctx, &ob)
	return req, nil
}

// StartWork moves an assigned request into progress.
func (e *Engine) StartWork(ctx context.Context, p auth.Principal, requestID string) (req Request, err error) {
	ctx, span := e.span(ctx, "StartWork", attribute.String("request_id", requestID))
	defer func() { endSpan(span, err) }()

	return e.providerStep(ctx, p, requestID, []Status{StatusAssigned}, StatusInProgress,
		func(r Request) error {
			return apperr.Conflict("Request is not in assigned status. Current status: %s", r.Status)
		},
		func(r Request, provider User) alerts.Notification {
			return alerts.Notification{
				UserID:        r.SeekerID,
				Type:          alerts.NotifySystem,
				Title:         "Work Started",
				Message:       fmt.Sprintf("%s has started working on: %s", provider.FullName(), r.Title),
				ReferenceID:   r.ID,
				ReferenceType: "request",
			}
		})
}

// MarkComplete hands an assigned or in-progress request to the seeker for payment.
func (e *Engine) MarkComplete(ctx context.Context, p auth.Principal, requestID string) (req Request, err error) {
	ctx, span := e.span(ctx, "MarkComplete", attribute.String("request_id", requestID))
	defer func() { endSpan(span, err) }()

	return e.providerStep(ctx, p, requestID, []Status{StatusAssigned, StatusInProgress}, StatusAwaitingPayment,
		func(r Request) error {
			return apperr.Conflict("Cannot complete request in current status: %s", r.Status)
		},
		func(r Request, provider User) alerts.Notification {
			return alerts.Notification{
				UserID:        r.SeekerID,
				Type:          alerts.NotifyRequestCompleted,
				Title:         "Work Completed!",
				Message:       fmt.Sprintf("%s has marked %q as complete. Please confirm and make payment.", provider.FullName(), r.Title),
				ReferenceID:   r.ID,
				ReferenceType: "request",
			}
		})
}

// providerStep is a transition only the assigned provider may make.
func (e *Engine) providerStep(
	ctx context.Context,
	p auth.Principal,
	requestID string,
	from []Status,
	to Status,
	wrongStatus func(Request) error,
	note func(Request, User) alerts.Notification,
) (Request, error) {
	if err := requirePrincipal(p); err != nil {
		return Request{}, err
	}

	var (
		ob  outbox
		req Request
	)
	err := e.store.InTx(ctx, func(q Queries) error {
		r, err := loadRequest(ctx, q, requestID)
		if err != nil {
			return err
		}
		if r.Provider() != p.UserID {
			return apperr.Forbidden("You are not assigned to this request")
		}
		if !r.Status.in(from) {
			return wrongStatus(r)
		}

		now := e.now()
		ok, err := q.TransitionRequest(ctx, Transition{
			RequestID: r.ID,
			From:      from,
			To:        to,
			Provider:  p.UserID,
			Start:     to == StatusInProgress,
			At:        now,
		})
		if err != nil {
			return apperr.Internal(err, "failed to update request")
		}
		if !ok {
			return apperr.Conflict("Request status changed. Please refresh and try again.")
		}
		r.Status = to
		r.UpdatedAt = now
		if to == StatusInProgress {
			r.StartedAt = &now
		}
		req = r

		provider, err := loadUser(ctx, q, p.UserID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		ob.notify(note(r, provider))
		return nil
	})
	if err != nil {
		return Request{}, internal(err, "failed to update request")
	}

	ob.event("request."+string(to), req.ID, map[string]any{"status": to})
	e.flush(ctx, &ob)
	return req, nil
}

// Cancel withdraws an open request. Only its seeker may do so.
func (e *Engine) Cancel(ctx context.Context, p auth.Principal, requestID string) (req Request, err error) {
	ctx, span := e.span(ctx, "Cancel", attribute.String("request_id", requestID))
	defer func() { endSpan(span, err) }()

	if err := requirePrincipal(p); err != nil {
		return Request{}, err
	}
	err = e.store.InTx(ctx, func(q Queries) error {
		r, err := loadRequest(ctx, q, requestID)
		if err != nil {
			return err
		}
		if r.SeekerID != p.UserID {
			return apperr.Forbidden("Only the seeker can cancel this request")
		}
		if r.Status != StatusOpen {
			return apperr.Conflict("Only open requests can be cancelled. Current status: %s", r.Status)
		}
		now := e.now()
		ok, err := q.TransitionRequest(ctx, Transition{
			RequestID: r.ID,
			From:      []Status{StatusOpen},
			To:        StatusCancelled,
			Seeker:    p.UserID,
			At:        now,
		})
		if err != nil {
			return apperr.Internal(err, "failed to cancel request")
		}
		if !ok {
			return apperr.Conflict("This request is no longer open")
		}
		r.Status = StatusCancelled
		r.UpdatedAt = now
		req = r
		return nil
	})
	if err != nil {
		return Request{}, internal(err, "failed to cancel request")
	}

	e.flush(ctx, &outbox{events: []alerts.Event{{Key: "request.cancelled", RequestID: req.ID}}})
	return req, nil
}

// Get returns a request to its participants and admins. Open requests are
// browsable by anyone signed in.
func (e *Engine) Get(ctx context.Context, p auth.Principal, requestID string) (Request, error) {
	var r Request
	err := e.store.Read(ctx, func(q Queries) error {
		var err error
		r, err = loadRequest(ctx, q, requestID)
		return err
	})
	if err != nil {
		return Request{}, internal(err, "failed to load request")
	}
	if r.Status != StatusOpen && !r.IsParticipant(p.UserID) && !p.IsAdmin() {
		return Request{}, apperr.Forbidden("You do not have access to this request")
	}
	return r, nil
}

// Browse lists open requests, newest first.
func (e *Engine) Browse(ctx context.Context, f RequestFilter) ([]Request, error) {
	f.Status = []Status{StatusOpen}
	f.SeekerID, f.ProviderID = "", ""
	return e.list(ctx, f)
}

// Mine lists the principal's requests as seeker or provider.
func (e *Engine) Mine(ctx context.Context, p auth.Principal, role string, f RequestFilter) ([]Request, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	switch role {
	case "", "seeker":
		f.SeekerID, f.ProviderID = p.UserID, ""
	case "provider":
		f.SeekerID, f.ProviderID = "", p.UserID
	default:
		return nil, apperr.Validation("role must be seeker or provider")
	}
	return e.list(ctx, f)
}

// ListAll is the admin view over every request.
func (e *Engine) ListAll(ctx context.Context, p auth.Principal, f RequestFilter) ([]Request, error) {
	if !p.IsAdmin() {
		return nil, apperr.Forbidden("Admin access required")
	}
	return e.list(ctx, f)
}

func (e *Engine) list(ctx context.Context, f RequestFilter) ([]Request, error) {
	for _, s := range f.Status {
		if !s.Valid() {
			return nil, apperr.Validation("invalid status %q", s)
		}
	}
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 20
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	var out []Request
	err := e.store.Read(ctx, func(q Queries) error {
		var err error
		out, err = q.ListRequests(ctx, f)
		return err
	})
	if err != nil {
		return nil, apperr.Internal(err, "failed to list requests")
	}
	if out == nil {
		out = []Request{}
	}
	return out, nil
}
