package marketplace

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/sudo-init-do/strathshare/internal/alerts"
	"github.com/sudo-init-do/strathshare/internal/auth"
	"github.com/sudo-init-do/strathshare/internal/mpesa"
)

const (
	skillID    = "skill-tutoring"
	seekerID   = "u-seeker"
	providerID = "u-provider"
	otherID    = "u-other"
	adminID    = "u-admin"
)

var (
	seeker   = auth.Principal{UserID: seekerID, Role: auth.RoleStudent}
	provider = auth.Principal{UserID: providerID, Role: auth.RoleStudent}
	other    = auth.Principal{UserID: otherID, Role: auth.RoleStudent}
	admin    = auth.Principal{UserID: adminID, Role: auth.RoleAdmin}
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingSink captures dispatched side effects.
type recordingSink struct {
	mu     sync.Mutex
	notes  []alerts.Notification
	emails []alerts.Email
	events []alerts.Event
	err    error
}

func (s *recordingSink) Notify(_ context.Context, n alerts.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = append(s.notes, n)
	return s.err
}

func (s *recordingSink) Email(_ context.Context, e alerts.Email) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emails = append(s.emails, e)
	return s.err
}

func (s *recordingSink) Publish(_ context.Context, ev alerts.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) notesOfType(typ string) []alerts.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []alerts.Notification
	for _, n := range s.notes {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

func (s *recordingSink) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes, s.emails, s.events = nil, nil, nil
}

type fixture struct {
	store  *memStore
	sink   *recordingSink
	clock  *clock
	engine *Engine
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	st := newMemStore()
	return newFixtureWithStore(t, st, st, opts...)
}

func newFixtureWithStore(t *testing.T, mem *memStore, store Store, opts ...Option) *fixture {
	t.Helper()
	mem.addSkill(skillID)
	mem.addUser(User{ID: seekerID, FirstName: "Sam", LastName: "Seeker", Email: "sam@strath.ac.ke"})
	mem.addUser(User{ID: providerID, FirstName: "Pat", LastName: "Provider", Email: "pat@strath.ac.ke"})
	mem.addUser(User{ID: otherID, FirstName: "Olu", LastName: "Other", Email: "olu@strath.ac.ke"})
	mem.addUser(User{ID: adminID, FirstName: "Ada", LastName: "Admin", Email: "ada@strath.ac.ke"})

	clk := &clock{now: time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)}
	sink := &recordingSink{}
	base := []Option{WithClock(clk.Now), WithLogger(quietLogger())}
	return &fixture{
		store:  mem,
		sink:   sink,
		clock:  clk,
		engine: NewEngine(store, sink, append(base, opts...)...),
	}
}

func validInput() CreateInput {
	return CreateInput{
		SkillID:     skillID,
		Title:       "Help with calculus",
		Description: "Need help preparing for the MTH 2101 exam",
	}
}

func (f *fixture) open(t *testing.T) Request {
	t.Helper()
	r, _, err := f.engine.Create(context.Background(), seeker, validInput())
	require.NoError(t, err)
	return r
}

// awaitingPayment drives a fresh request to awaiting_payment.
func (f *fixture) awaitingPayment(t *testing.T) Request {
	t.Helper()
	ctx := context.Background()
	r := f.open(t)
	_, err := f.engine.Accept(ctx, provider, r.ID)
	require.NoError(t, err)
	_, err = f.engine.StartWork(ctx, provider, r.ID)
	require.NoError(t, err)
	r, err = f.engine.MarkComplete(ctx, provider, r.ID)
	require.NoError(t, err)
	return r
}

// paid drives a fresh request through a demo payment.
func (f *fixture) paid(t *testing.T, amount int64) (Request, PayResult) {
	t.Helper()
	r := f.awaitingPayment(t)
	res, err := f.engine.Pay(context.Background(), seeker, r.ID, PayInput{
		Amount:      decimal.NewFromInt(amount),
		PhoneNumber: "0712345678",
	})
	require.NoError(t, err)
	return r, res
}

func (f *fixture) request(t *testing.T, id string) Request {
	t.Helper()
	r, ok := f.store.snapshot().requests[id]
	require.True(t, ok, "request %s", id)
	return r
}

func (f *fixture) transactionsFor(requestID string) []Transaction {
	var out []Transaction
	for _, t := range f.store.snapshot().transactions {
		if t.RequestID == requestID {
			out = append(out, t)
		}
	}
	return out
}

// fakeGateway answers STK pushes from a script.
type fakeGateway struct {
	mu    sync.Mutex
	calls []mpesa.STKRequest
	resp  mpesa.STKResponse
	err   error
	block bool
	// onPush runs before the response is returned, like a callback that
	// reaches us before the push call does.
	onPush func(resp mpesa.STKResponse)
}

func (g *fakeGateway) STKPush(ctx context.Context, in mpesa.STKRequest) (mpesa.STKResponse, error) {
	g.mu.Lock()
	g.calls = append(g.calls, in)
	resp, err, block, onPush := g.resp, g.err, g.block, g.onPush
	g.mu.Unlock()
	if block {
		<-ctx.Done()
		return mpesa.STKResponse{}, ctx.Err()
	}
	if onPush != nil {
		onPush(resp)
	}
	return resp, err
}
