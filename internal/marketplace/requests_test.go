package marketplace

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudo-init-do/strathshare/internal/alerts"
	"github.com/sudo-init-do/strathshare/internal/apperr"
	"github.com/sudo-init-do/strathshare/internal/auth"
)

func assertOpenIffUnassigned(t *testing.T, f *fixture) {
	t.Helper()
	for id, r := range f.store.snapshot().requests {
		assert.Equal(t, r.Status == StatusOpen, r.ProviderID == nil, "request %s in %s", id, r.Status)
	}
}

func TestStatusGraph(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusOpen, StatusAssigned, true},
		{StatusOpen, StatusCancelled, true},
		{StatusOpen, StatusInProgress, false},
		{StatusAssigned, StatusInProgress, true},
		{StatusAssigned, StatusAwaitingPayment, true},
		{StatusAssigned, StatusOpen, false},
		{StatusInProgress, StatusAwaitingPayment, true},
		{StatusInProgress, StatusAssigned, false},
		{StatusAwaitingPayment, StatusCompleted, true},
		{StatusAwaitingPayment, StatusCancelled, false},
		{StatusCompleted, StatusCancelled, false},
		{StatusCancelled, StatusOpen, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusAwaitingPayment.Terminal())
	assert.False(t, Status("archived").Valid())
}

func TestCreateOpenRequest(t *testing.T) {
	f := newFixture(t)
	budget := decimal.NewFromInt(500)
	in := validInput()
	in.Budget = &budget
	in.Deadline = "2025-06-01"

	r, msg, err := f.engine.Create(context.Background(), seeker, in)
	require.NoError(t, err)

	assert.Equal(t, "Request posted successfully", msg)
	assert.Equal(t, StatusOpen, r.Status)
	assert.Nil(t, r.ProviderID)
	assert.Equal(t, seekerID, r.SeekerID)
	require.NotNil(t, r.Deadline)
	assert.Equal(t, "2025-06-01", r.Deadline.Format("2006-01-02"))
	assert.True(t, r.Budget.Valid)

	snap := f.store.snapshot()
	assert.True(t, snap.users[seekerID].IsSeeker)
	assert.Contains(t, snap.requests, r.ID)
	assert.Empty(t, f.sink.notes)
}

func TestCreatePreassignedRequest(t *testing.T) {
	f := newFixture(t)
	in := validInput()
	in.ProviderID = providerID

	r, msg, err := f.engine.Create(context.Background(), seeker, in)
	require.NoError(t, err)

	assert.Equal(t, "Request sent to provider", msg)
	assert.Equal(t, StatusAssigned, r.Status)
	assert.Equal(t, providerID, r.Provider())
	assert.NotNil(t, r.AssignedAt)

	notes := f.sink.notesOfType(alerts.NotifyNewRequest)
	require.Len(t, notes, 1)
	assert.Equal(t, providerID, notes[0].UserID)
	assert.Equal(t, "New Service Request!", notes[0].Title)
	assertOpenIffUnassigned(t, f)
}

func TestCreateRejectsBadInput(t *testing.T) {
	neg := decimal.NewFromInt(-1)
	cases := []struct {
		name   string
		mutate func(*CreateInput)
		kind   apperr.Kind
	}{
		{"short title", func(in *CreateInput) { in.Title = "Help" }, apperr.KindValidation},
		{"long title", func(in *CreateInput) { in.Title = strings.Repeat("x", 101) }, apperr.KindValidation},
		{"short description", func(in *CreateInput) { in.Description = "too short" }, apperr.KindValidation},
		{"negative budget", func(in *CreateInput) { in.Budget = &neg }, apperr.KindValidation},
		{"bad deadline", func(in *CreateInput) { in.Deadline = "01/06/2025" }, apperr.KindValidation},
		{"unknown skill", func(in *CreateInput) { in.SkillID = "skill-none" }, apperr.KindValidation},
		{"own provider", func(in *CreateInput) { in.ProviderID = seekerID }, apperr.KindValidation},
		{"unknown provider", func(in *CreateInput) { in.ProviderID = "u-ghost" }, apperr.KindValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			in := validInput()
			tc.mutate(&in)
			_, _, err := f.engine.Create(context.Background(), seeker, in)
			require.Error(t, err)
			assert.Equal(t, tc.kind, apperr.KindOf(err))
			assert.Empty(t, f.store.snapshot().requests)
		})
	}
}

func TestCreateRequiresActiveAccounts(t *testing.T) {
	f := newFixture(t)
	f.store.addUser(User{ID: "u-suspended", FirstName: "Sus", AccountStatus: AccountSuspended})

	_, _, err := f.engine.Create(context.Background(), auth.Principal{UserID: "u-suspended"}, validInput())
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	in := validInput()
	in.ProviderID = "u-suspended"
	_, _, err = f.engine.Create(context.Background(), seeker, in)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Equal(t, "Invalid provider", apperr.Message(err))

	_, _, err = f.engine.Create(context.Background(), auth.Principal{}, validInput())
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestAccept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.open(t)

	_, err := f.engine.Accept(ctx, seeker, r.ID)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
	assert.Equal(t, "You cannot accept your own request", apperr.Message(err))

	got, err := f.engine.Accept(ctx, provider, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAssigned, got.Status)
	assert.Equal(t, providerID, got.Provider())

	stored := f.request(t, r.ID)
	assert.Equal(t, StatusAssigned, stored.Status)
	assert.NotNil(t, stored.AssignedAt)

	notes := f.sink.notesOfType(alerts.NotifyRequestAccepted)
	require.Len(t, notes, 1)
	assert.Equal(t, seekerID, notes[0].UserID)
	require.Len(t, f.sink.emails, 1)
	assert.Equal(t, alerts.TaskRequestAccepted, f.sink.emails[0].Task)
	assert.Equal(t, "sam@strath.ac.ke", f.sink.emails[0].Envelope.To)

	_, err = f.engine.Accept(ctx, other, r.ID)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	assert.Equal(t, "This request is no longer open", apperr.Message(err))

	_, err = f.engine.Accept(ctx, provider, "missing")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	assertOpenIffUnassigned(t, f)
}

func TestConcurrentAcceptHasOneWinner(t *testing.T) {
	f := newFixture(t)
	r := f.open(t)

	const n = 25
	for i := 0; i < n; i++ {
		f.store.addUser(User{ID: providerIDN(i), FirstName: "P"})
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []string
		conflicts int
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			p := auth.Principal{UserID: providerIDN(i), Role: auth.RoleStudent}
			_, err := f.engine.Accept(context.Background(), p, r.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, p.UserID)
			case apperr.IsKind(err, apperr.KindConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, n-1, conflicts)
	assert.Equal(t, winners[0], f.request(t, r.ID).Provider())
	assertOpenIffUnassigned(t, f)
}

func providerIDN(i int) string {
	return "u-provider-" + string(rune('a'+i))
}

func TestStartWork(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.open(t)

	_, err := f.engine.StartWork(ctx, provider, r.ID)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err), "nobody is assigned yet")

	_, err = f.engine.Accept(ctx, provider, r.ID)
	require.NoError(t, err)

	_, err = f.engine.StartWork(ctx, other, r.ID)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
	assert.Equal(t, "You are not assigned to this request", apperr.Message(err))

	got, err := f.engine.StartWork(ctx, provider, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)
	assert.NotNil(t, f.request(t, r.ID).StartedAt)
	assert.Len(t, f.sink.notesOfType(alerts.NotifySystem), 1)

	_, err = f.engine.StartWork(ctx, provider, r.ID)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	assert.Equal(t, "Request is not in assigned status. Current status: in_progress", apperr.Message(err))
}

func TestMarkCompleteOnlyFromAssignedOrInProgress(t *testing.T) {
	ctx := context.Background()

	t.Run("from assigned", func(t *testing.T) {
		f := newFixture(t)
		r := f.open(t)
		_, err := f.engine.Accept(ctx, provider, r.ID)
		require.NoError(t, err)

		got, err := f.engine.MarkComplete(ctx, provider, r.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusAwaitingPayment, got.Status)
		assert.Len(t, f.sink.notesOfType(alerts.NotifyRequestCompleted), 1)
	})

	t.Run("from in_progress", func(t *testing.T) {
		f := newFixture(t)
		r := f.awaitingPayment(t)
		assert.Equal(t, StatusAwaitingPayment, f.request(t, r.ID).Status)
	})

	for _, st := range []Status{StatusAwaitingPayment, StatusCompleted, StatusCancelled} {
		t.Run("from "+string(st), func(t *testing.T) {
			f := newFixture(t)
			r := f.open(t)
			r.Status = st
			r.ProviderID = strPtr(providerID)
			f.store.setRequest(r)

			_, err := f.engine.MarkComplete(ctx, provider, r.ID)
			assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
			assert.Equal(t, "Cannot complete request in current status: "+string(st), apperr.Message(err))
			assert.Equal(t, st, f.request(t, r.ID).Status)
		})
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.open(t)

	_, err := f.engine.Cancel(ctx, provider, r.ID)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	got, err := f.engine.Cancel(ctx, seeker, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	_, err = f.engine.Cancel(ctx, seeker, r.ID)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	_, err = f.engine.Accept(ctx, provider, r.ID)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	assigned := f.open(t)
	_, err = f.engine.Accept(ctx, provider, assigned.ID)
	require.NoError(t, err)
	_, err = f.engine.Cancel(ctx, seeker, assigned.ID)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	assertOpenIffUnassigned(t, f)
}

func TestGetVisibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.open(t)

	_, err := f.engine.Get(ctx, other, r.ID)
	assert.NoError(t, err, "open requests are browsable")

	_, err = f.engine.Accept(ctx, provider, r.ID)
	require.NoError(t, err)

	_, err = f.engine.Get(ctx, other, r.ID)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
	_, err = f.engine.Get(ctx, provider, r.ID)
	assert.NoError(t, err)
	_, err = f.engine.Get(ctx, admin, r.ID)
	assert.NoError(t, err)
}

func TestBrowseAndMine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t)
	b := f.open(t)
	_, err := f.engine.Accept(ctx, provider, b.ID)
	require.NoError(t, err)

	open, err := f.engine.Browse(ctx, RequestFilter{})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, a.ID, open[0].ID)

	mine, err := f.engine.Mine(ctx, seeker, "seeker", RequestFilter{})
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	assigned, err := f.engine.Mine(ctx, provider, "provider", RequestFilter{})
	require.NoError(t, err)
	require.Len(t, assigned, 1)
	assert.Equal(t, b.ID, assigned[0].ID)

	_, err = f.engine.Mine(ctx, seeker, "owner", RequestFilter{})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = f.engine.ListAll(ctx, seeker, RequestFilter{})
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
	all, err := f.engine.ListAll(ctx, admin, RequestFilter{Status: []Status{StatusAssigned}})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSinkFailureDoesNotFailTransition(t *testing.T) {
	f := newFixture(t)
	f.sink.err = assert.AnError
	r := f.open(t)

	_, err := f.engine.Accept(context.Background(), provider, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAssigned, f.request(t, r.ID).Status)
}

// A compare-and-set that loses to a concurrent writer after the pre-read
// must surface a conflict and leave the request untouched.
func TestLostTransitionIsConflict(t *testing.T) {
	cases := []struct {
		name   string
		setup  func(t *testing.T, f *fixture) Request
		act    func(ctx context.Context, f *fixture, id string) error
		msg    string
		status Status
	}{
		{
			name:  "accept",
			setup: func(t *testing.T, f *fixture) Request { return f.open(t) },
			act: func(ctx context.Context, f *fixture, id string) error {
				_, err := f.engine.Accept(ctx, provider, id)
				return err
			},
			msg:    "Failed to accept request. It may have already been taken.",
			status: StatusOpen,
		},
		{
			name: "start work",
			setup: func(t *testing.T, f *fixture) Request {
				r := f.open(t)
				_, err := f.engine.Accept(context.Background(), provider, r.ID)
				require.NoError(t, err)
				return r
			},
			act: func(ctx context.Context, f *fixture, id string) error {
				_, err := f.engine.StartWork(ctx, provider, id)
				return err
			},
			msg:    "Request status changed. Please refresh and try again.",
			status: StatusAssigned,
		},
		{
			name: "mark complete",
			setup: func(t *testing.T, f *fixture) Request {
				r := f.open(t)
				_, err := f.engine.Accept(context.Background(), provider, r.ID)
				require.NoError(t, err)
				return r
			},
			act: func(ctx context.Context, f *fixture, id string) error {
				_, err := f.engine.MarkComplete(ctx, provider, id)
				return err
			},
			msg:    "Request status changed. Please refresh and try again.",
			status: StatusAssigned,
		},
		{
			name:  "cancel",
			setup: func(t *testing.T, f *fixture) Request { return f.open(t) },
			act: func(ctx context.Context, f *fixture, id string) error {
				_, err := f.engine.Cancel(ctx, seeker, id)
				return err
			},
			msg:    "This request is no longer open",
			status: StatusOpen,
		},
		{
			name:  "settle on payment",
			setup: func(t *testing.T, f *fixture) Request { return f.awaitingPayment(t) },
			act: func(ctx context.Context, f *fixture, id string) error {
				_, err := f.engine.Pay(ctx, seeker, id, payInput(500))
				return err
			},
			msg:    "Request is not awaiting payment",
			status: StatusAwaitingPayment,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mem := newMemStore()
			fs := &failingStore{memStore: mem, lose: map[string]bool{}}
			f := newFixtureWithStore(t, mem, fs)
			r := tc.setup(t, f)
			f.sink.reset()

			fs.lose["TransitionRequest"] = true
			err := tc.act(context.Background(), f, r.ID)
			require.Error(t, err)
			assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
			assert.Equal(t, tc.msg, apperr.Message(err))

			assert.Equal(t, tc.status, f.request(t, r.ID).Status)
			assert.Empty(t, f.transactionsFor(r.ID))
			assert.Empty(t, f.sink.notes)
			assert.Empty(t, f.sink.events)
		})
	}
}
