package marketplace

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sudo-init-do/strathshare/internal/mpesa"
)

// memStore is an in-memory Store. Units of work are serialised and run
// against a copy of the state that replaces it only on success.
type memStore struct {
	mu sync.Mutex
	st *memState
}

type memState struct {
	users        map[string]User
	skills       map[string]bool
	listings     map[string]Listing
	requests     map[string]Request
	transactions map[string]Transaction
	reviews      []Review
	parked       map[string]mpesa.CallbackResult
}

func newMemStore() *memStore {
	return &memStore{st: &memState{
		users:        map[string]User{},
		skills:       map[string]bool{},
		listings:     map[string]Listing{},
		requests:     map[string]Request{},
		transactions: map[string]Transaction{},
		parked:       map[string]mpesa.CallbackResult{},
	}}
}

func (s *memState) clone() *memState {
	c := &memState{
		users:        make(map[string]User, len(s.users)),
		skills:       make(map[string]bool, len(s.skills)),
		listings:     make(map[string]Listing, len(s.listings)),
		requests:     make(map[string]Request, len(s.requests)),
		transactions: make(map[string]Transaction, len(s.transactions)),
		reviews:      append([]Review(nil), s.reviews...),
		parked:       make(map[string]mpesa.CallbackResult, len(s.parked)),
	}
	for k, v := range s.parked {
		c.parked[k] = v
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.skills {
		c.skills[k] = v
	}
	for k, v := range s.listings {
		c.listings[k] = v
	}
	for k, v := range s.requests {
		c.requests[k] = v
	}
	for k, v := range s.transactions {
		c.transactions[k] = v
	}
	return c
}

func (m *memStore) InTx(ctx context.Context, fn func(q Queries) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	work := m.st.clone()
	if err := fn(&memQueries{st: work}); err != nil {
		return err
	}
	m.st = work
	return nil
}

func (m *memStore) Read(ctx context.Context, fn func(q Queries) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&memQueries{st: m.st})
}

// snapshot returns a copy of the committed state for assertions.
func (m *memStore) snapshot() *memState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.clone()
}

func (m *memStore) addUser(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.AccountStatus == "" {
		u.AccountStatus = AccountActive
	}
	m.st.users[u.ID] = u
}

func (m *memStore) addSkill(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.skills[id] = true
}

func (m *memStore) addListing(l Listing) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.listings[l.ID] = l
}

func (m *memStore) setRequest(r Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.requests[r.ID] = r
}

type memQueries struct {
	st *memState
}

func (q *memQueries) UserByID(_ context.Context, id string) (User, error) {
	u, ok := q.st.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (q *memQueries) SkillExists(_ context.Context, id string) (bool, error) {
	return q.st.skills[id], nil
}

func (q *memQueries) MarkSeeker(_ context.Context, userID string) error {
	u, ok := q.st.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.IsSeeker = true
	q.st.users[userID] = u
	return nil
}

func (q *memQueries) CloseAccount(_ context.Context, userID string, _ time.Time) error {
	u, ok := q.st.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.AccountStatus = AccountDeleted
	q.st.users[userID] = u
	for id, l := range q.st.listings {
		if l.ProviderID == userID {
			l.Status = "deleted"
			q.st.listings[id] = l
		}
	}
	return nil
}

func (q *memQueries) InsertRequest(_ context.Context, r Request) error {
	if _, ok := q.st.requests[r.ID]; ok {
		return ErrDuplicate
	}
	if (r.Status == StatusOpen) != (r.ProviderID == nil) {
		return errors.New("requests_open_unassigned violated")
	}
	q.st.requests[r.ID] = r
	return nil
}

func (q *memQueries) RequestByID(_ context.Context, id string) (Request, error) {
	r, ok := q.st.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return r, nil
}

func (q *memQueries) TransitionRequest(_ context.Context, t Transition) (bool, error) {
	r, ok := q.st.requests[t.RequestID]
	if !ok || !r.Status.in(t.From) {
		return false, nil
	}
	switch {
	case t.Assign:
		if r.ProviderID != nil {
			return false, nil
		}
		r.ProviderID = strPtr(t.Provider)
		at := t.At
		r.AssignedAt = &at
	case t.Provider != "":
		if r.Provider() != t.Provider {
			return false, nil
		}
	}
	if t.Seeker != "" && r.SeekerID != t.Seeker {
		return false, nil
	}
	if t.Start {
		at := t.At
		r.StartedAt = &at
	}
	r.Status = t.To
	r.UpdatedAt = t.At
	if (r.Status == StatusOpen) != (r.ProviderID == nil) {
		return false, errors.New("requests_open_unassigned violated")
	}
	q.st.requests[r.ID] = r
	return true, nil
}

func (q *memQueries) CancelOpenRequests(_ context.Context, seekerID string, at time.Time) ([]string, error) {
	var ids []string
	for id, r := range q.st.requests {
		if r.SeekerID == seekerID && r.Status == StatusOpen {
			r.Status = StatusCancelled
			r.UpdatedAt = at
			q.st.requests[id] = r
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (q *memQueries) ListRequests(_ context.Context, f RequestFilter) ([]Request, error) {
	var out []Request
	for _, r := range q.st.requests {
		if len(f.Status) > 0 && !r.Status.in(f.Status) {
			continue
		}
		if f.SkillID != "" && r.SkillID != f.SkillID {
			continue
		}
		if f.SeekerID != "" && r.SeekerID != f.SeekerID {
			continue
		}
		if f.ProviderID != "" && r.Provider() != f.ProviderID {
			continue
		}
		if f.Search != "" && !strings.Contains(strings.ToLower(r.Title+" "+r.Description), strings.ToLower(f.Search)) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, f.Limit, f.Offset), nil
}

func (q *memQueries) StuckRequests(_ context.Context, before time.Time, limit int) ([]Request, error) {
	var out []Request
	for _, r := range q.st.requests {
		if r.Status.in(abandonable) && r.UpdatedAt.Before(before) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return page(out, limit, 0), nil
}

func (q *memQueries) ListingByID(_ context.Context, id string) (ListingSummary, error) {
	l, ok := q.st.listings[id]
	if !ok || l.Status == "deleted" {
		return ListingSummary{}, ErrNotFound
	}
	u, ok := q.st.users[l.ProviderID]
	if !ok || u.AccountStatus == AccountDeleted {
		return ListingSummary{}, ErrNotFound
	}
	return ListingSummary{Listing: l, ProviderName: u.FullName(), ProviderRating: u.AverageRating}, nil
}

func (q *memQueries) InsertTransaction(_ context.Context, t Transaction) error {
	for _, x := range q.st.transactions {
		if x.RequestID == t.RequestID && x.Active() {
			return ErrDuplicate
		}
	}
	q.st.transactions[t.ID] = t
	return nil
}

func (q *memQueries) TransactionByID(_ context.Context, id string) (Transaction, error) {
	t, ok := q.st.transactions[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return t, nil
}

func (q *memQueries) TransactionByCheckoutID(_ context.Context, checkoutID string) (Transaction, error) {
	for _, t := range q.st.transactions {
		if t.CheckoutRequestID != nil && *t.CheckoutRequestID == checkoutID {
			return t, nil
		}
	}
	return Transaction{}, ErrNotFound
}

func (q *memQueries) ActiveTransaction(_ context.Context, requestID string) (Transaction, error) {
	for _, t := range q.st.transactions {
		if t.RequestID == requestID && t.Active() {
			return t, nil
		}
	}
	return Transaction{}, ErrNotFound
}

func (q *memQueries) TransitionTransaction(_ context.Context, tt TxTransition) (bool, error) {
	t, ok := q.st.transactions[tt.ID]
	if !ok {
		return false, nil
	}
	matched := false
	for _, s := range tt.From {
		if t.Status == s {
			matched = true
		}
	}
	if !matched {
		return false, nil
	}
	t.Status = tt.To
	if tt.Receipt != "" {
		t.GatewayReference = strPtr(tt.Receipt)
	}
	if tt.CheckoutID != "" {
		t.CheckoutRequestID = strPtr(tt.CheckoutID)
	}
	if tt.MerchantID != "" {
		t.MerchantRequestID = strPtr(tt.MerchantID)
	}
	if tt.FailureReason != "" {
		t.FailureReason = strPtr(tt.FailureReason)
	}
	if tt.To == TxCompleted {
		at := tt.At
		t.CompletedAt = &at
	}
	q.st.transactions[t.ID] = t
	return true, nil
}

func (q *memQueries) ListTransactions(_ context.Context, userID string, limit, offset int) ([]Transaction, error) {
	var out []Transaction
	for _, t := range q.st.transactions {
		if userID == "" || t.PayerID == userID || t.ReceiverID == userID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, limit, offset), nil
}

func (q *memQueries) StalePayments(_ context.Context, before time.Time, limit int) ([]Transaction, error) {
	var out []Transaction
	for _, t := range q.st.transactions {
		open := t.Status == TxPending || t.Status == TxProcessing
		if t.PaymentMethod == MethodMPesa && open && t.CreatedAt.Before(before) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return page(out, limit, 0), nil
}

// LockCheckout is a no-op: units of work are already serialised.
func (q *memQueries) LockCheckout(context.Context, string) error { return nil }

func (q *memQueries) ParkCallback(_ context.Context, cb mpesa.CallbackResult, _ time.Time) error {
	if _, ok := q.st.parked[cb.CheckoutRequestID]; !ok {
		q.st.parked[cb.CheckoutRequestID] = cb
	}
	return nil
}

func (q *memQueries) TakeParkedCallback(_ context.Context, checkoutID string) (mpesa.CallbackResult, error) {
	cb, ok := q.st.parked[checkoutID]
	if !ok {
		return mpesa.CallbackResult{}, ErrNotFound
	}
	delete(q.st.parked, checkoutID)
	return cb, nil
}

func (q *memQueries) ReviewExists(_ context.Context, transactionID, reviewerID string, typ ReviewType) (bool, error) {
	for _, r := range q.st.reviews {
		if r.TransactionID == transactionID && r.ReviewerID == reviewerID && r.Type == typ {
			return true, nil
		}
	}
	return false, nil
}

func (q *memQueries) InsertReview(ctx context.Context, r Review) error {
	if ok, _ := q.ReviewExists(ctx, r.TransactionID, r.ReviewerID, r.Type); ok {
		return ErrDuplicate
	}
	q.st.reviews = append(q.st.reviews, r)
	return nil
}

func (q *memQueries) RecomputeRating(_ context.Context, userID string) (decimal.Decimal, int, error) {
	u, ok := q.st.users[userID]
	if !ok {
		return decimal.Zero, 0, ErrNotFound
	}
	var ratings []int
	for _, r := range q.st.reviews {
		if r.RevieweeID == userID {
			ratings = append(ratings, r.Rating)
		}
	}
	u.AverageRating = AverageRating(ratings)
	u.TotalReviews = len(ratings)
	q.st.users[userID] = u
	return u.AverageRating, u.TotalReviews, nil
}

func (q *memQueries) ReviewsFor(_ context.Context, userID string, limit, offset int) ([]ReviewView, error) {
	var out []ReviewView
	for i := len(q.st.reviews) - 1; i >= 0; i-- {
		r := q.st.reviews[i]
		if r.RevieweeID != userID {
			continue
		}
		out = append(out, ReviewView{
			Review:       r,
			ReviewerName: q.st.users[r.ReviewerID].FullName(),
			RequestTitle: q.st.requests[r.RequestID].Title,
		})
	}
	return page(out, limit, offset), nil
}

func (q *memQueries) RatingBreakdown(_ context.Context, userID string) (map[int]int, error) {
	counts := map[int]int{}
	for _, r := range q.st.reviews {
		if r.RevieweeID == userID {
			counts[r.Rating]++
		}
	}
	return counts, nil
}

func (q *memQueries) ReviewsForTransaction(_ context.Context, transactionID string) ([]Review, error) {
	var out []Review
	for _, r := range q.st.reviews {
		if r.TransactionID == transactionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func page[T any](in []T, limit, offset int) []T {
	if offset >= len(in) {
		return nil
	}
	in = in[offset:]
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}

var errInjected = errors.New("injected failure")

// failingStore makes the named Queries methods fail inside units of work.
// Methods named in lose report a lost compare-and-set instead, as if another
// writer changed the row between the read and the update.
type failingStore struct {
	*memStore
	fail map[string]bool
	lose map[string]bool
}

func (f *failingStore) InTx(ctx context.Context, fn func(q Queries) error) error {
	return f.memStore.InTx(ctx, func(q Queries) error {
		return fn(&failingQueries{Queries: q, fail: f.fail, lose: f.lose})
	})
}

type failingQueries struct {
	Queries
	fail map[string]bool
	lose map[string]bool
}

func (q *failingQueries) TransitionRequest(ctx context.Context, t Transition) (bool, error) {
	switch {
	case q.fail["TransitionRequest"]:
		return false, errInjected
	case q.lose["TransitionRequest"]:
		return false, nil
	}
	return q.Queries.TransitionRequest(ctx, t)
}

func (q *failingQueries) TransitionTransaction(ctx context.Context, t TxTransition) (bool, error) {
	switch {
	case q.fail["TransitionTransaction"]:
		return false, errInjected
	case q.lose["TransitionTransaction"]:
		return false, nil
	}
	return q.Queries.TransitionTransaction(ctx, t)
}

func (q *failingQueries) RecomputeRating(ctx context.Context, userID string) (decimal.Decimal, int, error) {
	if q.fail["RecomputeRating"] {
		return decimal.Zero, 0, errInjected
	}
	return q.Queries.RecomputeRating(ctx, userID)
}
