package customization

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tourmatch/account"
	"tourmatch/ledger"
	"tourmatch/notify"
	"tourmatch/partner"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentNotification struct {
	AccountID string
	Kind      notify.Kind
	Payload   map[string]any
}

type recordingSink struct {
	mu   sync.Mutex
	sent []sentNotification
	err  error
}

func (s *recordingSink) Notify(_ context.Context, accountID string, kind notify.Kind, payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentNotification{AccountID: accountID, Kind: kind, Payload: payload})
	return s.err
}

func (s *recordingSink) sentTo(accountID string, kind notify.Kind) []sentNotification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentNotification
	for _, n := range s.sent {
		if n.AccountID == accountID && n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

func (s *recordingSink) count(kind notify.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sent := range s.sent {
		if sent.Kind == kind {
			n++
		}
	}
	return n
}

func (s *recordingSink) reset() {
	s.mu.Lock()
	s.sent = nil
	s.mu.Unlock()
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Minute)
	return c.now
}

type fixture struct {
	svc      *Service
	repo     *MemoryRepository
	ledger   *ledger.Memory
	partners *partner.Memory
	accounts *account.Memory
	sink     *recordingSink
	clock    *stepClock
}

var charge = decimal.NewFromInt(100)

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := &stepClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	f := &fixture{
		repo:     NewMemoryRepository(),
		ledger:   ledger.NewMemory().WithClock(clock.Now),
		partners: partner.NewMemory().WithClock(clock.Now),
		accounts: account.NewMemory(),
		sink:     &recordingSink{},
		clock:    clock,
	}
	var seq atomic.Int64
	f.svc = NewService(f.repo, f.ledger, f.partners, f.sink, charge).
		WithClock(clock.Now).
		WithIDGenerator(func() string { return fmt.Sprintf("id-%03d", seq.Add(1)) }).
		WithContacts(account.NewService(f.accounts))
	return f
}

func (f *fixture) fund(t *testing.T, accountID string, amount int64) {
	t.Helper()
	_, err := f.ledger.Deposit(context.Background(), accountID, decimal.NewFromInt(amount))
	require.NoError(t, err)
}

func (f *fixture) makePartner(t *testing.T, accountID string) {
	t.Helper()
	_, err := f.partners.Grant(context.Background(), accountID, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, accountID string) decimal.Decimal {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), accountID)
	require.NoError(t, err)
	return b
}

// openRequest submits a funded request and walks it to show-partners.
func (f *fixture) openRequest(t *testing.T, customerID string) Request {
	t.Helper()
	ctx := context.Background()
	f.fund(t, customerID, 100)
	req, err := f.svc.SubmitRequest(ctx, SubmitParams{CustomerID: customerID, TravelParams: TravelParams{Destination: "Kyoto", Travelers: 2}})
	require.NoError(t, err)
	for _, st := range []Status{StatusUnderReview, StatusShowPartners} {
		req, err = f.svc.TransitionReview(ctx, ReviewParams{RequestID: req.ID, ReviewerID: "reviewer", Status: st})
		require.NoError(t, err)
	}
	return req
}

func (f *fixture) propose(t *testing.T, requestID, partnerID string) Proposal {
	t.Helper()
	p, err := f.svc.SubmitProposal(context.Background(), ProposalParams{
		RequestID:   requestID,
		PartnerID:   partnerID,
		DocumentRef: "docs/" + partnerID + ".pdf",
	})
	require.NoError(t, err)
	return p
}

func TestSubmitRequest_DebitsAndCreatesPending(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "cust-1", 500)

	req, err := f.svc.SubmitRequest(context.Background(), SubmitParams{
		CustomerID:   "cust-1",
		TravelParams: TravelParams{Destination: "Lisbon", Travelers: 3, Activities: []string{"surf"}},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusPending, req.Status)
	assert.True(t, req.ChargeAmount.Equal(charge))
	assert.NotEmpty(t, req.ChargeTransactionID)
	assert.Equal(t, int64(1), req.Version)
	assert.Equal(t, "Lisbon", req.TravelParams.Destination)
	assert.True(t, f.balance(t, "cust-1").Equal(decimal.NewFromInt(400)))

	debits := f.ledger.DebitsFor("cust-1")
	require.Len(t, debits, 1)
	assert.Equal(t, req.ChargeTransactionID, debits[0].ID)
	assert.Equal(t, IdempotencyKey(req.ID), debits[0].IdempotencyKey)

	assert.Len(t, f.sink.sentTo("cust-1", notify.KindRequestSubmitted), 1)
}

func TestSubmitRequest_InsufficientBalanceCreatesNothing(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "cust-1", 50)

	_, err := f.svc.SubmitRequest(context.Background(), SubmitParams{CustomerID: "cust-1"})
	require.ErrorIs(t, err, ErrInsufficientBalance)

	mine, err := f.svc.ListMyRequests(context.Background(), "cust-1", "")
	require.NoError(t, err)
	assert.Empty(t, mine)
	assert.True(t, f.balance(t, "cust-1").Equal(decimal.NewFromInt(50)))
	assert.Zero(t, f.sink.count(notify.KindRequestSubmitted))
}

func TestSubmitRequest_RetryWithSameIDChargesOnce(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "cust-1", 500)
	ctx := context.Background()

	first, err := f.svc.SubmitRequest(ctx, SubmitParams{RequestID: "req-fixed", CustomerID: "cust-1"})
	require.NoError(t, err)
	second, err := f.svc.SubmitRequest(ctx, SubmitParams{RequestID: "req-fixed", CustomerID: "cust-1"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ChargeTransactionID, second.ChargeTransactionID)
	assert.Len(t, f.ledger.DebitsFor("cust-1"), 1)
	assert.True(t, f.balance(t, "cust-1").Equal(decimal.NewFromInt(400)))

	f.fund(t, "cust-2", 500)
	_, err = f.svc.SubmitRequest(ctx, SubmitParams{RequestID: "req-fixed", CustomerID: "cust-2"})
	require.ErrorIs(t, err, ErrForbidden)
	assert.True(t, f.balance(t, "cust-2").Equal(decimal.NewFromInt(500)))
}

type brokenLedger struct{ ledger.Ledger }

func (brokenLedger) Debit(context.Context, string, decimal.Decimal, string) (ledger.Debit, error) {
	return ledger.Debit{}, errors.New("ledger timeout")
}

func TestSubmitRequest_UnknownDebitOutcomeCreatesNothing(t *testing.T) {
	f := newFixture(t)
	svc := NewService(f.repo, brokenLedger{f.ledger}, f.partners, f.sink, charge)

	_, err := svc.SubmitRequest(context.Background(), SubmitParams{CustomerID: "cust-1"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInsufficientBalance)

	mine, err := f.repo.ListByCustomer(context.Background(), "cust-1", "")
	require.NoError(t, err)
	assert.Empty(t, mine)
}

type flakyCreateRepo struct {
	*MemoryRepository
	failures atomic.Int32
}

func (r *flakyCreateRepo) Create(ctx context.Context, req Request) (Request, error) {
	if r.failures.Add(-1) >= 0 {
		return Request{}, errors.New("connection reset")
	}
	return r.MemoryRepository.Create(ctx, req)
}

func TestSubmitRequest_StoreFailureAfterDebitReusesChargeOnRetry(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "cust-1", 500)
	repo := &flakyCreateRepo{MemoryRepository: f.repo}
	repo.failures.Store(1)
	svc := NewService(repo, f.ledger, f.partners, f.sink, charge)
	ctx := context.Background()

	_, err := svc.SubmitRequest(ctx, SubmitParams{RequestID: "req-retry", CustomerID: "cust-1"})
	require.Error(t, err)

	req, err := svc.SubmitRequest(ctx, SubmitParams{RequestID: "req-retry", CustomerID: "cust-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, req.Status)
	assert.Len(t, f.ledger.DebitsFor("cust-1"), 1)
	assert.True(t, f.balance(t, "cust-1").Equal(decimal.NewFromInt(400)))
}

func TestSubmitRequest_RetryAfterFeeChangeReplaysRecordedDebit(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "cust-1", 500)
	repo := &flakyCreateRepo{MemoryRepository: f.repo}
	repo.failures.Store(1)
	ctx := context.Background()

	_, err := NewService(repo, f.ledger, f.partners, f.sink, charge).
		SubmitRequest(ctx, SubmitParams{RequestID: "req-fee", CustomerID: "cust-1"})
	require.Error(t, err)

	raised := NewService(repo, f.ledger, f.partners, f.sink, decimal.NewFromInt(150))
	req, err := raised.SubmitRequest(ctx, SubmitParams{RequestID: "req-fee", CustomerID: "cust-1"})
	require.NoError(t, err)
	assert.True(t, req.ChargeAmount.Equal(charge))
	assert.Len(t, f.ledger.DebitsFor("cust-1"), 1)
	assert.Equal(t, f.ledger.DebitsFor("cust-1")[0].ID, req.ChargeTransactionID)
	assert.True(t, f.balance(t, "cust-1").Equal(decimal.NewFromInt(400)))

	f.fund(t, "cust-2", 500)
	repo.failures.Store(1)
	_, err = NewService(repo, f.ledger, f.partners, f.sink, charge).
		SubmitRequest(ctx, SubmitParams{RequestID: "req-other", CustomerID: "cust-2"})
	require.Error(t, err)
	_, err = raised.SubmitRequest(ctx, SubmitParams{RequestID: "req-other", CustomerID: "cust-1"})
	require.ErrorIs(t, err, ErrForbidden)
	assert.True(t, f.balance(t, "cust-1").Equal(decimal.NewFromInt(400)))
}

func TestSubmitRequest_StalledNotificationQueueDoesNotBlock(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "cust-1", 1000)

	failing := notify.DispatcherFunc(func(context.Context, notify.Notification) error {
		return errors.New("smtp unavailable")
	})
	queue, err := notify.NewQueue(failing, notify.QueueOptions{
		Workers:     1,
		Buffer:      1,
		BaseBackoff: time.Hour,
		MaxBackoff:  time.Hour,
	})
	require.NoError(t, err)
	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go func() { _ = queue.Run(runCtx) }()

	svc := NewService(f.repo, f.ledger, f.partners, queue, charge)
	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		done := make(chan error, 1)
		go func() {
			_, err := svc.SubmitRequest(ctx, SubmitParams{CustomerID: "cust-1"})
			done <- err
		}()
		select {
		case err := <-done:
			require.NoError(t, err, "submit %d", i)
		case <-time.After(2 * time.Second):
			cancel()
			t.Fatalf("submit %d blocked behind the notification queue", i)
		}
		cancel()
	}

	mine, err := f.repo.ListByCustomer(context.Background(), "cust-1", "")
	require.NoError(t, err)
	assert.Len(t, mine, 5)
	assert.True(t, f.balance(t, "cust-1").Equal(decimal.NewFromInt(500)))
}

func TestTransitionReview_EnforcesGraph(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "cust-1", 100)
	ctx := context.Background()

	req, err := f.svc.SubmitRequest(ctx, SubmitParams{CustomerID: "cust-1"})
	require.NoError(t, err)

	_, err = f.svc.TransitionReview(ctx, ReviewParams{RequestID: req.ID, Status: StatusApproved})
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.svc.TransitionReview(ctx, ReviewParams{RequestID: req.ID, Status: StatusProposalAccepted})
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.svc.TransitionReview(ctx, ReviewParams{RequestID: req.ID, Status: "archived"})
	require.ErrorIs(t, err, ErrInvalidStatus)

	note := "  budget too low  "
	rejected, err := f.svc.TransitionReview(ctx, ReviewParams{RequestID: req.ID, Status: StatusRejected, AdminNote: &note})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)
	require.NotNil(t, rejected.AdminNote)
	assert.Equal(t, "budget too low", *rejected.AdminNote)
	assert.Equal(t, req.Version+1, rejected.Version)

	_, err = f.svc.TransitionReview(ctx, ReviewParams{RequestID: req.ID, Status: StatusUnderReview})
	require.ErrorIs(t, err, ErrInvalidTransition)

	changes := f.sink.sentTo("cust-1", notify.KindRequestStatusChanged)
	require.Len(t, changes, 1)
	assert.Equal(t, "budget too low", changes[0].Payload["admin_note"])
	assert.Equal(t, StatusPending, changes[0].Payload["previous_status"])

	// The fee is not refunded on rejection.
	assert.True(t, f.balance(t, "cust-1").IsZero())

	_, err = f.svc.TransitionReview(ctx, ReviewParams{RequestID: "missing", Status: StatusUnderReview})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionReview_PartnerApproved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.openRequest(t, "cust-1")
	f.makePartner(t, "partner-1")
	_, err := f.accounts.Upsert(ctx, account.Profile{ID: "cust-1", DisplayName: "Ana", Email: "ana@example.com"})
	require.NoError(t, err)

	_, err = f.svc.TransitionReview(ctx, ReviewParams{RequestID: req.ID, Status: StatusPartnerApproved})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.TransitionReview(ctx, ReviewParams{RequestID: req.ID, Status: StatusPartnerApproved, PartnerID: "stranger"})
	require.ErrorIs(t, err, ErrNotEligible)

	_, err = f.svc.TransitionReview(ctx, ReviewParams{RequestID: req.ID, Status: StatusRejected, PartnerID: "partner-1"})
	require.ErrorIs(t, err, ErrInvalidInput)

	done, err := f.svc.TransitionReview(ctx, ReviewParams{RequestID: req.ID, Status: StatusPartnerApproved, PartnerID: "partner-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusPartnerApproved, done.Status)
	require.NotNil(t, done.AssignedPartnerID)
	assert.Equal(t, "partner-1", *done.AssignedPartnerID)

	assigned := f.sink.sentTo("partner-1", notify.KindPartnerAssigned)
	require.Len(t, assigned, 1)
	contact, ok := assigned[0].Payload["customer_contact"].(account.Contact)
	require.True(t, ok)
	assert.Equal(t, "ana@example.com", contact.Email)

	_, err = f.svc.SubmitProposal(ctx, ProposalParams{RequestID: req.ID, PartnerID: "partner-1", DocumentRef: "x"})
	require.ErrorIs(t, err, ErrWrongState)
}

func TestSubmitProposal_Admission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.makePartner(t, "partner-1")
	f.makePartner(t, "cust-1")

	f.fund(t, "cust-1", 100)
	pending, err := f.svc.SubmitRequest(ctx, SubmitParams{CustomerID: "cust-1"})
	require.NoError(t, err)
	_, err = f.svc.SubmitProposal(ctx, ProposalParams{RequestID: pending.ID, PartnerID: "partner-1", DocumentRef: "doc"})
	require.ErrorIs(t, err, ErrWrongState)

	req := f.openRequest(t, "cust-1")

	first := f.propose(t, req.ID, "partner-1")
	assert.Equal(t, OutcomeOpen, first.Outcome)
	assert.Equal(t, req.ID, first.RequestID)

	_, err = f.svc.SubmitProposal(ctx, ProposalParams{RequestID: req.ID, PartnerID: "partner-1", DocumentRef: "again"})
	require.ErrorIs(t, err, ErrDuplicateProposal)

	_, err = f.svc.SubmitProposal(ctx, ProposalParams{RequestID: req.ID, PartnerID: "partner-2", DocumentRef: "doc"})
	require.ErrorIs(t, err, ErrNotEligible)

	_, err = f.svc.SubmitProposal(ctx, ProposalParams{RequestID: req.ID, PartnerID: "cust-1", DocumentRef: "doc"})
	require.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.SubmitProposal(ctx, ProposalParams{RequestID: req.ID, PartnerID: "partner-3", DocumentRef: " "})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.SubmitProposal(ctx, ProposalParams{RequestID: "missing", PartnerID: "partner-1", DocumentRef: "doc"})
	require.ErrorIs(t, err, ErrNotFound)

	proposals, err := f.svc.ListProposals(ctx, req.ID, "cust-1")
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	assert.Len(t, f.sink.sentTo("cust-1", notify.KindProposalReceived), 1)

	stored, err := f.repo.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusShowPartners, stored.Status)
}

func TestSubmitProposal_LapsedMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.openRequest(t, "cust-1")

	_, err := f.partners.Grant(ctx, "partner-1", f.clock.Now().Add(-time.Hour))
	require.NoError(t, err)

	_, err = f.svc.SubmitProposal(ctx, ProposalParams{RequestID: req.ID, PartnerID: "partner-1", DocumentRef: "doc"})
	require.ErrorIs(t, err, ErrNotEligible)
}

func TestAcceptProposal_ResolvesAllProposals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.openRequest(t, "cust-1")
	f.makePartner(t, "partner-1")
	f.makePartner(t, "partner-2")
	_, err := f.accounts.Upsert(ctx, account.Profile{ID: "cust-1", DisplayName: "Ana", Phone: "+351 900 000 000"})
	require.NoError(t, err)

	p1 := f.propose(t, req.ID, "partner-1")
	p2 := f.propose(t, req.ID, "partner-2")
	f.sink.reset()

	_, err = f.svc.AcceptProposal(ctx, AcceptParams{RequestID: req.ID, ProposalID: p1.ID, CustomerID: "someone-else"})
	require.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.AcceptProposal(ctx, AcceptParams{RequestID: req.ID, ProposalID: "nope", CustomerID: "cust-1"})
	require.ErrorIs(t, err, ErrNotFound)

	accepted, err := f.svc.AcceptProposal(ctx, AcceptParams{RequestID: req.ID, ProposalID: p1.ID, CustomerID: "cust-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusProposalAccepted, accepted.Status)

	winner, ok := accepted.Proposal(p1.ID)
	require.True(t, ok)
	assert.Equal(t, OutcomeAccepted, winner.Outcome)
	assert.NotNil(t, winner.ResolvedAt)
	loser, ok := accepted.Proposal(p2.ID)
	require.True(t, ok)
	assert.Equal(t, OutcomeRejected, loser.Outcome)
	assert.NotNil(t, loser.ResolvedAt)

	won := f.sink.sentTo("partner-1", notify.KindProposalAccepted)
	require.Len(t, won, 1)
	contact, ok := won[0].Payload["customer_contact"].(account.Contact)
	require.True(t, ok)
	assert.Equal(t, "+351 900 000 000", contact.Phone)
	assert.Len(t, f.sink.sentTo("partner-2", notify.KindProposalRejected), 1)
	assert.Empty(t, f.sink.sentTo("partner-2", notify.KindProposalAccepted))
	assert.Len(t, f.sink.sentTo("cust-1", notify.KindRequestAccepted), 1)

	_, err = f.svc.AcceptProposal(ctx, AcceptParams{RequestID: req.ID, ProposalID: p2.ID, CustomerID: "cust-1"})
	require.ErrorIs(t, err, ErrAlreadyResolved)

	f.makePartner(t, "partner-3")
	_, err = f.svc.SubmitProposal(ctx, ProposalParams{RequestID: req.ID, PartnerID: "partner-3", DocumentRef: "late"})
	require.ErrorIs(t, err, ErrWrongState)

	_, err = f.svc.TransitionReview(ctx, ReviewParams{RequestID: req.ID, Status: StatusRejected})
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAcceptProposal_WrongState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "cust-1", 100)
	req, err := f.svc.SubmitRequest(ctx, SubmitParams{CustomerID: "cust-1"})
	require.NoError(t, err)

	_, err = f.svc.AcceptProposal(ctx, AcceptParams{RequestID: req.ID, ProposalID: "p", CustomerID: "cust-1"})
	require.ErrorIs(t, err, ErrWrongState)

	_, err = f.svc.TransitionReview(ctx, ReviewParams{RequestID: req.ID, Status: StatusRejected})
	require.NoError(t, err)
	_, err = f.svc.AcceptProposal(ctx, AcceptParams{RequestID: req.ID, ProposalID: "p", CustomerID: "cust-1"})
	require.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestAcceptProposal_NotificationFailureDoesNotRollBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.openRequest(t, "cust-1")
	f.makePartner(t, "partner-1")
	p1 := f.propose(t, req.ID, "partner-1")

	f.sink.err = errors.New("queue full")
	accepted, err := f.svc.AcceptProposal(ctx, AcceptParams{RequestID: req.ID, ProposalID: p1.ID, CustomerID: "cust-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusProposalAccepted, accepted.Status)

	stored, err := f.repo.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProposalAccepted, stored.Status)
}

// gatedRepo holds every armed Get until n callers have read, so each of them
// acts on the same version.
type gatedRepo struct {
	Repository
	armed atomic.Bool
	wg    sync.WaitGroup
}

func (g *gatedRepo) arm(n int) {
	g.wg.Add(n)
	g.armed.Store(true)
}

func (g *gatedRepo) Get(ctx context.Context, id string) (Request, error) {
	req, err := g.Repository.Get(ctx, id)
	if g.armed.Load() {
		g.wg.Done()
		g.wg.Wait()
	}
	return req, err
}

func TestAcceptProposal_ConcurrentAcceptsOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.openRequest(t, "cust-1")
	f.makePartner(t, "partner-1")
	f.makePartner(t, "partner-2")
	p1 := f.propose(t, req.ID, "partner-1")
	p2 := f.propose(t, req.ID, "partner-2")
	f.sink.reset()

	gate := &gatedRepo{Repository: f.repo}
	svc := NewService(gate, f.ledger, f.partners, f.sink, charge).WithClock(f.clock.Now)
	gate.arm(2)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, id := range []string{p1.ID, p2.ID} {
		wg.Add(1)
		go func(i int, proposalID string) {
			defer wg.Done()
			_, errs[i] = svc.AcceptProposal(ctx, AcceptParams{RequestID: req.ID, ProposalID: proposalID, CustomerID: "cust-1"})
		}(i, id)
	}
	wg.Wait()
	gate.armed.Store(false)

	var wins, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)

	stored, err := f.repo.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProposalAccepted, stored.Status)
	accepted := 0
	for _, p := range stored.Proposals {
		if p.Outcome == OutcomeAccepted {
			accepted++
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, f.sink.count(notify.KindProposalAccepted))
	assert.Equal(t, 1, f.sink.count(notify.KindRequestAccepted))
}

func TestAcceptProposal_ManyRacersOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.openRequest(t, "cust-1")

	const racers = 12
	ids := make([]string, racers)
	for i := range ids {
		pid := fmt.Sprintf("partner-%02d", i)
		f.makePartner(t, pid)
		ids[i] = f.propose(t, req.ID, pid).ID
	}
	f.sink.reset()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(proposalID string) {
			defer wg.Done()
			_, err := f.svc.AcceptProposal(ctx, AcceptParams{RequestID: req.ID, ProposalID: proposalID, CustomerID: "cust-1"})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrConflict), errors.Is(err, ErrAlreadyResolved):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	stored, err := f.repo.Get(ctx, req.ID)
	require.NoError(t, err)
	winner, ok := stored.AcceptedProposal()
	require.True(t, ok)
	for _, p := range stored.Proposals {
		if p.ID != winner.ID {
			assert.Equal(t, OutcomeRejected, p.Outcome)
		}
	}
	assert.Equal(t, 1, f.sink.count(notify.KindProposalAccepted))
	assert.Equal(t, racers-1, f.sink.count(notify.KindProposalRejected))
}

func TestSubmitProposal_ConcurrentPartnersAllAdmitted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.openRequest(t, "cust-1")

	const partners = 10
	var wg sync.WaitGroup
	for i := 0; i < partners; i++ {
		pid := fmt.Sprintf("partner-%02d", i)
		f.makePartner(t, pid)
		wg.Add(1)
		go func(pid string) {
			defer wg.Done()
			_, err := f.svc.SubmitProposal(ctx, ProposalParams{RequestID: req.ID, PartnerID: pid, DocumentRef: "doc"})
			assert.NoError(t, err)
		}(pid)
	}
	wg.Wait()

	proposals, err := f.svc.ListProposals(ctx, req.ID, "cust-1")
	require.NoError(t, err)
	assert.Len(t, proposals, partners)
}

func TestListOpenRequestsForPartner_Redacts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.makePartner(t, "partner-1")
	f.makePartner(t, "partner-2")

	note := "prefers trains"
	req := f.openRequest(t, "cust-1")
	_, err := f.repo.Update(ctx, func() Request {
		r, _ := f.repo.Get(ctx, req.ID)
		r.AdminNote = &note
		return r
	}(), req.Version)
	require.NoError(t, err)
	f.propose(t, req.ID, "partner-1")
	f.propose(t, req.ID, "partner-2")

	// A partner's own request is not offered back to them.
	own := f.openRequest(t, "partner-1")

	f.fund(t, "cust-2", 100)
	_, err = f.svc.SubmitRequest(ctx, SubmitParams{CustomerID: "cust-2"})
	require.NoError(t, err)

	open, err := f.svc.ListOpenRequestsForPartner(ctx, "partner-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	got := open[0]
	assert.Equal(t, req.ID, got.ID)
	assert.NotEqual(t, own.ID, got.ID)
	assert.Empty(t, got.ChargeTransactionID)
	assert.Nil(t, got.AdminNote)
	require.Len(t, got.Proposals, 1)
	assert.Equal(t, "partner-1", got.Proposals[0].PartnerID)

	_, err = f.svc.ListOpenRequestsForPartner(ctx, "stranger")
	require.ErrorIs(t, err, ErrNotEligible)

	stored, err := f.repo.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Proposals, 2)
	assert.NotEmpty(t, stored.ChargeTransactionID)
}

func TestListings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "cust-1", 300)

	var ids []string
	for i := 0; i < 3; i++ {
		req, err := f.svc.SubmitRequest(ctx, SubmitParams{CustomerID: "cust-1"})
		require.NoError(t, err)
		ids = append(ids, req.ID)
	}
	_, err := f.svc.TransitionReview(ctx, ReviewParams{RequestID: ids[1], Status: StatusRejected})
	require.NoError(t, err)
	_, err = f.svc.TransitionReview(ctx, ReviewParams{RequestID: ids[2], Status: StatusUnderReview})
	require.NoError(t, err)

	mine, err := f.svc.ListMyRequests(ctx, "cust-1", "")
	require.NoError(t, err)
	require.Len(t, mine, 3)
	assert.Equal(t, []string{ids[2], ids[1], ids[0]}, []string{mine[0].ID, mine[1].ID, mine[2].ID})

	rejected, err := f.svc.ListMyRequests(ctx, "cust-1", StatusRejected)
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, ids[1], rejected[0].ID)

	_, err = f.svc.ListMyRequests(ctx, "cust-1", "lost")
	require.ErrorIs(t, err, ErrInvalidStatus)

	queue, err := f.svc.ListForReview(ctx, "")
	require.NoError(t, err)
	require.Len(t, queue, 2)
	assert.Equal(t, ids[0], queue[0].ID)
	assert.Equal(t, ids[2], queue[1].ID)

	onlyRejected, err := f.svc.ListForReview(ctx, StatusRejected)
	require.NoError(t, err)
	require.Len(t, onlyRejected, 1)

	none, err := f.svc.ListForReview(ctx, StatusProposalAccepted)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	_, err = f.svc.GetRequest(ctx, ids[0], "cust-2")
	require.ErrorIs(t, err, ErrForbidden)
	got, err := f.svc.GetRequest(ctx, ids[0], "cust-1")
	require.NoError(t, err)
	assert.Equal(t, ids[0], got.ID)

	empty, err := f.svc.ListProposals(ctx, ids[0], "cust-1")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	bal, err := f.svc.Balance(ctx, "cust-1")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}
