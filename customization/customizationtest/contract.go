// Package customizationtest holds the behavioural contract every
// customization.Repository implementation must satisfy.
package customizationtest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"tourmatch/customization"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// NewRepoFunc returns a repository for one subtest. Implementations backed by
// a shared database may return the same instance; every row the contract
// writes carries a unique prefix.
type NewRepoFunc func(t *testing.T) customization.Repository

// RunRepositoryContract runs the shared repository suite.
func RunRepositoryContract(t *testing.T, newRepo NewRepoFunc) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newRepo(t)) })
	t.Run("AppendProposal", func(t *testing.T) { testAppendProposal(t, newRepo(t)) })
	t.Run("UpdateIsVersionChecked", func(t *testing.T) { testUpdateVersionCheck(t, newRepo(t)) })
	t.Run("Listing", func(t *testing.T) { testListing(t, newRepo(t)) })
	t.Run("ConcurrentUpdatesOneWinner", func(t *testing.T) { testConcurrentUpdates(t, newRepo(t)) })
}

var base = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

func uniquePrefix(t *testing.T) string {
	name := strings.NewReplacer("/", "-", " ", "-").Replace(t.Name())
	return fmt.Sprintf("%s-%d", name, time.Now().UnixNano())
}

// NewRequest builds a pending, charged request for tests.
func NewRequest(id, customerID string, createdAt time.Time) customization.Request {
	return customization.Request{
		ID:         id,
		CustomerID: customerID,
		TravelParams: customization.TravelParams{
			StartDate:     "2026-07-01",
			EndDate:       "2026-07-08",
			Travelers:     2,
			DurationDays:  7,
			Destination:   "Jeju",
			Accommodation: "hotel",
			Activities:    []string{"hiking", "diving"},
			Notes:         "vegetarian meals",
		},
		Status:              customization.StatusPending,
		ChargeAmount:        decimal.NewFromInt(100),
		ChargeTransactionID: "debit-" + id,
		Version:             1,
		CreatedAt:           createdAt,
		UpdatedAt:           createdAt,
	}
}

func testCreateAndGet(t *testing.T, repo customization.Repository) {
	ctx := context.Background()
	p := uniquePrefix(t)
	note := "first look"
	req := NewRequest(p+"-r1", p+"-cust", base)
	req.AdminNote = &note

	created, err := repo.Create(ctx, req)
	require.NoError(t, err)
	require.Equal(t, int64(1), created.Version)

	got, err := repo.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, req.CustomerID, got.CustomerID)
	require.Equal(t, customization.StatusPending, got.Status)
	require.True(t, got.ChargeAmount.Equal(req.ChargeAmount), "charge %s", got.ChargeAmount)
	require.Equal(t, req.ChargeTransactionID, got.ChargeTransactionID)
	require.Equal(t, req.TravelParams, got.TravelParams)
	require.NotNil(t, got.AdminNote)
	require.Equal(t, note, *got.AdminNote)
	require.Nil(t, got.AssignedPartnerID)
	require.Empty(t, got.Proposals)
	require.True(t, got.CreatedAt.Equal(base))

	_, err = repo.Create(ctx, req)
	require.ErrorIs(t, err, customization.ErrDuplicateRequest)

	_, err = repo.Get(ctx, p+"-missing")
	require.ErrorIs(t, err, customization.ErrNotFound)
}

func testAppendProposal(t *testing.T, repo customization.Repository) {
	ctx := context.Background()
	p := uniquePrefix(t)
	req, err := repo.Create(ctx, NewRequest(p+"-r1", p+"-cust", base))
	require.NoError(t, err)

	prop := func(id, partnerID string, at time.Time) customization.Proposal {
		return customization.Proposal{
			ID:          id,
			PartnerID:   partnerID,
			DocumentRef: "s3://proposals/" + id + ".pdf",
			SubmittedAt: at,
			Outcome:     customization.OutcomeOpen,
		}
	}

	_, err = repo.AppendProposal(ctx, req.ID, prop(p+"-p0", p+"-partner-a", base))
	require.ErrorIs(t, err, customization.ErrWrongState)

	open := req.Clone()
	open.Status = customization.StatusShowPartners
	open.UpdatedAt = base.Add(time.Minute)
	open, err = repo.Update(ctx, open, req.Version)
	require.NoError(t, err)
	require.Equal(t, int64(2), open.Version)

	withOne, err := repo.AppendProposal(ctx, req.ID, prop(p+"-p1", p+"-partner-a", base.Add(2*time.Minute)))
	require.NoError(t, err)
	require.Equal(t, int64(3), withOne.Version)

	withTwo, err := repo.AppendProposal(ctx, req.ID, prop(p+"-p2", p+"-partner-b", base.Add(3*time.Minute)))
	require.NoError(t, err)
	require.Equal(t, int64(4), withTwo.Version)
	require.Len(t, withTwo.Proposals, 2)
	require.Equal(t, p+"-p1", withTwo.Proposals[0].ID)
	require.Equal(t, p+"-p2", withTwo.Proposals[1].ID)
	require.Equal(t, req.ID, withTwo.Proposals[1].RequestID)
	require.Equal(t, customization.OutcomeOpen, withTwo.Proposals[1].Outcome)

	_, err = repo.AppendProposal(ctx, req.ID, prop(p+"-p3", p+"-partner-a", base.Add(4*time.Minute)))
	require.ErrorIs(t, err, customization.ErrDuplicateProposal)

	_, err = repo.AppendProposal(ctx, p+"-missing", prop(p+"-p4", p+"-partner-c", base))
	require.ErrorIs(t, err, customization.ErrNotFound)

	got, err := repo.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, got.Proposals, 2)
	require.Equal(t, int64(4), got.Version)
}

func testUpdateVersionCheck(t *testing.T, repo customization.Repository) {
	ctx := context.Background()
	p := uniquePrefix(t)
	req, err := repo.Create(ctx, NewRequest(p+"-r1", p+"-cust", base))
	require.NoError(t, err)

	open := req.Clone()
	open.Status = customization.StatusShowPartners
	open, err = repo.Update(ctx, open, req.Version)
	require.NoError(t, err)

	for i, partnerID := range []string{"a", "b"} {
		open, err = repo.AppendProposal(ctx, req.ID, customization.Proposal{
			ID:          fmt.Sprintf("%s-p%d", p, i),
			PartnerID:   p + "-partner-" + partnerID,
			DocumentRef: "doc",
			SubmittedAt: base.Add(time.Duration(i+1) * time.Minute),
			Outcome:     customization.OutcomeOpen,
		})
		require.NoError(t, err)
	}

	stale := open.Clone()
	stale.Status = customization.StatusRejected
	_, err = repo.Update(ctx, stale, open.Version-1)
	require.ErrorIs(t, err, customization.ErrVersionConflict)

	missing := open.Clone()
	missing.ID = p + "-missing"
	_, err = repo.Update(ctx, missing, 1)
	require.ErrorIs(t, err, customization.ErrNotFound)

	resolved := base.Add(time.Hour)
	accept := open.Clone()
	accept.Status = customization.StatusProposalAccepted
	accept.UpdatedAt = resolved
	for i := range accept.Proposals {
		accept.Proposals[i].ResolvedAt = &resolved
		accept.Proposals[i].Outcome = customization.OutcomeRejected
	}
	accept.Proposals[0].Outcome = customization.OutcomeAccepted

	done, err := repo.Update(ctx, accept, open.Version)
	require.NoError(t, err)
	require.Equal(t, open.Version+1, done.Version)
	require.Equal(t, customization.StatusProposalAccepted, done.Status)
	require.Equal(t, customization.OutcomeAccepted, done.Proposals[0].Outcome)
	require.Equal(t, customization.OutcomeRejected, done.Proposals[1].Outcome)
	require.NotNil(t, done.Proposals[1].ResolvedAt)
	require.True(t, done.Proposals[1].ResolvedAt.Equal(resolved))

	_, err = repo.Update(ctx, accept, open.Version)
	require.ErrorIs(t, err, customization.ErrVersionConflict)

	_, err = repo.AppendProposal(ctx, req.ID, customization.Proposal{
		ID:          p + "-late",
		PartnerID:   p + "-partner-late",
		DocumentRef: "doc",
		SubmittedAt: resolved,
		Outcome:     customization.OutcomeOpen,
	})
	require.ErrorIs(t, err, customization.ErrWrongState)
}

func testListing(t *testing.T, repo customization.Repository) {
	ctx := context.Background()
	p := uniquePrefix(t)
	customer := p + "-cust"

	var ids []string
	for i := 0; i < 3; i++ {
		r := NewRequest(fmt.Sprintf("%s-r%d", p, i), customer, base.Add(time.Duration(i)*time.Hour))
		_, err := repo.Create(ctx, r)
		require.NoError(t, err)
		ids = append(ids, r.ID)
	}
	_, err := repo.Create(ctx, NewRequest(p+"-other", p+"-someone-else", base))
	require.NoError(t, err)

	second, err := repo.Get(ctx, ids[1])
	require.NoError(t, err)
	next := second.Clone()
	next.Status = customization.StatusUnderReview
	_, err = repo.Update(ctx, next, second.Version)
	require.NoError(t, err)

	mine, err := repo.ListByCustomer(ctx, customer, "")
	require.NoError(t, err)
	require.Equal(t, []string{ids[2], ids[1], ids[0]}, requestIDs(mine))

	reviewing, err := repo.ListByCustomer(ctx, customer, customization.StatusUnderReview)
	require.NoError(t, err)
	require.Equal(t, []string{ids[1]}, requestIDs(reviewing))

	pending, err := repo.ListByStatus(ctx, customization.StatusPending)
	require.NoError(t, err)
	require.Equal(t, []string{p + "-other", ids[0], ids[2]}, filterPrefix(requestIDs(pending), p))
}

func testConcurrentUpdates(t *testing.T, repo customization.Repository) {
	ctx := context.Background()
	p := uniquePrefix(t)
	req, err := repo.Create(ctx, NewRequest(p+"-r1", p+"-cust", base))
	require.NoError(t, err)

	const writers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		success  int
		conflict int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := req.Clone()
			next.Status = customization.StatusUnderReview
			note := fmt.Sprintf("writer %d", i)
			next.AdminNote = &note
			_, err := repo.Update(ctx, next, req.Version)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				success++
			case errors.Is(err, customization.ErrVersionConflict):
				conflict++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, success)
	require.Equal(t, writers-1, conflict)

	got, err := repo.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, req.Version+1, got.Version)
}

func requestIDs(reqs []customization.Request) []string {
	out := make([]string, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r.ID)
	}
	return out
}

func filterPrefix(ids []string, prefix string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if strings.HasPrefix(id, prefix) {
			out = append(out, id)
		}
	}
	return out
}
