package actors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"tourmatch/customization"
	"tourmatch/notify"
)

var destinations = []string{"Ha Long Bay", "Hoi An", "Sa Pa", "Phu Quoc", "Hue", "Da Lat"}

// Submitter pays for new requests on behalf of random customers. A submission
// cut off by a dropped connection is retried with the same request id so the
// ledger debit is reused.
func Submitter(ctx context.Context, svc *customization.Service, customers []string, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		params := customization.SubmitParams{
			RequestID:  uuid.NewString(),
			CustomerID: customers[rand.Intn(len(customers))],
			TravelParams: customization.TravelParams{
				Destination: destinations[rand.Intn(len(destinations))],
				Travelers:   1 + rand.Intn(6),
			},
		}
		for attempt := 0; attempt < 3; attempt++ {
			req, err := svc.SubmitRequest(ctx, params)
			if err == nil {
				if req.Status != customization.StatusPending || req.ChargeTransactionID == "" {
					return fmt.Errorf("submitter: request %s created as %s with charge %q", req.ID, req.Status, req.ChargeTransactionID)
				}
				break
			}
			if !IsTransient(err) {
				if tolerated(err) {
					break
				}
				return fmt.Errorf("submitter: %w", err)
			}
		}
		pause(20, 40)
	}
}

// Reviewer walks the review queue forward. Most requests reach the
// marketplace; some are rejected and a few are handed straight to a partner.
func Reviewer(ctx context.Context, svc *customization.Service, reviewerID string, partners []string, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		queue, err := svc.ListForReview(ctx, "")
		if err != nil {
			if tolerated(err) {
				pause(20, 40)
				continue
			}
			return fmt.Errorf("reviewer list: %w", err)
		}
		for _, req := range queue {
			params := customization.ReviewParams{RequestID: req.ID, ReviewerID: reviewerID}
			switch req.Status {
			case customization.StatusPending:
				params.Status = customization.StatusUnderReview
			case customization.StatusUnderReview:
				if rand.Intn(10) == 0 {
					params.Status = customization.StatusRejected
				} else {
					params.Status = customization.StatusShowPartners
				}
			case customization.StatusShowPartners:
				// Leave most requests open for bidding.
				if rand.Intn(20) != 0 {
					continue
				}
				params.Status = customization.StatusPartnerApproved
				params.PartnerID = partners[rand.Intn(len(partners))]
			default:
				continue
			}
			note := fmt.Sprintf("moved to %s by %s", params.Status, reviewerID)
			params.AdminNote = &note

			updated, err := svc.TransitionReview(ctx, params)
			if err != nil {
				if tolerated(err) {
					continue
				}
				return fmt.Errorf("reviewer transition %s -> %s: %w", req.Status, params.Status, err)
			}
			if updated.Status != params.Status {
				return fmt.Errorf("reviewer: request %s is %s, want %s", updated.ID, updated.Status, params.Status)
			}
		}
		pause(30, 60)
	}
}

// Bidder submits one proposal to randomly chosen open requests. Duplicate
// bids are attempted on purpose.
func Bidder(ctx context.Context, svc *customization.Service, partnerID string, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		open, err := svc.ListOpenRequestsForPartner(ctx, partnerID)
		if err != nil {
			if tolerated(err) {
				pause(20, 40)
				continue
			}
			return fmt.Errorf("bidder %s list: %w", partnerID, err)
		}
		for _, req := range open {
			if len(req.ChargeTransactionID) > 0 || req.AdminNote != nil {
				return fmt.Errorf("bidder %s: request %s not redacted", partnerID, req.ID)
			}
			if rand.Intn(3) != 0 {
				continue
			}
			p, err := svc.SubmitProposal(ctx, customization.ProposalParams{
				RequestID:   req.ID,
				PartnerID:   partnerID,
				DocumentRef: fmt.Sprintf("s3://proposals/%s/%s.pdf", req.ID, partnerID),
			})
			if err != nil {
				if tolerated(err) {
					continue
				}
				return fmt.Errorf("bidder %s submit: %w", partnerID, err)
			}
			if p.Outcome != customization.OutcomeOpen || p.PartnerID != partnerID {
				return fmt.Errorf("bidder %s: unexpected proposal %+v", partnerID, p)
			}
		}
		pause(10, 30)
	}
}

// Acceptor picks a random proposal on one of the customer's open requests.
// Several acceptors per customer race for the same requests.
func Acceptor(ctx context.Context, svc *customization.Service, customerID string, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		mine, err := svc.ListMyRequests(ctx, customerID, customization.StatusShowPartners)
		if err != nil {
			if tolerated(err) {
				pause(20, 40)
				continue
			}
			return fmt.Errorf("acceptor %s list: %w", customerID, err)
		}
		for _, req := range mine {
			// Let a few bids accumulate first.
			if len(req.Proposals) < 2 || rand.Intn(2) == 0 {
				continue
			}
			pick := req.Proposals[rand.Intn(len(req.Proposals))]
			accepted, err := svc.AcceptProposal(ctx, customization.AcceptParams{
				RequestID:  req.ID,
				ProposalID: pick.ID,
				CustomerID: customerID,
			})
			if err != nil {
				if tolerated(err) {
					continue
				}
				return fmt.Errorf("acceptor %s accept: %w", customerID, err)
			}
			if err := checkAccepted(accepted, pick.ID); err != nil {
				return fmt.Errorf("acceptor %s: %w", customerID, err)
			}
		}
		pause(20, 50)
	}
}

func checkAccepted(req customization.Request, winnerID string) error {
	if req.Status != customization.StatusProposalAccepted {
		return fmt.Errorf("request %s is %s after accept", req.ID, req.Status)
	}
	if req.AssignedPartnerID == nil {
		return fmt.Errorf("request %s has no assigned partner", req.ID)
	}
	for _, p := range req.Proposals {
		want := customization.OutcomeRejected
		if p.ID == winnerID {
			want = customization.OutcomeAccepted
			if p.PartnerID != *req.AssignedPartnerID {
				return fmt.Errorf("request %s assigned %s, winner is %s", req.ID, *req.AssignedPartnerID, p.PartnerID)
			}
		}
		if p.Outcome != want || p.ResolvedAt == nil {
			return fmt.Errorf("proposal %s is %s (resolved %v), want %s", p.ID, p.Outcome, p.ResolvedAt, want)
		}
	}
	return nil
}

// Relay drains the notification outbox through a dispatcher that fails a
// fraction of deliveries.
func Relay(ctx context.Context, relay *notify.Relay, stop <-chan struct{}) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-runCtx.Done():
		}
	}()

	err := relay.Run(runCtx)
	if err == nil || errors.Is(err, context.Canceled) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	}
	return fmt.Errorf("relay: %w", err)
}

// FlakyDispatcher fails roughly one in failEvery deliveries.
func FlakyDispatcher(failEvery int) notify.Dispatcher {
	return notify.DispatcherFunc(func(ctx context.Context, n notify.Notification) error {
		if failEvery > 0 && rand.Intn(failEvery) == 0 {
			return fmt.Errorf("simulated delivery failure for %s", n.ID)
		}
		return nil
	})
}

// IsTransient reports whether err comes from a dropped or aborted database
// session rather than from the workflow itself.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			strings.HasPrefix(pgErr.Code, "40"), // transaction rollback
			strings.HasPrefix(pgErr.Code, "57"): // operator intervention
			return true
		}
		return false
	}
	var netErr net.Error
	switch {
	case errors.As(err, &netErr),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		pgconn.SafeToRetry(err),
		pgconn.Timeout(err):
		return true
	}
	return strings.Contains(err.Error(), "conn closed") || strings.Contains(err.Error(), "conn busy")
}

// tolerated lists outcomes expected under contention.
func tolerated(err error) bool {
	switch {
	case errors.Is(err, customization.ErrConflict),
		errors.Is(err, customization.ErrAlreadyResolved),
		errors.Is(err, customization.ErrWrongState),
		errors.Is(err, customization.ErrInvalidTransition),
		errors.Is(err, customization.ErrDuplicateProposal),
		errors.Is(err, customization.ErrInsufficientBalance),
		errors.Is(err, customization.ErrNotEligible):
		return true
	}
	return IsTransient(err)
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

func pause(minMs, spreadMs int) {
	time.Sleep(time.Duration(minMs+rand.Intn(spreadMs)) * time.Millisecond)
}
