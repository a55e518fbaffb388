package customization

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tourmatch/account"
	"tourmatch/ledger"
	"tourmatch/notify"
	"tourmatch/partner"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ContactLookup resolves the contact detail revealed to a winning partner.
type ContactLookup interface {
	Contact(ctx context.Context, accountID string) (account.Contact, error)
}

// Service is the request lifecycle engine. It is safe for concurrent use;
// all per-request serialization happens through the repository's version
// check.
type Service struct {
	repo         Repository
	ledger       ledger.Ledger
	partners     partner.Oracle
	notifier     notify.Sink
	contacts     ContactLookup
	chargeAmount decimal.Decimal

	now   func() time.Time
	idGen func() string
	log   *logrus.Entry
	m     *metrics
}

func NewService(repo Repository, l ledger.Ledger, partners partner.Oracle, notifier notify.Sink, chargeAmount decimal.Decimal) *Service {
	return &Service{
		repo:         repo,
		ledger:       l,
		partners:     partners,
		notifier:     notifier,
		chargeAmount: chargeAmount,
		now:          time.Now,
		idGen:        func() string { return uuid.NewString() },
		log:          nopLogger(),
		m:            getMetrics(),
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

func (s *Service) WithLogger(log *logrus.Entry) *Service {
	if log != nil {
		s.log = log
	}
	return s
}

func (s *Service) WithContacts(contacts ContactLookup) *Service {
	s.contacts = contacts
	return s
}

// ChargeAmount is the fee debited on submission.
func (s *Service) ChargeAmount() decimal.Decimal {
	return s.chargeAmount
}

type SubmitParams struct {
	// RequestID is optional. Clients that retry a submission send the same
	// id so the ledger debit is not repeated.
	RequestID    string
	CustomerID   string
	TravelParams TravelParams
}

// SubmitRequest charges the customer and creates a pending request. A failed
// or unknown debit leaves no request behind.
func (s *Service) SubmitRequest(ctx context.Context, params SubmitParams) (req Request, err error) {
	defer func() { s.m.submitted.WithLabelValues(resultLabel(err)).Inc() }()

	customerID := strings.TrimSpace(params.CustomerID)
	if customerID == "" {
		return Request{}, fmt.Errorf("%w: missing customer id", ErrInvalidInput)
	}

	id := strings.TrimSpace(params.RequestID)
	if id == "" {
		id = s.idGen()
	} else {
		existing, err := s.repo.Get(ctx, id)
		switch {
		case err == nil:
			if existing.CustomerID != customerID {
				return Request{}, ErrForbidden
			}
			return existing, nil
		case !errors.Is(err, ErrNotFound):
			return Request{}, err
		}
	}

	log := s.log.WithFields(logrus.Fields{"request_id": id, "account_id": customerID})

	debit, err := s.ledger.Debit(ctx, customerID, s.chargeAmount, IdempotencyKey(id))
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientBalance):
			return Request{}, err
		case errors.Is(err, ledger.ErrIdempotencyKeyReused):
			// The fee may have changed since the first attempt; the
			// recorded debit stands for this request.
			prior, lookupErr := s.ledger.DebitByKey(ctx, IdempotencyKey(id))
			if lookupErr != nil {
				return Request{}, fmt.Errorf("customization: load prior debit: %w", lookupErr)
			}
			if prior.AccountID != customerID {
				return Request{}, fmt.Errorf("%w: request id already charged to another account", ErrForbidden)
			}
			log.WithField("debit_id", prior.ID).Info("customization: replaying prior debit")
			debit = prior
		default:
			log.WithError(err).Warn("customization: debit failed, request not created")
			return Request{}, fmt.Errorf("customization: debit: %w", err)
		}
	}

	now := s.now().UTC()
	created, err := s.repo.Create(ctx, Request{
		ID:                  id,
		CustomerID:          customerID,
		TravelParams:        params.TravelParams,
		Status:              StatusPending,
		ChargeAmount:        debit.Amount,
		ChargeTransactionID: debit.ID,
		Version:             1,
		CreatedAt:           now,
		UpdatedAt:           now,
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateRequest) {
			// A concurrent retry with the same id created it first.
			if existing, getErr := s.repo.Get(ctx, id); getErr == nil && existing.CustomerID == customerID {
				return existing, nil
			}
		}
		// The debit is bound to the id; retrying with the same id reuses it.
		log.WithError(err).WithField("debit_id", debit.ID).Error("customization: request not stored after debit")
		return Request{}, fmt.Errorf("customization: create request: %w", err)
	}

	s.notify(ctx, customerID, notify.KindRequestSubmitted, map[string]any{
		"request_id":    created.ID,
		"status":        created.Status,
		"charge_amount": created.ChargeAmount.String(),
	})
	return created, nil
}

type ReviewParams struct {
	RequestID  string
	ReviewerID string
	Status     Status
	AdminNote  *string
	// PartnerID is required for, and only accepted with, partner-approved.
	PartnerID string
}

// TransitionReview applies a reviewer decision.
func (s *Service) TransitionReview(ctx context.Context, params ReviewParams) (req Request, err error) {
	defer func() { s.m.transitions.WithLabelValues(string(params.Status), resultLabel(err)).Inc() }()

	if params.RequestID == "" {
		return Request{}, fmt.Errorf("%w: missing request id", ErrInvalidInput)
	}
	if !params.Status.Valid() {
		return Request{}, fmt.Errorf("%w: %q", ErrInvalidStatus, params.Status)
	}
	partnerID := strings.TrimSpace(params.PartnerID)
	if partnerID != "" && params.Status != StatusPartnerApproved {
		return Request{}, fmt.Errorf("%w: partner id only applies to %s", ErrInvalidInput, StatusPartnerApproved)
	}

	current, err := s.repo.Get(ctx, params.RequestID)
	if err != nil {
		return Request{}, err
	}
	if !CanReview(current.Status, params.Status) {
		return Request{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, params.Status)
	}

	now := s.now().UTC()
	next := current.Clone()
	next.Status = params.Status
	next.UpdatedAt = now
	if params.AdminNote != nil {
		note := strings.TrimSpace(*params.AdminNote)
		if note == "" {
			next.AdminNote = nil
		} else {
			next.AdminNote = &note
		}
	}

	if params.Status == StatusPartnerApproved {
		if partnerID == "" {
			return Request{}, fmt.Errorf("%w: partner id required for %s", ErrInvalidInput, StatusPartnerApproved)
		}
		if partnerID == current.CustomerID {
			return Request{}, fmt.Errorf("%w: customer cannot be assigned to own request", ErrForbidden)
		}
		eligible, err := s.partners.IsEligible(ctx, partnerID, now)
		if err != nil {
			return Request{}, fmt.Errorf("customization: check partner eligibility: %w", err)
		}
		if !eligible {
			return Request{}, ErrNotEligible
		}
		next.AssignedPartnerID = &partnerID
	}

	updated, err := s.repo.Update(ctx, next, current.Version)
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return Request{}, ErrConflict
		}
		return Request{}, err
	}

	s.log.WithFields(logrus.Fields{
		"request_id":  updated.ID,
		"reviewer_id": params.ReviewerID,
		"from":        current.Status,
		"to":          updated.Status,
	}).Info("customization: review transition")

	payload := map[string]any{
		"request_id":      updated.ID,
		"previous_status": current.Status,
		"status":          updated.Status,
	}
	if updated.AdminNote != nil {
		payload["admin_note"] = *updated.AdminNote
	}
	s.notify(ctx, updated.CustomerID, notify.KindRequestStatusChanged, payload)
	if updated.AssignedPartnerID != nil {
		s.notify(ctx, *updated.AssignedPartnerID, notify.KindPartnerAssigned, map[string]any{
			"request_id":       updated.ID,
			"customer_contact": s.contactOf(ctx, updated.CustomerID),
		})
	}
	return updated, nil
}

// notify never fails the caller: the state change is already committed and
// the sink owns retries.
func (s *Service) notify(ctx context.Context, accountID string, kind notify.Kind, payload map[string]any) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(context.WithoutCancel(ctx), accountID, kind, payload); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"account_id": accountID,
			"kind":       kind,
		}).Error("customization: notification not queued")
	}
}

func (s *Service) contactOf(ctx context.Context, accountID string) account.Contact {
	if s.contacts == nil {
		return account.Contact{AccountID: accountID}
	}
	c, err := s.contacts.Contact(ctx, accountID)
	if err != nil {
		s.log.WithError(err).WithField("account_id", accountID).Warn("customization: contact lookup failed")
		return account.Contact{AccountID: accountID}
	}
	return c
}

func nopLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}
