package customization

import "fmt"

type Status string

const (
	StatusPending          Status = "pending"
	StatusUnderReview      Status = "under-review"
	StatusApproved         Status = "approved"
	StatusRejected         Status = "rejected"
	StatusShowPartners     Status = "show-partners"
	StatusPartnerApproved  Status = "partner-approved"
	StatusProposalAccepted Status = "proposal-accepted"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusPending,
	StatusUnderReview,
	StatusApproved,
	StatusRejected,
	StatusShowPartners,
	StatusPartnerApproved,
	StatusProposalAccepted,
}

// reviewTransitions holds every reviewer-driven edge. proposal-accepted is
// reachable only through AcceptProposal.
var reviewTransitions = map[Status][]Status{
	StatusPending:      {StatusUnderReview, StatusRejected},
	StatusUnderReview:  {StatusApproved, StatusRejected, StatusShowPartners},
	StatusApproved:     {StatusShowPartners, StatusRejected},
	StatusShowPartners: {StatusPartnerApproved, StatusRejected},
}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is accepted.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusPartnerApproved, StatusProposalAccepted:
		return true
	default:
		return false
	}
}

// OpenToPartners reports whether partners may see and bid on the request.
func (s Status) OpenToPartners() bool {
	return s == StatusShowPartners
}

// ParseStatus validates a status received from a caller. The empty string is
// returned as-is and means "any".
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if raw == "" || s.Valid() {
		return s, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
}

// CanReview reports whether a reviewer may move a request from -> to.
func CanReview(from, to Status) bool {
	for _, next := range reviewTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanTransition reports whether from -> to is any legal edge, including the
// customer's acceptance.
func CanTransition(from, to Status) bool {
	if from == StatusShowPartners && to == StatusProposalAccepted {
		return true
	}
	return CanReview(from, to)
}
