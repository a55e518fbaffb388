package customization

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	submitted   *prometheus.CounterVec
	transitions *prometheus.CounterVec
	proposals   *prometheus.CounterVec
	acceptances *prometheus.CounterVec
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		submitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tourmatch",
			Subsystem: "customization",
			Name:      "requests_submitted_total",
			Help:      "Customization request submissions by result.",
		}, []string{"result"}),
		transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tourmatch",
			Subsystem: "customization",
			Name:      "review_transitions_total",
			Help:      "Reviewer status transitions by target status and result.",
		}, []string{"to", "result"}),
		proposals: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tourmatch",
			Subsystem: "customization",
			Name:      "proposals_submitted_total",
			Help:      "Partner proposal submissions by result.",
		}, []string{"result"}),
		acceptances: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tourmatch",
			Subsystem: "customization",
			Name:      "acceptances_total",
			Help:      "Proposal acceptance attempts by result.",
		}, []string{"result"}),
	}
})

func getMetrics() *metrics {
	return metricsSingleton()
}

// resultLabel keeps label cardinality bounded.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrAlreadyResolved):
		return "already_resolved"
	case errors.Is(err, ErrDuplicateProposal):
		return "duplicate"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrWrongState):
		return "wrong_state"
	case errors.Is(err, ErrNotEligible):
		return "not_eligible"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	default:
		return "error"
	}
}
