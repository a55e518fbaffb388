package main

import (
	"context"
	"net/http"
	"reflect"
	"strings"

	"tourmatch/auth"
	"tourmatch/customization"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// requestService is the slice of customization.Service the handlers call.
type requestService interface {
	SubmitRequest(ctx context.Context, params customization.SubmitParams) (customization.Request, error)
	TransitionReview(ctx context.Context, params customization.ReviewParams) (customization.Request, error)
	SubmitProposal(ctx context.Context, params customization.ProposalParams) (customization.Proposal, error)
	AcceptProposal(ctx context.Context, params customization.AcceptParams) (customization.Request, error)
	GetRequest(ctx context.Context, requestID, requesterID string) (customization.Request, error)
	ListMyRequests(ctx context.Context, customerID string, status customization.Status) ([]customization.Request, error)
	ListOpenRequestsForPartner(ctx context.Context, partnerID string) ([]customization.Request, error)
	ListProposals(ctx context.Context, requestID, requesterID string) ([]customization.Proposal, error)
	ListForReview(ctx context.Context, status customization.Status) ([]customization.Request, error)
	Balance(ctx context.Context, accountID string) (decimal.Decimal, error)
}

type tokenVerifier interface {
	VerifyToken(token string) (auth.Identity, error)
}

type ServerDeps struct {
	Requests    requestService
	Tokens      tokenVerifier
	Log         *logrus.Entry
	CORSOrigins []string
	MetricsPath string
	// RateLimit is requests per second per account; zero disables limiting.
	RateLimit float64
	RateBurst int
}

type Server struct {
	requests    requestService
	tokens      tokenVerifier
	log         *logrus.Entry
	validate    *validator.Validate
	limiter     *rateLimiter
	corsOrigins []string
	metricsPath string
}

func NewServer(deps ServerDeps) *Server {
	log := deps.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		requests:    deps.Requests,
		tokens:      deps.Tokens,
		log:         log,
		validate:    newValidator(),
		corsOrigins: deps.CORSOrigins,
		metricsPath: deps.MetricsPath,
	}
	if deps.RateLimit > 0 {
		s.limiter = newRateLimiter(deps.RateLimit, deps.RateBurst)
	}
	return s
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	if len(s.corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.corsOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metricsPath != "" {
		r.Handle(s.metricsPath, promhttp.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate)
		if s.limiter != nil {
			r.Use(s.limiter.Handler)
		}

		r.Get("/me/balance", s.handleBalance)

		r.Group(func(r chi.Router) {
			r.Use(requireRole(auth.RoleCustomer))
			r.Post("/requests", s.handleSubmitRequest)
			r.Get("/requests", s.handleListMyRequests)
			r.Get("/requests/{id}", s.handleGetRequest)
			r.Get("/requests/{id}/proposals", s.handleListProposals)
			r.Post("/requests/{id}/proposals/{proposalID}/accept", s.handleAcceptProposal)
		})

		r.Route("/partner", func(r chi.Router) {
			r.Use(requireRole(auth.RolePartner))
			r.Get("/requests", s.handleListOpenRequests)
			r.Post("/requests/{id}/proposals", s.handleSubmitProposal)
		})

		r.Route("/review", func(r chi.Router) {
			r.Use(requireRole(auth.RoleReviewer))
			r.Get("/requests", s.handleListForReview)
			r.Post("/requests/{id}/transition", s.handleTransition)
		})
	})

	return r
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
