package main

import (
	"net/http"
	"strings"

	"tourmatch/auth"
	"tourmatch/customization"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

const maxIdempotencyKeyLen = 128

func identity(r *http.Request) auth.Identity {
	id, _ := auth.IdentityFrom(r.Context())
	return id
}

func (s *Server) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	var body submitRequestBody
	if !s.decodeAndValidate(w, r, &body) {
		return
	}
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if len(key) > maxIdempotencyKeyLen {
		writeError(w, http.StatusBadRequest, "validation_failed", "Idempotency-Key too long")
		return
	}

	req, err := s.requests.SubmitRequest(r.Context(), customization.SubmitParams{
		RequestID:    key,
		CustomerID:   identity(r).AccountID,
		TravelParams: body.TravelParams.toDomain(),
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestResponse(req))
}

func (s *Server) handleListMyRequests(w http.ResponseWriter, r *http.Request) {
	status, err := customization.ParseStatus(r.URL.Query().Get("status"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	reqs, err := s.requests.ListMyRequests(r.Context(), identity(r).AccountID, status)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[requestResponse]{Items: toRequestResponses(reqs)})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.requests.GetRequest(r.Context(), chi.URLParam(r, "id"), identity(r).AccountID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponse(req))
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	proposals, err := s.requests.ListProposals(r.Context(), chi.URLParam(r, "id"), identity(r).AccountID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[proposalResponse]{Items: toProposalResponses(proposals)})
}

func (s *Server) handleAcceptProposal(w http.ResponseWriter, r *http.Request) {
	req, err := s.requests.AcceptProposal(r.Context(), customization.AcceptParams{
		RequestID:  chi.URLParam(r, "id"),
		ProposalID: chi.URLParam(r, "proposalID"),
		CustomerID: identity(r).AccountID,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponse(req))
}

func (s *Server) handleListOpenRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.requests.ListOpenRequestsForPartner(r.Context(), identity(r).AccountID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[requestResponse]{Items: toRequestResponses(reqs)})
}

func (s *Server) handleSubmitProposal(w http.ResponseWriter, r *http.Request) {
	var body submitProposalBody
	if !s.decodeAndValidate(w, r, &body) {
		return
	}
	p, err := s.requests.SubmitProposal(r.Context(), customization.ProposalParams{
		RequestID:   chi.URLParam(r, "id"),
		PartnerID:   identity(r).AccountID,
		DocumentRef: body.DocumentRef,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProposalResponse(p))
}

func (s *Server) handleListForReview(w http.ResponseWriter, r *http.Request) {
	status, err := customization.ParseStatus(r.URL.Query().Get("status"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	reqs, err := s.requests.ListForReview(r.Context(), status)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[requestResponse]{Items: toRequestResponses(reqs)})
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var body transitionBody
	if !s.decodeAndValidate(w, r, &body) {
		return
	}
	status, err := customization.ParseStatus(body.Status)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	reviewer := identity(r).AccountID
	req, err := s.requests.TransitionReview(r.Context(), customization.ReviewParams{
		RequestID:  chi.URLParam(r, "id"),
		ReviewerID: reviewer,
		Status:     status,
		AdminNote:  body.AdminNote,
		PartnerID:  body.PartnerID,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.log.WithFields(logrus.Fields{
		"request_id":  req.ID,
		"reviewer_id": reviewer,
		"status":      req.Status,
	}).Debug("api: review applied")
	writeJSON(w, http.StatusOK, toRequestResponse(req))
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	accountID := identity(r).AccountID
	balance, err := s.requests.Balance(r.Context(), accountID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{AccountID: accountID, Balance: balance.String()})
}
