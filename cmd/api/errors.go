package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"tourmatch/customization"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

// domainErrors maps lifecycle errors to a status and a stable code.
var domainErrors = []struct {
	err    error
	status int
	code   string
}{
	{customization.ErrNotFound, http.StatusNotFound, "not_found"},
	{customization.ErrForbidden, http.StatusForbidden, "forbidden"},
	{customization.ErrNotEligible, http.StatusForbidden, "not_eligible"},
	{customization.ErrInsufficientBalance, http.StatusPaymentRequired, "insufficient_balance"},
	{customization.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{customization.ErrWrongState, http.StatusConflict, "wrong_state"},
	{customization.ErrDuplicateProposal, http.StatusConflict, "duplicate_proposal"},
	{customization.ErrConflict, http.StatusConflict, "conflict"},
	{customization.ErrAlreadyResolved, http.StatusConflict, "already_resolved"},
	{customization.ErrInvalidStatus, http.StatusBadRequest, "invalid_status"},
	{customization.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range domainErrors {
		if errors.Is(err, m.err) {
			writeError(w, m.status, m.code, err.Error())
			return
		}
	}
	s.log.WithError(err).WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
	}).Error("api: unexpected error")
	writeError(w, http.StatusInternalServerError, "internal", "internal server error")
}

// decodeAndValidate reads a JSON body into dst and runs struct validation.
func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid JSON body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		// Drop the Go type name that prefixes the namespace.
		field := fe.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", field, fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
