package main

import (
	"time"

	"tourmatch/customization"
)

type travelParamsBody struct {
	StartDate     string   `json:"startDate" validate:"omitempty,datetime=2006-01-02"`
	EndDate       string   `json:"endDate" validate:"omitempty,datetime=2006-01-02"`
	Travelers     int      `json:"travelers" validate:"omitempty,min=1,max=100"`
	DurationDays  int      `json:"durationDays" validate:"omitempty,min=1,max=365"`
	Origin        string   `json:"origin" validate:"max=200"`
	Destination   string   `json:"destination" validate:"required,max=200"`
	Accommodation string   `json:"accommodation" validate:"max=200"`
	Activities    []string `json:"activities" validate:"max=50,dive,max=200"`
	Notes         string   `json:"notes" validate:"max=4000"`
}

func (b travelParamsBody) toDomain() customization.TravelParams {
	return customization.TravelParams{
		StartDate:     b.StartDate,
		EndDate:       b.EndDate,
		Travelers:     b.Travelers,
		DurationDays:  b.DurationDays,
		Origin:        b.Origin,
		Destination:   b.Destination,
		Accommodation: b.Accommodation,
		Activities:    b.Activities,
		Notes:         b.Notes,
	}
}

type submitRequestBody struct {
	TravelParams travelParamsBody `json:"travelParams"`
}

type submitProposalBody struct {
	DocumentRef string `json:"documentRef" validate:"required,max=1024"`
}

type transitionBody struct {
	Status    string  `json:"status" validate:"required"`
	AdminNote *string `json:"adminNote" validate:"omitempty,max=4000"`
	PartnerID string  `json:"partnerId" validate:"omitempty,max=128"`
}

type travelParamsResponse struct {
	StartDate     string   `json:"startDate,omitempty"`
	EndDate       string   `json:"endDate,omitempty"`
	Travelers     int      `json:"travelers,omitempty"`
	DurationDays  int      `json:"durationDays,omitempty"`
	Origin        string   `json:"origin,omitempty"`
	Destination   string   `json:"destination,omitempty"`
	Accommodation string   `json:"accommodation,omitempty"`
	Activities    []string `json:"activities,omitempty"`
	Notes         string   `json:"notes,omitempty"`
}

type proposalResponse struct {
	ID          string  `json:"id"`
	RequestID   string  `json:"requestId"`
	PartnerID   string  `json:"partnerId"`
	DocumentRef string  `json:"documentRef"`
	SubmittedAt string  `json:"submittedAt"`
	Outcome     string  `json:"outcome"`
	ResolvedAt  *string `json:"resolvedAt,omitempty"`
}

type requestResponse struct {
	ID                  string               `json:"id"`
	CustomerID          string               `json:"customerId"`
	TravelParams        travelParamsResponse `json:"travelParams"`
	Status              string               `json:"status"`
	ChargeAmount        string               `json:"chargeAmount"`
	ChargeTransactionID string               `json:"chargeTransactionId,omitempty"`
	AdminNote           *string              `json:"adminNote,omitempty"`
	AssignedPartnerID   *string              `json:"assignedPartnerId,omitempty"`
	Version             int64                `json:"version"`
	Proposals           []proposalResponse   `json:"proposals"`
	CreatedAt           string               `json:"createdAt"`
	UpdatedAt           string               `json:"updatedAt"`
}

type balanceResponse struct {
	AccountID string `json:"accountId"`
	Balance   string `json:"balance"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
}

func toProposalResponse(p customization.Proposal) proposalResponse {
	out := proposalResponse{
		ID:          p.ID,
		RequestID:   p.RequestID,
		PartnerID:   p.PartnerID,
		DocumentRef: p.DocumentRef,
		SubmittedAt: p.SubmittedAt.UTC().Format(time.RFC3339),
		Outcome:     string(p.Outcome),
	}
	if p.ResolvedAt != nil {
		ts := p.ResolvedAt.UTC().Format(time.RFC3339)
		out.ResolvedAt = &ts
	}
	return out
}

func toProposalResponses(ps []customization.Proposal) []proposalResponse {
	out := make([]proposalResponse, 0, len(ps))
	for _, p := range ps {
		out = append(out, toProposalResponse(p))
	}
	return out
}

func toRequestResponse(r customization.Request) requestResponse {
	tp := r.TravelParams
	return requestResponse{
		ID:         r.ID,
		CustomerID: r.CustomerID,
		TravelParams: travelParamsResponse{
			StartDate:     tp.StartDate,
			EndDate:       tp.EndDate,
			Travelers:     tp.Travelers,
			DurationDays:  tp.DurationDays,
			Origin:        tp.Origin,
			Destination:   tp.Destination,
			Accommodation: tp.Accommodation,
			Activities:    tp.Activities,
			Notes:         tp.Notes,
		},
		Status:              string(r.Status),
		ChargeAmount:        r.ChargeAmount.String(),
		ChargeTransactionID: r.ChargeTransactionID,
		AdminNote:           r.AdminNote,
		AssignedPartnerID:   r.AssignedPartnerID,
		Version:             r.Version,
		Proposals:           toProposalResponses(r.Proposals),
		CreatedAt:           r.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:           r.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func toRequestResponses(rs []customization.Request) []requestResponse {
	out := make([]requestResponse, 0, len(rs))
	for _, r := range rs {
		out = append(out, toRequestResponse(r))
	}
	return out
}
