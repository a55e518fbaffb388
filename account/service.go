package account

import (
	"context"
	"errors"
)

// ProfileReader abstracts repository operations for the service.
type ProfileReader interface {
	GetByID(ctx context.Context, id string) (Profile, error)
	List(ctx context.Context, limit int) ([]Profile, error)
}

// Contact is the subset of a profile disclosed to a winning partner.
type Contact struct {
	AccountID   string `json:"account_id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
}

// Service exposes business-level account operations.
type Service struct {
	repo ProfileReader
}

// NewService builds a Service using the provided repository.
func NewService(repo ProfileReader) *Service {
	return &Service{repo: repo}
}

// GetByID returns the profile for the given identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Profile, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns up to limit profiles.
func (s *Service) List(ctx context.Context, limit int) ([]Profile, error) {
	return s.repo.List(ctx, limit)
}

// Contact returns the disclosable contact detail for an account. A missing
// profile yields a contact carrying only the account id.
func (s *Service) Contact(ctx context.Context, id string) (Contact, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Contact{AccountID: id}, nil
		}
		return Contact{}, err
	}
	return Contact{
		AccountID:   p.ID,
		DisplayName: p.DisplayName,
		Email:       p.Email,
		Phone:       p.Phone,
	}, nil
}
