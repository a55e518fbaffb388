package customization

import "context"

// Repository is the Request Store. Implementations must make Update and
// AppendProposal atomic with respect to each other for the same request.
type Repository interface {
	// Create fails with ErrDuplicateRequest when the id exists.
	Create(ctx context.Context, req Request) (Request, error)
	// Get fails with ErrNotFound.
	Get(ctx context.Context, id string) (Request, error)
	// Update writes status, admin note, assigned partner and every proposal
	// outcome in one step, only if the stored version equals
	// expectedVersion, and increments the version. A stale version fails
	// with ErrVersionConflict.
	Update(ctx context.Context, req Request, expectedVersion int64) (Request, error)
	// AppendProposal adds p when the request is open to partners
	// (ErrWrongState otherwise) and the partner has no proposal yet
	// (ErrDuplicateProposal). It bumps the version without checking it.
	AppendProposal(ctx context.Context, requestID string, p Proposal) (Request, error)
	// ListByCustomer returns the customer's requests, newest first. An empty
	// status matches all.
	ListByCustomer(ctx context.Context, customerID string, status Status) ([]Request, error)
	// ListByStatus returns requests in status, oldest first.
	ListByStatus(ctx context.Context, status Status) ([]Request, error)
}
