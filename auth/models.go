package auth

import "github.com/golang-jwt/jwt/v5"

type Role string

const (
	RoleCustomer Role = "customer"
	RolePartner  Role = "partner"
	RoleReviewer Role = "reviewer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RolePartner, RoleReviewer:
		return true
	default:
		return false
	}
}

// Identity is the authenticated actor behind a request. Partner eligibility
// is not encoded here; it is checked against memberships on every call.
type Identity struct {
	AccountID string
	Role      Role
}

type claims struct {
	AccountID string `json:"account_id"`
	Role      Role   `json:"role"`
	jwt.RegisteredClaims
}
