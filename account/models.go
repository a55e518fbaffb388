// Package account reads the contact profiles owned by the surrounding
// application.
package account

import "time"

// Profile captures the contact details revealed to a winning partner.
type Profile struct {
	ID          string
	DisplayName string
	Email       string
	Phone       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
