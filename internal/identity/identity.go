// Package identity resolves who the current user is and what their
// counterparties are called. Issuing credentials happens elsewhere.
package identity

import "context"

// Identity is an authenticated user.
type Identity struct {
	UserID      string `json:"id"`
	DisplayName string `json:"name"`
}

// Directory looks up display names of other users.
type Directory interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}
