// Package user implements the user registry (C2): a flat table of registered emails, keyed by the same RFC822 names
// that mutual TLS certificates bind identity to.
package user

import (
	"context"
	"errors"
	"net/mail"
)

// Sentinel errors for the user package.
var (
	ErrNotFound      = errors.New("user not found")
	ErrAlreadyExists = errors.New("email already registered")
	ErrInvalidEmail  = errors.New("email is not a valid address")
)

// User is a registered identity. The email is the sole identifying attribute; there is no password, display name, or
// profile, since identity is established entirely by the presented client certificate.
type User struct {
	Email string
}

// ValidateEmail checks that email is syntactically valid per RFC 5322 and returns the bare address with any display
// name stripped. Letter case is left as given.
func ValidateEmail(email string) (string, error) {
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return "", ErrInvalidEmail
	}
	return addr.Address, nil
}

// Repository defines the data-access contract for the user registry.
type Repository interface {
	// Create registers a new user. Returns ErrAlreadyExists if the email is taken.
	Create(ctx context.Context, email string) (*User, error)

	// Exists reports whether a user with the given email is registered.
	Exists(ctx context.Context, email string) (bool, error)

	// List returns all registered emails, ordered for stable pagination-free listing.
	List(ctx context.Context) ([]User, error)

	// FindByEmails returns the subset of the given emails that are registered. Used by the identity binder (C1) to
	// resolve a certificate's SAN set against the registry.
	FindByEmails(ctx context.Context, emails []string) ([]User, error)
}
