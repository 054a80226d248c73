// Package identity implements the identity binder (C1): it resolves the RFC822 SAN entries on a presented X.509
// client certificate to exactly one registered user. The server never trusts a body-supplied identity except during
// registration, where the supplied email must itself be a member of the certificate's SAN set.
package identity

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/nicdard/ssf-ds/internal/user"
)

// ErrUnauthorized is returned when the certificate's SAN set is empty, or does not resolve to exactly one
// registered user (invariant I1).
var ErrUnauthorized = errors.New("identity not recognized")

// SANEmails returns the RFC822 (email) Subject Alternative Name entries on cert. Go's x509 package already parses
// these into EmailAddresses; this helper exists so callers never reach into the certificate structure directly.
func SANEmails(cert *x509.Certificate) []string {
	return cert.EmailAddresses
}

// Identify resolves cert to exactly one registered user. It queries repo for every user whose email appears in
// the certificate's SAN set; any count other than exactly one is Unauthorized.
func Identify(ctx context.Context, repo user.Repository, cert *x509.Certificate) (user.User, error) {
	emails := SANEmails(cert)
	if len(emails) == 0 {
		return user.User{}, ErrUnauthorized
	}

	matches, err := repo.FindByEmails(ctx, emails)
	if err != nil {
		return user.User{}, fmt.Errorf("find by emails: %w", err)
	}
	if len(matches) != 1 {
		return user.User{}, ErrUnauthorized
	}
	return matches[0], nil
}
