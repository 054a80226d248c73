package identity

import (
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/nicdard/ssf-ds/internal/apierrors"
	"github.com/nicdard/ssf-ds/internal/httputil"
	"github.com/nicdard/ssf-ds/internal/user"
)

// localsKeyEmail is the Fiber Locals key under which the resolved user's email is stored. RequestLogger reads the
// same key to attach identity to request log lines.
const localsKeyEmail = "identityEmail"

// Require returns Fiber middleware that resolves the request's mTLS peer certificate to a registered user and
// stores the user's email in Locals. It fails Unauthorized if no client certificate was presented, or if the
// certificate's SAN set does not resolve to exactly one registered user.
func Require(repo user.Repository, logger zerolog.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		tlsState := c.Context().TLSConnectionState()
		if tlsState == nil || len(tlsState.PeerCertificates) == 0 {
			return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.CodeUnauthorized, "missing client certificate")
		}

		u, err := Identify(c.Context(), repo, tlsState.PeerCertificates[0])
		if err != nil {
			logger.Debug().Err(err).Msg("Identity resolution failed")
			return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.CodeUnauthorized, "identity not recognized")
		}

		c.Locals(localsKeyEmail, u.Email)
		return c.Next()
	}
}

// Email returns the identified user's email from the request context, as set by Require. The second return value
// is false if Require has not run (or failed) for this request.
func Email(c fiber.Ctx) (string, bool) {
	email, ok := c.Locals(localsKeyEmail).(string)
	return email, ok && email != ""
}
