package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/nicdard/ssf-ds/internal/apierrors"
	"github.com/nicdard/ssf-ds/internal/httputil"
	"github.com/nicdard/ssf-ds/internal/identity"
	"github.com/nicdard/ssf-ds/internal/user"
)

// UserHandler serves the user registry endpoints (C2).
type UserHandler struct {
	users user.Repository
	log   zerolog.Logger
}

// NewUserHandler creates a new user handler.
func NewUserHandler(users user.Repository, logger zerolog.Logger) *UserHandler {
	return &UserHandler{users: users, log: logger}
}

// registerRequest is the body of POST /users.
type registerRequest struct {
	Email string `json:"email"`
}

// Register handles POST /users. Unlike every other route, this one does not require prior registration: the caller
// only needs to present a client certificate whose SAN set contains the requested email.
func (h *UserHandler) Register(c fiber.Ctx) error {
	tlsState := c.Context().TLSConnectionState()
	if tlsState == nil || len(tlsState.PeerCertificates) == 0 {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.CodeUnauthorized, "missing client certificate")
	}

	var body registerRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.CodeBadRequest, "invalid request body")
	}

	email, err := user.ValidateEmail(body.Email)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.CodeBadRequest, err.Error())
	}

	san := identity.SANEmails(tlsState.PeerCertificates[0])
	if !containsEmail(san, email) {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.CodeUnauthorized,
			"certificate does not attest the requested email")
	}

	u, err := h.users.Create(c.Context(), email)
	if err != nil {
		if errors.Is(err, user.ErrAlreadyExists) {
			return httputil.Fail(c, fiber.StatusConflict, apierrors.CodeConflict, "email already registered")
		}
		h.log.Error().Err(err).Str("handler", "user").Msg("register user failed")
		return internalError(c)
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, u)
}

// List handles GET /users.
func (h *UserHandler) List(c fiber.Ctx) error {
	if _, ok := requireIdentity(c); !ok {
		return nil
	}

	users, err := h.users.List(c.Context())
	if err != nil {
		h.log.Error().Err(err).Str("handler", "user").Msg("list users failed")
		return internalError(c)
	}

	return httputil.Success(c, users)
}

func containsEmail(candidates []string, email string) bool {
	for _, c := range candidates {
		if c == email {
			return true
		}
	}
	return false
}
