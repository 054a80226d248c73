package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/nicdard/ssf-ds/internal/apierrors"
	"github.com/nicdard/ssf-ds/internal/folder"
	"github.com/nicdard/ssf-ds/internal/httputil"
	"github.com/nicdard/ssf-ds/internal/keypackage"
	"github.com/nicdard/ssf-ds/internal/notify"
)

// KeyPackageHandler serves the KeyPackage pool endpoints (C6).
type KeyPackageHandler struct {
	keys    keypackage.Repository
	folders folder.Repository
	bus     *notify.Bus
	log     zerolog.Logger
}

// NewKeyPackageHandler creates a new KeyPackage handler.
func NewKeyPackageHandler(keys keypackage.Repository, folders folder.Repository, bus *notify.Bus, logger zerolog.Logger) *KeyPackageHandler {
	return &KeyPackageHandler{keys: keys, folders: folders, bus: bus, log: logger}
}

// Publish handles POST /users/keys.
func (h *KeyPackageHandler) Publish(c fiber.Ctx) error {
	email, ok := requireIdentity(c)
	if !ok {
		return nil
	}

	blob, err := readFormFile(c, "key_package")
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.CodeBadRequest, "missing key_package field in multipart form")
	}

	id, err := h.keys.Publish(c.Context(), email, blob)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "keypackage").Msg("publish key package failed")
		return internalError(c)
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, fiber.Map{"key_package_id": id})
}

// consumeRequest is the body of POST /folders/{id}/keys.
type consumeRequest struct {
	UserEmail string `json:"user_email"`
}

// Consume handles POST /folders/{id}/keys. Both the KeyPackage owner and the requestor must be members of the named
// folder, preventing a non-member from harvesting another user's KeyPackage pool (§4.4).
func (h *KeyPackageHandler) Consume(c fiber.Ctx) error {
	requestor, ok := requireIdentity(c)
	if !ok {
		return nil
	}
	folderID, err := folderIDParam(c)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.CodeBadRequest, "invalid folder id")
	}

	var body consumeRequest
	if err := c.Bind().Body(&body); err != nil || body.UserEmail == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.CodeBadRequest, "invalid request body")
	}
	owner := body.UserEmail

	if member, err := requireMembership(c, h.folders, folderID, requestor); err != nil {
		h.log.Error().Err(err).Str("handler", "keypackage").Msg("requestor membership check failed")
		return internalError(c)
	} else if !member {
		return nil
	}
	if member, err := h.folders.IsMember(c.Context(), folderID, owner); err != nil {
		h.log.Error().Err(err).Str("handler", "keypackage").Msg("owner membership check failed")
		return internalError(c)
	} else if !member {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.CodeNotFound, "folder not found")
	}

	kp, err := h.keys.Consume(c.Context(), owner)
	if err != nil {
		if errors.Is(err, keypackage.ErrEmpty) {
			return httputil.Fail(c, fiber.StatusNotFound, apierrors.CodeNotFound, "no key package available")
		}
		h.log.Error().Err(err).Str("handler", "keypackage").Msg("consume key package failed")
		return internalError(c)
	}

	if err := h.bus.Publish(c.Context(), notify.NewKeyPackageEvent(owner)); err != nil {
		h.log.Warn().Err(err).Str("recipient", owner).Msg("notify publish failed")
	}

	return httputil.Success(c, fiber.Map{"payload": kp.Blob})
}
