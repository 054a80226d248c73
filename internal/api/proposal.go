package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/nicdard/ssf-ds/internal/apierrors"
	"github.com/nicdard/ssf-ds/internal/folder"
	"github.com/nicdard/ssf-ds/internal/httputil"
	"github.com/nicdard/ssf-ds/internal/notify"
	"github.com/nicdard/ssf-ds/internal/queue"
)

// ProposalHandler serves the message queue endpoints (C7): publishing CGKA proposals and their application payloads,
// reading the front of a recipient's queue, and acknowledging delivery.
type ProposalHandler struct {
	folders folder.Repository
	queue   queue.Repository
	bus     *notify.Bus
	log     zerolog.Logger
}

// NewProposalHandler creates a new proposal handler.
func NewProposalHandler(folders folder.Repository, q queue.Repository, bus *notify.Bus, logger zerolog.Logger) *ProposalHandler {
	return &ProposalHandler{folders: folders, queue: q, bus: bus, log: logger}
}

// Publish handles POST /folders/{id}/proposals.
func (h *ProposalHandler) Publish(c fiber.Ctx) error {
	email, ok := requireIdentity(c)
	if !ok {
		return nil
	}
	folderID, err := folderIDParam(c)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.CodeBadRequest, "invalid folder id")
	}
	if member, err := requireMembership(c, h.folders, folderID, email); err != nil {
		h.log.Error().Err(err).Str("handler", "proposal").Msg("membership check failed")
		return internalError(c)
	} else if !member {
		return nil
	}

	payload, err := readFormFile(c, "proposal")
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.CodeBadRequest, "missing proposal field in multipart form")
	}

	recipients, err := h.queue.PublishProposal(c.Context(), email, folderID, payload)
	if err != nil {
		if _, isPending := queue.AsConflictPending(err); isPending {
			if notifyErr := h.bus.Publish(c.Context(), notify.NewFolderEvent(folderID, email)); notifyErr != nil {
				h.log.Warn().Err(notifyErr).Str("recipient", email).Msg("notify publish failed")
			}
			return httputil.Fail(c, fiber.StatusConflict, apierrors.CodeConflictPending, "sender has pending messages in this folder")
		}
		h.log.Error().Err(err).Int64("folder_id", folderID).Str("handler", "proposal").Msg("publish proposal failed")
		return internalError(c)
	}

	for _, r := range recipients {
		if notifyErr := h.bus.Publish(c.Context(), notify.NewFolderEvent(folderID, r.Recipient)); notifyErr != nil {
			h.log.Warn().Err(notifyErr).Str("recipient", r.Recipient).Msg("notify publish failed")
		}
	}

	return httputil.Success(c, fiber.Map{"message_ids": recipientMessageIDs(recipients)})
}

// PublishApplicationPayload handles PATCH /folders/{id}/proposals.
func (h *ProposalHandler) PublishApplicationPayload(c fiber.Ctx) error {
	email, ok := requireIdentity(c)
	if !ok {
		return nil
	}
	folderID, err := folderIDParam(c)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.CodeBadRequest, "invalid folder id")
	}
	if member, err := requireMembership(c, h.folders, folderID, email); err != nil {
		h.log.Error().Err(err).Str("handler", "proposal").Msg("membership check failed")
		return internalError(c)
	} else if !member {
		return nil
	}

	payload, err := readFormFile(c, "payload")
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.CodeBadRequest, "missing payload field in multipart form")
	}
	msgIDs, err := formValueInt64Slice(c, "message_ids")
	if err != nil || len(msgIDs) == 0 {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.CodeBadRequest, "missing or invalid message_ids field")
	}

	recipients, err := h.queue.PublishApplicationPayload(c.Context(), email, folderID, msgIDs, payload)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, apierrors.CodeNotFound, "one or more message ids not found")
		}
		h.log.Error().Err(err).Int64("folder_id", folderID).Str("handler", "proposal").Msg("publish application payload failed")
		return internalError(c)
	}

	for _, recipient := range recipients {
		if notifyErr := h.bus.Publish(c.Context(), notify.NewFolderEvent(folderID, recipient)); notifyErr != nil {
			h.log.Warn().Err(notifyErr).Str("recipient", recipient).Msg("notify publish failed")
		}
	}

	return c.SendStatus(fiber.StatusCreated)
}

// GetFirst handles GET /folders/{id}/proposals.
func (h *ProposalHandler) GetFirst(c fiber.Ctx) error {
	email, ok := requireIdentity(c)
	if !ok {
		return nil
	}
	folderID, err := folderIDParam(c)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.CodeBadRequest, "invalid folder id")
	}
	if member, err := requireMembership(c, h.folders, folderID, email); err != nil {
		h.log.Error().Err(err).Str("handler", "proposal").Msg("membership check failed")
		return internalError(c)
	} else if !member {
		return nil
	}

	msg, err := h.queue.GetFirst(c.Context(), folderID, email)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrNotFound):
			return httputil.Fail(c, fiber.StatusNotFound, apierrors.CodeNotFound, "no pending message")
		case errors.Is(err, queue.ErrRetryAfter):
			return httputil.Fail(c, fiber.StatusTooManyRequests, apierrors.CodeRetryAfter, "application payload not yet available")
		default:
			h.log.Error().Err(err).Int64("folder_id", folderID).Str("handler", "proposal").Msg("get first pending message failed")
			return internalError(c)
		}
	}

	return httputil.Success(c, fiber.Map{
		"message_id":          msg.MsgID,
		"folder_id":           msg.FolderID,
		"payload":             msg.ProposalPayload,
		"application_payload": msg.ApplicationPayload,
	})
}

// Ack handles DELETE /folders/{id}/proposals/{msg_id}.
func (h *ProposalHandler) Ack(c fiber.Ctx) error {
	email, ok := requireIdentity(c)
	if !ok {
		return nil
	}
	folderID, err := folderIDParam(c)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.CodeBadRequest, "invalid folder id")
	}
	msgID, err := parseInt64(c.Params("msg_id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.CodeBadRequest, "invalid msg_id")
	}
	if member, err := requireMembership(c, h.folders, folderID, email); err != nil {
		h.log.Error().Err(err).Str("handler", "proposal").Msg("membership check failed")
		return internalError(c)
	} else if !member {
		return nil
	}

	deleted, err := h.queue.Ack(c.Context(), folderID, email, msgID)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, apierrors.CodeNotFound, "no pending message")
		}
		h.log.Error().Err(err).Int64("folder_id", folderID).Str("handler", "proposal").Msg("ack failed")
		return internalError(c)
	}
	if !deleted {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.CodeBadRequest, "out-of-order ack")
	}

	return httputil.Success(c, fiber.Map{})
}
