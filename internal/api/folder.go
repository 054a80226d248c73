package api

import (
	"errors"
	"io"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/nicdard/ssf-ds/internal/apierrors"
	"github.com/nicdard/ssf-ds/internal/folder"
	"github.com/nicdard/ssf-ds/internal/httputil"
	"github.com/nicdard/ssf-ds/internal/metadata"
	"github.com/nicdard/ssf-ds/internal/notify"
	"github.com/nicdard/ssf-ds/internal/object"
	"github.com/nicdard/ssf-ds/internal/queue"
)

// FolderHandler serves folder lifecycle, membership, and file/metadata endpoints (C3, C4+C5, and the share path of
// C7).
type FolderHandler struct {
	folders folder.Repository
	meta    *metadata.Coordinator
	queue   queue.Repository
	bus     *notify.Bus
	log     zerolog.Logger
}

// NewFolderHandler creates a new folder handler.
func NewFolderHandler(folders folder.Repository, meta *metadata.Coordinator, q queue.Repository, bus *notify.Bus, logger zerolog.Logger) *FolderHandler {
	return &FolderHandler{folders: folders, meta: meta, queue: q, bus: bus, log: logger}
}

// folderResponse is the shape returned wherever a folder's token is reported, per §6.1.
type folderResponse struct {
	ID      int64   `json:"id"`
	ETag    *string `json:"etag,omitempty"`
	Version *int64  `json:"version,omitempty"`
}

// objectResponse is the shape of a file/metadata read, per §6.1's "{file, etag?, version?}".
type objectResponse struct {
	File    []byte  `json:"file"`
	ETag    *string `json:"etag,omitempty"`
	Version *int64  `json:"version,omitempty"`
}

// Create handles POST /folders. The caller's initial metadata blob is committed under a Create precondition so the
// first upload has a known parent version, per §4.3's "Initialization" note.
func (h *FolderHandler) Create(c fiber.Ctx) error {
	email, ok := requireIdentity(c)
	if !ok {
		return nil
	}

	metadataBytes, err := readFormFile(c, "metadata")
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.CodeBadRequest, "missing metadata field in multipart form")
	}

	folderID, err := h.folders.CreateFolder(c.Context(), email)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "folder").Msg("create folder failed")
		return internalError(c)
	}

	tok, err := h.meta.Commit(c.Context(), metadata.WriteRequest{FolderID: folderID, MetadataBytes: metadataBytes})
	if err != nil {
		h.log.Error().Err(err).Int64("folder_id", folderID).Str("handler", "folder").Msg("commit initial metadata failed")
		return internalError(c)
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, folderResponse{ID: folderID, ETag: tok.ETag, Version: tok.Version})
}

// List handles GET /folders.
func (h *FolderHandler) List(c fiber.Ctx) error {
	email, ok := requireIdentity(c)
	if !ok {
		return nil
	}

	ids, err := h.folders.FoldersOf(c.Context(), email)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "folder").Msg("list folders failed")
		return internalError(c)
	}

	return httputil.Success(c, fiber.Map{"folders": ids})
}

// Get handles GET /folders/{id}.
func (h *FolderHandler) Get(c fiber.Ctx) error {
	email, ok := requireIdentity(c)
	if !ok {
		return nil
	}
	folderID, err := folderIDParam(c)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.CodeBadRequest, "invalid folder id")
	}
	if member, err := requireMembership(c, h.folders, folderID, email); err != nil {
		h.log.Error().Err(err).Str("handler", "folder").Msg("membership check failed")
		return internalError(c)
	} else if !member {
		return nil
	}

	data, tok, err := h.meta.GetMetadata(c.Context(), folderID)
	if err != nil {
		if errors.Is(err, object.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, apierrors.CodeNotFound, "folder not found")
		}
		h.log.Error().Err(err).Int64("folder_id", folderID).Str("handler", "folder").Msg("get metadata failed")
		return internalError(c)
	}

	return httputil.Success(c, fiber.Map{
		"id": folderID, "etag": tok.ETag, "version": tok.Version, "metadata_content": data,
	})
}

// shareRequest is the body of PATCH /folders/{id}.
type shareRequest struct {
	Emails []string `json:"emails"`
}

// Share handles PATCH /folders/{id}, the baseline membership add with no CGKA proposal attached.
func (h *FolderHandler) Share(c fiber.Ctx) error {
	email, ok := requireIdentity(c)
	if !ok {
		return nil
	}
	folderID, err := folderIDParam(c)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.CodeBadRequest, "invalid folder id")
	}

	var body shareRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.CodeBadRequest, "invalid request body")
	}

	if err := h.folders.AddMembers(c.Context(), folderID, email, body.Emails); err != nil {
		return h.mapFolderError(c, err)
	}

	return httputil.Success(c, fiber.Map{})
}

// ShareWithProposal handles PATCH /v2/folders/{id}: a single new member is added and the CGKA add proposal is queued
// to the folder's existing members in one transaction; the new member does not receive the proposal, which they
// could not decrypt against their own view.
func (h *FolderHandler) ShareWithProposal(c fiber.Ctx) error {
	email, ok := requireIdentity(c)
	if !ok {
		return nil
	}
	folderID, err := folderIDParam(c)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.CodeBadRequest, "invalid folder id")
	}

	invitee := c.FormValue("email")
	if invitee == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.CodeBadRequest, "missing email field in multipart form")
	}
	proposal, err := readFormFile(c, "proposal")
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.CodeBadRequest, "missing proposal field in multipart form")
	}

	recipients, err := h.queue.ShareFolderWithProposal(c.Context(), email, folderID, invitee, proposal)
	if err != nil {
		if count, isPending := queue.AsConflictPending(err); isPending {
			h.notifyConflict(c, email, folderID, count)
			return httputil.Fail(c, fiber.StatusConflict, apierrors.CodeConflictPending, "sender has pending messages in this folder")
		}
		if errors.Is(err, queue.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, apierrors.CodeNotFound, "folder not found")
		}
		h.log.Error().Err(err).Int64("folder_id", folderID).Str("handler", "folder").Msg("share with proposal failed")
		return internalError(c)
	}

	h.notifyRecipients(c, folderID, recipients)
	return httputil.Success(c, fiber.Map{"message_ids": recipientMessageIDs(recipients)})
}

// Welcome handles POST /folders/{id}/welcome: sugar over ShareWithProposal for the common case of inviting a single
// new member who has no other pending proposals to race against. It carries a Welcome message (an ordinary pending
// message under the hood, per §3) rather than an Add proposal, but the queue mechanics — and I5/I6 — are identical,
// so this is a thin alias rather than a parallel code path.
func (h *FolderHandler) Welcome(c fiber.Ctx) error {
	return h.ShareWithProposal(c)
}

// Delete handles DELETE /folders/{id}: the caller removes their own membership; if they were the last member the
// folder row itself is deleted, cascading cleanup of its pending messages.
func (h *FolderHandler) Delete(c fiber.Ctx) error {
	email, ok := requireIdentity(c)
	if !ok {
		return nil
	}
	folderID, err := folderIDParam(c)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.CodeBadRequest, "invalid folder id")
	}

	if err := h.folders.RemoveSelf(c.Context(), folderID, email); err != nil {
		return h.mapFolderError(c, err)
	}

	return httputil.Success(c, fiber.Map{})
}

// UploadFile handles POST /folders/{id}/files/{file_id}.
func (h *FolderHandler) UploadFile(c fiber.Ctx) error {
	email, ok := requireIdentity(c)
	if !ok {
		return nil
	}
	folderID, err := folderIDParam(c)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.CodeBadRequest, "invalid folder id")
	}
	fileID := c.Params("file_id")

	if member, err := requireMembership(c, h.folders, folderID, email); err != nil {
		h.log.Error().Err(err).Str("handler", "folder").Msg("membership check failed")
		return internalError(c)
	} else if !member {
		return nil
	}

	fileBytes, err := readFormFile(c, "file")
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.CodeBadRequest, "missing file field in multipart form")
	}
	metadataBytes, err := readFormFile(c, "metadata")
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.CodeBadRequest, "missing metadata field in multipart form")
	}

	req := metadata.WriteRequest{
		FolderID: folderID, FileID: fileID, FileBytes: fileBytes, MetadataBytes: metadataBytes,
		ParentETag: formValuePtr(c, "parent_etag"), ParentVersion: formValueInt64Ptr(c, "parent_version"),
	}

	tok, err := h.meta.Commit(c.Context(), req)
	if err != nil {
		return h.mapMetadataError(c, err)
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, folderResponse{ID: folderID, ETag: tok.ETag, Version: tok.Version})
}

// GetFile handles GET /folders/{id}/files/{file_id}.
func (h *FolderHandler) GetFile(c fiber.Ctx) error {
	email, ok := requireIdentity(c)
	if !ok {
		return nil
	}
	folderID, err := folderIDParam(c)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.CodeBadRequest, "invalid folder id")
	}
	fileID := c.Params("file_id")

	if member, err := requireMembership(c, h.folders, folderID, email); err != nil {
		h.log.Error().Err(err).Str("handler", "folder").Msg("membership check failed")
		return internalError(c)
	} else if !member {
		return nil
	}

	data, tok, err := h.meta.GetFile(c.Context(), folderID, fileID)
	if err != nil {
		if errors.Is(err, object.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, apierrors.CodeNotFound, "file not found")
		}
		h.log.Error().Err(err).Int64("folder_id", folderID).Str("handler", "folder").Msg("get file failed")
		return internalError(c)
	}

	return httputil.Success(c, objectResponse{File: data, ETag: tok.ETag, Version: tok.Version})
}

// GetMetadataObject handles GET /folders/{id}/metadatas.
func (h *FolderHandler) GetMetadataObject(c fiber.Ctx) error {
	email, ok := requireIdentity(c)
	if !ok {
		return nil
	}
	folderID, err := folderIDParam(c)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.CodeBadRequest, "invalid folder id")
	}

	if member, err := requireMembership(c, h.folders, folderID, email); err != nil {
		h.log.Error().Err(err).Str("handler", "folder").Msg("membership check failed")
		return internalError(c)
	} else if !member {
		return nil
	}

	data, tok, err := h.meta.GetMetadata(c.Context(), folderID)
	if err != nil {
		if errors.Is(err, object.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, apierrors.CodeNotFound, "folder not found")
		}
		h.log.Error().Err(err).Int64("folder_id", folderID).Str("handler", "folder").Msg("get metadata failed")
		return internalError(c)
	}

	return httputil.Success(c, objectResponse{File: data, ETag: tok.ETag, Version: tok.Version})
}

// PostMetadataObject handles POST /folders/{id}/metadatas.
func (h *FolderHandler) PostMetadataObject(c fiber.Ctx) error {
	email, ok := requireIdentity(c)
	if !ok {
		return nil
	}
	folderID, err := folderIDParam(c)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.CodeBadRequest, "invalid folder id")
	}

	if member, err := requireMembership(c, h.folders, folderID, email); err != nil {
		h.log.Error().Err(err).Str("handler", "folder").Msg("membership check failed")
		return internalError(c)
	} else if !member {
		return nil
	}

	metadataBytes, err := readFormFile(c, "metadata")
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.CodeBadRequest, "missing metadata field in multipart form")
	}

	req := metadata.WriteRequest{
		FolderID: folderID, MetadataBytes: metadataBytes,
		ParentETag: formValuePtr(c, "parent_etag"), ParentVersion: formValueInt64Ptr(c, "parent_version"),
	}

	tok, err := h.meta.Commit(c.Context(), req)
	if err != nil {
		return h.mapMetadataError(c, err)
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, folderResponse{ID: folderID, ETag: tok.ETag, Version: tok.Version})
}

// notifyRecipients fans out a folder-change event to each recipient via C8, best-effort: a notify failure is logged,
// never surfaced to the caller, since the mutation it describes already committed.
func (h *FolderHandler) notifyRecipients(c fiber.Ctx, folderID int64, recipients []queue.RecipientMessage) {
	for _, r := range recipients {
		if err := h.bus.Publish(c.Context(), notify.NewFolderEvent(folderID, r.Recipient)); err != nil {
			h.log.Warn().Err(err).Str("recipient", r.Recipient).Msg("notify publish failed")
		}
	}
}

// notifyConflict tells sender to fetch their pending messages, per §4.5's ConflictPending handling.
func (h *FolderHandler) notifyConflict(c fiber.Ctx, sender string, folderID int64, _ int) {
	if err := h.bus.Publish(c.Context(), notify.NewFolderEvent(folderID, sender)); err != nil {
		h.log.Warn().Err(err).Str("recipient", sender).Msg("notify publish failed")
	}
}

func recipientMessageIDs(recipients []queue.RecipientMessage) []int64 {
	ids := make([]int64, len(recipients))
	for i, r := range recipients {
		ids[i] = r.MsgID
	}
	return ids
}

func (h *FolderHandler) mapFolderError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, folder.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.CodeNotFound, "folder not found")
	case errors.Is(err, folder.ErrNotMember):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.CodeNotFound, "folder not found")
	default:
		h.log.Error().Err(err).Str("handler", "folder").Msg("unhandled folder service error")
		return internalError(c)
	}
}

func (h *FolderHandler) mapMetadataError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, metadata.ErrConflict):
		return httputil.Fail(c, fiber.StatusConflict, apierrors.CodeConflict, "metadata write conflict")
	case errors.Is(err, metadata.ErrReservedFileID):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.CodeBadRequest, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "folder").Msg("unhandled metadata service error")
		return internalError(c)
	}
}

// readFormFile reads the named multipart field fully into memory. File and metadata blobs are end-to-end encrypted
// ciphertext the server never interprets, so there is no benefit to streaming them past this boundary.
func readFormFile(c fiber.Ctx, field string) ([]byte, error) {
	fh, err := c.FormFile(field)
	if err != nil {
		return nil, err
	}
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(f)
}

// formValuePtr returns a pointer to a non-empty multipart text field, or nil if absent — matching the "etag?"
// optionality of the precondition tokens.
func formValuePtr(c fiber.Ctx, field string) *string {
	v := c.FormValue(field)
	if v == "" {
		return nil
	}
	return &v
}

// formValueInt64Ptr parses a multipart text field as int64, returning nil if absent or unparsable.
func formValueInt64Ptr(c fiber.Ctx, field string) *int64 {
	v := c.FormValue(field)
	if v == "" {
		return nil
	}
	n, err := parseInt64(v)
	if err != nil {
		return nil
	}
	return &n
}
