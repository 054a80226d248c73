package api

import (
	"strconv"

	"github.com/gofiber/fiber/v3"

	"github.com/nicdard/ssf-ds/internal/apierrors"
	"github.com/nicdard/ssf-ds/internal/folder"
	"github.com/nicdard/ssf-ds/internal/httputil"
	"github.com/nicdard/ssf-ds/internal/identity"
)

// folderIDParam parses the ":id" route parameter as the int64 folder_id the domain packages key on.
func folderIDParam(c fiber.Ctx) (int64, error) {
	return strconv.ParseInt(c.Params("id"), 10, 64)
}

// parseInt64 is a thin wrapper so callers outside this file don't need to import strconv themselves.
func parseInt64(v string) (int64, error) {
	return strconv.ParseInt(v, 10, 64)
}

// formValueInt64Slice reads every value of a repeated multipart text field (e.g. "message_ids[]") as int64.
func formValueInt64Slice(c fiber.Ctx, field string) ([]int64, error) {
	form, err := c.Context().MultipartForm()
	if err != nil {
		return nil, err
	}
	values := form.Value[field]
	out := make([]int64, 0, len(values))
	for _, v := range values {
		n, err := parseInt64(v)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// requireIdentity resolves the caller's email, set by identity.Require, or writes an Unauthorized response and
// returns ok=false. Handlers call this first since every folder-scoped route requires a resolved identity before
// membership can even be checked.
func requireIdentity(c fiber.Ctx) (email string, ok bool) {
	email, ok = identity.Email(c)
	if !ok {
		_ = httputil.Fail(c, fiber.StatusUnauthorized, apierrors.CodeUnauthorized, "missing client identity")
	}
	return email, ok
}

// requireMembership checks that email belongs to folderID, writing a 404 (rather than 403, per spec.md's "do not
// reveal existence" posture) when it does not.
func requireMembership(c fiber.Ctx, folders folder.Repository, folderID int64, email string) (bool, error) {
	member, err := folders.IsMember(c.Context(), folderID, email)
	if err != nil {
		return false, err
	}
	if !member {
		_ = httputil.Fail(c, fiber.StatusNotFound, apierrors.CodeNotFound, "folder not found")
		return false, nil
	}
	return true, nil
}

// internalError writes a generic 500 response, matching the teacher's default case in every mapXError switch. Callers
// log err with their own logger before invoking this.
func internalError(c fiber.Ctx) error {
	return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.CodeInternal, "An internal error occurred")
}
