// Package metadata implements the metadata concurrency coordinator (C5): it bundles a file write with a metadata
// version bump under an optimistic precondition, and is the only component that reaches into the object store (C4)
// with preconditions.
package metadata

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/nicdard/ssf-ds/internal/object"
)

// Sentinel errors for the coordinator.
var (
	// ErrConflict is the canonical rejection for a stale client: either the metadata precondition failed, or the
	// metadata object already existed on a Create attempt.
	ErrConflict = errors.New("metadata write conflict")

	// ErrReservedFileID is returned when the caller attempts to write a file named "metadata".
	ErrReservedFileID = object.ErrReservedFileID
)

// WriteRequest groups the inputs of a combined metadata+file write, per §4.3.
type WriteRequest struct {
	FolderID      int64
	FileID        string // empty when this call only updates metadata (e.g. folder creation)
	FileBytes     []byte
	MetadataBytes []byte
	ParentETag    *string
	ParentVersion *int64
}

// Coordinator implements the write protocol over a Store.
type Coordinator struct {
	store object.Store
	log   zerolog.Logger
}

// NewCoordinator creates a new metadata concurrency coordinator over the given object store backend.
func NewCoordinator(store object.Store, logger zerolog.Logger) *Coordinator {
	return &Coordinator{store: store, log: logger}
}

// Commit runs the combined metadata+file write protocol of §4.3:
//  1. Reject a reserved file id.
//  2. Put the metadata object under a Create or Update(parent) precondition, depending on whether parent tokens were
//     supplied.
//  3. On precondition failure, return ErrConflict without touching the file.
//  4. On success, if file bytes were supplied, put the file with no precondition.
//  5. Return the new metadata token.
func (c *Coordinator) Commit(ctx context.Context, req WriteRequest) (object.Token, error) {
	if req.FileID != "" {
		if err := object.ValidateFileID(req.FileID); err != nil {
			return object.Token{}, err
		}
	}

	pre := object.Precondition{Kind: object.Create}
	if req.ParentETag != nil || req.ParentVersion != nil {
		pre = object.Precondition{Kind: object.Update, ParentETag: req.ParentETag, ParentVersion: req.ParentVersion}
	}

	tok, err := c.store.Put(ctx, object.MetadataKey(req.FolderID), req.MetadataBytes, pre)
	if err != nil {
		if errors.Is(err, object.ErrAlreadyExists) || errors.Is(err, object.ErrPrecondition) {
			return object.Token{}, ErrConflict
		}
		return object.Token{}, fmt.Errorf("put metadata object: %w", err)
	}

	if req.FileBytes != nil {
		if _, err := c.store.Put(ctx, object.FileKey(req.FolderID, req.FileID), req.FileBytes, object.Precondition{Kind: object.None}); err != nil {
			// The metadata commit already succeeded; the client's retry path is to rebase against the new metadata
			// version and resubmit the file, so this is logged rather than rolled back.
			c.log.Error().Err(err).Int64("folder_id", req.FolderID).Str("file_id", req.FileID).Msg("File write failed after metadata commit")
			return object.Token{}, fmt.Errorf("put file object: %w", err)
		}
	}

	return tok, nil
}

// GetMetadata reads a folder's current metadata object.
func (c *Coordinator) GetMetadata(ctx context.Context, folderID int64) ([]byte, object.Token, error) {
	return c.store.Get(ctx, object.MetadataKey(folderID))
}

// GetFile reads a file object from a folder.
func (c *Coordinator) GetFile(ctx context.Context, folderID int64, fileID string) ([]byte, object.Token, error) {
	if err := object.ValidateFileID(fileID); err != nil {
		return nil, object.Token{}, err
	}
	return c.store.Get(ctx, object.FileKey(folderID, fileID))
}
