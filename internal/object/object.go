// Package object implements the object store adapter (C4): a capability set of {put_conditional, get, head} over
// opaque byte blobs. The store never interprets the bytes it holds — file content and per-folder metadata are both
// ciphertext to the server.
package object

import (
	"context"
	"errors"
)

// Sentinel errors for the object store.
var (
	// ErrNotFound is returned by Get/Head when no object exists at the given key.
	ErrNotFound = errors.New("object not found")

	// ErrAlreadyExists is returned by Put when a Create precondition is used but an object already exists at the key.
	ErrAlreadyExists = errors.New("object already exists")

	// ErrPrecondition is returned by Put when an Update precondition's parent etag/version does not match the
	// object's current generation.
	ErrPrecondition = errors.New("precondition failed")
)

// PreconditionKind selects the conditional-write mode of a Put call.
type PreconditionKind int

const (
	// Create requires that no object currently exists at the key.
	Create PreconditionKind = iota

	// Update requires that the object's current token matches the given parent etag/version. A nil field in the
	// parent token is not checked, matching the "etag? version?" optionality in the data model.
	Update

	// None performs no precondition check; the write always succeeds and overwrites any prior generation. Used for
	// file blobs, which are addressed by a client-chosen id and whose overwrite semantics are authorized by the
	// metadata object that indexes them.
	None
)

// Precondition describes the conditional-write mode and, for Update, the parent token the caller believes is current.
type Precondition struct {
	Kind          PreconditionKind
	ParentETag    *string
	ParentVersion *int64
}

// Token identifies an object's generation. At least one field is populated after any successful Put.
type Token struct {
	ETag    *string
	Version *int64
}

// Store is the capability set exposed by an object store backend. Implementations: LocalStore (development,
// filesystem-backed) and S3Store (production, any S3-compatible endpoint).
type Store interface {
	// Put writes data at key under the given precondition. Returns ErrAlreadyExists for a failed Create precondition
	// and ErrPrecondition for a failed Update precondition; in both cases the object is left unchanged.
	Put(ctx context.Context, key string, data []byte, pre Precondition) (Token, error)

	// Get returns the object's bytes and current token. Returns ErrNotFound if no object exists at key.
	Get(ctx context.Context, key string) ([]byte, Token, error)

	// Head returns the object's current token without reading its body. Returns ErrNotFound if no object exists.
	Head(ctx context.Context, key string) (Token, error)
}
