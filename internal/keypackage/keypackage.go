// Package keypackage implements the KeyPackage pool (C6): single-use, FIFO-ordered key material a user publishes so
// that other users can add them to a folder's group without an online round trip. The server stores and serves these
// blobs opaquely; it never inspects their contents.
package keypackage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for the keypackage package.
var (
	// ErrEmpty is returned by Consume when the owner has no published KeyPackage available.
	ErrEmpty = errors.New("no key package available")

	// ErrOwnerNotFound is returned by Publish when owner is not a registered user.
	ErrOwnerNotFound = errors.New("key package owner not registered")
)

// KeyPackage is an opaque, single-use blob published by a user.
type KeyPackage struct {
	ID        int64
	Owner     string
	Blob      []byte
	CreatedAt time.Time
}

// Repository defines the data-access contract for the KeyPackage pool.
type Repository interface {
	// Publish adds blob to owner's pool and returns its assigned ID.
	Publish(ctx context.Context, owner string, blob []byte) (int64, error)

	// Consume atomically removes and returns the oldest unconsumed KeyPackage published by owner (invariant I7: a
	// KeyPackage is never observed twice). Returns ErrEmpty if the pool is empty.
	Consume(ctx context.Context, owner string) (*KeyPackage, error)

	// Count returns the number of KeyPackages currently available for owner.
	Count(ctx context.Context, owner string) (int, error)
}
