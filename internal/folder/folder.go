// Package folder implements the folder ACL store (C3): the set of folders and, per folder, the set of member emails
// authorized to read and write its objects. The server enforces membership on every request; it holds no opinion on
// folder contents, since those are opaque ciphertext owned by C4/C5.
package folder

import (
	"context"
	"errors"
)

// Sentinel errors for the folder package.
var (
	ErrNotFound     = errors.New("folder not found")
	ErrNotMember    = errors.New("user is not a member of the folder")
	ErrAlreadyOwner = errors.New("user already owns a membership in the folder")
)

// Folder identifies a shared folder. Its contents (metadata object, file objects) live in the object store under a
// key prefix derived from FolderID; this package only tracks who may reach them.
type Folder struct {
	FolderID int64
}

// Membership records that a user belongs to a folder.
type Membership struct {
	FolderID int64
	Email    string
}

// Repository defines the data-access contract for folder membership.
type Repository interface {
	// CreateFolder creates a new folder owned solely by owner and returns its ID.
	CreateFolder(ctx context.Context, owner string) (int64, error)

	// IsMember reports whether email currently belongs to folderID.
	IsMember(ctx context.Context, folderID int64, email string) (bool, error)

	// MembersOf returns the emails of every current member of folderID, ordered by join time.
	MembersOf(ctx context.Context, folderID int64) ([]string, error)

	// FoldersOf returns the IDs of every folder email currently belongs to, ordered by join time.
	FoldersOf(ctx context.Context, email string) ([]int64, error)

	// AddMembers adds emails to folderID on behalf of actor. Returns ErrNotFound if the folder does not exist,
	// ErrNotMember if actor is not a current member. Emails already present are silently skipped.
	AddMembers(ctx context.Context, folderID int64, actor string, emails []string) error

	// RemoveSelf removes actor's own membership from folderID. If actor was the last member, the folder itself is
	// deleted in the same transaction, per the invariant that a folder with no members cannot persist.
	RemoveSelf(ctx context.Context, folderID int64, actor string) error
}
