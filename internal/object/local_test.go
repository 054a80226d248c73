package object

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestLocalStore_CreateThenGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore() error: %v", err)
	}

	data := []byte("ciphertext")
	tok, err := store.Put(ctx, "1/metadata", data, Precondition{Kind: Create})
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if tok.ETag == nil && tok.Version == nil {
		t.Fatal("Put() returned an empty token")
	}

	got, gotTok, err := store.Get(ctx, "1/metadata")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Get() content = %q, want %q", got, data)
	}
	if *gotTok.Version != *tok.Version {
		t.Errorf("Get() version = %v, want %v", *gotTok.Version, *tok.Version)
	}
}

func TestLocalStore_CreateTwice(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := NewLocalStore(t.TempDir())

	if _, err := store.Put(ctx, "1/metadata", []byte("a"), Precondition{Kind: Create}); err != nil {
		t.Fatalf("first Put() error: %v", err)
	}
	_, err := store.Put(ctx, "1/metadata", []byte("b"), Precondition{Kind: Create})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("second Put() error = %v, want ErrAlreadyExists", err)
	}
}

func TestLocalStore_UpdateWithStaleParent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := NewLocalStore(t.TempDir())

	tok, _ := store.Put(ctx, "1/metadata", []byte("v1"), Precondition{Kind: Create})
	if _, err := store.Put(ctx, "1/metadata", []byte("v2"), Precondition{Kind: Update, ParentVersion: tok.Version}); err != nil {
		t.Fatalf("legitimate Update() error: %v", err)
	}

	// The parent token above is now stale, since the store moved on to v2.
	_, err := store.Put(ctx, "1/metadata", []byte("v3-conflict"), Precondition{Kind: Update, ParentVersion: tok.Version})
	if !errors.Is(err, ErrPrecondition) {
		t.Errorf("stale Update() error = %v, want ErrPrecondition", err)
	}
}

func TestLocalStore_GetNotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := NewLocalStore(t.TempDir())

	_, _, err := store.Get(ctx, "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestLocalStore_NoneOverwritesWithoutCheck(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := NewLocalStore(t.TempDir())

	if _, err := store.Put(ctx, "1/f1", []byte("a"), Precondition{Kind: None}); err != nil {
		t.Fatalf("first Put() error: %v", err)
	}
	if _, err := store.Put(ctx, "1/f1", []byte("b"), Precondition{Kind: None}); err != nil {
		t.Fatalf("second Put() error: %v", err)
	}
	got, _, err := store.Get(ctx, "1/f1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if string(got) != "b" {
		t.Errorf("Get() content = %q, want %q", got, "b")
	}
}
