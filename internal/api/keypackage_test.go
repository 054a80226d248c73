package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/nicdard/ssf-ds/internal/apierrors"
	"github.com/nicdard/ssf-ds/internal/folder"
	"github.com/nicdard/ssf-ds/internal/keypackage"
)

// fakeKeyRepo implements keypackage.Repository in memory for handler tests.
type fakeKeyRepo struct {
	nextID int64
	pools  map[string][][]byte
}

func newFakeKeyRepo() *fakeKeyRepo {
	return &fakeKeyRepo{pools: make(map[string][][]byte)}
}

func (r *fakeKeyRepo) Publish(_ context.Context, owner string, blob []byte) (int64, error) {
	r.nextID++
	r.pools[owner] = append(r.pools[owner], blob)
	return r.nextID, nil
}

func (r *fakeKeyRepo) Consume(_ context.Context, owner string) (*keypackage.KeyPackage, error) {
	pool := r.pools[owner]
	if len(pool) == 0 {
		return nil, keypackage.ErrEmpty
	}
	blob := pool[0]
	r.pools[owner] = pool[1:]
	return &keypackage.KeyPackage{Owner: owner, Blob: blob}, nil
}

func (r *fakeKeyRepo) Count(_ context.Context, owner string) (int, error) {
	return len(r.pools[owner]), nil
}

func testKeyPackageApp(t *testing.T, keys *fakeKeyRepo, folders folder.Repository, email string) (*fiber.App, *KeyPackageHandler) {
	t.Helper()
	bus := newTestBus(t)
	handler := NewKeyPackageHandler(keys, folders, bus, zerolog.Nop())
	app := fiber.New()
	app.Use(fakeAuth(email))
	app.Post("/users/keys", handler.Publish)
	app.Post("/folders/:id/keys", handler.Consume)
	return app, handler
}

func TestKeyPackagePublish_Success(t *testing.T) {
	t.Parallel()
	keys := newFakeKeyRepo()
	app, _ := testKeyPackageApp(t, keys, newFakeFolderRepo(), "a@x.com")

	resp := doReq(t, app, multipartReq(t, http.MethodPost, "/users/keys", nil, map[string][]byte{"key_package": []byte("kp-blob")}))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("status = %d, want %d, body=%s", resp.StatusCode, fiber.StatusCreated, body)
	}
	if count, _ := keys.Count(context.Background(), "a@x.com"); count != 1 {
		t.Errorf("pool count = %d, want 1", count)
	}
}

func TestKeyPackageConsume_RequestorNotMember(t *testing.T) {
	t.Parallel()
	keys := newFakeKeyRepo()
	folders := newFakeFolderRepo()
	folderID, _ := folders.CreateFolder(context.Background(), "owner@x.com")
	app, _ := testKeyPackageApp(t, keys, folders, "stranger@x.com")

	resp := doReq(t, app, jsonReq(http.MethodPost, "/folders/"+idStr(folderID)+"/keys", `{"user_email":"owner@x.com"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusNotFound)
	}
	env := parseError(t, body)
	if env.Error.Code != string(apierrors.CodeNotFound) {
		t.Errorf("error code = %q, want %q", env.Error.Code, apierrors.CodeNotFound)
	}
}

func TestKeyPackageConsume_OwnerNotMember(t *testing.T) {
	t.Parallel()
	keys := newFakeKeyRepo()
	_, _ = keys.Publish(context.Background(), "outsider@x.com", []byte("kp"))
	folders := newFakeFolderRepo()
	folderID, _ := folders.CreateFolder(context.Background(), "requestor@x.com")
	app, _ := testKeyPackageApp(t, keys, folders, "requestor@x.com")

	resp := doReq(t, app, jsonReq(http.MethodPost, "/folders/"+idStr(folderID)+"/keys", `{"user_email":"outsider@x.com"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusNotFound)
	}
}

func TestKeyPackageConsume_Empty(t *testing.T) {
	t.Parallel()
	keys := newFakeKeyRepo()
	folders := newFakeFolderRepo()
	folderID, _ := folders.CreateFolder(context.Background(), "owner@x.com")
	_ = folders.AddMembers(context.Background(), folderID, "owner@x.com", []string{"requestor@x.com"})
	app, _ := testKeyPackageApp(t, keys, folders, "requestor@x.com")

	resp := doReq(t, app, jsonReq(http.MethodPost, "/folders/"+idStr(folderID)+"/keys", `{"user_email":"owner@x.com"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusNotFound)
	}
	env := parseError(t, body)
	if env.Error.Code != string(apierrors.CodeNotFound) {
		t.Errorf("error code = %q, want %q", env.Error.Code, apierrors.CodeNotFound)
	}
}

func TestKeyPackageConsume_Success(t *testing.T) {
	t.Parallel()
	keys := newFakeKeyRepo()
	_, _ = keys.Publish(context.Background(), "owner@x.com", []byte("kp-blob"))
	folders := newFakeFolderRepo()
	folderID, _ := folders.CreateFolder(context.Background(), "owner@x.com")
	_ = folders.AddMembers(context.Background(), folderID, "owner@x.com", []string{"requestor@x.com"})
	app, _ := testKeyPackageApp(t, keys, folders, "requestor@x.com")

	resp := doReq(t, app, jsonReq(http.MethodPost, "/folders/"+idStr(folderID)+"/keys", `{"user_email":"owner@x.com"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want %d, body=%s", resp.StatusCode, fiber.StatusOK, body)
	}
	env := parseSuccess(t, body)
	var got struct {
		Payload []byte `json:"payload"`
	}
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if string(got.Payload) != "kp-blob" {
		t.Errorf("payload = %q, want %q", got.Payload, "kp-blob")
	}
	if count, _ := keys.Count(context.Background(), "owner@x.com"); count != 0 {
		t.Errorf("pool count after consume = %d, want 0", count)
	}
}
