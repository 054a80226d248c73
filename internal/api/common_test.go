package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v3"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nicdard/ssf-ds/internal/notify"
)

// testTimeout extends the default app.Test() deadline, matching the margin the teacher gives argon2 hashing tests:
// here it accommodates the in-memory object store and Redis round trips under the race detector.
var testTimeout = fiber.TestConfig{Timeout: 10 * time.Second}

// --- response envelopes ---

type successEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	return b
}

func parseError(t *testing.T, body []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal error response %q: %v", string(body), err)
	}
	return env
}

func parseSuccess(t *testing.T, body []byte) successEnvelope {
	t.Helper()
	var env successEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal success response %q: %v", string(body), err)
	}
	return env
}

func jsonReq(method, url, body string) *http.Request {
	req := httptest.NewRequest(method, url, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// multipartReq builds a multipart/form-data request from plain text fields and byte-blob file fields, matching how
// every object/proposal/keypackage endpoint receives ciphertext.
func multipartReq(t *testing.T, method, url string, fields map[string]string, files map[string][]byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("write field %q: %v", k, err)
		}
	}
	for field, data := range files {
		fw, err := w.CreateFormFile(field, field)
		if err != nil {
			t.Fatalf("create form file %q: %v", field, err)
		}
		if _, err := fw.Write(data); err != nil {
			t.Fatalf("write form file %q: %v", field, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

// multipartReqSlice is multipartReq plus a repeated text field (e.g. "message_ids[]").
func multipartReqSlice(t *testing.T, method, url string, fields map[string]string, repeated map[string][]int64, files map[string][]byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("write field %q: %v", k, err)
		}
	}
	for field, ids := range repeated {
		for _, id := range ids {
			if err := w.WriteField(field, strconv.FormatInt(id, 10)); err != nil {
				t.Fatalf("write repeated field %q: %v", field, err)
			}
		}
	}
	for field, data := range files {
		fw, err := w.CreateFormFile(field, field)
		if err != nil {
			t.Fatalf("create form file %q: %v", field, err)
		}
		if _, err := fw.Write(data); err != nil {
			t.Fatalf("write form file %q: %v", field, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

// doReq sends a request through app.Test with the extended test timeout.
func doReq(t *testing.T, app *fiber.App, req *http.Request) *http.Response {
	t.Helper()
	resp, err := app.Test(req, testTimeout)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	return resp
}

// fakeAuth is test-only middleware standing in for identity.Require: it sets the same Locals key the real middleware
// uses, without requiring a TLS connection. An empty email simulates a request with no resolved identity.
func fakeAuth(email string) fiber.Handler {
	return func(c fiber.Ctx) error {
		if email != "" {
			c.Locals("identityEmail", email)
		}
		return c.Next()
	}
}

// newTestBus returns a notify.Bus backed by an in-process miniredis instance, with Run already pumping in the
// background, matching the teacher's pattern for exercising code built atop go-redis.
func newTestBus(t *testing.T) *notify.Bus {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	bus := notify.NewBus(rdb, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = bus.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	return bus
}
