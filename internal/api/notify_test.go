package api

import (
	"bufio"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/nicdard/ssf-ds/internal/apierrors"
	"github.com/nicdard/ssf-ds/internal/notify"
)

func TestNotifyStream_Unauthenticated(t *testing.T) {
	t.Parallel()
	bus := newTestBus(t)
	handler := NewNotifyHandler(bus, zerolog.Nop())
	app := fiber.New()
	app.Get("/notifications", fakeAuth(""), handler.Stream)

	resp := doReq(t, app, jsonReq(http.MethodGet, "/notifications", ""))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusUnauthorized)
	}
	env := parseError(t, body)
	if env.Error.Code != string(apierrors.CodeUnauthorized) {
		t.Errorf("error code = %q, want %q", env.Error.Code, apierrors.CodeUnauthorized)
	}
}

// TestNotifyStream_DeliversEvent exercises the full SSE path: a connected subscriber receives a "data: <folder_id>"
// line shortly after an event is published for them.
func TestNotifyStream_DeliversEvent(t *testing.T) {
	t.Parallel()
	bus := newTestBus(t)
	handler := NewNotifyHandler(bus, zerolog.Nop())
	app := fiber.New()
	app.Get("/notifications", fakeAuth("a@x.com"), handler.Stream)

	resp := doReq(t, app, jsonReq(http.MethodGet, "/notifications", ""))
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusOK)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want %q", ct, "text/event-stream")
	}

	type lineResult struct {
		line string
		err  error
	}
	lines := make(chan lineResult, 1)
	go func() {
		reader := bufio.NewReader(resp.Body)
		line, err := reader.ReadString('\n')
		lines <- lineResult{line: line, err: err}
	}()

	// Give the handler time to register its subscription before publishing.
	time.Sleep(50 * time.Millisecond)
	if err := bus.Publish(t.Context(), notify.NewFolderEvent(42, "a@x.com")); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	select {
	case res := <-lines:
		if res.err != nil {
			t.Fatalf("read SSE line: %v", res.err)
		}
		if !strings.HasPrefix(res.line, "data: 42") {
			t.Errorf("line = %q, want prefix %q", res.line, "data: 42")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for SSE event")
	}
}
