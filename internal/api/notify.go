package api

import (
	"bufio"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/nicdard/ssf-ds/internal/notify"
)

// NotifyHandler serves the SSE notification stream (C8).
type NotifyHandler struct {
	bus *notify.Bus
	log zerolog.Logger
}

// NewNotifyHandler creates a new notify handler.
func NewNotifyHandler(bus *notify.Bus, logger zerolog.Logger) *NotifyHandler {
	return &NotifyHandler{bus: bus, log: logger}
}

// Stream handles GET /notifications: one long-lived connection per subscriber, flushing a `data: <folder_id>\n\n`
// line as each event arrives. -1 means "produce a new KeyPackage", per §4.6.
func (h *NotifyHandler) Stream(c fiber.Ctx) error {
	email, ok := requireIdentity(c)
	if !ok {
		return nil
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	events, unsubscribe := h.bus.Subscribe(email, notify.DefaultBufferSize)
	ctx := c.Context()

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer unsubscribe()
		for {
			select {
			case ev, open := <-events:
				if !open {
					return
				}
				folderID := "-1"
				if ev.FolderID != nil {
					folderID = strconv.FormatInt(*ev.FolderID, 10)
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", folderID); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	})

	return nil
}
