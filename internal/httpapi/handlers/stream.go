package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// StreamChatEvents serves the chat's event stream over SSE. With
// last_offset set, everything after it is replayed before live tailing,
// so a reconnecting client misses nothing and re-reads nothing. Without
// it the stream picks up at the current cycle, not the chat's full
// history.
func (h *Handler) StreamChatEvents(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	chatID := c.Param("chat_id")

	if err := h.ChatSvc.ValidateChatOwner(c.Request.Context(), uid, chatID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, 40401, "chat not found")
			return
		}
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	var after uint64
	if v := c.Query("last_offset"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			fail(c, http.StatusBadRequest, 10005, "invalid last_offset")
			return
		}
		after = n
	}

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)

	flusher, okk := c.Writer.(http.Flusher)
	if !okk {
		fmt.Fprintf(c.Writer, "event: error\ndata: flusher not supported\n\n")
		return
	}

	ctx := c.Request.Context()
	frames := h.Gateway.Subscribe(ctx, chatID, after)

	for {
		select {
		case <-ctx.Done():
			return
		case frame, okk := <-frames:
			if !okk {
				return
			}
			b, err := json.Marshal(frame)
			if err != nil {
				fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
				flusher.Flush()
				continue
			}
			fmt.Fprintf(c.Writer, "event: %s\n", frame.Kind)
			fmt.Fprintf(c.Writer, "data: %s\n\n", string(b))
			flusher.Flush()
		}
	}
}
