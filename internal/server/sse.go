package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"chatbridge/internal/completion"
	"chatbridge/internal/translator"
)

const doneMarker = "data: [DONE]\n\n"

// writeChatStream runs a streaming completion and encodes the delta sequence
// as Server-Sent Events. Each event is a single `data: <json>` unit flushed
// as soon as it is produced; the stream always terminates with either a
// finish chunk or an error event, followed by the literal [DONE] marker.
func (s *Server) writeChatStream(c echo.Context, model string, req completion.Request) error {
	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		s.log.Error().Msg("http writer does not support flushing")
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
			Type:    "server_error",
		}
	}

	header := c.Response().Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	// Keep reverse proxies from buffering individual events.
	header.Set("X-Accel-Buffering", "no")

	c.Response().WriteHeader(http.StatusOK)

	ctx := c.Request().Context()
	id := newCompletionID()
	created := time.Now().Unix()

	deltas, errs := s.orch.Stream(ctx, req)

	for delta := range deltas {
		var chunk translator.ChatCompletionChunk
		switch {
		case delta.Role != "":
			chunk = translator.NewRoleChunk(id, created, model)
		case delta.Done:
			chunk = translator.NewFinishChunk(id, created, model, delta.FinishReason)
		default:
			chunk = translator.NewContentChunk(id, created, model, delta.Content)
		}

		if err := writeSSEData(writer, chunk); err != nil {
			s.log.Debug().Err(err).Str("id", id).Msg("client connection lost mid-stream")
			return nil
		}
		flusher.Flush()
	}

	if err := <-errs; err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			s.log.Debug().Str("id", id).Msg("stream cancelled by client")
			return nil
		}

		httpErr := toHTTPError(err).(requestError)
		if writeErr := writeSSEData(writer, newErrorBody(httpErr.Message, httpErr.Type, httpErr.Code)); writeErr != nil {
			return nil
		}
		flusher.Flush()
	}

	if _, err := io.WriteString(writer, doneMarker); err != nil {
		return nil
	}
	flusher.Flush()

	return nil
}

func writeSSEData(w io.Writer, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	return nil
}
