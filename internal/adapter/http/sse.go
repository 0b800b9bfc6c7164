package http

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loomworks/loom/internal/logger"
	"github.com/loomworks/loom/internal/service"
)

// StreamEvents attaches the client to the thread's event fan-out and writes
// frames as server-sent events. A comment line goes out on the keepalive
// interval whenever the stream is otherwise idle, so proxies and clients can
// tell a quiet stream from a dead one. The subscription ends when the client
// disconnects or the thread shuts down.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	threadID := urlParam(r, "id")
	frames, err := h.threads.Subscribe(r.Context(), threadID)
	if err != nil {
		writeDomainError(w, err, "thread not found")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	slog.Info("event stream opened",
		"thread_id", threadID,
		"request_id", logger.RequestID(r.Context()),
	)

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case frame, open := <-frames:
			if !open {
				slog.Info("event stream closed by server", "thread_id", threadID)
				return
			}
			if err := writeFrame(w, frame); err != nil {
				slog.Warn("event stream write failed",
					"thread_id", threadID,
					"error", err,
				)
				return
			}
			flusher.Flush()
			keepalive.Reset(h.keepalive)
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			slog.Info("event stream client disconnected", "thread_id", threadID)
			return
		}
	}
}

func writeFrame(w http.ResponseWriter, f service.Frame) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", f.Event); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "data: %s\n\n", f.Data)
	return err
}
