package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/seantiz/switchyard/internal/engine"
	"github.com/seantiz/switchyard/internal/model"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsReadLimit    = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// CORS is open for the REST surface; the event socket follows suit.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	exec, err := s.engine.GetStatus(r.Context(), id)
	if errors.Is(err, engine.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		s.logger.Error("get execution for events", "execution_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get execution")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if model.IsTerminal(exec.Status) {
		w.WriteHeader(http.StatusOK)
		_ = writeSSEEvent(w, "done", exec.Status)
		return
	}

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Subscribing after the execution finished yields a closed channel, so
	// the loop below exits immediately.
	ch, unsub := s.engine.Subscribe(id)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	status := exec.Status
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", s.closingStatus(r.Context(), id, status))
				if canFlush {
					flusher.Flush()
				}
				return
			}
			status = ev.Status
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("encode event", "error", err)
				continue
			}
			if err := writeSSEEvent(w, ev.Type, string(data)); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// closingStatus is the status sent with the done event once the stream for
// id has closed. An execution that finished before the subscription saw no
// events, so last may still be the status read at connect time.
func (s *Server) closingStatus(ctx context.Context, id, last string) string {
	if model.IsTerminal(last) {
		return last
	}
	exec, err := s.engine.GetStatus(ctx, id)
	if err != nil {
		s.logger.Warn("re-read execution for done event", "execution_id", id, "error", err)
		return last
	}
	return exec.Status
}

// handleEventSocket streams every engine event over a WebSocket. An optional
// execution_id query parameter narrows the stream to one execution.
func (s *Server) handleEventSocket(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("execution_id")

	// Subscribe before the handshake completes so a client that submits
	// right after connecting sees every event.
	ch, unsub := s.engine.SubscribeAll()
	defer unsub()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	eventClients.Inc()
	defer eventClients.Dec()

	// The reader only drains control frames and notices the peer leaving.
	gone := make(chan struct{})
	conn.SetReadLimit(wsReadLimit)
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("websocket read ended", "error", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case ev := <-ch:
			if filter != "" && ev.ExecutionID != filter {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEEvent writes a named SSE event. Multi-line data is split so that
// each segment gets its own "data:" prefix.
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	for seg := range strings.SplitSeq(data, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}
