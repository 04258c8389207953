package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidilihatim/avolship-sub008/internal/availability"
	"github.com/tidilihatim/avolship-sub008/internal/config"
	"github.com/tidilihatim/avolship-sub008/internal/coordinator"
	"github.com/tidilihatim/avolship-sub008/internal/dispatch"
	"github.com/tidilihatim/avolship-sub008/internal/gatekeeper"
	"github.com/tidilihatim/avolship-sub008/internal/log"
)

// handleEvents is the per-agent push channel, served as Server-Sent
// Events. Lifecycle: authenticate, register the session, send one
// queueSnapshot to resynchronize, then relay dispatcher events until
// the client goes away. Disconnect marks the agent offline once its
// last session is gone; held leases survive until the sweep.
func handleEvents(cfg *config.Config, coord *coordinator.Coordinator, tracker *availability.Tracker, dispatcher *dispatch.Dispatcher, gate *gatekeeper.Gatekeeper, logger *log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		ident, err := gate.Authenticate(bearerToken(r))
		if err != nil {
			reason := "invalid token"
			var authErr *gatekeeper.AuthError
			if errors.As(err, &authErr) {
				reason = authErr.Reason
			}
			writeEvent(w, flusher, dispatch.Event{
				Name: dispatch.EventAuthError,
				Data: map[string]string{"reason": reason},
			})
			return
		}

		if err := writeEvent(w, flusher, dispatch.Event{Name: dispatch.EventAuthSuccess, Data: ident}); err != nil {
			return
		}

		sess := dispatcher.Register(ident.ID)
		tracker.SetOnline(ident.ID, true)
		defer func() {
			agentID, remaining := dispatcher.Unregister(sess.ID)
			if agentID != "" && remaining == 0 {
				tracker.SetOnline(agentID, false)
			}
			logger.Infow("Session closed", "session_id", sess.ID, "agent_id", ident.ID)
		}()

		// Snapshot after registration: deltas the client will receive
		// from here on are never older than this view.
		if err := writeEvent(w, flusher, dispatch.Event{
			Name: dispatch.EventQueueSnapshot,
			Data: coord.Snapshot(ident.ID),
		}); err != nil {
			return
		}

		keepalive := time.NewTicker(cfg.KeepaliveInterval)
		defer keepalive.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case ev := <-sess.Events():
				if err := writeEvent(w, flusher, ev); err != nil {
					return
				}
			case <-keepalive.C:
				if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

func writeEvent(w io.Writer, flusher http.Flusher, ev dispatch.Event) error {
	b, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, b); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
