package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/redis/go-redis/v9"

	"github.com/tidilihatim/avolship-sub008/internal/availability"
	"github.com/tidilihatim/avolship-sub008/internal/config"
	"github.com/tidilihatim/avolship-sub008/internal/coordinator"
	"github.com/tidilihatim/avolship-sub008/internal/dispatch"
	"github.com/tidilihatim/avolship-sub008/internal/gatekeeper"
	"github.com/tidilihatim/avolship-sub008/internal/journal"
	"github.com/tidilihatim/avolship-sub008/internal/log"
)

type ctxKey int

const identityKey ctxKey = 0

func identityFrom(ctx context.Context) gatekeeper.AgentIdentity {
	ident, _ := ctx.Value(identityKey).(gatekeeper.AgentIdentity)
	return ident
}

func SetupRouter(r *chi.Mux, cfg *config.Config, coord *coordinator.Coordinator, tracker *availability.Tracker, dispatcher *dispatch.Dispatcher, gate *gatekeeper.Gatekeeper, rdb *redis.Client, jrnl *journal.Journal, logger *log.Logger) {
	r.Use(httprate.Limit(300, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			logger.Errorw("Redis health check failed", "error", err)
			http.Error(w, "Redis unhealthy", http.StatusServiceUnavailable)
			return
		}
		if err := jrnl.Ping(r.Context()); err != nil {
			logger.Errorw("Journal health check failed", "error", err)
			http.Error(w, "Journal unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("OK"))
	})

	// Push channel. Authenticates inline so a failed credential gets a
	// typed authError event on the stream instead of a bare status code.
	r.Get("/events", handleEvents(cfg, coord, tracker, dispatcher, gate, logger))

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(gate, logger))

		r.Post("/claim", func(w http.ResponseWriter, r *http.Request) {
			ident := identityFrom(r.Context())
			var req struct {
				OrderID string `json:"order_id"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderID == "" {
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			result := coord.RequestAssignment(ident.ID, req.OrderID)
			writeJSON(w, result, logger)
		})

		r.Post("/release", func(w http.ResponseWriter, r *http.Request) {
			ident := identityFrom(r.Context())
			var req struct {
				OrderID string `json:"order_id"`
				Outcome string `json:"outcome"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderID == "" {
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			result, err := coord.ReleaseAssignment(ident.ID, req.OrderID, req.Outcome)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			writeJSON(w, result, logger)
		})

		r.Post("/available", func(w http.ResponseWriter, r *http.Request) {
			ident := identityFrom(r.Context())
			var req struct {
				Available bool `json:"available"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			tracker.SetAvailable(ident.ID, req.Available)
			w.Write([]byte("OK"))
		})

		// Stateless fallback for clients whose push channel is down:
		// same shape as the queueSnapshot event, plain request/response.
		r.Get("/snapshot", func(w http.ResponseWriter, r *http.Request) {
			ident := identityFrom(r.Context())
			writeJSON(w, coord.Snapshot(ident.ID), logger)
		})
	})
}

func authMiddleware(gate *gatekeeper.Gatekeeper, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ident, err := gate.Authenticate(bearerToken(r))
			if err != nil {
				logger.Warnw("Unauthenticated request", "path", r.URL.Path, "error", err)
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), identityKey, ident)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken pulls the credential from the Authorization header, or
// from ?token= for EventSource clients that cannot set headers.
func bearerToken(r *http.Request) string {
	token := r.Header.Get("Authorization")
	if strings.HasPrefix(token, "Bearer ") {
		return strings.TrimPrefix(token, "Bearer ")
	}
	if token != "" {
		return token
	}
	return r.URL.Query().Get("token")
}

func writeJSON(w http.ResponseWriter, v any, logger *log.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorw("Failed to encode response", "error", err)
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
