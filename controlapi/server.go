// Package controlapi is the daemon's sole external consumer of the core
// (§1, §6): an HTTP+WebSocket transport wrapping the Registry's
// add_stream/remove_stream/list_streams/get_stream, the per-stream
// Supervisor's start_recording/stop_recording/pause/resume, the State
// Store's list_recordings, and the Event Bus's subscribe_events. Routing
// follows the inherited backend's vanilla net/http (Go 1.22+) method+pattern
// mux; nothing here is part of the core itself.
package controlapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/duskvale/streamd/config"
	"github.com/duskvale/streamd/eventbus"
	"github.com/duskvale/streamd/registry"
	"github.com/duskvale/streamd/statestore"
)

const (
	adminRole    = "admin"
	operatorRole = "operator"
)

// Deps holds every dependency the Control API's handlers need.
type Deps struct {
	Registry  *registry.Registry
	Events    *eventbus.Bus
	Store     statestore.Store
	Config    *config.Global
	JWTSecret []byte

	// Operator credentials: a single shared admin account, since the
	// Control API has no multi-tenant user store (§1 Non-goals).
	AdminUsername     string
	AdminPasswordHash string
}

// New builds and returns the application HTTP handler.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()

	requireAuth := RequireAuth(d.JWTSecret)
	requireAdmin := RequireAdmin()

	mux.HandleFunc("POST /api/auth/login", login(d))

	mux.Handle("POST /api/streams", requireAuth(http.HandlerFunc(addStream(d))))
	mux.Handle("GET /api/streams", requireAuth(http.HandlerFunc(listStreams(d))))
	mux.Handle("GET /api/streams/{id}", requireAuth(http.HandlerFunc(getStream(d))))
	mux.Handle("PUT /api/streams/{id}", requireAuth(http.HandlerFunc(mutateStream(d))))
	mux.Handle("DELETE /api/streams/{id}", requireAuth(http.HandlerFunc(removeStream(d))))

	mux.Handle("POST /api/streams/{id}/recording/start", requireAuth(http.HandlerFunc(startRecording(d))))
	mux.Handle("POST /api/streams/{id}/recording/stop", requireAuth(http.HandlerFunc(stopRecording(d))))
	mux.Handle("POST /api/streams/{id}/recording/pause", requireAuth(http.HandlerFunc(pauseRecording(d))))
	mux.Handle("POST /api/streams/{id}/recording/resume", requireAuth(http.HandlerFunc(resumeRecording(d))))

	mux.Handle("GET /api/recordings", requireAuth(http.HandlerFunc(listRecordings(d))))

	mux.Handle("GET /api/events", requireAuth(http.HandlerFunc(subscribeEvents(d))))

	mux.Handle("GET /api/config", requireAuth(requireAdmin(http.HandlerFunc(getConfig(d)))))
	mux.Handle("PUT /api/config", requireAuth(requireAdmin(http.HandlerFunc(putConfig(d)))))

	mux.HandleFunc("GET /api/health", healthCheck(d))

	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

func healthCheck(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"time":   time.Now().UTC(),
			"streams": d.Registry.Len(),
		})
	}
}
