package rpc

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/notebookd/pkg/metrics"
	"github.com/cuemby/notebookd/pkg/session"
	"github.com/cuemby/notebookd/pkg/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

// HealthServer provides the plain HTTP /health, /ready and /metrics
// endpoints alongside the JSON-RPC surfaces: /health is pure liveness,
// /ready verifies the durable store answers queries.
type HealthServer struct {
	mgr   *session.Manager
	store store.Store
	mux   *chi.Mux
}

// NewHealthServer builds the health/ready/metrics router. corsOrigins, when
// non-empty, is passed straight to go-chi/cors as the allowed origin list
// for browser-hosted editor clients; a nil/empty list allows all origins.
func NewHealthServer(mgr *session.Manager, st store.Store, ws *WebSocketHandler, corsOrigins []string) *HealthServer {
	r := chi.NewRouter()
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	hs := &HealthServer{mgr: mgr, store: st, mux: r}

	r.Get("/health", hs.healthHandler)
	r.Get("/ready", hs.readyHandler)
	r.Handle("/metrics", metrics.Handler())
	if ws != nil {
		r.Handle("/ws", ws)
	}

	return hs
}

// Handler returns the HTTP handler to run under a server.
func (hs *HealthServer) Handler() http.Handler { return hs.mux }

// healthResponse is the /health liveness body.
type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// healthHandler is a pure liveness probe: it reports healthy as long as the
// process is serving requests at all, with no dependency checks.
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", Timestamp: time.Now()})
}

// readyResponse is the /ready readiness body.
type readyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// readyHandler checks that the durable store is reachable and that the
// session manager was constructed, since without either no client
// operation can succeed.
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	ready := true
	var message string

	if hs.mgr != nil {
		checks["session_manager"] = "ok"
	} else {
		checks["session_manager"] = "not initialized"
		ready = false
		message = "session manager not initialized"
	}

	if hs.store != nil {
		if _, err := hs.store.PendingTasks(""); err != nil {
			checks["store"] = "error: " + err.Error()
			ready = false
			if message == "" {
				message = "durable store not accessible"
			}
		} else {
			checks["store"] = "ok"
		}
	} else {
		checks["store"] = "not initialized"
		ready = false
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not ready", http.StatusServiceUnavailable
	}

	writeJSON(w, code, readyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
