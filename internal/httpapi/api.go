// Package httpapi exposes the identity operations over HTTP. Routes map
// 1:1 onto the assignment manager; the transport layer holds no policy of
// its own beyond translating error kinds to status codes.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"gatehouse.org/internal/identity"
	"gatehouse.org/internal/obs"
)

const (
	defaultRateBurst  = 20
	defaultRatePerSec = 10
	maxBodyBytes      = 1 << 20
)

// ReadyProbe reports readiness; with a database attached it pings it.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	manager *identity.Manager
	store   identity.Store

	rateBurst  int
	ratePerSec int
}

// New wires the routes. The store is consulted directly only by the authn
// middleware, which re-reads the acting user on every request.
func New(rp ReadyProbe, version string, manager *identity.Manager, store identity.Store) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		manager:    manager,
		store:      store,
		rateBurst:  defaultRateBurst,
		ratePerSec: defaultRatePerSec,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/users", a.handleUsersCollection)
	a.mux.HandleFunc("/v1/users/", a.handleUserResource)
	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)
	a.mux.HandleFunc("/v1/roles", a.handleRoles)
	a.mux.HandleFunc("/v1/services", a.handleServicesCollection)
	a.mux.HandleFunc("/v1/services/", a.handleServiceScoped)
	a.mux.HandleFunc("/v1/assignments", a.handleAssignments)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	h := obs.Instrument(a.mux)
	h = a.withAuth(h)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = MaxBodyBytes(h, maxBodyBytes)
	h = LoggingJSON(h)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = RequestID(h)
	return h
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "gatehouse-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "gatehouse-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
