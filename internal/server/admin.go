package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httputil"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/Pakeating/registryweb/internal/lifecycle"
	"github.com/Pakeating/registryweb/internal/reconcile"
	"github.com/Pakeating/registryweb/internal/storage"
)

// AdminPrefix is the path namespace of the agent's own endpoints; it is
// never forwarded to the origin.
const AdminPrefix = "/_registry"

// HealthResponse is the body of GET /_registry/health.
type HealthResponse struct {
	Status   string `json:"status"`
	Online   bool   `json:"online"`
	Offline  bool   `json:"forced_offline"`
	Version  string `json:"version"`
	Upstream string `json:"upstream"`
}

// NetworkRequest is the body of POST /_registry/network.
type NetworkRequest struct {
	Offline  *bool    `json:"offline,omitempty"`
	DropRate *float64 `json:"drop_rate,omitempty"`
}

// NetworkState is returned by POST /_registry/network.
type NetworkState struct {
	Offline  bool    `json:"offline"`
	DropRate float64 `json:"drop_rate"`
}

type errorBody struct {
	Message string `json:"message"`
}

// Router serves the admin API under AdminPrefix and proxies everything else
// to the origin through the claimed interception layer.
func (a *Agent) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Route(AdminPrefix, func(r chi.Router) {
		r.Get("/health", a.handleHealth)
		r.Get("/metrics", a.handleMetrics)
		r.Get("/queue", a.handleQueue)
		r.Post("/sync/{tag}", a.handleSync)
		r.Post("/lifecycle/upgrade", a.handleUpgrade)
		r.Post("/network", a.handleNetwork)
	})
	r.Handle("/*", a.proxy())
	return r
}

func (a *Agent) proxy() http.Handler {
	target := a.upstream
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
		},
		Transport: a.controller,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			a.logger.WarnContext(r.Context(), "proxy request failed", "method", r.Method, "path", r.URL.Path, "error", err)
			status := http.StatusBadGateway
			if errors.Is(err, storage.ErrUnavailable) {
				status = http.StatusServiceUnavailable
			}
			writeJSON(w, status, errorBody{Message: err.Error()})
		},
	}
}

func (a *Agent) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:   "ok",
		Online:   a.Online(),
		Offline:  a.network.Offline(),
		Version:  a.controller.Version(),
		Upstream: a.upstream.String(),
	})
}

func (a *Agent) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.metrics.Snapshot())
}

func (a *Agent) handleQueue(w http.ResponseWriter, r *http.Request) {
	pending, err := a.queue.ListPending(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Message: err.Error()})
		return
	}
	if pending == nil {
		pending = []storage.QueuedRequest{}
	}
	writeJSON(w, http.StatusOK, pending)
}

func (a *Agent) handleSync(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")
	rep, err := a.dispatcher.Signal(r.Context(), tag)
	switch {
	case errors.Is(err, reconcile.ErrUnknownTag):
		writeJSON(w, http.StatusNotFound, errorBody{Message: err.Error()})
	case err != nil:
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Message: err.Error()})
	default:
		writeJSON(w, http.StatusOK, rep)
	}
}

func (a *Agent) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	err := a.Upgrade(r.Context())
	switch {
	case errors.Is(err, lifecycle.ErrInstallFailed):
		writeJSON(w, http.StatusBadGateway, errorBody{Message: err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, errorBody{Message: err.Error()})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"version": a.controller.Version()})
	}
}

func (a *Agent) handleNetwork(w http.ResponseWriter, r *http.Request) {
	var req NetworkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Message: "invalid JSON body"})
		return
	}
	if req.DropRate != nil && (*req.DropRate < 0 || *req.DropRate > 1) {
		writeJSON(w, http.StatusBadRequest, errorBody{Message: "drop_rate must be within [0,1]"})
		return
	}
	if req.Offline != nil {
		a.network.SetOffline(*req.Offline)
	}
	if req.DropRate != nil {
		a.network.SetDropRate(*req.DropRate)
	}
	a.logger.InfoContext(r.Context(), "network simulation updated", "offline", a.network.Offline(), "drop_rate", a.network.DropRate())
	writeJSON(w, http.StatusOK, NetworkState{Offline: a.network.Offline(), DropRate: a.network.DropRate()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
