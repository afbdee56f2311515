package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"runtime"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/subtun-io/subtun/internal/tunnel"
	"github.com/subtun-io/subtun/pkg/protocol"
)

// newManagementRouter builds the management API served on any hostname that
// doesn't resolve to a registered tunnel subdomain: tunnel creation, status,
// metrics, and the legacy marketing-site proxy.
func (s *Server) newManagementRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/", s.handleRoot)
	r.Get("/api/status", s.handleStatus)
	r.Get("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}).ServeHTTP)
	r.Get("/favicon.ico", s.proxyToMarketing)
	r.Get("/assets/*", s.proxyToMarketing)
	r.Get("/{id}", s.handleCreateWithID)

	return r
}

// handleRoot implements `GET /?new` (create a tunnel with a generated id)
// and plain `GET /` (redirect to the marketing site).
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if _, hasNew := r.URL.Query()["new"]; hasNew {
		s.createAndRespond(w, r, "")
		return
	}
	if s.config.MarketingURL == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	http.Redirect(w, r, s.config.MarketingURL, http.StatusFound)
}

// handleCreateWithID implements `GET /:id`.
func (s *Server) handleCreateWithID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := protocol.ValidateID(id); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{
			"message": "Invalid subdomain: must be 4-63 lowercase alphanumeric characters",
		})
		return
	}
	s.createAndRespond(w, r, id)
}

// createAndRespond implements the shared body of `GET /?new` and
// `GET /:id`: create the tunnel (substituting a fresh id on collision) and
// respond 200 with {id, port, max_conn_count, url}.
func (s *Server) createAndRespond(w http.ResponseWriter, r *http.Request, requestedID string) {
	tun, err := s.registry.Create(requestedID, s.config.MaxSockets)
	if errors.Is(err, tunnel.ErrSubdomainTaken) {
		// Silent substitution: the id is taken, so fall back to a
		// server-generated one instead of failing the request.
		tun, err = s.registry.Create("", s.config.MaxSockets)
	}
	if err != nil {
		s.logger.Error("tunnel create failed", "requested_id", requestedID, "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	s.metrics.TunnelsCreated.Inc()

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"id":             tun.ID,
		"port":           tun.Port(),
		"max_conn_count": tun.MaxSockets,
		"url":            protocol.TunnelURL(scheme, tun.ID, r.Host),
	})
}

type statusResponse struct {
	Tunnels int64          `json:"tunnels"`
	Mem     map[string]any `json:"mem"`
}

// handleStatus implements `GET /api/status`.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	resp := statusResponse{
		Tunnels: s.registry.Count(),
		Mem: map[string]any{
			"alloc_bytes":       ms.Alloc,
			"total_alloc_bytes": ms.TotalAlloc,
			"sys_bytes":         ms.Sys,
			"num_gc":            ms.NumGC,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// proxyToMarketing reverse-proxies /assets/* and /favicon.ico to the
// marketing site, per the legacy management surface in the wire protocol.
func (s *Server) proxyToMarketing(w http.ResponseWriter, r *http.Request) {
	if s.config.MarketingURL == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	target, err := url.Parse(s.config.MarketingURL)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	httputil.NewSingleHostReverseProxy(target).ServeHTTP(w, r)
}
