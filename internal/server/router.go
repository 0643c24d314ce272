// Package server exposes the launcher's local status API. It is bound to
// loopback and consumed by UI surfaces polling service health and recent
// install activity.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aigdat/raux-launcher/internal/health"
	"github.com/aigdat/raux-launcher/internal/history"
	"github.com/aigdat/raux-launcher/internal/metrics"
)

// StatusSource provides the current health determination per supervised
// service. The orchestrator implements it.
type StatusSource interface {
	Statuses() []health.Status
}

// Stopper shuts the supervised services down. The orchestrator implements
// it; a nil Stopper disables the stop endpoint.
type Stopper interface {
	StopAll(ctx context.Context)
}

// Router provides embeddable HTTP handlers for the launcher API.
// Endpoints:
//
//	GET {basePath}/status            all service statuses
//	GET {basePath}/status?service=x  one service (404 when unknown)
//	GET {basePath}/history/install   recent install events (limit query)
//	GET {basePath}/history/status    recent status transitions (limit query)
//	POST {basePath}/stop             stop all supervised services
//	GET {basePath}/healthz           liveness of the launcher itself
//	GET /metrics                     Prometheus metrics
type Router struct {
	source   StatusSource
	store    *history.Store // optional
	stopper  Stopper        // optional
	basePath string
}

func NewRouter(source StatusSource, store *history.Store, stopper Stopper, basePath string) *Router {
	return &Router{source: source, store: store, stopper: stopper, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/history/install", r.handleInstallHistory)
	group.GET("/history/status", r.handleStatusHistory)
	group.POST("/stop", r.handleStop)
	group.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// Shutdown via the returned http.Server.
func NewServer(addr, basePath string, source StatusSource, store *history.Store, stopper Stopper) *http.Server {
	r := NewRouter(source, store, stopper, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleStatus(c *gin.Context) {
	statuses := r.source.Statuses()
	service := c.Query("service")
	if service == "" {
		writeJSON(c, http.StatusOK, statuses)
		return
	}
	if !isSafeName(service) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service name"})
		return
	}
	for _, st := range statuses {
		if st.Service == service {
			writeJSON(c, http.StatusOK, st)
			return
		}
	}
	writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown service " + service})
}

func (r *Router) handleStop(c *gin.Context) {
	if r.stopper == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "stop disabled"})
		return
	}
	r.stopper.StopAll(c.Request.Context())
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleInstallHistory(c *gin.Context) {
	if r.store == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "history disabled"})
		return
	}
	entries, err := r.store.RecentInstall(c.Request.Context(), limitQuery(c))
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if entries == nil {
		entries = []history.InstallEntry{}
	}
	writeJSON(c, http.StatusOK, entries)
}

func (r *Router) handleStatusHistory(c *gin.Context) {
	if r.store == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "history disabled"})
		return
	}
	entries, err := r.store.RecentStatus(c.Request.Context(), limitQuery(c))
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if entries == nil {
		entries = []history.StatusEntry{}
	}
	writeJSON(c, http.StatusOK, entries)
}
