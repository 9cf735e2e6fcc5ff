package monitor

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/autoguide/internal/db"
	"github.com/banshee-data/autoguide/internal/httputil"
	"github.com/banshee-data/autoguide/internal/metrics"
	"github.com/banshee-data/autoguide/internal/version"
)

// WebServer serves the guide monitor endpoints.
type WebServer struct {
	address string
	tracker *Tracker
	hub     *Hub
	metrics *metrics.Metrics
	db      *db.DB
	mount   AdminRouter
	server  *http.Server
}

// AdminRouter is a component that mounts its own debug routes.
type AdminRouter interface {
	AttachAdminRoutes(mux *http.ServeMux)
}

// WebServerConfig contains configuration options for the web server.
// Metrics, DB and Mount are optional.
type WebServerConfig struct {
	Address string
	Tracker *Tracker
	Hub     *Hub
	Metrics *metrics.Metrics
	DB      *db.DB
	Mount   AdminRouter
}

// NewWebServer creates a new web server with the provided configuration.
func NewWebServer(config WebServerConfig) *WebServer {
	ws := &WebServer{
		address: config.Address,
		tracker: config.Tracker,
		hub:     config.Hub,
		metrics: config.Metrics,
		db:      config.DB,
		mount:   config.Mount,
	}
	if ws.tracker == nil {
		ws.tracker = NewTracker(nil, ws.hub, nil)
	}
	if ws.hub == nil {
		ws.hub = NewHub()
	}

	var handler http.Handler = ws.setupRoutes()
	if ws.metrics != nil {
		handler = ws.metrics.Middleware(handler)
	}
	ws.server = &http.Server{
		Addr:              ws.address,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return ws
}

// Handler returns the root handler, for tests and embedding.
func (ws *WebServer) Handler() http.Handler {
	return ws.server.Handler
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (ws *WebServer) Start(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		log.Printf("Starting HTTP server on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	ws.hub.Close()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}

	log.Printf("HTTP server routine stopped")
	return nil
}

// Close stops the server immediately.
func (ws *WebServer) Close() error {
	ws.hub.Close()
	return ws.server.Close()
}

// setupRoutes configures the HTTP routes and handlers.
func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/debug/guide/status", ws.handleStatus)
	mux.HandleFunc("/debug/guide/history", ws.handleHistory)
	mux.HandleFunc("/debug/guide/chart", ws.handleChart)
	mux.Handle("/debug/guide/ws", ws.hub)
	if ws.metrics != nil {
		mux.Handle("/metrics", ws.metrics.Handler())
	}

	debug := tsweb.Debugger(mux)
	debug.KVFunc("Guide state", func() any { return ws.tracker.Status().State })
	debug.URL("/debug/guide/status", "Guide status (JSON)")
	debug.URL("/debug/guide/chart", "Guide drift chart")
	if ws.db != nil {
		ws.db.AttachAdminRoutes(mux)
	}
	if ws.mount != nil {
		ws.mount.AttachAdminRoutes(mux)
	}
	return mux
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]string{
		"status":  "ok",
		"state":   ws.tracker.Status().State,
		"version": version.String(),
	})
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	httputil.WriteJSONOK(w, ws.tracker.Status())
}

// handleHistory returns the most recent guide records as JSON.
// Query params:
//
//	limit (optional, default all held records)
func (ws *WebServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	records := ws.tracker.History().Snapshot()
	limit, err := httputil.QueryLimit(r, len(records), 0)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if limit < len(records) {
		records = records[len(records)-limit:]
	}
	httputil.WriteJSONOK(w, records)
}

func (ws *WebServer) handleChart(w http.ResponseWriter, r *http.Request) {
	st := ws.tracker.Status()
	subtitle := fmt.Sprintf("state=%s frames=%d dropped=%d rms=%.2f/%.2f px",
		st.State, st.Frames, st.Dropped, st.RARMSPx, st.DECRMSPx)
	var buf bytes.Buffer
	if err := RenderDriftChart(&buf, ws.tracker.History().Snapshot(), subtitle); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}
