// Package monitor exposes the daemon's metrics, health and live status
// events over HTTP.
package monitor

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/turtacn/broadcastd/pkg/logger"
)

// Server serves /metrics, /healthz and the /events websocket.
type Server struct {
	metrics *Metrics
	hub     *Hub
	health  func() any
	router  *httprouter.Router
	log     logger.Logger
}

// NewServer wires the routes. health returns the body of /healthz; it is
// called from HTTP goroutines and must be safe for that.
func NewServer(m *Metrics, hub *Hub, health func() any) *Server {
	s := &Server{
		metrics: m,
		hub:     hub,
		health:  health,
		router:  httprouter.New(),
		log:     logger.Component("monitor"),
	}
	metricsHandler := promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
	s.router.GET("/metrics", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		metricsHandler.ServeHTTP(w, r)
	})
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/events", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		hub.ServeHTTP(w, r)
	})
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	body := any(map[string]string{"status": "ok"})
	if s.health != nil {
		body = s.health()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn("Failed to write health response", "err", err)
	}
}

// Serve runs the HTTP server on l until ctx is done.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		s.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("Monitor server starting", "addr", l.Addr().String())
	if err := srv.Serve(l); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		s.log.Error("Monitor server failed", "err", err)
		return err
	}
	return nil
}

// Personal.AI order the ending
