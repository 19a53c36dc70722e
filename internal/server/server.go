// Package server is the optional HTTP side-car of a session: health,
// prometheus metrics, a live stream of link events and a websocket bridge
// that lets a browser's Gamepad API drive the controller input.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/CK6170/dmplink-go/controller"
	"github.com/CK6170/dmplink-go/internal/telemetry"
)

const shutdownTimeout = 2 * time.Second

// Options wires the server to the session's collaborators. Store may be
// nil when no gamepad input is configured.
type Options struct {
	Recorder *telemetry.Recorder
	Gatherer prometheus.Gatherer
	Store    *controller.Store
	Logger   zerolog.Logger
}

type Server struct {
	router   chi.Router
	recorder *telemetry.Recorder
	store    *controller.Store
	events   *WSHub
	log      zerolog.Logger
	started  time.Time

	gamepadMu     sync.Mutex
	gamepadActive bool
}

func New(opts Options) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		recorder: opts.Recorder,
		store:    opts.Store,
		events:   NewWSHub(),
		log:      opts.Logger.With().Str("component", "server").Logger(),
		started:  time.Now(),
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s.router.Use(middleware.Recoverer)
	s.router.Get("/api/health", s.handleHealth)
	s.router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	s.router.Get("/ws/events", s.handleWSEvents)
	s.router.Get("/ws/gamepad", s.handleWSGamepad)
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Pump forwards recorder events to /ws/events clients until ctx ends.
func (s *Server) Pump(ctx context.Context) {
	if s.recorder == nil {
		return
	}
	events, cancel := s.recorder.Subscribe(64)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.events.Broadcast(WSMessage{Type: "link", Data: ev})
		}
	}
}

// ListenAndServe serves the side-car on addr until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go s.Pump(ctx)
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
		s.events.CloseAll()
	}()
	s.log.Info().Str("addr", addr).Msg("side-car listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.gamepadMu.Lock()
	gamepad := s.gamepadActive
	s.gamepadMu.Unlock()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"gamepad": gamepad,
	})
}
