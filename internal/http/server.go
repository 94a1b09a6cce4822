// Package httpapi is the thin external HTTP surface over the ride lifecycle
// and driver presence.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/ride"
)

type Deps struct {
	Rides    *ride.Service
	Commands *ride.Commands
	Presence presence.Store
	Verifier *auth.Verifier
	Realtime http.Handler
	Logger   *slog.Logger

	NearbyRadiusKm float64
	// Ready reports backend health for /readyz; nil means always ready.
	Ready func(ctx context.Context) error
}

type Server struct {
	rides    *ride.Service
	commands *ride.Commands
	presence presence.Store
	verifier *auth.Verifier
	realtime http.Handler
	logger   *slog.Logger
	radiusKm float64
	ready    func(ctx context.Context) error
	mux      *mux.Router
}

func NewServer(d Deps) *Server {
	s := &Server{
		rides:    d.Rides,
		commands: d.Commands,
		presence: d.Presence,
		verifier: d.Verifier,
		realtime: d.Realtime,
		logger:   d.Logger,
		radiusKm: d.NearbyRadiusKm,
		ready:    d.Ready,
		mux:      mux.NewRouter(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.radiusKm <= 0 {
		s.radiusKm = 5
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	if s.realtime != nil {
		s.mux.Handle("/ws", s.realtime)
	}

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.verifier.Middleware)

	api.HandleFunc("/rides", s.handleCreateRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/decline", s.handleDecline).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/arrive", s.handleArrive).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/otp", s.handleIssueOTP).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/otp/verify", s.handleVerifyOTP).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/complete", s.handleComplete).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/cancel", s.handleCancel).Methods(http.MethodPost)

	api.HandleFunc("/drivers/me", s.handleRegisterDriver).Methods(http.MethodPut)
	api.HandleFunc("/drivers/me", s.handleGetDriver).Methods(http.MethodGet)
	api.HandleFunc("/drivers/me/online", s.handleSetOnline).Methods(http.MethodPut)
	api.HandleFunc("/drivers/me/availability", s.handleSetAvailability).Methods(http.MethodPut)
	api.HandleFunc("/drivers/me/location", s.handleLocation).Methods(http.MethodPut)
	api.HandleFunc("/drivers/nearby", s.handleNearby).Methods(http.MethodGet)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
