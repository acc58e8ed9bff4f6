package api

import (
	"context"
	"net/http"
	"time"

	"roadwatch/api/handlers"
	"roadwatch/config"
	"roadwatch/core/incident"
	"roadwatch/core/utils"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ServerDeps struct {
	IncidentsSvc *incident.Service
}

type Server struct {
	cfg    *config.AppConfig
	logger *utils.Logger
	deps   ServerDeps
	http   *http.Server
}

func NewServer(cfg *config.AppConfig, deps ServerDeps, logger *utils.Logger) *Server {
	s := &Server{cfg: cfg, logger: logger, deps: deps}
	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoverMiddleware)
	r.Use(s.traceMiddleware)
	if s.cfg.Metrics.Enabled {
		r.Use(s.metricsMiddleware)
	}

	incidents := handlers.NewIncidentsHandler(s.deps.IncidentsSvc, s.logger)
	r.Route("/api/incidents", func(r chi.Router) {
		r.Post("/", incidents.Create)
		r.Get("/", incidents.List)
		r.Get("/{id:[0-9]+}", incidents.Get)
		r.Get("/{id:[0-9]+}/timeline", incidents.Timeline)
		r.Post("/{id:[0-9]+}/transition", incidents.Transition)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}

func (s *Server) Start() error {
	s.logger.Printf("http server listening on %s", s.cfg.ListenAddr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
