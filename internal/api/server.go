package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Server exposes the policy and admin API.
type Server struct {
	srv    *http.Server
	logger *logrus.Logger
	port   string
}

func NewServer(port string, h *Handlers, logger *logrus.Logger) *Server {
	router := mux.NewRouter()
	router.Use(corsMiddleware)

	api := router.PathPrefix("/api/v1").Subrouter()

	// Policy endpoints
	api.HandleFunc("/policies/resolve", h.ResolvePolicy).Methods("GET")
	api.HandleFunc("/policies", h.GetPolicies).Methods("GET")
	api.HandleFunc("/policies", h.CreatePolicy).Methods("POST")
	api.HandleFunc("/policies/{id}", h.GetPolicy).Methods("GET")
	api.HandleFunc("/policies/{id}", h.DeletePolicy).Methods("DELETE")

	// External integration endpoints
	api.HandleFunc("/intel/blocklist", h.SeedBlocklist).Methods("POST")
	api.HandleFunc("/telemetry", h.IngestTelemetry).Methods("POST")

	// Admin endpoints
	api.HandleFunc("/admin/unblock", h.Unblock).Methods("POST")
	api.HandleFunc("/admin/reputation", h.LookupReputation).Methods("POST")
	api.HandleFunc("/admin/reputation", h.OverrideReputation).Methods("PUT")
	api.HandleFunc("/admin/conditions", h.GetConditions).Methods("GET")
	api.HandleFunc("/admin/conditions", h.UpdateConditions).Methods("PUT")
	api.HandleFunc("/admin/whitelist", h.AddWhitelist).Methods("POST")
	api.HandleFunc("/admin/whitelist", h.RemoveWhitelist).Methods("DELETE")
	api.HandleFunc("/admin/blacklist", h.AddBlacklist).Methods("POST")
	api.HandleFunc("/admin/blacklist", h.RemoveBlacklist).Methods("DELETE")
	api.HandleFunc("/admin/statistics", h.GetStatistics).Methods("GET")
	api.HandleFunc("/admin/blocks", h.GetActiveBlocks).Methods("GET")

	// Decision stream
	api.HandleFunc("/stream/decisions", h.StreamDecisions).Methods("GET")

	// Health check
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods("GET", "OPTIONS")

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
	}

	return &Server{srv: srv, logger: logger, port: port}
}

// Start serves until the context is cancelled, then shuts down.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Infof("API server starting on port %s", s.port)

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down API server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Errorf("Server shutdown error: %v", err)
		}
	}()

	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		allowOrigin := "*"
		if origin != "" {
			allowOrigin = origin
		}

		w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, PATCH")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if allowOrigin != "*" {
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
