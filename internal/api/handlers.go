package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.respondWithJSON(w, http.StatusOK, s.progress.Progress())
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := s.runs.GetRun(r.Context(), runID)
	if err != nil {
		if s.notFound != nil && errors.Is(err, s.notFound) {
			s.respondWithError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("failed to load run", zap.String("run_id", runID), zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "could not retrieve run")
		return
	}
	s.respondWithJSON(w, http.StatusOK, run)
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	health := map[string]string{"scraper": "healthy"}
	healthy := true
	for name, svc := range s.services {
		if err := svc.Ping(ctx); err != nil {
			health[name] = "unhealthy"
			healthy = false
			s.logger.Error("health check failed", zap.String("service", name), zap.Error(err))
			continue
		}
		health[name] = "healthy"
	}

	if !healthy {
		s.respondWithJSON(w, http.StatusServiceUnavailable, health)
		return
	}
	s.respondWithJSON(w, http.StatusOK, health)
}

func (s *Server) respondWithError(w http.ResponseWriter, code int, message string) {
	s.respondWithJSON(w, code, map[string]string{"error": message})
}

func (s *Server) respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
