package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"healinghands.org/datasync/internal/orchestrator"
	"healinghands.org/datasync/internal/progress"
)

// HealthHandler reports service liveness and whether a pipeline run is
// in flight.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"running": s.runner.Current(),
	})
}

// ListPipelinesHandler returns the names of the registered pipelines.
func (s *Server) ListPipelinesHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"pipelines": s.pipelines,
	})
}

// RunPipelineHandler starts a pipeline run in the background. Only one
// run may be in flight at a time; a second request gets 409.
func (s *Server) RunPipelineHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["pipeline"]

	w.Header().Set("Content-Type", "application/json")

	if !s.knownPipeline(name) {
		log.Warn().
			Str("pipeline", name).
			Str("remote_addr", r.RemoteAddr).
			Msg("Run requested for unknown pipeline")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "unknown pipeline: " + name,
		})
		return
	}

	if err := s.runner.Start(name); err != nil {
		if errors.Is(err, orchestrator.ErrAlreadyRunning) {
			log.Warn().
				Str("pipeline", name).
				Str("running", s.runner.Current()).
				Msg("Run rejected, another pipeline is in flight")
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]string{
				"error":   "a pipeline is already running",
				"running": s.runner.Current(),
			})
			return
		}
		log.Error().Err(err).Str("pipeline", name).Msg("Failed to start pipeline")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	log.Info().
		Str("pipeline", name).
		Str("remote_addr", r.RemoteAddr).
		Msg("Pipeline run started")

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"status":   "started",
		"pipeline": name,
	})
}

// LastRunHandler returns the result of the most recently completed run.
func (s *Server) LastRunHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	last := s.runner.Last()
	if last == nil {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "no runs recorded"})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(last)
}

// ProgressHandler returns the currently active progress record plus
// every stored record. A record older than the staleness window does
// not count as current.
func (s *Server) ProgressHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	current, err := progress.Current(s.progressDir)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read current progress")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	records, err := progress.List(s.progressDir)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list progress records")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"current": current,
		"records": records,
	})
}

// ProgressByNameHandler returns the stored record for one process.
func (s *Server) ProgressByNameHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	w.Header().Set("Content-Type", "application/json")

	record, err := progress.Read(s.progressDir, name)
	if err != nil {
		log.Error().Err(err).Str("process", name).Msg("Failed to read progress record")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	if record == nil {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "no progress recorded for " + name,
		})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(record)
}

func (s *Server) knownPipeline(name string) bool {
	for _, p := range s.pipelines {
		if p == name {
			return true
		}
	}
	return false
}
