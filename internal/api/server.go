package api

import (
	"github.com/gorilla/mux"

	"healinghands.org/datasync/internal/metrics"
	"healinghands.org/datasync/internal/orchestrator"
)

// PipelineRunner is the slice of orchestrator.Runner the handlers need.
type PipelineRunner interface {
	Start(pipeline string) error
	Current() string
	Last() *orchestrator.Result
}

// Server holds the dependencies of the status API handlers.
type Server struct {
	runner      PipelineRunner
	pipelines   []string
	progressDir string
}

// NewServer creates a status API server for the given pipelines. The
// progress directory is the pipelines' output directory, where the
// trackers write their records.
func NewServer(runner PipelineRunner, pipelines []string, progressDir string) *Server {
	return &Server{
		runner:      runner,
		pipelines:   pipelines,
		progressDir: progressDir,
	}
}

// SetupRoutes configures and returns the HTTP router.
func (s *Server) SetupRoutes() *mux.Router {
	r := mux.NewRouter()

	r.Use(metrics.Middleware)

	r.HandleFunc("/health", s.HealthHandler).Methods("GET")
	r.HandleFunc("/pipelines", s.ListPipelinesHandler).Methods("GET")
	r.HandleFunc("/run/{pipeline}", s.RunPipelineHandler).Methods("POST")
	r.HandleFunc("/runs/last", s.LastRunHandler).Methods("GET")
	r.HandleFunc("/progress", s.ProgressHandler).Methods("GET")
	r.HandleFunc("/progress/{name}", s.ProgressByNameHandler).Methods("GET")

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	return r
}
