package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"healinghands.org/datasync/internal/api"
	"healinghands.org/datasync/internal/config"
	"healinghands.org/datasync/internal/metrics"
	"healinghands.org/datasync/internal/orchestrator"
	"healinghands.org/datasync/internal/pipeline"
	"healinghands.org/datasync/pkg/logconfig"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}

	logconfig.SetAppPrefix("statusd")
	if err := logconfig.Startup(cfg.OutputDirectory); err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logging:", err)
		os.Exit(1)
	}

	metrics.StartSystemMetrics(15 * time.Second)

	binPath := os.Getenv("DATASYNC_BIN")
	if binPath == "" {
		binPath = "./datasync"
	}
	runner := orchestrator.NewRunner(binPath, 2*time.Hour)

	// The registry is built only for its pipeline names; statusd runs
	// pipelines through the datasync binary, not in-process.
	names := pipeline.NewRegistry(pipeline.Deps{Cfg: cfg}).Names()

	server := api.NewServer(runner, names, cfg.OutputDirectory)
	router := server.SetupRoutes()

	port := os.Getenv("STATUS_PORT")
	if port == "" {
		port = "8080"
	}

	httpServer := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orchestrator.WatchSignals(cancel)

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
	}()

	log.Info().
		Str("port", port).
		Str("datasync_bin", binPath).
		Msg("Status server starting")

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Failed to start status server")
	}
	log.Info().Msg("Status server stopped")
}
