package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"

	"healinghands.org/datasync/internal/config"
	"healinghands.org/datasync/internal/fhir"
	"healinghands.org/datasync/internal/orchestrator"
	"healinghands.org/datasync/internal/pipeline"
	"healinghands.org/datasync/internal/snapshot"
	"healinghands.org/datasync/pkg/logconfig"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}

	logconfig.SetAppPrefix("datasync")
	if err := logconfig.Startup(cfg.OutputDirectory); err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logging:", err)
		os.Exit(1)
	}

	store, err := buildStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize snapshot store")
	}

	tokens := fhir.NewTokenManager(fhir.TokenConfig{
		TokenURL:           cfg.TokenURL,
		ClientID:           cfg.ClientID,
		ResourceSecurityID: cfg.ResourceSecurityID,
		AgencySecret:       cfg.AgencySecret,
		RotationThreshold:  cfg.TokenRotation,
		MaxRetries:         cfg.MaxRetries,
		Timeout:            cfg.RequestTimeout,
	})
	client := fhir.NewClient(cfg.APIBaseURL, cfg.RequestTimeout, tokens, cfg.MaxRetries, cfg.MaxPages)

	registry := pipeline.NewRegistry(pipeline.Deps{
		Client: client,
		Store:  store,
		Cfg:    cfg,
	})

	names := os.Args[1:]
	if len(names) == 0 {
		fmt.Fprintf(os.Stderr, "usage: %s <pipeline>...\navailable: %s, all\n",
			os.Args[0], strings.Join(registry.Names(), ", "))
		os.Exit(2)
	}
	if len(names) == 1 && names[0] == "all" {
		names = registry.Names()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orchestrator.WatchSignals(cancel)

	failed := 0
	for _, name := range names {
		if err := registry.Run(ctx, name); err != nil {
			log.Error().Err(err).Str("pipeline", name).Msg("Pipeline failed")
			failed++
		}
		if ctx.Err() != nil {
			log.Warn().Msg("Shutdown requested, skipping remaining pipelines")
			break
		}
	}

	if failed > 0 {
		log.Error().Int("failed", failed).Msg("One or more pipelines failed")
		os.Exit(1)
	}
	log.Info().Int("pipelines", len(names)).Msg("All pipelines completed")
}

func buildStore(cfg *config.Config) (snapshot.Store, error) {
	switch cfg.SnapshotBackend {
	case "sharepoint":
		return snapshot.NewSharePointStore(snapshot.SharePointConfig{
			ClientID:     cfg.SPClientID,
			ClientSecret: cfg.SPClientSecret,
			TenantID:     cfg.SPTenantID,
			SiteName:     cfg.SPSiteName,
			FolderPath:   cfg.SPFolderPath,
			Timeout:      cfg.RequestTimeout,
		}), nil
	case "couchbase":
		return snapshot.NewCouchbaseStore(cfg.CouchbaseURL, cfg.CouchbaseUsername, cfg.CouchbasePassword, cfg.CouchbaseBucket)
	case "local":
		return snapshot.NewLocalStore(cfg.OutputDirectory), nil
	default:
		return nil, fmt.Errorf("unknown snapshot backend: %s", cfg.SnapshotBackend)
	}
}
