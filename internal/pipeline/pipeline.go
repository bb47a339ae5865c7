package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"healinghands.org/datasync/internal/config"
	"healinghands.org/datasync/internal/fhir"
	"healinghands.org/datasync/internal/metrics"
	"healinghands.org/datasync/internal/snapshot"
)

// Pipeline is one data collection run: fetch from the FHIR API,
// transform, and persist a CSV snapshot.
type Pipeline interface {
	Name() string
	Run(ctx context.Context) error
}

// Deps carries the shared clients every pipeline needs.
type Deps struct {
	Client *fhir.Client
	Store  snapshot.Store
	Cfg    *config.Config
}

// Registry holds the configured pipelines by name.
type Registry struct {
	order     []string
	pipelines map[string]Pipeline
}

// NewRegistry builds the standard set of pipelines.
func NewRegistry(deps Deps) *Registry {
	r := &Registry{pipelines: map[string]Pipeline{}}
	for _, p := range []Pipeline{
		NewPatients(deps),
		NewAlertMedia(deps),
		NewWorkers(deps),
		NewAppointments(deps),
		NewNotes(deps),
	} {
		r.order = append(r.order, p.Name())
		r.pipelines[p.Name()] = p
	}
	return r
}

// Get returns the named pipeline.
func (r *Registry) Get(name string) (Pipeline, bool) {
	p, ok := r.pipelines[name]
	return p, ok
}

// Names returns the pipeline names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Run executes the named pipeline and records run metrics.
func (r *Registry) Run(ctx context.Context, name string) error {
	p, ok := r.pipelines[name]
	if !ok {
		return fmt.Errorf("unknown pipeline %q", name)
	}

	start := time.Now()
	log.Info().Str("pipeline", name).Msg("Pipeline started")

	err := p.Run(ctx)
	status := "success"
	if err != nil {
		status = "error"
		log.Error().Err(err).Str("pipeline", name).Msg("Pipeline failed")
	} else {
		log.Info().
			Str("pipeline", name).
			Dur("duration", time.Since(start)).
			Msg("Pipeline completed")
	}
	metrics.RecordPipelineRun(name, status, start, 0, 0)
	return err
}

// partition splits items into fixed-size batches, last one short.
func partition[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = 1
	}
	var batches [][]T
	for i := 0; i < len(items); i += size {
		end := min(i+size, len(items))
		batches = append(batches, items[i:end])
	}
	return batches
}

// runBatch processes items through fn with a bounded worker pool and
// returns the successful results in input order plus the failure count.
// Individual failures are logged and skipped, not propagated.
func runBatch[T, R any](ctx context.Context, items []T, workers int, fn func(context.Context, T) (R, error)) ([]R, int) {
	if workers <= 0 {
		workers = 1
	}

	type slot struct {
		value R
		ok    bool
	}
	slots := make([]slot, len(items))

	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)
	var failed int
	var failedMu sync.Mutex

	for i, item := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, item T) {
			defer wg.Done()
			defer func() { <-sem }()

			value, err := fn(ctx, item)
			if err != nil {
				log.Error().Err(err).Msg("Item processing failed")
				failedMu.Lock()
				failed++
				failedMu.Unlock()
				return
			}
			slots[i] = slot{value: value, ok: true}
		}(i, item)
	}
	wg.Wait()

	results := make([]R, 0, len(items))
	for _, s := range slots {
		if s.ok {
			results = append(results, s.value)
		}
	}
	return results, failed
}

// uploadWithFallback uploads rows to the snapshot store. On failure it
// writes a timestamped local backup; a landed backup downgrades the
// failure to a warning. An error comes back only when the rows ended up
// nowhere.
func uploadWithFallback(ctx context.Context, deps Deps, rows []snapshot.Row, filename, backupPrefix string, fieldnames []string) error {
	uploadErr := deps.Store.UploadCSV(ctx, rows, filename, fieldnames)
	if uploadErr == nil {
		return nil
	}

	path, backupErr := writeBackup(deps, rows, backupPrefix, fieldnames)
	if backupErr != nil {
		return fmt.Errorf("upload failed (%v) and local backup failed: %w", uploadErr, backupErr)
	}

	log.Warn().
		Err(uploadErr).
		Str("backup", path).
		Msg("Upload failed, data saved to local backup")
	return nil
}

// writeBackup writes a timestamped local CSV backup and returns its
// path.
func writeBackup(deps Deps, rows []snapshot.Row, prefix string, fieldnames []string) (string, error) {
	path := filepath.Join(deps.Cfg.OutputDirectory,
		fmt.Sprintf("%s_%s.csv", prefix, time.Now().Format("20060102_150405")))
	if err := snapshot.WriteLocalCSV(path, rows, fieldnames); err != nil {
		log.Error().Err(err).Str("path", path).Msg("Failed to save local backup")
		return path, err
	}
	return path, nil
}
