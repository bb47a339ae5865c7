package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrAlreadyRunning is returned when a pipeline run is requested while
// another one is still in flight. Runs are serialized because the
// pipelines share the output directory and the remote snapshot files.
var ErrAlreadyRunning = errors.New("a pipeline is already running")

// Result captures the outcome of a single child-process pipeline run.
type Result struct {
	RunID    string        `json:"runId"`
	Pipeline string        `json:"pipeline"`
	Status   string        `json:"status"` // SUCCESS or ERROR
	Output   string        `json:"output"`
	Duration time.Duration `json:"duration"`
	EndedAt  time.Time     `json:"endedAt"`
}

// Runner executes pipelines by invoking the datasync binary as a child
// process, one at a time. Output is streamed to the log and captured
// for the dashboard.
type Runner struct {
	binPath string
	timeout time.Duration

	mu      sync.Mutex
	current string
	last    *Result
}

// NewRunner creates a runner around the given datasync binary path.
func NewRunner(binPath string, timeout time.Duration) *Runner {
	return &Runner{binPath: binPath, timeout: timeout}
}

// Current returns the name of the pipeline currently running, or ""
// when the runner is idle.
func (r *Runner) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Last returns the result of the most recently completed run, or nil
// when nothing has run yet.
func (r *Runner) Last() *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Start launches a pipeline run in the background. It returns
// ErrAlreadyRunning if another run is in flight.
func (r *Runner) Start(pipeline string) error {
	r.mu.Lock()
	if r.current != "" {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	r.current = pipeline
	r.mu.Unlock()

	go func() {
		res := r.execute(context.Background(), pipeline)
		r.mu.Lock()
		r.current = ""
		r.last = res
		r.mu.Unlock()
	}()

	return nil
}

// Run executes a pipeline and blocks until it finishes. It returns
// ErrAlreadyRunning if another run is in flight.
func (r *Runner) Run(ctx context.Context, pipeline string) (*Result, error) {
	r.mu.Lock()
	if r.current != "" {
		r.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	r.current = pipeline
	r.mu.Unlock()

	res := r.execute(ctx, pipeline)

	r.mu.Lock()
	r.current = ""
	r.last = res
	r.mu.Unlock()

	return res, nil
}

func (r *Runner) execute(ctx context.Context, pipeline string) *Result {
	runID := uuid.NewString()
	start := time.Now()

	log.Info().
		Str("pipeline", pipeline).
		Str("run_id", runID).
		Str("binary", r.binPath).
		Msg("Starting pipeline run")

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, r.binPath, pipeline)
	cmd.Stdout = io.MultiWriter(&buf, log.Logger)
	cmd.Stderr = io.MultiWriter(&buf, log.Logger)

	err := cmd.Run()
	duration := time.Since(start)

	status := "SUCCESS"
	if err != nil {
		status = "ERROR"
		log.Error().
			Err(err).
			Str("pipeline", pipeline).
			Str("run_id", runID).
			Dur("duration", duration).
			Msg("Pipeline run failed")
	} else {
		log.Info().
			Str("pipeline", pipeline).
			Str("run_id", runID).
			Dur("duration", duration).
			Msg("Pipeline run completed")
	}

	output := buf.String()
	if err != nil {
		output += "\n" + err.Error()
	}

	return &Result{
		RunID:    runID,
		Pipeline: pipeline,
		Status:   status,
		Output:   output,
		Duration: duration,
		EndedAt:  time.Now(),
	}
}
