package progress

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// stalenessWindow is how long a record counts as current after its
// last update.
const stalenessWindow = 5 * time.Minute

// Record is the persisted state of one pipeline run. It is rewritten on
// every update so external dashboards can poll the file.
type Record struct {
	RunID          string  `json:"run_id"`
	ProcessName    string  `json:"process_name"`
	TotalItems     int     `json:"total_items"`
	ProcessedItems int     `json:"processed_items"`
	Percentage     float64 `json:"percentage"`
	Status         string  `json:"status"`
	Message        string  `json:"message"`
	StartTime      string  `json:"start_time"`
	EndTime        string  `json:"end_time,omitempty"`
	Duration       string  `json:"duration,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// currentPointer names the most recently updated process, so a reader
// does not have to stat every record file.
type currentPointer struct {
	CurrentProcess string `json:"current_process"`
	UpdatedAt      string `json:"updated_at"`
}

// Tracker writes progress records for a single pipeline run under
// <dir>/.progress/.
type Tracker struct {
	dir   string
	name  string
	start time.Time

	mu     sync.Mutex
	record Record
}

// New starts tracking a run of the named process. The initial record
// is written immediately with status running.
func New(outputDir, processName string, totalItems int) (*Tracker, error) {
	dir := filepath.Join(outputDir, ".progress")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create progress directory: %w", err)
	}

	now := time.Now()
	t := &Tracker{
		dir:   dir,
		name:  processName,
		start: now,
		record: Record{
			RunID:       uuid.NewString(),
			ProcessName: processName,
			TotalItems:  totalItems,
			Status:      "running",
			Message:     "Starting",
			StartTime:   now.Format(time.RFC3339),
		},
	}
	if err := t.write(); err != nil {
		return nil, err
	}
	return t, nil
}

// SetTotal updates the expected item count once it is known.
func (t *Tracker) SetTotal(total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record.TotalItems = total
	t.recalc()
	if err := t.write(); err != nil {
		log.Warn().Err(err).Msg("Failed to write progress record")
	}
}

// Update sets the processed count and message and rewrites the record.
func (t *Tracker) Update(processed int, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record.ProcessedItems = processed
	t.record.Message = message
	t.recalc()
	if err := t.write(); err != nil {
		log.Warn().Err(err).Msg("Failed to write progress record")
	}
}

// Increment advances the processed count by n.
func (t *Tracker) Increment(n int, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record.ProcessedItems += n
	if message != "" {
		t.record.Message = message
	}
	t.recalc()
	if err := t.write(); err != nil {
		log.Warn().Err(err).Msg("Failed to write progress record")
	}
}

// Complete marks the run finished.
func (t *Tracker) Complete(message string) {
	t.finish("completed", message, "")
}

// SetError marks the run failed.
func (t *Tracker) SetError(err error) {
	t.finish("error", "Run failed", err.Error())
}

func (t *Tracker) finish(status, message, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.record.Status = status
	t.record.Message = message
	t.record.Error = errMsg
	t.record.EndTime = now.Format(time.RFC3339)
	t.record.Duration = now.Sub(t.start).Round(time.Second).String()
	t.recalc()
	if err := t.write(); err != nil {
		log.Warn().Err(err).Msg("Failed to write progress record")
	}
}

// recalc recomputes the percentage. Caller holds t.mu.
func (t *Tracker) recalc() {
	if t.record.TotalItems > 0 {
		t.record.Percentage = float64(t.record.ProcessedItems) / float64(t.record.TotalItems) * 100
	}
}

// write persists the record and the current-process pointer. Caller
// holds t.mu.
func (t *Tracker) write() error {
	data, err := json.MarshalIndent(t.record, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(t.dir, Slug(t.name)+".json"), data, 0o644); err != nil {
		return fmt.Errorf("failed to write progress record: %w", err)
	}

	pointer, err := json.MarshalIndent(currentPointer{
		CurrentProcess: t.name,
		UpdatedAt:      time.Now().Format(time.RFC3339),
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(t.dir, "current.json"), pointer, 0o644); err != nil {
		return fmt.Errorf("failed to write current pointer: %w", err)
	}
	return nil
}

// Slug maps a process name to its record filename stem.
func Slug(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "/", "_")
	return s
}

// Read returns the stored record for a process, or nil if none exists.
func Read(outputDir, processName string) (*Record, error) {
	path := filepath.Join(outputDir, ".progress", Slug(processName)+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read progress record: %w", err)
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to parse progress record: %w", err)
	}
	return &record, nil
}

// Current returns the record of the most recently updated process, or
// nil when nothing has updated within the staleness window.
func Current(outputDir string) (*Record, error) {
	path := filepath.Join(outputDir, ".progress", "current.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read current pointer: %w", err)
	}

	var pointer currentPointer
	if err := json.Unmarshal(data, &pointer); err != nil {
		return nil, fmt.Errorf("failed to parse current pointer: %w", err)
	}

	updatedAt, err := time.Parse(time.RFC3339, pointer.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pointer timestamp: %w", err)
	}
	if time.Since(updatedAt) > stalenessWindow {
		return nil, nil
	}

	return Read(outputDir, pointer.CurrentProcess)
}

// List returns every stored record.
func List(outputDir string) ([]Record, error) {
	dir := filepath.Join(outputDir, ".progress")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list progress records: %w", err)
	}

	var records []Record
	for _, entry := range entries {
		name := entry.Name()
		if name == "current.json" || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			log.Warn().Str("file", name).Err(err).Msg("Skipping unreadable progress record")
			continue
		}
		records = append(records, record)
	}
	return records, nil
}
