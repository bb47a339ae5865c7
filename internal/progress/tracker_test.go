package progress

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTrackerLifecycle(t *testing.T) {
	dir := t.TempDir()

	tracker, err := New(dir, "Patient Sync", 10)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	record, err := Read(dir, "Patient Sync")
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if record == nil {
		t.Fatal("no record written at start")
	}
	if record.Status != "running" {
		t.Errorf("status = %q, want running", record.Status)
	}
	if record.RunID == "" {
		t.Error("record has no run ID")
	}

	tracker.Update(5, "Halfway")
	record, _ = Read(dir, "Patient Sync")
	if record.ProcessedItems != 5 {
		t.Errorf("processed = %d, want 5", record.ProcessedItems)
	}
	if record.Percentage != 50 {
		t.Errorf("percentage = %v, want 50", record.Percentage)
	}

	tracker.Increment(5, "Done processing")
	tracker.Complete("Finished")

	record, _ = Read(dir, "Patient Sync")
	if record.Status != "completed" {
		t.Errorf("status = %q, want completed", record.Status)
	}
	if record.Percentage != 100 {
		t.Errorf("percentage = %v, want 100", record.Percentage)
	}
	if record.EndTime == "" || record.Duration == "" {
		t.Error("completed record missing end time or duration")
	}
}

func TestTrackerSetError(t *testing.T) {
	dir := t.TempDir()

	tracker, err := New(dir, "Notes Sync", 0)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	tracker.SetError(errors.New("upstream unreachable"))

	record, err := Read(dir, "Notes Sync")
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if record.Status != "error" {
		t.Errorf("status = %q, want error", record.Status)
	}
	if record.Error != "upstream unreachable" {
		t.Errorf("error = %q, want upstream unreachable", record.Error)
	}
}

func TestCurrentRespectsStaleness(t *testing.T) {
	dir := t.TempDir()

	if _, err := New(dir, "Worker Sync", 3); err != nil {
		t.Fatalf("New() error: %v", err)
	}

	record, err := Current(dir)
	if err != nil {
		t.Fatalf("Current() error: %v", err)
	}
	if record == nil || record.ProcessName != "Worker Sync" {
		t.Fatalf("Current() = %+v, want the Worker Sync record", record)
	}

	// Age the pointer past the staleness window.
	stale := currentPointer{
		CurrentProcess: "Worker Sync",
		UpdatedAt:      time.Now().Add(-10 * time.Minute).Format(time.RFC3339),
	}
	data, _ := json.Marshal(stale)
	pointerPath := filepath.Join(dir, ".progress", "current.json")
	if err := os.WriteFile(pointerPath, data, 0o644); err != nil {
		t.Fatalf("failed to age pointer: %v", err)
	}

	record, err = Current(dir)
	if err != nil {
		t.Fatalf("Current() error: %v", err)
	}
	if record != nil {
		t.Errorf("Current() = %+v after staleness window, want nil", record)
	}
}

func TestCurrentNoRecords(t *testing.T) {
	record, err := Current(t.TempDir())
	if err != nil {
		t.Fatalf("Current() error: %v", err)
	}
	if record != nil {
		t.Errorf("Current() = %+v on empty directory, want nil", record)
	}
}

func TestSlug(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Patient Sync", "patient_sync"},
		{"alertmedia", "alertmedia"},
		{"A/B Test", "a_b_test"},
	}
	for _, tt := range tests {
		if got := Slug(tt.in); got != tt.want {
			t.Errorf("Slug(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	if _, err := New(dir, "one", 1); err != nil {
		t.Fatal(err)
	}
	if _, err := New(dir, "two", 1); err != nil {
		t.Fatal(err)
	}

	records, err := List(dir)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("List() returned %d records, want 2", len(records))
	}
}
