package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("CLIENT_ID", "client-1")
	t.Setenv("RESOURCE_SECURITY_ID", "resource-1")
	t.Setenv("AGENCY_SECRET", "secret-1")
	t.Setenv("SNAPSHOT_BACKEND", "local")
	t.Setenv("OUTPUT_DIRECTORY", filepath.Join(t.TempDir(), "output"))
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.TokenRotation != 200 {
		t.Errorf("expected token rotation 200, got %d", cfg.TokenRotation)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("expected max retries 3, got %d", cfg.MaxRetries)
	}
	if cfg.BatchSize != 100 || cfg.MaxWorkers != 5 || cfg.PatientBatchSize != 1000 {
		t.Errorf("unexpected processing defaults: %d %d %d",
			cfg.BatchSize, cfg.MaxWorkers, cfg.PatientBatchSize)
	}
	if cfg.RequestTimeout != 1000*time.Second {
		t.Errorf("unexpected request timeout: %s", cfg.RequestTimeout)
	}
	if cfg.CoordinationNotesFilename != "coordination_notes_master.csv" {
		t.Errorf("unexpected notes filename: %s", cfg.CoordinationNotesFilename)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	setRequired(t)
	t.Setenv("CLIENT_ID", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for missing CLIENT_ID")
	}
	if !strings.Contains(err.Error(), "CLIENT_ID") {
		t.Errorf("expected error to name CLIENT_ID, got %v", err)
	}
}

func TestLoadSharePointRequiresCredentials(t *testing.T) {
	setRequired(t)
	t.Setenv("SNAPSHOT_BACKEND", "sharepoint")
	t.Setenv("SP_CLIENT_ID", "")
	t.Setenv("SP_CLIENT_SECRET", "")
	t.Setenv("SP_TENANT_ID", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for missing SharePoint credentials")
	}
	if !strings.Contains(err.Error(), "SP_CLIENT_ID") {
		t.Errorf("expected error to name SP_CLIENT_ID, got %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("MAX_WORKERS", "12")
	t.Setenv("BATCH_SIZE", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.MaxWorkers != 12 {
		t.Errorf("expected max workers 12, got %d", cfg.MaxWorkers)
	}
	if cfg.BatchSize != 100 {
		t.Errorf("expected fallback batch size for bad value, got %d", cfg.BatchSize)
	}
}
