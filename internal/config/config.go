package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all environment-driven settings for the automation
// pipelines. Values mirror the deployment's .env file; required fields
// are validated by Load.
type Config struct {
	// FHIR API authentication
	ClientID           string
	ResourceSecurityID string
	AgencySecret       string
	TokenURL           string
	APIBaseURL         string

	// SharePoint / Microsoft Graph
	SPClientID     string
	SPClientSecret string
	SPTenantID     string
	SPSiteName     string
	SPFolderPath   string

	// Request behavior
	RequestTimeout time.Duration
	TokenRotation  int
	MaxRetries     int
	MaxPages       int

	// Processing
	BatchSize        int
	MaxWorkers       int
	PatientBatchSize int
	OutputDirectory  string

	// Snapshot store backend: "sharepoint" or "couchbase"
	SnapshotBackend   string
	CouchbaseURL      string
	CouchbaseUsername string
	CouchbasePassword string
	CouchbaseBucket   string

	// Output filenames
	PatientDataFilename        string
	WeeklyAppointmentsFilename string
	CoordinationNotesFilename  string
	WorkersFilename            string
	AlertMediaFilename         string
}

// Load reads configuration from a .env file (if present) and the
// environment. It returns an error naming any missing required
// variables.
func Load() (*Config, error) {
	// Same behavior as python-dotenv: a missing .env file is fine.
	_ = godotenv.Load()

	cfg := &Config{
		ClientID:           os.Getenv("CLIENT_ID"),
		ResourceSecurityID: os.Getenv("RESOURCE_SECURITY_ID"),
		AgencySecret:       os.Getenv("AGENCY_SECRET"),
		TokenURL:           getEnv("TOKEN_URL", "https://idp.hchb.com/connect/token"),
		APIBaseURL:         getEnv("API_BASE_URL", "https://api.hchb.com/fhir/r4"),

		SPClientID:     os.Getenv("SP_CLIENT_ID"),
		SPClientSecret: os.Getenv("SP_CLIENT_SECRET"),
		SPTenantID:     os.Getenv("SP_TENANT_ID"),
		SPSiteName:     getEnv("SP_SITE_NAME", "OperationsTeam-Data"),
		SPFolderPath:   getEnv("SP_FOLDER_PATH", "Data"),

		RequestTimeout: time.Duration(getEnvInt("REQUEST_TIMEOUT", 1000)) * time.Second,
		TokenRotation:  getEnvInt("TOKEN_ROTATION_COUNT", 200),
		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		MaxPages:       getEnvInt("FHIR_MAX_PAGES", 1000),

		BatchSize:        getEnvInt("BATCH_SIZE", 100),
		MaxWorkers:       getEnvInt("MAX_WORKERS", 5),
		PatientBatchSize: getEnvInt("PATIENT_BATCH_SIZE", 1000),
		OutputDirectory:  getEnv("OUTPUT_DIRECTORY", "output"),

		SnapshotBackend:   getEnv("SNAPSHOT_BACKEND", "sharepoint"),
		CouchbaseURL:      os.Getenv("COUCHBASE_URL"),
		CouchbaseUsername: os.Getenv("COUCHBASE_USERNAME"),
		CouchbasePassword: os.Getenv("COUCHBASE_PASSWORD"),
		CouchbaseBucket:   getEnv("COUCHBASE_BUCKET", "datasync"),

		PatientDataFilename:        getEnv("PATIENT_DATA_FILENAME", "patient_data.csv"),
		WeeklyAppointmentsFilename: getEnv("WEEKLY_APPOINTMENTS_FILENAME", "weekly_appointments.csv"),
		CoordinationNotesFilename:  getEnv("COORDINATION_NOTES_FILENAME", "coordination_notes_master.csv"),
		WorkersFilename:            getEnv("WORKERS_FILENAME", "worker_data.csv"),
		AlertMediaFilename:         getEnv("ALERT_MEDIA_FILENAME", "alert_media_data.csv"),
	}

	required := map[string]string{
		"CLIENT_ID":            cfg.ClientID,
		"RESOURCE_SECURITY_ID": cfg.ResourceSecurityID,
		"AGENCY_SECRET":        cfg.AgencySecret,
	}
	if cfg.SnapshotBackend == "sharepoint" {
		required["SP_CLIENT_ID"] = cfg.SPClientID
		required["SP_CLIENT_SECRET"] = cfg.SPClientSecret
		required["SP_TENANT_ID"] = cfg.SPTenantID
	}

	var missing []string
	for name, value := range required {
		if value == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if err := os.MkdirAll(cfg.OutputDirectory, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
