package snapshot

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// ErrUploadFailed wraps any failure to persist a snapshot remotely.
// Pipelines fall back to a local CSV backup when they see it.
var ErrUploadFailed = errors.New("snapshot upload failed")

// Row is one CSV record keyed by column name.
type Row = map[string]string

// Store persists and retrieves CSV snapshots. Column order is part of
// the contract: consumers parse the files positionally, so fieldnames
// must be written in the order given. A missing file is not an error;
// DownloadCSV returns an empty slice for it.
type Store interface {
	UploadCSV(ctx context.Context, rows []Row, filename string, fieldnames []string) error
	DownloadCSV(ctx context.Context, filename string) ([]Row, error)
}

// encodeCSV renders rows to CSV bytes with a header, preserving the
// given column order. Missing keys become empty cells.
func encodeCSV(rows []Row, fieldnames []string, crlf bool) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.UseCRLF = crlf

	if err := w.Write(fieldnames); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}
	record := make([]string, len(fieldnames))
	for _, row := range rows {
		for i, field := range fieldnames {
			record[i] = row[field]
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write CSV record: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeCSV parses CSV bytes into rows keyed by the header columns.
func decodeCSV(data []byte) ([]Row, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSV: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	header := records[0]
	rows := make([]Row, 0, len(records)-1)
	for _, record := range records[1:] {
		row := Row{}
		for i, field := range header {
			if i < len(record) {
				row[field] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// WriteLocalCSV writes rows to a local file with CRLF line endings, the
// format the downstream Windows tooling expects from backups.
func WriteLocalCSV(path string, rows []Row, fieldnames []string) error {
	data, err := encodeCSV(rows, fieldnames, true)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	log.Info().Str("path", path).Int("rows", len(rows)).Msg("Wrote local CSV backup")
	return nil
}

// ReadLocalCSV reads a local CSV file into rows. A missing file yields
// an empty slice.
func ReadLocalCSV(path string) ([]Row, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return decodeCSV(data)
}

// LocalStore is a Store backed by a local directory, used when no
// remote backend is configured.
type LocalStore struct {
	Dir string
}

// NewLocalStore creates a local directory backed store.
func NewLocalStore(dir string) *LocalStore {
	return &LocalStore{Dir: dir}
}

func (s *LocalStore) UploadCSV(ctx context.Context, rows []Row, filename string, fieldnames []string) error {
	return WriteLocalCSV(filepath.Join(s.Dir, filename), rows, fieldnames)
}

func (s *LocalStore) DownloadCSV(ctx context.Context, filename string) ([]Row, error) {
	return ReadLocalCSV(filepath.Join(s.Dir, filename))
}
