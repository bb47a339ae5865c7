package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/couchbase/gocb/v2"
	"github.com/rs/zerolog/log"

	"healinghands.org/datasync/internal/metrics"
)

// snapshotDocument is how one CSV snapshot is stored in Couchbase: the
// column order travels with the rows so re-export preserves it.
type snapshotDocument struct {
	Fieldnames []string `json:"fieldnames"`
	Rows       []Row    `json:"rows"`
	UpdatedAt  string   `json:"updated_at"`
}

// CouchbaseStore keeps CSV snapshots as one document per logical
// filename in a Couchbase bucket. Selected with SNAPSHOT_BACKEND=couchbase.
type CouchbaseStore struct {
	cluster *gocb.Cluster
	bucket  *gocb.Bucket
}

// NewCouchbaseStore connects to the cluster and opens the snapshot
// bucket, which must already exist.
func NewCouchbaseStore(connURL, username, password, bucketName string) (*CouchbaseStore, error) {
	connectionString := connURL
	if !strings.Contains(connURL, "://") {
		connectionString = "couchbases://" + connURL
	}

	cluster, err := gocb.Connect(connectionString, gocb.ClusterOptions{
		Authenticator: gocb.PasswordAuthenticator{
			Username: username,
			Password: password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to cluster: %w", err)
	}

	if err := cluster.WaitUntilReady(30*time.Second, nil); err != nil {
		return nil, fmt.Errorf("failed to wait for cluster: %w", err)
	}

	bucket := cluster.Bucket(bucketName)
	if err := bucket.WaitUntilReady(10*time.Second, nil); err != nil {
		return nil, fmt.Errorf("bucket %q is not accessible: %w", bucketName, err)
	}

	log.Info().Str("bucket", bucketName).Msg("Connected to Couchbase snapshot store")
	return &CouchbaseStore{
		cluster: cluster,
		bucket:  bucket,
	}, nil
}

// Close closes the cluster connection.
func (s *CouchbaseStore) Close() error {
	return s.cluster.Close(nil)
}

// UploadCSV replaces the snapshot document for filename.
func (s *CouchbaseStore) UploadCSV(ctx context.Context, rows []Row, filename string, fieldnames []string) error {
	doc := snapshotDocument{
		Fieldnames: fieldnames,
		Rows:       rows,
		UpdatedAt:  time.Now().Format(time.RFC3339),
	}

	col := s.bucket.DefaultCollection()
	_, err := col.Upsert(docID(filename), doc, &gocb.UpsertOptions{Context: ctx})
	if err != nil {
		metrics.RecordSnapshotUpload("couchbase", "failed")
		return fmt.Errorf("%w: failed to upsert snapshot %s: %v", ErrUploadFailed, filename, err)
	}

	metrics.RecordSnapshotUpload("couchbase", "success")
	log.Info().
		Str("filename", filename).
		Int("rows", len(rows)).
		Msg("Stored snapshot in Couchbase")
	return nil
}

// DownloadCSV reads the snapshot document for filename. A missing
// document yields an empty result.
func (s *CouchbaseStore) DownloadCSV(ctx context.Context, filename string) ([]Row, error) {
	col := s.bucket.DefaultCollection()

	result, err := col.Get(docID(filename), &gocb.GetOptions{Context: ctx})
	if err != nil {
		if errors.Is(err, gocb.ErrDocumentNotFound) {
			log.Warn().Str("filename", filename).Msg("Snapshot not found in Couchbase")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get snapshot %s: %w", filename, err)
	}

	var doc snapshotDocument
	if err := result.Content(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot %s: %w", filename, err)
	}

	metrics.RecordSnapshotDownload("couchbase", "success")
	return doc.Rows, nil
}

// docID maps a logical filename to a document key.
func docID(filename string) string {
	return "snapshot::" + strings.TrimSuffix(filename, ".csv")
}
