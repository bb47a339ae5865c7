package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"healinghands.org/datasync/internal/metrics"
)

const (
	defaultGraphBaseURL = "https://graph.microsoft.com/v1.0"
	defaultLoginBaseURL = "https://login.microsoftonline.com"
	defaultSPHostname   = "hhhdomain.sharepoint.com"
	graphScope          = "https://graph.microsoft.com/.default"
)

// SharePointConfig configures a SharePointStore. GraphBaseURL,
// LoginBaseURL and Hostname default to the production Microsoft
// endpoints; tests point them at stub servers.
type SharePointConfig struct {
	ClientID     string
	ClientSecret string
	TenantID     string
	SiteName     string
	FolderPath   string
	Hostname     string
	Timeout      time.Duration
	GraphBaseURL string
	LoginBaseURL string
}

// SharePointStore persists CSV snapshots to a SharePoint document
// library through the Microsoft Graph API. The Graph token, site ID and
// drive ID are looked up once and cached for the process lifetime.
type SharePointStore struct {
	cfg        SharePointConfig
	httpClient *http.Client

	tokenMu sync.Mutex
	token   string

	mu      sync.Mutex
	siteID  string
	driveID string
}

// NewSharePointStore creates a store for the given site and folder.
func NewSharePointStore(cfg SharePointConfig) *SharePointStore {
	if cfg.GraphBaseURL == "" {
		cfg.GraphBaseURL = defaultGraphBaseURL
	}
	if cfg.LoginBaseURL == "" {
		cfg.LoginBaseURL = defaultLoginBaseURL
	}
	if cfg.Hostname == "" {
		cfg.Hostname = defaultSPHostname
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SharePointStore{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// UploadCSV renders rows as CSV and uploads them to the configured
// folder, creating the folder first if it does not exist. The whole
// file is replaced on every upload.
func (s *SharePointStore) UploadCSV(ctx context.Context, rows []Row, filename string, fieldnames []string) error {
	log.Info().
		Int("records", len(rows)).
		Str("filename", filename).
		Msg("Uploading CSV to SharePoint")

	if err := s.ensureFolder(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	siteID, driveID, err := s.ids(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	data, err := encodeCSV(rows, fieldnames, false)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	uploadURL := fmt.Sprintf("%s/sites/%s/drives/%s/root:/%s/%s:/content",
		s.cfg.GraphBaseURL, siteID, driveID, s.cfg.FolderPath, url.PathEscape(filename))

	req, err := s.newRequest(ctx, http.MethodPut, uploadURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	req.Header.Set("Content-Type", "text/csv")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		metrics.RecordSnapshotUpload("sharepoint", "failed")
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.RecordSnapshotUpload("sharepoint", "failed")
		return fmt.Errorf("%w: upload returned status %d", ErrUploadFailed, resp.StatusCode)
	}

	metrics.RecordSnapshotUpload("sharepoint", "success")
	log.Info().Str("filename", filename).Msg("Successfully uploaded CSV to SharePoint")
	return nil
}

// DownloadCSV fetches a CSV file from the configured folder and parses
// it into rows. A 404 means the snapshot does not exist yet and yields
// an empty result.
func (s *SharePointStore) DownloadCSV(ctx context.Context, filename string) ([]Row, error) {
	siteID, driveID, err := s.ids(ctx)
	if err != nil {
		return nil, err
	}

	fileURL := fmt.Sprintf("%s/sites/%s/drives/%s/root:/%s/%s",
		s.cfg.GraphBaseURL, siteID, driveID, s.cfg.FolderPath, url.PathEscape(filename))

	req, err := s.newRequest(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to look up file %s: %w", filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		log.Warn().Str("filename", filename).Msg("File not found in SharePoint")
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("file lookup for %s returned status %d", filename, resp.StatusCode)
	}

	var item struct {
		DownloadURL string `json:"@microsoft.graph.downloadUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return nil, fmt.Errorf("failed to parse file item: %w", err)
	}
	if item.DownloadURL == "" {
		return nil, fmt.Errorf("file item for %s carried no download URL", filename)
	}

	// The download URL is pre-authenticated, no bearer token needed.
	dlReq, err := http.NewRequestWithContext(ctx, http.MethodGet, item.DownloadURL, nil)
	if err != nil {
		return nil, err
	}
	dlResp, err := s.httpClient.Do(dlReq)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", filename, err)
	}
	defer dlResp.Body.Close()

	if dlResp.StatusCode < 200 || dlResp.StatusCode >= 300 {
		return nil, fmt.Errorf("download of %s returned status %d", filename, dlResp.StatusCode)
	}

	data, err := io.ReadAll(dlResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filename, err)
	}

	rows, err := decodeCSV(data)
	if err != nil {
		return nil, err
	}
	metrics.RecordSnapshotDownload("sharepoint", "success")
	log.Info().Str("filename", filename).Int("rows", len(rows)).Msg("Downloaded CSV from SharePoint")
	return rows, nil
}

// ensureFolder checks that the target folder exists and creates it on a
// 404.
func (s *SharePointStore) ensureFolder(ctx context.Context) error {
	siteID, driveID, err := s.ids(ctx)
	if err != nil {
		return err
	}

	folderURL := fmt.Sprintf("%s/sites/%s/drives/%s/root:/%s",
		s.cfg.GraphBaseURL, siteID, driveID, s.cfg.FolderPath)

	req, err := s.newRequest(ctx, http.MethodGet, folderURL, nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to check folder: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		createURL := fmt.Sprintf("%s/sites/%s/drives/%s/root/children",
			s.cfg.GraphBaseURL, siteID, driveID)
		body, _ := json.Marshal(map[string]any{
			"name":                              s.cfg.FolderPath,
			"folder":                            map[string]any{},
			"@microsoft.graph.conflictBehavior": "rename",
		})

		createReq, err := s.newRequest(ctx, http.MethodPost, createURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		createReq.Header.Set("Content-Type", "application/json")

		createResp, err := s.httpClient.Do(createReq)
		if err != nil {
			return fmt.Errorf("failed to create folder: %w", err)
		}
		createResp.Body.Close()

		if createResp.StatusCode < 200 || createResp.StatusCode >= 300 {
			return fmt.Errorf("folder creation returned status %d", createResp.StatusCode)
		}
		log.Info().Str("folder", s.cfg.FolderPath).Msg("Created folder in SharePoint")
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("folder check returned status %d", resp.StatusCode)
	}
	return nil
}

// ids resolves and caches the site and drive IDs.
func (s *SharePointStore) ids(ctx context.Context) (siteID, driveID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.siteID == "" {
		siteURL := fmt.Sprintf("%s/sites/%s:/sites/%s",
			s.cfg.GraphBaseURL, s.cfg.Hostname, s.cfg.SiteName)

		var site struct {
			ID string `json:"id"`
		}
		if err := s.getJSON(ctx, siteURL, &site); err != nil {
			return "", "", fmt.Errorf("failed to retrieve site ID: %w", err)
		}
		if site.ID == "" {
			return "", "", fmt.Errorf("site lookup for %s returned no ID", s.cfg.SiteName)
		}
		s.siteID = site.ID
		log.Info().Str("site", s.cfg.SiteName).Msg("Retrieved SharePoint site ID")
	}

	if s.driveID == "" {
		drivesURL := fmt.Sprintf("%s/sites/%s/drives", s.cfg.GraphBaseURL, s.siteID)

		var drives struct {
			Value []struct {
				ID string `json:"id"`
			} `json:"value"`
		}
		if err := s.getJSON(ctx, drivesURL, &drives); err != nil {
			return "", "", fmt.Errorf("failed to retrieve drive ID: %w", err)
		}
		if len(drives.Value) == 0 {
			return "", "", fmt.Errorf("no document libraries found in site %s", s.cfg.SiteName)
		}
		s.driveID = drives.Value[0].ID
		log.Info().Msg("Retrieved SharePoint drive ID")
	}

	return s.siteID, s.driveID, nil
}

// getJSON performs an authenticated GET and decodes the response.
func (s *SharePointStore) getJSON(ctx context.Context, rawURL string, out any) error {
	token, err := s.graphToken(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("request to %s returned status %d", rawURL, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// newRequest builds an authenticated Graph request.
func (s *SharePointStore) newRequest(ctx context.Context, method, rawURL string, body io.Reader) (*http.Request, error) {
	token, err := s.graphToken(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req, nil
}

// graphToken obtains and caches a client-credentials token for the
// Graph API.
func (s *SharePointStore) graphToken(ctx context.Context) (string, error) {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()

	if s.token != "" {
		return s.token, nil
	}

	tokenURL := fmt.Sprintf("%s/%s/oauth2/v2.0/token", s.cfg.LoginBaseURL, s.cfg.TenantID)
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", s.cfg.ClientID)
	form.Set("client_secret", s.cfg.ClientSecret)
	form.Set("scope", graphScope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to obtain Graph API token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("Graph token endpoint returned status %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to parse Graph token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("Graph token response contained no access_token")
	}

	s.token = body.AccessToken
	log.Info().Msg("Successfully obtained Microsoft Graph API token")
	return s.token, nil
}
