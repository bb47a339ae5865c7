package fhir

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"healinghands.org/datasync/internal/metrics"
)

// Scope string required by the agency token endpoint.
const tokenScope = "openid HCHB.api.scope agency.identity hchb.identity"

// TokenConfig holds the credentials and tuning for a TokenManager.
type TokenConfig struct {
	TokenURL           string
	ClientID           string
	ResourceSecurityID string
	AgencySecret       string
	RotationThreshold  int
	MaxRetries         int
	Timeout            time.Duration
}

// TokenManager owns the bearer token used for FHIR API requests. A
// single mutex guards both the cached token and the request counter;
// the token is refreshed lazily when no token is cached, a refresh is
// forced, or the counter reaches the rotation threshold.
type TokenManager struct {
	cfg        TokenConfig
	httpClient *http.Client

	mu           sync.Mutex
	currentToken string
	requestCount int
}

// NewTokenManager creates a token manager for the given credentials.
func NewTokenManager(cfg TokenConfig) *TokenManager {
	if cfg.RotationThreshold <= 0 {
		cfg.RotationThreshold = 200
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &TokenManager{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Token returns the current bearer token, refreshing it first when
// needed. Pass force to discard the cached token (after a 429/5xx).
func (tm *TokenManager) Token(force bool) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if force || tm.currentToken == "" || tm.requestCount >= tm.cfg.RotationThreshold {
		token, err := tm.fetchNewToken()
		if err != nil {
			return "", err
		}
		tm.currentToken = token
		tm.requestCount = 0
		log.Info().Msg("Token refreshed, request counter reset to 0")
	}

	return tm.currentToken, nil
}

// IncrementRequestCount records one successful API call and reports
// whether rotation is now due. The result is informational; rotation is
// enforced lazily on the next Token call.
func (tm *TokenManager) IncrementRequestCount() bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.requestCount++
	log.Debug().
		Int("count", tm.requestCount).
		Int("threshold", tm.cfg.RotationThreshold).
		Msg("Request count")

	if tm.requestCount >= tm.cfg.RotationThreshold {
		log.Info().
			Int("threshold", tm.cfg.RotationThreshold).
			Msg("Token rotation needed")
		return true
	}
	return false
}

// RequestCount returns the number of successful calls since the last
// refresh.
func (tm *TokenManager) RequestCount() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.requestCount
}

// fetchNewToken obtains a fresh bearer token from the identity
// provider, retrying with exponential backoff. Caller holds tm.mu.
func (tm *TokenManager) fetchNewToken() (string, error) {
	form := url.Values{}
	form.Set("grant_type", "agency_auth")
	form.Set("client_id", tm.cfg.ClientID)
	form.Set("scope", tokenScope)
	form.Set("resource_security_id", tm.cfg.ResourceSecurityID)
	form.Set("agency_secret", tm.cfg.AgencySecret)

	var token string
	attempt := 0

	operation := func() error {
		attempt++
		log.Info().
			Int("attempt", attempt).
			Int("max_retries", tm.cfg.MaxRetries).
			Msg("Requesting new bearer token")

		resp, err := tm.httpClient.Post(tm.cfg.TokenURL, "application/x-www-form-urlencoded",
			strings.NewReader(form.Encode()))
		if err != nil {
			log.Warn().Err(err).Msg("Token request failed, retrying")
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
			log.Warn().Err(err).Msg("Token request failed, retrying")
			return err
		}

		var body struct {
			AccessToken string `json:"access_token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("failed to parse token response: %w", err)
		}
		if body.AccessToken == "" {
			return fmt.Errorf("token response contained no access_token")
		}

		token = body.AccessToken
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = time.Minute

	err := backoff.Retry(operation, backoff.WithMaxRetries(bo, uint64(tm.cfg.MaxRetries-1)))
	if err != nil {
		metrics.RecordTokenRefresh("failed")
		log.Error().
			Err(err).
			Int("max_retries", tm.cfg.MaxRetries).
			Msg("Failed to obtain token")
		return "", fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	metrics.RecordTokenRefresh("success")
	log.Info().Msg("Successfully obtained new bearer token")
	return token, nil
}
