package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func testTokenManager(t *testing.T) (*TokenManager, func()) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"access_token": "test-token"})
	}))
	tm := NewTokenManager(TokenConfig{
		TokenURL: server.URL,
		ClientID: "client",
		Timeout:  5 * time.Second,
	})
	return tm, server.Close
}

func patientEntry(id string) map[string]any {
	return map[string]any{
		"resource": map[string]any{
			"resourceType": "Patient",
			"id":           id,
		},
	}
}

func TestRequestSendsBearerToken(t *testing.T) {
	tm, closeToken := testTokenManager(t)
	defer closeToken()

	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]any{"resourceType": "Patient", "id": "abc"})
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, tm, 3, 10)
	resource, err := client.GetResource(context.Background(), "Patient", "abc")
	if err != nil {
		t.Fatalf("GetResource() error: %v", err)
	}

	if gotAuth != "Bearer test-token" {
		t.Errorf("Authorization = %q, want Bearer test-token", gotAuth)
	}
	if ResourceID(resource) != "abc" {
		t.Errorf("resource id = %q, want abc", ResourceID(resource))
	}
	if tm.RequestCount() != 1 {
		t.Errorf("request count = %d, want 1", tm.RequestCount())
	}
}

func TestRequestRetriesRateLimit(t *testing.T) {
	tm, closeToken := testTokenManager(t)
	defer closeToken()

	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"resourceType": "Bundle"})
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, tm, 3, 10)
	if _, err := client.Request(context.Background(), "Patient", nil); err != nil {
		t.Fatalf("Request() error: %v", err)
	}
	if calls != 2 {
		t.Errorf("server called %d times, want 2", calls)
	}
}

func TestRequestOversizedQueryNotRetried(t *testing.T) {
	tm, closeToken := testTokenManager(t)
	defer closeToken()

	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusRequestURITooLong)
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, tm, 3, 10)
	_, err := client.Request(context.Background(), "Patient", nil)
	if !errors.Is(err, ErrOversizedQuery) {
		t.Fatalf("error = %v, want ErrOversizedQuery", err)
	}
	if calls != 1 {
		t.Errorf("server called %d times, want 1 (414 must not be retried)", calls)
	}
}

func TestRequestExhaustsRetries(t *testing.T) {
	tm, closeToken := testTokenManager(t)
	defer closeToken()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, tm, 1, 10)
	_, err := client.Request(context.Background(), "Patient", nil)
	if err == nil {
		t.Fatal("Request() succeeded against a permanently rate-limited server")
	}
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("error = %v, want wrapped ErrRateLimited", err)
	}
}

func TestGetAllPagesFollowsNextLinks(t *testing.T) {
	tm, closeToken := testTokenManager(t)
	defer closeToken()

	var serverURL string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		switch page {
		case "", "1":
			json.NewEncoder(w).Encode(map[string]any{
				"resourceType": "Bundle",
				"entry":        []any{patientEntry("p1"), patientEntry("p2")},
				"link": []any{
					map[string]any{"relation": "self", "url": serverURL + "/Patient?page=1"},
					map[string]any{"relation": "next", "url": serverURL + "/Patient?page=2"},
				},
			})
		case "2":
			json.NewEncoder(w).Encode(map[string]any{
				"resourceType": "Bundle",
				"entry":        []any{patientEntry("p3")},
			})
		default:
			t.Errorf("unexpected page %q", page)
		}
	}))
	defer server.Close()
	serverURL = server.URL

	client := NewClient(server.URL, 5*time.Second, tm, 3, 10)
	resources, err := client.GetAllPages(context.Background(), "Patient", url.Values{"page": []string{"1"}})
	if err != nil {
		t.Fatalf("GetAllPages() error: %v", err)
	}

	if len(resources) != 3 {
		t.Fatalf("got %d resources, want 3", len(resources))
	}
	for i, wantID := range []string{"p1", "p2", "p3"} {
		if got := ResourceID(resources[i]); got != wantID {
			t.Errorf("resource[%d] id = %q, want %q", i, got, wantID)
		}
	}
}

func TestGetAllPagesStopsAtPageCap(t *testing.T) {
	tm, closeToken := testTokenManager(t)
	defer closeToken()

	var serverURL string
	pages := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pages++
		// Every page links to another, simulating a pagination cycle.
		json.NewEncoder(w).Encode(map[string]any{
			"resourceType": "Bundle",
			"entry":        []any{patientEntry(fmt.Sprintf("p%d", pages))},
			"link": []any{
				map[string]any{"relation": "next", "url": serverURL + "/Patient?cursor=x"},
			},
		})
	}))
	defer server.Close()
	serverURL = server.URL

	client := NewClient(server.URL, 5*time.Second, tm, 3, 3)
	resources, err := client.GetAllPages(context.Background(), "Patient", nil)
	if err != nil {
		t.Fatalf("GetAllPages() error: %v", err)
	}

	if pages != 3 {
		t.Errorf("fetched %d pages, want 3 (page cap)", pages)
	}
	if len(resources) != 3 {
		t.Errorf("got %d resources, want 3", len(resources))
	}
}

func TestNextLink(t *testing.T) {
	tests := []struct {
		name   string
		bundle Resource
		want   string
	}{
		{
			name: "next present",
			bundle: Resource{"link": []any{
				map[string]any{"relation": "self", "url": "https://fhir.example.com/self"},
				map[string]any{"relation": "next", "url": "https://fhir.example.com/next"},
			}},
			want: "https://fhir.example.com/next",
		},
		{
			name: "no next",
			bundle: Resource{"link": []any{
				map[string]any{"relation": "self", "url": "https://fhir.example.com/self"},
			}},
			want: "",
		},
		{
			name:   "no links",
			bundle: Resource{},
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextLink(tt.bundle); got != tt.want {
				t.Errorf("NextLink() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		header string
		want   time.Duration
	}{
		{"30", 30 * time.Second},
		{"0", 0},
		{"", defaultRetryAfter},
		{"not-a-number", defaultRetryAfter},
	}

	for _, tt := range tests {
		if got := parseRetryAfter(tt.header); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.header, got, tt.want)
		}
	}
}
