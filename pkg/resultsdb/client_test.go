package resultsdb

import (
	"context"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/husmancristian/resultsdb-updater/pkg/config"
	"github.com/husmancristian/resultsdb-updater/pkg/models"

	json "github.com/goccy/go-json"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// fastPolicy keeps the default limits but does not wait between retries.
func fastPolicy() RetryPolicy {
	p := DefaultRetryPolicy()
	p.BackoffFactor = 0
	return p
}

func newTestClient(t *testing.T, baseURL string, policy RetryPolicy) *Client {
	t.Helper()
	client, err := NewClient(config.ResultsDBConfig{APIURL: baseURL}, testLogger(), WithRetryPolicy(policy))
	if err != nil {
		t.Fatalf("NewClient() unexpected error: %v", err)
	}
	return client
}

func TestNewClientRequiresURL(t *testing.T) {
	if _, err := NewClient(config.ResultsDBConfig{}, testLogger()); err == nil {
		t.Error("NewClient() expected error for empty API URL, got nil")
	}
}

func TestCreateResultSuccess(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/v2.0/results" {
			t.Errorf("path = %s, want /api/v2.0/results", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content-type = %q, want application/json", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL+"/api/v2.0/", fastPolicy())
	ok := client.CreateResult(context.Background(), &models.Result{
		TestCase: models.TestCase{Name: "baseos.job", RefURL: "https://domain.local/job/"},
		Outcome:  models.OutcomePassed,
		RefURL:   "https://domain.local/job/1/console",
	})
	if !ok {
		t.Fatal("CreateResult() = false, want true")
	}

	groups, isList := got["groups"].([]any)
	if !isList || len(groups) != 0 {
		t.Errorf("groups = %#v, want empty list", got["groups"])
	}
	if got["note"] != "" {
		t.Errorf("note = %#v, want empty string", got["note"])
	}
	if data, isMap := got["data"].(map[string]any); !isMap || len(data) != 0 {
		t.Errorf("data = %#v, want empty object", got["data"])
	}
	if got["outcome"] != "PASSED" {
		t.Errorf("outcome = %#v, want PASSED", got["outcome"])
	}
	testcase := got["testcase"].(map[string]any)
	if testcase["name"] != "baseos.job" || testcase["ref_url"] != "https://domain.local/job/" {
		t.Errorf("testcase = %#v", testcase)
	}
}

func TestCreateResultRejected(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "json message", status: http.StatusBadRequest, body: `{"message": "outcome must be one of PASSED, FAILED"}`},
		{name: "raw body", status: http.StatusBadRequest, body: "bad request"},
		{name: "structured message", status: http.StatusBadRequest, body: `{"message": {"outcome": ["invalid"]}}`},
		{name: "not retried 503", status: http.StatusServiceUnavailable, body: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer server.Close()

			client := newTestClient(t, server.URL, fastPolicy())
			if client.CreateResult(context.Background(), &models.Result{Outcome: models.OutcomeFailed}) {
				t.Error("CreateResult() = true, want false")
			}
			if n := atomic.LoadInt32(&calls); n != 1 {
				t.Errorf("server saw %d calls, want 1", n)
			}
		})
	}
}

func TestCreateResultRetriesServerErrors(t *testing.T) {
	statuses := []int{http.StatusBadGateway, http.StatusGatewayTimeout, http.StatusInternalServerError, http.StatusCreated}
	var calls int32
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		body, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(body))
		w.WriteHeader(statuses[n-1])
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, fastPolicy())
	ok := client.CreateResult(context.Background(), &models.Result{
		TestCase: "dva.ami",
		Outcome:  models.OutcomePassed,
		Data:     map[string]any{"item": "ami-b63769a1"},
	})
	if !ok {
		t.Fatal("CreateResult() = false, want true after transient failures")
	}
	if n := atomic.LoadInt32(&calls); n != 4 {
		t.Fatalf("server saw %d calls, want 4", n)
	}
	for i, body := range bodies {
		if body != bodies[0] {
			t.Errorf("attempt %d body = %s, want identical replay %s", i+1, body, bodies[0])
		}
	}
}

func TestCreateResultRetriesExhausted(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	policy := fastPolicy()
	policy.Total = 2
	client := newTestClient(t, server.URL, policy)

	if client.CreateResult(context.Background(), &models.Result{Outcome: models.OutcomePassed}) {
		t.Error("CreateResult() = true, want false once retries are exhausted")
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("server saw %d calls, want 3 (1 attempt + 2 retries)", n)
	}
}

func TestGetFirstGroup(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantUUID string
		wantNil  bool
		wantErr  bool
	}{
		{
			name:     "existing group",
			status:   http.StatusOK,
			body:     `{"data": [{"uuid": "529da400-fc74-4b28-af81-52f56816a2cb", "description": "https://domain.local/run/12345"}, {"uuid": "other"}]}`,
			wantUUID: "529da400-fc74-4b28-af81-52f56816a2cb",
		},
		{
			name:    "no group",
			status:  http.StatusOK,
			body:    `{"data": []}`,
			wantNil: true,
		},
		{
			name:    "not found",
			status:  http.StatusNotFound,
			body:    `{"message": "not here"}`,
			wantErr: true,
		},
		{
			name:    "invalid json",
			status:  http.StatusOK,
			body:    `{"data": [`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/groups" {
					t.Errorf("path = %s, want /groups", r.URL.Path)
				}
				if got := r.URL.Query().Get("description"); got != "https://domain.local/run/12345" {
					t.Errorf("description = %q, want https://domain.local/run/12345", got)
				}
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer server.Close()

			client := newTestClient(t, server.URL, fastPolicy())
			group, err := client.GetFirstGroup(context.Background(), "https://domain.local/run/12345")

			if (err != nil) != tt.wantErr {
				t.Fatalf("GetFirstGroup() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrGroupLookup) {
					t.Errorf("errors.Is(err, ErrGroupLookup) = false for %v", err)
				}
				return
			}
			if tt.wantNil {
				if group != nil {
					t.Errorf("GetFirstGroup() = %+v, want nil", group)
				}
				return
			}
			if group == nil || group.UUID != tt.wantUUID {
				t.Errorf("GetFirstGroup() = %+v, want uuid %s", group, tt.wantUUID)
			}
		})
	}
}

func TestGetFirstGroupUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	baseURL := server.URL
	server.Close()

	policy := fastPolicy()
	policy.Connect = 1
	client := newTestClient(t, baseURL, policy)

	_, err := client.GetFirstGroup(context.Background(), "anything")
	if err == nil {
		t.Fatal("GetFirstGroup() expected error for unreachable service, got nil")
	}
	if !errors.Is(err, ErrGroupLookup) {
		t.Errorf("errors.Is(err, ErrGroupLookup) = false for %v", err)
	}
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Errorf("errors.Is(err, ErrRetriesExhausted) = false for %v", err)
	}
}

func TestNewClientTrustBundle(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"data": []}`)
	}))
	defer server.Close()

	caFile := filepath.Join(t.TempDir(), "ca.pem")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: server.Certificate().Raw})
	if err := os.WriteFile(caFile, certPEM, 0o600); err != nil {
		t.Fatalf("failed to write CA bundle: %v", err)
	}

	t.Run("trusted", func(t *testing.T) {
		client, err := NewClient(config.ResultsDBConfig{APIURL: server.URL, CAFile: caFile}, testLogger(), WithRetryPolicy(fastPolicy()))
		if err != nil {
			t.Fatalf("NewClient() unexpected error: %v", err)
		}
		if _, err := client.GetFirstGroup(context.Background(), "x"); err != nil {
			t.Errorf("GetFirstGroup() unexpected error: %v", err)
		}
	})

	t.Run("untrusted", func(t *testing.T) {
		policy := fastPolicy()
		policy.Read = 0
		client, err := NewClient(config.ResultsDBConfig{APIURL: server.URL}, testLogger(), WithRetryPolicy(policy))
		if err != nil {
			t.Fatalf("NewClient() unexpected error: %v", err)
		}
		if _, err := client.GetFirstGroup(context.Background(), "x"); err == nil {
			t.Error("GetFirstGroup() expected certificate error, got nil")
		}
	})

	t.Run("missing bundle", func(t *testing.T) {
		_, err := NewClient(config.ResultsDBConfig{APIURL: server.URL, CAFile: filepath.Join(t.TempDir(), "nope.pem")}, testLogger())
		if err == nil {
			t.Error("NewClient() expected error for missing CA bundle, got nil")
		}
	})
}
