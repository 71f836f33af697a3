package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/SyncPipe/internal/audit"
	"github.com/BTreeMap/SyncPipe/internal/models"
	"github.com/BTreeMap/SyncPipe/internal/pipeline"
	"github.com/BTreeMap/SyncPipe/internal/retry"
	"github.com/BTreeMap/SyncPipe/internal/stats"
	"github.com/BTreeMap/SyncPipe/internal/store"
	"github.com/BTreeMap/SyncPipe/internal/testutil"
	"github.com/goccy/go-json"
)

type fakeSubmitter struct {
	st     *store.InMemoryStore
	result pipeline.Result
	err    error
	got    *models.Submission
}

func (f *fakeSubmitter) Submit(ctx context.Context, sub *models.Submission) (pipeline.Result, error) {
	f.got = sub
	if f.err != nil {
		return pipeline.Result{}, f.err
	}
	if err := f.st.CreateSubmission(ctx, sub); err != nil {
		return pipeline.Result{}, err
	}
	return f.result, nil
}

type fakeStats struct {
	err error
}

func (f fakeStats) Compute(ctx context.Context) (stats.Report, error) {
	if f.err != nil {
		return stats.Report{}, f.err
	}
	return stats.Report{Total: 7, RetrySuccessRate: 0.75}, nil
}

type fakeRetries struct{}

func (fakeRetries) ListPending() []retry.PendingInfo {
	return []retry.PendingInfo{{SubmissionID: "sub_1", FireAt: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}}
}

func (fakeRetries) QueueSizes() map[models.ErrorCategory]int {
	return map[models.ErrorCategory]int{models.ErrorCategoryRateLimit: 2}
}

type apiResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

func newTestServer(t *testing.T, sub *fakeSubmitter, statsSource StatsSource) (*httptest.Server, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	if sub == nil {
		sub = &fakeSubmitter{}
	}
	sub.st = st
	if statsSource == nil {
		statsSource = fakeStats{}
	}
	s := NewServer(sub, st, audit.NewLogger(st), statsSource, fakeRetries{})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, st
}

func doRequest(t *testing.T, method, url, body string) (int, apiResponse) {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp.StatusCode, out
}

const validBody = `{"form_name":"membership","target_module":"Leads","fields":[{"name":"email","value":"a@b.org"},{"name":"interests","value":["x","y"]}]}`

func TestCreateSubmission_Synced(t *testing.T) {
	sub := &fakeSubmitter{result: pipeline.Result{Synced: true, ExternalID: "ext-1"}}
	ts, _ := newTestServer(t, sub, nil)

	code, resp := doRequest(t, http.MethodPost, ts.URL+"/api/submissions", validBody)
	if code != http.StatusCreated || resp.Status != "ok" {
		t.Fatalf("code = %d, resp = %+v", code, resp)
	}
	var body submissionResponse
	if err := json.Unmarshal(resp.Result, &body); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if !strings.HasPrefix(body.ID, "sub_") || body.SyncStatus != models.SyncStatusSynced {
		t.Errorf("body = %+v", body)
	}
	if len(sub.got.Payload) != 2 || sub.got.Payload[1].Name != "interests" {
		t.Errorf("payload = %+v", sub.got.Payload)
	}
	if _, ok := sub.got.Payload[1].Value.([]any); !ok {
		t.Errorf("array value decoded as %T", sub.got.Payload[1].Value)
	}
}

func TestCreateSubmission_RetryAndFailureAreAccepted(t *testing.T) {
	tests := []struct {
		name   string
		result pipeline.Result
		want   models.SyncStatus
	}{
		{"retry scheduled", pipeline.Result{ShouldRetry: true, RetryAfterMs: 2000}, models.SyncStatusPending},
		{"terminal", pipeline.Result{}, models.SyncStatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, _ := newTestServer(t, &fakeSubmitter{result: tt.result}, nil)
			code, resp := doRequest(t, http.MethodPost, ts.URL+"/api/submissions", validBody)
			if code != http.StatusAccepted || resp.Status != string(models.APIStatusAccepted) {
				t.Fatalf("code = %d, resp = %+v", code, resp)
			}
			var body submissionResponse
			_ = json.Unmarshal(resp.Result, &body)
			if body.SyncStatus != tt.want {
				t.Errorf("SyncStatus = %s, want %s", body.SyncStatus, tt.want)
			}
		})
	}
}

func TestCreateSubmission_BadRequests(t *testing.T) {
	ts, _ := newTestServer(t, nil, nil)
	tests := map[string]string{
		"invalid json":  `{"form_name":`,
		"missing form":  `{"target_module":"Leads","fields":[{"name":"a","value":"b"}]}`,
		"no fields":     `{"form_name":"f","target_module":"Leads","fields":[]}`,
		"unnamed field": `{"form_name":"f","target_module":"Leads","fields":[{"value":"b"}]}`,
		"id too long":   fmt.Sprintf(`{"id":"%s","form_name":"f","target_module":"Leads","fields":[{"name":"a"}]}`, strings.Repeat("x", 65)),
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			code, resp := doRequest(t, http.MethodPost, ts.URL+"/api/submissions", body)
			if code != http.StatusBadRequest || resp.Status != "error" {
				t.Errorf("code = %d, resp = %+v", code, resp)
			}
		})
	}
}

func TestCreateSubmission_Conflict(t *testing.T) {
	ts, _ := newTestServer(t, &fakeSubmitter{result: pipeline.Result{Synced: true}}, nil)
	body := `{"id":"sub_fixed","form_name":"f","target_module":"Leads","fields":[{"name":"a","value":"b"}]}`
	if code, _ := doRequest(t, http.MethodPost, ts.URL+"/api/submissions", body); code != http.StatusCreated {
		t.Fatalf("first submit code = %d", code)
	}
	if code, _ := doRequest(t, http.MethodPost, ts.URL+"/api/submissions", body); code != http.StatusConflict {
		t.Errorf("duplicate submit code = %d, want 409", code)
	}
}

func TestCreateSubmission_InternalError(t *testing.T) {
	ts, _ := newTestServer(t, &fakeSubmitter{err: errors.New("disk full")}, nil)
	code, resp := doRequest(t, http.MethodPost, ts.URL+"/api/submissions", validBody)
	if code != http.StatusInternalServerError || strings.Contains(resp.Message, "disk") {
		t.Errorf("code = %d, resp = %+v", code, resp)
	}
}

func TestGetSubmissionAndAudit(t *testing.T) {
	ts, st := newTestServer(t, nil, nil)
	ctx := context.Background()
	testutil.SeedSubmissions(t, st, models.Submission{ID: "sub_a"})
	audit.NewLogger(st).Success(ctx, "sub_a", models.AuditOperationReceived, nil)

	code, resp := doRequest(t, http.MethodGet, ts.URL+"/api/submissions/sub_a", "")
	if code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	var got models.Submission
	_ = json.Unmarshal(resp.Result, &got)
	if got.ID != "sub_a" || got.SyncStatus != models.SyncStatusPending {
		t.Errorf("submission = %+v", got)
	}

	code, resp = doRequest(t, http.MethodGet, ts.URL+"/api/submissions/sub_a/audit", "")
	var entries []models.AuditLogEntry
	_ = json.Unmarshal(resp.Result, &entries)
	if code != http.StatusOK || len(entries) != 1 || entries[0].Operation != models.AuditOperationReceived {
		t.Errorf("code = %d, entries = %+v", code, entries)
	}

	code, _ = doRequest(t, http.MethodGet, ts.URL+"/api/submissions/missing", "")
	testutil.AssertHTTPStatus(t, http.StatusNotFound, code, "missing submission")
	code, _ = doRequest(t, http.MethodGet, ts.URL+"/api/submissions/missing/audit", "")
	testutil.AssertHTTPStatus(t, http.StatusNotFound, code, "missing audit")
}

func TestStatsRetriesAndHealth(t *testing.T) {
	ts, _ := newTestServer(t, nil, nil)

	code, resp := doRequest(t, http.MethodGet, ts.URL+"/api/stats", "")
	var report stats.Report
	_ = json.Unmarshal(resp.Result, &report)
	if code != http.StatusOK || report.Total != 7 || report.RetrySuccessRate != 0.75 {
		t.Errorf("code = %d, report = %+v", code, report)
	}

	code, resp = doRequest(t, http.MethodGet, ts.URL+"/api/retries", "")
	var retries retriesResponse
	_ = json.Unmarshal(resp.Result, &retries)
	if code != http.StatusOK || len(retries.Pending) != 1 || retries.Queues[models.ErrorCategoryRateLimit] != 2 {
		t.Errorf("code = %d, retries = %+v", code, retries)
	}

	if code, resp := doRequest(t, http.MethodGet, ts.URL+"/health", ""); code != http.StatusOK || resp.Status != "ok" {
		t.Errorf("health = %d %+v", code, resp)
	}

	errTS, _ := newTestServer(t, nil, fakeStats{err: errors.New("database is locked")})
	if code, _ := doRequest(t, http.MethodGet, errTS.URL+"/api/stats", ""); code != http.StatusInternalServerError {
		t.Errorf("stats error code = %d", code)
	}
}

func TestHealth_ReportsChecks(t *testing.T) {
	st := store.NewInMemoryStore()
	s := NewServer(&fakeSubmitter{st: st}, st, audit.NewLogger(st), fakeStats{}, fakeRetries{},
		WithHealthCheck("crm_breaker", func() any { return "open" }),
		WithHealthCheck("cached_modules", func() any { return []string{"Contacts", "Leads"} }))
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	code, resp := doRequest(t, http.MethodGet, ts.URL+"/health", "")
	if code != http.StatusOK {
		t.Fatalf("health code = %d", code)
	}
	var health struct {
		Service       string   `json:"service"`
		CRMBreaker    string   `json:"crm_breaker"`
		CachedModules []string `json:"cached_modules"`
	}
	if err := json.Unmarshal(resp.Result, &health); err != nil {
		t.Fatalf("failed to decode health: %v", err)
	}
	if health.Service != "syncpipe" || health.CRMBreaker != "open" || len(health.CachedModules) != 2 {
		t.Errorf("health = %+v", health)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, nil, nil)
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

type unmarshalable struct{}

func (unmarshalable) MarshalJSON() ([]byte, error) {
	return nil, errors.New("cannot encode")
}

func TestWriteJSONResponse_MarshalFailure(t *testing.T) {
	rr := httptest.NewRecorder()
	writeJSONResponse(rr, http.StatusOK, models.Success(unmarshalable{}))
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("code = %d, want 500", rr.Code)
	}
	if !bytes.Equal(rr.Body.Bytes(), fallbackErrorResponse) {
		t.Errorf("body = %s", rr.Body.String())
	}
}
