package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/gzip"
	"github.com/stone-age-io/sysreport/internal/config"
	"github.com/stone-age-io/sysreport/internal/snapshot"
	"github.com/stone-age-io/sysreport/internal/storage"
	"go.uber.org/zap"
)

const testToken = "s3cret"

const validBody = `{
	"os_name": "Linux",
	"os_version": "#1 SMP PREEMPT_DYNAMIC",
	"cpu_info": {"physical_cores": 4, "total_cores": 8, "frequency": 2400.0, "usage_percent": 3.5},
	"running_processes": [{"pid": 1, "name": "systemd", "username": "root"}, {"pid": 42, "name": "sshd", "username": null}],
	"logged_in_users": [{"user": "alice", "terminal": "pts/0"}]
}`

type recordingPublisher struct {
	mu      sync.Mutex
	records []string
}

func (p *recordingPublisher) PublishRecord(address string, record *snapshot.StoredRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, address+" "+record.Payload.OSName)
}

func newTestServer(t *testing.T, opts ...Option) (*Server, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "data")
	cfg := &config.CollectorConfig{
		Listen:       "127.0.0.1:0",
		Token:        testToken,
		DataDir:      dir,
		MaxBodyBytes: 1 << 20,
	}
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 12, 0, 0, 0, time.Local))
	store := storage.New(dir, clock, zap.NewNop())
	return NewServer(cfg, store, zap.NewNop(), opts...), dir
}

func collectRequest(body, auth string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/collect", strings.NewReader(body))
	req.RemoteAddr = "1.2.3.4:51234"
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	return req
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func detail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error response is not JSON: %v: %s", err, rec.Body.String())
	}
	return body.Detail
}

func assertNothingStored(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("data directory has %d entries, want none", len(entries))
	}
}

// TestCollectAndQuery tests that an accepted snapshot is stored and replayed unchanged
func TestCollectAndQuery(t *testing.T) {
	pub := &recordingPublisher{}
	s, dir := newTestServer(t, WithPublisher(pub))

	// Nothing stored yet
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/query/1.2.3.4", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("query before collect = %d, want 404", rec.Code)
	}
	if got := detail(t, rec); got != "No data found for address: 1.2.3.4" {
		t.Errorf("detail = %q", got)
	}

	rec = serve(s, collectRequest(validBody, "Bearer "+testToken))
	if rec.Code != http.StatusOK {
		t.Fatalf("collect = %d: %s", rec.Code, rec.Body.String())
	}
	var ack collectResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &ack); err != nil {
		t.Fatal(err)
	}
	if ack.Status != "success" || ack.Message != "Data received from 1.2.3.4" {
		t.Errorf("ack = %+v", ack)
	}

	if _, err := os.Stat(filepath.Join(dir, "1.2.3.4_2024-01-01.jsonl")); err != nil {
		t.Errorf("partition file missing: %v", err)
	}

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/query/1.2.3.4", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("query = %d: %s", rec.Code, rec.Body.String())
	}
	var records []snapshot.StoredRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("query body: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("query returned %d records, want 1", len(records))
	}

	submitted, err := snapshot.Parse([]byte(validBody))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(records[0].Payload, *submitted) {
		t.Errorf("payload = %+v, want %+v", records[0].Payload, *submitted)
	}
	if _, err := time.Parse(storage.TimestampLayout, records[0].ServerTimestamp); err != nil {
		t.Errorf("server_timestamp %q: %v", records[0].ServerTimestamp, err)
	}

	if !reflect.DeepEqual(pub.records, []string{"1.2.3.4 Linux"}) {
		t.Errorf("published = %v", pub.records)
	}
}

// TestCollectAuth tests bearer token handling
func TestCollectAuth(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantDetail string
	}{
		{"missing header", "", http.StatusUnauthorized, msgInvalidFormat},
		{"basic scheme", "Basic czNjcmV0", http.StatusUnauthorized, msgInvalidFormat},
		{"lowercase scheme", "bearer " + testToken, http.StatusUnauthorized, msgInvalidFormat},
		{"scheme only", "Bearer", http.StatusUnauthorized, msgInvalidFormat},
		{"wrong token", "Bearer nope", http.StatusUnauthorized, msgInvalidToken},
		{"empty token", "Bearer ", http.StatusUnauthorized, msgInvalidToken},
		{"token prefix", "Bearer s3c", http.StatusUnauthorized, msgInvalidToken},
		{"correct token", "Bearer " + testToken, http.StatusOK, ""},
		{"trailing field ignored", "Bearer " + testToken + " extra", http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, dir := newTestServer(t)
			rec := serve(s, collectRequest(validBody, tt.header))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus == http.StatusUnauthorized {
				if got := detail(t, rec); got != tt.wantDetail {
					t.Errorf("detail = %q, want %q", got, tt.wantDetail)
				}
				assertNothingStored(t, dir)
			}
		})
	}
}

// TestCollectAuthBeforeValidation tests that a bad token wins over a bad body
func TestCollectAuthBeforeValidation(t *testing.T) {
	s, _ := newTestServer(t)
	rec := serve(s, collectRequest(`{"garbage": true}`, "Bearer wrong"))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

// TestCollectRejectsInvalid tests that malformed snapshots are refused without writing
func TestCollectRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty body", ""},
		{"not json", "hello"},
		{"array", "[]"},
		{"missing os_name", `{"os_version":"1","cpu_info":{},"running_processes":[],"logged_in_users":[]}`},
		{"null os_version", `{"os_name":"Linux","os_version":null,"cpu_info":{},"running_processes":[],"logged_in_users":[]}`},
		{"unknown top-level field", `{"os_name":"Linux","os_version":"1","cpu_info":{},"running_processes":[],"logged_in_users":[],"extra":1}`},
		{"unknown nested field", `{"os_name":"Linux","os_version":"1","cpu_info":{"cores":4},"running_processes":[],"logged_in_users":[]}`},
		{"wrong pid type", `{"os_name":"Linux","os_version":"1","cpu_info":{},"running_processes":[{"pid":"1","name":"init"}],"logged_in_users":[]}`},
		{"trailing data", validBody + `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, dir := newTestServer(t)
			rec := serve(s, collectRequest(tt.body, "Bearer "+testToken))

			if rec.Code != http.StatusUnprocessableEntity {
				t.Fatalf("status = %d, want 422: %s", rec.Code, rec.Body.String())
			}
			if detail(t, rec) == "" {
				t.Error("detail is empty")
			}
			assertNothingStored(t, dir)
		})
	}
}

// TestCollectErrorMarkers tests that snapshots carrying error markers are accepted
func TestCollectErrorMarkers(t *testing.T) {
	s, _ := newTestServer(t)
	body := `{"os_name":"Windows","os_version":"10.0.19045","cpu_info":{"error":"access denied"},` +
		`"running_processes":[{"error":"could not access all processes: denied"}],"logged_in_users":{"error":"unsupported"}}`

	rec := serve(s, collectRequest(body, "Bearer "+testToken))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/query/1.2.3.4", nil))
	if !strings.Contains(rec.Body.String(), `"cpu_info":{"error":"access denied"}`) {
		t.Errorf("stored record lost the cpu marker: %s", rec.Body.String())
	}
}

// TestCollectGzip tests compressed request bodies
func TestCollectGzip(t *testing.T) {
	s, _ := newTestServer(t)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	io.WriteString(zw, validBody)
	zw.Close()

	req := collectRequest("", "Bearer "+testToken)
	req.Body = io.NopCloser(&buf)
	req.Header.Set("Content-Encoding", "gzip")

	rec := serve(s, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	// A body claiming gzip that is not gzip is a bad payload
	req = collectRequest(validBody, "Bearer "+testToken)
	req.Header.Set("Content-Encoding", "gzip")
	if rec := serve(s, req); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("bogus gzip status = %d, want 422", rec.Code)
	}
}

// TestCollectBodyLimits tests oversized and unsupported bodies
func TestCollectBodyLimits(t *testing.T) {
	s, dir := newTestServer(t)
	s.maxBodyBytes = 64

	rec := serve(s, collectRequest(validBody, "Bearer "+testToken))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized status = %d, want 413", rec.Code)
	}

	// Small on the wire, large once inflated
	s.maxBodyBytes = 1024
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	io.WriteString(zw, strings.Repeat(" ", 4096)+validBody)
	zw.Close()
	req := collectRequest("", "Bearer "+testToken)
	req.Body = io.NopCloser(&buf)
	req.Header.Set("Content-Encoding", "gzip")
	if rec := serve(s, req); rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("inflated status = %d, want 413", rec.Code)
	}

	req = collectRequest(validBody, "Bearer "+testToken)
	req.Header.Set("Content-Encoding", "br")
	if rec := serve(s, req); rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("brotli status = %d, want 415", rec.Code)
	}

	assertNothingStored(t, dir)
}

// TestCollectStorageFailure tests the 500 path when the data directory is unusable
func TestCollectStorageFailure(t *testing.T) {
	s, dir := newTestServer(t)
	if err := os.WriteFile(dir, []byte("not a directory"), 0644); err != nil {
		t.Fatal(err)
	}

	rec := serve(s, collectRequest(validBody, "Bearer "+testToken))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if got := detail(t, rec); got != "Failed to store data" {
		t.Errorf("detail = %q", got)
	}
}

// TestQuerySkipsCorruptLine tests that a damaged line is dropped and counted
func TestQuerySkipsCorruptLine(t *testing.T) {
	s, dir := newTestServer(t)

	if rec := serve(s, collectRequest(validBody, "Bearer "+testToken)); rec.Code != http.StatusOK {
		t.Fatalf("collect = %d", rec.Code)
	}
	path := filepath.Join(dir, "1.2.3.4_2024-01-01.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("{\"server_timestamp\": \"2024-01-01T12:\n")
	f.Close()
	if rec := serve(s, collectRequest(validBody, "Bearer "+testToken)); rec.Code != http.StatusOK {
		t.Fatalf("collect = %d", rec.Code)
	}

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/query/1.2.3.4", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("query = %d", rec.Code)
	}
	var records []json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Errorf("query returned %d records, want 2", len(records))
	}
	if got := s.Metrics().skippedLines.Load(); got != 1 {
		t.Errorf("skipped lines = %d, want 1", got)
	}
}

// TestRoutes tests the liveness route, metrics and method handling
func TestRoutes(t *testing.T) {
	s, _ := newTestServer(t)

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `{"message":"Collector API is online."}` {
		t.Errorf("GET / = %d %s", rec.Code, rec.Body.String())
	}

	if rec := serve(s, httptest.NewRequest(http.MethodGet, "/collect", nil)); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /collect = %d, want 405", rec.Code)
	}
	if rec := serve(s, httptest.NewRequest(http.MethodGet, "/nowhere", nil)); rec.Code != http.StatusNotFound {
		t.Errorf("GET /nowhere = %d, want 404", rec.Code)
	}

	serve(s, collectRequest(validBody, "Bearer "+testToken))
	serve(s, collectRequest(validBody, "Bearer wrong"))
	serve(s, httptest.NewRequest(http.MethodGet, "/query/9.9.9.9", nil))

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("metrics Content-Type = %q", ct)
	}
	for _, want := range []string{
		`sysreport_collect_requests_total{result="stored"} 1`,
		`sysreport_collect_requests_total{result="unauthorized"} 1`,
		`sysreport_query_requests_total{result="not_found"} 1`,
		`sysreport_query_skipped_lines_total 0`,
		`# TYPE sysreport_collect_requests_total counter`,
	} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Errorf("metrics missing %q:\n%s", want, rec.Body.String())
		}
	}
}

// TestRequestID tests request ID propagation
func TestRequestID(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "0b5f2f4e-8d55-4a5c-9d3e-1f1a2b3c4d5e")
	if got := serve(s, req).Header().Get(requestIDHeader); got != "0b5f2f4e-8d55-4a5c-9d3e-1f1a2b3c4d5e" {
		t.Errorf("echoed request ID = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "not-a-uuid")
	if got := serve(s, req).Header().Get(requestIDHeader); got == "" || got == "not-a-uuid" {
		t.Errorf("replacement request ID = %q", got)
	}
}

// TestRecovery tests that a panicking handler yields a JSON 500
func TestRecovery(t *testing.T) {
	h := withRecovery(zap.NewNop(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if got := detail(t, rec); got != "Internal server error" {
		t.Errorf("detail = %q", got)
	}
}

// TestServerStartShutdown tests serving over a real listener
func TestServerStartShutdown(t *testing.T) {
	s, _ := newTestServer(t)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	base := fmt.Sprintf("http://%s", s.Addr())
	req, _ := http.NewRequest(http.MethodPost, base+"/collect", strings.NewReader(validBody))
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /collect: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("POST /collect = %d", resp.StatusCode)
	}

	// The peer address of a loopback client is its partition key
	resp, err = http.Get(base + "/query/127.0.0.1")
	if err != nil {
		t.Fatalf("GET /query: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /query/127.0.0.1 = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

// TestCheckBearer tests header parsing in isolation
func TestCheckBearer(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer tok", ""},
		{"Bearer tok extra", ""},
		{"Bearer  tok", msgInvalidToken},
		{"Token tok", msgInvalidFormat},
		{"", msgInvalidFormat},
	}
	for _, tt := range tests {
		if got := checkBearer(tt.header, "tok"); got != tt.want {
			t.Errorf("checkBearer(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}
