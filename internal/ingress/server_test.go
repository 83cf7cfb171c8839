package ingress

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"gopkg.in/gomail.v2"

	"github.com/otherjamesbrown/ckanpackager/internal/stats"
	"github.com/otherjamesbrown/ckanpackager/internal/task"
	"github.com/otherjamesbrown/ckanpackager/internal/workerpool"
	"github.com/otherjamesbrown/ckanpackager/internal/workspace"
	"github.com/otherjamesbrown/ckanpackager/pkg/logging"
)

// countingVariant returns a pre-seeded archive unchanged; the test pools
// run with a single worker so a submitted task runs to completion shortly
// after the request returns.
type countingVariant struct {
	zipPath string
}

func (v *countingVariant) Schema() task.Schema               { return task.Schema{} }
func (v *countingVariant) Host(d *task.Descriptor) string     { return "catalog.example.org" }
func (v *countingVariant) SpeedWhenCached(d *task.Descriptor, cached bool) task.Speed {
	return task.SpeedFast
}
func (v *countingVariant) CreateZip(ctx context.Context, d *task.Descriptor, deps *task.Deps) (string, error) {
	return v.zipPath, nil
}

func newTestServer(t *testing.T, secret string) (*Server, *stats.Store) {
	t.Helper()
	store, err := stats.Open(context.Background(), "sqlite:///:memory:", false)
	if err != nil {
		t.Fatalf("stats.Open() error: %v", err)
	}
	t.Cleanup(store.Close)

	dir := t.TempDir()
	zipPath := dir + "/archive.zip"
	if err := os.WriteFile(zipPath, []byte("zip"), 0600); err != nil {
		t.Fatalf("seeding archive: %v", err)
	}

	deps := &task.Deps{
		StoreDirectory: dir,
		TempDirectory:  t.TempDir(),
		Format:         workspace.FormatCSV,
		ZipCommand:     "true",
		Stats:          store,
		Mailer:         noopMailer{},
		Logger:         logging.NewNopLogger(),
		EmailSubject:   "ready",
		EmailFrom:      "noreply@example.org",
		EmailBody:      "get it",
		EmailBodyHTML:  "<p>get it</p>",
	}

	fastPool := workerpool.New(workerpool.Config{Workers: 1}, nil)
	slowPool := workerpool.New(workerpool.Config{Workers: 1}, nil)
	t.Cleanup(func() {
		fastPool.Terminate(time.Second)
		slowPool.Terminate(time.Second)
	})

	variants := map[string]VariantFactory{
		"datastore": func() task.Variant { return &countingVariant{zipPath: zipPath} },
	}

	srv := New(secret, 2, store, deps, fastPool, slowPool, logging.NewNopLogger(), variants)
	return srv, store
}

// waitForRequestRow polls the store until a requests row for resourceID
// appears or the deadline passes, since the task runs on a pool worker
// asynchronously from the HTTP response.
func waitForRequestRow(t *testing.T, store *stats.Store, resourceID string) []stats.Request {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		rows, err := store.GetRequests(context.Background(), 0, 10, stats.Filters{ResourceID: resourceID})
		if err != nil {
			t.Fatalf("GetRequests() error: %v", err)
		}
		if len(rows) > 0 || time.Now().After(deadline) {
			return rows
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// noopMailer never dials out; the test's happy path exercises stats
// logging, not SMTP delivery.
type noopMailer struct{}

func (noopMailer) DialAndSend(...*gomail.Message) error { return nil }

func postForm(srv *Server, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var e envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("decoding response body %q: %v", rec.Body.String(), err)
	}
	return e
}

func TestServer_WrongSecretIsUnauthorized(t *testing.T) {
	srv, _ := newTestServer(t, "s3cret")

	rec := postForm(srv, "/status", url.Values{"secret": {"wrong"}})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	e := decodeEnvelope(t, rec)
	if e.Status != "failed" || e.Error != "NotAuthorizedError" {
		t.Errorf("envelope = %+v", e)
	}
}

func TestServer_Status(t *testing.T) {
	srv, _ := newTestServer(t, "s3cret")

	rec := postForm(srv, "/status", url.Values{"secret": {"s3cret"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}
	e := decodeEnvelope(t, rec)
	if e.Status != "success" {
		t.Errorf("envelope = %+v", e)
	}
}

func TestServer_PackageDatastore_MissingResourceIDIsBadRequest(t *testing.T) {
	srv, _ := newTestServer(t, "s3cret")

	rec := postForm(srv, "/package_datastore", url.Values{"secret": {"s3cret"}, "email": {"a@b.com"}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body %s", rec.Code, rec.Body.String())
	}
	e := decodeEnvelope(t, rec)
	if e.Error != "BadRequestError" {
		t.Errorf("envelope = %+v", e)
	}
}

func TestServer_PackageDatastore_EnqueuesAndLogsRequest(t *testing.T) {
	srv, store := newTestServer(t, "s3cret")

	rec := postForm(srv, "/package_datastore", url.Values{
		"secret":      {"s3cret"},
		"resource_id": {"r1"},
		"email":       {"a@b.com"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}

	rows := waitForRequestRow(t, store, "r1")
	if len(rows) != 1 {
		t.Fatalf("requests = %+v, want one row for r1", rows)
	}
}

// TestServer_StatisticsRequests_OmitsSurrogateID confirms the wire response
// drops the internal id column list queries never expose.
func TestServer_StatisticsRequests_OmitsSurrogateID(t *testing.T) {
	srv, store := newTestServer(t, "s3cret")

	if err := store.LogRequest(context.Background(), "r1", "a@b.com", 1); err != nil {
		t.Fatalf("LogRequest() error: %v", err)
	}

	rec := postForm(srv, "/statistics/requests", url.Values{"secret": {"s3cret"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), `"ID"`) || strings.Contains(rec.Body.String(), `"id"`) {
		t.Errorf("response body leaks an id field: %s", rec.Body.String())
	}

	var e struct {
		Message []map[string]any `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("decoding response body %q: %v", rec.Body.String(), err)
	}
	if len(e.Message) != 1 {
		t.Fatalf("requests = %+v, want one row", e.Message)
	}
	if _, ok := e.Message[0]["id"]; ok {
		t.Errorf("row should not contain an id key: %+v", e.Message[0])
	}
	if e.Message[0]["resource_id"] != "r1" {
		t.Errorf("row = %+v, want resource_id r1", e.Message[0])
	}
}

// TestServer_StatisticsErrors_OmitsSurrogateID is the errors-table analogue
// of TestServer_StatisticsRequests_OmitsSurrogateID.
func TestServer_StatisticsErrors_OmitsSurrogateID(t *testing.T) {
	srv, store := newTestServer(t, "s3cret")

	if err := store.LogError(context.Background(), "r1", "a@b.com", "boom"); err != nil {
		t.Fatalf("LogError() error: %v", err)
	}

	rec := postForm(srv, "/statistics/errors", url.Values{"secret": {"s3cret"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}

	var e struct {
		Message []map[string]any `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("decoding response body %q: %v", rec.Body.String(), err)
	}
	if len(e.Message) != 1 {
		t.Fatalf("errors = %+v, want one row", e.Message)
	}
	if _, ok := e.Message[0]["id"]; ok {
		t.Errorf("row should not contain an id key: %+v", e.Message[0])
	}
	if e.Message[0]["message"] != "boom" {
		t.Errorf("row = %+v, want message boom", e.Message[0])
	}
}

func TestServer_ClearCaches(t *testing.T) {
	srv, _ := newTestServer(t, "s3cret")

	rec := postForm(srv, "/clear_caches", url.Values{"secret": {"s3cret"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}
}

// TestServer_Version_Unauthenticated confirms /version bypasses the shared
// secret, matching buildinfo's use elsewhere as an unauthenticated probe.
func TestServer_Version_Unauthenticated(t *testing.T) {
	srv, _ := newTestServer(t, "s3cret")

	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}
}

func TestServer_Metrics_Unauthenticated(t *testing.T) {
	srv, _ := newTestServer(t, "s3cret")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}
}

// TestServer_Healthz_Unauthenticated confirms the liveness probe bypasses
// the shared secret, same as /version and /metrics.
func TestServer_Healthz_Unauthenticated(t *testing.T) {
	srv, _ := newTestServer(t, "s3cret")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}
	e := decodeEnvelope(t, rec)
	if e.Status != "healthy" {
		t.Errorf("envelope = %+v", e)
	}
}
