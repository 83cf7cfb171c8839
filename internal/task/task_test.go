package task

import (
	"context"
	"errors"
	"testing"

	"gopkg.in/gomail.v2"

	"github.com/otherjamesbrown/ckanpackager/internal/stats"
	"github.com/otherjamesbrown/ckanpackager/internal/workspace"
	pkgerrors "github.com/otherjamesbrown/ckanpackager/pkg/errors"
	"github.com/otherjamesbrown/ckanpackager/pkg/logging"
)

// fakeMailer records every message handed to DialAndSend and can be made to
// fail on demand.
type fakeMailer struct {
	sent []*gomail.Message
	err  error
}

func (m *fakeMailer) DialAndSend(msgs ...*gomail.Message) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msgs...)
	return nil
}

// fakeVariant is a scriptable Variant for exercising Task.Run's skeleton
// without a real upstream or workspace.
type fakeVariant struct {
	zipPath string
	err     error
	speed   Speed
}

func (v *fakeVariant) Schema() Schema { return nil }
func (v *fakeVariant) Host(d *Descriptor) string { return "catalog.example.org" }
func (v *fakeVariant) SpeedWhenCached(d *Descriptor, cached bool) Speed {
	if cached {
		return SpeedFast
	}
	return v.speed
}
func (v *fakeVariant) CreateZip(ctx context.Context, d *Descriptor, deps *Deps) (string, error) {
	if v.err != nil {
		return "", v.err
	}
	return v.zipPath, nil
}

func newTestDeps(t *testing.T, storeDir string, mailer Mailer) *Deps {
	t.Helper()
	store, err := stats.Open(context.Background(), "sqlite:///:memory:", false)
	if err != nil {
		t.Fatalf("stats.Open() error: %v", err)
	}
	t.Cleanup(store.Close)

	return &Deps{
		StoreDirectory: storeDir,
		TempDirectory:  t.TempDir(),
		Format:         workspace.FormatCSV,
		ZipCommand:     "true",
		Stats:          store,
		Mailer:         mailer,
		Logger:         logging.NewNopLogger(),
		EmailSubject:   "ready: {resource_id}",
		EmailFrom:      "noreply@{ckan_host}",
		EmailBody:      "get {zip_file_name}",
		EmailBodyHTML:  "<p>get {zip_file_name}</p>",
		DOIBody:        "cite {doi}",
		DOIBodyHTML:    "<p>cite {doi}</p>",
	}
}

func TestTask_Run_Success(t *testing.T) {
	dir := t.TempDir()
	mailer := &fakeMailer{}
	deps := newTestDeps(t, dir, mailer)
	d := &Descriptor{ResourceID: "r1", Email: "a@b.com", Fields: map[string]any{"limit": 5}}
	tk := New(d, &fakeVariant{zipPath: dir + "/archive.zip"}, deps)

	if err := tk.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(mailer.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(mailer.sent))
	}

	rows, err := deps.Stats.GetRequests(context.Background(), 0, 10, stats.Filters{})
	if err != nil {
		t.Fatalf("GetRequests() error: %v", err)
	}
	if len(rows) != 1 || rows[0].Count != 5 {
		t.Fatalf("requests = %+v, want one row with count 5", rows)
	}
}

func TestTask_Run_CreateZipFailureIsLoggedAndPropagated(t *testing.T) {
	dir := t.TempDir()
	mailer := &fakeMailer{}
	deps := newTestDeps(t, dir, mailer)
	d := &Descriptor{ResourceID: "r1", Email: "a@b.com", Fields: map[string]any{}}
	wantErr := errors.New("upstream exploded")
	tk := New(d, &fakeVariant{err: wantErr}, deps)

	err := tk.Run(context.Background())
	if !errors.Is(err, wantErr) {
		t.Fatalf("Run() error = %v, want wrapping %v", err, wantErr)
	}
	if len(mailer.sent) != 0 {
		t.Errorf("sent %d messages, want 0 on create_zip failure", len(mailer.sent))
	}

	errs, err := deps.Stats.GetErrors(context.Background(), 0, 10, stats.Filters{})
	if err != nil {
		t.Fatalf("GetErrors() error: %v", err)
	}
	if len(errs) != 1 {
		t.Fatalf("errors = %+v, want one row", errs)
	}
}

func TestTask_Run_EmailFailureIsLoggedAndPropagated(t *testing.T) {
	dir := t.TempDir()
	mailer := &fakeMailer{err: errors.New("smtp down")}
	deps := newTestDeps(t, dir, mailer)
	d := &Descriptor{ResourceID: "r1", Email: "a@b.com", Fields: map[string]any{}}
	tk := New(d, &fakeVariant{zipPath: dir + "/archive.zip"}, deps)

	err := tk.Run(context.Background())
	if !errors.Is(err, pkgerrors.ErrSMTP) {
		t.Fatalf("Run() error = %v, want ErrSMTP", err)
	}

	errs, err := deps.Stats.GetErrors(context.Background(), 0, 10, stats.Filters{})
	if err != nil {
		t.Fatalf("GetErrors() error: %v", err)
	}
	if len(errs) != 1 {
		t.Fatalf("errors = %+v, want one row", errs)
	}
}

func TestTask_Speed_UncachedUsesVariantSpeed(t *testing.T) {
	dir := t.TempDir()
	deps := newTestDeps(t, dir, &fakeMailer{})
	d := &Descriptor{ResourceID: "r1", Email: "a@b.com", Fields: map[string]any{}}
	tk := New(d, &fakeVariant{speed: SpeedSlow}, deps)

	if got := tk.Speed(); got != SpeedSlow {
		t.Errorf("Speed() (uncached) = %q, want slow", got)
	}
}

func TestTask_DOIPlaceholders(t *testing.T) {
	dir := t.TempDir()
	mailer := &fakeMailer{}
	deps := newTestDeps(t, dir, mailer)
	d := &Descriptor{ResourceID: "r1", Email: "a@b.com", Fields: map[string]any{"doi": "10.5072/x"}}
	tk := New(d, &fakeVariant{zipPath: dir + "/archive.zip"}, deps)

	if err := tk.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	placeholders := tk.placeholders("archive.zip")
	if placeholders["doi_body"] != "cite 10.5072/x" {
		t.Errorf("doi_body = %q", placeholders["doi_body"])
	}
}
