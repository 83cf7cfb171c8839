package task

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"gopkg.in/gomail.v2"

	"github.com/otherjamesbrown/ckanpackager/internal/stats"
	"github.com/otherjamesbrown/ckanpackager/internal/workspace"
	pkgerrors "github.com/otherjamesbrown/ckanpackager/pkg/errors"
	"github.com/otherjamesbrown/ckanpackager/pkg/logging"
)

// Speed classifies how a task should be routed between the fast and slow
// worker pools.
type Speed string

const (
	SpeedFast Speed = "fast"
	SpeedSlow Speed = "slow"
)

// Mailer delivers a composed message; *gomail.Dialer satisfies this
// directly, a fake can be substituted in tests.
type Mailer interface {
	DialAndSend(m ...*gomail.Message) error
}

// Variant is the part of the package-task pipeline that differs between
// datastore, URL and DwC-A jobs. The shared driver (Task) owns everything
// else: cache check, email, and stats logging.
type Variant interface {
	// Schema describes this variant's additional descriptor fields.
	Schema() Schema
	// Host returns the hostname placeholder used in email templates,
	// derived from the request's own api_url/resource_url field.
	Host(d *Descriptor) string
	// SpeedWhenCached classifies a variant-specific task given whether the
	// cache already holds the archive.
	SpeedWhenCached(d *Descriptor, cached bool) Speed
	// CreateZip builds its own scoped workspace, writes its output, zips it,
	// and guarantees the workspace is cleaned on every exit path (including
	// a returned error), per the resource-workspace lifetime design note.
	CreateZip(ctx context.Context, d *Descriptor, deps *Deps) (string, error)
}

// Deps bundles the shared collaborators every Task needs: workspace
// configuration, the statistics store, the mailer, and the configured
// email/DOI templates.
type Deps struct {
	StoreDirectory string
	TempDirectory  string
	CacheTime      time.Duration
	ZipCommand     string
	Format         workspace.Format

	Stats  *stats.Store
	Mailer Mailer
	Logger logging.Logger

	SMTPLogin string // informational only; auth is configured on Mailer

	EmailSubject  string
	EmailFrom     string
	EmailBody     string
	EmailBodyHTML string
	DOIBody       string
	DOIBodyHTML   string
}

// Task drives one packaging job end to end: cache check, variant-specific
// archive creation, email delivery, and outcome logging. It satisfies
// internal/workerpool.Task.
type Task struct {
	Descriptor *Descriptor
	Variant    Variant
	Deps       *Deps
}

// New builds a Task for descriptor d, processed by variant, using deps.
func New(d *Descriptor, variant Variant, deps *Deps) *Task {
	return &Task{Descriptor: d, Variant: variant, Deps: deps}
}

// Speed reports whether this task should be routed to the fast or slow
// pool, consulting the archive cache the same way Run will.
func (t *Task) Speed() Speed {
	fp := Fingerprint(t.Descriptor)
	_, cached := workspace.LookupCache(t.Deps.StoreDirectory, fp, t.Deps.CacheTime, time.Now())
	return t.Variant.SpeedWhenCached(t.Descriptor, cached)
}

// Run executes the full run() pipeline described in the package task
// design: cache check, create_zip, email, and a single error-handling
// boundary that logs success or failure via the statistics store before
// propagating any error to the caller (the worker pool).
func (t *Task) Run(ctx context.Context) error {
	resourceID, email := t.Descriptor.ResourceID, t.Descriptor.Email

	zipPath, err := t.resolveArchive(ctx)
	if err != nil {
		t.logFailure(ctx, resourceID, email, err)
		return err
	}

	if err := t.deliverEmail(zipPath); err != nil {
		t.logFailure(ctx, resourceID, email, err)
		return err
	}

	count := 0
	if v, ok := t.Descriptor.Fields["limit"].(int); ok {
		count = v
	}
	if err := t.Deps.Stats.LogRequest(ctx, resourceID, email, count); err != nil {
		t.Deps.Logger.Error("stats: recording successful request failed", logging.Err(err))
	}
	return nil
}

// resolveArchive implements steps 1-4 of run(): construct a workspace keyed
// by the descriptor's fingerprint, return the cached archive on a hit, or
// delegate to the variant and finalise the ZIP on a miss.
func (t *Task) resolveArchive(ctx context.Context) (string, error) {
	fp := Fingerprint(t.Descriptor)

	if path, ok := workspace.LookupCache(t.Deps.StoreDirectory, fp, t.Deps.CacheTime, time.Now()); ok {
		t.Deps.Logger.Info("package task found archive in cache", logging.F("fingerprint", fp))
		return path, nil
	}

	return t.Variant.CreateZip(ctx, t.Descriptor, t.Deps)
}

// deliverEmail implements steps 5-6: build the placeholder set, format the
// templates, and send a multipart alternative message.
func (t *Task) deliverEmail(zipPath string) error {
	placeholders := t.placeholders(zipPath)

	from := expand(t.Deps.EmailFrom, placeholders)
	subject := expand(t.Deps.EmailSubject, placeholders)
	body := expand(t.Deps.EmailBody, placeholders)
	bodyHTML := expand(t.Deps.EmailBodyHTML, placeholders)

	m := gomail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", t.Descriptor.Email)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)
	if bodyHTML != "" {
		m.AddAlternative("text/html", bodyHTML)
	}

	if err := t.Deps.Mailer.DialAndSend(m); err != nil {
		return fmt.Errorf("%w: smtp delivery: %v", pkgerrors.ErrSMTP, err)
	}
	return nil
}

// placeholders builds the {resource_id, zip_file_name, ckan_host, doi,
// doi_body, doi_body_html} substitution set described in step 5, formatting
// the DOI paragraph templates into the body placeholders when a doi was
// supplied on the descriptor.
func (t *Task) placeholders(zipPath string) map[string]string {
	p := map[string]string{
		"resource_id":   t.Descriptor.ResourceID,
		"zip_file_name": filepath.Base(zipPath),
		"ckan_host":     t.Variant.Host(t.Descriptor),
	}

	doi, _ := t.Descriptor.Fields["doi"].(string)
	p["doi"] = doi
	p["doi_body"] = ""
	p["doi_body_html"] = ""
	if doi != "" {
		p["doi_body"] = expand(t.Deps.DOIBody, map[string]string{"doi": doi, "url": p["zip_file_name"]})
		p["doi_body_html"] = expand(t.Deps.DOIBodyHTML, map[string]string{"doi": doi, "url": p["zip_file_name"]})
	}
	return p
}

// logFailure implements step 8: record an error row carrying the full
// stack trace, then let the caller re-raise.
func (t *Task) logFailure(ctx context.Context, resourceID, email string, cause error) {
	trace := fmt.Sprintf("%v\n%s", cause, debug.Stack())
	if err := t.Deps.Stats.LogError(ctx, resourceID, email, trace); err != nil {
		t.Deps.Logger.Error("stats: recording failed request failed", logging.Err(err), logging.F("cause", cause.Error()))
	}
}

// hostOf returns rawURL's host:port, or rawURL unchanged if it does not
// parse as an absolute URL.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}

// expand performs {placeholder} substitution against tmpl.
func expand(tmpl string, placeholders map[string]string) string {
	out := tmpl
	for k, v := range placeholders {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}
