package task

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/otherjamesbrown/ckanpackager/internal/workspace"
	pkgerrors "github.com/otherjamesbrown/ckanpackager/pkg/errors"
)

// urlFetchTimeout bounds the stream-copy from resource_url.
const urlFetchTimeout = 30 * time.Second

// URLVariant packages an arbitrary remote file, fetched with a 30-second
// socket timeout, unchanged.
type URLVariant struct{}

// URLSchema returns the URL variant's descriptor fields.
func URLSchema() Schema {
	return Schema{
		"resource_url": {Required: true},
		"key":          {Required: false},
	}
}

func (v *URLVariant) Schema() Schema { return URLSchema() }

// Host returns resource_url's hostname.
func (v *URLVariant) Host(d *Descriptor) string {
	resourceURL, _ := d.Fields["resource_url"].(string)
	return hostOf(resourceURL)
}

// SpeedWhenCached: the URL variant has no row-count signal, so it defaults
// to fast whenever the archive is already cached and otherwise fast too
// (a single bounded fetch never warrants the slow pool on its own).
func (v *URLVariant) SpeedWhenCached(d *Descriptor, cached bool) Speed {
	return SpeedFast
}

// CreateZip streams resource_url into the workspace's default-named writer
// and zips it.
func (v *URLVariant) CreateZip(ctx context.Context, d *Descriptor, deps *Deps) (string, error) {
	ws := workspace.New(deps.TempDirectory, deps.StoreDirectory, deps.Format)
	defer ws.Clean()

	resourceURL, _ := d.Fields["resource_url"].(string)
	apiKey, _ := d.Fields["key"].(string)

	fetchCtx, cancel := context.WithTimeout(ctx, urlFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, resourceURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: building resource_url request: %v", pkgerrors.ErrUpstreamTransport, err)
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	client := &http.Client{Timeout: urlFetchTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: fetching resource_url: %v", pkgerrors.ErrUpstreamTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: resource_url returned HTTP %d", pkgerrors.ErrUpstreamTransport, resp.StatusCode)
	}

	name := ws.ResolveName("", resourceURL, d.ResourceID)
	nw, err := ws.GetWriter(name)
	if err != nil {
		return "", err
	}

	if _, err := io.Copy(nw, resp.Body); err != nil {
		return "", fmt.Errorf("%w: streaming resource_url body: %v", pkgerrors.ErrUpstreamTransport, err)
	}

	fp := Fingerprint(d)
	return ws.CreateZip(ctx, deps.ZipCommand, fp, time.Now().Unix())
}
