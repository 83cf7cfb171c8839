// Package ingest wraps an upstream JSON search endpoint and streams its
// records lazily, hiding which of three pagination dialects the endpoint
// speaks behind a single iterator.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	pkgerrors "github.com/otherjamesbrown/ckanpackager/pkg/errors"
)

// FetchTimeout bounds a single page request against the upstream endpoint.
const FetchTimeout = 30 * time.Second

// Field describes one column the upstream endpoint reports.
type Field struct {
	ID string `json:"id"`
}

// upstreamResponse mirrors the JSON envelope every upstream call returns.
type upstreamResponse struct {
	Result struct {
		Fields     []Field           `json:"fields"`
		Records    []json.RawMessage `json:"records"`
		Backend    *string           `json:"_backend"`
		NextCursor string            `json:"next_cursor"`
		After      string            `json:"after"`
	} `json:"result"`
}

// Backend identifies the pagination dialect an upstream endpoint speaks.
type Backend string

const (
	BackendOffset             Backend = ""
	BackendSolr               Backend = "solr"
	BackendVersionedDatastore Backend = "versioned-datastore"
)

// Reader streams records from one upstream search endpoint.
type Reader struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	pageSize   int
	params     map[string]any
}

// NewReader builds a Reader for baseURL, sending params on every page
// request (resource_id, q, filters, and similar variant-specific fields).
// apiKey, when non-empty, is sent as the Authorization header.
func NewReader(baseURL, apiKey string, pageSize int, params map[string]any) *Reader {
	return &Reader{
		httpClient: &http.Client{Timeout: FetchTimeout},
		baseURL:    baseURL,
		apiKey:     apiKey,
		pageSize:   pageSize,
		params:     params,
	}
}

// GetFieldsAndBackend probes the upstream endpoint with offset=0,limit=0 to
// discover the field list and the pagination dialect it speaks.
func (r *Reader) GetFieldsAndBackend(ctx context.Context) ([]Field, Backend, error) {
	resp, err := r.post(ctx, map[string]any{"offset": 0, "limit": 0})
	if err != nil {
		return nil, BackendOffset, err
	}

	backend := BackendOffset
	if resp.Result.Backend != nil {
		backend = Backend(*resp.Result.Backend)
	}
	return resp.Result.Fields, backend, nil
}

// pageCursor tracks dialect-specific pagination state across calls.
type pageCursor interface {
	// nextParams returns the pagination parameters for the next page request.
	nextParams(limit int) map[string]any
	// advance updates cursor state from the page just received.
	advance(resp *upstreamResponse, limit int)
	// done reports whether the upstream has signalled there is nothing more.
	done(recordCount int) bool
}

type offsetCursor struct{ offset int }

func (c *offsetCursor) nextParams(limit int) map[string]any {
	return map[string]any{"offset": c.offset, "limit": limit}
}
func (c *offsetCursor) advance(_ *upstreamResponse, limit int) { c.offset += limit }
func (c *offsetCursor) done(n int) bool                        { return n == 0 }

type solrCursor struct{ cursor string }

func (c *solrCursor) nextParams(limit int) map[string]any {
	return map[string]any{"cursor": c.cursor, "limit": limit}
}
func (c *solrCursor) advance(resp *upstreamResponse, _ int) { c.cursor = resp.Result.NextCursor }
func (c *solrCursor) done(n int) bool                       { return n == 0 }

type afterCursor struct{ after string }

func (c *afterCursor) nextParams(limit int) map[string]any {
	p := map[string]any{"limit": limit}
	if c.after != "" {
		p["after"] = c.after
	}
	return p
}
func (c *afterCursor) advance(resp *upstreamResponse, _ int) { c.after = resp.Result.After }
func (c *afterCursor) done(n int) bool                       { return n == 0 }

// newCursor picks the pagination dialect for this stream. A non-zero
// initialOffset forces offset/limit pagination regardless of backend.
func newCursor(backend Backend, initialOffset int) pageCursor {
	if initialOffset != 0 {
		return &offsetCursor{offset: initialOffset}
	}
	switch backend {
	case BackendSolr:
		return &solrCursor{cursor: "*"}
	case BackendVersionedDatastore:
		return &afterCursor{}
	default:
		return &offsetCursor{offset: initialOffset}
	}
}

// GetRecords lazily streams records starting at initialOffset until either
// the upstream returns an empty page or limit records have been yielded.
// limit <= 0 means "all rows"; each upstream request asks for at most
// pageSize records. handler is called once per record, in upstream order;
// returning an error aborts the stream.
func (r *Reader) GetRecords(ctx context.Context, backend Backend, initialOffset, limit int, handler func(json.RawMessage) error) error {
	cursor := newCursor(backend, initialOffset)
	remaining := limit

	for {
		pageLimit := r.pageSize
		if limit > 0 {
			if remaining <= 0 {
				return nil
			}
			if remaining < pageLimit {
				pageLimit = remaining
			}
		}

		params := cursor.nextParams(pageLimit)
		for k, v := range r.params {
			params[k] = v
		}

		resp, err := r.post(ctx, params)
		if err != nil {
			return err
		}

		if cursor.done(len(resp.Result.Records)) {
			return nil
		}

		for _, rec := range resp.Result.Records {
			if err := handler(rec); err != nil {
				return err
			}
		}

		if limit > 0 {
			remaining -= len(resp.Result.Records)
		}
		cursor.advance(resp, pageLimit)
	}
}

// post sends params as a JSON body and decodes the standard envelope.
func (r *Reader) post(ctx context.Context, params map[string]any) (*upstreamResponse, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal upstream request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build upstream request: %v", pkgerrors.ErrUpstreamTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", r.apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: upstream request failed: %v", pkgerrors.ErrUpstreamTransport, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading upstream response: %v", pkgerrors.ErrUpstreamTransport, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: upstream returned HTTP %d: %s", pkgerrors.ErrUpstreamTransport, resp.StatusCode, string(data))
	}

	var out upstreamResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: parsing upstream response: %v", pkgerrors.ErrUpstreamTransport, err)
	}
	return &out, nil
}
