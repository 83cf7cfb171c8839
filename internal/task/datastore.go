package task

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/otherjamesbrown/ckanpackager/internal/ingest"
	"github.com/otherjamesbrown/ckanpackager/internal/workspace"
)

// DatastoreVariant packages a paginated upstream search result into a
// single tabular file (resource.csv, or resource.xlsx when format=xlsx).
type DatastoreVariant struct {
	PageSize    int
	SlowRequest int
}

// parseJSONObject preprocesses the "filters" field: it must decode to a
// JSON object.
func parseJSONObject(raw string) (any, error) {
	var v map[string]any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("not a JSON object: %w", err)
	}
	return v, nil
}

// parseNonNegativeInt preprocesses "limit"/"offset": both must be
// non-negative integers.
func parseNonNegativeInt(raw string) (any, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("must be a non-negative integer")
	}
	return n, nil
}

// DatastoreSchema returns the field -> (required?, preprocessor,
// forward-to-upstream?) mapping shared by the datastore and DwC-A variants.
func DatastoreSchema() Schema {
	return Schema{
		"api_url":  {Required: true},
		"key":      {Required: false},
		"filters":  {Required: false, Preprocess: parseJSONObject, Forward: true},
		"q":        {Required: false, Forward: true},
		"plain":    {Required: false, Forward: true},
		"language": {Required: false, Forward: true},
		"fields":   {Required: false, Forward: true},
		"sort":     {Required: false, Forward: true},
		"limit":    {Required: false, Preprocess: parseNonNegativeInt},
		"offset":   {Required: false, Preprocess: parseNonNegativeInt},
		"format":   {Required: false},
		"doi":      {Required: false},
	}
}

func (v *DatastoreVariant) Schema() Schema { return DatastoreSchema() }

// Host returns api_url's hostname, matching the upstream catalog the
// request was actually served from.
func (v *DatastoreVariant) Host(d *Descriptor) string {
	apiURL, _ := d.Fields["api_url"].(string)
	return hostOf(apiURL)
}

// SpeedWhenCached classifies a fresh datastore job as slow once the
// requested row count exceeds the configured threshold; a cached job is
// always fast.
func (v *DatastoreVariant) SpeedWhenCached(d *Descriptor, cached bool) Speed {
	if cached {
		return SpeedFast
	}
	if limit, ok := d.Fields["limit"].(int); ok && limit > 0 && limit > v.SlowRequest {
		return SpeedSlow
	}
	if _, ok := d.Fields["limit"]; !ok && v.SlowRequest <= 0 {
		return SpeedSlow
	}
	return SpeedFast
}

func (v *DatastoreVariant) outputFormat(d *Descriptor) workspace.Format {
	switch f, _ := d.Fields["format"].(string); f {
	case "tsv":
		return workspace.FormatTSV
	case "xlsx":
		return workspace.FormatXLSX
	default:
		return workspace.FormatCSV
	}
}

// CreateZip streams the upstream search result into a single resource file,
// converts it to xlsx when requested, and zips it. The workspace is cleaned
// on every exit path, matching clean_work_files()'s guaranteed-release
// contract.
func (v *DatastoreVariant) CreateZip(ctx context.Context, d *Descriptor, deps *Deps) (string, error) {
	ws := workspace.New(deps.TempDirectory, deps.StoreDirectory, v.outputFormat(d))
	defer ws.Clean()

	apiURL, _ := d.Fields["api_url"].(string)
	apiKey, _ := d.Fields["key"].(string)

	reader := ingest.NewReader(apiURL, apiKey, v.PageSize, d.ForwardParams(v.Schema()))

	fields, backend, err := reader.GetFieldsAndBackend(ctx)
	if err != nil {
		return "", err
	}

	name := ws.ResolveName("", "", "resource.csv")
	writer, err := ws.GetCSVWriter(name)
	if err != nil {
		return "", err
	}

	header := make([]string, len(fields))
	for i, f := range fields {
		header[i] = f.ID
	}
	if err := writer.WriteRow(header); err != nil {
		return "", err
	}

	offset, _ := d.Fields["offset"].(int)
	limit, _ := d.Fields["limit"].(int)

	writeErr := reader.GetRecords(ctx, backend, offset, limit, func(raw json.RawMessage) error {
		var record map[string]json.RawMessage
		if err := json.Unmarshal(raw, &record); err != nil {
			return err
		}
		row := make([]string, len(fields))
		for i, f := range fields {
			if v, ok := record[f.ID]; ok {
				row[i] = rawToCell(v)
			}
		}
		return writer.WriteRow(row)
	})
	if writeErr != nil {
		return "", writeErr
	}

	if v.outputFormat(d) == workspace.FormatXLSX {
		if _, err := ws.FinalizeXLSX(name); err != nil {
			return "", err
		}
	}

	fp := Fingerprint(d)
	return ws.CreateZip(ctx, deps.ZipCommand, fp, time.Now().Unix())
}

// rawToCell renders a json.RawMessage as a plain cell string: strings are
// unquoted, null becomes an empty cell, and everything else (numbers,
// booleans, objects, arrays) is rendered as its JSON text.
func rawToCell(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	if string(raw) == "null" {
		return ""
	}
	return string(raw)
}
