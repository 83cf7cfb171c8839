package task

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/otherjamesbrown/ckanpackager/internal/dwc"
	"github.com/otherjamesbrown/ckanpackager/internal/ingest"
	"github.com/otherjamesbrown/ckanpackager/internal/workspace"
)

// DwCVariant packages an upstream search result into a Darwin Core Archive:
// one CSV per GBIF extension touched, plus meta.xml (and an optional
// eml.xml). It shares the datastore variant's schema and speed
// classification, overriding only how the ZIP's contents are written.
type DwCVariant struct {
	*DatastoreVariant

	Registry      *dwc.Registry
	IDField       string
	DynamicTerm   string
	CoreExtension string
	ExtFields     map[string]dwc.ExtensionField
}

// Schema extends the datastore schema with the optional, non-forwarded eml
// template.
func (v *DwCVariant) Schema() Schema {
	s := v.DatastoreVariant.Schema()
	s["eml"] = FieldSpec{Required: false}
	return s
}

// CreateZip streams the upstream search result into a Darwin Core Archive.
func (v *DwCVariant) CreateZip(ctx context.Context, d *Descriptor, deps *Deps) (string, error) {
	ws := workspace.New(deps.TempDirectory, deps.StoreDirectory, workspace.FormatCSV)
	defer ws.Clean()

	apiURL, _ := d.Fields["api_url"].(string)
	apiKey, _ := d.Fields["key"].(string)

	reader := ingest.NewReader(apiURL, apiKey, v.PageSize, d.ForwardParams(v.Schema()))

	fields, backend, err := reader.GetFieldsAndBackend(ctx)
	if err != nil {
		return "", err
	}

	layout := dwc.NewLayout()
	layout.EnsureExtension(v.CoreExtension)
	for _, f := range fields {
		if f.ID == v.IDField {
			continue
		}
		for _, route := range dwc.RouteField(v.Registry, f.ID, v.ExtFields, v.DynamicTerm, v.CoreExtension) {
			layout.AddTerm(f.ID, route.SubField, route.Extension, route.Term, route.Formatter)
		}
	}

	writers := make(map[string]*workspace.CSVWriter, len(layout.Extensions()))
	for _, ext := range layout.Extensions() {
		w, err := ws.GetCSVWriter(layout.FileName(ext))
		if err != nil {
			return "", err
		}
		header := append([]string{v.IDField}, layout.Terms(ext)...)
		if err := w.WriteRow(header); err != nil {
			return "", err
		}
		writers[ext] = w
	}

	offset, _ := d.Fields["offset"].(int)
	limit, _ := d.Fields["limit"].(int)

	writeErr := reader.GetRecords(ctx, backend, offset, limit, func(raw json.RawMessage) error {
		var record map[string]json.RawMessage
		if err := json.Unmarshal(raw, &record); err != nil {
			return err
		}
		idValue := rawToCell(record[v.IDField])

		for _, ext := range layout.Extensions() {
			rows, err := v.buildExtensionRows(ext, layout, idValue, record)
			if err != nil {
				return err
			}
			for _, row := range rows {
				if err := writers[ext].WriteRow(row); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if writeErr != nil {
		return "", writeErr
	}

	eml, hasEML := d.Fields["eml"].(string)
	hasEML = hasEML && eml != ""
	if hasEML {
		if err := v.writeEMLXML(ws, eml); err != nil {
			return "", err
		}
	}
	if err := v.writeMetaXML(ws, layout, hasEML); err != nil {
		return "", err
	}

	fp := Fingerprint(d)
	return ws.CreateZip(ctx, deps.ZipCommand, fp, time.Now().Unix())
}

// termColumn holds one term's unpadded, per-contribution value lists while
// buildExtensionRows works out how many rows this record contributes.
type termColumn struct {
	term          string
	contributions []dwc.Contribution
	values        [][]string
}

// buildExtensionRows produces the CSV rows one upstream record contributes
// to extension, aligning every term's value list to the longest one found
// (a JSON array sub-field source), repeating shorter lists' last value.
func (v *DwCVariant) buildExtensionRows(extension string, layout *dwc.Layout, idValue string, record map[string]json.RawMessage) ([][]string, error) {
	terms := layout.Terms(extension)
	columns := make([]termColumn, len(terms))
	maxLen := 1

	for i, term := range terms {
		contributions := layout.TermFields(extension, term)
		values := make([][]string, len(contributions))
		for ci, c := range contributions {
			vs, err := v.contributionValues(c, record)
			if err != nil {
				return nil, err
			}
			values[ci] = vs
			if len(vs) > maxLen {
				maxLen = len(vs)
			}
		}
		columns[i] = termColumn{term: term, contributions: contributions, values: values}
	}

	rows := make([][]string, maxLen)
	for r := 0; r < maxLen; r++ {
		row := make([]string, 1+len(terms))
		row[0] = idValue
		for i, col := range columns {
			cell, err := v.combineCell(extension, col, r, maxLen)
			if err != nil {
				return nil, err
			}
			row[i+1] = cell
		}
		rows[r] = row
	}
	return rows, nil
}

// combineCell resolves term column col's value at output row r: the sole
// contributor's (padded) value directly, or a JSON object combining every
// contributor's value when more than one feeds the term. The dynamic
// catch-all term always combines, even with a single contributor, since it
// exists precisely to preserve which unmatched field a value came from.
func (v *DwCVariant) combineCell(extension string, col termColumn, r, maxLen int) (string, error) {
	isDynamic := extension == v.CoreExtension && col.term == v.DynamicTerm

	if len(col.contributions) == 0 {
		return "", nil
	}
	if len(col.contributions) == 1 && !isDynamic {
		return padded(col.values[0], r), nil
	}

	obj := make(map[string]any, len(col.contributions))
	for ci, c := range col.contributions {
		val := padded(col.values[ci], r)

		key := dwc.CamelCase(c.InputField)
		if isDynamic {
			key = strings.ToLower(c.InputField)
		}

		var parsed any
		if err := json.Unmarshal([]byte(val), &parsed); err == nil {
			obj[key] = parsed
		} else {
			obj[key] = val
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(obj); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// padded returns values[i], or the last element of values if i is beyond
// its length (a scalar contribution repeating across every output row), or
// "" if values is empty.
func padded(values []string, i int) string {
	if len(values) == 0 {
		return ""
	}
	if i < len(values) {
		return values[i]
	}
	return values[len(values)-1]
}

// contributionValues resolves contribution c against record: a plain field
// yields a single-element list; a JSON sub-field source decodes its array
// or object elements, merging configured defaults and applying c.Formatter.
func (v *DwCVariant) contributionValues(c dwc.Contribution, record map[string]json.RawMessage) ([]string, error) {
	raw, present := record[c.InputField]
	if !present {
		return []string{""}, nil
	}

	if c.SubField == "" {
		val := rawToCell(raw)
		if c.Formatter != nil {
			formatted, err := c.Formatter(val)
			if err != nil {
				return nil, fmt.Errorf("formatting %s: %w", c.InputField, err)
			}
			val = formatted
		}
		return []string{val}, nil
	}

	elems := decodeJSONElements(raw)
	def := v.ExtFields[c.InputField].Fields[c.SubField]

	out := make([]string, 0, len(elems))
	for _, elem := range elems {
		val := def
		if rv, ok := elem[c.SubField]; ok {
			val = rawToCell(rv)
		}
		if c.Formatter != nil {
			formatted, err := c.Formatter(val)
			if err != nil {
				return nil, fmt.Errorf("formatting %s.%s: %w", c.InputField, c.SubField, err)
			}
			val = formatted
		}
		out = append(out, val)
	}
	if len(out) == 0 {
		out = []string{def}
	}
	return out, nil
}

// decodeJSONElements decodes raw as a JSON array of objects or a single
// JSON object, returning one element per array entry (or the one object).
// A scalar or null value yields a single empty element so configured
// defaults still populate the row.
func decodeJSONElements(raw json.RawMessage) []map[string]json.RawMessage {
	var list []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}

	var single map[string]json.RawMessage
	if err := json.Unmarshal(raw, &single); err == nil {
		return []map[string]json.RawMessage{single}
	}

	return []map[string]json.RawMessage{{}}
}

// Darwin Core text-file meta.xml structures, per the TDWG text namespace.
type metaArchive struct {
	XMLName   xml.Name        `xml:"archive"`
	Xmlns     string          `xml:"xmlns,attr"`
	Metadata  string          `xml:"metadata,attr,omitempty"`
	Core      metaFileGroup   `xml:"core"`
	Extension []metaFileGroup `xml:"extension"`
}

type metaFileGroup struct {
	Encoding           string      `xml:"encoding,attr"`
	LinesTerminatedBy  string      `xml:"linesTerminatedBy,attr"`
	FieldsTerminatedBy string      `xml:"fieldsTerminatedBy,attr"`
	FieldsEnclosedBy   string      `xml:"fieldsEnclosedBy,attr"`
	IgnoreHeaderLines  int         `xml:"ignoreHeaderLines,attr"`
	RowType            string      `xml:"rowType,attr"`
	Files              metaFiles   `xml:"files"`
	ID                 *metaIndex  `xml:"id,omitempty"`
	CoreID             *metaIndex  `xml:"coreid,omitempty"`
	Fields             []metaField `xml:"field"`
}

type metaFiles struct {
	Location string `xml:"location"`
}

type metaIndex struct {
	Index int `xml:"index,attr"`
}

type metaField struct {
	XMLName xml.Name `xml:"field"`
	Index   int      `xml:"index,attr"`
	Term    string   `xml:"term,attr"`
}

// writeMetaXML emits meta.xml describing every extension CSV file produced,
// and references eml.xml as the archive's metadata document when d carries
// an eml template.
func (v *DwCVariant) writeMetaXML(ws *workspace.Workspace, layout *dwc.Layout, hasEML bool) error {
	archive := metaArchive{Xmlns: "http://rs.tdwg.org/dwc/text/"}
	if hasEML {
		archive.Metadata = "eml.xml"
	}

	for _, ext := range layout.Extensions() {
		rowType, _ := v.Registry.RowType(ext)
		group := metaFileGroup{
			Encoding:           "UTF-8",
			LinesTerminatedBy:  "\\n",
			FieldsTerminatedBy: ",",
			FieldsEnclosedBy:   "\"",
			IgnoreHeaderLines:  1,
			RowType:            rowType,
			Files:              metaFiles{Location: layout.FileName(ext)},
		}
		for i, term := range layout.Terms(ext) {
			qualified, _ := v.Registry.TermQualified(term)
			group.Fields = append(group.Fields, metaField{Index: i + 1, Term: qualified})
		}

		if ext == v.CoreExtension {
			group.ID = &metaIndex{Index: 0}
			archive.Core = group
		} else {
			group.CoreID = &metaIndex{Index: 0}
			archive.Extension = append(archive.Extension, group)
		}
	}

	body, err := xml.MarshalIndent(archive, "", "  ")
	if err != nil {
		return err
	}

	nw, err := ws.GetWriter("meta.xml")
	if err != nil {
		return err
	}
	if _, err := nw.Write([]byte(xml.Header)); err != nil {
		return err
	}
	_, err = nw.Write(body)
	return err
}

// writeEMLXML formats the descriptor's eml template with package_id,
// pub_date, and date_stamp placeholders and writes it to eml.xml.
func (v *DwCVariant) writeEMLXML(ws *workspace.Workspace, tmpl string) error {
	now := time.Now().UTC()
	placeholders := map[string]string{
		"package_id": uuid.NewString(),
		"pub_date":   now.Format("2006-01-02"),
		"date_stamp": now.Format("2006-01-02T15:04:05+0000"),
	}

	nw, err := ws.GetWriter("eml.xml")
	if err != nil {
		return err
	}
	_, err = nw.Write([]byte(expand(tmpl, placeholders)))
	return err
}
