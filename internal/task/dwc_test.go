package task

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/otherjamesbrown/ckanpackager/internal/dwc"
)

const occurrenceExtensionXML = `<?xml version="1.0" encoding="UTF-8"?>
<extension xmlns="http://rs.tdwg.org/dwc/text/"
           name="occurrence"
           rowType="http://rs.tdwg.org/dwc/terms/Occurrence">
  <property name="type" qualName="http://purl.org/dc/terms/type" required="false"/>
  <property name="basisOfRecord" qualName="http://rs.tdwg.org/dwc/terms/basisOfRecord" required="false"/>
  <property name="eventDate" qualName="http://rs.tdwg.org/dwc/terms/eventDate" required="false"/>
  <property name="dynamicProperties" qualName="http://rs.tdwg.org/dwc/terms/dynamicProperties" required="false"/>
</extension>`

const measurementExtensionXML = `<?xml version="1.0" encoding="UTF-8"?>
<extension xmlns="http://rs.tdwg.org/dwc/text/"
           name="measurementOrFact"
           rowType="http://rs.tdwg.org/dwc/terms/MeasurementOrFact">
  <property name="measurementRemarks" qualName="http://rs.tdwg.org/dwc/terms/measurementRemarks" required="false"/>
</extension>`

func newDwCRegistry(t *testing.T) *dwc.Registry {
	t.Helper()
	dir := t.TempDir()

	core := filepath.Join(dir, "occurrence.xml")
	if err := os.WriteFile(core, []byte(occurrenceExtensionXML), 0600); err != nil {
		t.Fatalf("writing occurrence fixture: %v", err)
	}
	ext := filepath.Join(dir, "measurement_or_fact.xml")
	if err := os.WriteFile(ext, []byte(measurementExtensionXML), 0600); err != nil {
		t.Fatalf("writing measurementOrFact fixture: %v", err)
	}

	reg, err := dwc.NewRegistry(core, ext)
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}
	return reg
}

// TestDwCVariant_Routing exercises the scenario in which upstream fields
// [_id, type, basisOfRecord, "Event date", measurementRemarks, unknownField]
// split into occurrence.csv [_id, type, basisOfRecord, eventDate,
// dynamicProperties] and measurement_or_fact.csv [_id, measurementRemarks],
// with the dynamicProperties cell holding {"unknownfield":"<value>"}.
func TestDwCVariant_Routing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var body map[string]any
		json.NewDecoder(req.Body).Decode(&body)
		if limit, _ := body["limit"].(float64); limit == 0 {
			fmt.Fprint(w, `{"result":{"fields":[
				{"id":"_id"},
				{"id":"type"},
				{"id":"basisOfRecord"},
				{"id":"Event date"},
				{"id":"measurementRemarks"},
				{"id":"unknownField"}
			],"_backend":""}}`)
			return
		}
		if offset, _ := body["offset"].(float64); offset == 0 {
			fmt.Fprint(w, `{"result":{"records":[
				{"_id":"1","type":"PhysicalObject","basisOfRecord":"PreservedSpecimen","Event date":"2020-01-01","measurementRemarks":"wingspan","unknownField":"surprise"}
			]}}`)
			return
		}
		fmt.Fprint(w, `{"result":{"records":[]}}`)
	}))
	defer srv.Close()

	v := &DwCVariant{
		DatastoreVariant: &DatastoreVariant{PageSize: 100},
		Registry:         newDwCRegistry(t),
		IDField:          "_id",
		DynamicTerm:      "dynamicProperties",
		CoreExtension:    "occurrence",
	}
	deps := newDatastoreDeps(t)
	d := &Descriptor{
		ResourceID: "r1",
		Email:      "a@b.com",
		Fields:     map[string]any{"api_url": srv.URL},
	}

	zipPath, err := v.CreateZip(context.Background(), d, deps)
	if err != nil {
		t.Fatalf("CreateZip() error: %v", err)
	}

	occRows := readZippedCSV(t, zipPath, "occurrence.csv")
	if len(occRows) != 2 {
		t.Fatalf("occurrence.csv rows = %v, want header + 1 record", occRows)
	}
	wantHeader := []string{"_id", "type", "basisOfRecord", "eventDate", "dynamicProperties"}
	for i, col := range wantHeader {
		if occRows[0][i] != col {
			t.Errorf("occurrence.csv header[%d] = %q, want %q", i, occRows[0][i], col)
		}
	}
	if occRows[1][4] != `{"unknownfield":"surprise"}` {
		t.Errorf("dynamicProperties cell = %q, want {\"unknownfield\":\"surprise\"}", occRows[1][4])
	}

	mofRows := readZippedCSV(t, zipPath, "measurement_or_fact.csv")
	if len(mofRows) != 2 {
		t.Fatalf("measurement_or_fact.csv rows = %v, want header + 1 record", mofRows)
	}
	if mofRows[0][0] != "_id" || mofRows[0][1] != "measurementRemarks" {
		t.Errorf("measurement_or_fact.csv header = %v", mofRows[0])
	}
	if mofRows[1][1] != "wingspan" {
		t.Errorf("measurementRemarks cell = %q, want wingspan", mofRows[1][1])
	}

	metaRows := readZipMember(t, zipPath, "meta.xml")
	if len(metaRows) == 0 {
		t.Fatal("meta.xml was not written to the archive")
	}
}

// readZipMember returns the raw bytes of a zip member matching name.
func readZipMember(t *testing.T, zipPath, name string) []byte {
	t.Helper()
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		t.Fatalf("opening zip %s: %v", zipPath, err)
	}
	defer r.Close()

	for _, f := range r.File {
		if filepath.Base(f.Name) != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("opening member %s: %v", name, err)
		}
		defer rc.Close()
		buf, err := io.ReadAll(rc)
		if err != nil {
			t.Fatalf("reading member %s: %v", name, err)
		}
		return buf
	}
	return nil
}
