package dwc

import (
	"os"
	"path/filepath"
	"testing"
)

const occurrenceXML = `<?xml version="1.0" encoding="UTF-8"?>
<extension xmlns="http://rs.tdwg.org/dwc/text/"
           name="occurrence"
           rowType="http://rs.tdwg.org/dwc/terms/Occurrence">
  <property name="occurrenceID" qualName="http://rs.tdwg.org/dwc/terms/occurrenceID" required="true"/>
  <property name="scientificName" qualName="http://rs.tdwg.org/dwc/terms/scientificName" required="false"/>
  <property name="eventDate" qualName="http://rs.tdwg.org/dwc/terms/eventDate" required="false"/>
</extension>`

const measurementOrFactXML = `<?xml version="1.0" encoding="UTF-8"?>
<extension xmlns="http://rs.tdwg.org/dwc/text/"
           name="measurementOrFact"
           rowType="http://rs.tdwg.org/dwc/terms/MeasurementOrFact">
  <property name="measurementID" qualName="http://rs.tdwg.org/dwc/terms/measurementID" required="true"/>
  <property name="measurementValue" qualName="http://rs.tdwg.org/dwc/terms/measurementValue" required="false"/>
  <property name="eventDate" qualName="http://rs.tdwg.org/dwc/terms/eventDate" required="false"/>
</extension>`

func writeFixtures(t *testing.T) (core string, ext string) {
	t.Helper()
	dir := t.TempDir()

	core = filepath.Join(dir, "occurrence.xml")
	if err := os.WriteFile(core, []byte(occurrenceXML), 0600); err != nil {
		t.Fatalf("writing core fixture: %v", err)
	}

	ext = filepath.Join(dir, "measurement_or_fact.xml")
	if err := os.WriteFile(ext, []byte(measurementOrFactXML), 0600); err != nil {
		t.Fatalf("writing extension fixture: %v", err)
	}

	return core, ext
}

func TestNewRegistry_NoPaths(t *testing.T) {
	if _, err := NewRegistry(); err == nil {
		t.Error("NewRegistry() with no paths expected error, got nil")
	}
}

func TestNewRegistry_CoreExtension(t *testing.T) {
	core, _ := writeFixtures(t)

	reg, err := NewRegistry(core)
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}

	if !reg.IsCore("occurrence") {
		t.Error("first registered extension should be core")
	}
	if !reg.Has("occurrence") {
		t.Error("Has(occurrence) = false, want true")
	}
	if rowType, ok := reg.RowType("occurrence"); !ok || rowType != "http://rs.tdwg.org/dwc/terms/Occurrence" {
		t.Errorf("RowType(occurrence) = (%q, %v)", rowType, ok)
	}
}

func TestRegistry_Extensions_Order(t *testing.T) {
	core, ext := writeFixtures(t)

	reg, err := NewRegistry(core, ext)
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}

	exts := reg.Extensions()
	if len(exts) != 2 || exts[0] != "occurrence" || exts[1] != "measurementOrFact" {
		t.Errorf("Extensions() = %v, want [occurrence measurementOrFact]", exts)
	}
	if reg.IsCore("measurementOrFact") {
		t.Error("second registered extension should not be core")
	}
}

func TestRegistry_TermConflict_FirstWins(t *testing.T) {
	core, ext := writeFixtures(t)

	reg, err := NewRegistry(core, ext)
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}

	// eventDate is declared by both fixtures; the core registration should win.
	owner, ok := reg.TermExtension("eventDate")
	if !ok {
		t.Fatal("TermExtension(eventDate) not found")
	}
	if owner != "occurrence" {
		t.Errorf("TermExtension(eventDate) = %q, want occurrence", owner)
	}
}

func TestRegistry_TermQualified(t *testing.T) {
	core, _ := writeFixtures(t)

	reg, err := NewRegistry(core)
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}

	uri, ok := reg.TermQualified("scientificName")
	if !ok {
		t.Fatal("TermQualified(scientificName) not found")
	}
	if uri != "http://rs.tdwg.org/dwc/terms/scientificName" {
		t.Errorf("TermQualified(scientificName) = %q", uri)
	}
}

func TestRegistry_TermExists_Unknown(t *testing.T) {
	core, _ := writeFixtures(t)

	reg, err := NewRegistry(core)
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}

	if reg.TermExists("notATerm") {
		t.Error("TermExists(notATerm) = true, want false")
	}
	if _, ok := reg.TermQualified("notATerm"); ok {
		t.Error("TermQualified(notATerm) ok = true, want false")
	}
}

func TestRegistry_Terms_DeclarationOrder(t *testing.T) {
	core, _ := writeFixtures(t)

	reg, err := NewRegistry(core)
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}

	terms := reg.Terms("occurrence")
	want := []string{"occurrenceID", "scientificName", "eventDate"}
	if len(terms) != len(want) {
		t.Fatalf("Terms() = %v, want %v", terms, want)
	}
	for i := range want {
		if terms[i] != want[i] {
			t.Errorf("Terms()[%d] = %q, want %q", i, terms[i], want[i])
		}
	}
}

func TestNewRegistry_MissingFile(t *testing.T) {
	if _, err := NewRegistry("/nonexistent/path/occurrence.xml"); err == nil {
		t.Error("NewRegistry() with missing file expected error, got nil")
	}
}
