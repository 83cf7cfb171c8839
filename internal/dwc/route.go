package dwc

import "sort"

// ExtensionField describes one upstream column whose value is a JSON
// array/object that expands into rows of its own extension, e.g. a
// "multimedia" column producing one gbif Multimedia row per array element.
type ExtensionField struct {
	// Extension is the GBIF extension name this field expands into.
	Extension string
	// Fields lists the declared sub-field names and their default values,
	// merged into every decoded element before it is written.
	Fields map[string]string
	// Mappings renames a decoded sub-field to a different destination term;
	// a sub-field absent from this map uses its own name as the term.
	Mappings map[string]string
	// Formatters applies a value transform to a sub-field before it is
	// written, keyed by sub-field name.
	Formatters map[string]Formatter
}

// FieldRoute is one contribution an upstream field makes to an output term:
// which extension and term it feeds, which JSON sub-field of the input (if
// any) supplies the value, and an optional formatter.
type FieldRoute struct {
	SubField  string
	Extension string
	Term      string
	Formatter Formatter
}

// RouteField computes how upstream field routes into the output archive,
// per the header-phase decision tree: exact term match, then camelCase-fold
// match, then configured extension-field expansion, then the dynamic
// catch-all term in the core extension.
func RouteField(reg *Registry, field string, extFields map[string]ExtensionField, dynamicTerm, coreExtension string) []FieldRoute {
	if reg.TermExists(field) {
		ext, _ := reg.TermExtension(field)
		return []FieldRoute{{Extension: ext, Term: field}}
	}

	if folded := CamelCase(field); folded != field && reg.TermExists(folded) {
		ext, _ := reg.TermExtension(folded)
		return []FieldRoute{{Extension: ext, Term: folded}}
	}

	if ef, ok := extFields[field]; ok {
		subs := make([]string, 0, len(ef.Fields))
		for sub := range ef.Fields {
			subs = append(subs, sub)
		}
		sort.Strings(subs)

		routes := make([]FieldRoute, 0, len(subs))
		for _, sub := range subs {
			term := sub
			if mapped, ok := ef.Mappings[sub]; ok {
				term = mapped
			}
			routes = append(routes, FieldRoute{
				SubField:  sub,
				Extension: ef.Extension,
				Term:      term,
				Formatter: ef.Formatters[sub],
			})
		}
		return routes
	}

	return []FieldRoute{{Extension: coreExtension, Term: dynamicTerm}}
}
