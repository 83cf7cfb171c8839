package dwc

import "strings"

// Formatter transforms a raw upstream value before it is written to a cell.
type Formatter func(value string) (string, error)

// Contribution records one input field's participation in an output term
// cell: which upstream field feeds it, an optional JSON sub-field within
// that input, and an optional formatter applied before writing.
type Contribution struct {
	InputField string
	SubField   string // empty when the whole input field maps directly
	Formatter  Formatter
}

// Layout is an in-memory builder tracking which CSV files the output
// archive will contain and which input fields map into which output terms.
// It is built once per job while walking the upstream field list, then
// queried while streaming rows.
type Layout struct {
	order         []string                           // extension names, first-seen order
	terms         map[string][]string                // extension -> term names, first-seen order
	contributions map[string]map[string][]Contribution // extension -> term -> contributions
	seen          map[string]bool                     // "extension\x00term\x00input\x00subfield" dedup key
}

// NewLayout creates an empty archive layout.
func NewLayout() *Layout {
	return &Layout{
		terms:         make(map[string][]string),
		contributions: make(map[string]map[string][]Contribution),
		seen:          make(map[string]bool),
	}
}

// AddTerm registers that inputField (optionally a sub-field of it)
// contributes to extension/term, using formatter to transform the value.
// Idempotent per (extension, term, inputField, subField) tuple.
func (l *Layout) AddTerm(inputField, subField, extension, term string, formatter Formatter) {
	key := extension + "\x00" + term + "\x00" + inputField + "\x00" + subField
	if l.seen[key] {
		return
	}
	l.seen[key] = true

	if _, ok := l.contributions[extension]; !ok {
		l.order = append(l.order, extension)
		l.contributions[extension] = make(map[string][]Contribution)
	}
	if _, ok := l.contributions[extension][term]; !ok {
		l.terms[extension] = append(l.terms[extension], term)
	}
	l.contributions[extension][term] = append(l.contributions[extension][term], Contribution{
		InputField: inputField,
		SubField:   subField,
		Formatter:  formatter,
	})
}

// EnsureExtension registers extension e with zero terms if it has not been
// seen yet, so it still appears in Extensions()/FileName() output even when
// no upstream field happened to route into it (the core extension's file
// must exist even if every field was routed elsewhere).
func (l *Layout) EnsureExtension(e string) {
	if _, ok := l.contributions[e]; ok {
		return
	}
	l.order = append(l.order, e)
	l.contributions[e] = make(map[string][]Contribution)
}

// Extensions returns the extension names discovered so far, in first-seen order.
func (l *Layout) Extensions() []string {
	out := make([]string, len(l.order))
	copy(out, l.order)
	return out
}

// Terms returns the term names discovered for extension e, in first-seen order.
func (l *Layout) Terms(extension string) []string {
	terms := l.terms[extension]
	out := make([]string, len(terms))
	copy(out, terms)
	return out
}

// TermFields returns the contributions feeding extension/term.
func (l *Layout) TermFields(extension, term string) []Contribution {
	return l.contributions[extension][term]
}

// FileName returns the CSV file name for extension e: snake_case(e) + ".csv".
func (l *Layout) FileName(extension string) string {
	return SnakeCase(extension) + ".csv"
}

// SnakeCase splits a camelCase or PascalCase identifier (including runs of
// upper-case letters) into lowercased words joined by underscores, e.g.
// "measurementOrFact" -> "measurement_or_fact", "EML" -> "eml".
func SnakeCase(s string) string {
	if s == "" {
		return s
	}

	var b strings.Builder
	runes := []rune(s)
	n := len(runes)

	for i := 0; i < n; i++ {
		r := runes[i]
		isUpper := r >= 'A' && r <= 'Z'

		if isUpper && i > 0 {
			prevLower := isLowerOrDigit(runes[i-1])
			nextLower := i+1 < n && isLowerOrDigit(runes[i+1])
			if prevLower || (nextLower && isUpperRune(runes[i-1])) {
				b.WriteByte('_')
			}
		}

		if isUpper {
			b.WriteRune(r - 'A' + 'a')
		} else {
			b.WriteRune(r)
		}
	}

	return b.String()
}

func isLowerOrDigit(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
}

func isUpperRune(r rune) bool {
	return r >= 'A' && r <= 'Z'
}
