package dwc

import "strings"

// CamelCase folds a space-separated field name into lower camelCase: the
// leading word is lowercased unless it is all-caps, subsequent words are
// capitalised unless all-caps, and the result is rejoined with no
// separator. "Event date" -> "eventDate", "Taxon resource ID" -> "taxonResourceID".
func CamelCase(s string) string {
	var words []string
	for _, w := range strings.Fields(s) {
		words = append(words, w)
	}
	if len(words) == 0 {
		return ""
	}

	if words[0] != strings.ToUpper(words[0]) {
		words[0] = strings.ToLower(words[0])
	}
	for i := 1; i < len(words); i++ {
		w := words[i]
		if w != strings.ToUpper(w) {
			words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
		}
	}

	return strings.Join(words, "")
}
