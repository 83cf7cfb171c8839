package dwc

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NamedFormatters maps the formatter names operators may reference from
// config.DwCExtensionFieldSpec.Formatters to the Formatter they apply. Kept
// small and explicit rather than a plugin mechanism: every one of these is a
// one-line value transform, and the set only grows when a real extension
// field needs one.
var NamedFormatters = map[string]Formatter{
	"trim":       func(v string) (string, error) { return strings.TrimSpace(v), nil },
	"lowercase":  func(v string) (string, error) { return strings.ToLower(v), nil },
	"uppercase":  func(v string) (string, error) { return strings.ToUpper(v), nil },
	"unix_to_iso8601": func(v string) (string, error) {
		sec, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return "", fmt.Errorf("unix_to_iso8601: %w", err)
		}
		return time.Unix(sec, 0).UTC().Format(time.RFC3339), nil
	},
}

// ResolveFormatter looks up name in NamedFormatters. An empty name is not an
// error; it means "no formatter", matching the original config's formatter
// slots defaulting to None.
func ResolveFormatter(name string) (Formatter, error) {
	if name == "" {
		return nil, nil
	}
	f, ok := NamedFormatters[name]
	if !ok {
		return nil, fmt.Errorf("unknown dwc formatter %q", name)
	}
	return f, nil
}
