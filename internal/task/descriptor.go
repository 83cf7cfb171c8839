// Package task implements the package-task state machine (C6): validating
// a request descriptor, checking the archive cache, delegating to a
// variant's create-zip step, emailing the result, and recording the
// outcome via the statistics store.
package task

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	pkgerrors "github.com/otherjamesbrown/ckanpackager/pkg/errors"
)

var validate = validator.New()

// commonFields carries the two implicitly-required descriptor fields every
// variant shares, validated with go-playground/validator before the rest of
// the schema is processed.
type commonFields struct {
	ResourceID string `validate:"required"`
	Email      string `validate:"required,email"`
}

// FieldSpec describes one schema entry: whether the field is required,
// how its raw string value is turned into a typed value, and whether it is
// forwarded to the upstream catalog as a search parameter.
type FieldSpec struct {
	Required   bool
	Preprocess func(raw string) (any, error)
	Forward    bool
}

// Schema maps a descriptor field name to its FieldSpec. resource_id and
// email are implicitly required by every variant and need not be listed.
type Schema map[string]FieldSpec

// Descriptor is a validated request: resource_id and email plus whatever
// additional fields the variant's schema declared, already preprocessed.
type Descriptor struct {
	ResourceID string
	Email      string
	Fields     map[string]any
}

// BuildDescriptor validates raw against schema (plus the implicit
// resource_id/email requirement) and returns the resulting Descriptor.
func BuildDescriptor(raw map[string]string, schema Schema) (*Descriptor, error) {
	cf := commonFields{ResourceID: raw["resource_id"], Email: raw["email"]}
	if err := validate.Struct(cf); err != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrBadRequest, err)
	}

	d := &Descriptor{
		ResourceID: cf.ResourceID,
		Email:      cf.Email,
		Fields:     make(map[string]any),
	}

	for name, spec := range schema {
		v, present := raw[name]
		if !present || v == "" {
			if spec.Required {
				return nil, fmt.Errorf("%w: %s is required", pkgerrors.ErrBadRequest, name)
			}
			continue
		}
		if spec.Preprocess == nil {
			d.Fields[name] = v
			continue
		}
		pv, err := spec.Preprocess(v)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid %s: %v", pkgerrors.ErrBadRequest, name, err)
		}
		d.Fields[name] = pv
	}

	return d, nil
}

// ForwardParams builds the subset of the descriptor that schema marks for
// forwarding upstream, always including resource_id.
func (d *Descriptor) ForwardParams(schema Schema) map[string]any {
	out := map[string]any{"resource_id": d.ResourceID}
	for name, spec := range schema {
		if !spec.Forward {
			continue
		}
		if v, ok := d.Fields[name]; ok {
			out[name] = v
		}
	}
	return out
}

// Fingerprint derives the content-addressed cache key for d: every field
// except email, enumerated in sorted-key order as "key:value;", hashed with
// sha256 and truncated to a 128-bit hex string. Two descriptors differing
// only in email produce the same fingerprint.
func Fingerprint(d *Descriptor) string {
	values := make(map[string]any, len(d.Fields)+1)
	values["resource_id"] = d.ResourceID
	for k, v := range d.Fields {
		values[k] = v
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s:%v;", k, values[k])
	}

	sum := sha256.Sum256([]byte(b.String()))
	return fmt.Sprintf("%x", sum[:16])
}
