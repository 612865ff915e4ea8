package schema

import (
	"sort"
	"time"

	"github.com/spf13/cast"
)

// Record is one entity's statistic contribution, fanned out into the four
// sub-records of its composite.
type Record struct {
	GroupName string
	EntityID  int64
	MO        map[string]any
	TPRM      map[string]any
	TMO       map[string]any
	Camunda   map[string]any
}

// Sub returns the values of a sub-record by name, nil for unknown names.
func (r *Record) Sub(name string) map[string]any {
	switch name {
	case SubMO:
		return r.MO
	case SubTPRM:
		return r.TPRM
	case SubTMO:
		return r.TMO
	case SubCamunda:
		return r.Camunda
	}
	return nil
}

// validityExcluded are declared fields that routinely miss from upstream rows
// and must not mark a group invalid.
var validityExcluded = map[string]struct{}{
	"geometry":   {},
	"groupName":  {},
	"latitude":   {},
	"longitude":  {},
	"model":      {},
	"p_id":       {},
	"point_a_id": {},
	"point_b_id": {},
	"pov":        {},
	"status":     {},
	"version":    {},
}

// BuildRecord fans a flat upstream row into every sub-record slot that
// declares the field. The TMO sub-record carries only the object type id, the
// other three each pick the declared fields present in the row.
func BuildRecord(comp *Composite, flat map[string]any, groupName string) *Record {
	rec := &Record{
		GroupName: groupName,
		EntityID:  cast.ToInt64(flat["id"]),
		MO:        pick(comp.MO, flat),
		TPRM:      pick(comp.TPRM, flat),
		TMO:       map[string]any{"tmo_id": comp.ObjectTypeID},
		Camunda:   pick(comp.Camunda, flat),
	}
	return rec
}

func pick(shape Shape, flat map[string]any) map[string]any {
	out := make(map[string]any, len(shape))
	for field, kind := range shape {
		v, ok := flat[field]
		if !ok {
			continue
		}
		out[field] = Coerce(kind, v)
	}
	return out
}

// Coerce normalizes a raw upstream value to its declared kind. Nil stays nil,
// values that refuse to coerce pass through untouched.
func Coerce(kind ValueKind, v any) any {
	if v == nil {
		return nil
	}
	switch kind {
	case KindBool:
		if b, err := cast.ToBoolE(v); err == nil {
			return b
		}
	case KindInt:
		if n, err := cast.ToInt64E(v); err == nil {
			return n
		}
	case KindFloat:
		if f, err := cast.ToFloat64E(v); err == nil {
			return f
		}
	case KindString:
		if s, err := cast.ToStringE(v); err == nil {
			return s
		}
	case KindDate, KindDateTime:
		if t, err := cast.ToTimeE(v); err == nil {
			return t.UTC().Format(TimeFormat)
		}
	case KindObject:
		return v
	}
	return v
}

// MissingDeclaredFields reports declared fields absent from a flat upstream
// row, minus the exclusion set. A non-empty result marks a filter-derived
// group invalid.
func MissingDeclaredFields(comp *Composite, flat map[string]any) []string {
	declared := make(map[string]struct{})
	for _, shape := range []Shape{comp.MO, comp.TPRM, comp.Camunda} {
		for field := range shape {
			declared[field] = struct{}{}
		}
	}
	var missing []string
	for field := range declared {
		if _, excluded := validityExcluded[field]; excluded {
			continue
		}
		if _, ok := flat[field]; !ok {
			missing = append(missing, field)
		}
	}
	sort.Strings(missing)
	return missing
}

// FormatTime renders a time in the canonical statistic encoding.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}
