package stats

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"github.com/groupcore-lab/groupcore/internal/schema"
)

// Policy selects the reduce semantics for one aggregate key.
type Policy string

const (
	PolicyFrequency Policy = "frequency"
	PolicyAverage   Policy = "average"
	PolicyMaximum   Policy = "maximum"
)

// KeyPrefix namespaces every aggregate key in the shared key-value store.
const KeyPrefix = "GROUP_MS:"

// NoneMarker is the stored placeholder for absent values. Groups that do not
// aggregate keep their key layout alive with markers only.
const NoneMarker = "None"

// overridePolicies pins well-known fields to a policy regardless of kind.
var overridePolicies = map[string]Policy{
	"Count":              PolicyFrequency,
	"endDate":            PolicyMaximum,
	"id":                 PolicyMaximum,
	"processInstanceId":  PolicyFrequency,
	"processInstanceKey": PolicyFrequency,
	"processVersion":     PolicyMaximum,
	"startDate":          PolicyMaximum,
	"tmo_id":             PolicyFrequency,
	"version":            PolicyFrequency,
	"name":               PolicyMaximum,
}

// kind default policies: discrete kinds vote, numeric kinds average, ordered
// kinds keep the latest point in time.
func defaultPolicy(kind schema.ValueKind) Policy {
	switch kind {
	case schema.KindBool, schema.KindString:
		return PolicyFrequency
	case schema.KindInt, schema.KindFloat:
		return PolicyAverage
	case schema.KindDate, schema.KindDateTime:
		return PolicyMaximum
	}
	return PolicyFrequency
}

// PolicyFor resolves the policy for a field: override table first, then the
// kind default. Nil values without an override still vote so the none marker
// can win an empty group.
func PolicyFor(field string, kind schema.ValueKind, isNil bool) Policy {
	if p, ok := overridePolicies[field]; ok {
		return p
	}
	if isNil {
		return PolicyFrequency
	}
	return defaultPolicy(kind)
}

// valueTypeName is the key segment naming the stored value's type.
func valueTypeName(kind schema.ValueKind, isNil bool) string {
	if isNil {
		return NoneMarker
	}
	switch kind {
	case schema.KindBool:
		return "bool"
	case schema.KindInt:
		return "int"
	case schema.KindFloat:
		return "float"
	case schema.KindString:
		return "str"
	case schema.KindDate:
		return "date"
	case schema.KindDateTime:
		return "datetime"
	}
	return NoneMarker
}

// Encode renders a coerced value for storage. Booleans store as 0/1 so the
// frequency reducer can count them as plain strings.
func Encode(kind schema.ValueKind, v any) string {
	if v == nil {
		return NoneMarker
	}
	switch kind {
	case schema.KindBool:
		if cast.ToBool(v) {
			return "1"
		}
		return "0"
	case schema.KindInt:
		return strconv.FormatInt(cast.ToInt64(v), 10)
	case schema.KindFloat:
		return strconv.FormatFloat(cast.ToFloat64(v), 'f', -1, 64)
	case schema.KindObject:
		return NoneMarker
	}
	return cast.ToString(v)
}

// Decode turns a stored string back into its typed value.
func Decode(valueType, s string) any {
	if s == NoneMarker {
		return nil
	}
	switch valueType {
	case "bool":
		return s == "1" || s == "true"
	case "int":
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
	case "float":
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return s
}

// Truthy mirrors the write filter: zero values never reach the store.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case float32:
		return val != 0
	case map[string]any:
		return len(val) > 0
	case []any:
		return len(val) > 0
	}
	return true
}

// BuildKey assembles one aggregate key:
// GROUP_MS:{group}:{sub}:{valueType}:{policy}:{field}.
func BuildKey(group, sub, valueType string, policy Policy, field string) string {
	return fmt.Sprintf("%s%s:%s:%s:%s:%s", KeyPrefix, group, sub, valueType, string(policy), field)
}

// KeyParts is a parsed aggregate key.
type KeyParts struct {
	Sub       string
	ValueType string
	Policy    Policy
	Field     string
}

// ParseKey splits an aggregate key from the right so group names containing
// colons stay intact.
func ParseKey(key string) (KeyParts, error) {
	segs := strings.Split(key, ":")
	if len(segs) < 6 {
		return KeyParts{}, fmt.Errorf("malformed aggregate key: %q", key)
	}
	n := len(segs)
	return KeyParts{
		Sub:       segs[n-4],
		ValueType: segs[n-3],
		Policy:    Policy(segs[n-2]),
		Field:     segs[n-1],
	}, nil
}
