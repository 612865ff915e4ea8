package schema

import (
	"fmt"

	"github.com/groupcore-lab/groupcore/internal/core/errors"
)

// ValueKind classifies a field for aggregation policy selection and value
// coercion.
type ValueKind string

const (
	KindBool     ValueKind = "bool"
	KindInt      ValueKind = "int"
	KindFloat    ValueKind = "float"
	KindString   ValueKind = "string"
	KindDate     ValueKind = "date"
	KindDateTime ValueKind = "datetime"
	KindObject   ValueKind = "object"
)

// TimeFormat is the canonical encoding for date and datetime values.
const TimeFormat = "2006-01-02T15:04:05.000000Z"

// declaredKinds maps upstream attribute type names to value kinds. Link-ish
// types carry opaque identifiers and aggregate as strings.
var declaredKinds = map[string]ValueKind{
	"BOOLEAN":   KindBool,
	"INTEGER":   KindInt,
	"FLOAT":     KindFloat,
	"JSON":      KindObject,
	"VARCHAR":   KindString,
	"DATETIME":  KindDateTime,
	"bool":      KindBool,
	"int":       KindInt,
	"float":     KindFloat,
	"str":       KindString,
	"date":      KindDate,
	"datetime":  KindDateTime,
	"mo_link":   KindString,
	"prm_lin":   KindString,
	"formula":   KindString,
	"user_link": KindString,
	"enum":      KindString,
}

// KindFromDeclared resolves an upstream type name to a ValueKind.
func KindFromDeclared(declared string) (ValueKind, error) {
	kind, ok := declaredKinds[declared]
	if !ok {
		return "", fmt.Errorf("%w: %q", errors.ErrUnknownFieldType, declared)
	}
	return kind, nil
}

// Shape describes one sub-record as field name to value kind.
type Shape map[string]ValueKind

// Sub-record names used in aggregate keys and outbound statistics.
const (
	SubMO      = "MO"
	SubTPRM    = "TPRM"
	SubTMO     = "TMO"
	SubCamunda = "Camunda"
)

// Composite is the full typed shape of statistic records for one object type.
type Composite struct {
	ObjectTypeID int
	MO           Shape
	TPRM         Shape
	TMO          Shape
	Camunda      Shape
}

// Sub returns the shape for a sub-record name, nil for unknown names.
func (c *Composite) Sub(name string) Shape {
	switch name {
	case SubMO:
		return c.MO
	case SubTPRM:
		return c.TPRM
	case SubTMO:
		return c.TMO
	case SubCamunda:
		return c.Camunda
	}
	return nil
}

// tmoShape is the fixed object-type metadata sub-record.
func tmoShape() Shape {
	return Shape{
		"p_id":                         KindInt,
		"name":                         KindString,
		"tmo_id":                       KindInt,
		"icon":                         KindString,
		"description":                  KindString,
		"latitude":                     KindFloat,
		"longitude":                    KindFloat,
		"virtual":                      KindBool,
		"created_by":                   KindString,
		"modified_by":                  KindString,
		"creation_date":                KindDateTime,
		"modification_date":            KindDateTime,
		"global_uniqueness":            KindBool,
		"status":                       KindInt,
		"version":                      KindInt,
		"lifecycle_process_definition": KindString,
		"materialize":                  KindBool,
		"severity_id":                  KindInt,
	}
}

// camundaShape is the fixed process-instance sub-record.
func camundaShape() Shape {
	return Shape{
		"startDate":                KindDateTime,
		"state":                    KindString,
		"endDate":                  KindDateTime,
		"processDefinitionKey":     KindString,
		"processDefinitionVersion": KindInt,
		"processInstanceId":        KindInt,
	}
}
