package schema

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/groupcore-lab/groupcore/internal/core/errors"
)

// Attribute is the upstream metadata for one declared field of an object type.
type Attribute struct {
	Name     string
	Type     string
	Multiple bool
}

// AttributeSource provides the declared attributes of an object type.
type AttributeSource interface {
	ObjectTypeAttributes(ctx context.Context, objectTypeID int) ([]Attribute, error)
}

// Registry holds one composite per object type. Composites are built from
// upstream attribute metadata on demand and replaced wholesale when rebuilt.
type Registry struct {
	mu     sync.RWMutex
	byType map[int]*Composite
	source AttributeSource
	logger *slog.Logger
}

func NewRegistry(source AttributeSource, logger *slog.Logger) *Registry {
	return &Registry{
		byType: make(map[int]*Composite),
		source: source,
		logger: logger,
	}
}

// buildComposite splits attributes into the MO and TPRM shapes. Attribute
// names that are all digits are parameter ids, everything else is an entity
// column. Multi-valued object links carry no single aggregable value and are
// skipped.
func buildComposite(objectTypeID int, attrs []Attribute, logger *slog.Logger) (*Composite, error) {
	if len(attrs) == 0 {
		return nil, fmt.Errorf("%w: object type %d has no attributes", errors.ErrInvalidObjectType, objectTypeID)
	}
	comp := &Composite{
		ObjectTypeID: objectTypeID,
		MO:           make(Shape),
		TPRM:         make(Shape),
		TMO:          tmoShape(),
		Camunda:      camundaShape(),
	}
	for _, attr := range attrs {
		if attr.Multiple && attr.Type == "mo_link" {
			logger.Info("[SchemaRegistry] skipping multi-valued object link", "param_id", attr.Name)
			continue
		}
		kind, err := KindFromDeclared(attr.Type)
		if err != nil {
			return nil, fmt.Errorf("object type %d, attribute %q: %w", objectTypeID, attr.Name, err)
		}
		if isDigits(attr.Name) {
			comp.TPRM[attr.Name] = kind
		} else {
			comp.MO[attr.Name] = kind
		}
	}
	return comp, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Ensure builds (or rebuilds) the composite for an object type from upstream
// metadata. The latest successful build wins.
func (r *Registry) Ensure(ctx context.Context, objectTypeID int) (*Composite, error) {
	attrs, err := r.source.ObjectTypeAttributes(ctx, objectTypeID)
	if err != nil {
		return nil, fmt.Errorf("fetch attributes for object type %d: %w", objectTypeID, err)
	}
	comp, err := buildComposite(objectTypeID, attrs, r.logger)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.byType[objectTypeID] = comp
	r.mu.Unlock()
	r.logger.Info("[SchemaRegistry] composite built",
		"object_type_id", objectTypeID,
		"entity_fields", len(comp.MO),
		"param_fields", len(comp.TPRM))
	return comp, nil
}

// Lookup returns the cached composite for an object type.
func (r *Registry) Lookup(objectTypeID int) (*Composite, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	comp, ok := r.byType[objectTypeID]
	return comp, ok
}

// Resolve returns the cached composite, building it on a miss.
func (r *Registry) Resolve(ctx context.Context, objectTypeID int) (*Composite, error) {
	if comp, ok := r.Lookup(objectTypeID); ok {
		return comp, nil
	}
	return r.Ensure(ctx, objectTypeID)
}

// Drop forgets the composite for an object type.
func (r *Registry) Drop(objectTypeID int) {
	r.mu.Lock()
	delete(r.byType, objectTypeID)
	r.mu.Unlock()
}

// Warm ensures a composite for every given object type and reports the ids
// that failed, keyed by the build error. Callers decide what a failed id
// means (at boot, groups referencing a vanished object type are removed).
func (r *Registry) Warm(ctx context.Context, objectTypeIDs []int) map[int]error {
	failed := make(map[int]error)
	for _, id := range objectTypeIDs {
		if _, ok := r.Lookup(id); ok {
			continue
		}
		if _, err := r.Ensure(ctx, id); err != nil {
			r.logger.Error("[SchemaRegistry] warm-up build failed", "object_type_id", id, "error", err)
			failed[id] = err
		}
	}
	return failed
}
