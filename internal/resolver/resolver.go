package resolver

import (
	"context"
	"fmt"
	"log/slog"

	coreerrors "github.com/groupcore-lab/groupcore/internal/core/errors"
	"github.com/groupcore-lab/groupcore/internal/schema"
	"github.com/groupcore-lab/groupcore/internal/search"
	"github.com/groupcore-lab/groupcore/internal/store"
)

// fetchChunk bounds one bulk request to the inventory service.
const fetchChunk = 1000

// EntityFetcher fetches full entity payloads by id.
type EntityFetcher interface {
	EntitiesByIDs(ctx context.Context, objectTypeID int, ids []int64) ([]map[string]any, error)
}

// EntitySearcher evaluates column filters against materialized rows.
type EntitySearcher interface {
	Entities(ctx context.Context, objectTypeID int, filters []map[string]any, ranges map[string]any) ([]map[string]any, error)
}

// Resolution is the outcome of evaluating a group's membership rule.
type Resolution struct {
	Records []*schema.Record
	// MissingFields lists declared fields absent from the upstream rows.
	// Non-empty means the group statistic is incomplete.
	MissingFields []string
}

// Valid reports whether every declared field was present upstream.
func (r *Resolution) Valid() bool {
	return len(r.MissingFields) == 0
}

// EntityIDs returns the resolved member ids in record order.
func (r *Resolution) EntityIDs() []int64 {
	ids := make([]int64, 0, len(r.Records))
	for _, rec := range r.Records {
		ids = append(ids, rec.EntityID)
	}
	return ids
}

// Resolver evaluates group membership rules against the upstream services.
// Process groups fetch their explicit candidates from inventory, search
// groups evaluate column filters through the search service.
type Resolver struct {
	registry  *schema.Registry
	inventory EntityFetcher
	search    EntitySearcher
	logger    *slog.Logger
}

func NewResolver(registry *schema.Registry, inventory EntityFetcher, searcher EntitySearcher, logger *slog.Logger) *Resolver {
	return &Resolver{
		registry:  registry,
		inventory: inventory,
		search:    searcher,
		logger:    logger,
	}
}

// Resolve evaluates the group's membership rule. For search groups the
// candidates are merged into the rule via an id filter when the group has
// no column filters of its own.
func (r *Resolver) Resolve(ctx context.Context, group *store.Group, candidates []int64) (*Resolution, error) {
	comp, err := r.registry.Resolve(ctx, group.ObjectTypeID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve schema for group %q: %w", group.Name, err)
	}

	switch group.GroupTypeID {
	case store.CategorySearch:
		return r.resolveFiltered(ctx, group, comp, candidates)
	case store.CategoryProcess:
		return r.resolveDirect(ctx, group, comp, candidates)
	default:
		return nil, fmt.Errorf("group %q has unknown category %d: %w", group.Name, group.GroupTypeID, coreerrors.ErrValidation)
	}
}

// resolveDirect fetches exactly the candidate entities from inventory.
// Payloads fetched by id are always complete, the resolution is valid.
func (r *Resolver) resolveDirect(ctx context.Context, group *store.Group, comp *schema.Composite, candidates []int64) (*Resolution, error) {
	res := &Resolution{}
	for start := 0; start < len(candidates); start += fetchChunk {
		end := start + fetchChunk
		if end > len(candidates) {
			end = len(candidates)
		}
		rows, err := r.inventory.EntitiesByIDs(ctx, group.ObjectTypeID, candidates[start:end])
		if err != nil {
			return nil, fmt.Errorf("failed to fetch entities for group %q: %w", group.Name, err)
		}
		for _, row := range rows {
			res.Records = append(res.Records, schema.BuildRecord(comp, row, group.Name))
		}
	}
	r.logger.Debug("[Resolver] Resolved direct group",
		"group", group.Name, "candidates", len(candidates), "records", len(res.Records))
	return res, nil
}

// resolveFiltered evaluates the group's column filters, or an explicit id
// filter when the group has none. The default status condition keeps
// deactivated entities out unless the group filters status itself.
func (r *Resolver) resolveFiltered(ctx context.Context, group *store.Group, comp *schema.Composite, candidates []int64) (*Resolution, error) {
	var filters []map[string]any
	switch {
	case len(group.ColumnFilters) > 0 || len(group.RangesObject) > 0:
		// Ranges-only groups query with just the default status
		// condition, the ranges constrain the result server-side.
		filters = search.EnsureStatusFilter(group.ColumnFilters)
	case len(candidates) > 0:
		filters = search.IDFilter(candidates)
	default:
		return nil, fmt.Errorf("group %q has neither filters nor candidates: %w", group.Name, coreerrors.ErrValidation)
	}

	rows, err := r.search.Entities(ctx, group.ObjectTypeID, filters, group.RangesObject)
	if err != nil {
		return nil, fmt.Errorf("failed to search entities for group %q: %w", group.Name, err)
	}

	res := &Resolution{}
	for _, row := range rows {
		res.Records = append(res.Records, schema.BuildRecord(comp, row, group.Name))
		res.MissingFields = schema.MissingDeclaredFields(comp, row)
	}
	if len(res.MissingFields) > 0 {
		r.logger.Warn("[Resolver] Incomplete statistic for group",
			"group", group.Name, "missing_fields", res.MissingFields)
	}
	r.logger.Debug("[Resolver] Resolved filtered group",
		"group", group.Name, "records", len(res.Records))
	return res, nil
}
