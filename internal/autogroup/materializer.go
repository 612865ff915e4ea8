package autogroup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	coreerrors "github.com/groupcore-lab/groupcore/internal/core/errors"
	"github.com/groupcore-lab/groupcore/internal/membership"
	"github.com/groupcore-lab/groupcore/internal/search"
	"github.com/groupcore-lab/groupcore/internal/store"
)

// Store is the persistence surface the materializer needs.
type Store interface {
	ListTemplates(ctx context.Context) ([]*store.GroupTemplate, error)
	GroupByName(ctx context.Context, name string) (*store.Group, error)
	CreateGroup(ctx context.Context, g *store.Group) error
	GroupsContainingEntities(ctx context.Context, entityIDs []int64) ([]*store.Group, error)
}

// CombinationSource queries distinct grouping-key combinations upstream.
type CombinationSource interface {
	Combinations(ctx context.Context, t *store.GroupTemplate) ([]search.Combination, error)
}

// Memberships runs the group update path for materialized groups.
type Memberships interface {
	AddMembers(ctx context.Context, group *store.Group, candidates []int64) (membership.Outcome, []int64, error)
}

// Materializer derives groups from templates. Grouping-key templates make
// one group per distinct key combination seen upstream, filter-only
// templates make exactly one group.
type Materializer struct {
	store   Store
	search  CombinationSource
	members Memberships
	logger  *slog.Logger
}

func NewMaterializer(st Store, src CombinationSource, members Memberships, logger *slog.Logger) *Materializer {
	return &Materializer{
		store:   st,
		search:  src,
		members: members,
		logger:  logger,
	}
}

// HandleEntityChanges is the entity buffer handler: refresh every template
// and re-run the update path for groups holding the changed entities.
func (m *Materializer) HandleEntityChanges(ctx context.Context, entityIDs []int64) error {
	templates, err := m.store.ListTemplates(ctx)
	if err != nil {
		return err
	}
	for _, t := range templates {
		if err := m.MaterializeTemplate(ctx, t); err != nil {
			m.logger.Error("[AutoGroup] Template refresh failed",
				"template", t.Name, "error", err)
		}
	}

	groups, err := m.store.GroupsContainingEntities(ctx, entityIDs)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if _, _, err := m.members.AddMembers(ctx, g, entityIDs); err != nil {
			m.logger.Error("[AutoGroup] Group refresh failed",
				"group", g.Name, "error", err)
		}
	}
	return nil
}

// MaterializeTemplate creates the groups a template implies and runs the
// update path on each.
func (m *Materializer) MaterializeTemplate(ctx context.Context, t *store.GroupTemplate) error {
	switch {
	case len(t.GroupingKeys) > 0:
		return m.materializeCombinations(ctx, t)
	case len(t.ColumnFilters) > 0 || len(t.RangesObject) > 0:
		group, err := m.ensureGroup(ctx, t, GroupName(t, nil), t.ColumnFilters)
		if err != nil {
			return err
		}
		return m.updateGroup(ctx, group)
	default:
		return fmt.Errorf("template %q has no grouping keys, filters or ranges: %w", t.Name, coreerrors.ErrValidation)
	}
}

func (m *Materializer) materializeCombinations(ctx context.Context, t *store.GroupTemplate) error {
	combos, err := m.search.Combinations(ctx, t)
	if err != nil {
		return err
	}
	for _, combo := range combos {
		// The count prefilter admits groups sized exactly at the minimum.
		if combo.Quantity < t.MinQuantity {
			m.logger.Debug("[AutoGroup] Combination under threshold",
				"template", t.Name, "quantity", combo.Quantity, "min", t.MinQuantity)
			continue
		}
		filters := make([]map[string]any, 0, len(combo.Group))
		for _, gv := range combo.Group {
			filters = append(filters, map[string]any{
				"columnName": gv.GroupedBy,
				"rule":       "and",
				"filters":    []map[string]any{{"operator": "equals", "value": gv.GroupingValue}},
			})
		}
		group, err := m.ensureGroup(ctx, t, GroupName(t, combo.Group), filters)
		if err != nil {
			m.logger.Error("[AutoGroup] Failed to materialize group",
				"template", t.Name, "error", err)
			continue
		}
		if err := m.updateGroup(ctx, group); err != nil {
			m.logger.Error("[AutoGroup] Failed to update group",
				"group", group.Name, "error", err)
		}
	}
	return nil
}

// ensureGroup fetches the named group or creates it from the template.
// A create race falls back to the winner's row.
func (m *Materializer) ensureGroup(ctx context.Context, t *store.GroupTemplate, name string, filters []map[string]any) (*store.Group, error) {
	group, err := m.store.GroupByName(ctx, name)
	if err == nil {
		return group, nil
	}
	if !errors.Is(err, coreerrors.ErrNotFound) {
		return nil, err
	}

	minQnt := t.MinQuantity
	group = &store.Group{
		Name:            name,
		ObjectTypeID:    t.ObjectTypeID,
		ColumnFilters:   filters,
		RangesObject:    t.RangesObject,
		MinQuantity:     &minQnt,
		IsAggregate:     false,
		GroupTypeID:     t.GroupTypeID,
		GroupTemplateID: &t.ID,
	}
	if err := m.store.CreateGroup(ctx, group); err != nil {
		if errors.Is(err, coreerrors.ErrConflict) {
			return m.store.GroupByName(ctx, name)
		}
		return nil, err
	}
	m.logger.Info("[AutoGroup] Group created", "group", name, "template", t.Name)
	return group, nil
}

func (m *Materializer) updateGroup(ctx context.Context, group *store.Group) error {
	_, _, err := m.members.AddMembers(ctx, group, nil)
	return err
}

// GroupName builds the deterministic name of a materialized group:
// auto_{template}_{grouping values}[_{operator}_{value}...].
func GroupName(t *store.GroupTemplate, combo []search.GroupingValue) string {
	var sb strings.Builder
	sb.WriteString("auto_")
	sb.WriteString(t.Name)
	sb.WriteString("_")

	values := make([]string, 0, len(combo))
	for _, gv := range combo {
		values = append(values, gv.GroupingValue)
	}
	sb.WriteString(strings.Join(values, "_"))

	if suffix := filterSuffix(t.ColumnFilters); suffix != "" {
		if len(values) > 0 {
			sb.WriteString("_")
		}
		sb.WriteString(suffix)
	}
	return sb.String()
}

func filterSuffix(filters []map[string]any) string {
	var parts []string
	for _, f := range filters {
		for _, inner := range innerFilters(f) {
			parts = append(parts, fmt.Sprintf("%v_%v", inner["operator"], inner["value"]))
		}
	}
	return strings.Join(parts, "_")
}

// innerFilters tolerates both in-memory and JSON-decoded filter shapes.
func innerFilters(f map[string]any) []map[string]any {
	switch v := f["filters"].(type) {
	case []map[string]any:
		return v
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}
