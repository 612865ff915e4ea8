package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	coreerrors "github.com/groupcore-lab/groupcore/internal/core/errors"
	"github.com/groupcore-lab/groupcore/internal/store"
)

// CreateTemplate inserts a template and populates its id.
func (a *Adapter) CreateTemplate(ctx context.Context, t *store.GroupTemplate) error {
	filtersJSON, err := marshalJSONColumn(t.ColumnFilters)
	if err != nil {
		return err
	}
	rangesJSON, err := marshalJSONColumn(t.RangesObject)
	if err != nil {
		return err
	}
	// identical is NOT NULL, an empty key list stores as [].
	keys := t.GroupingKeys
	if keys == nil {
		keys = []string{}
	}
	keysJSON, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("failed to marshal grouping keys: %w", err)
	}

	err = a.db.QueryRowContext(ctx, queryInsertTemplate,
		t.Name,
		filtersJSON,
		rangesJSON,
		keysJSON,
		t.MinQuantity,
		t.ObjectTypeID,
		t.GroupTypeID,
	).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("failed to create template %q: %w", t.Name, mapConflict(err))
	}

	slog.Debug("[Postgres] Created template", "template", t.Name, "id", t.ID)
	return nil
}

// TemplateByID fetches one template.
func (a *Adapter) TemplateByID(ctx context.Context, id int64) (*store.GroupTemplate, error) {
	t, err := scanTemplateRow(a.db.QueryRowContext(ctx, queryTemplateByID, id))
	if err != nil {
		if stdErrIsNoRows(err) {
			return nil, fmt.Errorf("template %d: %w", id, coreerrors.ErrNotFound)
		}
		return nil, err
	}
	return t, nil
}

// ListTemplates fetches all templates.
func (a *Adapter) ListTemplates(ctx context.Context) ([]*store.GroupTemplate, error) {
	return a.queryTemplates(ctx, queryListTemplates)
}

// TemplatesByObjectType fetches every template for one object type.
func (a *Adapter) TemplatesByObjectType(ctx context.Context, objectTypeID int) ([]*store.GroupTemplate, error) {
	return a.queryTemplates(ctx, queryTemplatesByObjectType, objectTypeID)
}

// DeleteTemplates removes templates by id, derived groups cascade.
func (a *Adapter) DeleteTemplates(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := a.db.ExecContext(ctx, queryDeleteTemplates, pq.Array(ids)); err != nil {
		return fmt.Errorf("failed to delete templates: %w", err)
	}
	return nil
}

func (a *Adapter) queryTemplates(ctx context.Context, query string, args ...any) ([]*store.GroupTemplate, error) {
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query templates: %w", err)
	}
	defer rows.Close()

	var templates []*store.GroupTemplate
	for rows.Next() {
		t, err := scanTemplateRow(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating templates: %w", err)
	}
	return templates, nil
}

// CreateGroupType inserts a category and populates its id.
func (a *Adapter) CreateGroupType(ctx context.Context, gt *store.GroupType) error {
	err := a.db.QueryRowContext(ctx, queryInsertGroupType, gt.Name).Scan(&gt.ID)
	if err != nil {
		return fmt.Errorf("failed to create group type %q: %w", gt.Name, mapConflict(err))
	}
	return nil
}

// ListGroupTypes fetches all categories.
func (a *Adapter) ListGroupTypes(ctx context.Context) ([]store.GroupType, error) {
	rows, err := a.db.QueryContext(ctx, queryListGroupTypes)
	if err != nil {
		return nil, fmt.Errorf("failed to query group types: %w", err)
	}
	defer rows.Close()

	var types []store.GroupType
	for rows.Next() {
		var gt store.GroupType
		if err := rows.Scan(&gt.ID, &gt.Name); err != nil {
			return nil, fmt.Errorf("failed to scan group type row: %w", err)
		}
		types = append(types, gt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating group types: %w", err)
	}
	return types, nil
}

// DeleteGroupType removes one category, its groups and templates cascade.
func (a *Adapter) DeleteGroupType(ctx context.Context, id int64) error {
	if _, err := a.db.ExecContext(ctx, queryDeleteGroupType, id); err != nil {
		return fmt.Errorf("failed to delete group type %d: %w", id, err)
	}
	return nil
}
