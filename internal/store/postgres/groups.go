package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	coreerrors "github.com/groupcore-lab/groupcore/internal/core/errors"
	"github.com/groupcore-lab/groupcore/internal/store"
)

// CreateGroup inserts a group and populates its id. Duplicate names and
// process instance keys surface as conflicts.
func (a *Adapter) CreateGroup(ctx context.Context, g *store.Group) error {
	filtersJSON, err := marshalJSONColumn(g.ColumnFilters)
	if err != nil {
		return err
	}
	rangesJSON, err := marshalJSONColumn(g.RangesObject)
	if err != nil {
		return err
	}

	var pik sql.NullInt64
	if g.ProcessInstanceKey != nil {
		pik = sql.NullInt64{Int64: *g.ProcessInstanceKey, Valid: true}
	}
	var isValid sql.NullBool
	if g.IsValid != nil {
		isValid = sql.NullBool{Bool: *g.IsValid, Valid: true}
	}
	var minQnt sql.NullInt64
	if g.MinQuantity != nil {
		minQnt = sql.NullInt64{Int64: int64(*g.MinQuantity), Valid: true}
	}
	var templateID sql.NullInt64
	if g.GroupTemplateID != nil {
		templateID = sql.NullInt64{Int64: *g.GroupTemplateID, Valid: true}
	}

	err = a.db.QueryRowContext(ctx, queryInsertGroup,
		g.Name,
		pik,
		g.ObjectTypeID,
		isValid,
		filtersJSON,
		rangesJSON,
		minQnt,
		g.IsAggregate,
		g.GroupTypeID,
		templateID,
	).Scan(&g.ID)
	if err != nil {
		return fmt.Errorf("failed to create group %q: %w", g.Name, mapConflict(err))
	}

	slog.Debug("[Postgres] Created group", "group", g.Name, "id", g.ID)
	return nil
}

// GroupByID fetches one group with its members.
func (a *Adapter) GroupByID(ctx context.Context, id int64) (*store.Group, error) {
	g, err := scanGroupRow(a.db.QueryRowContext(ctx, queryGroupByID, id))
	if err != nil {
		if stdErrIsNoRows(err) {
			return nil, fmt.Errorf("group %d: %w", id, coreerrors.ErrNotFound)
		}
		return nil, err
	}
	if err := a.loadElements(ctx, []*store.Group{g}); err != nil {
		return nil, err
	}
	return g, nil
}

// GroupByName fetches one group with its members.
func (a *Adapter) GroupByName(ctx context.Context, name string) (*store.Group, error) {
	var row *sql.Row
	if a.stmtGroupByName != nil {
		row = a.stmtGroupByName.QueryRowContext(ctx, name)
	} else {
		row = a.db.QueryRowContext(ctx, queryGroupByName, name)
	}
	g, err := scanGroupRow(row)
	if err != nil {
		if stdErrIsNoRows(err) {
			return nil, fmt.Errorf("group %q: %w", name, coreerrors.ErrNotFound)
		}
		return nil, err
	}
	if err := a.loadElements(ctx, []*store.Group{g}); err != nil {
		return nil, err
	}
	return g, nil
}

// GroupsByNames fetches the named groups with members. Unknown names are
// silently absent from the result.
func (a *Adapter) GroupsByNames(ctx context.Context, names []string) ([]*store.Group, error) {
	return a.queryGroups(ctx, queryGroupsByNames, pq.Array(names))
}

// ListGroups pages through all groups and reports the total count.
func (a *Adapter) ListGroups(ctx context.Context, limit, offset int) ([]*store.Group, int, error) {
	groups, err := a.queryGroups(ctx, queryListGroups, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := a.db.QueryRowContext(ctx, queryCountGroups).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count groups: %w", err)
	}
	return groups, total, nil
}

// GroupsByObjectType fetches every group of one object type with members.
func (a *Adapter) GroupsByObjectType(ctx context.Context, objectTypeID int) ([]*store.Group, error) {
	return a.queryGroups(ctx, queryGroupsByObjectType, objectTypeID)
}

// GroupsByTemplate fetches every group derived from one template.
func (a *Adapter) GroupsByTemplate(ctx context.Context, templateID int64) ([]*store.Group, error) {
	return a.queryGroups(ctx, queryGroupsByTemplate, templateID)
}

// GroupsContainingEntities finds every group any of the entities belongs to.
func (a *Adapter) GroupsContainingEntities(ctx context.Context, entityIDs []int64) ([]*store.Group, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	return a.queryGroups(ctx, queryGroupsContainingEntities, pq.Array(entityIDs))
}

// DistinctObjectTypeIDs lists every object type referenced by a group.
func (a *Adapter) DistinctObjectTypeIDs(ctx context.Context) ([]int, error) {
	rows, err := a.db.QueryContext(ctx, queryDistinctObjectTypes)
	if err != nil {
		return nil, fmt.Errorf("failed to query distinct object types: %w", err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan object type id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating object type ids: %w", err)
	}
	return ids, nil
}

// DeleteGroups removes groups by id, members go with them via cascade.
func (a *Adapter) DeleteGroups(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := a.db.ExecContext(ctx, queryDeleteGroups, pq.Array(ids)); err != nil {
		return fmt.Errorf("failed to delete groups: %w", err)
	}
	slog.Debug("[Postgres] Deleted groups", "count", len(ids))
	return nil
}

// ApplyMembershipDelta inserts and deletes members and records the new
// validity in one transaction.
func (a *Adapter) ApplyMembershipDelta(ctx context.Context, groupID int64, add, remove []int64, isValid *bool) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin membership transaction: %w", err)
	}
	defer tx.Rollback()

	if len(add) > 0 {
		stmt, err := tx.PrepareContext(ctx, queryInsertElement)
		if err != nil {
			return fmt.Errorf("failed to prepare element insert: %w", err)
		}
		defer stmt.Close()
		for _, entityID := range add {
			if _, err := stmt.ExecContext(ctx, entityID, groupID); err != nil {
				return fmt.Errorf("failed to add entity %d to group %d: %w", entityID, groupID, mapConflict(err))
			}
		}
	}

	if len(remove) > 0 {
		if _, err := tx.ExecContext(ctx, queryDeleteElements, groupID, pq.Array(remove)); err != nil {
			return fmt.Errorf("failed to remove entities from group %d: %w", groupID, err)
		}
	}

	if isValid != nil {
		if _, err := tx.ExecContext(ctx, queryUpdateGroupValidity, groupID, *isValid); err != nil {
			return fmt.Errorf("failed to update validity of group %d: %w", groupID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit membership transaction: %w", err)
	}
	slog.Debug("[Postgres] Applied membership delta",
		"group_id", groupID, "added", len(add), "removed", len(remove))
	return nil
}

// ClearProcessInstanceKey detaches a process group from its instance.
func (a *Adapter) ClearProcessInstanceKey(ctx context.Context, groupID int64, isValid bool) error {
	if _, err := a.db.ExecContext(ctx, queryClearProcessInstanceKey, groupID, isValid); err != nil {
		return fmt.Errorf("failed to clear process instance key of group %d: %w", groupID, err)
	}
	return nil
}

func (a *Adapter) queryGroups(ctx context.Context, query string, args ...any) ([]*store.Group, error) {
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query groups: %w", err)
	}
	defer rows.Close()

	var groups []*store.Group
	for rows.Next() {
		g, err := scanGroupRow(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating groups: %w", err)
	}
	if err := a.loadElements(ctx, groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// loadElements attaches members to the given groups in one query.
func (a *Adapter) loadElements(ctx context.Context, groups []*store.Group) error {
	if len(groups) == 0 {
		return nil
	}
	byID := make(map[int64]*store.Group, len(groups))
	ids := make([]int64, len(groups))
	for i, g := range groups {
		byID[g.ID] = g
		ids[i] = g.ID
	}

	var (
		rows *sql.Rows
		err  error
	)
	if a.stmtElementsByGr != nil {
		rows, err = a.stmtElementsByGr.QueryContext(ctx, pq.Array(ids))
	} else {
		rows, err = a.db.QueryContext(ctx, queryElementsByGroups, pq.Array(ids))
	}
	if err != nil {
		return fmt.Errorf("failed to query elements: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var el store.Element
		if err := rows.Scan(&el.ID, &el.EntityID, &el.GroupID); err != nil {
			return fmt.Errorf("failed to scan element row: %w", err)
		}
		if g, ok := byID[el.GroupID]; ok {
			g.Elements = append(g.Elements, el)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating elements: %w", err)
	}
	return nil
}

func stdErrIsNoRows(err error) bool {
	return stderrors.Is(err, sql.ErrNoRows)
}
