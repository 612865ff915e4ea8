package postgres

import (
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/lib/pq"

	coreerrors "github.com/groupcore-lab/groupcore/internal/core/errors"
	"github.com/groupcore-lab/groupcore/internal/store"
)

// uniqueViolation is the postgres error code for unique constraint breaks.
const uniqueViolation = "23505"

// mapConflict translates unique violations into the shared conflict error.
func mapConflict(err error) error {
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", coreerrors.ErrConflict, pqErr.Constraint)
	}
	return err
}

// marshalJSONColumn renders a value for a JSONB column, nil in gives SQL NULL.
func marshalJSONColumn(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case []map[string]any:
		if val == nil {
			return nil, nil
		}
	case map[string]any:
		if val == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal json column: %w", err)
	}
	return data, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// scanGroupRow scans one group row, decoding the JSONB filter columns.
func scanGroupRow(row scanner) (*store.Group, error) {
	var (
		g           store.Group
		pik         sql.NullInt64
		isValid     sql.NullBool
		minQnt      sql.NullInt64
		templateID  sql.NullInt64
		filtersJSON []byte
		rangesJSON  []byte
	)
	err := row.Scan(
		&g.ID,
		&g.Name,
		&pik,
		&g.ObjectTypeID,
		&isValid,
		&filtersJSON,
		&rangesJSON,
		&minQnt,
		&g.IsAggregate,
		&g.GroupTypeID,
		&templateID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan group row: %w", err)
	}
	if pik.Valid {
		g.ProcessInstanceKey = &pik.Int64
	}
	if isValid.Valid {
		g.IsValid = &isValid.Bool
	}
	if minQnt.Valid {
		m := int(minQnt.Int64)
		g.MinQuantity = &m
	}
	if templateID.Valid {
		g.GroupTemplateID = &templateID.Int64
	}
	if len(filtersJSON) > 0 {
		if err := json.Unmarshal(filtersJSON, &g.ColumnFilters); err != nil {
			return nil, fmt.Errorf("failed to unmarshal column_filters: %w", err)
		}
	}
	if len(rangesJSON) > 0 {
		if err := json.Unmarshal(rangesJSON, &g.RangesObject); err != nil {
			return nil, fmt.Errorf("failed to unmarshal ranges_object: %w", err)
		}
	}
	return &g, nil
}

// scanTemplateRow scans one template row.
func scanTemplateRow(row scanner) (*store.GroupTemplate, error) {
	var (
		t           store.GroupTemplate
		filtersJSON []byte
		rangesJSON  []byte
		keysJSON    []byte
	)
	err := row.Scan(
		&t.ID,
		&t.Name,
		&filtersJSON,
		&rangesJSON,
		&keysJSON,
		&t.MinQuantity,
		&t.ObjectTypeID,
		&t.GroupTypeID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan template row: %w", err)
	}
	if len(filtersJSON) > 0 {
		if err := json.Unmarshal(filtersJSON, &t.ColumnFilters); err != nil {
			return nil, fmt.Errorf("failed to unmarshal column_filters: %w", err)
		}
	}
	if len(rangesJSON) > 0 {
		if err := json.Unmarshal(rangesJSON, &t.RangesObject); err != nil {
			return nil, fmt.Errorf("failed to unmarshal ranges_object: %w", err)
		}
	}
	if err := json.Unmarshal(keysJSON, &t.GroupingKeys); err != nil {
		return nil, fmt.Errorf("failed to unmarshal identical: %w", err)
	}
	return &t, nil
}
