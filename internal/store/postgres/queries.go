package postgres

// SQL for group, element, template and group type persistence.

const (
	groupColumns = `
		id, group_name, group_process_instance_key, tmo_id, is_valid,
		column_filters, ranges_object, min_qnt, is_aggregate,
		group_type_id, group_template_id`

	queryInsertGroup = `
		INSERT INTO "group" (
			group_name, group_process_instance_key, tmo_id, is_valid,
			column_filters, ranges_object, min_qnt, is_aggregate,
			group_type_id, group_template_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`

	queryGroupByID = `
		SELECT` + groupColumns + `
		FROM "group"
		WHERE id = $1
	`

	queryGroupByName = `
		SELECT` + groupColumns + `
		FROM "group"
		WHERE group_name = $1
	`

	queryGroupsByNames = `
		SELECT` + groupColumns + `
		FROM "group"
		WHERE group_name = ANY($1)
		ORDER BY id
	`

	queryListGroups = `
		SELECT` + groupColumns + `
		FROM "group"
		ORDER BY id
		LIMIT $1 OFFSET $2
	`

	queryCountGroups = `SELECT COUNT(*) FROM "group"`

	queryGroupsByObjectType = `
		SELECT` + groupColumns + `
		FROM "group"
		WHERE tmo_id = $1
		ORDER BY id
	`

	queryGroupsByTemplate = `
		SELECT` + groupColumns + `
		FROM "group"
		WHERE group_template_id = $1
		ORDER BY id
	`

	queryGroupsContainingEntities = `
		SELECT DISTINCT g.id, g.group_name, g.group_process_instance_key, g.tmo_id, g.is_valid,
			g.column_filters, g.ranges_object, g.min_qnt, g.is_aggregate,
			g.group_type_id, g.group_template_id
		FROM "group" g
		JOIN element e ON e.group_id = g.id
		WHERE e.entity_id = ANY($1)
		ORDER BY g.id
	`

	queryDistinctObjectTypes = `SELECT DISTINCT tmo_id FROM "group" ORDER BY tmo_id`

	queryDeleteGroups = `DELETE FROM "group" WHERE id = ANY($1)`

	queryElementsByGroups = `
		SELECT id, entity_id, group_id
		FROM element
		WHERE group_id = ANY($1)
		ORDER BY id
	`

	// The unique (entity_id, group_id) pair makes a duplicate insert a
	// conflict. The services diff before inserting, so hitting it means
	// two writers raced.
	queryInsertElement = `
		INSERT INTO element (entity_id, group_id)
		VALUES ($1, $2)
	`

	queryDeleteElements = `
		DELETE FROM element
		WHERE group_id = $1 AND entity_id = ANY($2)
	`

	queryUpdateGroupValidity = `UPDATE "group" SET is_valid = $2 WHERE id = $1`

	queryClearProcessInstanceKey = `
		UPDATE "group"
		SET group_process_instance_key = NULL, is_valid = $2
		WHERE id = $1
	`

	templateColumns = `
		id, name, column_filters, ranges_object, identical, min_qnt, tmo_id, group_type_id`

	queryInsertTemplate = `
		INSERT INTO group_template (
			name, column_filters, ranges_object, identical, min_qnt, tmo_id, group_type_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	queryTemplateByID = `
		SELECT` + templateColumns + `
		FROM group_template
		WHERE id = $1
	`

	queryListTemplates = `
		SELECT` + templateColumns + `
		FROM group_template
		ORDER BY id
	`

	queryTemplatesByObjectType = `
		SELECT` + templateColumns + `
		FROM group_template
		WHERE tmo_id = $1
		ORDER BY id
	`

	queryDeleteTemplates = `DELETE FROM group_template WHERE id = ANY($1)`

	queryInsertGroupType = `
		INSERT INTO group_type (name)
		VALUES ($1)
		RETURNING id
	`

	queryListGroupTypes = `SELECT id, name FROM group_type ORDER BY id`

	queryDeleteGroupType = `DELETE FROM group_type WHERE id = $1`
)
