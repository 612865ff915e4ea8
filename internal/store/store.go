package store

import "context"

// Group categories. The id is the contract: search groups resolve members
// through column filters, process groups track workflow instances.
const (
	CategorySearch  int64 = 1
	CategoryProcess int64 = 2
)

// GroupType is a group category row.
type GroupType struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Group is a persisted membership group.
type Group struct {
	ID                 int64            `json:"id"`
	Name               string           `json:"group_name"`
	ProcessInstanceKey *int64           `json:"group_process_instance_key,omitempty"`
	ObjectTypeID       int              `json:"tmo_id"`
	IsValid            *bool            `json:"is_valid,omitempty"`
	ColumnFilters      []map[string]any `json:"column_filters,omitempty"`
	RangesObject       map[string]any   `json:"ranges_object,omitempty"`
	MinQuantity        *int             `json:"min_qnt,omitempty"`
	IsAggregate        bool             `json:"is_aggregate"`
	GroupTypeID        int64            `json:"group_type_id"`
	GroupTemplateID    *int64           `json:"group_template_id,omitempty"`
	Elements           []Element        `json:"elements,omitempty"`
}

// EntityIDs returns the ids of the loaded members.
func (g *Group) EntityIDs() []int64 {
	ids := make([]int64, len(g.Elements))
	for i, el := range g.Elements {
		ids[i] = el.EntityID
	}
	return ids
}

// MinQuantityOrZero treats an unset threshold as zero.
func (g *Group) MinQuantityOrZero() int {
	if g.MinQuantity == nil {
		return 0
	}
	return *g.MinQuantity
}

// Element is one entity's membership in one group.
type Element struct {
	ID       int64 `json:"id"`
	EntityID int64 `json:"entity_id"`
	GroupID  int64 `json:"group_id"`
}

// GroupTemplate derives groups from distinct grouping-key combinations.
type GroupTemplate struct {
	ID            int64            `json:"id"`
	Name          string           `json:"name"`
	ColumnFilters []map[string]any `json:"column_filters,omitempty"`
	RangesObject  map[string]any   `json:"ranges_object,omitempty"`
	GroupingKeys  []string         `json:"identical"`
	MinQuantity   int              `json:"min_qnt"`
	ObjectTypeID  int              `json:"tmo_id"`
	GroupTypeID   int64            `json:"group_type_id"`
}

// GroupStore is the persistence surface for groups and their members.
type GroupStore interface {
	CreateGroup(ctx context.Context, g *Group) error
	GroupByID(ctx context.Context, id int64) (*Group, error)
	GroupByName(ctx context.Context, name string) (*Group, error)
	GroupsByNames(ctx context.Context, names []string) ([]*Group, error)
	ListGroups(ctx context.Context, limit, offset int) ([]*Group, int, error)
	GroupsByObjectType(ctx context.Context, objectTypeID int) ([]*Group, error)
	GroupsByTemplate(ctx context.Context, templateID int64) ([]*Group, error)

	// GroupsContainingEntities finds every group any of the entities belongs to.
	GroupsContainingEntities(ctx context.Context, entityIDs []int64) ([]*Group, error)

	DistinctObjectTypeIDs(ctx context.Context) ([]int, error)
	DeleteGroups(ctx context.Context, ids []int64) error

	// ApplyMembershipDelta inserts and deletes members and records the new
	// validity in one transaction. A nil isValid leaves validity untouched.
	ApplyMembershipDelta(ctx context.Context, groupID int64, add, remove []int64, isValid *bool) error

	// ClearProcessInstanceKey detaches a process group from its instance and
	// sets its validity to isValid.
	ClearProcessInstanceKey(ctx context.Context, groupID int64, isValid bool) error
}

// TemplateStore is the persistence surface for group templates.
type TemplateStore interface {
	CreateTemplate(ctx context.Context, t *GroupTemplate) error
	TemplateByID(ctx context.Context, id int64) (*GroupTemplate, error)
	ListTemplates(ctx context.Context) ([]*GroupTemplate, error)
	TemplatesByObjectType(ctx context.Context, objectTypeID int) ([]*GroupTemplate, error)
	DeleteTemplates(ctx context.Context, ids []int64) error
}

// GroupTypeStore is the persistence surface for group categories.
type GroupTypeStore interface {
	CreateGroupType(ctx context.Context, gt *GroupType) error
	ListGroupTypes(ctx context.Context) ([]GroupType, error)
	DeleteGroupType(ctx context.Context, id int64) error
}

// Store bundles the full persistence surface.
type Store interface {
	GroupStore
	TemplateStore
	GroupTypeStore
	Close() error
}
