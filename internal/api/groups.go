package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/groupcore-lab/groupcore/internal/membership"
	"github.com/groupcore-lab/groupcore/internal/store"
)

type createGroupRequest struct {
	Name          string           `json:"group_name" binding:"required"`
	ObjectTypeID  int              `json:"tmo_id" binding:"required"`
	GroupTypeID   int64            `json:"group_type_id" binding:"required"`
	ColumnFilters []map[string]any `json:"column_filters"`
	RangesObject  map[string]any   `json:"ranges_object"`
	MinQuantity   *int             `json:"min_qnt"`
	IsAggregate   bool             `json:"is_aggregate"`
	EntityIDs     []int64          `json:"entity_ids"`
}

// HandleCreateGroup handles POST /v1/groups. The group is persisted first,
// then its initial membership is resolved. A failed resolution does not roll
// the group back, inventory events will converge it later.
func (s *Service) HandleCreateGroup(c *gin.Context) {
	var req createGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err, "Invalid group payload")
		return
	}

	group := &store.Group{
		Name:          req.Name,
		ObjectTypeID:  req.ObjectTypeID,
		GroupTypeID:   req.GroupTypeID,
		ColumnFilters: req.ColumnFilters,
		RangesObject:  req.RangesObject,
		MinQuantity:   req.MinQuantity,
		IsAggregate:   req.IsAggregate,
	}
	ctx := c.Request.Context()
	if err := s.store.CreateGroup(ctx, group); err != nil {
		writeError(c, err, "Failed to create group")
		return
	}

	if _, _, err := s.memberships.AddMembers(ctx, group, req.EntityIDs); err != nil {
		s.logger.Warn("[API] initial membership resolution failed",
			"group", group.Name, "error", err)
	}

	c.JSON(http.StatusCreated, group)
}

// HandleListGroups handles GET /v1/groups.
func (s *Service) HandleListGroups(c *gin.Context) {
	var query struct {
		Limit  int `form:"limit,default=50"`
		Offset int `form:"offset,default=0"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		writeBindError(c, err, "Invalid query parameters")
		return
	}

	groups, total, err := s.store.ListGroups(c.Request.Context(), query.Limit, query.Offset)
	if err != nil {
		writeError(c, err, "Failed to list groups")
		return
	}

	c.JSON(http.StatusOK, gin.H{"groups": groups, "total": total})
}

// HandleGetGroup handles GET /v1/groups/:name.
func (s *Service) HandleGetGroup(c *gin.Context) {
	group, ok := s.groupByName(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, group)
}

// HandleDeleteGroup handles DELETE /v1/groups/:name.
func (s *Service) HandleDeleteGroup(c *gin.Context) {
	group, ok := s.groupByName(c)
	if !ok {
		return
	}
	if err := s.memberships.RemoveGroups(c.Request.Context(), []string{group.Name}); err != nil {
		writeError(c, err, "Failed to delete group")
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleGroupStatistic handles GET /v1/groups/:name/statistic.
func (s *Service) HandleGroupStatistic(c *gin.Context) {
	group, ok := s.groupByName(c)
	if !ok {
		return
	}
	stat, err := s.memberships.Statistic(c.Request.Context(), group)
	if err != nil {
		writeError(c, err, "Failed to compute group statistic")
		return
	}
	c.JSON(http.StatusOK, stat.Flatten())
}

type elementsRequest struct {
	EntityIDs []int64 `json:"entity_ids" binding:"required"`
}

// HandleAddElements handles POST /v1/groups/:name/elements.
func (s *Service) HandleAddElements(c *gin.Context) {
	group, ok := s.groupByName(c)
	if !ok {
		return
	}
	var req elementsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err, "Invalid elements payload")
		return
	}

	outcome, added, err := s.memberships.AddMembers(c.Request.Context(), group, req.EntityIDs)
	if err != nil {
		writeError(c, err, "Failed to add group elements")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"applied":    outcome == membership.Applied,
		"entity_ids": idsOrEmpty(added),
	})
}

// HandleRemoveElements handles DELETE /v1/groups/:name/elements.
func (s *Service) HandleRemoveElements(c *gin.Context) {
	group, ok := s.groupByName(c)
	if !ok {
		return
	}
	var req elementsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err, "Invalid elements payload")
		return
	}

	outcome, removed, err := s.memberships.RemoveMembers(c.Request.Context(), group, req.EntityIDs)
	if err != nil {
		writeError(c, err, "Failed to remove group elements")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"applied":    outcome == membership.Applied,
		"entity_ids": idsOrEmpty(removed),
	})
}

// idsOrEmpty keeps the response field a list, never null.
func idsOrEmpty(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

func (s *Service) groupByName(c *gin.Context) (*store.Group, bool) {
	var uri struct {
		Name string `uri:"name" binding:"required"`
	}
	if err := c.ShouldBindUri(&uri); err != nil {
		writeBindError(c, err, "Invalid path parameters")
		return nil, false
	}

	group, err := s.store.GroupByName(c.Request.Context(), uri.Name)
	if err != nil {
		writeError(c, err, "Failed to load group")
		return nil, false
	}
	return group, true
}
