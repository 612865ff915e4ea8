package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	coreerrors "github.com/groupcore-lab/groupcore/internal/core/errors"
	"github.com/groupcore-lab/groupcore/internal/store"
)

type createTemplateRequest struct {
	Name          string           `json:"name" binding:"required"`
	ObjectTypeID  int              `json:"tmo_id" binding:"required"`
	GroupTypeID   int64            `json:"group_type_id" binding:"required"`
	GroupingKeys  []string         `json:"identical"`
	ColumnFilters []map[string]any `json:"column_filters"`
	RangesObject  map[string]any   `json:"ranges_object"`
	MinQuantity   int              `json:"min_qnt"`
}

// HandleCreateTemplate handles POST /v1/group-templates. Derived groups are
// materialized right away, a failed materialization keeps the template and is
// retried on the next entity change.
func (s *Service) HandleCreateTemplate(c *gin.Context) {
	var req createTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err, "Invalid template payload")
		return
	}
	if len(req.GroupingKeys) == 0 && len(req.ColumnFilters) == 0 && len(req.RangesObject) == 0 {
		err := fmt.Errorf("template %q needs grouping keys, column filters or ranges: %w",
			req.Name, coreerrors.ErrValidation)
		writeError(c, err, "Invalid template payload")
		return
	}

	tpl := &store.GroupTemplate{
		Name:          req.Name,
		ObjectTypeID:  req.ObjectTypeID,
		GroupTypeID:   req.GroupTypeID,
		GroupingKeys:  req.GroupingKeys,
		ColumnFilters: req.ColumnFilters,
		RangesObject:  req.RangesObject,
		MinQuantity:   req.MinQuantity,
	}
	ctx := c.Request.Context()
	if err := s.store.CreateTemplate(ctx, tpl); err != nil {
		writeError(c, err, "Failed to create group template")
		return
	}

	if err := s.materializer.MaterializeTemplate(ctx, tpl); err != nil {
		s.logger.Warn("[API] template materialization failed",
			"template", tpl.Name, "error", err)
	}

	c.JSON(http.StatusCreated, tpl)
}

// HandleListTemplates handles GET /v1/group-templates.
func (s *Service) HandleListTemplates(c *gin.Context) {
	templates, err := s.store.ListTemplates(c.Request.Context())
	if err != nil {
		writeError(c, err, "Failed to list group templates")
		return
	}
	c.JSON(http.StatusOK, gin.H{"group_templates": templates})
}

// HandleDeleteTemplate handles DELETE /v1/group-templates/:id. Groups derived
// from the template go with it.
func (s *Service) HandleDeleteTemplate(c *gin.Context) {
	var uri struct {
		ID int64 `uri:"id" binding:"required"`
	}
	if err := c.ShouldBindUri(&uri); err != nil {
		writeBindError(c, err, "Invalid path parameters")
		return
	}

	ctx := c.Request.Context()
	tpl, err := s.store.TemplateByID(ctx, uri.ID)
	if err != nil {
		writeError(c, err, "Failed to load group template")
		return
	}

	derived, err := s.store.GroupsByTemplate(ctx, tpl.ID)
	if err != nil {
		writeError(c, err, "Failed to load derived groups")
		return
	}
	if len(derived) > 0 {
		names := make([]string, len(derived))
		for i, g := range derived {
			names[i] = g.Name
		}
		if err := s.memberships.RemoveGroups(ctx, names); err != nil {
			writeError(c, err, "Failed to delete derived groups")
			return
		}
	}

	if err := s.store.DeleteTemplates(ctx, []int64{tpl.ID}); err != nil {
		writeError(c, err, "Failed to delete group template")
		return
	}
	c.Status(http.StatusNoContent)
}
