package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/groupcore-lab/groupcore/internal/store"
)

// HandleCreateGroupType handles POST /v1/group-types.
func (s *Service) HandleCreateGroupType(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err, "Invalid group type payload")
		return
	}

	gt := &store.GroupType{Name: req.Name}
	if err := s.store.CreateGroupType(c.Request.Context(), gt); err != nil {
		writeError(c, err, "Failed to create group type")
		return
	}
	c.JSON(http.StatusCreated, gt)
}

// HandleListGroupTypes handles GET /v1/group-types.
func (s *Service) HandleListGroupTypes(c *gin.Context) {
	types, err := s.store.ListGroupTypes(c.Request.Context())
	if err != nil {
		writeError(c, err, "Failed to list group types")
		return
	}
	c.JSON(http.StatusOK, gin.H{"group_types": types})
}

// HandleDeleteGroupType handles DELETE /v1/group-types/:id.
func (s *Service) HandleDeleteGroupType(c *gin.Context) {
	var uri struct {
		ID int64 `uri:"id" binding:"required"`
	}
	if err := c.ShouldBindUri(&uri); err != nil {
		writeBindError(c, err, "Invalid path parameters")
		return
	}

	if err := s.store.DeleteGroupType(c.Request.Context(), uri.ID); err != nil {
		writeError(c, err, "Failed to delete group type")
		return
	}
	c.Status(http.StatusNoContent)
}
