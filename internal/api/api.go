// Package api exposes the CRUD surface for group types, groups and group
// templates. Handlers are thin glue over the services: they bind, delegate
// and translate service errors into HTTP statuses.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	coreerrors "github.com/groupcore-lab/groupcore/internal/core/errors"
	"github.com/groupcore-lab/groupcore/internal/membership"
	"github.com/groupcore-lab/groupcore/internal/stats"
	"github.com/groupcore-lab/groupcore/internal/store"
)

// Memberships is the membership service surface the handlers need.
type Memberships interface {
	AddMembers(ctx context.Context, group *store.Group, candidates []int64) (membership.Outcome, []int64, error)
	RemoveMembers(ctx context.Context, group *store.Group, entityIDs []int64) (membership.Outcome, []int64, error)
	RemoveGroups(ctx context.Context, names []string) error
	Statistic(ctx context.Context, group *store.Group) (*stats.GroupStat, error)
}

// Materializer derives groups from a template's grouping keys.
type Materializer interface {
	MaterializeTemplate(ctx context.Context, t *store.GroupTemplate) error
}

// Store is the persistence surface the handlers need.
type Store interface {
	CreateGroup(ctx context.Context, g *store.Group) error
	GroupByName(ctx context.Context, name string) (*store.Group, error)
	ListGroups(ctx context.Context, limit, offset int) ([]*store.Group, int, error)
	GroupsByTemplate(ctx context.Context, templateID int64) ([]*store.Group, error)

	CreateTemplate(ctx context.Context, t *store.GroupTemplate) error
	TemplateByID(ctx context.Context, id int64) (*store.GroupTemplate, error)
	ListTemplates(ctx context.Context) ([]*store.GroupTemplate, error)
	DeleteTemplates(ctx context.Context, ids []int64) error

	CreateGroupType(ctx context.Context, gt *store.GroupType) error
	ListGroupTypes(ctx context.Context) ([]store.GroupType, error)
	DeleteGroupType(ctx context.Context, id int64) error
}

// Service holds the handler dependencies.
type Service struct {
	store        Store
	memberships  Memberships
	materializer Materializer
	logger       *slog.Logger
}

func NewService(st Store, m Memberships, mat Materializer, logger *slog.Logger) *Service {
	return &Service{store: st, memberships: m, materializer: mat, logger: logger}
}

// RegisterRoutes registers all API routes on the given router.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.POST("/v1/group-types", s.HandleCreateGroupType)
	r.GET("/v1/group-types", s.HandleListGroupTypes)
	r.DELETE("/v1/group-types/:id", s.HandleDeleteGroupType)

	r.POST("/v1/groups", s.HandleCreateGroup)
	r.GET("/v1/groups", s.HandleListGroups)
	r.GET("/v1/groups/:name", s.HandleGetGroup)
	r.DELETE("/v1/groups/:name", s.HandleDeleteGroup)
	r.GET("/v1/groups/:name/statistic", s.HandleGroupStatistic)
	r.POST("/v1/groups/:name/elements", s.HandleAddElements)
	r.DELETE("/v1/groups/:name/elements", s.HandleRemoveElements)

	r.POST("/v1/group-templates", s.HandleCreateTemplate)
	r.GET("/v1/group-templates", s.HandleListTemplates)
	r.DELETE("/v1/group-templates/:id", s.HandleDeleteTemplate)
}

// writeError translates a service error into an HTTP response.
func writeError(c *gin.Context, err error, message string) {
	switch {
	case errors.Is(err, coreerrors.ErrNotFound):
		c.JSON(http.StatusNotFound, coreerrors.ErrorResponse{
			ErrorType: coreerrors.HttpNotFoundError,
			Message:   message,
			Details:   err.Error(),
		})
	case errors.Is(err, coreerrors.ErrConflict):
		c.JSON(http.StatusConflict, coreerrors.ErrorResponse{
			ErrorType: coreerrors.HttpConflictError,
			Message:   message,
			Details:   err.Error(),
		})
	case errors.Is(err, coreerrors.ErrValidation), errors.Is(err, coreerrors.ErrInvalidObjectType):
		c.JSON(http.StatusBadRequest, coreerrors.ErrorResponse{
			ErrorType: coreerrors.HttpValidationError,
			Message:   message,
			Details:   err.Error(),
		})
	case errors.Is(err, coreerrors.ErrUpstreamUnavailable):
		c.JSON(http.StatusBadGateway, coreerrors.ErrorResponse{
			ErrorType: coreerrors.HttpUpstreamError,
			Message:   message,
			Details:   err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, coreerrors.ErrorResponse{
			ErrorType: coreerrors.HttpInternalError,
			Message:   message,
			Details:   err.Error(),
		})
	}
}

func writeBindError(c *gin.Context, err error, message string) {
	c.JSON(http.StatusBadRequest, coreerrors.ErrorResponse{
		ErrorType: coreerrors.HttpInvalidJsonError,
		Message:   message,
		Details:   err.Error(),
	})
}
