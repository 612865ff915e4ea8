package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "github.com/groupcore-lab/groupcore/internal/core/errors"
	"github.com/groupcore-lab/groupcore/internal/membership"
	"github.com/groupcore-lab/groupcore/internal/stats"
	"github.com/groupcore-lab/groupcore/internal/store"
)

type stubStore struct {
	groups    map[string]*store.Group
	templates map[int64]*store.GroupTemplate
	derived   map[int64][]*store.Group
	types     []store.GroupType

	createGroupErr error
	created        []*store.Group
	createdTpls    []*store.GroupTemplate
	deletedTpls    []int64
	deletedTypes   []int64
}

func newStubStore() *stubStore {
	return &stubStore{
		groups:    map[string]*store.Group{},
		templates: map[int64]*store.GroupTemplate{},
		derived:   map[int64][]*store.Group{},
	}
}

func (s *stubStore) CreateGroup(_ context.Context, g *store.Group) error {
	if s.createGroupErr != nil {
		return s.createGroupErr
	}
	g.ID = int64(len(s.created) + 1)
	s.created = append(s.created, g)
	s.groups[g.Name] = g
	return nil
}

func (s *stubStore) GroupByName(_ context.Context, name string) (*store.Group, error) {
	g, ok := s.groups[name]
	if !ok {
		return nil, fmt.Errorf("group %q: %w", name, coreerrors.ErrNotFound)
	}
	return g, nil
}

func (s *stubStore) ListGroups(_ context.Context, limit, offset int) ([]*store.Group, int, error) {
	var out []*store.Group
	for _, g := range s.groups {
		out = append(out, g)
	}
	return out, len(out), nil
}

func (s *stubStore) GroupsByTemplate(_ context.Context, templateID int64) ([]*store.Group, error) {
	return s.derived[templateID], nil
}

func (s *stubStore) CreateTemplate(_ context.Context, t *store.GroupTemplate) error {
	t.ID = int64(len(s.createdTpls) + 1)
	s.createdTpls = append(s.createdTpls, t)
	s.templates[t.ID] = t
	return nil
}

func (s *stubStore) TemplateByID(_ context.Context, id int64) (*store.GroupTemplate, error) {
	t, ok := s.templates[id]
	if !ok {
		return nil, fmt.Errorf("template %d: %w", id, coreerrors.ErrNotFound)
	}
	return t, nil
}

func (s *stubStore) ListTemplates(_ context.Context) ([]*store.GroupTemplate, error) {
	var out []*store.GroupTemplate
	for _, t := range s.templates {
		out = append(out, t)
	}
	return out, nil
}

func (s *stubStore) DeleteTemplates(_ context.Context, ids []int64) error {
	s.deletedTpls = append(s.deletedTpls, ids...)
	for _, id := range ids {
		delete(s.templates, id)
	}
	return nil
}

func (s *stubStore) CreateGroupType(_ context.Context, gt *store.GroupType) error {
	gt.ID = int64(len(s.types) + 1)
	s.types = append(s.types, *gt)
	return nil
}

func (s *stubStore) ListGroupTypes(_ context.Context) ([]store.GroupType, error) {
	return s.types, nil
}

func (s *stubStore) DeleteGroupType(_ context.Context, id int64) error {
	s.deletedTypes = append(s.deletedTypes, id)
	return nil
}

type stubMemberships struct {
	addCalls      [][]int64
	addOutcome    membership.Outcome
	addErr        error
	removeCalls   [][]int64
	removedGroups [][]string
	stat          *stats.GroupStat
	statErr       error
}

func (m *stubMemberships) AddMembers(_ context.Context, _ *store.Group, candidates []int64) (membership.Outcome, []int64, error) {
	m.addCalls = append(m.addCalls, candidates)
	if m.addErr != nil || m.addOutcome == membership.NoOp {
		return m.addOutcome, nil, m.addErr
	}
	return m.addOutcome, candidates, nil
}

func (m *stubMemberships) RemoveMembers(_ context.Context, _ *store.Group, entityIDs []int64) (membership.Outcome, []int64, error) {
	m.removeCalls = append(m.removeCalls, entityIDs)
	return membership.Applied, entityIDs, nil
}

func (m *stubMemberships) RemoveGroups(_ context.Context, names []string) error {
	m.removedGroups = append(m.removedGroups, names)
	return nil
}

func (m *stubMemberships) Statistic(_ context.Context, g *store.Group) (*stats.GroupStat, error) {
	if m.statErr != nil {
		return nil, m.statErr
	}
	if m.stat != nil {
		return m.stat, nil
	}
	return stats.NewGroupStat(g.Name), nil
}

type stubMaterializer struct {
	calls []*store.GroupTemplate
	err   error
}

func (m *stubMaterializer) MaterializeTemplate(_ context.Context, t *store.GroupTemplate) error {
	m.calls = append(m.calls, t)
	return m.err
}

func newTestRouter(st *stubStore, m *stubMemberships, mat *stubMaterializer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	svc := NewService(st, m, mat, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.RegisterRoutes(r)
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateGroupResolvesInitialMembership(t *testing.T) {
	st := newStubStore()
	m := &stubMemberships{addOutcome: membership.Applied}
	r := newTestRouter(st, m, &stubMaterializer{})

	w := doJSON(t, r, http.MethodPost, "/v1/groups", gin.H{
		"group_name":    "core-routers",
		"tmo_id":        7,
		"group_type_id": store.CategoryProcess,
		"entity_ids":    []int64{101, 102},
	})

	require.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, st.created, 1)
	assert.Equal(t, "core-routers", st.created[0].Name)
	assert.Equal(t, 7, st.created[0].ObjectTypeID)
	require.Len(t, m.addCalls, 1)
	assert.Equal(t, []int64{101, 102}, m.addCalls[0])
}

func TestCreateGroupSurvivesMembershipFailure(t *testing.T) {
	st := newStubStore()
	m := &stubMemberships{addErr: coreerrors.ErrUpstreamUnavailable}
	r := newTestRouter(st, m, &stubMaterializer{})

	w := doJSON(t, r, http.MethodPost, "/v1/groups", gin.H{
		"group_name":    "core-routers",
		"tmo_id":        7,
		"group_type_id": store.CategorySearch,
	})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Len(t, st.created, 1)
}

func TestCreateGroupMissingNameRejected(t *testing.T) {
	r := newTestRouter(newStubStore(), &stubMemberships{}, &stubMaterializer{})

	w := doJSON(t, r, http.MethodPost, "/v1/groups", gin.H{"tmo_id": 7, "group_type_id": 1})

	require.Equal(t, http.StatusBadRequest, w.Code)
	var resp coreerrors.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, coreerrors.HttpInvalidJsonError, resp.ErrorType)
}

func TestCreateGroupConflict(t *testing.T) {
	st := newStubStore()
	st.createGroupErr = fmt.Errorf("group exists: %w", coreerrors.ErrConflict)
	r := newTestRouter(st, &stubMemberships{}, &stubMaterializer{})

	w := doJSON(t, r, http.MethodPost, "/v1/groups", gin.H{
		"group_name":    "core-routers",
		"tmo_id":        7,
		"group_type_id": 1,
	})

	require.Equal(t, http.StatusConflict, w.Code)
	var resp coreerrors.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, coreerrors.HttpConflictError, resp.ErrorType)
}

func TestGetGroupNotFound(t *testing.T) {
	r := newTestRouter(newStubStore(), &stubMemberships{}, &stubMaterializer{})

	w := doJSON(t, r, http.MethodGet, "/v1/groups/missing", nil)

	require.Equal(t, http.StatusNotFound, w.Code)
	var resp coreerrors.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, coreerrors.HttpNotFoundError, resp.ErrorType)
}

func TestListGroupsReturnsTotal(t *testing.T) {
	st := newStubStore()
	st.groups["a"] = &store.Group{ID: 1, Name: "a"}
	st.groups["b"] = &store.Group{ID: 2, Name: "b"}
	r := newTestRouter(st, &stubMemberships{}, &stubMaterializer{})

	w := doJSON(t, r, http.MethodGet, "/v1/groups?limit=10", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Groups []store.Group `json:"groups"`
		Total  int           `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
	assert.Len(t, resp.Groups, 2)
}

func TestDeleteGroupDelegatesToMemberships(t *testing.T) {
	st := newStubStore()
	st.groups["core-routers"] = &store.Group{ID: 1, Name: "core-routers"}
	m := &stubMemberships{}
	r := newTestRouter(st, m, &stubMaterializer{})

	w := doJSON(t, r, http.MethodDelete, "/v1/groups/core-routers", nil)

	require.Equal(t, http.StatusNoContent, w.Code)
	require.Len(t, m.removedGroups, 1)
	assert.Equal(t, []string{"core-routers"}, m.removedGroups[0])
}

func TestAddElementsReportsOutcome(t *testing.T) {
	st := newStubStore()
	st.groups["core-routers"] = &store.Group{ID: 1, Name: "core-routers"}
	m := &stubMemberships{addOutcome: membership.NoOp}
	r := newTestRouter(st, m, &stubMaterializer{})

	w := doJSON(t, r, http.MethodPost, "/v1/groups/core-routers/elements", gin.H{
		"entity_ids": []int64{101},
	})

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Applied   bool    `json:"applied"`
		EntityIDs []int64 `json:"entity_ids"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Applied)
	assert.Empty(t, resp.EntityIDs)
	require.Len(t, m.addCalls, 1)
	assert.Equal(t, []int64{101}, m.addCalls[0])
}

func TestAddElementsReturnsAdmittedIDs(t *testing.T) {
	st := newStubStore()
	st.groups["core-routers"] = &store.Group{ID: 1, Name: "core-routers"}
	m := &stubMemberships{addOutcome: membership.Applied}
	r := newTestRouter(st, m, &stubMaterializer{})

	w := doJSON(t, r, http.MethodPost, "/v1/groups/core-routers/elements", gin.H{
		"entity_ids": []int64{101, 102},
	})

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Applied   bool    `json:"applied"`
		EntityIDs []int64 `json:"entity_ids"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Applied)
	assert.Equal(t, []int64{101, 102}, resp.EntityIDs)
}

func TestAddElementsUpstreamOutage(t *testing.T) {
	st := newStubStore()
	st.groups["core-routers"] = &store.Group{ID: 1, Name: "core-routers"}
	m := &stubMemberships{addErr: fmt.Errorf("inventory: %w", coreerrors.ErrUpstreamUnavailable)}
	r := newTestRouter(st, m, &stubMaterializer{})

	w := doJSON(t, r, http.MethodPost, "/v1/groups/core-routers/elements", gin.H{
		"entity_ids": []int64{101},
	})

	require.Equal(t, http.StatusBadGateway, w.Code)
	var resp coreerrors.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, coreerrors.HttpUpstreamError, resp.ErrorType)
}

func TestRemoveElements(t *testing.T) {
	st := newStubStore()
	st.groups["core-routers"] = &store.Group{ID: 1, Name: "core-routers"}
	m := &stubMemberships{}
	r := newTestRouter(st, m, &stubMaterializer{})

	w := doJSON(t, r, http.MethodDelete, "/v1/groups/core-routers/elements", gin.H{
		"entity_ids": []int64{101, 102},
	})

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, m.removeCalls, 1)
	assert.Equal(t, []int64{101, 102}, m.removeCalls[0])
	var resp struct {
		EntityIDs []int64 `json:"entity_ids"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []int64{101, 102}, resp.EntityIDs)
}

func TestGroupStatisticFlattened(t *testing.T) {
	st := newStubStore()
	st.groups["core-routers"] = &store.Group{ID: 1, Name: "core-routers"}
	r := newTestRouter(st, &stubMemberships{}, &stubMaterializer{})

	w := doJSON(t, r, http.MethodGet, "/v1/groups/core-routers/statistic", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "core-routers", resp["groupName"])
	assert.Contains(t, resp, "MO")
}

func TestCreateTemplateMaterializes(t *testing.T) {
	st := newStubStore()
	mat := &stubMaterializer{}
	r := newTestRouter(st, &stubMemberships{}, mat)

	w := doJSON(t, r, http.MethodPost, "/v1/group-templates", gin.H{
		"name":          "by-region",
		"tmo_id":        7,
		"group_type_id": store.CategorySearch,
		"identical":     []string{"region"},
		"min_qnt":       5,
	})

	require.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, st.createdTpls, 1)
	require.Len(t, mat.calls, 1)
	assert.Equal(t, "by-region", mat.calls[0].Name)
	assert.Equal(t, []string{"region"}, mat.calls[0].GroupingKeys)
}

func TestCreateTemplateWithoutAnyRuleRejected(t *testing.T) {
	st := newStubStore()
	mat := &stubMaterializer{}
	r := newTestRouter(st, &stubMemberships{}, mat)

	w := doJSON(t, r, http.MethodPost, "/v1/group-templates", gin.H{
		"name":           "hollow",
		"tmo_id":         7,
		"group_type_id":  store.CategorySearch,
		"identical":      []string{},
		"column_filters": []map[string]any{},
		"ranges_object":  map[string]any{},
	})

	require.Equal(t, http.StatusBadRequest, w.Code)
	var resp coreerrors.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, coreerrors.HttpValidationError, resp.ErrorType)
	assert.Empty(t, st.createdTpls)
	assert.Empty(t, mat.calls)
}

func TestCreateTemplateRangesOnlyAccepted(t *testing.T) {
	st := newStubStore()
	mat := &stubMaterializer{}
	r := newTestRouter(st, &stubMemberships{}, mat)

	w := doJSON(t, r, http.MethodPost, "/v1/group-templates", gin.H{
		"name":          "slow-links",
		"tmo_id":        7,
		"group_type_id": store.CategorySearch,
		"ranges_object": map[string]any{"latency": map[string]any{"min": 100}},
	})

	require.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, st.createdTpls, 1)
	require.Len(t, mat.calls, 1)
}

func TestCreateTemplateSurvivesMaterializationFailure(t *testing.T) {
	st := newStubStore()
	mat := &stubMaterializer{err: coreerrors.ErrUpstreamUnavailable}
	r := newTestRouter(st, &stubMemberships{}, mat)

	w := doJSON(t, r, http.MethodPost, "/v1/group-templates", gin.H{
		"name":          "by-region",
		"tmo_id":        7,
		"group_type_id": store.CategorySearch,
		"identical":     []string{"region"},
	})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Len(t, st.createdTpls, 1)
}

func TestDeleteTemplateRemovesDerivedGroups(t *testing.T) {
	st := newStubStore()
	st.templates[3] = &store.GroupTemplate{ID: 3, Name: "by-region"}
	st.derived[3] = []*store.Group{
		{ID: 11, Name: "auto_by-region_west"},
		{ID: 12, Name: "auto_by-region_east"},
	}
	m := &stubMemberships{}
	r := newTestRouter(st, m, &stubMaterializer{})

	w := doJSON(t, r, http.MethodDelete, "/v1/group-templates/3", nil)

	require.Equal(t, http.StatusNoContent, w.Code)
	require.Len(t, m.removedGroups, 1)
	assert.Equal(t, []string{"auto_by-region_west", "auto_by-region_east"}, m.removedGroups[0])
	assert.Equal(t, []int64{3}, st.deletedTpls)
}

func TestDeleteTemplateNotFound(t *testing.T) {
	r := newTestRouter(newStubStore(), &stubMemberships{}, &stubMaterializer{})

	w := doJSON(t, r, http.MethodDelete, "/v1/group-templates/99", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGroupTypeLifecycle(t *testing.T) {
	st := newStubStore()
	r := newTestRouter(st, &stubMemberships{}, &stubMaterializer{})

	w := doJSON(t, r, http.MethodPost, "/v1/group-types", gin.H{"name": "search"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, r, http.MethodGet, "/v1/group-types", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		GroupTypes []store.GroupType `json:"group_types"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.GroupTypes, 1)
	assert.Equal(t, "search", resp.GroupTypes[0].Name)

	w = doJSON(t, r, http.MethodDelete, "/v1/group-types/1", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []int64{1}, st.deletedTypes)
}
