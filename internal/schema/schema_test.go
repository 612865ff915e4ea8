package schema

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "github.com/groupcore-lab/groupcore/internal/core/errors"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubAttributeSource struct {
	attrs map[int][]Attribute
	err   error
	calls int
}

func (s *stubAttributeSource) ObjectTypeAttributes(_ context.Context, objectTypeID int) ([]Attribute, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.attrs[objectTypeID], nil
}

func TestKindFromDeclared(t *testing.T) {
	tests := []struct {
		declared string
		want     ValueKind
	}{
		{"BOOLEAN", KindBool},
		{"INTEGER", KindInt},
		{"FLOAT", KindFloat},
		{"VARCHAR", KindString},
		{"DATETIME", KindDateTime},
		{"JSON", KindObject},
		{"int", KindInt},
		{"str", KindString},
		{"date", KindDate},
		{"mo_link", KindString},
		{"enum", KindString},
	}
	for _, tt := range tests {
		kind, err := KindFromDeclared(tt.declared)
		require.NoError(t, err, tt.declared)
		assert.Equal(t, tt.want, kind, tt.declared)
	}
}

func TestKindFromDeclaredUnknown(t *testing.T) {
	_, err := KindFromDeclared("geo_polygon")
	require.Error(t, err)
	assert.ErrorIs(t, err, coreerrors.ErrUnknownFieldType)
}

func TestBuildCompositeSplitsByName(t *testing.T) {
	comp, err := buildComposite(7, []Attribute{
		{Name: "name", Type: "str"},
		{Name: "active", Type: "bool"},
		{Name: "1021", Type: "float"},
		{Name: "1022", Type: "datetime"},
	}, discardLogger())
	require.NoError(t, err)

	assert.Equal(t, 7, comp.ObjectTypeID)
	assert.Equal(t, Shape{"name": KindString, "active": KindBool}, comp.MO)
	assert.Equal(t, Shape{"1021": KindFloat, "1022": KindDateTime}, comp.TPRM)
	assert.Equal(t, KindInt, comp.TMO["tmo_id"])
	assert.Equal(t, KindDateTime, comp.Camunda["startDate"])
}

func TestBuildCompositeSkipsMultiValuedObjectLinks(t *testing.T) {
	comp, err := buildComposite(7, []Attribute{
		{Name: "1021", Type: "mo_link", Multiple: true},
		{Name: "1022", Type: "mo_link"},
	}, discardLogger())
	require.NoError(t, err)

	_, skipped := comp.TPRM["1021"]
	assert.False(t, skipped)
	assert.Equal(t, KindString, comp.TPRM["1022"])
}

func TestBuildCompositeEmptyAttributes(t *testing.T) {
	_, err := buildComposite(7, nil, discardLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, coreerrors.ErrInvalidObjectType)
}

func TestBuildCompositeUnknownTypeIsFatal(t *testing.T) {
	_, err := buildComposite(7, []Attribute{
		{Name: "name", Type: "str"},
		{Name: "shape", Type: "geo_polygon"},
	}, discardLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, coreerrors.ErrUnknownFieldType)
}

func TestRegistryEnsureAndLookup(t *testing.T) {
	source := &stubAttributeSource{attrs: map[int][]Attribute{
		7: {{Name: "name", Type: "str"}},
	}}
	reg := NewRegistry(source, discardLogger())

	_, ok := reg.Lookup(7)
	assert.False(t, ok)

	comp, err := reg.Ensure(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 7, comp.ObjectTypeID)

	cached, ok := reg.Lookup(7)
	require.True(t, ok)
	assert.Same(t, comp, cached)
}

func TestRegistryEnsureReplacesExisting(t *testing.T) {
	source := &stubAttributeSource{attrs: map[int][]Attribute{
		7: {{Name: "name", Type: "str"}},
	}}
	reg := NewRegistry(source, discardLogger())

	first, err := reg.Ensure(context.Background(), 7)
	require.NoError(t, err)

	source.attrs[7] = append(source.attrs[7], Attribute{Name: "active", Type: "bool"})
	second, err := reg.Ensure(context.Background(), 7)
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	cached, ok := reg.Lookup(7)
	require.True(t, ok)
	assert.Contains(t, cached.MO, "active")
}

func TestRegistryResolveUsesCache(t *testing.T) {
	source := &stubAttributeSource{attrs: map[int][]Attribute{
		7: {{Name: "name", Type: "str"}},
	}}
	reg := NewRegistry(source, discardLogger())

	_, err := reg.Resolve(context.Background(), 7)
	require.NoError(t, err)
	_, err = reg.Resolve(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, 1, source.calls)
}

func TestRegistryWarmReportsFailures(t *testing.T) {
	source := &stubAttributeSource{attrs: map[int][]Attribute{
		7: {{Name: "name", Type: "str"}},
		8: nil,
	}}
	reg := NewRegistry(source, discardLogger())

	failed := reg.Warm(context.Background(), []int{7, 8})
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed[8], coreerrors.ErrInvalidObjectType)

	_, ok := reg.Lookup(7)
	assert.True(t, ok)
}

func TestRegistryDrop(t *testing.T) {
	source := &stubAttributeSource{attrs: map[int][]Attribute{
		7: {{Name: "name", Type: "str"}},
	}}
	reg := NewRegistry(source, discardLogger())

	_, err := reg.Ensure(context.Background(), 7)
	require.NoError(t, err)
	reg.Drop(7)

	_, ok := reg.Lookup(7)
	assert.False(t, ok)
}
