package stats

import (
	"context"
	"io"
	"log/slog"
	"path"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groupcore-lab/groupcore/internal/schema"
)

// memoryKV is an in-process KV for engine tests.
type memoryKV struct {
	hashes map[string]map[string]string
}

func newMemoryKV() *memoryKV {
	return &memoryKV{hashes: make(map[string]map[string]string)}
}

func (m *memoryKV) HSet(_ context.Context, key string, fields map[string]string) error {
	if m.hashes[key] == nil {
		m.hashes[key] = make(map[string]string)
	}
	for f, v := range fields {
		m.hashes[key][f] = v
	}
	return nil
}

func (m *memoryKV) HVals(_ context.Context, key string) ([]string, error) {
	var out []string
	for _, v := range m.hashes[key] {
		out = append(out, v)
	}
	return out, nil
}

func (m *memoryKV) HDel(_ context.Context, key string, fields ...string) error {
	for _, f := range fields {
		delete(m.hashes[key], f)
	}
	return nil
}

func (m *memoryKV) match(pattern string) []string {
	var out []string
	for key := range m.hashes {
		if ok, _ := path.Match(pattern, key); ok {
			out = append(out, key)
		}
	}
	return out
}

func (m *memoryKV) Keys(_ context.Context, pattern string) ([]string, error) {
	return m.match(pattern), nil
}

func (m *memoryKV) Del(_ context.Context, keys ...string) (int64, error) {
	var n int64
	for _, key := range keys {
		if _, ok := m.hashes[key]; ok {
			delete(m.hashes, key)
			n++
		}
	}
	return n, nil
}

func (m *memoryKV) Scan(_ context.Context, pattern string, _ int64) ([]string, error) {
	return m.match(pattern), nil
}

func testEngine() (*Engine, *memoryKV) {
	kv := newMemoryKV()
	return NewEngine(kv, slog.New(slog.NewTextHandler(io.Discard, nil))), kv
}

func engineComposite() *schema.Composite {
	return &schema.Composite{
		ObjectTypeID: 7,
		MO: schema.Shape{
			"name":   schema.KindString,
			"active": schema.KindBool,
			"weight": schema.KindInt,
		},
		TPRM: schema.Shape{
			"1021": schema.KindFloat,
		},
		TMO:     schema.Shape{"tmo_id": schema.KindInt},
		Camunda: schema.Shape{"startDate": schema.KindDateTime},
	}
}

func record(id int64, name string, active bool, weight int64, param float64) *schema.Record {
	return &schema.Record{
		GroupName: "core-routers",
		EntityID:  id,
		MO:        map[string]any{"name": name, "active": active, "weight": weight},
		TPRM:      map[string]any{"1021": param},
		TMO:       map[string]any{"tmo_id": 7},
		Camunda:   map[string]any{},
	}
}

func TestIngestWritesAndReduces(t *testing.T) {
	engine, kv := testEngine()
	ref := GroupRef{Name: "core-routers", IsAggregate: true}

	stat, err := engine.Ingest(context.Background(), ref, engineComposite(), []*schema.Record{
		record(1, "alpha", true, 10, 1.5),
		record(2, "beta", true, 20, 2.5),
	})
	require.NoError(t, err)

	// name carries a maximum override, weight averages, active votes.
	assert.Equal(t, "beta", stat.Subs[schema.SubMO]["name"])
	assert.Equal(t, int64(15), stat.Subs[schema.SubMO]["weight"])
	assert.Equal(t, true, stat.Subs[schema.SubMO]["active"])
	assert.Equal(t, 2.0, stat.Subs[schema.SubTPRM]["1021"])
	assert.Equal(t, int64(7), stat.Subs[schema.SubTMO]["tmo_id"])

	weightKey := BuildKey("core-routers", schema.SubMO, "int", PolicyAverage, "weight")
	assert.Equal(t, map[string]string{"1": "10", "2": "20"}, kv.hashes[weightKey])
}

func TestIngestSkipsZeroValues(t *testing.T) {
	engine, kv := testEngine()
	ref := GroupRef{Name: "core-routers", IsAggregate: true}

	_, err := engine.Ingest(context.Background(), ref, engineComposite(), []*schema.Record{
		record(1, "", false, 0, 0),
	})
	require.NoError(t, err)
	assert.Empty(t, kv.hashes)
}

func TestIngestNonAggregateStoresMarkers(t *testing.T) {
	engine, kv := testEngine()
	ref := GroupRef{Name: "plain", IsAggregate: false}

	stat, err := engine.Ingest(context.Background(), ref, engineComposite(), []*schema.Record{
		record(1, "alpha", true, 10, 1.5),
	})
	require.NoError(t, err)

	// active and tmo_id keep real values, everything else is a marker.
	activeKey := BuildKey("plain", schema.SubMO, "bool", PolicyFrequency, "active")
	assert.Equal(t, "1", kv.hashes[activeKey]["1"])
	tmoKey := BuildKey("plain", schema.SubTMO, "int", PolicyFrequency, "tmo_id")
	assert.Equal(t, "7", kv.hashes[tmoKey]["1"])
	nameKey := BuildKey("plain", schema.SubMO, NoneMarker, PolicyMaximum, "name")
	assert.Equal(t, NoneMarker, kv.hashes[nameKey]["1"])

	// Only tmo_id survives reduction.
	assert.Equal(t, int64(7), stat.Subs[schema.SubTMO]["tmo_id"])
	assert.Nil(t, stat.Subs[schema.SubMO]["name"])
	assert.Nil(t, stat.Subs[schema.SubMO]["active"])
}

func TestFetchStoredMissReturnsFalse(t *testing.T) {
	engine, _ := testEngine()
	_, ok, err := engine.FetchStored(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFetchStoredReducesExistingKeys(t *testing.T) {
	engine, _ := testEngine()
	ref := GroupRef{Name: "core-routers", IsAggregate: true}
	_, err := engine.Ingest(context.Background(), ref, engineComposite(), []*schema.Record{
		record(1, "alpha", true, 10, 1.5),
		record(2, "beta", true, 30, 2.5),
	})
	require.NoError(t, err)

	stat, ok, err := engine.FetchStored(context.Background(), "core-routers")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(20), stat.Subs[schema.SubMO]["weight"])
	assert.Equal(t, "core-routers", stat.GroupName)
}

func TestFetchForDeleteAlwaysReturnsStat(t *testing.T) {
	engine, _ := testEngine()
	stat := engine.FetchForDelete(context.Background(), "ghost")
	require.NotNil(t, stat)
	assert.Equal(t, "ghost", stat.GroupName)
	assert.Empty(t, stat.Subs[schema.SubMO])
}

func TestEvictRemovesEntityAcrossKeys(t *testing.T) {
	engine, kv := testEngine()
	ref := GroupRef{Name: "core-routers", IsAggregate: true}
	_, err := engine.Ingest(context.Background(), ref, engineComposite(), []*schema.Record{
		record(1, "alpha", true, 10, 1.5),
		record(2, "beta", true, 30, 2.5),
	})
	require.NoError(t, err)

	require.NoError(t, engine.Evict(context.Background(), "core-routers", []int64{1}))
	for key, hash := range kv.hashes {
		_, still := hash["1"]
		assert.False(t, still, key)
	}

	stat, ok, err := engine.FetchStored(context.Background(), "core-routers")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(30), stat.Subs[schema.SubMO]["weight"])
}

func TestDropDeletesAllGroupKeys(t *testing.T) {
	engine, kv := testEngine()
	ref := GroupRef{Name: "core-routers", IsAggregate: true}
	_, err := engine.Ingest(context.Background(), ref, engineComposite(), []*schema.Record{
		record(1, "alpha", true, 10, 1.5),
	})
	require.NoError(t, err)
	require.NotEmpty(t, kv.hashes)

	removed, err := engine.Drop(context.Background(), []string{"core-routers", "ghost"})
	require.NoError(t, err)
	assert.Positive(t, removed)
	assert.Empty(t, kv.hashes)
}

func TestRemoveParameterDeletesAcrossGroups(t *testing.T) {
	engine, kv := testEngine()
	for _, group := range []string{"g1", "g2"} {
		ref := GroupRef{Name: group, IsAggregate: true}
		_, err := engine.Ingest(context.Background(), ref, engineComposite(), []*schema.Record{
			record(1, "alpha", true, 10, 1.5),
		})
		require.NoError(t, err)
	}

	require.NoError(t, engine.RemoveParameter(context.Background(), "*", "1021"))
	for key := range kv.hashes {
		assert.False(t, strings.HasSuffix(key, ":1021"), key)
	}
	// Unrelated keys survive.
	weightKey := BuildKey("g1", schema.SubMO, "int", PolicyAverage, "weight")
	assert.Contains(t, kv.hashes, weightKey)
}
