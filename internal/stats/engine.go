package stats

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/groupcore-lab/groupcore/internal/schema"
)

// KV is the flat key-value surface the engine aggregates over. Hash fields
// are entity ids, hash values are encoded statistic values.
type KV interface {
	HSet(ctx context.Context, key string, fields map[string]string) error
	HVals(ctx context.Context, key string) ([]string, error)
	HDel(ctx context.Context, key string, fields ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	Del(ctx context.Context, keys ...string) (int64, error)
	Scan(ctx context.Context, pattern string, count int64) ([]string, error)
}

// GroupRef names a group for ingestion. Non-aggregating groups keep the key
// layout alive with markers so membership stays observable.
type GroupRef struct {
	Name        string
	IsAggregate bool
}

// GroupStat is the reduced statistic of one group, one value per sub-record
// field. Nil values mean every member contributed a marker.
type GroupStat struct {
	GroupName string
	Subs      map[string]map[string]any
}

// NewGroupStat returns an empty statistic with all four sub-records present.
func NewGroupStat(groupName string) *GroupStat {
	return &GroupStat{
		GroupName: groupName,
		Subs: map[string]map[string]any{
			schema.SubMO:      {},
			schema.SubTPRM:    {},
			schema.SubTMO:     {},
			schema.SubCamunda: {},
		},
	}
}

// Flatten renders the statistic for outbound messages.
func (s *GroupStat) Flatten() map[string]any {
	out := map[string]any{"groupName": s.GroupName}
	for sub, fields := range s.Subs {
		out[sub] = fields
	}
	return out
}

// Fields written to the store but never aggregated.
var excludedFields = map[string]struct{}{
	"sortValues": {},
	"operations": {},
	"params":     {},
}

// Fields that keep real values even when the group does not aggregate.
var necessaryFields = map[string]struct{}{
	"active": {},
	"tmo_id": {},
}

// Engine maintains per-group aggregate state in the key-value store and
// reduces it into group statistics.
type Engine struct {
	kv     KV
	logger *slog.Logger
}

func NewEngine(kv KV, logger *slog.Logger) *Engine {
	return &Engine{kv: kv, logger: logger}
}

// Ingest writes every member record into the group's aggregate keys and
// returns the statistic reduced from exactly what was written.
func (e *Engine) Ingest(ctx context.Context, ref GroupRef, comp *schema.Composite, records []*schema.Record) (*GroupStat, error) {
	pending := make(map[string]map[string]string)
	raw := make(map[string][]string)

	for _, rec := range records {
		entityField := strconv.FormatInt(rec.EntityID, 10)
		for _, sub := range []string{schema.SubMO, schema.SubTPRM, schema.SubTMO, schema.SubCamunda} {
			shape := comp.Sub(sub)
			for field, value := range rec.Sub(sub) {
				if _, skip := excludedFields[field]; skip {
					continue
				}
				if !Truthy(value) {
					continue
				}
				kind := shape[field]

				stored := value
				if !ref.IsAggregate {
					if _, keep := necessaryFields[field]; !keep {
						stored = nil
					}
				}
				storedNil := stored == nil
				key := BuildKey(ref.Name, sub, valueTypeName(kind, storedNil), PolicyFor(field, kind, storedNil), field)
				encoded := Encode(kind, stored)
				if pending[key] == nil {
					pending[key] = make(map[string]string)
				}
				pending[key][entityField] = encoded

				// Only the object type id survives reduction for
				// non-aggregating groups.
				if ref.IsAggregate || field == "tmo_id" {
					raw[key] = append(raw[key], encoded)
				} else {
					raw[key] = append(raw[key], NoneMarker)
				}
			}
		}
	}

	for key, fields := range pending {
		if err := e.kv.HSet(ctx, key, fields); err != nil {
			return nil, fmt.Errorf("write aggregate key %q: %w", key, err)
		}
	}
	e.logger.Debug("[StatsEngine] ingested records", "group", ref.Name, "records", len(records), "keys", len(pending))
	return e.reduceKeyed(ref.Name, raw)
}

func (e *Engine) reduceKeyed(groupName string, raw map[string][]string) (*GroupStat, error) {
	stat := NewGroupStat(groupName)
	for key, values := range raw {
		parts, err := ParseKey(key)
		if err != nil {
			return nil, err
		}
		reduced, err := Reduce(parts.Policy, parts.ValueType, values)
		if err != nil {
			return nil, fmt.Errorf("reduce %q: %w", key, err)
		}
		if stat.Subs[parts.Sub] == nil {
			stat.Subs[parts.Sub] = map[string]any{}
		}
		stat.Subs[parts.Sub][parts.Field] = reduced
	}
	return stat, nil
}

// FetchStored reduces the group's existing aggregate keys. The second return
// is false when the group has no keys at all, letting callers re-resolve and
// ingest before reading again.
func (e *Engine) FetchStored(ctx context.Context, groupName string) (*GroupStat, bool, error) {
	keys, err := e.kv.Keys(ctx, KeyPrefix+groupName+":*")
	if err != nil {
		return nil, false, fmt.Errorf("list aggregate keys for %q: %w", groupName, err)
	}
	if len(keys) == 0 {
		return nil, false, nil
	}
	raw := make(map[string][]string, len(keys))
	for _, key := range keys {
		values, err := e.kv.HVals(ctx, key)
		if err != nil {
			return nil, false, fmt.Errorf("read aggregate key %q: %w", key, err)
		}
		if len(values) == 0 {
			continue
		}
		raw[key] = values
	}
	stat, err := e.reduceKeyed(groupName, raw)
	if err != nil {
		return nil, false, err
	}
	return stat, true, nil
}

// FetchForDelete returns whatever still reduces, or an empty statistic. Never
// reaches upstream, deleted groups get their last known shape.
func (e *Engine) FetchForDelete(ctx context.Context, groupName string) *GroupStat {
	stat, ok, err := e.FetchStored(ctx, groupName)
	if err != nil || !ok {
		if err != nil {
			e.logger.Warn("[StatsEngine] final statistic unavailable", "group", groupName, "error", err)
		}
		return NewGroupStat(groupName)
	}
	return stat
}

// Evict drops the given entities from every aggregate key of the group.
func (e *Engine) Evict(ctx context.Context, groupName string, entityIDs []int64) error {
	if len(entityIDs) == 0 {
		return nil
	}
	keys, err := e.kv.Keys(ctx, KeyPrefix+groupName+":*")
	if err != nil {
		return fmt.Errorf("list aggregate keys for %q: %w", groupName, err)
	}
	fields := make([]string, len(entityIDs))
	for i, id := range entityIDs {
		fields[i] = strconv.FormatInt(id, 10)
	}
	for _, key := range keys {
		if err := e.kv.HDel(ctx, key, fields...); err != nil {
			return fmt.Errorf("evict entities from %q: %w", key, err)
		}
	}
	return nil
}

// Drop deletes every aggregate key of the given groups and reports how many
// keys went away.
func (e *Engine) Drop(ctx context.Context, groupNames []string) (int64, error) {
	var removed int64
	for _, name := range groupNames {
		keys, err := e.kv.Keys(ctx, KeyPrefix+name+":*")
		if err != nil {
			return removed, fmt.Errorf("list aggregate keys for %q: %w", name, err)
		}
		if len(keys) == 0 {
			continue
		}
		n, err := e.kv.Del(ctx, keys...)
		if err != nil {
			return removed, fmt.Errorf("drop aggregate keys for %q: %w", name, err)
		}
		removed += n
	}
	return removed, nil
}

// RemoveParameter deletes a parameter's aggregate keys across all groups.
// Pass "*" as valueType when the stored type is unknown.
func (e *Engine) RemoveParameter(ctx context.Context, valueType string, paramID string) error {
	pattern := fmt.Sprintf("*:%s:%s:*:%s", schema.SubTPRM, valueType, paramID)
	keys, err := e.kv.Scan(ctx, pattern, 1000)
	if err != nil {
		return fmt.Errorf("scan parameter keys for %q: %w", paramID, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if _, err := e.kv.Del(ctx, keys...); err != nil {
		return fmt.Errorf("delete parameter keys for %q: %w", paramID, err)
	}
	e.logger.Info("[StatsEngine] removed parameter keys", "param_id", paramID, "keys", len(keys))
	return nil
}
