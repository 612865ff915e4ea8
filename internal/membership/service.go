package membership

import (
	"context"
	"fmt"
	"log/slog"

	coreerrors "github.com/groupcore-lab/groupcore/internal/core/errors"
	"github.com/groupcore-lab/groupcore/internal/notify"
	"github.com/groupcore-lab/groupcore/internal/resolver"
	"github.com/groupcore-lab/groupcore/internal/schema"
	"github.com/groupcore-lab/groupcore/internal/stats"
	"github.com/groupcore-lab/groupcore/internal/store"
)

// Outcome tells the caller whether a mutation took effect.
type Outcome int

const (
	// NoOp means the mutation was evaluated and intentionally skipped,
	// for example an under-threshold group.
	NoOp Outcome = iota
	// Applied means membership, statistics and notifications were updated.
	Applied
)

// Store is the persistence surface the mutation service needs.
type Store interface {
	GroupsByNames(ctx context.Context, names []string) ([]*store.Group, error)
	GroupsByObjectType(ctx context.Context, objectTypeID int) ([]*store.Group, error)
	DeleteGroups(ctx context.Context, ids []int64) error
	ApplyMembershipDelta(ctx context.Context, groupID int64, add, remove []int64, isValid *bool) error
	ClearProcessInstanceKey(ctx context.Context, groupID int64, isValid bool) error
	TemplatesByObjectType(ctx context.Context, objectTypeID int) ([]*store.GroupTemplate, error)
	DeleteTemplates(ctx context.Context, ids []int64) error
}

// Resolver evaluates a group's membership rule.
type Resolver interface {
	Resolve(ctx context.Context, group *store.Group, candidates []int64) (*resolver.Resolution, error)
}

// Aggregator maintains the per-group statistic store.
type Aggregator interface {
	Ingest(ctx context.Context, ref stats.GroupRef, comp *schema.Composite, records []*schema.Record) (*stats.GroupStat, error)
	FetchStored(ctx context.Context, groupName string) (*stats.GroupStat, bool, error)
	FetchForDelete(ctx context.Context, groupName string) *stats.GroupStat
	Evict(ctx context.Context, groupName string, entityIDs []int64) error
	Drop(ctx context.Context, groupNames []string) (int64, error)
}

// Notifier publishes membership and statistic changes.
type Notifier interface {
	GroupChanged(ctx context.Context, action string, group *store.Group, entityIDs []int64) error
	StatisticChanged(ctx context.Context, action string, group *store.Group, stat *stats.GroupStat) error
}

// Service applies membership mutations: it resolves candidates, diffs them
// against the stored members, updates the statistic store and the database
// and publishes the resulting changes.
type Service struct {
	store    Store
	registry *schema.Registry
	resolver Resolver
	engine   Aggregator
	notifier Notifier
	logger   *slog.Logger
}

func NewService(st Store, registry *schema.Registry, res Resolver, engine Aggregator, notifier Notifier, logger *slog.Logger) *Service {
	return &Service{
		store:    st,
		registry: registry,
		resolver: res,
		engine:   engine,
		notifier: notifier,
		logger:   logger,
	}
}

// AddMembers evaluates the candidates against the group rule and admits the
// ones that match, returning the admitted ids. Groups below their member
// threshold stay untouched.
func (s *Service) AddMembers(ctx context.Context, group *store.Group, candidates []int64) (Outcome, []int64, error) {
	res, err := s.resolver.Resolve(ctx, group, s.addCandidates(group, candidates))
	if err != nil {
		return NoOp, nil, err
	}

	current := make(map[int64]struct{}, len(group.Elements))
	for _, el := range group.Elements {
		current[el.EntityID] = struct{}{}
	}
	var toAdd []int64
	resolved := make(map[int64]struct{}, len(res.Records))
	for _, rec := range res.Records {
		resolved[rec.EntityID] = struct{}{}
		if _, ok := current[rec.EntityID]; !ok {
			toAdd = append(toAdd, rec.EntityID)
		}
	}

	// The threshold is strictly greater: a group sized exactly at its
	// minimum is still considered under-populated.
	if len(current)+len(toAdd) <= group.MinQuantityOrZero() {
		s.logger.Info("[Membership] Group under threshold, skipping",
			"group", group.Name, "members", len(current)+len(toAdd), "min", group.MinQuantityOrZero())
		return NoOp, nil, nil
	}
	if len(toAdd) == 0 && s.validityUnchanged(group, res) {
		return NoOp, nil, nil
	}

	comp, err := s.registry.Resolve(ctx, group.ObjectTypeID)
	if err != nil {
		return NoOp, nil, err
	}
	ref := stats.GroupRef{Name: group.Name, IsAggregate: group.IsAggregate}
	stat, err := s.engine.Ingest(ctx, ref, comp, res.Records)
	if err != nil {
		return NoOp, nil, fmt.Errorf("failed to ingest statistic for group %q: %w", group.Name, err)
	}

	isValid := res.Valid()
	if err := s.store.ApplyMembershipDelta(ctx, group.ID, toAdd, nil, &isValid); err != nil {
		return NoOp, nil, err
	}
	group.IsValid = &isValid

	s.publishGroup(ctx, notify.ActionGroupAdd, group, toAdd)
	s.publishStatistic(ctx, notify.ActionStatisticUpdate, group, stat)
	s.logger.Info("[Membership] Members added",
		"group", group.Name, "added", len(toAdd), "total", len(resolved))
	return Applied, toAdd, nil
}

// addCandidates picks the candidate set handed to the resolver. Filter
// groups re-evaluate their whole rule, so current members stay implicit;
// direct groups resolve the union of members and new candidates.
func (s *Service) addCandidates(group *store.Group, candidates []int64) []int64 {
	if group.GroupTypeID == store.CategorySearch && len(group.ColumnFilters) > 0 {
		return nil
	}
	seen := make(map[int64]struct{}, len(group.Elements)+len(candidates))
	var union []int64
	for _, id := range group.EntityIDs() {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			union = append(union, id)
		}
	}
	for _, id := range candidates {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			union = append(union, id)
		}
	}
	return union
}

func (s *Service) validityUnchanged(group *store.Group, res *resolver.Resolution) bool {
	return group.IsValid != nil && *group.IsValid == res.Valid()
}

// RemoveMembers evicts the given entities from a group and returns the ids
// that were actually members. Filter groups own their membership rule,
// removing members by hand from one is rejected.
func (s *Service) RemoveMembers(ctx context.Context, group *store.Group, entityIDs []int64) (Outcome, []int64, error) {
	if group.GroupTypeID == store.CategorySearch && len(group.ColumnFilters) > 0 {
		return NoOp, nil, fmt.Errorf("group %q is filter-managed: %w", group.Name, coreerrors.ErrConflict)
	}

	current := make(map[int64]struct{}, len(group.Elements))
	for _, el := range group.Elements {
		current[el.EntityID] = struct{}{}
	}
	var toRemove []int64
	for _, id := range entityIDs {
		if _, ok := current[id]; ok {
			toRemove = append(toRemove, id)
		}
	}
	if len(toRemove) == 0 {
		return NoOp, nil, nil
	}

	if err := s.store.ApplyMembershipDelta(ctx, group.ID, nil, toRemove, nil); err != nil {
		return NoOp, nil, err
	}
	if err := s.engine.Evict(ctx, group.Name, toRemove); err != nil {
		s.logger.Error("[Membership] Failed to evict statistic entries",
			"group", group.Name, "error", err)
	}
	s.publishGroup(ctx, notify.ActionGroupRemove, group, toRemove)

	remaining := len(current) - len(toRemove)
	if remaining == 0 && group.GroupTypeID == store.CategoryProcess {
		// An emptied process group is finished: drop its workflow
		// binding, mark the group valid again and tell consumers the
		// group and statistic are gone.
		if err := s.store.ClearProcessInstanceKey(ctx, group.ID, true); err != nil {
			return NoOp, nil, err
		}
		group.ProcessInstanceKey = nil
		valid := true
		group.IsValid = &valid
		s.publishGroup(ctx, notify.ActionGroupDelete, group, nil)
		s.publishStatistic(ctx, notify.ActionStatisticDelete, group, s.engine.FetchForDelete(ctx, group.Name))
		s.logger.Info("[Membership] Process group emptied", "group", group.Name)
		return Applied, toRemove, nil
	}

	stat, err := s.fetchOrRebuild(ctx, group, toRemove)
	if err != nil {
		return NoOp, nil, err
	}
	s.publishStatistic(ctx, notify.ActionStatisticUpdate, group, stat)
	s.logger.Info("[Membership] Members removed",
		"group", group.Name, "removed", len(toRemove), "remaining", remaining)
	return Applied, toRemove, nil
}

// fetchOrRebuild reduces the stored statistic, re-resolving the remaining
// members when the store has no keys for the group.
func (s *Service) fetchOrRebuild(ctx context.Context, group *store.Group, removed []int64) (*stats.GroupStat, error) {
	stat, ok, err := s.engine.FetchStored(ctx, group.Name)
	if err != nil {
		return nil, err
	}
	if ok {
		return stat, nil
	}

	gone := make(map[int64]struct{}, len(removed))
	for _, id := range removed {
		gone[id] = struct{}{}
	}
	var remaining []int64
	for _, id := range group.EntityIDs() {
		if _, ok := gone[id]; !ok {
			remaining = append(remaining, id)
		}
	}
	if len(remaining) == 0 {
		return s.engine.FetchForDelete(ctx, group.Name), nil
	}

	res, err := s.resolver.Resolve(ctx, group, remaining)
	if err != nil {
		return nil, err
	}
	comp, err := s.registry.Resolve(ctx, group.ObjectTypeID)
	if err != nil {
		return nil, err
	}
	ref := stats.GroupRef{Name: group.Name, IsAggregate: group.IsAggregate}
	return s.engine.Ingest(ctx, ref, comp, res.Records)
}

// RemoveGroups deletes groups outright: final statistic, redis keys,
// database rows and the farewell notifications.
func (s *Service) RemoveGroups(ctx context.Context, names []string) error {
	groups, err := s.store.GroupsByNames(ctx, names)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		return nil
	}

	groupNames := make([]string, 0, len(groups))
	for _, g := range groups {
		groupNames = append(groupNames, g.Name)
		s.publishStatistic(ctx, notify.ActionStatisticDelete, g, s.engine.FetchForDelete(ctx, g.Name))
	}
	if _, err := s.engine.Drop(ctx, groupNames); err != nil {
		s.logger.Error("[Membership] Failed to drop statistic keys", "error", err)
	}

	ids := make([]int64, 0, len(groups))
	for _, g := range groups {
		ids = append(ids, g.ID)
	}
	if err := s.store.DeleteGroups(ctx, ids); err != nil {
		return err
	}
	for _, g := range groups {
		s.publishGroup(ctx, notify.ActionGroupDelete, g, g.EntityIDs())
	}
	s.logger.Info("[Membership] Groups removed", "count", len(groups))
	return nil
}

// RemoveGroupsByObjectType deletes every group and template of the given
// object types, the path taken when the types themselves disappear upstream.
func (s *Service) RemoveGroupsByObjectType(ctx context.Context, objectTypeIDs []int) error {
	var names []string
	var templateIDs []int64
	for _, id := range objectTypeIDs {
		groups, err := s.store.GroupsByObjectType(ctx, id)
		if err != nil {
			return err
		}
		for _, g := range groups {
			names = append(names, g.Name)
		}
		templates, err := s.store.TemplatesByObjectType(ctx, id)
		if err != nil {
			return err
		}
		for _, t := range templates {
			templateIDs = append(templateIDs, t.ID)
		}
		s.registry.Drop(id)
	}
	if len(names) > 0 {
		if err := s.RemoveGroups(ctx, names); err != nil {
			return err
		}
	}
	if len(templateIDs) > 0 {
		if err := s.store.DeleteTemplates(ctx, templateIDs); err != nil {
			return err
		}
		s.logger.Info("[Membership] Templates removed with object types", "count", len(templateIDs))
	}
	return nil
}

// Statistic reads the reduced statistic of a group, rebuilding it from the
// upstream services when the store is cold.
func (s *Service) Statistic(ctx context.Context, group *store.Group) (*stats.GroupStat, error) {
	stat, ok, err := s.engine.FetchStored(ctx, group.Name)
	if err != nil {
		return nil, err
	}
	if ok {
		return stat, nil
	}

	res, err := s.resolver.Resolve(ctx, group, group.EntityIDs())
	if err != nil {
		return nil, err
	}
	comp, err := s.registry.Resolve(ctx, group.ObjectTypeID)
	if err != nil {
		return nil, err
	}
	ref := stats.GroupRef{Name: group.Name, IsAggregate: group.IsAggregate}
	return s.engine.Ingest(ctx, ref, comp, res.Records)
}

// Notification publishing is fire-and-forget: a broker outage must not
// roll back an applied mutation.
func (s *Service) publishGroup(ctx context.Context, action string, group *store.Group, ids []int64) {
	if err := s.notifier.GroupChanged(ctx, action, group, ids); err != nil {
		s.logger.Error("[Membership] Failed to publish membership change",
			"action", action, "group", group.Name, "error", err)
	}
}

func (s *Service) publishStatistic(ctx context.Context, action string, group *store.Group, stat *stats.GroupStat) {
	if err := s.notifier.StatisticChanged(ctx, action, group, stat); err != nil {
		s.logger.Error("[Membership] Failed to publish statistic change",
			"action", action, "group", group.Name, "error", err)
	}
}
