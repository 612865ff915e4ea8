package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/groupcore-lab/groupcore/internal/api"
	"github.com/groupcore-lab/groupcore/internal/autogroup"
	"github.com/groupcore-lab/groupcore/internal/buffer"
	"github.com/groupcore-lab/groupcore/internal/config"
	"github.com/groupcore-lab/groupcore/internal/events"
	"github.com/groupcore-lab/groupcore/internal/inventory"
	"github.com/groupcore-lab/groupcore/internal/membership"
	"github.com/groupcore-lab/groupcore/internal/migrations"
	"github.com/groupcore-lab/groupcore/internal/notify"
	"github.com/groupcore-lab/groupcore/internal/resolver"
	"github.com/groupcore-lab/groupcore/internal/schema"
	"github.com/groupcore-lab/groupcore/internal/search"
	"github.com/groupcore-lab/groupcore/internal/server"
	"github.com/groupcore-lab/groupcore/internal/stats"
	"github.com/groupcore-lab/groupcore/internal/store/postgres"
)

func main() {
	configPath := flag.String("config", "groupcore.yaml", "Path to configuration file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	adapter, err := postgres.NewAdapter(
		cfg.Database.DSN,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
	)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer adapter.Close()

	if err := migrations.Run(adapter.DB(), cfg.Database.AutoMigrate); err != nil {
		slog.Error("Failed to run database migrations", "error", err)
		os.Exit(1)
	}

	kv, err := stats.NewRedisStore(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		slog.Error("Failed to initialize redis", "error", err)
		os.Exit(1)
	}
	defer kv.Close()

	engine := stats.NewEngine(kv, logger)
	inventoryClient := inventory.NewClient(cfg.Inventory, logger)
	searchClient := search.NewClient(cfg.Search, logger)
	registry := schema.NewRegistry(inventoryClient, logger)

	notifier := notify.NewNotifier(cfg.Kafka, logger)
	defer notifier.Close()

	entityResolver := resolver.NewResolver(registry, inventoryClient, searchClient, logger)
	memberships := membership.NewService(adapter, registry, entityResolver, engine, notifier, logger)
	materializer := autogroup.NewMaterializer(adapter, searchClient, memberships, logger)

	// Warm schemas for every object type in use. Groups whose object type no
	// longer exists upstream are orphans and get removed up front.
	typeIDs, err := adapter.DistinctObjectTypeIDs(ctx)
	if err != nil {
		slog.Error("Failed to list tracked object types", "error", err)
		os.Exit(1)
	}
	if failed := registry.Warm(ctx, typeIDs); len(failed) > 0 {
		orphaned := make([]int, 0, len(failed))
		for id := range failed {
			orphaned = append(orphaned, id)
		}
		slog.Warn("Removing groups of unresolvable object types", "object_type_ids", orphaned)
		if err := memberships.RemoveGroupsByObjectType(ctx, orphaned); err != nil {
			slog.Error("Orphaned group cleanup failed", "error", err)
		}
	}

	refreshSchemas := func(ctx context.Context, _ []int64) error {
		ids, err := adapter.DistinctObjectTypeIDs(ctx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			registry.Drop(id)
			if _, err := registry.Ensure(ctx, id); err != nil {
				slog.Warn("Schema rebuild failed", "object_type_id", id, "error", err)
			}
		}
		return nil
	}

	buffers := buffer.New(cfg.Buffer, buffer.Handlers{
		EntityChanged: []buffer.Handler{materializer.HandleEntityChanges},
		TypeDeleted: []buffer.Handler{func(ctx context.Context, ids []int64) error {
			objectTypes := make([]int, len(ids))
			for i, id := range ids {
				objectTypes[i] = int(id)
			}
			return memberships.RemoveGroupsByObjectType(ctx, objectTypes)
		}},
		ParamCreated: []buffer.Handler{refreshSchemas},
		ParamUpdated: []buffer.Handler{refreshSchemas},
		ParamDeleted: []buffer.Handler{func(ctx context.Context, ids []int64) error {
			for _, id := range ids {
				if err := engine.RemoveParameter(ctx, "*", strconv.FormatInt(id, 10)); err != nil {
					return err
				}
			}
			return refreshSchemas(ctx, nil)
		}},
	}, logger)

	consumer := events.NewConsumer(cfg.Kafka, buffers, logger)
	defer consumer.Close()

	srv := server.New(cfg.Server, map[string]server.HealthChecker{
		"database": server.PingFunc(adapter.DB().PingContext),
		"redis":    kv,
	}, logger)
	api.NewService(adapter, memberships, materializer, logger).RegisterRoutes(srv.Engine)

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(runCtx) })
	g.Go(func() error { return consumer.Run(runCtx) })
	g.Go(func() error { return buffers.Run(runCtx) })

	if err := g.Wait(); err != nil {
		slog.Error("Service stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}
