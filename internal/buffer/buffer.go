package buffer

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/groupcore-lab/groupcore/internal/config"
)

// Handler consumes one drained batch of ids. Handlers run sequentially
// inside the worker tick, a failing handler never blocks the others.
type Handler func(ctx context.Context, ids []int64) error

// bucket coalesces ids between ticks. Duplicate notifications collapse
// into one entry.
type bucket struct {
	name     string
	mu       sync.Mutex
	ids      map[int64]struct{}
	handlers []Handler
}

func newBucket(name string, handlers []Handler) *bucket {
	return &bucket{
		name:     name,
		ids:      make(map[int64]struct{}),
		handlers: handlers,
	}
}

func (b *bucket) add(ids []int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		b.ids[id] = struct{}{}
	}
}

// drain swaps the pending set out under the lock and returns it sorted.
func (b *bucket) drain() []int64 {
	b.mu.Lock()
	pending := b.ids
	b.ids = make(map[int64]struct{})
	b.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	out := make([]int64, 0, len(pending))
	for id := range pending {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// worker drains its buckets on a fixed interval. One goroutine per worker,
// ticks never overlap.
type worker struct {
	name     string
	interval time.Duration
	grace    time.Duration
	buckets  []*bucket
	logger   *slog.Logger
}

func (w *worker) run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("[Buffer] Worker started", "worker", w.name, "interval", w.interval)
	for {
		select {
		case <-ctx.Done():
			// Final drain so buffered events survive a shutdown.
			graceCtx, cancel := context.WithTimeout(context.Background(), w.grace)
			w.drainAll(graceCtx)
			cancel()
			w.logger.Info("[Buffer] Worker stopped", "worker", w.name)
			return nil
		case <-ticker.C:
			w.drainAll(ctx)
		}
	}
}

func (w *worker) drainAll(ctx context.Context) {
	for _, b := range w.buckets {
		ids := b.drain()
		if len(ids) == 0 {
			continue
		}
		w.logger.Debug("[Buffer] Draining", "worker", w.name, "bucket", b.name, "ids", len(ids))
		for _, handler := range b.handlers {
			if err := handler(ctx, ids); err != nil {
				w.logger.Error("[Buffer] Handler failed",
					"worker", w.name, "bucket", b.name, "error", err)
			}
		}
	}
}

// Handlers binds the consumer side of every bucket. The lists are fixed at
// construction, there is no runtime subscription.
type Handlers struct {
	EntityChanged []Handler
	TypeDeleted   []Handler
	ParamCreated  []Handler
	ParamUpdated  []Handler
	ParamDeleted  []Handler
}

// Buffers coalesces inventory events into periodic batches. Entity events
// share one changed-set regardless of action, type events only track
// deletions, parameter events keep one set per action.
type Buffers struct {
	entityChanged *bucket
	typeDeleted   *bucket
	paramCreated  *bucket
	paramUpdated  *bucket
	paramDeleted  *bucket
	workers       []*worker
}

func New(cfg config.BufferConfig, handlers Handlers, logger *slog.Logger) *Buffers {
	interval := cfg.EffectiveDrainInterval()
	grace := cfg.EffectiveGracePeriod()

	b := &Buffers{
		entityChanged: newBucket("entity_changed", handlers.EntityChanged),
		typeDeleted:   newBucket("type_deleted", handlers.TypeDeleted),
		paramCreated:  newBucket("param_created", handlers.ParamCreated),
		paramUpdated:  newBucket("param_updated", handlers.ParamUpdated),
		paramDeleted:  newBucket("param_deleted", handlers.ParamDeleted),
	}
	b.workers = []*worker{
		{name: "entity", interval: interval, grace: grace, buckets: []*bucket{b.entityChanged}, logger: logger},
		{name: "type", interval: interval, grace: grace, buckets: []*bucket{b.typeDeleted}, logger: logger},
		{name: "param", interval: interval, grace: grace, buckets: []*bucket{b.paramCreated, b.paramUpdated, b.paramDeleted}, logger: logger},
	}
	return b
}

// Run blocks until the context is cancelled and every worker has finished
// its final drain.
func (b *Buffers) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range b.workers {
		w := w
		g.Go(func() error { return w.run(ctx) })
	}
	return g.Wait()
}

// EntityChanged buffers entity ids whose payload changed in any way.
func (b *Buffers) EntityChanged(ids ...int64) { b.entityChanged.add(ids) }

// TypeDeleted buffers removed object type ids.
func (b *Buffers) TypeDeleted(ids ...int64) { b.typeDeleted.add(ids) }

// ParamCreated buffers created parameter definition ids.
func (b *Buffers) ParamCreated(ids ...int64) { b.paramCreated.add(ids) }

// ParamUpdated buffers updated parameter definition ids.
func (b *Buffers) ParamUpdated(ids ...int64) { b.paramUpdated.add(ids) }

// ParamDeleted buffers removed parameter definition ids.
func (b *Buffers) ParamDeleted(ids ...int64) { b.paramDeleted.add(ids) }
