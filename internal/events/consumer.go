package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/spf13/cast"

	"github.com/groupcore-lab/groupcore/internal/config"
)

// Event kinds carried in the message key, matching the inventory contract.
const (
	KindEntity    = "MO"
	KindParamVal  = "PRM"
	KindType      = "TMO"
	KindParamType = "TPRM"
)

// Actions carried in the message key.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// Sink receives the ids extracted from inventory events. Implemented by
// the buffer package.
type Sink interface {
	EntityChanged(ids ...int64)
	TypeDeleted(ids ...int64)
	ParamCreated(ids ...int64)
	ParamUpdated(ids ...int64)
	ParamDeleted(ids ...int64)
}

// fetcher is the kafka surface the consumer needs.
type fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads the inventory change topic and feeds the event buffers.
// Offsets commit only after dispatch, a crash replays the batch.
type Consumer struct {
	reader fetcher
	sink   Sink
	logger *slog.Logger
}

func NewConsumer(cfg config.KafkaConfig, sink Sink, logger *slog.Logger) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    cfg.InventoryTopic,
			GroupID:  cfg.ConsumerGroup,
			MinBytes: 1,
			MaxBytes: 10 << 20,
			MaxWait:  3 * time.Second,
		}),
		sink:   sink,
		logger: logger,
	}
}

// Run consumes until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("[Events] Consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				c.logger.Info("[Events] Consumer stopped")
				return nil
			}
			c.logger.Error("[Events] Fetch failed", "error", err)
			continue
		}

		c.dispatch(msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("[Events] Commit failed", "error", err)
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

// dispatch routes one message into the sink. Malformed keys and unknown
// kinds are skipped, their offsets still commit.
func (c *Consumer) dispatch(msg kafka.Message) {
	kind, action, ok := strings.Cut(string(msg.Key), ":")
	if !ok {
		c.logger.Debug("[Events] Skipping message without kind", "key", string(msg.Key))
		return
	}

	var payload struct {
		Objects []map[string]any `json:"objects"`
	}
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		c.logger.Error("[Events] Malformed payload", "key", string(msg.Key), "error", err)
		return
	}
	if len(payload.Objects) == 0 {
		return
	}

	switch kind {
	case KindEntity:
		c.sink.EntityChanged(extractIDs(payload.Objects, "id")...)
	case KindParamVal:
		// Parameter values reference their owning entity.
		c.sink.EntityChanged(extractIDs(payload.Objects, "mo_id")...)
	case KindType:
		// Type renames have no effect on membership, only deletions matter.
		if action == ActionDeleted {
			c.sink.TypeDeleted(extractIDs(payload.Objects, "id")...)
		}
	case KindParamType:
		ids := extractIDs(payload.Objects, "id")
		switch action {
		case ActionCreated:
			c.sink.ParamCreated(ids...)
		case ActionUpdated:
			c.sink.ParamUpdated(ids...)
		case ActionDeleted:
			c.sink.ParamDeleted(ids...)
		}
	default:
		c.logger.Debug("[Events] Skipping unknown kind", "kind", kind, "action", action)
	}
}

func extractIDs(objects []map[string]any, field string) []int64 {
	ids := make([]int64, 0, len(objects))
	for _, obj := range objects {
		v, ok := obj[field]
		if !ok {
			continue
		}
		if id := cast.ToInt64(v); id != 0 {
			ids = append(ids, id)
		}
	}
	return ids
}
