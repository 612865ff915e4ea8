package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/groupcore-lab/groupcore/internal/config"
	"github.com/groupcore-lab/groupcore/internal/stats"
	"github.com/groupcore-lab/groupcore/internal/store"
)

// Membership actions carried as the message key.
const (
	ActionGroupAdd    = "group:add"
	ActionGroupRemove = "group:remove"
	ActionGroupDelete = "group:delete"
)

// Statistic actions carried as the message key.
const (
	ActionStatisticUpdate = "group_statistic:update"
	ActionStatisticDelete = "group_statistic:delete"
)

// entityChunkSize caps the entity ids carried by one membership message.
const entityChunkSize = 5000

// messageWriter is the kafka surface the notifier needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Notifier publishes membership and statistic changes to kafka.
type Notifier struct {
	groups    messageWriter
	statistic messageWriter
	logger    *slog.Logger
}

func NewNotifier(cfg config.KafkaConfig, logger *slog.Logger) *Notifier {
	return &Notifier{
		groups: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.GroupTopic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
		},
		statistic: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.StatisticTopic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
		},
		logger: logger,
	}
}

// GroupMessage is the membership change payload.
type GroupMessage struct {
	GroupName    string  `json:"group_name"`
	GroupType    int64   `json:"group_type"`
	ObjectTypeID int     `json:"tmo_id"`
	EntityIDs    []int64 `json:"entity_ids"`
}

// GroupChanged publishes one membership change, splitting the entity ids
// across messages when they exceed the per-message cap. An empty id list
// still produces one message so deletions always reach consumers.
func (n *Notifier) GroupChanged(ctx context.Context, action string, group *store.Group, entityIDs []int64) error {
	chunks := [][]int64{entityIDs}
	if len(entityIDs) > entityChunkSize {
		chunks = nil
		for start := 0; start < len(entityIDs); start += entityChunkSize {
			end := start + entityChunkSize
			if end > len(entityIDs) {
				end = len(entityIDs)
			}
			chunks = append(chunks, entityIDs[start:end])
		}
	}

	msgs := make([]kafka.Message, 0, len(chunks))
	for _, chunk := range chunks {
		payload, err := json.Marshal(GroupMessage{
			GroupName:    group.Name,
			GroupType:    group.GroupTypeID,
			ObjectTypeID: group.ObjectTypeID,
			EntityIDs:    chunk,
		})
		if err != nil {
			return fmt.Errorf("failed to encode group message: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:     []byte(action),
			Value:   payload,
			Headers: []kafka.Header{messageID()},
		})
	}

	if err := n.groups.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to publish %s for group %q: %w", action, group.Name, err)
	}
	n.logger.Info("[Notify] Published membership change",
		"action", action, "group", group.Name, "entities", len(entityIDs), "messages", len(msgs))
	return nil
}

// StatisticChanged publishes the reduced statistic of one group.
func (n *Notifier) StatisticChanged(ctx context.Context, action string, group *store.Group, stat *stats.GroupStat) error {
	flat := stat.Flatten()
	flat["group_type"] = group.GroupTypeID
	payload, err := json.Marshal(flat)
	if err != nil {
		return fmt.Errorf("failed to encode statistic message: %w", err)
	}

	msg := kafka.Message{
		Key:     []byte(action),
		Value:   payload,
		Headers: []kafka.Header{messageID()},
	}
	if err := n.statistic.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish %s for group %q: %w", action, group.Name, err)
	}
	n.logger.Info("[Notify] Published statistic change", "action", action, "group", group.Name)
	return nil
}

// Close flushes and closes the underlying writers.
func (n *Notifier) Close() error {
	var firstErr error
	for _, w := range []messageWriter{n.groups, n.statistic} {
		if closer, ok := w.(*kafka.Writer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func messageID() kafka.Header {
	return kafka.Header{Key: "message_id", Value: []byte(uuid.NewString())}
}
