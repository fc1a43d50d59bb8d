package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the Kafka event source.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// KafkaSource consumes artifact events from a Kafka topic and publishes
// them to the hub. Registries (or a bridge in front of them) produce
// push/delete notifications onto the topic as JSON Event payloads.
type KafkaSource struct {
	reader *kafka.Reader
	hub    *Hub
}

// NewKafkaSource creates a consumer for the configured topic.
func NewKafkaSource(cfg KafkaConfig, hub *Hub) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	groupID := cfg.GroupID
	if groupID == "" {
		groupID = "ocimirror-triggers"
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.Topic,
		GroupID: groupID,
	})
	return &KafkaSource{reader: reader, hub: hub}, nil
}

// Run consumes messages until ctx is cancelled. Malformed messages are
// logged and skipped; they never stop the consumer.
func (s *KafkaSource) Run(ctx context.Context) error {
	defer func() {
		if err := s.reader.Close(); err != nil {
			slog.Error("Failed to close kafka reader", "error", err)
		}
	}()

	slog.Info("Consuming artifact events",
		"topic", s.reader.Config().Topic,
		"group", s.reader.Config().GroupID)

	for {
		msg, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("failed to read artifact event: %w", err)
		}

		var ev Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			slog.Warn("Skipping malformed artifact event",
				"offset", msg.Offset, "error", err)
			continue
		}
		s.hub.Publish(ctx, ev)
	}
}
