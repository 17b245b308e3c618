package changes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Consumer feeds change events from a Kafka topic into a Tracker.
type Consumer struct {
	reader  messageReader
	tracker *Tracker
}

func NewKafkaConsumer(cfg KafkaConfig, tracker *Tracker) (*Consumer, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, fmt.Errorf("kafka group id required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("tracker required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        500 * time.Millisecond,
	})
	return &Consumer{reader: r, tracker: tracker}, nil
}

// Run consumes until ctx stops or the reader fails. Malformed events are
// logged and skipped.
func (c *Consumer) Run(ctx context.Context) error {
	if c == nil || c.reader == nil {
		return fmt.Errorf("kafka consumer not initialized")
	}
	defer c.reader.Close()

	var applied, skipped int
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				log.Printf("changes: consumer stopped after %d events (%d skipped)", applied, skipped)
				return ctx.Err()
			}
			return fmt.Errorf("read change event: %w", err)
		}

		var ev Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			skipped++
			log.Printf("changes: skip malformed event at offset %d: %v", msg.Offset, err)
			continue
		}
		if err := c.tracker.Apply(ev); err != nil {
			skipped++
			log.Printf("changes: skip event at offset %d: %v", msg.Offset, err)
			continue
		}
		applied++
	}
}
