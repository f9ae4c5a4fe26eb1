// Package kafka carries record change events over a Kafka topic as an
// alternative to the Redis stream transport. Messages are keyed by partition
// key so one record's changes always land on one partition.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/alanyoungcy/legchain/internal/domain"
)

// Config holds broker and consumer settings.
type Config struct {
	Brokers    []string
	Topic      string
	Group      string
	Partitions int
}

// Publisher implements domain.ChangePublisher with a kafka.Writer.
type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher creates a Publisher writing to cfg.Topic. The Hash balancer
// keeps every event for a record on the same partition.
func NewPublisher(cfg Config) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 50 * time.Millisecond,
			RequiredAcks: kafka.RequireAll,
		},
	}
}

var _ domain.ChangePublisher = (*Publisher)(nil)

// Publish writes events synchronously in order.
func (p *Publisher) Publish(ctx context.Context, events []domain.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}
	msgs, err := encodeMessages(events)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka: publish %d changes: %w", len(events), err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

func encodeMessages(events []domain.ChangeEvent) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(events))
	for _, evt := range events {
		payload, err := json.Marshal(evt)
		if err != nil {
			return nil, fmt.Errorf("kafka: marshal change %d: %w", evt.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(evt.PartitionKey()),
			Value: payload,
			Headers: []kafka.Header{
				{Key: "kind", Value: []byte(evt.Kind)},
				{Key: "change_id", Value: []byte(strconv.FormatInt(evt.ID, 10))},
			},
		})
	}
	return msgs, nil
}

// Subscriber implements domain.ChangeSubscriber with a consumer-group reader.
type Subscriber struct {
	cfg    Config
	logger *slog.Logger
}

// NewSubscriber creates a Subscriber for cfg.Topic in cfg.Group.
func NewSubscriber(cfg Config, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "kafka_subscriber")),
	}
}

var _ domain.ChangeSubscriber = (*Subscriber)(nil)

// Subscribe reads until ctx is cancelled. Offsets are committed only after
// the handler succeeds; a failing event is retried in place with backoff so
// later events on the same partition never overtake it.
func (s *Subscriber) Subscribe(ctx context.Context, handler domain.ChangeHandler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:           s.cfg.Brokers,
		Topic:             s.cfg.Topic,
		GroupID:           s.cfg.Group,
		MinBytes:          1,
		MaxBytes:          10e6,
		HeartbeatInterval: 3 * time.Second,
		SessionTimeout:    30 * time.Second,
		StartOffset:       kafka.FirstOffset,
	})
	defer reader.Close()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("fetch change failed", slog.String("error", err.Error()))
			continue
		}

		var evt domain.ChangeEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			s.logger.Error("dropping undecodable change",
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)
		} else if !s.handle(ctx, evt, handler) {
			return nil
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("commit offset failed", slog.String("error", err.Error()))
		}
	}
}

// handle retries the handler until it succeeds. It returns false if ctx ends
// first.
func (s *Subscriber) handle(ctx context.Context, evt domain.ChangeEvent, handler domain.ChangeHandler) bool {
	backoff := 100 * time.Millisecond
	for {
		err := handler(ctx, evt)
		if err == nil {
			return true
		}
		s.logger.Warn("change handler failed, retrying",
			slog.String("kind", string(evt.Kind)),
			slog.String("key", evt.Key),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
		if backoff < 10*time.Second {
			backoff *= 2
		}
	}
}

// EnsureTopic creates the topic on the controller if it does not exist.
func EnsureTopic(ctx context.Context, cfg Config) error {
	if len(cfg.Brokers) == 0 {
		return fmt.Errorf("kafka: no brokers configured")
	}

	conn, err := kafka.DialContext(ctx, "tcp", cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("kafka: dial broker %s: %w", cfg.Brokers[0], err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka: get controller: %w", err)
	}

	ctrlConn, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("kafka: dial controller: %w", err)
	}
	defer ctrlConn.Close()

	partitions := cfg.Partitions
	if partitions <= 0 {
		partitions = 1
	}
	err = ctrlConn.CreateTopics(kafka.TopicConfig{
		Topic:             cfg.Topic,
		NumPartitions:     partitions,
		ReplicationFactor: 1,
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("kafka: create topic %s: %w", cfg.Topic, err)
	}
	return nil
}
