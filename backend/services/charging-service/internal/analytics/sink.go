// Package analytics streams finished-session usage to Kafka.
package analytics

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"evcharge/backend/services/charging-service/internal/events"
	"evcharge/backend/services/charging-service/internal/repository"
)

// DefaultTopic receives session usage records.
const DefaultTopic = "charging.sessions"

// MessageWriter is the subset of kafka.Writer the sink needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Record is the analytics row for one event.
type Record struct {
	EventType string          `json:"event_type"`
	SessionID string          `json:"session_id"`
	DriverID  string          `json:"driver_id"`
	Data      json.RawMessage `json:"data"`
	EmittedAt time.Time       `json:"emitted_at"`
}

// Sink publishes session events keyed by session ID.
type Sink struct {
	writer MessageWriter
	topic  string
	logger *zap.Logger
}

// NewKafkaWriter returns a writer that waits for all in-sync replicas.
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
}

// NewSink builds a sink. An empty topic uses DefaultTopic.
func NewSink(writer MessageWriter, topic string, logger *zap.Logger) *Sink {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Sink{writer: writer, topic: topic, logger: logger}
}

// Register subscribes the sink, best-effort, to completed and settled sessions.
func (s *Sink) Register(bus *events.Bus) error {
	for _, name := range []string{events.SessionCompleted, events.SessionSettled} {
		err := bus.Subscribe(events.Subscription{
			Name:      "analytics",
			Event:     name,
			Isolation: events.IndependentUnitOfWork,
			Delivery:  events.BestEffort,
			Handler: func(ctx context.Context, _ repository.Tx, evt events.Event) error {
				return s.Emit(ctx, evt)
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Emit writes one record.
func (s *Sink) Emit(ctx context.Context, evt events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	rec := Record{
		EventType: evt.Name(),
		SessionID: sessionID(evt),
		DriverID:  evt.Recipient(),
		Data:      data,
		EmittedAt: time.Now().UTC(),
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	err = s.writer.WriteMessages(ctx, kafka.Message{
		Topic: s.topic,
		Key:   []byte(rec.SessionID),
		Value: value,
		Time:  rec.EmittedAt,
	})
	if err != nil {
		s.logger.Warn("failed to emit analytics record",
			zap.String("event", rec.EventType),
			zap.String("session_id", rec.SessionID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// Close flushes the writer.
func (s *Sink) Close() error {
	return s.writer.Close()
}

func sessionID(evt events.Event) string {
	switch e := evt.(type) {
	case events.SessionCompletedEvent:
		return e.SessionID
	case events.SessionSettledEvent:
		return e.SessionID
	default:
		return ""
	}
}
