package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"evcharge/backend/services/charging-service/internal/events"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestSessionEventsAreKeyedBySession(t *testing.T) {
	w := &fakeWriter{}
	bus := events.NewBus(nil, zap.NewNop())
	if err := NewSink(w, "", zap.NewNop()).Register(bus); err != nil {
		t.Fatalf("register: %v", err)
	}

	bus.Publish(context.Background(), events.SessionCompletedEvent{SessionID: "s1", DriverID: "u1", TotalCost: 150_000})
	bus.Publish(context.Background(), events.SessionSettledEvent{SessionID: "s1", DriverID: "u1", Charged: 100_000})
	bus.Publish(context.Background(), events.SessionStartedEvent{SessionID: "s2", DriverID: "u1"})

	if len(w.msgs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(w.msgs))
	}
	for _, m := range w.msgs {
		if m.Topic != DefaultTopic || string(m.Key) != "s1" {
			t.Fatalf("unexpected message topic=%s key=%s", m.Topic, m.Key)
		}
	}
	var rec Record
	if err := json.Unmarshal(w.msgs[0].Value, &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.EventType != events.SessionCompleted || rec.DriverID != "u1" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestEmitReportsWriterFailure(t *testing.T) {
	sink := NewSink(&fakeWriter{err: errors.New("broker down")}, "usage", zap.NewNop())
	if err := sink.Emit(context.Background(), events.SessionCompletedEvent{SessionID: "s1"}); err == nil {
		t.Fatalf("expected error")
	}
}
